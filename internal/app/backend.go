package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/sheetlens/internal/config"
	"github.com/hitoshi/sheetlens/internal/database"
	"github.com/hitoshi/sheetlens/internal/repository"
	"github.com/hitoshi/sheetlens/internal/store"
)

// backend はストアと認証リポジトリをまとめたもの。
// インメモリ構成では db はnil。
type backend struct {
	db         *sql.DB
	store      store.Store
	identities repository.IdentityRepository
	sessions   repository.SessionRepository
	closers    []func() error
}

// openBackend は BACKEND_DATABASE_URL のスキームに応じてストアを開く。
// cfg.BackendError() が nil であることを前提とする。
func openBackend(ctx context.Context, cfg *config.Config, migrate bool) (*backend, error) {
	if cfg.Backend.IsMemory() {
		slog.Info("using in-memory store")
		s := store.NewMemoryStore(store.NewLocalFeed())
		return &backend{
			store:      s,
			identities: repository.NewMemoryIdentityRepo(),
			sessions:   repository.NewMemorySessionRepo(),
			closers:    []func() error{s.Close},
		}, nil
	}

	dbURL := cfg.Backend.DatabaseURL
	db, err := database.Connect(ctx, dbURL, 10, 2*time.Second)
	if err != nil {
		return nil, err
	}
	slog.Info("database connection established")
	b := &backend{db: db, closers: []func() error{db.Close}}

	if migrate {
		if err := database.RunMigrations(dbURL); err != nil {
			b.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
	}

	feed, err := openChangeFeed(ctx, cfg)
	if err != nil {
		b.Close()
		return nil, err
	}
	s := store.NewPostgresStore(db, feed)

	// ストアを閉じると変更通知も閉じる
	b.closers = append(b.closers, s.Close)
	b.store = s
	b.identities = repository.NewPostgresIdentityRepo(db)
	b.sessions = repository.NewPostgresSessionRepo(db)
	return b, nil
}

// openChangeFeed は STORE_NOTIFIER に応じた変更通知を開く。
func openChangeFeed(ctx context.Context, cfg *config.Config) (store.ChangeFeed, error) {
	switch cfg.StoreNotifier {
	case config.NotifierRedis:
		feed, err := store.NewRedisFeed(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis change feed: %w", err)
		}
		slog.Info("store change feed ready", slog.String("notifier", config.NotifierRedis))
		return feed, nil
	default:
		feed, err := store.NewPostgresFeed(cfg.Backend.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres change feed: %w", err)
		}
		slog.Info("store change feed ready", slog.String("notifier", config.NotifierPostgres))
		return feed, nil
	}
}

// Close は開いた資源を逆順に閉じる。
func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			slog.Warn("failed to close backend resource", slog.String("error", err.Error()))
		}
	}
	b.closers = nil
}
