package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/sheetlens/internal/auth"
	"github.com/hitoshi/sheetlens/internal/config"
	"github.com/hitoshi/sheetlens/internal/database"
	"github.com/hitoshi/sheetlens/internal/handler"
	"github.com/hitoshi/sheetlens/internal/logger"
	"github.com/hitoshi/sheetlens/internal/metrics"
	"github.com/hitoshi/sheetlens/internal/middleware"
	"github.com/hitoshi/sheetlens/internal/repository"
	"github.com/hitoshi/sheetlens/internal/search"
	"github.com/hitoshi/sheetlens/internal/security"
	"github.com/hitoshi/sheetlens/internal/stats"
	"github.com/hitoshi/sheetlens/internal/storage/minio"
	"github.com/hitoshi/sheetlens/internal/store"
	"github.com/hitoshi/sheetlens/internal/upload"
	"github.com/hitoshi/sheetlens/internal/user"
	"github.com/hitoshi/sheetlens/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルの反映
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("failed to set log level: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	if cmd == CommandHelp {
		WriteUsage(w)
		return nil
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// server はHTTPハンドラーと、停止時に解放する資源をまとめたもの。
type server struct {
	handler  http.Handler
	sweeper  *cleanup.Scheduler
	shutdown []func()
}

// Close は資源を確保した順と逆に解放する。
func (s *server) Close() {
	for i := len(s.shutdown) - 1; i >= 0; i-- {
		s.shutdown[i]()
	}
	s.shutdown = nil
}

// buildServer は設定から全依存関係をワイヤリングしたHTTPハンドラーを構築する。
// ストア接続設定に不備がある場合は、設定案内のみを返すハンドラーを構築する。
func buildServer(ctx context.Context, cfg *config.Config) (*server, error) {
	// 1. メトリクス
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	// 2. 共通ミドルウェア依存
	limiter := middleware.NewRateLimiter(middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitUpload))
	srv := &server{shutdown: []func(){limiter.Stop}}

	deps := &handler.RouterDeps{
		MetricsGatherer:   reg,
		MetricsRecorder:   collector,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter: limiter,
	}

	// 3. 接続設定の検証。不備があってもプロセスは起動し、案内を返す。
	if err := cfg.BackendError(); err != nil {
		slog.Error("backend is misconfigured, serving configuration notice only",
			slog.String("error", err.Error()),
		)
		deps.ConfigError = err
		srv.handler = handler.NewRouter(deps)
		return srv, nil
	}

	// 4. ストアと認証リポジトリ
	b, err := openBackend(ctx, cfg, true)
	if err != nil {
		srv.Close()
		return nil, err
	}
	srv.shutdown = append(srv.shutdown, b.Close)
	if b.db != nil {
		deps.HealthChecker = b.db
	}

	s := store.Instrument(b.store, collector)
	userRepo := repository.NewStoreUserRepo(s)
	uploadRepo := repository.NewStoreUploadRepo(s)

	// 5. アップロードの解析と原本保存
	uploadOpts := []upload.Option{upload.WithMetrics(collector)}
	if cfg.UploadParser == config.ParserExcelize {
		uploadOpts = append(uploadOpts, upload.WithParser(upload.ExcelizeParser{Fallback: upload.MockParser{}}))
	} else {
		uploadOpts = append(uploadOpts, upload.WithParser(upload.MockParser{}))
	}
	var archive *minio.Archive
	if cfg.Archive.Enabled() {
		archive, err = openArchive(ctx, cfg)
		if err != nil {
			srv.Close()
			return nil, err
		}
		uploadOpts = append(uploadOpts, upload.WithArchive(archive))
		slog.Info("upload archive enabled", slog.String("bucket", cfg.Archive.Bucket))
	}
	uploadService := upload.NewService(uploadRepo, uploadOpts...)

	// 6. ドメインサービス
	userService := user.NewService(userRepo, uploadRepo, nil)

	var oauthProvider auth.OAuthProvider
	if cfg.GoogleEnabled() {
		oauthProvider = auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		})
	}
	authService := auth.NewService(
		oauthProvider, b.identities, b.sessions, userService,
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
	)
	authService.SetEventRecorder(collector)
	userService.SetSessionDeleter(authService)
	srv.shutdown = append(srv.shutdown, authService.Close)

	// 7. ルーターの構築
	deps.AuthService = authService
	deps.AuthConfig = handler.AuthHandlerConfig{
		BaseURL:       cfg.BaseURL,
		CookieDomain:  cfg.CookieDomain,
		CookieSecure:  cfg.CookieSecure,
		SessionMaxAge: cfg.SessionMaxAge,
	}
	deps.UserService = userService
	deps.UploadService = uploadService
	deps.StatsService = stats.NewService(userRepo, uploadRepo)
	deps.SearchService = search.NewService(uploadRepo)
	deps.Store = s
	deps.LiveTracker = collector
	deps.Sanitizer = security.NewTextSanitizer()
	deps.UploadMaxBytes = cfg.UploadMaxBytes

	srv.handler = handler.NewRouter(deps)

	// インメモリのセッションはワーカーから見えないため、APIプロセス内で掃除する
	if b.db == nil {
		jobs := []cleanup.Job{cleanup.NewSessionSweepJob(b.sessions, slog.Default())}
		if archive != nil {
			jobs = append(jobs, cleanup.NewOrphanSourceJob(uploadService, cfg.OrphanSourceGrace, slog.Default()))
		}
		srv.sweeper = cleanup.NewScheduler(slog.Default(), jobs...)
	}

	return srv, nil
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	srv, err := buildServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer srv.Close()

	if srv.sweeper != nil {
		go srv.sweeper.Start(ctx, cfg.SessionCleanupInterval)
	}

	// ライブ購読とセッションイベントのストリームは自身で書き込み期限を解除する
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションと参照されない原本の削除を SESSION_CLEANUP_INTERVAL ごとに実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	if err := cfg.BackendError(); err != nil {
		return fmt.Errorf("worker requires a valid backend configuration: %w", err)
	}
	if cfg.Backend.IsMemory() {
		return fmt.Errorf("worker requires a postgres backend; the in-memory store is swept by the API process")
	}

	db, err := database.Connect(ctx, cfg.Backend.DatabaseURL, 10, 2*time.Second)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	jobs := []cleanup.Job{cleanup.NewSessionSweepJob(repository.NewPostgresSessionRepo(db), slog.Default())}
	if cfg.Archive.Enabled() {
		archive, err := openArchive(ctx, cfg)
		if err != nil {
			return err
		}
		pgStore := store.NewPostgresStore(db, nil)
		defer pgStore.Close()
		uploadRepo := repository.NewStoreUploadRepo(pgStore)
		uploadService := upload.NewService(uploadRepo, upload.WithArchive(archive))
		jobs = append(jobs, cleanup.NewOrphanSourceJob(uploadService, cfg.OrphanSourceGrace, slog.Default()))
	}
	scheduler := cleanup.NewScheduler(slog.Default(), jobs...)

	slog.Info("worker starting",
		slog.Duration("session_cleanup_interval", cfg.SessionCleanupInterval),
		slog.Int("job_count", len(jobs)),
	)

	// スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// openArchive は設定からアップロード原本の保存先を開く。
func openArchive(ctx context.Context, cfg *config.Config) (*minio.Archive, error) {
	archive, err := minio.NewArchive(ctx, minio.Config{
		Endpoint:  cfg.Archive.Endpoint,
		AccessKey: cfg.Archive.AccessKey,
		SecretKey: cfg.Archive.SecretKey,
		Bucket:    cfg.Archive.Bucket,
		UseSSL:    cfg.Archive.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	return archive, nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if err := cfg.BackendError(); err != nil {
		return fmt.Errorf("migrate requires a valid backend configuration: %w", err)
	}
	if cfg.Backend.IsMemory() {
		slog.Info("in-memory store has no migrations")
		return nil
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.Backend.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.Backend.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
