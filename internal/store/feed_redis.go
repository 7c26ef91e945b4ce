package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisChannel は変更通知に使うRedis Pub/Subチャネル名。
const RedisChannel = "sheetlens:document_changes"

// publishTimeout は書き込み後の PUBLISH に許す時間。
const publishTimeout = 3 * time.Second

// RedisFeed は Redis Pub/Sub で複数インスタンス間に変更を中継するChangeFeed。
// 自インスタンスの変更はRedisを経由せずに直接通知する。
type RedisFeed struct {
	client *redis.Client
	sub    *redis.PubSub
	local  *LocalFeed
	origin string

	closeOnce sync.Once
}

// NewRedisFeed はredisURLに接続してチャネルを購読する。
func NewRedisFeed(ctx context.Context, redisURL string) (*RedisFeed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return newRedisFeed(ctx, client)
}

func newRedisFeed(ctx context.Context, client *redis.Client) (*RedisFeed, error) {
	sub := client.Subscribe(ctx, RedisChannel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		client.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", RedisChannel, err)
	}

	f := &RedisFeed{
		client: client,
		sub:    sub,
		local:  NewLocalFeed(),
		origin: uuid.NewString(),
	}
	go f.loop()
	return f, nil
}

func (f *RedisFeed) loop() {
	for msg := range f.sub.ChannelWithSubscriptions() {
		f.handle(msg)
	}
}

// handle はPub/Subから届いたメッセージを処理する。
// 購読の再確立（*redis.Subscription）では、切断中の変更を取りこぼした可能性があるため全件再評価させる。
func (f *RedisFeed) handle(msg any) {
	switch m := msg.(type) {
	case *redis.Subscription:
		if m.Kind == "subscribe" {
			slog.Info("change feed resubscribed", slog.String("channel", m.Channel))
			f.local.announceAll()
		}
	case *redis.Message:
		origin, collection, ok := strings.Cut(m.Payload, "/")
		if !ok {
			collection = m.Payload
		} else if origin == f.origin {
			// 自インスタンスの変更は Announce で通知済み
			return
		}
		_ = f.local.Announce(context.Background(), collection)
	}
}

// Announce はcollectionの変更を自インスタンスへ通知し、他インスタンスへ配信する。
// 書き込みは確定済みのため、リクエストのキャンセルに関わらず PUBLISH する。
func (f *RedisFeed) Announce(ctx context.Context, collection string) error {
	_ = f.local.Announce(ctx, collection)

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := f.client.Publish(pubCtx, RedisChannel, f.origin+"/"+collection).Err(); err != nil {
		return fmt.Errorf("failed to publish change: %w", err)
	}
	return nil
}

// Watch はcollectionの変更監視を登録する。
func (f *RedisFeed) Watch(collection string, fn func()) (func(), error) {
	return f.local.Watch(collection, fn)
}

// Close は購読とクライアントを閉じる。
func (f *RedisFeed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		if f.sub != nil {
			err = f.sub.Close()
		}
		f.local.Close()
		if cerr := f.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

var _ ChangeFeed = (*RedisFeed)(nil)
