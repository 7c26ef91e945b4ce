package store

import (
	"context"
	"log/slog"

	"github.com/hitoshi/sheetlens/internal/pubsub"
)

// ChangeFeed はコレクション単位の変更通知を中継する。
type ChangeFeed interface {
	// Announce はcollectionに変更があったことを通知する。
	Announce(ctx context.Context, collection string) error
	// Watch はcollectionの変更ごとにfnを呼び出す。stop で監視を終了する。
	Watch(collection string, fn func()) (stop func(), err error)
	Close() error
}

// LocalFeed はプロセス内で完結するChangeFeed。
// 単一インスタンス構成やテストで使用する。
type LocalFeed struct {
	broker *pubsub.Broker[struct{}]
}

// NewLocalFeed は新しいLocalFeedを生成する。
func NewLocalFeed() *LocalFeed {
	return &LocalFeed{broker: pubsub.New[struct{}]()}
}

// Announce はcollectionの監視者に通知する。
func (f *LocalFeed) Announce(_ context.Context, collection string) error {
	f.broker.Publish(collection, struct{}{})
	return nil
}

// Watch はcollectionの変更監視を登録する。
func (f *LocalFeed) Watch(collection string, fn func()) (func(), error) {
	h := f.broker.Subscribe(collection, func(struct{}) { fn() })
	return h.Close, nil
}

// announceAll は全コレクションの監視者に通知する。
// リモートの通知経路が再接続した際、取りこぼした変更を拾い直すために使う。
func (f *LocalFeed) announceAll() {
	f.broker.Broadcast(struct{}{})
}

// Close は全ての監視を終了する。
func (f *LocalFeed) Close() error {
	f.broker.Close()
	return nil
}

var _ ChangeFeed = (*LocalFeed)(nil)

// announce は書き込み後の変更通知を行う。
// 書き込み自体は完了しているため、通知の失敗はログに残すだけにする。
func announce(ctx context.Context, feed ChangeFeed, collection string) {
	if err := feed.Announce(ctx, collection); err != nil {
		slog.Warn("change announce failed",
			slog.String("collection", collection),
			slog.String("error", err.Error()),
		)
	}
}
