package store

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/sheetlens/internal/pubsub"
)

// readTimeout は購読の再評価1回あたりの読み取りタイムアウト。
const readTimeout = 10 * time.Second

type queryFunc func(ctx context.Context, q Query) (Snapshot, error)

// watcher は1つの購読を表す。
// 変更通知を受けるたびに問い合わせを再評価し、前回と異なる場合のみ onValue を呼ぶ。
// 再評価は購読専用のgoroutineで逐次行うため、配信順序は読み取り順と一致する。
type watcher struct {
	query   Query
	read    queryFunc
	onValue func(Snapshot)
	onError func(error)

	handle *pubsub.Handle[struct{}]
	stop   func()

	once sync.Once
	last []byte
	seen bool
}

// subscribe は読み取り関数とChangeFeedを組み合わせて購読を開始する。
// ticks は購読ごとのメールボックスとして使うBroker。
func subscribe(ticks *pubsub.Broker[struct{}], feed ChangeFeed, collection string, q Query, read queryFunc, onValue func(Snapshot), onError func(error)) (*watcher, error) {
	w := &watcher{
		query:   q,
		read:    read,
		onValue: onValue,
		onError: onError,
	}
	w.handle = ticks.Subscribe(q.String(), func(struct{}) { w.refresh() })

	stop, err := feed.Watch(collection, func() { w.handle.Send(struct{}{}) })
	if err != nil {
		w.handle.Close()
		return nil, err
	}
	w.stop = stop

	// 初回スナップショット
	w.handle.Send(struct{}{})
	return w, nil
}

func (w *watcher) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	snap, err := w.read(ctx, w.query)
	if err != nil {
		slog.Warn("subscription read failed",
			slog.String("query", w.query.String()),
			slog.String("error", err.Error()),
		)
		w.Unsubscribe()
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	if w.seen && bytes.Equal(w.last, snap.Value) {
		return
	}
	w.seen = true
	w.last = append(w.last[:0], snap.Value...)
	w.onValue(snap)
}

// Unsubscribe は購読を解除する。
func (w *watcher) Unsubscribe() {
	w.once.Do(func() {
		if w.stop != nil {
			w.stop()
		}
		w.handle.Close()
	})
}
