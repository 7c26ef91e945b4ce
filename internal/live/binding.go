// Package live はストアのパスを購読し、{Data, Loading, Err} の状態として公開する
// リアルタイムバインディングを提供する。
//
// パラメータ変更は明示的な状態遷移として扱う。旧購読ハンドルを解除してから
// 新しいハンドルを開き、世代番号を進める。古い世代に属するコールバックは無視する。
package live

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/hitoshi/sheetlens/internal/pubsub"
	"github.com/hitoshi/sheetlens/internal/store"
)

// ErrStoreUnavailable はストアが初期化されていない場合の恒久的なエラー。
var ErrStoreUnavailable = errors.New("store is not initialized")

// State はバインディングの現在状態を表す。
type State[D any] struct {
	Data    D
	Loading bool
	Err     error
}

// Tracker は開いている購読数を観測する。
type Tracker interface {
	SubscriptionOpened()
	SubscriptionClosed()
}

// Option はバインディングの生成オプション。
type Option func(*options)

type options struct {
	tracker Tracker
}

// WithTracker は購読数の観測先を設定する。
func WithTracker(t Tracker) Option {
	return func(o *options) { o.tracker = t }
}

type binding[D any] struct {
	store  store.Store
	decode func(store.Snapshot) (D, error)
	empty  func() D
	opts   options

	mu     sync.Mutex
	query  store.Query
	gen    uint64
	sub    store.Subscription
	state  State[D]
	closed bool

	watchers *pubsub.Broker[State[D]]
}

func newBinding[D any](s store.Store, decode func(store.Snapshot) (D, error), empty func() D, opts []Option) *binding[D] {
	b := &binding[D]{
		store:    s,
		decode:   decode,
		empty:    empty,
		state:    State[D]{Data: empty(), Loading: true},
		watchers: pubsub.New[State[D]](),
	}
	for _, o := range opts {
		o(&b.opts)
	}
	return b
}

// open は現在の購読を解除し、qに対する新しい購読を開く。
func (b *binding[D]) open(q store.Query) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.teardownLocked()
	b.gen++
	gen := b.gen
	b.query = q

	if b.store == nil {
		b.setLocked(State[D]{Data: b.empty(), Loading: false, Err: ErrStoreUnavailable})
		b.mu.Unlock()
		return
	}
	if q.Filtered() && q.EqualTo == "" {
		// 条件値がない問い合わせは発行しない
		b.setLocked(State[D]{Data: b.empty(), Loading: false})
		b.mu.Unlock()
		return
	}
	b.setLocked(State[D]{Data: b.empty(), Loading: true})
	b.mu.Unlock()

	sub, err := b.store.Subscribe(q,
		func(snap store.Snapshot) { b.onValue(gen, snap) },
		func(err error) { b.onError(gen, err) },
	)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		if gen == b.gen {
			slog.Warn("live subscribe failed",
				slog.String("query", q.String()),
				slog.String("error", err.Error()),
			)
			b.setLocked(State[D]{Data: b.state.Data, Loading: false, Err: err})
		}
		return
	}
	if gen != b.gen || b.closed {
		// 購読処理中に次の遷移かCloseが起きた
		sub.Unsubscribe()
		return
	}
	b.sub = sub
	if b.opts.tracker != nil {
		b.opts.tracker.SubscriptionOpened()
	}
}

func (b *binding[D]) onValue(gen uint64, snap store.Snapshot) {
	data, err := b.decode(snap)

	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen || b.closed {
		return
	}
	if err != nil {
		b.setLocked(State[D]{Data: b.state.Data, Loading: false, Err: err})
		return
	}
	b.setLocked(State[D]{Data: data, Loading: false})
}

func (b *binding[D]) onError(gen uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen || b.closed {
		return
	}
	b.setLocked(State[D]{Data: b.state.Data, Loading: false, Err: err})
}

func (b *binding[D]) setLocked(s State[D]) {
	b.state = s
	b.watchers.Publish("state", s)
}

func (b *binding[D]) teardownLocked() {
	if b.sub == nil {
		return
	}
	b.sub.Unsubscribe()
	b.sub = nil
	if b.opts.tracker != nil {
		b.opts.tracker.SubscriptionClosed()
	}
}

// State は現在状態を返す。
func (b *binding[D]) State() State[D] {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Query は現在購読している問い合わせを返す。
func (b *binding[D]) Query() store.Query {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.query
}

// Watch は状態変化ごとにfnを呼び出す。登録直後に現在状態が1回届く。
// 戻り値の関数で監視を解除する。
func (b *binding[D]) Watch(fn func(State[D])) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.watchers.Subscribe("state", fn)
	h.Send(b.state)
	return h.Close
}

// Close は購読を解除する。以降の状態変化は発生しない。
func (b *binding[D]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.gen++
	b.teardownLocked()
	b.mu.Unlock()

	b.watchers.Close()
}
