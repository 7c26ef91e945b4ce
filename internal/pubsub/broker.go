// Package pubsub はトピック単位の順序付きファンアウト配信を提供する。
//
// 購読者ごとに上限なしのメールボックスと配信用goroutineを持つため、
// Publish は受信側のコールバック処理を待たずに返る。
// 同一購読者への配信順序は Publish / Send の呼び出し順と一致するが、
// 購読者間の順序は保証しない。
package pubsub

import "sync"

// Broker はトピックごとの購読者を管理する。
type Broker[T any] struct {
	mu     sync.Mutex
	topics map[string]map[*Handle[T]]struct{}
	closed bool
}

// New は新しいBrokerを生成する。
func New[T any]() *Broker[T] {
	return &Broker[T]{
		topics: make(map[string]map[*Handle[T]]struct{}),
	}
}

// Subscribe はtopicに購読者を登録する。
// fnは購読者専用のgoroutineから逐次呼び出される。
// Broker がクローズ済みの場合はクローズ済みのHandleを返す。
func (b *Broker[T]) Subscribe(topic string, fn func(T)) *Handle[T] {
	h := &Handle[T]{
		broker: b,
		topic:  topic,
		fn:     fn,
		done:   make(chan struct{}),
	}
	h.cond = sync.NewCond(&h.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		h.closed = true
		close(h.done)
		return h
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Handle[T]]struct{})
		b.topics[topic] = subs
	}
	subs[h] = struct{}{}
	b.mu.Unlock()

	go h.run()
	return h
}

// Publish はtopicの全購読者にvを配信キューへ積む。
// 積んだ購読者数を返す。
func (b *Broker[T]) Publish(topic string, v T) int {
	b.mu.Lock()
	handles := make([]*Handle[T], 0, len(b.topics[topic]))
	for h := range b.topics[topic] {
		handles = append(handles, h)
	}
	b.mu.Unlock()

	n := 0
	for _, h := range handles {
		if h.Send(v) {
			n++
		}
	}
	return n
}

// Broadcast は全トピックの全購読者にvを配信キューへ積む。
func (b *Broker[T]) Broadcast(v T) int {
	b.mu.Lock()
	var handles []*Handle[T]
	for _, subs := range b.topics {
		for h := range subs {
			handles = append(handles, h)
		}
	}
	b.mu.Unlock()

	n := 0
	for _, h := range handles {
		if h.Send(v) {
			n++
		}
	}
	return n
}

// Subscribers はtopicの購読者数を返す。
func (b *Broker[T]) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// Close は全購読者を停止し、以降の Subscribe を無効にする。
func (b *Broker[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var handles []*Handle[T]
	for _, subs := range b.topics {
		for h := range subs {
			handles = append(handles, h)
		}
	}
	b.topics = make(map[string]map[*Handle[T]]struct{})
	b.mu.Unlock()

	for _, h := range handles {
		h.stop()
	}
}

func (b *Broker[T]) remove(h *Handle[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[h.topic]
	if !ok {
		return
	}
	delete(subs, h)
	if len(subs) == 0 {
		delete(b.topics, h.topic)
	}
}

// Handle は1購読者を表す。
type Handle[T any] struct {
	broker *Broker[T]
	topic  string
	fn     func(T)

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []T
	closed bool
	done   chan struct{}
}

// Send はこの購読者だけにvを配信キューへ積む。
// 購読解除済みの場合はfalseを返す。
func (h *Handle[T]) Send(v T) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.queue = append(h.queue, v)
	h.cond.Signal()
	return true
}

// Close は購読を解除し、未配信のキューを破棄する。
// 実行中のコールバックの完了は待たないため、コールバック内から呼び出してもよい。
// 完了を待つ場合は Done を使う。複数回呼び出しても安全。
func (h *Handle[T]) Close() {
	h.broker.remove(h)
	h.stop()
}

// Done は配信goroutineの終了時にクローズされるチャネルを返す。
func (h *Handle[T]) Done() <-chan struct{} {
	return h.done
}

// Topic は購読中のトピック名を返す。
func (h *Handle[T]) Topic() string {
	return h.topic
}

func (h *Handle[T]) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.queue = nil
	h.cond.Broadcast()
}

func (h *Handle[T]) run() {
	defer close(h.done)
	for {
		h.mu.Lock()
		for len(h.queue) == 0 && !h.closed {
			h.cond.Wait()
		}
		if h.closed {
			h.mu.Unlock()
			return
		}
		v := h.queue[0]
		var zero T
		h.queue[0] = zero
		h.queue = h.queue[1:]
		h.mu.Unlock()

		h.fn(v)

		h.mu.Lock()
		closed := h.closed
		h.mu.Unlock()
		if closed {
			return
		}
	}
}
