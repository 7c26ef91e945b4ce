package pubsub

import (
	"sync"
	"testing"
	"time"
)

func collect[T any](t *testing.T, ch <-chan T, n int) []T {
	t.Helper()
	var got []T
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case v := <-ch:
			got = append(got, v)
		case <-timeout:
			t.Fatalf("timed out: got %d of %d values", len(got), n)
		}
	}
	return got
}

// TestBroker_PublishPreservesOrder は同一購読者への配信順序が保たれることを検証する。
func TestBroker_PublishPreservesOrder(t *testing.T) {
	b := New[int]()
	defer b.Close()

	ch := make(chan int, 100)
	b.Subscribe("uploads", func(v int) { ch <- v })

	for i := 0; i < 50; i++ {
		b.Publish("uploads", i)
	}

	got := collect(t, ch, 50)
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

// TestBroker_PublishOnlyMatchingTopic は別トピックの購読者に配信されないことを検証する。
func TestBroker_PublishOnlyMatchingTopic(t *testing.T) {
	b := New[string]()
	defer b.Close()

	users := make(chan string, 10)
	uploads := make(chan string, 10)
	b.Subscribe("users", func(v string) { users <- v })
	b.Subscribe("uploads", func(v string) { uploads <- v })

	if n := b.Publish("users", "changed"); n != 1 {
		t.Errorf("Publish returned %d, want 1", n)
	}

	collect(t, users, 1)
	select {
	case v := <-uploads:
		t.Errorf("uploads subscriber received %q", v)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestHandle_SendDeliversToSingleSubscriber はSendが対象の購読者だけに届くことを検証する。
func TestHandle_SendDeliversToSingleSubscriber(t *testing.T) {
	b := New[string]()
	defer b.Close()

	a := make(chan string, 10)
	c := make(chan string, 10)
	ha := b.Subscribe("t", func(v string) { a <- v })
	b.Subscribe("t", func(v string) { c <- v })

	if !ha.Send("initial") {
		t.Fatal("Send returned false for open handle")
	}

	if got := collect(t, a, 1); got[0] != "initial" {
		t.Errorf("got %q, want %q", got[0], "initial")
	}
	select {
	case v := <-c:
		t.Errorf("other subscriber received %q", v)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestHandle_CloseStopsDelivery は購読解除後に配信されないことを検証する。
func TestHandle_CloseStopsDelivery(t *testing.T) {
	b := New[int]()
	defer b.Close()

	var mu sync.Mutex
	var got []int
	h := b.Subscribe("t", func(v int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})

	h.Close()
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("delivery goroutine did not stop")
	}

	if h.Send(1) {
		t.Error("Send returned true after Close")
	}
	if n := b.Publish("t", 2); n != 0 {
		t.Errorf("Publish returned %d after Close, want 0", n)
	}
	if n := b.Subscribers("t"); n != 0 {
		t.Errorf("Subscribers = %d, want 0", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 0 {
		t.Errorf("received %v after Close", got)
	}
}

// TestHandle_CloseFromCallback はコールバック内からの購読解除でデッドロックしないことを検証する。
func TestHandle_CloseFromCallback(t *testing.T) {
	b := New[int]()
	defer b.Close()

	var h *Handle[int]
	ready := make(chan struct{})
	h = b.Subscribe("t", func(v int) {
		<-ready
		h.Close()
	})
	close(ready)
	h.Send(1)

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("delivery goroutine did not stop after Close in callback")
	}
}

// TestBroker_BroadcastReachesAllTopics は全トピックに配信されることを検証する。
func TestBroker_BroadcastReachesAllTopics(t *testing.T) {
	b := New[string]()
	defer b.Close()

	ch := make(chan string, 10)
	b.Subscribe("users", func(v string) { ch <- "users:" + v })
	b.Subscribe("uploads", func(v string) { ch <- "uploads:" + v })

	if n := b.Broadcast("reconnect"); n != 2 {
		t.Errorf("Broadcast returned %d, want 2", n)
	}
	got := collect(t, ch, 2)
	seen := map[string]bool{got[0]: true, got[1]: true}
	if !seen["users:reconnect"] || !seen["uploads:reconnect"] {
		t.Errorf("unexpected deliveries: %v", got)
	}
}

// TestBroker_SubscribeAfterClose はクローズ後の購読が即座に終了することを検証する。
func TestBroker_SubscribeAfterClose(t *testing.T) {
	b := New[int]()
	b.Close()

	h := b.Subscribe("t", func(int) { t.Error("callback must not run") })
	select {
	case <-h.Done():
	default:
		t.Fatal("handle from closed broker should be done")
	}
	if h.Send(1) {
		t.Error("Send returned true on closed broker handle")
	}
}
