package live

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/sheetlens/internal/store"
)

type record struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
}

// fakeStore はSubscribeの呼び出しを記録し、コールバックをテストから直接呼べるようにする。
type fakeStore struct {
	store.Store

	mu      sync.Mutex
	queries []store.Query
	subs    []*fakeSub
	subErr  error
}

type fakeSub struct {
	onValue      func(store.Snapshot)
	onError      func(error)
	unsubscribed bool
}

func (s *fakeSub) Unsubscribe() { s.unsubscribed = true }

func (f *fakeStore) Subscribe(q store.Query, onValue func(store.Snapshot), onError func(error)) (store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.subErr != nil {
		return nil, f.subErr
	}
	sub := &fakeSub{onValue: onValue, onError: onError}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeStore) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func (f *fakeStore) sub(i int) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i]
}

func waitState[D any](t *testing.T, get func() State[D], cond func(State[D]) bool) State[D] {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s := get()
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached, last state: %+v", s)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func ids(list []record) []string {
	out := make([]string, 0, len(list))
	for _, r := range list {
		out = append(out, r.ID)
	}
	sort.Strings(out)
	return out
}

// TestQuery_EmptyValueShortCircuits は条件値が空の場合に問い合わせを発行しないことを検証する。
func TestQuery_EmptyValueShortCircuits(t *testing.T) {
	fs := &fakeStore{}
	q := NewQuery[record](fs, "uploads", "userId", "")
	defer q.Close()

	st := q.State()
	if st.Loading {
		t.Error("Loading should be false")
	}
	if st.Err != nil {
		t.Errorf("Err = %v, want nil", st.Err)
	}
	if st.Data == nil || len(st.Data) != 0 {
		t.Errorf("Data = %#v, want empty slice", st.Data)
	}
	if n := fs.subscribeCount(); n != 0 {
		t.Errorf("Subscribe called %d times, want 0", n)
	}
}

// TestBinding_NilStoreIsPermanentError はストア未初期化で恒久的なエラーになることを検証する。
func TestBinding_NilStoreIsPermanentError(t *testing.T) {
	v := NewValue[record](nil, "users/u1")
	defer v.Close()

	st := v.State()
	if !errors.Is(st.Err, ErrStoreUnavailable) {
		t.Errorf("Err = %v, want ErrStoreUnavailable", st.Err)
	}
	if st.Loading {
		t.Error("Loading should be false")
	}

	l := NewList[record](nil, "uploads")
	defer l.Close()
	if !errors.Is(l.State().Err, ErrStoreUnavailable) {
		t.Errorf("list Err = %v", l.State().Err)
	}
}

// TestList_ReplacesDataWholesale はスナップショットごとにDataが丸ごと置き換わることを検証する。
func TestList_ReplacesDataWholesale(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore(nil)
	defer ms.Close()

	_ = ms.Set(ctx, "uploads/a", record{ID: "a"})
	_ = ms.Set(ctx, "uploads/b", record{ID: "b"})

	l := NewList[record](ms, "uploads")
	defer l.Close()

	st := waitState(t, l.State, func(s State[[]record]) bool { return !s.Loading })
	if got := ids(st.Data); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("initial data = %v", got)
	}

	_ = ms.Remove(ctx, "uploads/a")
	_ = ms.Set(ctx, "uploads/c", record{ID: "c"})

	st = waitState(t, l.State, func(s State[[]record]) bool {
		got := ids(s.Data)
		return len(got) == 2 && got[0] == "b" && got[1] == "c"
	})
	if st.Err != nil {
		t.Errorf("Err = %v", st.Err)
	}

	_ = ms.Remove(ctx, "uploads/b")
	_ = ms.Remove(ctx, "uploads/c")
	st = waitState(t, l.State, func(s State[[]record]) bool { return len(s.Data) == 0 })
	if st.Data == nil {
		t.Error("absent collection should yield empty slice, not nil")
	}
}

// TestValue_AbsentIsNil は存在しないパスでDataがnilになることを検証する。
func TestValue_AbsentIsNil(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore(nil)
	defer ms.Close()

	v := NewValue[record](ms, "users/u1")
	defer v.Close()

	st := waitState(t, v.State, func(s State[*record]) bool { return !s.Loading })
	if st.Data != nil {
		t.Errorf("Data = %+v, want nil", st.Data)
	}

	_ = ms.Set(ctx, "users/u1", record{ID: "u1"})
	st = waitState(t, v.State, func(s State[*record]) bool { return s.Data != nil })
	if st.Data.ID != "u1" {
		t.Errorf("Data.ID = %q", st.Data.ID)
	}
}

// TestQuery_SetParamsTearsDownOldSubscription はパラメータ変更で旧購読を解除し、
// 旧世代のイベントを無視することを検証する。
func TestQuery_SetParamsTearsDownOldSubscription(t *testing.T) {
	fs := &fakeStore{}
	q := NewQuery[record](fs, "uploads", "userId", "u1")
	defer q.Close()

	if n := fs.subscribeCount(); n != 1 {
		t.Fatalf("Subscribe called %d times, want 1", n)
	}
	old := fs.sub(0)

	q.SetParams("uploads", "userId", "u2")
	if !old.unsubscribed {
		t.Error("old subscription should be unsubscribed")
	}
	if st := q.State(); !st.Loading {
		t.Error("Loading should be true right after a transition")
	}

	// 旧世代への遅延応答は無視される
	old.onValue(store.Snapshot{Path: "uploads", Value: []byte(`{"a":{"id":"a","userId":"u1"}}`)})
	old.onError(errors.New("late failure"))
	if st := q.State(); !st.Loading || st.Err != nil || len(st.Data) != 0 {
		t.Errorf("stale callbacks changed state: %+v", st)
	}

	fs.sub(1).onValue(store.Snapshot{Path: "uploads", Value: []byte(`{"b":{"id":"b","userId":"u2"}}`)})
	st := q.State()
	if st.Loading || len(st.Data) != 1 || st.Data[0].ID != "b" {
		t.Errorf("state = %+v", st)
	}
	if got := q.Query(); got.EqualTo != "u2" {
		t.Errorf("current query = %s", got)
	}
}

// TestQuery_ClearingValueStopsQuery は条件値を空にすると購読が解除されることを検証する。
func TestQuery_ClearingValueStopsQuery(t *testing.T) {
	fs := &fakeStore{}
	q := NewQuery[record](fs, "uploads", "userId", "u1")
	defer q.Close()

	fs.sub(0).onValue(store.Snapshot{Path: "uploads", Value: []byte(`{"a":{"id":"a","userId":"u1"}}`)})
	if len(q.State().Data) != 1 {
		t.Fatal("expected one record before clearing")
	}

	q.SetParams("uploads", "userId", "")
	if !fs.sub(0).unsubscribed {
		t.Error("subscription should be torn down")
	}
	if fs.subscribeCount() != 1 {
		t.Error("no new query should be issued for an empty value")
	}
	st := q.State()
	if st.Loading || len(st.Data) != 0 || st.Err != nil {
		t.Errorf("state = %+v", st)
	}
}

// TestBinding_SubscriptionErrorEndsLoading は購読エラーでErrが設定されLoadingが終わることを検証する。
func TestBinding_SubscriptionErrorEndsLoading(t *testing.T) {
	fs := &fakeStore{}
	l := NewList[record](fs, "uploads")
	defer l.Close()

	fs.sub(0).onValue(store.Snapshot{Path: "uploads", Value: []byte(`{"a":{"id":"a"}}`)})
	failure := errors.New("permission denied")
	fs.sub(0).onError(failure)

	st := l.State()
	if !errors.Is(st.Err, failure) {
		t.Errorf("Err = %v", st.Err)
	}
	if st.Loading {
		t.Error("Loading should be false after error")
	}
	if len(st.Data) != 1 {
		t.Errorf("data should be kept on error, got %+v", st.Data)
	}

	// 次のスナップショットでエラーは解消される
	fs.sub(0).onValue(store.Snapshot{Path: "uploads"})
	if st := l.State(); st.Err != nil || len(st.Data) != 0 {
		t.Errorf("state = %+v", st)
	}
}

// TestBinding_SubscribeFailure は購読開始の失敗がエラー状態になることを検証する。
func TestBinding_SubscribeFailure(t *testing.T) {
	fs := &fakeStore{subErr: store.ErrInvalidPath}
	v := NewValue[record](fs, "users/u1/x")
	defer v.Close()

	st := v.State()
	if !errors.Is(st.Err, store.ErrInvalidPath) || st.Loading {
		t.Errorf("state = %+v", st)
	}
}

// TestBinding_CloseUnsubscribes は終了時に必ず購読を解除することを検証する。
func TestBinding_CloseUnsubscribes(t *testing.T) {
	fs := &fakeStore{}
	l := NewList[record](fs, "uploads")
	l.Close()
	l.Close()

	if !fs.sub(0).unsubscribed {
		t.Error("Close should unsubscribe")
	}
	fs.sub(0).onValue(store.Snapshot{Path: "uploads", Value: []byte(`{"a":{"id":"a"}}`)})
	if len(l.State().Data) != 0 {
		t.Error("events after Close must be ignored")
	}
}

type countingTracker struct {
	mu     sync.Mutex
	opened int
	closed int
}

func (c *countingTracker) SubscriptionOpened() { c.mu.Lock(); c.opened++; c.mu.Unlock() }
func (c *countingTracker) SubscriptionClosed() { c.mu.Lock(); c.closed++; c.mu.Unlock() }

// TestBinding_WatchAndTracker は状態通知と購読数の観測を検証する。
func TestBinding_WatchAndTracker(t *testing.T) {
	fs := &fakeStore{}
	tr := &countingTracker{}
	q := NewQuery[record](fs, "uploads", "userId", "u1", WithTracker(tr))

	states := make(chan State[[]record], 10)
	stop := q.Watch(func(s State[[]record]) { states <- s })
	defer stop()

	select {
	case s := <-states:
		if !s.Loading {
			t.Errorf("first watched state should be loading: %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no initial state")
	}

	fs.sub(0).onValue(store.Snapshot{Path: "uploads"})
	select {
	case s := <-states:
		if s.Loading {
			t.Errorf("state after snapshot should not be loading: %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no state after snapshot")
	}

	q.SetParams("uploads", "userId", "u2")
	q.Close()

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.opened != 2 || tr.closed != 2 {
		t.Errorf("opened=%d closed=%d, want 2/2", tr.opened, tr.closed)
	}
}
