package store

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/hitoshi/sheetlens/internal/pubsub"
)

// MemoryStore はプロセス内メモリに保持するStore実装。
// BACKEND_DATABASE_URL に memory:// を指定した場合やテストで使用する。
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]map[string]json.RawMessage
	closed bool

	feed  ChangeFeed
	ticks *pubsub.Broker[struct{}]
}

// NewMemoryStore は新しいMemoryStoreを生成する。
// feedがnilの場合はLocalFeedを使用する。
func NewMemoryStore(feed ChangeFeed) *MemoryStore {
	if feed == nil {
		feed = NewLocalFeed()
	}
	return &MemoryStore{
		data:  make(map[string]map[string]json.RawMessage),
		feed:  feed,
		ticks: pubsub.New[struct{}](),
	}
}

// Get はパスの現在値を返す。
func (s *MemoryStore) Get(ctx context.Context, path string) (Snapshot, error) {
	return s.Query(ctx, At(path))
}

// Set はドキュメントを丸ごと書き込む。
func (s *MemoryStore) Set(ctx context.Context, path string, value any) error {
	p, err := parseDocumentPath(path)
	if err != nil {
		return err
	}
	raw, err := encodeObject(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	coll, ok := s.data[p.Collection]
	if !ok {
		coll = make(map[string]json.RawMessage)
		s.data[p.Collection] = coll
	}
	coll[p.Key] = raw
	s.mu.Unlock()

	announce(ctx, s.feed, p.Collection)
	return nil
}

// Update はトップレベルのフィールドをマージする。
func (s *MemoryStore) Update(ctx context.Context, path string, fields map[string]any) error {
	p, err := parseDocumentPath(path)
	if err != nil {
		return err
	}
	set, del, err := splitFields(fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	coll, ok := s.data[p.Collection]
	if !ok {
		coll = make(map[string]json.RawMessage)
		s.data[p.Collection] = coll
	}
	doc := make(map[string]json.RawMessage)
	if cur, ok := coll[p.Key]; ok {
		if err := json.Unmarshal(cur, &doc); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to decode %s: %w", p, err)
		}
	}
	maps.Copy(doc, set)
	for _, name := range del {
		delete(doc, name)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to encode %s: %w", p, err)
	}
	coll[p.Key] = raw
	s.mu.Unlock()

	announce(ctx, s.feed, p.Collection)
	return nil
}

// Remove はドキュメントを削除する。存在しない場合も成功とする。
func (s *MemoryStore) Remove(ctx context.Context, path string) error {
	p, err := parseDocumentPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if coll, ok := s.data[p.Collection]; ok {
		delete(coll, p.Key)
		if len(coll) == 0 {
			delete(s.data, p.Collection)
		}
	}
	s.mu.Unlock()

	announce(ctx, s.feed, p.Collection)
	return nil
}

// Push はコレクションに新しいキーを払い出す。
func (s *MemoryStore) Push(_ context.Context, collection string) (string, error) {
	return newPushID(collection)
}

// Query は問い合わせの現在値を返す。
func (s *MemoryStore) Query(_ context.Context, q Query) (Snapshot, error) {
	p, err := parseQuery(q)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Snapshot{}, ErrClosed
	}

	coll := s.data[p.Collection]
	if p.IsDocument() {
		raw, ok := coll[p.Key]
		if !ok {
			return Snapshot{Path: p.String()}, nil
		}
		return Snapshot{Path: p.String(), Value: append(json.RawMessage(nil), raw...)}, nil
	}

	children := make(map[string]json.RawMessage, len(coll))
	for key, raw := range coll {
		if q.Filtered() && !fieldEquals(raw, q.OrderByChild, q.EqualTo) {
			continue
		}
		children[key] = raw
	}
	value, err := encodeChildren(children)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Path: p.String(), Value: value}, nil
}

// Subscribe は問い合わせの購読を開始する。
func (s *MemoryStore) Subscribe(q Query, onValue func(Snapshot), onError func(error)) (Subscription, error) {
	p, err := parseQuery(q)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return subscribe(s.ticks, s.feed, p.Collection, q, s.Query, onValue, onError)
}

// CountDistinctSince は timeField >= since の子について field の異なる値の数を返す。
func (s *MemoryStore) CountDistinctSince(_ context.Context, collection, field, timeField string, since int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	seen := make(map[string]struct{})
	for _, raw := range s.data[collection] {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		var ts int64
		if err := json.Unmarshal(doc[timeField], &ts); err != nil || ts < since {
			continue
		}
		var v string
		if err := json.Unmarshal(doc[field], &v); err != nil || v == "" {
			continue
		}
		seen[v] = struct{}{}
	}
	return len(seen), nil
}

// Close はストアを閉じ、全ての購読を終了する。
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.ticks.Close()
	return s.feed.Close()
}

// newPushID は時刻順に並ぶ一意キーを生成する。
func newPushID(collection string) (string, error) {
	p, err := ParsePath(collection)
	if err != nil {
		return "", err
	}
	if p.IsDocument() {
		return "", fmt.Errorf("%w: %q is not a collection", ErrInvalidPath, collection)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate push id: %w", err)
	}
	return id.String(), nil
}

var (
	_ Store      = (*MemoryStore)(nil)
	_ Aggregator = (*MemoryStore)(nil)
)
