package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/lib/pq"

	"github.com/hitoshi/sheetlens/internal/pubsub"
)

// PostgresStore は documents テーブルに保持するStore実装。
// 1行が1ドキュメントに対応し、値は jsonb として保存する。
type PostgresStore struct {
	db    *sql.DB
	feed  ChangeFeed
	ticks *pubsub.Broker[struct{}]

	mu     sync.RWMutex
	closed bool
}

// NewPostgresStore は新しいPostgresStoreを生成する。
// dbのクローズは呼び出し元が行う。
func NewPostgresStore(db *sql.DB, feed ChangeFeed) *PostgresStore {
	if feed == nil {
		feed = NewLocalFeed()
	}
	return &PostgresStore{
		db:    db,
		feed:  feed,
		ticks: pubsub.New[struct{}](),
	}
}

func (s *PostgresStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Get はパスの現在値を返す。
func (s *PostgresStore) Get(ctx context.Context, path string) (Snapshot, error) {
	return s.Query(ctx, At(path))
}

// Set はドキュメントを丸ごと書き込む。
func (s *PostgresStore) Set(ctx context.Context, path string, value any) error {
	if s.isClosed() {
		return ErrClosed
	}
	p, err := parseDocumentPath(path)
	if err != nil {
		return err
	}
	raw, err := encodeObject(value)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO documents (collection, key, data, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (collection, key)
		DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`
	if _, err := s.db.ExecContext(ctx, query, p.Collection, p.Key, string(raw)); err != nil {
		return fmt.Errorf("failed to set %s: %w", p, err)
	}
	announce(ctx, s.feed, p.Collection)
	return nil
}

// Update はトップレベルのフィールドをマージする。
// 同時更新はフィールド単位で後勝ちになる。
func (s *PostgresStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if s.isClosed() {
		return ErrClosed
	}
	p, err := parseDocumentPath(path)
	if err != nil {
		return err
	}
	set, del, err := splitFields(fields)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}
	if del == nil {
		del = []string{}
	}

	query := `
		INSERT INTO documents (collection, key, data, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (collection, key)
		DO UPDATE SET data = (documents.data || EXCLUDED.data) - $4::text[], updated_at = NOW()`
	if _, err := s.db.ExecContext(ctx, query, p.Collection, p.Key, string(raw), pq.Array(del)); err != nil {
		return fmt.Errorf("failed to update %s: %w", p, err)
	}
	announce(ctx, s.feed, p.Collection)
	return nil
}

// Remove はドキュメントを削除する。存在しない場合も成功とする。
func (s *PostgresStore) Remove(ctx context.Context, path string) error {
	if s.isClosed() {
		return ErrClosed
	}
	p, err := parseDocumentPath(path)
	if err != nil {
		return err
	}

	query := `DELETE FROM documents WHERE collection = $1 AND key = $2`
	if _, err := s.db.ExecContext(ctx, query, p.Collection, p.Key); err != nil {
		return fmt.Errorf("failed to remove %s: %w", p, err)
	}
	announce(ctx, s.feed, p.Collection)
	return nil
}

// Push はコレクションに新しいキーを払い出す。
func (s *PostgresStore) Push(_ context.Context, collection string) (string, error) {
	return newPushID(collection)
}

// Query は問い合わせの現在値を返す。
func (s *PostgresStore) Query(ctx context.Context, q Query) (Snapshot, error) {
	if s.isClosed() {
		return Snapshot{}, ErrClosed
	}
	p, err := parseQuery(q)
	if err != nil {
		return Snapshot{}, err
	}

	if p.IsDocument() {
		var data string
		query := `SELECT data FROM documents WHERE collection = $1 AND key = $2`
		err := s.db.QueryRowContext(ctx, query, p.Collection, p.Key).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{Path: p.String()}, nil
		}
		if err != nil {
			return Snapshot{}, fmt.Errorf("failed to get %s: %w", p, err)
		}
		return Snapshot{Path: p.String(), Value: json.RawMessage(data)}, nil
	}

	var rows *sql.Rows
	if q.Filtered() {
		query := `
			SELECT key, data FROM documents
			WHERE collection = $1 AND data->>$2 = $3
			ORDER BY key`
		rows, err = s.db.QueryContext(ctx, query, p.Collection, q.OrderByChild, q.EqualTo)
	} else {
		query := `SELECT key, data FROM documents WHERE collection = $1 ORDER BY key`
		rows, err = s.db.QueryContext(ctx, query, p.Collection)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to query %s: %w", q, err)
	}
	defer rows.Close()

	children := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return Snapshot{}, fmt.Errorf("failed to scan %s: %w", q, err)
		}
		children[key] = json.RawMessage(data)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("failed to iterate %s: %w", q, err)
	}

	value, err := encodeChildren(children)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Path: p.String(), Value: value}, nil
}

// Subscribe は問い合わせの購読を開始する。
func (s *PostgresStore) Subscribe(q Query, onValue func(Snapshot), onError func(error)) (Subscription, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	p, err := parseQuery(q)
	if err != nil {
		return nil, err
	}
	return subscribe(s.ticks, s.feed, p.Collection, q, s.Query, onValue, onError)
}

// CountDistinctSince は timeField >= since の子について field の異なる値の数をSQLで集計する。
// MemoryStore と同じく、field が空でない文字列で timeField が数値の子だけを数える。
func (s *PostgresStore) CountDistinctSince(ctx context.Context, collection, field, timeField string, since int64) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	// 数値でない timeField をキャストしないよう CASE で守る
	query := `
		SELECT COUNT(DISTINCT data->>$2) FROM documents
		WHERE collection = $1
		  AND jsonb_typeof(data->$2) = 'string'
		  AND data->>$2 <> ''
		  AND CASE WHEN jsonb_typeof(data->$3) = 'number'
		           THEN (data->>$3)::numeric >= $4
		           ELSE false END`
	var count int
	if err := s.db.QueryRowContext(ctx, query, collection, field, timeField, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count distinct %s.%s: %w", collection, field, err)
	}
	return count, nil
}

// Close は全ての購読と変更通知を終了する。
func (s *PostgresStore) Close() error {
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

var (
	_ Store      = (*PostgresStore)(nil)
	_ Aggregator = (*PostgresStore)(nil)
)
