// Package store はパス指定型のJSONドキュメントストアを提供する。
//
// パスは "collection" または "collection/key" の形式をとる。
// 書き込み後の変更は ChangeFeed を介して購読者に通知され、
// 購読者は最新のスナップショットを受け取る。
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidPath はパスの形式が不正な場合に返される。
	ErrInvalidPath = errors.New("store: invalid path")
	// ErrInvalidValue は書き込み値がJSONオブジェクトでない場合に返される。
	ErrInvalidValue = errors.New("store: value must be a JSON object")
	// ErrUnavailable はストアが初期化されていない場合に返される。
	ErrUnavailable = errors.New("store: not initialized")
	// ErrClosed はクローズ済みのストアを操作した場合に返される。
	ErrClosed = errors.New("store: closed")
)

// Query は購読・問い合わせの対象を表す。
// OrderByChild が空の場合はパス全体を対象とする。
type Query struct {
	Path         string
	OrderByChild string
	EqualTo      string
}

// At はパス全体を対象とするQueryを返す。
func At(path string) Query {
	return Query{Path: path}
}

// Filtered は子フィールドによる等値フィルタ付きかどうかを返す。
func (q Query) Filtered() bool {
	return q.OrderByChild != ""
}

// String はログ出力用の表現を返す。
func (q Query) String() string {
	if !q.Filtered() {
		return q.Path
	}
	return fmt.Sprintf("%s?%s=%s", q.Path, q.OrderByChild, q.EqualTo)
}

// Subscription は購読ハンドルを表す。
type Subscription interface {
	// Unsubscribe は購読を解除する。複数回呼び出しても安全。
	Unsubscribe()
}

// Store はリモートドキュメントストアのクライアント契約を表す。
type Store interface {
	Get(ctx context.Context, path string) (Snapshot, error)
	// Set はドキュメントを丸ごと書き込む。
	Set(ctx context.Context, path string, value any) error
	// Update はトップレベルのフィールドをマージする。nil の値はフィールドを削除する。
	// ドキュメントが存在しない場合は作成する。
	Update(ctx context.Context, path string, fields map[string]any) error
	Remove(ctx context.Context, path string) error
	// Push はコレクションに新しい子キーを払い出す。書き込みは行わない。
	Push(ctx context.Context, collection string) (string, error)
	Query(ctx context.Context, q Query) (Snapshot, error)
	// Subscribe は初回スナップショットと、以降の変更ごとのスナップショットを配信する。
	// 読み取りに失敗した場合は onError が呼ばれ、その購読は終了する。
	Subscribe(q Query, onValue func(Snapshot), onError func(error)) (Subscription, error)
	Close() error
}

// Aggregator はストア側で集計できるバックエンドが実装する任意インターフェース。
type Aggregator interface {
	// CountDistinctSince は timeField >= since の子について field の異なる値の数を返す。
	CountDistinctSince(ctx context.Context, collection, field, timeField string, since int64) (int, error)
}

// Path はパースされたストアパスを表す。
type Path struct {
	Collection string
	Key        string
}

// IsDocument はキーまで指定されたパスかどうかを返す。
func (p Path) IsDocument() bool {
	return p.Key != ""
}

func (p Path) String() string {
	if p.Key == "" {
		return p.Collection
	}
	return p.Collection + "/" + p.Key
}

// ParsePath はパス文字列を検証して分解する。
func ParsePath(raw string) (Path, error) {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return Path{}, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	segs := strings.Split(trimmed, "/")
	if len(segs) > 2 {
		return Path{}, fmt.Errorf("%w: %q is deeper than collection/key", ErrInvalidPath, raw)
	}
	for _, s := range segs {
		if s == "" || strings.ContainsAny(s, ".#$[]") {
			return Path{}, fmt.Errorf("%w: %q", ErrInvalidPath, raw)
		}
	}
	p := Path{Collection: segs[0]}
	if len(segs) == 2 {
		p.Key = segs[1]
	}
	return p, nil
}

func parseDocumentPath(raw string) (Path, error) {
	p, err := ParsePath(raw)
	if err != nil {
		return Path{}, err
	}
	if !p.IsDocument() {
		return Path{}, fmt.Errorf("%w: %q is not a document path", ErrInvalidPath, raw)
	}
	return p, nil
}

func parseQuery(q Query) (Path, error) {
	p, err := ParsePath(q.Path)
	if err != nil {
		return Path{}, err
	}
	if q.Filtered() {
		if p.IsDocument() {
			return Path{}, fmt.Errorf("%w: filter on document path %q", ErrInvalidPath, q.Path)
		}
		if strings.ContainsAny(q.OrderByChild, "./#$[]") {
			return Path{}, fmt.Errorf("%w: child field %q", ErrInvalidPath, q.OrderByChild)
		}
	}
	return p, nil
}

// encodeObject はvalueをJSONオブジェクトとしてエンコードする。
func encodeObject(value any) (json.RawMessage, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, ErrInvalidValue
	}
	return raw, nil
}

// splitFields はUpdate用のフィールドを、設定する値と削除するフィールド名に分ける。
func splitFields(fields map[string]any) (map[string]json.RawMessage, []string, error) {
	set := make(map[string]json.RawMessage, len(fields))
	var del []string
	for name, v := range fields {
		if name == "" || strings.ContainsAny(name, "/.#$[]") {
			return nil, nil, fmt.Errorf("%w: field %q", ErrInvalidPath, name)
		}
		if v == nil {
			del = append(del, name)
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode field %s: %w", name, err)
		}
		if string(raw) == "null" {
			del = append(del, name)
			continue
		}
		set[name] = raw
	}
	return set, del, nil
}
