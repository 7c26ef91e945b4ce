package live

import (
	"github.com/hitoshi/sheetlens/internal/store"
)

// Value は単一パスの値を購読する。存在しない場合 Data は nil。
type Value[T any] struct {
	*binding[*T]
}

// NewValue はpathの購読を開始する。
func NewValue[T any](s store.Store, path string, opts ...Option) *Value[T] {
	v := &Value[T]{binding: newBinding(s, decodeValue[T], func() *T { return nil }, opts)}
	v.open(store.At(path))
	return v
}

// SetPath は購読先を切り替える。
func (v *Value[T]) SetPath(path string) {
	v.open(store.At(path))
}

func decodeValue[T any](snap store.Snapshot) (*T, error) {
	var out T
	ok, err := snap.Decode(&out)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

// List はコレクションの子の値を順不同のスライスとして購読する。
type List[T any] struct {
	*binding[[]T]
}

// NewList はpathの購読を開始する。
func NewList[T any](s store.Store, path string, opts ...Option) *List[T] {
	l := &List[T]{binding: newBinding(s, store.DecodeList[T], emptyList[T], opts)}
	l.open(store.At(path))
	return l
}

// SetPath は購読先を切り替える。
func (l *List[T]) SetPath(path string) {
	l.open(store.At(path))
}

// Query は子フィールドの等値条件で絞り込んだコレクションを購読する。
// 条件値が空の場合は問い合わせを発行せず、空の結果を返す。
type Query[T any] struct {
	*binding[[]T]
}

// NewQuery はpath配下でfield == valueの子を購読する。
func NewQuery[T any](s store.Store, path, field, value string, opts ...Option) *Query[T] {
	q := &Query[T]{binding: newBinding(s, store.DecodeList[T], emptyList[T], opts)}
	q.open(store.Query{Path: path, OrderByChild: field, EqualTo: value})
	return q
}

// SetParams は購読条件を切り替える。
func (q *Query[T]) SetParams(path, field, value string) {
	q.open(store.Query{Path: path, OrderByChild: field, EqualTo: value})
}

func emptyList[T any]() []T {
	return []T{}
}
