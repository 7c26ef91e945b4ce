package store

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Snapshot はあるパスの時点値を表す。存在しない場合 Value は nil。
// コレクションのスナップショットは子キーをキーとするJSONオブジェクトになる。
type Snapshot struct {
	Path  string
	Value json.RawMessage
}

// Exists は値が存在するかどうかを返す。
func (s Snapshot) Exists() bool {
	return len(s.Value) > 0 && !bytes.Equal(s.Value, []byte("null"))
}

// Decode は値をvにデコードする。存在しない場合はvを変更せずfalseを返す。
func (s Snapshot) Decode(v any) (bool, error) {
	if !s.Exists() {
		return false, nil
	}
	if err := json.Unmarshal(s.Value, v); err != nil {
		return false, fmt.Errorf("failed to decode snapshot %s: %w", s.Path, err)
	}
	return true, nil
}

// Children はコレクションのスナップショットを子キーごとに分解する。
func (s Snapshot) Children() (map[string]json.RawMessage, error) {
	if !s.Exists() {
		return map[string]json.RawMessage{}, nil
	}
	var children map[string]json.RawMessage
	if err := json.Unmarshal(s.Value, &children); err != nil {
		return nil, fmt.Errorf("failed to decode children of %s: %w", s.Path, err)
	}
	return children, nil
}

// DecodeList はコレクションの子の値をTのスライスにデコードする。
// 順序は保証しない。存在しない場合は空スライスを返す。
func DecodeList[T any](s Snapshot) ([]T, error) {
	children, err := s.Children()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(children))
	for key, raw := range children {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s/%s: %w", s.Path, key, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// encodeChildren は子の集合をスナップショット値にする。空の場合は nil。
// json.Marshal はマップのキーをソートするため、同じ内容なら同じバイト列になる。
func encodeChildren(children map[string]json.RawMessage) (json.RawMessage, error) {
	if len(children) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(children)
	if err != nil {
		return nil, fmt.Errorf("failed to encode children: %w", err)
	}
	return raw, nil
}

// fieldEquals は子ドキュメントのフィールドが文字列表現でwantと等しいかを返す。
// PostgreSQL の data->>'field' と同じ比較規則をとる。
func fieldEquals(doc json.RawMessage, field, want string) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(doc, &obj); err != nil {
		return false
	}
	raw, ok := obj[field]
	if !ok || len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return false
		}
		return s == want
	}
	return string(raw) == want
}
