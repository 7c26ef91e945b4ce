// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はユーザーが入力した表示名やファイル名などのプレーンテキストから
// HTMLタグを除去する。bluemondayのStrictPolicyを使用し、全てのタグを落とす。
package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はプレーンテキストのサニタイズ機能のインターフェースを定義する。
type TextSanitizer interface {
	// Sanitize はタグと制御文字を除去し、前後の空白を取り除いた文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() TextSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はプレーンテキストをサニタイズする。
// 出力はJSONとして返すため、bluemondayがエスケープした実体参照は元に戻す。
func (s *textSanitizer) Sanitize(raw string) string {
	stripped := html.UnescapeString(s.policy.Sanitize(raw))
	stripped = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, stripped)
	return strings.TrimSpace(stripped)
}
