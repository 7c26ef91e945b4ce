package middleware

import (
	"net/http"
	"strings"
)

// contentSecurityPolicy はJSONとビュー文書のみを返すAPIのためのポリシー。
const contentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'"

// noStorePrefixes はユーザー固有のデータを返すため、共有キャッシュに残してはならないパス。
var noStorePrefixes = []string{"/api/", "/auth/"}

// NewSecurityHeadersMiddleware はセキュリティ関連のHTTPレスポンスヘッダーを付与するミドルウェアを返す。
// hsts が true の場合は Strict-Transport-Security も付与する。
func NewSecurityHeadersMiddleware(hsts bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Cross-Origin-Opener-Policy", "same-origin")
			h.Set("Content-Security-Policy", contentSecurityPolicy)
			if hsts {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			for _, p := range noStorePrefixes {
				if strings.HasPrefix(r.URL.Path, p) {
					h.Set("Cache-Control", "no-store")
					break
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
