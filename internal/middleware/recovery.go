package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// NewRecoveryMiddleware はpanic発生時にプロセスクラッシュを防ぎ、
// 500レスポンスを返すミドルウェアを生成する。
// http.ErrAbortHandler は接続を打ち切る合図のため、そのまま再送出する。
func NewRecoveryMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				attrs := []any{
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				}
				if u := UserFromContext(r.Context()); u != nil {
					attrs = append(attrs, slog.String("user_id", u.ID))
				}
				slog.Error("panic recovered", attrs...)

				// ストリーム応答ではヘッダー送信済みのことがある。その場合の書き込みは無視される。
				WriteInternalServerError(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
