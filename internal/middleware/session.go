// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/sheetlens/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	sessionIDContextKey = contextKey("session_id")
	identityContextKey  = contextKey("identity")
	userContextKey      = contextKey("user")
	userIDContextKey    = contextKey("user_id")
	userIDSinkKey       = contextKey("user_id_sink")
)

// IdentityResolver はセッションIDから外部IDを解決するインターフェース。
// auth.Service の部分集合として定義する。
type IdentityResolver interface {
	CurrentIdentity(ctx context.Context, sessionID string) (*model.Identity, error)
}

// NewSessionMiddleware はHTTP Only CookieからセッションIDを読み取り、
// 外部IDを解決してリクエストコンテキストに注入するミドルウェアを返す。
// 未認証でもリクエストは拒否しない。認可は GateMiddleware が行う。
func NewSessionMiddleware(identities IdentityResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), sessionIDContextKey, cookie.Value)
			identity, err := identities.CurrentIdentity(ctx, cookie.Value)
			if err != nil {
				// 解決できないセッションは未認証として扱う
				slog.Error("failed to resolve session",
					slog.String("error", err.Error()),
				)
			} else if identity != nil {
				ctx = context.WithValue(ctx, identityContextKey, identity)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionIDFromContext はリクエストのセッションIDを返す。Cookieがない場合は空文字。
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDContextKey).(string)
	return id
}

// IdentityFromContext はセッションに紐づく外部IDを返す。未認証の場合はnil。
func IdentityFromContext(ctx context.Context) *model.Identity {
	identity, _ := ctx.Value(identityContextKey).(*model.Identity)
	return identity
}

// UserFromContext は認可済みのUserを返す。GateMiddleware を通過したリクエストでのみ有効。
func UserFromContext(ctx context.Context) *model.User {
	u, _ := ctx.Value(userContextKey).(*model.User)
	return u
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// GateMiddleware を通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUser はコンテキストにUserとユーザーIDを注入する。
// ログ出力用の受け皿があればユーザーIDを書き戻す。
func ContextWithUser(ctx context.Context, user *model.User) context.Context {
	if sink, ok := ctx.Value(userIDSinkKey).(*string); ok {
		*sink = user.ID
	}
	ctx = context.WithValue(ctx, userContextKey, user)
	return context.WithValue(ctx, userIDContextKey, user.ID)
}

func withUserIDSink(ctx context.Context, sink *string) context.Context {
	return context.WithValue(ctx, userIDSinkKey, sink)
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// ContextWithIdentity はコンテキストに外部IDを注入する。テスト用。
func ContextWithIdentity(ctx context.Context, identity *model.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}
