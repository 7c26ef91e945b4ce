package middleware

import (
	"context"
	"net/http"

	"github.com/hitoshi/sheetlens/internal/gate"
	"github.com/hitoshi/sheetlens/internal/model"
)

var gateContextKey = contextKey("gate")

// DenyFunc はゲートが Authenticated 以外の場合の応答を書き込む。
type DenyFunc func(w http.ResponseWriter, r *http.Request, snap gate.Snapshot)

// NewGateMiddleware はリクエストごとにゲートの状態機械を評価するミドルウェアを返す。
// 設定エラーは常に最優先で deny に渡す。外部IDがあればUserを解決し、
// Authenticated になった場合のみ次のハンドラーを呼び出す。
// SessionMiddleware の後に配置する。
func NewGateMiddleware(configErr error, resolver gate.Resolver, deny DenyFunc) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := gate.New(configErr, resolver)
			defer m.Close()

			// 解決失敗は Unauthenticated として deny に渡す
			_ = m.HandleIdentity(r.Context(), IdentityFromContext(r.Context()))
			snap := m.Snapshot()

			ctx := context.WithValue(r.Context(), gateContextKey, snap)
			if snap.State != gate.StateAuthenticated {
				deny(w, r.WithContext(ctx), snap)
				return
			}
			ctx = ContextWithUser(ctx, snap.User)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GateFromContext はリクエスト時点のゲート状態を返す。
func GateFromContext(ctx context.Context) (gate.Snapshot, bool) {
	snap, ok := ctx.Value(gateContextKey).(gate.Snapshot)
	return snap, ok
}

// DenyJSON はAPI向けの拒否応答を書き込む。
// 設定エラーは503、未認証は401を返す。
func DenyJSON(w http.ResponseWriter, _ *http.Request, snap gate.Snapshot) {
	if snap.State == gate.StateConfigError {
		WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewBackendMisconfiguredError(snap.ConfigError))
		return
	}
	WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
}

// NewRequireAdminMiddleware は管理者ロール以外のリクエストに403を返すミドルウェアを返す。
// GateMiddleware の後に配置する。
func NewRequireAdminMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !UserFromContext(r.Context()).IsAdmin() {
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
