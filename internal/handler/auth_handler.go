package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/sheetlens/internal/auth"
	"github.com/hitoshi/sheetlens/internal/gate"
	"github.com/hitoshi/sheetlens/internal/middleware"
	"github.com/hitoshi/sheetlens/internal/model"
)

const oauthStateCookie = "oauth_state"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	GoogleEnabled() bool
	GetLoginURL(state string) string
	SignIn(ctx context.Context, email, password string) (*auth.SignInResult, error)
	SignUp(ctx context.Context, email, password, name string) (*auth.SignInResult, error)
	HandleCallback(ctx context.Context, code string) (*auth.SignInResult, error)
	SignOut(ctx context.Context, sessionID string) error
	CurrentIdentity(ctx context.Context, sessionID string) (*model.Identity, error)
	Watch(ctx context.Context, sessionID string, fn func(*model.Identity)) (func(), error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL       string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	users   gate.Resolver
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, users gate.Resolver, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		users:   users,
		config:  config,
	}
}

type signInRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type signUpRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
	Name     string `json:"name" validate:"omitempty,max=100"`
}

// signInResponse はサインイン成功時のレスポンス。
// Redirect はゲートが決めた遷移先。
type signInResponse struct {
	User     *model.User `json:"user"`
	Redirect string      `json:"redirect"`
}

// SignIn はメールアドレスとパスワードでサインインする。
// POST /auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.service.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	h.completeSignIn(w, r, result, http.StatusOK)
}

// SignUp はアカウントを作成してサインインする。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.service.SignUp(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	h.completeSignIn(w, r, result, http.StatusCreated)
}

// completeSignIn はセッションCookieを設定し、ゲートでUserを解決して遷移先を返す。
func (h *AuthHandler) completeSignIn(w http.ResponseWriter, r *http.Request, result *auth.SignInResult, status int) {
	h.setSessionCookie(w, result.Session.ID)

	m := gate.New(nil, h.users)
	defer m.Close()
	redirect, err := m.SignedIn(r.Context(), result.Identity)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, status, signInResponse{User: m.Snapshot().User, Redirect: redirect})
}

// Login はGoogle OAuthフローを開始する。
// GET /auth/google/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if !h.service.GoogleEnabled() {
		writeAPIErrorResponse(w, http.StatusNotFound, &model.APIError{
			Code:     "GOOGLE_SIGN_IN_DISABLED",
			Message:  "Googleサインインは設定されていません。",
			Category: model.CategoryConfig,
			Action:   "メールアドレスとパスワードでサインインしてください。",
		})
		return
	}

	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.service.GetLoginURL(state), http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /auth/google/callback?code=xxx&state=yyy
// 失敗時は /auth?error=CODE へリダイレクトする。
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch",
			slog.String("query_state", state),
		)
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_STATE",
			Message:  "認証リクエストの検証に失敗しました。",
			Category: model.CategoryAuth,
			Action:   "もう一度サインインしてください。",
		})
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	// ユーザーがポップアップを閉じた・同意を拒否した場合
	code := r.URL.Query().Get("code")
	if r.URL.Query().Get("error") != "" {
		code = ""
	}

	result, err := h.service.HandleCallback(r.Context(), code)
	if err != nil {
		h.redirectWithError(w, r, err)
		return
	}
	h.setSessionCookie(w, result.Session.ID)

	http.Redirect(w, r, h.config.BaseURL+gate.DefaultRoute, http.StatusTemporaryRedirect)
}

func (h *AuthHandler) redirectWithError(w http.ResponseWriter, r *http.Request, err error) {
	code := "INTERNAL_ERROR"
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.Code
	} else {
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
	}
	target := h.config.BaseURL + "/auth?error=" + url.QueryEscape(code)
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

// Logout はセッションを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if sessionID := middleware.SessionIDFromContext(r.Context()); sessionID != "" {
		if err := h.service.SignOut(r.Context(), sessionID); err != nil {
			slog.Error("failed to sign out", slog.String("error", err.Error()))
			// 失敗してもCookieはクリアする
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のゲート状態を返す。
// GET /auth/me
// 本文は常にゲートのスナップショットで、状態に応じて 200 / 401 を返す。
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	m := gate.New(nil, h.users)
	defer m.Close()
	if err := m.HandleIdentity(r.Context(), middleware.IdentityFromContext(r.Context())); err != nil {
		slog.Warn("failed to resolve current user", slog.String("error", err.Error()))
	}

	snap := m.Snapshot()
	status := http.StatusOK
	if snap.State != gate.StateAuthenticated {
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, snap)
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
