package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/sheetlens/internal/auth"
	"github.com/hitoshi/sheetlens/internal/gate"
	"github.com/hitoshi/sheetlens/internal/middleware"
	"github.com/hitoshi/sheetlens/internal/model"
)

func testAuthConfig() AuthHandlerConfig {
	return AuthHandlerConfig{
		BaseURL:       "http://localhost:3000",
		SessionMaxAge: 86400,
	}
}

func signInResult(sessionID, uid string) *auth.SignInResult {
	return &auth.SignInResult{
		Session:  &model.Session{ID: sessionID, UID: uid, ExpiresAt: time.Now().Add(time.Hour)},
		Identity: &model.Identity{UID: uid, Email: uid + "@example.com", Provider: model.ProviderPassword},
	}
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestAuthHandler_SignIn_SetsCookieAndReturnsRedirect(t *testing.T) {
	svc := &mockAuthService{
		signInFn: func(ctx context.Context, email, password string) (*auth.SignInResult, error) {
			if email != "a@example.com" || password != "secret1" {
				t.Errorf("SignIn(%q, %q)", email, password)
			}
			return signInResult("session-1", "uid-1"), nil
		},
	}
	h := NewAuthHandler(svc, &mockUserService{}, testAuthConfig())

	body := `{"email":"a@example.com","password":"secret1"}`
	req := httptest.NewRequest(http.MethodPost, "/auth/signin", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.SignIn(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	cookie := findCookie(resp, middleware.SessionCookieName)
	if cookie == nil {
		t.Fatal("session cookie not set")
	}
	if cookie.Value != "session-1" || !cookie.HttpOnly || cookie.MaxAge != 86400 {
		t.Errorf("cookie = %+v", cookie)
	}

	var got signInResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// 遷移先はゲートが決める既定ルート
	if got.Redirect != gate.DefaultRoute {
		t.Errorf("redirect = %q, want %q", got.Redirect, gate.DefaultRoute)
	}
	if got.User == nil || got.User.ID != "uid-1" {
		t.Errorf("user = %+v, want ID uid-1", got.User)
	}
}

func TestAuthHandler_SignIn_InvalidCredentials_Returns401(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, &mockUserService{}, testAuthConfig())

	req := httptest.NewRequest(http.MethodPost, "/auth/signin", strings.NewReader(`{"email":"a@example.com","password":"bad"}`))
	w := httptest.NewRecorder()
	h.SignIn(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	var body middleware.ErrorResponseBody
	json.NewDecoder(w.Body).Decode(&body)
	if body.Code != model.ErrCodeInvalidCredentials {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidCredentials)
	}
	if findCookie(w.Result(), middleware.SessionCookieName) != nil {
		t.Error("session cookie must not be set on failure")
	}
}

func TestAuthHandler_SignIn_ValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"不正なJSON", `{"email":`, "INVALID_REQUEST"},
		{"未知のフィールド", `{"email":"a@example.com","password":"x","extra":1}`, "INVALID_REQUEST"},
		{"メール形式不正", `{"email":"not-an-email","password":"x"}`, model.ErrCodeInvalidInput},
		{"パスワード欠落", `{"email":"a@example.com"}`, model.ErrCodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				signInFn: func(ctx context.Context, email, password string) (*auth.SignInResult, error) {
					t.Error("service must not be called")
					return nil, nil
				},
			}
			h := NewAuthHandler(svc, &mockUserService{}, testAuthConfig())

			req := httptest.NewRequest(http.MethodPost, "/auth/signin", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			h.SignIn(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			var body middleware.ErrorResponseBody
			json.NewDecoder(w.Body).Decode(&body)
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
		})
	}
}

func TestAuthHandler_SignUp(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		signUpErr  error
		wantStatus int
	}{
		{"成功", `{"email":"new@example.com","password":"secret1","name":"New"}`, nil, http.StatusCreated},
		{"パスワードが短い", `{"email":"new@example.com","password":"12345"}`, nil, http.StatusBadRequest},
		{"メール使用済み", `{"email":"dup@example.com","password":"secret1"}`, model.NewEmailInUseError(), http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				signUpFn: func(ctx context.Context, email, password, name string) (*auth.SignInResult, error) {
					if tt.signUpErr != nil {
						return nil, tt.signUpErr
					}
					return signInResult("session-new", "uid-new"), nil
				},
			}
			h := NewAuthHandler(svc, &mockUserService{}, testAuthConfig())

			req := httptest.NewRequest(http.MethodPost, "/auth/signup", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			h.SignUp(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestAuthHandler_SignIn_ResolveFailure_ReturnsError(t *testing.T) {
	svc := &mockAuthService{
		signInFn: func(ctx context.Context, email, password string) (*auth.SignInResult, error) {
			return signInResult("session-1", "uid-1"), nil
		},
	}
	users := &mockUserService{
		resolveFn: func(ctx context.Context, identity *model.Identity) (*model.User, error) {
			return nil, model.NewStoreFailedError("get users/uid-1")
		},
	}
	h := NewAuthHandler(svc, users, testAuthConfig())

	req := httptest.NewRequest(http.MethodPost, "/auth/signin", strings.NewReader(`{"email":"a@example.com","password":"x"}`))
	w := httptest.NewRecorder()
	h.SignIn(w, req)

	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
}

func TestAuthHandler_Login_RedirectsToOAuthURL(t *testing.T) {
	svc := &mockAuthService{
		googleEnabled: true,
		getLoginURLFn: func(state string) string {
			return "https://accounts.google.com/o/oauth2/auth?state=" + state
		},
	}
	h := NewAuthHandler(svc, &mockUserService{}, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/auth/google/login", nil)
	w := httptest.NewRecorder()
	h.Login(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}

	state := findCookie(resp, "oauth_state")
	if state == nil || state.Value == "" {
		t.Fatal("oauth_state cookie not set")
	}
	if !state.HttpOnly {
		t.Error("oauth_state cookie should be HttpOnly")
	}
	// Location のstateがCookieと一致すること
	if location := resp.Header.Get("Location"); !containsStr(location, "state="+state.Value) {
		t.Errorf("Location = %q, want state=%s", location, state.Value)
	}
}

func TestAuthHandler_Login_GoogleDisabled_Returns404(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, &mockUserService{}, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/auth/google/login", nil)
	w := httptest.NewRecorder()
	h.Login(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var body middleware.ErrorResponseBody
	json.NewDecoder(w.Body).Decode(&body)
	if body.Code != "GOOGLE_SIGN_IN_DISABLED" {
		t.Errorf("code = %q", body.Code)
	}
}

func TestAuthHandler_Callback_Success_SetsCookieAndRedirects(t *testing.T) {
	svc := &mockAuthService{
		handleCallbackFn: func(ctx context.Context, code string) (*auth.SignInResult, error) {
			if code != "test-code" {
				t.Errorf("code = %q, want test-code", code)
			}
			return signInResult("session-abc", "uid-123"), nil
		},
	}
	h := NewAuthHandler(svc, &mockUserService{}, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?code=test-code&state=test-state", nil)
	req.AddCookie(&http.Cookie{Name: "oauth_state", Value: "test-state"})
	w := httptest.NewRecorder()
	h.Callback(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	if location := resp.Header.Get("Location"); location != "http://localhost:3000/" {
		t.Errorf("Location = %q, want %q", location, "http://localhost:3000/")
	}

	session := findCookie(resp, middleware.SessionCookieName)
	if session == nil || session.Value != "session-abc" {
		t.Errorf("session cookie = %+v, want session-abc", session)
	}
	// stateクッキーは削除されること
	if state := findCookie(resp, "oauth_state"); state == nil || state.MaxAge >= 0 {
		t.Errorf("oauth_state cookie should be cleared, got %+v", state)
	}
}

func TestAuthHandler_Callback_StateMismatch_Returns400(t *testing.T) {
	tests := []struct {
		name   string
		cookie *http.Cookie
	}{
		{"Cookieなし", nil},
		{"値が不一致", &http.Cookie{Name: "oauth_state", Value: "other"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				handleCallbackFn: func(ctx context.Context, code string) (*auth.SignInResult, error) {
					t.Error("HandleCallback must not be called")
					return nil, nil
				},
			}
			h := NewAuthHandler(svc, &mockUserService{}, testAuthConfig())

			req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?code=c&state=s", nil)
			if tt.cookie != nil {
				req.AddCookie(tt.cookie)
			}
			w := httptest.NewRecorder()
			h.Callback(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestAuthHandler_Callback_Cancelled_RedirectsWithErrorCode(t *testing.T) {
	var gotCode string
	svc := &mockAuthService{
		handleCallbackFn: func(ctx context.Context, code string) (*auth.SignInResult, error) {
			gotCode = code
			return nil, model.NewSignInCancelledError()
		},
	}
	h := NewAuthHandler(svc, &mockUserService{}, testAuthConfig())

	// 同意を拒否した場合、codeがあっても無視する
	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?error=access_denied&code=x&state=s", nil)
	req.AddCookie(&http.Cookie{Name: "oauth_state", Value: "s"})
	w := httptest.NewRecorder()
	h.Callback(w, req)

	if gotCode != "" {
		t.Errorf("code passed to service = %q, want empty", gotCode)
	}
	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTemporaryRedirect)
	}
	want := "http://localhost:3000/auth?error=" + model.ErrCodeSignInCancelled
	if location := w.Header().Get("Location"); location != want {
		t.Errorf("Location = %q, want %q", location, want)
	}
	if findCookie(w.Result(), middleware.SessionCookieName) != nil {
		t.Error("session cookie must not be set on failure")
	}
}

func TestAuthHandler_Logout_SignsOutAndClearsCookie(t *testing.T) {
	var signedOut string
	svc := &mockAuthService{
		signOutFn: func(ctx context.Context, sessionID string) error {
			signedOut = sessionID
			return nil
		},
	}
	h := NewAuthHandler(svc, &mockUserService{}, testAuthConfig())
	handler := middleware.NewSessionMiddleware(svc)(http.HandlerFunc(h.Logout))

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "session-xyz"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if signedOut != "session-xyz" {
		t.Errorf("SignOut(%q), want session-xyz", signedOut)
	}
	cookie := findCookie(resp, middleware.SessionCookieName)
	if cookie == nil || cookie.MaxAge >= 0 {
		t.Errorf("session cookie should be cleared, got %+v", cookie)
	}
}

func TestAuthHandler_Logout_NoSession_StillClearsCookie(t *testing.T) {
	svc := &mockAuthService{
		signOutFn: func(ctx context.Context, sessionID string) error {
			t.Error("SignOut must not be called without session")
			return nil
		},
	}
	h := NewAuthHandler(svc, &mockUserService{}, testAuthConfig())

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	w := httptest.NewRecorder()
	h.Logout(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

func TestAuthHandler_Me(t *testing.T) {
	tests := []struct {
		name       string
		identity   *model.Identity
		resolveErr error
		wantStatus int
		wantState  gate.State
		wantError  bool
	}{
		{"認証済み", &model.Identity{UID: "uid-1"}, nil, http.StatusOK, gate.StateAuthenticated, false},
		{"未認証", nil, nil, http.StatusUnauthorized, gate.StateUnauthenticated, false},
		{"解決失敗", &model.Identity{UID: "uid-1"}, model.NewStoreFailedError("get"), http.StatusUnauthorized, gate.StateUnauthenticated, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users := &mockUserService{}
			if tt.resolveErr != nil {
				users.resolveFn = func(ctx context.Context, identity *model.Identity) (*model.User, error) {
					return nil, tt.resolveErr
				}
			}
			h := NewAuthHandler(&mockAuthService{}, users, testAuthConfig())

			req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
			if tt.identity != nil {
				req = req.WithContext(middleware.ContextWithIdentity(req.Context(), tt.identity))
			}
			w := httptest.NewRecorder()
			h.Me(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var snap gate.Snapshot
			if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if snap.State != tt.wantState {
				t.Errorf("state = %q, want %q", snap.State, tt.wantState)
			}
			if (snap.Error != "") != tt.wantError {
				t.Errorf("error = %q, wantError %v", snap.Error, tt.wantError)
			}
		})
	}
}
