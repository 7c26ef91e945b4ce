package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/sheetlens/internal/auth"
	"github.com/hitoshi/sheetlens/internal/middleware"
	"github.com/hitoshi/sheetlens/internal/model"
	"github.com/hitoshi/sheetlens/internal/repository"
	"github.com/hitoshi/sheetlens/internal/search"
	"github.com/hitoshi/sheetlens/internal/stats"
	"github.com/hitoshi/sheetlens/internal/store"
	"github.com/hitoshi/sheetlens/internal/upload"
	"github.com/hitoshi/sheetlens/internal/user"
)

// testStack はインメモリストア上に実サービスを組み立てたHTTPサーバー。
type testStack struct {
	store   *store.MemoryStore
	auth    *auth.Service
	users   *user.Service
	uploads *upload.Service
	server  *httptest.Server
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	s := store.NewMemoryStore(store.NewLocalFeed())
	userRepo := repository.NewStoreUserRepo(s)
	uploadRepo := repository.NewStoreUploadRepo(s)
	sessionRepo := repository.NewMemorySessionRepo()

	userSvc := user.NewService(userRepo, uploadRepo, nil)
	authSvc := auth.NewService(nil, repository.NewMemoryIdentityRepo(), sessionRepo, userSvc,
		auth.ServiceConfig{SessionMaxAge: 3600})
	userSvc.SetSessionDeleter(authSvc)
	uploadSvc := upload.NewService(uploadRepo)

	limiter := middleware.NewRateLimiter(middleware.PerMinuteRateLimiterConfig(6000, 600))
	router := NewRouter(&RouterDeps{
		CORSAllowedOrigin: "http://localhost:5173",
		RateLimiter:       limiter,
		AuthService:       authSvc,
		AuthConfig:        AuthHandlerConfig{BaseURL: "http://localhost:3000", SessionMaxAge: 3600},
		UserService:       userSvc,
		UploadService:     uploadSvc,
		StatsService:      stats.NewService(userRepo, uploadRepo),
		SearchService:     search.NewService(uploadRepo),
		Store:             s,
		Sanitizer:         testSanitizer(),
		UploadMaxBytes:    1 << 20,
	})

	st := &testStack{
		store:   s,
		auth:    authSvc,
		users:   userSvc,
		uploads: uploadSvc,
		server:  httptest.NewServer(router),
	}
	t.Cleanup(func() {
		st.server.Close()
		limiter.Stop()
		authSvc.Close()
		s.Close()
	})
	return st
}

// testClient はCookieとCSRFトークンを保持するブラウザ相当のクライアント。
type testClient struct {
	t      *testing.T
	base   string
	http   *http.Client
	csrf   string
	origin string
}

func (st *testStack) newClient(t *testing.T) *testClient {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	c := &testClient{
		t:    t,
		base: st.server.URL,
		http: &http.Client{
			Jar: jar,
			// リダイレクトは追わない
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}

	resp := c.do(http.MethodGet, "/api/csrf-token", "")
	defer resp.Body.Close()
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Token == "" {
		t.Fatalf("failed to fetch csrf token: %v", err)
	}
	c.csrf = body.Token
	return c
}

func (c *testClient) do(method, path, body string) *http.Response {
	c.t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, c.base+path, r)
	if err != nil {
		c.t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.csrf != "" {
		req.Header.Set(middleware.CSRFHeaderName, c.csrf)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// status はリクエストを送り、ステータスコードと本文を返す。
func (c *testClient) status(method, path, body string) (int, string) {
	c.t.Helper()
	resp := c.do(method, path, body)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

// signUp はサインアップし、作成されたユーザーを返す。
func (c *testClient) signUp(email string) *model.User {
	c.t.Helper()
	code, body := c.status(http.MethodPost, "/auth/signup", `{"email":"`+email+`","password":"secret123","name":"Tester"}`)
	if code != http.StatusCreated {
		c.t.Fatalf("signup status = %d, body=%s", code, body)
	}
	var resp signInResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil || resp.User == nil {
		c.t.Fatalf("signup response: %v %s", err, body)
	}
	return resp.User
}

// promote はユーザーを管理者にする。
func (st *testStack) promote(t *testing.T, id string) {
	t.Helper()
	role := model.RoleAdmin
	if err := st.users.UpdateUser(context.Background(), id, model.UserPatch{Role: &role}); err != nil {
		t.Fatalf("promote: %v", err)
	}
}
