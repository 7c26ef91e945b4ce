package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/sheetlens/internal/model"
	"github.com/hitoshi/sheetlens/internal/repository"
	"github.com/hitoshi/sheetlens/internal/store"
	"github.com/hitoshi/sheetlens/internal/user"
)

// --- モック定義 ---

type mockProvisioner struct {
	mu        sync.Mutex
	created   map[string]model.UserDraft
	resolved  []string
	createErr error
}

func newMockProvisioner() *mockProvisioner {
	return &mockProvisioner{created: make(map[string]model.UserDraft)}
}

func (m *mockProvisioner) CreateUser(ctx context.Context, uid string, draft model.UserDraft) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.created[uid] = draft
	return &model.User{ID: uid, Email: draft.Email, Name: draft.Name, Role: draft.Role}, nil
}

func (m *mockProvisioner) Resolve(ctx context.Context, identity *model.Identity) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolved = append(m.resolved, identity.UID)
	return &model.User{ID: identity.UID, Role: model.RoleUser}, nil
}

type mockOAuthProvider struct {
	getLoginURLFn  func(state string) string
	exchangeCodeFn func(ctx context.Context, code string) (*OAuthUserInfo, error)
}

func (m *mockOAuthProvider) GetLoginURL(state string) string {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(state)
	}
	return ""
}

func (m *mockOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error) {
	if m.exchangeCodeFn != nil {
		return m.exchangeCodeFn(ctx, code)
	}
	return nil, nil
}

type recordedEvents struct {
	mu     sync.Mutex
	events []string
}

func (r *recordedEvents) RecordAuthEvent(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordedEvents) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

var _ OAuthProvider = (*mockOAuthProvider)(nil)
var _ UserProvisioner = (*mockProvisioner)(nil)

type testEnv struct {
	svc      *Service
	idents   *repository.MemoryIdentityRepo
	sessions *repository.MemorySessionRepo
	users    *mockProvisioner
	recorder *recordedEvents
}

func newTestEnv(t *testing.T, oauth OAuthProvider) *testEnv {
	t.Helper()
	env := &testEnv{
		idents:   repository.NewMemoryIdentityRepo(),
		sessions: repository.NewMemorySessionRepo(),
		users:    newMockProvisioner(),
		recorder: &recordedEvents{},
	}
	env.svc = NewService(oauth, env.idents, env.sessions, env.users, ServiceConfig{SessionMaxAge: 86400})
	env.svc.SetEventRecorder(env.recorder)
	t.Cleanup(env.svc.Close)
	return env
}

func assertAPIErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *model.APIError with code %s, got %v", code, err)
	}
	if apiErr.Code != code {
		t.Errorf("error code = %s, want %s", apiErr.Code, code)
	}
}

// watchIdentities はWatchの通知をチャネルで受け取る。
func watchIdentities(t *testing.T, svc *Service, sessionID string) (<-chan *model.Identity, func()) {
	t.Helper()
	ch := make(chan *model.Identity, 8)
	stop, err := svc.Watch(context.Background(), sessionID, func(identity *model.Identity) {
		ch <- identity
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	return ch, stop
}

func receive(t *testing.T, ch <-chan *model.Identity) *model.Identity {
	t.Helper()
	select {
	case identity := <-ch:
		return identity
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for identity event")
		return nil
	}
}

func expectSilence(t *testing.T, ch <-chan *model.Identity) {
	t.Helper()
	select {
	case identity := <-ch:
		t.Fatalf("unexpected identity event: %+v", identity)
	case <-time.After(50 * time.Millisecond):
	}
}

// --- テスト ---

func TestGetLoginURL_ReturnsOAuthURL(t *testing.T) {
	provider := &mockOAuthProvider{
		getLoginURLFn: func(state string) string {
			return "https://accounts.google.com/o/oauth2/auth?state=" + state
		},
	}
	env := newTestEnv(t, provider)

	expected := "https://accounts.google.com/o/oauth2/auth?state=test-state"
	if got := env.svc.GetLoginURL("test-state"); got != expected {
		t.Errorf("GetLoginURL() = %q, want %q", got, expected)
	}
	if !env.svc.GoogleEnabled() {
		t.Error("GoogleEnabled() should be true")
	}
}

// TestSignUp_CreatesIdentitySessionAndUser はサインアップで外部ID、セッション、Userが作成されることを検証する。
func TestSignUp_CreatesIdentitySessionAndUser(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	res, err := env.svc.SignUp(ctx, " Alice@Example.com ", "secret123", "Alice")
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if res.Session == nil || res.Session.ID == "" {
		t.Fatal("expected session to be issued")
	}
	if res.Session.UID != res.Identity.UID {
		t.Errorf("session uid = %q, want %q", res.Session.UID, res.Identity.UID)
	}
	if res.Identity.PasswordHash == "" || res.Identity.PasswordHash == "secret123" {
		t.Error("password should be stored as a bcrypt hash")
	}

	draft, ok := env.users.created[res.Identity.UID]
	if !ok {
		t.Fatal("expected user to be provisioned")
	}
	if draft.Role != model.RoleUser || draft.Name != "Alice" || draft.Email != "alice@example.com" {
		t.Errorf("provisioned draft = %+v", draft)
	}

	current, err := env.svc.CurrentIdentity(ctx, res.Session.ID)
	if err != nil || current == nil || current.UID != res.Identity.UID {
		t.Errorf("CurrentIdentity() = (%v, %v)", current, err)
	}
	if !env.recorder.has(EventSignUp) {
		t.Error("sign_up event should be recorded")
	}
}

func TestSignUp_DuplicateEmail(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.svc.SignUp(ctx, "bob@example.com", "secret123", "Bob"); err != nil {
		t.Fatalf("first SignUp() error = %v", err)
	}
	_, err := env.svc.SignUp(ctx, "BOB@example.com", "another1", "Bob2")
	assertAPIErrorCode(t, err, model.ErrCodeEmailInUse)
}

func TestSignUp_InvalidInput(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name     string
		email    string
		password string
	}{
		{"不正なメールアドレス", "not-an-email", "secret123"},
		{"短いパスワード", "carol@example.com", "12345"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.SignUp(context.Background(), tt.email, tt.password, "Carol")
			assertAPIErrorCode(t, err, model.ErrCodeInvalidInput)
		})
	}
}

// TestSignIn はパスワードの照合結果に応じてセッションを発行することを検証する。
func TestSignIn(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	signedUp, err := env.svc.SignUp(ctx, "dave@example.com", "correct-horse", "Dave")
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}

	res, err := env.svc.SignIn(ctx, "DAVE@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if res.Identity.UID != signedUp.Identity.UID {
		t.Errorf("uid = %q, want %q", res.Identity.UID, signedUp.Identity.UID)
	}
	if res.Session.ID == signedUp.Session.ID {
		t.Error("sign-in should issue a new session")
	}

	_, err = env.svc.SignIn(ctx, "dave@example.com", "wrong")
	assertAPIErrorCode(t, err, model.ErrCodeInvalidCredentials)

	_, err = env.svc.SignIn(ctx, "nobody@example.com", "correct-horse")
	assertAPIErrorCode(t, err, model.ErrCodeInvalidCredentials)

	if !env.recorder.has(EventSignInFailed) {
		t.Error("sign_in_failed event should be recorded")
	}
}

// TestHandleCallback_NewIdentity は未登録のGoogleアカウントで外部IDとUserが作成されることを検証する。
func TestHandleCallback_NewIdentity(t *testing.T) {
	provider := &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
			return &OAuthUserInfo{
				ProviderUserID: "google-user-123",
				Email:          "Test@Example.com",
				Name:           "Test User",
				Provider:       model.ProviderGoogle,
			}, nil
		},
	}
	env := newTestEnv(t, provider)
	ctx := context.Background()

	res, err := env.svc.HandleCallback(ctx, "auth-code-123")
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if res.Identity.ProviderUserID != "google-user-123" || res.Identity.Email != "test@example.com" {
		t.Errorf("identity = %+v", res.Identity)
	}
	if res.Session.ExpiresAt.Before(time.Now()) {
		t.Error("session should not be expired")
	}
	if len(env.users.resolved) != 1 || env.users.resolved[0] != res.Identity.UID {
		t.Errorf("resolved = %v", env.users.resolved)
	}

	// 2回目は既存の外部IDを使う
	again, err := env.svc.HandleCallback(ctx, "auth-code-456")
	if err != nil {
		t.Fatalf("second HandleCallback() error = %v", err)
	}
	if again.Identity.UID != res.Identity.UID {
		t.Errorf("uid = %q, want existing %q", again.Identity.UID, res.Identity.UID)
	}
}

// TestHandleCallback_EmailRegisteredWithPassword はパスワードで登録済みのメールアドレスに対する
// Googleサインインが拒否され、Userレコードが重複しないことを検証する。
func TestHandleCallback_EmailRegisteredWithPassword(t *testing.T) {
	provider := &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
			return &OAuthUserInfo{
				ProviderUserID: "google-user-1",
				Email:          "A@Example.com",
				Name:           "Alice",
				Provider:       model.ProviderGoogle,
			}, nil
		},
	}
	mem := store.NewMemoryStore(store.NewLocalFeed())
	t.Cleanup(func() { mem.Close() })
	users := user.NewService(repository.NewStoreUserRepo(mem), nil, nil)

	idents := repository.NewMemoryIdentityRepo()
	sessions := repository.NewMemorySessionRepo()
	recorder := &recordedEvents{}
	svc := NewService(provider, idents, sessions, users, ServiceConfig{SessionMaxAge: 86400})
	svc.SetEventRecorder(recorder)
	t.Cleanup(svc.Close)
	ctx := context.Background()

	signedUp, err := svc.SignUp(ctx, "a@example.com", "password123", "Alice")
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}

	res, err := svc.HandleCallback(ctx, "auth-code")
	assertAPIErrorCode(t, err, model.ErrCodeEmailInUse)
	if res != nil {
		t.Errorf("result should be nil, got %+v", res)
	}
	if !recorder.has(EventSignInFailed) {
		t.Error("sign_in_failed should be recorded")
	}

	// Google側の外部IDは作られない
	if identity, _ := idents.FindByProviderAndProviderUserID(ctx, model.ProviderGoogle, "google-user-1"); identity != nil {
		t.Errorf("google identity should not be created: %+v", identity)
	}

	list, err := users.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers() error = %v", err)
	}
	if len(list) != 1 || list[0].ID != signedUp.Identity.UID {
		t.Errorf("users = %+v, want only %s", list, signedUp.Identity.UID)
	}
}

// TestSignUp_EmailRegisteredWithGoogle はGoogleで登録済みのメールアドレスでのサインアップを拒否することを検証する。
func TestSignUp_EmailRegisteredWithGoogle(t *testing.T) {
	provider := &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
			return &OAuthUserInfo{ProviderUserID: "g-1", Email: "b@example.com", Provider: model.ProviderGoogle}, nil
		},
	}
	env := newTestEnv(t, provider)
	ctx := context.Background()

	if _, err := env.svc.HandleCallback(ctx, "code"); err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	_, err := env.svc.SignUp(ctx, "B@example.com", "password123", "Bob")
	assertAPIErrorCode(t, err, model.ErrCodeEmailInUse)
	if len(env.users.created) != 0 {
		t.Errorf("user should not be created: %v", env.users.created)
	}
}

func TestHandleCallback_Errors(t *testing.T) {
	t.Run("コード空はキャンセル扱い", func(t *testing.T) {
		env := newTestEnv(t, &mockOAuthProvider{})
		_, err := env.svc.HandleCallback(context.Background(), "")
		assertAPIErrorCode(t, err, model.ErrCodeSignInCancelled)
	})

	t.Run("Google未設定", func(t *testing.T) {
		env := newTestEnv(t, nil)
		_, err := env.svc.HandleCallback(context.Background(), "code")
		assertAPIErrorCode(t, err, model.ErrCodeBackendMisconfigured)
	})

	t.Run("コード交換の失敗", func(t *testing.T) {
		env := newTestEnv(t, &mockOAuthProvider{
			exchangeCodeFn: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
				return nil, errors.New("invalid_grant")
			},
		})
		if _, err := env.svc.HandleCallback(context.Background(), "code"); err == nil {
			t.Fatal("expected error")
		}
		if len(env.users.resolved) != 0 {
			t.Error("user should not be provisioned")
		}
	})
}

// TestWatch_SignOutEmitsNil はサインアウトで対象セッションの購読者にだけnilが通知されることを検証する。
func TestWatch_SignOutEmitsNil(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first, err := env.svc.SignUp(ctx, "erin@example.com", "secret123", "Erin")
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	second, err := env.svc.SignIn(ctx, "erin@example.com", "secret123")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}

	ch1, stop1 := watchIdentities(t, env.svc, first.Session.ID)
	defer stop1()
	ch2, stop2 := watchIdentities(t, env.svc, second.Session.ID)
	defer stop2()

	if got := receive(t, ch1); got == nil || got.UID != first.Identity.UID {
		t.Fatalf("initial identity = %+v", got)
	}
	if got := receive(t, ch2); got == nil {
		t.Fatal("second session should start authenticated")
	}

	if err := env.svc.SignOut(ctx, first.Session.ID); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	if got := receive(t, ch1); got != nil {
		t.Errorf("expected nil after sign-out, got %+v", got)
	}
	expectSilence(t, ch2)

	current, _ := env.svc.CurrentIdentity(ctx, first.Session.ID)
	if current != nil {
		t.Error("signed-out session should have no identity")
	}
}

// TestWatch_NoSession はセッションがない場合にnilを直ちに通知することを検証する。
func TestWatch_NoSession(t *testing.T) {
	env := newTestEnv(t, nil)

	ch, stop := watchIdentities(t, env.svc, "")
	defer stop()
	if got := receive(t, ch); got != nil {
		t.Errorf("expected nil identity, got %+v", got)
	}
}

// TestDeleteByUID は全セッションの購読者にnilが通知されることを検証する。
func TestDeleteByUID(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first, _ := env.svc.SignUp(ctx, "frank@example.com", "secret123", "Frank")
	second, _ := env.svc.SignIn(ctx, "frank@example.com", "secret123")

	ch1, stop1 := watchIdentities(t, env.svc, first.Session.ID)
	defer stop1()
	ch2, stop2 := watchIdentities(t, env.svc, second.Session.ID)
	defer stop2()
	receive(t, ch1)
	receive(t, ch2)

	if err := env.svc.DeleteByUID(ctx, first.Identity.UID); err != nil {
		t.Fatalf("DeleteByUID() error = %v", err)
	}
	if got := receive(t, ch1); got != nil {
		t.Errorf("session 1: expected nil, got %+v", got)
	}
	if got := receive(t, ch2); got != nil {
		t.Errorf("session 2: expected nil, got %+v", got)
	}

	found, _ := env.sessions.FindByID(ctx, second.Session.ID)
	if found != nil {
		t.Error("sessions should be deleted")
	}
}

func TestSignOut_EmptySessionID(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.svc.SignOut(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty session ID")
	}
}
