package handler

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/hitoshi/sheetlens/internal/auth"
	"github.com/hitoshi/sheetlens/internal/middleware"
	"github.com/hitoshi/sheetlens/internal/model"
	"github.com/hitoshi/sheetlens/internal/security"
)

// --- モック定義 ---

type mockAuthService struct {
	googleEnabled     bool
	getLoginURLFn     func(state string) string
	signInFn          func(ctx context.Context, email, password string) (*auth.SignInResult, error)
	signUpFn          func(ctx context.Context, email, password, name string) (*auth.SignInResult, error)
	handleCallbackFn  func(ctx context.Context, code string) (*auth.SignInResult, error)
	signOutFn         func(ctx context.Context, sessionID string) error
	currentIdentityFn func(ctx context.Context, sessionID string) (*model.Identity, error)
	watchFn           func(ctx context.Context, sessionID string, fn func(*model.Identity)) (func(), error)
}

func (m *mockAuthService) GoogleEnabled() bool { return m.googleEnabled }

func (m *mockAuthService) GetLoginURL(state string) string {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(state)
	}
	return ""
}

func (m *mockAuthService) SignIn(ctx context.Context, email, password string) (*auth.SignInResult, error) {
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	return nil, model.NewInvalidCredentialsError()
}

func (m *mockAuthService) SignUp(ctx context.Context, email, password, name string) (*auth.SignInResult, error) {
	if m.signUpFn != nil {
		return m.signUpFn(ctx, email, password, name)
	}
	return nil, model.NewEmailInUseError()
}

func (m *mockAuthService) HandleCallback(ctx context.Context, code string) (*auth.SignInResult, error) {
	if m.handleCallbackFn != nil {
		return m.handleCallbackFn(ctx, code)
	}
	return nil, model.NewSignInCancelledError()
}

func (m *mockAuthService) SignOut(ctx context.Context, sessionID string) error {
	if m.signOutFn != nil {
		return m.signOutFn(ctx, sessionID)
	}
	return nil
}

func (m *mockAuthService) CurrentIdentity(ctx context.Context, sessionID string) (*model.Identity, error) {
	if m.currentIdentityFn != nil {
		return m.currentIdentityFn(ctx, sessionID)
	}
	return nil, nil
}

func (m *mockAuthService) Watch(ctx context.Context, sessionID string, fn func(*model.Identity)) (func(), error) {
	if m.watchFn != nil {
		return m.watchFn(ctx, sessionID, fn)
	}
	return func() {}, nil
}

type mockUserService struct {
	getUserFn    func(ctx context.Context, id string) (*model.User, error)
	updateUserFn func(ctx context.Context, id string, patch model.UserPatch) error
	deleteUserFn func(ctx context.Context, id string) error
	listUsersFn  func(ctx context.Context) ([]*model.User, error)
	resolveFn    func(ctx context.Context, identity *model.Identity) (*model.User, error)
}

func (m *mockUserService) GetUser(ctx context.Context, id string) (*model.User, error) {
	if m.getUserFn != nil {
		return m.getUserFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUserService) UpdateUser(ctx context.Context, id string, patch model.UserPatch) error {
	if m.updateUserFn != nil {
		return m.updateUserFn(ctx, id, patch)
	}
	return nil
}

func (m *mockUserService) DeleteUser(ctx context.Context, id string) error {
	if m.deleteUserFn != nil {
		return m.deleteUserFn(ctx, id)
	}
	return nil
}

func (m *mockUserService) ListUsers(ctx context.Context) ([]*model.User, error) {
	if m.listUsersFn != nil {
		return m.listUsersFn(ctx)
	}
	return nil, nil
}

// Resolve は未設定の場合、UIDをIDとする一般ユーザーを返す。
func (m *mockUserService) Resolve(ctx context.Context, identity *model.Identity) (*model.User, error) {
	if m.resolveFn != nil {
		return m.resolveFn(ctx, identity)
	}
	return &model.User{ID: identity.UID, Email: identity.Email, Name: identity.DisplayName, Role: model.RoleUser}, nil
}

type mockUploadService struct {
	createUploadFn   func(ctx context.Context, draft model.UploadDraft) (*model.Upload, error)
	getUploadFn      func(ctx context.Context, id string) (*model.Upload, error)
	getUserUploadsFn func(ctx context.Context, userID string) ([]*model.Upload, error)
	getAllUploadsFn  func(ctx context.Context) ([]*model.Upload, error)
	updateUploadFn   func(ctx context.Context, id string, patch model.UploadPatch) error
	deleteUploadFn   func(ctx context.Context, id string) error
	parseFileFn      func(ctx context.Context, userID, filename string, data []byte) (*model.ParsedFile, error)
	openSourceFn     func(ctx context.Context, upload *model.Upload) (io.ReadCloser, error)
}

func (m *mockUploadService) CreateUpload(ctx context.Context, draft model.UploadDraft) (*model.Upload, error) {
	if m.createUploadFn != nil {
		return m.createUploadFn(ctx, draft)
	}
	return &model.Upload{ID: "upload-new", UserID: draft.UserID, Filename: draft.Filename, ChartType: draft.ChartType}, nil
}

func (m *mockUploadService) GetUpload(ctx context.Context, id string) (*model.Upload, error) {
	if m.getUploadFn != nil {
		return m.getUploadFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUploadService) GetUserUploads(ctx context.Context, userID string) ([]*model.Upload, error) {
	if m.getUserUploadsFn != nil {
		return m.getUserUploadsFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockUploadService) GetAllUploads(ctx context.Context) ([]*model.Upload, error) {
	if m.getAllUploadsFn != nil {
		return m.getAllUploadsFn(ctx)
	}
	return nil, nil
}

func (m *mockUploadService) UpdateUpload(ctx context.Context, id string, patch model.UploadPatch) error {
	if m.updateUploadFn != nil {
		return m.updateUploadFn(ctx, id, patch)
	}
	return nil
}

func (m *mockUploadService) DeleteUpload(ctx context.Context, id string) error {
	if m.deleteUploadFn != nil {
		return m.deleteUploadFn(ctx, id)
	}
	return nil
}

func (m *mockUploadService) ParseFile(ctx context.Context, userID, filename string, data []byte) (*model.ParsedFile, error) {
	if m.parseFileFn != nil {
		return m.parseFileFn(ctx, userID, filename, data)
	}
	return &model.ParsedFile{Filename: filename}, nil
}

func (m *mockUploadService) OpenSource(ctx context.Context, upload *model.Upload) (io.ReadCloser, error) {
	if m.openSourceFn != nil {
		return m.openSourceFn(ctx, upload)
	}
	return nil, nil
}

type mockStatsService struct {
	getUserStatsFn  func(ctx context.Context, userID string) (*model.UserStats, error)
	getAdminStatsFn func(ctx context.Context) (*model.AdminStats, error)
}

func (m *mockStatsService) GetUserStats(ctx context.Context, userID string) (*model.UserStats, error) {
	if m.getUserStatsFn != nil {
		return m.getUserStatsFn(ctx, userID)
	}
	return &model.UserStats{}, nil
}

func (m *mockStatsService) GetAdminStats(ctx context.Context) (*model.AdminStats, error) {
	if m.getAdminStatsFn != nil {
		return m.getAdminStatsFn(ctx)
	}
	return &model.AdminStats{}, nil
}

type mockSearchService struct {
	searchFn func(ctx context.Context, user *model.User, term string) ([]model.SearchResult, error)
}

func (m *mockSearchService) Search(ctx context.Context, user *model.User, term string) ([]model.SearchResult, error) {
	if m.searchFn != nil {
		return m.searchFn(ctx, user, term)
	}
	return nil, nil
}

// --- ヘルパー ---

func testUser(id string) *model.User {
	return &model.User{ID: id, Email: id + "@example.com", Name: id, Role: model.RoleUser}
}

func testAdmin(id string) *model.User {
	return &model.User{ID: id, Email: id + "@example.com", Name: id, Role: model.RoleAdmin}
}

// withUser はGateMiddlewareを通過した後のリクエストを模す。
func withUser(req *http.Request, user *model.User) *http.Request {
	return req.WithContext(middleware.ContextWithUser(req.Context(), user))
}

func testSanitizer() security.TextSanitizer {
	return security.NewTextSanitizer()
}

func containsStr(s, substr string) bool {
	return strings.Contains(s, substr)
}
