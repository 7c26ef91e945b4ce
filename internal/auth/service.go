// Package auth はメール/パスワードとGoogle OAuthによるサインイン、セッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/sheetlens/internal/model"
	"github.com/hitoshi/sheetlens/internal/pubsub"
	"github.com/hitoshi/sheetlens/internal/repository"
)

// MinPasswordLength はサインアップ時のパスワードの最小文字数。
const MinPasswordLength = 6

// 認証イベント名。メトリクスのラベルに使う。
const (
	EventSignIn       = "sign_in"
	EventSignInFailed = "sign_in_failed"
	EventSignUp       = "sign_up"
	EventGoogleSignIn = "google_sign_in"
	EventSignOut      = "sign_out"
	EventRevoke       = "revoke"
)

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	Provider       string
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// UserProvisioner はサインアップ後のUserレコード作成を担う。
type UserProvisioner interface {
	CreateUser(ctx context.Context, uid string, draft model.UserDraft) (*model.User, error)
	Resolve(ctx context.Context, identity *model.Identity) (*model.User, error)
}

// EventRecorder は認証イベントを記録する。
type EventRecorder interface {
	RecordAuthEvent(event string)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
}

// SignInResult はサインイン成功時に発行したセッションと外部IDを表す。
type SignInResult struct {
	Session  *model.Session
	Identity *model.Identity
}

// identityEvent はuid単位のトピックに流す外部IDの変更通知。
// sessionID が空の場合はそのuidの全セッションが対象。
type identityEvent struct {
	sessionID string
	identity  *model.Identity
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth       OAuthProvider
	identRepo   repository.IdentityRepository
	sessionRepo repository.SessionRepository
	users       UserProvisioner
	config      ServiceConfig
	events      *pubsub.Broker[identityEvent]
	recorder    EventRecorder
	now         func() time.Time
}

// NewService はServiceを生成する。oauth がnilの場合はGoogleサインインを無効とする。
func NewService(
	oauth OAuthProvider,
	identRepo repository.IdentityRepository,
	sessionRepo repository.SessionRepository,
	users UserProvisioner,
	config ServiceConfig,
) *Service {
	return &Service{
		oauth:       oauth,
		identRepo:   identRepo,
		sessionRepo: sessionRepo,
		users:       users,
		config:      config,
		events:      pubsub.New[identityEvent](),
		now:         time.Now,
	}
}

// SetEventRecorder は認証イベントの記録先を設定する。
func (s *Service) SetEventRecorder(r EventRecorder) {
	s.recorder = r
}

// GoogleEnabled はGoogleサインインが設定されているかどうかを返す。
func (s *Service) GoogleEnabled() bool {
	return s.oauth != nil
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	if s.oauth == nil {
		return ""
	}
	return s.oauth.GetLoginURL(state)
}

// SignIn はメールアドレスとパスワードで認証し、セッションを発行する。
// 失敗した場合は既存のセッション状態を変更しない。
func (s *Service) SignIn(ctx context.Context, email, password string) (*SignInResult, error) {
	identity, err := s.identRepo.FindByProviderAndProviderUserID(ctx, model.ProviderPassword, normalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if identity == nil || bcrypt.CompareHashAndPassword([]byte(identity.PasswordHash), []byte(password)) != nil {
		s.record(EventSignInFailed)
		return nil, model.NewInvalidCredentialsError()
	}

	session, err := s.createSession(ctx, identity.UID)
	if err != nil {
		return nil, err
	}
	s.record(EventSignIn)
	slog.Info("サインインしました", slog.String("uid", identity.UID))
	return &SignInResult{Session: session, Identity: identity}, nil
}

// SignUp はメールアドレスとパスワードの外部IDを作成してセッションを発行し、
// 続けてロール user のUserレコードを作成する。
func (s *Service) SignUp(ctx context.Context, email, password, name string) (*SignInResult, error) {
	email = normalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, model.NewInvalidInputError("email is invalid")
	}
	if len(password) < MinPasswordLength {
		return nil, model.NewInvalidInputError(fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	identity := &model.Identity{
		UID:            uuid.New().String(),
		Provider:       model.ProviderPassword,
		ProviderUserID: email,
		Email:          email,
		DisplayName:    strings.TrimSpace(name),
		PasswordHash:   string(hash),
		CreatedAt:      s.now(),
	}
	if err := s.identRepo.Create(ctx, identity); err != nil {
		if errors.Is(err, repository.ErrDuplicateIdentity) {
			return nil, model.NewEmailInUseError()
		}
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}

	session, err := s.createSession(ctx, identity.UID)
	if err != nil {
		return nil, err
	}

	// 外部IDは作成済みのため、Userの作成に失敗しても次回の解決時に補完される
	if _, err := s.users.CreateUser(ctx, identity.UID, model.UserDraft{
		IdentityID: identity.UID,
		Email:      email,
		Name:       identity.DisplayName,
		Role:       model.RoleUser,
	}); err != nil {
		return nil, fmt.Errorf("failed to provision user: %w", err)
	}

	s.record(EventSignUp)
	slog.Info("サインアップしました", slog.String("uid", identity.UID))
	return &SignInResult{Session: session, Identity: identity}, nil
}

// HandleCallback はOAuthコールバックを処理し、セッションを発行する。
// 未登録の外部IDは作成し、Userレコードがなければロール user で作成する。
// code が空の場合はサインインがキャンセルされたものとして扱う。
// メールアドレスが別プロバイダーで登録済みの場合は EMAIL_IN_USE を返し、セッションは発行しない。
func (s *Service) HandleCallback(ctx context.Context, code string) (*SignInResult, error) {
	if s.oauth == nil {
		return nil, model.NewBackendMisconfiguredError("google sign-in is not configured")
	}
	if code == "" {
		return nil, model.NewSignInCancelledError()
	}

	userInfo, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		s.record(EventSignInFailed)
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	identity, err := s.identRepo.FindByProviderAndProviderUserID(ctx, userInfo.Provider, userInfo.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if identity == nil {
		// 同じメールアドレスの別プロバイダーのアカウントがあれば連携せず拒否する
		existing, err := s.identRepo.FindByEmail(ctx, normalizeEmail(userInfo.Email))
		if err != nil {
			return nil, fmt.Errorf("failed to find identity by email: %w", err)
		}
		if existing != nil {
			s.record(EventSignInFailed)
			slog.Warn("email already registered with another provider",
				slog.String("provider", userInfo.Provider),
				slog.String("existing_provider", existing.Provider),
			)
			return nil, model.NewEmailInUseError()
		}

		identity = &model.Identity{
			UID:            uuid.New().String(),
			Provider:       userInfo.Provider,
			ProviderUserID: userInfo.ProviderUserID,
			Email:          normalizeEmail(userInfo.Email),
			DisplayName:    userInfo.Name,
			CreatedAt:      s.now(),
		}
		if err := s.identRepo.Create(ctx, identity); err != nil {
			if errors.Is(err, repository.ErrDuplicateIdentity) {
				s.record(EventSignInFailed)
				return nil, model.NewEmailInUseError()
			}
			return nil, fmt.Errorf("failed to create identity: %w", err)
		}
		slog.Info("外部IDを作成しました",
			slog.String("uid", identity.UID),
			slog.String("provider", identity.Provider),
		)
	}

	session, err := s.createSession(ctx, identity.UID)
	if err != nil {
		return nil, err
	}
	if _, err := s.users.Resolve(ctx, identity); err != nil {
		return nil, fmt.Errorf("failed to provision user: %w", err)
	}

	s.record(EventGoogleSignIn)
	return &SignInResult{Session: session, Identity: identity}, nil
}

// SignOut はセッションを破棄し、そのセッションの購読者へ nil を通知する。
func (s *Service) SignOut(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to find session: %w", err)
	}
	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if session != nil {
		s.events.Publish(session.UID, identityEvent{sessionID: sessionID})
	}

	s.record(EventSignOut)
	slog.Info("サインアウトしました", slog.String("session_id", sessionID))
	return nil
}

// DeleteByUID は指定UIDの全セッションを破棄し、購読者へ nil を通知する。
// ユーザー削除時に呼び出される。
func (s *Service) DeleteByUID(ctx context.Context, uid string) error {
	if err := s.sessionRepo.DeleteByUID(ctx, uid); err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}
	s.events.Publish(uid, identityEvent{})
	s.record(EventRevoke)
	return nil
}

// CurrentIdentity はセッションに紐づく外部IDを返す。
// セッションが存在しない、または期限切れの場合はnilを返す。
func (s *Service) CurrentIdentity(ctx context.Context, sessionID string) (*model.Identity, error) {
	if sessionID == "" {
		return nil, nil
	}
	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, nil
	}
	identity, err := s.identRepo.FindByUID(ctx, session.UID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	return identity, nil
}

// Watch はセッションの外部IDを購読する。
// 現在の外部ID（またはnil）を直ちに通知し、以降はサインアウトなどの変更ごとに通知する。
// fn は購読ごとの専用goroutineから逐次呼び出される。戻り値の関数で購読を解除する。
func (s *Service) Watch(ctx context.Context, sessionID string, fn func(*model.Identity)) (func(), error) {
	current, err := s.CurrentIdentity(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// 未認証のセッションは変化しないため、発行されないトピックを購読する
	topic := ""
	if current != nil {
		topic = current.UID
	}
	h := s.events.Subscribe(topic, func(ev identityEvent) {
		if ev.sessionID != "" && ev.sessionID != sessionID {
			return
		}
		fn(ev.identity)
	})
	h.Send(identityEvent{sessionID: sessionID, identity: current})
	return h.Close, nil
}

// Close は全ての購読を停止する。
func (s *Service) Close() {
	s.events.Close()
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, uid string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		UID:       uid,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return session, nil
}

func (s *Service) record(event string) {
	if s.recorder != nil {
		s.recorder.RecordAuthEvent(event)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
