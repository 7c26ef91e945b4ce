// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/sheetlens/internal/model"
	"github.com/hitoshi/sheetlens/internal/repository"
)

// DefaultName は表示名がない外部IDから作成するユーザーの名前。
const DefaultName = "User"

// UploadLister はユーザーのアップロード一覧を取得するインターフェース。
type UploadLister interface {
	ListByUserID(ctx context.Context, userID string) ([]*model.Upload, error)
	Delete(ctx context.Context, id string) error
}

// SessionDeleter はユーザーの全セッションを削除するインターフェース。
type SessionDeleter interface {
	DeleteByUID(ctx context.Context, uid string) error
}

// Service はユーザー管理のサービス層。
type Service struct {
	userRepo    repository.UserRepository
	uploadRepo  UploadLister
	sessionRepo SessionDeleter
	now         func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// uploadRepo と sessionRepo は削除時の後始末に使い、nilの場合は省略する。
func NewService(userRepo repository.UserRepository, uploadRepo UploadLister, sessionRepo SessionDeleter) *Service {
	return &Service{
		userRepo:    userRepo,
		uploadRepo:  uploadRepo,
		sessionRepo: sessionRepo,
		now:         time.Now,
	}
}

// SetSessionDeleter はユーザー削除時に使うセッション削除先を設定する。
func (s *Service) SetSessionDeleter(d SessionDeleter) {
	s.sessionRepo = d
}

// SetNow はテスト用に現在時刻の取得関数を差し替える。
func (s *Service) SetNow(now func() time.Time) {
	s.now = now
}

// CreateUser はuidをIDとするユーザーを作成し、書き込んだレコードを返す。
// CreatedAt は書き込み時点の時刻、Role は未指定の場合 user になる。
func (s *Service) CreateUser(ctx context.Context, uid string, draft model.UserDraft) (*model.User, error) {
	if uid == "" {
		return nil, model.NewInvalidInputError("uid is empty")
	}
	role := draft.Role
	if role == "" {
		role = model.RoleUser
	}
	if !role.Valid() {
		return nil, model.NewInvalidInputError(fmt.Sprintf("unknown role %q", role))
	}
	identityID := draft.IdentityID
	if identityID == "" {
		identityID = uid
	}

	user := &model.User{
		ID:         uid,
		IdentityID: identityID,
		Email:      draft.Email,
		Name:       draft.Name,
		Role:       role,
		CreatedAt:  s.now().UnixMilli(),
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}

	slog.Info("ユーザーを作成しました",
		slog.String("user_id", uid),
		slog.String("role", string(role)),
	)
	return user, nil
}

// GetUser は指定IDのユーザーを返す。存在しない場合はnilを返す。
func (s *Service) GetUser(ctx context.Context, id string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	return user, nil
}

// UpdateUser は指定フィールドをマージする。
func (s *Service) UpdateUser(ctx context.Context, id string, patch model.UserPatch) error {
	if patch.Role != nil && !patch.Role.Valid() {
		return model.NewInvalidInputError(fmt.Sprintf("unknown role %q", *patch.Role))
	}
	if err := s.userRepo.Update(ctx, id, patch); err != nil {
		return fmt.Errorf("ユーザーの更新に失敗しました: %w", err)
	}
	return nil
}

// DeleteUser は管理者操作としてユーザーを削除する。
// 削除順序: uploads → sessions → user
func (s *Service) DeleteUser(ctx context.Context, id string) error {
	user, err := s.userRepo.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}

	slog.Info("ユーザー削除を開始します", slog.String("user_id", id))

	// 1. アップロードを削除（参照先のないアップロードを残さない）
	if s.uploadRepo != nil {
		uploads, err := s.uploadRepo.ListByUserID(ctx, id)
		if err != nil {
			return fmt.Errorf("アップロードの取得に失敗しました: %w", err)
		}
		for _, u := range uploads {
			if err := s.uploadRepo.Delete(ctx, u.ID); err != nil {
				return fmt.Errorf("アップロードの削除に失敗しました: %w", err)
			}
		}
	}

	// 2. セッションを削除
	if s.sessionRepo != nil {
		if err := s.sessionRepo.DeleteByUID(ctx, id); err != nil {
			return fmt.Errorf("セッションの削除に失敗しました: %w", err)
		}
	}

	// 3. ユーザーを削除
	if err := s.userRepo.Delete(ctx, id); err != nil {
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	slog.Info("ユーザー削除が完了しました", slog.String("user_id", id))
	return nil
}

// ListUsers は全ユーザーを作成日時の新しい順で返す。
func (s *Service) ListUsers(ctx context.Context) ([]*model.User, error) {
	users, err := s.userRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ユーザー一覧の取得に失敗しました: %w", err)
	}
	sortUsers(users)
	return users, nil
}

// Resolve は外部IDに対応するユーザーを返す。存在しない場合は role user で作成する。
func (s *Service) Resolve(ctx context.Context, identity *model.Identity) (*model.User, error) {
	user, err := s.GetUser(ctx, identity.UID)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	name := identity.DisplayName
	if name == "" {
		name = DefaultName
	}
	return s.CreateUser(ctx, identity.UID, model.UserDraft{
		IdentityID: identity.UID,
		Email:      identity.Email,
		Name:       name,
		Role:       model.RoleUser,
	})
}
