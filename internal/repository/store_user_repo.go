package repository

import (
	"context"
	"fmt"

	"github.com/hitoshi/sheetlens/internal/model"
	"github.com/hitoshi/sheetlens/internal/store"
)

// UsersCollection はユーザーを保存するコレクション名。
const UsersCollection = "users"

// UserPath はユーザーのストアパスを返す。
func UserPath(id string) string {
	return UsersCollection + "/" + id
}

// StoreUserRepo はドキュメントストアを使用したユーザーリポジトリ。
type StoreUserRepo struct {
	store store.Store
}

// NewStoreUserRepo はStoreUserRepoを生成する。
func NewStoreUserRepo(s store.Store) *StoreUserRepo {
	return &StoreUserRepo{store: s}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *StoreUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	snap, err := r.store.Get(ctx, UserPath(id))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	user := &model.User{}
	ok, err := snap.Decode(user)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return user, nil
}

// Create はユーザーを書き込む。
func (r *StoreUserRepo) Create(ctx context.Context, user *model.User) error {
	if err := r.store.Set(ctx, UserPath(user.ID), user); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// Update は指定フィールドのみをマージする。
func (r *StoreUserRepo) Update(ctx context.Context, id string, patch model.UserPatch) error {
	fields := make(map[string]any, 3)
	if patch.Email != nil {
		fields["email"] = *patch.Email
	}
	if patch.Name != nil {
		fields["name"] = *patch.Name
	}
	if patch.Role != nil {
		fields["role"] = *patch.Role
	}
	if len(fields) == 0 {
		return nil
	}
	if err := r.store.Update(ctx, UserPath(id), fields); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

// Delete は指定IDのユーザーを削除する。
func (r *StoreUserRepo) Delete(ctx context.Context, id string) error {
	if err := r.store.Remove(ctx, UserPath(id)); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// List は全ユーザーを返す。
func (r *StoreUserRepo) List(ctx context.Context) ([]*model.User, error) {
	snap, err := r.store.Get(ctx, UsersCollection)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return store.DecodeList[*model.User](snap)
}

// compile-time interface check
var _ UserRepository = (*StoreUserRepo)(nil)
