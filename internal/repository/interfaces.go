// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/sheetlens/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
// ストアの users/{id} を対象とする。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)
	// Create はユーザーを書き込む。
	Create(ctx context.Context, user *model.User) error
	// Update は指定フィールドのみをマージする。
	Update(ctx context.Context, id string, patch model.UserPatch) error
	// Delete は指定IDのユーザーを削除する。
	Delete(ctx context.Context, id string) error
	// List は全ユーザーを返す。順序は保証しない。
	List(ctx context.Context) ([]*model.User, error)
}

// UploadRepository はアップロードデータの永続化インターフェース。
// ストアの uploads/{id} を対象とする。
type UploadRepository interface {
	// NewID はストアのpush-idで新しいIDを払い出す。
	NewID(ctx context.Context) (string, error)
	// Create はアップロードを書き込む。
	Create(ctx context.Context, upload *model.Upload) error
	// FindByID は指定IDのアップロードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Upload, error)
	// ListByUserID はuserIdの等値条件で絞り込んだアップロードを返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Upload, error)
	// List は全アップロードを返す。
	List(ctx context.Context) ([]*model.Upload, error)
	// Update は指定フィールドのみをマージする。
	Update(ctx context.Context, id string, patch model.UploadPatch) error
	// Delete は指定IDのアップロードを削除する。
	Delete(ctx context.Context, id string) error
	// CountActiveUsersSince は since 以降にアップロードしたユーザーの異なる数を返す。
	CountActiveUsersSince(ctx context.Context, since int64) (int, error)
}

// IdentityRepository は認証基盤側の外部ID情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByUID は指定UIDのidentityを取得する。見つからない場合はnilを返す。
	FindByUID(ctx context.Context, uid string) (*model.Identity, error)
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
	// FindByEmail はメールアドレス（大文字小文字を区別しない）でidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Identity, error)
	// Create はidentityを作成する。同一providerのIDまたはメールアドレスが
	// 重複する場合は ErrDuplicateIdentity を返す。
	Create(ctx context.Context, identity *model.Identity) error
	// DeleteByUID は指定UIDのidentityを削除する。
	DeleteByUID(ctx context.Context, uid string) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUID は指定UIDの全セッションを削除する。
	DeleteByUID(ctx context.Context, uid string) error
	// DeleteExpired は期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}
