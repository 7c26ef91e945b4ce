package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/sheetlens/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反エラーコード。
const uniqueViolation = "23505"

// PostgresIdentityRepo はPostgreSQLを使用したidentityリポジトリ。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

const identityColumns = `uid, provider, provider_user_id, email, display_name, password_hash, created_at`

func scanIdentity(row *sql.Row) (*model.Identity, error) {
	identity := &model.Identity{}
	err := row.Scan(
		&identity.UID, &identity.Provider, &identity.ProviderUserID,
		&identity.Email, &identity.DisplayName, &identity.PasswordHash, &identity.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	return identity, nil
}

// FindByUID は指定UIDのidentityを取得する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByUID(ctx context.Context, uid string) (*model.Identity, error) {
	return scanIdentity(r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE uid = $1`,
		uid,
	))
}

// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	return scanIdentity(r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+`
		 FROM identities
		 WHERE provider = $1 AND provider_user_id = $2`,
		provider, providerUserID,
	))
}

// FindByEmail はメールアドレスでidentityを検索する。
// lower(email) の一意インデックスに合わせて大文字小文字を区別しない。
func (r *PostgresIdentityRepo) FindByEmail(ctx context.Context, email string) (*model.Identity, error) {
	return scanIdentity(r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE lower(email) = lower($1)`,
		email,
	))
}

// Create はidentityを作成する。
func (r *PostgresIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO identities (`+identityColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		identity.UID, identity.Provider, identity.ProviderUserID,
		identity.Email, identity.DisplayName, identity.PasswordHash, identity.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateIdentity
		}
		return fmt.Errorf("failed to create identity: %w", err)
	}
	return nil
}

// DeleteByUID は指定UIDのidentityを削除する。
// 関連するsessionsはCASCADE削除される。
func (r *PostgresIdentityRepo) DeleteByUID(ctx context.Context, uid string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM identities WHERE uid = $1`, uid)
	if err != nil {
		return fmt.Errorf("failed to delete identity: %w", err)
	}
	return nil
}

// compile-time interface check
var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
