// Package model はドメインモデルを定義する。
package model

import "time"

// Role はユーザーの権限ロールを表す。
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid はロールが定義済みの値かどうかを返す。
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// User はダッシュボード利用ユーザーを表す。
// ストアの users/{id} に保存される。CreatedAt はエポックミリ秒。
type User struct {
	ID         string `json:"id"`
	IdentityID string `json:"identityId"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Role       Role   `json:"role"`
	CreatedAt  int64  `json:"createdAt"`
}

// IsAdmin は管理者ロールかどうかを返す。
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// UserDraft はユーザー作成時の入力値を表す。
// Role が空の場合は RoleUser として扱う。
type UserDraft struct {
	IdentityID string `json:"identityId,omitempty"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Role       Role   `json:"role,omitempty"`
}

// UserPatch はユーザーの部分更新を表す。nil のフィールドは変更しない。
type UserPatch struct {
	Email *string `json:"email,omitempty"`
	Name  *string `json:"name,omitempty"`
	Role  *Role   `json:"role,omitempty"`
}

// IsEmpty は変更対象のフィールドが1つもないかどうかを返す。
func (p UserPatch) IsEmpty() bool {
	return p.Email == nil && p.Name == nil && p.Role == nil
}

// Identity は認証基盤側で管理する外部IDを表す。
// ドメインの User とは別物で、UID が User.ID と一致する。
type Identity struct {
	UID            string
	Provider       string
	ProviderUserID string
	Email          string
	DisplayName    string
	PasswordHash   string
	CreatedAt      time.Time
}

// 認証プロバイダ名
const (
	ProviderPassword = "password"
	ProviderGoogle   = "google"
)

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UID       string
	ExpiresAt time.Time
	CreatedAt time.Time
}
