package repository

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/sheetlens/internal/model"
)

// MemoryIdentityRepo はプロセス内メモリに保持するidentityリポジトリ。
// ストアに memory:// を指定した場合に使用する。
type MemoryIdentityRepo struct {
	mu    sync.RWMutex
	byUID map[string]model.Identity
}

// NewMemoryIdentityRepo はMemoryIdentityRepoを生成する。
func NewMemoryIdentityRepo() *MemoryIdentityRepo {
	return &MemoryIdentityRepo{byUID: make(map[string]model.Identity)}
}

// FindByUID は指定UIDのidentityを取得する。見つからない場合はnilを返す。
func (r *MemoryIdentityRepo) FindByUID(_ context.Context, uid string) (*model.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.byUID[uid]
	if !ok {
		return nil, nil
	}
	return &identity, nil
}

// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
func (r *MemoryIdentityRepo) FindByProviderAndProviderUserID(_ context.Context, provider, providerUserID string) (*model.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, identity := range r.byUID {
		if identity.Provider == provider && identity.ProviderUserID == providerUserID {
			return &identity, nil
		}
	}
	return nil, nil
}

// FindByEmail はメールアドレスでidentityを検索する。大文字小文字は区別しない。
func (r *MemoryIdentityRepo) FindByEmail(_ context.Context, email string) (*model.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, identity := range r.byUID {
		if email != "" && strings.EqualFold(identity.Email, email) {
			return &identity, nil
		}
	}
	return nil, nil
}

// Create はidentityを作成する。
func (r *MemoryIdentityRepo) Create(_ context.Context, identity *model.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byUID[identity.UID]; ok {
		return ErrDuplicateIdentity
	}
	for _, existing := range r.byUID {
		if existing.Provider == identity.Provider && existing.ProviderUserID == identity.ProviderUserID {
			return ErrDuplicateIdentity
		}
		if identity.Email != "" && strings.EqualFold(existing.Email, identity.Email) {
			return ErrDuplicateIdentity
		}
	}
	r.byUID[identity.UID] = *identity
	return nil
}

// DeleteByUID は指定UIDのidentityを削除する。
func (r *MemoryIdentityRepo) DeleteByUID(_ context.Context, uid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byUID, uid)
	return nil
}

// MemorySessionRepo はプロセス内メモリに保持するセッションリポジトリ。
type MemorySessionRepo struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
	now      func() time.Time
}

// NewMemorySessionRepo はMemorySessionRepoを生成する。
func NewMemorySessionRepo() *MemorySessionRepo {
	return &MemorySessionRepo{
		sessions: make(map[string]model.Session),
		now:      time.Now,
	}
}

// Create はセッションを作成する。
func (r *MemorySessionRepo) Create(_ context.Context, session *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = *session
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *MemorySessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[id]
	if !ok || !session.ExpiresAt.After(r.now()) {
		return nil, nil
	}
	return &session, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *MemorySessionRepo) DeleteByID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

// DeleteByUID は指定UIDの全セッションを削除する。
func (r *MemorySessionRepo) DeleteByUID(_ context.Context, uid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if s.UID == uid {
			delete(r.sessions, id)
		}
	}
	return nil
}

// DeleteExpired は期限切れのセッションを削除し、削除件数を返す。
func (r *MemorySessionRepo) DeleteExpired(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var n int64
	for id, s := range r.sessions {
		if !s.ExpiresAt.After(now) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

// compile-time interface check
var (
	_ IdentityRepository = (*MemoryIdentityRepo)(nil)
	_ SessionRepository  = (*MemorySessionRepo)(nil)
)
