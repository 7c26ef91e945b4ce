package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/sheetlens/internal/model"
	"github.com/hitoshi/sheetlens/internal/security"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	UpdateUser(ctx context.Context, id string, patch model.UserPatch) error
	// DeleteUser はユーザーと、そのアップロード・セッションを削除する。
	DeleteUser(ctx context.Context, id string) error
	ListUsers(ctx context.Context) ([]*model.User, error)
	Resolve(ctx context.Context, identity *model.Identity) (*model.User, error)
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service   UserServiceInterface
	sanitizer security.TextSanitizer
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface, sanitizer security.TextSanitizer) *UserHandler {
	return &UserHandler{
		service:   service,
		sanitizer: sanitizer,
	}
}

type updateProfileRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

type updateUserRequest struct {
	Name *string     `json:"name" validate:"omitempty,max=100"`
	Role *model.Role `json:"role" validate:"omitempty,oneof=user admin"`
}

// UpdateProfile は自分の表示名を更新する。
// PATCH /api/users/me
func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	user := currentUser(w, r)
	if user == nil {
		return
	}

	var req updateProfileRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	name := h.sanitizer.Sanitize(req.Name)
	if name == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidInputError("name is empty"))
		return
	}

	h.updateAndRespond(w, r, user.ID, model.UserPatch{Name: &name})
}

// ListUsers は全ユーザーを返す。
// GET /api/admin/users
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.ListUsers(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if users == nil {
		users = []*model.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// UpdateUser はユーザーのロールや表示名を更新する。
// PATCH /api/admin/users/{id}
func (h *UserHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	admin := currentUser(w, r)
	if admin == nil {
		return
	}

	var req updateUserRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	// 自分自身の降格で管理者が不在にならないようにする
	if id == admin.ID && req.Role != nil && *req.Role != model.RoleAdmin {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidInputError("cannot change your own role"))
		return
	}

	patch := model.UserPatch{Role: req.Role}
	if req.Name != nil {
		name := h.sanitizer.Sanitize(*req.Name)
		patch.Name = &name
	}
	if patch.IsEmpty() {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidInputError("no fields to update"))
		return
	}

	existing, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if existing == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewUserNotFoundError())
		return
	}
	h.updateAndRespond(w, r, id, patch)
}

// DeleteUser はユーザーを削除する。
// DELETE /api/admin/users/{id}
func (h *UserHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	admin := currentUser(w, r)
	if admin == nil {
		return
	}

	id := chi.URLParam(r, "id")
	if id == admin.ID {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidInputError("cannot delete yourself"))
		return
	}
	if err := h.service.DeleteUser(r.Context(), id); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *UserHandler) updateAndRespond(w http.ResponseWriter, r *http.Request, id string, patch model.UserPatch) {
	if err := h.service.UpdateUser(r.Context(), id, patch); err != nil {
		handleServiceError(w, err)
		return
	}
	updated, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
