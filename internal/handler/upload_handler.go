package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/sheetlens/internal/model"
	"github.com/hitoshi/sheetlens/internal/security"
)

// UploadServiceInterface はアップロードハンドラーが必要とするサービスインターフェース。
type UploadServiceInterface interface {
	CreateUpload(ctx context.Context, draft model.UploadDraft) (*model.Upload, error)
	GetUpload(ctx context.Context, id string) (*model.Upload, error)
	GetUserUploads(ctx context.Context, userID string) ([]*model.Upload, error)
	GetAllUploads(ctx context.Context) ([]*model.Upload, error)
	UpdateUpload(ctx context.Context, id string, patch model.UploadPatch) error
	DeleteUpload(ctx context.Context, id string) error
	ParseFile(ctx context.Context, userID, filename string, data []byte) (*model.ParsedFile, error)
	OpenSource(ctx context.Context, upload *model.Upload) (io.ReadCloser, error)
}

// UploadHandler はアップロード（チャート設定）のHTTPハンドラー。
type UploadHandler struct {
	service   UploadServiceInterface
	sanitizer security.TextSanitizer
	maxBytes  int64
}

// NewUploadHandler はUploadHandlerを生成する。maxBytes は解析するファイルの上限サイズ。
func NewUploadHandler(service UploadServiceInterface, sanitizer security.TextSanitizer, maxBytes int64) *UploadHandler {
	return &UploadHandler{
		service:   service,
		sanitizer: sanitizer,
		maxBytes:  maxBytes,
	}
}

type createUploadRequest struct {
	Filename      string          `json:"filename" validate:"required,max=255"`
	ChartType     model.ChartType `json:"chartType" validate:"required,oneof=bar line pie scatter"`
	ChartData     json.RawMessage `json:"chartData"`
	XAxis         string          `json:"xAxis"`
	YAxis         string          `json:"yAxis"`
	Is3D          *bool           `json:"is3D"`
	SourceFileKey string          `json:"sourceFileKey" validate:"omitempty,max=512"`
}

type updateUploadRequest struct {
	Filename  *string          `json:"filename" validate:"omitempty,max=255"`
	ChartType *model.ChartType `json:"chartType" validate:"omitempty,oneof=bar line pie scatter"`
	ChartData json.RawMessage  `json:"chartData"`
	XAxis     *string          `json:"xAxis"`
	YAxis     *string          `json:"yAxis"`
	Is3D      *bool            `json:"is3D"`
}

// ListUploads はアップロード一覧を新しい順で返す。
// GET /api/uploads
// 管理者は ?scope=all で全ユーザー分を取得できる。
func (h *UploadHandler) ListUploads(w http.ResponseWriter, r *http.Request) {
	user := currentUser(w, r)
	if user == nil {
		return
	}

	var (
		uploads []*model.Upload
		err     error
	)
	if r.URL.Query().Get("scope") == "all" {
		if !user.IsAdmin() {
			writeAPIErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
			return
		}
		uploads, err = h.service.GetAllUploads(r.Context())
	} else {
		uploads, err = h.service.GetUserUploads(r.Context(), user.ID)
	}
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if uploads == nil {
		uploads = []*model.Upload{}
	}
	writeJSON(w, http.StatusOK, uploads)
}

// CreateUpload はチャート設定を保存する。userId は常にセッションのユーザー。
// POST /api/uploads
func (h *UploadHandler) CreateUpload(w http.ResponseWriter, r *http.Request) {
	user := currentUser(w, r)
	if user == nil {
		return
	}

	var req createUploadRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	// 他ユーザーの原本を参照させない
	if req.SourceFileKey != "" && !strings.HasPrefix(req.SourceFileKey, user.ID+"/") {
		writeAPIErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
		return
	}

	upload, err := h.service.CreateUpload(r.Context(), model.UploadDraft{
		UserID:        user.ID,
		Filename:      h.sanitizer.Sanitize(req.Filename),
		ChartType:     req.ChartType,
		ChartData:     req.ChartData,
		XAxis:         req.XAxis,
		YAxis:         req.YAxis,
		Is3D:          req.Is3D,
		SourceFileKey: req.SourceFileKey,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, upload)
}

// GetUpload はアップロードを1件返す。
// GET /api/uploads/{id}
func (h *UploadHandler) GetUpload(w http.ResponseWriter, r *http.Request) {
	upload, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, upload)
}

// UpdateUpload は指定フィールドを更新し、更新後のレコードを返す。
// PATCH /api/uploads/{id}
func (h *UploadHandler) UpdateUpload(w http.ResponseWriter, r *http.Request) {
	upload, ok := h.loadOwned(w, r)
	if !ok {
		return
	}

	var req updateUploadRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	patch := model.UploadPatch{
		ChartType: req.ChartType,
		ChartData: req.ChartData,
		XAxis:     req.XAxis,
		YAxis:     req.YAxis,
		Is3D:      req.Is3D,
	}
	if req.Filename != nil {
		name := h.sanitizer.Sanitize(*req.Filename)
		patch.Filename = &name
	}
	if patch.IsEmpty() {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidInputError("no fields to update"))
		return
	}

	if err := h.service.UpdateUpload(r.Context(), upload.ID, patch); err != nil {
		handleServiceError(w, err)
		return
	}
	updated, err := h.service.GetUpload(r.Context(), upload.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteUpload はアップロードを削除する。
// DELETE /api/uploads/{id}
func (h *UploadHandler) DeleteUpload(w http.ResponseWriter, r *http.Request) {
	upload, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteUpload(r.Context(), upload.ID); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ParseFile はmultipartで受け取ったスプレッドシートを解析し、列名を返す。
// POST /api/uploads/parse （フォームフィールド "file"）
func (h *UploadHandler) ParseFile(w http.ResponseWriter, r *http.Request) {
	user := currentUser(w, r)
	if user == nil {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+1<<10)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeAPIErrorResponse(w, http.StatusRequestEntityTooLarge,
				model.NewInvalidInputError(fmt.Sprintf("file exceeds %d bytes", h.maxBytes)))
			return
		}
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidInputError("multipart field \"file\" is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxBytes+1))
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidInputError("failed to read file"))
		return
	}
	if int64(len(data)) > h.maxBytes {
		writeAPIErrorResponse(w, http.StatusRequestEntityTooLarge,
			model.NewInvalidInputError(fmt.Sprintf("file exceeds %d bytes", h.maxBytes)))
		return
	}

	filename := h.sanitizer.Sanitize(filepath.Base(header.Filename))
	parsed, err := h.service.ParseFile(r.Context(), user.ID, filename, data)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, parsed)
}

// DownloadSource はアーカイブ済みの原本ファイルを返す。
// GET /api/uploads/{id}/source
func (h *UploadHandler) DownloadSource(w http.ResponseWriter, r *http.Request) {
	upload, ok := h.loadOwned(w, r)
	if !ok {
		return
	}

	rc, err := h.service.OpenSource(r.Context(), upload)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if rc == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, &model.APIError{
			Code:     "SOURCE_NOT_ARCHIVED",
			Message:  "このチャートの元ファイルは保存されていません。",
			Category: model.CategoryData,
			Action:   "ファイルを再度アップロードしてください。",
		})
		return
	}
	defer rc.Close()

	ext := strings.ToLower(filepath.Ext(upload.SourceFileKey))
	ct := mime.TypeByExtension(ext)
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": upload.Filename}))
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("failed to stream source file",
			slog.String("upload_id", upload.ID),
			slog.String("error", err.Error()),
		)
	}
}

// loadOwned はURLのIDのアップロードを取得し、所有者または管理者であることを確認する。
// 他ユーザーのアップロードは存在を明かさないため404とする。
func (h *UploadHandler) loadOwned(w http.ResponseWriter, r *http.Request) (*model.Upload, bool) {
	user := currentUser(w, r)
	if user == nil {
		return nil, false
	}

	id := chi.URLParam(r, "id")
	upload, err := h.service.GetUpload(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return nil, false
	}
	if upload == nil || (upload.UserID != user.ID && !user.IsAdmin()) {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewUploadNotFoundError(id))
		return nil, false
	}
	return upload, true
}
