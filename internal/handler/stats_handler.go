package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/hitoshi/sheetlens/internal/model"
)

// StatsServiceInterface は集計ハンドラーが必要とするサービスインターフェース。
type StatsServiceInterface interface {
	GetUserStats(ctx context.Context, userID string) (*model.UserStats, error)
	GetAdminStats(ctx context.Context) (*model.AdminStats, error)
}

// SearchServiceInterface は検索ハンドラーが必要とするサービスインターフェース。
type SearchServiceInterface interface {
	Search(ctx context.Context, user *model.User, term string) ([]model.SearchResult, error)
}

// StatsHandler はダッシュボード集計と検索のHTTPハンドラー。
type StatsHandler struct {
	stats  StatsServiceInterface
	search SearchServiceInterface
}

// NewStatsHandler はStatsHandlerを生成する。
func NewStatsHandler(stats StatsServiceInterface, search SearchServiceInterface) *StatsHandler {
	return &StatsHandler{stats: stats, search: search}
}

// UserStats はログインユーザーのダッシュボード集計を返す。
// GET /api/stats
func (h *StatsHandler) UserStats(w http.ResponseWriter, r *http.Request) {
	user := currentUser(w, r)
	if user == nil {
		return
	}
	stats, err := h.stats.GetUserStats(r.Context(), user.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// AdminStats は管理者向けの集計を返す。
// GET /api/admin/stats
func (h *StatsHandler) AdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.GetAdminStats(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Search はページ・アップロード・クイックアクションを検索する。
// GET /api/search?q=term
func (h *StatsHandler) Search(w http.ResponseWriter, r *http.Request) {
	user := currentUser(w, r)
	if user == nil {
		return
	}
	results, err := h.search.Search(r.Context(), user, strings.TrimSpace(r.URL.Query().Get("q")))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if results == nil {
		results = []model.SearchResult{}
	}
	writeJSON(w, http.StatusOK, results)
}
