package handler

import (
	"net/http"

	"github.com/hitoshi/sheetlens/internal/gate"
	"github.com/hitoshi/sheetlens/internal/middleware"
	"github.com/hitoshi/sheetlens/internal/model"
)

// ページ名
const (
	PageDashboard  = "dashboard"
	PageAnalyze    = "analyze"
	PageCharts     = "charts"
	PageAdminUsers = "admin-users"
	PageSettings   = "settings"
	PageAuth       = "auth"
	PageNotFound   = "not-found"
	PageForbidden  = "forbidden"
)

// viewDocument はページルートが返す描画指示。
// クライアントは View に従って画面を切り替え、Page を描画する。
type viewDocument struct {
	Path        string      `json:"path"`
	View        gate.View   `json:"view"`
	State       gate.State  `json:"state"`
	Page        string      `json:"page,omitempty"`
	User        *model.User `json:"user,omitempty"`
	ConfigError string      `json:"configError,omitempty"`
	Error       string      `json:"error,omitempty"`
	// Redirect はクライアントが遷移すべき先。
	Redirect string `json:"redirect,omitempty"`
}

func newViewDocument(r *http.Request, snap gate.Snapshot) viewDocument {
	return viewDocument{
		Path:        r.URL.Path,
		View:        snap.View(),
		State:       snap.State,
		User:        snap.User,
		ConfigError: snap.ConfigError,
		Error:       snap.Error,
	}
}

// PageHandler はゲート状態に応じてページの描画指示を返すハンドラー。
type PageHandler struct{}

// NewPageHandler はPageHandlerを生成する。
func NewPageHandler() *PageHandler {
	return &PageHandler{}
}

// Deny は Authenticated 以外のゲート状態で描画指示を返す。
// 設定エラーは503で設定案内、未認証はサインイン画面を返す。
func (h *PageHandler) Deny(w http.ResponseWriter, r *http.Request, snap gate.Snapshot) {
	doc := newViewDocument(r, snap)
	status := http.StatusOK
	switch snap.State {
	case gate.StateConfigError:
		status = http.StatusServiceUnavailable
	case gate.StateUnauthenticated:
		doc.Page = PageAuth
	}
	writeJSON(w, status, doc)
}

// Render は認証済みユーザー向けにページのシェル描画指示を返す。
func (h *PageHandler) Render(page string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, _ := middleware.GateFromContext(r.Context())
		doc := newViewDocument(r, snap)
		doc.Page = page
		writeJSON(w, http.StatusOK, doc)
	}
}

// RenderAdmin は管理者ページを返す。管理者以外には403で権限不足ページを返す。
func (h *PageHandler) RenderAdmin(page string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, _ := middleware.GateFromContext(r.Context())
		doc := newViewDocument(r, snap)
		if !snap.User.IsAdmin() {
			doc.Page = PageForbidden
			writeJSON(w, http.StatusForbidden, doc)
			return
		}
		doc.Page = page
		writeJSON(w, http.StatusOK, doc)
	}
}

// NotFound は未定義のパスに対して、シェル内の not-found ページを返す。
func (h *PageHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	snap, _ := middleware.GateFromContext(r.Context())
	doc := newViewDocument(r, snap)
	doc.Page = PageNotFound
	writeJSON(w, http.StatusNotFound, doc)
}

// AuthPage はサインインページを返す。認証済みの場合は既定ルートへの遷移を指示する。
// GET /auth
func (h *PageHandler) AuthPage(w http.ResponseWriter, r *http.Request) {
	snap, _ := middleware.GateFromContext(r.Context())
	doc := newViewDocument(r, snap)
	doc.Page = PageAuth
	doc.Redirect = gate.DefaultRoute
	writeJSON(w, http.StatusOK, doc)
}
