// Package search は検索オーバーレイ(Ctrl/Cmd+K)の候補を返す。
package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/hitoshi/sheetlens/internal/model"
	"github.com/hitoshi/sheetlens/internal/upload"
)

// 結果の種別。
const (
	KindPage   = "page"
	KindUpload = "upload"
	KindAction = "action"
)

// maxUploadResults は候補に含めるアップロードの最大件数。
const maxUploadResults = 5

type entry struct {
	title    string
	path     string
	keywords []string
	// adminOnly の項目は管理者にのみ表示する
	adminOnly bool
}

var pages = []entry{
	{title: "Dashboard", path: "/", keywords: []string{"home", "overview", "stats"}},
	{title: "Upload & Analyze", path: "/analyze", keywords: []string{"upload", "file", "excel", "csv", "analyze"}},
	{title: "My Charts", path: "/charts", keywords: []string{"charts", "visualizations", "graphs"}},
	{title: "Settings", path: "/settings", keywords: []string{"settings", "preferences", "account"}},
	{title: "User Management", path: "/admin/users", keywords: []string{"users", "admin", "management"}, adminOnly: true},
}

var quickActions = []entry{
	{title: "Total Uploads", path: "/charts", keywords: []string{"uploads", "total", "stats"}},
	{title: "Charts Created", path: "/charts", keywords: []string{"charts", "created", "stats"}},
	{title: "This Week", path: "/", keywords: []string{"week", "recent", "stats"}},
	{title: "Avg Growth", path: "/", keywords: []string{"growth", "average", "stats"}},
}

// UploadLister は呼び出し元ユーザーのアップロードを返す。
type UploadLister interface {
	ListByUserID(ctx context.Context, userID string) ([]*model.Upload, error)
}

// Service は検索のサービス層。
type Service struct {
	uploads UploadLister
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(uploads UploadLister) *Service {
	return &Service{uploads: uploads}
}

// Search は term を含む候補をページ、アップロード、クイックアクションの順で返す。
// term が空の場合はすべての候補を返す。照合は大文字小文字を区別しない部分一致。
func (s *Service) Search(ctx context.Context, user *model.User, term string) ([]model.SearchResult, error) {
	if user == nil {
		return nil, model.NewUnauthorizedError()
	}
	term = strings.ToLower(strings.TrimSpace(term))

	results := make([]model.SearchResult, 0, len(pages)+maxUploadResults+len(quickActions))
	for _, p := range pages {
		if p.adminOnly && !user.IsAdmin() {
			continue
		}
		if p.matches(term) {
			results = append(results, model.SearchResult{Kind: KindPage, Title: p.title, Path: p.path})
		}
	}

	uploads, err := s.uploads.ListByUserID(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("検索対象のアップロード取得に失敗しました: %w", err)
	}
	upload.SortNewestFirst(uploads)
	if len(uploads) > maxUploadResults {
		uploads = uploads[:maxUploadResults]
	}
	for _, u := range uploads {
		if contains(term, u.Filename, "upload", string(u.ChartType)) {
			results = append(results, model.SearchResult{Kind: KindUpload, Title: u.Filename, Path: "/charts", UploadID: u.ID})
		}
	}

	for _, a := range quickActions {
		if a.matches(term) {
			results = append(results, model.SearchResult{Kind: KindAction, Title: a.title, Path: a.path})
		}
	}
	return results, nil
}

func (e entry) matches(term string) bool {
	return contains(term, append([]string{e.title}, e.keywords...)...)
}

func contains(term string, fields ...string) bool {
	if term == "" {
		return true
	}
	return strings.Contains(strings.ToLower(strings.Join(fields, " ")), term)
}
