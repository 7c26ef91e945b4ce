package model

// UserStats はユーザーダッシュボードの集計値を表す。
type UserStats struct {
	TotalUploads  int    `json:"totalUploads"`
	ChartsCreated int    `json:"chartsCreated"`
	ThisWeek      int    `json:"thisWeek"`
	AvgGrowth     string `json:"avgGrowth"`
}

// AdminStats は管理者向けの集計値を表す。
type AdminStats struct {
	TotalUsers   int `json:"totalUsers"`
	NewThisMonth int `json:"newThisMonth"`
	AdminUsers   int `json:"adminUsers"`
	ActiveToday  int `json:"activeToday"`
}

// SearchResult は検索オーバーレイの1件を表す。
type SearchResult struct {
	Kind  string `json:"kind"` // page, upload, action
	Title string `json:"title"`
	Path  string `json:"path"`
	// UploadID は Kind が upload の場合のみ設定される。
	UploadID string `json:"uploadId,omitempty"`
}
