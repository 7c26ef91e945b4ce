package handler

import (
	"github.com/hitoshi/sheetlens/internal/auth"
	"github.com/hitoshi/sheetlens/internal/search"
	"github.com/hitoshi/sheetlens/internal/stats"
	"github.com/hitoshi/sheetlens/internal/upload"
	"github.com/hitoshi/sheetlens/internal/user"
)

// ドメインサービスはアダプタなしでハンドラーのインターフェースを満たす。
var (
	_ AuthServiceInterface   = (*auth.Service)(nil)
	_ UserServiceInterface   = (*user.Service)(nil)
	_ UploadServiceInterface = (*upload.Service)(nil)
	_ StatsServiceInterface  = (*stats.Service)(nil)
	_ SearchServiceInterface = (*search.Service)(nil)
)
