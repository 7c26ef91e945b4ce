// Package stats はダッシュボードの集計値を算出する。
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/sheetlens/internal/model"
)

// 集計期間。境界は現在時刻からのミリ秒の単純な減算で求める。
const (
	weekWindow  = 7 * 24 * time.Hour
	monthWindow = 30 * 24 * time.Hour
	dayWindow   = 24 * time.Hour
)

// PlaceholderGrowth はアップロードがある場合に返す平均成長率。
// 実際の成長率は算出しない。
const PlaceholderGrowth = "23%"

// NoGrowth はアップロードがない場合の平均成長率。
const NoGrowth = "0%"

// UploadSource は集計に使うアップロードの取得元。
type UploadSource interface {
	ListByUserID(ctx context.Context, userID string) ([]*model.Upload, error)
	CountActiveUsersSince(ctx context.Context, since int64) (int, error)
}

// UserSource は集計に使うユーザーの取得元。
type UserSource interface {
	List(ctx context.Context) ([]*model.User, error)
}

// Service は集計のサービス層。
type Service struct {
	users   UserSource
	uploads UploadSource
	now     func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(users UserSource, uploads UploadSource) *Service {
	return &Service{users: users, uploads: uploads, now: time.Now}
}

// SetNow は現在時刻の取得関数を差し替える。テスト用。
func (s *Service) SetNow(now func() time.Time) {
	s.now = now
}

// GetUserStats はユーザーのダッシュボード集計を返す。
func (s *Service) GetUserStats(ctx context.Context, userID string) (*model.UserStats, error) {
	uploads, err := s.uploads.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("アップロードの集計に失敗しました: %w", err)
	}

	weekAgo := s.now().UnixMilli() - weekWindow.Milliseconds()
	stats := &model.UserStats{
		TotalUploads:  len(uploads),
		ChartsCreated: len(uploads),
		AvgGrowth:     NoGrowth,
	}
	for _, u := range uploads {
		if u.UploadDate >= weekAgo {
			stats.ThisWeek++
		}
	}
	if len(uploads) > 0 {
		stats.AvgGrowth = PlaceholderGrowth
	}
	return stats, nil
}

// GetAdminStats は管理者向けの集計を返す。
func (s *Service) GetAdminStats(ctx context.Context) (*model.AdminStats, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの集計に失敗しました: %w", err)
	}

	nowMillis := s.now().UnixMilli()
	monthAgo := nowMillis - monthWindow.Milliseconds()
	stats := &model.AdminStats{TotalUsers: len(users)}
	for _, u := range users {
		if u.CreatedAt >= monthAgo {
			stats.NewThisMonth++
		}
		if u.IsAdmin() {
			stats.AdminUsers++
		}
	}

	active, err := s.uploads.CountActiveUsersSince(ctx, nowMillis-dayWindow.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("アクティブユーザーの集計に失敗しました: %w", err)
	}
	stats.ActiveToday = active
	return stats, nil
}
