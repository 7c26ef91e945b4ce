// Package cleanup は期限切れデータの定期削除ジョブを提供する。
// 有効期限を過ぎたセッションと、どのアップロードからも参照されない原本を一定間隔で削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ExpiredSessionDeleter は期限切れセッションを削除する。
// repository.SessionRepository が満たす。
type ExpiredSessionDeleter interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// SessionSweepJob は有効期限を過ぎたセッションを削除するジョブ。
// 削除対象がない場合でもエラーにならない。
type SessionSweepJob struct {
	sessions ExpiredSessionDeleter
	logger   *slog.Logger
}

// NewSessionSweepJob は新しいSessionSweepJobを生成する。
func NewSessionSweepJob(sessions ExpiredSessionDeleter, logger *slog.Logger) *SessionSweepJob {
	return &SessionSweepJob{
		sessions: sessions,
		logger:   logger,
	}
}

// Name はジョブ名を返す。
func (j *SessionSweepJob) Name() string {
	return "session_sweep"
}

// Run は期限切れセッションを削除する。
func (j *SessionSweepJob) Run(ctx context.Context) error {
	start := time.Now()

	deletedCount, err := j.sessions.DeleteExpired(ctx)
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

var _ Job = (*SessionSweepJob)(nil)
