package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// OrphanSourceSweeper は未参照の原本を削除する。upload.Service が満たす。
type OrphanSourceSweeper interface {
	SweepOrphanedSources(ctx context.Context, grace time.Duration) (int, error)
}

// OrphanSourceJob はチャートとして保存されなかったスプレッドシート原本を削除するジョブ。
type OrphanSourceJob struct {
	sweeper OrphanSourceSweeper
	grace   time.Duration
	logger  *slog.Logger
}

// NewOrphanSourceJob は新しいOrphanSourceJobを生成する。
// grace より新しい原本は保存途中とみなして残す。
func NewOrphanSourceJob(sweeper OrphanSourceSweeper, grace time.Duration, logger *slog.Logger) *OrphanSourceJob {
	return &OrphanSourceJob{sweeper: sweeper, grace: grace, logger: logger}
}

// Name はジョブ名を返す。
func (j *OrphanSourceJob) Name() string {
	return "orphan_source_sweep"
}

// Run は未参照の原本を削除する。
func (j *OrphanSourceJob) Run(ctx context.Context) error {
	start := time.Now()

	deleted, err := j.sweeper.SweepOrphanedSources(ctx, j.grace)
	if err != nil {
		j.logger.Error("原本クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("原本クリーンアップの実行に失敗: %w", err)
	}

	j.logger.Info("原本クリーンアップジョブが完了しました",
		slog.Int("deleted_count", deleted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

var _ Job = (*OrphanSourceJob)(nil)
