package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job はスケジューラが定期実行する処理。
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler は登録されたジョブを一定間隔で実行する。
// 1サイクル内のジョブは並列に実行し、全て終わるまで次のサイクルに進まない。
type Scheduler struct {
	jobs   []Job
	logger *slog.Logger
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(logger *slog.Logger, jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs:   jobs,
		logger: logger,
	}
}

// Start はintervalごとにジョブを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("クリーンアップスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("job_count", len(s.jobs)),
	)

	// 起動直後に1回実行
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("クリーンアップスケジューラを停止しました")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce は全ジョブを1回ずつ実行し、失敗したジョブの数を返す。
// ジョブの失敗はログに記録し、他のジョブの実行は継続する。
func (s *Scheduler) RunOnce(ctx context.Context) int {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)

	for _, job := range s.jobs {
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			if err := j.Run(ctx); err != nil {
				s.logger.Error("クリーンアップジョブが失敗しました",
					slog.String("job", j.Name()),
					slog.String("error", err.Error()),
				)
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(job)
	}

	wg.Wait()
	return failed
}
