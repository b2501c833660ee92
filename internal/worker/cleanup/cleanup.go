// Package cleanup は使われなくなった利用枠レコードの自動削除ジョブを提供する。
// ウィンドウが終了してから保持期間を過ぎたレコードを定期的に削除する。
// 削除されたidentityは次のリクエストで新しいウィンドウから数え直されるため、判定結果は変わらない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Pruner は利用枠レコードの一括削除を抽象化するインターフェース。
// repository.QuotaPruner を満たす実装を受け付ける。
type Pruner interface {
	DeleteStale(ctx context.Context, before int64) (int64, error)
}

// Config はクリーンアップジョブの設定を保持する。
type Config struct {
	// Window は利用枠のウィンドウ長
	Window time.Duration
	// Retention はウィンドウ終了後にレコードを残しておく期間
	Retention time.Duration
}

// CleanupJob は期限切れの利用枠レコードを削除するジョブ。
// 冪等: 削除対象がない場合でもエラーにならない。
type CleanupJob struct {
	pruner Pruner
	logger *slog.Logger
	config Config
	now    func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(pruner Pruner, logger *slog.Logger, config Config) *CleanupJob {
	return &CleanupJob{
		pruner: pruner,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Cutoff は削除対象となるwindow_startの上限（ミリ秒単位のUNIX時刻）を返す。
func (j *CleanupJob) Cutoff() int64 {
	return j.now().Add(-j.config.Window - j.config.Retention).UnixMilli()
}

// Run は期限切れの利用枠レコードを1回削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := j.Cutoff()

	deletedCount, err := j.pruner.DeleteStale(ctx, cutoff)
	if err != nil {
		j.logger.Error("quota cleanup failed",
			slog.String("error", err.Error()),
			slog.Int64("cutoff", cutoff),
		)
		return fmt.Errorf("quota cleanup failed: %w", err)
	}

	j.logger.Info("quota cleanup completed",
		slog.Int64("deleted_count", deletedCount),
		slog.Int64("cutoff", cutoff),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start はintervalごとにRunを呼び出す。ctxが解除されるまでブロックする。
// 起動直後に1回実行する。個々の失敗はログに残して次の周期へ進む。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	_ = j.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("quota cleanup stopped")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
