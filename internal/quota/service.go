// Package quota はプリンシパルごとの固定ウィンドウ利用枠を管理する。
package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/chatrelay/internal/model"
	"github.com/hitoshi/chatrelay/internal/repository"
)

const (
	// DefaultMax は1ウィンドウあたりの既定の付与回数。
	DefaultMax = 50
	// DefaultWindow は既定のウィンドウ長。
	DefaultWindow = time.Hour
)

// Config は利用枠の設定。
type Config struct {
	Max    int
	Window time.Duration
}

// Service は固定ウィンドウの利用枠を付与するサービス層。
type Service struct {
	repo   repository.QuotaRepository
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(repo repository.QuotaRepository, config Config, logger *slog.Logger) *Service {
	if config.Max <= 0 {
		config.Max = DefaultMax
	}
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	return &Service{
		repo:   repo,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock は現在時刻の取得関数を差し替える。テスト用。
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// AuthorizeUsage はidentityの利用枠を1つ消費する。
//
// 拒否した場合は*model.QuotaExceededErrorとともに判定結果を返す。
// ストアのトランザクションが失敗した場合は*model.QuotaServiceErrorを返し、付与も拒否もしない。
func (s *Service) AuthorizeUsage(ctx context.Context, identityID string) (*model.QuotaDecision, error) {
	now := s.now()
	nowMs := now.UnixMilli()
	windowMs := s.config.Window.Milliseconds()

	var decision model.QuotaDecision
	err := s.repo.Apply(ctx, identityID, func(current model.QuotaRecord, exists bool) (model.QuotaRecord, bool) {
		newWindow := startsNewWindow(current, exists, nowMs, windowMs)
		decision = decide(current, newWindow, nowMs, windowMs, s.config.Max)
		if !decision.Granted {
			return current, false
		}

		next := model.QuotaRecord{
			IdentityID:  identityID,
			WindowStart: current.WindowStart,
			Count:       current.Count + 1,
			UpdatedAt:   now,
		}
		if newWindow {
			next.WindowStart = nowMs
			next.Count = 1
		}
		return next, true
	})
	if err != nil {
		s.logger.Error("利用枠の更新に失敗しました",
			slog.String("identity_id", identityID),
			slog.String("error", err.Error()),
		)
		return nil, &model.QuotaServiceError{Err: err}
	}

	if !decision.Granted {
		s.logger.Info("利用枠を超過しました",
			slog.String("identity_id", identityID),
			slog.Int("limit", decision.Limit),
			slog.Int64("reset_at", decision.ResetAt),
		)
		return &decision, &model.QuotaExceededError{
			Limit:   decision.Limit,
			ResetAt: decision.ResetAt,
			Now:     nowMs,
		}
	}

	return &decision, nil
}

// startsNewWindow はウィンドウ未開始、または期限切れで新しいウィンドウを開始すべきかを返す。
func startsNewWindow(current model.QuotaRecord, exists bool, nowMs, windowMs int64) bool {
	return !exists || current.WindowStart == 0 || nowMs-current.WindowStart >= windowMs
}

// decide は現在のレコードと時刻から判定結果を求める。副作用は持たない。
func decide(current model.QuotaRecord, newWindow bool, nowMs, windowMs int64, limit int) model.QuotaDecision {
	if newWindow {
		return model.QuotaDecision{
			Granted:   true,
			Limit:     limit,
			Remaining: limit - 1,
			ResetAt:   nowMs + windowMs,
		}
	}

	resetAt := current.WindowStart + windowMs
	if current.Count >= limit {
		return model.QuotaDecision{
			Granted:   false,
			Limit:     limit,
			Remaining: 0,
			ResetAt:   resetAt,
		}
	}

	return model.QuotaDecision{
		Granted:   true,
		Limit:     limit,
		Remaining: limit - (current.Count + 1),
		ResetAt:   resetAt,
	}
}
