package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/chatrelay/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	Rate            rate.Limit    // プリンシパルごとのレート（req/sec）
	Burst           int           // バーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。30 req/min/identity。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfigPerMinute(30)
}

// RateLimiterConfigPerMinute は1分あたりのリクエスト数からレート制限設定を生成する。
func RateLimiterConfigPerMinute(perMinute int) RateLimiterConfig {
	if perMinute <= 0 {
		perMinute = 30
	}
	return RateLimiterConfig{
		Rate:            rate.Limit(float64(perMinute) / 60.0),
		Burst:           perMinute,
		CleanupInterval: 5 * time.Minute,
	}
}

// keyLimiter はキーごとのレートリミッターとアクセス時刻を保持する。
type keyLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter はプリンシパルごとの短時間のバーストを抑制する。
// 固定ウィンドウの利用枠より手前で、同一プリンシパルからの連打でストアに負荷が集中するのを防ぐ。
type RateLimiter struct {
	config RateLimiterConfig

	mu       sync.RWMutex
	limiters map[string]*keyLimiter

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:   config,
		limiters: make(map[string]*keyLimiter),
		stopCh:   make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Allow はキーのトークンを1つ消費できればtrueを返す。
func (rl *RateLimiter) Allow(key string) bool {
	ok, _ := rl.Check(key)
	return ok
}

// Check はキーのトークンを1つ消費する。消費できない場合は消費せず、
// 次のトークンが補充されるまでの待ち時間を返す。
func (rl *RateLimiter) Check(key string) (bool, time.Duration) {
	reservation := rl.getOrCreateLimiter(key).Reserve()
	if !reservation.OK() {
		// Burstが0の場合などトークンが補充されない設定
		return false, time.Minute
	}
	delay := reservation.Delay()
	if delay == 0 {
		return true, 0
	}
	reservation.Cancel()
	return false, delay
}

// Middleware はプリンシパルごとのレート制限ミドルウェアを返す。
// リクエストコンテキストにプリンシパルが含まれている必要がある（認証ミドルウェアの後に配置）。
// observerはnil可。
func (rl *RateLimiter) Middleware(observer GateObserver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := IdentityFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
				return
			}

			if ok, retryAfter := rl.Check(identity.ID); !ok {
				observe(observer, GateOutcomeRateLimited)
				slog.Warn("rate limit exceeded",
					slog.String("identity_id", identity.ID),
					slog.Duration("retry_after", retryAfter),
				)
				writeRateLimitResponse(w, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LimiterCount は現在管理されているリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) LimiterCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.limiters)
}

// getOrCreateLimiter はキーのリミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	kl, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		rl.mu.Lock()
		kl.lastAccess = time.Now()
		rl.mu.Unlock()
		return kl.limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// ダブルチェック
	if kl, exists := rl.limiters[key]; exists {
		kl.lastAccess = time.Now()
		return kl.limiter
	}

	limiter := rate.NewLimiter(rl.config.Rate, rl.config.Burst)
	rl.limiters[key] = &keyLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()

	rl.mu.Lock()
	for key, kl := range rl.limiters {
		if now.Sub(kl.lastAccess) > ttl {
			delete(rl.limiters, key)
		}
	}
	rl.mu.Unlock()
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterは次のトークンが補充されるまでの時間。
func writeRateLimitResponse(w http.ResponseWriter, retryAfter time.Duration) {
	setRetryAfter(w, retryAfter)
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
}
