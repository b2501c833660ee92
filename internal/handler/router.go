package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/chatrelay/internal/metrics"
	"github.com/hitoshi/chatrelay/internal/middleware"
	"github.com/hitoshi/chatrelay/internal/relay"
	"github.com/hitoshi/chatrelay/internal/security"
)

// HealthChecker はヘルスチェックで疎通を確認する依存。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	HealthChecker     HealthChecker
	CORSAllowedOrigin string
	Logger            *slog.Logger

	// アクセスゲート
	Gate middleware.GateDeps

	// チャット
	Upstream   UpstreamService
	ImageGuard security.SSRFGuardService
	Metrics    metrics.MetricsCollector

	// チャネル（nilの場合は/wsを公開しない）
	Relay     *relay.Relay
	WebSocket WebSocketConfig

	// Prometheus（nilの場合は/metricsを公開しない）
	Gatherer prometheus.Gatherer
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → (チャットのみ) Gate
//
// /wsは接続時にゲートを通さない。認可コンテキストはメッセージごとに運ばれる。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	// --- ゲート不要のルート ---

	r.Get("/health", healthHandler(deps.HealthChecker))

	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	if deps.Relay != nil {
		r.Handle("/ws", NewWebSocketHandler(deps.Relay, deps.ImageGuard, logger, deps.WebSocket))
	}

	// --- ゲートが必要なルート ---
	chatHandler := NewChatHandler(deps.Upstream, deps.ImageGuard, deps.Metrics, logger)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewGateMiddleware(deps.Gate))

		r.Post("/chat", chatHandler.Chat)
		r.Post("/chat/stream", chatHandler.Stream)
	})

	return r
}

// healthHandler はデータストアへの疎通を確認する。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
}
