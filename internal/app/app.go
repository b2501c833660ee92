package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/chatrelay/internal/auth"
	"github.com/hitoshi/chatrelay/internal/config"
	"github.com/hitoshi/chatrelay/internal/database"
	"github.com/hitoshi/chatrelay/internal/handler"
	"github.com/hitoshi/chatrelay/internal/logger"
	"github.com/hitoshi/chatrelay/internal/metrics"
	"github.com/hitoshi/chatrelay/internal/middleware"
	"github.com/hitoshi/chatrelay/internal/quota"
	"github.com/hitoshi/chatrelay/internal/relay"
	"github.com/hitoshi/chatrelay/internal/repository"
	"github.com/hitoshi/chatrelay/internal/security"
	"github.com/hitoshi/chatrelay/internal/upstream"
	"github.com/hitoshi/chatrelay/internal/worker/cleanup"
)

// cleanupInterval は利用枠レコードのクリーンアップ周期。
const cleanupInterval = time.Hour

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルの反映
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		slog.Warn("invalid LOG_LEVEL, using info", slog.String("error", err.Error()))
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	if len(args) > 0 {
		if _, ok := LookupCommand(args[0]); !ok {
			slog.Warn("unknown command, falling back to serve", slog.String("command", args[0]))
		}
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("quota_store", cfg.QuotaStore),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// quotaStore はクォータリポジトリと期限切れレコードの削除を兼ねるストア。
type quotaStore interface {
	repository.QuotaRepository
	repository.QuotaPruner
}

// openQuotaStore は設定に応じたクォータストアを開く。
// 戻り値の*sql.DBは呼び出し元が閉じる。
func openQuotaStore(cfg *config.Config) (*sql.DB, quotaStore, error) {
	switch cfg.QuotaStore {
	case config.QuotaStoreSQLite:
		db, err := database.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return db, repository.NewSQLiteQuotaRepo(db), nil

	default:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return db, repository.NewPostgresQuotaRepo(db), nil
	}
}

// runServe はリレーサーバーモードで起動する。
// クォータストアを開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. クォータストア
	db, quotaRepo, err := openQuotaStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open quota store: %w", err)
	}
	defer db.Close()

	slog.Info("quota store ready", slog.String("quota_store", cfg.QuotaStore))

	// 2. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewTextSanitizer()

	// 3. アクセスゲートの初期化
	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{
		HMACSecret:   cfg.JWTHMACSecret,
		PublicKeyPEM: cfg.JWTPublicKeyPEM,
		Issuer:       cfg.JWTIssuer,
		Audience:     cfg.JWTAudience,
	})
	if err != nil {
		return fmt.Errorf("failed to create token verifier: %w", err)
	}
	authService := auth.NewService(
		verifier,
		auth.NewPolicy(cfg.AllowedEmails, cfg.AllowedEmailDomains),
		slog.Default(),
	)
	quotaService := quota.NewService(quotaRepo, quota.Config{
		Max:    cfg.QuotaMax,
		Window: cfg.QuotaWindow,
	}, slog.Default())

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitPerMinute))
	defer rateLimiter.Stop()

	// 4. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 5. 上流クライアントとリレー
	// ストリームを途中で切らないよう、全体タイムアウトはリクエストごとのcontextで制御する
	upstreamClient := upstream.NewClient(&http.Client{}, ssrfGuard, collector, slog.Default(), upstream.Config{
		BaseURL:            cfg.UpstreamBaseURL,
		APIKey:             cfg.OpenAIAPIKey,
		BackendURL:         cfg.BackendURL,
		DefaultModel:       cfg.DefaultModel,
		AllowCustomBaseURL: cfg.AllowCustomBaseURL,
		BufferedTimeout:    cfg.UpstreamTimeout,
		StreamTimeout:      cfg.StreamTimeout,
	})
	chatRelay := relay.NewRelay(upstreamClient, sanitizer, collector, slog.Default(), relay.Config{
		StreamTimeout: cfg.StreamTimeout,
	})

	// 6. ルーターの構築
	deps := &handler.RouterDeps{
		HealthChecker:     db,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		Logger:            slog.Default(),

		Gate: middleware.GateDeps{
			Authorizer: authService,
			Usage:      quotaService,
			Limiter:    rateLimiter,
			Observer:   collector,
			Logger:     slog.Default(),
		},

		Upstream:   upstreamClient,
		ImageGuard: ssrfGuard,
		Metrics:    collector,

		Relay: chatRelay,
		WebSocket: handler.WebSocketConfig{
			AllowedOrigin:     cfg.CORSAllowedOrigin,
			MessagesPerMinute: cfg.RateLimitPerMinute,
		},

		Gatherer: registry,
	}

	router := handler.NewRouter(deps)

	// 7. HTTPサーバーの起動
	// 長時間のストリームとハイジャック済みのWebSocketは、シャットダウン時にベースcontextの解除で打ち切る
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	server := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// ストリーミング応答はハンドラー側で書き込み期限を外す
		WriteTimeout: cfg.UpstreamTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// 期限切れの利用枠レコードを定期的に削除する
	cleanupJob := cleanup.NewCleanupJob(quotaRepo, slog.Default(), cleanup.Config{
		Window:    cfg.QuotaWindow,
		Retention: cfg.QuotaRetention,
	})
	go cleanupJob.Start(baseCtx, cleanupInterval)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("relay server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down relay server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cancelBase()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("relay server stopped gracefully")
	return nil
}

// runMigrate はクォータストアのマイグレーションを実行する。
// PostgreSQLではすべての未適用マイグレーションを順番に適用する。
// SQLiteはオープン時にスキーマを作成する。
func runMigrate(cfg *config.Config) error {
	if cfg.QuotaStore == config.QuotaStoreSQLite {
		db, err := database.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		db.Close()
		slog.Info("sqlite schema is up to date", slog.String("path", cfg.SQLitePath))
		return nil
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	status, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(status.Version)),
		slog.Bool("changed", status.Changed),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
