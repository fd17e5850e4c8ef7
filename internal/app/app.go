package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/linkman/internal/actor"
	"github.com/hitoshi/linkman/internal/config"
	"github.com/hitoshi/linkman/internal/database"
	"github.com/hitoshi/linkman/internal/enrich/extract"
	"github.com/hitoshi/linkman/internal/enrich/metadata"
	"github.com/hitoshi/linkman/internal/enrich/summarize"
	"github.com/hitoshi/linkman/internal/event"
	"github.com/hitoshi/linkman/internal/eventstore"
	"github.com/hitoshi/linkman/internal/handler"
	"github.com/hitoshi/linkman/internal/logger"
	"github.com/hitoshi/linkman/internal/metrics"
	"github.com/hitoshi/linkman/internal/middleware"
	"github.com/hitoshi/linkman/internal/pipeline"
	"github.com/hitoshi/linkman/internal/security"
	"github.com/hitoshi/linkman/internal/settings"
	"github.com/hitoshi/linkman/internal/statestore"
)

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

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続と永続状態ストアを開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. アクター永続状態ストア（badger）
	// STATE_DIRが空の場合はインメモリになり、再起動で状態が失われる
	states, err := statestore.Open(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer states.Close()

	// 3. メトリクス
	promReg := prometheus.NewRegistry()
	collector := metrics.NewCollector(promReg)

	// 4. イベントストア
	// ウェイク先のレジストリはログより後に生成されるため、クロージャで遅延参照する
	var registry *actor.Registry
	sessions := eventstore.NewPostgresSessionStore(db)
	log := eventstore.NewNotifyingLog(
		eventstore.NewPostgresLog(db),
		eventstore.WakerFunc(func(storeID string, batch []event.Envelope) {
			if registry == nil {
				return
			}
			collector.RecordWake()
			registry.Wake(storeID, batch)
		}),
		slog.Default(),
	)

	// 5. セキュリティサービス
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()

	// 6. エンリッチメントコンポーネント
	metaFetcher := metadata.NewFetcher(ssrfGuard, cfg.FetchTimeout, cfg.FetchMaxSize)
	extractor := extract.NewExtractor(ssrfGuard, sanitizer, cfg.FetchTimeout, cfg.FetchMaxSize)
	summarizer := summarize.NewOpenAIClient(summarize.Config{
		Endpoint: cfg.SummaryEndpoint,
		Model:    cfg.SummaryModel,
		APIKey:   cfg.SummaryAPIKey,
		Timeout:  cfg.SummaryTimeout,
	})
	settingsRepo := settings.NewPostgresTenantSettingsRepo(db)

	// 7. パイプラインとアクターレジストリ
	processor := pipeline.NewProcessor(
		metaFetcher, extractor, summarizer, settingsRepo, collector,
		slog.Default(),
		pipeline.Config{
			MaxInputChars:    cfg.SummaryMaxInput,
			MaxSummaryTokens: cfg.SummaryMaxTokens,
		},
	)

	registry = actor.NewRegistry(actor.Deps{
		States:    states,
		Log:       log,
		Sessions:  sessions,
		Processor: processor,
		URLGuard:  ssrfGuard,
		Logger:    slog.Default(),
	})
	defer registry.Close()

	// 8. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer rateLimiter.Stop()

	adapter := &handler.RegistryAdapter{Registry: registry}
	router := handler.NewRouter(&handler.RouterDeps{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),
		Resolver:          adapter,
		SyncResolver:      adapter,
		Metrics:           collector,
		Gatherer:          promReg,
	})

	// 9. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
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
