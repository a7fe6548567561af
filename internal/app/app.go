// Package app はアプリケーションの起動と依存関係のワイヤリングを提供する。
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

	"github.com/hitoshi/talkgate/internal/chat"
	"github.com/hitoshi/talkgate/internal/config"
	"github.com/hitoshi/talkgate/internal/database"
	"github.com/hitoshi/talkgate/internal/enrich"
	"github.com/hitoshi/talkgate/internal/handler"
	"github.com/hitoshi/talkgate/internal/logger"
	"github.com/hitoshi/talkgate/internal/metrics"
	"github.com/hitoshi/talkgate/internal/ratelimit"
	"github.com/hitoshi/talkgate/internal/repository"
	"github.com/hitoshi/talkgate/internal/security"
	"github.com/hitoshi/talkgate/internal/submission"
	"github.com/hitoshi/talkgate/internal/worker/autothread"
	"github.com/hitoshi/talkgate/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "info")

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再セットアップする
	logger.SetupDefault(w, cfg.LogLevel)

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
		slog.String("autothread_mode", string(cfg.AutothreadMode)),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// newChatClient はチャットクライアントを構築する。
// CHAT_DISABLEDが設定されている場合はNoop実装を返す。
func newChatClient(cfg *config.Config, collector *metrics.Collector) chat.Client {
	if cfg.ChatDisabled {
		slog.Warn("chat operations are disabled, using noop client")
		return chat.NewNoopClient(slog.Default())
	}

	client := chat.NewRESTClient(
		&http.Client{Timeout: cfg.ChatAPITimeout},
		slog.Default(),
		chat.RESTConfig{
			BaseURL:    cfg.ChatAPIBaseURL,
			BotToken:   cfg.ChatBotToken,
			GuildID:    cfg.ChatGuildID,
			RatePerSec: cfg.ChatAPIRatePerSec,
		},
	)
	if collector != nil {
		client.SetStatusRecorder(collector)
	}
	return client
}

// newNamer はスレッド名生成サービスを構築する。
// APIキー未設定または無効化時はnilを返す（決定論的命名のみで動作する）。
func newNamer(cfg *config.Config) autothread.Namer {
	if cfg.EnrichDisabled || cfg.OpenAIAPIKey == "" {
		return nil
	}
	namer, err := enrich.NewOpenAINamer(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.EnrichTimeout)
	if err != nil {
		slog.Warn("failed to initialize AI namer, falling back to deterministic naming",
			slog.String("error", err.Error()),
		)
		return nil
	}
	return namer
}

// repoSet はエンジン構築用のリポジトリ束。
type repoSet struct {
	cursors   repository.ChannelCursorRepository
	processed repository.ProcessedMessageRepository
	runs      repository.AutothreadRunRepository
	stats     repository.ThreadStatsRepository
}

// newEngine は自動スレッド化エンジンを構築する。
func newEngine(cfg *config.Config, repos *repoSet, chatClient chat.Client, collector *metrics.Collector) *autothread.Engine {
	return autothread.NewEngine(
		chatClient,
		repos.cursors,
		repos.processed,
		repos.runs,
		repos.stats,
		newNamer(cfg),
		collector,
		slog.Default(),
		autothread.Config{
			Mode:               cfg.AutothreadMode,
			ChannelAllow:       cfg.AutothreadChannelAllow,
			MaxChannelsPerRun:  cfg.AutothreadMaxChannels,
			MaxThreadsPerRun:   cfg.AutothreadMaxThreads,
			MaxPagesPerChannel: cfg.AutothreadMaxPages,
			MinContentLen:      cfg.AutothreadMinContentLen,
			CooldownWindow:     cfg.AutothreadCooldownWindow,
			CooldownMax:        cfg.AutothreadCooldownMax,
			ArchiveMinutes:     cfg.AutothreadArchiveMinutes,
		},
	)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
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

	// 2. リポジトリの初期化
	submissionRepo := repository.NewPostgresSubmissionRepo(db)
	rateLimitRepo := repository.NewPostgresRateLimitRepo(db)
	cursorRepo := repository.NewPostgresChannelCursorRepo(db)
	processedRepo := repository.NewPostgresProcessedMessageRepo(db)
	runRepo := repository.NewPostgresAutothreadRunRepo(db)
	statsRepo := repository.NewPostgresThreadStatsRepo(db)

	// 3. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. セキュリティサービスとチャットクライアントの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()
	chatClient := newChatClient(cfg, collector)

	// 5. レート制限の初期化
	limiter, err := ratelimit.NewLimiter(rateLimitRepo, slog.Default(), ratelimit.Config{
		MaxRequests: cfg.RateLimitMaxRequests,
		Window:      cfg.RateLimitWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize rate limiter: %w", err)
	}

	// 6. ドメインサービスの初期化
	submissionService := submission.NewService(
		submissionRepo, chatClient, sanitizer, ssrfGuard,
		collector, slog.Default(), cfg.AnnounceChannelID,
	)
	// 参考URLの到達性確認（DNS再バインディング対策込み）
	submissionService.SetSafeClient(ssrfGuard.NewSafeClient(10 * time.Second))

	// 管理APIからの手動実行用エンジン
	engine := newEngine(cfg, &repoSet{
		cursors:   cursorRepo,
		processed: processedRepo,
		runs:      runRepo,
		stats:     statsRepo,
	}, chatClient, collector)

	// 7. ルーターの構築
	router := handler.NewRouter(&handler.RouterDeps{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		AdminToken:        cfg.AdminToken,
		RateLimiter:       limiter,
		RejectionRecorder: collector,
		Logger:            slog.Default(),

		SubmissionService: submissionService,
		AutothreadRunner:  engine,
		RunHistory:        runRepo,

		DB:             db,
		MetricsHandler: metrics.Handler(registry),
	})

	// 8. HTTPサーバーの起動
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

// runWorker はワーカーモードで起動する。
// DB接続を開き、自動スレッド化エンジンとクリーンアップジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	rateLimitRepo := repository.NewPostgresRateLimitRepo(db)
	cursorRepo := repository.NewPostgresChannelCursorRepo(db)
	processedRepo := repository.NewPostgresProcessedMessageRepo(db)
	runRepo := repository.NewPostgresAutothreadRunRepo(db)
	statsRepo := repository.NewPostgresThreadStatsRepo(db)

	// 3. メトリクスの初期化（ワーカーはスクレイプ対象外だが集計は共有実装を使う）
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. エンジンの初期化
	chatClient := newChatClient(cfg, collector)
	engine := newEngine(cfg, &repoSet{
		cursors:   cursorRepo,
		processed: processedRepo,
		runs:      runRepo,
		stats:     statsRepo,
	}, chatClient, collector)

	// 5. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(rateLimitRepo, processedRepo, runRepo, slog.Default())
	cleanupJob.RateLimitRetention = cfg.RateLimitRetention
	cleanupJob.ProcessedRetention = cfg.ProcessedRetention
	cleanupJob.RunRetention = cfg.RunRetention

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("interval", cfg.AutothreadInterval),
		slog.String("mode", string(cfg.AutothreadMode)),
	)

	// クリーンアップジョブを日次でバックグラウンド実行
	go cleanupJob.Start(ctx)

	// 時間予算が設定されている場合は常駐せず、予算内でサイクルを
	// 繰り返してから終了する（外部スケジューラからの起動向け）。
	if cfg.AutothreadRunBudget > 0 {
		engine.RunLoop(ctx, cfg.AutothreadRunBudget, cfg.AutothreadInterval, 0)
		slog.Info("worker finished within run budget")
		return nil
	}

	// エンジンをメインgoroutineで実行（ブロッキング）
	engine.Start(ctx, cfg.AutothreadInterval)

	slog.Info("worker stopped gracefully")
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
// /healthz エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/healthz", port)
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
