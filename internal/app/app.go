// Package app は設定の読み込みと依存関係のワイヤリングを行い、サブコマンドを実行する。
package app

import (
	"context"
	"database/sql"
	"errors"
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

	"github.com/hitoshi/tweetwatch/internal/api"
	"github.com/hitoshi/tweetwatch/internal/config"
	"github.com/hitoshi/tweetwatch/internal/credential"
	"github.com/hitoshi/tweetwatch/internal/database"
	"github.com/hitoshi/tweetwatch/internal/gateway"
	"github.com/hitoshi/tweetwatch/internal/handler"
	"github.com/hitoshi/tweetwatch/internal/logger"
	"github.com/hitoshi/tweetwatch/internal/metrics"
	"github.com/hitoshi/tweetwatch/internal/middleware"
	"github.com/hitoshi/tweetwatch/internal/mutation"
	"github.com/hitoshi/tweetwatch/internal/navigation"
	"github.com/hitoshi/tweetwatch/internal/querycache"
	"github.com/hitoshi/tweetwatch/internal/security"
	"github.com/hitoshi/tweetwatch/internal/session"
	"github.com/hitoshi/tweetwatch/internal/storage"
	"github.com/hitoshi/tweetwatch/internal/timeline"
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
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
		slog.String("api_base_url", cfg.APIBaseURL),
	)

	switch {
	case cmd.needsDatabase():
		return runMigrate(cfg, cmd == CommandRollback)
	default:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, slog.Default())
	}
}

// components は起動時に組み立てた依存関係。
type components struct {
	handler http.Handler
	closers []func() error
}

// Close は組み立て時に確保した資源を逆順に解放する。
func (c *components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// build は設定から全依存関係をワイヤリングし、ダッシュボードAPIのハンドラーを構築する。
//
// 資格情報はSTORAGE_DATABASE_URLがあればPostgreSQLに、無ければプロセス内メモリに保存する。
// ログイン後の戻り先はセッションスコープなので常にメモリに保存する。
func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*components, error) {
	c := &components{}
	fail := func(err error) (*components, error) {
		c.Close()
		return nil, err
	}

	// 1. ストレージ
	credentialStorage, db, err := openStorage(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if db != nil {
		c.closers = append(c.closers, db.Close)
	}
	if closer, ok := credentialStorage.(io.Closer); ok {
		c.closers = append(c.closers, closer.Close)
	}

	// 2. 資格情報と認証状態
	creds := credential.NewStore(credentialStorage, log)
	observer := session.NewObserver(creds, log)
	returnTo := navigation.NewReturnTo(storage.NewMemory().Tab(), log)
	nav := navigation.ContextNavigator{Fallback: "/"}

	// 3. メトリクス
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	// 4. リモートAPI
	gw, err := gateway.New(gateway.Config{
		BaseURL:   cfg.APIBaseURL,
		LoginPath: cfg.LoginPath,
		RateLimit: cfg.APIRateLimit,
		Burst:     cfg.APIRateBurst,
	}, gateway.Deps{
		HTTPClient:  &http.Client{Timeout: cfg.RequestTimeout},
		Credentials: creds,
		ReturnTo:    returnTo,
		Navigator:   nav,
		Metrics:     collector,
		Logger:      log,
	})
	if err != nil {
		return fail(fmt.Errorf("failed to create gateway: %w", err))
	}
	client := api.NewClient(gw)

	// 5. 結果キャッシュとフィード
	cache := querycache.New(querycache.Config{Metrics: collector, Logger: log})
	queries := api.NewQueries(client, cache, api.DefaultPolicy(cfg.QueryMaxRetries))
	composer := timeline.NewComposer(queries, collector, log, cfg.FeedPageSize)

	// 6. 変更操作
	coord := mutation.New(mutation.Deps{
		Remote:      client,
		Cache:       cache,
		Credentials: creds,
		ReturnTo:    returnTo,
		Navigator:   nav,
		LoginPath:   cfg.LoginPath,
		Logger:      log,
	})

	// 7. ルーター
	limiter := middleware.NewLoginLimiter(middleware.DefaultLoginLimiterConfig(), log)
	c.closers = append(c.closers, func() error { limiter.Stop(); return nil })

	var health handler.HealthChecker
	if db != nil {
		health = db
	}

	c.handler = handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CookieSecure:      cfg.CookieSecure,
		LoginPath:         cfg.LoginPath,
		LoginLimiter:      limiter,

		Session:     observer,
		Credentials: creds,
		CurrentUser: queries,
		Sessions:    coord,

		Composer:  composer,
		Bookmarks: coord,
		Sanitizer: security.NewPostSanitizer(),

		NamedFeeds:     queries,
		NamedFeedEdits: coord,

		Media: security.NewMediaProxy(security.NewSafeClient(cfg.MediaFetchTimeout), cfg.MediaMaxSize),

		HealthChecker: health,
		Gatherer:      reg,
	})

	return c, nil
}

// openStorage は資格情報のストレージを開く。PostgreSQLを使う場合はマイグレーションも適用する。
func openStorage(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Storage, *sql.DB, error) {
	if cfg.StorageDatabaseURL == "" {
		log.Info("using in-memory credential storage")
		return storage.NewMemory().Tab(), nil, nil
	}

	db, err := database.Open(cfg.StorageDatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := database.Ping(ctx, db, 5*time.Second); err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := database.RunMigrations(cfg.StorageDatabaseURL); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migration failed: %w", err)
	}

	pg, err := storage.NewPostgres(db, cfg.StorageDatabaseURL, cfg.StorageOrigin, log)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	log.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.StorageDatabaseURL)),
		slog.String("origin", cfg.StorageOrigin),
	)
	return pg, db, nil
}

// serve はダッシュボードAPIサーバーを起動し、ctxが終了するとグレースフルシャットダウンする。
func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	c, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	ln, err := net.Listen("tcp", ":"+cfg.ServerPort)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	server := &http.Server{
		Handler:      c.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // /api/session/events は長時間接続
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down API server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runMigrate は資格情報ストレージのマイグレーションを適用する。
// downがtrueの場合は直近のマイグレーションを1つ戻す。
func runMigrate(cfg *config.Config, down bool) error {
	if cfg.StorageDatabaseURL == "" {
		return fmt.Errorf("STORAGE_DATABASE_URL is required for migrate")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.StorageDatabaseURL)),
		slog.Bool("down", down),
	)

	apply := database.RunMigrations
	if down {
		apply = database.RollbackMigration
	}
	if err := apply(cfg.StorageDatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.MigrationVersion(cfg.StorageDatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	slog.Info("database migrations completed",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
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
