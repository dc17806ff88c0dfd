// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/convert-forge/internal/config"
	"github.com/yourusername/convert-forge/internal/convert"
	"github.com/yourusername/convert-forge/internal/engine"
	"github.com/yourusername/convert-forge/internal/jobs"
	"github.com/yourusername/convert-forge/internal/metrics"
	"github.com/yourusername/convert-forge/internal/notify"
	"github.com/yourusername/convert-forge/internal/storage"
)

const (
	serviceName    = "convert-forge-api"
	serviceVersion = "0.1.0"
	// multipart のヘッダー分としてファイル上限に上乗せするバイト数
	multipartOverhead = 1 << 20
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := initLogger(cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

// initLogger は JSON 形式の slog ロガーを既定に設定します。
func initLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// app はサーバーが使うコンポーネント一式です。
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	storage   *storage.Local
	metrics   *metrics.Metrics
	manager   *jobs.Manager
	collector *jobs.Collector
	service   *convert.Service
	webhook   *notify.Webhook
	redis     *redis.Client
	// mirror は回収済みジョブの状態を引くための Redis 写しです（未設定なら nil）。
	mirror statusMirror
}

func run(cfg *config.Config, logger *slog.Logger) error {
	a, err := setupApp(cfg, logger)
	if err != nil {
		return err
	}
	if a.redis != nil {
		defer a.redis.Close()
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)
	router := gin.Default()
	router.Use(cors.New(corsConfig(cfg)))
	setupRoutes(router, a)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting API server",
			slog.String("addr", server.Addr),
			slog.String("mode", cfg.GinMode),
			slog.Int("max_workers", cfg.MaxWorkers),
			slog.Int("max_queue_size", cfg.MaxQueueSize),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.collector.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		return a.shutdown(shutdownCtx, server)
	})
	return g.Wait()
}

// setupApp は設定からコンポーネントを組み立てます。
func setupApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := storage.NewLocal(filepath.Join(cfg.TempDir, "jobs"))
	if err != nil {
		return nil, err
	}
	// 前回の実行で残ったワークスペースはレジストリに載っていないため削除する
	if n, err := store.Purge(); err != nil {
		logger.Warn("failed to purge stale workspaces", slog.Any("error", err))
	} else if n > 0 {
		logger.Info("purged stale workspaces", slog.Int("count", n))
	}

	engines := []engine.Engine{
		engine.NewLibreOffice(cfg.LibreOfficePath, filepath.Join(cfg.TempDir, "profiles")),
		engine.NewDocx2PDF(cfg.Docx2PDFPath),
	}
	for i, eng := range engines {
		logger.Info("conversion engine",
			slog.String("engine", eng.Name()),
			slog.Bool("available", eng.Available()),
			slog.Int("priority", i),
		)
	}

	m := metrics.New()
	downloadURL := func(jobID string) string {
		return convert.DownloadURL(cfg.JobResultBaseURL, jobID)
	}

	webhook := notify.NewWebhook(notify.WebhookOptions{
		Timeout:     cfg.CallbackTimeout(),
		DownloadURL: downloadURL,
		Logger:      logger,
	})
	notifiers := notify.Multi{webhook}

	a := &app{cfg: cfg, logger: logger, storage: store, metrics: m, webhook: webhook}
	if cfg.RedisURL != "" {
		client, publisher, err := setupRedis(cfg, downloadURL, logger)
		if err != nil {
			return nil, err
		}
		a.redis = client
		a.mirror = publisher
		notifiers = append(notifiers, publisher)
	}

	registry := jobs.NewRegistry()
	pool := jobs.NewPool(cfg.MaxWorkers, cfg.MaxQueueSize,
		jobs.WithPoolLogger(logger),
		jobs.WithPoolObserver(m.PoolChanged),
	)
	a.manager, err = jobs.NewManager(jobs.Options{
		Registry: registry,
		Pool:     pool,
		Engines:  engines,
		Timeouts: []time.Duration{cfg.ConversionTimeout(), cfg.FallbackTimeout()},
		Verifier: engine.PDFVerifier{},
		Notifier: notifiers,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	a.collector, err = jobs.NewCollector(jobs.CollectorOptions{
		Registry:      registry,
		Retention:     cfg.Retention(),
		Interval:      cfg.CleanupInterval(),
		DownloadGrace: cfg.DownloadGrace(),
		Metrics:       m,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	a.service, err = convert.NewService(store, a.manager, cfg.MaxFileSize, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func setupRedis(cfg *config.Config, downloadURL notify.URLFunc, logger *slog.Logger) (*redis.Client, *notify.Redis, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opt)
	publisher, err := notify.NewRedis(client, notify.RedisOptions{
		Channel:     cfg.RedisEventChannel,
		TTL:         cfg.RedisStatusTTL(),
		DownloadURL: downloadURL,
		Logger:      logger,
	})
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := publisher.Ping(ctx); err != nil {
		// 配信は補助的なので起動は続ける
		logger.Warn("redis is not reachable; events will be dropped until it recovers", slog.Any("error", err))
	}
	return client, publisher, nil
}

// shutdown は受付停止、ジョブの終了待ち、通知の送信待ち、ファイルの回収の順に停止します。
func (a *app) shutdown(ctx context.Context, server *http.Server) error {
	var errs []error
	if err := server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	}
	if err := a.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("job manager shutdown: %w", err))
	}
	if err := a.webhook.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("webhook drain: %w", err))
	}
	pending := a.collector.Pending()
	n := a.collector.ReclaimAll(context.Background())
	a.logger.Info("reclaimed jobs on shutdown", slog.Int("count", n), slog.Int("pending_downloads", pending))
	if _, err := a.storage.Purge(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func corsConfig(cfg *config.Config) cors.Config {
	conf := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	if len(origins) == 1 && origins[0] == "*" {
		conf.AllowAllOrigins = true
	} else {
		conf.AllowOrigins = origins
	}
	conf.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	conf.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	// ダウンロード時にファイル名とジョブIDを読めるように公開
	conf.ExposeHeaders = []string{"Content-Disposition", "X-Job-Id", "Retry-After"}
	return conf
}

// healthHandler はヘルスチェックエンドポイントのハンドラーです。
func healthHandler(reader jobReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := reader.Stats()
		active := stats.Counts[jobs.StatusQueued] + stats.Counts[jobs.StatusProcessing]
		engines := availableEngineNames(stats.Engines)

		status := "ok"
		if len(engines) == 0 {
			status = "degraded"
		}

		utilization := 0.0
		if stats.Workers > 0 {
			utilization = float64(stats.Running) / float64(stats.Workers) * 100
		}

		c.JSON(http.StatusOK, gin.H{
			"status":            status,
			"service":           serviceName,
			"version":           serviceVersion,
			"engines":           engines,
			"maxWorkers":        stats.Workers,
			"activeConversions": active,
			"workerUtilization": fmt.Sprintf("%.1f%%", utilization),
			"currentLoad":       loadLevel(active, stats.Workers),
			"timestamp":         time.Now().UTC(),
		})
	}
}

func loadLevel(active, workers int) string {
	switch {
	case workers <= 0:
		return "unknown"
	case float64(active) > float64(workers)*0.8:
		return "high"
	case float64(active) > float64(workers)*0.5:
		return "medium"
	default:
		return "low"
	}
}

// setupRoutes はルーティングの配線を行います。
func setupRoutes(router *gin.Engine, a *app) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/", healthHandler(a.manager))
	router.GET("/health", healthHandler(a.manager))
	router.GET("/metrics", gin.WrapH(a.metrics.Handler()))

	downloadURL := func(jobID string) string {
		return convert.DownloadURL(a.cfg.JobResultBaseURL, jobID)
	}

	api := router.Group("/api")
	{
		api.POST("/convert", convert.ConvertHandler(a.service, a.cfg.MaxFileSize+multipartOverhead))
		api.GET("/queue", queueStatusHandler(a.manager))

		jobRoutes := api.Group("/jobs")
		{
			jobRoutes.GET("/:id", jobStatusHandler(a.manager, a.mirror, downloadURL))
			jobRoutes.GET("/:id/download", jobDownloadHandler(a.manager, a.collector))
			jobRoutes.GET("/:id/pdf", jobPDFHandler(a.manager))
			jobRoutes.DELETE("/:id", jobDeleteHandler(a.collector))
		}
	}
}
