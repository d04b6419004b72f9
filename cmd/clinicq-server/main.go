package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clinicq/clinicq/internal/config"
	"github.com/clinicq/clinicq/internal/domain/queue"
	"github.com/clinicq/clinicq/internal/domain/wallet"
	"github.com/clinicq/clinicq/internal/platform/db"
	"github.com/clinicq/clinicq/internal/platform/logging"
	"github.com/clinicq/clinicq/internal/platform/metrics"
	"github.com/clinicq/clinicq/internal/platform/middleware"
	"github.com/clinicq/clinicq/internal/platform/notification"
	"github.com/clinicq/clinicq/internal/platform/telemetry"
	"github.com/clinicq/clinicq/internal/platform/webhook"
	"github.com/clinicq/clinicq/internal/platform/websocket"
	"github.com/clinicq/clinicq/migrations"
)

const (
	version        = "0.1.0"
	requestTimeout = 30 * time.Second
	dedupeTTL      = 24 * time.Hour
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinicq-server",
		Short: "Appointment queue and wallet API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(logging.Options{
		Level:    cfg.LogLevel,
		Console:  cfg.IsDev(),
		FilePath: cfg.LogFile,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "clinicq-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		OTLPInsecure:   cfg.OTLPInsecure,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Redis is optional: without it progress is never cached and
	// notifications are only logged. Live boards work either way.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		logger.Info().Str("addr", opts.Addr).Msg("redis configured")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app, err := buildApp(cfg, pool, rdb, reg, logger)
	if err != nil {
		return err
	}

	e := newEcho(cfg, logger)
	app.register(e.Group("/api/v1"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	var checks []db.Check
	if rdb != nil {
		checks = append(checks, db.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	e.GET("/health/db", db.HealthHandler(pool, checks...))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newEcho(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(telemetry.Middleware())
	e.Use(middleware.RequestTimeout(requestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Actor-ID"},
	}))
	e.Use(middleware.Actor(middleware.ActorConfig{
		JWTSecret:   cfg.JWTSecret,
		TrustHeader: cfg.IsDev(),
	}))
	return e
}

// app holds the wired services behind the HTTP routes.
type app struct {
	queue      *queue.Service
	wallet     *wallet.Service
	dispatcher *notification.Dispatcher
	board      *websocket.Handler
}

func (a *app) register(api *echo.Group) {
	queue.NewHandler(a.queue).RegisterRoutes(api)
	wallet.NewHandler(a.wallet).RegisterRoutes(api)
	a.board.RegisterRoutes(api)
}

// buildApp wires repositories, the wallet and the queue engine. rdb may be
// nil.
func buildApp(cfg *config.Config, pool db.TxBeginner, rdb *redis.Client, reg prometheus.Registerer, logger zerolog.Logger) (*app, error) {
	qcfg, err := queueConfig(cfg)
	if err != nil {
		return nil, err
	}

	var (
		sinks notification.Fanout
		cache queue.ProgressCache
	)
	hub := websocket.NewHub(logger)
	dispOpts := []notification.DispatcherOption{notification.WithMetrics(metrics.NewNotifyMetrics(reg))}
	if rdb != nil {
		sinks = append(sinks, notification.NewRedisStreamSink(rdb, cfg.NotifyStream))
		dispOpts = append(dispOpts, notification.WithDeduper(notification.NewRedisDeduper(rdb, dedupeTTL)))
		cache = queue.NewRedisProgressCache(rdb, cfg.ProgressCacheTTL, logger)
	}
	if cfg.NotifyWebhookURL != "" {
		hook, err := webhook.NewSink(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, hook)
	}
	if len(sinks) == 0 {
		sinks = append(sinks, notification.LogSink{Logger: logger})
	}
	dispatcher := notification.NewDispatcher(sinks, cfg.NotifyBuffer, logger, dispOpts...)
	board := queue.NewLiveBoard(cache, hub, logger)

	txm := db.NewTxManager(pool)
	schedules := queue.NewScheduleRepoPG(pool)
	appts := queue.NewAppointmentRepoPG(pool)

	walletSvc := wallet.NewService(txm, wallet.NewRepoPG(pool), schedules, appts,
		wallet.WithStartingBalance(cfg.StartingWalletBalance),
		wallet.WithNotifier(dispatcher),
		wallet.WithProgressCache(board),
		wallet.WithMetrics(metrics.NewWalletMetrics(reg)),
		wallet.WithLogger(logger),
	)
	queueSvc := queue.NewService(txm, schedules, appts, qcfg,
		queue.WithPayer(walletSvc),
		queue.WithRefunder(walletSvc),
		queue.WithNotifier(dispatcher),
		queue.WithProgressCache(board),
		queue.WithMetrics(metrics.NewQueueMetrics(reg)),
		queue.WithLogger(logger),
	)

	return &app{
		queue:      queueSvc,
		wallet:     walletSvc,
		dispatcher: dispatcher,
		board:      websocket.NewHandler(hub, cfg.CORSOrigins),
	}, nil
}

func queueConfig(cfg *config.Config) (queue.Config, error) {
	loc, err := cfg.Location()
	if err != nil {
		return queue.Config{}, fmt.Errorf("CLINIC_TIMEZONE: %w", err)
	}
	qcfg := queue.DefaultConfig()
	qcfg.Location = loc
	qcfg.DefaultConsultation = minutes(cfg.DefaultConsultationMinutes)
	qcfg.MinValidConsultation = minutes(cfg.MinValidConsultationMinutes)
	qcfg.MaxValidConsultation = minutes(cfg.MaxValidConsultationMinutes)
	qcfg.ReadRetry = db.RetryPolicy{Attempts: cfg.ReadRetryAttempts, BaseDelay: cfg.ReadRetryBaseDelay}
	return qcfg, nil
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}
