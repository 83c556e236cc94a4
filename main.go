package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/example/glof-monitor/internal/alerting"
	"github.com/example/glof-monitor/internal/auth"
	"github.com/example/glof-monitor/internal/config"
	"github.com/example/glof-monitor/internal/grpcclient"
	"github.com/example/glof-monitor/internal/handlers"
	"github.com/example/glof-monitor/internal/imageprocessor"
	"github.com/example/glof-monitor/internal/logging"
	"github.com/example/glof-monitor/internal/notifier"
	"github.com/example/glof-monitor/internal/predictor"
	"github.com/example/glof-monitor/internal/repository"
	"github.com/example/glof-monitor/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile, Debug: cfg.Debug})
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db, err := repository.Open(ctx, cfg.DatabaseURL, cfg.Debug)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	repo := repository.NewPredictionRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	retention := usecase.NewRetentionService(repo, cfg.RetentionDays, logger)

	var (
		cache     usecase.Cache
		cooldowns alerting.CooldownStore
	)
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
		redisCancel()
		defer redisClient.Close()
		cache = usecase.NewRedisCache(redisClient)
		cooldowns = alerting.NewRedisCooldownStore(redisClient)
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process cache and cooldown state")
		memCache := usecase.NewMemoryCache()
		memCooldowns := alerting.NewMemoryCooldownStore()
		retention.AddSweep("cache_entries", memCache.Prune)
		retention.AddSweep("cooldown_keys", func(now time.Time) int {
			return memCooldowns.Prune(now, cfg.AlertCooldown)
		})
		cache, cooldowns = memCache, memCooldowns
	}

	model, conn, err := initRiskModel(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise risk model", zap.Error(err))
	}
	if conn != nil {
		defer conn.Close()
	}

	evaluator := alerting.NewEvaluator(cfg.AlertThreshold, cfg.AlertCooldown, cooldowns)
	logger.Info("alerting configured",
		zap.Float64("threshold", evaluator.Threshold()),
		zap.Duration("cooldown", evaluator.Cooldown()),
	)

	deps := usecase.Dependencies{
		Downloader:           imageprocessor.NewDownloader(cfg.DownloadTimeout, cfg.MaxImageBytes, cfg.MaxImagePixels),
		Model:                model,
		Alerts:               evaluator,
		Repository:           repo,
		Cache:                cache,
		InferenceConcurrency: cfg.InferenceConcurrency,
	}
	if cfg.NotificationsEnabled {
		deps.Notifier = notifier.NewFCM(cfg.FCMServerKey, cfg.FCMTopic, logger)
	}
	uc := usecase.NewPredictionUseCase(deps, logger)

	r := gin.New()
	r.Use(gin.Recovery(), handlers.AccessLog(logger))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:          12 * time.Hour,
	}))

	var authMiddleware gin.HandlerFunc
	if cfg.AuthEnabled {
		authMiddleware = auth.JWTMiddleware(cfg.JWTSecret, "")
	}
	handlers.RegisterRoutes(r, uc, authMiddleware)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	scheduler := cron.New(cron.WithLocation(time.UTC))
	if _, err := scheduler.AddFunc("@daily", func() {
		runCtx, runCancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer runCancel()
		_ = retention.Run(runCtx)
	}); err != nil {
		logger.Fatal("failed to schedule retention job", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	logger.Info("GLOF monitoring API listening",
		zap.String("addr", server.Addr),
		zap.String("model_backend", cfg.ModelBackend),
		zap.Bool("auth", cfg.AuthEnabled),
	)
	if err := runAPI(server, scheduler, uc, 15*time.Second, logger, nil, sigCh); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

type notificationDrainer interface {
	WaitNotifications()
}

// runAPI serves until a shutdown signal, stops the scheduler and then drains
// outstanding alert notifications.
func runAPI(server *http.Server, scheduler *cron.Cron, svc notificationDrainer, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, sigCh <-chan os.Signal) error {
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer stop()
		return serveHTTPServerWithOptions(server, shutdownTimeout, logger, listener, sigCh)
	})
	g.Go(func() error {
		scheduler.Start()
		<-gctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})

	err := g.Wait()
	svc.WaitNotifications()
	return err
}

func initRiskModel(ctx context.Context, cfg config.Config, logger *zap.Logger) (usecase.RiskModel, *grpc.ClientConn, error) {
	switch cfg.ModelBackend {
	case config.ModelBackendGRPC:
		client, conn, err := grpcclient.DialRiskModel(ctx, cfg.ModelServerAddr, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using remote risk model", zap.String("addr", cfg.ModelServerAddr))
		return client, conn, nil
	default:
		p, err := predictor.LoadOrInit(cfg.ModelPath, predictorOptions(cfg), cfg.ModelRequired, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using local risk model", zap.String("path", cfg.ModelPath), zap.Int("input_size", p.Architecture().InputSize))
		return p, nil, nil
	}
}

func predictorOptions(cfg config.Config) predictor.Options {
	arch := predictor.DefaultArchitecture()
	arch.InputSize = cfg.ImageSize
	return predictor.Options{Architecture: arch, Seed: cfg.ModelSeed, BatchSize: cfg.BatchSize}
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
