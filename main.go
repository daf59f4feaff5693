package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/coral-monitor/internal/config"
	"github.com/example/coral-monitor/internal/grpcclient"
	"github.com/example/coral-monitor/internal/handlers"
	"github.com/example/coral-monitor/internal/inference"
	"github.com/example/coral-monitor/internal/logging"
	"github.com/example/coral-monitor/internal/metrics"
	"github.com/example/coral-monitor/internal/repository"
	"github.com/example/coral-monitor/internal/session"
	"github.com/example/coral-monitor/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	clock := clockwork.NewRealClock()

	var history usecase.RunHistory
	if cfg.DatabaseDSN != "" {
		db := initDatabase(ctx, cfg.DatabaseDSN, logger)
		repo := repository.NewRunRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		history = repo
	} else {
		logger.Info("DATABASE_DSN not set, run history disabled")
	}

	var cache usecase.Cache
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		cache = usecase.NewRedisCache(initRedis(redisCtx, cfg.RedisAddr, logger))
	} else {
		logger.Info("REDIS_ADDR not set, tracking runs in memory")
		cache = usecase.NewMemoryCache(clock)
	}

	pipeline := inference.NewPipeline(cfg.InferenceDevice, cfg.InferenceSaliency)
	var adapter inference.Adapter = pipeline
	if cfg.InferenceAddr != "" {
		remote, conn, err := grpcclient.DialPipeline(ctx, cfg.InferenceAddr, logger)
		if err != nil {
			logger.Fatal("failed to connect to inference service", zap.Error(err))
		}
		defer conn.Close()
		adapter = remote
	}

	if cfg.InferenceServeAddr != "" {
		listener, err := net.Listen("tcp", cfg.InferenceServeAddr)
		if err != nil {
			logger.Fatal("failed to start inference service", zap.Error(err))
		}
		grpcServer := serveInference(listener, pipeline, logger)
		defer grpcServer.GracefulStop()
	}

	registry := metrics.NewRegistry()
	m := metrics.New(registry)

	uc := usecase.NewReviewUseCase(session.NewManager(clock), adapter, cache, history, m, logger)

	runCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	if cfg.SessionIdleTimeout > 0 {
		uc.StartSessionReaper(runCtx, cfg.SessionIdleTimeout/2, cfg.SessionIdleTimeout)
	}

	r := gin.New()
	r.Use(gin.Recovery(), logging.GinLogger(logger), m.Middleware())
	r.MaxMultipartMemory = cfg.MaxUploadBytes
	r.GET("/metrics", gin.WrapH(metrics.Handler(registry)))

	handlers.RegisterRoutes(r, uc, handlers.Options{
		JWTSecret:      cfg.JWTSecret,
		TokenTTL:       cfg.SessionTokenTTL,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	logger.Info("coral monitor listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("device", pipeline.Device()),
		zap.Bool("remote_inference", cfg.InferenceAddr != ""),
	)
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

// serveInference exposes the local pipeline over gRPC so other instances can
// use it as their remote adapter.
func serveInference(listener net.Listener, adapter inference.Adapter, logger *zap.Logger) *grpc.Server {
	server := grpc.NewServer()
	grpcclient.RegisterPipelineServer(server, adapter)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("inference service stopped", zap.Error(err))
		}
	}()
	logger.Info("inference service listening", zap.String("addr", listener.Addr().String()))
	return server
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
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
