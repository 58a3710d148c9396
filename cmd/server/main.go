// Command nk-server starts the NutriKeeper HTTP API, enrichment workers and gRPC health endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/and161185/nutrikeeper/internal/app"
	"github.com/and161185/nutrikeeper/internal/config"
	"github.com/and161185/nutrikeeper/internal/migrate"
	grpcserver "github.com/and161185/nutrikeeper/internal/server/grpc"
	httpserver "github.com/and161185/nutrikeeper/internal/server/http"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, runs migrations, starts workers and serves until a signal arrives.
func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := app.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.HTTPAddr),
		zap.Bool("dev", cfg.Dev),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// Health first, so probes see NOT_SERVING while migrating
	health := grpcserver.NewHealth(logger.Named("grpc"))
	errCh := make(chan error, 2)
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		go func() { errCh <- health.Serve(lis) }()
		defer health.Stop(5 * time.Second)
	}

	if cfg.DSN != "" {
		if err := migrate.Up(ctx, cfg.DSN); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
	}
	st, err := app.OpenStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	a, err := app.Build(ctx, cfg, st, logger)
	if err != nil {
		return err
	}

	// Workers outlive the request context so queued tasks drain after the listener stops
	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	var workers sync.WaitGroup
	workers.Add(2)
	go func() { defer workers.Done(); a.Queue.Run(workCtx) }()
	go func() { defer workers.Done(); a.Sweeper.Run(workCtx) }()
	defer func() {
		stopWork()
		workers.Wait()
	}()

	gin.SetMode(gin.ReleaseMode)
	api := httpserver.New(a.Records, a.Engine, a.Reports, httpserver.Options{
		SignKey:  []byte(cfg.JWTKey),
		Location: cfg.Location(),
		Log:      logger.Named("http"),
		Ready:    st.Ping,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	health.SetServing(true)

	// Wait for stop
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	health.SetServing(false)
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return serveErr
}
