// Command modelserver serves the local GLOF risk model over gRPC so several
// API replicas can share one set of weights (MODEL_BACKEND=grpc).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/glof-monitor/internal/config"
	"github.com/example/glof-monitor/internal/grpcserver"
	"github.com/example/glof-monitor/internal/logging"
	"github.com/example/glof-monitor/internal/predictor"
)

func main() {
	listen := flag.String("listen", ":50051", "gRPC listen address")
	flag.Parse()

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

	arch := predictor.DefaultArchitecture()
	arch.InputSize = cfg.ImageSize
	model, err := predictor.LoadOrInit(cfg.ModelPath, predictor.Options{Architecture: arch, Seed: cfg.ModelSeed, BatchSize: cfg.BatchSize}, cfg.ModelRequired, logger)
	if err != nil {
		logger.Fatal("failed to load model", zap.Error(err), zap.String("path", cfg.ModelPath))
	}

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		logger.Fatal("failed to listen", zap.Error(err), zap.String("addr", *listen))
	}

	srv := grpc.NewServer(grpc.UnaryInterceptor(grpcserver.LoggingInterceptor(logger.Named("grpc"))))
	grpcserver.Register(srv, model, logger).MaxPixels = cfg.MaxImagePixels
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(grpcserver.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, healthSrv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("received shutdown signal")
		healthSrv.Shutdown()
		srv.GracefulStop()
	}()

	logger.Info("risk model server listening", zap.String("addr", lis.Addr().String()), zap.Int("input_size", model.Architecture().InputSize))
	if err := srv.Serve(lis); err != nil {
		logger.Fatal("grpc server failed", zap.Error(err))
	}
}
