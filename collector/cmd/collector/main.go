package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/opticourier/opticourier/collector/internal/auth"
	"github.com/opticourier/opticourier/collector/internal/config"
	"github.com/opticourier/opticourier/collector/internal/receiver"
	"github.com/opticourier/opticourier/collector/internal/store"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	level.Set(parseLevel(cfg.Collector.LogLevel))

	slog.Info("opticourier-collector starting",
		"version", version,
		"http_port", cfg.Collector.HTTPPort,
		"grpc_port", cfg.Collector.GRPCPort,
		"auth_mode", cfg.Collector.Auth.Mode,
		"storage_dir", cfg.Collector.StorageDir,
		"retention", cfg.Collector.Retention,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Submission index with background retention eviction.
	st := store.New(cfg.Collector.Retention)
	go st.Run(ctx)

	rcv, err := receiver.New(st, cfg.Collector.StorageDir, cfg.Collector.MaxUploadBytes, version)
	if err != nil {
		slog.Error("failed to prepare storage dir", "err", err)
		os.Exit(1)
	}

	checker := auth.New(
		cfg.Collector.Auth.Mode,
		cfg.Collector.Auth.EffectiveHeader(),
		cfg.Collector.Auth.Key(),
		"/health",
	)
	if cfg.Collector.Auth.Mode == "apikey" && !checker.Enabled() {
		slog.Warn("auth mode is apikey but no key is set; accepting all requests",
			"key_env", cfg.Collector.Auth.KeyEnv)
	}

	// gRPC health endpoint for agents using the grpc probe.
	var grpcSrv *grpc.Server
	var healthSrv *health.Server
	if cfg.Collector.GRPCPort > 0 {
		grpcSrv = grpc.NewServer(
			grpc.UnaryInterceptor(checker.UnaryInterceptor()),
			grpc.StreamInterceptor(checker.StreamInterceptor()),
		)
		healthSrv = health.NewServer()
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(grpcSrv, healthSrv)

		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Collector.GRPCPort))
		if err != nil {
			slog.Error("failed to listen on gRPC port", "port", cfg.Collector.GRPCPort, "err", err)
			os.Exit(1)
		}
		go func() {
			slog.Info("gRPC health listening", "port", cfg.Collector.GRPCPort)
			if err := grpcSrv.Serve(lis); err != nil {
				slog.Error("gRPC server stopped", "err", err)
			}
		}()
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Collector.HTTPPort),
		Handler:           checker.Middleware(rcv),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP receiver listening", "port", cfg.Collector.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("opticourier-collector shutting down")
	if grpcSrv != nil {
		healthSrv.Shutdown()
		grpcSrv.GracefulStop()
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "err", err)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
