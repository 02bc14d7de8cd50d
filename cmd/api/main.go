package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/antonkrylov/xinvoice/internal/cli/config"
	"github.com/antonkrylov/xinvoice/internal/driver"
	"github.com/antonkrylov/xinvoice/internal/health"
	"github.com/antonkrylov/xinvoice/internal/httpapi"
	"github.com/antonkrylov/xinvoice/internal/service"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8080", "HTTP listen address")
		configPath = flag.String("config", config.DefaultConfigPath(), "path to the YAML config (XINVOICE_CONFIG)")
		logJSON    = flag.Bool("log-json", false, "emit logs as JSON")
		logLevel   = flag.String("log-level", "info", "log level: debug|info|warn|error")
		grpcListen = flag.String("grpc-listen", "", "optional gRPC health listen address")
	)
	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "Usage:\n  %s [flags]\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := service.NewLogger(*logJSON, *logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config load", "path", *configPath, "err", err)
		os.Exit(1)
	}
	if cfg == nil {
		logger.Warn("config not found; no environments configured", "path", *configPath)
		cfg = &config.File{}
	}
	cfg.ApplyEnv()

	svc, err := service.Build(cfg, logger)
	if err != nil {
		logger.Error("service init", "err", err)
		os.Exit(1)
	}
	defer svc.Close()

	var healthSrv *health.Server
	if *grpcListen != "" {
		healthSrv, err = health.New(health.Config{ListenAddr: *grpcListen, Logger: logger})
		if err == nil {
			err = healthSrv.Start(ctx)
		}
		if err != nil {
			logger.Error("health server", "err", err)
			os.Exit(1)
		}
	}

	deadline := cfg.Defaults.Deadline.Or(driver.DefaultDeadline)
	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           httpapi.New(svc.Coordinator, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      deadline + 2*time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		logger.Info("shutting down api")
		if healthSrv != nil {
			healthSrv.SetServing(false)
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(stopCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
			_ = srv.Close()
		}
		if healthSrv != nil {
			healthSrv.Stop()
		}
	}()

	logger.Info("api ready",
		"addr", *listenAddr,
		"environments", len(cfg.Envs),
		"log_dir", cfg.ResolvedLogDir(),
		"download_dir", cfg.ResolvedDownloadDir())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http serve", "err", err)
		os.Exit(1)
	}
	<-stopped
}
