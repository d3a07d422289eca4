package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"

	"github.com/evermem/memsrv/pkg/bootstrap"
	"github.com/evermem/memsrv/pkg/config"
	"github.com/evermem/memsrv/pkg/logging"
	"github.com/evermem/memsrv/pkg/telemetry"
)

type options struct {
	Host string `long:"host" description:"Address to bind" default:"0.0.0.0"`
	Port int    `long:"port" description:"Port to listen on" default:"8090"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting memory service",
		"llm_provider", cfg.LLMProvider,
		"embedding_provider", cfg.EmbeddingProvider,
		"db_provider", cfg.DBProvider,
		"collection", cfg.DBCollectionName,
	)

	if err := run(opts, cfg, logger); err != nil {
		logger.Error("service exited with error", "error", err)
		os.Exit(1)
	}
}

func run(opts options, cfg *config.Config, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Setup{
		Enabled:      cfg.EnableOTel,
		ServiceName:  cfg.OTelServiceName,
		OTLPEndpoint: cfg.OTelOTLPEndpoint,
		OTLPHeaders:  cfg.OTelOTLPHeaders,
	})
	if err != nil {
		return errors.Wrap(err, "failed to initialize tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("failed to flush traces", "error", err)
		}
	}()

	app, err := bootstrap.NewApp(ctx, logger, cfg)
	if err != nil {
		return errors.Wrap(err, "failed to wire service")
	}
	defer app.Close()

	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server failed")
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "graceful shutdown failed")
	}
	return nil
}
