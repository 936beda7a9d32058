package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/Zhima-Mochi/farmmarket/internal/config"
	"github.com/Zhima-Mochi/farmmarket/internal/infrastructure/observability/zaplogger"
	"github.com/Zhima-Mochi/farmmarket/internal/observability"
	"github.com/Zhima-Mochi/farmmarket/internal/pkg/logging"
)

func serveCmd(flags *rootFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	return cmd
}

func newLogger(cfg *config.Config) (zaplogger.Logger, *zap.Logger, error) {
	base, err := logging.NewLogger(logging.Options{
		Service: cfg.Service.Name,
		Env:     cfg.Service.Env,
		Level:   cfg.Log.Level,
		File:    cfg.Log.File,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	zap.ReplaceGlobals(base)
	return zaplogger.New(base), logging.WithTrace(base, logging.SystemTraceID, logging.SystemSpanID), nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, systemLogger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	tel := newTelemetry(prometheus.DefaultRegisterer, logger)
	app, err := NewApp(ctx, cfg, tel, prometheus.DefaultGatherer)
	if err != nil {
		systemLogger.Error("app_init_failed", zap.Error(err))
		return err
	}
	app.Start(ctx)

	server := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: app.Handler,
	}

	errCh := make(chan error, 1)
	go func() {
		systemLogger.Info("http_server_start", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		if serveErr != nil {
			systemLogger.Error("http_server_error", zap.Error(serveErr))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		systemLogger.Error("http_server_shutdown_error", zap.Error(err))
	} else {
		systemLogger.Info("http_server_stopped")
	}
	if err := app.Close(shutdownCtx); err != nil {
		tel.Logger().Warn("app_close_failed", observability.F("error", err))
	}
	return serveErr
}
