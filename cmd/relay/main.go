package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/llmrelay/relay/internal/app"
	"github.com/llmrelay/relay/internal/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

// runHealthCheck performs an HTTP health check against the given address.
// addr should be in the form ":port" or "host:port".
func runHealthCheck(addr string) error {
	resp, err := http.Get(fmt.Sprintf("http://localhost%s/healthz", addr))
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// newHTTPServer builds the listener for h. net/http's own error output is
// routed through logger so it stays in the JSON stream.
func newHTTPServer(addr string, h http.Handler, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		WriteTimeout:      300 * time.Second, // allow long LLM streaming responses
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}

func main() {
	// Built-in health check mode for container HEALTHCHECK.
	if len(os.Args) > 1 && os.Args[1] == "-healthcheck" {
		addr := os.Getenv("RELAY_LISTEN_ADDR")
		if addr == "" {
			addr = ":8080"
		}
		if err := runHealthCheck(addr); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	logger := logging.Setup(os.Getenv("RELAY_LOG_LEVEL"))
	logger.Info("relay starting", slog.String("version", version))
	cfg, err := app.LoadConfig()
	if err != nil {
		fatal(logger, "config error", err)
	}

	srv, err := app.NewServer(context.Background(), cfg)
	if err != nil {
		fatal(logger, "server init error", err)
	}
	// NewServer reinstalls the default logger at the configured level.
	logger = slog.Default()

	httpServer := newHTTPServer(cfg.ListenAddr, srv.Router(), logger)

	go func() {
		logger.Info("relay listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(logger, "listen error", err)
		}
	}()

	// SIGHUP: reload log level and the provider table.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			logger.Info("SIGHUP received, reloading configuration")
			newCfg, err := app.LoadConfig()
			if err != nil {
				logger.Warn("config reload failed, keeping current config", slog.String("error", err.Error()))
				continue
			}
			srv.Reload(newCfg)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down, draining in-flight requests")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("HTTP shutdown error", slog.String("error", err.Error()))
	}
	if err := srv.Close(ctx); err != nil {
		logger.Warn("server close error", slog.String("error", err.Error()))
	}
	logger.Info("shutdown complete")
}
