package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"supervised-proxy-go/internal/activity"
	"supervised-proxy-go/internal/client"
	"supervised-proxy-go/internal/config"
	"supervised-proxy-go/internal/handler"
	"supervised-proxy-go/internal/metrics"
	"supervised-proxy-go/internal/middleware"
	"supervised-proxy-go/internal/service"
	"supervised-proxy-go/internal/supervisor"
	"supervised-proxy-go/internal/target"
	"supervised-proxy-go/internal/wsbridge"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("supervised-proxy"),
		kong.Description("Authenticated reverse proxy that starts local web applications on demand."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			activity.NewTracker,
			newEcho,
			client.NewBackendClient,
			service.NewProxyService,
			newSupervisor,
			wsbridge.NewBridge,
			handler.NewProxyHandler,
			handler.NewTargetsHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, registerMetrics, warnConfig, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newSupervisor(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *supervisor.Supervisor {
	return supervisor.New(cfg, logger, m)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Proxied uploads and WebSocket sessions are long-lived; only the
	// request header read is bounded.
	e.Server.ReadTimeout = 0
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, pathLabeler(cfg)))
	}
	e.Use(middleware.TokenAuth(cfg.Auth.Token, logger, "/healthz"))

	if rl := middleware.RateLimit(cfg.Server.RateLimit); rl != nil {
		e.Use(rl)
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

// pathLabeler bounds the path label to the route families the proxy serves.
func pathLabeler(cfg *config.Config) *metrics.PathLabeler {
	base := cfg.Server.BaseURL
	prefixes := []string{
		"/healthz",
		cfg.Metrics.Path,
		target.JoinURLPath(base, "proxy"),
		target.JoinURLPath(base, "api"),
	}
	for _, t := range cfg.Targets {
		prefixes = append(prefixes, target.JoinURLPath(base, t.ProxyBase))
	}
	return metrics.NewPathLabeler(prefixes...)
}

func registerMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}

func warnConfig(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
	cfg.WarnUnsupportedRewrites(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, sup *supervisor.Supervisor, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"base_url", cfg.Server.BaseURL,
				"targets", len(cfg.Targets),
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			err := e.Shutdown(ctx)
			if serr := sup.StopAll(); serr != nil {
				logger.Error("stopping supervised processes", "err", serr)
			}
			return err
		},
	})
}
