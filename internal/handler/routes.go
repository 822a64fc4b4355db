package handler

import (
	"fmt"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"supervised-proxy-go/internal/config"
	"supervised-proxy-go/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Proxy
// routes live under the configured base URL; /healthz stays at the root.
// Proxied routes carry no body limit: request bodies reach the backend
// unchanged.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, targets *TargetsHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)

	g := e.Group(strings.TrimSuffix(cfg.Server.BaseURL, "/"))

	api := []echo.MiddlewareFunc{middleware.SecurityHeaders()}
	if cfg.Server.BodyMaxBytes > 0 {
		api = append(api, echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}
	g.GET("/proxy/status", health.Status, api...)
	g.GET("/api/servers", targets.List, api...)

	g.Any("/proxy/:port", proxy.HandlePort)
	g.Any("/proxy/:port/*", proxy.HandlePort)
	g.Any("/proxy/absolute/:port", proxy.HandleAbsolutePort)
	g.Any("/proxy/absolute/:port/*", proxy.HandleAbsolutePort)

	for _, t := range cfg.Targets {
		g.GET("/"+t.ProxyBase, AddSlash)
		g.Any("/"+t.ProxyBase+"/*", proxy.HandleTarget(t.Name))
	}
}
