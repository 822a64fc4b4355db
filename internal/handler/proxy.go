package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"supervised-proxy-go/internal/config"
	"supervised-proxy-go/internal/model"
	"supervised-proxy-go/internal/service"
	"supervised-proxy-go/internal/supervisor"
	"supervised-proxy-go/internal/target"
	"supervised-proxy-go/internal/wsbridge"
)

// ProxyHandler forwards HTTP requests and WebSocket sessions to backends.
type ProxyHandler struct {
	service    *service.ProxyService
	supervisor *supervisor.Supervisor
	bridge     *wsbridge.Bridge
	baseURL    string
	logger     *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, sup *supervisor.Supervisor, bridge *wsbridge.Bridge, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:    svc,
		supervisor: sup,
		bridge:     bridge,
		baseURL:    cfg.Server.BaseURL,
		logger:     logger.With("component", "proxy_handler"),
	}
}

// HandlePort proxies {base}/proxy/:port/* to an unsupervised local port in
// passthrough mode.
func (h *ProxyHandler) HandlePort(c echo.Context) error {
	return h.handlePort(c, model.RewritePassthrough, target.JoinURLPath(h.baseURL, "proxy", c.Param("port")))
}

// HandleAbsolutePort proxies {base}/proxy/absolute/:port/* in absolute mode.
func (h *ProxyHandler) HandleAbsolutePort(c echo.Context) error {
	return h.handlePort(c, model.RewriteAbsolute, target.JoinURLPath(h.baseURL, "proxy", "absolute", c.Param("port")))
}

func (h *ProxyHandler) handlePort(c echo.Context, mode model.RewriteMode, prefix string) error {
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil || port < 1 || port > 65535 {
		return echo.ErrNotFound
	}
	t := model.ProxyTarget{Name: "port " + strconv.Itoa(port), Port: port, Rewrite: mode}
	return h.dispatch(c, t, prefix)
}

// HandleTarget returns the handler for {base}/{proxy_base}/* of the named
// supervised target. The target's process is started on first use.
func (h *ProxyHandler) HandleTarget(name string) echo.HandlerFunc {
	return func(c echo.Context) error {
		cfg, ok := h.supervisor.Lookup(name)
		if !ok {
			return echo.ErrNotFound
		}
		port, err := h.supervisor.EnsureRunning(c.Request().Context(), name)
		if err != nil {
			return h.mapError(c, err)
		}
		t := model.ProxyTarget{
			Name:      name,
			Port:      port,
			Rewrite:   cfg.Rewrite,
			ProxyBase: cfg.ProxyBase,
		}
		return h.dispatch(c, t, target.JoinURLPath(h.baseURL, cfg.ProxyBase))
	}
}

// dispatch sends the request to the WebSocket bridge or the HTTP forwarder.
// prefix is the part of the request path that addresses the target.
func (h *ProxyHandler) dispatch(c echo.Context, t model.ProxyTarget, prefix string) error {
	req := c.Request()
	subpath := strings.TrimPrefix(req.URL.EscapedPath(), prefix)
	if subpath == "" {
		subpath = "/"
	}

	if websocket.IsWebSocketUpgrade(req) {
		return h.serveWebSocket(c, t, subpath)
	}

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Path:   subpath,
		Query:  req.URL.RawQuery,
		Host:   req.Host,
		Header: req.Header,
		Body:   req.Body,
	}

	resp, err := h.service.Forward(pr, t)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	// A present but empty key stops net/http from sniffing a Content-Type
	// the backend never sent.
	if _, ok := resp.Header["Content-Type"]; !ok {
		c.Response().Header()["Content-Type"] = nil
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent; a failed copy leaves the client with a
	// truncated body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"target", t.Name,
			"path", req.URL.Path,
		)
	}

	return nil
}

func (h *ProxyHandler) serveWebSocket(c echo.Context, t model.ProxyTarget, subpath string) error {
	req := c.Request()
	backendURL, header, err := h.service.Resolve("ws", subpath, req.URL.RawQuery, req.Header, t)
	if err != nil {
		return h.mapError(c, err)
	}
	// Upgrade failures have already been answered by the upgrader.
	if err := h.bridge.Serve(c.Response(), req, backendURL, header); err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err, "target", t.Name)
	}
	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	var startErr *supervisor.StartError
	switch {
	case errors.Is(err, target.ErrUnsupportedRewrite):
		return c.String(http.StatusInternalServerError, "configuration error: "+err.Error())
	case errors.As(err, &startErr):
		return c.String(http.StatusInternalServerError, err.Error())
	case errors.Is(err, context.Canceled):
		return c.String(http.StatusBadGateway, "client disconnected")
	default:
		return c.String(http.StatusInternalServerError, err.Error())
	}
}

// AddSlash redirects a path to the same path with a trailing slash,
// keeping the query.
func AddSlash(c echo.Context) error {
	u := *c.Request().URL
	u.Path += "/"
	if u.RawPath != "" {
		u.RawPath += "/"
	}
	return c.Redirect(http.StatusMovedPermanently, u.RequestURI())
}
