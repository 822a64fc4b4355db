// Package service implements the core proxy forwarding logic.
package service

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"supervised-proxy-go/internal/activity"
	"supervised-proxy-go/internal/client"
	"supervised-proxy-go/internal/config"
	"supervised-proxy-go/internal/model"
	"supervised-proxy-go/internal/target"
)

// Forwarding-context headers injected in passthrough mode. Both carry the
// context path; applications look at one or the other.
const (
	HeaderForwardedContext = "X-Forwarded-Context"
	HeaderProxyContextPath = "X-ProxyContextPath"
)

// strippedRequestHeaders are removed before a request is sent to a backend.
// Accept-Encoding is left to the transport so that compressed bodies are
// decoded before relay.
var strippedRequestHeaders = []string{
	"Proxy-Connection",
	"Accept-Encoding",
}

// strippedResponseHeaders are never relayed from the backend; the server
// recomputes framing for the client.
var strippedResponseHeaders = map[string]bool{
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Content-Encoding":  true,
	"Connection":        true,
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client   *client.BackendClient
	baseURL  string
	logger   *slog.Logger
	activity *activity.Tracker
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.BackendClient, cfg *config.Config, logger *slog.Logger, tracker *activity.Tracker) *ProxyService {
	return &ProxyService{
		client:   c,
		baseURL:  cfg.Server.BaseURL,
		logger:   logger.With("component", "proxy_service"),
		activity: tracker,
	}
}

// Forward sends a ProxyRequest to the backend of t and returns the response.
// The caller is responsible for closing the response body.
//
// Errors wrapping target.ErrUnsupportedRewrite are configuration errors; any
// other error is a transport failure. Backend error statuses are not errors.
func (s *ProxyService) Forward(pr *model.ProxyRequest, t model.ProxyTarget) (*model.ProxyResponse, error) {
	backendURL, header, err := s.Resolve("http", pr.Path, pr.Query, pr.Header, t)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"target", t.Name,
		"url", backendURL,
	)

	s.activity.Touch()
	resp, err := s.client.DoStream(pr.Ctx, pr.Method, backendURL, pr.Host, header, requestBody(pr.Method, pr.Body, header))
	s.activity.Touch()
	if err != nil {
		return nil, fmt.Errorf("forward to backend: %w", err)
	}

	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

// Resolve applies the rewrite policy of t to an inbound path and returns the
// backend URL for scheme together with the headers to send.
func (s *ProxyService) Resolve(scheme, path, rawQuery string, header http.Header, t model.ProxyTarget) (string, http.Header, error) {
	contextPath, err := target.ContextPath(s.baseURL, t)
	if err != nil {
		return "", nil, fmt.Errorf("target %q: %w", t.Name, err)
	}
	clientPath, err := target.ClientPath(contextPath, path, t.Rewrite)
	if err != nil {
		return "", nil, fmt.Errorf("target %q: %w", t.Name, err)
	}
	return BackendURL(scheme, t.Port, clientPath, rawQuery), s.buildRequestHeaders(header, t.Rewrite, contextPath), nil
}

// BackendURL builds the URL of a backend resource on the loopback interface.
func BackendURL(scheme string, port int, path, rawQuery string) string {
	u := scheme + "://localhost:" + strconv.Itoa(port) + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

func (s *ProxyService) buildRequestHeaders(src http.Header, mode model.RewriteMode, contextPath string) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, key := range strippedRequestHeaders {
		dst.Del(key)
	}
	if mode == model.RewritePassthrough {
		dst.Set(HeaderForwardedContext, contextPath)
		dst.Set(HeaderProxyContextPath, contextPath)
	}
	return dst
}

// requestBody returns the body to send: an empty body for a bodiless POST,
// no body at all for other bodiless methods.
func requestBody(method string, body io.ReadCloser, header http.Header) io.Reader {
	empty := body == nil || body == http.NoBody || header.Get("Content-Length") == "0"
	if !empty {
		return body
	}
	if method == http.MethodPost {
		return http.NoBody
	}
	return nil
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if !strippedResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	return dst
}
