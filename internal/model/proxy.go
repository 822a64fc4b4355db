// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// RewriteMode controls how a request path is mapped onto the backend.
type RewriteMode string

const (
	// RewritePassthrough forwards the path unchanged and injects the
	// forwarding-context headers.
	RewritePassthrough RewriteMode = "passthrough"
	// RewriteAbsolute prefixes the path with the context path and injects no
	// forwarding headers.
	RewriteAbsolute RewriteMode = "absolute"
)

// ProxyTarget identifies one backend bound to a local port.
type ProxyTarget struct {
	Name      string
	Port      int
	Rewrite   RewriteMode
	ProxyBase string // empty when the target is addressed by port
}

// ProxyRequest represents a client request to be forwarded to a backend.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Path   string // subpath below the context path, always starts with "/"
	Query  string // raw query string, without "?"
	Host   string
	Header http.Header
	Body   io.ReadCloser
}

// ProxyResponse represents the backend response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Status     string // status line as sent by the backend, e.g. "418 I'm a teapot"
	Header     http.Header
	Body       io.ReadCloser
}
