// Package target resolves the addressing and path-rewrite policy of a proxy target.
package target

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"supervised-proxy-go/internal/model"
)

// ErrUnsupportedRewrite is returned when a target carries a rewrite mode other
// than passthrough or absolute.
var ErrUnsupportedRewrite = errors.New("unsupported rewrite mode")

// ValidRewrite reports whether m is one of the supported rewrite modes.
func ValidRewrite(m model.RewriteMode) bool {
	return m == model.RewritePassthrough || m == model.RewriteAbsolute
}

// ContextPath returns the URL prefix the backend should believe it is served
// under:
//
//	{base}/{proxy_base}          when the target has a fixed proxy base
//	{base}/proxy/{port}          in passthrough mode
//	{base}/proxy/absolute/{port} in absolute mode
func ContextPath(base string, t model.ProxyTarget) (string, error) {
	if !ValidRewrite(t.Rewrite) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedRewrite, t.Rewrite)
	}
	if t.ProxyBase != "" {
		return JoinURLPath(base, strings.Trim(t.ProxyBase, "/")), nil
	}
	port := strconv.Itoa(t.Port)
	if t.Rewrite == model.RewriteAbsolute {
		return JoinURLPath(base, "proxy", "absolute", port), nil
	}
	return JoinURLPath(base, "proxy", port), nil
}

// ClientPath returns the path sent to the backend for the requested subpath.
func ClientPath(contextPath, subpath string, mode model.RewriteMode) (string, error) {
	if !strings.HasPrefix(subpath, "/") {
		subpath = "/" + subpath
	}
	switch mode {
	case model.RewritePassthrough:
		return subpath, nil
	case model.RewriteAbsolute:
		return JoinURLPath(contextPath, subpath), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedRewrite, mode)
	}
}

// JoinURLPath joins URL path pieces with single slashes. A leading slash on
// the first piece and a trailing slash on the last piece are kept.
func JoinURLPath(pieces ...string) string {
	if len(pieces) == 0 {
		return ""
	}
	initial := strings.HasPrefix(pieces[0], "/")
	final := strings.HasSuffix(pieces[len(pieces)-1], "/")

	parts := make([]string, 0, len(pieces))
	for _, p := range pieces {
		if s := strings.Trim(p, "/"); s != "" {
			parts = append(parts, s)
		}
	}

	result := strings.Join(parts, "/")
	if initial {
		result = "/" + result
	}
	if final {
		result += "/"
	}
	if result == "//" {
		result = "/"
	}
	return result
}
