package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"supervised-proxy-go/internal/config"
)

// TokenAuth returns an Echo middleware requiring the access token as
// "Authorization: Bearer <token>", "Authorization: token <token>" or
// "?token=<token>". Paths in public are exempt. An empty token disables the
// check.
func TokenAuth(token string, logger *slog.Logger, public ...string) echo.MiddlewareFunc {
	if token == "" {
		logger.Warn("no access token configured; requests are not authenticated")
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}

	exempt := make(map[string]bool, len(public))
	for _, p := range public {
		exempt[p] = true
	}

	return echomw.KeyAuthWithConfig(echomw.KeyAuthConfig{
		KeyLookup: "header:Authorization:Bearer ,header:Authorization:token ,query:token",
		Skipper: func(c echo.Context) bool {
			return exempt[c.Request().URL.Path]
		},
		Validator: func(key string, _ echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1, nil
		},
		ErrorHandler: func(err error, _ echo.Context) error {
			return &echo.HTTPError{Code: http.StatusUnauthorized, Message: "invalid or missing token", Internal: err}
		},
	})
}

// RateLimit returns a per-IP rate limiter, or nil when disabled.
func RateLimit(cfg config.RateLimitConfig) echo.MiddlewareFunc {
	if !cfg.Enabled {
		return nil
	}
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.RequestsPerSecond))
	return echomw.RateLimiter(store)
}
