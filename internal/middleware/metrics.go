package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"supervised-proxy-go/internal/metrics"
)

// MetricsMiddleware counts every request under the prefix labeler assigns.
// Bridged WebSocket sessions are counted but kept out of the latency
// histogram: their duration is the session's lifetime.
func MetricsMiddleware(m *metrics.Metrics, labeler *metrics.PathLabeler) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			upgrade := websocket.IsWebSocketUpgrade(req)
			if !upgrade {
				m.RequestsInFlight.Inc()
				defer m.RequestsInFlight.Dec()
			}
			start := time.Now()

			err := next(c)

			// Echo's error handler writes an *echo.HTTPError after we return.
			code := c.Response().Status
			var he *echo.HTTPError
			if err != nil && errors.As(err, &he) {
				code = he.Code
			}

			labels := []string{
				metrics.NormalizeMethod(req.Method),
				strconv.Itoa(code),
				labeler.Label(req.URL.Path),
			}
			m.RequestsTotal.WithLabelValues(labels...).Inc()
			if !upgrade {
				m.RequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
			}

			return err
		}
	}
}
