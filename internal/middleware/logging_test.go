package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

// logEntry decodes the single JSON line the request logger wrote.
func logEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return entry
}

func TestRequestLogger_RouteFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.Any("/app/proxy/:port/*", func(c echo.Context) error {
		return c.String(http.StatusAccepted, "queued")
	})

	req := httptest.NewRequest(http.MethodPost, "/app/proxy/9000/api/run", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	entry := logEntry(t, &buf)
	tests := []struct {
		field string
		want  any
	}{
		{"msg", "request"},
		{"method", "POST"},
		{"path", "/app/proxy/9000/api/run"},
		{"route", "/app/proxy/:port/*"},
		{"status", float64(http.StatusAccepted)},
		{"websocket", false},
		{"bytes_out", float64(len("queued"))},
	}
	for _, tt := range tests {
		if got := entry[tt.field]; got != tt.want {
			t.Errorf("%s = %v, want %v", tt.field, got, tt.want)
		}
	}
}

func TestRequestLogger_WebSocketFlag(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/lab/api/kernels/1/channels", func(c echo.Context) error {
		return c.NoContent(http.StatusSwitchingProtocols)
	})

	req := httptest.NewRequest(http.MethodGet, "/lab/api/kernels/1/channels", http.NoBody)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if got := logEntry(t, &buf)["websocket"]; got != true {
		t.Errorf("websocket = %v, want true", got)
	}
}

func TestRequestLogger_ServerErrorIsWarning(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/app/lab/tree", func(c echo.Context) error {
		return c.String(http.StatusInternalServerError, "not ready in time")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app/lab/tree", http.NoBody))

	if got := logEntry(t, &buf)["level"]; got != "WARN" {
		t.Errorf("level = %v, want WARN", got)
	}
}
