package handler

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"supervised-proxy-go/internal/activity"
	"supervised-proxy-go/internal/supervisor"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	supervisor *supervisor.Supervisor
	activity   *activity.Tracker
	version    Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(sup *supervisor.Supervisor, tracker *activity.Tracker, v Version) *HealthHandler {
	return &HealthHandler{supervisor: sup, activity: tracker, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	targets := h.supervisor.Targets()
	running := 0
	for _, t := range targets {
		if h.supervisor.Running(t.Name) {
			running++
		}
	}

	body := map[string]any{
		"status":          "ok",
		"version":         string(h.version),
		"targets":         len(targets),
		"running":         running,
		"last_activity":   nil,
		"last_activity_h": "never",
	}
	if last := h.activity.Last(); !last.IsZero() {
		body["last_activity"] = last.UTC().Format(time.RFC3339)
		body["last_activity_h"] = humanize.Time(last)
	}
	return c.JSON(http.StatusOK, body)
}
