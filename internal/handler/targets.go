package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"supervised-proxy-go/internal/supervisor"
)

type serverProcess struct {
	Name string `json:"name"`
}

type serverProcessList struct {
	ServerProcesses []serverProcess `json:"server_processes"`
}

// TargetsHandler lists the configured supervised targets.
type TargetsHandler struct {
	supervisor *supervisor.Supervisor
}

// NewTargetsHandler creates a TargetsHandler.
func NewTargetsHandler(sup *supervisor.Supervisor) *TargetsHandler {
	return &TargetsHandler{supervisor: sup}
}

// List returns {"server_processes":[{"name":...}]} in configuration order.
func (h *TargetsHandler) List(c echo.Context) error {
	out := serverProcessList{ServerProcesses: []serverProcess{}}
	for _, t := range h.supervisor.Targets() {
		out.ServerProcesses = append(out.ServerProcesses, serverProcess{Name: t.Name})
	}
	return c.JSON(http.StatusOK, out)
}
