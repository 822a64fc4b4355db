package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"

	"supervised-proxy-go/internal/activity"
	"supervised-proxy-go/internal/client"
	"supervised-proxy-go/internal/config"
	"supervised-proxy-go/internal/service"
	"supervised-proxy-go/internal/supervisor"
	"supervised-proxy-go/internal/wsbridge"
)

// stubProcess stands in for a backend that an httptest server already serves.
type stubProcess struct {
	done chan struct{}
	once sync.Once
}

func newStubProcess() *stubProcess { return &stubProcess{done: make(chan struct{})} }

func (p *stubProcess) Pid() int              { return 4242 }
func (p *stubProcess) Done() <-chan struct{} { return p.done }
func (p *stubProcess) Err() error            { return nil }

func (p *stubProcess) Kill() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

type testStack struct {
	cfg        *config.Config
	proxy      *ProxyHandler
	targets    *TargetsHandler
	health     *HealthHandler
	supervisor *supervisor.Supervisor
	tracker    *activity.Tracker
	spawns     atomic.Int32
}

// newTestStack wires the handlers the way the application does, with a
// supervisor whose spawner only counts calls. spawnErr, when non-nil, makes
// every spawn fail.
func newTestStack(t *testing.T, spawnErr error, targets ...config.TargetConfig) *testStack {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{BaseURL: "/app/"},
		Backend: config.BackendConfig{
			TimeoutSeconds:          10,
			IdleConnections:         10,
			ProbeIntervalMillis:     5,
			HandshakeTimeoutSeconds: 2,
		},
		Targets: targets,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st := &testStack{cfg: cfg, tracker: activity.NewTracker()}
	spawn := func(supervisor.Spec) (supervisor.Process, error) {
		st.spawns.Add(1)
		if spawnErr != nil {
			return nil, spawnErr
		}
		return newStubProcess(), nil
	}
	ready := func(context.Context, int) bool { return true }
	st.supervisor = supervisor.New(cfg, logger, nil, supervisor.WithSpawner(spawn), supervisor.WithProbe(ready))
	t.Cleanup(func() { _ = st.supervisor.StopAll() })

	svc := service.NewProxyService(client.NewBackendClient(cfg, logger, nil), cfg, logger, st.tracker)
	bridge := wsbridge.NewBridge(cfg, logger, st.tracker, nil)
	st.proxy = NewProxyHandler(svc, st.supervisor, bridge, cfg, logger)
	st.targets = NewTargetsHandler(st.supervisor)
	st.health = NewHealthHandler(st.supervisor, st.tracker, "test")
	return st
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return port
}

func labTarget(port int) config.TargetConfig {
	return config.TargetConfig{
		Name:           "lab",
		Command:        []string{"jupyter-lab", "--port={port}"},
		TimeoutSeconds: 1,
		Rewrite:        "passthrough",
		ProxyBase:      "lab",
		Port:           port,
	}
}

func echoWithRoutes(st *testStack) *echo.Echo {
	e := echo.New()
	RegisterRoutes(e, st.cfg, st.proxy, st.targets, st.health)
	return e
}
