// Package supervisor starts backend processes on demand and keeps track of
// them. At most one process runs per target; concurrent requests for a
// target that is not running yet converge on a single spawn.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"supervised-proxy-go/internal/config"
	"supervised-proxy-go/internal/metrics"
)

// ErrNotReady is wrapped by a StartError when the backend did not answer its
// readiness probe in time.
var ErrNotReady = errors.New("not ready in time")

// ErrUnknownTarget is returned for a target name that is not configured.
var ErrUnknownTarget = errors.New("unknown target")

// errExited stops readiness polling when the process dies before answering.
var errExited = errors.New("process exited before becoming ready")

// StartError reports a failed attempt to bring a target up. The target's
// record is back to absent by the time the error is returned.
type StartError struct {
	Target string
	Err    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s: %v", e.Target, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// record is the supervision state of one target. guard admits one caller at
// a time; mu protects the fields below it, which the exit watcher and
// readers touch without holding guard.
type record struct {
	cfg   config.TargetConfig
	guard *semaphore.Weighted

	// settled counts finished start attempts. A caller that saw a lower
	// value before queueing on guard was concurrent with the last attempt.
	settled atomic.Uint64

	mu      sync.Mutex
	proc    Process
	port    int
	lastErr error
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithSpawner replaces the process launcher.
func WithSpawner(sp Spawner) Option {
	return func(s *Supervisor) { s.spawn = sp }
}

// WithProbe replaces the readiness probe.
func WithProbe(p Probe) Option {
	return func(s *Supervisor) { s.probe = p }
}

// Supervisor owns one record per configured target.
type Supervisor struct {
	records  map[string]*record
	order    []string
	baseURL  string
	interval time.Duration
	spawn    Spawner
	probe    Probe
	logger   *slog.Logger
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Supervisor for the targets in cfg. The metrics parameter is
// optional.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		records:  make(map[string]*record, len(cfg.Targets)),
		baseURL:  cfg.Server.BaseURL,
		interval: cfg.Backend.ProbeInterval(),
		spawn:    ExecSpawner,
		probe:    HTTPReady(time.Second),
		logger:   logger.With("component", "supervisor"),
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}
	if s.interval <= 0 {
		s.interval = 100 * time.Millisecond
	}
	for _, t := range cfg.Targets {
		s.records[t.Name] = &record{
			cfg:   t,
			guard: semaphore.NewWeighted(1),
			port:  t.Port,
		}
		s.order = append(s.order, t.Name)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Targets returns the configured targets in configuration order.
func (s *Supervisor) Targets() []config.TargetConfig {
	out := make([]config.TargetConfig, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.records[name].cfg)
	}
	return out
}

// Lookup returns the configuration of the named target.
func (s *Supervisor) Lookup(name string) (config.TargetConfig, bool) {
	r, ok := s.records[name]
	if !ok {
		return config.TargetConfig{}, false
	}
	return r.cfg, true
}

// Port returns the port assigned to the named target, or 0.
func (s *Supervisor) Port(name string) int {
	r, ok := s.records[name]
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.port
}

// Running reports whether the named target has a live process.
func (s *Supervisor) Running(name string) bool {
	r, ok := s.records[name]
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proc != nil
}

// EnsureRunning starts the named target unless it is already running and
// returns the port it listens on. ctx only bounds the wait for admission;
// a start attempt, once begun, runs to completion so that callers queued
// behind it observe its outcome.
func (s *Supervisor) EnsureRunning(ctx context.Context, name string) (int, error) {
	r, ok := s.records[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTarget, name)
	}

	seen := r.settled.Load()
	if err := r.guard.Acquire(ctx, 1); err != nil {
		return 0, fmt.Errorf("wait for %s: %w", name, err)
	}
	defer r.guard.Release(1)

	r.mu.Lock()
	if r.proc != nil {
		port := r.port
		r.mu.Unlock()
		return port, nil
	}
	if r.settled.Load() != seen && r.lastErr != nil {
		err := r.lastErr
		r.mu.Unlock()
		return 0, err
	}
	r.mu.Unlock()

	port, err := s.start(r)

	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
	r.settled.Add(1)
	return port, err
}

// start spawns the process of r and waits for it to become ready. It must
// be called with r.guard held. On failure the record holds no process.
func (s *Supervisor) start(r *record) (int, error) {
	name := r.cfg.Name
	begin := time.Now()

	r.mu.Lock()
	port := r.port
	r.mu.Unlock()
	if port == 0 {
		p, err := AllocatePort()
		if err != nil {
			s.observeStart(name, "port_error", begin)
			return 0, &StartError{Target: name, Err: err}
		}
		port = p
		r.mu.Lock()
		r.port = port
		r.mu.Unlock()
	}

	spec := s.buildSpec(r.cfg, port)
	logger := s.logger.With("target", name, "port", port)
	logger.Info("starting process", "argv", spec.Argv, "dir", spec.Dir)

	proc, err := s.spawn(spec)
	if err != nil {
		logger.Error("spawn failed", "err", err)
		s.observeStart(name, "spawn_error", begin)
		return 0, &StartError{Target: name, Err: err}
	}

	r.mu.Lock()
	r.proc = proc
	r.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ProcessesRunning.Inc()
	}
	go s.watch(r, proc)

	if err := s.waitReady(r.cfg.Timeout(), port, proc); err != nil {
		logger.Error("process did not become ready", "err", err, "timeout", r.cfg.Timeout())
		if kerr := proc.Kill(); kerr != nil {
			logger.Warn("kill after failed start", "err", kerr)
		}
		s.clear(r, proc)

		result := "not_ready"
		if errors.Is(err, errExited) {
			result = "exited"
		}
		s.observeStart(name, result, begin)
		return 0, &StartError{Target: name, Err: err}
	}

	logger.Info("process ready", "pid", proc.Pid(), "elapsed", time.Since(begin))
	s.observeStart(name, "ok", begin)
	return port, nil
}

// waitReady polls the probe until it succeeds, the process exits or timeout
// elapses.
func (s *Supervisor) waitReady(timeout time.Duration, port int, proc Process) error {
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	op := func() error {
		select {
		case <-proc.Done():
			if err := proc.Err(); err != nil {
				return backoff.Permanent(fmt.Errorf("%w: %w", errExited, err))
			}
			return backoff.Permanent(errExited)
		default:
		}
		if s.probe(ctx, port) {
			return nil
		}
		return ErrNotReady
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(s.interval), ctx))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errExited):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrNotReady):
		return ErrNotReady
	default:
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
}

// watch returns r to absent when proc exits on its own.
func (s *Supervisor) watch(r *record, proc Process) {
	<-proc.Done()
	if s.metrics != nil {
		s.metrics.ProcessesRunning.Dec()
	}
	if s.clear(r, proc) {
		s.logger.Warn("process exited", "target", r.cfg.Name, "pid", proc.Pid(), "err", proc.Err())
	}
}

// clear drops proc from r if r still refers to it.
func (s *Supervisor) clear(r *record, proc Process) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proc != proc {
		return false
	}
	r.proc = nil
	return true
}

func (s *Supervisor) observeStart(name, result string, begin time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.ProcessStarts.WithLabelValues(name, result).Inc()
	s.metrics.ProcessStartDuration.WithLabelValues(name).Observe(time.Since(begin).Seconds())
}

// buildSpec substitutes {port} and {base_url} in the command and environment
// of t.
func (s *Supervisor) buildSpec(t config.TargetConfig, port int) Spec {
	repl := strings.NewReplacer("{port}", strconv.Itoa(port), "{base_url}", s.baseURL)

	argv := make([]string, len(t.Command))
	for i, a := range t.Command {
		argv[i] = repl.Replace(a)
	}
	env := make([]string, 0, len(t.Environment))
	for _, k := range slices.Sorted(maps.Keys(t.Environment)) {
		env = append(env, k+"="+repl.Replace(t.Environment[k]))
	}
	return Spec{Name: t.Name, Argv: argv, Dir: t.Cwd, Env: env}
}

// StopAll kills every running process and aborts pending start attempts.
func (s *Supervisor) StopAll() error {
	s.cancel()

	var err error
	for _, name := range s.order {
		r := s.records[name]
		r.mu.Lock()
		proc := r.proc
		r.proc = nil
		r.mu.Unlock()
		if proc == nil {
			continue
		}
		s.logger.Info("stopping process", "target", name, "pid", proc.Pid())
		multierr.AppendInto(&err, proc.Kill())
	}
	return err
}
