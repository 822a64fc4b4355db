package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// Process is a handle to a spawned backend.
type Process interface {
	// Pid returns the operating system process id.
	Pid() int
	// Kill forcibly terminates the process and waits until it has been reaped.
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Err returns the exit error. Only meaningful after Done is closed.
	Err() error
}

// Spec describes how to launch one backend.
type Spec struct {
	Name string
	Argv []string
	Dir  string
	Env  []string // KEY=VALUE pairs appended to the proxy's own environment
}

// Spawner launches a backend process.
type Spawner func(spec Spec) (Process, error)

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

// ExecSpawner starts backends as child processes in their own process group,
// so that killing a backend also kills anything it forked.
func ExecSpawner(spec Spec) (Process, error) {
	if len(spec.Argv) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...) //nolint:gosec // command comes from the operator's config
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	setProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", spec.Argv[0], err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := killProcess(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.Pid(), err)
	}
	<-p.done
	return nil
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
