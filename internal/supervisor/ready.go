package supervisor

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Probe reports whether a backend answers on port.
type Probe func(ctx context.Context, port int) bool

// AllocatePort binds an ephemeral TCP port on the loopback interface, closes
// the listener and returns the port number. Another process may grab the
// port between the close and the backend binding it.
func AllocatePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		return 0, fmt.Errorf("release port %d: %w", port, err)
	}
	return port, nil
}

// HTTPReady returns a Probe that issues GET http://localhost:<port>/.
// Any completed response counts as ready, whatever its status; a connection
// error means not ready.
func HTTPReady(timeout time.Duration) Probe {
	client := &http.Client{
		Transport: &http.Transport{DisableKeepAlives: true},
		Timeout:   timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return func(ctx context.Context, port int) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://localhost:"+strconv.Itoa(port)+"/", http.NoBody)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return true
	}
}
