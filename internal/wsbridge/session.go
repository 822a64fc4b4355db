package wsbridge

import (
	"sync"

	"github.com/gorilla/websocket"
)

// State is the lifecycle stage of a bridged session.
type State int32

const (
	StateOpening State = iota // front accepted, backend dial in flight
	StateBridged              // both sides live
	StateClosing              // one side closed, tearing down the other
	StateClosed               // both sides released
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateBridged:
		return "bridged"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// session pairs one front connection with at most one backend connection.
type session struct {
	id    string
	front *websocket.Conn

	mu      sync.Mutex
	state   State
	backend *websocket.Conn
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// attach installs the backend connection. It reports false when the session
// started closing while the dial was in flight; the caller then owns conn.
func (s *session) attach(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpening {
		return false
	}
	s.backend = conn
	s.state = StateBridged
	return true
}

// backendConn returns the backend connection, or nil while opening.
func (s *session) backendConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBridged {
		return nil
	}
	return s.backend
}

// beginClose moves the session to closing. Only the first caller gets ok.
func (s *session) beginClose() (backend *websocket.Conn, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state >= StateClosing {
		return nil, false
	}
	s.state = StateClosing
	return s.backend, true
}

func (s *session) finish() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}
