// Package wsbridge relays WebSocket sessions between a client and a local
// backend.
package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"supervised-proxy-go/internal/activity"
	"supervised-proxy-go/internal/config"
	"supervised-proxy-go/internal/metrics"
)

const (
	controlWriteTimeout     = 20 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// Headers the dialer sets itself; gorilla rejects duplicates.
var handshakeHeaders = map[string]bool{
	"Upgrade":                  true,
	"Connection":               true,
	"Sec-Websocket-Key":        true,
	"Sec-Websocket-Version":    true,
	"Sec-Websocket-Extensions": true,
	"Sec-Websocket-Protocol":   true,
	"Proxy-Connection":         true,
}

// Bridge upgrades client connections and relays them to backends.
type Bridge struct {
	handshakeTimeout time.Duration
	logger           *slog.Logger
	activity         *activity.Tracker
	metrics          *metrics.Metrics
}

// NewBridge creates a Bridge. The metrics parameter is optional.
func NewBridge(cfg *config.Config, logger *slog.Logger, tracker *activity.Tracker, m *metrics.Metrics) *Bridge {
	timeout := time.Duration(cfg.Backend.HandshakeTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	return &Bridge{
		handshakeTimeout: timeout,
		logger:           logger.With("component", "wsbridge"),
		activity:         tracker,
		metrics:          m,
	}
}

// Serve accepts the WebSocket handshake on w and bridges it to backendURL,
// sending header on the backend handshake. The backend is dialed in the
// background; frames the client sends before it connects are dropped.
// Serve returns once both sides are closed.
func (b *Bridge) Serve(w http.ResponseWriter, r *http.Request, backendURL string, header http.Header) error {
	offered := websocket.Subprotocols(r)
	upgrader := websocket.Upgrader{Subprotocols: offered}
	front, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade client connection: %w", err)
	}

	sess := &session{id: uuid.NewString(), front: front}
	logger := b.logger.With("session", sess.id, "url", backendURL)
	logger.Debug("websocket opened", "subprotocol", front.Subprotocol())
	b.activity.Touch()
	if b.metrics != nil {
		b.metrics.WebSocketSessions.Inc()
		defer b.metrics.WebSocketSessions.Dec()
	}

	dialCtx, cancelDial := context.WithTimeout(context.Background(), b.handshakeTimeout)
	defer cancelDial()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.connectBackend(dialCtx, sess, backendURL, dialHeader(header, r.Host), offered, logger)
	}()

	front.SetPingHandler(func(data string) error {
		b.activity.Touch()
		if backend := sess.backendConn(); backend != nil {
			_ = backend.WriteControl(websocket.PingMessage, []byte(data), deadline())
		}
		return writePong(front, data)
	})
	front.SetPongHandler(func(string) error {
		b.activity.Touch()
		return nil
	})

	closeErr := b.relayFront(sess)

	backend, _ := sess.beginClose()
	cancelDial()
	if backend != nil {
		code, text := closeCode(closeErr)
		_ = backend.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline())
		_ = backend.Close()
	}
	_ = front.Close()
	wg.Wait()
	sess.finish()

	logger.Debug("websocket closed", "err", closeErr)
	return nil
}

// connectBackend dials the backend and, once connected, relays its frames to
// the client until it goes away.
func (b *Bridge) connectBackend(ctx context.Context, sess *session, url string, header http.Header, subprotocols []string, logger *slog.Logger) {
	dialer := websocket.Dialer{
		HandshakeTimeout: b.handshakeTimeout,
		Subprotocols:     subprotocols,
	}
	backend, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if _, first := sess.beginClose(); first {
			logger.Error("backend websocket dial failed", "err", err)
			_ = sess.front.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "backend unavailable"), deadline())
			_ = sess.front.Close()
		}
		return
	}
	if !sess.attach(backend) {
		_ = backend.Close()
		return
	}
	b.activity.Touch()
	logger.Debug("backend websocket connected")

	backend.SetPingHandler(func(data string) error {
		b.activity.Touch()
		_ = sess.front.WriteControl(websocket.PingMessage, []byte(data), deadline())
		return writePong(backend, data)
	})
	backend.SetPongHandler(func(string) error {
		b.activity.Touch()
		return nil
	})

	err = b.relay(sess.front, backend, "to_client")
	_ = backend.Close()
	if _, first := sess.beginClose(); first {
		// Backend went away first: close the client side, which ends Serve.
		code, text := closeCode(err)
		_ = sess.front.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline())
		_ = sess.front.Close()
	}
}

// relayFront copies client frames to the backend, dropping those that arrive
// before the backend is connected.
func (b *Bridge) relayFront(sess *session) error {
	for {
		mt, r, err := sess.front.NextReader()
		if err != nil {
			return err
		}
		b.activity.Touch()
		backend := sess.backendConn()
		if backend == nil {
			b.countMessage("to_backend", "dropped")
			continue
		}
		if err := copyFrame(backend, mt, r); err != nil {
			b.countMessage("to_backend", "error")
			return err
		}
		b.countMessage("to_backend", "relayed")
	}
}

// relay copies frames from src to dst until src fails.
func (b *Bridge) relay(dst, src *websocket.Conn, direction string) error {
	for {
		mt, r, err := src.NextReader()
		if err != nil {
			return err
		}
		b.activity.Touch()
		if err := copyFrame(dst, mt, r); err != nil {
			b.countMessage(direction, "error")
			return err
		}
		b.countMessage(direction, "relayed")
	}
}

func (b *Bridge) countMessage(direction, outcome string) {
	if b.metrics != nil {
		b.metrics.WebSocketMessages.WithLabelValues(direction, outcome).Inc()
	}
}

func copyFrame(dst *websocket.Conn, mt int, r io.Reader) error {
	w, err := dst.NextWriter(mt)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// dialHeader copies the client's handshake headers for the backend request,
// minus those the dialer generates. The client's Host is kept.
func dialHeader(src http.Header, host string) http.Header {
	dst := make(http.Header, len(src)+1)
	for k, v := range src {
		if handshakeHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		dst[k] = v
	}
	if host != "" {
		dst.Set("Host", host)
	}
	return dst
}

// closeCode picks the close frame to send to the peer of a side that ended
// with err.
func closeCode(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		default:
			return ce.Code, ce.Text
		}
	}
	return websocket.CloseNormalClosure, ""
}

func writePong(c *websocket.Conn, data string) error {
	err := c.WriteControl(websocket.PongMessage, []byte(data), deadline())
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func deadline() time.Time {
	return time.Now().Add(controlWriteTimeout)
}
