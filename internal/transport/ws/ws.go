// Package ws adapts websocket connections to [session.Conn] and serves the
// streaming endpoint.
//
// Clients send binary frames (see package protocol) and receive JSON text
// messages. Text frames from the client are ignored. The server closes the
// connection with one of these codes:
//
//	1000  normal end of the session
//	1001  the server is shutting down
//	1011  the recognizer failed to start or the session failed
//	1013  the server is at capacity
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/session"
)

// DefaultMaxMessageBytes is the read limit when Config leaves it unset.
const DefaultMaxMessageBytes = 1 << 20

// maxCloseReason is the largest close reason allowed in a control frame.
const maxCloseReason = 123

// Acceptor runs a session over an accepted connection. It returns when the
// session has ended.
type Acceptor interface {
	AcceptConnection(ctx context.Context, conn session.Conn) error
}

// Config controls the upgrade and read limits.
type Config struct {
	// OriginPatterns lists additional host patterns allowed to connect
	// cross-origin. See [websocket.AcceptOptions].
	OriginPatterns []string

	// InsecureSkipVerify disables the origin check entirely.
	InsecureSkipVerify bool

	// MaxMessageBytes is the largest accepted client message. Default:
	// [DefaultMaxMessageBytes].
	MaxMessageBytes int64
}

// Handler upgrades requests and hands each connection to an [Acceptor].
type Handler struct {
	acceptor Acceptor
	cfg      Config
	log      *slog.Logger
}

// NewHandler returns a Handler serving sessions through a.
func NewHandler(a Acceptor, cfg Config, log *slog.Logger) *Handler {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{acceptor: a, cfg: cfg, log: log}
}

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context(), h.log)
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.cfg.OriginPatterns,
		InsecureSkipVerify: h.cfg.InsecureSkipVerify,
	})
	if err != nil {
		// Accept has already written the HTTP error response.
		log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	conn := NewConn(c, h.cfg.MaxMessageBytes, log)
	err = h.acceptor.AcceptConnection(r.Context(), conn)
	if err != nil {
		log.Debug("connection ended with error", "remote", r.RemoteAddr, "err", err)
	}
	// No-op when the session already closed the connection.
	_ = conn.Close(err)
}

// Conn is a [session.Conn] backed by a websocket.
//
// A background goroutine reads at most one message ahead of the session, so
// a session that is not yet ready applies backpressure to the client.
type Conn struct {
	ws  *websocket.Conn
	log *slog.Logger

	msgs    chan []byte
	readErr error // set before msgs is closed

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

var _ session.Conn = (*Conn)(nil)

// NewConn wraps c. readLimit bounds the size of a single client message.
func NewConn(c *websocket.Conn, readLimit int64, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	if readLimit > 0 {
		c.SetReadLimit(readLimit)
	}
	ctx, cancel := context.WithCancel(context.Background())
	conn := &Conn{
		ws:     c,
		log:    log,
		msgs:   make(chan []byte),
		ctx:    ctx,
		cancel: cancel,
	}
	go conn.readLoop()
	return conn
}

func (c *Conn) readLoop() {
	defer close(c.msgs)
	for {
		typ, b, err := c.ws.Read(c.ctx)
		if err != nil {
			c.readErr = classifyReadErr(err)
			return
		}
		if typ != websocket.MessageBinary {
			c.log.Debug("ignoring non-binary message", "type", typ.String(), "bytes", len(b))
			continue
		}
		select {
		case c.msgs <- b:
		case <-c.ctx.Done():
			c.readErr = session.ErrDisconnected
			return
		}
	}
}

func classifyReadErr(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return session.ErrDisconnected
	}
	return fmt.Errorf("ws: read: %w", err)
}

// Read returns the next binary message from the client.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-c.msgs:
		if !ok {
			return nil, c.readErr
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write sends msg as a text message.
func (c *Conn) Write(ctx context.Context, msg []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("ws: write: %w", err)
	}
	return nil
}

// Close performs the close handshake with a code derived from reason. Only
// the first call has an effect.
func (c *Conn) Close(reason error) error {
	c.closeOnce.Do(func() {
		code, text := CloseStatus(reason)
		c.closeErr = c.ws.Close(code, text)
		c.cancel()
	})
	return c.closeErr
}

// CloseStatus maps a session end reason to a websocket close code and
// reason text.
func CloseStatus(reason error) (websocket.StatusCode, string) {
	var initErr *session.EngineInitError
	switch {
	case reason == nil:
		return websocket.StatusNormalClosure, ""
	case errors.Is(reason, session.ErrShuttingDown):
		return websocket.StatusGoingAway, "server shutting down"
	case errors.Is(reason, session.ErrBusy):
		return websocket.StatusTryAgainLater, "server at capacity"
	case errors.As(reason, &initErr):
		return websocket.StatusInternalError, "engine initialization failed"
	default:
		return websocket.StatusInternalError, truncate(reason.Error(), maxCloseReason)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Cut on a rune boundary.
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
