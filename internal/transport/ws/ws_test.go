package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxrelay/internal/protocol"
	"github.com/MrWong99/voxrelay/internal/session"
)

type acceptorFunc func(ctx context.Context, conn session.Conn) error

func (f acceptorFunc) AcceptConnection(ctx context.Context, conn session.Conn) error {
	return f(ctx, conn)
}

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startServer(t *testing.T, a Acceptor, cfg Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(a, cfg, nil))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, ctx context.Context, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func TestHandler_RelaysBinaryAndIgnoresText(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lastRead := make(chan error, 1)
	srv := startServer(t, acceptorFunc(func(ctx context.Context, conn session.Conn) error {
		b, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		reply, _ := protocol.NewSentence(fmt.Sprintf("got %d bytes", len(b))).Marshal()
		if err := conn.Write(ctx, reply); err != nil {
			return err
		}
		_, err = conn.Read(ctx)
		lastRead <- err
		return nil
	}), Config{})

	c := dial(t, ctx, srv)
	if err := c.Write(ctx, websocket.MessageText, []byte("hello?")); err != nil {
		t.Fatalf("write text: %v", err)
	}
	if err := c.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	typ, b, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Errorf("message type = %v, want text", typ)
	}
	m, err := protocol.ParseMessage(b)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if m.Data != "got 3 bytes" {
		t.Errorf("reply = %q, want %q", m.Data, "got 3 bytes")
	}

	_ = c.Close(websocket.StatusNormalClosure, "bye")
	select {
	case err := <-lastRead:
		if !errors.Is(err, session.ErrDisconnected) {
			t.Errorf("read after client close = %v, want ErrDisconnected", err)
		}
	case <-ctx.Done():
		t.Fatal("server never observed the close")
	}
}

func TestHandler_CloseCodes(t *testing.T) {
	tests := []struct {
		name   string
		reason error
		want   websocket.StatusCode
	}{
		{"normal", nil, websocket.StatusNormalClosure},
		{"shutdown", session.ErrShuttingDown, websocket.StatusGoingAway},
		{"busy", fmt.Errorf("app: %w", session.ErrBusy), websocket.StatusTryAgainLater},
		{"init failure", &session.EngineInitError{Err: errors.New("no model")}, websocket.StatusInternalError},
		{"other", errors.New("boom"), websocket.StatusInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			srv := startServer(t, acceptorFunc(func(context.Context, session.Conn) error {
				return tt.reason
			}), Config{})

			c := dial(t, ctx, srv)
			_, _, err := c.Read(ctx)
			if got := websocket.CloseStatus(err); got != tt.want {
				t.Errorf("close status = %v, want %v (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestHandler_ReadLimit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	readErr := make(chan error, 1)
	srv := startServer(t, acceptorFunc(func(ctx context.Context, conn session.Conn) error {
		_, err := conn.Read(ctx)
		readErr <- err
		return err
	}), Config{MaxMessageBytes: 16})

	c := dial(t, ctx, srv)
	_ = c.Write(ctx, websocket.MessageBinary, make([]byte, 64))

	select {
	case err := <-readErr:
		if err == nil || errors.Is(err, session.ErrDisconnected) {
			t.Errorf("oversized read = %v, want a transport error", err)
		}
	case <-ctx.Done():
		t.Fatal("server never returned from Read")
	}
}

func TestCloseStatus_TruncatesReason(t *testing.T) {
	long := strings.Repeat("é", 100)
	code, text := CloseStatus(errors.New(long))
	if code != websocket.StatusInternalError {
		t.Errorf("code = %v, want %v", code, websocket.StatusInternalError)
	}
	if len(text) > maxCloseReason {
		t.Errorf("reason is %d bytes, want at most %d", len(text), maxCloseReason)
	}
	if !strings.HasPrefix(long, text) || !utf8.ValidString(text) {
		t.Errorf("reason %q is not a clean prefix", text)
	}
}
