// Package client is a Go client for the voxrelay streaming endpoint.
//
// A Client sends audio frames over one websocket and exposes the server's
// transcription messages on a channel:
//
//	c, err := client.Dial(ctx, "ws://localhost:8001/stt", nil)
//	if err != nil { ... }
//	defer c.Close()
//	go func() {
//		for m := range c.Messages() {
//			fmt.Println(m.Type, m.Data)
//		}
//	}()
//	_ = c.SendSamples(ctx, 48000, pcm)
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxrelay/internal/protocol"
)

// defaultBuffer is the Messages channel capacity when Options leaves it unset.
const defaultBuffer = 64

// Options configures Dial. A nil *Options uses the defaults.
type Options struct {
	// HTTPClient performs the upgrade request. Default: [http.DefaultClient].
	HTTPClient *http.Client

	// Header is sent with the upgrade request.
	Header http.Header

	// Buffer is the capacity of the Messages channel. Default: 64.
	Buffer int

	// Logger receives unparseable server messages. Default: [slog.Default].
	Logger *slog.Logger
}

// Client is one streaming connection. Send methods may be called from one
// goroutine at a time; Messages may be read concurrently.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger

	msgs    chan protocol.Message
	done    chan struct{}
	closing chan struct{}
	err     error

	closeOnce sync.Once
}

// Dial opens a streaming connection to url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts *Options) (*Client, error) {
	if opts == nil {
		opts = &Options{}
	}
	buf := opts.Buffer
	if buf <= 0 {
		buf = defaultBuffer
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: opts.HTTPClient,
		HTTPHeader: opts.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}

	c := &Client{
		conn: conn,
		log:  log,
		msgs:    make(chan protocol.Message, buf),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.msgs)
	for {
		typ, b, err := c.conn.Read(context.Background())
		if err != nil {
			c.err = err
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		m, err := protocol.ParseMessage(b)
		if err != nil {
			c.log.Warn("client: ignoring malformed server message", "err", err)
			continue
		}
		select {
		case c.msgs <- m:
		case <-c.closing:
		}
	}
}

// SendFrame sends one already encoded frame.
func (c *Client) SendFrame(ctx context.Context, frame []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return fmt.Errorf("client: send: %w", err)
	}
	return nil
}

// SendSamples encodes pcm recorded at rate and sends it.
func (c *Client) SendSamples(ctx context.Context, rate int, pcm []int16) error {
	frame, err := protocol.EncodeSamples(rate, pcm)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	return c.SendFrame(ctx, frame)
}

// Messages returns the server's messages in arrival order. The channel is
// closed when the connection ends; [Client.Err] then reports why.
func (c *Client) Messages() <-chan protocol.Message { return c.msgs }

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, or nil while it is open.
// Use [websocket.CloseStatus] to extract the server's close code.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// CloseStatus returns the server's close code once the connection ended, or
// -1 if it is still open or ended without a close frame.
func (c *Client) CloseStatus() websocket.StatusCode {
	return websocket.CloseStatus(c.Err())
}

// Close ends the stream with a normal close and waits for the read loop.
// Messages arriving after Close are discarded.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		select {
		case <-c.done:
			// The server already closed the connection.
			return
		default:
		}
		err = c.conn.Close(websocket.StatusNormalClosure, "")
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			err = nil
		}
		<-c.done
	})
	return err
}
