// Package transport provides the client side of the relay socket: a single
// websocket connection with buffered fire-and-forget sends and a decoded
// inbound event stream.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/bikashd003/devcollab-sync/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// ErrClosed is returned by Emit after the connection has shut down.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one live connection to the relay. All document, cursor, and chat
// traffic is fire-and-forget: Emit enqueues and returns without waiting for
// the peer.
type Conn struct {
	ws     *websocket.Conn
	send   chan []byte
	events chan protocol.Envelope
	logger *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the relay at wsURL, retrying transient failures with
// exponential backoff until ctx is cancelled or the backoff gives up.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var ws *websocket.Conn
	policy := backoff.WithContext(newDialBackoff(), ctx)
	op := func() error {
		var err error
		ws, _, err = websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			logger.Debug("dial retry", "url", wsURL, "error", err)
		}
		return err
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	c := &Conn{
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		events: make(chan protocol.Envelope, sendBuffer),
		logger: logger,
		closed: make(chan struct{}),
	}
	go c.readPump()
	go c.writePump()
	return c, nil
}

func newDialBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 15 * time.Second
	return b
}

// Emit marshals and enqueues one event. A full send buffer drops the
// message rather than blocking the caller; the sync protocol tolerates
// lost intermediate states because every broadcast carries full state.
func (c *Conn) Emit(event string, data any) error {
	env, err := protocol.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	buf, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.send <- buf:
		return nil
	default:
		c.logger.Warn("send buffer full, dropping event", "event", event)
		return nil
	}
}

// Events returns the inbound event stream. The channel closes when the
// connection dies; receivers must treat that as a disconnect.
func (c *Conn) Events() <-chan protocol.Envelope {
	return c.events
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

func (c *Conn) readPump() {
	defer func() {
		c.Close()
		close(c.events)
	}()

	c.ws.SetReadLimit(1 << 20)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, buf, err := c.ws.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				c.logger.Debug("read error", "error", err)
			}
			return
		}
		env, err := protocol.Unmarshal(buf)
		if err != nil {
			c.logger.Warn("dropping malformed message", "error", err)
			continue
		}
		select {
		case c.events <- env:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case buf := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, buf); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
