package socket

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const outboxSize = 256

// Client is one connected socket.
type Client struct {
	id     string
	srv    *Server
	conn   *websocket.Conn
	req    *http.Request
	outbox chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	// handlers tracks in-flight event handlers in threading mode.
	handlers sync.WaitGroup

	// rooms is guarded by srv.mu.
	rooms map[string]struct{}
}

// ID returns the client's unique id.
func (c *Client) ID() string { return c.id }

// Request returns the HTTP request that opened the connection.
func (c *Client) Request() *http.Request { return c.req }

// Context is cancelled when the client disconnects.
func (c *Client) Context() context.Context { return c.ctx }

// Emit sends event to this client only.
func (c *Client) Emit(event string, data any) error {
	b, err := encodeFrame(event, nil, data)
	if err != nil {
		return err
	}
	c.send(b)
	return nil
}

// Close disconnects the client. The write loop sends a close frame and
// releases the connection.
func (c *Client) Close() {
	c.cancel()
}

// send enqueues an encoded frame. A full outbox drops the frame so one
// slow client cannot stall a broadcast.
func (c *Client) send(b []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.outbox <- b:
		return true
	default:
		c.srv.dropped.Inc()
		c.srv.log.Warn("socket: outbox full, dropping message", "client", c.id, "bytes", len(b))
		return false
	}
}

func (c *Client) reply(id *int64, data any) {
	b, err := encodeFrame(EventAck, id, data)
	if err != nil {
		c.replyError(id, err)
		return
	}
	c.send(b)
}

func (c *Client) replyError(id *int64, err error) {
	b, _ := encodeFrame(EventError, id, errorData{Message: err.Error()})
	c.send(b)
}

// readLoop decodes frames until the connection fails.
func (c *Client) readLoop() {
	s := c.srv
	c.conn.SetReadLimit(s.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		typ, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && c.ctx.Err() == nil {
				s.log.Debug("socket: read error", "client", c.id, "error", err)
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}

		f, err := decodeFrame(msg)
		if err != nil {
			c.replyError(nil, err)
			continue
		}

		if s.serial {
			s.dispatch(c, f)
			continue
		}
		c.handlers.Add(1)
		go func() {
			defer c.handlers.Done()
			s.dispatch(c, f)
		}()
	}
}

// writeLoop is the only writer of data frames. It also sends keepalive
// pings, and owns closing the connection.
func (c *Client) writeLoop() {
	s := c.srv
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(s.opts.WriteWait))
			return
		case b := <-c.outbox:
			c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.log.Debug("socket: write error", "client", c.id, "error", err)
				c.cancel()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteWait)); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *Client) logger() *slog.Logger {
	return c.srv.log.With("client", c.id)
}
