// Package socket is an event-oriented WebSocket server: clients exchange
// named JSON events, can be grouped in rooms, and get acknowledgements for
// events that carry an id.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/caesar-terminal/tickerdesk/internal/config"
)

// Path is where the socket endpoint is mounted.
const Path = "/socket.io/"

// Async modes. Threading handles every event on its own goroutine; the
// cooperative modes handle the events of one connection in arrival order.
const (
	ModeThreading   = "threading"
	ModeEventlet    = "eventlet"
	ModeGevent      = "gevent"
	ModeGeventUWSGI = "gevent_uwsgi"
)

var (
	// ErrUnknownAsyncMode is returned by New for an unsupported async mode.
	ErrUnknownAsyncMode = errors.New("socket: unknown async mode")
	// ErrUnknownEvent is sent back for events without a handler.
	ErrUnknownEvent = errors.New("unknown event")

	errInternal = errors.New("internal error")
)

// HandlerFunc handles one inbound event. A non-nil result is sent back as
// the ack payload when the frame carried an id; an error is sent back as an
// error frame.
type HandlerFunc func(ctx context.Context, c *Client, data json.RawMessage) (any, error)

// ConnectFunc runs after a client connects. Returning an error disconnects
// the client.
type ConnectFunc func(c *Client) error

// DisconnectFunc runs after a client's connection is gone.
type DisconnectFunc func(c *Client)

// Options configures New.
type Options struct {
	AllowedOrigins config.Origins
	AsyncMode      string

	Logger     *slog.Logger
	Registerer prometheus.Registerer

	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
}

func (o *Options) setDefaults() {
	if o.AsyncMode == "" {
		o.AsyncMode = ModeThreading
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ReadBufferSize == 0 {
		o.ReadBufferSize = 4096
	}
	if o.WriteBufferSize == 0 {
		o.WriteBufferSize = 4096
	}
	if o.MaxMessageSize == 0 {
		o.MaxMessageSize = 64 << 10
	}
	if o.PingInterval == 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.PongWait == 0 {
		o.PongWait = o.PingInterval + 20*time.Second
	}
	if o.WriteWait == 0 {
		o.WriteWait = 10 * time.Second
	}
}

// Server accepts socket connections and dispatches their events.
type Server struct {
	opts     Options
	serial   bool
	upgrader websocket.Upgrader
	log      *slog.Logger

	handlers     map[string]HandlerFunc
	onConnect    []ConnectFunc
	onDisconnect []DisconnectFunc

	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[*Client]struct{}
	closing bool
	conns   sync.WaitGroup

	events  *prometheus.CounterVec
	dropped prometheus.Counter
}

// New creates a Server. Register handlers before serving.
func New(opts Options) (*Server, error) {
	opts.setDefaults()

	s := &Server{
		opts:     opts,
		log:      opts.Logger.With("component", "socket"),
		handlers: make(map[string]HandlerFunc),
		clients:  make(map[string]*Client),
		rooms:    make(map[string]map[*Client]struct{}),
	}
	switch opts.AsyncMode {
	case ModeThreading:
	case ModeEventlet, ModeGevent, ModeGeventUWSGI:
		s.serial = true
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAsyncMode, opts.AsyncMode)
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		// Origin is checked in ServeHTTP before the upgrade.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	f := promauto.With(opts.Registerer)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tickerdesk",
		Subsystem: "socket",
		Name:      "clients",
		Help:      "Connected socket clients.",
	}, func() float64 { return float64(s.Clients()) })
	s.events = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tickerdesk",
		Subsystem: "socket",
		Name:      "events_total",
		Help:      "Inbound socket events, by event name.",
	}, []string{"event"})
	s.dropped = f.NewCounter(prometheus.CounterOpts{
		Namespace: "tickerdesk",
		Subsystem: "socket",
		Name:      "dropped_messages_total",
		Help:      "Outbound messages dropped for slow clients.",
	})

	return s, nil
}

// AsyncMode returns the configured dispatch mode.
func (s *Server) AsyncMode() string { return s.opts.AsyncMode }

// AllowedOrigins returns the CORS allow-list.
func (s *Server) AllowedOrigins() config.Origins { return s.opts.AllowedOrigins }

// On registers the handler for event, replacing any previous one.
func (s *Server) On(event string, h HandlerFunc) {
	s.mu.Lock()
	s.handlers[event] = h
	s.mu.Unlock()
}

// OnConnect adds a connect hook. Hooks run in registration order.
func (s *Server) OnConnect(fn ConnectFunc) {
	s.mu.Lock()
	s.onConnect = append(s.onConnect, fn)
	s.mu.Unlock()
}

// OnDisconnect adds a disconnect hook.
func (s *Server) OnDisconnect(fn DisconnectFunc) {
	s.mu.Lock()
	s.onDisconnect = append(s.onDisconnect, fn)
	s.mu.Unlock()
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && !s.opts.AllowedOrigins.Allows(origin) {
		s.log.Warn("socket: origin rejected", "origin", origin)
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.conns.Add(1)
	s.mu.Unlock()
	defer s.conns.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Debug("socket: upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		id:     uuid.NewString(),
		srv:    s,
		conn:   conn,
		req:    r,
		outbox: make(chan []byte, outboxSize),
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]struct{}),
	}

	s.mu.Lock()
	s.clients[c.id] = c
	connectHooks := s.onConnect
	s.mu.Unlock()

	s.log.Info("socket: client connected", "client", c.id, "remote", r.RemoteAddr)

	// Hooks run before the write loop starts; their emits wait in the outbox.
	for _, fn := range connectHooks {
		if err := fn(c); err != nil {
			s.log.Info("socket: connection refused by connect hook", "client", c.id, "error", err)
			if b, eerr := encodeFrame(EventError, nil, errorData{Message: err.Error()}); eerr == nil {
				conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
				conn.WriteMessage(websocket.TextMessage, b)
			}
			cancel()
			conn.Close()
			s.remove(c)
			return
		}
	}

	go c.writeLoop()
	c.readLoop()
	c.cancel()
	c.handlers.Wait()
	s.remove(c)

	s.mu.RLock()
	disconnectHooks := s.onDisconnect
	s.mu.RUnlock()
	for _, fn := range disconnectHooks {
		fn(c)
	}
	s.log.Info("socket: client disconnected", "client", c.id)
}

// remove drops c from the client table and every room.
func (s *Server) remove(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	for room := range c.rooms {
		s.leaveLocked(c, room)
	}
}

// dispatch runs the handler for f and sends the ack or error.
func (s *Server) dispatch(c *Client, f Frame) {
	s.mu.RLock()
	h, ok := s.handlers[f.Event]
	s.mu.RUnlock()
	if !ok {
		c.replyError(f.ID, fmt.Errorf("%w: %s", ErrUnknownEvent, f.Event))
		return
	}
	s.events.WithLabelValues(f.Event).Inc()

	res, err := s.call(c, h, f)
	if err != nil {
		c.replyError(f.ID, err)
		return
	}
	if f.ID != nil {
		c.reply(f.ID, res)
	}
}

func (s *Server) call(c *Client, h HandlerFunc, f Frame) (res any, err error) {
	defer func() {
		if p := recover(); p != nil {
			c.logger().Error("socket: handler panic", "event", f.Event, "panic", p)
			res, err = nil, errInternal
		}
	}()
	return h(c.ctx, c, f.Data)
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast sends event to every connected client.
func (s *Server) Broadcast(event string, data any) (int, error) {
	b, err := encodeFrame(event, nil, data)
	if err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.clients {
		if c.send(b) {
			n++
		}
	}
	return n, nil
}

// Shutdown disconnects every client and waits for their handlers to finish
// or for ctx to expire. New connections are refused.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for _, c := range s.clients {
		c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
