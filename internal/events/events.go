// Package events registers the socket event handlers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/caesar-terminal/tickerdesk/internal/socket"
	"github.com/caesar-terminal/tickerdesk/internal/symbols"
)

// Event names.
const (
	EventWelcome       = "welcome"
	EventPing          = "ping"
	EventPong          = "pong"
	EventSearch        = "search_symbols"
	EventSearchResults = "search_results"
	EventSubscribe     = "subscribe"
	EventSubscribed    = "subscribed"
	EventUnsubscribe   = "unsubscribe"
	EventUnsubscribed  = "unsubscribed"

	EventSymbolsReloaded = "symbols_reloaded"
	EventSymbol          = "symbol"
)

const roomPrefix = "ticker:"

const defaultSearchLimit = 20

// ErrUnknownSymbol is reported when subscribing to a ticker that is not in
// the symbol master.
var ErrUnknownSymbol = errors.New("unknown symbol")

// SymbolStore is the part of the symbol master the handlers read.
type SymbolStore interface {
	Search(ctx context.Context, query string, limit int) ([]symbols.Symbol, error)
	Lookup(ctx context.Context, ticker string) (*symbols.Symbol, error)
}

// Deps are the collaborators of the handlers.
type Deps struct {
	Symbols SymbolStore
	Logger  *slog.Logger
	// Ready reports whether symbol data is loaded. Nil means unknown.
	Ready func() bool
	// Now defaults to time.Now.
	Now func() time.Time
}

type searchRequest struct {
	Query string `json:"query" validate:"required,max=64"`
	Limit int    `json:"limit" validate:"min=0,max=100"`
}

type tickerRequest struct {
	Ticker string `json:"ticker" validate:"required,max=64"`
}

var validate = validator.New()

// Room returns the room that carries updates for ticker.
func Room(ticker string) string {
	return roomPrefix + ticker
}

type handlers struct {
	srv  *socket.Server
	deps Deps
	log  *slog.Logger
}

// Register installs every event handler on srv.
func Register(srv *socket.Server, deps Deps) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &handlers{srv: srv, deps: deps, log: deps.Logger.With("component", "events")}

	srv.OnConnect(h.connect)
	srv.OnDisconnect(h.disconnect)
	srv.On(EventPing, h.ping)
	srv.On(EventSearch, h.search)
	srv.On(EventSubscribe, h.subscribe)
	srv.On(EventUnsubscribe, h.unsubscribe)
}

func (h *handlers) connect(c *socket.Client) error {
	welcome := map[string]any{
		"sid":        c.ID(),
		"async_mode": h.srv.AsyncMode(),
	}
	if h.deps.Ready != nil {
		welcome["symbols_ready"] = h.deps.Ready()
	}
	return c.Emit(EventWelcome, welcome)
}

func (h *handlers) disconnect(c *socket.Client) {
	h.log.Debug("client gone", "client", c.ID())
}

func (h *handlers) ping(_ context.Context, c *socket.Client, _ json.RawMessage) (any, error) {
	return nil, c.Emit(EventPong, map[string]int64{"ts": h.deps.Now().UnixMilli()})
}

func (h *handlers) search(ctx context.Context, c *socket.Client, data json.RawMessage) (any, error) {
	var req searchRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.Limit == 0 {
		req.Limit = defaultSearchLimit
	}

	found, err := h.deps.Symbols.Search(ctx, req.Query, req.Limit)
	if err != nil {
		h.log.Error("symbol search failed", "query", req.Query, "error", err)
		return nil, errors.New("search unavailable")
	}
	return nil, c.Emit(EventSearchResults, map[string]any{
		"query":   req.Query,
		"results": found,
	})
}

func (h *handlers) subscribe(ctx context.Context, c *socket.Client, data json.RawMessage) (any, error) {
	var req tickerRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	ticker := strings.ToUpper(req.Ticker)

	sym, err := h.deps.Symbols.Lookup(ctx, ticker)
	if errors.Is(err, symbols.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, ticker)
	}
	if err != nil {
		h.log.Error("symbol lookup failed", "ticker", ticker, "error", err)
		return nil, errors.New("lookup unavailable")
	}

	h.srv.Join(c, Room(ticker))
	return nil, c.Emit(EventSubscribed, map[string]any{"ticker": ticker, "symbol": sym})
}

func (h *handlers) unsubscribe(_ context.Context, c *socket.Client, data json.RawMessage) (any, error) {
	var req tickerRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	ticker := strings.ToUpper(req.Ticker)

	h.srv.Leave(c, Room(ticker))
	return nil, c.Emit(EventUnsubscribed, map[string]string{"ticker": ticker})
}

// Announce tells every client that the symbol tables were reloaded, then
// pushes the refreshed row of each subscribed ticker to its room. A ticker
// that no longer exists is sent with a null symbol.
func Announce(ctx context.Context, srv *socket.Server, store SymbolStore, n symbols.ReloadNotice, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	if _, err := srv.Broadcast(EventSymbolsReloaded, n); err != nil {
		log.Error("announce reload failed", "error", err)
		return
	}

	for room, members := range srv.Rooms(roomPrefix) {
		ticker := strings.TrimPrefix(room, roomPrefix)
		sym, err := store.Lookup(ctx, ticker)
		if err != nil && !errors.Is(err, symbols.ErrNotFound) {
			log.Error("refresh lookup failed", "ticker", ticker, "error", err)
			continue
		}
		if _, err := srv.Emit(room, EventSymbol, map[string]any{"ticker": ticker, "symbol": sym}); err != nil {
			log.Error("refresh emit failed", "ticker", ticker, "error", err)
			continue
		}
		log.Debug("symbol refreshed", "ticker", ticker, "members", members)
	}
}

// decode unmarshals and validates an event payload.
func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
