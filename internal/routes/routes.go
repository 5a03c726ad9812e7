// Package routes is the HTTP route group of the service.
package routes

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/caesar-terminal/tickerdesk/internal/logging"
	"github.com/caesar-terminal/tickerdesk/internal/symbols"
)

// SymbolStore is the read side of the symbol master.
type SymbolStore interface {
	ListAvailableTables(ctx context.Context) ([]string, error)
	Sources(ctx context.Context) ([]symbols.Source, error)
	Search(ctx context.Context, query string, limit int) ([]symbols.Symbol, error)
	Lookup(ctx context.Context, ticker string) (*symbols.Symbol, error)
}

// Info describes the running service on GET /.
type Info struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Env       string `json:"env"`
	AsyncMode string `json:"async_mode"`
}

// Deps are the collaborators of Handler.
type Deps struct {
	Symbols  SymbolStore
	Sessions *Sessions
	// Ready reports whether symbol data is loaded.
	Ready   func() bool
	Metrics http.Handler
	Info    Info
	Logger  *slog.Logger
	Now     func() time.Time
}

// Handler serves the HTTP routes.
type Handler struct {
	deps Deps
	log  *slog.Logger
}

// New creates a Handler.
func New(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Ready == nil {
		deps.Ready = func() bool { return false }
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Handler{deps: deps, log: deps.Logger.With(slog.String("component", "routes"))}
}

// Routes returns the route group.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Get("/", h.Index)
		r.Get("/healthz", h.Health)
	})

	r.Get(logging.CallbackPath, h.FyersCallback)
	if h.deps.Metrics != nil {
		r.Handle("/metrics", h.deps.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Get("/session", h.GetSession)
		r.Delete("/session", h.DeleteSession)

		r.Route("/symbols", func(r chi.Router) {
			r.Get("/tables", h.Tables)
			r.Get("/search", h.Search)
			r.Get("/{ticker}", h.Lookup)
		})
	})

	return r
}

// Index handles GET /.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.deps.Info)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{
		"status":        "ok",
		"symbols_ready": h.deps.Ready(),
	})
}

// Tables handles GET /api/symbols/tables.
func (h *Handler) Tables(w http.ResponseWriter, r *http.Request) {
	tables, err := h.deps.Symbols.ListAvailableTables(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sources, err := h.deps.Symbols.Sources(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"tables": tables, "sources": sources})
}

// Search handles GET /api/symbols/search?q=&limit=.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		render.Render(w, r, errBadRequest("query parameter q is required"))
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			render.Render(w, r, errBadRequest("limit must be between 1 and 100"))
			return
		}
		limit = n
	}

	found, err := h.deps.Symbols.Search(r.Context(), q, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"query": q, "results": found})
}

// Lookup handles GET /api/symbols/{ticker}.
func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))
	sym, err := h.deps.Symbols.Lookup(r.Context(), ticker)
	if errors.Is(err, symbols.ErrNotFound) {
		render.Render(w, r, errNotFound("unknown symbol "+ticker))
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, sym)
}

// FyersCallback handles the broker redirect after login. The auth code is
// kept in the session cookie and never echoed or logged.
func (h *Handler) FyersCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("auth_code")
	if q.Get("s") == "error" || code == "" {
		render.Render(w, r, errBadRequest("authorization failed"))
		return
	}

	err := h.deps.Sessions.Save(w, Session{
		AuthCode: code,
		State:    q.Get("state"),
		IssuedAt: h.deps.Now().Unix(),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.Info("broker session stored", "state", q.Get("state"))
	http.Redirect(w, r, "/", http.StatusFound)
}

// GetSession handles GET /api/session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.deps.Sessions.Load(r)
	if !ok {
		render.JSON(w, r, map[string]any{"authenticated": false})
		return
	}
	render.JSON(w, r, map[string]any{
		"authenticated": true,
		"state":         s.State,
		"issued_at":     time.Unix(s.IssuedAt, 0).UTC(),
	})
}

// DeleteSession handles DELETE /api/session.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	h.deps.Sessions.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.log.Error("request failed", "path", r.URL.Path, "error", err)
	render.Render(w, r, errInternal())
}
