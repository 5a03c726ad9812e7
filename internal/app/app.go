// Package app assembles the HTTP server, the socket server and their
// handlers from a resolved configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caesar-terminal/tickerdesk/internal/config"
	"github.com/caesar-terminal/tickerdesk/internal/events"
	"github.com/caesar-terminal/tickerdesk/internal/logging"
	"github.com/caesar-terminal/tickerdesk/internal/routes"
	"github.com/caesar-terminal/tickerdesk/internal/secrets"
	"github.com/caesar-terminal/tickerdesk/internal/socket"
	"github.com/caesar-terminal/tickerdesk/internal/symbols"
)

// ServiceName is reported on GET /.
const ServiceName = "tickerdesk"

// SymbolStore is what the routes and socket events read from the symbol
// master.
type SymbolStore interface {
	routes.SymbolStore
}

// Deps are the collaborators New wires together.
type Deps struct {
	Symbols SymbolStore
	Secret  *secrets.Secret
	Logger  *slog.Logger
	// Registry receives the application metrics and backs /metrics. A nil
	// Registry gets a private one.
	Registry *prometheus.Registry
	Version  string
}

// App is the assembled service.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	symbols SymbolStore
	handler http.Handler
	socket  *socket.Server
	ready   atomic.Bool
}

// New builds the application from cfg. It does not read the process
// environment.
func New(cfg *config.Config, deps Deps) (*App, error) {
	if deps.Secret == nil {
		return nil, errors.New("app: missing secret")
	}
	if deps.Symbols == nil {
		return nil, errors.New("app: missing symbol store")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
		deps.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	a := &App{cfg: cfg, log: deps.Logger, symbols: deps.Symbols}

	hashKey, blockKey, err := deps.Secret.CookieKeys()
	if err != nil {
		return nil, fmt.Errorf("app: cookie keys: %w", err)
	}
	sessions := routes.NewSessions(hashKey, blockKey, !cfg.Debug())

	a.socket, err = socket.New(socket.Options{
		AllowedOrigins: cfg.Socket.CORSOrigins,
		AsyncMode:      cfg.Socket.AsyncMode,
		Logger:         deps.Logger,
		Registerer:     deps.Registry,
	})
	if err != nil {
		return nil, fmt.Errorf("app: socket server: %w", err)
	}
	events.Register(a.socket, events.Deps{Symbols: deps.Symbols, Logger: deps.Logger, Ready: a.ready.Load})

	rh := routes.New(routes.Deps{
		Symbols:  deps.Symbols,
		Sessions: sessions,
		Ready:    a.ready.Load,
		Metrics:  promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{Registry: deps.Registry}),
		Info: routes.Info{
			Service:   ServiceName,
			Version:   deps.Version,
			Env:       cfg.Env,
			AsyncMode: cfg.Socket.AsyncMode,
		},
		Logger: deps.Logger,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logging.Access(deps.Logger)))
	r.Use(middleware.Recoverer)
	r.Use(CORS(cfg.Socket.CORSOrigins))

	r.Handle(socket.Path, a.socket)
	r.Mount("/", rh.Routes())
	a.handler = r

	deps.Logger.Info("socket server configured",
		"async_mode", cfg.Socket.AsyncMode,
		"cors_allowed_origins", cfg.Socket.CORSOrigins.String())
	if deps.Secret.IsDefault() {
		deps.Logger.Warn("SECRET_KEY not set; using the insecure development default")
	}
	return a, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Socket returns the socket server.
func (a *App) Socket() *socket.Server { return a.socket }

// SetSymbolsReady records whether symbol data is available; /healthz
// reports it.
func (a *App) SetSymbolsReady(ready bool) { a.ready.Store(ready) }

// SymbolsReloaded marks symbol data ready and announces the reload to the
// connected socket clients.
func (a *App) SymbolsReloaded(ctx context.Context, n symbols.ReloadNotice) {
	a.log.Info("symbol tables reloaded", "tables", n.Tables, "loaded_at", n.LoadedAt)
	a.SetSymbolsReady(true)
	events.Announce(ctx, a.socket, a.symbols, n, a.log)
}

// Run listens on the configured address and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Addr(), err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully within
// the configured timeout.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	a.log.Info("listening", "addr", ln.Addr().String(), "debug", a.cfg.Debug())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	// Hijacked socket connections are not tracked by http.Server.
	sockErr := a.socket.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: shutdown: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("app: socket shutdown: %w", sockErr)
	}
	return nil
}
