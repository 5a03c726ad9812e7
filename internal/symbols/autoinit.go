package symbols

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// InitStatus is the outcome of AutoInit.
type InitStatus int

const (
	// InitSkipped means symbol tables already existed.
	InitSkipped InitStatus = iota
	// InitLoaded means this process downloaded and loaded the tables.
	InitLoaded
	// InitFailed means initialization failed; the service runs without
	// symbol data until the next start.
	InitFailed
)

func (s InitStatus) String() string {
	switch s {
	case InitSkipped:
		return "skipped"
	case InitLoaded:
		return "loaded"
	case InitFailed:
		return "failed"
	default:
		return fmt.Sprintf("InitStatus(%d)", int(s))
	}
}

// InitResult reports what AutoInit did. Err is set only for InitFailed.
type InitResult struct {
	Status InitStatus
	Tables []string
	Err    error
}

// Ready reports whether symbol data is available after the run.
func (r InitResult) Ready() bool {
	return r.Status != InitFailed && len(r.Tables) > 0
}

// Initializer is the part of Master that AutoInit drives.
type Initializer interface {
	ListAvailableTables(ctx context.Context) ([]string, error)
	EnsureInitialized(ctx context.Context, urls []string) (bool, error)
}

// AutoInitOptions configures AutoInit.
type AutoInitOptions struct {
	Master  Initializer
	DataDir string
	// Sources overrides DefaultSourceURLs when non-empty.
	Sources []string
	Logger  *slog.Logger
}

// AutoInit loads the symbol masters when the database has no symbol tables.
// It never fails: any error is logged and returned inside the result, and
// the caller keeps starting up.
func AutoInit(ctx context.Context, opts AutoInitOptions) (res InitResult) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	fail := func(err error) InitResult {
		log.Warn("Failed to initialize symbol data. App will continue without symbol data.", "error", err)
		return InitResult{Status: InitFailed, Err: err}
	}
	defer func() {
		if r := recover(); r != nil {
			res = fail(fmt.Errorf("symbols: auto-init panic: %v", r))
		}
	}()

	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return fail(fmt.Errorf("symbols: create data dir: %w", err))
	}

	tables, err := opts.Master.ListAvailableTables(ctx)
	if err != nil {
		return fail(err)
	}
	if len(tables) > 0 {
		log.Info("Database ready", "tables", tables)
		return InitResult{Status: InitSkipped, Tables: tables}
	}

	urls := opts.Sources
	if len(urls) == 0 {
		urls = DefaultSourceURLs
	}

	log.Info("Database empty - initializing symbol data", "sources", len(urls))
	loaded, err := opts.Master.EnsureInitialized(ctx, urls)
	if err != nil {
		return fail(err)
	}

	tables, err = opts.Master.ListAvailableTables(ctx)
	if err != nil {
		return fail(err)
	}
	if !loaded {
		log.Info("Database initialized by another process", "tables", tables)
		return InitResult{Status: InitSkipped, Tables: tables}
	}
	log.Info("Database initialization complete", "tables", tables)
	return InitResult{Status: InitLoaded, Tables: tables}
}
