// Package symbols stores the Fyers symbol masters in SQLite and loads them
// from the published CSV files.
package symbols

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	insertBatchSize = 200
	maxSearchLimit  = 100

	defaultLockWait = 2 * time.Minute
)

// Options configures Open.
type Options struct {
	DBPath  string
	DataDir string

	// HTTPClient downloads the CSV files. Defaults to a client with Timeout.
	HTTPClient *http.Client
	Timeout    time.Duration

	// Locker guards EnsureInitialized. Defaults to a FileLocker in DataDir.
	Locker   Locker
	// LockWait bounds how long EnsureInitialized waits for Locker.
	LockWait time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
}

// Master is the symbol database. It is safe for concurrent use.
type Master struct {
	db       *gorm.DB
	dataDir  string
	client   *http.Client
	locker   Locker
	lockWait time.Duration
	log      *slog.Logger
	metrics  *Metrics
}

// Open opens (creating if needed) the SQLite database at opts.DBPath.
func Open(opts Options) (*Master, error) {
	if opts.DBPath == "" {
		return nil, errors.New("symbols: open: empty database path")
	}
	if opts.DataDir == "" {
		opts.DataDir = filepath.Dir(opts.DBPath)
	}
	if err := os.MkdirAll(filepath.Dir(opts.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("symbols: open: %w", err)
	}

	dsn := opts.DBPath + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("symbols: open %s: %w", opts.DBPath, err)
	}
	if err := db.AutoMigrate(&Source{}); err != nil {
		return nil, fmt.Errorf("symbols: migrate catalog: %w", err)
	}

	m := &Master{
		db:       db,
		dataDir:  opts.DataDir,
		client:   opts.HTTPClient,
		locker:   opts.Locker,
		lockWait: opts.LockWait,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
	if m.client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		m.client = &http.Client{Timeout: timeout}
	}
	if m.locker == nil {
		m.locker = NewFileLocker(filepath.Join(opts.DataDir, ".symbols.lock"))
	}
	if m.lockWait <= 0 {
		m.lockWait = defaultLockWait
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	return m, nil
}

// Close releases the database handle.
func (m *Master) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ListAvailableTables returns the names of the loaded symbol tables, sorted.
func (m *Master) ListAvailableTables(ctx context.Context) ([]string, error) {
	all, err := m.db.WithContext(ctx).Migrator().GetTables()
	if err != nil {
		return nil, fmt.Errorf("symbols: list tables: %w", err)
	}
	tables := make([]string, 0, len(all))
	for _, t := range all {
		if t == catalogTable || strings.HasPrefix(t, "sqlite_") {
			continue
		}
		tables = append(tables, t)
	}
	slices.Sort(tables)
	return tables, nil
}

// Sources returns the catalog of loaded tables.
func (m *Master) Sources(ctx context.Context) ([]Source, error) {
	var out []Source
	if err := m.db.WithContext(ctx).Order("table_name").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("symbols: sources: %w", err)
	}
	return out, nil
}

// ProcessAll downloads every URL into the data directory, then replaces
// the corresponding tables in a single transaction. Either every table is
// loaded or none is changed.
func (m *Master) ProcessAll(ctx context.Context, urls []string) ([]string, error) {
	if len(urls) == 0 {
		return nil, errors.New("symbols: process: no source urls")
	}
	tables := make([]string, len(urls))
	for i, u := range urls {
		t, err := TableForURL(u)
		if err != nil {
			return nil, err
		}
		if slices.Contains(tables[:i], t) {
			return nil, fmt.Errorf("symbols: process: duplicate table %q", t)
		}
		tables[i] = t
	}

	start := time.Now()
	paths, err := m.download(ctx, urls)
	if err != nil {
		m.metrics.Failures.Inc()
		return nil, err
	}

	counts := make([]loadCount, len(paths))
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, path := range paths {
			c, err := m.loadTable(tx, tables[i], urls[i], path)
			if err != nil {
				return err
			}
			counts[i] = c
		}
		return nil
	})
	if err != nil {
		m.metrics.Failures.Inc()
		return nil, err
	}

	for i, c := range counts {
		m.metrics.RowsIngested.WithLabelValues(tables[i]).Add(float64(c.rows))
		m.metrics.RowsSkipped.WithLabelValues(tables[i]).Add(float64(c.skipped))
		m.log.Info("symbol table loaded", "table", tables[i], "rows", c.rows, "skipped", c.skipped)
	}

	m.log.Info("symbol tables loaded", "tables", tables, "duration", time.Since(start))
	return tables, nil
}

// loadCount is what one table load inserted and skipped.
type loadCount struct {
	rows, skipped int
}

func (m *Master) loadTable(tx *gorm.DB, table, url, path string) (loadCount, error) {
	f, err := os.Open(path)
	if err != nil {
		return loadCount{}, fmt.Errorf("symbols: load %s: %w", table, err)
	}
	rows, skipped, err := ParseCSV(f)
	f.Close()
	if err != nil {
		return loadCount{}, fmt.Errorf("symbols: load %s: %w", table, err)
	}

	mig := tx.Migrator()
	if mig.HasTable(table) {
		if err := mig.DropTable(table); err != nil {
			return loadCount{}, fmt.Errorf("symbols: drop %s: %w", table, err)
		}
	}
	if err := tx.Table(table).AutoMigrate(&Symbol{}); err != nil {
		return loadCount{}, fmt.Errorf("symbols: create %s: %w", table, err)
	}
	// table is restricted to [a-z0-9_] by TableForURL.
	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%[1]s_ticker ON %[1]s (ticker)", table)
	if err := tx.Exec(idx).Error; err != nil {
		return loadCount{}, fmt.Errorf("symbols: index %s: %w", table, err)
	}
	if err := tx.Table(table).CreateInBatches(rows, insertBatchSize).Error; err != nil {
		return loadCount{}, fmt.Errorf("symbols: insert %s: %w", table, err)
	}

	src := Source{Table: table, URL: url, Rows: len(rows), LoadedAt: time.Now().UTC()}
	if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&src).Error; err != nil {
		return loadCount{}, fmt.Errorf("symbols: catalog %s: %w", table, err)
	}

	return loadCount{rows: len(rows), skipped: skipped}, nil
}

// EnsureInitialized loads urls unless symbol tables already exist. The
// check runs again under the init lock, so concurrent processes load once.
// It reports whether this call performed the load. Waiting for the lock is
// bounded by the LockWait option.
func (m *Master) EnsureInitialized(ctx context.Context, urls []string) (bool, error) {
	lockCtx, cancel := context.WithTimeout(ctx, m.lockWait)
	unlock, err := m.locker.Lock(lockCtx)
	cancel()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return false, fmt.Errorf("symbols: init lock still held after %s: %w", m.lockWait, ErrLockBusy)
		}
		return false, fmt.Errorf("symbols: acquire init lock: %w", err)
	}
	defer unlock()

	tables, err := m.ListAvailableTables(ctx)
	if err != nil {
		return false, err
	}
	if len(tables) > 0 {
		m.log.Debug("symbol tables appeared while waiting for lock", "tables", tables)
		return false, nil
	}

	if _, err := m.ProcessAll(ctx, urls); err != nil {
		return false, err
	}
	return true, nil
}

// Search returns up to limit symbols whose ticker or description contains
// query, case-insensitively, across all tables.
func (m *Master) Search(ctx context.Context, query string, limit int) ([]Symbol, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Symbol{}, nil
	}
	if limit <= 0 || limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	tables, err := m.ListAvailableTables(ctx)
	if err != nil {
		return nil, err
	}

	pattern := "%" + escapeLike(strings.ToUpper(query)) + "%"
	out := make([]Symbol, 0, limit)
	for _, t := range tables {
		var rows []Symbol
		err := m.db.WithContext(ctx).Table(t).
			Where(`UPPER(ticker) LIKE ? ESCAPE '\' OR UPPER(details) LIKE ? ESCAPE '\'`, pattern, pattern).
			Order("ticker").
			Limit(limit - len(out)).
			Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("symbols: search %s: %w", t, err)
		}
		for i := range rows {
			rows[i].Table = t
		}
		out = append(out, rows...)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Lookup returns the symbol with the exact ticker, e.g. "NSE:SBIN-EQ".
func (m *Master) Lookup(ctx context.Context, ticker string) (*Symbol, error) {
	tables, err := m.ListAvailableTables(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tables {
		var rows []Symbol
		err := m.db.WithContext(ctx).Table(t).Where("ticker = ?", ticker).Limit(1).Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("symbols: lookup %s: %w", t, err)
		}
		if len(rows) > 0 {
			rows[0].Table = t
			return &rows[0], nil
		}
	}
	return nil, ErrNotFound
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
