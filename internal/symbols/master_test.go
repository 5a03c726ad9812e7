package symbols

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
)

const (
	cmFixture = sbinRow +
		"10100000002885,RELIANCE INDUSTRIES LTD,0,1,0.05,INE002A01018,0915-1530|1815-1915:,1700000000,,NSE:RELIANCE-EQ,10,10,2885,RELIANCE,2885,-1.0,XX,10100000002885\n" +
		"10100000011536,TCS LTD,0,1,0.05,INE467B01029,0915-1530|1815-1915:,1700000000,,NSE:TCS-EQ,10,10,11536,TCS,11536,-1.0,XX,10100000011536\n"
	foFixture = "101124122637384,NIFTY 24DEC 24000 CE,14,25,0.05,,0915-1530|1815-1915:,1733900000,1735122600,NSE:NIFTY24DEC24000CE,10,11,37384,NIFTY,26000,24000.0,CE,101000000026000\n" +
		"101124122637385,SBIN 24DEC FUT,11,750,0.05,,0915-1530|1815-1915:,1733900000,1735122600,NSE:SBIN24DECFUT,10,11,37385,SBIN,3045,-1.0,XX,10100000003045\n"
	cdFixture = "1012412264444,USDINR 24DEC FUT,11,1,0.0025,,0900-1700|1815-1915:,1733900000,1735122600,NSE:USDINR24DECFUT,10,12,4444,USDINR,1,-1.0,XX,1012000000001\n"
)

// fixtureServer serves the symbol master fixtures and counts requests.
type fixtureServer struct {
	*httptest.Server
	mu    sync.Mutex
	files map[string]string
	hits  atomic.Int32
}

func newFixtureServer() *fixtureServer {
	fs := &fixtureServer{files: map[string]string{
		"/NSE_CM.csv": cmFixture,
		"/NSE_FO.csv": foFixture,
		"/NSE_CD.csv": cdFixture,
	}}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.hits.Add(1)
		fs.mu.Lock()
		body, ok := fs.files[r.URL.Path]
		fs.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Write([]byte(body))
	}))
	return fs
}

func (fs *fixtureServer) set(path, body string) {
	fs.mu.Lock()
	fs.files[path] = body
	fs.mu.Unlock()
}

func (fs *fixtureServer) urls() []string {
	return []string{fs.URL + "/NSE_CM.csv", fs.URL + "/NSE_FO.csv", fs.URL + "/NSE_CD.csv"}
}

type MasterTestSuite struct {
	suite.Suite
	dir     string
	srv     *fixtureServer
	metrics *Metrics
	m       *Master
}

func (s *MasterTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.srv = newFixtureServer()
	s.metrics = NewMetrics(prometheus.NewRegistry())
	s.m = s.open()
}

func (s *MasterTestSuite) TearDownTest() {
	s.m.Close()
	s.srv.Close()
}

func (s *MasterTestSuite) open() *Master {
	m, err := Open(Options{
		DBPath:     filepath.Join(s.dir, "symbols.db"),
		DataDir:    s.dir,
		HTTPClient: s.srv.Client(),
		Locker:     &FileLocker{Path: filepath.Join(s.dir, ".lock"), Stale: time.Hour, Poll: 20 * time.Millisecond},
		Metrics:    s.metrics,
	})
	s.Require().NoError(err)
	return m
}

func (s *MasterTestSuite) count(table string) int64 {
	var n int64
	s.Require().NoError(s.m.db.Table(table).Count(&n).Error)
	return n
}

func (s *MasterTestSuite) TestEmptyDatabaseHasNoTables() {
	tables, err := s.m.ListAvailableTables(context.Background())
	s.Require().NoError(err)
	s.Empty(tables)
}

func (s *MasterTestSuite) TestProcessAllLoadsEveryTable() {
	ctx := context.Background()

	loaded, err := s.m.ProcessAll(ctx, s.srv.urls())
	s.Require().NoError(err)
	s.Equal([]string{"nse_cm", "nse_fo", "nse_cd"}, loaded)

	tables, err := s.m.ListAvailableTables(ctx)
	s.Require().NoError(err)
	s.Equal([]string{"nse_cd", "nse_cm", "nse_fo"}, tables)

	s.EqualValues(3, s.count("nse_cm"))
	s.EqualValues(2, s.count("nse_fo"))
	s.EqualValues(1, s.count("nse_cd"))
	s.FileExists(filepath.Join(s.dir, "nse_cm.csv"))

	sources, err := s.m.Sources(ctx)
	s.Require().NoError(err)
	s.Require().Len(sources, 3)
	s.Equal("nse_cd", sources[0].Table)
	s.Equal(1, sources[0].Rows)
	s.True(strings.HasSuffix(sources[0].URL, "/NSE_CD.csv"))

	s.Equal(3.0, testutil.ToFloat64(s.metrics.RowsIngested.WithLabelValues("nse_cm")))
}

func (s *MasterTestSuite) TestProcessAllIsIdempotent() {
	ctx := context.Background()
	_, err := s.m.ProcessAll(ctx, s.srv.urls())
	s.Require().NoError(err)
	_, err = s.m.ProcessAll(ctx, s.srv.urls())
	s.Require().NoError(err)

	s.EqualValues(3, s.count("nse_cm"))
	sources, err := s.m.Sources(ctx)
	s.Require().NoError(err)
	s.Len(sources, 3)
}

func (s *MasterTestSuite) TestProcessAllFailureLeavesTablesUntouched() {
	ctx := context.Background()
	_, err := s.m.ProcessAll(ctx, s.srv.urls())
	s.Require().NoError(err)

	s.srv.set("/NSE_CM.csv", "10100000009999,NEW LTD,0,1,0.05,,,,,NSE:NEW-EQ\n")
	s.srv.set("/NSE_CD.csv", "")

	_, err = s.m.ProcessAll(ctx, s.srv.urls())
	s.Require().Error(err)
	s.True(errors.Is(err, ErrEmptySource))

	s.EqualValues(3, s.count("nse_cm"))
	_, err = s.m.Lookup(ctx, "NSE:NEW-EQ")
	s.True(errors.Is(err, ErrNotFound))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Failures))
	s.Equal(3.0, testutil.ToFloat64(s.metrics.RowsIngested.WithLabelValues("nse_cm")),
		"rows of a rolled back load are not counted")
}

func (s *MasterTestSuite) TestProcessAllDownloadError() {
	urls := append(s.srv.urls(), s.srv.URL+"/BSE_CM.csv")

	_, err := s.m.ProcessAll(context.Background(), urls)
	s.Require().Error(err)
	s.Contains(err.Error(), "404")

	tables, err := s.m.ListAvailableTables(context.Background())
	s.Require().NoError(err)
	s.Empty(tables)
}

func (s *MasterTestSuite) TestProcessAllRejectsDuplicateTables() {
	_, err := s.m.ProcessAll(context.Background(), []string{s.srv.URL + "/NSE_CM.csv", s.srv.URL + "/nse_cm.csv"})
	s.Error(err)
	s.Zero(s.srv.hits.Load())
}

func (s *MasterTestSuite) TestDownloadValidatesBeforeFetching() {
	_, err := s.m.download(context.Background(), []string{s.srv.URL + "/NSE_CM.csv", s.srv.URL + "/"})
	s.Require().Error(err)
	s.True(errors.Is(err, ErrInvalidTable))
	s.Zero(s.srv.hits.Load(), "no fetch starts when a later url is invalid")
}

func (s *MasterTestSuite) TestEnsureInitializedLoadsOnce() {
	ctx := context.Background()

	loaded, err := s.m.EnsureInitialized(ctx, s.srv.urls())
	s.Require().NoError(err)
	s.True(loaded)
	hits := s.srv.hits.Load()
	s.EqualValues(3, hits)

	loaded, err = s.m.EnsureInitialized(ctx, s.srv.urls())
	s.Require().NoError(err)
	s.False(loaded)
	s.Equal(hits, s.srv.hits.Load())
}

func (s *MasterTestSuite) TestEnsureInitializedConcurrentProcesses() {
	other := s.open()
	defer other.Close()

	var wg sync.WaitGroup
	results := make([]bool, 2)
	errs := make([]error, 2)
	for i, m := range []*Master{s.m, other} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = m.EnsureInitialized(context.Background(), s.srv.urls())
		}()
	}
	wg.Wait()

	s.Require().NoError(errs[0])
	s.Require().NoError(errs[1])
	s.True(results[0] != results[1], "exactly one caller should load")
	s.EqualValues(3, s.srv.hits.Load())
}

// heldLocker never grants the lock.
type heldLocker struct{}

func (heldLocker) Lock(ctx context.Context) (func(), error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *MasterTestSuite) TestEnsureInitializedBoundsLockWait() {
	m, err := Open(Options{
		DBPath:     filepath.Join(s.dir, "held.db"),
		DataDir:    s.dir,
		HTTPClient: s.srv.Client(),
		Locker:     heldLocker{},
		LockWait:   50 * time.Millisecond,
	})
	s.Require().NoError(err)
	defer m.Close()

	start := time.Now()
	loaded, err := m.EnsureInitialized(context.Background(), s.srv.urls())
	s.False(loaded)
	s.Require().Error(err)
	s.True(errors.Is(err, ErrLockBusy))
	s.Less(time.Since(start), 5*time.Second)
	s.Zero(s.srv.hits.Load())
}

func (s *MasterTestSuite) TestSearchAndLookup() {
	ctx := context.Background()
	_, err := s.m.ProcessAll(ctx, s.srv.urls())
	s.Require().NoError(err)

	found, err := s.m.Search(ctx, "sbin", 10)
	s.Require().NoError(err)
	s.Require().Len(found, 2)
	s.Equal("NSE:SBIN-EQ", found[0].Ticker)
	s.Equal("nse_cm", found[0].Table)
	s.Equal("NSE:SBIN24DECFUT", found[1].Ticker)
	s.Equal("nse_fo", found[1].Table)

	found, err = s.m.Search(ctx, "industries", 10)
	s.Require().NoError(err)
	s.Require().Len(found, 1)
	s.Equal("NSE:RELIANCE-EQ", found[0].Ticker)

	found, err = s.m.Search(ctx, "-EQ", 2)
	s.Require().NoError(err)
	s.Len(found, 2)

	found, err = s.m.Search(ctx, "%", 10)
	s.Require().NoError(err)
	s.Empty(found)

	found, err = s.m.Search(ctx, "  ", 10)
	s.Require().NoError(err)
	s.Empty(found)

	sym, err := s.m.Lookup(ctx, "NSE:USDINR24DECFUT")
	s.Require().NoError(err)
	s.Equal("nse_cd", sym.Table)
	s.Equal(0.0025, sym.TickSize)

	_, err = s.m.Lookup(ctx, "NSE:NOPE-EQ")
	s.True(errors.Is(err, ErrNotFound))
}

func TestMasterTestSuite(t *testing.T) {
	suite.Run(t, new(MasterTestSuite))
}
