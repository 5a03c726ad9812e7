package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/tickerdesk/internal/symbols"
)

type fakeStore struct {
	tables []string
	syms   []symbols.Symbol
	err    error
	limit  int
}

func (f *fakeStore) ListAvailableTables(context.Context) ([]string, error) { return f.tables, f.err }

func (f *fakeStore) Sources(context.Context) ([]symbols.Source, error) {
	var out []symbols.Source
	for _, t := range f.tables {
		out = append(out, symbols.Source{Table: t, Rows: 1})
	}
	return out, f.err
}

func (f *fakeStore) Search(_ context.Context, q string, limit int) ([]symbols.Symbol, error) {
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	out := []symbols.Symbol{}
	for _, s := range f.syms {
		if strings.Contains(s.Ticker, strings.ToUpper(q)) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) Lookup(_ context.Context, ticker string) (*symbols.Symbol, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, s := range f.syms {
		if s.Ticker == ticker {
			return &s, nil
		}
	}
	return nil, symbols.ErrNotFound
}

func newTestHandler(t *testing.T, store *fakeStore, ready bool) (http.Handler, *Sessions) {
	t.Helper()
	sessions := NewSessions(securecookie.GenerateRandomKey(64), securecookie.GenerateRandomKey(32), false)
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "tickerdesk_test_total", Help: "test"}))

	h := New(Deps{
		Symbols:  store,
		Sessions: sessions,
		Ready:    func() bool { return ready },
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Info:     Info{Service: "tickerdesk", Version: "test", Env: "development", AsyncMode: "threading"},
		Now:      func() time.Time { return time.Unix(1700000000, 0) },
	})
	return h.Routes(), sessions
}

func do(h http.Handler, method, target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sampleStore() *fakeStore {
	return &fakeStore{
		tables: []string{"nse_cd", "nse_cm", "nse_fo"},
		syms: []symbols.Symbol{
			{Ticker: "NSE:SBIN-EQ", Details: "SBIN EQ", LotSize: 1, Table: "nse_cm"},
			{Ticker: "NSE:TCS-EQ", Details: "TCS LTD", LotSize: 1, Table: "nse_cm"},
		},
	}
}

func TestIndexAndHealth(t *testing.T) {
	h, _ := newTestHandler(t, sampleStore(), true)

	rec := do(h, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"service":"tickerdesk","version":"test","env":"development","async_mode":"threading"}`, rec.Body.String())

	rec = do(h, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","symbols_ready":true}`, rec.Body.String())

	h, _ = newTestHandler(t, &fakeStore{}, false)
	rec = do(h, http.MethodGet, "/healthz")
	assert.JSONEq(t, `{"status":"ok","symbols_ready":false}`, rec.Body.String())
}

func TestTables(t *testing.T) {
	h, _ := newTestHandler(t, sampleStore(), true)

	rec := do(h, http.MethodGet, "/api/symbols/tables")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Tables  []string         `json:"tables"`
		Sources []symbols.Source `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"nse_cd", "nse_cm", "nse_fo"}, body.Tables)
	assert.Len(t, body.Sources, 3)
}

func TestSearch(t *testing.T) {
	store := sampleStore()
	h, _ := newTestHandler(t, store, true)

	rec := do(h, http.MethodGet, "/api/symbols/search?q=sbin")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ticker":"NSE:SBIN-EQ"`)
	assert.Equal(t, 20, store.limit)

	rec = do(h, http.MethodGet, "/api/symbols/search?q=tcs&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, store.limit)

	for _, target := range []string{
		"/api/symbols/search",
		"/api/symbols/search?q=%20",
		"/api/symbols/search?q=x&limit=0",
		"/api/symbols/search?q=x&limit=abc",
		"/api/symbols/search?q=x&limit=101",
	} {
		rec = do(h, http.MethodGet, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestLookup(t *testing.T) {
	h, _ := newTestHandler(t, sampleStore(), true)

	rec := do(h, http.MethodGet, "/api/symbols/nse:sbin-eq")
	require.Equal(t, http.StatusOK, rec.Code)

	var sym symbols.Symbol
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sym))
	assert.Equal(t, "NSE:SBIN-EQ", sym.Ticker)
	assert.Equal(t, "nse_cm", sym.Table)

	rec = do(h, http.MethodGet, "/api/symbols/NSE:NOPE-EQ")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"unknown symbol NSE:NOPE-EQ"}`, rec.Body.String())
}

func TestStoreErrorIsInternal(t *testing.T) {
	h, _ := newTestHandler(t, &fakeStore{err: errors.New("database is locked")}, false)

	for _, target := range []string{"/api/symbols/tables", "/api/symbols/search?q=x", "/api/symbols/X"} {
		rec := do(h, http.MethodGet, target)
		assert.Equal(t, http.StatusInternalServerError, rec.Code, target)
		assert.NotContains(t, rec.Body.String(), "locked", target)
	}
}

func TestFyersCallbackStoresSession(t *testing.T) {
	h, sessions := newTestHandler(t, sampleStore(), true)

	rec := do(h, http.MethodGet, "/fyers/callback?s=ok&code=200&auth_code=eyJ0eXAi.secret&state=abc")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
	assert.NotContains(t, rec.Body.String(), "eyJ0eXAi")

	res := rec.Result()
	cookies := res.Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, CookieName, c.Name)
	assert.True(t, c.HttpOnly)
	assert.NotContains(t, c.Value, "eyJ0eXAi", "cookie value is encrypted")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(c)
	s, ok := sessions.Load(req)
	require.True(t, ok)
	assert.Equal(t, "eyJ0eXAi.secret", s.AuthCode)
	assert.Equal(t, "abc", s.State)
	assert.EqualValues(t, 1700000000, s.IssuedAt)

	rec = do(h, http.MethodGet, "/api/session", c)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"authenticated":true,"state":"abc","issued_at":"2023-11-14T22:13:20Z"}`, rec.Body.String())
}

func TestFyersCallbackRejectsFailures(t *testing.T) {
	h, _ := newTestHandler(t, sampleStore(), true)

	for _, target := range []string{
		"/fyers/callback",
		"/fyers/callback?s=error&code=-413&message=invalid",
		"/fyers/callback?s=error&auth_code=x",
	} {
		rec := do(h, http.MethodGet, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.Empty(t, rec.Result().Cookies(), target)
	}
}

func TestSessionWithoutOrTamperedCookie(t *testing.T) {
	h, _ := newTestHandler(t, sampleStore(), true)

	rec := do(h, http.MethodGet, "/api/session")
	assert.JSONEq(t, `{"authenticated":false}`, rec.Body.String())

	rec = do(h, http.MethodGet, "/api/session", &http.Cookie{Name: CookieName, Value: "forged"})
	assert.JSONEq(t, `{"authenticated":false}`, rec.Body.String())

	// A cookie signed with other keys is rejected too.
	_, other := newTestHandler(t, sampleStore(), true)
	w := httptest.NewRecorder()
	require.NoError(t, other.Save(w, Session{AuthCode: "x"}))
	rec = do(h, http.MethodGet, "/api/session", w.Result().Cookies()[0])
	assert.JSONEq(t, `{"authenticated":false}`, rec.Body.String())
}

func TestDeleteSession(t *testing.T) {
	h, _ := newTestHandler(t, sampleStore(), true)

	rec := do(h, http.MethodDelete, "/api/session")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)
}

func TestMetrics(t *testing.T) {
	h, _ := newTestHandler(t, sampleStore(), true)

	rec := do(h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tickerdesk_test_total")
}
