package main

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/tickerdesk/internal/config"
	"github.com/caesar-terminal/tickerdesk/internal/symbols"
)

// closedAddr returns a loopback address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestDialRedisDisabled(t *testing.T) {
	var buf bytes.Buffer
	rdb := dialRedis(context.Background(), config.RedisConfig{}, slog.New(slog.NewTextHandler(&buf, nil)))
	assert.Nil(t, rdb)
	assert.Empty(t, buf.String())
}

func TestUnreachableRedisFallsBackToLockFile(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	rdb := dialRedis(context.Background(), config.RedisConfig{Addr: closedAddr(t)}, log)
	require.Nil(t, rdb)
	assert.Contains(t, buf.String(), "falling back to the init lock file")

	// Startup continues: the master opens with its default file lock and can
	// take it.
	dir := t.TempDir()
	m, err := symbols.Open(symbols.Options{DBPath: filepath.Join(dir, "symbols.db"), DataDir: dir, Logger: log})
	require.NoError(t, err)
	defer m.Close()

	res := symbols.AutoInit(context.Background(), symbols.AutoInitOptions{
		Master:  m,
		DataDir: dir,
		Sources: []string{"http://" + closedAddr(t) + "/NSE_CM.csv"},
		Logger:  log,
	})
	assert.Equal(t, symbols.InitFailed, res.Status)
	assert.NotContains(t, res.Err.Error(), "lock")
}
