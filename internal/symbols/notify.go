package symbols

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReloadChannel is the Redis pub/sub channel that announces a finished load
// of the symbol tables.
const ReloadChannel = "tickerdesk:symbols:reloaded"

// ReloadNotice is published on ReloadChannel after a load commits.
type ReloadNotice struct {
	Tables   []string  `json:"tables"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Publisher is the part of a Redis client PublishReload needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// PublishReload announces that tables were loaded.
func PublishReload(ctx context.Context, p Publisher, tables []string) error {
	b, err := json.Marshal(ReloadNotice{Tables: tables, LoadedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("symbols: encode reload notice: %w", err)
	}
	if err := p.Publish(ctx, ReloadChannel, b).Err(); err != nil {
		return fmt.Errorf("symbols: publish reload: %w", err)
	}
	return nil
}

// WatchReloads subscribes to ReloadChannel and calls fn for every notice
// until ctx is done.
func WatchReloads(ctx context.Context, rdb *redis.Client, log *slog.Logger, fn func(context.Context, ReloadNotice)) error {
	ps := rdb.Subscribe(ctx, ReloadChannel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("symbols: subscribe %s: %w", ReloadChannel, err)
	}
	watchReloads(ctx, ps.Channel(), log, fn)
	return nil
}

func watchReloads(ctx context.Context, msgs <-chan *redis.Message, log *slog.Logger, fn func(context.Context, ReloadNotice)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var n ReloadNotice
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				log.Warn("ignoring malformed reload notice", "channel", msg.Channel, "error", err)
				continue
			}
			fn(ctx, n)
		}
	}
}

// DialRedis connects to Redis and checks the connection with a ping.
func DialRedis(ctx context.Context, opts *redis.Options) (*redis.Client, error) {
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("symbols: redis ping %s: %w", opts.Addr, err)
	}
	return rdb, nil
}
