package symbols

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes symbol initialization across processes. Lock blocks
// until the lock is held or ctx is done; the returned func releases it.
type Locker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

// FileLocker is a Locker backed by an exclusively created lock file. The
// file records the owner's pid, host and a token. A lock whose owner process
// is gone from this host, or whose file is older than Stale, is taken over.
type FileLocker struct {
	Path  string
	Stale time.Duration
	Poll  time.Duration
}

// NewFileLocker returns a FileLocker with defaults suited to a startup
// download of a few megabytes.
func NewFileLocker(path string) *FileLocker {
	return &FileLocker{Path: path, Stale: 10 * time.Minute, Poll: 250 * time.Millisecond}
}

// lockOwner is the content of a lock file.
type lockOwner struct {
	PID   int
	Host  string
	Token string
}

func (o lockOwner) String() string {
	return fmt.Sprintf("%d %s %s\n", o.PID, o.Host, o.Token)
}

func readLockOwner(path string) (lockOwner, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return lockOwner{}, false
	}
	var o lockOwner
	if _, err := fmt.Sscan(string(b), &o.PID, &o.Host, &o.Token); err != nil {
		return lockOwner{}, false
	}
	return o, true
}

// Lock implements Locker.
func (l *FileLocker) Lock(ctx context.Context) (func(), error) {
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	me := lockOwner{PID: os.Getpid(), Host: host, Token: uuid.NewString()}

	for {
		f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := f.WriteString(me.String())
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(l.Path)
				return nil, fmt.Errorf("symbols: write lock file: %w", werr)
			}
			return func() { l.release(me) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("symbols: create lock file: %w", err)
		}

		if l.abandoned(me.Host) {
			os.Remove(l.Path)
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.Poll):
		}
	}
}

// abandoned reports whether the current lock file belongs to a process that
// no longer runs on this host, or has outlived Stale.
func (l *FileLocker) abandoned(host string) bool {
	if o, ok := readLockOwner(l.Path); ok && o.Host == host && o.PID > 0 && !processAlive(o.PID) {
		return true
	}
	info, err := os.Stat(l.Path)
	return err == nil && l.Stale > 0 && time.Since(info.ModTime()) > l.Stale
}

// release removes the lock file only while it still names me.
func (l *FileLocker) release(me lockOwner) {
	if o, ok := readLockOwner(l.Path); ok && o.Token == me.Token {
		os.Remove(l.Path)
	}
}

// RedisClient abstracts the Redis operations used by RedisLocker.
// In production this is satisfied by NewRedisClient; in tests by a mock.
type RedisClient interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, value string) error
}

// releaseScript deletes the key only while it still holds our token, so an
// expired lock re-acquired by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type goRedis struct {
	c *redis.Client
}

// NewRedisClient adapts a go-redis client to RedisClient.
func NewRedisClient(c *redis.Client) RedisClient {
	return goRedis{c: c}
}

func (g goRedis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return g.c.SetNX(ctx, key, value, ttl).Result()
}

func (g goRedis) CompareAndDelete(ctx context.Context, key, value string) error {
	return releaseScript.Run(ctx, g.c, []string{key}, value).Err()
}

// RedisLocker is a Locker backed by a Redis key set with NX and a TTL.
type RedisLocker struct {
	Client RedisClient
	Key    string
	TTL    time.Duration
	Poll   time.Duration
}

// NewRedisLocker returns a RedisLocker on the shared symbol-init key.
func NewRedisLocker(client RedisClient) *RedisLocker {
	return &RedisLocker{
		Client: client,
		Key:    "tickerdesk:lock:symbol-init",
		TTL:    10 * time.Minute,
		Poll:   250 * time.Millisecond,
	}
}

// Lock implements Locker.
func (l *RedisLocker) Lock(ctx context.Context) (func(), error) {
	token := uuid.NewString() + ":" + strconv.Itoa(os.Getpid())
	for {
		ok, err := l.Client.SetNX(ctx, l.Key, token, l.TTL)
		if err != nil {
			return nil, fmt.Errorf("symbols: redis lock: %w", err)
		}
		if ok {
			return func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				l.Client.CompareAndDelete(ctx, l.Key, token)
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.Poll):
		}
	}
}
