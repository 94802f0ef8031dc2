package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another deploy holds the application lock.
var ErrLocked = errors.New("deploy: application is locked")

// Locker serializes deploys per application.
type Locker interface {
	Lock(ctx context.Context, applicationID int64) (unlock func(), err error)
}

// MemoryLocker is a Locker for a single orchestrator process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[int64]struct{}
}

// NewMemoryLocker returns an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[int64]struct{})}
}

// Lock implements Locker without blocking.
func (l *MemoryLocker) Lock(_ context.Context, applicationID int64) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[applicationID]; busy {
		return nil, ErrLocked
	}
	l.held[applicationID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, applicationID)
			l.mu.Unlock()
		})
	}, nil
}

const defaultLockTTL = time.Hour

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker shares application locks between orchestrator instances. A
// held lease is renewed until unlock, so it only expires when its holder dies.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

// NewRedisLocker returns a Locker backed by client. The caller owns client.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: client, ttl: ttl, prefix: "springops:deploy-lock:", logger: logger}
}

// Lock implements Locker with SET NX PX.
func (l *RedisLocker) Lock(ctx context.Context, applicationID int64) (func(), error) {
	key := l.prefix + strconv.FormatInt(applicationID, 10)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire deploy lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(key, token, applicationID, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
				l.logger.Error("release deploy lock failed", "application_id", applicationID, "error", err)
			}
		})
	}, nil
}

func (l *RedisLocker) renew(key, token string, applicationID int64, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(renewInterval(l.ttl))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			renewed, err := renewScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			switch {
			case err != nil:
				l.logger.Warn("renew deploy lock failed", "application_id", applicationID, "error", err)
			case renewed == 0:
				l.logger.Error("deploy lock lease lost", "application_id", applicationID)
				return
			}
		}
	}
}

// renewInterval leaves two renew attempts before a lease of ttl expires.
func renewInterval(ttl time.Duration) time.Duration {
	interval := ttl / 3
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}
