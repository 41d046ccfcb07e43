package clients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/wjbmattingly/vlamy/internal/config"
	"github.com/wjbmattingly/vlamy/internal/orchestrator"
)

const redisProbeName = "redis"

// ErrLockNotHeld is returned by a release func when the lock expired or was
// taken over before release.
var ErrLockNotHeld = errors.New("bootstrap lock no longer held")

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// redisPinger is the interface used by RedisClient for health probing.
// It is implemented by the real go-redis client and by test doubles.
type redisPinger interface {
	PingResult(ctx context.Context) (string, error)
}

type realRedisPinger struct {
	client *redis.Client
}

func (r *realRedisPinger) PingResult(ctx context.Context) (string, error) {
	return r.client.Ping(ctx).Result()
}

// RedisClient serialises bootstrap across replicas sharing one database,
// using a SET NX lock with an owner token and TTL.
type RedisClient struct {
	cfg     config.RedisConfig
	cb      *gobreaker.CircuitBreaker
	backoff time.Duration
	client  *redis.Client
	pinger  redisPinger
}

// NewRedisClient parses cfg.URL and builds a go-redis client. go-redis dials
// lazily, so no connection is opened here.
func NewRedisClient(cfg config.RedisConfig, backoff time.Duration, cb *gobreaker.CircuitBreaker) (*RedisClient, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	client := redis.NewClient(opts)
	return &RedisClient{
		cfg:     cfg,
		cb:      cb,
		backoff: backoff,
		client:  client,
		pinger:  &realRedisPinger{client: client},
	}, nil
}

// Probe sends a PING command to Redis and validates the PONG response. The call
// is wrapped in the circuit breaker; after 3 consecutive failures the breaker
// opens and subsequent calls return immediately with "circuit open".
func (c *RedisClient) Probe(ctx context.Context) orchestrator.ProbeResult {
	start := time.Now()

	_, err := c.cb.Execute(func() (any, error) {
		val, err := c.pinger.PingResult(ctx)
		if err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}
		if val != "PONG" {
			return nil, fmt.Errorf("unexpected PING response: %q", val)
		}
		return nil, nil
	})

	latency := time.Since(start).Milliseconds()

	if err != nil {
		errMsg := err.Error()
		if errors.Is(err, gobreaker.ErrOpenState) {
			errMsg = "circuit open"
		}
		return orchestrator.ProbeResult{
			Name:      redisProbeName,
			OK:        false,
			LatencyMs: latency,
			Error:     errMsg,
		}
	}

	return orchestrator.ProbeResult{
		Name:      redisProbeName,
		OK:        true,
		LatencyMs: latency,
	}
}

// AcquireLock blocks until this process holds the bootstrap lock or ctx is
// done. The lock expires after cfg.LockTTL so a crashed holder cannot wedge
// later starts. The returned func releases the lock if it is still ours.
func (c *RedisClient) AcquireLock(ctx context.Context) (func(context.Context) error, error) {
	token := uuid.NewString()

	for attempt := 1; ; attempt++ {
		res, err := c.cb.Execute(func() (any, error) {
			return c.client.SetNX(ctx, c.cfg.LockKey, token, c.cfg.LockTTL).Result()
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) {
				return nil, fmt.Errorf("acquiring lock %s: circuit open: %w", c.cfg.LockKey, err)
			}
			return nil, fmt.Errorf("acquiring lock %s: %w", c.cfg.LockKey, err)
		}
		if acquired, _ := res.(bool); acquired {
			slog.InfoContext(ctx, "bootstrap lock acquired", "key", c.cfg.LockKey, "attempts", attempt)
			break
		}

		slog.InfoContext(ctx, "bootstrap lock held by another instance, waiting", "key", c.cfg.LockKey)
		t := time.NewTimer(c.backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("waiting for lock %s: %w", c.cfg.LockKey, ctx.Err())
		case <-t.C:
		}
	}

	release := func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, c.client, []string{c.cfg.LockKey}, token).Int64()
		if err != nil {
			return fmt.Errorf("releasing lock %s: %w", c.cfg.LockKey, err)
		}
		if n == 0 {
			return ErrLockNotHeld
		}
		return nil
	}
	return release, nil
}

// Close releases the underlying connection pool.
func (c *RedisClient) Close() error {
	return c.client.Close()
}
