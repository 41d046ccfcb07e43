package clients

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wjbmattingly/vlamy/internal/config"
)

// mockRedisPinger is a test double for redisPinger.
type mockRedisPinger struct {
	pingVal string
	pingErr error
}

func (m *mockRedisPinger) PingResult(_ context.Context) (string, error) {
	return m.pingVal, m.pingErr
}

func newMiniredisClient(t *testing.T, name string) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisClient(config.RedisConfig{
		URL:     "redis://" + mr.Addr() + "/0",
		LockKey: "vlamy:bootstrap:lock",
		LockTTL: time.Minute,
	}, 10*time.Millisecond, NewCircuitBreaker(name))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestRedisProbe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		pingVal    string
		pingErr    error
		wantOK     bool
		wantErrSub string
	}{
		{name: "pong", pingVal: "PONG", wantOK: true},
		{name: "ping error", pingErr: errors.New("connection refused"), wantErrSub: "connection refused"},
		{name: "unexpected reply", pingVal: "WHOOPS", wantErrSub: "unexpected PING response"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			client := &RedisClient{
				cb:     NewCircuitBreaker("redis-test-" + tc.name),
				pinger: &mockRedisPinger{pingVal: tc.pingVal, pingErr: tc.pingErr},
			}

			result := client.Probe(context.Background())

			assert.Equal(t, redisProbeName, result.Name)
			assert.Equal(t, tc.wantOK, result.OK)
			if tc.wantErrSub != "" {
				assert.Contains(t, result.Error, tc.wantErrSub)
			}
			if tc.wantOK {
				assert.Empty(t, result.Error)
			}
		})
	}
}

func TestRedisProbeCircuitBreaker_OpensAfterThreeFailures(t *testing.T) {
	t.Parallel()

	client := &RedisClient{
		cb:     NewCircuitBreaker("redis-cb-open-test"),
		pinger: &mockRedisPinger{pingErr: errors.New("refused")},
	}

	for range 3 {
		client.Probe(context.Background())
	}

	result := client.Probe(context.Background())
	assert.False(t, result.OK)
	assert.Equal(t, "circuit open", result.Error)
}

func TestRedisProbe_Miniredis(t *testing.T) {
	t.Parallel()

	c, _ := newMiniredisClient(t, "redis-probe-live")
	result := c.Probe(context.Background())
	assert.True(t, result.OK, result.Error)
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	t.Parallel()

	_, err := NewRedisClient(config.RedisConfig{URL: "http://nope"}, 0, NewCircuitBreaker("redis-bad-url"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing redis URL")
}

func TestAcquireLock_AcquireAndRelease(t *testing.T) {
	t.Parallel()

	c, mr := newMiniredisClient(t, "redis-lock-basic")
	ctx := context.Background()

	release, err := c.AcquireLock(ctx)
	require.NoError(t, err)
	assert.True(t, mr.Exists("vlamy:bootstrap:lock"))
	assert.Equal(t, time.Minute, mr.TTL("vlamy:bootstrap:lock"))

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("vlamy:bootstrap:lock"))

	assert.ErrorIs(t, release(ctx), ErrLockNotHeld, "second release is a no-op")
}

func TestAcquireLock_WaitsForHolder(t *testing.T) {
	t.Parallel()

	c, mr := newMiniredisClient(t, "redis-lock-wait")
	require.NoError(t, mr.Set("vlamy:bootstrap:lock", "other-instance"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		mr.Del("vlamy:bootstrap:lock")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	release, err := c.AcquireLock(ctx)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestAcquireLock_ContextCancelled(t *testing.T) {
	t.Parallel()

	c, mr := newMiniredisClient(t, "redis-lock-cancel")
	require.NoError(t, mr.Set("vlamy:bootstrap:lock", "other-instance"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.AcquireLock(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquireLock_ReleaseDoesNotStealForeignLock(t *testing.T) {
	t.Parallel()

	c, mr := newMiniredisClient(t, "redis-lock-foreign")
	ctx := context.Background()

	release, err := c.AcquireLock(ctx)
	require.NoError(t, err)

	// Lock expired and another instance took it over.
	require.NoError(t, mr.Set("vlamy:bootstrap:lock", "other-instance"))

	assert.ErrorIs(t, release(ctx), ErrLockNotHeld)
	got, err := mr.Get("vlamy:bootstrap:lock")
	require.NoError(t, err)
	assert.Equal(t, "other-instance", got)
}
