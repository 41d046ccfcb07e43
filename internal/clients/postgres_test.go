package clients

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wjbmattingly/vlamy/internal/config"
	"github.com/wjbmattingly/vlamy/internal/orchestrator"
)

// mockRow implements pgx.Row for use in tests.
type mockRow struct {
	scanErr error
	val     any
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	if len(dest) > 0 {
		if ptr, ok := dest[0].(*string); ok {
			if v, ok := r.val.(string); ok {
				*ptr = v
			}
		}
	}
	return nil
}

// mockDB implements dbPinger for use in tests.
type mockDB struct {
	pingErr  error
	queryRow pgx.Row
	closed   bool
}

func (m *mockDB) Ping(_ context.Context) error   { return m.pingErr }
func (m *mockDB) Close()                         { m.closed = true }
func (m *mockDB) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return m.queryRow
}

// makeClient returns a PostgresClient with a stubbed connect function.
func makeClient(db dbPinger, connectErr error, cb *gobreaker.CircuitBreaker) *PostgresClient {
	return &PostgresClient{
		cfg: config.DatabaseConfig{Driver: "postgres"},
		cb:  cb,
		connect: func(_ context.Context, _ config.DatabaseConfig) (dbPinger, error) {
			return db, connectErr
		},
	}
}

func TestProbe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		pingErr    error
		scanErr    error
		connectErr error
		wantOK     bool
		wantErrSub string
	}{
		{
			name:    "success: ping ok and version readable",
			wantOK:  true,
			scanErr: nil,
			pingErr: nil,
		},
		{
			name:       "failure: ping error",
			pingErr:    errors.New("connection refused"),
			wantOK:     false,
			wantErrSub: "ping",
		},
		{
			name:       "failure: version query fails",
			scanErr:    errors.New("permission denied"),
			wantOK:     false,
			wantErrSub: "server_version",
		},
		{
			name:       "failure: connect error",
			connectErr: errors.New("dial error"),
			wantOK:     false,
			wantErrSub: "dial error",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cb := NewCircuitBreaker("test-" + tc.name)

			var client *PostgresClient
			if tc.connectErr != nil {
				client = makeClient(nil, tc.connectErr, cb)
			} else {
				db := &mockDB{
					pingErr:  tc.pingErr,
					queryRow: &mockRow{scanErr: tc.scanErr, val: "16.4"},
				}
				client = makeClient(db, nil, cb)
			}

			result := client.Probe(context.Background())

			assert.Equal(t, "postgres", result.Name)
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

func TestProbeCircuitBreaker_OpensAfterThreeFailures(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("cb-open-test")

	pingErr := errors.New("connection refused")
	makeFailingClient := func() *PostgresClient {
		return makeClient(&mockDB{
			pingErr:  pingErr,
			queryRow: &mockRow{val: "16.4"},
		}, nil, cb)
	}

	client := makeFailingClient()

	// Three consecutive failures should trip the breaker.
	for i := range 3 {
		result := client.Probe(context.Background())
		assert.False(t, result.OK, "probe %d should fail", i+1)
		assert.NotEqual(t, "circuit open", result.Error,
			"probe %d should not be circuit-open yet", i+1)
	}

	// The 4th call must be rejected immediately by the open breaker.
	result := client.Probe(context.Background())
	assert.False(t, result.OK)
	assert.Equal(t, "circuit open", result.Error)
}

func TestNewCircuitBreaker(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("unit-test")
	assert.NotNil(t, cb)
	assert.Equal(t, "unit-test", cb.Name())
}

// noopMigrator satisfies orchestrator.Migrator with an empty schema history.
type noopMigrator struct{}

func (noopMigrator) Migrate(context.Context) ([]string, error) { return nil, nil }

// coldStartClient refuses connections until the given attempt.
func coldStartClient(upOnAttempt int32, cb *gobreaker.CircuitBreaker, calls *atomic.Int32) *PostgresClient {
	return &PostgresClient{
		cfg: config.DatabaseConfig{Driver: "postgres"},
		cb:  cb,
		connect: func(_ context.Context, _ config.DatabaseConfig) (dbPinger, error) {
			if calls.Add(1) < upOnAttempt {
				return nil, errors.New("connection refused")
			}
			return &mockDB{queryRow: &mockRow{val: "16.4"}}, nil
		},
	}
}

func TestPostgresClient_WithoutBreakerKeepsDialing(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := coldStartClient(4, nil, &calls)

	for i := range 3 {
		result := client.Probe(context.Background())
		assert.False(t, result.OK, "attempt %d should fail", i+1)
		assert.Contains(t, result.Error, "connection refused")
	}
	assert.True(t, client.Probe(context.Background()).OK)
	assert.Equal(t, int32(4), calls.Load())
}

func TestBootstrap_DatabaseUpOnFourthAttempt(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	o := orchestrator.New(orchestrator.Options{
		Mode:         "browser-only",
		BrowserOnly:  true,
		Database:     coldStartClient(4, nil, &calls),
		Migrator:     noopMigrator{},
		RetryBackoff: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	result, err := o.RunBootstrap(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, orchestrator.StatusOK, result.Phases[orchestrator.PhaseDatabase].Status)
	assert.Contains(t, result.Phases[orchestrator.PhaseDatabase].Detail, "4 attempt")
}
