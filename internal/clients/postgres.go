package clients

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"

	"github.com/wjbmattingly/vlamy/internal/config"
	"github.com/wjbmattingly/vlamy/internal/orchestrator"
)

const probeName = "postgres"

// dbPinger abstracts the pgxpool.Pool methods used in Probe so that tests
// can inject a fake without standing up a real database.
type dbPinger interface {
	Ping(ctx context.Context) error
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresClient checks Postgres reachability ahead of migrations. It talks
// to the server directly through pgx so that a cold database is detected
// before gorm opens its own pool.
type PostgresClient struct {
	cfg     config.DatabaseConfig
	cb      *gobreaker.CircuitBreaker
	connect func(ctx context.Context, cfg config.DatabaseConfig) (dbPinger, error)
}

// NewPostgresClient creates a PostgresClient. No connection is made at
// construction time; each Probe opens and closes a short-lived pool.
// A nil cb disables the breaker, which the bootstrap wait loop needs: it
// must keep dialing until the database answers.
func NewPostgresClient(cfg config.DatabaseConfig, cb *gobreaker.CircuitBreaker) *PostgresClient {
	return &PostgresClient{
		cfg:     cfg,
		cb:      cb,
		connect: realConnect,
	}
}

// Probe pings the Postgres server and reads its version. With a breaker,
// persistent failures trip it after three consecutive errors.
func (c *PostgresClient) Probe(ctx context.Context) orchestrator.ProbeResult {
	start := time.Now()

	check := func() (any, error) {
		pool, err := c.connect(ctx, c.cfg)
		if err != nil {
			return nil, err
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}

		var version string
		if err := pool.QueryRow(ctx, "SHOW server_version").Scan(&version); err != nil {
			return nil, fmt.Errorf("server_version: %w", err)
		}
		return version, nil
	}

	var err error
	if c.cb != nil {
		_, err = c.cb.Execute(check)
	} else {
		_, err = check()
	}

	latency := time.Since(start).Milliseconds()

	if err != nil {
		errMsg := err.Error()
		if errors.Is(err, gobreaker.ErrOpenState) {
			errMsg = "circuit open"
		}
		return orchestrator.ProbeResult{
			Name:      probeName,
			OK:        false,
			LatencyMs: latency,
			Error:     errMsg,
		}
	}

	return orchestrator.ProbeResult{
		Name:      probeName,
		OK:        true,
		LatencyMs: latency,
	}
}

// realConnect opens a pgxpool.Pool using the configured DSN.
func realConnect(ctx context.Context, cfg config.DatabaseConfig) (dbPinger, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres DSN: %w", err)
	}
	poolCfg.MaxConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}

	return pool, nil
}
