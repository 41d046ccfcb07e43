// Package store owns the application database: connection setup for the
// supported drivers, versioned schema migrations, and the account tables
// used by bootstrap and authentication.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wjbmattingly/vlamy/internal/config"
	"github.com/wjbmattingly/vlamy/internal/orchestrator"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Options controls how Open treats the database configuration.
type Options struct {
	// Ephemeral opens a private in-memory SQLite database regardless of the
	// configured driver. Its contents vanish when the Store is closed.
	Ephemeral bool
	// Debug logs every SQL statement.
	Debug bool
}

// Store wraps a gorm connection to the application database.
type Store struct {
	db        *gorm.DB
	driver    string
	location  string
	ephemeral bool
}

// Open connects to the database described by cfg. No schema changes are
// made; call Migrate for that.
func Open(cfg config.DatabaseConfig, opts Options) (*Store, error) {
	logLevel := logger.Warn
	if opts.Debug {
		logLevel = logger.Info
	}
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logLevel)}

	var (
		dialector gorm.Dialector
		location  string
		driver    = cfg.Driver
	)

	switch {
	case opts.Ephemeral:
		driver = "sqlite"
		// A unique name keeps independent stores in one process apart;
		// shared cache lets the pool's connections see the same data.
		location = fmt.Sprintf("file:vlamy-%s?mode=memory&cache=shared&_foreign_keys=ON", uuid.NewString())
		dialector = sqlite.Open(location)
	case driver == "sqlite" || driver == "":
		driver = "sqlite"
		location = cfg.Path
		if dir := filepath.Dir(location); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
			}
		}
		dialector = sqlite.Open(fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", location))
	case driver == "postgres":
		location = redactDSN(cfg.URL)
		dialector = postgres.Open(cfg.URL)
	case driver == "mysql":
		location = redactDSN(cfg.URL)
		// The version query would dial during Open.
		dialector = mysql.New(mysql.Config{
			DSN:                       withParseTime(cfg.URL),
			SkipInitializeWithVersion: true,
		})
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	// Server databases may still be starting; the bootstrap database phase
	// probes and retries instead of failing here.
	gormCfg.DisableAutomaticPing = driver != "sqlite"

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("accessing %s connection pool: %w", driver, err)
	}
	switch driver {
	case "sqlite":
		// SQLite serialises writers anyway; a single connection also keeps
		// an in-memory database alive for the life of the Store.
		sqlDB.SetMaxOpenConns(1)
	default:
		if cfg.MaxConns > 0 {
			sqlDB.SetMaxOpenConns(int(cfg.MaxConns))
		}
	}

	slog.Info("database opened", "driver", driver, "location", location, "ephemeral", opts.Ephemeral)

	return &Store{
		db:        db,
		driver:    driver,
		location:  location,
		ephemeral: opts.Ephemeral,
	}, nil
}

// DB returns the underlying gorm handle.
func (s *Store) DB() *gorm.DB { return s.db }

// Driver returns the active driver name.
func (s *Store) Driver() string { return s.driver }

// Ephemeral reports whether the store lives only in memory.
func (s *Store) Ephemeral() bool { return s.ephemeral }

// Close releases the connection pool. For an ephemeral store this discards
// all data.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Probe pings the database and reports the result in the shape used by the
// bootstrap and health endpoints.
func (s *Store) Probe(ctx context.Context) orchestrator.ProbeResult {
	start := time.Now()
	err := s.ping(ctx)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return orchestrator.ProbeResult{Name: s.driver, OK: false, LatencyMs: latency, Error: err.Error()}
	}
	return orchestrator.ProbeResult{Name: s.driver, OK: true, LatencyMs: latency}
}

func (s *Store) ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// redactDSN hides the password of a URL-style DSN for logging.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return dsn
	}
	prefix := dsn[:at]
	scheme := ""
	if i := strings.Index(prefix, "://"); i >= 0 {
		scheme, prefix = prefix[:i+3], prefix[i+3:]
	}
	if colon := strings.Index(prefix, ":"); colon >= 0 {
		prefix = prefix[:colon] + ":***"
	}
	return scheme + prefix + dsn[at:]
}

func withParseTime(dsn string) string {
	if strings.Contains(dsn, "parseTime=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&parseTime=true"
	}
	return dsn + "?parseTime=true"
}
