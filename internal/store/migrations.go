package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Migration is one forward-only schema change. Up runs inside a
// transaction together with the schema_migrations bookkeeping row.
type Migration struct {
	Version     string
	Description string
	Up          func(tx *gorm.DB) error
}

// migrations is the ordered schema history. Never reorder or edit an entry
// that has shipped; append a new one instead.
var migrations = []Migration{
	{
		Version:     "0001_initial",
		Description: "create users",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&User{})
		},
	},
	{
		Version:     "0002_user_profiles",
		Description: "create user approval profiles",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&UserProfile{})
		},
	},
	{
		Version:     "0003_auth_tokens",
		Description: "create API auth tokens",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&AuthToken{})
		},
	},
}

// Migrations returns the registered migrations in application order.
func Migrations() []Migration {
	out := make([]Migration, len(migrations))
	copy(out, migrations)
	return out
}

// Migrate applies every migration not yet recorded in schema_migrations
// and returns the versions it applied. Re-running it is a no-op.
func (s *Store) Migrate(ctx context.Context) ([]string, error) {
	return s.migrate(ctx, migrations)
}

func (s *Store) migrate(ctx context.Context, list []Migration) ([]string, error) {
	db := s.db.WithContext(ctx)

	if err := db.AutoMigrate(&SchemaMigration{}); err != nil {
		return nil, fmt.Errorf("creating schema_migrations: %w", err)
	}

	done, err := s.appliedSet(ctx)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, m := range list {
		if done[m.Version] {
			continue
		}

		inserted := false
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := m.Up(tx); err != nil {
				return err
			}
			rec := SchemaMigration{Version: m.Version, Description: m.Description, AppliedAt: time.Now().UTC()}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
			if res.Error != nil {
				return res.Error
			}
			inserted = res.RowsAffected > 0
			return nil
		})
		if err != nil {
			return applied, fmt.Errorf("applying migration %s: %w", m.Version, err)
		}
		if !inserted {
			// Another process recorded it between our read and write.
			continue
		}

		slog.InfoContext(ctx, "migration applied", "version", m.Version, "description", m.Description)
		applied = append(applied, m.Version)
	}

	return applied, nil
}

// AppliedMigrations lists the recorded migrations, oldest first.
func (s *Store) AppliedMigrations(ctx context.Context) ([]SchemaMigration, error) {
	var rows []SchemaMigration
	if err := s.db.WithContext(ctx).Order("version").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}
	return rows, nil
}

// PendingMigrations lists the versions Migrate would apply.
func (s *Store) PendingMigrations(ctx context.Context) ([]string, error) {
	if !s.db.Migrator().HasTable(&SchemaMigration{}) {
		pending := make([]string, 0, len(migrations))
		for _, m := range migrations {
			pending = append(pending, m.Version)
		}
		return pending, nil
	}

	done, err := s.appliedSet(ctx)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, m := range migrations {
		if !done[m.Version] {
			pending = append(pending, m.Version)
		}
	}
	return pending, nil
}

func (s *Store) appliedSet(ctx context.Context) (map[string]bool, error) {
	rows, err := s.AppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(rows))
	for _, r := range rows {
		done[r.Version] = true
	}
	return done, nil
}
