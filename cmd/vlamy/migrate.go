package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wjbmattingly/vlamy/internal/store"
)

var migrateStatus bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and exit",
	Long: `Apply every schema migration not yet recorded in schema_migrations.

With --status nothing is changed: applied and pending migrations are listed
instead. In browser-only mode the database is in memory, so this only
checks that the migration set applies cleanly.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "list applied and pending migrations without applying them")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Bootstrap.Timeout)
	defer cancel()

	if migrateStatus {
		return printMigrationStatus(ctx, os.Stdout, app.store)
	}

	applied, err := app.store.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if len(applied) == 0 {
		fmt.Fprintln(os.Stdout, "no pending migrations")
		return nil
	}
	for _, v := range applied {
		fmt.Fprintf(os.Stdout, "applied %s\n", v)
	}
	slog.Info("migrations applied", "count", len(applied))
	return nil
}

func printMigrationStatus(ctx context.Context, w io.Writer, st *store.Store) error {
	pending, err := st.PendingMigrations(ctx)
	if err != nil {
		return fmt.Errorf("listing pending migrations: %w", err)
	}
	if len(pending) < len(store.Migrations()) {
		applied, err := st.AppliedMigrations(ctx)
		if err != nil {
			return err
		}
		for _, m := range applied {
			fmt.Fprintf(w, "[x] %s  %s\n", m.Version, m.AppliedAt.Format(time.RFC3339))
		}
	}
	for _, v := range pending {
		fmt.Fprintf(w, "[ ] %s\n", v)
	}
	return nil
}
