package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/wjbmattingly/vlamy/internal/orchestrator"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Run the bootstrap sequence once and exit",
	Long: `Wait for the database, apply migrations and (in full mode) provision the
administrative account, without starting the HTTP server.

The command prints a JSON result to stdout and exits 0 on success or
non-zero when a required phase failed. Useful as a Kubernetes init
container or a release step.`,
	RunE: runBootstrap,
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Bootstrap.Timeout)
	defer cancel()

	slog.Info("starting bootstrap", "mode", cfg.Mode)

	result, err := app.orchestrator.RunBootstrap(ctx)
	if result != nil {
		printBootstrapResult(result)
	} else if err != nil {
		printResult(orchestrator.StatusError, err.Error())
	}
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	slog.Info("bootstrap completed successfully")
	return nil
}

func printBootstrapResult(result *orchestrator.BootstrapResult) {
	result.Lock()
	defer result.Unlock()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Fprintf(os.Stdout, `{"status":%q}`+"\n", result.Status)
	}
}

func printResult(status, errMsg string) {
	result := map[string]string{"status": status}
	if errMsg != "" {
		result["error"] = errMsg
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Fprintf(os.Stdout, `{"status":%q}`+"\n", status)
	}
}
