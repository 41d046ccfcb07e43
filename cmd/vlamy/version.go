package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/wjbmattingly/vlamy/internal/telemetry"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	// No config or dependencies needed.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "vlamy %s (%s)\n", telemetry.Version, runtime.Version())
	},
}
