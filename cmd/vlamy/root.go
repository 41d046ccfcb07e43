package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/wjbmattingly/vlamy/internal/config"
	"github.com/wjbmattingly/vlamy/internal/telemetry"
)

var (
	cfgFile  string
	logLevel string

	// cfg is populated by PersistentPreRunE and shared with all subcommands.
	cfg *config.Config

	// app holds all wired dependencies; populated by PersistentPreRunE.
	app *AppContext

	closeLog = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "vlamy",
	Short: "VLAMy container launcher",
	Long: `vlamy prepares the VLAMy application inside its container: it waits for
the database, applies schema migrations, provisions the administrative
account in full mode, and then serves HTTP on PORT (default 7860).

Set BROWSER_ONLY_MODE=true for the transient, unauthenticated mode.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := initLogger(logLevel, ""); err != nil {
			return err
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		// --log-level wins over the config file.
		if cmd.Flags().Changed("log-level") {
			cfg.Telemetry.LogLevel = logLevel
		}
		if err := initLogger(cfg.Telemetry.LogLevel, cfg.Telemetry.LogFile); err != nil {
			return err
		}

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		app, err = buildAppContext(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("building app context: %w", err)
		}
		return nil
	}

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute is the entry point called by main.
func Execute() {
	err := rootCmd.Execute()
	if app != nil {
		app.Close()
	}
	_ = closeLog()
	if err != nil {
		os.Exit(1)
	}
}

func initLogger(level, logFile string) error {
	logger, closer, err := telemetry.NewLogger(os.Stdout, level, logFile)
	if err != nil {
		return fmt.Errorf("initialising logger: %w", err)
	}
	_ = closeLog()
	closeLog = closer
	slog.SetDefault(logger)
	return nil
}
