package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wjbmattingly/vlamy/internal/config"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Bootstrap the application and serve HTTP",
	Long: `Run the bootstrap sequence (database, lock, migrations, admin account,
lifecycle event) and then serve HTTP on the configured port (default 7860).

The listener is only opened after every required bootstrap phase has
succeeded; a failed bootstrap exits non-zero without ever binding the port.
The server shuts down cleanly on SIGTERM or SIGINT.`,
	RunE: runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, app)
}

// serve bootstraps, binds and serves until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, app *AppContext) error {
	bootCtx, cancel := context.WithTimeout(ctx, cfg.Bootstrap.Timeout)
	result, err := app.orchestrator.RunBootstrap(bootCtx)
	cancel()
	if err != nil {
		if result != nil {
			printBootstrapResult(result)
		}
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	ln, err := listen(cfg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           app.router.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("vlamy server listening", "addr", ln.Addr().String(), "mode", cfg.Mode)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutCancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("server stopped cleanly")
	return nil
}

func listen(cfg *config.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", cfg.ListenAddr(), err)
	}
	return ln, nil
}
