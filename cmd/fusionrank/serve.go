package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zenglow/fusionrank/internal/httpapi"
)

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST API",
	Long: `Run the REST API. When configured, the memory bridge and the interaction
maintenance loop run alongside the server and stop with it.

Examples:
  # Serve with a config file
  fusionrank serve --config fusionrank.yaml

  # Override the listen address
  fusionrank serve --addr 127.0.0.1:9000`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer closeApp(a)

	cfg := a.Config
	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	srv, err := httpapi.NewServer(a, &httpapi.Config{
		Addr:         addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.Interactions.MaintenanceInterval > 0 {
		g.Go(func() error {
			return ignoreCanceled(a.Maintainer.Run(gctx, cfg.Interactions.MaintenanceInterval))
		})
	}
	if cfg.MemoryBridge.Enabled {
		bridge, err := a.Bridge()
		if err != nil {
			return err
		}
		g.Go(func() error {
			return ignoreCanceled(bridge.Run(gctx))
		})
	}

	err = g.Wait()
	a.Logger.Info(context.Background(), "server stopped", zap.Error(err))
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
