package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zenglow/fusionrank/internal/app"
	"github.com/zenglow/fusionrank/internal/cache"
	"github.com/zenglow/fusionrank/internal/storage"
)

var (
	cacheScope  string
	cacheKey    string
	cacheTenant string

	maintainLoop bool

	bridgeOnce bool
)

func init() {
	cacheInvalidateCmd.Flags().StringVar(&cacheScope, "scope", string(cache.ScopeFull), "feature or full")
	cacheInvalidateCmd.Flags().StringVar(&cacheKey, "key", "", "chunk ID (feature) or query hash (full); empty purges the scope")
	cacheInvalidateCmd.Flags().StringVar(&cacheTenant, "tenant", "", "with --scope full and no key, drop only this tenant's responses")
	cacheCmd.AddCommand(cacheInvalidateCmd)

	maintainCmd.Flags().BoolVar(&maintainLoop, "loop", false, "keep running at interactions.maintenance_interval")

	bridgeCmd.Flags().BoolVar(&bridgeOnce, "once", false, "sync new lines once and exit")
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the feature and response caches",
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Drop cached entries",
	Long: `Drop cached entries. The in-process feature cache only lives inside a running
server, so from the CLI this is mostly useful with the sql response backend.

Examples:
  fusionrank cache invalidate --scope full --tenant acme
  fusionrank cache invalidate --scope full --key 9f2c...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp(a)

		scope := cache.Scope(cacheScope)
		var n int
		if scope == cache.ScopeFull && cacheKey == "" && cacheTenant != "" {
			n, err = a.Caches.InvalidateTenant(ctx, cacheTenant)
		} else {
			n, err = a.Caches.Invalidate(ctx, scope, cacheKey)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "invalidated %d %s entries\n", n, scope)
		return nil
	},
}

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run interaction log maintenance",
	Long: `Create upcoming monthly partitions, drop partitions past retention, recompute
chunk authority from recent interactions and sweep expired cached responses.

Examples:
  # One pass
  fusionrank maintain

  # Keep running
  fusionrank maintain --loop`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp(a)

		if maintainLoop {
			return ignoreCanceled(a.Maintainer.Run(ctx, a.Config.Interactions.MaintenanceInterval))
		}
		report, err := a.Maintainer.RunOnce(ctx)
		if report != nil {
			if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
				return perr
			}
		}
		return err
	},
}

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Ingest new lines of the JSONL memory file",
	Long: `Tail the configured memory file (memory_bridge.path) and ingest every new
line as a memory document.

Examples:
  fusionrank bridge --once
  FUSIONRANK_MEMORY_BRIDGE_PATH=~/.memory.jsonl fusionrank bridge`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp(a)

		bridge, err := a.Bridge()
		if err != nil {
			return err
		}
		if bridgeOnce {
			n, err := bridge.SyncOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ingested %d memories\n", n)
			return nil
		}
		return ignoreCanceled(bridge.Run(ctx))
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long: `Open the configured store, applying any pending migrations, and print its
status. Embedding dimensions are fixed when the schema is first created.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := app.OpenStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		status, err := store.GetStatus(ctx, "")
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s, small=%d dense=%d)\n",
			status.Backend, status.SmallDimension, status.DenseDimension)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "fusionrank\n")
		fmt.Fprintf(out, "Version: %s\n", version)
		fmt.Fprintf(out, "Build Time: %s\n", buildTime)
		fmt.Fprintf(out, "Build Mode: %s\n", storage.BuildMode)
		fmt.Fprintf(out, "SQLite Driver: %s\n", storage.DriverName)
		fmt.Fprintf(out, "Vector Extension: %v\n", storage.VectorExtensionAvailable)
	},
}
