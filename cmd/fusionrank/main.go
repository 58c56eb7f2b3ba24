// Package main implements the fusionrank CLI: the REST and MCP servers plus
// operator commands that run against the configured store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zenglow/fusionrank/internal/app"
	"github.com/zenglow/fusionrank/internal/config"
	"github.com/zenglow/fusionrank/internal/logging"
	"github.com/zenglow/fusionrank/internal/mcp"
)

var (
	version   = "dev"
	buildTime = "unknown"

	// configPath is the YAML configuration file
	configPath string
	// logLevel overrides logging.level when set
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fusionrank",
	Short: "Hybrid retrieval and fusion ranking engine",
	Long: `fusionrank retrieves candidate passages by vector similarity, scores them
with a learned-to-rank model and a conceptual similarity model, and fuses
both scores with per-tenant experiment weights.

Configuration is read from a YAML file and FUSIONRANK_* environment variables.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	mcp.ServerVersion = version

	defaultConfig := os.Getenv("FUSIONRANK_CONFIG")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(experimentCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(maintainCmd)
	rootCmd.AddCommand(bridgeCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// openApp loads the configuration and wires every component. Logs go to
// stderr so stdout stays free for command output and the MCP protocol.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

func closeApp(a *app.App) {
	_ = a.Close()
	_ = a.Logger.Sync()
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
