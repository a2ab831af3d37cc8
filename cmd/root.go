package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ece-arena/arena-sync/internal/application"
	"github.com/ece-arena/arena-sync/internal/config"
	"github.com/ece-arena/arena-sync/internal/logger"
	"github.com/ece-arena/arena-sync/internal/metrics"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// rootCmd defines the main CLI command for arena-sync
var rootCmd = &cobra.Command{
	Use:   "arena-sync",
	Short: "Real-time sync client for the ECE card arena",
	Long:  `Keeps a local replica of battles, auctions, bets and chat in sync with the arena server.`,
	Example: `
  arena-sync start --endpoint wss://arena.example.com/websocket
  arena-sync watch battle b-42
  arena-sync bid a-7 u-1 150
  arena-sync start --config /path/to/config.yaml --metrics-port 9090`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for version command
		if cmd.Name() == "version" {
			return nil
		}

		if cfgFile != "" {
			absPath, err := filepath.Abs(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to resolve config path: %w", err)
			}
			cfgFile = absPath
		}

		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		// Override config with command line flags if specified
		flags := cmd.Flags()
		if flags.Changed("endpoint") {
			cfg.Sync.Endpoint, _ = flags.GetString("endpoint")
		}
		if flags.Changed("log-level") {
			cfg.Logging.Level, _ = flags.GetString("log-level")
		}
		if flags.Changed("log-file") {
			cfg.Logging.FilePath, _ = flags.GetString("log-file")
		}
		if flags.Changed("log-format") {
			cfg.Logging.Format, _ = flags.GetString("log-format")
		}
		if flags.Changed("metrics-port") {
			cfg.Metrics.Port, _ = flags.GetInt("metrics-port")
			cfg.Metrics.Enabled = true
		}
		if err := config.Validate(cfg); err != nil {
			return err
		}

		return config.InitLogger(cfg.Logging)
	},
	Run: func(cmd *cobra.Command, args []string) {
		// Default behavior: show help when no subcommand is provided
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newNode builds a node from the loaded configuration under the command's context.
func newNode(cmd *cobra.Command) (*application.Node, error) {
	metrics.RegisterMetrics()
	node, err := application.New(cmd.Context(), cfg, logger.New("node"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize node: %w", err)
	}
	return node, nil
}

// init is automatically called before main(), sets up flags and subcommands
func init() {
	// Add persistent flags (inherited by all subcommands)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")
	rootCmd.PersistentFlags().String("endpoint", "", "Server websocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-file", "", "Path to the log file")
	rootCmd.PersistentFlags().String("log-format", "console", "Log output format (console or json)")
	rootCmd.PersistentFlags().Int("metrics-port", 8181, "Port for the health and Prometheus metrics server")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of arena-sync",
		Long:  "Print the version number of arena-sync along with build information",
		Run: func(cmd *cobra.Command, args []string) {
			if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
				fmt.Println(GetFullVersionInfo())
			} else {
				fmt.Println(GetVersionWithPrefix())
			}
		},
	}
	versionCmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Connect and keep the local replica in sync",
		Long:  "Connect to the arena server, keep reconnecting on failure and serve /health, /status and /metrics when metrics are enabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger.L().Info("Using config file", zap.String("config_file", cfgFile))

			node, err := newNode(cmd)
			if err != nil {
				return err
			}
			defer node.Shutdown()

			// Start blocks until the context is canceled
			if err := node.Start(ctx); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}
			logger.L().Info("Node has shut down successfully.")
			return nil
		},
	}

	rootCmd.AddCommand(versionCmd, startCmd, newWatchCmd())
	rootCmd.AddCommand(actionCommands()...)
}
