// Telemetry Bridge moves sensor telemetry between field devices, an MQTT
// broker or cloud IoT hub, and a relational store.
//
// Producers publish synthetic readings on a fixed interval. Consumers
// subscribe, decode and persist every delivery, appending an irrigation
// prediction for soil readings. Both survive broker and store outages.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nerrad567/telemetry-bridge/internal/infrastructure/config"
	"github.com/nerrad567/telemetry-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/telemetry-bridge/internal/lifecycle"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// configEnv names the environment variable consulted when --config is unset.
const configEnv = "TELEMETRY_CONFIG"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app carries state shared by subcommands once the root has loaded config.
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *logging.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "telemetry-bridge <command>",
		Short:         "Bridge sensor telemetry between devices, an MQTT broker and a store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "",
		"configuration file (YAML or TOML); defaults to $"+configEnv)
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "",
		"override logging.level (debug, info, warn, error)")

	root.AddGroup(
		&cobra.Group{ID: "run", Title: "Run:"},
		&cobra.Group{ID: "maintenance", Title: "Maintenance:"},
	)
	root.AddCommand(
		a.consumeCmd(),
		a.produceCmd(),
		a.seedCmd(),
		a.replayCmd(),
		versionCmd(),
	)
	return root
}

// load reads the configuration and builds the process logger. It is called
// from each command's PreRunE so version and help work without a config.
func (a *app) load(_ *cobra.Command, _ []string) error {
	path := a.resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	a.cfg = cfg
	a.logger = logging.New(cfg.Logging, version)
	if a.logLevel != "" {
		a.logger.SetLevel(logging.ParseLevel(a.logLevel))
	}
	if path != "" {
		a.logger.Info("configuration loaded", "path", path)
	}
	return nil
}

// resolveConfigPath returns --config, then $TELEMETRY_CONFIG, then "" for
// defaults and environment only.
func (a *app) resolveConfigPath() string {
	if a.configPath != "" {
		return a.configPath
	}
	return os.Getenv(configEnv)
}

func (a *app) controller() *lifecycle.Controller {
	return lifecycle.New(a.cfg, lifecycle.Options{
		Version: version,
		Logger:  a.logger,
	})
}

func (a *app) consumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "consume",
		Short:   "Subscribe to the telemetry topic and persist every delivery",
		GroupID: "run",
		Args:    cobra.NoArgs,
		PreRunE: a.load,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.controller().RunConsumer(cmd.Context())
		},
	}
}

func (a *app) produceCmd() *cobra.Command {
	var interval int
	cmd := &cobra.Command{
		Use:     "produce",
		Short:   "Publish synthetic telemetry on a fixed interval",
		GroupID: "run",
		Args:    cobra.NoArgs,
		PreRunE: a.load,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if interval > 0 {
				a.cfg.Publisher.Interval = interval
			}
			return a.controller().RunProducer(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&interval, "interval", 0, "seconds between publishes (overrides publisher.interval)")
	return cmd
}

func (a *app) replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "replay",
		Short:   "Write dead-lettered records back to the store",
		GroupID: "maintenance",
		Args:    cobra.NoArgs,
		PreRunE: a.load,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := a.controller().Replay(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d records and %d predictions from %d files (%d failed, %d corrupt)\n",
				stats.Records, stats.Predictions, stats.Files, stats.Failed, stats.Corrupt)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "telemetry-bridge %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
