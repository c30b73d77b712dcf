// Command navcert runs the navigation safety certification controller and
// its offline tools.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/config"
)

var (
	cfgFile  string
	logLevel string
	jsonLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "navcert",
	Short: "Runtime safety certification for autonomous navigation",
	Long: `navcert certifies every control tick of a mobile robot, vetoes unsafe
motion commands and tightens its own safety margins after collisions.

Commands:
  run      Start the controller (gRPC API, metrics, live feed)
  replay   Replay a recorded fixture and compare against expectations
  inspect  Show rigor versions, incidents and audit records from the store
  ctl      Query or command a running controller over gRPC`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		slog.SetDefault(newLogger())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "YAML config file (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit logs as JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads --config, or the defaults plus environment overrides.
func loadConfig() (config.Config, error) {
	if cfgFile != "" {
		return config.Load(cfgFile)
	}
	cfg := config.Default()
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "unknown log level %q, using info\n", logLevel)
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if jsonLogs {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
