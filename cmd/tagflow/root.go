package main

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/tagflow/internal/logging"
)

var (
	settingsFile string
	cfg          Config
	logger       = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:   "tagflow",
	Short: "Tag-routed line processing engine",
	Long: "tagflow routes text lines through a graph of processors keyed by tag,\n" +
		"records per-stage metrics, traces and errors, and exposes them over a\n" +
		"dashboard, an MCP server and the command line.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		c, err := loadConfig(viper.New(), settingsFile, cmd.Flags())
		if err != nil {
			return err
		}
		cfg = c
		logger = logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&settingsFile, "settings", "", "settings file (default ~/.tagflow/settings.yaml)")
	f.String("log-level", "", "log level: debug, info, warn, error")
	f.String("log-format", "", "log format: text or json")
	f.String("db", "", "archive database path; empty disables the archive")
	f.StringP("pipeline", "p", "", "pipeline definition file")

	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(loopCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.Version = version
}
