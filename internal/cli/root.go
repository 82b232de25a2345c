// Package cli implements the terminal front-end: plan inspection, runs,
// and checkpoint management.
package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/vk/forgeline/internal/app"
	"github.com/vk/forgeline/internal/ctxlog"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	flagConfig    string
	flagSet       []string
	flagLogLevel  string
	flagLogFormat string

	// appConfig is populated by the root PersistentPreRunE and read by
	// every subcommand.
	appConfig *app.Config
)

var rootCmd = &cobra.Command{
	Use:   "forgeline",
	Short: "Declarative build orchestrator with checkpointed anchor tasks",
	Long: `Forgeline derives a task plan from an HCL configuration, runs it
sequentially or in parallel, and can skip expensive build steps by
restoring fingerprinted checkpoints from a local store or a remote
backend.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		overrides, err := app.ParseOverrides(flagSet)
		if err != nil {
			return err
		}
		appConfig, err = app.NewConfig(app.Config{
			ConfigPath: flagConfig,
			Overrides:  overrides,
			LogLevel:   flagLogLevel,
			LogFormat:  flagLogFormat,
		})
		if err != nil {
			return err
		}

		logger := app.NewLogger(appConfig.LogLevel, appConfig.LogFormat, cmd.ErrOrStderr())
		slog.SetDefault(logger)
		cmd.SetContext(ctxlog.WithLogger(cmd.Context(), logger))
		return nil
	},
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("forgeline version {{.Version}}\n")

	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", ".", "Path to a .hcl file or a directory of .hcl files.")
	rootCmd.PersistentFlags().StringArrayVar(&flagSet, "set", nil, "Override a build input (key=value, repeatable).")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Logging level: 'debug', 'info', 'warn', or 'error'.")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log output format: 'text' or 'json'.")
}

// Execute runs the root command with signal-aware cancellation.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
