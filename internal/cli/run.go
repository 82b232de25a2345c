package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vk/forgeline/internal/app"
	"github.com/vk/forgeline/internal/executor"
)

var (
	flagDryRun      bool
	flagSequential  bool
	flagMaxParallel int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the derived task plan",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Setup(cmd.Context(), appConfig)
		if err != nil {
			return err
		}

		report, wouldRun, err := a.Run(cmd.Context(), app.RunOptions{
			DryRun:      flagDryRun,
			Sequential:  flagSequential,
			MaxParallel: flagMaxParallel,
		})
		if err != nil {
			if report == nil {
				return err
			}
			printReport(cmd, report)
			return &ExitError{Code: 1, Message: err.Error()}
		}

		if flagDryRun {
			out := cmd.OutOrStdout()
			for _, action := range wouldRun {
				fmt.Fprintln(out, action)
			}
			return nil
		}

		printReport(cmd, report)
		return nil
	},
}

func printReport(cmd *cobra.Command, report *executor.Report) {
	out := cmd.OutOrStdout()
	for _, res := range report.Results() {
		line := fmt.Sprintf("%-10s %s", res.Status, res.ID)
		if res.Status == executor.StatusSuccess || res.Status == executor.StatusRestored {
			line += fmt.Sprintf("  (%s)", res.Duration.Round(time.Millisecond))
		}
		fmt.Fprintln(out, line)
	}
}

func init() {
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Print what would run without executing task bodies.")
	runCmd.Flags().BoolVar(&flagSequential, "sequential", false, "Run tasks one at a time in plan order.")
	runCmd.Flags().IntVar(&flagMaxParallel, "max-parallel", 0, "Worker count for parallel runs (0 = number of CPUs).")
	rootCmd.AddCommand(runCmd)
}
