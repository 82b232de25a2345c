package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vk/forgeline/internal/app"
)

var flagPlanDot bool

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the derived task plan in execution order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Setup(cmd.Context(), appConfig)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if flagPlanDot {
			fmt.Fprintln(out, "digraph plan {")
			fmt.Fprintln(out, "  rankdir=LR;")
			for _, task := range a.Plan.Ordered() {
				fmt.Fprintf(out, "  %q;\n", task.ID)
				for _, dep := range a.Plan.Deps(task.ID) {
					fmt.Fprintf(out, "  %q -> %q;\n", dep, task.ID)
				}
			}
			fmt.Fprintln(out, "}")
			return nil
		}

		for i, task := range a.Plan.Ordered() {
			fmt.Fprintf(out, "%3d. %s", i+1, task.ID)
			if deps := a.Plan.Deps(task.ID); len(deps) > 0 {
				fmt.Fprintf(out, "  (after %s)", strings.Join(deps, ", "))
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

func init() {
	planCmd.Flags().BoolVar(&flagPlanDot, "dot", false, "Emit the plan as a Graphviz digraph.")
	rootCmd.AddCommand(planCmd)
}
