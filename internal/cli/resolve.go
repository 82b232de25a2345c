package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/vk/forgeline/internal/app"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve KEY_PATH...",
	Short: "Print resolved configuration values for dotted key-paths",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Setup(cmd.Context(), appConfig)
		if err != nil {
			return err
		}
		values, err := a.Resolve(args)
		if err != nil {
			return err
		}

		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := cmd.OutOrStdout()
		for _, k := range keys {
			data, err := json.Marshal(values[k])
			if err != nil {
				return fmt.Errorf("encoding value for %q: %w", k, err)
			}
			fmt.Fprintf(out, "%s = %s\n", k, data)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}
