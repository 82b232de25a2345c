package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/vk/forgeline/internal/app"
)

var flagListRemote bool

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect and manage the checkpoint store",
}

var checkpointsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the restore decision for every checkpoint and the upload queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Setup(cmd.Context(), appConfig)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		// A required miss still yields the full decision map; report
		// it before surfacing the error.
		decisions, decideErr := a.Store.Decide(cmd.Context())
		ids := make([]string, 0, len(decisions))
		for id := range decisions {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			d := decisions[id]
			verdict := "run"
			if d.Restore {
				verdict = "restore"
			}
			fmt.Fprintf(out, "%-20s %-8s %s  fingerprint=%s\n", d.PointID, verdict, d.Reason, short(d.Fingerprint))
		}

		queue, err := a.Store.Queue()
		if err != nil {
			return err
		}
		if len(queue) > 0 {
			fmt.Fprintln(out, "\nupload queue:")
			for _, e := range queue {
				fmt.Fprintf(out, "%-20s %-10s %s attempts=%d", e.PointID, e.State, short(e.Fingerprint), e.Attempts)
				if e.LastError != "" {
					fmt.Fprintf(out, " last_error=%q", e.LastError)
				}
				fmt.Fprintln(out)
			}
		}
		return decideErr
	},
}

var flagRetryMaxCount int

var checkpointsRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-attempt pending and failed checkpoint uploads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Setup(cmd.Context(), appConfig)
		if err != nil {
			return err
		}
		result, err := a.Store.RetryUploads(cmd.Context(), flagRetryMaxCount)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "attempted=%d uploaded=%d remaining=%d\n",
			result.Attempted, result.Uploaded, result.Remaining)
		if result.Remaining > 0 {
			return &ExitError{Code: 1, Message: fmt.Sprintf("%d uploads still pending", result.Remaining)}
		}
		return nil
	},
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored checkpoint fingerprints per point",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Setup(cmd.Context(), appConfig)
		if err != nil {
			return err
		}
		listings, err := a.Store.List(cmd.Context(), flagListRemote)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, l := range listings {
			fmt.Fprintf(out, "%s (anchor %s)\n", l.PointID, l.AnchorTask)
			for _, fp := range l.Local {
				marker := " "
				if fp == l.Current {
					marker = "*"
				}
				fmt.Fprintf(out, "  %s local  %s\n", marker, fp)
			}
			for _, fp := range l.Remote {
				fmt.Fprintf(out, "    remote %s\n", fp)
			}
			if l.RemoteError != "" {
				fmt.Fprintf(out, "    remote listing failed: %s\n", l.RemoteError)
			}
			if len(l.Local) == 0 && len(l.Remote) == 0 {
				fmt.Fprintln(out, "    (empty)")
			}
		}
		return nil
	},
}

func short(fingerprint string) string {
	if fingerprint == "" {
		return "-"
	}
	if len(fingerprint) > 12 {
		return fingerprint[:12]
	}
	return fingerprint
}

func init() {
	checkpointsRetryCmd.Flags().IntVar(&flagRetryMaxCount, "max-count", 0, "Maximum number of entries to attempt (0 = all).")
	checkpointsListCmd.Flags().BoolVar(&flagListRemote, "remote", false, "Also list fingerprints on configured backends.")
	checkpointsCmd.AddCommand(checkpointsStatusCmd, checkpointsRetryCmd, checkpointsListCmd)
	rootCmd.AddCommand(checkpointsCmd)
}
