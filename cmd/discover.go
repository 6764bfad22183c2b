package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDiscoverCmd() *cobra.Command {
	var (
		allowedPath string
		strategies  []string
		jsonOutput  bool
	)
	cmd := &cobra.Command{
		Use:   "discover [entry-url]",
		Short: "List the pages an aggregation would include, without fetching them all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(rt *runtime, svc Service) error {
				reqs, err := requestsFor(args, rt, allowedPath, "", strategies)
				if err != nil {
					return err
				}
				report, err := svc.Discover(cmd.Context(), reqs[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(out, report)
				}
				for _, a := range report.Attempts {
					fmt.Fprintf(cmd.ErrOrStderr(), "%-11s %-12s %d\n", a.Strategy, a.Outcome, a.Count)
				}
				for _, u := range report.URLs {
					fmt.Fprintln(out, u)
				}
				return nil
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&allowedPath, "allowed-path", "", "path prefix pages must share (default: the entry URL's directory)")
	flags.StringSliceVar(&strategies, "strategies", nil, "discovery strategies to try, in order")
	flags.BoolVar(&jsonOutput, "json", false, "print the discovery report as JSON")
	flags.Int("max-pages", 0, "upper bound on listed pages")
	return cmd
}
