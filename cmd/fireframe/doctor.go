package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the backend is reachable and working",
	Long: `Check that the backend is reachable and working.

Every capability is exercised: tables, storage, auth and realtime, plus the
database, cache and object store when the backend exposes them. The
command fails when any check fails.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		report := s.app.Diagnose(ctx)
		err := newPrinter(cmd).print(report, func(w *tabwriter.Writer) {
			tableHeader(w, "CHECK", "STATUS", "LATENCY", "DETAIL")
			for _, c := range report.Checks {
				status := "ok"
				if !c.OK {
					status = "FAIL"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Name, status, c.Latency.Round(100_000), c.Detail)
			}
		})
		if err != nil {
			return err
		}
		if failed := report.Failed(); len(failed) > 0 {
			return fmt.Errorf("%d check(s) failed: %s", len(failed), strings.Join(failed, ", "))
		}
		return nil
	})
}
