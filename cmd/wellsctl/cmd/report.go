package cmd

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/austindbirch/wells/internal/agent"
)

var submitContentType string

// submitCmd represents the submit command
var submitCmd = &cobra.Command{
	Use:   "submit <file|->",
	Short: "Submit a report for delivery",
	Long: `Hand a report to wellsd. The agent stores it and keeps retrying the
upload until the collector accepts or rejects it.

Examples:
  wellsctl submit crash.dmp --content-type application/x-minidump
  cat trace.json | wellsctl submit -`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			payload []byte
			err     error
		)
		if args[0] == "-" {
			payload, err = io.ReadAll(cmd.InOrStdin())
		} else {
			payload, err = afero.ReadFile(appFs, args[0])
		}
		if err != nil {
			return fmt.Errorf("failed to read report: %w", err)
		}
		if len(payload) == 0 {
			return fmt.Errorf("report is empty")
		}

		header := http.Header{}
		if submitContentType != "" {
			header.Set(agent.ContentTypeHeader, submitContentType)
		}

		var resp agent.SubmitResponse
		if _, err := doRequest(cmd.Context(), http.MethodPost, "/v1/reports", bytes.NewReader(payload), header, &resp); err != nil {
			return err
		}

		if outputJSON {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Report submitted: %s (%d bytes)\n", resp.ReportID, len(payload))
		return nil
	},
}

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List reports waiting for delivery",
	Long:  `List the reports wellsd still holds on disk, oldest first.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp agent.ListResponse
		if _, err := doRequest(cmd.Context(), http.MethodGet, "/v1/reports", nil, nil, &resp); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, resp)
		}
		if len(resp.Reports) == 0 {
			fmt.Fprintln(out, "No pending reports")
			return nil
		}

		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "REPORT ID\tAGE\tCREATED")
		for _, r := range resp.Reports {
			id := r.ReportID
			if id == "" {
				id = r.Location
			}
			age := (time.Duration(r.AgeSeconds) * time.Second).String()
			fmt.Fprintf(tw, "%s\t%s\t%s\n", id, age, r.CreatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

// sweepCmd represents the sweep command
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Look for orphaned reports now",
	Long: `Ask wellsd to examine every stored report that no transfer is working on.
Reports older than the configured maximum age are expired.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp agent.SweepResponse
		if _, err := doRequest(cmd.Context(), http.MethodPost, "/v1/sweep", nil, nil, &resp); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sweep complete: %d examined, %d in flight\n", resp.Examined, resp.InFlight)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(sweepCmd)

	submitCmd.Flags().StringVar(&submitContentType, "content-type", "", "Content-Type to upload the report with")
}
