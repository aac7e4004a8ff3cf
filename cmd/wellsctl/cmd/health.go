package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/wells/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the wellsd agent",
	Long:  `Check that wellsd can write to its store and reach its database, if it uses one.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// /healthz answers 503 with a body, so this does not go through doRequest
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, apiURL("/healthz"), nil)
		if err != nil {
			return err
		}
		client := &http.Client{Timeout: timeout}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		defer resp.Body.Close()

		raw, _ := io.ReadAll(resp.Body)
		var st health.Status
		if err := json.Unmarshal(raw, &st); err != nil {
			return fmt.Errorf("unexpected health response (HTTP %d)", resp.StatusCode)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			if err := printJSON(out, st); err != nil {
				return err
			}
		} else if st.OK {
			fmt.Fprintf(out, "✓ wellsd is healthy (%d pending)\n", st.Pending)
		} else {
			fmt.Fprintf(out, "✗ wellsd is unhealthy: %s\n", st.Message)
		}
		if !st.OK {
			return fmt.Errorf("unhealthy")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
