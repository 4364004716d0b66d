package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/service-ingest/internal/model"
	"github.com/sells-group/service-ingest/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect persisted job history",
	Long:  "Lists and shows jobs recorded by earlier runs. Requires the sqlite or postgres store.",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded jobs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		state, _ := cmd.Flags().GetString("state")
		source, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := st.ListJobs(ctx, store.JobFilter{
			State:  model.JobState(state),
			Source: source,
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}
		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}
		fmt.Fprintln(os.Stdout, formatJobs(jobs))
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show full details of a recorded job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, err := st.GetJob(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}
		return printJSON(os.Stdout, job)
	},
}

func init() {
	jobsListCmd.Flags().String("state", "", "filter by state (pending, running, completed, failed)")
	jobsListCmd.Flags().String("source", "", "filter by source name")
	jobsListCmd.Flags().Int("limit", 50, "max number of jobs to display")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	rootCmd.AddCommand(jobsCmd)
}

func openHistory(cmd *cobra.Command) (store.Store, error) {
	if err := cfg.Validate("jobs"); err != nil {
		return nil, err
	}
	return store.Open(cmd.Context(), cfg.Store)
}

// printJSON writes v indented to w.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
