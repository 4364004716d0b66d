package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/service-ingest/internal/adapter"
	"github.com/sells-group/service-ingest/internal/pipeline"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List and test configured sources",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sources from the sources file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := buildRegistry(cfg)
		if err != nil {
			return err
		}
		defer reg.Close() //nolint:errcheck

		fmt.Fprintln(os.Stdout, formatSources(reg.Describe()))
		return nil
	},
}

var sourcesTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Extract a few records from every source and check they normalize",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context(), cfg, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		statuses := env.Manager.RunTests(cmd.Context())
		fmt.Fprintln(os.Stdout, formatSourceTests(statuses))

		for _, s := range statuses {
			if !s.OK {
				return eris.New("one or more sources failed")
			}
		}
		return nil
	},
}

func init() {
	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesTestCmd)
	rootCmd.AddCommand(sourcesCmd)
}

func formatSources(infos []adapter.Info) string {
	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, []string{info.Name, info.Kind, info.URL, strings.Join(info.Datasets, ", ")})
	}
	return renderTable([]string{"NAME", "KIND", "URL", "DATASETS"}, rows, nil)
}

func formatSourceTests(statuses []pipeline.SourceStatus) string {
	rows := make([][]string, 0, len(statuses))
	for _, s := range statuses {
		result := "ok"
		detail := strings.Join(s.Errors, "; ")
		if !s.OK {
			result = "FAIL"
			detail = s.Error
		}
		rows = append(rows, []string{
			s.Source,
			result,
			strconv.Itoa(s.Records),
			strconv.Itoa(s.Valid),
			strconv.Itoa(s.EstimatedTotal),
			s.Duration.Round(time.Millisecond).String(),
			truncate(detail, 60),
		})
	}
	return renderTable(
		[]string{"SOURCE", "RESULT", "RECORDS", "VALID", "ESTIMATED", "TIME", "DETAIL"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight},
	)
}
