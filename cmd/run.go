package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/service-ingest/internal/model"
	"github.com/sells-group/service-ingest/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one ingestion job per source and wait for them to finish",
	Example: `  service-ingest run --source ask-izzy --source youth-law --limit 200
  service-ingest run --source council --dataset north --filter region=NSW --no-store`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		specs, err := specsFromFlags(cmd)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, cfg, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		jobs, err := runJobs(ctx, env.Manager, specs)
		if err != nil {
			return err
		}

		fmt.Fprintln(os.Stdout, formatJobs(jobs))
		fmt.Fprintln(os.Stdout, formatStats(env.Manager.Stats()))
		return failedErr(jobs)
	},
}

func init() {
	addRunFlags(runCmd)
	_ = runCmd.MarkFlagRequired("source")
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringSlice("source", nil, "source to extract (repeatable)")
	f.Int("limit", 0, "max records per source (0 = no limit)")
	f.StringSlice("dataset", nil, "restrict multi-dataset sources to these datasets")
	f.StringToString("filter", nil, "source filters as key=value")
	f.Float64("min-quality", 0, "drop records scoring below this quality (0-1)")
	f.Bool("no-quality", false, "skip quality assessment")
	f.Bool("no-dedup", false, "skip deduplication")
	f.Bool("no-store", false, "do not write results to the store")
}

// specsFromFlags builds one job spec per --source.
func specsFromFlags(cmd *cobra.Command) ([]model.JobSpec, error) {
	f := cmd.Flags()
	sources, _ := f.GetStringSlice("source")
	limit, _ := f.GetInt("limit")
	datasets, _ := f.GetStringSlice("dataset")
	filters, _ := f.GetStringToString("filter")
	minQuality, _ := f.GetFloat64("min-quality")
	noQuality, _ := f.GetBool("no-quality")
	noDedup, _ := f.GetBool("no-dedup")
	noStore, _ := f.GetBool("no-store")

	if len(sources) == 0 {
		return nil, eris.New("run: at least one --source is required")
	}
	if minQuality > 0 && noQuality {
		return nil, eris.New("run: --min-quality has no effect with --no-quality")
	}

	specs := make([]model.JobSpec, 0, len(sources))
	seen := make(map[string]bool, len(sources))
	for _, src := range sources {
		if seen[src] {
			continue
		}
		seen[src] = true
		specs = append(specs, model.JobSpec{
			Source:                  src,
			Limit:                   limit,
			Filters:                 filters,
			Datasets:                datasets,
			EnableQualityAssessment: !noQuality,
			MinQualityScore:         minQuality,
			EnableDeduplication:     !noDedup,
			StoreResults:            !noStore,
		})
	}
	return specs, nil
}

// runJobs creates a job per spec, logs lifecycle events while they run, and
// returns the jobs in creation order once the queue drains.
func runJobs(ctx context.Context, mgr *pipeline.Manager, specs []model.JobSpec) ([]model.Job, error) {
	events, unsubscribe := mgr.Subscribe(0)
	logged := make(chan struct{})
	go func() {
		defer close(logged)
		for ev := range events {
			logEvent(ev)
		}
	}()
	defer func() {
		unsubscribe()
		<-logged
	}()

	ids := make([]string, 0, len(specs))
	for _, spec := range specs {
		id, err := mgr.CreateJob(spec)
		if err != nil {
			return nil, eris.Wrapf(err, "run: create job for %s", spec.Source)
		}
		ids = append(ids, id)
	}

	if err := mgr.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "run: interrupted")
	}

	jobs := make([]model.Job, 0, len(ids))
	for _, id := range ids {
		job, err := mgr.GetJob(id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func logEvent(ev pipeline.Event) {
	if ev.Job == nil {
		zap.L().Info("queue drained")
		return
	}
	fields := []zap.Field{
		zap.String("event", string(ev.Type)),
		zap.String("job_id", ev.Job.ID),
		zap.String("source", ev.Job.Spec.Source),
	}
	switch ev.Type {
	case pipeline.EventJobFailed:
		zap.L().Warn("job failed", append(fields, zap.String("error", ev.Job.Error))...)
	case pipeline.EventJobCompleted:
		if r := ev.Job.Result; r != nil {
			fields = append(fields,
				zap.Int("processed", r.ServicesProcessed),
				zap.Int("stored", r.ServicesStored),
				zap.Duration("duration", r.ProcessingTime),
			)
		}
		zap.L().Info("job completed", fields...)
	default:
		zap.L().Debug("job event", fields...)
	}
}

func failedErr(jobs []model.Job) error {
	failed := 0
	for _, j := range jobs {
		if j.State == model.JobFailed {
			failed++
		}
	}
	if failed == 0 {
		return nil
	}
	return eris.Errorf("%d of %d jobs failed", failed, len(jobs))
}

var jobHeaders = []string{"JOB", "SOURCE", "STATE", "EXTRACTED", "PROCESSED", "STORED", "DUPES", "MERGED", "QUALITY", "TIME", "ERROR"}

var jobAligns = []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight}

// formatJobs renders jobs as a table, one row per job.
func formatJobs(jobs []model.Job) string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		row := []string{shortID(j.ID), j.Spec.Source, string(j.State)}
		if r := j.Result; r != nil {
			row = append(row,
				strconv.Itoa(r.ServicesExtracted),
				strconv.Itoa(r.ServicesProcessed),
				strconv.Itoa(r.ServicesStored),
				strconv.Itoa(r.DuplicatesFound),
				strconv.Itoa(r.DuplicatesMerged),
				fmt.Sprintf("%.2f", r.AverageQuality),
				r.ProcessingTime.Round(time.Millisecond).String(),
			)
		} else {
			row = append(row, "-", "-", "-", "-", "-", "-", "-")
		}
		row = append(row, truncate(j.Error, 60))
		rows = append(rows, row)
	}
	return renderTable(jobHeaders, rows, jobAligns)
}

// formatStats renders the run-wide counters as a two-column table.
func formatStats(s pipeline.Stats) string {
	rows := [][]string{
		{"jobs completed", strconv.Itoa(s.JobsCompleted)},
		{"jobs failed", strconv.Itoa(s.JobsFailed)},
		{"services extracted", strconv.Itoa(s.ServicesExtracted)},
		{"services invalid", strconv.Itoa(s.ServicesInvalid)},
		{"below quality", strconv.Itoa(s.ServicesBelowQuality)},
		{"duplicates found", strconv.Itoa(s.DuplicatesFound)},
		{"duplicates merged", strconv.Itoa(s.DuplicatesMerged)},
		{"services stored", strconv.Itoa(s.ServicesStored)},
		{"avg processing time", s.AverageProcessingTime.Round(time.Millisecond).String()},
	}
	if s.EventsDropped > 0 {
		rows = append(rows, []string{"events dropped", strconv.FormatInt(s.EventsDropped, 10)})
	}
	return renderTable([]string{"METRIC", "VALUE"}, rows, []columnAlignment{alignLeft, alignRight})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

