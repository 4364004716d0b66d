package pipeline

import (
	"sync"
	"time"

	"github.com/sells-group/service-ingest/internal/model"
)

// Stats aggregates every job run by one Manager.
type Stats struct {
	JobsCreated           int           `json:"jobs_created"`
	JobsCompleted         int           `json:"jobs_completed"`
	JobsFailed            int           `json:"jobs_failed"`
	ServicesExtracted     int           `json:"services_extracted"`
	ServicesProcessed     int           `json:"services_processed"`
	ServicesInvalid       int           `json:"services_invalid"`
	ServicesBelowQuality  int           `json:"services_below_quality"`
	ServicesStored        int           `json:"services_stored"`
	DuplicatesFound       int           `json:"duplicates_found"`
	DuplicatesMerged      int           `json:"duplicates_merged"`
	TotalProcessingTime   time.Duration `json:"total_processing_time"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	EventsDropped         int64         `json:"events_dropped"`
}

// aggregator owns the run-wide counters. Terminal jobs are folded in one at
// a time under its lock.
type aggregator struct {
	mu    sync.Mutex
	s     Stats
	timed int
}

func (a *aggregator) jobCreated() {
	a.mu.Lock()
	a.s.JobsCreated++
	a.mu.Unlock()
}

// record folds one terminal job into the totals.
func (a *aggregator) record(job model.Job) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch job.State {
	case model.JobCompleted:
		a.s.JobsCompleted++
	case model.JobFailed:
		a.s.JobsFailed++
	default:
		return
	}

	r := job.Result
	if r == nil {
		return
	}
	a.s.ServicesExtracted += r.ServicesExtracted
	a.s.ServicesProcessed += r.ServicesProcessed
	a.s.ServicesInvalid += r.ServicesInvalid
	a.s.ServicesBelowQuality += r.ServicesBelowQuality
	a.s.ServicesStored += r.ServicesStored
	a.s.DuplicatesFound += r.DuplicatesFound
	a.s.DuplicatesMerged += r.DuplicatesMerged
	a.s.TotalProcessingTime += r.ProcessingTime
	a.timed++
	a.s.AverageProcessingTime = a.s.TotalProcessingTime / time.Duration(a.timed)
}

func (a *aggregator) snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.s
}
