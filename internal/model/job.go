package model

import "time"

// JobState represents the lifecycle state of an ingestion job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// CanTransition reports whether a job may move from s to next.
// pending -> running -> {completed | failed}; terminal states never move.
// A pending job may fail directly when it is cancelled before starting.
func (s JobState) CanTransition(next JobState) bool {
	switch s {
	case JobPending:
		return next == JobRunning || next == JobFailed
	case JobRunning:
		return next == JobCompleted || next == JobFailed
	default:
		return false
	}
}

// JobSpec is the caller's description of the work a job should do.
type JobSpec struct {
	Source                  string            `json:"source" validate:"required"`
	Limit                   int               `json:"limit,omitempty" validate:"gte=0"`
	Filters                 map[string]string `json:"filters,omitempty"`
	Datasets                []string          `json:"datasets,omitempty"`
	EnableQualityAssessment bool              `json:"enable_quality_assessment"`
	MinQualityScore         float64           `json:"min_quality_score" validate:"gte=0,lte=1"`
	EnableDeduplication     bool              `json:"enable_deduplication"`
	StoreResults            bool              `json:"store_results"`
}

// JobResult summarizes a finished job.
type JobResult struct {
	ServicesExtracted    int                  `json:"services_extracted"`
	ServicesProcessed    int                  `json:"services_processed"`
	ServicesInvalid      int                  `json:"services_invalid"`
	ServicesBelowQuality int                  `json:"services_below_quality"`
	DuplicatesFound      int                  `json:"duplicates_found"`
	DuplicatesMerged     int                  `json:"duplicates_merged"`
	ProbableMatches      []MatchCandidatePair `json:"probable_matches,omitempty"`
	ServicesStored       int                  `json:"services_stored"`
	ExtractionErrors     int                  `json:"extraction_errors"`
	AverageQuality       float64              `json:"average_quality,omitempty"`
	ProcessingTime       time.Duration        `json:"processing_time"`
}

// Job is one unit of extraction-through-storage work.
type Job struct {
	ID         string     `json:"id"`
	Spec       JobSpec    `json:"spec"`
	State      JobState   `json:"state"`
	Result     *JobResult `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	RetryOf    string     `json:"retry_of,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Snapshot returns a copy of the job that shares no mutable state with j.
func (j *Job) Snapshot() Job {
	out := *j
	out.Spec.Filters = copyStringMap(j.Spec.Filters)
	out.Spec.Datasets = append([]string(nil), j.Spec.Datasets...)
	if j.Result != nil {
		r := *j.Result
		r.ProbableMatches = append([]MatchCandidatePair(nil), j.Result.ProbableMatches...)
		out.Result = &r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
