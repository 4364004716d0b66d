package pipeline

import (
	"context"

	"github.com/sells-group/service-ingest/internal/model"
)

// Sink persists the final batch of a job. A sink that commits part of a
// batch before failing reports the committed count alongside the error.
type Sink interface {
	Store(ctx context.Context, batch []model.NormalizedService) (model.StoreResult, error)
}

// CorpusReader is implemented by sinks that can return previously stored
// records for cross-run deduplication.
type CorpusReader interface {
	LoadCorpus(ctx context.Context) ([]model.NormalizedService, error)
}

// JobRecorder is implemented by sinks that keep job history. Terminal job
// snapshots are saved best-effort.
type JobRecorder interface {
	SaveJob(ctx context.Context, job model.Job) error
}
