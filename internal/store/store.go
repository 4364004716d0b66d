// Package store persists ingested services and job history.
package store

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/service-ingest/internal/config"
	"github.com/sells-group/service-ingest/internal/model"
)

// ErrJobNotFound is returned by GetJob for an unknown id.
var ErrJobNotFound = errors.New("job not found")

// JobFilter specifies criteria for listing persisted jobs.
type JobFilter struct {
	State  model.JobState `json:"state,omitempty"`
	Source string         `json:"source,omitempty"`
	Limit  int            `json:"limit,omitempty"`
	Offset int            `json:"offset,omitempty"`
}

const defaultListLimit = 100

func (f JobFilter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

// Store is the result sink the pipeline writes to.
//
// Store writes a batch keyed by service id. A record with a newer extraction
// time replaces the stored one; an older one leaves it untouched. Records
// without an id or name are skipped and reported in StoreResult.Errors. When
// a backend fails part way, the returned result counts the records committed
// before the failure.
type Store interface {
	Store(ctx context.Context, batch []model.NormalizedService) (model.StoreResult, error)
	LoadCorpus(ctx context.Context) ([]model.NormalizedService, error)

	SaveJob(ctx context.Context, job model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Open builds the store named by cfg.Driver and migrates it.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "", "memory":
		s = NewMemory()
	case "sqlite":
		s, err = NewSQLite(cfg.SQLitePath, cfg.BatchSize)
	case "postgres":
		s, err = NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{
			MaxConns:  cfg.MaxConns,
			MinConns:  cfg.MinConns,
			BatchSize: cfg.BatchSize,
		})
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}
