package store

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/sells-group/service-ingest/internal/model"
)

// MemoryStore keeps everything in process memory. It is the default sink for
// local runs and is lost on exit.
type MemoryStore struct {
	mu       sync.RWMutex
	services map[string]model.NormalizedService
	jobs     map[string]model.Job
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		services: make(map[string]model.NormalizedService),
		jobs:     make(map[string]model.Job),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Store(ctx context.Context, batch []model.NormalizedService) (model.StoreResult, error) {
	if err := ctx.Err(); err != nil {
		return model.StoreResult{}, err
	}
	var res model.StoreResult
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, svc := range batch {
		if msg := checkRecord(i, svc); msg != "" {
			res.Errors = append(res.Errors, msg)
			continue
		}
		if cur, ok := s.services[svc.ID]; !ok || !svc.LatestExtraction().Before(cur.LatestExtraction()) {
			s.services[svc.ID] = svc.Clone()
		}
		res.Stored++
	}
	return res, nil
}

func (s *MemoryStore) LoadCorpus(context.Context) ([]model.NormalizedService, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.NormalizedService, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, svc.Clone())
	}
	slices.SortFunc(out, func(a, b model.NormalizedService) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *MemoryStore) SaveJob(_ context.Context, job model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Snapshot()
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	out := job.Snapshot()
	return &out, nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]model.Job, error) {
	s.mu.RLock()
	var out []model.Job
	for _, job := range s.jobs {
		if filter.State != "" && job.State != filter.State {
			continue
		}
		if filter.Source != "" && job.Spec.Source != filter.Source {
			continue
		}
		out = append(out, job.Snapshot())
	}
	s.mu.RUnlock()

	// Newest first, matching the SQL backends.
	slices.SortFunc(out, func(a, b model.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	return out[:min(filter.limit(), len(out))], nil
}
