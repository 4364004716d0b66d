package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/service-ingest/internal/adapter"
	"github.com/sells-group/service-ingest/internal/config"
	"github.com/sells-group/service-ingest/internal/dedup"
	"github.com/sells-group/service-ingest/internal/model"
	"github.com/sells-group/service-ingest/internal/quality"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// --- Sink mock ---

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Store(ctx context.Context, batch []model.NormalizedService) (model.StoreResult, error) {
	args := m.Called(ctx, batch)
	return args.Get(0).(model.StoreResult), args.Error(1)
}

// memSink keeps stored records and job history in memory.
type memSink struct {
	mu      sync.Mutex
	records map[string]model.NormalizedService
	jobs    []model.Job
	corpus  []model.NormalizedService
	calls   int
}

func newMemSink() *memSink {
	return &memSink{records: make(map[string]model.NormalizedService)}
}

func (s *memSink) Store(_ context.Context, batch []model.NormalizedService) (model.StoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	for _, r := range batch {
		s.records[r.ID] = r
	}
	return model.StoreResult{Stored: len(batch)}, nil
}

func (s *memSink) SaveJob(_ context.Context, job model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *memSink) stored() map[string]model.NormalizedService {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]model.NormalizedService, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

func (s *memSink) savedJobs() []model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Job(nil), s.jobs...)
}

// corpusSink adds a fixed corpus for cross-run dedup.
type corpusSink struct {
	*memSink
}

func (s corpusSink) LoadCorpus(context.Context) ([]model.NormalizedService, error) {
	return s.corpus, nil
}

// --- Adapters ---

var extractedAt = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func record(source, id string, fields map[string]any) model.SourceRecord {
	return model.SourceRecord{Source: source, SourceID: id, Fields: fields, ExtractedAt: extractedAt}
}

func staticAdapter(name string, recs ...model.SourceRecord) adapter.Adapter {
	return adapter.Func{
		SourceName: name,
		Fn: func(context.Context, adapter.ExtractOptions) (*adapter.ExtractResult, error) {
			out := append([]model.SourceRecord(nil), recs...)
			return &adapter.ExtractResult{Records: out, Stats: adapter.ExtractStats{Fetched: len(out)}}, nil
		},
	}
}

func failingAdapter(name string, err error) adapter.Adapter {
	return adapter.Func{
		SourceName: name,
		Fn: func(context.Context, adapter.ExtractOptions) (*adapter.ExtractResult, error) {
			return nil, err
		},
	}
}

// gate blocks every extraction until released and tracks how many are in
// flight at once.
type gate struct {
	release  chan struct{}
	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func newGate() *gate {
	return &gate{release: make(chan struct{})}
}

func (g *gate) adapter(name string) adapter.Adapter {
	return adapter.Func{
		SourceName: name,
		Fn: func(ctx context.Context, _ adapter.ExtractOptions) (*adapter.ExtractResult, error) {
			g.calls.Add(1)
			n := g.inFlight.Add(1)
			defer g.inFlight.Add(-1)
			for {
				p := g.peak.Load()
				if n <= p || g.peak.CompareAndSwap(p, n) {
					break
				}
			}
			select {
			case <-g.release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			recs := []model.SourceRecord{record(name, "1", map[string]any{"name": "Youth Hub"})}
			return &adapter.ExtractResult{Records: recs}, nil
		},
	}
}

// closingAdapter records whether Close was called.
type closingAdapter struct {
	adapter.Adapter
	closed atomic.Bool
}

func (c *closingAdapter) Close() error {
	c.closed.Store(true)
	return nil
}

// --- Manager helpers ---

func testConfig(maxJobs int) *config.Config {
	cfg := &config.Config{}
	cfg.Pipeline = DefaultConfig()
	cfg.Pipeline.MaxConcurrentJobs = maxJobs
	cfg.Quality = quality.DefaultConfig()
	cfg.Dedup = dedup.DefaultConfig()
	cfg.Retry = config.RetryConfig{MaxAttempts: 1, InitialBackoffMs: 1, MaxBackoffMs: 5}
	cfg.Circuit = config.CircuitConfig{FailureThreshold: 100, ResetTimeoutSecs: 1}
	return cfg
}

func newRegistry(t *testing.T, adapters ...adapter.Adapter) *adapter.Registry {
	t.Helper()
	reg := adapter.NewRegistry()
	for _, a := range adapters {
		require.NoError(t, reg.Register(a))
	}
	return reg
}

func newManager(t *testing.T, reg *adapter.Registry, opts ...Option) *Manager {
	t.Helper()
	all := append([]Option{WithConfig(testConfig(2))}, opts...)
	m, err := New(reg, all...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Cleanup(ctx) //nolint:errcheck
	})
	return m
}

func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx))
}

// drain reads events until the channel closes.
func drain(ch <-chan Event) []Event {
	var out []Event
	for e := range ch {
		out = append(out, e)
	}
	return out
}

func fullSpec(source string) model.JobSpec {
	return model.JobSpec{
		Source:                  source,
		EnableQualityAssessment: true,
		EnableDeduplication:     true,
		StoreResults:            true,
	}
}
