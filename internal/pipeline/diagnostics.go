package pipeline

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sells-group/service-ingest/internal/adapter"
)

// SourceStatus is the outcome of a connectivity test against one adapter.
type SourceStatus struct {
	Source         string        `json:"source"`
	OK             bool          `json:"ok"`
	Records        int           `json:"records"`
	Valid          int           `json:"valid"`
	EstimatedTotal int           `json:"estimated_total"`
	Errors         []string      `json:"errors,omitempty"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// RunTests extracts a few records from every adapter and checks that they
// normalize. It bypasses jobs, retries and circuit breakers and leaves
// statistics untouched. Results follow registration order.
func (m *Manager) RunTests(ctx context.Context) []SourceStatus {
	adapters := m.reg.All()
	out := make([]SourceStatus, len(adapters))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.TestConcurrency)
	for i, a := range adapters {
		g.Go(func() error {
			out[i] = m.testSource(gctx, a)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (m *Manager) testSource(ctx context.Context, a adapter.Adapter) SourceStatus {
	st := SourceStatus{Source: a.Name()}
	if m.cfg.ExtractTimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(m.cfg.ExtractTimeoutSecs)*time.Second)
		defer cancel()
	}

	start := time.Now()
	res, err := a.Extract(ctx, adapter.ExtractOptions{Limit: m.cfg.TestLimit})
	st.Duration = time.Since(start)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	if res == nil {
		res = &adapter.ExtractResult{}
	}

	st.Records = len(res.Records)
	st.EstimatedTotal = res.Stats.EstimatedTotal
	for _, e := range res.Errors {
		st.Errors = append(st.Errors, e.String())
	}
	services, _ := m.norm.Batch(res.Records)
	st.Valid = len(services)

	if st.Records > 0 && st.Valid == 0 {
		st.Error = "no extracted record has a name after field mapping"
		return st
	}
	st.OK = true
	return st
}
