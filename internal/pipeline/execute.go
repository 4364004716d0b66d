package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/service-ingest/internal/adapter"
	"github.com/sells-group/service-ingest/internal/dedup"
	"github.com/sells-group/service-ingest/internal/model"
	"github.com/sells-group/service-ingest/internal/resilience"
)

// sinkBreaker is the circuit breaker name used for result sink calls.
const sinkBreaker = "sink"

// execute runs one job: extract, normalize, score, deduplicate, store.
// The returned result is non-nil even on failure so partial counts reach
// the job record.
func (m *Manager) execute(ctx context.Context, job model.Job, log *zap.Logger) (*model.JobResult, error) {
	started := m.now()
	res := &model.JobResult{}
	defer func() { res.ProcessingTime = m.now().Sub(started) }()

	spec := job.Spec
	a, err := m.reg.Get(spec.Source)
	if err != nil {
		return res, err
	}

	extracted, err := m.extract(ctx, a, spec)
	if err != nil {
		return res, eris.Wrapf(err, "pipeline: extract %s", spec.Source)
	}
	records := extracted.Records
	if spec.Limit > 0 && len(records) > spec.Limit {
		records = records[:spec.Limit]
	}
	res.ServicesExtracted = len(records)
	res.ServicesProcessed = len(records)
	res.ExtractionErrors = len(extracted.Errors)
	if len(extracted.Errors) > 0 {
		log.Warn("pipeline: partial extraction",
			zap.Int("errors", len(extracted.Errors)),
			zap.String("first", extracted.Errors[0].String()),
		)
	}

	services, rejected := m.norm.Batch(records)
	res.ServicesInvalid = len(rejected)
	for _, r := range rejected {
		log.Debug("pipeline: record dropped", zap.String("source_id", r.Record.SourceID), zap.Error(r.Err))
	}

	if spec.EnableQualityAssessment {
		scored, summary := m.quality.AssessBatch(services)
		res.AverageQuality = summary.Average
		kept := make([]model.NormalizedService, 0, len(scored))
		for _, s := range scored {
			if s.QualityScore() < spec.MinQualityScore {
				res.ServicesBelowQuality++
				continue
			}
			kept = append(kept, s)
		}
		services = kept
	}

	if spec.EnableDeduplication && len(services) > 0 {
		dr := m.deduplicate(ctx, services, log)
		services = dr.Services
		res.DuplicatesFound = len(dr.Exact) + len(dr.Probable)
		res.DuplicatesMerged = dr.Merged
		res.ProbableMatches = dr.Probable
	}

	if spec.StoreResults && len(services) > 0 {
		sr, err := m.store(ctx, services)
		res.ServicesStored = sr.Stored
		if err != nil {
			return res, eris.Wrap(err, "pipeline: store results")
		}
		for _, e := range sr.Errors {
			log.Warn("pipeline: sink reported record error", zap.String("error", e))
		}
	}

	log.Debug("pipeline: job steps done",
		zap.Int("extracted", res.ServicesExtracted),
		zap.Int("invalid", res.ServicesInvalid),
		zap.Int("below_quality", res.ServicesBelowQuality),
		zap.Int("merged", res.DuplicatesMerged),
		zap.Int("survivors", len(services)),
	)
	return res, nil
}

// extract calls the adapter with retries, a per-attempt timeout and the
// source's circuit breaker.
func (m *Manager) extract(ctx context.Context, a adapter.Adapter, spec model.JobSpec) (*adapter.ExtractResult, error) {
	rc := m.retry
	rc.OnRetry = resilience.RetryLogger(a.Name(), "extract")
	if m.cfg.ExtractTimeoutSecs > 0 {
		rc.AttemptTimeout = time.Duration(m.cfg.ExtractTimeoutSecs) * time.Second
	}
	cb := m.breakers.For(a.Name())
	opts := adapter.ExtractOptions{Limit: spec.Limit, Filters: spec.Filters, Datasets: spec.Datasets}

	res, err := resilience.DoVal(ctx, rc, func(ctx context.Context) (*adapter.ExtractResult, error) {
		return resilience.Guard(ctx, cb, func(ctx context.Context) (*adapter.ExtractResult, error) {
			return a.Extract(ctx, opts)
		})
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &adapter.ExtractResult{}, nil
	}
	return res, nil
}

// deduplicate merges within the batch, or against the stored corpus when
// cross-run dedup is on and the sink can supply it.
func (m *Manager) deduplicate(ctx context.Context, services []model.NormalizedService, log *zap.Logger) dedup.Result {
	if m.cfg.CrossRunDedup {
		if cr, ok := m.sink.(CorpusReader); ok {
			corpus, err := cr.LoadCorpus(ctx)
			if err == nil {
				return m.dedup.DeduplicateAgainst(services, corpus)
			}
			log.Warn("pipeline: load corpus failed, deduplicating within batch", zap.Error(err))
		}
	}
	return m.dedup.Deduplicate(services)
}

// store hands the batch to the sink with retries. Sinks upsert, so a retry
// after a partial commit rewrites the same rows; the largest acknowledged
// count across attempts is reported.
func (m *Manager) store(ctx context.Context, batch []model.NormalizedService) (model.StoreResult, error) {
	rc := m.retry
	rc.OnRetry = resilience.RetryLogger(sinkBreaker, "store")
	rc.AttemptTimeout = m.storeTimeout()
	cb := m.breakers.For(sinkBreaker)

	var best model.StoreResult
	_, err := resilience.DoVal(ctx, rc, func(ctx context.Context) (model.StoreResult, error) {
		r, err := resilience.Guard(ctx, cb, func(ctx context.Context) (model.StoreResult, error) {
			return m.sink.Store(ctx, batch)
		})
		if r.Stored >= best.Stored {
			best = r
		}
		return r, err
	})
	return best, err
}
