package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/service-ingest/internal/adapter"
	"github.com/sells-group/service-ingest/internal/model"
	"github.com/sells-group/service-ingest/internal/resilience"
)

func scenarioARecords() []model.SourceRecord {
	return []model.SourceRecord{
		record("dir", "1", map[string]any{"name": "Youth Hub", "phone": "02 9999 0000", "postcode": "2000", "city": "Sydney"}),
		record("dir", "2", map[string]any{"name": "YOUTH HUB INC.", "phone": "(02) 9999-0000", "postcode": "2000", "city": "Sydney"}),
		record("dir", "3", map[string]any{"name": "Food Bank", "postcode": "2042", "city": "Newtown"}),
	}
}

func TestScenarioA_ExactDuplicatesMerged(t *testing.T) {
	sink := newMemSink()
	m := newManager(t, newRegistry(t, staticAdapter("dir", scenarioARecords()...)), WithSink(sink))

	id, err := m.CreateJob(fullSpec("dir"))
	require.NoError(t, err)
	waitIdle(t, m)

	job, err := m.GetJob(id)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, job.State, job.Error)
	require.NotNil(t, job.Result)
	assert.Equal(t, 3, job.Result.ServicesProcessed)
	assert.Equal(t, 2, job.Result.ServicesStored)
	assert.Equal(t, 1, job.Result.DuplicatesMerged)
	assert.GreaterOrEqual(t, job.Result.DuplicatesFound, 1)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.FinishedAt)

	stored := sink.stored()
	require.Len(t, stored, 2)
	merged, ok := stored["dir:1"]
	require.True(t, ok)
	assert.Len(t, merged.Provenance, 2)
	assert.NotNil(t, merged.Quality)

	stats := m.Stats()
	assert.Equal(t, 1, stats.JobsCompleted)
	assert.Equal(t, 2, stats.ServicesStored)
	assert.Equal(t, 1, stats.DuplicatesMerged)
}

func TestScenarioB_FatalExtractionFailsJob(t *testing.T) {
	sink := &mockSink{}
	broken := failingAdapter("down", errors.New("connection refused"))
	m := newManager(t, newRegistry(t, broken), WithSink(sink))
	events, unsubscribe := m.Subscribe(16)
	defer unsubscribe()

	id, err := m.CreateJob(fullSpec("down"))
	require.NoError(t, err)
	waitIdle(t, m)

	job, err := m.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.State)
	assert.Contains(t, job.Error, "connection refused")
	assert.Equal(t, resilience.KindFatal, job.ErrorKind)
	assert.Zero(t, job.Result.ServicesStored)

	stats := m.Stats()
	assert.Equal(t, 1, stats.JobsFailed)
	assert.Zero(t, stats.JobsCompleted)
	sink.AssertNotCalled(t, "Store", mock.Anything, mock.Anything)

	var types []EventType
	for len(types) < 4 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", types)
		}
	}
	assert.Equal(t, []EventType{EventJobCreated, EventJobStarted, EventJobFailed, EventQueueCompleted}, types)
}

func TestScenarioC_LowQualityIsNotFailure(t *testing.T) {
	sink := newMemSink()
	recs := []model.SourceRecord{
		record("thin", "1", map[string]any{"name": "A"}),
		record("thin", "2", map[string]any{"name": "B"}),
		record("thin", "3", map[string]any{"name": "C"}),
	}
	m := newManager(t, newRegistry(t, staticAdapter("thin", recs...)), WithSink(sink))

	spec := fullSpec("thin")
	spec.MinQualityScore = 0.9
	id, err := m.CreateJob(spec)
	require.NoError(t, err)
	waitIdle(t, m)

	job, err := m.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, job.State)
	assert.Equal(t, 3, job.Result.ServicesProcessed)
	assert.Equal(t, 3, job.Result.ServicesBelowQuality)
	assert.Zero(t, job.Result.ServicesStored)
	assert.Less(t, job.Result.AverageQuality, 0.9)
	assert.Empty(t, sink.stored())
}

func TestScenarioD_ConcurrencyBoundAndQueueCompleted(t *testing.T) {
	g := newGate()
	cfg := testConfig(2)
	m, err := New(newRegistry(t, g.adapter("slow")), WithConfig(cfg))
	require.NoError(t, err)
	events, _ := m.Subscribe(64)

	for i := 0; i < 5; i++ {
		_, err := m.CreateJob(model.JobSpec{Source: "slow"})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return g.inFlight.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	close(g.release)
	waitIdle(t, m)
	require.NoError(t, m.Cleanup(context.Background()))

	all := drain(events)
	outstanding, peak, terminal, queueDone := 0, 0, 0, 0
	for _, e := range all {
		switch e.Type {
		case EventJobStarted:
			outstanding++
			peak = max(peak, outstanding)
		case EventJobCompleted, EventJobFailed:
			outstanding--
			terminal++
		case EventQueueCompleted:
			queueDone++
			assert.Equal(t, 5, terminal, "queue_completed before every job finished")
			assert.Nil(t, e.Job)
		}
	}
	assert.LessOrEqual(t, peak, 2)
	assert.Equal(t, 2, peak)
	assert.Equal(t, 5, terminal)
	assert.Equal(t, 1, queueDone)
	assert.Equal(t, EventQueueCompleted, all[len(all)-1].Type)
	assert.LessOrEqual(t, g.peak.Load(), int32(2))
	assert.Equal(t, 5, m.Stats().JobsCompleted)
}

func TestJobsStartInCreationOrder(t *testing.T) {
	cfg := testConfig(1)
	m, err := New(newRegistry(t, staticAdapter("dir", scenarioARecords()...)), WithConfig(cfg))
	require.NoError(t, err)
	events, _ := m.Subscribe(64)

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := m.CreateJob(model.JobSpec{Source: "dir"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	waitIdle(t, m)
	require.NoError(t, m.Cleanup(context.Background()))

	var started []string
	for _, e := range drain(events) {
		if e.Type == EventJobStarted {
			started = append(started, e.Job.ID)
		}
	}
	assert.Equal(t, ids, started)
	assert.Len(t, m.AllJobs(), 4)
	assert.Equal(t, ids[0], m.AllJobs()[0].ID)
}

func TestTerminalStateIsFinal(t *testing.T) {
	m := newManager(t, newRegistry(t, staticAdapter("dir", scenarioARecords()...)))
	id, err := m.CreateJob(model.JobSpec{Source: "dir"})
	require.NoError(t, err)
	waitIdle(t, m)

	before := m.Stats()
	m.finish(id, nil, errors.New("late failure"))

	job, err := m.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, job.State)
	assert.Empty(t, job.Error)
	assert.Equal(t, before, m.Stats())
	assert.False(t, m.jobs[id].State.CanTransition(model.JobRunning))
}

func TestCreateJob_Validation(t *testing.T) {
	m := newManager(t, newRegistry(t, staticAdapter("dir")))

	_, err := m.CreateJob(model.JobSpec{Source: "nope"})
	assert.True(t, errors.Is(err, adapter.ErrUnknownSource))

	_, err = m.CreateJob(model.JobSpec{})
	assert.ErrorContains(t, err, "invalid job spec")

	_, err = m.CreateJob(model.JobSpec{Source: "dir", Limit: -1})
	assert.ErrorContains(t, err, "invalid job spec")

	_, err = m.CreateJob(model.JobSpec{Source: "dir", MinQualityScore: 1.5})
	assert.ErrorContains(t, err, "invalid job spec")

	_, err = m.CreateJob(model.JobSpec{Source: "dir", StoreResults: true})
	assert.True(t, errors.Is(err, ErrNoSink))

	assert.Zero(t, m.Stats().JobsCreated)
}

func TestRetry(t *testing.T) {
	calls := 0
	flaky := adapter.Func{
		SourceName: "flaky",
		Fn: func(context.Context, adapter.ExtractOptions) (*adapter.ExtractResult, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("auth rejected")
			}
			return &adapter.ExtractResult{Records: scenarioARecords()}, nil
		},
	}
	m := newManager(t, newRegistry(t, flaky))

	first, err := m.CreateJob(model.JobSpec{Source: "flaky"})
	require.NoError(t, err)
	waitIdle(t, m)

	second, err := m.Retry(first)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	waitIdle(t, m)

	job, err := m.GetJob(second)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, job.State)
	assert.Equal(t, first, job.RetryOf)

	orig, err := m.GetJob(first)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, orig.State, "a retry never re-enters the failed job")

	_, err = m.Retry(second)
	assert.True(t, errors.Is(err, ErrNotRetryable))
	_, err = m.Retry("missing")
	assert.True(t, errors.Is(err, ErrJobNotFound))
}

func TestStoreFailureKeepsPartialCount(t *testing.T) {
	sink := &mockSink{}
	sink.On("Store", mock.Anything, mock.Anything).
		Return(model.StoreResult{Stored: 1}, errors.New("disk full")).Once()
	m := newManager(t, newRegistry(t, staticAdapter("dir", scenarioARecords()...)), WithSink(sink))

	id, err := m.CreateJob(fullSpec("dir"))
	require.NoError(t, err)
	waitIdle(t, m)

	job, err := m.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.State)
	assert.Contains(t, job.Error, "disk full")
	assert.Equal(t, 1, job.Result.ServicesStored)
	assert.Equal(t, 1, m.Stats().ServicesStored)
	sink.AssertExpectations(t)
}

func TestTransientExtractionIsRetried(t *testing.T) {
	calls := 0
	flaky := adapter.Func{
		SourceName: "flaky",
		Fn: func(context.Context, adapter.ExtractOptions) (*adapter.ExtractResult, error) {
			calls++
			if calls < 3 {
				return nil, resilience.NewTransientError(errors.New("503 from upstream"), 503)
			}
			return &adapter.ExtractResult{Records: scenarioARecords()}, nil
		},
	}
	cfg := testConfig(1)
	cfg.Retry.MaxAttempts = 3
	m, err := New(newRegistry(t, flaky), WithConfig(cfg))
	require.NoError(t, err)
	defer m.Cleanup(context.Background()) //nolint:errcheck

	id, err := m.CreateJob(model.JobSpec{Source: "flaky"})
	require.NoError(t, err)
	waitIdle(t, m)

	job, err := m.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, job.State)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, job.Result.ServicesProcessed)
}

func TestCrossRunDedupKeepsCorpusID(t *testing.T) {
	sink := corpusSink{newMemSink()}
	sink.corpus = []model.NormalizedService{{
		ID:         "old:9",
		Name:       "Youth Hub",
		Contacts:   []model.Contact{{Kind: model.ContactPhone, Value: "02 9999 0000"}},
		Provenance: []model.Provenance{{Source: "old", SourceID: "9", ExtractedAt: extractedAt}},
	}}
	cfg := testConfig(1)
	cfg.Pipeline.CrossRunDedup = true
	m, err := New(newRegistry(t, staticAdapter("dir", scenarioARecords()...)), WithConfig(cfg), WithSink(sink))
	require.NoError(t, err)
	defer m.Cleanup(context.Background()) //nolint:errcheck

	id, err := m.CreateJob(fullSpec("dir"))
	require.NoError(t, err)
	waitIdle(t, m)

	job, err := m.GetJob(id)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, job.State, job.Error)
	assert.Equal(t, 2, job.Result.DuplicatesMerged)

	stored := sink.stored()
	assert.Contains(t, stored, "old:9")
	assert.NotContains(t, stored, "dir:1")
	assert.Len(t, stored["old:9"].Provenance, 3)
}

func TestJobHistoryRecorded(t *testing.T) {
	sink := newMemSink()
	m := newManager(t, newRegistry(t, staticAdapter("dir", scenarioARecords()...)), WithSink(sink))

	id, err := m.CreateJob(fullSpec("dir"))
	require.NoError(t, err)
	waitIdle(t, m)

	require.Eventually(t, func() bool { return len(sink.savedJobs()) == 1 }, time.Second, 5*time.Millisecond)
	saved := sink.savedJobs()[0]
	assert.Equal(t, id, saved.ID)
	assert.Equal(t, model.JobCompleted, saved.State)
}

func TestCleanup(t *testing.T) {
	g := newGate()
	closer := &closingAdapter{Adapter: g.adapter("slow")}
	cfg := testConfig(1)
	m, err := New(newRegistry(t, closer), WithConfig(cfg))
	require.NoError(t, err)
	events, _ := m.Subscribe(64)

	first, err := m.CreateJob(model.JobSpec{Source: "slow"})
	require.NoError(t, err)
	second, err := m.CreateJob(model.JobSpec{Source: "slow"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return g.inFlight.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Cleanup(ctx))
	assert.NoError(t, m.Cleanup(context.Background()), "second call is a no-op")

	running, err := m.GetJob(first)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, running.State)
	assert.Equal(t, resilience.KindCancelled, running.ErrorKind)

	queued, err := m.GetJob(second)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, queued.State)
	assert.Equal(t, shutdownReason, queued.Error)
	assert.Nil(t, queued.StartedAt)

	for _, j := range m.AllJobs() {
		assert.True(t, j.State.Terminal())
	}
	assert.True(t, closer.closed.Load())
	assert.Equal(t, int32(1), g.calls.Load())

	_, err = m.CreateJob(model.JobSpec{Source: "slow"})
	assert.True(t, errors.Is(err, ErrClosed))

	all := drain(events)
	assert.Equal(t, EventQueueCompleted, all[len(all)-1].Type)
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	m := newManager(t, newRegistry(t, staticAdapter("dir", scenarioARecords()...)))
	_, unsubscribe := m.Subscribe(1)
	defer unsubscribe()

	_, err := m.CreateJob(model.JobSpec{Source: "dir"})
	require.NoError(t, err)
	waitIdle(t, m)

	assert.Equal(t, int64(3), m.Stats().EventsDropped)
}

func TestLimitIsEnforced(t *testing.T) {
	m := newManager(t, newRegistry(t, staticAdapter("dir", scenarioARecords()...)))
	id, err := m.CreateJob(model.JobSpec{Source: "dir", Limit: 2})
	require.NoError(t, err)
	waitIdle(t, m)

	job, err := m.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Result.ServicesExtracted)
}

func TestInvalidRecordsAreCounted(t *testing.T) {
	recs := append(scenarioARecords(), record("dir", "4", map[string]any{"phone": "02 1111 2222"}))
	m := newManager(t, newRegistry(t, staticAdapter("dir", recs...)))
	id, err := m.CreateJob(model.JobSpec{Source: "dir"})
	require.NoError(t, err)
	waitIdle(t, m)

	job, err := m.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, job.State)
	assert.Equal(t, 4, job.Result.ServicesProcessed)
	assert.Equal(t, 1, job.Result.ServicesInvalid)
}

func TestRunTests(t *testing.T) {
	good := staticAdapter("good", scenarioARecords()...)
	broken := failingAdapter("broken", errors.New("no route to host"))
	unmapped := staticAdapter("unmapped", record("unmapped", "1", map[string]any{"title": "x"}))
	m := newManager(t, newRegistry(t, good, broken, unmapped))

	statuses := m.RunTests(context.Background())
	require.Len(t, statuses, 3)

	assert.Equal(t, "good", statuses[0].Source)
	assert.True(t, statuses[0].OK)
	assert.Equal(t, 3, statuses[0].Records)
	assert.Equal(t, 3, statuses[0].Valid)

	assert.Equal(t, "broken", statuses[1].Source)
	assert.False(t, statuses[1].OK)
	assert.Contains(t, statuses[1].Error, "no route to host")

	assert.False(t, statuses[2].OK)
	assert.Contains(t, statuses[2].Error, "no extracted record has a name")

	assert.Zero(t, m.Stats().JobsCreated)
	assert.Empty(t, m.AllJobs())
}


type panickingSink struct{}

func (panickingSink) Store(context.Context, []model.NormalizedService) (model.StoreResult, error) {
	panic("sink exploded")
}

func TestPanicFailsJob(t *testing.T) {
	panicky := adapter.Func{
		SourceName: "panicky",
		Fn: func(context.Context, adapter.ExtractOptions) (*adapter.ExtractResult, error) {
			var counts map[string]int
			counts["boom"]++
			return nil, nil
		},
	}
	m := newManager(t, newRegistry(t, panicky, staticAdapter("dir", scenarioARecords()...)), WithSink(panickingSink{}))
	events, unsubscribe := m.Subscribe(64)

	extractID, err := m.CreateJob(model.JobSpec{Source: "panicky"})
	require.NoError(t, err)
	storeID, err := m.CreateJob(model.JobSpec{Source: "dir", StoreResults: true})
	require.NoError(t, err)
	waitIdle(t, m)
	unsubscribe()

	for _, id := range []string{extractID, storeID} {
		job, err := m.GetJob(id)
		require.NoError(t, err)
		assert.Equal(t, model.JobFailed, job.State)
		assert.Contains(t, job.Error, "job panicked")
	}
	assert.Equal(t, 2, m.Stats().JobsFailed)

	var types []EventType
	for _, e := range drain(events) {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, EventJobFailed)
	assert.Equal(t, EventQueueCompleted, types[len(types)-1])

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, m.Cleanup(ctx))
}

func TestCleanup_AbandonsJobIgnoringCancellation(t *testing.T) {
	old := cancelGrace
	cancelGrace = 20 * time.Millisecond
	t.Cleanup(func() { cancelGrace = old })

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	stuck := adapter.Func{
		SourceName: "stuck",
		Fn: func(context.Context, adapter.ExtractOptions) (*adapter.ExtractResult, error) {
			close(started)
			<-release
			return nil, nil
		},
	}
	m, err := New(newRegistry(t, stuck), WithConfig(testConfig(1)))
	require.NoError(t, err)

	id, err := m.CreateJob(model.JobSpec{Source: "stuck"})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Cleanup(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Cleanup did not return")
	}

	job, err := m.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.State)
	assert.Equal(t, abandonedReason, job.Error)
	assert.Equal(t, resilience.KindCancelled, job.ErrorKind)
}

func TestNew_RejectsNegativeQualityWeights(t *testing.T) {
	cfg := testConfig(1)
	cfg.Quality.Weights.Contactability = -0.5
	_, err := New(newRegistry(t), WithConfig(cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline: quality config")
}
