package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/service-ingest/internal/adapter"
	"github.com/sells-group/service-ingest/internal/model"
	"github.com/sells-group/service-ingest/internal/pipeline"
	"github.com/sells-group/service-ingest/internal/resilience"
	"github.com/sells-group/service-ingest/internal/store"
)

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sourcesResponse struct {
	Sources  []adapter.Info              `json:"sources"`
	Breakers []resilience.BreakerStatus `json:"breakers"`
}

func (h *Handler) listSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sourcesResponse{
		Sources:  h.mgr.Sources(),
		Breakers: h.mgr.Breakers(),
	})
}

func (h *Handler) testSources(w http.ResponseWriter, r *http.Request) {
	statuses := h.mgr.RunTests(r.Context())
	status := http.StatusOK
	for _, s := range statuses {
		if !s.OK {
			status = http.StatusMultiStatus
			break
		}
	}
	writeJSON(w, status, map[string]any{"results": statuses})
}

type jobCreated struct {
	ID string `json:"id"`
}

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	var spec model.JobSpec
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(spec); err != nil {
		writeFailure(w, err)
		return
	}

	id, err := h.mgr.CreateJob(spec)
	if err != nil {
		writeFailure(w, err)
		return
	}
	zap.L().Info("job accepted", zap.String("job_id", id), zap.String("source", spec.Source))
	w.Header().Set("Location", "/jobs/"+id)
	writeJSON(w, http.StatusAccepted, jobCreated{ID: id})
}

// listJobs returns the manager's jobs, or the persisted history when
// ?history=true and a history store is configured.
func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		State:  model.JobState(q.Get("state")),
		Source: q.Get("source"),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if q.Get("history") == "true" {
		if h.history == nil {
			writeError(w, http.StatusNotImplemented, "no job history store configured")
			return
		}
		jobs, err := h.history.ListJobs(r.Context(), filter)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": nonNil(jobs)})
		return
	}

	var jobs []model.Job
	for _, j := range h.mgr.AllJobs() {
		if filter.State != "" && j.State != filter.State {
			continue
		}
		if filter.Source != "" && j.Spec.Source != filter.Source {
			continue
		}
		jobs = append(jobs, j)
	}
	if filter.Offset >= len(jobs) {
		jobs = nil
	} else {
		jobs = jobs[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(jobs) {
		jobs = jobs[:filter.Limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": nonNil(jobs)})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.mgr.GetJob(id)
	if err == nil {
		writeJSON(w, http.StatusOK, job)
		return
	}
	if h.history == nil {
		writeFailure(w, err)
		return
	}
	// Jobs from earlier processes are only in the history store.
	past, herr := h.history.GetJob(r.Context(), id)
	if herr != nil {
		writeFailure(w, herr)
		return
	}
	writeJSON(w, http.StatusOK, past)
}

func (h *Handler) retryJob(w http.ResponseWriter, r *http.Request) {
	id, err := h.mgr.Retry(chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	w.Header().Set("Location", "/jobs/"+id)
	writeJSON(w, http.StatusAccepted, jobCreated{ID: id})
}

type statsResponse struct {
	Stats    pipeline.Stats             `json:"stats"`
	Breakers []resilience.BreakerStatus `json:"breakers"`
}

func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{Stats: h.mgr.Stats(), Breakers: h.mgr.Breakers()})
}

// events streams job lifecycle events as server-sent events until the
// client disconnects or the manager shuts down.
func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ch, unsubscribe := h.mgr.Subscribe(0)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				zap.L().Warn("api: encode event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, eris.Errorf("invalid integer %q", s)
	}
	return n, nil
}

func nonNil(jobs []model.Job) []model.Job {
	if jobs == nil {
		return []model.Job{}
	}
	return jobs
}
