// Package adapter defines the extraction contract every external source
// implements, the registry the pipeline resolves sources from, and the
// built-in CSV, XLSX, REST, HTML and static adapters configured from
// source definitions.
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/service-ingest/internal/model"
	"github.com/sells-group/service-ingest/internal/resilience"
)

// ErrNoData marks a hard extraction failure: the adapter retrieved nothing
// usable and cannot proceed.
var ErrNoData = eris.New("adapter: no usable data")

// Adapter extracts raw service records from one external source.
//
// Extract must not fail for partial problems (a bad row, one failed page);
// those are reported in ExtractResult.Errors alongside whatever was fetched.
// An error is returned only when nothing usable was retrieved.
// Adapters holding resources also implement io.Closer.
type Adapter interface {
	Name() string
	Extract(ctx context.Context, opts ExtractOptions) (*ExtractResult, error)
}

// Describer is implemented by adapters that can report their kind and
// location for listings.
type Describer interface {
	Describe() Info
}

// Info describes a configured adapter.
type Info struct {
	Name     string   `json:"name"`
	Kind     string   `json:"kind"`
	URL      string   `json:"url,omitempty"`
	Datasets []string `json:"datasets,omitempty"`
}

// ExtractOptions narrows an extraction.
type ExtractOptions struct {
	// Limit caps the records returned; zero means no cap.
	Limit int
	// Filters are source-specific subset selectors.
	Filters map[string]string
	// Datasets selects sub-sources of multi-dataset sources.
	Datasets []string
}

// ExtractStats reports extraction volume.
type ExtractStats struct {
	EstimatedTotal int `json:"estimated_total"`
	Fetched        int `json:"fetched"`
}

// ErrorKind classifies a partial extraction failure.
type ErrorKind string

const (
	ErrorTransient ErrorKind = "transient"
	ErrorHTTP      ErrorKind = "http"
	ErrorParse     ErrorKind = "parse"
	ErrorDataset   ErrorKind = "dataset"
)

// ExtractionError is a non-fatal problem encountered during extraction.
type ExtractionError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e ExtractionError) String() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ExtractResult is what an extraction produced.
type ExtractResult struct {
	Records []model.SourceRecord `json:"records"`
	Stats   ExtractStats         `json:"stats"`
	Errors  []ExtractionError    `json:"errors,omitempty"`
}

func (r *ExtractResult) addError(kind ErrorKind, err error) {
	r.Errors = append(r.Errors, ExtractionError{Kind: kind, Message: err.Error()})
}

// addFetchError records a failed download or page, classifying it as
// transient when retries ran out on a retryable failure.
func (r *ExtractResult) addFetchError(err error) {
	if resilience.IsTransient(err) {
		r.addError(ErrorTransient, err)
		return
	}
	r.addError(ErrorHTTP, err)
}

// full reports whether the result has reached limit.
func (r *ExtractResult) full(limit int) bool {
	return limit > 0 && len(r.Records) >= limit
}

// finish fills in the fetched count and decides whether the extraction as a
// whole failed: hard is the first hard failure seen, if any.
func (r *ExtractResult) finish(name string, hard error) (*ExtractResult, error) {
	r.Stats.Fetched = len(r.Records)
	if r.Stats.EstimatedTotal < r.Stats.Fetched {
		r.Stats.EstimatedTotal = r.Stats.Fetched
	}
	if len(r.Records) == 0 && hard != nil {
		return r, eris.Wrapf(ErrNoData, "%s: %v", name, hard)
	}
	return r, nil
}

// clock returns now, or time.Now in UTC when now is nil.
func clock(now func() time.Time) time.Time {
	if now != nil {
		return now()
	}
	return time.Now().UTC()
}

// Func adapts a function to the Adapter interface.
type Func struct {
	SourceName string
	Fn         func(ctx context.Context, opts ExtractOptions) (*ExtractResult, error)
}

// Name returns the source name.
func (f Func) Name() string { return f.SourceName }

// Extract calls Fn.
func (f Func) Extract(ctx context.Context, opts ExtractOptions) (*ExtractResult, error) {
	return f.Fn(ctx, opts)
}
