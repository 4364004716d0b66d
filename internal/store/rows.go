package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/service-ingest/internal/model"
)

const defaultBatchSize = 500

// serviceRow is the flattened form of a service shared by the SQL backends.
// Doc carries the full record; the other columns exist for filtering.
type serviceRow struct {
	ID        string
	Name      string
	Source    string
	Postcode  string
	Quality   float64
	Doc       []byte
	Point     *model.Coordinates
	UpdatedAt time.Time
}

func toServiceRow(svc model.NormalizedService) (serviceRow, error) {
	doc, err := json.Marshal(svc)
	if err != nil {
		return serviceRow{}, eris.Wrapf(err, "store: marshal service %s", svc.ID)
	}
	row := serviceRow{
		ID:        svc.ID,
		Name:      svc.Name,
		Source:    svc.PrimarySource(),
		Quality:   svc.QualityScore(),
		Doc:       doc,
		UpdatedAt: svc.LatestExtraction().UTC(),
	}
	for _, l := range svc.Locations {
		if row.Postcode == "" && l.PostalCode != "" {
			row.Postcode = l.PostalCode
		}
		if row.Point == nil && l.Coordinates != nil {
			c := *l.Coordinates
			row.Point = &c
		}
	}
	return row, nil
}

func decodeService(doc []byte) (model.NormalizedService, error) {
	var svc model.NormalizedService
	if err := json.Unmarshal(doc, &svc); err != nil {
		return svc, eris.Wrap(err, "store: unmarshal service")
	}
	return svc, nil
}

// prepareBatch converts a batch to rows, skipping records the schema would
// reject. Skipped records are described in errs.
func prepareBatch(batch []model.NormalizedService) (rows []serviceRow, errs []string) {
	rows = make([]serviceRow, 0, len(batch))
	for i, svc := range batch {
		if msg := checkRecord(i, svc); msg != "" {
			errs = append(errs, msg)
			continue
		}
		row, err := toServiceRow(svc)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		rows = append(rows, row)
	}
	return rows, errs
}

// checkRecord returns why svc cannot be stored, or "".
func checkRecord(i int, svc model.NormalizedService) string {
	switch {
	case svc.ID == "":
		return fmt.Sprintf("record %d: missing id", i)
	case svc.Name == "":
		return fmt.Sprintf("record %s: missing name", svc.ID)
	}
	return ""
}

func chunks[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = defaultBatchSize
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		out = append(out, items[start:min(start+size, len(items))])
	}
	return out
}

func encodeJob(job model.Job) ([]byte, error) {
	doc, err := json.Marshal(job)
	return doc, eris.Wrapf(err, "store: marshal job %s", job.ID)
}

func decodeJob(doc []byte) (*model.Job, error) {
	var job model.Job
	if err := json.Unmarshal(doc, &job); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal job")
	}
	return &job, nil
}
