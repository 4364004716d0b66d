// Package normalize maps source records onto the canonical service shape.
package normalize

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/service-ingest/internal/model"
)

// ErrMissingName is returned for records with no usable name. Such records
// are dropped and counted, never fatal to a job.
var ErrMissingName = eris.New("normalize: record has no name")

// serviceNamespace seeds deterministic ids for records without a native id.
var serviceNamespace = uuid.MustParse("6f1c1d52-5f0e-4d4b-9a55-2f0c6e9b7a31")

// Normalizer converts SourceRecords into NormalizedServices.
type Normalizer struct {
	namespace uuid.UUID
}

// New creates a Normalizer.
func New() *Normalizer {
	return &Normalizer{namespace: serviceNamespace}
}

// Normalize builds the canonical record for rec. It fails only with
// ErrMissingName.
func (n *Normalizer) Normalize(rec model.SourceRecord) (model.NormalizedService, error) {
	f := rec.Fields
	name := text(f[model.FieldName])
	if name == "" {
		return model.NormalizedService{}, eris.Wrapf(ErrMissingName, "%s record %q", rec.Source, rec.SourceID)
	}

	svc := model.NormalizedService{
		ID:          n.id(rec),
		Name:        name,
		Description: text(f[model.FieldDescription]),
		Organization: model.Organization{
			Name:  text(f[model.FieldOrganization]),
			TaxID: text(f[model.FieldOrganizationID]),
		},
		Locations:  locations(f),
		Contacts:   contacts(f),
		Categories: categories(f[model.FieldCategories]),
		Youth:      boolean(f[model.FieldYouth]),
		Indigenous: boolean(f[model.FieldIndigenous]),
	}
	svc.AgeMin, svc.AgeMax = ages(f)

	sourceURL := rec.URL
	if u := text(f[model.FieldSourceURL]); u != "" {
		sourceURL = u
	}
	svc.Provenance = []model.Provenance{{
		Source:      rec.Source,
		SourceID:    rec.SourceID,
		SourceURL:   sourceURL,
		ExtractedAt: rec.ExtractedAt,
	}}
	return svc, nil
}

// Rejected is a record Batch could not normalize.
type Rejected struct {
	Record model.SourceRecord
	Err    error
}

// Batch normalizes every record, returning the survivors in input order and
// the records that were dropped.
func (n *Normalizer) Batch(recs []model.SourceRecord) ([]model.NormalizedService, []Rejected) {
	out := make([]model.NormalizedService, 0, len(recs))
	var rejected []Rejected
	for _, rec := range recs {
		svc, err := n.Normalize(rec)
		if err != nil {
			rejected = append(rejected, Rejected{Record: rec, Err: err})
			continue
		}
		out = append(out, svc)
	}
	return out, rejected
}

// id is "<source>:<native id>", or "<source>:<uuid v5 of the fields>" so
// re-running a source without native ids yields the same ids.
func (n *Normalizer) id(rec model.SourceRecord) string {
	if rec.SourceID != "" {
		return rec.Source + ":" + rec.SourceID
	}
	// encoding/json writes map keys in sorted order.
	b, err := json.Marshal(rec.Fields)
	if err != nil {
		b = []byte(fingerprint(rec.Fields))
	}
	return rec.Source + ":" + uuid.NewSHA1(n.namespace, b).String()
}

// fingerprint is a stable rendering of fields that json cannot encode.
func fingerprint(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(strings.Join(list(fields[k], ","), ","))
		sb.WriteByte(';')
	}
	return sb.String()
}
