// Package model defines the records, reports, and jobs shared across the
// ingestion pipeline.
package model

import (
	"strings"
	"time"
)

// Canonical field keys. Adapters map their source-native columns onto these
// keys; the normalizer reads only these.
const (
	FieldID             = "id"
	FieldName           = "name"
	FieldDescription    = "description"
	FieldOrganization   = "organization"
	FieldOrganizationID = "organization_id"
	FieldAddress        = "address"
	FieldCity           = "city"
	FieldRegion         = "region"
	FieldPostcode       = "postcode"
	FieldLatitude       = "latitude"
	FieldLongitude      = "longitude"
	FieldPhone          = "phone"
	FieldEmail          = "email"
	FieldURL            = "url"
	FieldCategories     = "categories"
	FieldYouth          = "youth"
	FieldIndigenous     = "indigenous"
	FieldAgeMin         = "age_min"
	FieldAgeMax         = "age_max"
	FieldAgeRange       = "age_range"
	FieldSourceURL      = "source_url"
	FieldLocations      = "locations"
)

// CanonicalFields lists every key a field map may target.
var CanonicalFields = []string{
	FieldID, FieldName, FieldDescription, FieldOrganization, FieldOrganizationID,
	FieldAddress, FieldCity, FieldRegion, FieldPostcode, FieldLatitude, FieldLongitude,
	FieldPhone, FieldEmail, FieldURL, FieldCategories, FieldYouth, FieldIndigenous,
	FieldAgeMin, FieldAgeMax, FieldAgeRange, FieldSourceURL, FieldLocations,
}

// IsCanonicalField reports whether key is a recognized canonical field key.
func IsCanonicalField(key string) bool {
	for _, f := range CanonicalFields {
		if f == key {
			return true
		}
	}
	return false
}

// SourceRecord is the raw output of one adapter before normalization.
// Adapters must not modify a record after handing it to the pipeline.
type SourceRecord struct {
	Source      string         `json:"source"`
	SourceID    string         `json:"source_id,omitempty"`
	URL         string         `json:"url,omitempty"`
	Fields      map[string]any `json:"fields"`
	ExtractedAt time.Time      `json:"extracted_at"`
}

// String returns the named field as a trimmed string, or "" if it is absent
// or not a scalar.
func (r SourceRecord) String(key string) string {
	v, ok := r.Fields[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	default:
		return ""
	}
}

// Organization identifies the provider behind a service.
type Organization struct {
	Name  string `json:"name,omitempty"`
	TaxID string `json:"tax_id,omitempty"`
}

// Coordinates is a WGS84 point.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Location is one place a service is delivered from.
type Location struct {
	Address     string       `json:"address,omitempty"`
	City        string       `json:"city,omitempty"`
	Region      string       `json:"region,omitempty"`
	PostalCode  string       `json:"postal_code,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

// Empty reports whether the location carries no usable data.
func (l Location) Empty() bool {
	return l.Address == "" && l.City == "" && l.Region == "" && l.PostalCode == "" && l.Coordinates == nil
}

// ContactKind distinguishes contact channels.
type ContactKind string

const (
	ContactPhone ContactKind = "phone"
	ContactEmail ContactKind = "email"
	ContactURL   ContactKind = "url"
)

// Contact is one channel through which a service can be reached.
type Contact struct {
	Kind  ContactKind `json:"kind"`
	Value string      `json:"value"`
}

// Provenance records one source that contributed to a service record.
type Provenance struct {
	Source      string    `json:"source"`
	SourceID    string    `json:"source_id,omitempty"`
	SourceURL   string    `json:"source_url,omitempty"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// NormalizedService is the canonical record shape the pipeline operates on.
type NormalizedService struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Organization Organization   `json:"organization"`
	Locations    []Location     `json:"locations,omitempty"`
	Contacts     []Contact      `json:"contacts,omitempty"`
	Categories   []string       `json:"categories,omitempty"`
	Youth        bool           `json:"youth"`
	Indigenous   bool           `json:"indigenous"`
	AgeMin       *int           `json:"age_min,omitempty"`
	AgeMax       *int           `json:"age_max,omitempty"`
	Provenance   []Provenance   `json:"provenance"`
	Quality      *QualityReport `json:"quality,omitempty"`
}

// ContactsOf returns the values of every contact of the given kind.
func (s NormalizedService) ContactsOf(kind ContactKind) []string {
	var out []string
	for _, c := range s.Contacts {
		if c.Kind == kind {
			out = append(out, c.Value)
		}
	}
	return out
}

// HasLocation reports whether at least one non-empty location is present.
func (s NormalizedService) HasLocation() bool {
	for _, l := range s.Locations {
		if !l.Empty() {
			return true
		}
	}
	return false
}

// QualityScore returns the attached quality score, or 0 if unscored.
func (s NormalizedService) QualityScore() float64 {
	if s.Quality == nil {
		return 0
	}
	return s.Quality.Score
}

// LatestExtraction returns the most recent extraction time across provenance.
func (s NormalizedService) LatestExtraction() time.Time {
	var latest time.Time
	for _, p := range s.Provenance {
		if p.ExtractedAt.After(latest) {
			latest = p.ExtractedAt
		}
	}
	return latest
}

// PrimarySource returns the first provenance source name, or "".
func (s NormalizedService) PrimarySource() string {
	if len(s.Provenance) == 0 {
		return ""
	}
	return s.Provenance[0].Source
}

// Clone returns a deep copy so callers can modify the copy freely.
func (s NormalizedService) Clone() NormalizedService {
	out := s
	out.Locations = make([]Location, len(s.Locations))
	for i, l := range s.Locations {
		out.Locations[i] = l
		if l.Coordinates != nil {
			c := *l.Coordinates
			out.Locations[i].Coordinates = &c
		}
	}
	out.Contacts = append([]Contact(nil), s.Contacts...)
	out.Categories = append([]string(nil), s.Categories...)
	out.Provenance = append([]Provenance(nil), s.Provenance...)
	if s.AgeMin != nil {
		v := *s.AgeMin
		out.AgeMin = &v
	}
	if s.AgeMax != nil {
		v := *s.AgeMax
		out.AgeMax = &v
	}
	return out
}

// StoreResult is what a result sink acknowledges for one batch.
type StoreResult struct {
	Stored int      `json:"stored"`
	Errors []string `json:"errors,omitempty"`
}
