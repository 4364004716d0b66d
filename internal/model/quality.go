package model

import "time"

// IssueKind names a data-quality defect found on a record.
type IssueKind string

const (
	IssueMissingDescription IssueKind = "missing_description"
	IssueMissingLocation    IssueKind = "missing_location"
	IssueMissingPostcode    IssueKind = "missing_postcode"
	IssueMissingContact     IssueKind = "missing_contact"
	IssueInvalidEmail       IssueKind = "invalid_email"
	IssueInvalidPhone       IssueKind = "invalid_phone"
	IssueMissingCategories  IssueKind = "missing_categories"
	IssueInvalidAgeRange    IssueKind = "invalid_age_range"
)

// Issue is one detected defect and the field it applies to.
type Issue struct {
	Kind  IssueKind `json:"kind"`
	Field string    `json:"field"`
}

// QualityReport is the score attached to a record for one pipeline run.
// Reports are never patched; re-assessment produces a new report.
type QualityReport struct {
	Score          float64   `json:"score"`
	Completeness   float64   `json:"completeness"`
	Contactability float64   `json:"contactability"`
	Specificity    float64   `json:"specificity"`
	Issues         []Issue   `json:"issues,omitempty"`
	AssessedAt     time.Time `json:"assessed_at"`
}

// HasIssue reports whether the report contains an issue of the given kind.
func (r QualityReport) HasIssue(kind IssueKind) bool {
	for _, i := range r.Issues {
		if i.Kind == kind {
			return true
		}
	}
	return false
}
