// Package quality scores normalized service records for completeness,
// contactability and specificity.
package quality

import (
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"

	"github.com/sells-group/service-ingest/internal/config"
	"github.com/sells-group/service-ingest/internal/model"
)

// Contactability levels.
const (
	contactBoth    = 1.0
	contactOne     = 0.7
	contactURLOnly = 0.3
)

// Phone numbers must carry this many digits to count as dialable; 6 covers
// short national numbers such as "13 11 14".
const (
	minPhoneDigits = 6
	maxPhoneDigits = 15
)

// DefaultConfig returns the quality policy used when nothing is configured.
func DefaultConfig() config.QualityConfig {
	return config.QualityConfig{
		Weights:           config.QualityWeights{Completeness: 0.5, Contactability: 0.3, Specificity: 0.2},
		DefaultCategories: []string{"general", "other", "uncategorised", "uncategorized"},
		TopIssues:         5,
	}
}

// Engine assesses records. It is stateless after construction and safe for
// concurrent use.
type Engine struct {
	weights  config.QualityWeights
	defaults map[string]bool
	topN     int
	validate *validator.Validate
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source used to stamp reports.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// ValidateConfig rejects negative weights. A negative weight would let an
// extra populated field lower the score.
func ValidateConfig(cfg config.QualityConfig) error {
	w := cfg.Weights
	for name, v := range map[string]float64{
		"completeness":   w.Completeness,
		"contactability": w.Contactability,
		"specificity":    w.Specificity,
	} {
		if v < 0 {
			return eris.Errorf("quality: weights.%s must be >= 0, got %v", name, v)
		}
	}
	return nil
}

// New validates cfg and creates an Engine. Weights are normalized to sum
// to 1; an all-zero weight set falls back to the defaults.
func New(cfg config.QualityConfig, opts ...Option) (*Engine, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	w := cfg.Weights
	sum := w.Completeness + w.Contactability + w.Specificity
	if sum <= 0 {
		w = def.Weights
		sum = 1
	}
	w.Completeness /= sum
	w.Contactability /= sum
	w.Specificity /= sum

	cats := cfg.DefaultCategories
	if cats == nil {
		cats = def.DefaultCategories
	}
	defaults := make(map[string]bool, len(cats))
	for _, c := range cats {
		defaults[strings.ToLower(strings.TrimSpace(c))] = true
	}

	topN := cfg.TopIssues
	if topN <= 0 {
		topN = def.TopIssues
	}

	e := &Engine{
		weights:  w,
		defaults: defaults,
		topN:     topN,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Assess scores one record. It never fails: a record with nothing but a
// name still gets a (low) score.
func (e *Engine) Assess(svc model.NormalizedService) model.QualityReport {
	var issues []model.Issue
	issue := func(kind model.IssueKind, field string) {
		issues = append(issues, model.Issue{Kind: kind, Field: field})
	}

	// Completeness over name, description, location, contact, categories.
	present := 0
	if strings.TrimSpace(svc.Name) != "" {
		present++
	}
	if strings.TrimSpace(svc.Description) != "" {
		present++
	} else {
		issue(model.IssueMissingDescription, "description")
	}
	if svc.HasLocation() {
		present++
		if !hasPostcode(svc.Locations) {
			issue(model.IssueMissingPostcode, "postal_code")
		}
	} else {
		issue(model.IssueMissingLocation, "locations")
	}
	if len(svc.Contacts) > 0 {
		present++
	} else {
		issue(model.IssueMissingContact, "contacts")
	}
	if len(svc.Categories) > 0 {
		present++
	} else {
		issue(model.IssueMissingCategories, "categories")
	}
	completeness := float64(present) / 5

	// Contactability from valid channels only.
	phone, email, link := false, false, false
	badPhone, badEmail := false, false
	for _, c := range svc.Contacts {
		switch c.Kind {
		case model.ContactPhone:
			if ValidPhone(c.Value) {
				phone = true
			} else {
				badPhone = true
			}
		case model.ContactEmail:
			if e.validate.Var(c.Value, "email") == nil {
				email = true
			} else {
				badEmail = true
			}
		case model.ContactURL:
			if e.validate.Var(c.Value, "url") == nil {
				link = true
			}
		}
	}
	if badEmail {
		issue(model.IssueInvalidEmail, "email")
	}
	if badPhone {
		issue(model.IssueInvalidPhone, "phone")
	}
	var contactability float64
	switch {
	case phone && email:
		contactability = contactBoth
	case phone || email:
		contactability = contactOne
	case link:
		contactability = contactURLOnly
	}

	// Specificity over categories, age range, demographic flag.
	specific := 0
	if e.hasSpecificCategory(svc.Categories) {
		specific++
	}
	if svc.AgeMin != nil || svc.AgeMax != nil {
		if validAgeRange(svc.AgeMin, svc.AgeMax) {
			specific++
		} else {
			issue(model.IssueInvalidAgeRange, "age_range")
		}
	}
	if svc.Youth || svc.Indigenous {
		specific++
	}
	specificity := float64(specific) / 3

	score := e.weights.Completeness*completeness +
		e.weights.Contactability*contactability +
		e.weights.Specificity*specificity

	return model.QualityReport{
		Score:          round(clamp(score)),
		Completeness:   round(completeness),
		Contactability: contactability,
		Specificity:    round(specificity),
		Issues:         issues,
		AssessedAt:     e.now(),
	}
}

// AssessBatch returns copies of svcs with a fresh report attached to each,
// plus the batch summary. Inputs are not modified.
func (e *Engine) AssessBatch(svcs []model.NormalizedService) ([]model.NormalizedService, Summary) {
	out := make([]model.NormalizedService, len(svcs))
	reports := make([]model.QualityReport, len(svcs))
	for i, svc := range svcs {
		r := e.Assess(svc)
		reports[i] = r
		out[i] = svc
		out[i].Quality = &reports[i]
	}
	return out, e.Summarize(reports)
}

func (e *Engine) hasSpecificCategory(cats []string) bool {
	for _, c := range cats {
		if !e.defaults[strings.ToLower(c)] {
			return true
		}
	}
	return false
}

func hasPostcode(locs []model.Location) bool {
	for _, l := range locs {
		if l.PostalCode != "" {
			return true
		}
	}
	return false
}

func validAgeRange(lo, hi *int) bool {
	if lo != nil && *lo < 0 {
		return false
	}
	if hi != nil && *hi < 0 {
		return false
	}
	return lo == nil || hi == nil || *lo <= *hi
}

// ValidPhone reports whether value has a plausible number of digits and no
// letters.
func ValidPhone(value string) bool {
	digits := 0
	for _, r := range value {
		switch {
		case unicode.IsDigit(r):
			digits++
		case unicode.IsLetter(r):
			return false
		}
	}
	return digits >= minPhoneDigits && digits <= maxPhoneDigits
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

// IssueCount is one entry of a batch's most frequent issues.
type IssueCount struct {
	Kind  model.IssueKind `json:"kind"`
	Count int             `json:"count"`
}

// Distribution buckets scores: excellent >= 0.8, good >= 0.6, fair >= 0.4,
// poor below.
type Distribution struct {
	Excellent int `json:"excellent"`
	Good      int `json:"good"`
	Fair      int `json:"fair"`
	Poor      int `json:"poor"`
}

// Summary reports on a batch of assessments.
type Summary struct {
	Count        int          `json:"count"`
	Average      float64      `json:"average"`
	Distribution Distribution `json:"distribution"`
	TopIssues    []IssueCount `json:"top_issues,omitempty"`
}

// Summarize aggregates reports. Ties in issue frequency are broken by kind
// name so the result is deterministic.
func (e *Engine) Summarize(reports []model.QualityReport) Summary {
	s := Summary{Count: len(reports)}
	if len(reports) == 0 {
		return s
	}

	counts := make(map[model.IssueKind]int)
	var total float64
	for _, r := range reports {
		total += r.Score
		switch {
		case r.Score >= 0.8:
			s.Distribution.Excellent++
		case r.Score >= 0.6:
			s.Distribution.Good++
		case r.Score >= 0.4:
			s.Distribution.Fair++
		default:
			s.Distribution.Poor++
		}
		for _, i := range r.Issues {
			counts[i.Kind]++
		}
	}
	s.Average = round(total / float64(len(reports)))

	for kind, n := range counts {
		s.TopIssues = append(s.TopIssues, IssueCount{Kind: kind, Count: n})
	}
	sort.Slice(s.TopIssues, func(i, j int) bool {
		if s.TopIssues[i].Count != s.TopIssues[j].Count {
			return s.TopIssues[i].Count > s.TopIssues[j].Count
		}
		return s.TopIssues[i].Kind < s.TopIssues[j].Kind
	})
	if len(s.TopIssues) > e.topN {
		s.TopIssues = s.TopIssues[:e.topN]
	}
	return s
}
