package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/service-ingest/internal/config"
	"github.com/sells-group/service-ingest/internal/model"
)

var assessedAt = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, cfg ...config.QualityConfig) *Engine {
	t.Helper()
	c := DefaultConfig()
	if len(cfg) > 0 {
		c = cfg[0]
	}
	e, err := New(c, WithClock(func() time.Time { return assessedAt }))
	require.NoError(t, err)
	return e
}

func ip(n int) *int { return &n }

func fullService() model.NormalizedService {
	return model.NormalizedService{
		ID:          "directory:S-1",
		Name:        "Youth Hub",
		Description: "Drop-in support for young people",
		Locations:   []model.Location{{Address: "1 George St", City: "Sydney", PostalCode: "2000"}},
		Contacts: []model.Contact{
			{Kind: model.ContactPhone, Value: "02 9999 0000"},
			{Kind: model.ContactEmail, Value: "info@youthhub.org.au"},
		},
		Categories: []string{"housing", "youth"},
		Youth:      true,
		AgeMin:     ip(12),
		AgeMax:     ip(25),
	}
}

func TestAssess_FullRecord(t *testing.T) {
	r := newEngine(t).Assess(fullService())
	assert.InDelta(t, 1.0, r.Score, 1e-9)
	assert.InDelta(t, 1.0, r.Completeness, 1e-9)
	assert.InDelta(t, 1.0, r.Contactability, 1e-9)
	assert.InDelta(t, 1.0, r.Specificity, 1e-9)
	assert.Empty(t, r.Issues)
	assert.Equal(t, assessedAt, r.AssessedAt)
}

func TestAssess_NameOnly(t *testing.T) {
	r := newEngine(t).Assess(model.NormalizedService{ID: "x", Name: "Bare"})

	// 1/5 completeness at weight 0.5.
	assert.InDelta(t, 0.1, r.Score, 1e-9)
	assert.Zero(t, r.Contactability)
	assert.Zero(t, r.Specificity)
	for _, kind := range []model.IssueKind{
		model.IssueMissingDescription,
		model.IssueMissingLocation,
		model.IssueMissingContact,
		model.IssueMissingCategories,
	} {
		assert.True(t, r.HasIssue(kind), kind)
	}
	assert.False(t, r.HasIssue(model.IssueMissingPostcode), "no location, so no postcode issue")
}

func TestAssess_Contactability(t *testing.T) {
	tests := []struct {
		name     string
		contacts []model.Contact
		want     float64
		issues   []model.IssueKind
	}{
		{"phone and email", []model.Contact{{Kind: model.ContactPhone, Value: "+61 2 9999 0000"}, {Kind: model.ContactEmail, Value: "a@b.org"}}, 1.0, nil},
		{"phone only", []model.Contact{{Kind: model.ContactPhone, Value: "13 11 14"}}, 0.7, nil},
		{"email only", []model.Contact{{Kind: model.ContactEmail, Value: "a@b.org"}}, 0.7, nil},
		{"url only", []model.Contact{{Kind: model.ContactURL, Value: "https://hub.org"}}, 0.3, nil},
		{"invalid url only", []model.Contact{{Kind: model.ContactURL, Value: "not a url"}}, 0, nil},
		{"invalid email", []model.Contact{{Kind: model.ContactEmail, Value: "nobody-at-example"}}, 0, []model.IssueKind{model.IssueInvalidEmail}},
		{"invalid phone", []model.Contact{{Kind: model.ContactPhone, Value: "call us"}, {Kind: model.ContactEmail, Value: "a@b.org"}}, 0.7, []model.IssueKind{model.IssueInvalidPhone}},
	}
	e := newEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := fullService()
			svc.Contacts = tt.contacts
			r := e.Assess(svc)
			assert.InDelta(t, tt.want, r.Contactability, 1e-9)
			for _, k := range tt.issues {
				assert.True(t, r.HasIssue(k), k)
			}
			assert.GreaterOrEqual(t, r.Score, 0.0)
			assert.LessOrEqual(t, r.Score, 1.0)
		})
	}
}

func TestAssess_Specificity(t *testing.T) {
	e := newEngine(t)

	svc := fullService()
	svc.Categories = []string{"general"}
	svc.Youth = false
	svc.AgeMin, svc.AgeMax = nil, nil
	r := e.Assess(svc)
	assert.Zero(t, r.Specificity, "default categories are not specific")
	assert.False(t, r.HasIssue(model.IssueMissingCategories))

	svc.AgeMin, svc.AgeMax = ip(25), ip(12)
	r = e.Assess(svc)
	assert.Zero(t, r.Specificity)
	assert.True(t, r.HasIssue(model.IssueInvalidAgeRange))

	svc.AgeMin, svc.AgeMax = ip(18), nil
	svc.Indigenous = true
	r = e.Assess(svc)
	assert.InDelta(t, 2.0/3, r.Specificity, 1e-3)
}

func TestAssess_MissingPostcode(t *testing.T) {
	svc := fullService()
	svc.Locations = []model.Location{{City: "Sydney"}}
	r := newEngine(t).Assess(svc)
	assert.True(t, r.HasIssue(model.IssueMissingPostcode))
	assert.False(t, r.HasIssue(model.IssueMissingLocation))
}

func TestAssess_Deterministic(t *testing.T) {
	e := newEngine(t)
	svc := fullService()
	svc.Description = ""
	assert.Equal(t, e.Assess(svc), e.Assess(svc))
}

func TestNew_NormalizesWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = config.QualityWeights{Completeness: 5, Contactability: 3, Specificity: 2}
	a := newEngine(t, cfg)

	svc := fullService()
	svc.Contacts = nil
	assert.Equal(t, newEngine(t).Assess(svc).Score, a.Assess(svc).Score)

	zero := newEngine(t, config.QualityConfig{})
	assert.Equal(t, newEngine(t).Assess(svc).Score, zero.Assess(svc).Score)
}

func TestAssessBatch(t *testing.T) {
	e := newEngine(t)
	full := fullService()
	bare := model.NormalizedService{ID: "b", Name: "Bare"}
	mid := fullService()
	mid.ID = "m"
	mid.Contacts = nil
	mid.Description = ""

	in := []model.NormalizedService{full, bare, mid}
	out, summary := e.AssessBatch(in)
	require.Len(t, out, 3)
	for i := range in {
		assert.Nil(t, in[i].Quality, "inputs are not modified")
		require.NotNil(t, out[i].Quality)
	}

	assert.Equal(t, 3, summary.Count)
	assert.Equal(t, Distribution{Excellent: 1, Fair: 1, Poor: 1}, summary.Distribution)
	avg := (out[0].Quality.Score + out[1].Quality.Score + out[2].Quality.Score) / 3
	assert.InDelta(t, avg, summary.Average, 1e-4)

	require.NotEmpty(t, summary.TopIssues)
	assert.Equal(t, IssueCount{Kind: model.IssueMissingContact, Count: 2}, summary.TopIssues[0])
	assert.Equal(t, IssueCount{Kind: model.IssueMissingDescription, Count: 2}, summary.TopIssues[1])
}

func TestSummarize_TopNAndTies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TopIssues = 2
	e := newEngine(t, cfg)
	reports := []model.QualityReport{
		{Score: 0.5, Issues: []model.Issue{{Kind: model.IssueMissingPostcode}, {Kind: model.IssueInvalidEmail}}},
		{Score: 0.5, Issues: []model.Issue{{Kind: model.IssueMissingPostcode}, {Kind: model.IssueInvalidPhone}}},
		{Score: 0.5, Issues: []model.Issue{{Kind: model.IssueInvalidPhone}, {Kind: model.IssueInvalidEmail}}},
	}
	s := e.Summarize(reports)
	assert.Equal(t, []IssueCount{
		{Kind: model.IssueInvalidEmail, Count: 2},
		{Kind: model.IssueInvalidPhone, Count: 2},
	}, s.TopIssues)
	assert.Equal(t, Distribution{Fair: 3}, s.Distribution)
}

func TestSummarize_Empty(t *testing.T) {
	s := newEngine(t).Summarize(nil)
	assert.Zero(t, s.Count)
	assert.Zero(t, s.Average)
	assert.Empty(t, s.TopIssues)
}

func TestValidPhone(t *testing.T) {
	assert.True(t, ValidPhone("02 9999 0000"))
	assert.True(t, ValidPhone("+61 (2) 9999-0000"))
	assert.True(t, ValidPhone("13 11 14"))
	assert.False(t, ValidPhone("12345"))
	assert.False(t, ValidPhone("1800 HELP ME"))
	assert.False(t, ValidPhone("1234567890123456"))
}

func TestNew_RejectsNegativeWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = config.QualityWeights{Completeness: 1.5, Contactability: -0.5, Specificity: 0}
	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights.contactability must be >= 0")
}

func TestAssess_AddingContactNeverLowersScore(t *testing.T) {
	e := newEngine(t)
	svc := fullService()
	svc.Contacts = nil
	without := e.Assess(svc).Score

	svc.Contacts = []model.Contact{{Kind: model.ContactPhone, Value: "02 9999 0000"}}
	assert.Greater(t, e.Assess(svc).Score, without)
}
