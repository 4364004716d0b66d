package dedup

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/service-ingest/internal/config"
	"github.com/sells-group/service-ingest/internal/model"
)

// DefaultConfig returns the matching policy used when nothing is configured.
func DefaultConfig() config.DedupConfig {
	return config.DedupConfig{
		ExactThreshold:     0.85,
		ProbableThreshold:  0.65,
		NameWeight:         0.5,
		LocationWeight:     0.3,
		ContactWeight:      0.2,
		ContactNameFloor:   0.3,
		NearExactName:      0.95,
		SameLocation:       0.9,
		ProximityMeters:    150,
		DefaultCountryCode: "61",
		BlockingThreshold:  200,
	}
}

// ValidateConfig checks thresholds and weights.
func ValidateConfig(c config.DedupConfig) error {
	for name, v := range map[string]float64{
		"exact_threshold":    c.ExactThreshold,
		"probable_threshold": c.ProbableThreshold,
		"contact_name_floor": c.ContactNameFloor,
		"near_exact_name":    c.NearExactName,
		"same_location":      c.SameLocation,
	} {
		if v < 0 || v > 1 {
			return eris.Errorf("dedup: %s must be between 0 and 1, got %v", name, v)
		}
	}
	if c.ExactThreshold < c.ProbableThreshold {
		return eris.New("dedup: exact_threshold must be >= probable_threshold")
	}
	if c.NameWeight <= 0 || c.LocationWeight <= 0 || c.ContactWeight <= 0 {
		return eris.New("dedup: weights must be > 0")
	}
	if c.ProximityMeters < 0 {
		return eris.New("dedup: proximity_meters must be >= 0")
	}
	return nil
}

// Reasons recorded on classified pairs.
const (
	ReasonSharedContact = "shared_contact"
	ReasonSameNamePlace = "same_name_and_location"
	ReasonScore         = "weighted_score"
)

// Location sub-score weights for textual comparison.
const (
	addressWeight  = 0.5
	postcodeWeight = 0.3
	suburbWeight   = 0.2
)

// profile is the comparable form of one record, computed once per batch.
type profile struct {
	id      string
	name    string
	tokens  map[string]bool
	runes   map[rune]int
	nameLen int
	phones  map[string]bool
	emails  map[string]bool
	hosts   map[string]bool
	places  []place
	quality float64
}

type place struct {
	address  string
	suburb   string
	postcode string
	coords   *model.Coordinates
}

// Matcher scores record pairs. It is immutable and safe for concurrent use.
type Matcher struct {
	cfg config.DedupConfig
}

// NewMatcher validates cfg and returns a Matcher.
func NewMatcher(cfg config.DedupConfig) (*Matcher, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return &Matcher{cfg: cfg}, nil
}

func (m *Matcher) profile(svc model.NormalizedService) profile {
	p := profile{
		id:      svc.ID,
		name:    NormalizeName(svc.Name),
		phones:  make(map[string]bool),
		emails:  make(map[string]bool),
		hosts:   make(map[string]bool),
		quality: svc.QualityScore(),
	}
	p.tokens = splitTokens(p.name)
	p.runes = make(map[rune]int)
	for _, r := range p.name {
		p.runes[r]++
		p.nameLen++
	}
	for _, c := range svc.Contacts {
		switch c.Kind {
		case model.ContactPhone:
			if n := NormalizePhone(c.Value, m.cfg.DefaultCountryCode); n != "" {
				p.phones[n] = true
			}
		case model.ContactEmail:
			if e := NormalizeEmail(c.Value); e != "" {
				p.emails[e] = true
			}
		case model.ContactURL:
			if h := NormalizeHost(c.Value); h != "" {
				p.hosts[h] = true
			}
		}
	}
	for _, l := range svc.Locations {
		pl := place{
			address:  NormalizeAddress(l.Address),
			suburb:   NormalizeName(l.City),
			postcode: compactPostcode(l.PostalCode),
			coords:   l.Coordinates,
		}
		if pl.address != "" || pl.suburb != "" || pl.postcode != "" || pl.coords != nil {
			p.places = append(p.places, pl)
		}
	}
	return p
}

func compactPostcode(pc string) string {
	out := make([]rune, 0, len(pc))
	for _, r := range fold(pc) {
		if r != ' ' && r != '-' {
			out = append(out, r)
		}
	}
	return string(out)
}

// Compare scores a pair of records. The result does not depend on argument
// order: LeftID is always the smaller id.
func (m *Matcher) Compare(a, b model.NormalizedService) model.MatchCandidatePair {
	return m.compare(m.profile(a), m.profile(b))
}

func (m *Matcher) compare(a, b profile) model.MatchCandidatePair {
	if b.id < a.id {
		a, b = b, a
	}
	pair := model.MatchCandidatePair{LeftID: a.id, RightID: b.id, Class: model.MatchNone}

	pair.NameScore = NameSimilarity(a.name, b.name)
	loc, hasLoc := m.locationScore(a.places, b.places)
	contact, hasContact, shared := contactScore(a, b)
	pair.LocationScore = loc
	pair.ContactScore = contact

	total := m.cfg.NameWeight * pair.NameScore
	weight := m.cfg.NameWeight
	if hasLoc {
		total += m.cfg.LocationWeight * loc
		weight += m.cfg.LocationWeight
	}
	if hasContact {
		total += m.cfg.ContactWeight * contact
		weight += m.cfg.ContactWeight
	}
	pair.Confidence = round(total / weight)

	switch {
	case shared && pair.NameScore >= m.cfg.ContactNameFloor:
		pair.Class = model.MatchExact
		pair.Reason = ReasonSharedContact
	case hasLoc && pair.NameScore >= m.cfg.NearExactName && loc >= m.cfg.SameLocation:
		pair.Class = model.MatchExact
		pair.Reason = ReasonSameNamePlace
	case pair.Confidence >= m.cfg.ExactThreshold:
		pair.Class = model.MatchExact
		pair.Reason = ReasonScore
	case pair.Confidence >= m.cfg.ProbableThreshold:
		pair.Class = model.MatchProbable
		pair.Reason = ReasonScore
	}
	if pair.Class == model.MatchExact && pair.Confidence < m.cfg.ExactThreshold {
		pair.Confidence = m.cfg.ExactThreshold
	}
	return pair
}

// locationScore is the best score over all location pairs. The second
// result is false when no pair had anything comparable.
func (m *Matcher) locationScore(as, bs []place) (float64, bool) {
	best, found := 0.0, false
	for _, a := range as {
		for _, b := range bs {
			if s, ok := m.placeScore(a, b); ok {
				found = true
				best = math.Max(best, s)
			}
		}
	}
	return round(best), found
}

// placeScore compares two locations. Coordinates within the proximity
// radius score 1; otherwise address, postcode and suburb are compared where
// both sides carry them.
func (m *Matcher) placeScore(a, b place) (float64, bool) {
	if a.coords != nil && b.coords != nil && DistanceMeters(*a.coords, *b.coords) <= m.cfg.ProximityMeters {
		return 1, true
	}

	var total, weight float64
	if a.address != "" && b.address != "" {
		total += addressWeight * addressSimilarity(a.address, b.address)
		weight += addressWeight
	}
	if a.postcode != "" && b.postcode != "" {
		if a.postcode == b.postcode {
			total += postcodeWeight
		}
		weight += postcodeWeight
	}
	if a.suburb != "" && b.suburb != "" {
		if a.suburb == b.suburb {
			total += suburbWeight
		}
		weight += suburbWeight
	}
	if weight == 0 {
		// Only coordinates on both sides, and they are far apart.
		if a.coords != nil && b.coords != nil {
			return 0, true
		}
		return 0, false
	}
	return total / weight, true
}

func addressSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	return math.Max(jaccard(splitTokens(a), splitTokens(b)), levenshteinRatio(a, b))
}

// contactScore compares contact channels. A shared phone or email scores 1
// and is reported as shared; a shared website host scores 0.5. The
// dimension is present only when both sides carry a channel of the same
// kind.
func contactScore(a, b profile) (score float64, present, shared bool) {
	if intersects(a.phones, b.phones) || intersects(a.emails, b.emails) {
		return 1, true, true
	}
	if intersects(a.hosts, b.hosts) {
		return 0.5, true, false
	}
	present = (len(a.phones) > 0 && len(b.phones) > 0) ||
		(len(a.emails) > 0 && len(b.emails) > 0) ||
		(len(a.hosts) > 0 && len(b.hosts) > 0)
	return 0, present, false
}

func intersects(a, b map[string]bool) bool {
	if len(b) < len(a) {
		a, b = b, a
	}
	for k := range a {
		if b[k] {
			return true
		}
	}
	return false
}

func round(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

// sortPairs orders pairs by left then right id.
func sortPairs(pairs []model.MatchCandidatePair) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].LeftID != pairs[j].LeftID {
			return pairs[i].LeftID < pairs[j].LeftID
		}
		return pairs[i].RightID < pairs[j].RightID
	})
}
