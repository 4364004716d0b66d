package dedup

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/service-ingest/internal/model"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(DefaultConfig())
	require.NoError(t, err)
	return e
}

func ids(svcs []model.NormalizedService) []string {
	out := make([]string, len(svcs))
	for i, s := range svcs {
		out[i] = s.ID
	}
	return out
}

func TestFindDuplicates(t *testing.T) {
	e := newEngine(t)
	records := []model.NormalizedService{
		svc("a", "Youth Hub", phone("02 9999 0000"), at("", "", "2000")),
		svc("b", "Youth Hub", phone("02 9999 0000"), at("", "", "2000")),
		svc("c", "Food Bank", at("", "", "2000")),
		svc("d", "Youth Hub Sydney", at("", "Sydney", "2000")),
	}

	res := e.FindDuplicates(records)
	require.NotEmpty(t, res.Pairs)
	assert.Equal(t, "a", res.Pairs[0].LeftID)
	assert.Equal(t, "b", res.Pairs[0].RightID)
	assert.Equal(t, model.MatchExact, res.Pairs[0].Class)
	assert.Equal(t, len(res.Pairs), res.Stats.DuplicatesFound)
	assert.Positive(t, res.Stats.TotalChecked)
	assert.Equal(t, 6, res.Stats.TotalChecked)
	assert.False(t, res.Stats.Blocked)
	for _, p := range res.Pairs {
		assert.NotEqual(t, model.MatchNone, p.Class)
		assert.Less(t, p.LeftID, p.RightID)
	}
}

func TestDeduplicate_ScenarioA(t *testing.T) {
	e := newEngine(t)
	records := []model.NormalizedService{
		svc("dir:1", "Youth Hub", phone("02 9999 0000"), at("1 George St", "Sydney", "2000")),
		svc("dir:2", "Food Bank", at("9 King St", "Newtown", "2042")),
		svc("dir:3", "YOUTH HUB INC.", phone("(02) 9999-0000"), at("", "", "2000"), email("info@hub.org")),
	}

	res := e.Deduplicate(records)
	require.Len(t, res.Services, 2)
	assert.Equal(t, 1, res.Merged)
	require.Len(t, res.Exact, 1)
	assert.Equal(t, model.MatchExact, res.Exact[0].Class)

	merged := res.Services[0]
	assert.Equal(t, "dir:1", merged.ID, "equal quality and time: smaller id survives")
	assert.Equal(t, "Youth Hub", merged.Name)
	assert.Equal(t, []string{"info@hub.org"}, merged.ContactsOf(model.ContactEmail))
	assert.Len(t, merged.ContactsOf(model.ContactPhone), 1, "same number in two formats is kept once")
	assert.Len(t, merged.Provenance, 2)
	assert.Len(t, merged.Locations, 2)
	assert.Equal(t, "dir:2", res.Services[1].ID)
}

func TestDeduplicate_IdenticalRecordsCollapse(t *testing.T) {
	e := newEngine(t)
	a := svc("src:1", "Legal Aid", at("2 Lake St", "Cairns", "4870"), phone("07 4000 0000"))
	b := a.Clone()
	b.ID = "src:2"
	b.Provenance = []model.Provenance{{Source: "src", SourceID: "2", ExtractedAt: t0}}

	res := e.Deduplicate([]model.NormalizedService{a, b})
	require.Len(t, res.Services, 1)
	assert.Equal(t, 1, res.Merged)
}

func TestDeduplicate_SurvivorPrecedence(t *testing.T) {
	e := newEngine(t)
	later := t0.Add(time.Hour)

	t.Run("higher quality wins", func(t *testing.T) {
		low := svc("a", "Youth Hub", quality(0.4), phone("02 9999 0000"))
		low.Description = "old text"
		high := svc("b", "Youth Hub", quality(0.9), phone("02 9999 0000"))
		res := e.Deduplicate([]model.NormalizedService{low, high})
		require.Len(t, res.Services, 1)
		assert.Equal(t, "b", res.Services[0].ID)
		assert.Equal(t, "old text", res.Services[0].Description, "empty survivor field is filled")
		require.NotNil(t, res.Services[0].Quality)
		assert.InDelta(t, 0.9, res.Services[0].Quality.Score, 1e-9)
	})

	t.Run("then latest extraction", func(t *testing.T) {
		old := svc("a", "Youth Hub", phone("02 9999 0000"))
		old.Description = "old"
		recent := svc("b", "Youth Hub", phone("02 9999 0000"), extracted(later))
		recent.Description = "new"
		res := e.Deduplicate([]model.NormalizedService{old, recent})
		require.Len(t, res.Services, 1)
		assert.Equal(t, "b", res.Services[0].ID)
		assert.Equal(t, "new", res.Services[0].Description)
	})

	t.Run("order independent", func(t *testing.T) {
		x := svc("x", "Youth Hub", phone("02 9999 0000"))
		x.Description = "from x"
		y := svc("y", "Youth Hub", phone("02 9999 0000"))
		y.Description = "from y"
		r1 := e.Deduplicate([]model.NormalizedService{x, y})
		r2 := e.Deduplicate([]model.NormalizedService{y, x})
		assert.Equal(t, r1.Services[0].ID, r2.Services[0].ID)
		assert.Equal(t, r1.Services[0].Description, r2.Services[0].Description)
	})
}

func TestDeduplicate_MergeUnionsFields(t *testing.T) {
	e := newEngine(t)
	a := svc("a", "Youth Hub", phone("02 9999 0000"))
	a.Categories = []string{"youth"}
	a.AgeMin = intp(12)
	b := svc("b", "Youth Hub", phone("02 9999 0000"), website("https://hub.org"))
	b.Categories = []string{"housing", "youth"}
	b.Indigenous = true
	b.AgeMax = intp(25)
	b.Organization.Name = "Hub Services"

	res := e.Deduplicate([]model.NormalizedService{a, b})
	require.Len(t, res.Services, 1)
	m := res.Services[0]
	assert.Equal(t, []string{"housing", "youth"}, m.Categories)
	assert.True(t, m.Indigenous)
	assert.Equal(t, 12, *m.AgeMin)
	assert.Equal(t, 25, *m.AgeMax)
	assert.Equal(t, "Hub Services", m.Organization.Name)
	assert.Equal(t, []string{"https://hub.org"}, m.ContactsOf(model.ContactURL))
}

func TestDeduplicate_TransitiveClusters(t *testing.T) {
	e := newEngine(t)
	// a~b share a phone, b~c share an email; a and c share nothing.
	a := svc("a", "Youth Hub", phone("02 9999 0000"))
	b := svc("b", "Youth Hub", phone("02 9999 0000"), email("info@hub.org"))
	c := svc("c", "Youth Hub Sydney", email("info@hub.org"))
	d := svc("d", "Food Bank")

	res := e.Deduplicate([]model.NormalizedService{d, a, b, c})
	assert.Equal(t, []string{"d", "a"}, ids(res.Services))
	assert.Equal(t, 2, res.Merged)
}

func TestDeduplicate_ProbableNotMerged(t *testing.T) {
	e := newEngine(t)
	a := svc("a", "Youth Hub Sydney", at("", "Sydney", "2000"))
	b := svc("b", "Youth Hub Parramatta", at("", "Sydney", "2000"))

	res := e.Deduplicate([]model.NormalizedService{a, b})
	assert.Len(t, res.Services, 2)
	assert.Zero(t, res.Merged)
	require.Len(t, res.Probable, 1)
	assert.Equal(t, model.MatchProbable, res.Probable[0].Class)
}

func TestDeduplicate_DoesNotModifyInput(t *testing.T) {
	e := newEngine(t)
	a := svc("a", "Youth Hub", phone("02 9999 0000"))
	b := svc("b", "Youth Hub", phone("02 9999 0000"), email("x@hub.org"))
	in := []model.NormalizedService{a, b}

	e.Deduplicate(in)
	assert.Len(t, in[0].Contacts, 1)
	assert.Equal(t, "a", in[0].ID)
}

func TestDeduplicateAgainst(t *testing.T) {
	e := newEngine(t)
	corpus := []model.NormalizedService{
		svc("old:1", "Youth Hub", phone("02 9999 0000"), quality(0.5)),
		svc("old:2", "Food Bank", at("9 King St", "Newtown", "2042")),
	}
	batch := []model.NormalizedService{
		svc("new:7", "Youth Hub Inc", phone("+61 2 9999 0000"), email("info@hub.org"), quality(0.9)),
		svc("new:8", "Legal Aid"),
	}

	res := e.DeduplicateAgainst(batch, corpus)
	require.Len(t, res.Services, 2)
	assert.Equal(t, []string{"old:1", "new:8"}, ids(res.Services))
	assert.Equal(t, []string{"info@hub.org"}, res.Services[0].ContactsOf(model.ContactEmail))
	assert.Equal(t, 1, res.Merged)
	require.Len(t, res.Exact, 1)
	assert.Equal(t, "new:7", res.Exact[0].LeftID)
	assert.Equal(t, "old:1", res.Exact[0].RightID)
}

func TestDeduplicateAgainst_SameIDUpdatesInPlace(t *testing.T) {
	e := newEngine(t)
	corpus := []model.NormalizedService{svc("src:1", "Youth Hub")}
	update := svc("src:1", "Youth Hub", email("info@hub.org"), extracted(t0.Add(time.Hour)))

	res := e.DeduplicateAgainst([]model.NormalizedService{update}, corpus)
	require.Len(t, res.Services, 1)
	assert.Equal(t, "src:1", res.Services[0].ID)
	assert.Zero(t, res.Merged)
	assert.Empty(t, res.Exact)
	require.Len(t, res.Services[0].Provenance, 1)
	assert.Equal(t, t0.Add(time.Hour), res.Services[0].Provenance[0].ExtractedAt)
}

func TestDeduplicateAgainst_EmptyCorpus(t *testing.T) {
	e := newEngine(t)
	batch := []model.NormalizedService{svc("a", "Youth Hub"), svc("b", "Food Bank")}
	res := e.DeduplicateAgainst(batch, nil)
	assert.Equal(t, []string{"a", "b"}, ids(res.Services))
}

func intp(n int) *int { return &n }

// randomBatch builds records from a small vocabulary so collisions are
// frequent.
func randomBatch(r *rand.Rand, n int) []model.NormalizedService {
	names := []string{"Youth Hub", "Youth Hub Inc", "Youth Hubb", "Food Bank", "Legal Aid", "Legal Aid Ltd", "Men's Shed", "Mens Shed Sydney", "Headspace", "Haedspace"}
	phones := []string{"02 9999 0000", "+61 2 9999 0000", "03 1234 5678", "07 4000 0000"}
	postcodes := []string{"2000", "3000", "4870"}
	cities := []string{"Sydney", "Melbourne", "Cairns"}

	out := make([]model.NormalizedService, n)
	for i := range out {
		s := svc(fmt.Sprintf("r:%03d", i), names[r.IntN(len(names))])
		if r.IntN(2) == 0 {
			phone(phones[r.IntN(len(phones))])(&s)
		}
		if r.IntN(3) > 0 {
			k := r.IntN(len(postcodes))
			at("", cities[k], postcodes[k])(&s)
		}
		if r.IntN(5) == 0 {
			at("12 Smith St", "Redfern", "")(&s)
		}
		if r.IntN(4) == 0 {
			coords(-33.8688+float64(r.IntN(3))*0.0005, 151.2093)(&s)
		}
		if r.IntN(3) == 0 {
			quality(float64(r.IntN(10)) / 10)(&s)
		}
		out[i] = s
	}
	return out
}

func TestProperty_Symmetry(t *testing.T) {
	m := newMatcher(t)
	r := rand.New(rand.NewPCG(1, 2))
	batch := randomBatch(r, 40)
	for i := range batch {
		for j := range batch {
			if i == j {
				continue
			}
			assert.Equal(t, m.Compare(batch[i], batch[j]), m.Compare(batch[j], batch[i]))
		}
	}
}

func TestProperty_BlockingMatchesUnblocked(t *testing.T) {
	unblockedCfg := DefaultConfig()
	unblockedCfg.BlockingThreshold = 0
	unblocked, err := New(unblockedCfg)
	require.NoError(t, err)

	blockedCfg := DefaultConfig()
	blockedCfg.BlockingThreshold = 1
	blocked, err := New(blockedCfg)
	require.NoError(t, err)

	r := rand.New(rand.NewPCG(7, 11))
	for round := 0; round < 5; round++ {
		batch := randomBatch(r, 60)
		a := unblocked.FindDuplicates(batch)
		b := blocked.FindDuplicates(batch)
		assert.False(t, a.Stats.Blocked)
		assert.True(t, b.Stats.Blocked)
		assert.Equal(t, a.Pairs, b.Pairs)
		assert.LessOrEqual(t, b.Stats.TotalChecked, a.Stats.TotalChecked)

		da := unblocked.Deduplicate(batch)
		db := blocked.Deduplicate(batch)
		assert.Equal(t, ids(da.Services), ids(db.Services))
	}
}

func TestProperty_NonIncreaseAndIdempotence(t *testing.T) {
	e := newEngine(t)
	r := rand.New(rand.NewPCG(3, 5))
	for round := 0; round < 5; round++ {
		batch := randomBatch(r, 50)
		first := e.Deduplicate(batch)
		assert.LessOrEqual(t, len(first.Services), len(batch))
		assert.Equal(t, len(batch)-len(first.Services), first.Merged)

		second := e.Deduplicate(first.Services)
		assert.Zero(t, second.Merged)
		assert.Empty(t, second.Exact)
		assert.Equal(t, ids(first.Services), ids(second.Services))
	}
}

// comparePairs classifies every pair in batch with Compare.
func comparePairs(m *Matcher, batch []model.NormalizedService) []model.MatchCandidatePair {
	var out []model.MatchCandidatePair
	for i := range batch {
		for j := i + 1; j < len(batch); j++ {
			if p := m.Compare(batch[i], batch[j]); p.Class != model.MatchNone {
				out = append(out, p)
			}
		}
	}
	sortPairs(out)
	return out
}

func engineWithThreshold(t *testing.T, threshold int) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BlockingThreshold = threshold
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func TestFindDuplicates_AgreesWithEveryPairCompared(t *testing.T) {
	fixed := []model.NormalizedService{
		svc("a", "Headspace"),
		svc("b", "Haedspace"),
		svc("c", "Headspace", at("12 Smith St", "Redfern", "")),
		svc("d", "Headspace", at("12 Smith St", "Redfern", "")),
		svc("e", "Food Bank", website("https://foodbank.org/a")),
		svc("f", "Food Bnak", website("https://foodbank.org/b")),
	}
	r := rand.New(rand.NewPCG(3, 5))

	for _, threshold := range []int{0, 1} {
		e := engineWithThreshold(t, threshold)
		for _, batch := range [][]model.NormalizedService{fixed, randomBatch(r, 50), randomBatch(r, 50)} {
			want := comparePairs(e.Matcher(), batch)
			got := e.FindDuplicates(batch)
			assert.Equal(t, want, got.Pairs, "threshold %d", threshold)
		}
	}
}

func TestDeduplicate_NameVariantsWithoutSharedKeys(t *testing.T) {
	for _, threshold := range []int{0, 1} {
		e := engineWithThreshold(t, threshold)

		found := e.FindDuplicates([]model.NormalizedService{svc("a", "Headspace"), svc("b", "Haedspace")})
		require.Len(t, found.Pairs, 1, "threshold %d", threshold)
		assert.Equal(t, model.MatchProbable, found.Pairs[0].Class)

		res := e.Deduplicate([]model.NormalizedService{
			svc("a", "Headspace", at("12 Smith St", "Redfern", "")),
			svc("b", "Haedspace", at("12 Smith St", "Redfern", "")),
		})
		assert.Equal(t, 1, res.Merged, "threshold %d", threshold)
		require.Len(t, res.Exact, 1)
	}
}

func TestDeduplicateAgainst_BlockedCorpusFindsNameVariant(t *testing.T) {
	corpus := []model.NormalizedService{
		svc("old:1", "Haedspace", at("12 Smith St", "Redfern", "")),
		svc("old:2", "Food Bank", at("9 King St", "Newtown", "2042")),
	}
	batch := []model.NormalizedService{svc("new:1", "Headspace", at("12 Smith St", "Redfern", ""))}

	for _, threshold := range []int{0, 1} {
		res := engineWithThreshold(t, threshold).DeduplicateAgainst(batch, corpus)
		assert.Equal(t, []string{"old:1"}, ids(res.Services), "threshold %d", threshold)
		assert.Equal(t, 1, res.Merged)
		assert.Equal(t, threshold > 0, res.Stats.Blocked)
	}
}

func TestMayMatch(t *testing.T) {
	m := newMatcher(t)
	floor := m.nameFloor()
	assert.Greater(t, floor, 0.0)
	assert.Less(t, floor, 0.65)

	head := m.profile(svc("a", "Headspace"))
	assert.True(t, mayMatch(head, m.profile(svc("b", "Haedspace")), floor))
	assert.False(t, mayMatch(head, m.profile(svc("c", "Zulu Kx")), floor))
	assert.False(t, mayMatch(head, m.profile(svc("d", "")), floor))
	assert.True(t, mayMatch(head, m.profile(svc("c", "Zulu Kx")), 0))
}
