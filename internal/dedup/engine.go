// Package dedup detects records that describe the same service and merges
// exact matches.
//
// Records are compared on three dimensions: name, location and contact.
// A dimension missing on either side is left out of the weighted
// confidence rather than counted as a mismatch. Large batches are bucketed
// by blocking key (name token or prefix, phone, email, host, postcode,
// suburb, nearby grid cell). Pairs outside every bucket are still compared
// unless their names are too far apart to classify, so blocked and
// exhaustive comparison give identical results.
package dedup

import (
	"go.uber.org/zap"

	"github.com/sells-group/service-ingest/internal/config"
	"github.com/sells-group/service-ingest/internal/model"
)

// Stats reports the work done by a comparison.
type Stats struct {
	TotalChecked    int  `json:"total_checked"`
	DuplicatesFound int  `json:"duplicates_found"`
	Blocked         bool `json:"blocked"`
}

// FindResult lists the exact and probable pairs in a batch.
type FindResult struct {
	Pairs []model.MatchCandidatePair `json:"duplicate_pairs"`
	Stats Stats                      `json:"stats"`
}

// Result is the outcome of deduplicating a batch.
type Result struct {
	// Services are the survivors, in the order their earliest member
	// appeared in the input.
	Services []model.NormalizedService
	// Exact are the pairs that were merged.
	Exact []model.MatchCandidatePair
	// Probable are pairs among the survivors left for review.
	Probable []model.MatchCandidatePair
	// Merged counts records absorbed into a survivor.
	Merged int
	Stats  Stats
}

// Engine finds and merges duplicates.
type Engine struct {
	matcher *Matcher
	cfg     config.DedupConfig
}

// New validates cfg and creates an Engine.
func New(cfg config.DedupConfig) (*Engine, error) {
	m, err := NewMatcher(cfg)
	if err != nil {
		return nil, err
	}
	return &Engine{matcher: m, cfg: cfg}, nil
}

// Matcher returns the pair scorer the engine uses.
func (e *Engine) Matcher() *Matcher { return e.matcher }

// indexedPair is a classified pair with the batch positions it came from.
type indexedPair struct {
	i, j int
	pair model.MatchCandidatePair
}

// FindDuplicates returns every exact or probable pair in records, ordered
// by left then right id. Records are not modified.
func (e *Engine) FindDuplicates(records []model.NormalizedService) FindResult {
	found, stats := e.find(records)
	res := FindResult{Stats: stats}
	for _, p := range found {
		res.Pairs = append(res.Pairs, p.pair)
	}
	sortPairs(res.Pairs)
	return res
}

func (e *Engine) find(records []model.NormalizedService) ([]indexedPair, Stats) {
	blocked := e.cfg.BlockingThreshold > 0 && len(records) > e.cfg.BlockingThreshold
	profiles := make([]profile, len(records))
	keys := make([][]string, len(records))
	for i, r := range records {
		profiles[i] = e.matcher.profile(r)
		if blocked {
			keys[i] = e.matcher.blockingKeys(profiles[i])
		}
	}

	candidates := e.matcher.candidatePairs(profiles, keys, blocked)

	var found []indexedPair
	for _, c := range candidates {
		pair := e.matcher.compare(profiles[c[0]], profiles[c[1]])
		if pair.Class != model.MatchNone {
			found = append(found, indexedPair{i: c[0], j: c[1], pair: pair})
		}
	}
	return found, Stats{TotalChecked: len(candidates), DuplicatesFound: len(found), Blocked: blocked}
}

// Deduplicate merges exact-match clusters until none remain, so running it
// again on its own output merges nothing. Probable pairs are reported, not
// merged.
func (e *Engine) Deduplicate(records []model.NormalizedService) Result {
	current := append([]model.NormalizedService(nil), records...)
	var res Result

	for {
		found, stats := e.find(current)
		res.Stats.TotalChecked += stats.TotalChecked
		res.Stats.Blocked = res.Stats.Blocked || stats.Blocked

		uf := newUnionFind(len(current))
		var exact, probable []model.MatchCandidatePair
		for _, p := range found {
			switch p.pair.Class {
			case model.MatchExact:
				exact = append(exact, p.pair)
				uf.union(p.i, p.j)
			case model.MatchProbable:
				probable = append(probable, p.pair)
			}
		}
		if len(exact) == 0 {
			sortPairs(probable)
			res.Probable = probable
			break
		}
		sortPairs(exact)
		res.Exact = append(res.Exact, exact...)
		current = e.mergeClusters(current, uf)
	}

	res.Services = current
	res.Merged = len(records) - len(current)
	res.Stats.DuplicatesFound = len(res.Exact) + len(res.Probable)
	zap.L().Debug("dedup: batch complete",
		zap.Int("input", len(records)),
		zap.Int("output", len(current)),
		zap.Int("merged", res.Merged),
		zap.Int("probable", len(res.Probable)),
	)
	return res
}

// mergeClusters collapses each union-find cluster into one record placed
// at the position of its earliest member.
func (e *Engine) mergeClusters(records []model.NormalizedService, uf *unionFind) []model.NormalizedService {
	clusters := make(map[int][]model.NormalizedService)
	for i, r := range records {
		root := uf.find(i)
		clusters[root] = append(clusters[root], r)
	}

	out := make([]model.NormalizedService, 0, len(clusters))
	for i := range records {
		members, ok := clusters[i]
		if !ok {
			continue
		}
		if len(members) == 1 {
			out = append(out, members[0])
			continue
		}
		out = append(out, mergeCluster(members, e.cfg.DefaultCountryCode))
	}
	return out
}
