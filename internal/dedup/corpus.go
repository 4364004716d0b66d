package dedup

import (
	"slices"
	"sort"

	"github.com/sells-group/service-ingest/internal/model"
)

// DeduplicateAgainst deduplicates batch, then merges each survivor into
// the corpus record it exactly matches, if any. A merged record keeps the
// corpus id so sinks update it in place. When several corpus records match,
// the highest confidence wins, then the smallest id. Probable matches
// against the corpus are reported alongside the in-batch ones.
func (e *Engine) DeduplicateAgainst(batch, corpus []model.NormalizedService) Result {
	res := e.Deduplicate(batch)
	if len(corpus) == 0 || len(res.Services) == 0 {
		return res
	}

	blocked := e.cfg.BlockingThreshold > 0 && len(corpus) > e.cfg.BlockingThreshold
	res.Stats.Blocked = res.Stats.Blocked || blocked
	floor := e.matcher.nameFloor()

	cprof := make([]profile, len(corpus))
	index := make(map[string][]int)
	byID := make(map[string]int, len(corpus))
	for i, c := range corpus {
		cprof[i] = e.matcher.profile(c)
		byID[c.ID] = i
		if blocked {
			for _, k := range e.matcher.blockingKeys(cprof[i]) {
				index[k] = append(index[k], i)
			}
		}
	}

	claimed := make(map[int]int)
	out := make([]model.NormalizedService, 0, len(res.Services))
	for _, svc := range res.Services {
		p := e.matcher.profile(svc)
		var candidates []int
		if blocked {
			candidates = corpusCandidates(index, e.matcher.blockingKeys(p), cprof, p, floor)
		} else {
			candidates = make([]int, len(corpus))
			for i := range candidates {
				candidates[i] = i
			}
		}
		if i, ok := byID[p.id]; ok && !slices.Contains(candidates, i) {
			candidates = append([]int{i}, candidates...)
		}
		res.Stats.TotalChecked += len(candidates)

		best := -1
		var bestPair model.MatchCandidatePair
		var probable []model.MatchCandidatePair
		for _, ci := range candidates {
			if cprof[ci].id == p.id {
				// Same record seen again: always the one to update.
				bestPair = e.matcher.compare(p, cprof[ci])
				bestPair.Class = model.MatchExact
				best = ci
				break
			}
			pair := e.matcher.compare(p, cprof[ci])
			switch pair.Class {
			case model.MatchExact:
				if best < 0 || pair.Confidence > bestPair.Confidence {
					best, bestPair = ci, pair
				}
			case model.MatchProbable:
				probable = append(probable, pair)
			}
		}

		if best < 0 {
			res.Probable = append(res.Probable, probable...)
			out = append(out, svc)
			continue
		}
		if bestPair.LeftID != bestPair.RightID {
			res.Exact = append(res.Exact, bestPair)
		}

		if pos, ok := claimed[best]; ok {
			merged := mergeCluster([]model.NormalizedService{out[pos], svc}, e.cfg.DefaultCountryCode)
			merged.ID = corpus[best].ID
			out[pos] = merged
			res.Merged++
			continue
		}
		merged := mergeCluster([]model.NormalizedService{corpus[best], svc}, e.cfg.DefaultCountryCode)
		merged.ID = corpus[best].ID
		claimed[best] = len(out)
		out = append(out, merged)
		if corpus[best].ID != svc.ID {
			res.Merged++
		}
	}

	sortPairs(res.Exact)
	sortPairs(res.Probable)
	res.Services = out
	res.Stats.DuplicatesFound = len(res.Exact) + len(res.Probable)
	return res
}

// corpusCandidates returns, ascending, the corpus indexes sharing any key
// with p plus those mayMatch cannot rule out.
func corpusCandidates(index map[string][]int, keys []string, cprof []profile, p profile, floor float64) []int {
	seen := make(map[int]bool)
	var out []int
	for _, k := range keys {
		for _, i := range index[k] {
			if !seen[i] {
				seen[i] = true
				out = append(out, i)
			}
		}
	}
	for i, c := range cprof {
		if !seen[i] && mayMatch(p, c, floor) {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}
