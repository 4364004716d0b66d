package dedup

import "sort"

const prefixLen = 4

// blockingKeys returns the coarse keys a record is bucketed under. Every
// name token is a key, as are phones, emails and website hosts, so a pair
// sharing no key has a token Jaccard of 0 and a contact score of at most 0.
func (m *Matcher) blockingKeys(p profile) []string {
	seen := make(map[string]bool)
	add := func(k string) { seen[k] = true }

	compact := make([]rune, 0, len(p.name))
	for _, r := range p.name {
		if r != ' ' {
			compact = append(compact, r)
		}
	}
	if len(compact) > 0 {
		n := min(prefixLen, len(compact))
		add("n:" + string(compact[:n]))
	}
	for t := range p.tokens {
		add("t:" + t)
	}
	for ph := range p.phones {
		add("ph:" + ph)
	}
	for e := range p.emails {
		add("em:" + e)
	}
	for h := range p.hosts {
		add("h:" + h)
	}
	for _, pl := range p.places {
		if pl.postcode != "" {
			add("pc:" + pl.postcode)
		}
		if pl.suburb != "" {
			add("sb:" + pl.suburb)
		}
		if pl.coords != nil {
			for _, k := range gridKeys(*pl.coords, m.cfg.ProximityMeters) {
				add(k)
			}
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// nameFloor is the lowest name score at which a pair sharing no blocking
// key can still be classified. Such a pair has no shared contact, so the
// best it can do is a perfect location score, or the same-name-and-place
// rule. The margin covers confidence rounding.
func (m *Matcher) nameFloor() float64 {
	c := m.cfg
	scored := c.ProbableThreshold - c.LocationWeight*(1-c.ProbableThreshold)/c.NameWeight
	margin := 1e-4 * (c.NameWeight + c.LocationWeight) / c.NameWeight
	return min(scored-margin, c.NearExactName)
}

// mayMatch reports whether a pair sharing no blocking key can reach floor
// on name. With no shared token the name score is the Levenshtein ratio,
// which is at most the share of runes the two names have in common.
func mayMatch(a, b profile, floor float64) bool {
	if floor <= 0 {
		return true
	}
	if a.nameLen == 0 || b.nameLen == 0 {
		return false
	}
	common := 0
	for r, n := range a.runes {
		common += min(n, b.runes[r])
	}
	return float64(common)/float64(max(a.nameLen, b.nameLen)) >= floor
}

// candidatePairs lists the index pairs (i < j) to compare, in ascending
// order. Unblocked, that is every pair. Blocked, it is every pair sharing a
// key plus every other pair mayMatch cannot rule out, so both paths
// classify the same pairs as duplicates.
func (m *Matcher) candidatePairs(profiles []profile, keys [][]string, blocked bool) [][2]int {
	var out [][2]int
	if !blocked {
		for i := range profiles {
			for j := i + 1; j < len(profiles); j++ {
				out = append(out, [2]int{i, j})
			}
		}
		return out
	}

	index := make(map[string][]int)
	for i, ks := range keys {
		for _, k := range ks {
			index[k] = append(index[k], i)
		}
	}
	seen := make(map[[2]int]bool)
	for _, members := range index {
		for x := 0; x < len(members); x++ {
			for y := x + 1; y < len(members); y++ {
				pr := [2]int{members[x], members[y]}
				if !seen[pr] {
					seen[pr] = true
					out = append(out, pr)
				}
			}
		}
	}

	floor := m.nameFloor()
	for i := range profiles {
		for j := i + 1; j < len(profiles); j++ {
			pr := [2]int{i, j}
			if !seen[pr] && mayMatch(profiles[i], profiles[j], floor) {
				out = append(out, pr)
			}
		}
	}

	sort.Slice(out, func(a, b int) bool {
		if out[a][0] != out[b][0] {
			return out[a][0] < out[b][0]
		}
		return out[a][1] < out[b][1]
	})
	return out
}
