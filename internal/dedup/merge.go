package dedup

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/service-ingest/internal/model"
)

// unionFind groups record indexes connected by exact matches.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

// union links the sets of a and b, keeping the smaller index as root so the
// root is always the cluster's earliest record.
func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}

// precedes reports whether a outranks b as a merge survivor: higher quality
// score, then more recent extraction, then smaller id.
func precedes(a, b model.NormalizedService) bool {
	if qa, qb := a.QualityScore(), b.QualityScore(); qa != qb {
		return qa > qb
	}
	if ta, tb := a.LatestExtraction(), b.LatestExtraction(); !ta.Equal(tb) {
		return ta.After(tb)
	}
	return a.ID < b.ID
}

// mergeCluster folds members into one record. The highest-precedence member
// survives: its id and non-empty scalar fields win, empty scalars are taken
// from the next member in precedence order, and list fields are unioned.
func mergeCluster(members []model.NormalizedService, countryCode string) model.NormalizedService {
	ordered := append([]model.NormalizedService(nil), members...)
	sort.SliceStable(ordered, func(i, j int) bool { return precedes(ordered[i], ordered[j]) })

	out := ordered[0].Clone()
	if ordered[0].Quality != nil {
		q := *ordered[0].Quality
		out.Quality = &q
	}
	for _, other := range ordered[1:] {
		absorb(&out, other, countryCode)
	}
	sort.Strings(out.Categories)
	return out
}

// absorb merges other into dst without overriding dst's populated scalars.
func absorb(dst *model.NormalizedService, other model.NormalizedService, countryCode string) {
	if dst.Description == "" {
		dst.Description = other.Description
	}
	if dst.Organization.Name == "" {
		dst.Organization.Name = other.Organization.Name
	}
	if dst.Organization.TaxID == "" {
		dst.Organization.TaxID = other.Organization.TaxID
	}
	if dst.AgeMin == nil && other.AgeMin != nil {
		v := *other.AgeMin
		dst.AgeMin = &v
	}
	if dst.AgeMax == nil && other.AgeMax != nil {
		v := *other.AgeMax
		dst.AgeMax = &v
	}
	dst.Youth = dst.Youth || other.Youth
	dst.Indigenous = dst.Indigenous || other.Indigenous

	seenContact := make(map[string]bool, len(dst.Contacts))
	for _, c := range dst.Contacts {
		seenContact[contactKey(c, countryCode)] = true
	}
	for _, c := range other.Contacts {
		if k := contactKey(c, countryCode); !seenContact[k] {
			seenContact[k] = true
			dst.Contacts = append(dst.Contacts, c)
		}
	}

	seenPlace := make(map[string]bool, len(dst.Locations))
	for _, l := range dst.Locations {
		seenPlace[placeKey(l)] = true
	}
	for _, l := range other.Locations {
		if k := placeKey(l); !seenPlace[k] {
			seenPlace[k] = true
			dst.Locations = append(dst.Locations, cloneLocation(l))
		}
	}

	seenCat := make(map[string]bool, len(dst.Categories))
	for _, c := range dst.Categories {
		seenCat[c] = true
	}
	for _, c := range other.Categories {
		if !seenCat[c] {
			seenCat[c] = true
			dst.Categories = append(dst.Categories, c)
		}
	}

	// One provenance entry per source record, keeping the latest extraction.
	provAt := make(map[string]int, len(dst.Provenance))
	for i, p := range dst.Provenance {
		provAt[provenanceKey(p)] = i
	}
	for _, p := range other.Provenance {
		k := provenanceKey(p)
		if i, ok := provAt[k]; ok {
			if p.ExtractedAt.After(dst.Provenance[i].ExtractedAt) {
				dst.Provenance[i] = p
			}
			continue
		}
		provAt[k] = len(dst.Provenance)
		dst.Provenance = append(dst.Provenance, p)
	}
}

func provenanceKey(p model.Provenance) string {
	if p.SourceID != "" {
		return p.Source + "|" + p.SourceID
	}
	return p.Source + "|" + p.SourceURL + "|" + p.ExtractedAt.String()
}

func contactKey(c model.Contact, countryCode string) string {
	v := strings.ToLower(strings.TrimSpace(c.Value))
	switch c.Kind {
	case model.ContactPhone:
		if n := NormalizePhone(c.Value, countryCode); n != "" {
			v = n
		}
	case model.ContactEmail:
		if e := NormalizeEmail(c.Value); e != "" {
			v = e
		}
	}
	return string(c.Kind) + "|" + v
}

func placeKey(l model.Location) string {
	key := NormalizeAddress(l.Address) + "|" + NormalizeName(l.City) + "|" + compactPostcode(l.PostalCode)
	if l.Coordinates != nil && key == "||" {
		key += fmt.Sprintf("%.6f,%.6f", l.Coordinates.Lat, l.Coordinates.Lng)
	}
	return key
}

func cloneLocation(l model.Location) model.Location {
	if l.Coordinates != nil {
		c := *l.Coordinates
		l.Coordinates = &c
	}
	return l
}
