package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sells-group/service-ingest/internal/model"
)

const categorySeps = ",;|"

// text renders a scalar as a trimmed string with inner whitespace collapsed.
// Lists yield their first non-blank element.
func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.Join(strings.Fields(t), " ")
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		for _, e := range t {
			if s := text(e); s != "" {
				return s
			}
		}
		return ""
	case []string:
		for _, e := range t {
			if s := text(e); s != "" {
				return s
			}
		}
		return ""
	case fmt.Stringer:
		return text(t.String())
	}
	return ""
}

// list flattens v into non-blank strings. Strings are split on any rune in
// seps; list elements are split the same way.
func list(v any, seps string) []string {
	var out []string
	add := func(s string) {
		for _, part := range strings.FieldsFunc(s, func(r rune) bool { return strings.ContainsRune(seps, r) }) {
			if p := text(part); p != "" {
				out = append(out, p)
			}
		}
	}
	switch t := v.(type) {
	case nil:
	case []any:
		for _, e := range t {
			out = append(out, list(e, seps)...)
		}
	case []string:
		for _, e := range t {
			add(e)
		}
	case string:
		add(t)
	default:
		if s := text(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// boolean reads y/yes/true/1 (any case) or a non-zero number as true.
func boolean(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	}
	switch strings.ToLower(text(v)) {
	case "y", "yes", "true", "1", "t":
		return true
	}
	if f, ok := number(v); ok {
		return f != 0
	}
	return false
}

// number parses numeric values and numeric strings.
func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t) && !math.IsInf(t, 0)
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	return 0, false
}

// categories splits, lower-cases, de-duplicates and sorts category tags.
func categories(v any) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range list(v, categorySeps) {
		c = strings.ToLower(c)
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// coordinates returns a point when both values parse and are in range.
// 0,0 is treated as a missing geocode.
func coordinates(lat, lng any) *model.Coordinates {
	la, ok1 := number(lat)
	lo, ok2 := number(lng)
	if !ok1 || !ok2 {
		return nil
	}
	if la < -90 || la > 90 || lo < -180 || lo > 180 || (la == 0 && lo == 0) {
		return nil
	}
	return &model.Coordinates{Lat: la, Lng: lo}
}

// locations reads the flat address fields and any nested "locations" list,
// dropping empty and repeated entries.
func locations(f map[string]any) []model.Location {
	var out []model.Location
	add := func(l model.Location) {
		if l.Empty() {
			return
		}
		for _, existing := range out {
			if sameLocation(existing, l) {
				return
			}
		}
		out = append(out, l)
	}

	add(model.Location{
		Address:     text(f[model.FieldAddress]),
		City:        text(f[model.FieldCity]),
		Region:      text(f[model.FieldRegion]),
		PostalCode:  text(f[model.FieldPostcode]),
		Coordinates: coordinates(f[model.FieldLatitude], f[model.FieldLongitude]),
	})

	nested, _ := f[model.FieldLocations].([]any)
	for _, item := range nested {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		add(model.Location{
			Address:     text(first(m, "address", "street", "address_1")),
			City:        text(first(m, "city", "suburb", "locality")),
			Region:      text(first(m, "region", "state", "state_province")),
			PostalCode:  text(first(m, "postcode", "postal_code", "zip")),
			Coordinates: coordinates(first(m, "latitude", "lat"), first(m, "longitude", "lng", "lon")),
		})
	}
	return out
}

func sameLocation(a, b model.Location) bool {
	if !strings.EqualFold(a.Address, b.Address) || !strings.EqualFold(a.City, b.City) ||
		!strings.EqualFold(a.Region, b.Region) || a.PostalCode != b.PostalCode {
		return false
	}
	if a.Coordinates == nil || b.Coordinates == nil {
		return a.Coordinates == b.Coordinates
	}
	return *a.Coordinates == *b.Coordinates
}

// first returns the value of the first key present in m.
func first(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// contacts collects phones, emails and urls, keeping first occurrences.
// Phones are split on , ; | and /; emails and urls on whitespace as well.
func contacts(f map[string]any) []model.Contact {
	var out []model.Contact
	seen := make(map[string]bool)
	add := func(kind model.ContactKind, value string) {
		key := string(kind) + "|" + strings.ToLower(value)
		if value == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, model.Contact{Kind: kind, Value: value})
	}

	for _, p := range list(f[model.FieldPhone], ",;|/") {
		add(model.ContactPhone, p)
	}
	for _, e := range list(f[model.FieldEmail], ",;| \t\n") {
		add(model.ContactEmail, strings.ToLower(strings.TrimPrefix(e, "mailto:")))
	}
	for _, u := range list(f[model.FieldURL], ",;| \t\n") {
		add(model.ContactURL, u)
	}
	return out
}

var (
	ageSpanRe  = regexp.MustCompile(`^(\d{1,3})\s*(?:-|–|—|to)\s*(\d{1,3})`)
	agePlusRe  = regexp.MustCompile(`^(\d{1,3})\s*(?:\+|and over|and older|and above|or over|or older)`)
	ageUnderRe = regexp.MustCompile(`^(?:under|below|less than|<)\s*(\d{1,3})`)
	ageUpToRe  = regexp.MustCompile(`^(?:up to|upto|<=)\s*(\d{1,3})`)
)

// ages reads explicit age_min/age_max, falling back to a free-text
// age_range: "12-25", "12 to 25", "18+", "under 25" (max 24), "up to 25".
// Bounds are passed through even when inverted; quality flags that.
func ages(f map[string]any) (lo, hi *int) {
	lo = intPtr(f[model.FieldAgeMin])
	hi = intPtr(f[model.FieldAgeMax])
	if lo != nil || hi != nil {
		return lo, hi
	}

	r := strings.ToLower(text(f[model.FieldAgeRange]))
	r = strings.TrimSuffix(strings.TrimSpace(strings.TrimPrefix(r, "ages")), "years")
	r = strings.TrimSpace(r)
	if r == "" {
		return nil, nil
	}
	atoi := func(s string) *int {
		n, _ := strconv.Atoi(s)
		return &n
	}
	if m := ageSpanRe.FindStringSubmatch(r); m != nil {
		return atoi(m[1]), atoi(m[2])
	}
	if m := agePlusRe.FindStringSubmatch(r); m != nil {
		return atoi(m[1]), nil
	}
	if m := ageUnderRe.FindStringSubmatch(r); m != nil {
		n := *atoi(m[1]) - 1
		return nil, &n
	}
	if m := ageUpToRe.FindStringSubmatch(r); m != nil {
		return nil, atoi(m[1])
	}
	return nil, nil
}

func intPtr(v any) *int {
	f, ok := number(v)
	if !ok || f < 0 || f > 150 {
		return nil
	}
	n := int(math.Round(f))
	return &n
}
