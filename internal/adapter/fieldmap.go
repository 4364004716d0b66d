package adapter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/service-ingest/internal/model"
)

// FieldMap maps canonical field keys to source-native paths. Paths are
// header keys for tabular sources and dotted paths ("contact.phones.0")
// for structured ones.
type FieldMap map[string]string

// Apply builds a canonical field set by resolving each mapped path with
// lookup. With an empty map, the lookup is consulted under every canonical
// key directly, so sources already in canonical shape need no mapping.
func (fm FieldMap) Apply(lookup func(path string) (any, bool)) map[string]any {
	out := make(map[string]any)
	if len(fm) == 0 {
		for _, key := range model.CanonicalFields {
			if v, ok := lookup(key); ok && !isBlank(v) {
				out[key] = v
			}
		}
		return out
	}
	for key, path := range fm {
		if v, ok := lookup(path); ok && !isBlank(v) {
			out[key] = v
		}
	}
	return out
}

// lookupPath resolves a dotted path against decoded JSON or YAML data.
// Numeric segments index into arrays.
func lookupPath(doc any, path string) (any, bool) {
	if path == "" {
		return doc, doc != nil
	}
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, cur != nil
}

// stringMapLookup adapts a flat string map to the lookup signature.
func stringMapLookup(m map[string]string) func(string) (any, bool) {
	return func(path string) (any, bool) {
		v, ok := m[path]
		return v, ok
	}
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	}
	return false
}

// scalarString renders scalar values for ids and filter comparison.
func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	case json.Number:
		return t.String(), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	case fmt.Stringer:
		return t.String(), true
	}
	return "", false
}

// matchesFilters reports whether every filter equals (case-insensitively)
// the record's canonical field of the same key. List fields match when any
// element does.
func matchesFilters(fields map[string]any, filters map[string]string) bool {
	for key, want := range filters {
		if !valueMatches(fields[key], want) {
			return false
		}
	}
	return true
}

func valueMatches(v any, want string) bool {
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			if valueMatches(e, want) {
				return true
			}
		}
		return false
	case []string:
		for _, e := range t {
			if strings.EqualFold(strings.TrimSpace(e), want) {
				return true
			}
		}
		return false
	}
	s, ok := scalarString(v)
	return ok && strings.EqualFold(s, strings.TrimSpace(want))
}

// newRecord wraps mapped fields into a SourceRecord. The native id comes
// from the canonical id field when present.
func newRecord(source, url string, fields map[string]any, at time.Time) model.SourceRecord {
	rec := model.SourceRecord{
		Source:      source,
		URL:         url,
		Fields:      fields,
		ExtractedAt: at,
	}
	if id, ok := scalarString(fields[model.FieldID]); ok {
		rec.SourceID = id
	}
	if rec.URL == "" {
		if u, ok := fields[model.FieldSourceURL].(string); ok {
			rec.URL = u
		}
	}
	return rec
}
