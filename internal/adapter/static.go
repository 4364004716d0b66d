package adapter

import (
	"context"
)

// staticAdapter serves records written inline in the source definition.
type staticAdapter struct {
	def  SourceDef
	deps Deps
}

func newStatic(def SourceDef, deps Deps) *staticAdapter {
	return &staticAdapter{def: def, deps: deps}
}

func (a *staticAdapter) Name() string { return a.def.Name }

func (a *staticAdapter) Describe() Info {
	info := describe(a.def)
	info.URL = ""
	return info
}

func (a *staticAdapter) Extract(_ context.Context, opts ExtractOptions) (*ExtractResult, error) {
	res := &ExtractResult{Stats: ExtractStats{EstimatedTotal: len(a.def.Records)}}
	at := clock(a.deps.Now)

	for _, raw := range a.def.Records {
		doc := any(raw)
		fields := a.def.FieldMap.Apply(func(path string) (any, bool) { return lookupPath(doc, path) })
		if len(fields) == 0 || !matchesFilters(fields, opts.Filters) {
			continue
		}
		res.Records = append(res.Records, newRecord(a.def.Name, a.def.URL, fields, at))
		if res.full(opts.Limit) {
			break
		}
	}
	return res.finish(a.def.Name, nil)
}
