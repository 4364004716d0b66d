package adapter

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/service-ingest/internal/fetcher"
)

const (
	defaultPageSize = 100
	defaultMaxPages = 50
)

// restAdapter pages through a JSON API. Each page request goes through the
// HTTP fetcher's retry and rate limiting.
type restAdapter struct {
	def    SourceDef
	deps   Deps
	header http.Header
}

func newREST(def SourceDef, deps Deps) *restAdapter {
	if def.PageParam == "" {
		def.PageParam = "page"
	}
	if def.PerPageParam == "" {
		def.PerPageParam = "per_page"
	}
	if def.PageSize <= 0 {
		def.PageSize = defaultPageSize
	}
	if def.MaxPages <= 0 {
		def.MaxPages = defaultMaxPages
	}
	if def.DatasetParam == "" {
		def.DatasetParam = "dataset"
	}
	h := http.Header{}
	h.Set("Accept", "application/json")
	for k, v := range def.Headers {
		h.Set(k, v)
	}
	return &restAdapter{def: def, deps: deps, header: h}
}

func (a *restAdapter) Name() string   { return a.def.Name }
func (a *restAdapter) Describe() Info { return describe(a.def) }

func (a *restAdapter) Extract(ctx context.Context, opts ExtractOptions) (*ExtractResult, error) {
	res := &ExtractResult{}

	// Datasets here are query values, not separate URLs.
	var values []dataset
	if len(opts.Datasets) == 0 {
		values = []dataset{{}}
	} else {
		values = selectDatasets(SourceDef{Datasets: a.def.Datasets}, opts.Datasets, res)
	}

	var hard error
	if len(values) == 0 {
		hard = eris.New("no known dataset selected")
	}
	for _, ds := range values {
		if res.full(opts.Limit) {
			break
		}
		if err := a.extractPages(ctx, ds, opts, res); err != nil && hard == nil {
			hard = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	return res.finish(a.def.Name, hard)
}

// extractPages walks one dataset's pages. It returns an error only when the
// first page failed; later page failures are recorded and end the walk.
func (a *restAdapter) extractPages(ctx context.Context, ds dataset, opts ExtractOptions, res *ExtractResult) error {
	log := zap.L().With(zap.String("source", a.def.Name), zap.String("dataset", ds.name))
	at := clock(a.deps.Now)
	fetched := 0

	for page := 1; page <= a.def.MaxPages; page++ {
		pageURL, err := a.pageURL(ds, opts, page)
		if err != nil {
			return err
		}

		doc, err := a.fetchPage(ctx, pageURL)
		if err != nil {
			log.Warn("page failed", zap.Int("page", page), zap.Error(err))
			res.addFetchError(eris.Wrapf(err, "page %d", page))
			if page == 1 {
				return err
			}
			return nil
		}

		items, total := a.items(doc)
		if page == 1 && total > 0 {
			res.Stats.EstimatedTotal += total
		} else if total == 0 {
			res.Stats.EstimatedTotal += len(items)
		}

		for _, item := range items {
			fetched++
			fields := a.def.FieldMap.Apply(func(path string) (any, bool) { return lookupPath(item, path) })
			if len(fields) == 0 {
				res.addError(ErrorParse, eris.Errorf("page %d: item without mappable fields", page))
				continue
			}
			res.Records = append(res.Records, newRecord(a.def.Name, pageURL, fields, at))
			if res.full(opts.Limit) {
				return nil
			}
		}

		if len(items) < a.pageSize(opts) || (total > 0 && fetched >= total) {
			return nil
		}
	}
	return nil
}

// pageSize never asks for more than the limit.
func (a *restAdapter) pageSize(opts ExtractOptions) int {
	if opts.Limit > 0 && opts.Limit < a.def.PageSize {
		return opts.Limit
	}
	return a.def.PageSize
}

func (a *restAdapter) fetchPage(ctx context.Context, pageURL string) (any, error) {
	body, err := a.deps.HTTP.Get(ctx, pageURL, a.header)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	doc, err := fetcher.DecodeJSONDocument(body)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// pageURL adds paging, filter and dataset parameters to the base URL.
// Filters are passed through as query parameters unmodified.
func (a *restAdapter) pageURL(ds dataset, opts ExtractOptions, page int) (string, error) {
	u, err := url.Parse(a.def.URL)
	if err != nil {
		return "", eris.Wrap(err, "parse source url")
	}
	q := u.Query()
	for k, v := range opts.Filters {
		q.Set(k, v)
	}
	if ds.name != "" {
		q.Set(a.def.DatasetParam, ds.target)
	}
	q.Set(a.def.PerPageParam, strconv.Itoa(a.pageSize(opts)))
	q.Set(a.def.PageParam, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// items pulls the record list and the reported total out of a page.
// A top-level array is the item list itself.
func (a *restAdapter) items(doc any) ([]any, int) {
	var items []any
	if arr, ok := doc.([]any); ok {
		items = arr
	} else if v, ok := lookupPath(doc, a.def.ItemsKey); ok {
		if arr, ok := v.([]any); ok {
			items = arr
		}
	}

	total := 0
	if a.def.TotalKey != "" {
		if v, ok := lookupPath(doc, a.def.TotalKey); ok {
			if s, ok := scalarString(v); ok {
				total, _ = strconv.Atoi(s)
			}
		}
	}
	return items, total
}
