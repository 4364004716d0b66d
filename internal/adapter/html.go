package adapter

import (
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/service-ingest/internal/model"
)

const defaultHTMLPages = 10

// htmlAdapter scrapes a listing page, following a "next" link across pages.
// Field selectors are CSS selectors relative to each item, optionally
// suffixed with @attr to read an attribute instead of text. A selector of
// just "@attr" reads the item element itself.
type htmlAdapter struct {
	def  SourceDef
	deps Deps
}

func newHTML(def SourceDef, deps Deps) *htmlAdapter {
	if def.MaxPages <= 0 {
		def.MaxPages = defaultHTMLPages
	}
	return &htmlAdapter{def: def, deps: deps}
}

func (a *htmlAdapter) Name() string   { return a.def.Name }
func (a *htmlAdapter) Describe() Info { return describe(a.def) }

func (a *htmlAdapter) Extract(ctx context.Context, opts ExtractOptions) (*ExtractResult, error) {
	res := &ExtractResult{}
	datasets := selectDatasets(a.def, opts.Datasets, res)

	var hard error
	if len(datasets) == 0 {
		hard = eris.New("no known dataset selected")
	}
	for _, ds := range datasets {
		if res.full(opts.Limit) || ctx.Err() != nil {
			break
		}
		if err := a.crawl(ctx, ds.target, opts, res); err != nil && hard == nil {
			hard = err
		}
	}
	return res.finish(a.def.Name, hard)
}

// crawl scrapes start and the pages its next links lead to. It returns an
// error only when the first page could not be loaded.
func (a *htmlAdapter) crawl(ctx context.Context, start string, opts ExtractOptions, res *ExtractResult) error {
	log := zap.L().With(zap.String("source", a.def.Name))
	at := clock(a.deps.Now)
	visited := make(map[string]bool)
	pageURL := start

	for page := 1; page <= a.def.MaxPages && pageURL != "" && !visited[pageURL]; page++ {
		visited[pageURL] = true

		doc, err := a.fetchDocument(ctx, pageURL)
		if err != nil {
			log.Warn("page failed", zap.String("url", pageURL), zap.Error(err))
			res.addFetchError(eris.Wrapf(err, "page %s", pageURL))
			if page == 1 {
				return err
			}
			return nil
		}

		doc.Find(a.def.ItemSelector).EachWithBreak(func(_ int, item *goquery.Selection) bool {
			res.Stats.EstimatedTotal++
			fields := a.scrapeItem(item, pageURL)
			if len(fields) == 0 {
				res.addError(ErrorParse, eris.Errorf("%s: item without a name", pageURL))
				return true
			}
			if !matchesFilters(fields, opts.Filters) {
				return true
			}
			res.Records = append(res.Records, newRecord(a.def.Name, pageURL, fields, at))
			return !res.full(opts.Limit)
		})

		if res.full(opts.Limit) || a.def.NextSelector == "" {
			return nil
		}
		pageURL = a.nextURL(doc, pageURL)
	}
	return nil
}

func (a *htmlAdapter) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	body, err := a.deps.Fetcher.Download(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, eris.Wrap(err, "parse document")
	}
	return doc, nil
}

// scrapeItem reads every field selector from one item. Selectors matching
// several elements yield a list; links are resolved against the page URL.
func (a *htmlAdapter) scrapeItem(item *goquery.Selection, pageURL string) map[string]any {
	raw := make(map[string]any, len(a.def.FieldSelectors))
	for key, spec := range a.def.FieldSelectors {
		sel, attr := splitSelector(spec)
		target := item
		if sel != "" {
			target = item.Find(sel)
		}

		var vals []string
		target.Each(func(_ int, s *goquery.Selection) {
			var v string
			if attr != "" {
				v, _ = s.Attr(attr)
				if attr == "href" || attr == "src" {
					v = resolveURL(pageURL, v)
				}
			} else {
				v = strings.Join(strings.Fields(s.Text()), " ")
			}
			if v = strings.TrimSpace(v); v != "" {
				vals = append(vals, v)
			}
		})

		switch len(vals) {
		case 0:
		case 1:
			raw[key] = vals[0]
		default:
			list := make([]any, len(vals))
			for i, v := range vals {
				list[i] = v
			}
			raw[key] = list
		}
	}
	if _, ok := raw[model.FieldSourceURL]; !ok {
		raw[model.FieldSourceURL] = pageURL
	}
	if _, ok := raw[model.FieldName]; !ok {
		return nil
	}
	return FieldMap(nil).Apply(func(path string) (any, bool) {
		v, ok := raw[path]
		return v, ok
	})
}

func (a *htmlAdapter) nextURL(doc *goquery.Document, current string) string {
	href, ok := doc.Find(a.def.NextSelector).First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return ""
	}
	return resolveURL(current, href)
}

func splitSelector(spec string) (sel, attr string) {
	if i := strings.LastIndex(spec, "@"); i >= 0 {
		return strings.TrimSpace(spec[:i]), strings.TrimSpace(spec[i+1:])
	}
	return strings.TrimSpace(spec), ""
}

func resolveURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
