package adapter

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/service-ingest/internal/fetcher"
)

// tabularAdapter extracts CSV and XLSX files, one file per dataset.
type tabularAdapter struct {
	def  SourceDef
	deps Deps
}

func newTabular(def SourceDef, deps Deps) *tabularAdapter {
	return &tabularAdapter{def: def, deps: deps}
}

func (a *tabularAdapter) Name() string   { return a.def.Name }
func (a *tabularAdapter) Describe() Info { return describe(a.def) }

func (a *tabularAdapter) Extract(ctx context.Context, opts ExtractOptions) (*ExtractResult, error) {
	log := zap.L().With(zap.String("source", a.def.Name), zap.String("kind", a.def.Kind))
	res := &ExtractResult{}

	datasets := selectDatasets(a.def, opts.Datasets, res)
	var hard error
	if len(datasets) == 0 {
		hard = eris.New("no known dataset selected")
	}

	for _, ds := range datasets {
		if res.full(opts.Limit) {
			break
		}
		if err := a.extractFile(ctx, ds, opts, res); err != nil {
			if ctx.Err() != nil {
				return res.finish(a.def.Name, err)
			}
			log.Warn("dataset failed", zap.String("dataset", ds.name), zap.Error(err))
			res.addFetchError(err)
			if hard == nil {
				hard = err
			}
		}
	}

	log.Debug("extraction finished",
		zap.Int("records", len(res.Records)),
		zap.Int("errors", len(res.Errors)),
	)
	return res.finish(a.def.Name, hard)
}

// extractFile streams one file into res. A returned error means the file
// could not be opened or read to the end.
func (a *tabularAdapter) extractFile(ctx context.Context, ds dataset, opts ExtractOptions, res *ExtractResult) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rowCh, errCh, cleanup, err := a.open(streamCtx, ds.target)
	if err != nil {
		return err
	}
	defer cleanup()

	at := clock(a.deps.Now)
	for row := range rowCh {
		if row.Err != nil {
			res.addError(ErrorParse, row.Err)
			continue
		}
		res.Stats.EstimatedTotal++

		fields := a.def.FieldMap.Apply(stringMapLookup(row.Fields))
		if len(fields) == 0 || !matchesFilters(fields, opts.Filters) {
			continue
		}
		res.Records = append(res.Records, newRecord(a.def.Name, ds.target, fields, at))
		if res.full(opts.Limit) {
			cancel()
			for range rowCh {
			}
			return nil
		}
	}

	if err := <-errCh; err != nil {
		return eris.Wrapf(err, "%s", ds.target)
	}
	return nil
}

// open starts streaming rows from target.
func (a *tabularAdapter) open(ctx context.Context, target string) (<-chan fetcher.Row, <-chan error, func(), error) {
	if a.def.Kind == KindXLSX {
		return a.openXLSX(ctx, target)
	}

	body, err := a.deps.Fetcher.Download(ctx, target)
	if err != nil {
		return nil, nil, nil, err
	}
	opts := fetcher.CSVOptions{LazyQuotes: true, StrictWidth: a.def.StrictWidth}
	if a.def.Delimiter != "" {
		opts.Delimiter = []rune(a.def.Delimiter)[0]
	}
	rowCh, errCh := fetcher.StreamCSV(ctx, body, opts)
	return rowCh, errCh, func() { _ = body.Close() }, nil
}

func (a *tabularAdapter) openXLSX(ctx context.Context, target string) (<-chan fetcher.Row, <-chan error, func(), error) {
	dir := a.deps.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, nil, eris.Wrap(err, "create temp dir")
	}
	path := filepath.Join(dir, a.def.Name+"-"+uuid.NewString()+".xlsx")
	if _, err := a.deps.Fetcher.DownloadToFile(ctx, target, path); err != nil {
		_ = os.Remove(path)
		return nil, nil, nil, err
	}
	rowCh, errCh := fetcher.StreamXLSX(ctx, path, fetcher.XLSXOptions{
		SheetName: a.def.Sheet,
		HeaderRow: a.def.HeaderRow,
	})
	return rowCh, errCh, func() { _ = os.Remove(path) }, nil
}
