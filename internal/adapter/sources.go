package adapter

import (
	"io"
	"net/url"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/service-ingest/internal/fetcher"
	"github.com/sells-group/service-ingest/internal/model"
)

// Source kinds.
const (
	KindCSV    = "csv"
	KindXLSX   = "xlsx"
	KindREST   = "rest"
	KindHTML   = "html"
	KindStatic = "static"
)

// SourceDef configures one source in sources.yaml.
type SourceDef struct {
	Name string `yaml:"name" validate:"required,max=64,excludesall=/"`
	Kind string `yaml:"kind" validate:"required,oneof=csv xlsx rest html static"`
	URL  string `yaml:"url" validate:"required_unless=Kind static"`
	// Datasets maps dataset names to a URL (csv, xlsx, html) or a dataset
	// query value (rest).
	Datasets map[string]string `yaml:"datasets" validate:"dive,keys,required,endkeys,required"`
	FieldMap FieldMap          `yaml:"field_map" validate:"dive,keys,canonical,endkeys,required"`

	// csv / xlsx
	Delimiter   string `yaml:"delimiter" validate:"omitempty,len=1"`
	StrictWidth bool   `yaml:"strict_width"`
	Sheet       string `yaml:"sheet"`
	HeaderRow   int    `yaml:"header_row" validate:"gte=0"`

	// rest
	ItemsKey     string            `yaml:"items_key"`
	TotalKey     string            `yaml:"total_key"`
	PageParam    string            `yaml:"page_param"`
	PerPageParam string            `yaml:"per_page_param"`
	PageSize     int               `yaml:"page_size" validate:"gte=0,lte=1000"`
	DatasetParam string            `yaml:"dataset_param"`
	Headers      map[string]string `yaml:"headers"`

	// rest / html
	MaxPages int `yaml:"max_pages" validate:"gte=0"`

	// html
	ItemSelector   string            `yaml:"item_selector" validate:"required_if=Kind html"`
	FieldSelectors map[string]string `yaml:"field_selectors" validate:"required_if=Kind html,dive,keys,canonical,endkeys,required"`
	NextSelector   string            `yaml:"next_selector"`

	// static
	Records []map[string]any `yaml:"records" validate:"required_if=Kind static"`
}

// SourcesFile is the top-level shape of sources.yaml.
type SourcesFile struct {
	Sources []SourceDef `yaml:"sources" validate:"dive"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("canonical", func(fl validator.FieldLevel) bool {
		return model.IsCanonicalField(fl.Field().String())
	})
	v.RegisterStructValidation(validateSourceURL, SourceDef{})
	return v
}

// validateSourceURL requires http(s) URLs for rest and html sources and
// accepts http(s), ftp, file URLs or plain paths for file sources.
func validateSourceURL(sl validator.StructLevel) {
	def := sl.Current().Interface().(SourceDef)
	check := func(raw, field string) {
		if raw == "" {
			return
		}
		scheme := ""
		if u, err := url.Parse(raw); err == nil {
			scheme = strings.ToLower(u.Scheme)
		}
		switch def.Kind {
		case KindREST, KindHTML:
			if scheme != "http" && scheme != "https" {
				sl.ReportError(raw, field, field, "http_url", "")
			}
		case KindCSV, KindXLSX:
			if scheme != "" && scheme != "http" && scheme != "https" && scheme != "ftp" && scheme != "file" {
				sl.ReportError(raw, field, field, "fetchable_url", "")
			}
		}
	}
	check(def.URL, "url")
	if def.Kind != KindREST {
		for name, raw := range def.Datasets {
			check(raw, "datasets["+name+"]")
		}
	}
}

// ParseSources decodes and validates source definitions. Unknown keys and
// duplicate names are rejected. Environment references such as ${API_KEY}
// are expanded in URLs and header values.
func ParseSources(r io.Reader) ([]SourceDef, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file SourcesFile
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, eris.Wrap(err, "adapter: decode sources")
	}

	if err := newValidator().Struct(file); err != nil {
		return nil, eris.Wrap(err, "adapter: invalid source definition")
	}

	seen := make(map[string]bool, len(file.Sources))
	for i := range file.Sources {
		def := &file.Sources[i]
		if seen[def.Name] {
			return nil, eris.Errorf("adapter: duplicate source %q", def.Name)
		}
		seen[def.Name] = true

		def.URL = os.ExpandEnv(def.URL)
		for k, v := range def.Headers {
			def.Headers[k] = os.ExpandEnv(v)
		}
	}
	return file.Sources, nil
}

// LoadSources reads source definitions from a YAML file.
func LoadSources(path string) ([]SourceDef, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "adapter: open sources file")
	}
	defer f.Close() //nolint:errcheck
	return ParseSources(f)
}

// Deps are the shared collaborators adapters are built with.
type Deps struct {
	// Fetcher downloads file sources and HTML pages.
	Fetcher fetcher.Fetcher
	// HTTP serves REST sources.
	HTTP *fetcher.HTTPFetcher
	// TempDir receives XLSX downloads.
	TempDir string
	// Now stamps extracted records; defaults to time.Now in UTC.
	Now func() time.Time
}

// New builds the adapter for one definition.
func New(def SourceDef, deps Deps) (Adapter, error) {
	switch def.Kind {
	case KindCSV, KindXLSX:
		if deps.Fetcher == nil {
			return nil, eris.Errorf("adapter: %s: %s source needs a fetcher", def.Name, def.Kind)
		}
		return newTabular(def, deps), nil
	case KindREST:
		if deps.HTTP == nil {
			return nil, eris.Errorf("adapter: %s: rest source needs an http fetcher", def.Name)
		}
		return newREST(def, deps), nil
	case KindHTML:
		if deps.Fetcher == nil {
			return nil, eris.Errorf("adapter: %s: html source needs a fetcher", def.Name)
		}
		return newHTML(def, deps), nil
	case KindStatic:
		return newStatic(def, deps), nil
	default:
		return nil, eris.Errorf("adapter: %s: unknown kind %q", def.Name, def.Kind)
	}
}

// Build constructs a registry holding one adapter per definition, in order.
func Build(defs []SourceDef, deps Deps) (*Registry, error) {
	reg := NewRegistry()
	for _, def := range defs {
		a, err := New(def, deps)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// selectDatasets resolves the requested datasets against a definition.
// With no request, the definition's URL is used when set, otherwise every
// dataset in name order. Unknown names are reported, not fatal.
func selectDatasets(def SourceDef, requested []string, res *ExtractResult) []dataset {
	if len(requested) == 0 {
		if def.URL != "" || len(def.Datasets) == 0 {
			return []dataset{{name: "", target: def.URL}}
		}
		names := make([]string, 0, len(def.Datasets))
		for n := range def.Datasets {
			names = append(names, n)
		}
		sort.Strings(names)
		requested = names
	}

	var out []dataset
	for _, name := range requested {
		target, ok := def.Datasets[name]
		if !ok {
			res.addError(ErrorDataset, eris.Errorf("unknown dataset %q", name))
			continue
		}
		out = append(out, dataset{name: name, target: target})
	}
	return out
}

type dataset struct {
	name   string
	target string
}

// describe builds the listing entry shared by the definition-driven adapters.
func describe(def SourceDef) Info {
	info := Info{Name: def.Name, Kind: def.Kind, URL: def.URL}
	for n := range def.Datasets {
		info.Datasets = append(info.Datasets, n)
	}
	return info
}
