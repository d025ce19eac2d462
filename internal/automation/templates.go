package automation

import (
	_ "embed"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var defaultTemplatesYAML []byte

// Purpose tells listing templates from detail templates.
type Purpose string

const (
	PurposeListing Purpose = "listing"
	PurposeDetail  Purpose = "detail"
)

// Strategy names the Backend implementation that serves a template.
type Strategy string

const (
	StrategyRemote Strategy = "remote"
	StrategyDirect Strategy = "direct"
)

// DefaultDetailTemplate is used by listing templates that do not name one.
const DefaultDetailTemplate = "DETAIL"

var (
	// ErrUnknownSource is returned when no listing template exists for a source.
	ErrUnknownSource = errors.New("no listing template for source")
	// ErrNoDetailTemplate is returned when a source has no usable detail template.
	ErrNoDetailTemplate = errors.New("no detail template")
)

// Template is one extraction schema. Request is sent to the backend as-is
// (remote) or read for parameters (direct).
type Template struct {
	Name         string         `yaml:"-"`
	Purpose      Purpose        `yaml:"purpose"`
	Strategy     Strategy       `yaml:"strategy"`
	Detail       string         `yaml:"detail"`
	ExcludeTerms []string       `yaml:"exclude_terms"`
	Request      map[string]any `yaml:"request"`
}

// Templates is an immutable set of templates keyed by upper-case name.
// Listing templates are named after the source they scan.
type Templates struct {
	byName map[string]Template
}

type templateFile struct {
	Templates map[string]Template `yaml:"templates"`
}

// DefaultTemplates returns the built-in FINN, NAV, ADZUNA and DETAIL set.
func DefaultTemplates() (*Templates, error) {
	return ParseTemplates(defaultTemplatesYAML)
}

// LoadTemplates reads a YAML template file. An empty path selects the
// built-in set.
func LoadTemplates(path string) (*Templates, error) {
	if path == "" {
		return DefaultTemplates()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read templates %q", path)
	}
	return ParseTemplates(raw)
}

// ParseTemplates decodes and validates a template document.
func ParseTemplates(raw []byte) (*Templates, error) {
	var f templateFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrap(err, "decode templates")
	}
	if len(f.Templates) == 0 {
		return nil, errors.New("templates: document defines no templates")
	}

	byName := make(map[string]Template, len(f.Templates))
	for name, tpl := range f.Templates {
		name = strings.ToUpper(strings.TrimSpace(name))
		tpl.Name = name
		if tpl.Strategy == "" {
			tpl.Strategy = StrategyRemote
		}
		switch tpl.Purpose {
		case PurposeListing, PurposeDetail:
		default:
			return nil, errors.Newf("templates: %s has invalid purpose %q", name, tpl.Purpose)
		}
		switch tpl.Strategy {
		case StrategyRemote, StrategyDirect:
		default:
			return nil, errors.Newf("templates: %s has invalid strategy %q", name, tpl.Strategy)
		}
		if tpl.Purpose == PurposeListing && tpl.Detail == "" {
			tpl.Detail = DefaultDetailTemplate
		}
		tpl.Detail = strings.ToUpper(tpl.Detail)
		byName[name] = tpl
	}
	return &Templates{byName: byName}, nil
}

// Listing resolves the listing template for a task source.
func (t *Templates) Listing(source string) (Template, error) {
	tpl, ok := t.byName[strings.ToUpper(source)]
	if !ok || tpl.Purpose != PurposeListing {
		return Template{}, errors.Wrapf(ErrUnknownSource, "%q", source)
	}
	return tpl.clone(), nil
}

// Detail resolves the detail template that goes with a listing template.
func (t *Templates) Detail(listing Template) (Template, error) {
	tpl, ok := t.byName[listing.Detail]
	if !ok || tpl.Purpose != PurposeDetail {
		return Template{}, errors.Wrapf(ErrNoDetailTemplate, "%q for %s", listing.Detail, listing.Name)
	}
	return tpl.clone(), nil
}

// Sources lists, sorted, the sources that have a listing template.
func (t *Templates) Sources() []string {
	var out []string
	for name, tpl := range t.byName {
		if tpl.Purpose == PurposeListing {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// clone copies the top-level request map so callers can add keys without
// touching the shared set.
func (t Template) clone() Template {
	t.Request = maps.Clone(t.Request)
	t.ExcludeTerms = append([]string(nil), t.ExcludeTerms...)
	return t
}
