package config

import (
	"fmt"
	"os"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/minios-linux/protoloc/classify"
	"github.com/minios-linux/protoloc/extract"
	"github.com/minios-linux/protoloc/keys"
	"github.com/minios-linux/protoloc/lockfile"
	"github.com/minios-linux/protoloc/paratranz"
)

// ---------------------------------------------------------------------------
// YAML schema
// ---------------------------------------------------------------------------

// ProjectFile is the top-level .protoloc.yaml structure.
type ProjectFile struct {
	// Source is the prototype directory relative to the project root.
	// Empty means auto-detect.
	Source string `yaml:"source,omitempty"`
	// Output is the directory group files are extracted to (default "extracted").
	Output string `yaml:"output,omitempty"`
	// Translations is the directory downloads are written to (default "translations").
	Translations string `yaml:"translations,omitempty"`
	// Include and Exclude are gitignore-style patterns relative to Source.
	Include []string `yaml:"include,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`

	Fields        Fields   `yaml:"fields,omitempty"`
	Discriminants []string `yaml:"discriminants,omitempty"`
	// Grouping is one of top, folder, file, single (default top).
	Grouping string `yaml:"grouping,omitempty"`
	// KeyStyle is hashed or readable (default hashed).
	KeyStyle string   `yaml:"key_style,omitempty"`
	Template Template `yaml:"template,omitempty"`

	Paratranz Paratranz `yaml:"paratranz,omitempty"`

	Workers  int `yaml:"workers,omitempty"`
	MinStage int `yaml:"min_stage,omitempty"`

	// Path is the file the configuration was loaded from, "" for defaults.
	Path string `yaml:"-"`
}

// Fields overrides the classifier's field lists.
type Fields struct {
	Allow []string `yaml:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty"`
}

// Template tunes detection of message identifiers.
type Template struct {
	Pattern   string   `yaml:"pattern,omitempty"`
	MinTokens int      `yaml:"min_tokens,omitempty"`
	Prefixes  []string `yaml:"prefixes,omitempty"`
	// Prose lists values confirmed as prose despite looking like keys.
	Prose []string `yaml:"prose,omitempty"`
	// Disabled turns identifier filtering off.
	Disabled bool `yaml:"disabled,omitempty"`
}

// Paratranz holds the remote project settings. The token is never stored
// here; see the settings package.
type Paratranz struct {
	ProjectID int     `yaml:"project_id,omitempty"`
	BaseURL   string  `yaml:"base_url,omitempty"`
	Rate      float64 `yaml:"rate,omitempty"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// FileName is the default config file name.
const FileName = ".protoloc.yaml"

// Default returns a configuration with every default applied.
func Default() *ProjectFile {
	pf := &ProjectFile{}
	pf.applyDefaults()
	return pf
}

// Load loads and validates the project file at path. A missing file yields
// the defaults.
func Load(path string) (*ProjectFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var pf ProjectFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	pf.Path = path
	pf.applyDefaults()

	if err := pf.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &pf, nil
}

func (pf *ProjectFile) applyDefaults() {
	if pf.Output == "" {
		pf.Output = "extracted"
	}
	if pf.Translations == "" {
		pf.Translations = "translations"
	}
	if len(pf.Discriminants) == 0 {
		pf.Discriminants = append([]string(nil), extract.DefaultDiscriminants...)
	}
	if pf.Grouping == "" {
		pf.Grouping = string(extract.GroupTop)
	}
	if pf.KeyStyle == "" {
		pf.KeyStyle = string(keys.Hashed)
	}
	if pf.Paratranz.BaseURL == "" {
		pf.Paratranz.BaseURL = paratranz.DefaultBaseURL
	}
	if pf.Paratranz.Rate == 0 {
		pf.Paratranz.Rate = paratranz.DefaultRate
	}
}

// Validate reports the first configuration error.
func (pf *ProjectFile) Validate() error {
	if _, err := extract.ParseGrouping(pf.Grouping); err != nil {
		return err
	}
	if _, err := keys.ParseStyle(pf.KeyStyle); err != nil {
		return err
	}
	if err := pf.Rules().Validate(); err != nil {
		return err
	}
	if _, err := extract.NewFilter(pf.Include, pf.Exclude); err != nil {
		return err
	}
	if pf.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}
	if pf.Paratranz.ProjectID < 0 {
		return fmt.Errorf("paratranz.project_id must not be negative")
	}
	return nil
}

// AddFields adds allowlisted field names, keeping the list free of
// duplicates.
func (pf *ProjectFile) AddFields(fields ...string) {
	pf.Fields.Allow = lo.Uniq(append(pf.Fields.Allow, fields...))
}

// Rules builds the classifier rules. Configured field lists extend the
// defaults; template settings replace them.
func (pf *ProjectFile) Rules() classify.Rules {
	r := classify.DefaultRules()
	if len(pf.Fields.Allow) > 0 {
		r.Allow = lo.Uniq(append(r.Allow, pf.Fields.Allow...))
	}
	if len(pf.Fields.Deny) > 0 {
		r.Deny = lo.Uniq(append(r.Deny, pf.Fields.Deny...))
	}
	// A field both allowed and denied stays denied; drop it from Allow so
	// listings stay honest.
	r.Allow = lo.Without(r.Allow, r.Deny...)

	if pf.Template.Pattern != "" {
		r.TemplatePattern = pf.Template.Pattern
	}
	if pf.Template.MinTokens > 0 {
		r.MinTemplateTokens = pf.Template.MinTokens
	}
	if len(pf.Template.Prefixes) > 0 {
		r.TemplatePrefixes = lo.Uniq(pf.Template.Prefixes)
	}
	r.ProseValues = lo.Uniq(pf.Template.Prose)
	if pf.Template.Disabled {
		r.TemplatePattern = ""
	}
	return r
}

// Classifier compiles Rules.
func (pf *ProjectFile) Classifier() (*classify.Classifier, error) {
	return classify.New(pf.Rules())
}

// Keys returns the key generator for KeyStyle.
func (pf *ProjectFile) Keys() (keys.Generator, error) {
	style, err := keys.ParseStyle(pf.KeyStyle)
	if err != nil {
		return keys.Generator{}, err
	}
	return keys.Generator{Style: style}, nil
}

// Filter compiles Include and Exclude.
func (pf *ProjectFile) Filter() (*extract.Filter, error) {
	return extract.NewFilter(pf.Include, pf.Exclude)
}

// fingerprinted is the part of the configuration that changes extraction
// output.
type fingerprinted struct {
	Include       []string       `yaml:"include"`
	Exclude       []string       `yaml:"exclude"`
	Rules         classify.Rules `yaml:"rules"`
	Discriminants []string       `yaml:"discriminants"`
	Grouping      string         `yaml:"grouping"`
	KeyStyle      string         `yaml:"key_style"`
}

// Fingerprint hashes every setting that affects extraction output, so a
// cache built under other settings can be discarded.
func (pf *ProjectFile) Fingerprint() string {
	data, err := yaml.Marshal(fingerprinted{
		Include:       pf.Include,
		Exclude:       pf.Exclude,
		Rules:         pf.Rules(),
		Discriminants: pf.Discriminants,
		Grouping:      pf.Grouping,
		KeyStyle:      pf.KeyStyle,
	})
	if err != nil {
		return ""
	}
	return lockfile.Hash(string(data))
}

// Save writes the project file to path.
func (pf *ProjectFile) Save(path string) error {
	data, err := yaml.Marshal(pf)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
