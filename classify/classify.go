// Package classify decides which prototype fields hold translatable prose.
//
// Field names alone are not enough: the same field (name, description,
// content) may hold either real text or a message identifier looked up in
// the game's Fluent tables, so the value shape is inspected too.
package classify

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/minios-linux/protoloc/yamlfile"
)

// Decision is the outcome of classifying one field.
type Decision int

const (
	// Translatable is human-readable prose to extract.
	Translatable Decision = iota
	// StructuralExcluded is an identifier, reference, or non-text value.
	StructuralExcluded
	// TemplatedExcluded is a message identifier for an external
	// localization table.
	TemplatedExcluded
	// AmbiguousFlagged looks like a message identifier but may be prose;
	// it is not extracted and is surfaced for review.
	AmbiguousFlagged
)

func (d Decision) String() string {
	switch d {
	case Translatable:
		return "translatable"
	case StructuralExcluded:
		return "structural"
	case TemplatedExcluded:
		return "templated"
	case AmbiguousFlagged:
		return "ambiguous"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// Default rule values.
var (
	DefaultAllow = []string{"name", "description"}
	DefaultDeny  = []string{
		"id", "type", "parent", "abstract", "suffix", "categories",
		"components", "sprite", "state", "path", "sound", "tags",
		"rsi", "texture", "shader", "prototype", "proto", "whitelist",
		"blacklist", "layers", "map", "visuals",
	}
	DefaultTemplatePattern  = `^[a-z]+(-[a-z]+)+$`
	DefaultMinTokens        = 3
	DefaultTemplatePrefixes = []string{"ent-", "loadout-", "job-name-", "reagent-"}
)

// Rules is the externally configurable classification table.
type Rules struct {
	// Allow lists human-readable field names.
	Allow []string
	// Deny lists structural or reference field names; it wins over Allow.
	Deny []string
	// TemplatePattern matches the shape of a message identifier.
	TemplatePattern string
	// MinTemplateTokens is the number of hyphen-joined tokens from which a
	// matching value is treated as templated rather than ambiguous.
	MinTemplateTokens int
	// TemplatePrefixes mark a matching value as templated regardless of its
	// token count.
	TemplatePrefixes []string
	// ProseValues are exact values confirmed as prose by the operator.
	ProseValues []string
}

// DefaultRules returns the built-in rule table.
func DefaultRules() Rules {
	return Rules{
		Allow:             append([]string(nil), DefaultAllow...),
		Deny:              append([]string(nil), DefaultDeny...),
		TemplatePattern:   DefaultTemplatePattern,
		MinTemplateTokens: DefaultMinTokens,
		TemplatePrefixes:  append([]string(nil), DefaultTemplatePrefixes...),
	}
}

// Validate reports configuration errors.
func (r Rules) Validate() error {
	if r.TemplatePattern != "" {
		if _, err := regexp.Compile(r.TemplatePattern); err != nil {
			return fmt.Errorf("invalid template pattern %q: %w", r.TemplatePattern, err)
		}
	}
	if r.MinTemplateTokens < 0 {
		return fmt.Errorf("template min_tokens must not be negative (got %d)", r.MinTemplateTokens)
	}
	for _, f := range r.Allow {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("empty field name in allow list")
		}
	}
	return nil
}

// Classifier applies compiled Rules. It holds no mutable state and is safe
// for concurrent use.
type Classifier struct {
	allow    map[string]bool
	deny     map[string]bool
	pattern  *regexp.Regexp
	minTok   int
	prefixes []string
	prose    map[string]bool
}

// New compiles r.
func New(r Rules) (*Classifier, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	c := &Classifier{
		allow:    toSet(r.Allow),
		deny:     toSet(r.Deny),
		minTok:   r.MinTemplateTokens,
		prefixes: append([]string(nil), r.TemplatePrefixes...),
		prose:    toSet(r.ProseValues),
	}
	if r.TemplatePattern != "" {
		c.pattern = regexp.MustCompile(r.TemplatePattern)
	}
	return c, nil
}

// MustNew is New for rule tables known to be valid.
func MustNew(r Rules) *Classifier {
	c, err := New(r)
	if err != nil {
		panic(err)
	}
	return c
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[s] = true
	}
	return m
}

// Input is one field to classify.
type Input struct {
	// Field is the mapping key.
	Field string
	// Value is the field's value node.
	Value *yaml.Node
	// Siblings is the mapping holding the field.
	Siblings *yaml.Node
	// Path is the field's structural path, for diagnostics.
	Path string
}

// Allowed reports whether field is a human-readable field name that is not
// denylisted.
func (c *Classifier) Allowed(field string) bool {
	return c.allow[field] && !c.deny[field]
}

// Classify applies the rules in order; the first match wins.
func (c *Classifier) Classify(in Input) Decision {
	if c.deny[in.Field] {
		return StructuralExcluded
	}
	if !yamlfile.IsText(in.Value) || strings.TrimSpace(in.Value.Value) == "" {
		return StructuralExcluded
	}
	if !c.allow[in.Field] {
		return StructuralExcluded
	}
	return c.ClassifyValue(in.Value.Value)
}

// ClassifyValue applies the value-shape rules to an allowlisted text value.
func (c *Classifier) ClassifyValue(value string) Decision {
	if c.prose[value] {
		return Translatable
	}
	if c.pattern == nil || !c.pattern.MatchString(value) {
		return Translatable
	}
	if strings.Count(value, "-")+1 >= c.minTok {
		return TemplatedExcluded
	}
	for _, p := range c.prefixes {
		if strings.HasPrefix(value, p) {
			return TemplatedExcluded
		}
	}
	return AmbiguousFlagged
}
