// Package extract walks a prototype tree and collects translatable strings.
//
// Every document is processed independently (parse, walk, classify, derive
// keys), so documents are extracted in parallel. The per-document results
// are then reduced in traversal order on a single goroutine, which is where
// cross-document key collisions are detected and units are grouped.
package extract

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	ignore "github.com/crackcomm/go-gitignore"

	"github.com/minios-linux/protoloc/classify"
	"github.com/minios-linux/protoloc/keys"
)

// RootGroup is the group name for documents directly in the root, and the
// only group in single mode.
const RootGroup = "root"

// DefaultDiscriminants are the sibling fields used to identify a mapping.
var DefaultDiscriminants = []string{"id", "type"}

// skipDirs contains directory names never descended into, in addition to
// hidden directories.
var skipDirs = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
}

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// Unit is one extracted translatable string.
type Unit struct {
	Key      string `json:"key"`
	Original string `json:"original"`
	Context  string `json:"context"`

	// Group is the logical bucket the unit is written to.
	Group string `json:"-"`
	// Document is the slash path of the source document.
	Document string `json:"-"`
	// Field is the logical path of the field.
	Field string `json:"-"`
	// Positional is set for keys derived from sequence indexes.
	Positional bool `json:"-"`
}

// Group is an ordered bucket of units.
type Group struct {
	Name  string
	Units []Unit
}

// Flag is a value surfaced for operator review.
type Flag struct {
	Document string
	Field    string
	Value    string
	Decision classify.Decision
}

func (f Flag) String() string {
	return fmt.Sprintf("%s: %s = %q (%s)", f.Document, f.Field, f.Value, f.Decision)
}

// SkippedDocument is a document that could not be processed.
type SkippedDocument struct {
	Document string
	Err      error
}

// Options configures extraction. All fields are read-only during a run.
type Options struct {
	// Root is the prototype directory.
	Root string
	// Filter selects documents; nil selects *.yml and *.yaml.
	Filter *Filter
	// Classifier decides translatability; nil uses the default rules.
	Classifier *classify.Classifier
	// Keys derives keys.
	Keys keys.Generator
	// Discriminants are tried in order on every mapping; nil uses
	// DefaultDiscriminants.
	Discriminants []string
	// Grouping buckets units; empty means GroupTop.
	Grouping Grouping
	// Workers bounds parallel documents; <= 0 means GOMAXPROCS.
	Workers int
	// Cache enables incremental extraction when non-nil.
	Cache Cache
	// OnProgress is called after each document completes. It may be
	// called from several goroutines.
	OnProgress func(done, total int)
	// OnWarning is called from the reduction for every skipped document
	// and key collision.
	OnWarning func(error)
}

func (o Options) classifier() *classify.Classifier {
	if o.Classifier != nil {
		return o.Classifier
	}
	return classify.MustNew(classify.DefaultRules())
}

func (o Options) discriminants() []string {
	if o.Discriminants != nil {
		return o.Discriminants
	}
	return DefaultDiscriminants
}

// ---------------------------------------------------------------------------
// Grouping
// ---------------------------------------------------------------------------

// Grouping names a rule mapping a document path to a group.
type Grouping string

const (
	// GroupTop groups by the first directory below the root.
	GroupTop Grouping = "top"
	// GroupFolder groups by the full containing folder.
	GroupFolder Grouping = "folder"
	// GroupFile makes one group per document.
	GroupFile Grouping = "file"
	// GroupSingle puts every unit in one group.
	GroupSingle Grouping = "single"
)

// ParseGrouping validates a grouping name. An empty name selects GroupTop.
func ParseGrouping(s string) (Grouping, error) {
	switch g := Grouping(s); g {
	case "":
		return GroupTop, nil
	case GroupTop, GroupFolder, GroupFile, GroupSingle:
		return g, nil
	}
	return "", fmt.Errorf("unknown grouping %q (want top, folder, file or single)", s)
}

// Group returns the group of the document at slash path rel.
func (g Grouping) Group(rel string) string {
	switch g {
	case GroupFolder:
		if dir := path.Dir(rel); dir != "." {
			return dir
		}
		return RootGroup
	case GroupFile:
		return strings.TrimSuffix(rel, path.Ext(rel))
	case GroupSingle:
		return RootGroup
	}
	if i := strings.IndexByte(rel, '/'); i > 0 {
		return rel[:i]
	}
	return RootGroup
}

// ---------------------------------------------------------------------------
// Document traversal
// ---------------------------------------------------------------------------

// DefaultInclude selects YAML documents.
var DefaultInclude = []string{"*.yml", "*.yaml"}

// Filter selects documents by gitignore-style patterns over slash paths
// relative to the root.
type Filter struct {
	include *ignore.GitIgnore
	exclude *ignore.GitIgnore
}

// NewFilter compiles include and exclude patterns. Empty include selects
// DefaultInclude.
func NewFilter(include, exclude []string) (*Filter, error) {
	if len(include) == 0 {
		include = DefaultInclude
	}
	inc, err := ignore.CompileIgnoreLines(include...)
	if err != nil {
		return nil, fmt.Errorf("compiling include patterns: %w", err)
	}
	f := &Filter{include: inc}
	if len(exclude) > 0 {
		if f.exclude, err = ignore.CompileIgnoreLines(exclude...); err != nil {
			return nil, fmt.Errorf("compiling exclude patterns: %w", err)
		}
	}
	return f, nil
}

// Match reports whether the document at slash path rel is selected.
func (f *Filter) Match(rel string) bool {
	if f == nil {
		ext := path.Ext(rel)
		return ext == ".yml" || ext == ".yaml"
	}
	if !f.include.MatchesPath(rel) {
		return false
	}
	return f.exclude == nil || !f.exclude.MatchesPath(rel)
}

// Documents lists the selected documents under root as slash paths relative
// to root, in lexicographic traversal order. Hidden directories are skipped.
func Documents(root string, filter *Filter) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("source directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %s is not a directory", root)
	}

	var docs []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && (strings.HasPrefix(d.Name(), ".") || skipDirs[d.Name()]) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if filter.Match(rel) {
			docs = append(docs, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}
	return docs, nil
}
