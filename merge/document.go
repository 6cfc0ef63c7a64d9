package merge

import (
	"github.com/minios-linux/protoloc/classify"
	"github.com/minios-linux/protoloc/extract"
	"github.com/minios-linux/protoloc/keys"
	"github.com/minios-linux/protoloc/yamlfile"
)

// Options configures a merge run. All fields are read-only during a run
// and must match the settings used for extraction.
type Options struct {
	// Root is the prototype directory.
	Root string
	// Output mirrors rewritten documents under this directory instead of
	// rewriting them in place.
	Output string
	Filter *extract.Filter
	// Classifier nil uses the default rules.
	Classifier    *classify.Classifier
	Keys          keys.Generator
	Discriminants []string
	// Workers bounds parallel documents; <= 0 means GOMAXPROCS.
	Workers int
	// MinStage skips records below this platform stage.
	MinStage int
	// DryRun computes the report without writing anything.
	DryRun bool
	// OnProgress is called after each document completes. It may be
	// called from several goroutines.
	OnProgress func(done, total int)
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
	return extract.DefaultDiscriminants
}

// DocumentReport is the merge outcome of one document.
type DocumentReport struct {
	Document  string
	Applied   int
	Unchanged int
	// Resolved lists the record keys that resolved to a field.
	Resolved []string
	Issues   []Issue
	// Err is set when the document could not be parsed or written.
	Err error
}

// target is a field whose recomputed key has a record.
type target struct {
	field    *yamlfile.Field
	key      keys.Key
	decision classify.Decision
	rec      Record
}

// targets walks the allowlisted text fields of file and calls fn for every
// field whose key has a record. A key seen twice collided at extraction
// time; only its first field ever had a unit.
func targets(rel string, file *yamlfile.File, records map[string]Record, opts Options, fn func(target)) {
	c := opts.classifier()
	discs := opts.discriminants()
	seen := make(map[string]bool)

	_ = file.Walk(discs, func(f *yamlfile.Field) error {
		if !c.Allowed(f.Name) {
			return nil
		}
		decision := c.Classify(classify.Input{Field: f.Name, Value: f.Node, Siblings: f.Owner})
		if decision == classify.StructuralExcluded {
			return nil
		}
		key := opts.Keys.Derive(extract.Position(rel, f, discs))
		rec, ok := records[key.ID]
		if !ok || seen[key.ID] {
			return nil
		}
		seen[key.ID] = true
		fn(target{field: f, key: key, decision: decision, rec: rec})
		return nil
	})
}

// Resolve returns, in field order, the keys of records that resolve to a
// field of file without changing anything.
func Resolve(rel string, file *yamlfile.File, records map[string]Record, opts Options) []string {
	var resolved []string
	targets(rel, file, records, opts, func(t target) {
		resolved = append(resolved, t.key.ID)
	})
	return resolved
}

// MergeDocument applies records to file, which holds the document at slash
// path rel. It recomputes the key of every allowlisted text field of the
// current tree and overwrites only the scalars whose key has a record.
// Fields are never created and the tree is never restructured.
func MergeDocument(rel string, file *yamlfile.File, records map[string]Record, opts Options) DocumentReport {
	rep := DocumentReport{Document: rel}
	targets(rel, file, records, opts, func(t target) {
		key, rec := t.key, t.rec
		rep.Resolved = append(rep.Resolved, key.ID)

		live := t.field.Node.Value
		if live == rec.Translation {
			rep.Unchanged++
			return
		}

		stale := rec.Original != "" && !SameText(live, rec.Original)
		if key.Positional && (t.decision != classify.Translatable || stale) {
			rep.Issues = append(rep.Issues, Issue{
				Kind:     PositionDrifted,
				Key:      key.ID,
				Document: rel,
				Field:    key.Logical,
				Message:  "positional target no longer holds the extracted text",
			})
			return
		}

		if _, err := file.Set(t.field.Node, rec.Translation); err != nil {
			rep.Issues = append(rep.Issues, Issue{
				Kind:     Invalid,
				Key:      key.ID,
				Document: rel,
				Field:    key.Logical,
				Message:  err.Error(),
			})
			return
		}
		rep.Applied++
		if stale {
			rep.Issues = append(rep.Issues, Issue{
				Kind:     Stale,
				Key:      key.ID,
				Document: rel,
				Field:    key.Logical,
				Message:  "source text changed since extraction",
			})
		}
	})
	return rep
}
