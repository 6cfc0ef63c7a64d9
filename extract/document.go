package extract

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/minios-linux/protoloc/classify"
	"github.com/minios-linux/protoloc/keys"
	"github.com/minios-linux/protoloc/yamlfile"
)

// DocumentResult is the extraction outcome of one document.
type DocumentResult struct {
	Document string
	// Units are in document traversal order, before collision checks.
	Units     []Unit
	Ambiguous []Flag
	Templated int
	// Reused is set when the units came from the incremental cache.
	Reused bool

	data []byte
}

// contextPrefix starts every unit context; DocumentOf relies on it.
const contextPrefix = "File: "

// BuildContext renders the provenance shown to translators.
func BuildContext(document, id, parent, field string) string {
	var b strings.Builder
	b.WriteString(contextPrefix + document)
	if id != "" {
		b.WriteString("\nID: " + id)
	}
	if parent != "" {
		b.WriteString("\nParent: " + parent)
	}
	b.WriteString("\nField: " + field)
	return b.String()
}

// DocumentOf returns the document path recorded in a unit context.
func DocumentOf(context string) string {
	line, _, _ := strings.Cut(context, "\n")
	doc, ok := strings.CutPrefix(line, contextPrefix)
	if !ok {
		return ""
	}
	return doc
}

// Position converts a walked field into its key position. The root
// discriminant leads the path; sequence items without a discriminant make
// the position positional. Documents after the first in a stream are
// prefixed with "#n:".
func Position(document string, f *yamlfile.Field, discriminants []string) keys.Position {
	p := keys.Position{Document: document}

	// A mapping document that identifies itself gets the same leading step
	// as a prototype in a list.
	if len(f.Path) > 0 && !f.Path[0].IsIndex() {
		if d, _ := yamlfile.Discriminant(f.Root, discriminants); d != "" {
			p.Path = append(p.Path, d)
		}
	}

	for i, s := range f.Path {
		switch {
		case !s.IsIndex():
			p.Path = append(p.Path, s.Key)
		case s.Discriminant != "" && i == 0:
			p.Path = append(p.Path, s.Discriminant)
		case s.Discriminant != "":
			p.Path = append(p.Path, "["+s.Discriminant+"]")
		default:
			p.Path = append(p.Path, "["+strconv.Itoa(s.Index)+"]")
			p.Positional = true
		}
	}

	if f.Document > 0 && len(p.Path) > 0 {
		p.Path[0] = "#" + strconv.Itoa(f.Document) + ":" + p.Path[0]
	}
	return p
}

// ExtractDocument extracts the units of one document. It depends only on its
// arguments and the read-only options.
func ExtractDocument(rel string, data []byte, opts Options) (DocumentResult, error) {
	res := DocumentResult{Document: rel, data: data}

	file, err := yamlfile.Parse(data)
	if err != nil {
		var fe *yamlfile.FormatError
		if errors.As(err, &fe) {
			fe.Path = rel
		}
		return res, err
	}

	c := opts.classifier()
	discs := opts.discriminants()
	group := opts.Grouping.Group(rel)

	err = file.Walk(discs, func(f *yamlfile.Field) error {
		// Only allowlisted fields can be extracted; skip the rest before
		// building positions.
		if !c.Allowed(f.Name) {
			return nil
		}
		decision := c.Classify(classify.Input{
			Field:    f.Name,
			Value:    f.Node,
			Siblings: f.Owner,
		})

		pos := Position(rel, f, discs)
		switch decision {
		case classify.Translatable:
		case classify.TemplatedExcluded:
			res.Templated++
			return nil
		case classify.AmbiguousFlagged:
			res.Ambiguous = append(res.Ambiguous, Flag{
				Document: rel,
				Field:    pos.Logical(),
				Value:    f.Node.Value,
				Decision: decision,
			})
			return nil
		default:
			return nil
		}

		key := opts.Keys.Derive(pos)
		id, _ := yamlfile.ScalarValue(f.Root, "id")
		parent, _ := yamlfile.ScalarValue(f.Root, "parent")
		res.Units = append(res.Units, Unit{
			Key:        key.ID,
			Original:   f.Node.Value,
			Context:    BuildContext(rel, id, parent, key.Logical),
			Group:      group,
			Document:   rel,
			Field:      key.Logical,
			Positional: key.Positional,
		})
		return nil
	})
	return res, err
}

// ---------------------------------------------------------------------------
// Lazy sequence
// ---------------------------------------------------------------------------

// document reads and extracts one document, consulting the cache first.
func (o Options) document(rel string) (DocumentResult, error) {
	data, err := os.ReadFile(filepath.Join(o.Root, filepath.FromSlash(rel)))
	if err != nil {
		return DocumentResult{Document: rel}, fmt.Errorf("reading %s: %w", rel, err)
	}
	if o.Cache != nil {
		if units, ok := o.Cache.Lookup(rel, data); ok {
			for i := range units {
				units[i].Group = o.Grouping.Group(rel)
				units[i].Document = rel
			}
			return DocumentResult{Document: rel, Units: units, Reused: true, data: data}, nil
		}
	}
	return ExtractDocument(rel, data, o)
}

// Sequence returns a lazy sequence of per-document results in traversal
// order. Each iteration lists the tree again, so the sequence can be
// restarted by ranging over it again. Cancellation is checked between
// documents; a canceled context yields the context error and ends the
// sequence.
func Sequence(ctx context.Context, opts Options) iter.Seq2[DocumentResult, error] {
	return func(yield func(DocumentResult, error) bool) {
		docs, err := Documents(opts.Root, opts.Filter)
		if err != nil {
			yield(DocumentResult{}, err)
			return
		}
		for _, rel := range docs {
			if err := ctx.Err(); err != nil {
				yield(DocumentResult{Document: rel}, err)
				return
			}
			if !yield(opts.document(rel)) {
				return
			}
		}
	}
}
