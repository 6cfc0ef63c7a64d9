// Package merge writes translated strings back into prototype documents.
//
// Keys are never stored in the documents; they are recomputed from the
// current tree exactly as extraction derives them, and a record is applied
// only to the field its key resolves to. Records whose key no longer
// resolves are reported as orphaned, never guessed. Only scalar values are
// rewritten, so everything else in a document stays byte-for-byte intact.
package merge

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Record is one translation record returned by the platform.
type Record struct {
	Key         string `json:"key"`
	Original    string `json:"original,omitempty"`
	Translation string `json:"translation"`
	// Stage is the platform review status; negative means hidden.
	Stage   int    `json:"stage"`
	Context string `json:"context,omitempty"`
}

// Outcome classifies what happened to a record.
type Outcome int

const (
	Applied Outcome = iota
	// Unchanged means the field already held the translation.
	Unchanged
	Orphaned
	PositionDrifted
	// Untranslated covers empty, hidden, and below-threshold records.
	Untranslated
	// Stale means the record was applied but the source text changed
	// since extraction.
	Stale
	// Invalid means the record had no key.
	Invalid
	ParseFailed
	// Collision means the key also resolves in another document, which
	// received the translation instead.
	Collision
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Unchanged:
		return "unchanged"
	case Orphaned:
		return "orphaned"
	case PositionDrifted:
		return "position-drifted"
	case Untranslated:
		return "skipped"
	case Stale:
		return "stale"
	case Invalid:
		return "invalid"
	case ParseFailed:
		return "parse-failed"
	case Collision:
		return "collision"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Issue is one non-fatal finding of a merge run.
type Issue struct {
	Kind     Outcome `json:"kind"`
	Key      string  `json:"key,omitempty"`
	Document string  `json:"document,omitempty"`
	Field    string  `json:"field,omitempty"`
	Message  string  `json:"message"`
}

func (i Issue) String() string {
	var b strings.Builder
	b.WriteString(i.Kind.String())
	if i.Document != "" {
		b.WriteString(" " + i.Document)
	}
	if i.Field != "" {
		b.WriteString(" " + i.Field)
	} else if i.Key != "" {
		b.WriteString(" " + i.Key)
	}
	b.WriteString(": " + i.Message)
	return b.String()
}

// MarshalText lets outcomes appear by name in JSON reports.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Index keys the usable records. Records without a key are Invalid;
// records with an empty translation, a negative stage, or a stage below
// minStage are Untranslated. For duplicate keys the last record wins.
func Index(records []Record, minStage int) (map[string]Record, []Issue) {
	idx := make(map[string]Record, len(records))
	var issues []Issue
	for i, r := range records {
		switch {
		case r.Key == "":
			issues = append(issues, Issue{
				Kind:    Invalid,
				Message: fmt.Sprintf("record %d has no key", i),
			})
		case r.Translation == "":
			issues = append(issues, Issue{Kind: Untranslated, Key: r.Key, Message: "no translation"})
		case r.Stage < 0:
			issues = append(issues, Issue{Kind: Untranslated, Key: r.Key, Message: "hidden on the platform"})
		case r.Stage < minStage:
			issues = append(issues, Issue{
				Kind:    Untranslated,
				Key:     r.Key,
				Message: fmt.Sprintf("stage %d below %d", r.Stage, minStage),
			})
		default:
			idx[r.Key] = r
		}
	}
	return idx, issues
}

// normalize is the comparison form used for drift checks.
func normalize(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}

// SameText reports whether a and b are equal after NFC normalisation and
// trimming.
func SameText(a, b string) bool {
	return normalize(a) == normalize(b)
}
