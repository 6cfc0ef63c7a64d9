// Package keys derives stable translation keys from structural positions.
package keys

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Style selects the key encoding.
type Style string

const (
	// Hashed keys are fixed-width tokens scoped by document path.
	Hashed Style = "hashed"
	// Readable keys are the logical path itself ("ClothingBackpack.name").
	Readable Style = "readable"
)

// HashLen is the length of hashed keys in hex characters.
const HashLen = 20

// ParseStyle validates a style name. An empty name selects Hashed.
func ParseStyle(s string) (Style, error) {
	switch Style(s) {
	case "", Hashed:
		return Hashed, nil
	case Readable:
		return Readable, nil
	}
	return "", fmt.Errorf("unknown key style %q (want %s or %s)", s, Hashed, Readable)
}

// Position is the structural position of one field.
type Position struct {
	// Document is the slash-separated document path relative to the root.
	Document string
	// Path holds the logical steps: mapping keys, "[discriminant]" for
	// sequence items that carry one, and "[index]" for those that do not.
	// A leading discriminant names the prototype itself.
	Path []string
	// Positional is set when any step is an index.
	Positional bool
}

// Logical renders the logical path: steps joined with "." except for
// bracketed steps, which attach to the previous one.
func (p Position) Logical() string {
	var b strings.Builder
	for i, s := range p.Path {
		if i > 0 && !strings.HasPrefix(s, "[") {
			b.WriteByte('.')
		}
		b.WriteString(s)
	}
	return b.String()
}

// Key is a derived translation key.
type Key struct {
	ID         string
	Logical    string
	Positional bool
}

// Generator derives keys. The zero value uses Hashed.
type Generator struct {
	Style Style
}

// Derive returns the key for p. Identical positions always yield identical
// keys.
func (g Generator) Derive(p Position) Key {
	logical := p.Logical()
	k := Key{Logical: logical, Positional: p.Positional}

	switch g.Style {
	case Readable:
		if p.Positional {
			k.ID = p.Document + ":" + logical
		} else {
			k.ID = logical
		}
	default:
		sum := blake2b.Sum256([]byte(p.Document + "\x00" + logical))
		k.ID = hex.EncodeToString(sum[:])[:HashLen]
	}
	return k
}

// ---------------------------------------------------------------------------
// Collision detection
// ---------------------------------------------------------------------------

// CollisionError reports a key emitted twice in one run.
type CollisionError struct {
	Key    string
	First  string
	Second string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("key collision on %q: %s (kept) vs %s (dropped)",
		e.Key, oneLine(e.First), oneLine(e.Second))
}

func oneLine(s string) string {
	return strings.ReplaceAll(s, "\n", "; ")
}

// Set tracks the keys emitted so far and their contexts. It is not safe for
// concurrent use; it belongs to the single-threaded reduction.
type Set struct {
	seen map[string]string
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{seen: make(map[string]string)}
}

// Add registers key with its context. If key was already registered the
// first registration is kept and a *CollisionError is returned.
func (s *Set) Add(key, context string) error {
	if first, ok := s.seen[key]; ok {
		return &CollisionError{Key: key, First: first, Second: context}
	}
	s.seen[key] = context
	return nil
}

// Has reports whether key was registered.
func (s *Set) Has(key string) bool {
	_, ok := s.seen[key]
	return ok
}

// Len returns the number of registered keys.
func (s *Set) Len() int { return len(s.seen) }
