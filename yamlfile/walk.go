package yamlfile

import (
	"strconv"

	"gopkg.in/yaml.v3"
)

// Segment is one structural step from a document root: either a mapping
// key or a sequence index.
type Segment struct {
	// Key is the mapping key; empty for sequence steps.
	Key string
	// Index is the sequence position, or -1 for mapping steps.
	Index int
	// Discriminant is the discriminant value of the sequence item, if the
	// item is a mapping that carries one.
	Discriminant string
}

// IsIndex reports whether s is a sequence step.
func (s Segment) IsIndex() bool { return s.Index >= 0 }

func (s Segment) String() string {
	if !s.IsIndex() {
		return s.Key
	}
	if s.Discriminant != "" {
		return "[" + s.Discriminant + "]"
	}
	return "[" + strconv.Itoa(s.Index) + "]"
}

// Field is one mapping entry visited by Walk.
type Field struct {
	// Name is the mapping key.
	Name string
	// Key is the key node, Node the value node.
	Key  *yaml.Node
	Node *yaml.Node
	// Owner is the mapping containing the entry.
	Owner *yaml.Node
	// Path is the structural path to the entry; the last segment is Name.
	Path []Segment
	// Discriminant is the nearest enclosing discriminant value and
	// DiscriminantField the field it was read from.
	Discriminant      string
	DiscriminantField string
	// Root is the top-level mapping the entry belongs to (a prototype in a
	// prototype list, or the document mapping itself).
	Root *yaml.Node
	// Document is the index of the document within the stream.
	Document int
}

// Discriminant returns the value of the first field in fields that mapping m
// holds as a non-empty text scalar.
func Discriminant(m *yaml.Node, fields []string) (value, field string) {
	if m == nil || m.Kind != yaml.MappingNode {
		return "", ""
	}
	for _, name := range fields {
		for i := 0; i+1 < len(m.Content); i += 2 {
			if m.Content[i].Value != name {
				continue
			}
			v := m.Content[i+1]
			if IsText(v) && v.Value != "" {
				return v.Value, name
			}
		}
	}
	return "", ""
}

// Walk visits every mapping entry of every document, depth-first in document
// order. Sequence items that are mappings are descended into; scalars inside
// sequences have no field name and are not visited. Aliases are not
// followed. A non-nil error from fn stops the walk and is returned.
func (f *File) Walk(discriminants []string, fn func(*Field) error) error {
	for i, root := range f.Documents() {
		w := walker{discriminants: discriminants, fn: fn, document: i}
		var err error
		switch root.Kind {
		case yaml.MappingNode:
			err = w.mapping(root, nil, root, "", "")
		case yaml.SequenceNode:
			err = w.sequence(root, nil, nil, "", "")
		}
		if err != nil {
			return err
		}
	}
	return nil
}

type walker struct {
	discriminants []string
	fn            func(*Field) error
	document      int
}

func (w *walker) mapping(m *yaml.Node, path []Segment, root *yaml.Node, disc, discField string) error {
	if d, df := Discriminant(m, w.discriminants); d != "" {
		disc, discField = d, df
	}

	for i := 0; i+1 < len(m.Content); i += 2 {
		k, v := m.Content[i], m.Content[i+1]
		p := append(path[:len(path):len(path)], Segment{Key: k.Value, Index: -1})

		err := w.fn(&Field{
			Name:              k.Value,
			Key:               k,
			Node:              v,
			Owner:             m,
			Path:              p,
			Discriminant:      disc,
			DiscriminantField: discField,
			Root:              root,
			Document:          w.document,
		})
		if err != nil {
			return err
		}

		switch v.Kind {
		case yaml.MappingNode:
			err = w.mapping(v, p, root, disc, discField)
		case yaml.SequenceNode:
			err = w.sequence(v, p, root, disc, discField)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// sequence walks the mapping items of s. A nil root marks the top-level
// sequence, where each item is its own root.
func (w *walker) sequence(s *yaml.Node, path []Segment, root *yaml.Node, disc, discField string) error {
	for i, item := range s.Content {
		seg := Segment{Index: i}
		if item.Kind == yaml.MappingNode {
			seg.Discriminant, _ = Discriminant(item, w.discriminants)
		}
		p := append(path[:len(path):len(path)], seg)

		var err error
		switch item.Kind {
		case yaml.MappingNode:
			if root == nil {
				err = w.mapping(item, p, item, "", "")
			} else {
				err = w.mapping(item, p, root, disc, discField)
			}
		case yaml.SequenceNode:
			if root == nil {
				err = w.sequence(item, p, item, disc, discField)
			} else {
				err = w.sequence(item, p, root, disc, discField)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}
