// Package yamlfile implements format-preserving reading and editing of
// prototype YAML documents.
//
// Prototype files are usually a top-level sequence of mappings:
//
//	- type: entity
//	  parent: ClothingBackpackBase
//	  id: ClothingBackpack
//	  name: backpack
//	  description: You wear this on your back and put items into it.
//
// Documents are parsed with yaml.v3 in node mode, but the original bytes are
// kept alongside the node tree. Serialising an unedited File returns those
// bytes unchanged; edited scalars are spliced into the original text so that
// comments, blank lines, key order, custom tags and indentation survive a
// merge untouched.
package yamlfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// FormatError reports a document that could not be parsed.
type FormatError struct {
	// Path is the document path (may be empty for in-memory data).
	Path string
	Err  error
}

func (e *FormatError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("malformed YAML: %v", e.Err)
	}
	return fmt.Sprintf("malformed YAML in %s: %v", e.Path, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// ErrNotScalar is returned by Set for nodes that are not scalars.
var ErrNotScalar = errors.New("only scalar values can be edited")

// ---------------------------------------------------------------------------
// File model
// ---------------------------------------------------------------------------

// File is a parsed YAML document stream together with its source bytes.
type File struct {
	// src is the original file content; it is never modified.
	src []byte
	// docs holds one DocumentNode per YAML document in the stream.
	docs []*yaml.Node
	// lines maps line number (0-based) to the byte offset of its first byte.
	lines []int
	// crlf is set when the file uses Windows line endings.
	crlf bool
	// edits holds pending scalar replacements keyed by node.
	edits map[*yaml.Node]*edit
}

// edit is a pending replacement of one scalar's byte span.
type edit struct {
	sp   span
	text string
	// original is the scalar value before the first edit.
	original string
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

// ParseFile reads and parses a YAML document from disk.
// The file handle is closed before ParseFile returns, on every path.
func ParseFile(path string) (*File, error) {
	var data []byte
	err := retryIO(func() error {
		fh, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		defer fh.Close()

		data, err = io.ReadAll(fh)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	f, err := Parse(data)
	if err != nil {
		var fe *FormatError
		if errors.As(err, &fe) {
			fe.Path = path
		}
		return nil, err
	}
	return f, nil
}

// Parse parses YAML data into a File. Every document of a multi-document
// stream is kept. Syntax errors are returned as *FormatError.
func Parse(data []byte) (*File, error) {
	f := &File{
		src:   data,
		edits: make(map[*yaml.Node]*edit),
	}
	f.indexLines()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &FormatError{Err: err}
		}
		if doc.Kind == 0 {
			continue
		}
		f.docs = append(f.docs, &doc)
	}

	return f, nil
}

// indexLines records the byte offset of every line start.
func (f *File) indexLines() {
	start := 0
	if bytes.HasPrefix(f.src, []byte("\xef\xbb\xbf")) {
		// yaml.v3 does not count the BOM in column positions.
		start = 3
	}
	f.lines = append(f.lines[:0], start)
	for i, b := range f.src {
		if b == '\n' {
			if i > 0 && f.src[i-1] == '\r' {
				f.crlf = true
			}
			f.lines = append(f.lines, i+1)
		}
	}
}

// ---------------------------------------------------------------------------
// Querying
// ---------------------------------------------------------------------------

// Documents returns the root content node of each YAML document.
func (f *File) Documents() []*yaml.Node {
	roots := make([]*yaml.Node, 0, len(f.docs))
	for _, d := range f.docs {
		if len(d.Content) > 0 {
			roots = append(roots, d.Content[0])
		}
	}
	return roots
}

// Edited reports whether any scalar has a pending edit.
func (f *File) Edited() bool {
	return len(f.edits) > 0
}

// Source returns the original bytes the File was parsed from.
func (f *File) Source() []byte {
	return f.src
}

// IsText reports whether n is a string scalar. Plain scalars that resolve to
// booleans, numbers or null are not text. Scalars carrying a custom local
// tag (e.g. !type:Foo) are treated as text.
func IsText(n *yaml.Node) bool {
	if n == nil || n.Kind != yaml.ScalarNode {
		return false
	}
	switch n.ShortTag() {
	case "!!str":
		return true
	case "!!bool", "!!int", "!!float", "!!null", "!!binary", "!!timestamp", "!!merge":
		return false
	}
	// Unknown local tags carry their literal text.
	return len(n.Tag) > 0 && n.Tag[0] == '!' && !isCoreTag(n.Tag)
}

func isCoreTag(tag string) bool {
	return len(tag) > 2 && tag[:2] == "!!"
}

// ScalarValue returns the string value stored under key in mapping m.
func ScalarValue(m *yaml.Node, key string) (string, bool) {
	if m == nil || m.Kind != yaml.MappingNode {
		return "", false
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			v := m.Content[i+1]
			if v.Kind != yaml.ScalarNode {
				return "", false
			}
			return v.Value, true
		}
	}
	return "", false
}

// ---------------------------------------------------------------------------
// Editing
// ---------------------------------------------------------------------------

// Set replaces the value of scalar node n. Only the scalar's byte span in the
// original source is rewritten on Marshal. It returns false when the node
// already holds value.
func (f *File) Set(n *yaml.Node, value string) (bool, error) {
	if n == nil || n.Kind != yaml.ScalarNode {
		return false, ErrNotScalar
	}
	if n.Value == value {
		return false, nil
	}

	e, ok := f.edits[n]
	if !ok {
		sp, err := f.locate(n)
		if err != nil {
			return false, err
		}
		e = &edit{sp: sp, original: n.Value}
	}

	if value == e.original {
		// Back to the source text: drop the edit so the bytes round-trip.
		delete(f.edits, n)
		n.Value = value
		return true, nil
	}

	e.text = f.render(n, e.sp, value)
	f.edits[n] = e
	n.Value = value
	return true, nil
}

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

// Marshal returns the document bytes. Without edits this is exactly the
// source that was parsed.
func (f *File) Marshal() ([]byte, error) {
	if len(f.edits) == 0 {
		return f.src, nil
	}

	edits := make([]*edit, 0, len(f.edits))
	for _, e := range f.edits {
		edits = append(edits, e)
	}
	sort.Slice(edits, func(i, j int) bool { return edits[i].sp.start < edits[j].sp.start })

	var buf bytes.Buffer
	buf.Grow(len(f.src) + 64*len(edits))
	pos := 0
	for _, e := range edits {
		if e.sp.start < pos {
			return nil, fmt.Errorf("overlapping scalar edits at offset %d", e.sp.start)
		}
		buf.Write(f.src[pos:e.sp.start])
		buf.WriteString(e.text)
		pos = e.sp.end
	}
	buf.Write(f.src[pos:])

	out := buf.Bytes()
	if err := f.verify(out); err != nil {
		return nil, err
	}
	return out, nil
}

// verify re-parses spliced output and checks that it yields the same node
// tree, edited values included, as f.
func (f *File) verify(out []byte) error {
	g, err := Parse(out)
	if err != nil {
		return fmt.Errorf("edited document does not re-parse: %w", err)
	}
	if len(g.docs) != len(f.docs) {
		return fmt.Errorf("edited stream holds %d documents, want %d", len(g.docs), len(f.docs))
	}
	for i := range f.docs {
		if err := sameTree(f.docs[i], g.docs[i]); err != nil {
			return err
		}
	}
	return nil
}

func sameTree(want, got *yaml.Node) error {
	if want.Kind != got.Kind || len(want.Content) != len(got.Content) {
		return fmt.Errorf("edited document changed shape at line %d", got.Line)
	}
	if want.Kind == yaml.ScalarNode && want.Value != got.Value {
		return fmt.Errorf("edited value at line %d re-parses as %q, want %q", got.Line, got.Value, want.Value)
	}
	for i := range want.Content {
		if err := sameTree(want.Content[i], got.Content[i]); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile serialises the file and atomically replaces path with it.
// The temporary file is always closed and removed on failure.
func (f *File) WriteFile(path string) (err error) {
	data, err := f.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling YAML: %w", err)
	}
	return WriteAtomic(path, data)
}

// WriteAtomic writes data to a temporary file next to path, syncs it, and
// renames it over path. Transient failures (a file briefly locked by an
// editor or scanner) are retried a few times.
func WriteAtomic(path string, data []byte) error {
	return retryIO(func() error { return writeAtomic(path, data) })
}

func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}

	mode := os.FileMode(0644)
	if info, statErr := os.Stat(path); statErr == nil {
		mode = info.Mode().Perm()
	}
	if err = os.Chmod(tmp.Name(), mode); err != nil {
		return fmt.Errorf("setting mode on %s: %w", path, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
