package yamlfile

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// span is the byte range of a scalar's textual representation in the
// source, excluding any tag or anchor in front of it.
type span struct {
	start, end int
	// indent is the content indentation of block scalars.
	indent int
	// flow is set when the scalar sits inside a flow collection.
	flow bool
}

// offset converts a yaml.v3 (1-based line, 1-based character column)
// position into a byte offset.
func (f *File) offset(line, column int) (int, error) {
	if line < 1 || line > len(f.lines) {
		return 0, fmt.Errorf("line %d out of range", line)
	}
	pos := f.lines[line-1]
	for c := 1; c < column; c++ {
		if pos >= len(f.src) || f.src[pos] == '\n' {
			return 0, fmt.Errorf("column %d out of range on line %d", column, line)
		}
		_, w := utf8.DecodeRune(f.src[pos:])
		pos += w
	}
	return pos, nil
}

// lineOf returns the 0-based line index containing byte offset pos.
func (f *File) lineOf(pos int) int {
	lo, hi := 0, len(f.lines)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if f.lines[mid] <= pos {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// lineIndent returns the number of leading spaces of line idx.
func (f *File) lineIndent(idx int) int {
	n := 0
	for p := f.lines[idx]; p < len(f.src) && f.src[p] == ' '; p++ {
		n++
	}
	return n
}

// locate finds the byte span of scalar n in the source.
func (f *File) locate(n *yaml.Node) (span, error) {
	start, err := f.offset(n.Line, n.Column)
	if err != nil {
		return span{}, fmt.Errorf("locating scalar at %d:%d: %w", n.Line, n.Column, err)
	}

	p := f.skipProperties(start)
	if p < 0 {
		return span{}, fmt.Errorf("unsupported scalar layout at %d:%d", n.Line, n.Column)
	}

	sp := span{start: p, flow: f.inFlow(start)}
	var ok bool
	switch {
	case n.Style&yaml.DoubleQuotedStyle != 0:
		sp.end, ok = scanDoubleQuoted(f.src, p)
	case n.Style&yaml.SingleQuotedStyle != 0:
		sp.end, ok = scanSingleQuoted(f.src, p)
	case n.Style&(yaml.LiteralStyle|yaml.FoldedStyle) != 0:
		sp.end, sp.indent, ok = f.scanBlock(p)
	default:
		var l int
		l, ok = matchPlain(f.src[p:], n.Value)
		sp.end = p + l
	}
	if !ok {
		return span{}, fmt.Errorf("cannot find end of scalar at %d:%d", n.Line, n.Column)
	}
	return sp, nil
}

// skipProperties skips a tag and/or anchor in front of a scalar.
// It returns -1 if the value does not follow on the same line.
func (f *File) skipProperties(p int) int {
	for p < len(f.src) && (f.src[p] == '!' || f.src[p] == '&') {
		for p < len(f.src) && !isBlankOrBreak(f.src[p]) {
			p++
		}
		for p < len(f.src) && (f.src[p] == ' ' || f.src[p] == '\t') {
			p++
		}
		if p >= len(f.src) || f.src[p] == '\n' || f.src[p] == '\r' || f.src[p] == '#' {
			return -1
		}
	}
	return p
}

// inFlow reports whether pos sits inside a flow collection on its line.
// Prototype files only use single-line flow collections.
func (f *File) inFlow(pos int) bool {
	depth := 0
	quote := byte(0)
	for p := f.lines[f.lineOf(pos)]; p < pos; p++ {
		c := f.src[p]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '[' || c == '{':
			depth++
		case c == ']' || c == '}':
			depth--
		}
	}
	return depth > 0
}

func isBlankOrBreak(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// scanDoubleQuoted returns the offset just past the closing quote.
func scanDoubleQuoted(src []byte, p int) (int, bool) {
	if p >= len(src) || src[p] != '"' {
		return 0, false
	}
	for i := p + 1; i < len(src); i++ {
		switch src[i] {
		case '\\':
			i++
		case '"':
			return i + 1, true
		}
	}
	return 0, false
}

// scanSingleQuoted returns the offset just past the closing quote.
func scanSingleQuoted(src []byte, p int) (int, bool) {
	if p >= len(src) || src[p] != '\'' {
		return 0, false
	}
	for i := p + 1; i < len(src); i++ {
		if src[i] == '\'' {
			if i+1 < len(src) && src[i+1] == '\'' {
				i++
				continue
			}
			return i + 1, true
		}
	}
	return 0, false
}

// scanBlock returns the end of a literal or folded block scalar starting at
// its indicator, excluding the line break after the last content line, and
// the content indentation. An explicit indentation indicator is relative to
// the enclosing collection, so "key: |2" under a key at column 2 holds
// content at column 4 even when the first line is indented further.
func (f *File) scanBlock(p int) (end, indent int, ok bool) {
	if p >= len(f.src) || (f.src[p] != '|' && f.src[p] != '>') {
		return 0, 0, false
	}
	header := f.lineOf(p)
	end = lineEnd(f.src, p)
	parent := f.blockParent(header, p)
	indent = -1
	if inc := blockIndicator(f.src, p+1); inc > 0 {
		indent = parent + inc
	}

	for idx := header + 1; idx < len(f.lines); idx++ {
		ls := f.lines[idx]
		le := lineEnd(f.src, ls)
		if ls >= len(f.src) {
			break
		}
		content := strings.TrimRight(string(f.src[ls:le]), " \t")
		if content == "" {
			continue
		}
		ind := f.lineIndent(idx)
		if indent < 0 {
			if ind <= parent {
				break
			}
			indent = ind
		}
		if ind < indent {
			break
		}
		end = le
	}
	if indent < 0 {
		indent = parent + 2
	}
	return end, indent, true
}

// blockIndicator returns the explicit indentation digit of a block scalar
// header starting at p (just after '|' or '>'), or 0 when there is none.
func blockIndicator(src []byte, p int) int {
	for ; p < len(src) && !isBlankOrBreak(src[p]) && src[p] != '#'; p++ {
		if c := src[p]; c >= '1' && c <= '9' {
			return int(c - '0')
		}
	}
	return 0
}

// blockParent returns the indentation of the collection that owns the block
// scalar whose indicator is at p on line idx: the key column for a mapping
// value, the dash column for a sequence entry.
func (f *File) blockParent(idx, p int) int {
	pos := f.lines[idx]
	col, dash := 0, -1
	for pos < p {
		switch {
		case f.src[pos] == ' ':
			pos++
			col++
			continue
		case f.src[pos] == '-' && pos+1 < len(f.src) && isBlankOrBreak(f.src[pos+1]):
			dash = col
			pos++
			col++
			continue
		}
		break
	}
	if pos < p {
		if bytes.Contains(f.src[pos:p], []byte(": ")) || bytes.Contains(f.src[pos:p], []byte(":\t")) {
			return col
		}
	}
	if dash >= 0 {
		return dash
	}
	// The indicator sits alone on its line; the key is on the line above.
	for prev := idx - 1; prev >= 0; prev-- {
		ls := f.lines[prev]
		if strings.TrimSpace(string(f.src[ls:lineEnd(f.src, ls)])) != "" {
			return f.lineIndent(prev)
		}
	}
	return 0
}

// lineEnd returns the offset of the line break ending the line containing p
// (before any \r), or len(src).
func lineEnd(src []byte, p int) int {
	for p < len(src) && src[p] != '\n' {
		p++
	}
	if p > 0 && p <= len(src) && src[p-1] == '\r' {
		return p - 1
	}
	return p
}

// matchPlain matches a plain scalar's source text against its parsed value,
// applying YAML line folding, and returns the source length consumed.
func matchPlain(src []byte, value string) (int, bool) {
	i, j := 0, 0
	for j < len(value) {
		if i >= len(src) {
			return 0, false
		}
		c := src[i]
		if c == ' ' || c == '\t' || c == '\r' || c == '\n' {
			k := i
			for k < len(src) && (src[k] == ' ' || src[k] == '\t') {
				k++
			}
			if k < len(src) && (src[k] == '\r' || src[k] == '\n') {
				// Line folding: one break becomes a space, each extra
				// empty line becomes a newline.
				breaks := 0
				for k < len(src) && (src[k] == ' ' || src[k] == '\t' || src[k] == '\r' || src[k] == '\n') {
					if src[k] == '\n' {
						breaks++
					}
					k++
				}
				if breaks == 1 {
					if value[j] != ' ' {
						return 0, false
					}
					j++
				} else {
					for b := 1; b < breaks; b++ {
						if j >= len(value) || value[j] != '\n' {
							return 0, false
						}
						j++
					}
				}
				i = k
				continue
			}
		}
		if c != value[j] {
			return 0, false
		}
		i++
		j++
	}
	return i, true
}

// ---------------------------------------------------------------------------
// Rendering
// ---------------------------------------------------------------------------

// render produces the replacement text for scalar n at sp holding value,
// keeping the original quoting style where the value allows it.
func (f *File) render(n *yaml.Node, sp span, value string) string {
	if s, ok := f.renderStyled(n, sp, value); ok {
		return s
	}
	return doubleQuoted(value)
}

func (f *File) renderStyled(n *yaml.Node, sp span, value string) (string, bool) {
	switch {
	case n.Style&yaml.DoubleQuotedStyle != 0:
		return doubleQuoted(value), true
	case n.Style&yaml.SingleQuotedStyle != 0:
		return singleQuoted(value)
	case n.Style&(yaml.LiteralStyle|yaml.FoldedStyle) != 0:
		if sp.flow {
			return "", false
		}
		return f.literalBlock(value, sp.indent)
	default:
		return value, plainSafe(value)
	}
}

// doubleQuoted renders value as a single-line double-quoted YAML scalar.
func doubleQuoted(value string) string {
	var b strings.Builder
	b.Grow(len(value) + 2)
	b.WriteByte('"')
	for _, r := range value {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		case 0:
			b.WriteString(`\0`)
		case 0x85:
			b.WriteString(`\N`)
		case 0x2028:
			b.WriteString(`\L`)
		case 0x2029:
			b.WriteString(`\P`)
		case 0xFEFF:
			b.WriteString(`\uFEFF`)
		default:
			if r < 0x20 || r == 0x7f {
				fmt.Fprintf(&b, `\x%02X`, r)
				continue
			}
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// singleQuoted renders value as a single-quoted scalar when it fits on one
// line and contains only printable characters.
func singleQuoted(value string) (string, bool) {
	for _, r := range value {
		if r < 0x20 || r == 0x7f || r == 0x85 || r == 0x2028 || r == 0x2029 || r == 0xFEFF {
			return "", false
		}
	}
	return "'" + strings.ReplaceAll(value, "'", "''") + "'", true
}

// literalBlock renders value as a literal block scalar body (header included)
// indented by indent spaces.
func (f *File) literalBlock(value string, indent int) (string, bool) {
	if value == "" || value[0] == ' ' || value[0] == '\n' || strings.HasSuffix(value, "\n\n") {
		return "", false
	}
	for _, r := range value {
		if (r < 0x20 && r != '\n' && r != '\t') || r == 0x7f || r == 0xFEFF {
			return "", false
		}
	}

	nl := "\n"
	if f.crlf {
		nl = "\r\n"
	}
	header := "|-"
	body := value
	if strings.HasSuffix(value, "\n") {
		header = "|"
		body = strings.TrimSuffix(value, "\n")
	}

	pad := strings.Repeat(" ", indent)
	var b strings.Builder
	b.WriteString(header)
	for _, line := range strings.Split(body, "\n") {
		if strings.HasSuffix(line, " ") || strings.HasSuffix(line, "\t") {
			// Trailing blanks are fine in literal blocks but easy to lose
			// in editors; keep them escaped instead.
			return "", false
		}
		b.WriteString(nl)
		if line != "" {
			b.WriteString(pad)
			b.WriteString(line)
		}
	}
	return b.String(), true
}

// plainSafe reports whether value can be written as a plain scalar in both
// block and flow context and still read back as the same string.
func plainSafe(value string) bool {
	if value == "" || strings.TrimSpace(value) != value {
		return false
	}
	if strings.ContainsAny(value, "\n\r\t,[]{}") {
		return false
	}
	if strings.ContainsRune("-?:#&*!|>'\"%@`", rune(value[0])) {
		return false
	}
	if strings.Contains(value, ": ") || strings.Contains(value, " #") || strings.HasSuffix(value, ":") {
		return false
	}
	for _, r := range value {
		if r < 0x20 || r == 0x7f || r == 0x85 || r == 0x2028 || r == 0x2029 || r == 0xFEFF {
			return false
		}
	}

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(value), &doc); err != nil || len(doc.Content) != 1 {
		return false
	}
	n := doc.Content[0]
	return n.Kind == yaml.ScalarNode && n.ShortTag() == "!!str" && n.Value == value
}
