// Package unitfile reads and writes the JSON files exchanged with the
// translation platform: one ordered array of units per group on the way
// out, and translation records on the way back.
package unitfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/minios-linux/protoloc/extract"
	"github.com/minios-linux/protoloc/merge"
	"github.com/minios-linux/protoloc/yamlfile"
)

// Ext is the extension of unit and record files.
const Ext = ".json"

// GroupFileName returns the path of a group's file relative to the output
// directory. Groups containing "/" become nested folders.
func GroupFileName(group string) string {
	return filepath.FromSlash(group) + Ext
}

// GroupFromFile is the inverse of GroupFileName for a path relative to the
// output directory.
func GroupFromFile(rel string) string {
	return strings.TrimSuffix(filepath.ToSlash(rel), Ext)
}

// unit is the on-disk shape of an extracted unit.
type unit struct {
	Key      string `json:"key"`
	Original string `json:"original"`
	Context  string `json:"context"`
}

// marshal encodes v with two-space indentation and without HTML escaping,
// so "<", ">" and "&" in game text stay readable.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteGroups writes one JSON array per group under dir and returns the
// written paths. Files of groups that no longer exist are left alone.
func WriteGroups(dir string, groups []extract.Group) ([]string, error) {
	var written []string
	for _, g := range groups {
		units := make([]unit, len(g.Units))
		for i, u := range g.Units {
			units[i] = unit{Key: u.Key, Original: u.Original, Context: u.Context}
		}
		data, err := marshal(units)
		if err != nil {
			return written, fmt.Errorf("encoding group %s: %w", g.Name, err)
		}
		path := filepath.Join(dir, GroupFileName(g.Name))
		if err := yamlfile.WriteAtomic(path, data); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

// WriteRecords writes records as a JSON array to path.
func WriteRecords(path string, records []merge.Record) error {
	if records == nil {
		records = []merge.Record{}
	}
	data, err := marshal(records)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return yamlfile.WriteAtomic(path, data)
}

// jsonFiles lists *.json files under dir in traversal order, relative to
// dir. A missing dir yields no files.
func jsonFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir && os.IsNotExist(err) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if p != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(p) != Ext {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	return files, nil
}

// ReadUnits reads every group file under dir, as written by WriteGroups.
// Only key, original and context survive the round trip; Group is
// restored from the file name.
func ReadUnits(dir string) ([]extract.Unit, error) {
	files, err := jsonFiles(dir)
	if err != nil {
		return nil, err
	}
	var out []extract.Unit
	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", rel, err)
		}
		var units []unit
		if err := json.Unmarshal(data, &units); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", rel, err)
		}
		group := GroupFromFile(rel)
		for _, u := range units {
			out = append(out, extract.Unit{
				Key:      u.Key,
				Original: u.Original,
				Context:  u.Context,
				Group:    group,
				Document: extract.DocumentOf(u.Context),
			})
		}
	}
	return out, nil
}

// RecordError reports a translation file, or one record in it, that could
// not be decoded.
type RecordError struct {
	Path string
	// Index is the record's position in an array file, or -1.
	Index int
	// Key names the entry of a flat object file.
	Key string
	Err error
}

func (e *RecordError) Error() string {
	var where []string
	if e.Path != "" {
		where = append(where, e.Path)
	}
	switch {
	case e.Key != "":
		where = append(where, fmt.Sprintf("entry %q", e.Key))
	case e.Index >= 0:
		where = append(where, fmt.Sprintf("record %d", e.Index))
	}
	if len(where) == 0 {
		return e.Err.Error()
	}
	return strings.Join(where, " ") + ": " + e.Err.Error()
}

func (e *RecordError) Unwrap() error { return e.Err }

// ReadRecords reads a translation file. Two shapes are accepted: the
// platform export (an array of {key, original, translation, stage,
// context}) and a flat {key: translation} object. Records of the flat form
// get stage 1. Records that decode are returned even when others do not;
// the error then lists the bad ones.
func ReadRecords(path string) ([]merge.Record, error) {
	records, bad := readRecordFile(path)
	if len(bad) == 0 {
		return records, nil
	}
	var merr *multierror.Error
	for _, e := range bad {
		merr = multierror.Append(merr, e)
	}
	return records, merr
}

func readRecordFile(path string) ([]merge.Record, []*RecordError) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []*RecordError{{Path: path, Index: -1, Err: err}}
	}
	records, err := ParseRecords(data)
	return records, recordErrors(path, err)
}

// recordErrors flattens an error returned by ParseRecords and tags every
// entry with path.
func recordErrors(path string, err error) []*RecordError {
	if err == nil {
		return nil
	}
	errs := []error{err}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		errs = merr.Errors
	}
	out := make([]*RecordError, 0, len(errs))
	for _, e := range errs {
		var re *RecordError
		if !errors.As(e, &re) {
			re = &RecordError{Index: -1, Err: e}
		}
		re.Path = path
		out = append(out, re)
	}
	return out
}

// ParseRecords decodes either record shape from data. Each record is
// decoded on its own, so one malformed record only loses itself: the good
// ones are returned together with a *multierror.Error of *RecordError.
func ParseRecords(data []byte) ([]merge.Record, error) {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")))
	if len(trimmed) == 0 {
		return nil, nil
	}

	var merr *multierror.Error
	switch trimmed[0] {
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, &RecordError{Index: -1, Err: err}
		}
		records := make([]merge.Record, 0, len(raw))
		for i, r := range raw {
			var rec merge.Record
			if err := json.Unmarshal(r, &rec); err != nil {
				merr = multierror.Append(merr, &RecordError{Index: i, Err: err})
				continue
			}
			records = append(records, rec)
		}
		return records, merr.ErrorOrNil()
	case '{':
		var flat map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &flat); err != nil {
			return nil, &RecordError{Index: -1, Err: err}
		}
		keys := make([]string, 0, len(flat))
		for k := range flat {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		records := make([]merge.Record, 0, len(keys))
		for _, k := range keys {
			var translation string
			if err := json.Unmarshal(flat[k], &translation); err != nil {
				merr = multierror.Append(merr, &RecordError{Index: -1, Key: k, Err: err})
				continue
			}
			records = append(records, merge.Record{Key: k, Translation: translation, Stage: 1})
		}
		return records, merr.ErrorOrNil()
	}
	return nil, &RecordError{Index: -1, Err: errors.New("expected a JSON array or object")}
}

// ReadRecordDir reads every *.json file under dir, or the single file when
// path is a file, and concatenates the records in traversal order. Files
// and records that cannot be decoded are returned in bad and skipped; err
// is set only when the input itself cannot be found or listed.
func ReadRecordDir(path string) (records []merge.Record, bad []*RecordError, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("translation input %s: %w", path, err)
	}
	if !info.IsDir() {
		records, bad = readRecordFile(path)
		return records, bad, nil
	}

	files, err := jsonFiles(path)
	if err != nil {
		return nil, nil, err
	}
	for _, rel := range files {
		recs, errs := readRecordFile(filepath.Join(path, rel))
		records = append(records, recs...)
		bad = append(bad, errs...)
	}
	return records, bad, nil
}

// ListGroups returns the groups that have a file under dir, in traversal
// order.
func ListGroups(dir string) ([]string, error) {
	files, err := jsonFiles(dir)
	if err != nil {
		return nil, err
	}
	groups := make([]string, len(files))
	for i, f := range files {
		groups[i] = GroupFromFile(f)
	}
	return groups, nil
}
