package merge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/minios-linux/protoloc/extract"
	"github.com/minios-linux/protoloc/yamlfile"
)

// Report summarises a merge run.
type Report struct {
	Applied     int `json:"applied"`
	Unchanged   int `json:"unchanged"`
	Skipped     int `json:"skipped"`
	Orphaned    int `json:"orphaned"`
	Drifted     int `json:"position_drifted"`
	Stale       int `json:"stale"`
	Invalid     int `json:"invalid"`
	ParseFailed int `json:"parse_failed"`
	Collided    int `json:"collided"`
	// Written lists the rewritten documents in traversal order.
	Written  []string `json:"written"`
	Issues   []Issue  `json:"issues,omitempty"`
	Canceled bool     `json:"canceled,omitempty"`
}

// Partial reports whether any record or document was not merged cleanly.
func (r *Report) Partial() bool {
	return r.Orphaned+r.Drifted+r.Invalid+r.ParseFailed+r.Collided > 0 || r.Canceled
}

func (r *Report) add(i Issue) {
	switch i.Kind {
	case Untranslated:
		r.Skipped++
	case Orphaned:
		r.Orphaned++
	case PositionDrifted:
		r.Drifted++
	case Stale:
		r.Stale++
	case Invalid:
		r.Invalid++
	case ParseFailed:
		r.ParseFailed++
	case Collision:
		r.Collided++
	}
	r.Issues = append(r.Issues, i)
}

type docOutcome struct {
	rep     DocumentReport
	written bool
	done    bool
}

// Merge applies records to every selected document under opts.Root.
//
// It runs in two phases. First every document is parsed and the record
// keys resolving in it are collected, without changing anything. A key
// resolving in more than one document is then owned by the document its
// record context names, or else by the first such document in traversal
// order; the others get a Collision issue and keep their text. Second, the
// documents owning at least one key are merged and, when anything was
// applied, written. Both phases run in parallel. Parse failures are
// reported and the run continues. Records that resolve in no document are
// reported as orphaned. A run canceled during the first phase writes
// nothing. The returned error is non-nil only when the tree cannot be
// listed.
func Merge(ctx context.Context, opts Options, records []Record) (*Report, error) {
	docs, err := extract.Documents(opts.Root, opts.Filter)
	if err != nil {
		return nil, err
	}

	idx, issues := Index(records, opts.MinStage)
	report := &Report{}
	for _, i := range issues {
		report.add(i)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if opts.Classifier == nil {
		opts.Classifier = opts.classifier()
	}

	var completed atomic.Int64
	total := len(docs)
	tick := func() {
		if opts.OnProgress != nil {
			opts.OnProgress(int(completed.Add(1)), total)
		}
	}

	// Phase one: resolve.
	found := make([][]string, len(docs))
	failed := make([]error, len(docs))
	scanned := make([]bool, len(docs))
	all := make([]int, len(docs))
	for i := range all {
		all[i] = i
	}
	forEach(ctx, workers, all, func(i int) {
		found[i], failed[i] = resolveFile(docs[i], idx, opts)
		scanned[i] = true
		tick()
	})

	owners := make(map[string][]int)
	processed := 0
	for i := range docs {
		if !scanned[i] {
			continue
		}
		processed++
		if failed[i] != nil {
			report.add(failureIssue(docs[i], failed[i]))
			continue
		}
		for _, k := range found[i] {
			owners[k] = append(owners[k], i)
		}
	}
	if processed < len(docs) {
		// Unresolved documents might own keys claimed by earlier ones.
		report.Canceled = true
		return report, nil
	}

	owned := make([]map[string]Record, len(docs))
	for _, i := range all {
		for _, k := range found[i] {
			cands := owners[k]
			win := owner(docs, cands, idx[k])
			if win != i {
				report.add(Issue{
					Kind:     Collision,
					Key:      k,
					Document: docs[i],
					Message:  fmt.Sprintf("key also resolves in %s and is applied there only", docs[win]),
				})
				continue
			}
			if owned[i] == nil {
				owned[i] = make(map[string]Record)
			}
			owned[i][k] = idx[k]
		}
	}

	// Phase two: apply and write.
	var apply []int
	for _, i := range all {
		if owned[i] != nil {
			apply = append(apply, i)
		}
	}
	total += len(apply)
	outcomes := make([]docOutcome, len(docs))
	forEach(ctx, workers, apply, func(i int) {
		rep, written := mergeFile(docs[i], owned[i], opts)
		outcomes[i] = docOutcome{rep: rep, written: written, done: true}
		tick()
	})

	for _, i := range apply {
		o := outcomes[i]
		if !o.done {
			report.Canceled = true
			continue
		}
		if o.rep.Err != nil {
			report.add(failureIssue(o.rep.Document, o.rep.Err))
		}
		report.Applied += o.rep.Applied
		report.Unchanged += o.rep.Unchanged
		for _, is := range o.rep.Issues {
			report.add(is)
		}
		if o.written {
			report.Written = append(report.Written, o.rep.Document)
		}
	}

	reported := make(map[string]bool)
	for _, r := range records {
		if _, ok := idx[r.Key]; !ok || len(owners[r.Key]) > 0 || reported[r.Key] {
			continue
		}
		reported[r.Key] = true
		report.add(Issue{
			Kind:     Orphaned,
			Key:      r.Key,
			Document: extract.DocumentOf(r.Context),
			Message:  "key does not resolve to any field",
		})
	}
	return report, nil
}

// owner picks the document, out of the candidates a key resolves in, that
// receives its translation.
func owner(docs []string, cands []int, rec Record) int {
	if named := extract.DocumentOf(rec.Context); named != "" {
		for _, i := range cands {
			if docs[i] == named {
				return i
			}
		}
	}
	return cands[0]
}

// forEach calls fn for every index on at most workers goroutines. It stops
// starting work once ctx is done.
func forEach(ctx context.Context, workers int, indexes []int, fn func(i int)) {
	var g errgroup.Group
	g.SetLimit(workers)
	for _, i := range indexes {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() == nil {
				fn(i)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func failureIssue(rel string, err error) Issue {
	kind := Invalid
	var fe *yamlfile.FormatError
	if errors.As(err, &fe) {
		kind = ParseFailed
	}
	return Issue{Kind: kind, Document: rel, Message: err.Error()}
}

func parseDocument(rel string, opts Options) (*yamlfile.File, string, error) {
	src := filepath.Join(opts.Root, filepath.FromSlash(rel))
	file, err := yamlfile.ParseFile(src)
	if err != nil {
		var fe *yamlfile.FormatError
		if errors.As(err, &fe) {
			fe.Path = rel
		}
		return nil, src, err
	}
	return file, src, nil
}

// resolveFile parses one document and lists the record keys resolving in it.
func resolveFile(rel string, idx map[string]Record, opts Options) ([]string, error) {
	file, _, err := parseDocument(rel, opts)
	if err != nil {
		return nil, err
	}
	return Resolve(rel, file, idx, opts), nil
}

// mergeFile parses, merges and, when anything was applied, writes one
// document. It reports whether the document was written.
func mergeFile(rel string, records map[string]Record, opts Options) (DocumentReport, bool) {
	file, src, err := parseDocument(rel, opts)
	if err != nil {
		return DocumentReport{Document: rel, Err: err}, false
	}

	rep := MergeDocument(rel, file, records, opts)
	if rep.Applied == 0 || !file.Edited() || opts.DryRun {
		return rep, false
	}

	dst := src
	if opts.Output != "" {
		dst = filepath.Join(opts.Output, filepath.FromSlash(rel))
	}
	if err := file.WriteFile(dst); err != nil {
		rep.Err = fmt.Errorf("writing %s: %w", rel, err)
		return rep, false
	}
	return rep, true
}
