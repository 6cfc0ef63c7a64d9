package extract

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/minios-linux/protoloc/keys"
)

// Result is the outcome of a full extraction run.
type Result struct {
	// Groups are ordered by first appearance in traversal order.
	Groups []Group
	// Documents lists every selected document in traversal order.
	Documents []string
	// Processed counts the documents that completed, skipped ones included.
	Processed  int
	Skipped    []SkippedDocument
	Collisions []*keys.CollisionError
	Ambiguous  []Flag
	Templated  int
	Reused     int
	// Canceled is set when the run stopped early; Groups then hold the
	// units of every document completed before that.
	Canceled bool
}

// Units returns the number of emitted units.
func (r *Result) Units() int {
	n := 0
	for _, g := range r.Groups {
		n += len(g.Units)
	}
	return n
}

// Err aggregates per-document failures and collisions, or returns nil.
func (r *Result) Err() error {
	var merr *multierror.Error
	for _, s := range r.Skipped {
		merr = multierror.Append(merr, s.Err)
	}
	for _, c := range r.Collisions {
		merr = multierror.Append(merr, c)
	}
	return merr.ErrorOrNil()
}

type outcome struct {
	res  DocumentResult
	err  error
	done bool
}

// Extract extracts every selected document under opts.Root. Documents are
// processed in parallel; the reduction runs afterwards on the calling
// goroutine. Per-document failures never fail the run: malformed documents
// are recorded in Result.Skipped. The returned error is non-nil only when
// the tree cannot be listed.
func Extract(ctx context.Context, opts Options) (*Result, error) {
	docs, err := Documents(opts.Root, opts.Filter)
	if err != nil {
		return nil, err
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if opts.Classifier == nil {
		// Compile the default rules once for all workers.
		opts.Classifier = opts.classifier()
	}

	outcomes := make([]outcome, len(docs))
	var completed atomic.Int64

	var g errgroup.Group
	g.SetLimit(workers)
	for i, rel := range docs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// Cooperative checkpoint at the document boundary.
			if ctx.Err() != nil {
				return nil
			}
			res, err := opts.document(rel)
			outcomes[i] = outcome{res: res, err: err, done: true}
			if opts.OnProgress != nil {
				opts.OnProgress(int(completed.Add(1)), len(docs))
			}
			return nil
		})
	}
	_ = g.Wait()

	result := reduce(docs, outcomes, opts)
	result.Canceled = ctx.Err() != nil && result.Processed < len(docs)
	return result, nil
}

// reduce flattens per-document outcomes in traversal order, dropping the
// later unit of every key collision.
func reduce(docs []string, outcomes []outcome, opts Options) *Result {
	result := &Result{Documents: docs}
	seen := keys.NewSet()
	groupIndex := make(map[string]int)

	warn := func(err error) {
		if opts.OnWarning != nil {
			opts.OnWarning(err)
		}
	}

	for i, o := range outcomes {
		if !o.done {
			continue
		}
		result.Processed++
		if o.err != nil {
			result.Skipped = append(result.Skipped, SkippedDocument{Document: docs[i], Err: o.err})
			warn(o.err)
			continue
		}

		res := o.res
		result.Ambiguous = append(result.Ambiguous, res.Ambiguous...)
		result.Templated += res.Templated
		if res.Reused {
			result.Reused++
		}
		if opts.Cache != nil {
			opts.Cache.Store(res.Document, res.data, res.Units)
		}

		for _, u := range res.Units {
			if err := seen.Add(u.Key, u.Context); err != nil {
				var ce *keys.CollisionError
				if errors.As(err, &ce) {
					result.Collisions = append(result.Collisions, ce)
				}
				warn(err)
				continue
			}
			gi, ok := groupIndex[u.Group]
			if !ok {
				gi = len(result.Groups)
				groupIndex[u.Group] = gi
				result.Groups = append(result.Groups, Group{Name: u.Group})
			}
			result.Groups[gi].Units = append(result.Groups[gi].Units, u)
		}
	}
	return result
}

// Collect runs a Sequence to completion on the calling goroutine and reduces
// it like Extract. It is the sequential counterpart of Extract.
func Collect(ctx context.Context, opts Options) (*Result, error) {
	var (
		docs     []string
		outcomes []outcome
	)
	for res, err := range Sequence(ctx, opts) {
		if res.Document == "" && err != nil {
			return nil, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		docs = append(docs, res.Document)
		outcomes = append(outcomes, outcome{res: res, err: err, done: true})
	}
	result := reduce(docs, outcomes, opts)
	result.Canceled = ctx.Err() != nil
	return result, nil
}

// String summarises the run in one line.
func (r *Result) String() string {
	return fmt.Sprintf("%d documents, %d units in %d groups, %d skipped, %d collisions",
		r.Processed, r.Units(), len(r.Groups), len(r.Skipped), len(r.Collisions))
}
