// Package report collects the outcome of a protoloc run into one summary
// that can be printed for people or written as JSON for tooling.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/minios-linux/protoloc/extract"
	"github.com/minios-linux/protoloc/merge"
	"github.com/minios-linux/protoloc/paratranz"
	"github.com/minios-linux/protoloc/unitfile"
	"github.com/minios-linux/protoloc/yamlfile"
)

// Issue is one finding surfaced to the operator.
type Issue struct {
	Kind     string `json:"kind"`
	Document string `json:"document,omitempty"`
	Key      string `json:"key,omitempty"`
	Message  string `json:"message"`
}

func (i Issue) String() string {
	var b strings.Builder
	b.WriteString(i.Kind)
	if i.Document != "" {
		b.WriteString(" " + i.Document)
	}
	if i.Key != "" {
		b.WriteString(" " + i.Key)
	}
	b.WriteString(": " + i.Message)
	return b.String()
}

// Summary is the report of one command. Counters that do not apply to
// the command stay zero.
type Summary struct {
	Command  string    `json:"command"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`

	// Extraction.
	Documents  int `json:"documents"`
	Skipped    int `json:"skipped_documents"`
	Units      int `json:"units"`
	Groups     int `json:"groups"`
	Collisions int `json:"collisions"`
	Templated  int `json:"templated"`
	Ambiguous  int `json:"ambiguous"`
	Reused     int `json:"reused"`

	// Merge.
	Applied        int      `json:"applied"`
	Unchanged      int      `json:"unchanged"`
	SkippedRecords int      `json:"skipped_records"`
	Orphaned       int      `json:"orphaned"`
	Drifted        int      `json:"position_drifted"`
	Stale          int      `json:"stale"`
	Invalid        int      `json:"invalid"`
	ParseFailed    int      `json:"parse_failed"`
	Written        []string `json:"written,omitempty"`

	// Remote.
	Uploaded       int `json:"uploaded"`
	UploadFailed   int `json:"upload_failed"`
	Downloaded     int `json:"downloaded"`
	DownloadFailed int `json:"download_failed"`

	Canceled bool    `json:"canceled"`
	Issues   []Issue `json:"issues"`
}

// New starts a summary for command.
func New(command string) *Summary {
	return &Summary{Command: command, Started: time.Now(), Issues: []Issue{}}
}

// Finish stamps the end time.
func (s *Summary) Finish() {
	s.Finished = time.Now()
}

// Partial reports whether anything failed on a per-document, per-record
// or per-group level, or the run was canceled.
func (s *Summary) Partial() bool {
	return s.Canceled ||
		s.Skipped+s.Collisions > 0 ||
		s.Orphaned+s.Drifted+s.Invalid+s.ParseFailed > 0 ||
		s.UploadFailed+s.DownloadFailed > 0
}

// AddExtract folds an extraction result into the summary.
func (s *Summary) AddExtract(r *extract.Result) {
	s.Documents += r.Processed
	s.Skipped += len(r.Skipped)
	s.Units += r.Units()
	s.Groups += len(r.Groups)
	s.Collisions += len(r.Collisions)
	s.Templated += r.Templated
	s.Ambiguous += len(r.Ambiguous)
	s.Reused += r.Reused
	s.Canceled = s.Canceled || r.Canceled

	for _, sk := range r.Skipped {
		kind := "unreadable"
		var fe *yamlfile.FormatError
		if errors.As(sk.Err, &fe) {
			kind = merge.ParseFailed.String()
		}
		s.Issues = append(s.Issues, Issue{Kind: kind, Document: sk.Document, Message: sk.Err.Error()})
	}
	for _, c := range r.Collisions {
		s.Issues = append(s.Issues, Issue{Kind: "collision", Key: c.Key, Message: c.Error()})
	}
	for _, f := range r.Ambiguous {
		s.Issues = append(s.Issues, Issue{
			Kind:     f.Decision.String(),
			Document: f.Document,
			Key:      f.Field,
			Message:  fmt.Sprintf("%q needs review", f.Value),
		})
	}
}

// AddMerge folds a merge report into the summary.
func (s *Summary) AddMerge(r *merge.Report) {
	s.Applied += r.Applied
	s.Unchanged += r.Unchanged
	s.SkippedRecords += r.Skipped
	s.Orphaned += r.Orphaned
	s.Drifted += r.Drifted
	s.Stale += r.Stale
	s.Invalid += r.Invalid
	s.ParseFailed += r.ParseFailed
	s.Collisions += r.Collided
	s.Written = append(s.Written, r.Written...)
	s.Canceled = s.Canceled || r.Canceled

	for _, i := range r.Issues {
		if i.Kind == merge.Untranslated {
			continue
		}
		key := i.Field
		if key == "" {
			key = i.Key
		}
		s.Issues = append(s.Issues, Issue{Kind: i.Kind.String(), Document: i.Document, Key: key, Message: i.Message})
	}
}

// AddUnreadable counts translation files and records that could not be
// decoded as invalid.
func (s *Summary) AddUnreadable(bad []*unitfile.RecordError) {
	s.Invalid += len(bad)
	for _, e := range bad {
		s.Issues = append(s.Issues, Issue{
			Kind:     merge.Invalid.String(),
			Document: e.Path,
			Key:      e.Key,
			Message:  e.Error(),
		})
	}
}

// AddUpload folds an upload report into the summary.
func (s *Summary) AddUpload(r *paratranz.SyncReport) {
	s.Uploaded += len(r.Done)
	s.UploadFailed += len(r.Failed)
	s.addSyncIssues("upload-failed", r)
}

// AddDownload folds a download report into the summary.
func (s *Summary) AddDownload(r *paratranz.SyncReport) {
	s.Downloaded += len(r.Done)
	s.DownloadFailed += len(r.Failed)
	s.addSyncIssues("download-failed", r)
}

func (s *Summary) addSyncIssues(kind string, r *paratranz.SyncReport) {
	for _, f := range r.Failed {
		s.Issues = append(s.Issues, Issue{Kind: kind, Document: f.Group, Message: f.Err.Error()})
	}
	s.Canceled = s.Canceled || r.Interrupted()
}

// WriteJSON writes the summary as indented JSON to path.
func (s *Summary) WriteJSON(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return yamlfile.WriteAtomic(path, append(data, '\n'))
}

// Print writes a human-readable table of the non-zero counters followed
// by at most maxIssues issues; maxIssues < 0 prints all of them.
func (s *Summary) Print(w io.Writer, maxIssues int) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	row := func(label string, n int) {
		if n != 0 {
			fmt.Fprintf(tw, "  %s\t%s\n", label, humanize.Comma(int64(n)))
		}
	}

	fmt.Fprintf(tw, "%s\n", s.Command)
	row("documents", s.Documents)
	row("skipped documents", s.Skipped)
	row("units", s.Units)
	row("groups", s.Groups)
	row("reused", s.Reused)
	row("collisions", s.Collisions)
	row("templated", s.Templated)
	row("ambiguous", s.Ambiguous)
	row("applied", s.Applied)
	row("unchanged", s.Unchanged)
	row("skipped records", s.SkippedRecords)
	row("orphaned", s.Orphaned)
	row("position drifted", s.Drifted)
	row("stale", s.Stale)
	row("invalid", s.Invalid)
	row("parse failed", s.ParseFailed)
	row("files written", len(s.Written))
	row("uploaded", s.Uploaded)
	row("upload failed", s.UploadFailed)
	row("downloaded", s.Downloaded)
	row("download failed", s.DownloadFailed)
	if !s.Finished.IsZero() {
		fmt.Fprintf(tw, "  took\t%s\n", s.Finished.Sub(s.Started).Round(time.Millisecond))
	}
	if s.Canceled {
		fmt.Fprintf(tw, "  canceled\tyes\n")
	}
	tw.Flush()

	shown := s.Issues
	if maxIssues >= 0 && len(shown) > maxIssues {
		shown = shown[:maxIssues]
	}
	for _, i := range shown {
		fmt.Fprintf(w, "  - %s\n", i)
	}
	if rest := len(s.Issues) - len(shown); rest > 0 {
		fmt.Fprintf(w, "  ... and %s more\n", humanize.Comma(int64(rest)))
	}
}
