package paratranz

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"

	"github.com/minios-linux/protoloc/merge"
	"github.com/minios-linux/protoloc/unitfile"
)

// GroupError is a failed upload or download of one group.
type GroupError struct {
	Group string
	Err   error
}

func (e *GroupError) Error() string { return fmt.Sprintf("%s: %v", e.Group, e.Err) }

func (e *GroupError) Unwrap() error { return e.Err }

// SyncReport summarises an upload or download.
type SyncReport struct {
	// Done lists the groups transferred successfully.
	Done []string
	// Created lists uploaded groups that did not exist remotely.
	Created []string
	Failed  []*GroupError
	// Aborted is set when an authentication failure or cancellation stopped
	// the remaining transfers.
	Aborted bool
}

// Err joins the per-group failures, or returns nil.
func (r *SyncReport) Err() error {
	var result *multierror.Error
	for _, f := range r.Failed {
		result = multierror.Append(result, f)
	}
	return result.ErrorOrNil()
}

// Interrupted reports whether the transfer stopped for a reason other than
// an authentication failure.
func (r *SyncReport) Interrupted() bool {
	return r.Aborted && !lo.ContainsBy(r.Failed, func(f *GroupError) bool { return IsAuth(f.Err) })
}

// Syncer moves group files between a local directory and the platform.
type Syncer struct {
	Client *Client
	// OnProgress is called after each group.
	OnProgress func(done, total int)
	// OnWarning receives non-fatal problems.
	OnWarning func(error)
}

func (s *Syncer) progress(done, total int) {
	if s.OnProgress != nil {
		s.OnProgress(done, total)
	}
}

func (s *Syncer) warn(err error) {
	if s.OnWarning != nil {
		s.OnWarning(err)
	}
}

// fail records err for group and reports whether the transfer must stop.
func (r *SyncReport) fail(ctx context.Context, group string, err error) bool {
	r.Failed = append(r.Failed, &GroupError{Group: group, Err: err})
	if IsAuth(err) || ctx.Err() != nil {
		r.Aborted = true
		return true
	}
	return false
}

// Upload uploads every group file under dir. A failing group is recorded
// and skipped; an authentication failure stops the run.
func (s *Syncer) Upload(ctx context.Context, dir string) *SyncReport {
	report := &SyncReport{}
	groups, err := unitfile.ListGroups(dir)
	if err != nil {
		report.fail(ctx, "", err)
		return report
	}

	for i, group := range groups {
		if ctx.Err() != nil {
			report.Aborted = true
			break
		}
		data, err := os.ReadFile(filepath.Join(dir, unitfile.GroupFileName(group)))
		if err == nil {
			var created bool
			_, created, err = s.Client.UploadFile(ctx, RemoteName(group), data)
			if err == nil && created {
				report.Created = append(report.Created, group)
			}
		}
		if err != nil {
			if report.fail(ctx, group, err) {
				break
			}
		} else {
			report.Done = append(report.Done, group)
		}
		s.progress(i+1, len(groups))
	}
	return report
}

// Download fetches the translation records of every remote JSON file and
// writes them under dir, one file per group. With artifacts set it
// downloads the project artifact instead of calling the per-file API.
func (s *Syncer) Download(ctx context.Context, dir string, artifacts bool) *SyncReport {
	if artifacts {
		return s.downloadArtifacts(ctx, dir)
	}

	report := &SyncReport{}
	files, err := s.Client.Files(ctx)
	if err != nil {
		report.fail(ctx, "", err)
		return report
	}
	var remote []File
	for _, f := range files {
		if filepath.Ext(f.Name) == unitfile.Ext {
			remote = append(remote, f)
		}
	}

	for i, f := range remote {
		if ctx.Err() != nil {
			report.Aborted = true
			break
		}
		group := unitfile.GroupFromFile(strings.TrimPrefix(f.Name, "/"))
		err := localGroup(group)
		if err == nil {
			var records []merge.Record
			records, err = s.Client.Translation(ctx, f.ID)
			if err == nil {
				err = unitfile.WriteRecords(filepath.Join(dir, unitfile.GroupFileName(group)), records)
			}
		}
		if err != nil {
			if report.fail(ctx, group, err) {
				break
			}
		} else {
			report.Done = append(report.Done, group)
		}
		s.progress(i+1, len(remote))
	}
	return report
}

func (s *Syncer) downloadArtifacts(ctx context.Context, dir string) *SyncReport {
	report := &SyncReport{}
	if err := s.Client.TriggerExport(ctx); err != nil {
		if IsAuth(err) || ctx.Err() != nil {
			report.fail(ctx, "", err)
			return report
		}
		if IsStatus(err, http.StatusForbidden) {
			s.warn(errors.New("not allowed to trigger an export; downloading the previous artifact"))
		} else {
			s.warn(fmt.Errorf("triggering export: %w", err))
		}
	}

	groups, err := s.Client.DownloadArtifacts(ctx)
	if err != nil {
		report.fail(ctx, "", err)
		return report
	}

	names := make([]string, 0, len(groups))
	for g := range groups {
		names = append(names, g)
	}
	sort.Strings(names)

	for i, group := range names {
		err := localGroup(group)
		if err == nil {
			err = unitfile.WriteRecords(filepath.Join(dir, unitfile.GroupFileName(group)), groups[group])
		}
		if err != nil {
			report.fail(ctx, group, err)
		} else {
			report.Done = append(report.Done, group)
		}
		s.progress(i+1, len(names))
	}
	return report
}

// localGroup rejects remote names that would escape the download
// directory.
func localGroup(group string) error {
	if group == "" || !filepath.IsLocal(filepath.FromSlash(group)) {
		return fmt.Errorf("refusing remote file name %q", group)
	}
	return nil
}
