// protoloc extracts translatable strings from Space Station 14 prototype
// YAML, merges translations back without disturbing the files, and syncs
// both directions with Paratranz.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/minios-linux/protoloc/config"
	"github.com/minios-linux/protoloc/extract"
	"github.com/minios-linux/protoloc/i18n"
	"github.com/minios-linux/protoloc/lockfile"
	"github.com/minios-linux/protoloc/merge"
	"github.com/minios-linux/protoloc/paratranz"
	"github.com/minios-linux/protoloc/report"
	"github.com/minios-linux/protoloc/settings"
	"github.com/minios-linux/protoloc/unitfile"
)

// Version information (set via -ldflags during build)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ANSI colors
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[0;31m"
	colorGreen  = "\033[0;32m"
	colorYellow = "\033[1;33m"
	colorBlue   = "\033[0;34m"
	colorGray   = "\033[0;90m"
)

func logInfo(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorBlue+"[INFO]"+colorReset+" "+format+"\n", args...)
}

func logSuccess(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorGreen+"[OK]"+colorReset+" "+format+"\n", args...)
}

func logWarning(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorYellow+"[WARN]"+colorReset+" "+format+"\n", args...)
}

func logError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorRed+"[ERROR]"+colorReset+" "+format+"\n", args...)
}

func logDebug(format string, args ...any) {
	if verbose {
		fmt.Fprintf(os.Stderr, colorGray+"[DEBUG]"+colorReset+" "+format+"\n", args...)
	}
}

// Exit statuses besides 0 and 1.
const (
	exitPartial     = 2
	exitInterrupted = 130
)

// exitError carries a specific exit status out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// ---------------------------------------------------------------------------
// Global flags
// ---------------------------------------------------------------------------

var (
	rootDir    string
	configPath string
	verbose    bool
	workers    int
	strict     bool
	uiLang     string
)

// ---------------------------------------------------------------------------
// Root command
// ---------------------------------------------------------------------------

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "protoloc",
		Short: "Prototype localization: extract, merge and sync SS14 prototype strings",
		Long: `protoloc: localization tool for Space Station 14 prototype YAML.

Extracts human-readable strings (names, descriptions, paper contents) from
the prototype tree into JSON group files keyed by stable identifiers, merges
translated group files back into the YAML without touching anything else,
and moves group files to and from a Paratranz project.

Commands:
  extract     Extract translatable strings into group files
  merge       Write translations back into the prototype YAML
  upload      Upload extracted group files to Paratranz
  download    Download translated group files from Paratranz
  sync        extract → upload → download → merge in one run
  status      Show detected directories, settings and credentials
  auth        Manage the Paratranz token`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if uiLang != "" {
				i18n.Init(uiLang)
			}
		},
	}

	// Global persistent flags, inherited by all subcommands
	pf := root.PersistentFlags()
	pf.StringVar(&rootDir, "root", ".", "Game repository root")
	pf.StringVarP(&configPath, "config", "c", "", "Project file (default <root>/"+config.FileName+")")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Print per-file details and every issue")
	pf.IntVarP(&workers, "workers", "j", 0, "Documents processed in parallel (0 = number of CPUs)")
	pf.BoolVar(&strict, "strict", false, "Exit with status 2 when any document, record or group failed")
	pf.StringVar(&uiLang, "lang", "", "Interface language (default from LANGUAGE/LANG)")

	root.AddCommand(
		newExtractCmd(),
		newMergeCmd(),
		newUploadCmd(),
		newDownloadCmd(),
		newSyncCmd(),
		newStatusCmd(),
		newAuthCmd(),
		newVersionCmd(),
	)

	return root
}

func main() {
	i18n.Init("")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			logWarning("%v", exit)
			os.Exit(exit.code)
		}
		logError("%v", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Run configuration
// ---------------------------------------------------------------------------

// runConfig is everything a command reads at startup. Nothing below the
// command layer looks at flags or the environment.
type runConfig struct {
	project *config.Project
	file    *config.ProjectFile
	env     config.Env
}

func loadRunConfig() (*runConfig, error) {
	project := config.Detect(rootDir)

	path := configPath
	if path == "" {
		path = project.Resolve(config.FileName)
	}
	pf, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	env, err := config.LoadEnv()
	if err != nil {
		return nil, err
	}
	pf.ApplyEnv(env)

	if workers > 0 {
		pf.Workers = workers
	}
	if pf.Path != "" {
		logDebug(i18n.T("Using project file %s"), pf.Path)
	}
	return &runConfig{project: project, file: pf, env: env}, nil
}

// sourceDir resolves the prototype directory: flag, then project file,
// then auto-detection.
func (rc *runConfig) sourceDir(flagValue string) (string, error) {
	explicit := flagValue
	if explicit == "" {
		explicit = rc.file.Source
	}
	dir := rc.project.ResolveSource(explicit)
	if dir == "" {
		return "", fmt.Errorf(i18n.T("no prototype directory found; use --source or set source in %s"), config.FileName)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf(i18n.T("source directory %s does not exist"), dir)
	}
	return dir, nil
}

// dir resolves a directory flag against the project root, falling back to
// the configured value.
func (rc *runConfig) dir(flagValue, configured string) string {
	if flagValue != "" {
		return rc.project.Resolve(flagValue)
	}
	return rc.project.Resolve(configured)
}

func extractOptions(pf *config.ProjectFile, source string) (extract.Options, error) {
	classifier, err := pf.Classifier()
	if err != nil {
		return extract.Options{}, err
	}
	gen, err := pf.Keys()
	if err != nil {
		return extract.Options{}, err
	}
	filter, err := pf.Filter()
	if err != nil {
		return extract.Options{}, err
	}
	grouping, err := extract.ParseGrouping(pf.Grouping)
	if err != nil {
		return extract.Options{}, err
	}
	return extract.Options{
		Root:          source,
		Filter:        filter,
		Classifier:    classifier,
		Keys:          gen,
		Discriminants: pf.Discriminants,
		Grouping:      grouping,
		Workers:       pf.Workers,
	}, nil
}

func mergeOptions(pf *config.ProjectFile, source string) (merge.Options, error) {
	eo, err := extractOptions(pf, source)
	if err != nil {
		return merge.Options{}, err
	}
	return merge.Options{
		Root:          eo.Root,
		Filter:        eo.Filter,
		Classifier:    eo.Classifier,
		Keys:          eo.Keys,
		Discriminants: eo.Discriminants,
		Workers:       eo.Workers,
		MinStage:      pf.MinStage,
	}, nil
}

// ---------------------------------------------------------------------------
// Progress and summary
// ---------------------------------------------------------------------------

// progress drives a progress bar from OnProgress callbacks, which may
// arrive out of order from several goroutines.
type progress struct {
	mu    sync.Mutex
	bar   *progressbar.ProgressBar
	done  int
	total int
}

func newProgress(description string) *progress {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetVisibility(!verbose),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	return &progress{bar: bar, total: -1}
}

func (p *progress) update(done, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if total != p.total {
		p.total = total
		p.bar.ChangeMax(total)
	}
	if done > p.done {
		p.done = done
		_ = p.bar.Set(done)
	}
}

func (p *progress) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.bar.Finish()
}

// finish prints the summary, writes the JSON report when asked, and turns
// an interrupted or (under --strict) partial run into an exit status.
func finish(summary *report.Summary, reportPath string) error {
	summary.Finish()

	maxIssues := 20
	if verbose {
		maxIssues = -1
	}
	fmt.Fprintln(os.Stderr)
	summary.Print(os.Stderr, maxIssues)

	if reportPath != "" {
		if err := summary.WriteJSON(reportPath); err != nil {
			return fmt.Errorf(i18n.T("writing report: %w"), err)
		}
		logInfo(i18n.T("Report written to %s"), reportPath)
	}
	return exitStatus(summary)
}

func exitStatus(summary *report.Summary) error {
	switch {
	case summary.Canceled:
		return &exitError{code: exitInterrupted, msg: i18n.T("interrupted; work completed so far was kept")}
	case strict && summary.Partial():
		return &exitError{code: exitPartial, msg: i18n.T("run completed with failures")}
	}
	return nil
}

// ---------------------------------------------------------------------------
// version
// ---------------------------------------------------------------------------

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display version, commit hash, and build date.`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("protoloc version %s\n", version)
			fmt.Printf("  commit:    %s\n", commit)
			fmt.Printf("  built:     %s\n", date)
		},
	}

	return cmd
}

// ---------------------------------------------------------------------------
// extract
// ---------------------------------------------------------------------------

type extractFlags struct {
	source      string
	output      string
	fields      []string
	group       string
	keyStyle    string
	incremental bool
	noFilterFTL bool
}

func addExtractFlags(fs *pflag.FlagSet, f *extractFlags) {
	fs.StringVarP(&f.source, "source", "s", "", "Prototype directory (default: auto-detect)")
	fs.StringVarP(&f.output, "output", "o", "", "Directory for group files (default from project file: extracted)")
	fs.StringSliceVar(&f.fields, "fields", nil, "Extra field names to extract (comma-separated)")
	fs.StringVar(&f.group, "group", "", "Grouping: top, folder, file or single")
	fs.StringVar(&f.keyStyle, "key-style", "", "Key style: hashed or readable")
	fs.BoolVar(&f.incremental, "incremental", false, "Reuse results for unchanged documents")
	fs.BoolVar(&f.noFilterFTL, "no-filter-ftl", false, "Keep values that look like message identifiers")
}

// apply folds the flags into the project file and revalidates it.
func (f *extractFlags) apply(pf *config.ProjectFile) error {
	if len(f.fields) > 0 {
		pf.AddFields(f.fields...)
	}
	if f.group != "" {
		pf.Grouping = f.group
	}
	if f.keyStyle != "" {
		pf.KeyStyle = f.keyStyle
	}
	if f.noFilterFTL {
		pf.Template.Disabled = true
	}
	return pf.Validate()
}

func newExtractCmd() *cobra.Command {
	var f extractFlags
	var reportPath string

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract translatable strings into group files",
		Long: `Walk the prototype tree, keep the fields that hold human-readable text,
and write one JSON file per group: [{"key", "original", "context"}, ...].

Identifier-like values (ent-foo-bar) are skipped; short hyphenated words are
kept and listed with --verbose. With --incremental, unchanged documents are
taken from the previous output using the lock file in the output directory.

Examples:
  protoloc extract
  protoloc extract --group folder --key-style readable
  protoloc extract --fields content,suffix --incremental`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadRunConfig()
			if err != nil {
				return err
			}
			summary := report.New("extract")
			if _, err := runExtract(cmd.Context(), rc, &f, summary); err != nil {
				return err
			}
			return finish(summary, reportPath)
		},
	}

	addExtractFlags(cmd.Flags(), &f)
	cmd.Flags().StringVar(&reportPath, "report", "", "Write a JSON run report to this file")

	return cmd
}

func runExtract(ctx context.Context, rc *runConfig, f *extractFlags, summary *report.Summary) (*extract.Result, error) {
	if err := f.apply(rc.file); err != nil {
		return nil, err
	}
	source, err := rc.sourceDir(f.source)
	if err != nil {
		return nil, err
	}
	output := rc.dir(f.output, rc.file.Output)

	opts, err := extractOptions(rc.file, source)
	if err != nil {
		return nil, err
	}

	var lock *lockfile.LockFile
	var cache *extract.Incremental
	if f.incremental {
		lock, err = lockfile.Load(output)
		if err != nil {
			return nil, err
		}
		previous, err := unitfile.ReadUnits(output)
		if err != nil {
			return nil, err
		}
		cache = extract.NewIncremental(lock, previous, rc.file.Fingerprint())
		opts.Cache = cache
	}

	logInfo(i18n.T("Extracting from %s"), source)
	bar := newProgress(i18n.T("Extracting"))
	opts.OnProgress = bar.update
	opts.OnWarning = func(err error) { logWarning("%v", err) }

	res, err := extract.Extract(ctx, opts)
	bar.finish()
	if err != nil {
		return nil, err
	}
	summary.AddExtract(res)

	for _, fl := range res.Ambiguous {
		logWarning(i18n.T("Left out ambiguous value %s %s: %q; review it by hand"), fl.Document, fl.Field, fl.Value)
	}
	if res.Units() == 0 && !res.Canceled {
		logWarning(i18n.T("No translatable strings found in %s"), source)
	}

	written, err := unitfile.WriteGroups(output, res.Groups)
	if err != nil {
		return res, err
	}
	for _, p := range written {
		logDebug(i18n.T("Wrote %s"), p)
	}

	if lock != nil {
		// An interrupted run records the documents it finished but keeps
		// the old settings fingerprint.
		if !res.Canceled {
			cache.Finish(res.Documents)
		}
		if err := lock.Save(); err != nil {
			return res, err
		}
		if res.Reused > 0 {
			logInfo(i18n.T("Reused %d unchanged documents"), res.Reused)
		}
	}

	logSuccess(i18n.T("Extracted %d units into %d groups in %s"), res.Units(), len(res.Groups), output)
	return res, nil
}

// ---------------------------------------------------------------------------
// merge
// ---------------------------------------------------------------------------

type mergeFlags struct {
	input    string
	source   string
	output   string
	minStage int
	dryRun   bool
}

func newMergeCmd() *cobra.Command {
	var f mergeFlags
	var reportPath string

	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Write translations back into the prototype YAML",
		Long: `Apply translated records to the prototype tree. Only translated scalars
change; comments, ordering, anchors and formatting stay as they were, and
documents without applied translations are not rewritten.

Input is a group file or a directory of them, either the extraction format
([{"key", "original", "translation", "stage"}, ...]) or a flat
{"key": "translation"} object.

Examples:
  protoloc merge
  protoloc merge --input translations/Entities.json --dry-run
  protoloc merge --output /tmp/translated --min-stage 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadRunConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("min-stage") {
				rc.file.MinStage = f.minStage
			}
			summary := report.New("merge")
			if err := runMerge(cmd.Context(), rc, &f, summary); err != nil {
				return err
			}
			return finish(summary, reportPath)
		},
	}

	cmd.Flags().StringVarP(&f.input, "input", "i", "", "Translated group file or directory (default from project file: translations)")
	cmd.Flags().StringVarP(&f.source, "source", "s", "", "Prototype directory (default: auto-detect)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "Write merged documents under this directory instead of in place")
	cmd.Flags().IntVar(&f.minStage, "min-stage", 0, "Minimum review stage a translation needs to be applied")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Report what would change without writing")
	cmd.Flags().StringVar(&reportPath, "report", "", "Write a JSON run report to this file")

	return cmd
}

func runMerge(ctx context.Context, rc *runConfig, f *mergeFlags, summary *report.Summary) error {
	source, err := rc.sourceDir(f.source)
	if err != nil {
		return err
	}
	input := rc.dir(f.input, rc.file.Translations)

	records, bad, err := unitfile.ReadRecordDir(input)
	if err != nil {
		return err
	}
	for _, e := range bad {
		logWarning(i18n.T("Skipping unreadable translations: %v"), e)
	}
	summary.AddUnreadable(bad)
	if len(records) == 0 {
		logWarning(i18n.T("No translations found in %s"), input)
		return nil
	}

	opts, err := mergeOptions(rc.file, source)
	if err != nil {
		return err
	}
	opts.Output = rc.project.Resolve(f.output)
	opts.DryRun = f.dryRun

	logInfo(i18n.T("Merging %d records into %s"), len(records), source)
	bar := newProgress(i18n.T("Merging"))
	opts.OnProgress = bar.update

	rep, err := merge.Merge(ctx, opts, records)
	bar.finish()
	if err != nil {
		return err
	}
	summary.AddMerge(rep)

	for _, doc := range rep.Written {
		logDebug(i18n.T("Updated %s"), doc)
	}
	if f.dryRun {
		logInfo(i18n.T("Dry run: %d translations would be applied"), rep.Applied)
	} else {
		logSuccess(i18n.T("Applied %d translations to %d documents"), rep.Applied, len(rep.Written))
	}
	return nil
}

// ---------------------------------------------------------------------------
// upload / download
// ---------------------------------------------------------------------------

type remoteFlags struct {
	token     string
	projectID int
}

func addRemoteFlags(fs *pflag.FlagSet, r *remoteFlags) {
	fs.StringVar(&r.token, "token", "", "Paratranz API token (default: environment or stored credential)")
	fs.IntVar(&r.projectID, "project-id", 0, "Paratranz project ID (default from project file or PZ_PROJECT_ID)")
}

// projectID picks the project: flag, then project file or environment,
// then the project stored with the token.
func (rc *runConfig) projectID(r *remoteFlags) int {
	if r.projectID > 0 {
		return r.projectID
	}
	if rc.file.Paratranz.ProjectID > 0 {
		return rc.file.Paratranz.ProjectID
	}
	if info := settings.Get(settings.ProviderParatranz); info != nil {
		return info.ProjectID
	}
	return 0
}

func newSyncer(rc *runConfig, r *remoteFlags) (*paratranz.Syncer, error) {
	token, source := settings.ResolveToken(r.token, rc.env.Token)
	if token == "" {
		return nil, errors.New(i18n.T("no Paratranz token; run 'protoloc auth login' or set PARATRANZ_TOKEN"))
	}
	if err := paratranz.ValidateToken(token); err != nil {
		return nil, err
	}

	projectID := rc.projectID(r)
	if projectID == 0 {
		return nil, errors.New(i18n.T("no Paratranz project; use --project-id, paratranz.project_id or PZ_PROJECT_ID"))
	}

	client, err := paratranz.NewClient(projectID, token,
		paratranz.WithBaseURL(rc.file.Paratranz.BaseURL),
		paratranz.WithRate(rc.file.Paratranz.Rate),
	)
	if err != nil {
		return nil, err
	}
	logDebug(i18n.T("Paratranz project %d, token from %s"), projectID, source)

	return &paratranz.Syncer{
		Client:    client,
		OnWarning: func(err error) { logWarning("%v", err) },
	}, nil
}

func runUpload(ctx context.Context, syncer *paratranz.Syncer, dir string, summary *report.Summary) *paratranz.SyncReport {
	logInfo(i18n.T("Uploading group files from %s"), dir)
	bar := newProgress(i18n.T("Uploading"))
	syncer.OnProgress = bar.update
	rep := syncer.Upload(ctx, dir)
	bar.finish()

	summary.AddUpload(rep)
	for _, g := range rep.Failed {
		logWarning("%v", g)
	}
	logSuccess(i18n.T("Uploaded %d groups (%d new)"), len(rep.Done), len(rep.Created))
	return rep
}

func runDownload(ctx context.Context, syncer *paratranz.Syncer, dir string, artifacts bool, summary *report.Summary) *paratranz.SyncReport {
	logInfo(i18n.T("Downloading translations to %s"), dir)
	bar := newProgress(i18n.T("Downloading"))
	syncer.OnProgress = bar.update
	rep := syncer.Download(ctx, dir, artifacts)
	bar.finish()

	summary.AddDownload(rep)
	for _, g := range rep.Failed {
		logWarning("%v", g)
	}
	logSuccess(i18n.T("Downloaded %d groups"), len(rep.Done))
	return rep
}

// remoteError turns an aborted transfer into a command error.
func remoteError(ctx context.Context, rep *paratranz.SyncReport) error {
	if rep.Aborted && ctx.Err() == nil {
		return rep.Err()
	}
	return nil
}

func newUploadCmd() *cobra.Command {
	var r remoteFlags
	var dir, reportPath string

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload extracted group files to Paratranz",
		Long: `Upload every group file in the extraction directory. Groups already on
Paratranz are updated in place, new groups are created. A failing group is
reported and the others still upload; an authentication failure stops the
run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadRunConfig()
			if err != nil {
				return err
			}
			syncer, err := newSyncer(rc, &r)
			if err != nil {
				return err
			}
			summary := report.New("upload")
			rep := runUpload(cmd.Context(), syncer, rc.dir(dir, rc.file.Output), summary)
			if err := remoteError(cmd.Context(), rep); err != nil {
				return err
			}
			return finish(summary, reportPath)
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "", "Directory of group files (default from project file: extracted)")
	cmd.Flags().StringVar(&reportPath, "report", "", "Write a JSON run report to this file")
	addRemoteFlags(cmd.Flags(), &r)

	return cmd
}

func newDownloadCmd() *cobra.Command {
	var r remoteFlags
	var dir, reportPath string
	var artifacts bool

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download translated group files from Paratranz",
		Long: `Download the translations of every project file into the translations
directory, one group file per remote file. With --artifacts, a fresh export
is requested and the whole archive is downloaded in one request.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadRunConfig()
			if err != nil {
				return err
			}
			syncer, err := newSyncer(rc, &r)
			if err != nil {
				return err
			}
			summary := report.New("download")
			rep := runDownload(cmd.Context(), syncer, rc.dir(dir, rc.file.Translations), artifacts, summary)
			if err := remoteError(cmd.Context(), rep); err != nil {
				return err
			}
			return finish(summary, reportPath)
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "", "Directory for translated group files (default from project file: translations)")
	cmd.Flags().BoolVar(&artifacts, "artifacts", false, "Download the project export archive instead of file by file")
	cmd.Flags().StringVar(&reportPath, "report", "", "Write a JSON run report to this file")
	addRemoteFlags(cmd.Flags(), &r)

	return cmd
}

// ---------------------------------------------------------------------------
// sync (extract → upload → download → merge)
// ---------------------------------------------------------------------------

func newSyncCmd() *cobra.Command {
	var (
		ef           extractFlags
		mf           mergeFlags
		r            remoteFlags
		translations string
		artifacts    bool
		reportPath   string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Extract, upload, download and merge in one run",
		Long: `Run the whole round trip: extract group files, upload them to Paratranz,
download the current translations and merge them into the prototype tree.

When Paratranz is unreachable or no token is configured, upload and download
are skipped and the translations already on disk are merged.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadRunConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("min-stage") {
				rc.file.MinStage = mf.minStage
			}
			mf.source = ef.source
			mf.input = translations

			ctx := cmd.Context()
			summary := report.New("sync")

			if _, err := runExtract(ctx, rc, &ef, summary); err != nil {
				return err
			}
			if ctx.Err() == nil {
				runRemote(ctx, rc, &r, rc.dir(ef.output, rc.file.Output), rc.dir(translations, rc.file.Translations), artifacts, summary)
			}
			if ctx.Err() == nil {
				if err := runMerge(ctx, rc, &mf, summary); err != nil {
					return err
				}
			}
			return finish(summary, reportPath)
		},
	}

	fs := cmd.Flags()
	addExtractFlags(fs, &ef)
	fs.StringVar(&translations, "translations", "", "Directory for downloaded translations (default from project file: translations)")
	fs.BoolVar(&artifacts, "artifacts", false, "Download the project export archive instead of file by file")
	fs.IntVar(&mf.minStage, "min-stage", 0, "Minimum review stage a translation needs to be applied")
	fs.BoolVar(&mf.dryRun, "dry-run", false, "Report what the merge would change without writing")
	fs.StringVar(&reportPath, "report", "", "Write a JSON run report to this file")
	addRemoteFlags(fs, &r)

	return cmd
}

// runRemote uploads and downloads. Failures are logged and recorded in the
// summary so the local merge can still run.
func runRemote(ctx context.Context, rc *runConfig, r *remoteFlags, outDir, transDir string, artifacts bool, summary *report.Summary) {
	syncer, err := newSyncer(rc, r)
	if err != nil {
		logWarning(i18n.T("Skipping upload and download: %v"), err)
		return
	}

	up := runUpload(ctx, syncer, outDir, summary)
	if up.Aborted {
		if ctx.Err() == nil {
			logWarning(i18n.T("Skipping download: upload was aborted"))
		}
		return
	}
	runDownload(ctx, syncer, transDir, artifacts, summary)
}

// ---------------------------------------------------------------------------
// status (read-only: detected layout, settings, credentials)
// ---------------------------------------------------------------------------

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show detected directories, settings and credentials",
		Long: `Show the auto-detected prototype directory, the effective settings,
the state of the extraction and translations directories, and where the
Paratranz token comes from. Does not modify any files.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadRunConfig()
			if err != nil {
				return err
			}
			runStatus(rc)
			return nil
		},
	}

	return cmd
}

func statusHeader(title string) {
	fmt.Fprintf(os.Stderr, "\n%s%s%s\n", colorBlue, title, colorReset)
	fmt.Fprintln(os.Stderr, strings.Repeat("─", 60))
}

func runStatus(rc *runConfig) {
	pf := rc.file

	statusHeader(i18n.T("Project"))
	fmt.Fprintf(os.Stderr, "  Name:         %s\n", rc.project.Name)
	fmt.Fprintf(os.Stderr, "  Root:         %s\n", rc.project.Root)
	if pf.Path != "" {
		fmt.Fprintf(os.Stderr, "  Config:       %s\n", pf.Path)
	} else {
		fmt.Fprintf(os.Stderr, "  Config:       %s\n", i18n.T("(defaults)"))
	}

	if source, err := rc.sourceDir(""); err != nil {
		fmt.Fprintf(os.Stderr, "  Source:       %s%v%s\n", colorRed, err, colorReset)
	} else if pf.Source == "" {
		fmt.Fprintf(os.Stderr, "  Source:       %s (%s)\n", source, i18n.T("detected"))
	} else {
		fmt.Fprintf(os.Stderr, "  Source:       %s\n", source)
	}

	statusHeader(i18n.T("Extraction"))
	allow := pf.Rules().Allow
	fmt.Fprintf(os.Stderr, "  Fields:       %s\n", strings.Join(allow, ", "))
	fmt.Fprintf(os.Stderr, "  Grouping:     %s\n", pf.Grouping)
	fmt.Fprintf(os.Stderr, "  Key style:    %s\n", pf.KeyStyle)
	if pf.Template.Disabled {
		fmt.Fprintf(os.Stderr, "  Identifiers:  %s\n", i18n.T("kept"))
	}

	output := rc.project.Resolve(pf.Output)
	fmt.Fprintf(os.Stderr, "  Output:       %s\n", output)
	if groups, err := unitfile.ListGroups(output); err == nil && len(groups) > 0 {
		fmt.Fprintf(os.Stderr, "  Groups:       %d\n", len(groups))
	}
	if lock, err := lockfile.Load(output); err != nil {
		fmt.Fprintf(os.Stderr, "  Lock file:    %s%v%s\n", colorRed, err, colorReset)
	} else {
		fmt.Fprintf(os.Stderr, "  Lock file:    %s\n", lock.Summary())
	}

	translations := rc.project.Resolve(pf.Translations)
	fmt.Fprintf(os.Stderr, "  Translations: %s", translations)
	if groups, err := unitfile.ListGroups(translations); err == nil && len(groups) > 0 {
		fmt.Fprintf(os.Stderr, " (%d groups)", len(groups))
	}
	fmt.Fprintln(os.Stderr)

	statusHeader("Paratranz")
	projectID := rc.projectID(&remoteFlags{})
	if projectID > 0 {
		fmt.Fprintf(os.Stderr, "  Project:      %d\n", projectID)
	} else {
		fmt.Fprintf(os.Stderr, "  Project:      %s%s%s\n", colorYellow, i18n.T("not configured"), colorReset)
	}
	fmt.Fprintf(os.Stderr, "  API:          %s\n", pf.Paratranz.BaseURL)
	if token, source := settings.ResolveToken("", rc.env.Token); token != "" {
		fmt.Fprintf(os.Stderr, "  Token:        %s (%s)\n", settings.MaskKey(token), source)
	} else {
		fmt.Fprintf(os.Stderr, "  Token:        %s%s%s\n", colorYellow, i18n.T("not configured"), colorReset)
	}
	fmt.Fprintln(os.Stderr)
}

// ---------------------------------------------------------------------------
// auth
// ---------------------------------------------------------------------------

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the Paratranz token",
		Long: `Manage the Paratranz API token used by upload, download and sync.

The token is looked up in this order:
  --token flag
  PROTOLOC_PARATRANZ_TOKEN or PARATRANZ_TOKEN
  the credential store (` + "$XDG_DATA_HOME/protoloc/auth.json" + `)

Examples:
  protoloc auth login                      Paste a token interactively
  protoloc auth login --project-id 1234    Save the token and check it
  protoloc auth logout                     Remove the stored token
  protoloc auth status                     Show where the token comes from`,
	}

	cmd.AddCommand(
		newAuthLoginCmd(),
		newAuthLogoutCmd(),
		newAuthStatusCmd(),
	)

	return cmd
}

func newAuthLoginCmd() *cobra.Command {
	var r remoteFlags
	var noCheck bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a Paratranz API token",
		Long: `Store a Paratranz API token in the credential store. Without --token the
token is read from standard input. When a project is known, the token is
checked against it before saving.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadRunConfig()
			if err != nil {
				return err
			}

			token := r.token
			if token == "" {
				var keep bool
				token, keep, err = promptToken(cmd)
				if err != nil || keep {
					return err
				}
			}
			if err := paratranz.ValidateToken(token); err != nil {
				return err
			}

			projectID := rc.projectID(&r)
			if projectID > 0 && !noCheck {
				if err := checkToken(cmd.Context(), rc, projectID, token); err != nil {
					return err
				}
			}

			if err := settings.SetToken(settings.ProviderParatranz, token, projectID); err != nil {
				return fmt.Errorf(i18n.T("saving token: %w"), err)
			}
			logSuccess(i18n.T("Paratranz token saved to %s"), settings.FilePath())
			return nil
		},
	}

	addRemoteFlags(cmd.Flags(), &r)
	cmd.Flags().BoolVar(&noCheck, "no-check", false, "Save the token without contacting Paratranz")

	return cmd
}

// promptToken reads a token from standard input. keep is set when the user
// chose to keep the stored token.
func promptToken(cmd *cobra.Command) (token string, keep bool, err error) {
	statusHeader(i18n.T("Paratranz API token"))
	fmt.Fprintln(os.Stderr)

	existing := settings.GetToken(settings.ProviderParatranz)
	if existing != "" {
		fmt.Fprintf(os.Stderr, "  %s: %s%s%s\n", i18n.T("Current token"), colorYellow, settings.MaskKey(existing), colorReset)
		fmt.Fprintf(os.Stderr, "  %s", i18n.T("Enter new token to replace, or press Enter to keep: "))
	} else {
		fmt.Fprintf(os.Stderr, "  %s", i18n.T("Enter API token: "))
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	if !scanner.Scan() {
		return "", false, errors.New(i18n.T("no input received"))
	}
	token = strings.TrimSpace(scanner.Text())
	if token == "" {
		if existing != "" {
			logInfo(i18n.T("Keeping existing token"))
			return "", true, nil
		}
		return "", false, errors.New(i18n.T("no token provided"))
	}
	return token, false, nil
}

func checkToken(ctx context.Context, rc *runConfig, projectID int, token string) error {
	client, err := paratranz.NewClient(projectID, token,
		paratranz.WithBaseURL(rc.file.Paratranz.BaseURL),
		paratranz.WithMaxRetries(1),
	)
	if err != nil {
		return err
	}
	project, err := client.Project(ctx)
	if err != nil {
		return fmt.Errorf(i18n.T("checking token against project %d: %w"), projectID, err)
	}
	logInfo(i18n.T("Token accepted for project %d (%s)"), project.ID, project.Name)
	return nil
}

func newAuthLogoutCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored Paratranz token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				if err := settings.RemoveAll(); err != nil {
					return err
				}
				logSuccess(i18n.T("All stored credentials removed"))
				return nil
			}
			if settings.Get(settings.ProviderParatranz) == nil {
				logInfo(i18n.T("No stored Paratranz token"))
				return nil
			}
			if err := settings.Remove(settings.ProviderParatranz); err != nil {
				return err
			}
			logSuccess(i18n.T("Paratranz token removed"))
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Remove the whole credential file")

	return cmd
}

func newAuthStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show where the Paratranz token comes from",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadEnv()
			if err != nil {
				return err
			}

			statusHeader(i18n.T("Credentials"))
			fmt.Fprintf(os.Stderr, "  File:         %s\n", settings.FilePath())

			if info := settings.Get(settings.ProviderParatranz); info != nil && info.IsAPI() {
				fmt.Fprintf(os.Stderr, "  Stored:       %s", settings.MaskKey(info.Key))
				if info.ProjectID > 0 {
					fmt.Fprintf(os.Stderr, " (project %d)", info.ProjectID)
				}
				fmt.Fprintln(os.Stderr)
			} else {
				fmt.Fprintf(os.Stderr, "  Stored:       %s\n", i18n.T("none"))
			}

			if token, source := settings.ResolveToken("", env.Token); token != "" {
				fmt.Fprintf(os.Stderr, "  %sActive:       %s (%s)%s\n", colorGreen, settings.MaskKey(token), source, colorReset)
			} else {
				fmt.Fprintf(os.Stderr, "  %sActive:       %s%s\n", colorYellow, i18n.T("none"), colorReset)
			}
			fmt.Fprintln(os.Stderr)
			return nil
		},
	}

	return cmd
}
