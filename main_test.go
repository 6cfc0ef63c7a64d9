package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/minios-linux/protoloc/lockfile"
	"github.com/minios-linux/protoloc/report"
	"github.com/minios-linux/protoloc/settings"
)

const backpack = `# storage
- type: entity
  id: ClothingBackpack
  parent: ClothingBackpackBase
  name: backpack
  description: You wear this on your back and put items into it.
  components:
  - type: Sprite
    sprite: Clothing/Back/backpack.rsi
`

// isolate keeps the test away from the user's credentials and environment.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	for _, k := range []string{"PARATRANZ_TOKEN", "PROTOLOC_PARATRANZ_TOKEN", "PZ_PROJECT_ID", "PROTOLOC_PZ_PROJECT_ID"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

// gameTree creates a checkout with one prototype file and returns its root.
func gameTree(t *testing.T, projectFile string) string {
	t.Helper()
	root := t.TempDir()
	doc := filepath.Join(root, "Resources", "Prototypes", "Entities", "Clothing", "backpack.yml")
	if err := os.MkdirAll(filepath.Dir(doc), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(doc, []byte(backpack), 0644); err != nil {
		t.Fatal(err)
	}
	if projectFile != "" {
		if err := os.WriteFile(filepath.Join(root, ".protoloc.yaml"), []byte(projectFile), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func runCLI(t *testing.T, stdin string, args ...string) error {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	return cmd.Execute()
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func docPath(root string) string {
	return filepath.Join(root, "Resources", "Prototypes", "Entities", "Clothing", "backpack.yml")
}

func TestExtractThenMerge(t *testing.T) {
	isolate(t)
	root := gameTree(t, "key_style: readable\n")

	if err := runCLI(t, "", "--root", root, "extract"); err != nil {
		t.Fatalf("extract: %v", err)
	}

	var units []map[string]string
	if err := json.Unmarshal([]byte(readFile(t, filepath.Join(root, "extracted", "Entities.json"))), &units); err != nil {
		t.Fatalf("group file: %v", err)
	}
	if len(units) != 2 || units[0]["key"] != "ClothingBackpack.name" || units[1]["key"] != "ClothingBackpack.description" {
		t.Fatalf("units = %v", units)
	}

	writeFile(t, filepath.Join(root, "translations", "Entities.json"), `{
  "ClothingBackpack.name": "背包",
  "ClothingBackpack.description": "背在背上，可以往里面放东西。"
}`)
	if err := runCLI(t, "", "--root", root, "merge"); err != nil {
		t.Fatalf("merge: %v", err)
	}

	want := strings.NewReplacer(
		"name: backpack", "name: 背包",
		"description: You wear this on your back and put items into it.", "description: 背在背上，可以往里面放东西。",
	).Replace(backpack)
	if got := readFile(t, docPath(root)); got != want {
		t.Errorf("merged document:\n%s\nwant:\n%s", got, want)
	}

	// A second merge finds nothing left to change.
	before := readFile(t, docPath(root))
	if err := runCLI(t, "", "--root", root, "merge"); err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if readFile(t, docPath(root)) != before {
		t.Error("merging twice must not change the document again")
	}
}

func TestMerge_DryRunAndOutput(t *testing.T) {
	isolate(t)
	root := gameTree(t, "key_style: readable\n")
	writeFile(t, filepath.Join(root, "tr.json"), `{"ClothingBackpack.name": "背包"}`)

	if err := runCLI(t, "", "--root", root, "merge", "--input", "tr.json", "--dry-run"); err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if readFile(t, docPath(root)) != backpack {
		t.Fatal("dry run wrote the document")
	}

	out := t.TempDir()
	if err := runCLI(t, "", "--root", root, "merge", "--input", "tr.json", "--output", out); err != nil {
		t.Fatalf("merge --output: %v", err)
	}
	if readFile(t, docPath(root)) != backpack {
		t.Error("merge with --output must leave the source alone")
	}
	merged := readFile(t, filepath.Join(out, "Entities", "Clothing", "backpack.yml"))
	if !strings.Contains(merged, "name: 背包") {
		t.Errorf("output document:\n%s", merged)
	}
}

func TestMerge_StrictOrphan(t *testing.T) {
	isolate(t)
	root := gameTree(t, "key_style: readable\n")
	writeFile(t, filepath.Join(root, "translations", "Entities.json"), `{"RemovedItem.name": "已删除"}`)

	if err := runCLI(t, "", "--root", root, "merge"); err != nil {
		t.Fatalf("non-strict merge must succeed, got %v", err)
	}

	err := runCLI(t, "", "--root", root, "--strict", "merge")
	var exit *exitError
	if !errors.As(err, &exit) || exit.code != exitPartial {
		t.Fatalf("strict merge err = %v, want exit status %d", err, exitPartial)
	}
}

func TestMerge_SkipsUnreadableTranslationFile(t *testing.T) {
	isolate(t)
	root := gameTree(t, "key_style: readable\n")
	writeFile(t, filepath.Join(root, "translations", "A.json"), `{"ClothingBackpack.name": "背包"}`)
	writeFile(t, filepath.Join(root, "translations", "B.json"), `[{"key":7}]`)
	reportPath := filepath.Join(t.TempDir(), "report.json")

	if err := runCLI(t, "", "--root", root, "merge", "--report", reportPath); err != nil {
		t.Fatalf("merge must go on past a bad file, got %v", err)
	}
	if got := readFile(t, docPath(root)); !strings.Contains(got, "name: 背包") {
		t.Errorf("good file was not merged:\n%s", got)
	}

	var rep struct {
		Applied int `json:"applied"`
		Invalid int `json:"invalid"`
		Issues  []struct {
			Kind     string `json:"kind"`
			Document string `json:"document"`
		} `json:"issues"`
	}
	if err := json.Unmarshal([]byte(readFile(t, reportPath)), &rep); err != nil {
		t.Fatal(err)
	}
	if rep.Applied != 1 || rep.Invalid != 1 {
		t.Errorf("report = %+v", rep)
	}
	if len(rep.Issues) == 0 || rep.Issues[0].Kind != "invalid" || filepath.Base(rep.Issues[0].Document) != "B.json" {
		t.Errorf("issues = %+v", rep.Issues)
	}

	err := runCLI(t, "", "--root", root, "--strict", "merge")
	var exit *exitError
	if !errors.As(err, &exit) || exit.code != exitPartial {
		t.Fatalf("strict merge err = %v, want exit status %d", err, exitPartial)
	}
}

func TestExtract_IncrementalWritesLock(t *testing.T) {
	isolate(t)
	root := gameTree(t, "")

	for i := 0; i < 2; i++ {
		if err := runCLI(t, "", "--root", root, "extract", "--incremental"); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	lock, err := lockfile.Load(filepath.Join(root, "extracted"))
	if err != nil {
		t.Fatal(err)
	}
	if lock.Documents() != 1 {
		t.Errorf("lock tracks %d documents, want 1", lock.Documents())
	}
	if lock.IsChanged(lockfile.TargetDocuments, "Entities/Clothing/backpack.yml", backpack) {
		t.Error("lock checksum does not match the document")
	}
}

func TestExtract_Flags(t *testing.T) {
	isolate(t)
	root := gameTree(t, "")
	reportPath := filepath.Join(t.TempDir(), "report.json")

	err := runCLI(t, "", "--root", root, "extract",
		"--group", "folder", "--key-style", "readable", "--output", "out", "--report", reportPath)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "out", "Entities", "Clothing.json")); err != nil {
		t.Errorf("folder grouping: %v", err)
	}

	var summary report.Summary
	if err := json.Unmarshal([]byte(readFile(t, reportPath)), &summary); err != nil {
		t.Fatalf("report: %v", err)
	}
	if summary.Command != "extract" || summary.Units != 2 || summary.Documents != 1 {
		t.Errorf("report = %+v", summary)
	}
}

func TestExtract_Errors(t *testing.T) {
	isolate(t)

	tests := []struct {
		name    string
		args    func(root string) []string
		wantErr string
	}{
		{
			name:    "no prototype directory",
			args:    func(root string) []string { return []string{"--root", root, "extract"} },
			wantErr: "no prototype directory found; use --source or set source in .protoloc.yaml",
		},
		{
			name:    "missing source",
			args:    func(root string) []string { return []string{"--root", root, "extract", "--source", "Nope"} },
			wantErr: "does not exist",
		},
		{
			name:    "bad grouping",
			args:    func(root string) []string { return []string{"--root", root, "extract", "--source", ".", "--group", "planet"} },
			wantErr: "grouping",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runCLI(t, "", tt.args(t.TempDir())...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestExitStatus(t *testing.T) {
	defer func(old bool) { strict = old }(strict)

	tests := []struct {
		name     string
		strict   bool
		summary  report.Summary
		wantCode int
	}{
		{"clean", true, report.Summary{Applied: 3}, 0},
		{"partial without strict", false, report.Summary{Orphaned: 1}, 0},
		{"partial with strict", true, report.Summary{Orphaned: 1}, exitPartial},
		{"canceled", false, report.Summary{Canceled: true}, exitInterrupted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			strict = tt.strict
			err := exitStatus(&tt.summary)
			code := 0
			var exit *exitError
			if errors.As(err, &exit) {
				code = exit.code
			} else if err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if code != tt.wantCode {
				t.Errorf("exit status = %d, want %d", code, tt.wantCode)
			}
		})
	}
}

func TestAuthLoginLogout(t *testing.T) {
	isolate(t)
	root := t.TempDir()

	if err := runCLI(t, "secret-token-1234\n", "--root", root, "auth", "login"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if got := settings.GetToken(settings.ProviderParatranz); got != "secret-token-1234" {
		t.Fatalf("stored token = %q", got)
	}

	// Empty input keeps the stored token.
	if err := runCLI(t, "\n", "--root", root, "auth", "login"); err != nil {
		t.Fatalf("login keep: %v", err)
	}
	if settings.GetToken(settings.ProviderParatranz) != "secret-token-1234" {
		t.Fatal("token replaced by empty input")
	}

	if err := runCLI(t, "", "--root", root, "auth", "login", "--token", "has space"); err == nil {
		t.Error("a token with whitespace must be rejected")
	}

	if err := runCLI(t, "", "--root", root, "auth", "logout"); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if settings.GetToken(settings.ProviderParatranz) != "" {
		t.Error("token still stored after logout")
	}
}

func TestUpload_RequiresToken(t *testing.T) {
	isolate(t)
	root := gameTree(t, "paratranz:\n  project_id: 1\n")

	err := runCLI(t, "", "--root", root, "upload")
	if err == nil || !strings.Contains(err.Error(), "token") {
		t.Fatalf("err = %v, want a missing token error", err)
	}
}

// fakeParatranz serves just enough of the API for one upload and download.
type fakeParatranz struct {
	mu       sync.Mutex
	uploaded []string
}

func (f *fakeParatranz) handler(translation string) http.Handler {
	r := chi.NewRouter()
	r.Get("/projects/1/files", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		files := []map[string]any{}
		for i, name := range f.uploaded {
			files = append(files, map[string]any{"id": i + 1, "name": name})
		}
		_ = json.NewEncoder(w).Encode(files)
	})
	r.Post("/projects/1/files", func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file.Close()
		f.mu.Lock()
		f.uploaded = append(f.uploaded, header.Filename)
		id := len(f.uploaded)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"file": map[string]any{"id": id, "name": header.Filename}})
	})
	r.Get("/projects/1/files/{fileID}/translation", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(translation))
	})
	return r
}

func TestSync_RoundTrip(t *testing.T) {
	isolate(t)
	fake := &fakeParatranz{}
	srv := httptest.NewServer(fake.handler(`[
  {"key": "ClothingBackpack.name", "original": "backpack", "translation": "背包", "stage": 1},
  {"key": "ClothingBackpack.description", "original": "", "translation": "", "stage": 0}
]`))
	defer srv.Close()

	root := gameTree(t, "key_style: readable\nparatranz:\n  project_id: 1\n  base_url: "+srv.URL+"\n  rate: 1000\n")
	t.Setenv("PARATRANZ_TOKEN", "test-token")

	if err := runCLI(t, "", "--root", root, "--strict", "sync"); err != nil {
		t.Fatalf("sync: %v", err)
	}

	fake.mu.Lock()
	uploaded := append([]string(nil), fake.uploaded...)
	fake.mu.Unlock()
	if len(uploaded) != 1 || uploaded[0] != "Entities.json" {
		t.Errorf("uploaded = %v", uploaded)
	}

	if _, err := os.Stat(filepath.Join(root, "translations", "Entities.json")); err != nil {
		t.Errorf("download: %v", err)
	}
	got := readFile(t, docPath(root))
	if !strings.Contains(got, "name: 背包") || !strings.Contains(got, "description: You wear this") {
		t.Errorf("merged document:\n%s", got)
	}
}

func TestSync_WithoutTokenStillMerges(t *testing.T) {
	isolate(t)
	root := gameTree(t, "key_style: readable\n")
	writeFile(t, filepath.Join(root, "translations", "Entities.json"), `{"ClothingBackpack.name": "背包"}`)

	if err := runCLI(t, "", "--root", root, "sync"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "extracted", "Entities.json")); err != nil {
		t.Errorf("extract step: %v", err)
	}
	if !strings.Contains(readFile(t, docPath(root)), "name: 背包") {
		t.Error("merge step did not run")
	}
}
