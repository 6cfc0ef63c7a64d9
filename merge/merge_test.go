package merge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/minios-linux/protoloc/extract"
	"github.com/minios-linux/protoloc/keys"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

const clothing = `# Backpacks
- type: entity
  id: ClothingBackpack
  name: backpack   # short name

  description: You wear this on your back.
  components:
  - type: Sprite
    sprite: Clothing/Back/backpack.rsi
`

const clothingRU = `# Backpacks
- type: entity
  id: ClothingBackpack
  name: рюкзак   # short name

  description: Носится на спине.
  components:
  - type: Sprite
    sprite: Clothing/Back/backpack.rsi
`

const paper = `- type: entity
  id:   PaperSheet    # odd spacing stays
  name: paper
`

func readableOpts(root string) Options {
	return Options{Root: root, Keys: keys.Generator{Style: keys.Readable}, Workers: 2}
}

func backpackRecords() []Record {
	return []Record{
		{Key: "ClothingBackpack.name", Original: "backpack", Translation: "рюкзак", Stage: 1},
		{Key: "ClothingBackpack.description", Original: "You wear this on your back.", Translation: "Носится на спине.", Stage: 1},
	}
}

func TestMerge_AppliesAndIsIdempotent(t *testing.T) {
	root := writeTree(t, map[string]string{"A/clothing.yml": clothing, "B/paper.yml": paper})
	opts := readableOpts(root)

	rep, err := Merge(context.Background(), opts, backpackRecords())
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if rep.Applied != 2 || rep.Partial() {
		t.Errorf("report = %+v", rep)
	}
	if diff := cmp.Diff([]string{"A/clothing.yml"}, rep.Written); diff != "" {
		t.Errorf("written mismatch (-want +got):\n%s", diff)
	}
	if got := readFile(t, root, "A/clothing.yml"); got != clothingRU {
		t.Errorf("merged document:\n%s\nwant:\n%s", got, clothingRU)
	}
	if got := readFile(t, root, "B/paper.yml"); got != paper {
		t.Errorf("untouched document changed:\n%s", got)
	}

	// A second application changes nothing and writes nothing.
	rep, err = Merge(context.Background(), opts, backpackRecords())
	if err != nil {
		t.Fatalf("second Merge: %v", err)
	}
	if rep.Applied != 0 || rep.Unchanged != 2 || len(rep.Written) != 0 {
		t.Errorf("second report = %+v", rep)
	}
	if got := readFile(t, root, "A/clothing.yml"); got != clothingRU {
		t.Errorf("second merge changed the document:\n%s", got)
	}
}

func TestMerge_Orphaned(t *testing.T) {
	root := writeTree(t, map[string]string{"A/clothing.yml": clothing})
	records := append(backpackRecords()[:1], Record{
		Key:         "Gone.name",
		Original:    "gone",
		Translation: "пропало",
		Context:     "File: A/old.yml\nID: Gone\nField: Gone.name",
	})

	rep, err := Merge(context.Background(), readableOpts(root), records)
	if err != nil {
		t.Fatalf("run should succeed, got %v", err)
	}
	if rep.Orphaned != 1 || rep.Applied != 1 {
		t.Fatalf("report = %+v", rep)
	}
	var orphan Issue
	for _, i := range rep.Issues {
		if i.Kind == Orphaned {
			orphan = i
		}
	}
	if orphan.Key != "Gone.name" || orphan.Document != "A/old.yml" {
		t.Errorf("orphan issue = %+v", orphan)
	}
	if !rep.Partial() {
		t.Error("a run with orphans is partial")
	}
}

func TestMerge_PositionDrift(t *testing.T) {
	root := writeTree(t, map[string]string{"a.yml": "- name: anonymous\n"})
	opts := readableOpts(root)

	ext, err := extract.Extract(context.Background(), extract.Options{Root: root, Keys: opts.Keys})
	if err != nil {
		t.Fatal(err)
	}
	u := ext.Groups[0].Units[0]
	if !u.Positional {
		t.Fatalf("expected positional unit, got %+v", u)
	}
	rec := Record{Key: u.Key, Original: u.Original, Translation: "аноним"}

	// The list was reordered upstream: index 0 now holds other text.
	drifted := "- name: something else\n- name: anonymous\n"
	if err := os.WriteFile(filepath.Join(root, "a.yml"), []byte(drifted), 0644); err != nil {
		t.Fatal(err)
	}
	rep, err := Merge(context.Background(), opts, []Record{rec})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Drifted != 1 || rep.Applied != 0 || rep.Orphaned != 0 {
		t.Errorf("report = %+v", rep)
	}
	if got := readFile(t, root, "a.yml"); got != drifted {
		t.Errorf("drifted document was modified:\n%s", got)
	}

	// Unchanged position applies normally.
	if err := os.WriteFile(filepath.Join(root, "a.yml"), []byte("- name: anonymous\n"), 0644); err != nil {
		t.Fatal(err)
	}
	rep, err = Merge(context.Background(), opts, []Record{rec})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Applied != 1 || rep.Drifted != 0 {
		t.Errorf("report = %+v", rep)
	}
	if got := readFile(t, root, "a.yml"); got != "- name: аноним\n" {
		t.Errorf("got %q", got)
	}
}

func TestMerge_StaleIsAppliedAndReported(t *testing.T) {
	root := writeTree(t, map[string]string{"a.yml": "- id: Foo\n  name: new source\n"})
	rec := Record{Key: "Foo.name", Original: "old source", Translation: "перевод"}

	rep, err := Merge(context.Background(), readableOpts(root), []Record{rec})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Applied != 1 || rep.Stale != 1 {
		t.Errorf("report = %+v", rep)
	}
	if got := readFile(t, root, "a.yml"); got != "- id: Foo\n  name: перевод\n" {
		t.Errorf("got %q", got)
	}
}

func TestMerge_NormalisedOriginalIsNotStale(t *testing.T) {
	// Precomposed in the record, decomposed in the document.
	root := writeTree(t, map[string]string{"a.yml": "- id: Foo\n  name: \"cafe\u0301 \"\n"})
	rec := Record{Key: "Foo.name", Original: "caf\u00e9", Translation: "кафе"}

	rep, err := Merge(context.Background(), readableOpts(root), []Record{rec})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Applied != 1 || rep.Stale != 0 {
		t.Errorf("report = %+v", rep)
	}
}

func TestMerge_ParseFailureContinues(t *testing.T) {
	root := writeTree(t, map[string]string{
		"A/clothing.yml": clothing,
		"A/broken.yml":   "- id: X\n  name: [unclosed\n",
	})
	rep, err := Merge(context.Background(), readableOpts(root), backpackRecords())
	if err != nil {
		t.Fatal(err)
	}
	if rep.ParseFailed != 1 || rep.Applied != 2 {
		t.Errorf("report = %+v", rep)
	}
}

func TestMerge_OutputDirectory(t *testing.T) {
	root := writeTree(t, map[string]string{"A/clothing.yml": clothing, "B/paper.yml": paper})
	out := filepath.Join(t.TempDir(), "out")
	opts := readableOpts(root)
	opts.Output = out

	if _, err := Merge(context.Background(), opts, backpackRecords()); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, root, "A/clothing.yml"); got != clothing {
		t.Error("source document modified despite output directory")
	}
	if got := readFile(t, out, "A/clothing.yml"); got != clothingRU {
		t.Errorf("output document:\n%s", got)
	}
	if _, err := os.Stat(filepath.Join(out, "B", "paper.yml")); !os.IsNotExist(err) {
		t.Error("untouched document should not be written to the output directory")
	}
}

func TestMerge_DryRun(t *testing.T) {
	root := writeTree(t, map[string]string{"A/clothing.yml": clothing})
	opts := readableOpts(root)
	opts.DryRun = true

	rep, err := Merge(context.Background(), opts, backpackRecords())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Applied != 2 || len(rep.Written) != 0 {
		t.Errorf("report = %+v", rep)
	}
	if got := readFile(t, root, "A/clothing.yml"); got != clothing {
		t.Error("dry run modified the document")
	}
}

func TestMerge_HashedKeysRoundTrip(t *testing.T) {
	root := writeTree(t, map[string]string{"A/clothing.yml": clothing, "B/paper.yml": paper})
	ext, err := extract.Extract(context.Background(), extract.Options{Root: root})
	if err != nil {
		t.Fatal(err)
	}
	translations := map[string]string{
		"backpack":                    "рюкзак",
		"You wear this on your back.": "Носится на спине.",
		"paper":                       "бумага",
	}
	var records []Record
	for _, g := range ext.Groups {
		for _, u := range g.Units {
			records = append(records, Record{Key: u.Key, Original: u.Original, Translation: translations[u.Original]})
		}
	}

	rep, err := Merge(context.Background(), Options{Root: root}, records)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Applied != 3 || rep.Orphaned != 0 {
		t.Errorf("report = %+v", rep)
	}
	if got := readFile(t, root, "A/clothing.yml"); got != clothingRU {
		t.Errorf("merged document:\n%s", got)
	}
}

func TestMerge_CanceledSkipsOrphanCheck(t *testing.T) {
	root := writeTree(t, map[string]string{"A/clothing.yml": clothing})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := Merge(ctx, readableOpts(root), backpackRecords())
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Canceled || rep.Orphaned != 0 {
		t.Errorf("report = %+v", rep)
	}
}

func TestMerge_CrossDocumentCollision(t *testing.T) {
	const (
		backpack = "- id: Foo\n  name: backpack\n"
		satchel  = "- id: Foo\n  name: satchel\n"
	)
	tests := []struct {
		name    string
		context string
		winner  string
		loser   string
	}{
		{name: "first document in traversal order", winner: "A/a.yml", loser: "B/b.yml"},
		{name: "document named by the context", context: "File: B/b.yml\nID: Foo\nField: Foo.name", winner: "B/b.yml", loser: "A/a.yml"},
		{name: "context naming neither falls back to order", context: "File: C/c.yml", winner: "A/a.yml", loser: "B/b.yml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := writeTree(t, map[string]string{"A/a.yml": backpack, "B/b.yml": satchel})
			rec := Record{Key: "Foo.name", Original: "backpack", Translation: "рюкзак", Stage: 1, Context: tt.context}

			rep, err := Merge(context.Background(), readableOpts(root), []Record{rec})
			if err != nil {
				t.Fatal(err)
			}
			if rep.Applied != 1 || rep.Collided != 1 || rep.Orphaned != 0 {
				t.Errorf("report = %+v", rep)
			}
			if diff := cmp.Diff([]string{tt.winner}, rep.Written); diff != "" {
				t.Errorf("written mismatch (-want +got):\n%s", diff)
			}
			if !rep.Partial() {
				t.Error("a run with collisions is partial")
			}

			var collision Issue
			for _, i := range rep.Issues {
				if i.Kind == Collision {
					collision = i
				}
			}
			if collision.Document != tt.loser || collision.Key != "Foo.name" {
				t.Errorf("collision issue = %+v", collision)
			}

			original := map[string]string{"A/a.yml": backpack, "B/b.yml": satchel}
			if got := readFile(t, root, tt.loser); got != original[tt.loser] {
				t.Errorf("%s was modified:\n%s", tt.loser, got)
			}
			if got, want := readFile(t, root, tt.winner), "- id: Foo\n  name: рюкзак\n"; got != want {
				t.Errorf("%s = %q, want %q", tt.winner, got, want)
			}
		})
	}
}

func TestMerge_ProgressCoversBothPhases(t *testing.T) {
	root := writeTree(t, map[string]string{"A/clothing.yml": clothing, "B/paper.yml": paper})
	opts := readableOpts(root)
	opts.Workers = 1
	var calls [][2]int
	opts.OnProgress = func(done, total int) { calls = append(calls, [2]int{done, total}) }

	if _, err := Merge(context.Background(), opts, backpackRecords()); err != nil {
		t.Fatal(err)
	}
	// Two documents resolved, then one merged.
	want := [][2]int{{1, 2}, {2, 2}, {3, 3}}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}
}

func TestIndex(t *testing.T) {
	records := []Record{
		{Key: "", Translation: "x"},
		{Key: "empty", Translation: ""},
		{Key: "hidden", Translation: "x", Stage: -1},
		{Key: "low", Translation: "x", Stage: 0},
		{Key: "ok", Translation: "first", Stage: 1},
		{Key: "ok", Translation: "second", Stage: 1},
	}
	idx, issues := Index(records, 1)

	if len(idx) != 1 || idx["ok"].Translation != "second" {
		t.Errorf("index = %v", idx)
	}
	counts := make(map[Outcome]int)
	for _, i := range issues {
		counts[i.Kind]++
	}
	want := map[Outcome]int{Invalid: 1, Untranslated: 3}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("issue counts mismatch (-want +got):\n%s", diff)
	}
}

func TestMerge_InvalidRecordsDoNotStopTheRun(t *testing.T) {
	root := writeTree(t, map[string]string{"A/clothing.yml": clothing})
	records := append([]Record{{Translation: "no key"}}, backpackRecords()...)

	rep, err := Merge(context.Background(), readableOpts(root), records)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Invalid != 1 || rep.Applied != 2 {
		t.Errorf("report = %+v", rep)
	}
}

func TestOutcome_String(t *testing.T) {
	if PositionDrifted.String() != "position-drifted" {
		t.Errorf("got %q", PositionDrifted.String())
	}
	if Collision.String() != "collision" {
		t.Errorf("got %q", Collision.String())
	}
	text, _ := Orphaned.MarshalText()
	if string(text) != "orphaned" {
		t.Errorf("MarshalText = %q", text)
	}
}
