package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/minios-linux/protoloc/keys"
	"github.com/minios-linux/protoloc/lockfile"
	"github.com/minios-linux/protoloc/yamlfile"
)

// writeTree creates files under a fresh temp dir and returns it.
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

const clothing = `- type: entity
  id: ClothingBackpack
  name: backpack
  description: You wear this on your back.
- type: entity
  id: LoadoutThing
  name: loadout-group-weapon
- type: entity
  id: Shirt
  name: t-shirt
`

const paper = `- type: entity
  parent: BaseItem
  id: PaperSheet
  name: paper
  components:
  - type: Paper
    content: hello
`

func readable() Options {
	return Options{Keys: keys.Generator{Style: keys.Readable}, Workers: 2}
}

func groupKeys(r *Result) map[string][]string {
	out := make(map[string][]string)
	for _, g := range r.Groups {
		for _, u := range g.Units {
			out[g.Name] = append(out[g.Name], u.Key)
		}
	}
	return out
}

func TestExtract_GroupsBySubfolder(t *testing.T) {
	root := writeTree(t, map[string]string{
		"A/clothing.yml":     clothing,
		"B/nested/paper.yml": paper,
		"B/readme.txt":       "not yaml",
	})
	opts := readable()
	opts.Root = root

	res, err := Extract(context.Background(), opts)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	want := map[string][]string{
		"A": {"ClothingBackpack.name", "ClothingBackpack.description"},
		"B": {"PaperSheet.name"},
	}
	if diff := cmp.Diff(want, groupKeys(res)); diff != "" {
		t.Errorf("groups mismatch (-want +got):\n%s", diff)
	}
	if len(res.Groups) != 2 || res.Groups[0].Name != "A" || res.Groups[1].Name != "B" {
		t.Errorf("group order = %v", res.Groups)
	}
	if res.Templated != 1 {
		t.Errorf("Templated = %d, want 1", res.Templated)
	}
	if len(res.Ambiguous) != 1 || res.Ambiguous[0].Value != "t-shirt" {
		t.Errorf("Ambiguous = %v", res.Ambiguous)
	}
	if res.Err() != nil {
		t.Errorf("Err() = %v", res.Err())
	}

	u := res.Groups[1].Units[0]
	wantCtx := "File: B/nested/paper.yml\nID: PaperSheet\nParent: BaseItem\nField: PaperSheet.name"
	if u.Context != wantCtx {
		t.Errorf("Context = %q, want %q", u.Context, wantCtx)
	}
	if u.Original != "paper" || u.Document != "B/nested/paper.yml" {
		t.Errorf("unit = %+v", u)
	}
}

func TestExtract_StableAcrossRuns(t *testing.T) {
	root := writeTree(t, map[string]string{
		"A/clothing.yml": clothing,
		"B/paper.yml":    paper,
		"top.yml":        "- id: Root\n  name: root thing\n",
	})
	opts := Options{Root: root, Workers: 4}

	first, err := Extract(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Extract(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first.Groups, second.Groups); diff != "" {
		t.Errorf("second run differs (-first +second):\n%s", diff)
	}
	for _, g := range first.Groups {
		for _, u := range g.Units {
			if len(u.Key) != keys.HashLen {
				t.Errorf("key %q is not a hashed key", u.Key)
			}
		}
	}
	if got := first.Groups[len(first.Groups)-1].Name; got != RootGroup {
		t.Errorf("last group = %q, want %q", got, RootGroup)
	}
}

func TestExtract_CollisionAcrossDocuments(t *testing.T) {
	dup := "- id: Foo\n  name: foo\n"
	root := writeTree(t, map[string]string{"a.yml": dup, "b.yml": dup})
	opts := readable()
	opts.Root = root

	var warnings []error
	opts.OnWarning = func(err error) { warnings = append(warnings, err) }

	res, err := Extract(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.Units() != 1 {
		t.Fatalf("Units = %d, want 1", res.Units())
	}
	if len(res.Collisions) != 1 || len(warnings) != 1 {
		t.Fatalf("collisions = %d, warnings = %d; want 1 each", len(res.Collisions), len(warnings))
	}
	c := res.Collisions[0]
	if !strings.Contains(c.First, "a.yml") || !strings.Contains(c.Second, "b.yml") {
		t.Errorf("collision contexts = %q / %q", c.First, c.Second)
	}
	if res.Groups[0].Units[0].Document != "a.yml" {
		t.Errorf("kept unit from %s, want a.yml", res.Groups[0].Units[0].Document)
	}
	var ce *keys.CollisionError
	if !errors.As(res.Err(), &ce) {
		t.Errorf("Err() should carry the collision, got %v", res.Err())
	}
}

func TestExtract_CollisionWithinDocumentHashed(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.yml": "- id: Foo\n  name: first\n- id: Foo\n  name: second\n",
	})
	res, err := Extract(context.Background(), Options{Root: root})
	if err != nil {
		t.Fatal(err)
	}
	if res.Units() != 1 || len(res.Collisions) != 1 {
		t.Fatalf("units = %d, collisions = %d", res.Units(), len(res.Collisions))
	}
	if got := res.Groups[0].Units[0].Original; got != "first" {
		t.Errorf("kept %q, want first", got)
	}
}

func TestExtract_SkipsMalformedDocument(t *testing.T) {
	root := writeTree(t, map[string]string{
		"A/bad.yml":  "- id: X\n  name: [unclosed\n",
		"A/good.yml": "- id: Good\n  name: good\n",
	})
	opts := readable()
	opts.Root = root

	res, err := Extract(context.Background(), opts)
	if err != nil {
		t.Fatalf("run should succeed, got %v", err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Document != "A/bad.yml" {
		t.Fatalf("Skipped = %v", res.Skipped)
	}
	var fe *yamlfile.FormatError
	if !errors.As(res.Skipped[0].Err, &fe) || fe.Path != "A/bad.yml" {
		t.Errorf("skip error = %v", res.Skipped[0].Err)
	}
	if res.Units() != 1 || res.Processed != 2 {
		t.Errorf("units = %d, processed = %d", res.Units(), res.Processed)
	}
}

func TestExtract_PositionalKeys(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.yml": "- name: anonymous\n- id: Named\n  name: named\n",
	})
	opts := readable()
	opts.Root = root
	res, err := Extract(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	units := res.Groups[0].Units
	if len(units) != 2 {
		t.Fatalf("units = %v", units)
	}
	if units[0].Key != "a.yml:[0].name" || !units[0].Positional {
		t.Errorf("anonymous unit = %+v", units[0])
	}
	if units[1].Key != "Named.name" || units[1].Positional {
		t.Errorf("named unit = %+v", units[1])
	}
}

func TestExtract_MappingDocumentAndStreams(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.yml": "id: Solo\nname: solo\n---\nid: Next\nname: next\n",
	})
	opts := readable()
	opts.Root = root
	res, err := Extract(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string][]string{RootGroup: {"Solo.name", "#1:Next.name"}}
	if diff := cmp.Diff(want, groupKeys(res)); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}

func TestExtract_Canceled(t *testing.T) {
	root := writeTree(t, map[string]string{"a.yml": clothing, "b.yml": paper})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Extract(ctx, Options{Root: root})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Canceled || res.Processed != 0 {
		t.Errorf("Canceled = %v, Processed = %d", res.Canceled, res.Processed)
	}
}

func TestExtract_MissingRoot(t *testing.T) {
	_, err := Extract(context.Background(), Options{Root: filepath.Join(t.TempDir(), "nope")})
	if err == nil {
		t.Fatal("expected error for missing root")
	}
}

func TestSequence_Restartable(t *testing.T) {
	root := writeTree(t, map[string]string{"b.yml": paper, "a.yml": clothing})
	seq := Sequence(context.Background(), Options{Root: root})

	var runs [][]string
	for i := 0; i < 2; i++ {
		var docs []string
		for res, err := range seq {
			if err != nil {
				t.Fatalf("sequence error: %v", err)
			}
			docs = append(docs, res.Document)
		}
		runs = append(runs, docs)
	}
	want := []string{"a.yml", "b.yml"}
	for _, r := range runs {
		if diff := cmp.Diff(want, r); diff != "" {
			t.Errorf("traversal mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestCollect_MatchesExtract(t *testing.T) {
	root := writeTree(t, map[string]string{"A/clothing.yml": clothing, "B/paper.yml": paper})
	opts := Options{Root: root}
	par, err := Extract(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	seq, err := Collect(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(par.Groups, seq.Groups); diff != "" {
		t.Errorf("Collect differs from Extract (-extract +collect):\n%s", diff)
	}
}

func TestGrouping(t *testing.T) {
	tests := []struct {
		g    Grouping
		rel  string
		want string
	}{
		{GroupTop, "Entities/Clothing/back.yml", "Entities"},
		{GroupTop, "back.yml", RootGroup},
		{"", "Entities/back.yml", "Entities"},
		{GroupFolder, "Entities/Clothing/back.yml", "Entities/Clothing"},
		{GroupFolder, "back.yml", RootGroup},
		{GroupFile, "Entities/Clothing/back.yml", "Entities/Clothing/back"},
		{GroupSingle, "Entities/Clothing/back.yml", RootGroup},
	}
	for _, tt := range tests {
		if got := tt.g.Group(tt.rel); got != tt.want {
			t.Errorf("%q.Group(%q) = %q, want %q", tt.g, tt.rel, got, tt.want)
		}
	}
	if _, err := ParseGrouping("by-color"); err == nil {
		t.Error("expected error for unknown grouping")
	}
}

func TestDocuments_Filter(t *testing.T) {
	root := writeTree(t, map[string]string{
		"Entities/a.yml":     "a: b\n",
		"Entities/b.yaml":    "a: b\n",
		"Maps/station.yml":   "a: b\n",
		".git/config.yml":    "a: b\n",
		"Entities/notes.txt": "x",
	})
	f, err := NewFilter(nil, []string{"Maps/"})
	if err != nil {
		t.Fatal(err)
	}
	docs, err := Documents(root, f)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Entities/a.yml", "Entities/b.yaml"}
	if diff := cmp.Diff(want, docs); diff != "" {
		t.Errorf("documents mismatch (-want +got):\n%s", diff)
	}
}

func TestDocumentOf(t *testing.T) {
	ctx := BuildContext("A/x.yml", "Foo", "", "Foo.name")
	if got := DocumentOf(ctx); got != "A/x.yml" {
		t.Errorf("DocumentOf = %q", got)
	}
	if got := DocumentOf("something else"); got != "" {
		t.Errorf("DocumentOf(foreign) = %q", got)
	}
}

// ---------------------------------------------------------------------------
// Incremental
// ---------------------------------------------------------------------------

func flatten(r *Result) []Unit {
	var out []Unit
	for _, g := range r.Groups {
		out = append(out, g.Units...)
	}
	return out
}

func TestIncremental_ReusesUnchangedDocuments(t *testing.T) {
	root := writeTree(t, map[string]string{"A/clothing.yml": clothing, "B/paper.yml": paper})
	lock, err := lockfile.Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	opts := Options{Root: root}
	opts.Cache = NewIncremental(lock, nil, "settings-v1")
	first, err := Extract(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if first.Reused != 0 {
		t.Errorf("first run reused %d documents", first.Reused)
	}
	opts.Cache.(*Incremental).Finish(first.Documents)

	// Only key, original and context survive a round trip through the
	// output files.
	var previous []Unit
	for _, u := range flatten(first) {
		previous = append(previous, Unit{Key: u.Key, Original: u.Original, Context: u.Context})
	}

	opts.Cache = NewIncremental(lock, previous, "settings-v1")
	second, err := Extract(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if second.Reused != 2 {
		t.Errorf("second run reused %d documents, want 2", second.Reused)
	}
	ignore := cmpopts.IgnoreFields(Unit{}, "Field", "Positional")
	if diff := cmp.Diff(first.Groups, second.Groups, ignore); diff != "" {
		t.Errorf("reused output differs (-first +second):\n%s", diff)
	}

	// Changing a document forces its re-extraction.
	p := filepath.Join(root, "B", "paper.yml")
	if err := os.WriteFile(p, []byte(strings.Replace(paper, "name: paper", "name: sheet", 1)), 0644); err != nil {
		t.Fatal(err)
	}
	opts.Cache = NewIncremental(lock, previous, "settings-v1")
	third, err := Extract(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if third.Reused != 1 {
		t.Errorf("third run reused %d documents, want 1", third.Reused)
	}

	// Different settings invalidate everything.
	opts.Cache = NewIncremental(lock, previous, "settings-v2")
	fourth, err := Extract(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if fourth.Reused != 0 {
		t.Errorf("fourth run reused %d documents, want 0", fourth.Reused)
	}
}

func TestIncremental_MissingUnitForcesExtraction(t *testing.T) {
	root := writeTree(t, map[string]string{"a.yml": clothing})
	lock, _ := lockfile.Load(t.TempDir())

	opts := Options{Root: root}
	c := NewIncremental(lock, nil, "fp")
	opts.Cache = c
	first, err := Extract(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	c.Finish(first.Documents)

	// Drop one unit from the previous output.
	previous := flatten(first)[1:]
	opts.Cache = NewIncremental(lock, previous, "fp")
	second, err := Extract(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if second.Reused != 0 || second.Units() != first.Units() {
		t.Errorf("reused = %d, units = %d (want 0, %d)", second.Reused, second.Units(), first.Units())
	}
}
