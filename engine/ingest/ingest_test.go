package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/charsearch/charsearch/engine/domain"
	"github.com/charsearch/charsearch/engine/index"
)

type fakeEncoder struct {
	mu      sync.Mutex
	vectors map[string]domain.Vector
	calls   int
}

func (f *fakeEncoder) EncodeImage(_ context.Context, data []byte) (domain.Vector, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	switch string(data) {
	case "panic":
		panic("encoder exploded")
	case "bad":
		return nil, fmt.Errorf("%w: not an image", domain.ErrDecode)
	}
	v, ok := f.vectors[string(data)]
	if !ok {
		return nil, errors.New("unknown content")
	}
	return v, nil
}

func newEncoder() *fakeEncoder {
	return &fakeEncoder{vectors: map[string]domain.Vector{
		"red":   {1, 0, 0},
		"green": {0, 1, 0},
		"blue":  {0, 0, 1},
		"teal":  {0, 0.6, 0.8},
	}}
}

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func tempIndex(t *testing.T) *index.Bolt {
	t.Helper()
	b, err := index.OpenBolt(index.BoltOptions{Path: filepath.Join(t.TempDir(), "index.db"), Collection: "test", Dims: 3})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func corpus(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "Son_Goku.jpg", "red")
	writeFile(t, root, "Son_Goku.meta.json", `{"name":"Son Goku","source_url":"http://img/goku.jpg","catalog_page":20001}`)
	writeFile(t, root, "Vegeta.PNG", "green")
	writeFile(t, root, "sub/Bulma.webp", "blue")
	writeFile(t, root, "notes.txt", "red")
	writeFile(t, root, ".cache/Hidden.jpg", "teal")
	return root
}

func TestRunIngestsCorpus(t *testing.T) {
	root := corpus(t)
	idx := tempIndex(t)
	var progress [][2]int
	p := NewPipeline(Options{
		Root: root, BatchSize: 2, Workers: 2,
		OnProgress: func(done, total int) { progress = append(progress, [2]int{done, total}) },
	}, Deps{Encoder: newEncoder(), Index: idx})

	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := Stats{Files: 3, Embedded: 3, Failed: 0, Batches: 2}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}
	if len(progress) != 2 || progress[1] != [2]int{3, 3} {
		t.Fatalf("unexpected progress %v", progress)
	}

	n, _ := idx.Count(context.Background())
	if n != 3 {
		t.Fatalf("expected 3 entries, got %d", n)
	}

	hits, err := idx.Query(context.Background(), domain.Vector{1, 0, 0}, 1)
	if err != nil {
		t.Fatal(err)
	}
	h := hits[0]
	if h.ID != "Son_Goku" || h.Document != "Son Goku" {
		t.Fatalf("unexpected hit %+v", h)
	}
	if h.Metadata[domain.MetaFilePath] != "Son_Goku.jpg" ||
		h.Metadata[domain.MetaDisplayName] != "Son Goku" ||
		h.Metadata[domain.MetaSourceURL] != "http://img/goku.jpg" ||
		fmt.Sprint(h.Metadata[domain.MetaCatalogPage]) != "20001" {
		t.Fatalf("unexpected metadata %+v", h.Metadata)
	}

	hits, _ = idx.Query(context.Background(), domain.Vector{0, 0, 1}, 1)
	if hits[0].Metadata[domain.MetaFilePath] != "sub/Bulma.webp" {
		t.Fatalf("expected relative path, got %+v", hits[0].Metadata)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	root := corpus(t)
	idx := tempIndex(t)
	p := NewPipeline(Options{Root: root, BatchSize: 2}, Deps{Encoder: newEncoder(), Index: idx})

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	first, _ := idx.Query(context.Background(), domain.Vector{0.5, 0.5, 0.7071}, 10)
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	second, _ := idx.Query(context.Background(), domain.Vector{0.5, 0.5, 0.7071}, 10)

	if n, _ := idx.Count(context.Background()); n != 3 {
		t.Fatalf("expected 3 entries after re-run, got %d", n)
	}
	if len(first) != len(second) {
		t.Fatalf("result sizes differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID || first[i].Distance != second[i].Distance {
			t.Fatalf("result %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestRunSkipsFailedFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "good.jpg", "red")
	writeFile(t, root, "broken.jpg", "bad")
	writeFile(t, root, "explodes.jpg", "panic")
	writeFile(t, root, "other.jpg", "green")
	idx := tempIndex(t)

	p := NewPipeline(Options{Root: root, BatchSize: 4, Workers: 4}, Deps{Encoder: newEncoder(), Index: idx})
	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Embedded != 2 || stats.Failed != 2 || stats.Batches != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if n, _ := idx.Count(context.Background()); n != 2 {
		t.Fatalf("expected 2 entries, got %d", n)
	}
}

func TestRunAllFailedBatchSkipsUpsert(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "broken.jpg", "bad")
	idx := &failingIndex{}

	stats, err := NewPipeline(Options{Root: root}, Deps{Encoder: newEncoder(), Index: idx}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Batches != 0 || idx.upserts != 0 {
		t.Fatalf("no upsert expected, stats %+v upserts %d", stats, idx.upserts)
	}
}

type failingIndex struct {
	index.Index
	upserts int
}

func (f *failingIndex) Upsert(context.Context, []domain.Entry) error {
	f.upserts++
	return fmt.Errorf("index: upsert: %w: disk full", domain.ErrIndexUnavailable)
}

func TestRunAbortsOnIndexError(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.jpg", "red")
	writeFile(t, root, "b.jpg", "green")
	idx := &failingIndex{}

	_, err := NewPipeline(Options{Root: root, BatchSize: 1}, Deps{Encoder: newEncoder(), Index: idx}).Run(context.Background())
	if !errors.Is(err, domain.ErrIndexUnavailable) {
		t.Fatalf("expected index unavailable, got %v", err)
	}
	if idx.upserts != 1 {
		t.Fatalf("run should stop after the first failed batch, got %d upserts", idx.upserts)
	}
}

func TestRunCancelledBetweenBatches(t *testing.T) {
	root := t.TempDir()
	for i, c := range []string{"red", "green", "blue", "teal"} {
		writeFile(t, root, fmt.Sprintf("c%d.jpg", i), c)
	}
	idx := tempIndex(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPipeline(Options{
		Root: root, BatchSize: 2,
		OnProgress: func(done, total int) { cancel() },
	}, Deps{Encoder: newEncoder(), Index: idx})

	stats, err := p.Run(ctx)
	if !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if stats.Batches != 1 || stats.Embedded != 2 {
		t.Fatalf("expected exactly one batch, got %+v", stats)
	}
	if n, _ := idx.Count(context.Background()); n != 2 {
		t.Fatalf("expected 2 entries, got %d", n)
	}
}

func TestIngestOneReturnsFailure(t *testing.T) {
	root := t.TempDir()
	bad := writeFile(t, root, "broken.jpg", "bad")
	p := NewPipeline(Options{Root: root}, Deps{Encoder: newEncoder(), Index: tempIndex(t)})
	if err := p.IngestOne(context.Background(), bad); !errors.Is(err, domain.ErrDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}
	if err := p.IngestOne(context.Background(), filepath.Join(root, "missing.jpg")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestWalkerMatch(t *testing.T) {
	w := NewWalker(nil)
	cases := map[string]bool{
		"a.jpg":          true,
		"A.JPG":          true,
		"dir/b.Jpeg":     true,
		"deep/er/c.webp": true,
		"d.gif":          true,
		"e.png":          true,
		"f.txt":          false,
		"g.meta.json":    false,
		".partial-123":   false,
	}
	for path, want := range cases {
		if got := w.Match(path); got != want {
			t.Errorf("Match(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestWalkerSkipsHiddenDirs(t *testing.T) {
	root := corpus(t)
	files, err := NewWalker(nil).Walk(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 files, got %v", files)
	}
	for _, f := range files {
		if filepath.Base(filepath.Dir(f)) == ".cache" {
			t.Fatalf("hidden dir walked: %s", f)
		}
	}
}
