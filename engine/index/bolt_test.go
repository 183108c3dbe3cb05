package index

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/charsearch/charsearch/engine/domain"
)

func openTestBolt(t *testing.T, path string, dims int) *Bolt {
	t.Helper()
	b, err := OpenBolt(BoltOptions{Path: path, Collection: "test_collection", Dims: dims})
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	return b
}

func tempBolt(t *testing.T, dims int) *Bolt {
	t.Helper()
	b := openTestBolt(t, filepath.Join(t.TempDir(), "index.db"), dims)
	t.Cleanup(func() { b.Close() })
	return b
}

func entry(id string, v ...float32) domain.Entry {
	return domain.Entry{ID: id, Vector: v, Document: domain.DocumentFromID(id), Metadata: domain.Metadata{"file_path": id + ".jpg"}}
}

func ids(ns []domain.Neighbor) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.ID
	}
	return out
}

func TestBoltEmptyQuery(t *testing.T) {
	b := tempBolt(t, 2)
	got, err := b.Query(context.Background(), domain.Vector{1, 0}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestBoltQueryOrdersByDistance(t *testing.T) {
	b := tempBolt(t, 2)
	ctx := context.Background()
	err := b.Upsert(ctx, []domain.Entry{
		entry("far", -1, 0),
		entry("near", 1, 0),
		entry("mid", 0, 1),
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := b.Query(ctx, domain.Vector{1, 0}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"near", "mid", "far"}; !equal(ids(got), want) {
		t.Fatalf("order = %v, want %v", ids(got), want)
	}
	if got[0].Distance > 1e-6 || got[0].Document != "near" || got[0].Metadata["file_path"] != "near.jpg" {
		t.Fatalf("unexpected nearest %+v", got[0])
	}
}

func TestBoltFewerThanK(t *testing.T) {
	b := tempBolt(t, 2)
	ctx := context.Background()
	_ = b.Upsert(ctx, []domain.Entry{entry("a", 1, 0), entry("b", 0, 1)})
	got, err := b.Query(ctx, domain.Vector{1, 0}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got, _ := b.Query(ctx, domain.Vector{1, 0}, 0); len(got) != 0 {
		t.Fatal("k=0 must return nothing")
	}
}

func TestBoltTiesKeepInsertionOrder(t *testing.T) {
	b := tempBolt(t, 2)
	ctx := context.Background()
	_ = b.Upsert(ctx, []domain.Entry{entry("first", 0, 1), entry("second", 0, 1)})
	_ = b.Upsert(ctx, []domain.Entry{entry("third", 0, 1)})
	// Overwriting keeps the original position.
	_ = b.Upsert(ctx, []domain.Entry{entry("first", 0, 1)})

	got, _ := b.Query(ctx, domain.Vector{1, 0}, 3)
	if want := []string{"first", "second", "third"}; !equal(ids(got), want) {
		t.Fatalf("order = %v, want %v", ids(got), want)
	}
}

func TestBoltUpsertIsIdempotentAndOverwrites(t *testing.T) {
	b := tempBolt(t, 2)
	ctx := context.Background()
	batch := []domain.Entry{entry("goku", 1, 0), entry("vegeta", 0, 1)}
	for i := 0; i < 3; i++ {
		if err := b.Upsert(ctx, batch); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := b.Count(ctx); n != 2 {
		t.Fatalf("count = %d after repeated upserts", n)
	}

	replaced := domain.Entry{ID: "goku", Vector: domain.Vector{0, 1}, Document: "kakarot"}
	if err := b.Upsert(ctx, []domain.Entry{replaced}); err != nil {
		t.Fatal(err)
	}
	got, _ := b.Query(ctx, domain.Vector{0, 1}, 1)
	if got[0].ID != "goku" || got[0].Document != "kakarot" || len(got[0].Metadata) != 0 {
		t.Fatalf("overwrite must replace fully, got %+v", got[0])
	}
}

func TestBoltLastEntryInBatchWins(t *testing.T) {
	b := tempBolt(t, 2)
	ctx := context.Background()
	_ = b.Upsert(ctx, []domain.Entry{entry("x", 1, 0), {ID: "x", Vector: domain.Vector{0, 1}, Document: "second"}})
	got, _ := b.Query(ctx, domain.Vector{0, 1}, 1)
	if got[0].Document != "second" {
		t.Fatalf("got %+v", got[0])
	}
	if n, _ := b.Count(ctx); n != 1 {
		t.Fatalf("count = %d", n)
	}
}

func TestBoltDimensionMismatch(t *testing.T) {
	b := tempBolt(t, 3)
	ctx := context.Background()

	err := b.Upsert(ctx, []domain.Entry{entry("ok", 1, 0, 0), entry("bad", 1, 0)})
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if n, _ := b.Count(ctx); n != 0 {
		t.Fatal("a rejected batch must not be partially applied")
	}
	if _, err := b.Query(ctx, domain.Vector{1, 0}, 1); !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestBoltRejectsBadMetadata(t *testing.T) {
	b := tempBolt(t, 1)
	err := b.Upsert(context.Background(), []domain.Entry{{ID: "x", Vector: domain.Vector{1}, Metadata: domain.Metadata{"tags": []string{"a"}}}})
	if err == nil {
		t.Fatal("expected error for non-scalar metadata")
	}
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	ctx := context.Background()

	b := openTestBolt(t, path, 2)
	_ = b.Upsert(ctx, []domain.Entry{entry("a", 0, 1), entry("b", 0, 1), entry("c", 1, 0)})
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	// Zero dims adopts the stored dimensionality.
	reopened, err := OpenBolt(BoltOptions{Path: path, Collection: "test_collection"})
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if reopened.Dims() != 2 {
		t.Fatalf("dims = %d", reopened.Dims())
	}
	got, _ := reopened.Query(ctx, domain.Vector{0, 1}, 3)
	if want := []string{"a", "b", "c"}; !equal(ids(got), want) {
		t.Fatalf("order after reopen = %v, want %v", ids(got), want)
	}

	// New ids still sort after old ones.
	_ = reopened.Upsert(ctx, []domain.Entry{entry("d", 0, 1)})
	got, _ = reopened.Query(ctx, domain.Vector{0, 1}, 3)
	if want := []string{"a", "b", "d"}; !equal(ids(got), want) {
		t.Fatalf("order = %v, want %v", ids(got), want)
	}
}

func TestBoltReopenWithOtherDims(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	b := openTestBolt(t, path, 2)
	b.Close()
	_, err := OpenBolt(BoltOptions{Path: path, Collection: "test_collection", Dims: 4})
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestBoltCollectionsAreIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	ctx := context.Background()
	a := openTestBolt(t, path, 2)
	_ = a.Upsert(ctx, []domain.Entry{entry("only-in-a", 1, 0)})
	a.Close()

	other, err := OpenBolt(BoltOptions{Path: path, Collection: "other", Dims: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	if n, _ := other.Count(ctx); n != 0 {
		t.Fatalf("other collection has %d entries", n)
	}
}

func TestBoltClosedIsUnavailable(t *testing.T) {
	b := openTestBolt(t, filepath.Join(t.TempDir(), "index.db"), 2)
	b.Close()
	ctx := context.Background()
	if _, err := b.Query(ctx, domain.Vector{1, 0}, 1); !errors.Is(err, domain.ErrIndexUnavailable) {
		t.Fatalf("query: %v", err)
	}
	if err := b.Upsert(ctx, []domain.Entry{entry("a", 1, 0)}); !errors.Is(err, domain.ErrIndexUnavailable) {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := b.Count(ctx); !errors.Is(err, domain.ErrIndexUnavailable) {
		t.Fatalf("count: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatal("second Close should be a no-op")
	}
}

func TestBoltCancelledUpsertWritesNothing(t *testing.T) {
	b := tempBolt(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Upsert(ctx, []domain.Entry{entry("a", 1, 0)}); !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if n, _ := b.Count(context.Background()); n != 0 {
		t.Fatalf("count = %d", n)
	}
}

func TestBoltQueriesDuringUpsertSeeWholeBatches(t *testing.T) {
	b := tempBolt(t, 2)
	ctx := context.Background()
	const batches, size = 20, 5

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < batches; i++ {
			batch := make([]domain.Entry, size)
			for j := range batch {
				batch[j] = entry(string(rune('a'+i))+string(rune('a'+j)), 1, float32(j))
			}
			if err := b.Upsert(ctx, batch); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	for i := 0; i < 200; i++ {
		got, err := b.Query(ctx, domain.Vector{1, 0}, batches*size)
		if err != nil {
			t.Fatal(err)
		}
		if len(got)%size != 0 {
			t.Fatalf("observed a partial batch: %d entries", len(got))
		}
	}
	wg.Wait()
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBoltSnapshotIgnoresCallerBufferReuse(t *testing.T) {
	b := tempBolt(t, 2)
	ctx := context.Background()
	e := entry("a", 1, 0)
	e.Metadata["source_url"] = "https://example.com/a.jpg"
	if err := b.Upsert(ctx, []domain.Entry{e}); err != nil {
		t.Fatal(err)
	}
	e.Vector[0], e.Vector[1] = 0, 1
	e.Metadata["file_path"] = "changed.jpg"

	got, err := b.Query(ctx, domain.Vector{1, 0}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Distance > 1e-6 || got[0].Metadata["file_path"] != "a.jpg" {
		t.Fatalf("stored entry changed with the caller's slices: %+v", got[0])
	}

	got[0].Metadata["file_path"] = "mutated.jpg"
	again, err := b.Query(ctx, domain.Vector{1, 0}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if again[0].Metadata["file_path"] != "a.jpg" {
		t.Fatal("query results must not alias the snapshot")
	}
}
