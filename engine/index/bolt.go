package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/charsearch/charsearch/engine/domain"
)

var (
	bucketEntries = []byte("entries")
	bucketMeta    = []byte("meta")
	keyDims       = []byte("dims")
)

// storedEntry is the on-disk JSON form of an entry. Seq is assigned on first
// insert and kept across overwrites.
type storedEntry struct {
	Seq      uint64          `json:"seq"`
	Vector   []float32       `json:"v"`
	Document string          `json:"doc"`
	Metadata domain.Metadata `json:"m,omitempty"`
}

type boltEntry struct {
	id string
	storedEntry
}

// snapshot is immutable once published.
type snapshot struct {
	entries []boltEntry // ascending seq
	pos     map[string]int
}

// Bolt is an Index persisted in a bbolt file, one top-level bucket per
// collection. Queries scan an in-memory snapshot that is replaced after
// every committed write, so readers never block on writers and always see
// either the pre- or post-upsert state.
type Bolt struct {
	db         *bbolt.DB
	collection []byte
	dims       int
	logger     *zap.Logger

	writeMu sync.Mutex
	snap    atomic.Pointer[snapshot]
	closed  atomic.Bool
}

// BoltOptions configures OpenBolt.
type BoltOptions struct {
	Path       string
	Collection string
	// Dims is the expected dimensionality. Zero adopts the stored value of an
	// existing collection.
	Dims   int
	Logger *zap.Logger
}

// OpenBolt opens or creates the collection in the bbolt file at opts.Path.
func OpenBolt(opts BoltOptions) (*Bolt, error) {
	if opts.Collection == "" {
		return nil, fmt.Errorf("index: open bolt: collection name is empty")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("index: open bolt: %w: %w", domain.ErrIndexUnavailable, err)
		}
	}
	db, err := bbolt.Open(opts.Path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("index: open bolt %s: %w: %w", opts.Path, domain.ErrIndexUnavailable, err)
	}

	b := &Bolt{db: db, collection: []byte(opts.Collection), dims: opts.Dims, logger: logger}
	if err := b.init(); err != nil {
		db.Close()
		return nil, err
	}
	snap, err := b.load()
	if err != nil {
		db.Close()
		return nil, err
	}
	b.snap.Store(snap)
	logger.Info("bolt index opened",
		zap.String("path", opts.Path),
		zap.String("collection", opts.Collection),
		zap.Int("dims", b.dims),
		zap.Int("entries", len(snap.entries)))
	return b, nil
}

// init creates the collection buckets and reconciles the stored dimensionality.
func (b *Bolt) init() error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		coll, err := tx.CreateBucketIfNotExists(b.collection)
		if err != nil {
			return err
		}
		if _, err := coll.CreateBucketIfNotExists(bucketEntries); err != nil {
			return err
		}
		meta, err := coll.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if raw := meta.Get(keyDims); raw != nil {
			stored, err := strconv.Atoi(string(raw))
			if err != nil {
				return fmt.Errorf("corrupt dims %q: %w", raw, err)
			}
			if b.dims == 0 {
				b.dims = stored
				return nil
			}
			if stored != b.dims {
				return &domain.DimensionError{Want: stored, Got: b.dims}
			}
			return nil
		}
		if b.dims <= 0 {
			return fmt.Errorf("new collection %q needs a dimensionality", b.collection)
		}
		return meta.Put(keyDims, []byte(strconv.Itoa(b.dims)))
	})
	if err == nil {
		return nil
	}
	var de *domain.DimensionError
	if errors.As(err, &de) {
		return fmt.Errorf("index: open collection %s: %w", b.collection, err)
	}
	return fmt.Errorf("index: open collection %s: %w: %w", b.collection, domain.ErrIndexUnavailable, err)
}

func (b *Bolt) load() (*snapshot, error) {
	snap := &snapshot{pos: make(map[string]int)}
	err := b.db.View(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(b.collection).Bucket(bucketEntries)
		return entries.ForEach(func(k, v []byte) error {
			var se storedEntry
			if err := json.Unmarshal(v, &se); err != nil {
				b.logger.Warn("skipping corrupt index entry", zap.ByteString("id", k), zap.Error(err))
				return nil
			}
			snap.entries = append(snap.entries, boltEntry{id: string(k), storedEntry: se})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("index: load collection %s: %w: %w", b.collection, domain.ErrIndexUnavailable, err)
	}
	sort.Slice(snap.entries, func(i, j int) bool { return snap.entries[i].Seq < snap.entries[j].Seq })
	for i, e := range snap.entries {
		snap.pos[e.id] = i
	}
	return snap, nil
}

// Dims returns the collection dimensionality.
func (b *Bolt) Dims() int { return b.dims }

// Upsert writes the batch in one transaction. Every entry is validated first;
// an invalid entry rejects the whole batch. Within a batch the last entry for
// an id wins.
func (b *Bolt) Upsert(ctx context.Context, entries []domain.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if err := domain.ValidateEntry(e, b.dims); err != nil {
			return fmt.Errorf("index: upsert: %w", err)
		}
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if b.closed.Load() {
		return fmt.Errorf("index: upsert: %w: closed", domain.ErrIndexUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("index: upsert: %w", domain.Cancelled(err))
	}

	written := make(map[string]storedEntry, len(entries))
	order := make([]string, 0, len(entries))
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.collection).Bucket(bucketEntries)
		for _, e := range entries {
			key := []byte(e.ID)
			se := storedEntry{
				Vector:   slices.Clone(e.Vector),
				Document: e.Document,
				Metadata: maps.Clone(e.Metadata),
			}
			if prev, ok := written[e.ID]; ok {
				se.Seq = prev.Seq
			} else if raw := bucket.Get(key); raw != nil {
				var old storedEntry
				if err := json.Unmarshal(raw, &old); err != nil {
					return fmt.Errorf("decode %q: %w", e.ID, err)
				}
				se.Seq = old.Seq
			} else {
				seq, err := bucket.NextSequence()
				if err != nil {
					return err
				}
				se.Seq = seq
			}
			data, err := json.Marshal(se)
			if err != nil {
				return err
			}
			if err := bucket.Put(key, data); err != nil {
				return err
			}
			if _, ok := written[e.ID]; !ok {
				order = append(order, e.ID)
			}
			written[e.ID] = se
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("index: upsert %d entries: %w: %w", len(entries), domain.ErrIndexUnavailable, err)
	}

	b.publish(order, written)
	return nil
}

// publish swaps in a snapshot holding the committed writes. Must hold writeMu.
func (b *Bolt) publish(order []string, written map[string]storedEntry) {
	old := b.snap.Load()
	next := &snapshot{
		entries: make([]boltEntry, len(old.entries), len(old.entries)+len(order)),
		pos:     make(map[string]int, len(old.pos)+len(order)),
	}
	copy(next.entries, old.entries)
	maps.Copy(next.pos, old.pos)
	for _, id := range order {
		se := written[id]
		if i, ok := next.pos[id]; ok {
			next.entries[i] = boltEntry{id: id, storedEntry: se}
			continue
		}
		next.pos[id] = len(next.entries)
		next.entries = append(next.entries, boltEntry{id: id, storedEntry: se})
	}
	b.snap.Store(next)
}

// Query scans the current snapshot.
func (b *Bolt) Query(ctx context.Context, q domain.Vector, k int) ([]domain.Neighbor, error) {
	if b.closed.Load() {
		return nil, fmt.Errorf("index: query: %w: closed", domain.ErrIndexUnavailable)
	}
	if err := domain.CheckDims(q, b.dims); err != nil {
		return nil, fmt.Errorf("index: query: %w", err)
	}
	if k <= 0 {
		return []domain.Neighbor{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("index: query: %w", domain.Cancelled(err))
	}

	snap := b.snap.Load()
	cs := make([]candidate, len(snap.entries))
	for i, e := range snap.entries {
		cs[i] = candidate{
			Neighbor: domain.Neighbor{
				ID:       e.id,
				Document: e.Document,
				Distance: CosineDistance(q, e.Vector),
				Metadata: maps.Clone(e.Metadata),
			},
			seq: e.Seq,
		}
	}
	return topNeighbors(cs, k), nil
}

// Count returns the number of entries in the current snapshot.
func (b *Bolt) Count(_ context.Context) (int, error) {
	if b.closed.Load() {
		return 0, fmt.Errorf("index: count: %w: closed", domain.ErrIndexUnavailable)
	}
	return len(b.snap.Load().entries), nil
}

// Close closes the bbolt file.
func (b *Bolt) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("index: close: %w", err)
	}
	return nil
}
