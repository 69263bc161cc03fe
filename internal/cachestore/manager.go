// Package cachestore keeps versioned generations of captured responses in
// LevelDB. A deployment has one static generation, seeded at install, and one
// dynamic generation filled at runtime; every other generation is stale.
package cachestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/sync/errgroup"

	"offline0/internal/codec"
)

var (
	// ErrSeedFailed is returned when any seed URL could not be fetched.
	ErrSeedFailed = errors.New("cachestore: seed failed")

	// ErrNoActiveGeneration is returned by Store before a dynamic generation
	// has been claimed.
	ErrNoActiveGeneration = errors.New("cachestore: no active dynamic generation")

	// ErrGenerationRetired is returned by Store when its target generation
	// was purged before the write got the lock.
	ErrGenerationRetired = errors.New("cachestore: generation retired")
)

type Kind string

const (
	KindStatic  Kind = "static"
	KindDynamic Kind = "dynamic"
)

// FetchFunc fetches one same-origin path over the network.
type FetchFunc func(ctx context.Context, path string) (Snapshot, error)

// Active names the generations currently in use.
type Active struct {
	Static  string
	Dynamic string
}

type generationMeta struct {
	Kind      Kind
	Seq       uint64
	CreatedAt int64
}

type Manager struct {
	db *leveldb.DB

	// mu serializes registry rows so creation sequence numbers are unique.
	mu  sync.Mutex
	seq uint64
	// retired holds generations deleted by PurgeStale. They are not
	// recreated until they are provisioned or put to use again.
	retired map[string]struct{}

	active atomic.Pointer[Active]

	seedParallelism int
}

func Open(path string) (*Manager, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache db %s: %w", path, err)
	}
	m := &Manager{db: db, seedParallelism: 8, retired: make(map[string]struct{})}
	m.active.Store(&Active{})

	metas, err := m.generations()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, g := range metas {
		if g.meta.Seq > m.seq {
			m.seq = g.meta.Seq
		}
	}
	return m, nil
}

func (m *Manager) Close() error {
	return m.db.Close()
}

// Use switches the active generations. Later Store calls write to dynamic.
func (m *Manager) Use(static, dynamic string) {
	m.mu.Lock()
	delete(m.retired, static)
	delete(m.retired, dynamic)
	m.active.Store(&Active{Static: static, Dynamic: dynamic})
	m.mu.Unlock()
}

func (m *Manager) Active() Active {
	return *m.active.Load()
}

// ProvisionStatic fetches every seed and commits them to the named static
// generation in one batch. Nothing is written unless every seed succeeds.
func (m *Manager) ProvisionStatic(ctx context.Context, name string, seeds []string, fetch FetchFunc) error {
	keys := make([]string, len(seeds))
	for i, s := range seeds {
		k, err := PathKey(s)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrSeedFailed, s, err)
		}
		keys[i] = k
	}

	snaps := make([]Snapshot, len(seeds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.seedParallelism)
	for i, seed := range seeds {
		g.Go(func() error {
			s, err := fetch(gctx, seed)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrSeedFailed, seed, err)
			}
			if s.Status < 200 || s.Status >= 300 {
				return fmt.Errorf("%w: %s: status %d", ErrSeedFailed, seed, s.Status)
			}
			snaps[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.retired, name)
	batch := new(leveldb.Batch)
	if err := m.ensureGenerationLocked(batch, name, KindStatic); err != nil {
		return err
	}
	for i, s := range snaps {
		b, err := codec.Encode(s)
		if err != nil {
			return fmt.Errorf("encode seed %s: %w", seeds[i], err)
		}
		batch.Put(entryKey(name, keys[i]), b)
	}
	if err := m.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrSeedFailed, name, err)
	}
	return nil
}

// Lookup searches every known generation, oldest first.
func (m *Manager) Lookup(ctx context.Context, key string) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}
	gens, err := m.generations()
	if err != nil {
		return Snapshot{}, false, err
	}
	for _, g := range gens {
		b, err := m.db.Get(entryKey(g.name, key), nil)
		if errors.Is(err, leveldb.ErrNotFound) {
			continue
		}
		if err != nil {
			return Snapshot{}, false, fmt.Errorf("lookup %s in %s: %w", key, g.name, err)
		}
		var s Snapshot
		if err := codec.Decode(b, &s); err != nil {
			return Snapshot{}, false, fmt.Errorf("decode %s in %s: %w", key, g.name, err)
		}
		return s, true, nil
	}
	return Snapshot{}, false, nil
}

// Store puts s into the active dynamic generation. Snapshots that fail
// Cacheable are dropped without error.
func (m *Manager) Store(ctx context.Context, key string, s Snapshot) error {
	if !Cacheable(s) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	name := m.Active().Dynamic
	if name == "" {
		return ErrNoActiveGeneration
	}
	b, err := codec.Encode(s)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.retired[name]; ok {
		return fmt.Errorf("%w: %s", ErrGenerationRetired, name)
	}
	batch := new(leveldb.Batch)
	if err := m.ensureGenerationLocked(batch, name, KindDynamic); err != nil {
		return err
	}
	batch.Put(entryKey(name, key), b)
	if err := m.db.Write(batch, nil); err != nil {
		return fmt.Errorf("store %s in %s: %w", key, name, err)
	}
	return nil
}

// PurgeStale deletes every generation whose name is not in keep and returns
// the deleted names.
func (m *Manager) PurgeStale(ctx context.Context, keep ...string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keepSet := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		keepSet[k] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	gens, err := m.generations()
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, g := range gens {
		if _, ok := keepSet[g.name]; ok {
			continue
		}
		if err := m.deleteGenerationLocked(g.name); err != nil {
			return deleted, err
		}
		deleted = append(deleted, g.name)
	}
	// The active dynamic generation may not exist yet when nothing has been
	// stored; it is retired all the same unless kept.
	if cur := m.Active().Dynamic; cur != "" {
		if _, ok := keepSet[cur]; !ok {
			m.retired[cur] = struct{}{}
		}
	}
	for _, name := range deleted {
		m.retired[name] = struct{}{}
	}
	return deleted, nil
}

// Names lists generations in creation order.
func (m *Manager) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gens, err := m.generations()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(gens))
	for _, g := range gens {
		out = append(out, g.name)
	}
	return out, nil
}

func (m *Manager) EntryCount(ctx context.Context, name string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	it := m.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

// ---- registry ----

type namedGeneration struct {
	name string
	meta generationMeta
}

func (m *Manager) generations() ([]namedGeneration, error) {
	it := m.db.NewIterator(util.BytesPrefix([]byte("n:")), nil)
	defer it.Release()

	var out []namedGeneration
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte("n:")))
		var meta generationMeta
		if err := codec.Decode(it.Value(), &meta); err != nil {
			continue
		}
		out = append(out, namedGeneration{name: name, meta: meta})
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].meta.Seq < out[j].meta.Seq })
	return out, nil
}

func (m *Manager) ensureGenerationLocked(batch *leveldb.Batch, name string, kind Kind) error {
	ok, err := m.db.Has(registryKey(name), nil)
	if err != nil {
		return fmt.Errorf("open generation %s: %w", name, err)
	}
	if ok {
		return nil
	}
	m.seq++
	b, err := codec.Encode(generationMeta{Kind: kind, Seq: m.seq, CreatedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	batch.Put(registryKey(name), b)
	return nil
}

func (m *Manager) deleteGenerationLocked(name string) error {
	batch := new(leveldb.Batch)
	it := m.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return fmt.Errorf("scan generation %s: %w", name, err)
	}
	batch.Delete(registryKey(name))
	if err := m.db.Write(batch, nil); err != nil {
		return fmt.Errorf("delete generation %s: %w", name, err)
	}
	return nil
}

func registryKey(name string) []byte { return []byte("n:" + name) }

func entryPrefix(name string) []byte { return []byte("g:" + name + "\x00") }

func entryKey(name, key string) []byte { return append(entryPrefix(name), key...) }
