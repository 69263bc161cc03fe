// Package queue persists write requests that failed while offline until they
// can be replayed against the origin.
package queue

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"offline0/internal/codec"
)

var (
	// ErrUnavailable is returned when the backing store cannot be opened.
	ErrUnavailable = errors.New("queue: storage unavailable")

	// ErrNotInitialized is returned until Initialize has created the schema.
	ErrNotInitialized = errors.New("queue: schema not initialized")
)

const schemaVersion = 1

var (
	schemaKey    = []byte("meta:schema")
	seqKey       = []byte("meta:seq")
	recordPrefix = []byte("s:")
	createdIndex = []byte("t:")
)

// Submission is one deferred write request.
type Submission struct {
	ID        uint64
	URL       string
	Method    string
	Header    http.Header
	Body      []byte
	CreatedAt time.Time
}

// Store is a LevelDB-backed queue. The database is opened on first use; a
// failed open is reported as ErrUnavailable and attempted again on the next
// call.
type Store struct {
	path string

	openMu sync.Mutex
	db     *leveldb.DB

	// seqMu serializes id allocation.
	seqMu sync.Mutex

	now func() time.Time
}

func New(path string) *Store {
	return &Store{path: path, now: time.Now}
}

func (s *Store) Close() error {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) open() (*leveldb.DB, error) {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	db, err := leveldb.OpenFile(s.path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.db = db
	return db, nil
}

// ready opens the store and checks the schema marker.
func (s *Store) ready(ctx context.Context) (*leveldb.DB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	ok, err := db.Has(schemaKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return nil, ErrNotInitialized
	}
	return db, nil
}

// Initialize creates the schema marker. Calling it again is a no-op.
func (s *Store) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db, err := s.open()
	if err != nil {
		return err
	}
	ok, err := db.Has(schemaKey, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ok {
		return nil
	}
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, schemaVersion)
	if err := db.Put(schemaKey, v, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Enqueue assigns sub an id and creation time and returns once the record is
// synced to disk.
func (s *Store) Enqueue(ctx context.Context, sub Submission) (Submission, error) {
	db, err := s.ready(ctx)
	if err != nil {
		return Submission{}, err
	}

	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	var last uint64
	b, err := db.Get(seqKey, nil)
	switch {
	case err == nil:
		last = binary.BigEndian.Uint64(b)
	case errors.Is(err, leveldb.ErrNotFound):
	default:
		return Submission{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sub.ID = last + 1
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.now().UTC()
	}
	rec, err := codec.Encode(sub)
	if err != nil {
		return Submission{}, fmt.Errorf("encode submission: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(recordKey(sub.ID), rec)
	batch.Put(indexKey(sub.CreatedAt, sub.ID), nil)
	batch.Put(seqKey, u64(sub.ID))
	if err := db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return sub, nil
}

// ListAll returns queued submissions in insertion order.
func (s *Store) ListAll(ctx context.Context) ([]Submission, error) {
	db, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	it := db.NewIterator(util.BytesPrefix(recordPrefix), nil)
	defer it.Release()

	var out []Submission
	for it.Next() {
		var sub Submission
		if err := codec.Decode(it.Value(), &sub); err != nil {
			return nil, fmt.Errorf("decode submission: %w", err)
		}
		out = append(out, sub)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

// ListByCreated returns queued submissions ordered by creation time, using
// the timestamp index. Ties keep id order.
func (s *Store) ListByCreated(ctx context.Context) ([]Submission, error) {
	db, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	it := db.NewIterator(util.BytesPrefix(createdIndex), nil)
	defer it.Release()

	var out []Submission
	for it.Next() {
		k := it.Key()
		id := binary.BigEndian.Uint64(k[len(k)-8:])
		b, err := db.Get(recordKey(id), nil)
		if errors.Is(err, leveldb.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		var sub Submission
		if err := codec.Decode(b, &sub); err != nil {
			return nil, fmt.Errorf("decode submission %d: %w", id, err)
		}
		out = append(out, sub)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

// Remove deletes the submission with the given id. Missing ids are ignored.
func (s *Store) Remove(ctx context.Context, id uint64) error {
	db, err := s.ready(ctx)
	if err != nil {
		return err
	}
	b, err := db.Get(recordKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var sub Submission
	if err := codec.Decode(b, &sub); err != nil {
		return fmt.Errorf("decode submission %d: %w", id, err)
	}

	batch := new(leveldb.Batch)
	batch.Delete(recordKey(id))
	batch.Delete(indexKey(sub.CreatedAt, id))
	if err := db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Len(ctx context.Context) (int, error) {
	db, err := s.ready(ctx)
	if err != nil {
		return 0, err
	}
	it := db.NewIterator(util.BytesPrefix(recordPrefix), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func recordKey(id uint64) []byte {
	return append(append([]byte(nil), recordPrefix...), u64(id)...)
}

func indexKey(created time.Time, id uint64) []byte {
	k := append([]byte(nil), createdIndex...)
	k = append(k, u64(uint64(created.UnixNano()))...)
	return append(k, u64(id)...)
}
