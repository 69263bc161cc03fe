package cachestore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"
)

func openTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := Open(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func okSnapshot(body string) Snapshot {
	h := make(http.Header)
	h.Set("Content-Type", "text/html; charset=utf-8")
	return NewSnapshot(http.MethodGet, "http://app.test/x", http.StatusOK, h, []byte(body), TypeBasic, true, 1)
}

func fakeFetch(bodies map[string]string) FetchFunc {
	return func(ctx context.Context, path string) (Snapshot, error) {
		b, ok := bodies[path]
		if !ok {
			return Snapshot{}, fmt.Errorf("connection refused")
		}
		return okSnapshot(b), nil
	}
}

func TestCacheable(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Snapshot)
		want   bool
	}{
		{"Basic200", func(*Snapshot) {}, true},
		{"Post", func(s *Snapshot) { s.Method = http.MethodPost }, false},
		{"CrossOrigin", func(s *Snapshot) { s.SameOrigin = false }, false},
		{"NotFound", func(s *Snapshot) { s.Status = http.StatusNotFound }, false},
		{"NoContent", func(s *Snapshot) { s.Status = http.StatusNoContent }, false},
		{"Opaque", func(s *Snapshot) { s.Type = TypeOpaque }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := okSnapshot("x")
			tt.mutate(&s)
			if got := Cacheable(s); got != tt.want {
				t.Fatalf("Cacheable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStoreOnlyCacheable(t *testing.T) {
	m := openTestManager(t)
	ctx := context.Background()
	m.Use("static-v1", "dynamic-v1")

	bad := okSnapshot("nope")
	bad.Status = http.StatusInternalServerError
	if err := m.Store(ctx, "/bad", bad); err != nil {
		t.Fatalf("Store non-cacheable: %v", err)
	}
	if _, ok, _ := m.Lookup(ctx, "/bad"); ok {
		t.Fatal("non-cacheable snapshot was stored")
	}
	names, _ := m.Names(ctx)
	if len(names) != 0 {
		t.Fatalf("rejected store created generations: %v", names)
	}

	good := okSnapshot("hello")
	if err := m.Store(ctx, "/good", good); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, ok, err := m.Lookup(ctx, "/good")
	if err != nil || !ok {
		t.Fatalf("Lookup = %v, %v", ok, err)
	}
	if string(got.Body) != "hello" {
		t.Fatalf("Body = %q, want %q", got.Body, "hello")
	}
	if got.Hash32 != good.Hash32 {
		t.Fatalf("Hash32 = %d, want %d", got.Hash32, good.Hash32)
	}
}

func TestStoreWithoutActiveGeneration(t *testing.T) {
	m := openTestManager(t)
	err := m.Store(context.Background(), "/a", okSnapshot("a"))
	if !errors.Is(err, ErrNoActiveGeneration) {
		t.Fatalf("expected ErrNoActiveGeneration, got %v", err)
	}
}

func TestStoreLastWriteWins(t *testing.T) {
	m := openTestManager(t)
	ctx := context.Background()
	m.Use("s", "d")

	_ = m.Store(ctx, "/k", okSnapshot("one"))
	_ = m.Store(ctx, "/k", okSnapshot("two"))

	got, ok, _ := m.Lookup(ctx, "/k")
	if !ok || string(got.Body) != "two" {
		t.Fatalf("Lookup = %q, %v; want %q", got.Body, ok, "two")
	}
}

func TestProvisionStatic(t *testing.T) {
	m := openTestManager(t)
	ctx := context.Background()

	seeds := []string{"/", "/static/manifest.json", "/dashboard/"}
	fetch := fakeFetch(map[string]string{
		"/":                     "root",
		"/static/manifest.json": "{}",
		"/dashboard/":           "dash",
	})
	if err := m.ProvisionStatic(ctx, "static-v1", seeds, fetch); err != nil {
		t.Fatalf("ProvisionStatic: %v", err)
	}

	n, err := m.EntryCount(ctx, "static-v1")
	if err != nil {
		t.Fatalf("EntryCount: %v", err)
	}
	if n != len(seeds) {
		t.Fatalf("EntryCount = %d, want %d", n, len(seeds))
	}
	got, ok, _ := m.Lookup(ctx, "/dashboard/")
	if !ok || string(got.Body) != "dash" {
		t.Fatalf("Lookup /dashboard/ = %q, %v", got.Body, ok)
	}
}

func TestProvisionStaticAllOrNothing(t *testing.T) {
	m := openTestManager(t)
	ctx := context.Background()

	seeds := []string{"/", "/missing", "/fees/"}
	fetch := fakeFetch(map[string]string{"/": "root", "/fees/": "fees"})

	err := m.ProvisionStatic(ctx, "static-v1", seeds, fetch)
	if !errors.Is(err, ErrSeedFailed) {
		t.Fatalf("expected ErrSeedFailed, got %v", err)
	}
	names, _ := m.Names(ctx)
	if len(names) != 0 {
		t.Fatalf("failed seeding left generations behind: %v", names)
	}
	if _, ok, _ := m.Lookup(ctx, "/"); ok {
		t.Fatal("failed seeding left entries behind")
	}
}

func TestProvisionStaticRejectsErrorStatus(t *testing.T) {
	m := openTestManager(t)
	fetch := func(ctx context.Context, path string) (Snapshot, error) {
		s := okSnapshot("gone")
		s.Status = http.StatusNotFound
		return s, nil
	}
	err := m.ProvisionStatic(context.Background(), "static-v1", []string{"/"}, fetch)
	if !errors.Is(err, ErrSeedFailed) {
		t.Fatalf("expected ErrSeedFailed, got %v", err)
	}
}

func TestPurgeStale(t *testing.T) {
	m := openTestManager(t)
	ctx := context.Background()

	var calls atomic.Int32
	fetch := func(ctx context.Context, path string) (Snapshot, error) {
		calls.Add(1)
		return okSnapshot(path), nil
	}
	for _, v := range []string{"v1", "v2"} {
		if err := m.ProvisionStatic(ctx, "static-"+v, []string{"/"}, fetch); err != nil {
			t.Fatalf("ProvisionStatic %s: %v", v, err)
		}
		m.Use("static-"+v, "dynamic-"+v)
		if err := m.Store(ctx, "/page", okSnapshot("page-"+v)); err != nil {
			t.Fatalf("Store %s: %v", v, err)
		}
	}

	deleted, err := m.PurgeStale(ctx, "static-v2", "dynamic-v2")
	if err != nil {
		t.Fatalf("PurgeStale: %v", err)
	}
	if want := []string{"static-v1", "dynamic-v1"}; !reflect.DeepEqual(deleted, want) {
		t.Fatalf("deleted = %v, want %v", deleted, want)
	}

	names, _ := m.Names(ctx)
	if want := []string{"static-v2", "dynamic-v2"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("Names = %v, want %v", names, want)
	}
	if n, _ := m.EntryCount(ctx, "dynamic-v1"); n != 0 {
		t.Fatalf("stale entries left: %d", n)
	}
	got, ok, _ := m.Lookup(ctx, "/page")
	if !ok || string(got.Body) != "page-v2" {
		t.Fatalf("Lookup /page = %q, %v", got.Body, ok)
	}

	deleted, err = m.PurgeStale(ctx, "static-v2", "dynamic-v2")
	if err != nil || len(deleted) != 0 {
		t.Fatalf("second PurgeStale = %v, %v", deleted, err)
	}
}

func TestGenerationsSurviveReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	ctx := context.Background()

	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	m.Use("s1", "d1")
	if err := m.Store(ctx, "/a", okSnapshot("a")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	_ = m.Close()

	m, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer m.Close()
	m.Use("s1", "d2")
	if err := m.Store(ctx, "/b", okSnapshot("b")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	names, _ := m.Names(ctx)
	if want := []string{"d1", "d2"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("Names = %v, want %v", names, want)
	}
}

func TestSnapshotCloneIndependent(t *testing.T) {
	s := okSnapshot("abc")
	c := s.Clone()
	c.Body[0] = 'z'
	c.Header.Set("Content-Type", "text/plain")
	if string(s.Body) != "abc" {
		t.Fatalf("clone shares body: %q", s.Body)
	}
	if s.Header.Get("Content-Type") != "text/html; charset=utf-8" {
		t.Fatalf("clone shares header: %q", s.Header.Get("Content-Type"))
	}
}

func TestStoreAfterPurgeDoesNotRecreateGeneration(t *testing.T) {
	m := openTestManager(t)
	ctx := context.Background()

	m.Use("static-v1", "dynamic-v1")
	if err := m.Store(ctx, "/students/", okSnapshot("v1")); err != nil {
		t.Fatal(err)
	}

	// A fill landing between purge and claim still targets dynamic-v1.
	if _, err := m.PurgeStale(ctx, "static-v2", "dynamic-v2"); err != nil {
		t.Fatal(err)
	}
	err := m.Store(ctx, "/fees/", okSnapshot("late v1 fill"))
	if !errors.Is(err, ErrGenerationRetired) {
		t.Fatalf("expected ErrGenerationRetired, got %v", err)
	}
	m.Use("static-v2", "dynamic-v2")

	names, _ := m.Names(ctx)
	if len(names) != 0 {
		t.Fatalf("Names = %v, want none", names)
	}
	if _, ok, _ := m.Lookup(ctx, "/fees/"); ok {
		t.Fatal("late fill is visible after the version bump")
	}
	if err := m.Store(ctx, "/fees/", okSnapshot("v2")); err != nil {
		t.Fatalf("Store into dynamic-v2: %v", err)
	}
}

func TestUseRevivesRetiredGeneration(t *testing.T) {
	m := openTestManager(t)
	ctx := context.Background()

	m.Use("static-v1", "dynamic-v1")
	if _, err := m.PurgeStale(ctx, "static-v2", "dynamic-v2"); err != nil {
		t.Fatal(err)
	}
	if err := m.Store(ctx, "/", okSnapshot("x")); !errors.Is(err, ErrGenerationRetired) {
		t.Fatalf("expected ErrGenerationRetired, got %v", err)
	}

	m.Use("static-v1", "dynamic-v1")
	if err := m.Store(ctx, "/", okSnapshot("x")); err != nil {
		t.Fatalf("Store after Use: %v", err)
	}
}
