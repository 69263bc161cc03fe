package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"reflect"
	"testing"

	"offline0/internal/cachestore"
)

type claimer struct {
	cache   *cachestore.Manager
	claimed []string
}

func (c *claimer) Claim(ctx context.Context, v Version) error {
	c.cache.Use(v.Static, v.Dynamic)
	c.claimed = append(c.claimed, v.ID)
	return nil
}

type transitions struct{ states []string }

func (t *transitions) IncTransition(s string) { t.states = append(t.states, s) }

func version(id string, seeds ...string) Version {
	return Version{ID: id, Static: "sma-static-" + id, Dynamic: "sma-dynamic-" + id, Seeds: seeds}
}

func fetchFrom(offline map[string]bool) cachestore.FetchFunc {
	return func(ctx context.Context, path string) (cachestore.Snapshot, error) {
		if offline[path] {
			return cachestore.Snapshot{}, fmt.Errorf("dial tcp: connection refused")
		}
		return cachestore.NewSnapshot(http.MethodGet, "http://app.test"+path, http.StatusOK, http.Header{}, []byte("seed "+path), cachestore.TypeBasic, true, 1), nil
	}
}

func setup(t *testing.T, offline map[string]bool) (*Controller, *cachestore.Manager, *claimer, *transitions) {
	t.Helper()
	m, err := cachestore.Open(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = m.Close() })
	cl := &claimer{cache: m}
	tr := &transitions{}
	return New(m, fetchFrom(offline), cl, nil, tr), m, cl, tr
}

func TestDeployInstallsAndActivates(t *testing.T) {
	c, m, cl, tr := setup(t, nil)
	ctx := context.Background()

	if err := c.Deploy(ctx, version("v1", "/", "/dashboard/")); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	if st := c.Status(); st.State != StateActive || st.Active == nil || st.Active.ID != "v1" || st.Waiting != nil {
		t.Fatalf("Status = %+v", st)
	}
	if !reflect.DeepEqual(cl.claimed, []string{"v1"}) {
		t.Fatalf("claimed = %v", cl.claimed)
	}
	if got := m.Active(); got.Static != "sma-static-v1" || got.Dynamic != "sma-dynamic-v1" {
		t.Fatalf("cache active = %+v", got)
	}
	want := []string{"installing", "installed", "activating", "active"}
	if !reflect.DeepEqual(tr.states, want) {
		t.Fatalf("transitions = %v, want %v", tr.states, want)
	}
	if _, ok, _ := m.Lookup(ctx, "/dashboard/"); !ok {
		t.Fatal("seed not cached")
	}
}

func TestInstallSetsSkipWaiting(t *testing.T) {
	c, _, _, _ := setup(t, nil)
	if c.SkipWaiting() {
		t.Fatal("SkipWaiting before install")
	}
	if err := c.Install(context.Background(), version("v1", "/")); err != nil {
		t.Fatal(err)
	}
	if !c.SkipWaiting() || c.Status().State != StateInstalled {
		t.Fatalf("after install: skip=%v state=%s", c.SkipWaiting(), c.Status().State)
	}
}

func TestUpgradePurgesOldGenerations(t *testing.T) {
	c, m, _, _ := setup(t, nil)
	ctx := context.Background()

	if err := c.Deploy(ctx, version("v1", "/")); err != nil {
		t.Fatal(err)
	}
	fill := cachestore.NewSnapshot(http.MethodGet, "http://app.test/students/", http.StatusOK, http.Header{}, []byte("old"), cachestore.TypeBasic, true, 1)
	if err := m.Store(ctx, "/students/", fill); err != nil {
		t.Fatal(err)
	}

	if err := c.Deploy(ctx, version("v2", "/")); err != nil {
		t.Fatalf("Deploy v2: %v", err)
	}
	names, _ := m.Names(ctx)
	if want := []string{"sma-static-v2"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("Names = %v, want %v", names, want)
	}
	if _, ok, _ := m.Lookup(ctx, "/students/"); ok {
		t.Fatal("stale dynamic entry survived the version bump")
	}
}

func TestFailedInstallKeepsActiveVersion(t *testing.T) {
	c, m, cl, _ := setup(t, nil)
	ctx := context.Background()

	if err := c.Deploy(ctx, version("v1", "/")); err != nil {
		t.Fatal(err)
	}

	c.fetch = fetchFrom(map[string]bool{"/fees/": true})
	err := c.Deploy(ctx, version("v2", "/", "/fees/"))
	if !errors.Is(err, ErrInstallFailed) || !errors.Is(err, cachestore.ErrSeedFailed) {
		t.Fatalf("expected ErrInstallFailed wrapping ErrSeedFailed, got %v", err)
	}

	st := c.Status()
	if st.State != StateActive || st.Active == nil || st.Active.ID != "v1" || st.Waiting != nil {
		t.Fatalf("Status after failed install = %+v", st)
	}
	if !reflect.DeepEqual(cl.claimed, []string{"v1"}) {
		t.Fatalf("claimed = %v", cl.claimed)
	}
	names, _ := m.Names(ctx)
	if want := []string{"sma-static-v1"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("Names = %v, want %v", names, want)
	}
	if _, ok, _ := m.Lookup(ctx, "/"); !ok {
		t.Fatal("v1 static entries lost after failed upgrade")
	}
}

func TestFailedFirstInstallIsRedundant(t *testing.T) {
	c, _, cl, _ := setup(t, map[string]bool{"/": true})

	err := c.Deploy(context.Background(), version("v1", "/"))
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("expected ErrInstallFailed, got %v", err)
	}
	if st := c.Status(); st.State != StateRedundant || st.Active != nil {
		t.Fatalf("Status = %+v", st)
	}
	if len(cl.claimed) != 0 {
		t.Fatalf("claimed = %v", cl.claimed)
	}
	if _, ok := c.Active(); ok {
		t.Fatal("Active reported a version")
	}
}

func TestActivateWithoutInstall(t *testing.T) {
	c, _, _, _ := setup(t, nil)
	if err := c.Activate(context.Background()); !errors.Is(err, ErrNothingToActivate) {
		t.Fatalf("expected ErrNothingToActivate, got %v", err)
	}
}

func TestAdoptAfterFailedInstall(t *testing.T) {
	c, m, cl, _ := setup(t, map[string]bool{"/": true})
	ctx := context.Background()

	v := version("v1", "/")
	if err := c.Deploy(ctx, v); !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("expected ErrInstallFailed, got %v", err)
	}
	if err := c.Adopt(ctx, v); err != nil {
		t.Fatalf("Adopt: %v", err)
	}
	if st := c.Status(); st.State != StateActive || st.Active == nil || st.Active.ID != "v1" {
		t.Fatalf("Status = %+v", st)
	}
	if got := m.Active(); got.Dynamic != "sma-dynamic-v1" {
		t.Fatalf("cache active = %+v", got)
	}
	if !reflect.DeepEqual(cl.claimed, []string{"v1"}) {
		t.Fatalf("claimed = %v", cl.claimed)
	}
}

// lateFiller stores into whatever dynamic generation is still active right
// before switching, like an in-flight interceptor fill.
type lateFiller struct{ cache *cachestore.Manager }

func (l lateFiller) Claim(ctx context.Context, v Version) error {
	s := cachestore.NewSnapshot(http.MethodGet, "http://app.test/fees/", http.StatusOK, http.Header{}, []byte("old"), cachestore.TypeBasic, true, 1)
	_ = l.cache.Store(ctx, "/fees/", s)
	l.cache.Use(v.Static, v.Dynamic)
	return nil
}

func TestUpgradeIgnoresFillBetweenPurgeAndClaim(t *testing.T) {
	m, err := cachestore.Open(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = m.Close() })
	c := New(m, fetchFrom(nil), lateFiller{cache: m}, nil, nil)
	ctx := context.Background()

	if err := c.Deploy(ctx, version("v1", "/")); err != nil {
		t.Fatal(err)
	}
	if err := c.Deploy(ctx, version("v2", "/")); err != nil {
		t.Fatal(err)
	}
	names, _ := m.Names(ctx)
	if want := []string{"sma-static-v2"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("Names = %v, want %v", names, want)
	}
	if _, ok, _ := m.Lookup(ctx, "/fees/"); ok {
		t.Fatal("fill from the old version survived the upgrade")
	}
}
