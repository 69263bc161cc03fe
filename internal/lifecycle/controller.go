// Package lifecycle drives a deployment version through install and
// activation: seed the static generation, then drop every stale generation
// and move clients over.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"offline0/internal/cachestore"
	"offline0/internal/logging"
)

var (
	ErrInstallFailed     = errors.New("lifecycle: install failed")
	ErrNothingToActivate = errors.New("lifecycle: no installed version waiting")
)

type State string

const (
	StateIdle       State = "idle"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// Version is one deployment: its identifier and the generations it owns.
type Version struct {
	ID      string
	Static  string
	Dynamic string
	Seeds   []string
}

type Cache interface {
	ProvisionStatic(ctx context.Context, name string, seeds []string, fetch cachestore.FetchFunc) error
	PurgeStale(ctx context.Context, keep ...string) ([]string, error)
}

// Claimer moves live traffic to a version.
type Claimer interface {
	Claim(ctx context.Context, v Version) error
}

type Recorder interface {
	IncTransition(state string)
}

type Status struct {
	State   State    `json:"state"`
	Active  *Version `json:"active,omitempty"`
	Waiting *Version `json:"waiting,omitempty"`
}

type Controller struct {
	cache   Cache
	fetch   cachestore.FetchFunc
	claimer Claimer
	log     logging.Logger
	rec     Recorder

	mu          sync.Mutex
	state       State
	active      *Version
	waiting     *Version
	skipWaiting bool
}

func New(cache Cache, fetch cachestore.FetchFunc, claimer Claimer, log logging.Logger, rec Recorder) *Controller {
	if log == nil {
		log = logging.Discard()
	}
	return &Controller{
		cache:   cache,
		fetch:   fetch,
		claimer: claimer,
		log:     log,
		rec:     rec,
		state:   StateIdle,
	}
}

// Install seeds v's static generation. On success v waits for activation
// with skip-waiting set; on failure v is discarded and the active version,
// if any, keeps serving.
func (c *Controller) Install(ctx context.Context, v Version) error {
	c.transition(StateInstalling)
	c.log.Info("installing", "version", v.ID, "static", v.Static, "seeds", len(v.Seeds))

	if err := c.cache.ProvisionStatic(ctx, v.Static, v.Seeds, c.fetch); err != nil {
		c.mu.Lock()
		c.waiting = nil
		c.skipWaiting = false
		c.mu.Unlock()
		c.transition(StateRedundant)
		c.log.Error("install failed", "version", v.ID, "err", err)
		return fmt.Errorf("%w: %s: %w", ErrInstallFailed, v.ID, err)
	}

	c.mu.Lock()
	vv := v
	c.waiting = &vv
	c.skipWaiting = true
	c.mu.Unlock()
	c.transition(StateInstalled)
	c.log.Info("install complete", "version", v.ID)
	return nil
}

// SkipWaiting reports whether the waiting version may activate right away.
func (c *Controller) SkipWaiting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting != nil && c.skipWaiting
}

// Activate purges every generation the waiting version does not own, then
// claims clients for it.
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	v := c.waiting
	c.mu.Unlock()
	if v == nil {
		return ErrNothingToActivate
	}

	c.transition(StateActivating)
	c.log.Info("activating", "version", v.ID)

	deleted, err := c.cache.PurgeStale(ctx, v.Static, v.Dynamic)
	for _, name := range deleted {
		c.log.Info("deleted stale generation", "name", name)
	}
	if err != nil {
		c.restoreAfterFailedActivation()
		return fmt.Errorf("purge stale generations: %w", err)
	}
	if err := c.claimer.Claim(ctx, *v); err != nil {
		c.restoreAfterFailedActivation()
		return fmt.Errorf("claim clients: %w", err)
	}

	c.mu.Lock()
	c.active = v
	c.waiting = nil
	c.skipWaiting = false
	c.mu.Unlock()
	c.transition(StateActive)
	c.log.Info("activation complete", "version", v.ID)
	return nil
}

// Deploy installs v and, when skip-waiting is set, activates it.
func (c *Controller) Deploy(ctx context.Context, v Version) error {
	if err := c.Install(ctx, v); err != nil {
		return err
	}
	if !c.SkipWaiting() {
		return nil
	}
	return c.Activate(ctx)
}

// Adopt claims clients for v without seeding it. It is used at startup when
// v's generations already exist on disk from an earlier run but the origin
// cannot be reached to install again.
func (c *Controller) Adopt(ctx context.Context, v Version) error {
	if err := c.claimer.Claim(ctx, v); err != nil {
		return fmt.Errorf("claim clients: %w", err)
	}
	c.mu.Lock()
	vv := v
	c.active = &vv
	c.mu.Unlock()
	c.transition(StateActive)
	c.log.Warn("adopted existing version without install", "version", v.ID)
	return nil
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state}
	if c.active != nil {
		a := *c.active
		st.Active = &a
	}
	if c.waiting != nil {
		w := *c.waiting
		st.Waiting = &w
	}
	return st
}

// Active returns the version currently serving, if any.
func (c *Controller) Active() (Version, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return Version{}, false
	}
	return *c.active, true
}

func (c *Controller) restoreAfterFailedActivation() {
	c.mu.Lock()
	hasActive := c.active != nil
	c.mu.Unlock()
	if hasActive {
		c.transition(StateActive)
		return
	}
	c.transition(StateInstalled)
}

// transition records a state change. A redundant install with an active
// version falls back to active, since that version is still serving.
func (c *Controller) transition(s State) {
	c.mu.Lock()
	if s == StateRedundant && c.active != nil {
		c.state = StateActive
	} else {
		c.state = s
	}
	c.mu.Unlock()
	if c.rec != nil {
		c.rec.IncTransition(string(s))
	}
}
