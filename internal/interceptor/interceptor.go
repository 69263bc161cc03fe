// Package interceptor answers same-origin GET requests cache-first and keeps
// the dynamic generation filled from the network.
package interceptor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"offline0/internal/cachestore"
	"offline0/internal/logging"
	"offline0/internal/upstream"
)

type Cache interface {
	Lookup(ctx context.Context, key string) (cachestore.Snapshot, bool, error)
	Store(ctx context.Context, key string, s cachestore.Snapshot) error
}

type Network interface {
	Capture(req *http.Request) (cachestore.Snapshot, error)
	Do(req *http.Request) (*http.Response, error)
	Resolve(ref string) (*url.URL, error)
	SameOrigin(u *url.URL) bool
}

type Observer interface {
	ObserveRequest(outcome string)
}

type Options struct {
	// PublicOrigin is the origin clients use to reach the gateway, e.g.
	// https://app.example.com. When empty, the Host header is not checked.
	PublicOrigin string

	// RootPath is served to navigations while the origin is unreachable.
	RootPath string

	Logger   logging.Logger
	Observer Observer

	// OnServed is called with the body size of every hit and miss.
	OnServed func(outcome string, size int)

	// MaxBackgroundStores bounds concurrent cache fills; extra fills run
	// inline after the response is written.
	MaxBackgroundStores int
}

type Interceptor struct {
	cache Cache
	net   Network

	public  *url.URL
	rootKey string

	log        logging.Logger
	offlineLog *logging.RateLimited
	observer   Observer
	onServed   func(string, int)

	bgSem chan struct{}
	wg    sync.WaitGroup
}

func New(cache Cache, network Network, opts Options) (*Interceptor, error) {
	i := &Interceptor{
		cache:    cache,
		net:      network,
		log:      opts.Logger,
		observer: opts.Observer,
		onServed: opts.OnServed,
	}
	if i.log == nil {
		i.log = logging.Discard()
	}
	i.offlineLog = logging.NewRateLimited(i.log, time.Minute)

	if opts.PublicOrigin != "" {
		u, err := url.Parse(strings.TrimRight(opts.PublicOrigin, "/"))
		if err != nil {
			return nil, err
		}
		i.public = u
	}

	root := opts.RootPath
	if root == "" {
		root = "/"
	}
	key, err := cachestore.PathKey(root)
	if err != nil {
		return nil, err
	}
	i.rootKey = key

	n := opts.MaxBackgroundStores
	if n <= 0 {
		n = 32
	}
	i.bgSem = make(chan struct{}, n)
	return i, nil
}

// Wait blocks until background cache fills have finished.
func (i *Interceptor) Wait() {
	i.wg.Wait()
}

func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.IsAbs() && !i.sameOrigin(r) {
		// Absolute-form requests for other hosts: the gateway only talks to
		// its origin.
		i.refuse(w, r)
		return
	}
	if r.Method != http.MethodGet || !i.sameOrigin(r) {
		i.passThrough(w, r)
		return
	}

	ctx := r.Context()
	key := cachestore.RequestKey(r.URL)

	cacheOK := true
	ent, ok, err := i.cache.Lookup(ctx, key)
	switch {
	case err != nil:
		// Degrade to plain network for this request.
		i.log.Warn("cache lookup failed", "key", key, "err", err)
		cacheOK = false
	case ok:
		i.respond(w, ent, "hit")
		return
	}

	out, err := i.outbound(r, nil)
	if err != nil {
		i.badGateway(w)
		return
	}
	snap, err := i.net.Capture(out)
	if errors.Is(err, upstream.ErrResponseTooLarge) {
		i.log.Info("response too large to cache, streaming", "key", key)
		i.passThrough(w, r)
		return
	}
	if err != nil {
		i.offlineLog.Warn("origin unreachable", "key", key, "err", err)
		if cacheOK && isNavigation(r) {
			if root, ok, lerr := i.cache.Lookup(ctx, i.rootKey); lerr == nil && ok {
				i.respond(w, root, "offline")
				return
			}
		}
		i.badGateway(w)
		return
	}

	if !cacheOK || !cachestore.Cacheable(snap) {
		i.respond(w, snap, "bypass")
		return
	}
	fill := snap.Clone()
	i.respond(w, snap, "miss")
	i.fill(key, fill)
}

func (i *Interceptor) respond(w http.ResponseWriter, s cachestore.Snapshot, outcome string) {
	writeSnapshot(w, s, outcome)
	i.observe(outcome)
	if i.onServed != nil && (outcome == "hit" || outcome == "miss") {
		i.onServed(outcome, len(s.Body))
	}
}

func (i *Interceptor) observe(outcome string) {
	if i.observer != nil {
		i.observer.ObserveRequest(outcome)
	}
}

func (i *Interceptor) badGateway(w http.ResponseWriter) {
	setStatusHeaders(w.Header(), "bad-gateway")
	http.Error(w, "bad gateway", http.StatusBadGateway)
	i.observe("bad-gateway")
}

func (i *Interceptor) refuse(w http.ResponseWriter, r *http.Request) {
	i.log.Warn("refused request for foreign host", "method", r.Method, "host", r.URL.Host)
	setStatusHeaders(w.Header(), "refused")
	http.Error(w, "forbidden", http.StatusForbidden)
	i.observe("refused")
}

func (i *Interceptor) fill(key string, s cachestore.Snapshot) {
	store := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := i.cache.Store(ctx, key, s); err != nil {
			i.log.Warn("cache store failed", "key", key, "err", err)
		}
	}

	select {
	case i.bgSem <- struct{}{}:
	default:
		store()
		return
	}
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		defer func() { <-i.bgSem }()
		store()
	}()
}

// passThrough proxies r to the network without touching the cache.
func (i *Interceptor) passThrough(w http.ResponseWriter, r *http.Request) {
	out, err := i.outbound(r, r.Body)
	if err != nil {
		i.badGateway(w)
		return
	}
	out.ContentLength = r.ContentLength

	resp, err := i.net.Do(out)
	if err != nil {
		i.offlineLog.Warn("origin unreachable", "method", r.Method, "url", out.URL.String(), "err", err)
		i.badGateway(w)
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	setStatusHeaders(w.Header(), "bypass")
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		i.log.Debug("copy passthrough body", "err", err)
	}
	i.observe("bypass")
}

func (i *Interceptor) outbound(r *http.Request, body io.Reader) (*http.Request, error) {
	// Only the path and query are taken from r; the host is always the origin.
	target, err := i.net.Resolve(r.URL.RequestURI())
	if err != nil {
		return nil, err
	}
	if !i.net.SameOrigin(target) {
		return nil, fmt.Errorf("outbound target %s is not the origin", target.Redacted())
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	copyRequestHeaders(out.Header, r.Header)

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			out.Header.Set("X-Forwarded-For", prior+", "+host)
		} else {
			out.Header.Set("X-Forwarded-For", host)
		}
	}
	if r.Host != "" {
		out.Header.Set("X-Forwarded-Host", r.Host)
	}
	return out, nil
}

func (i *Interceptor) sameOrigin(r *http.Request) bool {
	if r.URL.IsAbs() {
		if i.public != nil {
			return strings.EqualFold(r.URL.Scheme, i.public.Scheme) && strings.EqualFold(r.URL.Host, i.public.Host)
		}
		return i.net.SameOrigin(r.URL)
	}
	if i.public == nil {
		return true
	}
	return strings.EqualFold(r.Host, i.public.Host)
}

// isNavigation reports whether r loads a full page.
func isNavigation(r *http.Request) bool {
	if d := r.Header.Get("Sec-Fetch-Dest"); d != "" {
		return d == "document"
	}
	if m := r.Header.Get("Sec-Fetch-Mode"); m != "" {
		return m == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
