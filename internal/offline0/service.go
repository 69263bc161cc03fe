package offline0

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"offline0/internal/cachestore"
	"offline0/internal/interceptor"
	"offline0/internal/lifecycle"
	"offline0/internal/logging"
	"offline0/internal/metrics"
	"offline0/internal/notify"
	"offline0/internal/queue"
	"offline0/internal/replay"
	"offline0/internal/upstream"
)

type Service struct {
	cfgMu sync.RWMutex
	cfg   Config

	log     *logging.SlogLogger
	metrics *metrics.Metrics

	client        *upstream.Client
	cache         *cachestore.Manager
	queue         *queue.Store
	interceptor   *interceptor.Interceptor
	lifecycle     *lifecycle.Controller
	replayer      *replay.Replayer
	notifications *notify.Center

	stopCh chan struct{}
	wg     sync.WaitGroup

	stats *statsCollector
}

type Option func(*options)

type options struct {
	httpClient *http.Client
	logger     *logging.SlogLogger
}

// WithHTTPClient replaces the origin client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

func WithLogger(l *logging.SlogLogger) Option {
	return func(o *options) { o.logger = l }
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	log := o.logger
	if log == nil {
		log = logging.New(cfg.Logging.Format, cfg.Logging.Level)
	}

	client, err := upstream.NewClient(cfg.Server.Origin, o.httpClient)
	if err != nil {
		return nil, err
	}
	client.SetMaxCapture(cfg.Cache.maxEntryBytes)
	cache, err := cachestore.Open(cfg.CachePath())
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:           cfg,
		log:           log,
		metrics:       metrics.New(),
		client:        client,
		cache:         cache,
		queue:         queue.New(cfg.QueuePath()),
		notifications: notify.NewCenter(cfg.Presentation(), log.With("component", "notify"), cfg.Push.Keep),
		stopCh:        make(chan struct{}),
	}
	if cfg.Logging.logStatsEveryDur > 0 {
		s.stats = newStatsCollector()
	}

	icOpts := interceptor.Options{
		PublicOrigin: cfg.Server.PublicOrigin,
		RootPath:     cfg.Push.RootPath,
		Logger:       log.With("component", "interceptor"),
		Observer:     s.metrics,
	}
	if s.stats != nil {
		icOpts.OnServed = s.stats.Observe
	}
	s.interceptor, err = interceptor.New(cache, client, icOpts)
	if err != nil {
		_ = cache.Close()
		return nil, err
	}
	s.lifecycle = lifecycle.New(cache, client.Fetch, s, log.With("component", "lifecycle"), s.metrics)
	s.replayer = replay.New(s.queue, client, log.With("component", "replay"), s.metrics)

	if s.stats != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.logStatsEveryDur)
		}()
	}
	return s, nil
}

// Start installs and activates the configured cache version. If the origin
// is unreachable but that version was installed by an earlier run, the
// existing generations are adopted instead.
func (s *Service) Start(ctx context.Context) error {
	v := s.version()
	err := s.lifecycle.Deploy(ctx, v)
	if err == nil {
		return nil
	}
	if !errors.Is(err, lifecycle.ErrInstallFailed) {
		return err
	}
	names, lerr := s.cache.Names(ctx)
	if lerr != nil {
		return errors.Join(err, lerr)
	}
	for _, n := range names {
		if n == v.Static {
			s.log.Warn("origin unreachable at startup, serving previous install", "version", v.ID, "err", err)
			return s.lifecycle.Adopt(ctx, v)
		}
	}
	return err
}

// Reload deploys a new cache version from cfg. A failed install leaves the
// current version serving. Only cache settings are applied.
func (s *Service) Reload(ctx context.Context, cfg Config) error {
	s.cfgMu.RLock()
	cur := s.cfg
	s.cfgMu.RUnlock()

	if cfg.Server.Origin != cur.Server.Origin || cfg.Storage.Path != cur.Storage.Path {
		s.log.Warn("server.origin and storage.path changes need a restart")
	}
	if cfg.StaticName() == cur.StaticName() && cfg.DynamicName() == cur.DynamicName() {
		s.log.Info("cache version unchanged, nothing to deploy", "version", cfg.Cache.Version)
		return nil
	}

	next := cur
	next.Cache = cfg.Cache
	v := versionOf(next)
	if err := s.lifecycle.Deploy(ctx, v); err != nil {
		return err
	}
	s.cfgMu.Lock()
	s.cfg.Cache = cfg.Cache
	s.cfgMu.Unlock()
	return nil
}

// Claim points cache writes at v's dynamic generation. It implements
// lifecycle.Claimer.
func (s *Service) Claim(ctx context.Context, v lifecycle.Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.cache.Use(v.Static, v.Dynamic)
	s.log.Info("clients claimed", "version", v.ID, "static", v.Static, "dynamic", v.Dynamic)
	return nil
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.interceptor.Wait()
	if err := s.queue.Close(); err != nil {
		s.log.Error("close queue store", "err", err)
	}
	if err := s.cache.Close(); err != nil {
		s.log.Error("close cache store", "err", err)
	}
}

func (s *Service) version() lifecycle.Version {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return versionOf(s.cfg)
}

func versionOf(cfg Config) lifecycle.Version {
	return lifecycle.Version{
		ID:      cfg.Cache.Version,
		Static:  cfg.StaticName(),
		Dynamic: cfg.DynamicName(),
		Seeds:   append([]string(nil), cfg.Cache.Seed...),
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.refreshQueueDepth(ctx)
	ss := s.stats.Snapshot()
	active := s.cache.Active()
	staticN, _ := s.cache.EntryCount(ctx, active.Static)
	dynamicN, _ := s.cache.EntryCount(ctx, active.Dynamic)
	s.log.Info(
		fmt.Sprintf(
			"Cached: static %d, dynamic %d, hits/misses %d/%d, queued %d, Resp min/avg/max %s/%s/%s",
			staticN,
			dynamicN,
			ss.Hits,
			ss.Misses,
			ss.QueueDepth,
			formatBytes(ss.MinRespBytes),
			formatBytes(ss.AvgRespBytes),
			formatBytes(ss.MaxRespBytes),
		),
	)
}
