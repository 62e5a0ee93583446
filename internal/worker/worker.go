// Package worker is the background half of the shell: it owns the versioned
// cache store, intercepts fetches towards the origin, and routes push
// messages and notification clicks to page clients.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pwashell/internal/cachestore"
	"pwashell/internal/logging"
	"pwashell/internal/metrics"
)

var (
	ErrNotInstalled = errors.New("worker: not installed")
	ErrRedundant    = errors.New("worker: redundant")
)

type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Network performs origin requests. *http.Client satisfies it.
type Network interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	// CacheName is the version-tagged name of the store this worker owns.
	CacheName string
	// Origin is the base URL requests are forwarded to, without trailing slash.
	Origin string
	// SeedURLs are fetched and stored during install.
	SeedURLs []string
	// FallbackURL is served when the network fails and nothing is cached.
	FallbackURL string
	// Sitemaps list pages Warm stores after activation.
	Sitemaps []string
	// StatsEvery enables a periodic stats log line.
	StatsEvery time.Duration
}

type Worker struct {
	cfg     Config
	storage *cachestore.Storage
	network Network
	clients Clients
	log     *zap.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	state State

	stats  *statsCollector
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, storage *cachestore.Storage, network Network, clients Clients, log *zap.Logger, m *metrics.Metrics) *Worker {
	cfg.Origin = strings.TrimRight(cfg.Origin, "/")
	w := &Worker{
		cfg:     cfg,
		storage: storage,
		network: network,
		clients: clients,
		log:     logging.OrNop(log).With(zap.String("cache", cfg.CacheName)),
		metrics: m,
		state:   StateParsed,
		stopCh:  make(chan struct{}),
	}
	if cfg.StatsEvery > 0 {
		w.stats = newStatsCollector()
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.statsLoop(cfg.StatsEvery)
		}()
	}
	return w
}

// Close stops background loops. It does not close the storage.
func (w *Worker) Close() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	w.log.Info("worker state", zap.Stringer("from", prev), zap.Stringer("to", s))
}

// transition moves to the given state only from one of the listed states and
// returns the state it found.
func (w *Worker) transition(to State, from ...State) (State, bool) {
	w.mu.Lock()
	cur := w.state
	ok := slices.Contains(from, cur)
	if ok {
		w.state = to
	}
	w.mu.Unlock()
	if ok {
		w.log.Info("worker state", zap.Stringer("from", cur), zap.Stringer("to", to))
	}
	return cur, ok
}

// Install opens the current store and fills it with the seed URLs. Every seed
// must come back 2xx or nothing is stored and the worker turns redundant.
// A successful install skips the waiting phase, so Activate may follow
// straight away.
func (w *Worker) Install(ctx context.Context) error {
	if cur, ok := w.transition(StateInstalling, StateParsed); !ok {
		return fmt.Errorf("worker: install from state %s", cur)
	}

	err := dispatch(ctx, func(ev *ExtendableEvent) {
		ev.WaitUntil(w.precache)
	})
	if err != nil {
		w.setState(StateRedundant)
		w.log.Error("install failed", zap.Error(err))
		return fmt.Errorf("worker: install: %w", err)
	}
	w.setState(StateInstalled)
	return nil
}

func (w *Worker) precache(ctx context.Context) error {
	cache, err := w.storage.Open(w.cfg.CacheName)
	if err != nil {
		return err
	}

	var (
		mu      sync.Mutex
		entries = make(map[string]cachestore.Entry, len(w.cfg.SeedURLs))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, seed := range w.cfg.SeedURLs {
		seed := seed
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, w.cfg.Origin+seed, nil)
			if err != nil {
				return fmt.Errorf("seed %s: %w", seed, err)
			}
			ent, err := w.roundTrip(req)
			if err != nil {
				return fmt.Errorf("seed %s: %w", seed, err)
			}
			if !isOK(ent.Status) {
				return fmt.Errorf("seed %s: status %d", seed, ent.Status)
			}
			// Keyed by the path pages ask for, not the origin URL, which
			// may carry a path prefix.
			mu.Lock()
			entries[cachestore.RequestKey(http.MethodGet, seed)] = ent
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := cache.PutAll(entries); err != nil {
		return err
	}
	w.log.Info("precached seed urls", zap.Int("count", len(entries)))
	return nil
}

// Activate deletes every store except the current one and claims the open
// clients so their requests are intercepted without a reload.
func (w *Worker) Activate(ctx context.Context) error {
	if cur, ok := w.transition(StateActivating, StateInstalled); !ok {
		if cur == StateRedundant {
			return ErrRedundant
		}
		return fmt.Errorf("%w: state %s", ErrNotInstalled, cur)
	}

	err := dispatch(ctx, func(ev *ExtendableEvent) {
		ev.WaitUntil(w.purgeOldStores)
	})
	if err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("worker: activate: %w", err)
	}
	w.setState(StateActivated)
	w.metrics.CacheStores(len(w.storage.Keys()))

	if w.clients != nil {
		if err := w.clients.Claim(ctx); err != nil {
			w.log.Warn("claim clients failed", zap.Error(err))
		}
	}
	return nil
}

func (w *Worker) purgeOldStores(ctx context.Context) error {
	for _, name := range w.storage.Keys() {
		if name == w.cfg.CacheName {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := w.storage.Delete(name); err != nil {
			return err
		}
		w.log.Info("deleted old cache store", zap.String("store", name))
	}
	return nil
}

func isOK(status int) bool {
	return status >= 200 && status < 300
}
