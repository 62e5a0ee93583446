// Package shell assembles the worker, the page clients hub and the push API
// into one HTTP service in front of the application origin.
package shell

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pwashell/internal/cachestore"
	"pwashell/internal/clients"
	"pwashell/internal/logging"
	"pwashell/internal/metrics"
	"pwashell/internal/pushapi"
	"pwashell/internal/worker"
)

const (
	maxPushBody = 64 << 10
	tokenHeader = "X-Shell-Token"
)

// Deps lets callers replace the external collaborators of a Service.
// Nil fields are built from the config.
type Deps struct {
	Redis   redis.UniversalClient
	Network worker.Network
	Opener  clients.Opener
	Metrics *metrics.Metrics
}

type Service struct {
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics

	storage *cachestore.Storage
	rdb     redis.UniversalClient
	ownRDB  bool

	worker *worker.Worker
	hub    *clients.Hub
	tray   *clients.Tray
	router *worker.Router
	subs   *pushapi.Store
	sender *pushapi.Sender
	api    *pushapi.Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(cfg Config, deps Deps, log *zap.Logger) (*Service, error) {
	log = logging.OrNop(log)

	var (
		storage *cachestore.Storage
		err     error
	)
	if cfg.Storage.Dir == "" {
		storage, err = cachestore.OpenMemory(cfg.RAMMax(), log)
	} else {
		storage, err = cachestore.Open(filepath.Join(cfg.Storage.Dir, "cache"), cfg.RAMMax(), log)
	}
	if err != nil {
		return nil, err
	}

	s := &Service{cfg: cfg, log: log, metrics: deps.Metrics, storage: storage, rdb: deps.Redis}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.rdb == nil {
		s.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.ownRDB = true
	}
	network := deps.Network
	if network == nil {
		network = &http.Client{Timeout: 30 * time.Second}
	}
	opener := deps.Opener
	if opener == nil && len(cfg.Clients.OpenCommand) > 0 {
		opener = clients.CommandOpener(cfg.Clients.OpenCommand)
	}

	s.hub = clients.NewHub(clients.HubConfig{
		BaseURL:        cfg.Server.PublicURL,
		OriginPatterns: cfg.Clients.OriginPatterns,
	}, opener, log, s.metrics)
	s.tray = clients.NewTray(cfg.trayTTL, log)
	s.worker = worker.New(worker.Config{
		CacheName:   cfg.CacheName(),
		Origin:      cfg.Server.Origin,
		SeedURLs:    cfg.Cache.Seed,
		FallbackURL: cfg.Cache.Fallback,
		Sitemaps:    cfg.Cache.Sitemaps,
		StatsEvery:  cfg.StatsEvery(),
	}, storage, network, s.hub, log, s.metrics)
	s.router = worker.NewRouter(worker.RouterConfig{
		DefaultTitle: cfg.Push.DefaultTitle,
		Icon:         cfg.Push.Icon,
	}, s.tray, s.hub, log, s.metrics)

	s.subs = pushapi.NewStore(s.rdb)
	s.sender = pushapi.NewSender(pushapi.SenderConfig{
		PublicKey:  cfg.Push.VAPID.PublicKey,
		PrivateKey: cfg.Push.VAPID.PrivateKey,
		Subject:    cfg.Push.Subject,
		TTL:        cfg.Push.TTL,
	}, s.subs, log, s.metrics)
	s.api = pushapi.NewHandler(pushapi.HandlerConfig{
		UserHeader:    cfg.Auth.UserHeader,
		RegisterLimit: cfg.Push.RegisterRate,
	}, s.subs, s.sender, log)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Start installs and activates the worker, then warms the cache from the
// configured sitemaps in the background.
func (s *Service) Start(ctx context.Context) error {
	if err := s.worker.Install(ctx); err != nil {
		return err
	}
	if err := s.worker.Activate(ctx); err != nil {
		return err
	}
	if len(s.cfg.Cache.Sitemaps) > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.worker.Warm(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("cache warm failed", zap.Error(err))
			}
		}()
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
	s.hub.Close()
	s.worker.Close()
	if err := s.storage.Close(); err != nil {
		s.log.Warn("close cache storage", zap.Error(err))
	}
	if s.ownRDB {
		_ = s.rdb.Close()
	}
}

func (s *Service) Sender() *pushapi.Sender { return s.sender }

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.metrics.Middleware)

	s.api.Routes(r)
	r.Get("/manifest.json", s.manifest)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/shell", func(r chi.Router) {
		r.Handle("/clients", s.hub)
		r.Get("/worker", s.describeWorker)

		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Post("/push", s.push)
			r.Get("/notifications", s.listNotifications)
			r.Post("/notifications/{id}/click", s.clickNotification)
			r.Post("/notifications/{id}/close", s.closeNotification)
			r.Post("/notification-log", s.notificationLog)
		})
	})

	r.NotFound(s.worker.ServeHTTP)
	return r
}

func (s *Service) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := s.cfg.Auth.ShellToken
		if want == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get(tokenHeader)
		if got == "" {
			got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			writeJSON(w, http.StatusUnauthorized, pushapi.ErrorResponse{Code: "Unauthorized", Message: "invalid shell token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) manifest(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/manifest+json")
	w.Header().Set("Cache-Control", "no-cache")
	_ = json.NewEncoder(w).Encode(s.cfg.Manifest)
}

type workerDescriptor struct {
	Cache    string   `json:"cache"`
	State    string   `json:"state"`
	Stores   []string `json:"stores"`
	Entries  int      `json:"entries"`
	RAMBytes int64    `json:"ram_bytes"`
	Clients  int      `json:"clients"`
	Push     bool     `json:"push"`
}

func (s *Service) describeWorker(w http.ResponseWriter, _ *http.Request) {
	writeMessage(w, workerDescriptor{
		Cache:    s.cfg.CacheName(),
		State:    s.worker.State().String(),
		Stores:   s.storage.Keys(),
		Entries:  s.storage.EntryCount(),
		RAMBytes: s.storage.RAMSize(),
		Clients:  s.hub.Len(),
		Push:     s.sender.Enabled(),
	})
}

func (s *Service) push(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody))
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := s.router.HandlePush(r.Context(), data)
	if err != nil {
		s.log.Error("push event failed", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": n})
}

func (s *Service) listNotifications(w http.ResponseWriter, _ *http.Request) {
	writeMessage(w, s.tray.List())
}

func (s *Service) clickNotification(w http.ResponseWriter, r *http.Request) {
	n, ok := s.tray.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, pushapi.ErrorResponse{Code: "NotFound", Message: "notification not found"})
		return
	}
	res, err := s.router.HandleClick(r.Context(), n.Notification)
	if err != nil {
		s.log.Warn("notification click failed", zap.String("notification", n.ID), zap.Error(err))
		writeError(w, err)
		return
	}
	writeMessage(w, res)
}

func (s *Service) closeNotification(w http.ResponseWriter, r *http.Request) {
	if err := s.tray.CloseNotification(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, "ok")
}

func (s *Service) notificationLog(w http.ResponseWriter, r *http.Request) {
	var l pushapi.NotificationLog
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPushBody)).Decode(&l); err != nil {
		writeJSON(w, http.StatusBadRequest, pushapi.ErrorResponse{Code: "InvalidRequest", Message: err.Error()})
		return
	}
	rep, err := s.sender.HandleNotificationLog(r.Context(), l)
	if err != nil {
		s.log.Error("notification log delivery failed", zap.String("user", l.ForUser), zap.Error(err))
		writeError(w, err)
		return
	}
	writeMessage(w, rep)
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, clients.ErrNoOpener) {
		writeJSON(w, http.StatusServiceUnavailable, pushapi.ErrorResponse{Code: "NoOpener", Message: err.Error()})
		return
	}
	pushapi.WriteError(w, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, v any) {
	writeJSON(w, http.StatusOK, map[string]any{"message": v})
}
