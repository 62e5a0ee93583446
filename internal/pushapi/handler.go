package pushapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"pwashell/internal/logging"
)

const (
	DefaultUserHeader = "X-Remote-User"
	GuestUser         = "Guest"
)

type HandlerConfig struct {
	// UserHeader names the header carrying the session user.
	UserHeader string
	// RegisterLimit caps register_subscription calls per user and minute.
	RegisterLimit int
}

// Handler serves the push methods under /api/method.
type Handler struct {
	cfg    HandlerConfig
	store  *Store
	sender *Sender
	log    *zap.Logger
}

func NewHandler(cfg HandlerConfig, store *Store, sender *Sender, log *zap.Logger) *Handler {
	if cfg.UserHeader == "" {
		cfg.UserHeader = DefaultUserHeader
	}
	if cfg.RegisterLimit <= 0 {
		cfg.RegisterLimit = 30
	}
	return &Handler{cfg: cfg, store: store, sender: sender, log: logging.OrNop(log).Named("pushapi")}
}

func (h *Handler) Routes(r chi.Router) {
	limiter := httprate.Limit(h.cfg.RegisterLimit, time.Minute, httprate.WithKeyFuncs(h.rateKey))

	r.Get("/api/method/push.get_vapid_public_key", h.vapidPublicKey)
	r.Post("/api/method/push.get_vapid_public_key", h.vapidPublicKey)
	r.With(limiter).Post("/api/method/push.register_subscription", h.registerSubscription)
}

func (h *Handler) rateKey(r *http.Request) (string, error) {
	if user := h.user(r); user != "" {
		return "user:" + user, nil
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr, nil
	}
	return "ip:" + host, nil
}

// user returns the session user, or "" for guests.
func (h *Handler) user(r *http.Request) string {
	u := strings.TrimSpace(r.Header.Get(h.cfg.UserHeader))
	if u == GuestUser {
		return ""
	}
	return u
}

func (h *Handler) vapidPublicKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.sender.PublicKey()
	if err != nil {
		WriteError(w, err)
		return
	}
	writeMessage(w, key)
}

type registerRequest struct {
	Subscription webpush.Subscription
	Device       string
	Browser      string
}

func (h *Handler) registerSubscription(w http.ResponseWriter, r *http.Request) {
	user := h.user(r)
	if user == "" {
		WriteError(w, ErrLoginRequired)
		return
	}
	req, err := decodeRegister(r)
	if err != nil {
		h.log.Debug("bad register_subscription body", zap.String("user", user), zap.Error(err))
		WriteError(w, fmt.Errorf("%w: %v", ErrInvalidSubscription, err))
		return
	}

	rec, err := h.store.Upsert(r.Context(), user, req.Subscription, req.Device, req.Browser)
	if err != nil {
		if status, _ := errorStatus(err); status == http.StatusInternalServerError {
			h.log.Error("store subscription failed", zap.String("user", user), zap.Error(err))
		}
		WriteError(w, err)
		return
	}
	h.log.Info("subscription registered", zap.String("user", user), zap.String("subscription", rec.Name),
		zap.String("browser", rec.Browser))
	writeMessage(w, map[string]string{"subscription": rec.Name})
}

// decodeRegister accepts a JSON or form body. The subscription itself may be
// an object or a JSON-encoded string.
func decodeRegister(r *http.Request) (registerRequest, error) {
	var (
		out registerRequest
		raw []byte
	)
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return out, err
		}
		raw = []byte(r.PostFormValue("subscription"))
		out.Device = r.PostFormValue("device")
		out.Browser = r.PostFormValue("browser")
	default:
		var body struct {
			Subscription json.RawMessage `json:"subscription"`
			Device       *string         `json:"device"`
			Browser      *string         `json:"browser"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
			return out, err
		}
		raw = body.Subscription
		if body.Device != nil {
			out.Device = *body.Device
		}
		if body.Browser != nil {
			out.Browser = *body.Browser
		}
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return out, err
		}
		raw = []byte(s)
	}
	if len(raw) == 0 {
		return out, errors.New("subscription is missing")
	}
	if err := json.Unmarshal(raw, &out.Subscription); err != nil {
		return out, err
	}
	return out, nil
}
