package pushapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"pwashell/internal/logging"
	"pwashell/internal/metrics"
	"pwashell/internal/worker"
)

const DefaultSubject = "admin@localhost"

type SenderConfig struct {
	PublicKey  string
	PrivateKey string
	// Subject is the VAPID contact, a mailto address or https URL.
	Subject string
	// TTL is how long the push service keeps an undelivered message, in seconds.
	TTL int
	// HTTPClient overrides the client used to reach push services.
	HTTPClient webpush.HTTPClient
}

// Report counts the outcome of one send.
type Report struct {
	Sent   int `json:"sent"`
	Gone   int `json:"gone"`
	Failed int `json:"failed"`
}

type Sender struct {
	cfg     SenderConfig
	store   *Store
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewSender(cfg SenderConfig, store *Store, log *zap.Logger, m *metrics.Metrics) *Sender {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * 60 * 60
	}
	return &Sender{cfg: cfg, store: store, log: logging.OrNop(log).Named("push"), metrics: m}
}

// Enabled reports whether both VAPID keys are configured.
func (s *Sender) Enabled() bool {
	return s.cfg.PublicKey != "" && s.cfg.PrivateKey != ""
}

func (s *Sender) PublicKey() (string, error) {
	if !s.Enabled() {
		return "", ErrPushDisabled
	}
	return s.cfg.PublicKey, nil
}

// SendToUser delivers p to every active subscription of user. Gone
// subscriptions are deactivated, other failures are recorded and the
// subscription stays active. Without VAPID keys nothing is sent.
func (s *Sender) SendToUser(ctx context.Context, user string, p worker.Payload) (Report, error) {
	var rep Report
	subs, err := s.store.ForUser(ctx, user, true)
	if err != nil {
		return rep, err
	}
	if len(subs) == 0 {
		return rep, nil
	}
	if !s.Enabled() {
		s.log.Debug("vapid keys missing, not sending", zap.String("user", user))
		return rep, nil
	}

	body, err := json.Marshal(p)
	if err != nil {
		return rep, err
	}
	for _, rec := range subs {
		outcome := s.deliver(ctx, rec, body)
		s.metrics.PushDelivery(outcome)
		switch outcome {
		case "sent":
			rep.Sent++
		case "gone":
			rep.Gone++
		default:
			rep.Failed++
		}
	}
	s.log.Info("push sent", zap.String("user", user), zap.Int("sent", rep.Sent),
		zap.Int("gone", rep.Gone), zap.Int("failed", rep.Failed))
	return rep, nil
}

func (s *Sender) deliver(ctx context.Context, rec Record, body []byte) string {
	resp, err := webpush.SendNotificationWithContext(ctx, body, rec.Subscription(), &webpush.Options{
		HTTPClient:      s.cfg.HTTPClient,
		Subscriber:      s.cfg.Subject,
		TTL:             s.cfg.TTL,
		VAPIDPublicKey:  s.cfg.PublicKey,
		VAPIDPrivateKey: s.cfg.PrivateKey,
	})
	if err != nil {
		s.fail(ctx, rec, err.Error(), false)
		return "failed"
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := s.store.MarkSuccess(ctx, rec.Name); err != nil {
			s.log.Warn("record push success failed", zap.String("subscription", rec.Name), zap.Error(err))
		}
		return "sent"
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		s.fail(ctx, rec, fmt.Sprintf("push service answered %d", resp.StatusCode), true)
		return "gone"
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	s.fail(ctx, rec, strings.TrimSpace(fmt.Sprintf("push service answered %d: %s", resp.StatusCode, msg)), false)
	return "failed"
}

func (s *Sender) fail(ctx context.Context, rec Record, reason string, deactivate bool) {
	s.log.Warn("push delivery failed", zap.String("subscription", rec.Name),
		zap.String("reason", reason), zap.Bool("deactivated", deactivate))
	if err := s.store.MarkFailure(ctx, rec.Name, reason, deactivate); err != nil {
		s.log.Warn("record push failure failed", zap.String("subscription", rec.Name), zap.Error(err))
	}
}

// GenerateVAPIDKeys returns a new URL-safe base64 VAPID key pair.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	return publicKey, privateKey, err
}
