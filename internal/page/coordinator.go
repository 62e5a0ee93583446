// Package page is the foreground half of the shell: it keeps the user's push
// subscription registered with the server and follows routing messages sent
// by the worker.
package page

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"pwashell/internal/logging"
	"pwashell/internal/rpc"
)

const (
	// CooldownKey holds the unix millisecond time of the last permission prompt.
	CooldownKey = "pwashell.push.lastPromptAt"
	// PromptCooldown is the minimum time between two permission prompts.
	PromptCooldown = 12 * time.Hour

	MethodVAPIDPublicKey       = "push.get_vapid_public_key"
	MethodRegisterSubscription = "push.register_subscription"

	GuestUser = "Guest"
)

type PermissionState string

const (
	PermissionDefault PermissionState = "default"
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
)

type Permissions interface {
	State(ctx context.Context) (PermissionState, error)
	// Request prompts the user and returns the answer.
	Request(ctx context.Context) (PermissionState, error)
}

type SubscribeOptions struct {
	UserVisibleOnly      bool
	ApplicationServerKey []byte
}

// PushManager is the push side of a worker registration.
type PushManager interface {
	// GetSubscription returns the current subscription, or nil.
	GetSubscription(ctx context.Context) (*webpush.Subscription, error)
	Subscribe(ctx context.Context, opts SubscribeOptions) (*webpush.Subscription, error)
}

type Capabilities struct {
	Push          bool
	Notifications bool
}

type Session struct {
	User string
}

func (s Session) IsGuest() bool {
	return s.User == "" || s.User == GuestUser
}

// Caller is the RPC transport. *rpc.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, method string, args any, opts ...rpc.Option) (json.RawMessage, error)
}

// Env is everything the coordinator reads from its surroundings.
type Env struct {
	// Registration is nil when no worker is registered.
	Registration PushManager
	Capabilities Capabilities
	Session      Session
	Permissions  Permissions
	Store        Store
	RPC          Caller
	Clock        func() time.Time
	UserAgent    string
	// BrandHint is a coarse browser brand, empty when unknown.
	BrandHint string
}

// Registration is the payload of push.register_subscription.
type Registration struct {
	Subscription *webpush.Subscription `json:"subscription"`
	Device       string                `json:"device"`
	Browser      string                `json:"browser,omitempty"`
}

// Coordinator keeps the page's push subscription registered.
type Coordinator struct {
	env Env
	log *zap.Logger
}

func NewCoordinator(env Env, log *zap.Logger) *Coordinator {
	if env.Clock == nil {
		env.Clock = time.Now
	}
	return &Coordinator{env: env, log: logging.OrNop(log).Named("push")}
}

// Run performs one pass: prompt if allowed, make sure a subscription exists,
// and report it. Failures are logged and never returned.
func (c *Coordinator) Run(ctx context.Context) {
	if err := c.run(ctx); err != nil {
		c.log.Warn("push subscription skipped", zap.Error(err))
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	env := c.env
	if env.Registration == nil || !env.Capabilities.Push || !env.Capabilities.Notifications {
		c.log.Debug("push not supported here")
		return nil
	}
	if env.Session.IsGuest() {
		c.log.Debug("guest session, not subscribing")
		return nil
	}

	state, err := c.permission(ctx)
	if err != nil {
		return err
	}
	if state != PermissionGranted {
		c.log.Info("notification permission not granted", zap.String("state", string(state)))
		return nil
	}

	sub, err := c.subscription(ctx)
	if err != nil {
		return err
	}

	_, err = env.RPC.Call(ctx, MethodRegisterSubscription, Registration{
		Subscription: sub,
		Device:       env.UserAgent,
		Browser:      env.BrandHint,
	})
	if err != nil {
		return fmt.Errorf("register subscription: %w", err)
	}
	c.log.Info("push subscription registered", zap.String("user", env.Session.User), zap.String("endpoint", sub.Endpoint))
	return nil
}

func (c *Coordinator) permission(ctx context.Context) (PermissionState, error) {
	state, err := c.env.Permissions.State(ctx)
	if err != nil {
		return "", fmt.Errorf("permission state: %w", err)
	}
	if state != PermissionDefault || !c.cooldownElapsed() {
		return state, nil
	}

	state, err = c.env.Permissions.Request(ctx)
	now := c.env.Clock()
	if serr := c.env.Store.Set(CooldownKey, strconv.FormatInt(now.UnixMilli(), 10)); serr != nil {
		c.log.Warn("record prompt time failed", zap.Error(serr))
	}
	if err != nil {
		return "", fmt.Errorf("permission request: %w", err)
	}
	c.log.Info("notification permission requested", zap.String("answer", string(state)))
	return state, nil
}

func (c *Coordinator) cooldownElapsed() bool {
	v, ok, err := c.env.Store.Get(CooldownKey)
	if err != nil {
		c.log.Warn("read prompt time failed", zap.Error(err))
		return true
	}
	if !ok {
		return true
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return true
	}
	return c.env.Clock().Sub(time.UnixMilli(ms)) >= PromptCooldown
}

func (c *Coordinator) subscription(ctx context.Context) (*webpush.Subscription, error) {
	reg := c.env.Registration
	sub, err := reg.GetSubscription(ctx)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	if sub != nil {
		return sub, nil
	}

	raw, err := c.env.RPC.Call(ctx, MethodVAPIDPublicKey, nil)
	if err != nil {
		return nil, fmt.Errorf("vapid key: %w", err)
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("vapid key: %w", err)
	}
	key, err := DecodeApplicationServerKey(encoded)
	if err != nil {
		return nil, err
	}

	sub, err = reg.Subscribe(ctx, SubscribeOptions{UserVisibleOnly: true, ApplicationServerKey: key})
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if sub == nil {
		return nil, errors.New("subscribe: no subscription returned")
	}
	c.log.Info("push subscription created", zap.String("endpoint", sub.Endpoint))
	return sub, nil
}

// DecodeApplicationServerKey decodes a URL-safe base64 key. Padding is
// optional and the standard alphabet is accepted too.
func DecodeApplicationServerKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	s = strings.TrimRight(s, "=")
	if s == "" {
		return nil, errors.New("application server key is empty")
	}
	key, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("application server key: %w", err)
	}
	return key, nil
}
