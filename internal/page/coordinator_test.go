package page

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"pwashell/internal/rpc"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fakePermissions struct {
	state    PermissionState
	answer   PermissionState
	requests int
}

func (p *fakePermissions) State(context.Context) (PermissionState, error) { return p.state, nil }

func (p *fakePermissions) Request(context.Context) (PermissionState, error) {
	p.requests++
	p.state = p.answer
	return p.answer, nil
}

type fakePush struct {
	existing   *webpush.Subscription
	subscribed []SubscribeOptions
}

func (p *fakePush) GetSubscription(context.Context) (*webpush.Subscription, error) {
	return p.existing, nil
}

func (p *fakePush) Subscribe(_ context.Context, opts SubscribeOptions) (*webpush.Subscription, error) {
	p.subscribed = append(p.subscribed, opts)
	p.existing = &webpush.Subscription{
		Endpoint: "https://push.example.com/new",
		Keys:     webpush.Keys{P256dh: "pub", Auth: "auth"},
	}
	return p.existing, nil
}

type fakeRPC struct {
	key         string
	registerErr error
	methods     []string
	registered  []Registration
}

func (r *fakeRPC) Call(_ context.Context, method string, args any, _ ...rpc.Option) (json.RawMessage, error) {
	r.methods = append(r.methods, method)
	switch method {
	case MethodVAPIDPublicKey:
		return json.Marshal(r.key)
	case MethodRegisterSubscription:
		if r.registerErr != nil {
			return nil, r.registerErr
		}
		r.registered = append(r.registered, args.(Registration))
		return json.RawMessage(`{"subscription":"a1b2c3d4e5"}`), nil
	}
	return nil, errors.New("unexpected method " + method)
}

type fixture struct {
	perms *fakePermissions
	push  *fakePush
	rpc   *fakeRPC
	store *MemoryStore
	env   Env
}

func newFixture(state PermissionState) *fixture {
	f := &fixture{
		perms: &fakePermissions{state: state, answer: PermissionGranted},
		push:  &fakePush{},
		rpc:   &fakeRPC{key: "BEl62iUYgUivxIkv69yViEuiBIa-Ib9-SkvMeAtA3LFgDzkrxZJjSgSnfckjBJuBkr3qBUYIHBQFLXYp5Nksh8U"},
		store: NewMemoryStore(),
	}
	f.env = Env{
		Registration: f.push,
		Capabilities: Capabilities{Push: true, Notifications: true},
		Session:      Session{User: "jane@example.com"},
		Permissions:  f.perms,
		Store:        f.store,
		RPC:          f.rpc,
		Clock:        func() time.Time { return now },
		UserAgent:    "pwashell-agent/1.0 (linux)",
		BrandHint:    "Chromium",
	}
	return f
}

func (f *fixture) run() {
	NewCoordinator(f.env, nil).Run(context.Background())
}

func (f *fixture) promptedAt(t *testing.T, at time.Time) {
	t.Helper()
	require.NoError(t, f.store.Set(CooldownKey, strconv.FormatInt(at.UnixMilli(), 10)))
}

func TestCoordinatorSkipsWithoutCapabilities(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Env)
	}{
		{"no registration", func(e *Env) { e.Registration = nil }},
		{"no push", func(e *Env) { e.Capabilities.Push = false }},
		{"no notifications", func(e *Env) { e.Capabilities.Notifications = false }},
		{"anonymous", func(e *Env) { e.Session.User = "" }},
		{"guest", func(e *Env) { e.Session.User = GuestUser }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(PermissionDefault)
			tt.mutate(&f.env)
			f.run()
			assert.Zero(t, f.perms.requests)
			assert.Empty(t, f.rpc.methods)
			_, ok, _ := f.store.Get(CooldownKey)
			assert.False(t, ok)
		})
	}
}

func TestCoordinatorPromptsSubscribesAndReports(t *testing.T) {
	t.Parallel()
	f := newFixture(PermissionDefault)
	f.run()

	assert.Equal(t, 1, f.perms.requests)
	v, ok, _ := f.store.Get(CooldownKey)
	require.True(t, ok)
	assert.Equal(t, strconv.FormatInt(now.UnixMilli(), 10), v)

	require.Len(t, f.push.subscribed, 1)
	assert.True(t, f.push.subscribed[0].UserVisibleOnly)
	assert.Len(t, f.push.subscribed[0].ApplicationServerKey, 65)

	assert.Equal(t, []string{MethodVAPIDPublicKey, MethodRegisterSubscription}, f.rpc.methods)
	require.Len(t, f.rpc.registered, 1)
	reg := f.rpc.registered[0]
	assert.Equal(t, "https://push.example.com/new", reg.Subscription.Endpoint)
	assert.Equal(t, "pwashell-agent/1.0 (linux)", reg.Device)
	assert.Equal(t, "Chromium", reg.Browser)
}

func TestCoordinatorNeverPromptsInsideCooldown(t *testing.T) {
	t.Parallel()
	for _, ago := range []time.Duration{0, time.Minute, 11*time.Hour + 59*time.Minute} {
		f := newFixture(PermissionDefault)
		f.promptedAt(t, now.Add(-ago))
		f.run()
		assert.Zero(t, f.perms.requests, "prompted %s ago", ago)
		assert.Empty(t, f.rpc.methods)
	}
}

func TestCoordinatorPromptsAgainAfterCooldown(t *testing.T) {
	t.Parallel()
	f := newFixture(PermissionDefault)
	f.promptedAt(t, now.Add(-PromptCooldown))
	f.run()
	assert.Equal(t, 1, f.perms.requests)

	g := newFixture(PermissionDefault)
	require.NoError(t, g.store.Set(CooldownKey, "yesterday"))
	g.run()
	assert.Equal(t, 1, g.perms.requests)
}

func TestCoordinatorRecordsPromptEvenWhenDenied(t *testing.T) {
	t.Parallel()
	f := newFixture(PermissionDefault)
	f.perms.answer = PermissionDenied
	f.run()

	assert.Equal(t, 1, f.perms.requests)
	_, ok, _ := f.store.Get(CooldownKey)
	assert.True(t, ok)
	assert.Empty(t, f.push.subscribed)
	assert.Empty(t, f.rpc.methods)

	f.perms.state = PermissionDefault
	f.run()
	assert.Equal(t, 1, f.perms.requests)
}

func TestCoordinatorStopsWhenDenied(t *testing.T) {
	t.Parallel()
	f := newFixture(PermissionDenied)
	f.run()
	assert.Zero(t, f.perms.requests)
	assert.Empty(t, f.rpc.methods)
}

func TestCoordinatorReportsExistingSubscriptionEveryRun(t *testing.T) {
	t.Parallel()
	f := newFixture(PermissionGranted)
	f.push.existing = &webpush.Subscription{Endpoint: "https://push.example.com/old"}

	f.run()
	f.run()

	assert.Zero(t, f.perms.requests)
	assert.Empty(t, f.push.subscribed)
	assert.Equal(t, []string{MethodRegisterSubscription, MethodRegisterSubscription}, f.rpc.methods)
	assert.Equal(t, "https://push.example.com/old", f.rpc.registered[1].Subscription.Endpoint)
}

func TestCoordinatorLogsFailures(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zapcore.WarnLevel)
	f := newFixture(PermissionGranted)
	f.rpc.registerErr = &rpc.RemoteError{Status: 403, Code: "LoginRequired", Message: "login required"}

	assert.NotPanics(t, func() {
		NewCoordinator(f.env, zap.New(core)).Run(context.Background())
	})
	entries := logs.FilterMessage("push subscription skipped").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["error"], "LoginRequired")
}

func TestDecodeApplicationServerKey(t *testing.T) {
	t.Parallel()
	want := []byte{0xfb, 0xff, 0xfe, 0x01}
	for _, in := range []string{"-__-AQ", "-__-AQ==", "+//+AQ==", " -__-AQ\n"} {
		got, err := DecodeApplicationServerKey(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := DecodeApplicationServerKey("")
	assert.Error(t, err)
	_, err = DecodeApplicationServerKey("not base64!")
	assert.Error(t, err)
}
