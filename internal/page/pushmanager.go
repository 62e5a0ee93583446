package page

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
)

const (
	subscriptionKey = "pwashell.push.subscription"
	permissionKey   = "pwashell.push.permission"
)

// ErrSilentPush is returned when a subscription without user-visible
// delivery is requested.
var ErrSilentPush = errors.New("page: only user-visible push subscriptions are supported")

type localSubscription struct {
	Subscription webpush.Subscription `json:"subscription"`
	PrivateKey   string               `json:"private_key"`
	ServerKey    string               `json:"application_server_key"`
}

// LocalPushManager issues subscriptions for a page that is not a browser.
// It generates the P-256 key pair and auth secret a browser would and keeps
// the result in the page store.
type LocalPushManager struct {
	store Store
	// EndpointBase is joined with a random id to form the endpoint URL.
	EndpointBase string
}

func NewLocalPushManager(store Store, endpointBase string) *LocalPushManager {
	return &LocalPushManager{store: store, EndpointBase: strings.TrimRight(endpointBase, "/")}
}

func (m *LocalPushManager) GetSubscription(context.Context) (*webpush.Subscription, error) {
	v, ok, err := m.store.Get(subscriptionKey)
	if err != nil || !ok {
		return nil, err
	}
	var rec localSubscription
	if err := json.Unmarshal([]byte(v), &rec); err != nil {
		return nil, fmt.Errorf("page: stored subscription: %w", err)
	}
	return &rec.Subscription, nil
}

func (m *LocalPushManager) Subscribe(_ context.Context, opts SubscribeOptions) (*webpush.Subscription, error) {
	if !opts.UserVisibleOnly {
		return nil, ErrSilentPush
	}
	if _, err := ecdh.P256().NewPublicKey(opts.ApplicationServerKey); err != nil {
		return nil, fmt.Errorf("page: application server key: %w", err)
	}

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}

	enc := base64.RawURLEncoding
	rec := localSubscription{
		Subscription: webpush.Subscription{
			Endpoint: m.EndpointBase + "/" + uuid.NewString(),
			Keys: webpush.Keys{
				P256dh: enc.EncodeToString(priv.PublicKey().Bytes()),
				Auth:   enc.EncodeToString(secret),
			},
		},
		PrivateKey: enc.EncodeToString(priv.Bytes()),
		ServerKey:  enc.EncodeToString(opts.ApplicationServerKey),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := m.store.Set(subscriptionKey, string(b)); err != nil {
		return nil, err
	}
	return &rec.Subscription, nil
}

// StoredPermissions remembers the answer to the permission prompt in the
// page store. Answer is what the user says when prompted.
type StoredPermissions struct {
	Store  Store
	Answer PermissionState
}

func (p StoredPermissions) State(context.Context) (PermissionState, error) {
	v, ok, err := p.Store.Get(permissionKey)
	if err != nil {
		return "", err
	}
	if !ok {
		return PermissionDefault, nil
	}
	return PermissionState(v), nil
}

func (p StoredPermissions) Request(context.Context) (PermissionState, error) {
	answer := p.Answer
	if answer == "" {
		answer = PermissionDefault
	}
	if answer != PermissionDefault {
		if err := p.Store.Set(permissionKey, string(answer)); err != nil {
			return "", err
		}
	}
	return answer, nil
}
