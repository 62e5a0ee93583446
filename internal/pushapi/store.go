package pushapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "pwashell:"

// Record is a stored push subscription. Endpoints are unique.
type Record struct {
	Name          string     `json:"name"`
	User          string     `json:"user"`
	Endpoint      string     `json:"endpoint"`
	P256dh        string     `json:"p256dh"`
	Auth          string     `json:"auth"`
	Device        string     `json:"device,omitempty"`
	Browser       string     `json:"browser,omitempty"`
	Active        bool       `json:"is_active"`
	LastSuccess   *time.Time `json:"last_success,omitempty"`
	LastFailure   *time.Time `json:"last_failure,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Created       time.Time  `json:"creation"`
	Modified      time.Time  `json:"modified"`
}

func (r Record) Subscription() *webpush.Subscription {
	return &webpush.Subscription{
		Endpoint: r.Endpoint,
		Keys:     webpush.Keys{P256dh: r.P256dh, Auth: r.Auth},
	}
}

// Store keeps subscription records in redis.
type Store struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewStore(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb, now: time.Now}
}

func recordKey(name string) string { return keyPrefix + "sub:" + name }
func userKey(user string) string   { return keyPrefix + "user:" + user + ":subs" }

func endpointKey(endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint))
	return keyPrefix + "sub:endpoint:" + hex.EncodeToString(sum[:])
}

func newName() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// Upsert stores sub for user. A known endpoint keeps its record name and is
// reactivated with failures cleared.
func (s *Store) Upsert(ctx context.Context, user string, sub webpush.Subscription, device, browser string) (Record, error) {
	if user == "" {
		return Record{}, ErrLoginRequired
	}
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return Record{}, ErrInvalidSubscription
	}
	now := s.now().UTC()

	rec, err := s.ByEndpoint(ctx, sub.Endpoint)
	switch {
	case errors.Is(err, ErrNotFound):
		rec = Record{Name: newName(), Created: now}
		ok, err := s.rdb.SetNX(ctx, endpointKey(sub.Endpoint), rec.Name, 0).Result()
		if err != nil {
			return Record{}, err
		}
		if !ok {
			// Registered concurrently, update that record instead. An index
			// without its record is left over from a failed save and is
			// overwritten below.
			existing, err := s.ByEndpoint(ctx, sub.Endpoint)
			switch {
			case err == nil:
				rec = existing
			case !errors.Is(err, ErrNotFound):
				return Record{}, err
			}
		}
	case err != nil:
		return Record{}, err
	}

	prevUser := rec.User
	rec.User = user
	rec.Endpoint = sub.Endpoint
	rec.P256dh = sub.Keys.P256dh
	rec.Auth = sub.Keys.Auth
	rec.Device = device
	rec.Browser = browser
	rec.Active = true
	rec.LastFailure = nil
	rec.FailureReason = ""
	rec.Modified = now

	b, err := json.Marshal(rec)
	if err != nil {
		return Record{}, err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, recordKey(rec.Name), b, 0)
		p.Set(ctx, endpointKey(rec.Endpoint), rec.Name, 0)
		if prevUser != "" && prevUser != user {
			p.SRem(ctx, userKey(prevUser), rec.Name)
		}
		p.SAdd(ctx, userKey(user), rec.Name)
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("pushapi: save %s: %w", rec.Name, err)
	}
	return rec, nil
}

func (s *Store) Get(ctx context.Context, name string) (Record, error) {
	b, err := s.rdb.Get(ctx, recordKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("pushapi: decode %s: %w", name, err)
	}
	return rec, nil
}

func (s *Store) ByEndpoint(ctx context.Context, endpoint string) (Record, error) {
	name, err := s.rdb.Get(ctx, endpointKey(endpoint)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return s.Get(ctx, name)
}

// ForUser returns the user's records ordered by creation time.
func (s *Store) ForUser(ctx context.Context, user string, activeOnly bool) ([]Record, error) {
	names, err := s.rdb.SMembers(ctx, userKey(user)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(names))
	for _, name := range names {
		rec, err := s.Get(ctx, name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if activeOnly && !rec.Active {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].Name < out[j].Name
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out, nil
}

func (s *Store) MarkSuccess(ctx context.Context, name string) error {
	return s.update(ctx, name, func(r *Record) {
		t := s.now().UTC()
		r.LastSuccess = &t
		r.LastFailure = nil
		r.FailureReason = ""
		r.Active = true
	})
}

// MarkFailure records a failed delivery. deactivate stops further deliveries.
func (s *Store) MarkFailure(ctx context.Context, name, reason string, deactivate bool) error {
	return s.update(ctx, name, func(r *Record) {
		t := s.now().UTC()
		r.LastFailure = &t
		r.FailureReason = reason
		if deactivate {
			r.Active = false
		}
	})
}

// update rewrites a record without touching Modified.
func (s *Store) update(ctx context.Context, name string, fn func(*Record)) error {
	rec, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	fn(&rec)
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, recordKey(name), b, 0).Err()
}
