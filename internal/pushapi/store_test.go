package pushapi

import (
	"context"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewStore(client)
	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	return s, mr
}

func sub(endpoint string) webpush.Subscription {
	return webpush.Subscription{Endpoint: endpoint, Keys: webpush.Keys{P256dh: "BNc-pub", Auth: "auth-secret"}}
}

func TestStoreUpsertKeepsOneRecordPerEndpoint(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := context.Background()

	first, err := s.Upsert(ctx, "jane@example.com", sub("https://push.example.com/a"), "agent/1", "Chromium")
	require.NoError(t, err)
	assert.Len(t, first.Name, 10)
	assert.True(t, first.Active)

	require.NoError(t, s.MarkFailure(ctx, first.Name, "gone", true))

	again, err := s.Upsert(ctx, "jane@example.com", sub("https://push.example.com/a"), "agent/2", "")
	require.NoError(t, err)
	assert.Equal(t, first.Name, again.Name)
	assert.True(t, again.Active)
	assert.Nil(t, again.LastFailure)
	assert.Empty(t, again.FailureReason)
	assert.Equal(t, "agent/2", again.Device)
	assert.Equal(t, first.Created, again.Created)
	assert.True(t, again.Modified.After(first.Modified))

	recs, err := s.ForUser(ctx, "jane@example.com", false)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, mr.Exists(recordKey(first.Name)))
	assert.True(t, mr.Exists(endpointKey("https://push.example.com/a")))
}

func TestStoreUpsertMovesEndpointBetweenUsers(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec, err := s.Upsert(ctx, "jane@example.com", sub("https://push.example.com/shared"), "", "")
	require.NoError(t, err)
	_, err = s.Upsert(ctx, "omar@example.com", sub("https://push.example.com/shared"), "", "")
	require.NoError(t, err)

	jane, err := s.ForUser(ctx, "jane@example.com", false)
	require.NoError(t, err)
	assert.Empty(t, jane)
	omar, err := s.ForUser(ctx, "omar@example.com", false)
	require.NoError(t, err)
	require.Len(t, omar, 1)
	assert.Equal(t, rec.Name, omar[0].Name)
}

func TestStoreUpsertValidates(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, "", sub("https://push.example.com/a"), "", "")
	assert.ErrorIs(t, err, ErrLoginRequired)

	for _, bad := range []webpush.Subscription{
		{},
		{Endpoint: "https://push.example.com/a"},
		{Endpoint: "https://push.example.com/a", Keys: webpush.Keys{P256dh: "x"}},
		{Keys: webpush.Keys{P256dh: "x", Auth: "y"}},
	} {
		_, err := s.Upsert(ctx, "jane@example.com", bad, "", "")
		assert.ErrorIs(t, err, ErrInvalidSubscription)
	}
}

func TestStoreForUserOrderAndActiveFilter(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	a, err := s.Upsert(ctx, "jane@example.com", sub("https://push.example.com/a"), "", "")
	require.NoError(t, err)
	b, err := s.Upsert(ctx, "jane@example.com", sub("https://push.example.com/b"), "", "")
	require.NoError(t, err)
	c, err := s.Upsert(ctx, "jane@example.com", sub("https://push.example.com/c"), "", "")
	require.NoError(t, err)

	require.NoError(t, s.MarkFailure(ctx, b.Name, "push service answered 410", true))
	require.NoError(t, s.MarkFailure(ctx, c.Name, "timeout", false))
	require.NoError(t, s.MarkSuccess(ctx, a.Name))

	active, err := s.ForUser(ctx, "jane@example.com", true)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, a.Name, active[0].Name)
	assert.Equal(t, c.Name, active[1].Name)
	assert.NotNil(t, active[0].LastSuccess)
	assert.Equal(t, "timeout", active[1].FailureReason)

	all, err := s.ForUser(ctx, "jane@example.com", false)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.MarkSuccess(ctx, "missing"), ErrNotFound)
}

func TestStoreUpsertRepairsDanglingEndpointIndex(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := context.Background()
	const ep = "https://push.example.com/dangling"
	require.NoError(t, mr.Set(endpointKey(ep), "deadbeef00"))

	rec, err := s.Upsert(ctx, "jane@example.com", sub(ep), "", "")
	require.NoError(t, err)
	assert.NotEqual(t, "deadbeef00", rec.Name)
	assert.True(t, rec.Active)

	byEndpoint, err := s.ByEndpoint(ctx, ep)
	require.NoError(t, err)
	assert.Equal(t, rec.Name, byEndpoint.Name)

	again, err := s.Upsert(ctx, "jane@example.com", sub(ep), "agent/2", "")
	require.NoError(t, err)
	assert.Equal(t, rec.Name, again.Name)

	recs, err := s.ForUser(ctx, "jane@example.com", false)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
