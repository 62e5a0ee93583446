package clients

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"pwashell/internal/logging"
	"pwashell/internal/worker"
)

// Notification is a notification on display.
type Notification struct {
	worker.Notification
	ShownAt time.Time `json:"shown_at"`
}

// Tray keeps shown notifications until they are clicked, closed or expire.
// Showing a notification with the tag of a displayed one replaces it.
type Tray struct {
	items *gocache.Cache
	log   *zap.Logger
	now   func() time.Time

	mu sync.Mutex
}

var _ worker.Notifier = (*Tray)(nil)

func NewTray(ttl time.Duration, log *zap.Logger) *Tray {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tray{
		items: gocache.New(ttl, ttl),
		log:   logging.OrNop(log).Named("tray"),
		now:   time.Now,
	}
}

func (t *Tray) ShowNotification(_ context.Context, title string, opts worker.NotificationOptions) (worker.Notification, error) {
	n := Notification{
		Notification: worker.Notification{
			ID:                  uuid.NewString(),
			Title:               title,
			NotificationOptions: opts,
		},
		ShownAt: t.now(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if opts.Tag != "" {
		for id, item := range t.items.Items() {
			if item.Object.(Notification).Tag == opts.Tag {
				t.items.Delete(id)
			}
		}
	}
	t.items.SetDefault(n.ID, n)
	t.log.Debug("notification shown", zap.String("id", n.ID), zap.String("title", title))
	return n.Notification, nil
}

// CloseNotification removes a notification. Unknown ids are ignored.
func (t *Tray) CloseNotification(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items.Delete(id)
	return nil
}

func (t *Tray) Get(id string) (Notification, bool) {
	v, ok := t.items.Get(id)
	if !ok {
		return Notification{}, false
	}
	return v.(Notification), true
}

// List returns the notifications on display, oldest first.
func (t *Tray) List() []Notification {
	items := t.items.Items()
	out := make([]Notification, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(Notification))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ShownAt.Equal(out[j].ShownAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ShownAt.Before(out[j].ShownAt)
	})
	return out
}
