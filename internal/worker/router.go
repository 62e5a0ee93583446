package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"pwashell/internal/channel"
	"pwashell/internal/logging"
	"pwashell/internal/metrics"
)

const DefaultTitle = "Notification"

// Payload is the JSON body of a push message. Every field is optional.
type Payload struct {
	Title            string `json:"title,omitempty"`
	Body             string `json:"body,omitempty"`
	ReferenceDoctype string `json:"reference_doctype,omitempty"`
	ReferenceName    string `json:"reference_name,omitempty"`
}

// DecodePayload reads a push message body. Text that is not JSON becomes
// the body of an otherwise empty payload, as does a JSON string or number.
// Object fields of the wrong type are read leniently.
func DecodePayload(data []byte) Payload {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Payload{}
	}
	if !json.Valid(trimmed) {
		return Payload{Body: string(data)}
	}
	switch trimmed[0] {
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return Payload{Body: string(data)}
		}
		return Payload{
			Title:            payloadField(obj["title"]),
			Body:             payloadField(obj["body"]),
			ReferenceDoctype: payloadField(obj["reference_doctype"]),
			ReferenceName:    payloadField(obj["reference_name"]),
		}
	case '"':
		var s string
		_ = json.Unmarshal(trimmed, &s)
		return Payload{Body: s}
	case 'n':
		return Payload{}
	}
	return Payload{Body: string(trimmed)}
}

// payloadField renders a scalar field as text. Objects, arrays and null
// read as empty.
func payloadField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		_ = json.Unmarshal(raw, &s)
		return s
	case '{', '[', 'n':
		return ""
	}
	return string(raw)
}

// NotificationData rides along with a notification without being shown.
type NotificationData struct {
	ReferenceDoctype string `json:"reference_doctype,omitempty"`
	ReferenceName    string `json:"reference_name,omitempty"`
}

type NotificationOptions struct {
	Body string           `json:"body,omitempty"`
	Icon string           `json:"icon,omitempty"`
	Tag  string           `json:"tag,omitempty"`
	Data NotificationData `json:"data"`
}

type Notification struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	NotificationOptions
}

// Notifier displays and dismisses system notifications.
type Notifier interface {
	ShowNotification(ctx context.Context, title string, opts NotificationOptions) (Notification, error)
	CloseNotification(ctx context.Context, id string) error
}

type ClickAction string

const (
	ClickFocused ClickAction = "focused"
	ClickOpened  ClickAction = "opened"
)

type ClickResult struct {
	Action   ClickAction `json:"action"`
	ClientID string      `json:"client_id,omitempty"`
	URL      string      `json:"url,omitempty"`
}

type RouterConfig struct {
	DefaultTitle string
	Icon         string
}

// Router turns push messages into notifications and notification clicks
// into client navigation. It never assumes a page is open.
type Router struct {
	cfg      RouterConfig
	notifier Notifier
	clients  Clients
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func NewRouter(cfg RouterConfig, notifier Notifier, clients Clients, log *zap.Logger, m *metrics.Metrics) *Router {
	if cfg.DefaultTitle == "" {
		cfg.DefaultTitle = DefaultTitle
	}
	return &Router{
		cfg:      cfg,
		notifier: notifier,
		clients:  clients,
		log:      logging.OrNop(log).Named("router"),
		metrics:  m,
	}
}

// HandlePush shows the notification carried by a push message and returns
// once it is displayed.
func (r *Router) HandlePush(ctx context.Context, data []byte) (Notification, error) {
	p := DecodePayload(data)
	title := p.Title
	if title == "" {
		title = r.cfg.DefaultTitle
	}
	opts := NotificationOptions{
		Body: p.Body,
		Icon: r.cfg.Icon,
		Data: NotificationData{
			ReferenceDoctype: p.ReferenceDoctype,
			ReferenceName:    p.ReferenceName,
		},
	}

	var shown Notification
	err := dispatch(ctx, func(ev *ExtendableEvent) {
		ev.WaitUntil(func(ctx context.Context) error {
			n, err := r.notifier.ShowNotification(ctx, title, opts)
			shown = n
			return err
		})
	})
	if err != nil {
		r.log.Error("show notification failed", zap.Error(err))
		return Notification{}, fmt.Errorf("worker: push: %w", err)
	}
	r.metrics.Notification("shown")
	r.log.Info("notification shown", zap.String("id", shown.ID), zap.String("title", title),
		zap.String("reference_doctype", p.ReferenceDoctype), zap.String("reference_name", p.ReferenceName))
	return shown, nil
}

// HandleClick dismisses n, then either hands its reference to the first
// focusable window and focuses it, or opens a new window on the deep link.
func (r *Router) HandleClick(ctx context.Context, n Notification) (ClickResult, error) {
	var res ClickResult
	err := dispatch(ctx, func(ev *ExtendableEvent) {
		ev.WaitUntil(func(ctx context.Context) error {
			var err error
			res, err = r.focusOrOpen(ctx, n)
			return err
		})
	})
	if err != nil {
		r.log.Error("notification click failed", zap.String("id", n.ID), zap.Error(err))
		return ClickResult{}, fmt.Errorf("worker: click: %w", err)
	}
	r.metrics.Notification(string(res.Action))
	return res, nil
}

func (r *Router) focusOrOpen(ctx context.Context, n Notification) (ClickResult, error) {
	if err := r.notifier.CloseNotification(ctx, n.ID); err != nil {
		r.log.Warn("close notification failed", zap.String("id", n.ID), zap.Error(err))
	}

	msg := channel.PushOpen{
		ReferenceDoctype: n.Data.ReferenceDoctype,
		ReferenceName:    n.Data.ReferenceName,
	}

	list, err := r.clients.MatchAll(ctx, MatchOptions{Type: ClientWindow, IncludeUncontrolled: true})
	if err != nil {
		return ClickResult{}, err
	}
	for _, c := range list {
		if !c.Focusable() {
			continue
		}
		if err := c.PostMessage(ctx, msg); err != nil {
			r.log.Warn("post routing message failed", zap.String("client", c.ID()), zap.Error(err))
		}
		if err := c.Focus(ctx); err != nil {
			return ClickResult{}, fmt.Errorf("focus %s: %w", c.ID(), err)
		}
		return ClickResult{Action: ClickFocused, ClientID: c.ID()}, nil
	}

	target := msg.Path()
	if err := r.clients.OpenWindow(ctx, target); err != nil {
		return ClickResult{}, fmt.Errorf("open %s: %w", target, err)
	}
	return ClickResult{Action: ClickOpened, URL: target}, nil
}
