package page

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"pwashell/internal/channel"
	"pwashell/internal/logging"
)

// Navigator performs in-app navigation.
type Navigator interface {
	Navigate(ctx context.Context, path string) error
}

// History is a Navigator that records where the page went.
type History struct {
	mu    sync.Mutex
	paths []string
	log   *zap.Logger
}

func NewHistory(log *zap.Logger) *History {
	return &History{log: logging.OrNop(log).Named("history")}
}

func (h *History) Navigate(_ context.Context, path string) error {
	h.mu.Lock()
	h.paths = append(h.paths, path)
	h.mu.Unlock()
	h.log.Info("navigate", zap.String("path", path))
	return nil
}

// Current is the last visited path, or the application root.
func (h *History) Current() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.paths) == 0 {
		return channel.AppRoot
	}
	return h.paths[len(h.paths)-1]
}

func (h *History) Paths() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.paths...)
}

// Listener follows routing messages from the worker.
type Listener struct {
	nav Navigator
	log *zap.Logger
}

func NewListener(nav Navigator, log *zap.Logger) *Listener {
	return &Listener{nav: nav, log: logging.OrNop(log).Named("listener")}
}

// Handle navigates on push.open and ignores every other kind.
func (l *Listener) Handle(ctx context.Context, m channel.Message) error {
	switch m := m.(type) {
	case channel.PushOpen:
		return l.nav.Navigate(ctx, m.Path())
	case channel.Focus:
		l.log.Debug("focus requested")
	case channel.Hello:
		l.log.Debug("ignoring hello from worker")
	}
	return nil
}

// HandleFrame decodes a frame and handles it. Unknown kinds are ignored and
// malformed frames are logged and dropped.
func (l *Listener) HandleFrame(ctx context.Context, data []byte) error {
	m, err := channel.Decode(data)
	switch {
	case errors.Is(err, channel.ErrUnknownKind):
		l.log.Debug("ignoring message", zap.Error(err))
		return nil
	case err != nil:
		l.log.Warn("dropping malformed message", zap.Error(err))
		return nil
	}
	return l.Handle(ctx, m)
}

// Connect opens the client channel at url, introduces the page with hello
// and handles frames until ctx is done or the worker hangs up.
func (l *Listener) Connect(ctx context.Context, url string, header http.Header, hello channel.Hello) error {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("page: dial %s: %w", url, err)
	}
	defer ws.CloseNow()

	data, err := channel.Encode(hello)
	if err != nil {
		return err
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("page: hello: %w", err)
	}
	l.log.Info("connected to worker", zap.String("url", url))

	for {
		_, frame, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = ws.Close(websocket.StatusNormalClosure, "")
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("page: read: %w", err)
		}
		if err := l.HandleFrame(ctx, frame); err != nil {
			l.log.Warn("navigation failed", zap.Error(err))
		}
	}
}
