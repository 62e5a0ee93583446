// Package clients tracks the pages connected to the worker and the
// notifications it has on display.
package clients

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"pwashell/internal/channel"
	"pwashell/internal/logging"
	"pwashell/internal/metrics"
	"pwashell/internal/worker"
)

// ErrNoOpener is returned by OpenWindow when no opener is configured.
var ErrNoOpener = errors.New("clients: no window opener configured")

var errClosed = errors.New("clients: connection closed")

const (
	helloTimeout = 10 * time.Second
	writeTimeout = 5 * time.Second
)

// Opener opens a new window on an absolute URL.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// CommandOpener runs a command with the URL appended as last argument,
// for example ["xdg-open"].
type CommandOpener []string

func (c CommandOpener) Open(ctx context.Context, url string) error {
	if len(c) == 0 {
		return ErrNoOpener
	}
	args := append(append([]string{}, c[1:]...), url)
	out, err := exec.CommandContext(ctx, c[0], args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("clients: %s: %w: %s", c[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

type HubConfig struct {
	// BaseURL prefixes the relative paths passed to OpenWindow.
	BaseURL string
	// OriginPatterns are the extra origins allowed to connect.
	OriginPatterns []string
}

// Hub accepts page connections over websocket and exposes them as
// worker clients in connection order.
type Hub struct {
	cfg     HubConfig
	opener  Opener
	log     *zap.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  []*conn
	closed bool
	wg     sync.WaitGroup
}

var _ worker.Clients = (*Hub)(nil)

func NewHub(cfg HubConfig, opener Opener, log *zap.Logger, m *metrics.Metrics) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Hub{
		cfg:     cfg,
		opener:  opener,
		log:     logging.OrNop(log).Named("clients"),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ServeHTTP upgrades the request and keeps the page registered until it
// disconnects. The first frame must be a client.hello.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "client hub closed", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	hello, err := readHello(ctx, ws)
	if err != nil {
		h.log.Warn("client did not introduce itself", zap.String("remote", r.RemoteAddr), zap.Error(err))
		_ = ws.Close(websocket.StatusPolicyViolation, "expected client.hello")
		return
	}

	c := &conn{id: uuid.NewString(), ws: ws}
	c.update(hello)
	h.add(c)
	defer h.remove(c)

	h.readLoop(ctx, c)
	_ = ws.Close(websocket.StatusNormalClosure, "")
}

func readHello(ctx context.Context, ws *websocket.Conn) (channel.Hello, error) {
	ctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()
	_, data, err := ws.Read(ctx)
	if err != nil {
		return channel.Hello{}, err
	}
	m, err := channel.Decode(data)
	if err != nil {
		return channel.Hello{}, err
	}
	hello, ok := m.(channel.Hello)
	if !ok {
		return channel.Hello{}, fmt.Errorf("got %s", m.Kind())
	}
	return hello, nil
}

func (h *Hub) readLoop(ctx context.Context, c *conn) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				h.log.Debug("client read failed", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
		m, err := channel.Decode(data)
		if err != nil {
			h.log.Warn("dropping client frame", zap.String("client", c.id), zap.Error(err))
			continue
		}
		switch m := m.(type) {
		case channel.Hello:
			c.update(m)
		default:
			h.log.Debug("ignoring client message", zap.String("client", c.id), zap.String("type", string(m.Kind())))
		}
	}
}

func (h *Hub) add(c *conn) {
	h.mu.Lock()
	h.conns = append(h.conns, c)
	n := len(h.conns)
	h.mu.Unlock()
	h.metrics.ClientConnected()
	h.log.Info("client connected", zap.String("client", c.id), zap.String("url", c.URL()), zap.Int("clients", n))
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	for i, cur := range h.conns {
		if cur == c {
			h.conns = append(h.conns[:i], h.conns[i+1:]...)
			break
		}
	}
	n := len(h.conns)
	h.mu.Unlock()
	c.markClosed()
	h.metrics.ClientDisconnected()
	h.log.Info("client disconnected", zap.String("client", c.id), zap.Int("clients", n))
}

// MatchAll returns window clients in connection order. Uncontrolled clients
// are left out unless asked for.
func (h *Hub) MatchAll(_ context.Context, opts worker.MatchOptions) ([]worker.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]worker.Client, 0, len(h.conns))
	for _, c := range h.conns {
		if !opts.IncludeUncontrolled && !c.Controlled() {
			continue
		}
		if opts.Type != "" && opts.Type != worker.ClientAll && opts.Type != c.Type() {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (h *Hub) Claim(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		c.setControlled()
	}
	h.log.Info("claimed clients", zap.Int("clients", len(h.conns)))
	return nil
}

func (h *Hub) OpenWindow(ctx context.Context, url string) error {
	if h.opener == nil {
		return ErrNoOpener
	}
	if strings.HasPrefix(url, "/") {
		url = h.cfg.BaseURL + url
	}
	h.log.Info("opening window", zap.String("url", url))
	return h.opener.Open(ctx, url)
}

// Len is the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every client and waits for their handlers to return.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	h.wg.Wait()
}

type conn struct {
	id string
	ws *websocket.Conn

	writeMu sync.Mutex

	mu         sync.Mutex
	url        string
	focusable  bool
	controlled bool
	closed     bool
}

var _ worker.Client = (*conn)(nil)

func (c *conn) ID() string              { return c.id }
func (c *conn) Type() worker.ClientType { return worker.ClientWindow }

func (c *conn) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

func (c *conn) Focusable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.focusable && !c.closed
}

func (c *conn) Controlled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controlled
}

func (c *conn) update(h channel.Hello) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.URL != "" {
		c.url = h.URL
	}
	c.focusable = h.Focusable
}

func (c *conn) setControlled() {
	c.mu.Lock()
	c.controlled = true
	c.mu.Unlock()
}

func (c *conn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *conn) PostMessage(ctx context.Context, m channel.Message) error {
	data, err := channel.Encode(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errClosed
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Focus asks the page to bring its window to the front.
func (c *conn) Focus(ctx context.Context) error {
	return c.PostMessage(ctx, channel.Focus{})
}
