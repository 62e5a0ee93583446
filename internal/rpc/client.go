// Package rpc calls whitelisted server methods at /api/method/<name> and
// unwraps their {"message": ...} envelope.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultUserHeader carries the session user to the server.
const DefaultUserHeader = "X-Remote-User"

// RemoteError is a non-2xx answer of a method.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("rpc: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("rpc: %d: %s", e.Status, e.Message)
}

// FreezeFunc is called with true before a call and with false after it.
// Pages use it to show a blocking overlay with the given message.
type FreezeFunc func(frozen bool, msg string)

type Option func(*callOptions)

type callOptions struct {
	freeze    bool
	freezeMsg string
}

// WithFreeze blocks the caller's UI with msg for the duration of the call.
func WithFreeze(msg string) Option {
	return func(o *callOptions) {
		o.freeze = true
		o.freezeMsg = msg
	}
}

type Config struct {
	BaseURL    string
	User       string
	UserHeader string
	Timeout    time.Duration
}

type Client struct {
	cfg    Config
	http   *http.Client
	freeze FreezeFunc
}

// New returns a client. A nil httpClient gets one with cfg.Timeout.
func New(cfg Config, httpClient *http.Client, freeze FreezeFunc) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.UserHeader == "" {
		cfg.UserHeader = DefaultUserHeader
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: httpClient, freeze: freeze}
}

// Call posts args as JSON to the method and returns the raw message field.
func (c *Client) Call(ctx context.Context, method string, args any, opts ...Option) (json.RawMessage, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.freeze && c.freeze != nil {
		c.freeze(true, o.freezeMsg)
		defer c.freeze(false, o.freezeMsg)
	}

	if args == nil {
		args = struct{}{}
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("rpc: %s: encode args: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/method/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rpc: %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.User != "" {
		req.Header.Set(c.cfg.UserHeader, c.cfg.User)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc: %s: %w", method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("rpc: %s: read: %w", method, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, remoteError(resp.StatusCode, raw)
	}
	var env struct {
		Message json.RawMessage `json:"message"`
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("rpc: %s: decode: %w", method, err)
	}
	return env.Message, nil
}

func remoteError(status int, raw []byte) error {
	e := &RemoteError{Status: status}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && (body.Code != "" || body.Message != "") {
		e.Code = body.Code
		e.Message = body.Message
		return e
	}
	e.Message = strings.TrimSpace(string(raw))
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// IsCode reports whether err is a RemoteError with the given code.
func IsCode(err error, code string) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == code
}
