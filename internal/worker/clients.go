package worker

import (
	"context"

	"pwashell/internal/channel"
)

type ClientType string

const (
	ClientWindow ClientType = "window"
	ClientAll    ClientType = "all"
)

// Client is a page connected to the worker.
type Client interface {
	ID() string
	Type() ClientType
	URL() string
	// Focusable reports whether Focus can bring the client to the front.
	Focusable() bool
	PostMessage(ctx context.Context, m channel.Message) error
	Focus(ctx context.Context) error
}

type MatchOptions struct {
	Type ClientType
	// IncludeUncontrolled also returns clients not yet claimed by this worker.
	IncludeUncontrolled bool
}

// Clients enumerates and controls page clients.
type Clients interface {
	// MatchAll returns matching clients in enumeration order.
	MatchAll(ctx context.Context, opts MatchOptions) ([]Client, error)
	OpenWindow(ctx context.Context, url string) error
	// Claim makes this worker the controller of every connected client.
	Claim(ctx context.Context) error
}
