package worker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ExtendableEvent keeps an event alive until every function handed to
// WaitUntil has returned. The first error cancels the others.
type ExtendableEvent struct {
	ctx context.Context
	g   *errgroup.Group
}

func newExtendableEvent(ctx context.Context) *ExtendableEvent {
	g, gctx := errgroup.WithContext(ctx)
	return &ExtendableEvent{ctx: gctx, g: g}
}

func (e *ExtendableEvent) WaitUntil(fn func(ctx context.Context) error) {
	e.g.Go(func() error { return fn(e.ctx) })
}

// dispatch runs handler and blocks until the lifetime it extended is over.
func dispatch(ctx context.Context, handler func(ev *ExtendableEvent)) error {
	ev := newExtendableEvent(ctx)
	handler(ev)
	return ev.g.Wait()
}
