package query

import (
	"context"
	"sync"

	"github.com/tapewire/tapewire/internal/schema"
)

// Snapshot is a lazily fetched, memoized snapshot sequence. The underlying
// fetch runs at most once regardless of how many times the result is
// observed, so a subscription can both feed its client and watch for
// completion without a second pass over the query API. A snapshot belongs to
// exactly one subscription.
type Snapshot struct {
	once   sync.Once
	fetch  func(context.Context) ([]*schema.Event, error)
	pages  func(context.Context, func([]*schema.Event) error) error
	events []*schema.Event
	err    error
}

// NewSnapshot wraps a collect-all fetch function in a memoizing sequence.
func NewSnapshot(fetch func(context.Context) ([]*schema.Event, error)) *Snapshot {
	return &Snapshot{fetch: fetch}
}

// PagedSnapshot wraps a page-streaming source. Stream forwards events
// downstream as each page lands instead of waiting for the full sequence, so
// a mid-fetch failure surfaces after the preceding pages' events.
func PagedSnapshot(pages func(context.Context, func([]*schema.Event) error) error) *Snapshot {
	return &Snapshot{pages: pages}
}

// ResolvedSnapshot returns an already-complete snapshot. Used for live-only
// subscriptions and in tests.
func ResolvedSnapshot(events []*schema.Event) *Snapshot {
	s := &Snapshot{}
	s.once.Do(func() {})
	s.events = events
	return s
}

// Events returns the full snapshot sequence, fetching it on first use. The
// error, like the events, is memoized: a failed snapshot stays failed for the
// subscription that owns it.
func (s *Snapshot) Events(ctx context.Context) ([]*schema.Event, error) {
	_ = s.Stream(ctx, nil)
	return s.events, s.err
}

// Stream feeds the sequence to emit. On the first call against a paged
// source, events flow as their pages arrive and a page failure is returned
// after the events that preceded it. Later calls replay the memoized
// sequence. An emit error aborts the pass and is returned as-is.
func (s *Snapshot) Stream(ctx context.Context, emit func(*schema.Event) error) error {
	streamed := false
	var emitErr error
	s.once.Do(func() {
		switch {
		case s.pages != nil:
			streamed = true
			s.err = s.pages(ctx, func(page []*schema.Event) error {
				for _, evt := range page {
					s.events = append(s.events, evt)
					if emit != nil && emitErr == nil {
						emitErr = emit(evt)
					}
					if emitErr != nil {
						return emitErr
					}
				}
				return nil
			})
		case s.fetch != nil:
			s.events, s.err = s.fetch(ctx)
		}
	})
	if emitErr != nil {
		return emitErr
	}
	if !streamed && emit != nil {
		for _, evt := range s.events {
			if err := emit(evt); err != nil {
				return err
			}
		}
	}
	return s.err
}

// Source produces snapshot sequences for subscriptions. Implemented by
// Client; substituted in engine tests.
type Source interface {
	Snapshot(kind schema.PayloadKind, f schema.Filter) *Snapshot
}

// Snapshot returns a memoized page-streaming sequence backed by FetchPages.
func (c *Client) Snapshot(kind schema.PayloadKind, f schema.Filter) *Snapshot {
	return PagedSnapshot(func(ctx context.Context, fn func([]*schema.Event) error) error {
		return c.FetchPages(ctx, kind, f, fn)
	})
}
