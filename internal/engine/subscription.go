package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tapewire/tapewire/errs"
	"github.com/tapewire/tapewire/internal/filter"
	"github.com/tapewire/tapewire/internal/hub"
	"github.com/tapewire/tapewire/internal/query"
	"github.com/tapewire/tapewire/internal/schema"
)

// phase tracks where a subscription is in its lifecycle.
type phase int32

const (
	phaseSnapshot phase = iota
	phaseLive
	phaseClosed
)

// subscription is the engine-side record of one attached consumer of one
// payload kind. The blotter stream drives two of these behind a single
// output. All fields are owned by the subscription's emission goroutine
// except graceDone, which the grace timer flips.
type subscription struct {
	id       uuid.UUID
	kind     schema.PayloadKind
	compiled *filter.Compiled
	inbox    *hub.Inbox
	snapshot *query.Snapshot

	// snapshotIDs holds the fingerprints emitted during the snapshot phase.
	// Live events carrying one of these ids are duplicates of their snapshot
	// twin and are dropped. The set is cleared lazily once the grace window
	// after entering LIVE has passed.
	snapshotIDs map[int64]struct{}
	graceDone   atomic.Bool
	grace       time.Duration
	graceTimer  *time.Timer

	phase atomic.Int32
}

func newSubscription(kind schema.PayloadKind, compiled *filter.Compiled, in *hub.Inbox, snap *query.Snapshot, grace time.Duration) *subscription {
	s := &subscription{
		id:       uuid.New(),
		kind:     kind,
		compiled: compiled,
		inbox:    in,
		snapshot: snap,
		grace:    grace,
	}
	if compiled.WantsSnapshot() {
		s.snapshotIDs = make(map[int64]struct{})
	} else {
		s.phase.Store(int32(phaseLive))
	}
	return s
}

// runSnapshot drains the memoized snapshot sequence through emit, recording
// each emitted fingerprint for live-phase dedup. A failed snapshot is
// terminal for the subscription; partial output is never passed off as
// complete.
func (s *subscription) runSnapshot(ctx context.Context, emit func(context.Context, *schema.Event) error) error {
	return s.snapshot.Stream(ctx, func(evt *schema.Event) error {
		if !s.compiled.Match(evt) {
			return nil
		}
		s.snapshotIDs[evt.EventID] = struct{}{}
		return emit(ctx, evt)
	})
}

// toLive flips the subscription into the live phase and arms the grace timer
// that retires the dedup set.
func (s *subscription) toLive() {
	s.phase.Store(int32(phaseLive))
	if s.snapshotIDs == nil {
		return
	}
	s.graceTimer = time.AfterFunc(s.grace, func() {
		s.graceDone.Store(true)
	})
}

// acceptLive decides whether a live event reaches the client: duplicates of
// snapshot emissions are dropped first, then the filter applies. Once the
// grace window has passed the dedup set is released; the steady path is one
// map probe at most and allocates nothing.
func (s *subscription) acceptLive(evt *schema.Event) bool {
	if s.snapshotIDs != nil {
		if s.graceDone.Load() {
			s.snapshotIDs = nil
		} else if _, dup := s.snapshotIDs[evt.EventID]; dup {
			return false
		}
	}
	return s.compiled.Match(evt)
}

// close releases the subscription's resources. Idempotent.
func (s *subscription) close(h *hub.Hub) {
	if !s.phase.CompareAndSwap(int32(phaseSnapshot), int32(phaseClosed)) &&
		!s.phase.CompareAndSwap(int32(phaseLive), int32(phaseClosed)) {
		return
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.snapshotIDs = nil
	h.Detach(s.inbox)
}

// demandGate is the credit ledger between a client's REQUEST(n) frames and
// the emission loop. Acquire parks the emitter at zero credits.
type demandGate struct {
	mu      sync.Mutex
	credits int64
	ready   chan struct{}
}

func newDemandGate() *demandGate {
	return &demandGate{ready: make(chan struct{}, 1)}
}

// Request adds n credits. Non-positive requests are ignored.
func (g *demandGate) Request(n int64) {
	if n <= 0 {
		return
	}
	g.mu.Lock()
	g.credits += n
	g.mu.Unlock()
	select {
	case g.ready <- struct{}{}:
	default:
	}
}

// Wait blocks until at least one credit is outstanding without consuming
// it. The emission loop parks here before taking an event off its inbox, so
// events stalled behind zero demand stay in the bounded inbox and age out
// there instead of being held in flight.
func (g *demandGate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		has := g.credits > 0
		g.mu.Unlock()
		if has {
			return nil
		}
		select {
		case <-ctx.Done():
			return errs.New("engine/demand", errs.CodeClosed,
				errs.WithCause(ctx.Err()), errs.WithMessage("stream ended while awaiting demand"))
		case <-g.ready:
		}
	}
}

// Acquire consumes one credit, blocking until one is available or ctx ends.
func (g *demandGate) Acquire(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.credits > 0 {
			g.credits--
			remaining := g.credits
			g.mu.Unlock()
			if remaining > 0 {
				select {
				case g.ready <- struct{}{}:
				default:
				}
			}
			return nil
		}
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return errs.New("engine/demand", errs.CodeClosed,
				errs.WithCause(ctx.Err()), errs.WithMessage("stream ended while awaiting demand"))
		case <-g.ready:
		}
	}
}

// Credits reports the outstanding demand.
func (g *demandGate) Credits() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.credits
}
