package hub

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/tapewire/tapewire/errs"
	"github.com/tapewire/tapewire/internal/schema"
	"github.com/tapewire/tapewire/internal/telemetry"
)

// Hub broadcasts ingested events to attached subscriptions. Each payload
// kind carries its own replay ring; a newly attached subscription receives
// the ring's contents in order before any live event, which closes the race
// between snapshot fetch and live attach. Publishing never blocks: slow
// subscribers drop their own oldest events.
type Hub struct {
	mu            sync.RWMutex
	rings         map[schema.PayloadKind]*ring
	subs          map[schema.PayloadKind]map[uuid.UUID]*Inbox
	replaySize    int
	inboxCapacity int
	closed        bool

	publishCounter metric.Int64Counter
	dropCounter    metric.Int64Counter
	fanoutSize     metric.Int64Histogram
}

// New constructs a hub with the given replay-ring size and per-subscriber
// inbox capacity.
func New(replaySize, inboxCapacity int) *Hub {
	if replaySize <= 0 {
		replaySize = 100
	}
	if inboxCapacity <= 0 {
		inboxCapacity = 1000
	}
	h := &Hub{
		rings:         make(map[schema.PayloadKind]*ring, 2),
		subs:          make(map[schema.PayloadKind]map[uuid.UUID]*Inbox, 2),
		replaySize:    replaySize,
		inboxCapacity: inboxCapacity,
	}
	for _, kind := range []schema.PayloadKind{schema.PayloadOrder, schema.PayloadExecution} {
		h.rings[kind] = newRing(replaySize)
		h.subs[kind] = make(map[uuid.UUID]*Inbox)
	}

	meter := otel.Meter("tapewire/hub")
	h.publishCounter, _ = meter.Int64Counter("hub.published",
		metric.WithDescription("Events published to the broadcast hub"),
		metric.WithUnit("{event}"))
	h.dropCounter, _ = meter.Int64Counter("hub.dropped",
		metric.WithDescription("Events dropped by full subscriber inboxes"),
		metric.WithUnit("{event}"))
	h.fanoutSize, _ = meter.Int64Histogram("hub.fanout.size",
		metric.WithDescription("Hub fanout subscriber count"),
		metric.WithUnit("1"))
	return h
}

// Publish inserts the event into its kind's replay ring and fans it out to
// every attached inbox. Runs on the ingestor goroutine and returns without
// waiting on any subscriber.
func (h *Hub) Publish(ctx context.Context, evt *schema.Event) error {
	if evt == nil {
		return nil
	}
	kind := evt.Kind()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errs.New("hub/publish", errs.CodeClosed, errs.WithMessage("hub closed"))
	}
	h.rings[kind].push(evt)
	inboxes := make([]*Inbox, 0, len(h.subs[kind]))
	for _, in := range h.subs[kind] {
		inboxes = append(inboxes, in)
	}
	h.mu.Unlock()

	var droppedBefore, droppedAfter uint64
	for _, in := range inboxes {
		droppedBefore += in.Dropped()
		in.push(evt)
		droppedAfter += in.Dropped()
	}

	if h.publishCounter != nil {
		h.publishCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrEventType.String(string(evt.Type))))
	}
	if h.fanoutSize != nil {
		h.fanoutSize.Record(ctx, int64(len(inboxes)))
	}
	if h.dropCounter != nil && droppedAfter > droppedBefore {
		h.dropCounter.Add(ctx, int64(droppedAfter-droppedBefore))
	}
	return nil
}

// Attach registers a new subscriber inbox for the payload kind and replays
// the ring's current contents into it before returning, so the subscriber
// observes every event the hub has seen recently plus everything that
// follows.
func (h *Hub) Attach(kind schema.PayloadKind) (*Inbox, error) {
	in := newInbox(kind, h.inboxCapacity)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errs.New("hub/attach", errs.CodeClosed, errs.WithMessage("hub closed"))
	}
	replay := h.rings[kind].snapshot()
	h.subs[kind][in.id] = in
	h.mu.Unlock()

	for _, evt := range replay {
		in.push(evt)
	}
	return in, nil
}

// Detach removes the inbox from the fanout table and closes it. Idempotent.
func (h *Hub) Detach(in *Inbox) {
	if in == nil {
		return
	}
	h.mu.Lock()
	delete(h.subs[in.kind], in.id)
	h.mu.Unlock()
	in.close()
}

// Subscribers reports the attached inbox count for the payload kind.
func (h *Hub) Subscribers(kind schema.PayloadKind) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[kind])
}

// ReplayLen reports the replay ring occupancy for the payload kind.
func (h *Hub) ReplayLen(kind schema.PayloadKind) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rings[kind].len()
}

// Close detaches every subscriber and rejects further publishes.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*Inbox
	for kind, subs := range h.subs {
		for id, in := range subs {
			all = append(all, in)
			delete(subs, id)
		}
		delete(h.subs, kind)
	}
	h.mu.Unlock()

	for _, in := range all {
		in.close()
	}
}
