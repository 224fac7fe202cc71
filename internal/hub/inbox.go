package hub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tapewire/tapewire/errs"
	"github.com/tapewire/tapewire/internal/schema"
)

// Inbox is the bounded queue between the hub and one subscription's emission
// loop. The hub is the single producer; the subscription is the single
// consumer. A full inbox drops its oldest entry so a slow subscriber never
// blocks the producer or loses its newest data.
type Inbox struct {
	id       uuid.UUID
	kind     schema.PayloadKind
	mu       sync.Mutex
	buf      []*schema.Event
	head     int
	count    int
	closed   bool
	ready    chan struct{}
	done     chan struct{}
	doneOnce sync.Once
	dropped  atomic.Uint64
}

func newInbox(kind schema.PayloadKind, capacity int) *Inbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &Inbox{
		id:    uuid.New(),
		kind:  kind,
		buf:   make([]*schema.Event, capacity),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// ID identifies the inbox within the hub's subscriber table.
func (in *Inbox) ID() uuid.UUID { return in.id }

// Kind reports the payload kind the inbox is attached to.
func (in *Inbox) Kind() schema.PayloadKind { return in.kind }

// push enqueues without ever blocking. On overflow the oldest entry is
// discarded and the drop counter incremented.
func (in *Inbox) push(evt *schema.Event) {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	if in.count == len(in.buf) {
		in.buf[in.head] = nil
		in.head = (in.head + 1) % len(in.buf)
		in.count--
		in.dropped.Add(1)
	}
	in.buf[(in.head+in.count)%len(in.buf)] = evt
	in.count++
	in.mu.Unlock()

	select {
	case in.ready <- struct{}{}:
	default:
	}
}

// TryNext pops the oldest buffered event without blocking.
func (in *Inbox) TryNext() (*schema.Event, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.count == 0 {
		return nil, false
	}
	evt := in.buf[in.head]
	in.buf[in.head] = nil
	in.head = (in.head + 1) % len(in.buf)
	in.count--
	return evt, true
}

// Next blocks until an event is available, the inbox closes, or ctx ends.
func (in *Inbox) Next(ctx context.Context) (*schema.Event, error) {
	for {
		if evt, ok := in.TryNext(); ok {
			return evt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-in.done:
			// Drain anything enqueued before the close.
			if evt, ok := in.TryNext(); ok {
				return evt, nil
			}
			return nil, errs.New("hub/inbox", errs.CodeClosed, errs.WithMessage("inbox closed"))
		case <-in.ready:
		}
	}
}

// Ready signals that buffered events may be available. Used together with
// TryNext when selecting over multiple inboxes.
func (in *Inbox) Ready() <-chan struct{} { return in.ready }

// Done is closed when the inbox is detached from the hub.
func (in *Inbox) Done() <-chan struct{} { return in.done }

// Len reports the number of buffered events.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.count
}

// Dropped reports the total events discarded by overflow.
func (in *Inbox) Dropped() uint64 { return in.dropped.Load() }

// TakeDropped returns the drops accumulated since the previous call.
func (in *Inbox) TakeDropped() uint64 { return in.dropped.Swap(0) }

func (in *Inbox) close() {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
	in.doneOnce.Do(func() { close(in.done) })
}
