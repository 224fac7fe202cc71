// Package hub is the in-process broadcast point between the ingestor and
// subscriptions: a bounded replay ring per payload kind plus bounded
// per-subscriber inboxes with drop-oldest overflow.
package hub

import "github.com/tapewire/tapewire/internal/schema"

// ring is a fixed-capacity circular buffer of the most recent events. A full
// ring overwrites its oldest entry; insertion is O(1) with zero allocation.
// Callers synchronize access (the hub holds its mutex).
type ring struct {
	buf   []*schema.Event
	head  int
	count int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buf: make([]*schema.Event, capacity)}
}

func (r *ring) push(evt *schema.Event) {
	if r.count == len(r.buf) {
		r.buf[r.head] = evt
		r.head = (r.head + 1) % len(r.buf)
		return
	}
	r.buf[(r.head+r.count)%len(r.buf)] = evt
	r.count++
}

// snapshot returns the buffered events oldest-first.
func (r *ring) snapshot() []*schema.Event {
	out := make([]*schema.Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

func (r *ring) len() int { return r.count }
