package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tapewire/tapewire/errs"
	"github.com/tapewire/tapewire/internal/schema"
)

func orderEvent(id int64) *schema.Event {
	return &schema.Event{
		Type:    schema.EventTypeUpdate,
		EventID: id,
		OrderID: "ord",
		Order:   &schema.OrderPayload{OrderID: "ord", Symbol: "INTC"},
	}
}

func execEvent(id int64) *schema.Event {
	return &schema.Event{
		Type:      schema.EventTypeNew,
		EventID:   id,
		ExecID:    "exec",
		Execution: &schema.ExecutionPayload{ExecID: "exec", OrderID: "ord"},
	}
}

func drain(t *testing.T, in *Inbox, n int) []int64 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		evt, err := in.Next(ctx)
		require.NoError(t, err)
		ids = append(ids, evt.EventID)
	}
	return ids
}

func TestAttachReplaysRingInOrder(t *testing.T) {
	h := New(10, 10)
	defer h.Close()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, h.Publish(context.Background(), orderEvent(i)))
	}

	in, err := h.Attach(schema.PayloadOrder)
	require.NoError(t, err)
	defer h.Detach(in)

	require.Equal(t, []int64{1, 2, 3}, drain(t, in, 3))

	require.NoError(t, h.Publish(context.Background(), orderEvent(4)))
	require.Equal(t, []int64{4}, drain(t, in, 1))
}

func TestReplayRingOverflowsOldestFirst(t *testing.T) {
	h := New(2, 10)
	defer h.Close()

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, h.Publish(context.Background(), orderEvent(i)))
	}
	require.Equal(t, 2, h.ReplayLen(schema.PayloadOrder))

	in, err := h.Attach(schema.PayloadOrder)
	require.NoError(t, err)
	defer h.Detach(in)
	require.Equal(t, []int64{4, 5}, drain(t, in, 2))
}

func TestKindsAreIsolated(t *testing.T) {
	h := New(10, 10)
	defer h.Close()

	orders, err := h.Attach(schema.PayloadOrder)
	require.NoError(t, err)
	execs, err := h.Attach(schema.PayloadExecution)
	require.NoError(t, err)
	defer h.Detach(orders)
	defer h.Detach(execs)

	require.NoError(t, h.Publish(context.Background(), orderEvent(1)))
	require.NoError(t, h.Publish(context.Background(), execEvent(2)))

	require.Equal(t, []int64{1}, drain(t, orders, 1))
	require.Equal(t, []int64{2}, drain(t, execs, 1))
	require.Equal(t, 0, orders.Len())
	require.Equal(t, 0, execs.Len())
}

func TestSlowSubscriberDropsOwnOldest(t *testing.T) {
	h := New(100, 4)
	defer h.Close()

	slow, err := h.Attach(schema.PayloadOrder)
	require.NoError(t, err)
	fast, err := h.Attach(schema.PayloadOrder)
	require.NoError(t, err)
	defer h.Detach(slow)
	defer h.Detach(fast)

	// The slow subscriber never reads; the fast one keeps up.
	for i := int64(1); i <= 10; i++ {
		require.NoError(t, h.Publish(context.Background(), orderEvent(i)))
		if evt, ok := fast.TryNext(); ok {
			require.Equal(t, i, evt.EventID)
		}
	}

	require.EqualValues(t, 6, slow.Dropped())
	require.Equal(t, 4, slow.Len())
	require.Equal(t, []int64{7, 8, 9, 10}, drain(t, slow, 4))
	require.Zero(t, fast.Dropped())
}

func TestTakeDroppedResetsCounter(t *testing.T) {
	h := New(100, 1)
	defer h.Close()

	in, err := h.Attach(schema.PayloadOrder)
	require.NoError(t, err)
	defer h.Detach(in)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, h.Publish(context.Background(), orderEvent(i)))
	}
	require.EqualValues(t, 2, in.TakeDropped())
	require.Zero(t, in.TakeDropped())
}

func TestDetachClosesInbox(t *testing.T) {
	h := New(10, 10)
	defer h.Close()

	in, err := h.Attach(schema.PayloadOrder)
	require.NoError(t, err)
	h.Detach(in)
	h.Detach(in) // idempotent

	_, err = in.Next(context.Background())
	require.Error(t, err)
	require.Equal(t, errs.CodeClosed, errs.CodeOf(err))
	require.Zero(t, h.Subscribers(schema.PayloadOrder))
}

func TestNextDrainsBufferedEventsAfterClose(t *testing.T) {
	h := New(10, 10)

	in, err := h.Attach(schema.PayloadOrder)
	require.NoError(t, err)
	require.NoError(t, h.Publish(context.Background(), orderEvent(1)))

	h.Close()

	evt, err := in.Next(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, evt.EventID)
	_, err = in.Next(context.Background())
	require.Error(t, err)
}

func TestPublishAfterCloseRejected(t *testing.T) {
	h := New(10, 10)
	h.Close()
	err := h.Publish(context.Background(), orderEvent(1))
	require.Error(t, err)
	require.Equal(t, errs.CodeClosed, errs.CodeOf(err))
}

func TestNextHonorsContext(t *testing.T) {
	h := New(10, 10)
	defer h.Close()

	in, err := h.Attach(schema.PayloadOrder)
	require.NoError(t, err)
	defer h.Detach(in)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = in.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
