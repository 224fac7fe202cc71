package engine

import (
	"context"
	"io"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tapewire/tapewire/config"
	"github.com/tapewire/tapewire/errs"
	"github.com/tapewire/tapewire/internal/filter"
	"github.com/tapewire/tapewire/internal/hub"
	"github.com/tapewire/tapewire/internal/ingest"
	"github.com/tapewire/tapewire/internal/query"
	"github.com/tapewire/tapewire/internal/schema"
)

type fakeStatus struct{ v atomic.Int32 }

func (f *fakeStatus) State() ingest.State { return ingest.State(f.v.Load()) }
func (f *fakeStatus) set(s ingest.State)  { f.v.Store(int32(s)) }

func runningStatus() *fakeStatus {
	f := &fakeStatus{}
	f.set(ingest.StateRunning)
	return f
}

// fakeSource serves canned snapshot pages per payload kind, optionally
// failing after a number of successful pages.
type fakeSource struct {
	orderPages [][]*schema.Event
	execPages  [][]*schema.Event
	failAfter  int
	failErr    error
	fetches    atomic.Int32
}

func (s *fakeSource) Snapshot(kind schema.PayloadKind, _ schema.Filter) *query.Snapshot {
	pages := s.orderPages
	if kind == schema.PayloadExecution {
		pages = s.execPages
	}
	return query.PagedSnapshot(func(ctx context.Context, fn func([]*schema.Event) error) error {
		s.fetches.Add(1)
		for i, page := range pages {
			if s.failErr != nil && i == s.failAfter {
				return s.failErr
			}
			if err := fn(page); err != nil {
				return err
			}
		}
		if s.failErr != nil && s.failAfter >= len(pages) {
			return s.failErr
		}
		return nil
	})
}

func snapOrder(id int64, symbol string) *schema.Event {
	return &schema.Event{
		Type:    schema.EventTypeSnapshot,
		EventID: id,
		OrderID: "ord-" + strconv.FormatInt(id, 10),
		Order:   &schema.OrderPayload{OrderID: "ord-" + strconv.FormatInt(id, 10), Symbol: symbol, State: schema.OrderStateLive},
	}
}

func liveOrder(id int64, symbol string) *schema.Event {
	evt := snapOrder(id, symbol)
	evt.Type = schema.EventTypeUpdate
	return evt
}

func pricedOrder(id int64, price string) *schema.Event {
	evt := snapOrder(id, "IBM")
	evt.Order.Price = decimal.NewNullDecimal(decimal.RequireFromString(price))
	return evt
}

func liveExec(id int64, orderID string) *schema.Event {
	return &schema.Event{
		Type:      schema.EventTypeNew,
		EventID:   id,
		OrderID:   orderID,
		ExecID:    "exec-" + strconv.FormatInt(id, 10),
		Execution: &schema.ExecutionPayload{ExecID: "exec-" + strconv.FormatInt(id, 10), OrderID: orderID},
	}
}

func snapExec(id int64, orderID string) *schema.Event {
	evt := liveExec(id, orderID)
	evt.Type = schema.EventTypeSnapshot
	return evt
}

func boolPtr(b bool) *bool { return &b }

func testEngine(src query.Source, status ConsumerStatus, h *hub.Hub, opts Options) *Engine {
	return New(filter.NewRegistry(), h, src, status, opts)
}

func collect(t *testing.T, st *Stream, n int) []*schema.Event {
	t.Helper()
	out := make([]*schema.Event, 0, n)
	timeout := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case evt, ok := <-st.Events():
			if !ok {
				t.Fatalf("stream closed after %d of %d events: %v", len(out), n, st.Err())
			}
			out = append(out, evt)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func ids(events []*schema.Event) []int64 {
	out := make([]int64, len(events))
	for i, evt := range events {
		out[i] = evt.EventID
	}
	return out
}

func TestSnapshotThenLiveWithDedup(t *testing.T) {
	h := hub.New(100, 100)
	defer h.Close()
	src := &fakeSource{orderPages: [][]*schema.Event{{snapOrder(1, "A"), snapOrder(2, "B"), snapOrder(3, "C")}}}
	eng := testEngine(src, runningStatus(), h, Options{SnapshotIDGrace: time.Minute})

	st, err := eng.OpenOrders(context.Background(), schema.Filter{})
	require.NoError(t, err)
	defer st.Cancel()
	st.Request(100)

	// The hub attach happened inside Open, so these land in the inbox and
	// queue behind the snapshot.
	duplicate := liveOrder(2, "B")
	duplicate.Order.State = schema.OrderStateFilled
	require.NoError(t, h.Publish(context.Background(), duplicate))
	require.NoError(t, h.Publish(context.Background(), liveOrder(4, "D")))

	events := collect(t, st, 4)
	require.Equal(t, []int64{1, 2, 3, 4}, ids(events))
	for _, evt := range events[:3] {
		require.Equal(t, schema.EventTypeSnapshot, evt.Type)
	}
	require.Equal(t, schema.EventTypeUpdate, events[3].Type, "the live duplicate of id 2 must be dropped")
}

func TestLiveOnlyCaseInsensitiveEq(t *testing.T) {
	h := hub.New(100, 100)
	defer h.Close()
	src := &fakeSource{}
	eng := testEngine(src, runningStatus(), h, Options{})

	st, err := eng.OpenOrders(context.Background(), schema.Filter{
		Conditions:      []schema.Condition{{Field: "symbol", Operator: schema.OpEQ, Value: "INTC"}},
		IncludeSnapshot: boolPtr(false),
	})
	require.NoError(t, err)
	defer st.Cancel()
	st.Request(100)

	require.NoError(t, h.Publish(context.Background(), liveOrder(10, "AAPL")))
	require.NoError(t, h.Publish(context.Background(), liveOrder(11, "INTC")))
	require.NoError(t, h.Publish(context.Background(), liveOrder(12, "intc")))

	events := collect(t, st, 2)
	require.Equal(t, []int64{11, 12}, ids(events))
	require.EqualValues(t, 0, src.fetches.Load(), "live-only subscriptions never touch the query API")
}

func TestBetweenEndpointsInclusive(t *testing.T) {
	h := hub.New(100, 100)
	defer h.Close()
	src := &fakeSource{orderPages: [][]*schema.Event{{
		pricedOrder(1, "29"), pricedOrder(2, "30"), pricedOrder(3, "50"), pricedOrder(4, "51"),
	}}}
	eng := testEngine(src, runningStatus(), h, Options{})

	st, err := eng.OpenOrders(context.Background(), schema.Filter{
		Conditions: []schema.Condition{{Field: "price", Operator: schema.OpBetween, Value: "30", Value2: "50"}},
	})
	require.NoError(t, err)
	defer st.Cancel()
	st.Request(100)

	events := collect(t, st, 2)
	require.Equal(t, []int64{2, 3}, ids(events))
}

func TestOverflowCounterWithStalledDemand(t *testing.T) {
	h := hub.New(10, 4)
	defer h.Close()
	eng := testEngine(&fakeSource{}, runningStatus(), h, Options{})

	st, err := eng.OpenOrders(context.Background(), schema.Filter{IncludeSnapshot: boolPtr(false)})
	require.NoError(t, err)
	defer st.Cancel()
	// Demand stays zero: the emission loop parks and the inbox absorbs the
	// flood alone.
	for i := int64(1); i <= 10; i++ {
		require.NoError(t, h.Publish(context.Background(), liveOrder(i, "IBM")))
	}

	st.Request(100)
	events := collect(t, st, 4)
	require.Equal(t, []int64{7, 8, 9, 10}, ids(events), "drop-oldest keeps the newest events")

	select {
	case warn := <-st.Warnings():
		require.Equal(t, errs.KindOverflowDrop, warn.Kind)
		require.EqualValues(t, 6, warn.Dropped)
	case <-time.After(time.Second):
		t.Fatal("expected an overflow warning")
	}
}

func TestSnapshotFailureMidwayTerminatesStream(t *testing.T) {
	h := hub.New(100, 100)
	defer h.Close()
	src := &fakeSource{
		orderPages: [][]*schema.Event{{snapOrder(1, "A"), snapOrder(2, "B")}},
		failAfter:  1,
		failErr:    errs.SnapshotFailed("query/fetch", 2, io.ErrUnexpectedEOF),
	}
	eng := testEngine(src, runningStatus(), h, Options{})

	st, err := eng.OpenOrders(context.Background(), schema.Filter{})
	require.NoError(t, err)
	st.Request(100)

	events := collect(t, st, 2)
	require.Equal(t, []int64{1, 2}, ids(events))

	select {
	case _, ok := <-st.Events():
		require.False(t, ok, "stream must terminate after the failed page")
	case <-time.After(time.Second):
		t.Fatal("stream did not terminate")
	}
	var envelope *errs.E
	require.ErrorAs(t, st.Err(), &envelope)
	require.Equal(t, errs.KindSnapshotFailed, envelope.Kind)
	require.Equal(t, 2, envelope.Page)
}

func TestUpstreamPolicyFailRejectsDuringBackoff(t *testing.T) {
	h := hub.New(100, 100)
	defer h.Close()
	status := &fakeStatus{}
	status.set(ingest.StateBackoff)
	eng := testEngine(&fakeSource{}, status, h, Options{UpstreamPolicy: config.UpstreamPolicyFail})

	_, err := eng.OpenOrders(context.Background(), schema.Filter{IncludeSnapshot: boolPtr(false)})
	require.Error(t, err)
	require.Equal(t, errs.KindUpstreamUnavailable, errs.KindOf(err))

	status.set(ingest.StateRunning)
	st, err := eng.OpenOrders(context.Background(), schema.Filter{IncludeSnapshot: boolPtr(false)})
	require.NoError(t, err)
	st.Cancel()
}

func TestUpstreamPolicyAttachAdmitsDuringBackoff(t *testing.T) {
	h := hub.New(100, 100)
	defer h.Close()
	status := &fakeStatus{}
	status.set(ingest.StateBackoff)
	eng := testEngine(&fakeSource{}, status, h, Options{UpstreamPolicy: config.UpstreamPolicyAttach})

	st, err := eng.OpenOrders(context.Background(), schema.Filter{IncludeSnapshot: boolPtr(false)})
	require.NoError(t, err)
	defer st.Cancel()
	st.Request(10)

	// The subscription sees silence until the consumer recovers, then events.
	status.set(ingest.StateRunning)
	require.NoError(t, h.Publish(context.Background(), liveOrder(1, "IBM")))
	events := collect(t, st, 1)
	require.Equal(t, []int64{1}, ids(events))
}

func TestInvalidFilterRejectedAtOpen(t *testing.T) {
	h := hub.New(100, 100)
	defer h.Close()
	eng := testEngine(&fakeSource{}, runningStatus(), h, Options{})

	_, err := eng.OpenOrders(context.Background(), schema.Filter{
		Conditions: []schema.Condition{{Field: "nope", Operator: schema.OpEQ, Value: "x"}},
	})
	require.Error(t, err)
	require.Equal(t, errs.KindInvalidFilter, errs.KindOf(err))
	require.Equal(t, 0, h.Subscribers(schema.PayloadOrder), "rejected filters must not leak attachments")
}

func TestZeroPageSnapshotStillGoesLive(t *testing.T) {
	h := hub.New(100, 100)
	defer h.Close()
	eng := testEngine(&fakeSource{}, runningStatus(), h, Options{})

	st, err := eng.OpenOrders(context.Background(), schema.Filter{})
	require.NoError(t, err)
	defer st.Cancel()
	st.Request(10)

	require.NoError(t, h.Publish(context.Background(), liveOrder(1, "IBM")))
	events := collect(t, st, 1)
	require.Equal(t, []int64{1}, ids(events))
}

func TestSnapshotFetchedAtMostOncePerSubscription(t *testing.T) {
	h := hub.New(100, 100)
	defer h.Close()
	src := &fakeSource{orderPages: [][]*schema.Event{{snapOrder(1, "A")}}}
	eng := testEngine(src, runningStatus(), h, Options{})

	st, err := eng.OpenOrders(context.Background(), schema.Filter{})
	require.NoError(t, err)
	defer st.Cancel()
	st.Request(10)
	collect(t, st, 1)
	require.EqualValues(t, 1, src.fetches.Load())
}

func TestCancelClosesCleanlyAndIsIdempotent(t *testing.T) {
	h := hub.New(100, 100)
	defer h.Close()
	eng := testEngine(&fakeSource{}, runningStatus(), h, Options{})

	st, err := eng.OpenOrders(context.Background(), schema.Filter{IncludeSnapshot: boolPtr(false)})
	require.NoError(t, err)
	st.Cancel()
	st.Cancel()

	select {
	case <-st.Done():
	case <-time.After(time.Second):
		t.Fatal("cancel did not close the stream")
	}
	require.NoError(t, st.Err())
	require.Eventually(t, func() bool {
		return h.Subscribers(schema.PayloadOrder) == 0
	}, time.Second, 10*time.Millisecond, "cancel must detach from the hub")
}

func TestGraceClearsDedupSet(t *testing.T) {
	h := hub.New(10, 10)
	defer h.Close()
	in, err := h.Attach(schema.PayloadOrder)
	require.NoError(t, err)
	defer h.Detach(in)

	compiled, err := filter.Compile(filter.NewRegistry(), schema.PayloadOrder, schema.Filter{})
	require.NoError(t, err)
	sub := newSubscription(schema.PayloadOrder, compiled, in,
		query.ResolvedSnapshot([]*schema.Event{snapOrder(1, "A")}), 20*time.Millisecond)

	require.NoError(t, sub.runSnapshot(context.Background(), func(context.Context, *schema.Event) error { return nil }))
	sub.toLive()

	require.False(t, sub.acceptLive(liveOrder(1, "A")), "inside the grace window the duplicate is dropped")
	require.Eventually(t, func() bool {
		return sub.acceptLive(liveOrder(1, "A"))
	}, time.Second, 5*time.Millisecond, "after the grace window the set is retired")
	require.Nil(t, sub.snapshotIDs)
}

func TestBlotterSnapshotIsSourceOrdered(t *testing.T) {
	h := hub.New(100, 100)
	defer h.Close()
	src := &fakeSource{
		orderPages: [][]*schema.Event{{snapOrder(1, "A"), snapOrder(2, "B")}},
		execPages:  [][]*schema.Event{{snapExec(3, "ord-1")}},
	}
	eng := testEngine(src, runningStatus(), h, Options{})

	st, err := eng.OpenBlotter(context.Background(), schema.StreamRequest{
		BlotterID:  "blot-1",
		StreamType: schema.StreamAll,
	})
	require.NoError(t, err)
	defer st.Cancel()
	st.Request(100)

	events := collect(t, st, 3)
	require.Equal(t, []int64{1, 2, 3}, ids(events), "all order snapshot events precede execution snapshot events")

	require.NoError(t, h.Publish(context.Background(), liveOrder(4, "D")))
	require.NoError(t, h.Publish(context.Background(), liveExec(5, "ord-4")))
	live := collect(t, st, 2)
	require.ElementsMatch(t, []int64{4, 5}, ids(live))
}

func TestBlotterDelegatesSingleSource(t *testing.T) {
	h := hub.New(100, 100)
	defer h.Close()
	eng := testEngine(&fakeSource{}, runningStatus(), h, Options{})

	st, err := eng.OpenBlotter(context.Background(), schema.StreamRequest{
		BlotterID:  "blot-2",
		StreamType: schema.StreamExecutions,
		Filter:     schema.Filter{IncludeSnapshot: boolPtr(false)},
	})
	require.NoError(t, err)
	defer st.Cancel()
	st.Request(10)

	require.NoError(t, h.Publish(context.Background(), liveOrder(1, "IBM")))
	require.NoError(t, h.Publish(context.Background(), liveExec(2, "ord-1")))
	events := collect(t, st, 1)
	require.Equal(t, []int64{2}, ids(events), "an executions blotter never sees order events")
}

func TestBlotterRejectsUnknownStreamType(t *testing.T) {
	h := hub.New(100, 100)
	defer h.Close()
	eng := testEngine(&fakeSource{}, runningStatus(), h, Options{})

	_, err := eng.OpenBlotter(context.Background(), schema.StreamRequest{StreamType: "EVERYTHING"})
	require.Error(t, err)
	require.Equal(t, errs.KindInvalidFilter, errs.KindOf(err))
}

func BenchmarkLiveAccept(b *testing.B) {
	compiled, err := filter.Compile(filter.NewRegistry(), schema.PayloadOrder, schema.Filter{
		Conditions: []schema.Condition{{Field: "symbol", Operator: schema.OpEQ, Value: "INTC"}},
	})
	if err != nil {
		b.Fatal(err)
	}
	h := hub.New(10, 10)
	defer h.Close()
	in, err := h.Attach(schema.PayloadOrder)
	if err != nil {
		b.Fatal(err)
	}
	defer h.Detach(in)

	sub := newSubscription(schema.PayloadOrder, compiled, in, query.ResolvedSnapshot(nil), time.Minute)
	sub.snapshotIDs = map[int64]struct{}{1: {}, 2: {}, 3: {}}
	evt := liveOrder(42, "INTC")

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !sub.acceptLive(evt) {
			b.Fatal("event must match")
		}
	}
}
