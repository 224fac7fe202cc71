package query

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/tapewire/tapewire/errs"
	"github.com/tapewire/tapewire/internal/schema"
)

func snapshotOrder(id int64, symbol string) *schema.Event {
	return &schema.Event{
		EventID: id,
		OrderID: "ord-" + strconv.FormatInt(id, 10),
		Order:   &schema.OrderPayload{OrderID: "ord-" + strconv.FormatInt(id, 10), Symbol: symbol},
	}
}

func servePages(t *testing.T, pages map[int]pageEnvelope, failAt int) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if failAt > 0 && page == failAt {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		envelope, ok := pages[page]
		if !ok {
			envelope = pageEnvelope{Last: true, Page: page}
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(envelope))
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func TestFetchPagesUntilLast(t *testing.T) {
	srv, requests := servePages(t, map[int]pageEnvelope{
		1: {Content: []*schema.Event{snapshotOrder(1, "AAPL"), snapshotOrder(2, "MSFT")}, Page: 1},
		2: {Content: []*schema.Event{snapshotOrder(3, "INTC")}, Last: true, Page: 2},
	}, 0)

	client := NewClient(Config{BaseURL: srv.URL, PageSize: 2})
	events, err := client.Fetch(context.Background(), schema.PayloadOrder, schema.Filter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.EqualValues(t, 2, requests.Load())
	for _, evt := range events {
		require.Equal(t, schema.EventTypeSnapshot, evt.Type)
	}
	require.EqualValues(t, 1, events[0].EventID)
	require.EqualValues(t, 3, events[2].EventID)
}

func TestFetchFailsFastMidSnapshot(t *testing.T) {
	srv, _ := servePages(t, map[int]pageEnvelope{
		1: {Content: []*schema.Event{snapshotOrder(1, "AAPL"), snapshotOrder(2, "MSFT")}, Page: 1},
	}, 2)

	client := NewClient(Config{BaseURL: srv.URL})
	events, err := client.Fetch(context.Background(), schema.PayloadOrder, schema.Filter{})
	require.Error(t, err)
	require.Nil(t, events, "partial snapshots must not be returned")

	var envelope *errs.E
	require.ErrorAs(t, err, &envelope)
	require.Equal(t, errs.KindSnapshotFailed, envelope.Kind)
	require.Equal(t, 2, envelope.Page)
	require.Equal(t, http.StatusBadGateway, envelope.HTTP)
}

func TestFetchTimeoutIsSnapshotFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(Config{BaseURL: srv.URL, ReadTimeout: 20 * time.Millisecond})
	_, err := client.Fetch(context.Background(), schema.PayloadOrder, schema.Filter{})
	require.Error(t, err)
	require.Equal(t, errs.KindSnapshotFailed, errs.KindOf(err))
	require.Equal(t, errs.CodeTimeout, errs.CodeOf(err))
}

func TestFetchRoutesByPayloadKind(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(pageEnvelope{Last: true, Page: 1})
	}))
	t.Cleanup(srv.Close)

	client := NewClient(Config{BaseURL: srv.URL})
	_, err := client.Fetch(context.Background(), schema.PayloadOrder, schema.Filter{})
	require.NoError(t, err)
	_, err = client.Fetch(context.Background(), schema.PayloadExecution, schema.Filter{})
	require.NoError(t, err)
	require.Equal(t, []string{"/orders", "/executions"}, paths)
}

func TestParamsMapping(t *testing.T) {
	f := schema.Filter{
		LogicalOperator: schema.LogicalOr,
		Conditions: []schema.Condition{
			{Field: "symbol", Operator: schema.OpEQ, Value: "INTC"},
			{Field: "account", Operator: schema.OpLike, Value: "%acme%"},
			{Field: "orderQty", Operator: schema.OpGT, Value: "100"},
			{Field: "cumQty", Operator: schema.OpGTE, Value: "1"},
			{Field: "leavesQty", Operator: schema.OpLT, Value: "500"},
			{Field: "avgPx", Operator: schema.OpLTE, Value: "99.5"},
			{Field: "price", Operator: schema.OpBetween, Value: "30", Value2: "50"},
		},
	}
	params, err := Params(f)
	require.NoError(t, err)
	require.Equal(t, "OR", params.Get("logicalOperator"))
	require.Equal(t, "INTC", params.Get("symbol"))
	require.Equal(t, "acme", params.Get("account__like"), "LIKE wildcards are stripped before the wire")
	require.Equal(t, "100", params.Get("orderQty__gt"))
	require.Equal(t, "1", params.Get("cumQty__gte"))
	require.Equal(t, "500", params.Get("leavesQty__lt"))
	require.Equal(t, "99.5", params.Get("avgPx__lte"))
	require.Equal(t, "30,50", params.Get("price__between"))
}

func TestParamsRejectsMalformedFilter(t *testing.T) {
	_, err := Params(schema.Filter{Conditions: []schema.Condition{
		{Field: "price", Operator: schema.OpBetween, Value: "30"},
	}})
	require.Error(t, err)
	require.Equal(t, errs.KindInvalidFilter, errs.KindOf(err))
}

func TestSnapshotFetchesAtMostOnce(t *testing.T) {
	srv, requests := servePages(t, map[int]pageEnvelope{
		1: {Content: []*schema.Event{snapshotOrder(1, "AAPL")}, Last: true, Page: 1},
	}, 0)

	client := NewClient(Config{BaseURL: srv.URL})
	snap := client.Snapshot(schema.PayloadOrder, schema.Filter{})

	first, err := snap.Events(context.Background())
	require.NoError(t, err)
	second, err := snap.Events(context.Background())
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Equal(t, first, second)
	require.EqualValues(t, 1, requests.Load(), "snapshot must issue exactly one fetch")
}

func TestSnapshotStreamEmitsPagesBeforeFailure(t *testing.T) {
	srv, _ := servePages(t, map[int]pageEnvelope{
		1: {Content: []*schema.Event{snapshotOrder(1, "AAPL"), snapshotOrder(2, "MSFT")}, Page: 1},
	}, 2)

	client := NewClient(Config{BaseURL: srv.URL})
	snap := client.Snapshot(schema.PayloadOrder, schema.Filter{})

	var seen []int64
	err := snap.Stream(context.Background(), func(evt *schema.Event) error {
		seen = append(seen, evt.EventID)
		return nil
	})
	require.Error(t, err)
	require.Equal(t, errs.KindSnapshotFailed, errs.KindOf(err))
	require.Equal(t, []int64{1, 2}, seen, "events from successful pages flow before the failure surfaces")
}

func TestSnapshotStreamReplaysMemoizedSequence(t *testing.T) {
	srv, requests := servePages(t, map[int]pageEnvelope{
		1: {Content: []*schema.Event{snapshotOrder(1, "AAPL")}, Last: true, Page: 1},
	}, 0)

	client := NewClient(Config{BaseURL: srv.URL})
	snap := client.Snapshot(schema.PayloadOrder, schema.Filter{})

	require.NoError(t, snap.Stream(context.Background(), func(*schema.Event) error { return nil }))
	var replayed int
	require.NoError(t, snap.Stream(context.Background(), func(*schema.Event) error {
		replayed++
		return nil
	}))
	require.Equal(t, 1, replayed)
	require.EqualValues(t, 1, requests.Load())
}

func TestSnapshotMemoizesFailure(t *testing.T) {
	srv, requests := servePages(t, nil, 1)

	client := NewClient(Config{BaseURL: srv.URL})
	snap := client.Snapshot(schema.PayloadOrder, schema.Filter{})

	_, err := snap.Events(context.Background())
	require.Error(t, err)
	_, err = snap.Events(context.Background())
	require.Error(t, err)
	require.EqualValues(t, 1, requests.Load(), "failure must not trigger a re-fetch")
}
