package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tapewire/tapewire/errs"
	"github.com/tapewire/tapewire/internal/schema"
)

const (
	testOrdersTopic     = "oms.orders"
	testExecutionsTopic = "oms.executions"
)

func TestDecodeOrderRecord(t *testing.T) {
	d := NewDecoder(testOrdersTopic, testExecutionsTopic)

	raw := []byte(`{
		"eventType": "UPDATE",
		"eventId": 4711,
		"timestamp": "2026-08-25T12:00:00Z",
		"orderId": "ord-1",
		"order": {"orderId": "ord-1", "symbol": "IBM", "state": "LIVE"}
	}`)

	evt, err := d.Decode(testOrdersTopic, raw)
	require.NoError(t, err)
	require.Equal(t, schema.EventTypeUpdate, evt.Type)
	require.Equal(t, int64(4711), evt.EventID)
	require.Equal(t, schema.PayloadOrder, evt.Kind())
	require.Equal(t, "ord-1", evt.Key())
	require.Nil(t, evt.Execution)
}

func TestDecodeExecutionRecord(t *testing.T) {
	d := NewDecoder(testOrdersTopic, testExecutionsTopic)

	raw := []byte(`{
		"eventType": "NEW",
		"eventId": 4712,
		"timestamp": "2026-08-25T12:00:01Z",
		"orderId": "ord-1",
		"execId": "exec-9",
		"execution": {"execId": "exec-9", "orderId": "ord-1", "execType": "TRADE"}
	}`)

	evt, err := d.Decode(testExecutionsTopic, raw)
	require.NoError(t, err)
	require.Equal(t, schema.PayloadExecution, evt.Kind())
	require.Equal(t, "exec-9", evt.Key())
}

func TestDecodeDefaultsMissingTimestamp(t *testing.T) {
	d := NewDecoder(testOrdersTopic, testExecutionsTopic)

	raw := []byte(`{"eventType":"CREATE","eventId":1,"orderId":"o","order":{"orderId":"o"}}`)
	before := time.Now().UTC()
	evt, err := d.Decode(testOrdersTopic, raw)
	require.NoError(t, err)
	require.False(t, evt.EventTime.Before(before))
}

func TestDecodePoisonRecords(t *testing.T) {
	d := NewDecoder(testOrdersTopic, testExecutionsTopic)

	cases := []struct {
		name  string
		topic string
		raw   string
	}{
		{"malformed json", testOrdersTopic, `{"eventId": garbage`},
		{"missing event id", testOrdersTopic, `{"eventType":"CREATE","order":{"orderId":"o"}}`},
		{"zero event id", testOrdersTopic, `{"eventType":"CREATE","eventId":0,"order":{"orderId":"o"}}`},
		{"order record without order payload", testOrdersTopic, `{"eventType":"CREATE","eventId":1}`},
		{"execution record without execution payload", testExecutionsTopic, `{"eventType":"NEW","eventId":1}`},
		{"unknown topic", "oms.balances", `{"eventType":"CREATE","eventId":1,"order":{"orderId":"o"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := d.Decode(tc.topic, []byte(tc.raw))
			require.Error(t, err)
			require.Equal(t, errs.KindUpstreamPoison, errs.KindOf(err))
		})
	}
}

func TestDecodeOrderTopicShedsStrayExecutionPayload(t *testing.T) {
	d := NewDecoder(testOrdersTopic, testExecutionsTopic)

	raw := []byte(`{
		"eventType": "UPDATE",
		"eventId": 7,
		"orderId": "ord-2",
		"order": {"orderId": "ord-2"},
		"execution": {"execId": "stray", "orderId": "ord-2"}
	}`)
	evt, err := d.Decode(testOrdersTopic, raw)
	require.NoError(t, err)
	require.Nil(t, evt.Execution, "order-topic records must classify as orders")
	require.Equal(t, schema.PayloadOrder, evt.Kind())
}

func TestPoisonGateAllowsUpToAllowance(t *testing.T) {
	g := newPoisonGate(3, time.Hour)

	require.True(t, g.admit())
	require.True(t, g.admit())
	require.True(t, g.admit())
	require.False(t, g.admit(), "fourth poison inside the window breaches the threshold")
}

func TestPoisonGateRefillsOverTime(t *testing.T) {
	g := newPoisonGate(100, 100*time.Millisecond)

	for i := 0; i < 100; i++ {
		require.True(t, g.admit())
	}
	require.False(t, g.admit())

	time.Sleep(120 * time.Millisecond)
	require.True(t, g.admit(), "tokens refill after the window passes")
}

func TestPoisonGateDefaults(t *testing.T) {
	g := newPoisonGate(0, 0)
	require.True(t, g.admit())
	require.False(t, g.admit())
}
