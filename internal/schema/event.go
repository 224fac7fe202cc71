// Package schema defines the canonical event, payload, and filter shapes.
package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType enumerates event lifecycle categories across both feeds.
type EventType string

const (
	// EventTypeSnapshot identifies events reconstructed from the query API.
	EventTypeSnapshot EventType = "SNAPSHOT"
	// EventTypeCreate identifies order creation events.
	EventTypeCreate EventType = "CREATE"
	// EventTypeUpdate identifies order state transitions.
	EventTypeUpdate EventType = "UPDATE"
	// EventTypeNew identifies new execution reports.
	EventTypeNew EventType = "NEW"
	// EventTypeCorrect identifies execution corrections.
	EventTypeCorrect EventType = "CORRECT"
	// EventTypeBust identifies busted executions.
	EventTypeBust EventType = "BUST"
	// EventTypeCache identifies events served from the local key cache.
	EventTypeCache EventType = "CACHE"
)

// PayloadKind tags the variant carried by an event.
type PayloadKind string

const (
	// PayloadOrder marks events carrying an order payload.
	PayloadOrder PayloadKind = "ORDER"
	// PayloadExecution marks events carrying an execution payload.
	PayloadExecution PayloadKind = "EXECUTION"
)

// OrderState enumerates order lifecycle states.
type OrderState string

const (
	// OrderStateNew indicates a freshly accepted order.
	OrderStateNew OrderState = "NEW"
	// OrderStateUnack indicates an order awaiting venue acknowledgement.
	OrderStateUnack OrderState = "UNACK"
	// OrderStateLive indicates a working order.
	OrderStateLive OrderState = "LIVE"
	// OrderStateFilled indicates a fully filled order.
	OrderStateFilled OrderState = "FILLED"
	// OrderStateCanceled indicates a cancelled order.
	OrderStateCanceled OrderState = "CXL"
	// OrderStateRejected indicates a rejected order.
	OrderStateRejected OrderState = "REJ"
	// OrderStateClosed indicates an administratively closed order.
	OrderStateClosed OrderState = "CLOSED"
	// OrderStateExpired indicates an expired order.
	OrderStateExpired OrderState = "EXP"
)

// Terminal reports whether the state admits no further lifecycle changes.
// Terminal entries are the first eviction candidates in the key cache.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCanceled, OrderStateRejected, OrderStateClosed, OrderStateExpired:
		return true
	default:
		return false
	}
}

// OrderPayload is the order read-model projection carried on order events.
type OrderPayload struct {
	OrderID       string              `json:"orderId"`
	ParentOrderID string              `json:"parentOrderId,omitempty"`
	RootOrderID   string              `json:"rootOrderId,omitempty"`
	ClientOrderID string              `json:"clientOrderId,omitempty"`
	Account       string              `json:"account,omitempty"`
	Symbol        string              `json:"symbol,omitempty"`
	Side          string              `json:"side,omitempty"`
	OrderType     string              `json:"orderType,omitempty"`
	State         OrderState          `json:"state,omitempty"`
	CancelState   string              `json:"cancelState,omitempty"`
	OrderQty      decimal.NullDecimal `json:"orderQty,omitempty"`
	CumQty        decimal.NullDecimal `json:"cumQty,omitempty"`
	LeavesQty     decimal.NullDecimal `json:"leavesQty,omitempty"`
	Price         decimal.NullDecimal `json:"price,omitempty"`
	StopPx        decimal.NullDecimal `json:"stopPx,omitempty"`
	AvgPx         decimal.NullDecimal `json:"avgPx,omitempty"`
	TimeInForce   string              `json:"timeInForce,omitempty"`
	SecurityID    string              `json:"securityId,omitempty"`
	SecurityType  string              `json:"securityType,omitempty"`
	ExDestination string              `json:"exDestination,omitempty"`
	Text          string              `json:"text,omitempty"`
	SendingTime   *time.Time          `json:"sendingTime,omitempty"`
	TransactTime  *time.Time          `json:"transactTime,omitempty"`
	ExpireTime    *time.Time          `json:"expireTime,omitempty"`
}

// ExecutionPayload is the execution projection carried on execution events.
type ExecutionPayload struct {
	ExecID       string              `json:"execId"`
	OrderID      string              `json:"orderId"`
	LastQty      decimal.NullDecimal `json:"lastQty,omitempty"`
	LastPx       decimal.NullDecimal `json:"lastPx,omitempty"`
	CumQty       decimal.NullDecimal `json:"cumQty,omitempty"`
	AvgPx        decimal.NullDecimal `json:"avgPx,omitempty"`
	LeavesQty    decimal.NullDecimal `json:"leavesQty,omitempty"`
	ExecType     string              `json:"execType,omitempty"`
	LastMkt      string              `json:"lastMkt,omitempty"`
	LastCapacity string              `json:"lastCapacity,omitempty"`
	TransactTime *time.Time          `json:"transactTime,omitempty"`
	CreationDate *time.Time          `json:"creationDate,omitempty"`
}

// Event is one immutable observed fact about an order or execution.
// EventID is the upstream-assigned fingerprint used for deduplication.
// Events are shared across subscriptions and must never be mutated after
// publication.
type Event struct {
	Type           EventType         `json:"eventType"`
	EventID        int64             `json:"eventId"`
	SequenceNumber *int64            `json:"sequenceNumber,omitempty"`
	EventTime      time.Time         `json:"timestamp"`
	OrderID        string            `json:"orderId,omitempty"`
	ExecID         string            `json:"execId,omitempty"`
	Order          *OrderPayload     `json:"order,omitempty"`
	Execution      *ExecutionPayload `json:"execution,omitempty"`
}

// Kind reports the payload variant carried by the event.
func (e *Event) Kind() PayloadKind {
	if e != nil && e.Execution != nil {
		return PayloadExecution
	}
	return PayloadOrder
}

// Key returns the business key used for cache indexing: the execution id for
// execution events, otherwise the order id.
func (e *Event) Key() string {
	if e == nil {
		return ""
	}
	if e.Execution != nil {
		return e.ExecID
	}
	return e.OrderID
}

// State returns the order lifecycle state when the event carries one.
func (e *Event) State() (OrderState, bool) {
	if e == nil || e.Order == nil || e.Order.State == "" {
		return "", false
	}
	return e.Order.State, true
}

// WithType returns a shallow copy carrying a different event type. Used when
// serving cached entries as CACHE events.
func (e *Event) WithType(t EventType) *Event {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Type = t
	return &clone
}
