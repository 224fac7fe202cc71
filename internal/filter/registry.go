package filter

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tapewire/tapewire/errs"
	"github.com/tapewire/tapewire/internal/schema"
)

// Accessor extracts one typed field from an event.
type Accessor struct {
	Name string
	Typ  Type
	Get  func(*schema.Event) Value
}

// Registry is the startup-built table of filterable fields per payload kind.
// It is immutable after construction; lookups are lock-free.
type Registry struct {
	orders     map[string]Accessor
	executions map[string]Accessor
}

// NewRegistry builds the accessor table for order and execution payloads.
// Field names follow the wire spelling, so the same names are valid in
// filter payloads and in query-API parameters.
func NewRegistry() *Registry {
	r := &Registry{
		orders:     make(map[string]Accessor, 24),
		executions: make(map[string]Accessor, 12),
	}

	r.order("orderId", TypeString, func(o *schema.OrderPayload) Value { return stringValue(o.OrderID) })
	r.order("parentOrderId", TypeString, func(o *schema.OrderPayload) Value { return stringValue(o.ParentOrderID) })
	r.order("rootOrderId", TypeString, func(o *schema.OrderPayload) Value { return stringValue(o.RootOrderID) })
	r.order("clientOrderId", TypeString, func(o *schema.OrderPayload) Value { return stringValue(o.ClientOrderID) })
	r.order("account", TypeString, func(o *schema.OrderPayload) Value { return stringValue(o.Account) })
	r.order("symbol", TypeString, func(o *schema.OrderPayload) Value { return stringValue(o.Symbol) })
	r.order("side", TypeEnum, func(o *schema.OrderPayload) Value { return enumValue(o.Side) })
	r.order("orderType", TypeEnum, func(o *schema.OrderPayload) Value { return enumValue(o.OrderType) })
	r.order("state", TypeEnum, func(o *schema.OrderPayload) Value { return enumValue(string(o.State)) })
	r.order("cancelState", TypeEnum, func(o *schema.OrderPayload) Value { return enumValue(o.CancelState) })
	r.orderNum("orderQty", func(o *schema.OrderPayload) decimal.NullDecimal { return o.OrderQty })
	r.orderNum("cumQty", func(o *schema.OrderPayload) decimal.NullDecimal { return o.CumQty })
	r.orderNum("leavesQty", func(o *schema.OrderPayload) decimal.NullDecimal { return o.LeavesQty })
	r.orderNum("price", func(o *schema.OrderPayload) decimal.NullDecimal { return o.Price })
	r.orderNum("stopPx", func(o *schema.OrderPayload) decimal.NullDecimal { return o.StopPx })
	r.orderNum("avgPx", func(o *schema.OrderPayload) decimal.NullDecimal { return o.AvgPx })
	r.order("timeInForce", TypeEnum, func(o *schema.OrderPayload) Value { return enumValue(o.TimeInForce) })
	r.order("securityId", TypeString, func(o *schema.OrderPayload) Value { return stringValue(o.SecurityID) })
	r.order("securityType", TypeString, func(o *schema.OrderPayload) Value { return stringValue(o.SecurityType) })
	r.order("exDestination", TypeString, func(o *schema.OrderPayload) Value { return stringValue(o.ExDestination) })
	r.order("text", TypeString, func(o *schema.OrderPayload) Value { return stringValue(o.Text) })
	r.orderTime("sendingTime", func(o *schema.OrderPayload) *time.Time { return o.SendingTime })
	r.orderTime("transactTime", func(o *schema.OrderPayload) *time.Time { return o.TransactTime })
	r.orderTime("expireTime", func(o *schema.OrderPayload) *time.Time { return o.ExpireTime })

	r.execution("execId", TypeString, func(x *schema.ExecutionPayload) Value { return stringValue(x.ExecID) })
	r.execution("orderId", TypeString, func(x *schema.ExecutionPayload) Value { return stringValue(x.OrderID) })
	r.executionNum("lastQty", func(x *schema.ExecutionPayload) decimal.NullDecimal { return x.LastQty })
	r.executionNum("lastPx", func(x *schema.ExecutionPayload) decimal.NullDecimal { return x.LastPx })
	r.executionNum("cumQty", func(x *schema.ExecutionPayload) decimal.NullDecimal { return x.CumQty })
	r.executionNum("avgPx", func(x *schema.ExecutionPayload) decimal.NullDecimal { return x.AvgPx })
	r.executionNum("leavesQty", func(x *schema.ExecutionPayload) decimal.NullDecimal { return x.LeavesQty })
	r.execution("execType", TypeEnum, func(x *schema.ExecutionPayload) Value { return enumValue(x.ExecType) })
	r.execution("lastMkt", TypeString, func(x *schema.ExecutionPayload) Value { return stringValue(x.LastMkt) })
	r.execution("lastCapacity", TypeString, func(x *schema.ExecutionPayload) Value { return stringValue(x.LastCapacity) })
	r.executionTime("transactTime", func(x *schema.ExecutionPayload) *time.Time { return x.TransactTime })
	r.executionTime("creationDate", func(x *schema.ExecutionPayload) *time.Time { return x.CreationDate })

	return r
}

// Lookup resolves a field accessor for the payload kind. Unknown names are
// rejected with a structured InvalidFilter error naming the field.
func (r *Registry) Lookup(kind schema.PayloadKind, name string) (Accessor, error) {
	table := r.orders
	if kind == schema.PayloadExecution {
		table = r.executions
	}
	acc, ok := table[name]
	if !ok {
		return Accessor{}, errs.InvalidFilter("filter/registry", name, "unknown field for "+string(kind))
	}
	return acc, nil
}

// Fields returns the sorted registered field names for the payload kind.
func (r *Registry) Fields(kind schema.PayloadKind) []string {
	table := r.orders
	if kind == schema.PayloadExecution {
		table = r.executions
	}
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) order(name string, typ Type, get func(*schema.OrderPayload) Value) {
	r.orders[name] = Accessor{Name: name, Typ: typ, Get: func(e *schema.Event) Value {
		if e == nil || e.Order == nil {
			return Value{Typ: typ}
		}
		return get(e.Order)
	}}
}

func (r *Registry) orderNum(name string, get func(*schema.OrderPayload) decimal.NullDecimal) {
	r.orders[name] = Accessor{Name: name, Typ: TypeNumber, Get: func(e *schema.Event) Value {
		if e == nil || e.Order == nil {
			return Value{Typ: TypeNumber}
		}
		return numberValue(get(e.Order))
	}}
}

func (r *Registry) orderTime(name string, get func(*schema.OrderPayload) *time.Time) {
	r.orders[name] = Accessor{Name: name, Typ: TypeTimestamp, Get: func(e *schema.Event) Value {
		if e == nil || e.Order == nil {
			return Value{Typ: TypeTimestamp}
		}
		return timeValue(get(e.Order))
	}}
}

func (r *Registry) execution(name string, typ Type, get func(*schema.ExecutionPayload) Value) {
	r.executions[name] = Accessor{Name: name, Typ: typ, Get: func(e *schema.Event) Value {
		if e == nil || e.Execution == nil {
			return Value{Typ: typ}
		}
		return get(e.Execution)
	}}
}

func (r *Registry) executionNum(name string, get func(*schema.ExecutionPayload) decimal.NullDecimal) {
	r.executions[name] = Accessor{Name: name, Typ: TypeNumber, Get: func(e *schema.Event) Value {
		if e == nil || e.Execution == nil {
			return Value{Typ: TypeNumber}
		}
		return numberValue(get(e.Execution))
	}}
}

func (r *Registry) executionTime(name string, get func(*schema.ExecutionPayload) *time.Time) {
	r.executions[name] = Accessor{Name: name, Typ: TypeTimestamp, Get: func(e *schema.Event) Value {
		if e == nil || e.Execution == nil {
			return Value{Typ: TypeTimestamp}
		}
		return timeValue(get(e.Execution))
	}}
}
