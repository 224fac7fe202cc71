package schema

import (
	"strings"

	"github.com/tapewire/tapewire/errs"
)

// LogicalOperator joins filter conditions at the top level.
type LogicalOperator string

const (
	// LogicalAnd requires every condition to match.
	LogicalAnd LogicalOperator = "AND"
	// LogicalOr requires at least one condition to match.
	LogicalOr LogicalOperator = "OR"
)

// Operator enumerates the comparison operators of the filter language.
type Operator string

const (
	// OpEQ is equality; case-insensitive on strings and enums.
	OpEQ Operator = "EQ"
	// OpLike is case-insensitive substring containment.
	OpLike Operator = "LIKE"
	// OpGT is strictly-greater ordering.
	OpGT Operator = "GT"
	// OpGTE is greater-or-equal ordering.
	OpGTE Operator = "GTE"
	// OpLT is strictly-less ordering.
	OpLT Operator = "LT"
	// OpLTE is less-or-equal ordering.
	OpLTE Operator = "LTE"
	// OpBetween is the closed interval [value, value2].
	OpBetween Operator = "BETWEEN"
)

// Known reports whether the operator is part of the filter language.
func (o Operator) Known() bool {
	switch o {
	case OpEQ, OpLike, OpGT, OpGTE, OpLT, OpLTE, OpBetween:
		return true
	default:
		return false
	}
}

// Condition is one field/operator/value leaf of a filter.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
	Value2   string   `json:"value2,omitempty"`
}

// Filter is a flat conjunction or disjunction of conditions. A filter with
// zero conditions matches every event.
type Filter struct {
	LogicalOperator LogicalOperator `json:"logicalOperator,omitempty"`
	Conditions      []Condition     `json:"filters"`
	IncludeSnapshot *bool           `json:"includeSnapshot,omitempty"`
}

// Logical returns the effective top-level operator; the default is AND.
func (f Filter) Logical() LogicalOperator {
	if f.LogicalOperator == LogicalOr {
		return LogicalOr
	}
	return LogicalAnd
}

// WantsSnapshot reports whether the subscription requests the historical
// snapshot phase; the default is true.
func (f Filter) WantsSnapshot() bool {
	return f.IncludeSnapshot == nil || *f.IncludeSnapshot
}

// Normalize strips transport-level LIKE wildcard metacharacters and trims
// surrounding whitespace from fields and operators. The core filter language
// has no wildcards; `%` markers from SQL-shaped clients are dropped here.
func (f Filter) Normalize() Filter {
	out := f
	if len(f.Conditions) > 0 {
		out.Conditions = make([]Condition, len(f.Conditions))
		for i, c := range f.Conditions {
			c.Field = strings.TrimSpace(c.Field)
			c.Operator = Operator(strings.ToUpper(strings.TrimSpace(string(c.Operator))))
			if c.Operator == OpLike {
				c.Value = strings.ReplaceAll(c.Value, "%", "")
			}
			out.Conditions[i] = c
		}
	}
	if f.LogicalOperator != "" {
		out.LogicalOperator = LogicalOperator(strings.ToUpper(strings.TrimSpace(string(f.LogicalOperator))))
	}
	return out
}

// Validate performs structural checks that do not need the accessor
// registry: known operators, BETWEEN endpoint presence, known logical join.
func (f Filter) Validate() error {
	if f.LogicalOperator != "" && f.LogicalOperator != LogicalAnd && f.LogicalOperator != LogicalOr {
		return errs.InvalidFilter("schema/filter", "", "logicalOperator must be AND or OR")
	}
	for _, c := range f.Conditions {
		if strings.TrimSpace(c.Field) == "" {
			return errs.InvalidFilter("schema/filter", c.Field, "field name required")
		}
		if !c.Operator.Known() {
			return errs.InvalidFilter("schema/filter", c.Field, "unknown operator "+string(c.Operator))
		}
		if c.Operator == OpBetween && strings.TrimSpace(c.Value2) == "" {
			return errs.InvalidFilter("schema/filter", c.Field, "BETWEEN requires value2")
		}
		if c.Operator != OpBetween && strings.TrimSpace(c.Value2) != "" {
			return errs.InvalidFilter("schema/filter", c.Field, "value2 is only valid with BETWEEN")
		}
	}
	return nil
}

// StreamType selects the sources multiplexed into a blotter stream.
type StreamType string

const (
	// StreamOrders selects the order feed only.
	StreamOrders StreamType = "ORDERS"
	// StreamExecutions selects the execution feed only.
	StreamExecutions StreamType = "EXECUTIONS"
	// StreamAll multiplexes both feeds.
	StreamAll StreamType = "ALL"
)

// StreamRequest is the payload of a blotter stream call.
type StreamRequest struct {
	BlotterID  string     `json:"blotterId"`
	StreamType StreamType `json:"streamType"`
	Filter     Filter     `json:"filter"`
}

// Validate checks the stream request shape.
func (r StreamRequest) Validate() error {
	switch r.StreamType {
	case StreamOrders, StreamExecutions, StreamAll:
	case "":
		return errs.InvalidFilter("schema/stream-request", "", "streamType required")
	default:
		return errs.InvalidFilter("schema/stream-request", "", "unknown streamType "+string(r.StreamType))
	}
	return r.Filter.Validate()
}
