package filter

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tapewire/tapewire/errs"
	"github.com/tapewire/tapewire/internal/schema"
)

const compileComponent = "filter/compile"

// timeLayouts are the accepted operand spellings for TIMESTAMP conditions.
var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"}

// Compiled is an immutable, side-effect-free predicate built from a filter
// payload. It is compiled once per subscription and reused for its lifetime;
// Match performs no allocation and no reflection.
type Compiled struct {
	kind       schema.PayloadKind
	logical    schema.LogicalOperator
	conditions []condition
	snapshot   bool
}

type condition struct {
	get func(*schema.Event) Value
	op  schema.Operator
	typ Type

	str  string
	str2 string
	num  decimal.Decimal
	num2 decimal.Decimal
	tim  time.Time
	tim2 time.Time
	b    bool
}

// Compile validates the filter against the registry for the payload kind and
// returns the compiled predicate. All rejection happens here: unknown
// fields, operator/type mismatches, malformed operands, swapped BETWEEN
// endpoints. The zero-condition filter compiles to match-all.
func Compile(reg *Registry, kind schema.PayloadKind, f schema.Filter) (*Compiled, error) {
	f = f.Normalize()
	if err := f.Validate(); err != nil {
		return nil, err
	}

	compiled := &Compiled{
		kind:     kind,
		logical:  f.Logical(),
		snapshot: f.WantsSnapshot(),
	}
	if len(f.Conditions) == 0 {
		return compiled, nil
	}

	compiled.conditions = make([]condition, 0, len(f.Conditions))
	for _, c := range f.Conditions {
		acc, err := reg.Lookup(kind, c.Field)
		if err != nil {
			return nil, err
		}
		cond, err := compileCondition(acc, c)
		if err != nil {
			return nil, err
		}
		compiled.conditions = append(compiled.conditions, cond)
	}
	return compiled, nil
}

// Kind returns the payload kind the predicate was compiled for.
func (c *Compiled) Kind() schema.PayloadKind { return c.kind }

// WantsSnapshot reports whether the source filter requested the snapshot phase.
func (c *Compiled) WantsSnapshot() bool { return c.snapshot }

// Match evaluates the predicate. Absent field values never match; an empty
// condition list matches everything.
func (c *Compiled) Match(evt *schema.Event) bool {
	if len(c.conditions) == 0 {
		return true
	}
	if c.logical == schema.LogicalOr {
		for i := range c.conditions {
			if c.conditions[i].eval(evt) {
				return true
			}
		}
		return false
	}
	for i := range c.conditions {
		if !c.conditions[i].eval(evt) {
			return false
		}
	}
	return true
}

func compileCondition(acc Accessor, c schema.Condition) (condition, error) {
	cond := condition{get: acc.Get, op: c.Operator, typ: acc.Typ}

	if !operatorAllowed(acc.Typ, c.Operator) {
		return condition{}, errs.InvalidFilter(compileComponent, c.Field,
			"operator "+string(c.Operator)+" not supported on "+acc.Typ.String())
	}

	switch acc.Typ {
	case TypeNumber:
		num, err := parseDecimal(c.Field, c.Value)
		if err != nil {
			return condition{}, err
		}
		cond.num = num
		if c.Operator == schema.OpBetween {
			num2, err := parseDecimal(c.Field, c.Value2)
			if err != nil {
				return condition{}, err
			}
			if num.Cmp(num2) > 0 {
				return condition{}, errs.InvalidFilter(compileComponent, c.Field, "BETWEEN endpoints swapped")
			}
			cond.num2 = num2
		}
	case TypeTimestamp:
		tim, err := parseInstant(c.Field, c.Value)
		if err != nil {
			return condition{}, err
		}
		cond.tim = tim
		if c.Operator == schema.OpBetween {
			tim2, err := parseInstant(c.Field, c.Value2)
			if err != nil {
				return condition{}, err
			}
			if tim.After(tim2) {
				return condition{}, errs.InvalidFilter(compileComponent, c.Field, "BETWEEN endpoints swapped")
			}
			cond.tim2 = tim2
		}
	case TypeBool:
		b, err := parseBool(c.Field, c.Value)
		if err != nil {
			return condition{}, err
		}
		cond.b = b
	default: // TypeString, TypeEnum
		cond.str = c.Value
		if c.Operator == schema.OpBetween {
			if c.Value > c.Value2 {
				return condition{}, errs.InvalidFilter(compileComponent, c.Field, "BETWEEN endpoints swapped")
			}
			cond.str2 = c.Value2
		}
	}
	return cond, nil
}

func operatorAllowed(typ Type, op schema.Operator) bool {
	switch typ {
	case TypeString:
		return true
	case TypeNumber, TypeTimestamp:
		return op != schema.OpLike
	case TypeEnum:
		return op == schema.OpEQ
	case TypeBool:
		return op == schema.OpEQ
	default:
		return false
	}
}

func (c *condition) eval(evt *schema.Event) bool {
	v := c.get(evt)
	if !v.OK {
		return false
	}
	switch c.typ {
	case TypeNumber:
		cmp := v.Num.Cmp(c.num)
		switch c.op {
		case schema.OpEQ:
			return cmp == 0
		case schema.OpGT:
			return cmp > 0
		case schema.OpGTE:
			return cmp >= 0
		case schema.OpLT:
			return cmp < 0
		case schema.OpLTE:
			return cmp <= 0
		case schema.OpBetween:
			return cmp >= 0 && v.Num.Cmp(c.num2) <= 0
		}
	case TypeTimestamp:
		switch c.op {
		case schema.OpEQ:
			return v.Time.Equal(c.tim)
		case schema.OpGT:
			return v.Time.After(c.tim)
		case schema.OpGTE:
			return !v.Time.Before(c.tim)
		case schema.OpLT:
			return v.Time.Before(c.tim)
		case schema.OpLTE:
			return !v.Time.After(c.tim)
		case schema.OpBetween:
			return !v.Time.Before(c.tim) && !v.Time.After(c.tim2)
		}
	case TypeEnum:
		return strings.EqualFold(v.Str, c.str)
	case TypeBool:
		return v.Bool == c.b
	default: // TypeString
		switch c.op {
		case schema.OpEQ:
			return strings.EqualFold(v.Str, c.str)
		case schema.OpLike:
			return containsFold(v.Str, c.str)
		case schema.OpGT:
			return v.Str > c.str
		case schema.OpGTE:
			return v.Str >= c.str
		case schema.OpLT:
			return v.Str < c.str
		case schema.OpLTE:
			return v.Str <= c.str
		case schema.OpBetween:
			return v.Str >= c.str && v.Str <= c.str2
		}
	}
	return false
}

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	num, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, errs.InvalidFilter(compileComponent, field, "malformed numeric value "+raw)
	}
	return num, nil
}

func parseInstant(field, raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errs.InvalidFilter(compileComponent, field, "malformed timestamp value "+raw)
}

func parseBool(field, raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, errs.InvalidFilter(compileComponent, field, "malformed boolean value "+raw)
	}
}
