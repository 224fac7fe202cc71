// Package filter compiles filter payloads into pure predicates over events.
//
// Field access is table-driven: every filterable field is registered once at
// startup with a typed extractor, so evaluation never reflects and unknown
// fields fail at compile time instead of silently matching nothing.
package filter

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Type enumerates the semantic types of filterable fields. The type decides
// which operators a condition may use.
type Type uint8

const (
	// TypeString fields support EQ, LIKE and lexicographic ordering.
	TypeString Type = iota
	// TypeNumber fields support EQ and numeric ordering.
	TypeNumber
	// TypeTimestamp fields support EQ and chronological ordering.
	TypeTimestamp
	// TypeEnum fields support case-insensitive EQ only.
	TypeEnum
	// TypeBool fields support EQ only.
	TypeBool
)

func (t Type) String() string {
	switch t {
	case TypeString:
		return "STRING"
	case TypeNumber:
		return "NUMBER"
	case TypeTimestamp:
		return "TIMESTAMP"
	case TypeEnum:
		return "ENUM"
	case TypeBool:
		return "BOOLEAN"
	default:
		return "UNKNOWN"
	}
}

// Value is one extracted field value. OK reports presence: comparisons
// against an absent value are false for every operator.
type Value struct {
	Typ  Type
	Str  string
	Num  decimal.Decimal
	Time time.Time
	Bool bool
	OK   bool
}

func stringValue(s string) Value {
	return Value{Typ: TypeString, Str: s, OK: s != ""}
}

func enumValue(s string) Value {
	return Value{Typ: TypeEnum, Str: s, OK: s != ""}
}

func numberValue(d decimal.NullDecimal) Value {
	if !d.Valid {
		return Value{Typ: TypeNumber}
	}
	return Value{Typ: TypeNumber, Num: d.Decimal, OK: true}
}

func timeValue(t *time.Time) Value {
	if t == nil || t.IsZero() {
		return Value{Typ: TypeTimestamp}
	}
	return Value{Typ: TypeTimestamp, Time: *t, OK: true}
}

func boolValue(b bool, present bool) Value {
	return Value{Typ: TypeBool, Bool: b, OK: present}
}

// containsFold reports case-insensitive substring containment without
// allocating. Folding is per candidate window via strings.EqualFold.
func containsFold(s, substr string) bool {
	if len(substr) == 0 {
		return true
	}
	if len(substr) > len(s) {
		return false
	}
	for i := 0; i+len(substr) <= len(s); i++ {
		if strings.EqualFold(s[i:i+len(substr)], substr) {
			return true
		}
	}
	return false
}
