package models

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// ValueKind tells which of the three field value shapes a Value holds.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindNumber
	KindString
)

func (k ValueKind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	default:
		return "null"
	}
}

// Value is a single field value: a decimal number, a string or null.
// The zero Value is null.
type Value struct {
	kind ValueKind
	num  decimal.Decimal
	str  string
}

func Null() Value { return Value{} }

func Number(d decimal.Decimal) Value { return Value{kind: KindNumber, num: d} }

func NumberFromInt(i int64) Value { return Number(decimal.NewFromInt(i)) }

func NumberFromFloat(f float64) Value { return Number(decimal.NewFromFloat(f)) }

// NumberFromString parses a decimal literal such as "101.25".
func NumberFromString(s string) (Value, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Value{}, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return Number(d), nil
}

func Text(s string) Value { return Value{kind: KindString, str: s} }

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Decimal() (decimal.Decimal, bool) {
	return v.num, v.kind == KindNumber
}

func (v Value) Float() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	f, _ := v.num.Float64()
	return f, true
}

func (v Value) Str() (string, bool) {
	return v.str, v.kind == KindString
}

// Equal compares numbers by value, so 1 and 1.0 are equal.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNumber:
		return v.num.Equal(o.num)
	case KindString:
		return v.str == o.str
	default:
		return true
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return v.num.String()
	case KindString:
		return v.str
	default:
		return "null"
	}
}

// MarshalJSON writes numbers unquoted, strings quoted and null as null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		return []byte(v.num.String()), nil
	case KindString:
		return json.Marshal(v.str)
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*v = Null()
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Text(s)
	default:
		d, err := decimal.NewFromString(string(data))
		if err != nil {
			return fmt.Errorf("unsupported field value %s: %w", data, err)
		}
		*v = Number(d)
	}
	return nil
}

// Fields maps field names to their current values.
type Fields map[string]Value

// Clone returns an independent copy. A nil map clones to an empty one.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Merge overwrites or adds every key of delta; keys not named are untouched.
func (f Fields) Merge(delta Fields) {
	for k, v := range delta {
		f[k] = v
	}
}

func (f Fields) Equal(o Fields) bool {
	if len(f) != len(o) {
		return false
	}
	for k, v := range f {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}
