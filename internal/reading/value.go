// Package reading defines the open, schema-less measurement payload carried
// by every stored reading.
package reading

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNumber Kind = iota + 1
	KindText
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindText:
		return "text"
	case KindBool:
		return "bool"
	default:
		return "invalid"
	}
}

// Value is a single measurement: a number, a text or a boolean.
// The zero Value is invalid.
type Value struct {
	kind Kind
	num  float64
	str  string
	b    bool
}

func Number(f float64) Value { return Value{kind: KindNumber, num: f} }
func Text(s string) Value    { return Value{kind: KindText, str: s} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsValid() bool  { return v.kind != 0 }
func (v Value) IsNumber() bool { return v.kind == KindNumber }

// Float returns the numeric value and whether v holds a number.
func (v Value) Float() (float64, bool) {
	return v.num, v.kind == KindNumber
}

// Str returns the text value and whether v holds text.
func (v Value) Str() (string, bool) {
	return v.str, v.kind == KindText
}

// BoolValue returns the boolean value and whether v holds a boolean.
func (v Value) BoolValue() (bool, bool) {
	return v.b, v.kind == KindBool
}

// Any returns v as a plain Go value (float64, string or bool), nil if invalid.
func (v Value) Any() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindText:
		return v.str
	case KindBool:
		return v.b
	}
	return nil
}

func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindText:
		return v.str
	case KindBool:
		return strconv.FormatBool(v.b)
	}
	return ""
}

// FromAny converts a decoded JSON/CBOR scalar into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Number(f), nil
	case string:
		return Text(t), nil
	case bool:
		return Bool(t), nil
	case Value:
		return t, nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", x)
}

// Parse interprets raw text from a query string or form: numbers become
// numeric values, true/false become booleans, anything else stays text.
func Parse(raw string) Value {
	if f, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return Number(f)
	}
	switch raw {
	case "true", "false":
		b, _ := strconv.ParseBool(raw)
		return Bool(b)
	}
	return Text(raw)
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return nil, fmt.Errorf("cannot encode non-finite number %v", v.num)
		}
		return json.Marshal(v.num)
	case KindText:
		return json.Marshal(v.str)
	case KindBool:
		return json.Marshal(v.b)
	}
	return []byte("null"), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return err
	}
	if x == nil {
		*v = Value{}
		return nil
	}
	parsed, err := FromAny(x)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Payload is the open set of named measurements in one reading.
type Payload map[string]Value

// Map converts p into plain Go values, suitable for any encoder.
func (p Payload) Map() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		if v.IsValid() {
			out[k] = v.Any()
		}
	}
	return out
}

// Keys returns the field names in sorted order.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PayloadFromMap converts a decoded JSON object into a Payload. Nested
// objects and arrays are rejected; nulls are skipped.
func PayloadFromMap(m map[string]any) (Payload, error) {
	p := make(Payload, len(m))
	for k, x := range m {
		if x == nil {
			continue
		}
		v, err := FromAny(x)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		p[k] = v
	}
	return p, nil
}

// Encode serialises p for storage.
func (p Payload) Encode() (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodePayload parses a payload previously produced by Encode.
func DecodePayload(s string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, err
	}
	if p == nil {
		p = Payload{}
	}
	return p, nil
}
