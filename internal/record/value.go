package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Kind enumerates the closed set of payload value kinds.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindInt
	KindBool
	KindFloat
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindFloat:
		return "float"
	case KindMap:
		return "map"
	default:
		return "invalid"
	}
}

// Value is a tagged union over the supported payload value kinds. The zero
// Value is invalid and cannot be encoded.
type Value struct {
	kind Kind
	s    string
	i    int64
	b    bool
	f    float64
	m    Payload
}

// Payload maps attribute names to values. Iteration order is irrelevant:
// the codec always writes keys in ascending byte order.
type Payload map[string]Value

func String(s string) Value { return Value{kind: KindString, s: s} }
func Int(i int64) Value { return Value{kind: KindInt, i: i} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// Map wraps a nested payload. An empty payload is stored as nil, matching
// what the codec decodes.
func Map(m Payload) Value {
	if len(m) == 0 {
		m = nil
	}
	return Value{kind: KindMap, m: m}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) Str() string { return v.s }
func (v Value) Int() int64 { return v.i }
func (v Value) Bool() bool { return v.b }
func (v Value) Float() float64 { return v.f }
func (v Value) Map() Payload { return v.m }

// Any converts the value to its natural Go representation.
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return v.i
	case KindBool:
		return v.b
	case KindFloat:
		return v.f
	case KindMap:
		return v.m.Any()
	default:
		return nil
	}
}

// Any converts the payload to a map[string]any.
func (p Payload) Any() map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v.Any()
	}
	return out
}

// Keys returns the payload keys in canonical order.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FromAny converts a decoded JSON/YAML-like value into a Value. Integers
// of any width become KindInt, json.Number is split into int or float by
// its textual form, and nested map[string]any becomes KindMap.
func FromAny(v any) (Value, error) {
	switch vv := v.(type) {
	case Value:
		return vv, nil
	case string:
		return String(vv), nil
	case bool:
		return Bool(vv), nil
	case int:
		return Int(int64(vv)), nil
	case int32:
		return Int(int64(vv)), nil
	case int64:
		return Int(vv), nil
	case uint32:
		return Int(int64(vv)), nil
	case float32:
		return Float(float64(vv)), nil
	case float64:
		if vv == math.Trunc(vv) && math.Abs(vv) < 1<<53 {
			return Int(int64(vv)), nil
		}
		return Float(vv), nil
	case json.Number:
		if i, err := strconv.ParseInt(vv.String(), 10, 64); err == nil {
			return Int(i), nil
		}
		f, err := vv.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("number %q: %w", vv.String(), err)
		}
		return Float(f), nil
	case map[string]any:
		p, err := PayloadFromMap(vv)
		if err != nil {
			return Value{}, err
		}
		return Map(p), nil
	case Payload:
		return Map(vv), nil
	default:
		return Value{}, fmt.Errorf("unsupported payload value of type %T", v)
	}
}

// PayloadFromMap converts a generic map into a Payload.
func PayloadFromMap(m map[string]any) (Payload, error) {
	if m == nil {
		return nil, nil
	}
	p := make(Payload, len(m))
	for k, raw := range m {
		v, err := FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("payload key %q: %w", k, err)
		}
		p[k] = v
	}
	return p, nil
}

// MarshalJSON renders the value as its natural JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, fmt.Errorf("non-finite float %v", v.f)
		}
		return json.Marshal(v.f)
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.m)
	case KindInvalid:
		return []byte("null"), nil
	default:
		return json.Marshal(v.Any())
	}
}

// UnmarshalJSON accepts any JSON scalar or object. Arrays and null are
// rejected since they have no payload kind.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
