package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValueKind tags the variant held by a Value
type ValueKind string

const (
	KindString      ValueKind = "string"
	KindInt         ValueKind = "int"
	KindFloat       ValueKind = "float"
	KindBool        ValueKind = "bool"
	KindStringList  ValueKind = "string_list"
	KindPlaceholder ValueKind = "placeholder"
)

// Placeholders bound from the security context at evaluation time
const (
	PlaceholderCurrentUser         = "current_user_id"
	PlaceholderCurrentOrganization = "current_organization_id"
	PlaceholderCurrentRole         = "current_role"
	PlaceholderCurrentSession      = "current_session_id"
)

// Value is a typed condition parameter or attribute. The zero Value has no kind.
type Value struct {
	Kind  ValueKind
	Str   string
	Int   int64
	Float float64
	Bool  bool
	List  []string
}

func String(s string) Value { return Value{Kind: KindString, Str: s} }
func Int(i int64) Value { return Value{Kind: KindInt, Int: i} }
func Float(f float64) Value { return Value{Kind: KindFloat, Float: f} }
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }
func StringList(l ...string) Value { return Value{Kind: KindStringList, List: cloneStrings(l)} }
func Placeholder(name string) Value { return Value{Kind: KindPlaceholder, Str: name} }

// IsZero reports whether the value is unset
func (v Value) IsZero() bool {
	return v.Kind == ""
}

// Interface returns the Go value held by v
func (v Value) Interface() interface{} {
	switch v.Kind {
	case KindString, KindPlaceholder:
		return v.Str
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindBool:
		return v.Bool
	case KindStringList:
		return cloneStrings(v.List)
	}
	return nil
}

// String renders the value for logs and reasons
func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindPlaceholder:
		return "$" + v.Str
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindStringList:
		return fmt.Sprintf("%v", v.List)
	}
	return ""
}

// Equal compares two values. Ints and floats compare numerically.
func (v Value) Equal(o Value) bool {
	if v.isNumeric() && o.isNumeric() {
		return v.number() == o.number()
	}
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString, KindPlaceholder:
		return v.Str == o.Str
	case KindBool:
		return v.Bool == o.Bool
	case KindStringList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if v.List[i] != o.List[i] {
				return false
			}
		}
		return true
	case "":
		return true
	}
	return false
}

func (v Value) isNumeric() bool {
	return v.Kind == KindInt || v.Kind == KindFloat
}

func (v Value) number() float64 {
	if v.Kind == KindInt {
		return float64(v.Int)
	}
	return v.Float
}

// Resolve binds a placeholder against the context. Non-placeholders and
// unknown placeholder names are returned unchanged.
func (v Value) Resolve(sc *SecurityContext) Value {
	if v.Kind != KindPlaceholder || sc == nil {
		return v
	}
	switch v.Str {
	case PlaceholderCurrentUser:
		return String(sc.SubjectID)
	case PlaceholderCurrentOrganization:
		return String(sc.OrganizationID)
	case PlaceholderCurrentRole:
		return String(sc.Role)
	case PlaceholderCurrentSession:
		return String(sc.SessionID)
	}
	return v
}

// ResolveParameters returns a copy of params with placeholders bound
func ResolveParameters(params map[string]Value, sc *SecurityContext) map[string]Value {
	if params == nil {
		return nil
	}
	out := make(map[string]Value, len(params))
	for k, v := range params {
		out[k] = v.Resolve(sc)
	}
	return out
}

type wireValue struct {
	Kind  ValueKind       `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as {"kind": ..., "value": ...}
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsZero() {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Kind: v.Kind, Value: raw})
}

// UnmarshalJSON accepts either the tagged object form or a bare scalar/list
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*v = Value{}
		return nil
	}

	if data[0] == '{' {
		var w wireValue
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("invalid value: %w", err)
		}
		return v.decodeTagged(w.Kind, func(dst interface{}) error {
			return json.Unmarshal(w.Value, dst)
		})
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("invalid value: %w", err)
	}
	parsed, err := fromInterface(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// MarshalYAML encodes the value in tagged form
func (v Value) MarshalYAML() (interface{}, error) {
	if v.IsZero() {
		return nil, nil
	}
	return map[string]interface{}{"kind": string(v.Kind), "value": v.Interface()}, nil
}

// UnmarshalYAML accepts the tagged mapping form or a bare scalar/sequence
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		var w struct {
			Kind  ValueKind `yaml:"kind"`
			Value yaml.Node `yaml:"value"`
		}
		if err := node.Decode(&w); err != nil {
			return fmt.Errorf("invalid value: %w", err)
		}
		return v.decodeTagged(w.Kind, w.Value.Decode)
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return fmt.Errorf("invalid list value: %w", err)
		}
		*v = StringList(list...)
		return nil
	case yaml.ScalarNode:
		switch node.Tag {
		case "!!null":
			*v = Value{}
		case "!!int":
			var i int64
			if err := node.Decode(&i); err != nil {
				return err
			}
			*v = Int(i)
		case "!!float":
			var f float64
			if err := node.Decode(&f); err != nil {
				return err
			}
			*v = Float(f)
		case "!!bool":
			var b bool
			if err := node.Decode(&b); err != nil {
				return err
			}
			*v = Bool(b)
		default:
			*v = String(node.Value)
		}
		return nil
	}
	return fmt.Errorf("unsupported value node at line %d", node.Line)
}

func (v *Value) decodeTagged(kind ValueKind, decode func(interface{}) error) error {
	switch kind {
	case KindString, KindPlaceholder:
		var s string
		if err := decode(&s); err != nil {
			return fmt.Errorf("invalid %s value: %w", kind, err)
		}
		*v = Value{Kind: kind, Str: s}
	case KindInt:
		var i int64
		if err := decode(&i); err != nil {
			return fmt.Errorf("invalid int value: %w", err)
		}
		*v = Int(i)
	case KindFloat:
		var f float64
		if err := decode(&f); err != nil {
			return fmt.Errorf("invalid float value: %w", err)
		}
		*v = Float(f)
	case KindBool:
		var b bool
		if err := decode(&b); err != nil {
			return fmt.Errorf("invalid bool value: %w", err)
		}
		*v = Bool(b)
	case KindStringList:
		var l []string
		if err := decode(&l); err != nil {
			return fmt.Errorf("invalid string_list value: %w", err)
		}
		*v = StringList(l...)
	default:
		return fmt.Errorf("unknown value kind %q", kind)
	}
	return nil
}

func fromInterface(raw interface{}) (Value, error) {
	switch x := raw.(type) {
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q", x.String())
		}
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return Int(int64(f)), nil
		}
		return Float(f), nil
	case []interface{}:
		list := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return Value{}, fmt.Errorf("list values must be strings, got %T", item)
			}
			list = append(list, s)
		}
		return StringList(list...), nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", raw)
}
