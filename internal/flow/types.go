package flow

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rshade/flowbatch/internal/failure"
)

// ValueType is the declared type of a flow input or output.
type ValueType string

// Supported value types.
const (
	TypeString ValueType = "string"
	TypeInt    ValueType = "int"
	TypeDouble ValueType = "double"
	TypeBool   ValueType = "bool"
	TypeList   ValueType = "list"
	TypeObject ValueType = "object"
)

// Coerce converts v to the declared type. Strings are parsed for scalar
// types and decoded as JSON for list and object. A nil value is returned
// unchanged.
func Coerce(t ValueType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case "", TypeString:
		return coerceString(v), nil
	case TypeInt:
		return coerceInt(v)
	case TypeDouble:
		return coerceDouble(v)
	case TypeBool:
		return coerceBool(v)
	case TypeList:
		return coerceJSON[[]any](t, v)
	case TypeObject:
		return coerceJSON[map[string]any](t, v)
	default:
		return nil, typeError(t, v)
	}
}

// CoerceInputs coerces every declared input present in inputs and returns a
// new map. Undeclared keys are copied as-is.
func (f *Flow) CoerceInputs(inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		def, ok := f.Inputs[k]
		if !ok {
			out[k] = v
			continue
		}
		cv, err := Coerce(def.Type, v)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", k, err)
		}
		out[k] = cv
	}
	return out, nil
}

func coerceString(v any) any {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []any, map[string]any:
		raw, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(raw)
	default:
		return fmt.Sprint(x)
	}
}

func coerceInt(v any) (any, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		if x != math.Trunc(x) {
			return nil, typeError(TypeInt, v)
		}
		return int(x), nil
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return nil, typeError(TypeInt, v)
		}
		return int(n), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return nil, typeError(TypeInt, v)
		}
		return n, nil
	default:
		return nil, typeError(TypeInt, v)
	}
}

func coerceDouble(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, typeError(TypeDouble, v)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, typeError(TypeDouble, v)
		}
		return f, nil
	default:
		return nil, typeError(TypeDouble, v)
	}
}

func coerceBool(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return nil, typeError(TypeBool, v)
		}
		return b, nil
	default:
		return nil, typeError(TypeBool, v)
	}
}

func coerceJSON[T any](t ValueType, v any) (any, error) {
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, typeError(t, v)
	}
	var out T
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, typeError(t, v)
	}
	return out, nil
}

func typeError(t ValueType, v any) error {
	return failure.User(failure.TargetInputs, failure.CodeInputType,
		"value %v (%T) cannot be converted to type %s", v, v, t)
}
