package opc

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// DataType is the expected type of a tag's value.
type DataType string

const (
	TypeAny      DataType = ""
	TypeBool     DataType = "bool"
	TypeInt      DataType = "int"
	TypeUint     DataType = "uint"
	TypeFloat    DataType = "float"
	TypeDouble   DataType = "double"
	TypeString   DataType = "string"
	TypeDateTime DataType = "datetime"
)

// Valid reports whether t is a known data type.
func (t DataType) Valid() bool {
	switch t {
	case TypeAny, TypeBool, TypeInt, TypeUint, TypeFloat, TypeDouble, TypeString, TypeDateTime:
		return true
	}
	return false
}

// IsNumeric reports whether values of this type convert to float64.
func (t DataType) IsNumeric() bool {
	switch t {
	case TypeInt, TypeUint, TypeFloat, TypeDouble:
		return true
	}
	return false
}

// Coerce converts v into the canonical Go type for t:
// bool, int64, uint64, float32, float64, string or time.Time.
// JSON-decoded numbers (float64) and numeric strings are accepted.
func (t DataType) Coerce(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, fmt.Errorf("nil value for type %s", t)
	}
	switch t {
	case TypeAny:
		return v, nil
	case TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(x)
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to bool", x)
			}
			return b, nil
		}
		if f, ok := ToFloat(v); ok {
			if f == 0 || f == 1 {
				return f == 1, nil
			}
		}
	case TypeInt:
		if f, ok := ToFloat(v); ok {
			if f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
				return nil, fmt.Errorf("value %v is not an integer", v)
			}
			return int64(f), nil
		}
	case TypeUint:
		if f, ok := ToFloat(v); ok {
			if f != math.Trunc(f) || f < 0 || f > math.MaxUint64 {
				return nil, fmt.Errorf("value %v is not an unsigned integer", v)
			}
			return uint64(f), nil
		}
	case TypeFloat:
		if f, ok := ToFloat(v); ok {
			if math.Abs(f) > math.MaxFloat32 {
				return nil, fmt.Errorf("value %v overflows float", v)
			}
			return float32(f), nil
		}
	case TypeDouble:
		if f, ok := ToFloat(v); ok {
			return f, nil
		}
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case fmt.Stringer:
			return x.String(), nil
		}
		return fmt.Sprintf("%v", v), nil
	case TypeDateTime:
		switch x := v.(type) {
		case time.Time:
			return x, nil
		case string:
			ts, err := time.Parse(time.RFC3339Nano, x)
			if err != nil {
				return nil, fmt.Errorf("cannot parse %q as RFC3339 time", x)
			}
			return ts, nil
		}
	default:
		return nil, fmt.Errorf("unknown data type %q", t)
	}
	return nil, fmt.Errorf("cannot convert %T to %s", v, t)
}

// ToFloat converts numeric Go values, bools and numeric strings to float64.
func ToFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
