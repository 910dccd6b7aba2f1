package ir

import (
	"reflect"

	"github.com/cockroachdb/errors"
)

// Coerce converts v to t. Nil becomes the zero value of t, assignable values
// are used as is, and numeric values convert between numeric kinds.
func Coerce(v any, t reflect.Type) (reflect.Value, error) {
	if t == nil {
		return reflect.ValueOf(v), nil
	}
	if v == nil {
		return reflect.Zero(t), nil
	}

	rv, ok := v.(reflect.Value)
	if !ok {
		rv = reflect.ValueOf(v)
	}
	if !rv.IsValid() {
		return reflect.Zero(t), nil
	}

	vt := rv.Type()
	switch {
	case vt == t:
		return rv, nil
	case vt.AssignableTo(t):
		out := reflect.New(t).Elem()
		out.Set(rv)
		return out, nil
	case isNumeric(vt.Kind()) && isNumeric(t.Kind()):
		return rv.Convert(t), nil
	case vt.Kind() == t.Kind() && vt.ConvertibleTo(t):
		return rv.Convert(t), nil
	}

	return reflect.Value{}, errors.Newf("cannot use %v as %v", vt, t)
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
