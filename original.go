package elevated

import "reflect"

// Original returns a function with the behavior fn had before it was
// intercepted. Functions that are not intercepted are returned unchanged.
//
// The returned function is a relocated copy of the original machine code.
// It stays valid until the interception is removed.
func Original[T any](fn T) T {
	var zero T

	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func || fnv.IsNil() {
		return zero
	}

	t := reflect.TypeFor[T]()
	entry := followJump(fnv.Pointer())

	if p := patches.lookup(entry); p != nil && p.clone != nil {
		return p.clone.asFunc(t).Interface().(T)
	}

	stub := stubs.lookup(entry)
	if stub == nil {
		return fn
	}
	if !stub.Original.IsValid() || !stub.Original.Type().ConvertibleTo(t) {
		return zero
	}
	return stub.Original.Convert(t).Interface().(T)
}
