package elevated

import (
	"reflect"

	"github.com/cockroachdb/errors"
)

// CallEnvelope describes one intercepted call.
type CallEnvelope struct {
	DeclaringType TypeKey

	// Receiver is nil for package-level functions.
	Receiver any

	ReturnTypes []reflect.Type

	// Args holds the arguments after the receiver.
	Args []any

	// GenericArgs is always empty; generic functions are not intercepted.
	GenericArgs []reflect.Type

	Method *MethodDescriptor

	original reflect.Value
}

// HasOriginal reports whether CallOriginal can run the unpatched code.
func (e *CallEnvelope) HasOriginal() bool {
	return e.original.IsValid()
}

// CallOriginal runs the pre-interception implementation with the envelope's
// receiver and arguments.
func (e *CallEnvelope) CallOriginal() ([]any, error) {
	if !e.HasOriginal() {
		return nil, errors.Newf("%s: no original implementation available", e.Method)
	}

	ft := e.original.Type()
	args := e.Args
	if e.Receiver != nil {
		args = append([]any{e.Receiver}, args...)
	}
	if len(args) != ft.NumIn() {
		return nil, errors.Newf("%s: expected %d arguments, got %d", e.Method, ft.NumIn(), len(args))
	}

	in := make([]reflect.Value, len(args))
	for i, a := range args {
		if a == nil {
			in[i] = reflect.Zero(ft.In(i))
		} else {
			in[i] = reflect.ValueOf(a)
		}
	}

	var out []reflect.Value
	if ft.IsVariadic() {
		out = e.original.CallSlice(in)
	} else {
		out = e.original.Call(in)
	}
	return valuesToAny(out), nil
}

func valuesToAny(vals []reflect.Value) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v.Interface()
	}
	return out
}
