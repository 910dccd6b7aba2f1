package elevated

import (
	"reflect"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/pboyd/elevated/internal/ir"
)

// TryMock is the entry point every interception thunk and woven preamble
// calls. It finds the router registered for the receiver or declaring type
// and asks it to handle the call. When handled is true, results has exactly
// one value per return type, each converted to that type.
func TryMock(declaringType TypeKey, receiver any, returnTypes []reflect.Type, genericArgs []reflect.Type, method *MethodDescriptor, args []any) (handled bool, results []any) {
	router := slots.lookup(declaringType, receiver)
	if router == nil {
		return false, nil
	}

	call := &CallEnvelope{
		DeclaringType: declaringType,
		Receiver:      receiver,
		ReturnTypes:   returnTypes,
		Args:          args,
		GenericArgs:   genericArgs,
		Method:        method,
	}
	if method != nil {
		call.original = stubs.original(method.entry)
	}

	handled, results = router.Route(call)
	if !handled {
		logger().Debug("not being mocked, calling original", zap.Stringer("method", method))
		return false, nil
	}

	return true, normalizeResults(method, returnTypes, results)
}

func normalizeResults(method *MethodDescriptor, returnTypes []reflect.Type, results []any) []any {
	if len(results) > len(returnTypes) {
		panic(errors.Newf("%s: router returned %d results, want %d", method, len(results), len(returnTypes)))
	}

	out := make([]any, len(returnTypes))
	for i, t := range returnTypes {
		var v any
		if i < len(results) {
			v = results[i]
		}
		cv, err := ir.Coerce(v, t)
		if err != nil {
			panic(errors.Wrapf(err, "%s: result %d", method, i))
		}
		out[i] = cv.Interface()
	}
	return out
}
