// Package substitute routes intercepted calls to testify mock expectations.
//
//	r := substitute.New()
//	r.On("Hostname").Return("build-01", nil)
//	sub, err := r.Static(os.Hostname)
//	...
//	defer sub.Close()
//
// Calls that match no expectation are not handled, so the original
// function runs. Return CallBase from an expectation to record the call and
// still run the original.
package substitute

import (
	"github.com/stretchr/testify/mock"

	"github.com/pboyd/elevated"
)

type callBase struct{}

// CallBase is a return value that lets the intercepted function run.
//
//	r.On("Send", "ops@example.com").Return(substitute.CallBase)
var CallBase = callBase{}

// Router is an elevated.CallRouter backed by mock.Mock. Expectations are
// matched on the method name and the arguments after the receiver.
type Router struct {
	mock.Mock
}

// New returns an empty Router.
func New() *Router {
	return &Router{}
}

// Route implements elevated.CallRouter.
func (r *Router) Route(call *elevated.CallEnvelope) (bool, []any) {
	name := call.Method.Name
	if !r.expects(name, call.Args) {
		return false, nil
	}

	rets := r.MethodCalled(name, call.Args...)
	if len(rets) == 1 && rets[0] == CallBase {
		return false, nil
	}
	return true, rets
}

// expects reports whether a call would match an expectation that has not
// been used up. MethodCalled fails the test for anything else.
func (r *Router) expects(name string, args []any) bool {
	for _, c := range r.ExpectedCalls {
		if c.Method != name || c.Repeatability < 0 {
			continue
		}
		if _, diffs := c.Arguments.Diff(args); diffs == 0 {
			return true
		}
	}
	return false
}

// Static routes fns through r, see elevated.SubstituteStatic.
func (r *Router) Static(fns ...any) (*elevated.Substitute, error) {
	return elevated.SubstituteStatic(r, fns...)
}

// For returns a T whose methods are routed through r, see
// elevated.SubstituteFor.
func For[T any](r *Router, methods ...any) (*T, *elevated.Substitute, error) {
	return elevated.SubstituteFor[T](r, methods...)
}

var _ elevated.CallRouter = (*Router)(nil)
