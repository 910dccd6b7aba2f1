package substitute_test

import (
	"reflect"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/pboyd/elevated"
	"github.com/pboyd/elevated/substitute"
)

var errLookup = errors.New("lookup failed")

func envelope(name string, args ...any) *elevated.CallEnvelope {
	return &elevated.CallEnvelope{
		DeclaringType: elevated.PackageOf("example.com/host"),
		ReturnTypes:   []reflect.Type{reflect.TypeFor[string](), reflect.TypeFor[error]()},
		Args:          args,
		Method:        &elevated.MethodDescriptor{Name: name, Static: true},
	}
}

func TestRouter_Route(t *testing.T) {
	assert := assert.New(t)

	r := substitute.New()
	r.Test(t)
	r.On("Lookup", "db").Return("10.0.0.5", nil)
	r.On("Lookup", mock.Anything).Return("", errLookup).Once()

	handled, res := r.Route(envelope("Lookup", "db"))
	assert.True(handled)
	assert.Equal([]any{"10.0.0.5", nil}, res)

	handled, res = r.Route(envelope("Lookup", "cache"))
	assert.True(handled)
	assert.Equal([]any{"", errLookup}, res)

	handled, _ = r.Route(envelope("Lookup", "cache"))
	assert.False(handled, "the Once expectation is used up")

	handled, _ = r.Route(envelope("Resolve", "db"))
	assert.False(handled, "no expectation for the method")

	r.AssertNumberOfCalls(t, "Lookup", 2)
}

func TestRouter_CallBase(t *testing.T) {
	r := substitute.New()
	r.Test(t)
	r.On("Lookup", "db").Return(substitute.CallBase)

	handled, _ := r.Route(envelope("Lookup", "db"))
	assert.False(t, handled)
	r.AssertCalled(t, "Lookup", "db")
}
