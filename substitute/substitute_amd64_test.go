//go:build amd64

package substitute_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pboyd/elevated/substitute"
)

//go:noinline
func Greeting(name string) string {
	return "hello " + name
}

type Store struct {
	items map[string]string
}

//go:noinline
func (s *Store) Get(key string) (string, bool) {
	v, ok := s.items[key]
	return v, ok
}

func TestRouter_Static(t *testing.T) {
	assert := assert.New(t)

	r := substitute.New()
	r.Test(t)
	r.On("Greeting", "bob").Return("hi bob")
	r.On("Greeting", "eve").Return(substitute.CallBase)

	sub, err := r.Static(Greeting)
	require.NoError(t, err)

	assert.Equal("hi bob", Greeting("bob"))
	assert.Equal("hello eve", Greeting("eve"))
	assert.Equal("hello ann", Greeting("ann"))
	r.AssertExpectations(t)

	require.NoError(t, sub.Close())
	assert.Equal("hello bob", Greeting("bob"))
}

func TestRouter_For(t *testing.T) {
	assert := assert.New(t)

	r := substitute.New()
	r.Test(t)
	r.On("Get", "region").Return("eu-west-1", true)

	s, sub, err := substitute.For[Store](r, (*Store).Get)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })

	v, ok := s.Get("region")
	assert.True(ok)
	assert.Equal("eu-west-1", v)

	v, ok = s.Get("zone")
	assert.False(ok)
	assert.Empty(v)

	other := &Store{items: map[string]string{"region": "us-east-1"}}
	v, _ = other.Get("region")
	assert.True(strings.HasPrefix(v, "us-"))
}
