package elevated

import (
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These types are laid out the way the weaver writes a package.

type wovenBase struct {
	mu    sync.Mutex
	ready bool
}

type wovenClient struct {
	wovenBase
	name  string
	inner *wovenBase
}

var (
	wovenBaseKey   = DeclareType(func(v *wovenBase, m MockMarker) { v.ready = true })
	wovenClientKey = DeclareType(func(v *wovenClient, m MockMarker) {
		MockInit(&v.wovenBase, m)
		v.inner = MockNew[wovenBase](m)
	})

	wovenClientGreet = DeclareMethod[func(*wovenClient, string) string](wovenClientKey, "Greet")
	wovenPackageKey  = DeclarePackage("example.com/woven")
	wovenHostname    = DeclareMethod[func() (string, error)](wovenPackageKey, "Hostname")
)

func (c *wovenClient) Greet(who string) string {
	if _elvRes, _elvOK := Dispatch(wovenClientGreet, c, who); _elvOK {
		return Result[string](_elvRes, 0)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name + " greets " + who
}

func wovenHostnameFunc() (string, error) {
	if _elvRes, _elvOK := Dispatch(wovenHostname, nil); _elvOK {
		return Result[string](_elvRes, 0), Result[error](_elvRes, 1)
	}
	return "localhost", nil
}

func TestMockNew(t *testing.T) {
	assert := assert.New(t)

	c := MockNew[wovenClient](MockMarker{})
	assert.True(c.ready)
	if assert.NotNil(c.inner) {
		assert.True(c.inner.ready)
	}
	assert.Empty(c.name)

	plain := MockNew[account](MockMarker{})
	assert.Equal(&account{}, plain)
}

func TestIsWoven(t *testing.T) {
	assert.True(t, IsWoven(reflect.TypeFor[wovenClient]()))
	assert.False(t, IsWoven(reflect.TypeFor[account]()))
	assert.True(t, IsPackageWoven("example.com/woven"))
	assert.False(t, IsPackageWoven("example.com/other"))

	assert.True(t, IsMethodWoven(describe(t, (*wovenClient).Greet)))
	assert.False(t, IsMethodWoven(describe(t, (*account).Deposit)))
}

func TestMockSet(t *testing.T) {
	var p *wovenBase
	MockSet(&p, MockMarker{})
	if assert.NotNil(t, p) {
		assert.True(t, p.ready)
	}
}

func TestIsWoven_Inconsistent(t *testing.T) {
	type broken struct{}
	bt := reflect.TypeFor[broken]()

	woven.Lock()
	woven.types[bt] = &wovenType{key: TypeKey{Type: bt}}
	woven.Unlock()
	t.Cleanup(func() {
		woven.Lock()
		delete(woven.types, bt)
		woven.Unlock()
	})

	assert.Panics(t, func() { IsWoven(bt) })
}

func TestDeclareMethod(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("github.com/pboyd/elevated.(*wovenClient).Greet", wovenClientGreet.Symbol)
	assert.False(wovenClientGreet.Static)
	assert.Equal(wovenClientKey, wovenClientGreet.DeclaringType)

	assert.Equal("example.com/woven.Hostname", wovenHostname.Symbol)
	assert.True(wovenHostname.Static)

	assert.Panics(func() {
		DeclareMethod[int](wovenPackageKey, "NotAFunc")
	})
}

func TestDispatch(t *testing.T) {
	resetSlots(t)
	assert := assert.New(t)

	c := &wovenClient{name: "alice"}
	assert.Equal("alice greets bob", c.Greet("bob"))

	r := returning("mocked")
	require.NoError(t, RegisterInstance(c, r))
	assert.Equal("mocked", c.Greet("bob"))
	assert.Equal("carol greets bob", (&wovenClient{name: "carol"}).Greet("bob"))

	if assert.Len(r.calls, 1) {
		assert.Same(c, r.calls[0].Receiver)
		assert.Equal([]any{"bob"}, r.calls[0].Args)
		assert.Same(wovenClientGreet, r.calls[0].Method)
	}
}

func TestDispatch_Static(t *testing.T) {
	resetSlots(t)

	host, err := wovenHostnameFunc()
	assert.NoError(t, err)
	assert.Equal(t, "localhost", host)

	require.NoError(t, Register(wovenPackageKey, returning("mocked.example.com")))
	host, err = wovenHostnameFunc()
	assert.NoError(t, err)
	assert.Equal(t, "mocked.example.com", host)
}

func TestSubstituteFor_Woven(t *testing.T) {
	assert := assert.New(t)

	r := returning("substituted")
	c, sub, err := SubstituteFor[wovenClient](r, (*wovenClient).Greet)
	require.NoError(t, err)
	assert.True(c.ready)
	assert.Empty(sub.trampolines, "woven methods need no trampoline")

	assert.Equal("substituted", c.Greet("bob"))
	require.NoError(t, sub.Close())
	assert.Equal(" greets bob", c.Greet("bob"))
}
