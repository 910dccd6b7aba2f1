package elevated

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/cockroachdb/errors"
)

// This file is the runtime side of source weaving. Woven packages import it
// as elevatedrt and call these functions from generated code.

// MockMarker is the parameter of woven alternate initializers. Its only
// purpose is to select them.
type MockMarker struct{}

type wovenType struct {
	key  TypeKey
	init reflect.Value
}

type methodKey struct {
	owner TypeKey
	name  string
}

// woven is filled from package variable initializers of woven packages, so
// it cannot wait for an init func.
var woven = struct {
	sync.Mutex
	types    map[reflect.Type]*wovenType
	packages map[string]bool
	methods  map[methodKey]bool
}{
	types:    map[reflect.Type]*wovenType{},
	packages: map[string]bool{},
	methods:  map[methodKey]bool{},
}

// DeclareType records that T was woven. initFn is T's alternate initializer:
// it prepares embedded bases through MockInit and MockNew and skips
// everything else the type's constructors would do.
func DeclareType[T any](initFn func(*T, MockMarker)) TypeKey {
	t := reflect.TypeFor[T]()
	key := TypeKey{Type: t}

	woven.Lock()
	defer woven.Unlock()
	woven.types[t] = &wovenType{key: key, init: reflect.ValueOf(initFn)}
	return key
}

// DeclarePackage records that the package-level functions of path were
// woven.
func DeclarePackage(path string) TypeKey {
	woven.Lock()
	defer woven.Unlock()
	woven.packages[path] = true
	return PackageOf(path)
}

// DeclareMethod builds the descriptor a woven preamble passes to Dispatch.
// F is the function's type with the receiver, if any, as first parameter.
func DeclareMethod[F any](owner TypeKey, name string) *MethodDescriptor {
	ft := reflect.TypeFor[F]()
	if ft.Kind() != reflect.Func {
		panic(errors.AssertionFailedf("DeclareMethod: %v is not a function type", ft))
	}

	d := &MethodDescriptor{
		DeclaringType: owner,
		Name:          name,
		Func:          ft,
		Static:        owner.Type == nil,
	}
	if d.Static {
		d.Symbol = fmt.Sprintf("%s.%s", owner.Package, name)
	} else {
		d.Symbol = fmt.Sprintf("%s.(*%s).%s", owner.Type.PkgPath(), owner.Type.Name(), name)
	}

	woven.Lock()
	woven.methods[methodKey{owner, name}] = true
	woven.Unlock()
	return d
}

// Dispatch is called at the top of every woven function. When ok is true
// the function returns res instead of running its body.
func Dispatch(m *MethodDescriptor, recv any, args ...any) (res []any, ok bool) {
	ok, res = TryMock(m.DeclaringType, recv, m.ReturnTypes(), []reflect.Type{}, m, args)
	return res, ok
}

// Result returns the i'th value of a handled dispatch as T.
func Result[T any](res []any, i int) T {
	v, _ := res[i].(T)
	return v
}

// MockNew allocates a T and runs its alternate initializer if T was woven.
func MockNew[T any](m MockMarker) *T {
	v := new(T)
	MockInit(v, m)
	return v
}

// MockSet points *p at a new T from MockNew. Woven initializers use it for
// embedded pointers.
func MockSet[T any](p **T, m MockMarker) {
	*p = MockNew[T](m)
}

// MockInit runs T's alternate initializer on v if T was woven. Otherwise v
// keeps its zero value.
func MockInit[T any](v *T, m MockMarker) {
	woven.Lock()
	wt := woven.types[reflect.TypeFor[T]()]
	woven.Unlock()

	if wt != nil {
		wt.init.Call([]reflect.Value{reflect.ValueOf(v), reflect.ValueOf(m)})
	}
}

// IsWoven reports whether t was declared by a woven package.
func IsWoven(t reflect.Type) bool {
	woven.Lock()
	defer woven.Unlock()

	wt, ok := woven.types[t]
	if !ok {
		return false
	}
	if wt.key.IsZero() != (!wt.init.IsValid() || wt.init.IsNil()) {
		panic(errors.AssertionFailedf("woven type %v has a type slot without an initializer, or the reverse", t))
	}
	return !wt.key.IsZero()
}

// IsMethodWoven reports whether d's function starts with a Dispatch
// preamble.
func IsMethodWoven(d *MethodDescriptor) bool {
	woven.Lock()
	defer woven.Unlock()
	return woven.methods[methodKey{d.DeclaringType, d.Name}]
}

// IsPackageWoven reports whether the functions of path were woven.
func IsPackageWoven(path string) bool {
	woven.Lock()
	defer woven.Unlock()
	return woven.packages[path]
}
