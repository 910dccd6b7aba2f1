package elevated

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrCannotIntercept is returned for functions whose shape is not
// supported: generic instantiations, value receivers, closures, method
// values and functions taking unsafe.Pointer.
var ErrCannotIntercept = errors.New("cannot intercept")

// TypeKey identifies the owner of a dispatch slot. Methods are owned by
// their receiver's named type, package-level functions by their package.
type TypeKey struct {
	Type    reflect.Type
	Package string
}

// TypeOf returns the key for methods declared on T.
func TypeOf[T any]() TypeKey {
	return TypeKey{Type: reflect.TypeFor[T]()}
}

// PackageOf returns the key for the package-level functions of an import
// path.
func PackageOf(path string) TypeKey {
	return TypeKey{Package: path}
}

func (k TypeKey) IsZero() bool {
	return k.Type == nil && k.Package == ""
}

func (k TypeKey) String() string {
	if k.Type != nil {
		return k.Type.String()
	}
	return k.Package
}

// MethodDescriptor identifies an interceptable function.
type MethodDescriptor struct {
	DeclaringType TypeKey
	Name          string

	// Symbol is the linker name, e.g. "net/http.(*Client).Do".
	Symbol string

	// Func is the function's type. For methods the receiver is the first
	// parameter, as with a method expression.
	Func reflect.Type

	Static bool

	entry uintptr
}

// Shape is the structural part of a descriptor. Functions with equal shapes
// can share generated code.
type Shape struct {
	Static bool
	Func   reflect.Type
}

func (d *MethodDescriptor) Shape() Shape {
	return Shape{Static: d.Static, Func: d.Func}
}

// Entry returns the address of the function's first instruction.
func (d *MethodDescriptor) Entry() uintptr {
	return d.entry
}

// ReturnTypes lists the function's results.
func (d *MethodDescriptor) ReturnTypes() []reflect.Type {
	out := make([]reflect.Type, d.Func.NumOut())
	for i := range out {
		out[i] = d.Func.Out(i)
	}
	return out
}

func (d *MethodDescriptor) String() string {
	return d.Symbol
}

// Describe builds a descriptor for fn, which must be a package-level
// function or a pointer-receiver method expression such as (*T).M.
func Describe(fn any) (*MethodDescriptor, error) {
	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func {
		return nil, errors.Newf("not a function, kind: %v", fnv.Kind())
	}
	if fnv.IsNil() {
		return nil, errors.New("nil function")
	}

	entry := fnv.Pointer()
	rf := runtime.FuncForPC(entry)
	if rf == nil {
		return nil, errors.Newf("no symbol for function at %#x", entry)
	}

	d, err := parseSymbol(rf.Name())
	if err != nil {
		return nil, err
	}
	d.Func = fnv.Type()
	d.entry = entry

	if d.Static {
		d.DeclaringType = PackageOf(d.DeclaringType.Package)
	} else {
		if d.Func.NumIn() == 0 || d.Func.In(0).Kind() != reflect.Pointer {
			return nil, errors.Wrapf(ErrCannotIntercept, "%s: receiver is not a pointer", d.Symbol)
		}
		d.DeclaringType = TypeKey{Type: d.Func.In(0).Elem()}
	}

	for i := 0; i < d.Func.NumIn(); i++ {
		if d.Func.In(i).Kind() == reflect.UnsafePointer {
			return nil, errors.Wrapf(ErrCannotIntercept, "%s: parameter %d is an unsafe.Pointer", d.Symbol, i)
		}
	}

	return d, nil
}

// parseSymbol splits a linker symbol into package, receiver and name.
func parseSymbol(sym string) (*MethodDescriptor, error) {
	d := &MethodDescriptor{Symbol: sym}

	if strings.Contains(sym, "[") {
		return nil, errors.Wrapf(ErrCannotIntercept, "%s: generic instantiation", sym)
	}
	if strings.HasSuffix(sym, "-fm") {
		return nil, errors.Wrapf(ErrCannotIntercept, "%s: method value", sym)
	}

	// The last path element has its dots escaped, so the first dot after
	// the last slash ends the package path.
	slash := strings.LastIndex(sym, "/")
	dot := strings.Index(sym[slash+1:], ".")
	if dot < 0 {
		return nil, errors.Newf("malformed symbol %q", sym)
	}
	pkg := strings.ReplaceAll(sym[:slash+1+dot], "%2e", ".")
	rest := sym[slash+1+dot+1:]
	d.DeclaringType.Package = pkg

	if rest == "init" || strings.HasPrefix(rest, "init.") {
		return nil, errors.Wrapf(ErrCannotIntercept, "%s: package initializer", sym)
	}

	switch {
	case strings.HasPrefix(rest, "(*"):
		end := strings.Index(rest, ").")
		if end < 0 {
			return nil, errors.Newf("malformed method symbol %q", sym)
		}
		d.Name = rest[end+2:]
		if strings.Contains(d.Name, ".") {
			return nil, errors.Wrapf(ErrCannotIntercept, "%s: closure", sym)
		}

	case strings.Contains(rest, "."):
		parts := strings.Split(rest, ".")
		for _, p := range parts[1:] {
			if isClosureName(p) || p == "" {
				return nil, errors.Wrapf(ErrCannotIntercept, "%s: closure", sym)
			}
		}
		return nil, errors.Wrapf(ErrCannotIntercept, "%s: value receiver", sym)

	default:
		d.Name = rest
		d.Static = true
	}

	return d, nil
}

func isClosureName(s string) bool {
	if !strings.HasPrefix(s, "func") {
		return false
	}
	var n int
	_, err := fmt.Sscanf(s, "func%d", &n)
	return err == nil
}
