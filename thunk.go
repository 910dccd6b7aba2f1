package elevated

import (
	"reflect"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/pboyd/elevated/internal/ir"
)

// Symbols a thunk body loads from its binding.
const (
	symDeclaringType = iota
	symReturnTypes
	symMethod
	symOriginal
	symHasOriginal
)

// Stub is a generated function with the same signature as the function it
// intercepts. Calling it routes through TryMock and falls back to Original.
type Stub struct {
	Desc *MethodDescriptor

	// Func has exactly Desc.Func's type.
	Func reflect.Value

	// Original runs the code the function had before it was patched. It
	// is only valid when the stub was created with needOriginal.
	Original reflect.Value

	// shape is the body generated for the stub's shape and body the
	// stub's own copy of it, which outlives the cache entry.
	shape   *ir.Body
	body    *ir.Body
	binding ir.Symbols
	clone   *clonedCode

	// holder is a heap func variable holding Func, so the funcval the
	// trampoline jumps through stays put.
	holder reflect.Value
}

// Body returns the instructions the stub runs.
func (s *Stub) Body() *ir.Body {
	return s.body
}

// ShapeBody returns the body generated for the stub's shape. Stubs with the
// same shape share it.
func (s *Stub) ShapeBody() *ir.Body {
	return s.shape
}

// funcval returns the address Func's value points at.
func (s *Stub) funcval() uintptr {
	return *(*uintptr)(s.holder.UnsafePointer())
}

// stubCache maps intercepted functions to their stubs and shapes to their
// generated bodies. Entries live until they are invalidated or purged.
type stubCache struct {
	mu      sync.Mutex
	shapes  map[Shape]*ir.Body
	entries map[uintptr]*Stub
}

var stubs = newStubCache()

func newStubCache() *stubCache {
	return &stubCache{
		shapes:  map[Shape]*ir.Body{},
		entries: map[uintptr]*Stub{},
	}
}

// GetOrCreate returns the stub for desc, generating it on first use. With
// needOriginal the function's current code is cloned first, so it must be
// called before the function is patched.
func (c *stubCache) GetOrCreate(desc *MethodDescriptor, needOriginal bool) (*Stub, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.entries[desc.entry]; ok {
		if needOriginal && !s.Original.IsValid() {
			if err := s.attachOriginal(); err != nil {
				return nil, err
			}
		}
		return s, nil
	}

	body, ok := c.shapes[desc.Shape()]
	if !ok {
		var err error
		body, err = buildThunkBody(desc)
		if err != nil {
			return nil, err
		}
		c.shapes[desc.Shape()] = body
		logger().Debug("generated thunk shape", zap.Stringer("func", desc.Func), zap.Bool("static", desc.Static))
	}

	own, err := ir.Copy(body)
	if err != nil {
		return nil, errors.Wrapf(err, "copying thunk for %s", desc)
	}

	s := &Stub{
		Desc:  desc,
		shape: body,
		body:  own,
		binding: ir.Symbols{
			symDeclaringType: desc.DeclaringType,
			symReturnTypes:   desc.ReturnTypes(),
			symMethod:        desc,
			symOriginal:      reflect.Value{},
			symHasOriginal:   false,
		},
	}
	if needOriginal {
		if err := s.attachOriginal(); err != nil {
			return nil, err
		}
	}

	s.Func = reflect.MakeFunc(desc.Func, s.call)
	s.holder = reflect.New(desc.Func)
	s.holder.Elem().Set(s.Func)

	c.entries[desc.entry] = s
	return s, nil
}

func (s *Stub) attachOriginal() error {
	clone, err := cloneCode(s.Desc.entry)
	if err != nil {
		return errors.Wrapf(err, "cloning %s", s.Desc)
	}
	s.clone = clone
	s.Original = clone.asFunc(s.Desc.Func)
	s.binding[symOriginal] = s.Original
	s.binding[symHasOriginal] = true
	return nil
}

func (s *Stub) call(in []reflect.Value) []reflect.Value {
	args := make([]any, len(in))
	for i, v := range in {
		args[i] = v.Interface()
	}

	res, err := ir.Exec(s.body, s.binding, args...)
	if err != nil {
		panic(errors.Wrapf(err, "thunk for %s", s.Desc))
	}

	ft := s.Desc.Func
	out := make([]reflect.Value, len(res))
	for i, v := range res {
		out[i], err = ir.Coerce(v, ft.Out(i))
		if err != nil {
			panic(errors.Wrapf(err, "thunk for %s: result %d", s.Desc, i))
		}
	}
	return out
}

// original returns the clone for the function at entry, if there is one.
func (c *stubCache) original(entry uintptr) reflect.Value {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.entries[entry]; ok {
		return s.Original
	}
	return reflect.Value{}
}

func (c *stubCache) lookup(entry uintptr) *Stub {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[entry]
}

// Invalidate drops the stub for the function at entry and frees its clone.
func (c *stubCache) Invalidate(entry uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.entries[entry]; ok {
		s.clone.Free()
		delete(c.entries, entry)
	}
}

// Purge drops every stub and shape.
func (c *stubCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.entries {
		s.clone.Free()
	}
	clear(c.entries)
	clear(c.shapes)
}

// buildThunkBody generates the routing body for desc's shape:
//
//	declaring type, receiver, return types, generic args, method, args
//	call TryMock
//	handled:     convert each result to its return type and return
//	not handled: call the original, or return zero values without one
func buildThunkBody(desc *MethodDescriptor) (*ir.Body, error) {
	ft := desc.Func
	params := make([]reflect.Type, ft.NumIn())
	for i := range params {
		params[i] = ft.In(i)
	}
	results := desc.ReturnTypes()

	b := ir.NewBuilder("thunk "+ft.String(), params, results)
	resultSlot := b.DeclareLocal(reflect.TypeFor[[]any](), false)
	notHandled := b.DefineLabel()
	noOriginal := b.DefineLabel()

	firstArg := 0
	b.EmitIndex(ir.Ldsym, symDeclaringType)
	if desc.Static {
		b.EmitOp(ir.Ldnull)
	} else {
		b.EmitIndex(ir.Ldarg, 0)
		firstArg = 1
	}
	b.EmitIndex(ir.Ldsym, symReturnTypes)
	b.EmitConst([]reflect.Type{})
	b.EmitIndex(ir.Ldsym, symMethod)

	b.EmitConst(len(params) - firstArg)
	b.EmitOp(ir.Newarr)
	for i := firstArg; i < len(params); i++ {
		b.EmitOp(ir.Dup)
		b.EmitConst(i - firstArg)
		b.EmitIndex(ir.Ldarg, i)
		b.EmitOp(ir.Box)
		b.EmitOp(ir.Stelem)
	}

	b.EmitCall(TryMock)
	b.EmitIndex(ir.Stloc, resultSlot)
	b.EmitBranch(ir.Brfalse, notHandled)

	for i, t := range results {
		b.EmitIndex(ir.Ldloc, resultSlot)
		b.EmitConst(i)
		b.EmitOp(ir.Ldelem)
		b.EmitUnbox(t)
	}
	b.EmitOp(ir.Ret)

	b.MarkLabel(notHandled)
	b.EmitIndex(ir.Ldsym, symHasOriginal)
	b.EmitBranch(ir.Brfalse, noOriginal)
	b.EmitIndex(ir.Ldsym, symOriginal)
	for i := range params {
		b.EmitIndex(ir.Ldarg, i)
	}
	b.EmitIndex(ir.Calli, len(params))
	b.EmitOp(ir.Ret)

	b.MarkLabel(noOriginal)
	for _, t := range results {
		b.EmitOp(ir.Ldnull)
		b.EmitUnbox(t)
	}
	b.EmitOp(ir.Ret)

	return b.Build()
}
