package elevated

import (
	"bytes"
	"reflect"
	"slices"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

var (
	ErrAlreadyPatched = errors.New("function is patched by another owner")
	ErrNotInstalled   = errors.New("patch is not installed")
)

// PatchRecord is an installed trampoline. Close restores the function's
// original bytes.
type PatchRecord struct {
	entry  uintptr
	saved  []byte
	target uintptr

	// holder keeps the replacement func value, and so target, alive.
	holder reflect.Value
	stub   *Stub
	refs   int

	// clone is the pre-patch code for plain Install calls. Trampolines
	// keep theirs in the stub.
	clone *clonedCode
}

// Entry returns the address that was patched.
func (p *PatchRecord) Entry() uintptr {
	return p.entry
}

// Saved returns a copy of the bytes the trampoline replaced.
func (p *PatchRecord) Saved() []byte {
	return bytes.Clone(p.saved)
}

// patchSet holds every installed trampoline in install order.
type patchSet struct {
	mu      sync.Mutex
	byEntry map[uintptr]*PatchRecord
	order   []*PatchRecord
}

var patches = &patchSet{byEntry: map[uintptr]*PatchRecord{}}

// Install overwrites the entry of original with a jump to replacement. Both
// must be functions with identical signatures. Installing the same
// replacement again returns the existing record, which then needs one more
// Close. A function patched with anything else is refused.
//
// Like any entry patch this has no effect on calls that were inlined. Mark
// the target //go:noinline where possible.
func Install(original, replacement any) (*PatchRecord, error) {
	fnv := reflect.ValueOf(original)
	if fnv.Kind() != reflect.Func {
		return nil, errors.Newf("not a function, kind: %v", fnv.Kind())
	}
	newFnv := reflect.ValueOf(replacement)
	if newFnv.Kind() != reflect.Func {
		return nil, errors.Newf("not a function, kind: %v", newFnv.Kind())
	}
	if fnv.IsNil() || newFnv.IsNil() {
		return nil, errors.New("nil function")
	}
	if !funcsAreEqual(fnv, newFnv) {
		return nil, errors.Wrap(diffFuncs(fnv, newFnv).Error(), "function signatures do not match")
	}

	holder := reflect.New(newFnv.Type())
	holder.Elem().Set(newFnv)
	return patches.install(fnv.Pointer(), holder, nil)
}

func (ps *patchSet) install(entry uintptr, holder reflect.Value, stub *Stub) (*PatchRecord, error) {
	entry = followJump(entry)

	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.installLocked(entry, holder, stub)
}

func (ps *patchSet) installLocked(entry uintptr, holder reflect.Value, stub *Stub) (*PatchRecord, error) {
	target := *(*uintptr)(holder.UnsafePointer())
	if p, ok := ps.byEntry[entry]; ok {
		if p.target != target {
			return nil, errors.Wrapf(ErrAlreadyPatched, "function at %#x", entry)
		}
		p.refs++
		return p, nil
	}

	code, err := funcSlice(entry)
	if err != nil {
		return nil, err
	}
	if len(code) < jumpSize {
		return nil, errors.Wrapf(ErrCannotIntercept, "function at %#x is %d bytes, a jump needs %d", entry, len(code), jumpSize)
	}
	if _, ok := decodeAbsoluteJump(code); ok {
		return nil, errors.Wrapf(ErrAlreadyPatched, "function at %#x already starts with a jump", entry)
	}

	p := &PatchRecord{
		entry:  entry,
		saved:  bytes.Clone(code[:jumpSize]),
		target: target,
		holder: holder,
		stub:   stub,
		refs:   1,
	}

	if stub == nil {
		p.clone, err = cloneCode(entry)
		if err != nil {
			return nil, errors.Wrapf(err, "cloning function at %#x", entry)
		}
	}

	if err := writeCode(code[:jumpSize], absoluteJump(target)); err != nil {
		p.clone.Free()
		return nil, errors.Wrapf(err, "patching function at %#x", entry)
	}

	ps.byEntry[entry] = p
	ps.order = append(ps.order, p)

	if ce := logger().Check(zap.DebugLevel, "installed trampoline"); ce != nil {
		asm, _ := disassemble(code[:jumpSize])
		ce.Write(zap.Uintptr("entry", entry), zap.Uintptr("funcval", target), zap.String("code", asm))
	}
	return p, nil
}

// Close removes the trampoline once every Install of it has been closed.
func (p *PatchRecord) Close() error {
	return patches.uninstall(p, false)
}

func (ps *patchSet) uninstall(p *PatchRecord, force bool) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.byEntry[p.entry] != p {
		return errors.Wrapf(ErrNotInstalled, "function at %#x", p.entry)
	}

	p.refs--
	if p.refs > 0 && !force {
		return nil
	}

	code := unsafe.Slice((*byte)(unsafe.Pointer(p.entry)), len(p.saved))
	if err := writeCode(code, p.saved); err != nil {
		p.refs++
		return errors.Wrapf(err, "restoring function at %#x", p.entry)
	}

	delete(ps.byEntry, p.entry)
	ps.order = slices.DeleteFunc(ps.order, func(o *PatchRecord) bool { return o == p })
	p.refs = 0

	if p.stub != nil {
		stubs.Invalidate(p.stub.Desc.entry)
	}
	p.clone.Free()

	logger().Debug("removed trampoline", zap.Uintptr("entry", p.entry))
	return nil
}

// uninstallAll removes every trampoline, newest first.
func (ps *patchSet) uninstallAll() error {
	ps.mu.Lock()
	order := slices.Clone(ps.order)
	ps.mu.Unlock()

	var errs []error
	for _, p := range slices.Backward(order) {
		if err := ps.uninstall(p, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (ps *patchSet) lookup(entry uintptr) *PatchRecord {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.byEntry[followJump(entry)]
}

// installStub patches the function desc describes to jump to its thunk, or
// takes another reference on the thunk trampoline already there. The
// lookup, the stub and the patch happen under one lock, so a concurrent
// Close cannot release the record or its stub in between.
func (ps *patchSet) installStub(desc *MethodDescriptor) (*PatchRecord, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if p, ok := ps.byEntry[desc.entry]; ok {
		if p.stub == nil {
			return nil, errors.Wrapf(ErrAlreadyPatched, "%s", desc)
		}
		p.refs++
		return p, nil
	}

	stub, err := stubs.GetOrCreate(desc, true)
	if err != nil {
		return nil, err
	}

	p, err := ps.installLocked(desc.entry, stub.holder, stub)
	if err != nil {
		stubs.Invalidate(desc.entry)
		return nil, err
	}
	return p, nil
}

// writeCode copies src over dest, making the page writable only for the
// duration of the copy.
func writeCode(dest, src []byte) error {
	err := mprotect(dest, mprotectRWX)
	if err != nil {
		return err
	}
	defer mprotect(dest, mprotectRX)

	copy(dest, src)
	cacheflush(dest)
	return nil
}

// Trampoline routes a function through TryMock. It is returned by
// InstallDynamicMethodTrampoline.
type Trampoline struct {
	*PatchRecord
	Stub *Stub
}

// InstallDynamicMethodTrampoline patches original to jump to replacement.
//
// With a nil replacement it clones original, generates a thunk with the
// same signature and patches original to jump to the thunk. Calls are then
// routed to the router registered for the declaring type or receiver, and
// run the clone when no router handles them.
func InstallDynamicMethodTrampoline(original, replacement any) (*Trampoline, error) {
	if replacement != nil {
		p, err := Install(original, replacement)
		if err != nil {
			return nil, err
		}
		return &Trampoline{PatchRecord: p}, nil
	}

	desc, err := Describe(original)
	if err != nil {
		return nil, err
	}
	desc.entry = followJump(desc.entry)

	p, err := patches.installStub(desc)
	if err != nil {
		return nil, err
	}
	return &Trampoline{PatchRecord: p, Stub: p.stub}, nil
}

func funcsAreEqual(a, b reflect.Value) bool {
	return a.Type() == b.Type() || diffFuncs(a, b).empty()
}
