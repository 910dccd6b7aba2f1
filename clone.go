package elevated

import (
	"reflect"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/pboyd/malloc"
	"go.uber.org/zap"
)

// clonedCode is a relocated copy of a function's machine code. It keeps
// working after the original's entry has been overwritten.
type clonedCode struct {
	// alloc is the block from the executable arena owned by
	// cloneAllocator and code is the part of it holding instructions.
	alloc []byte
	code  []byte

	// ref is the funcval for the copy: a pointer to a word holding the
	// code address. Func values built by asFunc point at it.
	ref **byte
}

// cloneCode copies the function starting at entry.
func cloneCode(entry uintptr) (*clonedCode, error) {
	originalCode, err := funcSlice(entry)
	if err != nil {
		return nil, err
	}

	if err := cloneAllocator.BeginMutate(); err != nil {
		return nil, errors.Wrap(err, "unable to make clone arena writable")
	}
	defer cloneAllocator.EndMutate()

	// Far calls can grow the copy, leave room for a few trampolines.
	alloc, err := cloneAllocator.Allocate(len(originalCode) + cloneSlack)
	if err != nil {
		return nil, err
	}

	newCode, err := relocateFunc(originalCode, alloc)
	if err == nil && unsafe.SliceData(newCode) != unsafe.SliceData(alloc) {
		err = errors.New("relocated code outgrew its allocation")
	}
	if err != nil {
		cloneAllocator.Free(alloc)
		return nil, errors.Wrapf(err, "relocating function at %#x", entry)
	}
	cacheflush(newCode)

	if ce := logger().Check(zap.DebugLevel, "cloned function"); ce != nil {
		asm, _ := disassemble(newCode)
		ce.Write(zap.Uintptr("from", entry), zap.String("code", asm))
	}

	codeData := unsafe.SliceData(newCode)
	return &clonedCode{
		alloc: alloc,
		code:  newCode,
		ref:   &codeData,
	}, nil
}

// asFunc returns a func value of type t that calls the copy.
func (c *clonedCode) asFunc(t reflect.Type) reflect.Value {
	fn := reflect.New(t)
	*(*unsafe.Pointer)(fn.UnsafePointer()) = unsafe.Pointer(c.ref)
	return fn.Elem()
}

// Free releases the arena memory. Func values from asFunc must not be
// called afterwards.
func (c *clonedCode) Free() {
	if c == nil || c.code == nil {
		return
	}

	cloneAllocator.BeginMutate()
	defer cloneAllocator.EndMutate()

	cloneAllocator.Free(c.alloc)
	c.alloc = nil
	c.code = nil
	*c.ref = nil
	c.ref = nil
}

// funcSlice returns the machine code of the function at entry. The length
// is the distance to the next function in the module.
func funcSlice(entry uintptr) ([]byte, error) {
	info, err := lookupSymbol(entry)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(entry)), info.size(entry)), nil
}

// allocator hands out executable memory for clones. The arena stays
// read-execute except between BeginMutate and EndMutate.
type allocator struct {
	*malloc.Arena
	mprotect func(int) error
	mu       sync.Mutex
	initOnce sync.Once
	initErr  error
	mutable  bool
}

func (a *allocator) init(startSize int) error {
	a.initOnce.Do(func() {
		be := malloc.MmapBackend(malloc.MmapProt(mprotectExec), malloc.MmapFlags(map_32bit))
		if protBE, ok := be.(malloc.ProtectedArenaBackend); ok {
			a.mprotect = protBE.Protect
		} else {
			a.mprotect = func(int) error {
				return nil
			}
		}

		a.Arena = malloc.NewArena(uint64(startSize), malloc.Backend(be))
		if a.Arena == nil {
			a.initErr = errors.New("unable to initialize arena")
			return
		}
		a.mutable = true
	})
	return a.initErr
}

func (a *allocator) BeginMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Nothing to do before the first allocation maps the arena.
	if a.mprotect == nil || a.mutable {
		return nil
	}

	err := a.mprotect(mprotectRWX)
	if err == nil {
		a.mutable = true
	}
	return err
}

func (a *allocator) EndMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable || a.mprotect == nil {
		return nil
	}

	err := a.mprotect(mprotectRX)
	if err == nil {
		a.mutable = false
	}
	return err
}

func (a *allocator) Allocate(size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.init(size); err != nil {
		return nil, errors.Wrap(err, "error initializing allocator")
	}
	if !a.mutable {
		panic(errors.AssertionFailedf("Allocate called in immutable state"))
	}

	return malloc.MallocSlice[byte](a.Arena, size)
}

func (a *allocator) Free(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable {
		panic(errors.AssertionFailedf("Free called in immutable state"))
	}

	malloc.FreeSlice(a.Arena, buf)
}

const cloneSlack = 64

var cloneAllocator = &allocator{}
