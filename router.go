package elevated

import (
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
	"weak"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// CallRouter decides whether an intercepted call is mocked. When handled is
// false the original implementation runs and results are ignored.
//
// Routers are compared with == when they are unregistered, so they must be
// comparable. Pointer types are the usual choice.
type CallRouter interface {
	Route(call *CallEnvelope) (handled bool, results []any)
}

var (
	ErrDoubleMock          = errors.New("a router is already registered")
	ErrNotRegistered       = errors.New("no router is registered")
	ErrRouterMismatch      = errors.New("unexpected call router")
	ErrRouterNotComparable = errors.New("call router is not comparable")
)

// slotTable holds the registered routers. Type slots are keyed by TypeKey.
// Instance slots are keyed by the object's address and hold only a weak
// reference to it, so registering never keeps an object alive.
type slotTable struct {
	mu        sync.Mutex
	types     map[TypeKey]CallRouter
	instances map[uintptr]*instanceSlot
	gen       uint64

	// count lets the dispatch path skip locking when nothing is registered.
	count atomic.Int64
}

type instanceSlot struct {
	router  CallRouter
	alive   func() bool
	cleanup runtime.Cleanup
	gen     uint64
}

type slotCleanup struct {
	addr uintptr
	gen  uint64
}

var slots = newSlotTable()

func newSlotTable() *slotTable {
	return &slotTable{
		types:     map[TypeKey]CallRouter{},
		instances: map[uintptr]*instanceSlot{},
	}
}

func checkRouter(r CallRouter) error {
	if r == nil {
		return errors.New("nil call router")
	}
	if !reflect.TypeOf(r).Comparable() {
		return errors.Wrapf(ErrRouterNotComparable, "%T", r)
	}
	return nil
}

// Register installs r in the type slot for key.
func Register(key TypeKey, r CallRouter) error {
	if key.IsZero() {
		return errors.New("empty type key")
	}
	if err := checkRouter(r); err != nil {
		return err
	}
	return slots.register(key, r)
}

// Unregister clears the type slot for key. It fails when the slot is empty
// or holds a different router.
func Unregister(key TypeKey, r CallRouter) error {
	return slots.unregister(key, r)
}

// RegisterInstance installs r for calls whose receiver is obj. Instance
// slots take precedence over the type slot. The slot is dropped when obj is
// garbage collected.
func RegisterInstance[T any](obj *T, r CallRouter) error {
	if obj == nil {
		return errors.New("nil instance")
	}
	if err := checkRouter(r); err != nil {
		return err
	}

	addr := uintptr(unsafe.Pointer(obj))
	wp := weak.Make(obj)

	slots.mu.Lock()
	defer slots.mu.Unlock()

	if s, ok := slots.instances[addr]; ok && s.alive() {
		return errors.Wrapf(ErrDoubleMock, "instance %T at %#x", obj, addr)
	}

	slots.gen++
	gen := slots.gen
	s := &instanceSlot{
		router: r,
		alive:  func() bool { return wp.Value() != nil },
		gen:    gen,
	}
	s.cleanup = runtime.AddCleanup(obj, slots.dropCollected, slotCleanup{addr: addr, gen: gen})
	if _, ok := slots.instances[addr]; !ok {
		slots.count.Add(1)
	}
	slots.instances[addr] = s
	return nil
}

// UnregisterInstance clears the instance slot for obj.
func UnregisterInstance[T any](obj *T, r CallRouter) error {
	addr := uintptr(unsafe.Pointer(obj))

	slots.mu.Lock()
	defer slots.mu.Unlock()

	s, ok := slots.instances[addr]
	if !ok || !s.alive() {
		return errors.Wrapf(ErrNotRegistered, "instance %T at %#x", obj, addr)
	}
	if s.router != r {
		return errors.Wrapf(ErrRouterMismatch, "instance %T at %#x", obj, addr)
	}
	s.cleanup.Stop()
	delete(slots.instances, addr)
	slots.count.Add(-1)
	return nil
}

func (t *slotTable) register(key TypeKey, r CallRouter) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.types[key]; ok {
		return errors.Wrapf(ErrDoubleMock, "type %s", key)
	}
	t.types[key] = r
	t.count.Add(1)
	logger().Debug("registered router", zap.Stringer("type", key))
	return nil
}

func (t *slotTable) unregister(key TypeKey, r CallRouter) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.types[key]
	if !ok {
		return errors.Wrapf(ErrNotRegistered, "type %s", key)
	}
	if cur != r {
		return errors.Wrapf(ErrRouterMismatch, "type %s", key)
	}
	delete(t.types, key)
	t.count.Add(-1)
	logger().Debug("unregistered router", zap.Stringer("type", key))
	return nil
}

// registered reports whether key has a router in its type slot.
func (t *slotTable) registered(key TypeKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.types[key]
	return ok
}

// lookup finds the router for a call: the receiver's instance slot first,
// then the declaring type's slot.
func (t *slotTable) lookup(key TypeKey, receiver any) CallRouter {
	if t.count.Load() == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if addr, ok := receiverAddr(receiver); ok {
		if s, ok := t.instances[addr]; ok && s.alive() {
			return s.router
		}
	}
	return t.types[key]
}

func (t *slotTable) dropCollected(c slotCleanup) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// The address may have been reused by a newer registration.
	if s, ok := t.instances[c.addr]; ok && s.gen == c.gen {
		delete(t.instances, c.addr)
		t.count.Add(-1)
	}
}

// reset empties every slot.
func (t *slotTable) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.instances {
		s.cleanup.Stop()
	}
	clear(t.instances)
	clear(t.types)
	t.count.Store(0)
}

func receiverAddr(receiver any) (uintptr, bool) {
	if receiver == nil {
		return 0, false
	}
	rv := reflect.ValueOf(receiver)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return 0, false
	}
	return rv.Pointer(), true
}
