package elevated

import (
	"sync"

	"github.com/cockroachdb/errors"
)

var (
	ErrContextActive = errors.New("an interception context is already active")
	ErrHookClosed    = errors.New("hook is already closed")
)

// Hook is the active interception context. Closing it removes every
// trampoline, drops generated stubs and clears all router registrations.
type Hook struct {
	closed bool
}

var current struct {
	sync.Mutex
	hook *Hook
}

// AutoHook starts an interception context. Only one context may be active
// in a process at a time, so tests that use it must not run in parallel.
func AutoHook() (*Hook, error) {
	current.Lock()
	defer current.Unlock()

	if current.hook != nil {
		return nil, ErrContextActive
	}
	current.hook = &Hook{}
	logger().Debug("interception context started")
	return current.hook, nil
}

// Close tears the context down. Trampolines are removed newest first.
func (h *Hook) Close() error {
	current.Lock()
	defer current.Unlock()

	if h.closed {
		return ErrHookClosed
	}
	if current.hook != h {
		panic(errors.AssertionFailedf("unexpected hook in place of ours"))
	}

	err := patches.uninstallAll()
	stubs.Purge()
	slots.reset()

	h.closed = true
	current.hook = nil
	logger().Debug("interception context closed")
	return err
}

// Active reports whether an interception context is open.
func Active() bool {
	current.Lock()
	defer current.Unlock()
	return current.hook != nil
}
