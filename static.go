package elevated

import (
	"reflect"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

// Substitute is a set of router registrations and trampolines that are
// removed together.
type Substitute struct {
	router      CallRouter
	keys        []TypeKey
	release     []func() error
	trampolines []*Trampoline
	closed      bool
}

// SubstituteStatic routes calls to fns through r. fns are package-level
// functions or pointer-receiver method expressions; r is registered in the
// type slot of each one's declaring type, so it sees calls on every
// receiver. Woven functions need no trampoline.
func SubstituteStatic(r CallRouter, fns ...any) (*Substitute, error) {
	if len(fns) == 0 {
		return nil, errors.New("no functions to substitute")
	}

	descs := make([]*MethodDescriptor, 0, len(fns))
	for _, fn := range fns {
		d, err := Describe(fn)
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}

	s := &Substitute{router: r}
	keys := lo.Uniq(lo.Map(descs, func(d *MethodDescriptor, _ int) TypeKey { return d.DeclaringType }))
	for _, key := range keys {
		if err := Register(key, r); err != nil {
			s.rollback()
			if errors.Is(err, ErrDoubleMock) {
				return nil, errors.Wrap(err, "cannot substitute the same type twice")
			}
			return nil, err
		}
		s.keys = append(s.keys, key)
	}

	if err := s.intercept(fns, descs); err != nil {
		s.rollback()
		return nil, err
	}
	return s, nil
}

// SubstituteFor returns a new T whose calls to methods are routed through
// r. r is registered in the instance's own slot, so other values of T are
// unaffected. Woven types are created with their alternate initializer and
// need no trampolines; for other types the zero value is used and methods
// are patched.
func SubstituteFor[T any](r CallRouter, methods ...any) (*T, *Substitute, error) {
	var obj *T
	if IsWoven(reflect.TypeFor[T]()) {
		obj = MockNew[T](MockMarker{})
	} else {
		obj = new(T)
	}

	s, err := SubstituteInstance(obj, r, methods...)
	if err != nil {
		return nil, nil, err
	}
	return obj, s, nil
}

// SubstituteInstance routes calls to methods on obj through r.
func SubstituteInstance[T any](obj *T, r CallRouter, methods ...any) (*Substitute, error) {
	descs := make([]*MethodDescriptor, 0, len(methods))
	for _, m := range methods {
		d, err := Describe(m)
		if err != nil {
			return nil, err
		}
		if d.Static || d.DeclaringType.Type != reflect.TypeFor[T]() {
			return nil, errors.Newf("%s is not a method of %v", d, reflect.TypeFor[T]())
		}
		descs = append(descs, d)
	}

	if err := RegisterInstance(obj, r); err != nil {
		return nil, err
	}

	s := &Substitute{router: r}
	s.release = append(s.release, func() error {
		return UnregisterInstance(obj, r)
	})

	if err := s.intercept(methods, descs); err != nil {
		s.rollback()
		return nil, err
	}
	return s, nil
}

func (s *Substitute) intercept(fns []any, descs []*MethodDescriptor) error {
	for i, fn := range fns {
		if IsMethodWoven(descs[i]) {
			continue
		}
		tr, err := InstallDynamicMethodTrampoline(fn, nil)
		if err != nil {
			return err
		}
		s.trampolines = append(s.trampolines, tr)
	}
	return nil
}

func (s *Substitute) rollback() {
	for _, tr := range slices.Backward(s.trampolines) {
		tr.Close()
	}
	for _, key := range s.keys {
		Unregister(key, s.router)
	}
	for _, rel := range s.release {
		rel()
	}
	s.trampolines, s.keys, s.release = nil, nil, nil
}

// Close removes the trampolines, newest first, and unregisters the router.
func (s *Substitute) Close() error {
	if s.closed {
		return errors.Wrap(ErrNotRegistered, "already unmocked")
	}
	s.closed = true

	var errs []error
	for _, tr := range slices.Backward(s.trampolines) {
		if err := tr.Close(); err != nil && !errors.Is(err, ErrNotInstalled) {
			errs = append(errs, err)
		}
	}
	for _, key := range s.keys {
		if err := Unregister(key, s.router); err != nil {
			errs = append(errs, err)
		}
	}
	for _, rel := range s.release {
		if err := rel(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
