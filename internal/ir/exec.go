package ir

import (
	"fmt"
	"reflect"

	"github.com/cockroachdb/errors"
)

// Env resolves Ldsym operands.
type Env interface {
	Symbol(index int) any
}

// Symbols is an Env backed by a slice.
type Symbols []any

func (s Symbols) Symbol(index int) any {
	return s[index]
}

// Thrown is a value raised by Throw that no handler caught.
type Thrown struct {
	Value any
}

func (t *Thrown) Error() string {
	return fmt.Sprintf("unhandled throw: %v", t.Value)
}

type exitKind uint8

const (
	exitLeave exitKind = iota
	exitReturn
	exitEndfinally
)

type exit struct {
	kind   exitKind
	target int
}

type machine struct {
	body     *Body
	env      Env
	groups   []*tryGroup
	args     []any
	locals   []any
	stack    []any
	results  []any
	handling []any
}

// Exec runs body with args. A value thrown and not caught inside the body
// is returned as a *Thrown error. Go panics raised by called functions
// propagate unless a catch handler takes them.
func Exec(body *Body, env Env, args ...any) (results []any, err error) {
	if len(args) != len(body.Params) {
		return nil, errors.Newf("%s: expected %d arguments, got %d", body.Name, len(body.Params), len(args))
	}

	groups, err := groupRegions(body.Regions, len(body.Instrs))
	if err != nil {
		return nil, err
	}

	m := &machine{
		body:   body,
		env:    env,
		groups: groups,
		args:   append([]any(nil), args...),
		locals: make([]any, len(body.Locals)),
	}
	for i, l := range body.Locals {
		if l.Type != nil {
			m.locals[i] = reflect.Zero(l.Type).Interface()
		}
	}

	defer func() {
		if r := recover(); r != nil {
			t, ok := r.(*Thrown)
			if !ok {
				panic(r)
			}
			results, err = nil, t
		}
	}()

	ex, err := m.run(0, 0, len(body.Instrs))
	if err != nil {
		return nil, errors.Wrap(err, body.Name)
	}
	if ex.kind != exitReturn {
		return nil, errors.Newf("%s: body ended without ret", body.Name)
	}

	for i, t := range body.Results {
		v, err := Coerce(m.results[i], t)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: result %d", body.Name, i)
		}
		m.results[i] = v.Interface()
	}
	return m.results, nil
}

// run executes instructions from pc while they stay within [lo, hi).
func (m *machine) run(pc, lo, hi int) (exit, error) {
	for {
		if pc < lo || pc >= hi {
			return exit{}, errors.Newf("control left [%d,%d) at %d without leave", lo, hi, pc)
		}

		if g := m.entering(pc, lo, hi); g != nil {
			ex, err := m.runGroup(g)
			if err != nil {
				return exit{}, err
			}
			if ex.kind == exitLeave && ex.target >= lo && ex.target < hi {
				pc = ex.target
				continue
			}
			return ex, nil
		}

		in := m.body.Instrs[pc]
		pc++

		switch in.Op {
		case Nop, Box:

		case Ldc:
			m.push(in.Value)
		case Ldnull:
			m.push(nil)

		case Ldarg:
			if in.Index < 0 || in.Index >= len(m.args) {
				return exit{}, errors.Newf("ldarg %d out of range", in.Index)
			}
			m.push(m.args[in.Index])
		case Starg:
			v, err := m.pop()
			if err != nil {
				return exit{}, err
			}
			if in.Index < 0 || in.Index >= len(m.args) {
				return exit{}, errors.Newf("starg %d out of range", in.Index)
			}
			m.args[in.Index] = v

		case Ldloc:
			if in.Index < 0 || in.Index >= len(m.locals) {
				return exit{}, errors.Newf("ldloc %d out of range", in.Index)
			}
			m.push(m.locals[in.Index])
		case Stloc:
			v, err := m.pop()
			if err != nil {
				return exit{}, err
			}
			if in.Index < 0 || in.Index >= len(m.locals) {
				return exit{}, errors.Newf("stloc %d out of range", in.Index)
			}
			if t := m.body.Locals[in.Index].Type; t != nil {
				cv, err := Coerce(v, t)
				if err != nil {
					return exit{}, errors.Wrapf(err, "stloc %d", in.Index)
				}
				v = cv.Interface()
			}
			m.locals[in.Index] = v

		case Ldsym:
			if m.env == nil {
				return exit{}, errors.Newf("ldsym %d without an environment", in.Index)
			}
			m.push(m.env.Symbol(in.Index))

		case Newarr:
			n, err := m.popInt()
			if err != nil {
				return exit{}, err
			}
			m.push(make([]any, n))
		case Stelem:
			v, err := m.pop()
			if err != nil {
				return exit{}, err
			}
			idx, err := m.popInt()
			if err != nil {
				return exit{}, err
			}
			arr, err := m.popArray()
			if err != nil {
				return exit{}, err
			}
			arr[idx] = v
		case Ldelem:
			idx, err := m.popInt()
			if err != nil {
				return exit{}, err
			}
			arr, err := m.popArray()
			if err != nil {
				return exit{}, err
			}
			m.push(arr[idx])
		case Ldlen:
			arr, err := m.popArray()
			if err != nil {
				return exit{}, err
			}
			m.push(len(arr))

		case Dup:
			v, err := m.pop()
			if err != nil {
				return exit{}, err
			}
			m.push(v)
			m.push(v)
		case Pop:
			if _, err := m.pop(); err != nil {
				return exit{}, err
			}

		case UnboxAny:
			v, err := m.pop()
			if err != nil {
				return exit{}, err
			}
			cv, err := Coerce(v, in.Type)
			if err != nil {
				return exit{}, err
			}
			m.push(cv.Interface())

		case Call:
			if err := m.call(reflect.ValueOf(in.Value)); err != nil {
				return exit{}, err
			}
		case Calli:
			args, err := m.popN(in.Index)
			if err != nil {
				return exit{}, err
			}
			callee, err := m.pop()
			if err != nil {
				return exit{}, err
			}
			fn, ok := callee.(reflect.Value)
			if !ok {
				fn = reflect.ValueOf(callee)
			}
			m.stack = append(m.stack, args...)
			if err := m.call(fn); err != nil {
				return exit{}, err
			}

		case Add, Sub, Or, And, Shl:
			if err := m.arith(in.Op); err != nil {
				return exit{}, err
			}
		case Ceq:
			vals, err := m.popN(2)
			if err != nil {
				return exit{}, err
			}
			m.push(equal(vals[0], vals[1]))
		case Clt:
			vals, err := m.popN(2)
			if err != nil {
				return exit{}, err
			}
			a, aok := toInt64(vals[0])
			b, bok := toInt64(vals[1])
			if !aok || !bok {
				return exit{}, errors.Newf("clt on %T and %T", vals[0], vals[1])
			}
			m.push(a < b)
		case Not:
			v, err := m.pop()
			if err != nil {
				return exit{}, err
			}
			m.push(!truthy(v))

		case Br:
			if in.Target < lo || in.Target >= hi {
				return exit{}, errors.Newf("br at %d leaves its region", pc-1)
			}
			pc = in.Target
		case Brtrue, Brfalse:
			v, err := m.pop()
			if err != nil {
				return exit{}, err
			}
			if truthy(v) == (in.Op == Brtrue) {
				if in.Target < lo || in.Target >= hi {
					return exit{}, errors.Newf("%s at %d leaves its region", in.Op, pc-1)
				}
				pc = in.Target
			}
		case Leave:
			m.stack = m.stack[:0]
			if in.Target >= lo && in.Target < hi {
				pc = in.Target
				continue
			}
			return exit{kind: exitLeave, target: in.Target}, nil
		case Endfinally:
			return exit{kind: exitEndfinally}, nil

		case Throw:
			v, err := m.pop()
			if err != nil {
				return exit{}, err
			}
			panic(&Thrown{Value: v})
		case Rethrow:
			if len(m.handling) == 0 {
				return exit{}, errors.New("rethrow outside of a catch handler")
			}
			panic(m.handling[len(m.handling)-1])

		case Ret:
			vals, err := m.popN(len(m.body.Results))
			if err != nil {
				return exit{}, err
			}
			m.results = vals
			return exit{kind: exitReturn}, nil

		default:
			return exit{}, errors.Newf("unknown opcode %s at %d", in.Op, pc-1)
		}
	}
}

// entering returns the outermost protected region that starts at pc and is
// nested within [lo, hi), other than the one [lo, hi) already is.
func (m *machine) entering(pc, lo, hi int) *tryGroup {
	var found *tryGroup
	for _, g := range m.groups {
		if g.tryStart != pc || g.end > hi || (g.tryStart == lo && g.tryEnd == hi) {
			continue
		}
		if found == nil || g.end > found.end {
			found = g
		}
	}
	return found
}

func (m *machine) runGroup(g *tryGroup) (exit, error) {
	ex, raised, err := m.protected(g.tryStart, g.tryEnd)
	if err != nil {
		return exit{}, err
	}

	if raised != nil {
		value := raised
		if t, ok := raised.(*Thrown); ok {
			value = t.Value
		}

		for _, c := range g.clauses {
			if c.Kind != RegionCatch || !catches(c.CatchType, value) {
				continue
			}

			m.stack = append(m.stack[:0], value)
			m.handling = append(m.handling, raised)
			ex, raised, err = m.protected(c.HandlerStart, c.HandlerEnd)
			m.handling = m.handling[:len(m.handling)-1]
			if err != nil {
				return exit{}, err
			}
			break
		}
	}

	for _, c := range g.clauses {
		if c.Kind != RegionFinally {
			continue
		}
		saved := m.stack
		m.stack = nil
		fex, err := m.run(c.HandlerStart, c.HandlerStart, c.HandlerEnd)
		if err != nil {
			return exit{}, err
		}
		if fex.kind != exitEndfinally {
			return exit{}, errors.Newf("finally at %d did not end with endfinally", c.HandlerStart)
		}
		m.stack = saved
	}

	if raised != nil {
		panic(raised)
	}
	return ex, nil
}

// protected runs [start, end) and captures anything raised inside it.
func (m *machine) protected(start, end int) (ex exit, raised any, err error) {
	defer func() {
		if r := recover(); r != nil {
			raised = r
		}
	}()
	ex, err = m.run(start, start, end)
	return ex, nil, err
}

func (m *machine) call(fn reflect.Value) error {
	if fn.Kind() != reflect.Func || fn.IsNil() {
		return errors.Newf("call target is not a function: %v", fn.Kind())
	}

	ft := fn.Type()
	vals, err := m.popN(ft.NumIn())
	if err != nil {
		return err
	}

	in := make([]reflect.Value, len(vals))
	for i, v := range vals {
		in[i], err = Coerce(v, ft.In(i))
		if err != nil {
			return errors.Wrapf(err, "argument %d", i)
		}
	}

	var out []reflect.Value
	if ft.IsVariadic() {
		out = fn.CallSlice(in)
	} else {
		out = fn.Call(in)
	}
	for _, v := range out {
		m.push(v.Interface())
	}
	return nil
}

func (m *machine) arith(op Op) error {
	vals, err := m.popN(2)
	if err != nil {
		return err
	}
	a, aok := toInt64(vals[0])
	b, bok := toInt64(vals[1])
	if !aok || !bok {
		return errors.Newf("%s on %T and %T", op, vals[0], vals[1])
	}

	var r int64
	switch op {
	case Add:
		r = a + b
	case Sub:
		r = a - b
	case Or:
		r = a | b
	case And:
		r = a & b
	case Shl:
		r = a << uint64(b)
	}

	out := reflect.New(reflect.TypeOf(vals[0])).Elem()
	if out.CanInt() {
		out.SetInt(r)
	} else {
		out.SetUint(uint64(r))
	}
	m.push(out.Interface())
	return nil
}

func (m *machine) push(v any) {
	m.stack = append(m.stack, v)
}

func (m *machine) pop() (any, error) {
	if len(m.stack) == 0 {
		return nil, errors.New("stack underflow")
	}
	v := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	return v, nil
}

// popN pops n values and returns them in push order.
func (m *machine) popN(n int) ([]any, error) {
	if n < 0 || len(m.stack) < n {
		return nil, errors.New("stack underflow")
	}
	vals := append([]any(nil), m.stack[len(m.stack)-n:]...)
	m.stack = m.stack[:len(m.stack)-n]
	return vals, nil
}

func (m *machine) popInt() (int, error) {
	v, err := m.pop()
	if err != nil {
		return 0, err
	}
	n, ok := toInt64(v)
	if !ok {
		return 0, errors.Newf("expected an integer, got %T", v)
	}
	return int(n), nil
}

func (m *machine) popArray() ([]any, error) {
	v, err := m.pop()
	if err != nil {
		return nil, err
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, errors.Newf("expected an array, got %T", v)
	}
	return arr, nil
}

func toInt64(v any) (int64, bool) {
	rv := reflect.ValueOf(v)
	switch {
	case rv.CanInt():
		return rv.Int(), true
	case rv.CanUint():
		return int64(rv.Uint()), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	}
	if n, ok := toInt64(v); ok {
		return n != 0
	}
	return true
}

func equal(a, b any) bool {
	if x, ok := toInt64(a); ok {
		if y, ok := toInt64(b); ok {
			return x == y
		}
	}
	return reflect.DeepEqual(a, b)
}

func catches(t reflect.Type, v any) bool {
	if t == nil {
		return true
	}
	if v == nil {
		return false
	}
	return reflect.TypeOf(v).AssignableTo(t)
}
