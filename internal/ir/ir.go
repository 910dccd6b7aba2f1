// Package ir is a small stack-machine instruction set used to describe
// interception thunks. Bodies are built with a Builder, duplicated with Copy
// and executed with Exec.
package ir

import (
	"fmt"
	"reflect"
)

// Op is an instruction opcode.
type Op uint8

const (
	Nop Op = iota

	// Ldc pushes Instr.Value.
	Ldc
	// Ldnull pushes an untyped nil.
	Ldnull
	// Ldarg pushes argument Instr.Index.
	Ldarg
	// Starg pops into argument Instr.Index.
	Starg
	// Ldloc pushes local Instr.Index.
	Ldloc
	// Stloc pops into local Instr.Index.
	Stloc
	// Ldsym pushes symbol Instr.Index from the execution environment.
	Ldsym

	// Newarr pops a length and pushes a []any of that length.
	Newarr
	// Stelem pops a value, an index and an array, then stores the value.
	Stelem
	// Ldelem pops an index and an array and pushes the element.
	Ldelem
	// Ldlen pops an array and pushes its length.
	Ldlen

	Dup
	Pop

	// Box is kept for symmetry with UnboxAny. Values on the stack are
	// already interface values so it does nothing.
	Box
	// UnboxAny pops a value and pushes it converted to Instr.Type. Nil
	// becomes the zero value.
	UnboxAny

	// Call invokes the function in Instr.Value. It pops one value per
	// parameter and pushes one value per result.
	Call
	// Calli pops Instr.Index arguments, then a function, and invokes it.
	Calli

	Add
	Sub
	Or
	And
	Shl
	Ceq
	Clt
	Not

	// Br, Brtrue and Brfalse jump to Instr.Target.
	Br
	Brtrue
	Brfalse
	// Leave exits a protected region or handler and continues at
	// Instr.Target once any enclosing finally blocks have run.
	Leave
	// Endfinally ends a finally handler.
	Endfinally
	// Throw pops a value and raises it.
	Throw
	// Rethrow raises the value being handled by the current catch block.
	Rethrow
	// Ret pops one value per result and returns them.
	Ret
)

var opNames = [...]string{
	Nop:        "nop",
	Ldc:        "ldc",
	Ldnull:     "ldnull",
	Ldarg:      "ldarg",
	Starg:      "starg",
	Ldloc:      "ldloc",
	Stloc:      "stloc",
	Ldsym:      "ldsym",
	Newarr:     "newarr",
	Stelem:     "stelem",
	Ldelem:     "ldelem",
	Ldlen:      "ldlen",
	Dup:        "dup",
	Pop:        "pop",
	Box:        "box",
	UnboxAny:   "unbox.any",
	Call:       "call",
	Calli:      "calli",
	Add:        "add",
	Sub:        "sub",
	Or:         "or",
	And:        "and",
	Shl:        "shl",
	Ceq:        "ceq",
	Clt:        "clt",
	Not:        "not",
	Br:         "br",
	Brtrue:     "brtrue",
	Brfalse:    "brfalse",
	Leave:      "leave",
	Endfinally: "endfinally",
	Throw:      "throw",
	Rethrow:    "rethrow",
	Ret:        "ret",
}

func (op Op) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", op)
}

// IsBranch reports whether the operand of op is a branch target.
func (op Op) IsBranch() bool {
	switch op {
	case Br, Brtrue, Brfalse, Leave:
		return true
	}
	return false
}

// Instr is a single instruction.
type Instr struct {
	Op Op

	// Index is the argument, local, symbol or argument count operand.
	Index int

	// Target is the instruction offset a branch continues at.
	Target int

	// Value is the constant for Ldc and the function for Call.
	Value any

	// Type is the destination type for UnboxAny.
	Type reflect.Type
}

func (in Instr) String() string {
	switch {
	case in.Op.IsBranch():
		return fmt.Sprintf("%s IL_%04d", in.Op, in.Target)
	case in.Op == Ldarg, in.Op == Starg, in.Op == Ldloc, in.Op == Stloc, in.Op == Ldsym, in.Op == Calli:
		return fmt.Sprintf("%s %d", in.Op, in.Index)
	case in.Op == Ldc:
		return fmt.Sprintf("%s %v", in.Op, in.Value)
	case in.Op == UnboxAny:
		return fmt.Sprintf("%s %v", in.Op, in.Type)
	case in.Op == Call:
		return fmt.Sprintf("%s %v", in.Op, reflect.TypeOf(in.Value))
	}
	return in.Op.String()
}

// Local is a local variable slot.
type Local struct {
	Type reflect.Type

	// Pinned is carried through copies. The interpreter does not move
	// values so it has no other effect.
	Pinned bool
}

// RegionKind is the kind of handler attached to a protected region.
type RegionKind uint8

const (
	RegionCatch RegionKind = iota
	RegionFinally
	RegionFault
	RegionFilter
)

func (k RegionKind) String() string {
	switch k {
	case RegionCatch:
		return "catch"
	case RegionFinally:
		return "finally"
	case RegionFault:
		return "fault"
	case RegionFilter:
		return "filter"
	}
	return fmt.Sprintf("region(%d)", k)
}

// Region is one exception handling clause. Offsets are instruction indexes,
// starts inclusive and ends exclusive. Several clauses may share a try range.
type Region struct {
	Kind         RegionKind
	TryStart     int
	TryEnd       int
	HandlerStart int
	HandlerEnd   int

	// CatchType selects which raised values a catch handler receives. A
	// nil CatchType catches everything.
	CatchType reflect.Type
}

// Body is a complete, callable unit of instructions.
type Body struct {
	Name    string
	Params  []reflect.Type
	Results []reflect.Type
	Locals  []Local
	Instrs  []Instr

	// Regions are ordered inner to outer.
	Regions []Region
}

func (b *Body) String() string {
	var s string
	for i, in := range b.Instrs {
		s += fmt.Sprintf("IL_%04d: %s\n", i, in)
	}
	return s
}
