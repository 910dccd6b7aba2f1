package ir

import (
	"reflect"

	"github.com/cockroachdb/errors"
)

// Label marks a branch destination that is resolved when the body is built.
type Label int

// Builder assembles a Body. Branches refer to labels and exception blocks
// are opened and closed around the instructions they protect.
type Builder struct {
	body   Body
	labels []int
	fixups []int
	blocks []*exceptionBlock
	err    error
}

type exceptionBlock struct {
	tryStart int
	tryEnd   int
	handlers []Region
	current  *Region
}

// NewBuilder starts a body with the given signature.
func NewBuilder(name string, params, results []reflect.Type) *Builder {
	return &Builder{
		body: Body{
			Name:    name,
			Params:  params,
			Results: results,
		},
	}
}

// Offset returns the offset of the next emitted instruction.
func (b *Builder) Offset() int {
	return len(b.body.Instrs)
}

// DeclareLocal adds a local slot and returns its index.
func (b *Builder) DeclareLocal(t reflect.Type, pinned bool) int {
	b.body.Locals = append(b.body.Locals, Local{Type: t, Pinned: pinned})
	return len(b.body.Locals) - 1
}

func (b *Builder) DefineLabel() Label {
	b.labels = append(b.labels, -1)
	return Label(len(b.labels) - 1)
}

// MarkLabel binds l to the next emitted instruction.
func (b *Builder) MarkLabel(l Label) {
	if int(l) >= len(b.labels) {
		b.fail(errors.Newf("undefined label %d", l))
		return
	}
	if b.labels[l] >= 0 {
		b.fail(errors.Newf("label %d marked twice", l))
		return
	}
	b.labels[l] = b.Offset()
}

// Emit appends an instruction with no branch operand.
func (b *Builder) Emit(in Instr) {
	if in.Op.IsBranch() {
		b.fail(errors.Newf("%s needs a label, use EmitBranch", in.Op))
		return
	}
	b.body.Instrs = append(b.body.Instrs, in)
}

func (b *Builder) EmitOp(op Op) {
	b.Emit(Instr{Op: op})
}

func (b *Builder) EmitIndex(op Op, index int) {
	b.Emit(Instr{Op: op, Index: index})
}

func (b *Builder) EmitConst(v any) {
	b.Emit(Instr{Op: Ldc, Value: v})
}

func (b *Builder) EmitCall(fn any) {
	b.Emit(Instr{Op: Call, Value: fn})
}

func (b *Builder) EmitUnbox(t reflect.Type) {
	b.Emit(Instr{Op: UnboxAny, Type: t})
}

// EmitBranch appends a branch to l.
func (b *Builder) EmitBranch(op Op, l Label) {
	if !op.IsBranch() {
		b.fail(errors.Newf("%s is not a branch", op))
		return
	}
	b.fixups = append(b.fixups, b.Offset())
	b.body.Instrs = append(b.body.Instrs, Instr{Op: op, Target: int(l)})
}

// BeginExceptionBlock opens a protected region at the current offset.
func (b *Builder) BeginExceptionBlock() {
	b.blocks = append(b.blocks, &exceptionBlock{tryStart: b.Offset(), tryEnd: -1})
}

// BeginCatchBlock starts a catch handler for the innermost open block.
func (b *Builder) BeginCatchBlock(catchType reflect.Type) {
	b.beginHandler(RegionCatch, catchType)
}

// BeginFinallyBlock starts a finally handler for the innermost open block.
func (b *Builder) BeginFinallyBlock() {
	b.beginHandler(RegionFinally, nil)
}

func (b *Builder) beginHandler(kind RegionKind, catchType reflect.Type) {
	blk := b.innermost()
	if blk == nil {
		b.fail(errors.Newf("%s handler outside of an exception block", kind))
		return
	}
	b.endHandler(blk)
	if blk.tryEnd < 0 {
		blk.tryEnd = b.Offset()
	}
	blk.current = &Region{
		Kind:         kind,
		TryStart:     blk.tryStart,
		TryEnd:       blk.tryEnd,
		HandlerStart: b.Offset(),
		CatchType:    catchType,
	}
}

func (b *Builder) endHandler(blk *exceptionBlock) {
	if blk.current == nil {
		return
	}
	blk.current.HandlerEnd = b.Offset()
	blk.handlers = append(blk.handlers, *blk.current)
	blk.current = nil
}

// EndExceptionBlock closes the innermost open block and all of its handlers.
func (b *Builder) EndExceptionBlock() {
	blk := b.innermost()
	if blk == nil {
		b.fail(errors.New("no exception block to end"))
		return
	}
	b.endHandler(blk)
	if len(blk.handlers) == 0 {
		b.fail(errors.Newf("exception block at %d has no handlers", blk.tryStart))
		return
	}
	b.blocks = b.blocks[:len(b.blocks)-1]
	b.body.Regions = append(b.body.Regions, blk.handlers...)
}

func (b *Builder) innermost() *exceptionBlock {
	if len(b.blocks) == 0 {
		return nil
	}
	return b.blocks[len(b.blocks)-1]
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Build resolves labels and returns the finished body. The builder should
// not be used afterwards.
func (b *Builder) Build() (*Body, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.blocks) != 0 {
		return nil, errors.Newf("%d exception blocks left open", len(b.blocks))
	}

	for _, at := range b.fixups {
		l := b.body.Instrs[at].Target
		if l < 0 || l >= len(b.labels) {
			return nil, errors.Newf("undefined label %d used at %d", l, at)
		}
		target := b.labels[l]
		if target < 0 {
			return nil, errors.Newf("label %d used at %d was never marked", l, at)
		}
		b.body.Instrs[at].Target = target
	}

	body := b.body
	return &body, nil
}
