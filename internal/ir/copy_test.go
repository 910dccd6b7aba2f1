package ir

import (
	"io/fs"
	"reflect"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	boolType  = reflect.TypeFor[bool]()
	intType   = reflect.TypeFor[int]()
	errorType = reflect.TypeFor[error]()
)

// withTryCatch records which blocks ran as a bitmask:
//
//	try     1 before the throw, 2 after it
//	catch   4
//	finally 8, or 16 when noFinally is set
func withTryCatch(throws, noFinally bool) (blocks int) {
	defer func() {
		if !noFinally {
			blocks |= 1 << 3
		} else {
			blocks |= 1 << 4
		}
	}()

	func() {
		defer func() {
			if recover() != nil {
				blocks |= 1 << 2
			}
		}()
		blocks |= 1 << 0
		if throws {
			panic("boom")
		}
		blocks |= 1 << 1
	}()

	return blocks
}

func orBlock(b *Builder, bit int) {
	b.EmitIndex(Ldloc, 0)
	b.EmitConst(1 << bit)
	b.EmitOp(Or)
	b.EmitIndex(Stloc, 0)
}

func buildWithTryCatch(t *testing.T) *Body {
	b := NewBuilder("WithTryCatch", []reflect.Type{boolType, boolType}, []reflect.Type{intType})
	b.DeclareLocal(intType, false)
	b.EmitConst(0)
	b.EmitIndex(Stloc, 0)

	end := b.DefineLabel()
	noThrow := b.DefineLabel()
	noFinally := b.DefineLabel()
	endFinally := b.DefineLabel()

	b.BeginExceptionBlock()
	b.BeginExceptionBlock()
	orBlock(b, 0)
	b.EmitIndex(Ldarg, 0)
	b.EmitBranch(Brfalse, noThrow)
	b.EmitConst(errors.New("boom"))
	b.EmitOp(Throw)
	b.MarkLabel(noThrow)
	orBlock(b, 1)
	b.EmitBranch(Leave, end)

	b.BeginCatchBlock(errorType)
	b.EmitOp(Pop)
	orBlock(b, 2)
	b.EmitBranch(Leave, end)
	b.EndExceptionBlock()

	b.BeginFinallyBlock()
	b.EmitIndex(Ldarg, 1)
	b.EmitBranch(Brtrue, noFinally)
	orBlock(b, 3)
	b.EmitBranch(Br, endFinally)
	b.MarkLabel(noFinally)
	orBlock(b, 4)
	b.MarkLabel(endFinally)
	b.EmitOp(Endfinally)
	b.EndExceptionBlock()

	b.MarkLabel(end)
	b.EmitIndex(Ldloc, 0)
	b.EmitOp(Ret)

	body, err := b.Build()
	require.NoError(t, err)
	return body
}

func TestCopy_TryCatchFinally(t *testing.T) {
	original := buildWithTryCatch(t)
	copied, err := Copy(original)
	require.NoError(t, err)

	cases := []struct {
		throws, noFinally bool
	}{
		{true, false},
		{true, true},
		{false, false},
		{false, true},
	}

	for _, tc := range cases {
		want := withTryCatch(tc.throws, tc.noFinally)

		got, err := Exec(original, nil, tc.throws, tc.noFinally)
		require.NoError(t, err)
		assert.Equal(t, want, got[0], "original(%v, %v)", tc.throws, tc.noFinally)

		got, err = Exec(copied, nil, tc.throws, tc.noFinally)
		require.NoError(t, err)
		assert.Equal(t, want, got[0], "copy(%v, %v)", tc.throws, tc.noFinally)
	}
}

func TestCopy_Structure(t *testing.T) {
	assert := assert.New(t)
	original := buildWithTryCatch(t)
	original.Locals = append(original.Locals, Local{Type: reflect.TypeFor[*int](), Pinned: true})

	copied, err := Copy(original)
	require.NoError(t, err)

	assert.Equal(original.Name, copied.Name)
	assert.Equal(original.Params, copied.Params)
	assert.Equal(original.Results, copied.Results)
	assert.Equal(original.Locals, copied.Locals)
	assert.Equal(original.Instrs, copied.Instrs)
	assert.ElementsMatch(original.Regions, copied.Regions)

	again, err := Copy(copied)
	require.NoError(t, err)
	assert.Equal(copied, again)
}

func TestCopy_SharedTryClosesOnce(t *testing.T) {
	b := NewBuilder("classify", []reflect.Type{errorType}, []reflect.Type{intType})
	b.DeclareLocal(intType, false)
	end := b.DefineLabel()

	b.BeginExceptionBlock()
	b.EmitIndex(Ldarg, 0)
	b.EmitOp(Throw)

	b.BeginCatchBlock(reflect.TypeFor[*fs.PathError]())
	b.EmitOp(Pop)
	b.EmitConst(1)
	b.EmitIndex(Stloc, 0)
	b.EmitBranch(Leave, end)

	b.BeginCatchBlock(errorType)
	b.EmitOp(Pop)
	b.EmitConst(2)
	b.EmitIndex(Stloc, 0)
	b.EmitBranch(Leave, end)
	b.EndExceptionBlock()

	b.MarkLabel(end)
	b.EmitIndex(Ldloc, 0)
	b.EmitOp(Ret)

	original, err := b.Build()
	require.NoError(t, err)
	require.Len(t, original.Regions, 2)

	copied, err := Copy(original)
	require.NoError(t, err)
	assert.Equal(t, original.Regions, copied.Regions)

	for _, body := range []*Body{original, copied} {
		got, err := Exec(body, nil, &fs.PathError{Op: "open", Path: "x", Err: fs.ErrNotExist})
		require.NoError(t, err)
		assert.Equal(t, 1, got[0])

		got, err = Exec(body, nil, errors.New("other"))
		require.NoError(t, err)
		assert.Equal(t, 2, got[0])
	}
}

func TestCopy_UnsupportedHandlers(t *testing.T) {
	for _, kind := range []RegionKind{RegionFault, RegionFilter} {
		t.Run(kind.String(), func(t *testing.T) {
			body := &Body{
				Instrs: []Instr{{Op: Nop}, {Op: Endfinally}, {Op: Ret}},
				Regions: []Region{{
					Kind:         kind,
					TryStart:     0,
					TryEnd:       1,
					HandlerStart: 1,
					HandlerEnd:   2,
				}},
			}
			_, err := Copy(body)
			assert.ErrorIs(t, err, ErrUnsupportedHandler)
		})
	}
}

func TestCopy_BadBranch(t *testing.T) {
	body := &Body{
		Instrs: []Instr{{Op: Br, Target: 10}},
	}
	_, err := Copy(body)
	assert.Error(t, err)
}

func TestCopy_LoopLabels(t *testing.T) {
	// sum(n) = 0 + 1 + ... + n-1
	b := NewBuilder("sum", []reflect.Type{intType}, []reflect.Type{intType})
	sum := b.DeclareLocal(intType, false)
	i := b.DeclareLocal(intType, false)
	loop := b.DefineLabel()
	check := b.DefineLabel()

	b.EmitBranch(Br, check)
	b.MarkLabel(loop)
	b.EmitIndex(Ldloc, sum)
	b.EmitIndex(Ldloc, i)
	b.EmitOp(Add)
	b.EmitIndex(Stloc, sum)
	b.EmitIndex(Ldloc, i)
	b.EmitConst(1)
	b.EmitOp(Add)
	b.EmitIndex(Stloc, i)
	b.MarkLabel(check)
	b.EmitIndex(Ldloc, i)
	b.EmitIndex(Ldarg, 0)
	b.EmitOp(Clt)
	b.EmitBranch(Brtrue, loop)
	b.EmitIndex(Ldloc, sum)
	b.EmitOp(Ret)

	original, err := b.Build()
	require.NoError(t, err)
	copied, err := Copy(original)
	require.NoError(t, err)

	got, err := Exec(copied, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 45, got[0])
}
