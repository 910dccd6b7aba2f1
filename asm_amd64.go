package elevated

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/arch/x86/x86asm"
)

const (
	opcodeCALLabs = 0xff // CALL abs32
	opcodeCALLrel = 0xe8 // CALL rel32
	opcodeINT3    = 0xcc
	opcodeJMP     = 0xe9 // JMP rel32

	opcodeMOV_imm_rm = 0xc7 // MOV imm, r/m

	regModeDirect = 3
	registerBP    = 5
)

// jumpSize is the length of the prefix absoluteJump overwrites.
const jumpSize = 12

// absoluteJump returns the machine code for:
//
//	MOVABS $funcval, DX
//	JMP    (DX)
//
// DX is the closure context register, so the target runs as if it had been
// called through the func value.
func absoluteJump(funcval uintptr) []byte {
	buf := make([]byte, jumpSize)
	buf[0] = 0x48 // REX.W
	buf[1] = 0xba // MOV imm64, DX
	binary.LittleEndian.PutUint64(buf[2:], uint64(funcval))
	buf[10] = 0xff
	buf[11] = 0x22 // JMP [DX]
	return buf
}

// decodeAbsoluteJump returns the funcval of a prefix written by absoluteJump.
func decodeAbsoluteJump(code []byte) (uintptr, bool) {
	if len(code) < jumpSize || code[0] != 0x48 || code[1] != 0xba || code[10] != 0xff || code[11] != 0x22 {
		return 0, false
	}
	return uintptr(binary.LittleEndian.Uint64(code[2:])), true
}

// followJump returns the destination when entry starts with JMP rel32, which
// is how a relative patch redirects a function.
func followJump(entry uintptr) uintptr {
	code := unsafe.Slice((*byte)(unsafe.Pointer(entry)), 5)
	if code[0] != opcodeJMP {
		return entry
	}
	rel := int32(binary.LittleEndian.Uint32(code[1:]))
	return uintptr(int64(entry) + 5 + int64(rel))
}

// relocateFunc copies machine instructions from src into dest translating
// relative instructions as it goes. dest must be larger than src.
//
// The data underlying the slices is assumed to be the same address the code
// would execute from.
//
// The dest slice is returned after being resized.
func relocateFunc(src, dest []byte) ([]byte, error) {
	srcBase := uintptr(unsafe.Pointer(unsafe.SliceData(src)))
	destBase := uintptr(unsafe.Pointer(unsafe.SliceData(dest)))

	// Trim INT3 opcodes from the end of src
	padStart := len(src) - 1
	for ; padStart > 0 && src[padStart] == opcodeINT3; padStart-- {
	}
	src = src[:padStart+1]
	srcEnd := srcBase + uintptr(len(src))

	dest = dest[:len(src)]

	for i := 0; i < len(src); {
		instruction, err := x86asm.Decode(src[i:], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "decode error at offset %d", i)
		}

		srcAddr := srcBase + uintptr(i) + uintptr(instruction.Len)
		destAddr := destBase + uintptr(i) + uintptr(instruction.Len)

		switch op := instruction.Opcode >> 24; {
		case op == opcodeCALLrel:
			rel, ok := instruction.Args[0].(x86asm.Rel)
			if !ok {
				return nil, errors.Newf("decode error at offset %d: unknown argument", i)
			}

			absCallDest := srcAddr + uintptr(rel)
			newRelAddr := int64(absCallDest) - int64(destAddr)
			if newRelAddr >= math.MinInt32 && newRelAddr <= math.MaxInt32 {
				// We can replace the CALL address directly
				dest[i] = opcodeCALLrel
				binary.LittleEndian.PutUint32(dest[i+1:], uint32(newRelAddr))
			} else {
				// The new address is too far to call directly
				jumpBack := int32(i + instruction.Len - len(dest))
				ccBuf, err := trampoline(absCallDest, jumpBack)
				if err != nil {
					return nil, errors.Wrap(err, "unable to generate call code")
				}
				jumpTo := int32(len(dest) - (i + instruction.Len))

				dest = append(dest, ccBuf...)

				dest[i] = opcodeJMP
				binary.LittleEndian.PutUint32(dest[i+1:], uint32(jumpTo))
			}
		case op == opcodeJMP:
			rel, ok := instruction.Args[0].(x86asm.Rel)
			if !ok {
				return nil, errors.Newf("decode error at offset %d: unknown argument", i)
			}

			copy(dest[i:], src[i:i+instruction.Len])

			// Jumps within the function move with it. Tail calls need
			// to be pointed back at their target.
			absJumpDest := srcAddr + uintptr(rel)
			if absJumpDest < srcBase || absJumpDest >= srcEnd {
				newRel := int64(absJumpDest) - int64(destAddr)
				if newRel < math.MinInt32 || newRel > math.MaxInt32 {
					return nil, errors.Newf("tail jump at offset %d is out of range", i)
				}
				binary.LittleEndian.PutUint32(dest[i+instruction.Len-4:], uint32(newRel))
			}
		case ripOperand(instruction):
			if err := relocateRIP(instruction, src[i:i+instruction.Len], dest[i:], srcAddr, destAddr); err != nil {
				return nil, errors.Wrapf(err, "offset %d", i)
			}
		default:
			copy(dest[i:], src[i:i+instruction.Len])
		}

		i += instruction.Len
	}

	// Pad to 16-bytes
	for len(dest)&0xf != 0 {
		dest = append(dest, opcodeINT3)
	}

	return dest, nil
}

// ripOperand reports whether inst addresses memory relative to the next
// instruction. Any opcode can: LEA, MOV, SSE loads of float constants, CMP
// against a global.
func ripOperand(inst x86asm.Inst) bool {
	for _, arg := range inst.Args {
		if mem, ok := arg.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
			return true
		}
	}
	return false
}

// relocateRIP copies the instruction in src to dest and rewrites its disp32
// so it reaches the same address from destAddr. srcAddr and destAddr are the
// addresses of the following instruction.
func relocateRIP(inst x86asm.Inst, src, dest []byte, srcAddr, destAddr uintptr) error {
	var disp int64
	for _, arg := range inst.Args {
		if mem, ok := arg.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
			disp = mem.Disp
			break
		}
	}

	// The decoder records where the disp32 sits, ahead of any immediate.
	off := inst.PCRelOff
	if inst.PCRel != 4 || off <= 0 || off+4 > len(src) {
		return errors.Newf("unexpected RIP-relative encoding in %v", inst)
	}

	newDisp := (int64(srcAddr) + disp) - int64(destAddr)
	if newDisp < math.MinInt32 || newDisp > math.MaxInt32 {
		return errors.New("unable to translate instruction relative address")
	}

	copy(dest, src)
	binary.LittleEndian.PutUint32(dest[off:], uint32(newDisp))
	return nil
}

// trampoline returns the x86-64 machine code equivalent of:
//
//	MOVQ <callDest>, BP
//	CALL BP
//	JMP <jumpBack+offset>
//
// jumpBack should be relative to the beginning of the block and will be
// adjusted for it's final address.
func trampoline(callDest uintptr, jumpBack int32) ([]byte, error) {
	if callDest > math.MaxUint32 {
		return nil, errors.New("64-bit call is not implemented")
	}

	buf := make([]byte, 14)
	i := 0

	// MOVQ <callDest> BP
	buf[i] = byte(x86asm.PrefixREX) | byte(x86asm.PrefixREXW)
	i++
	buf[i] = opcodeMOV_imm_rm
	i++
	buf[i] = regModeDirect<<6 | registerBP
	i++

	binary.LittleEndian.PutUint32(buf[i:], uint32(callDest))
	i += 4

	// CALL BP
	buf[i] = opcodeCALLabs
	i++
	buf[i] = regModeDirect<<6 | 2<<3 | registerBP
	i++

	// JMP <jumpBack>
	buf[i] = opcodeJMP
	i++
	binary.LittleEndian.PutUint32(buf[i:], uint32(jumpBack-int32(i)-4))
	i += 4

	return buf, nil
}

func disassemble(code []byte) (string, error) {
	var buf bytes.Buffer

	baseAddr := uintptr(unsafe.Pointer(unsafe.SliceData(code)))

	for i := 0; i < len(code); {
		instruction, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			return buf.String(), errors.Wrapf(err, "decode error at offset %d", i)
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", baseAddr+uintptr(i), hex.EncodeToString(code[i:i+instruction.Len]), instruction.String())

		i += instruction.Len
	}

	return buf.String(), nil
}
