package elevated

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/arch/arm64/arm64asm"
)

const (
	// -----------------------------------
	// | 000101 | ... 26 bit address ... |
	// -----------------------------------
	_B = uint32(5 << 26)

	// -----------------------------------
	// | 100101 | ... 26 bit address ... |
	// -----------------------------------
	_BL = uint32(1<<31 | _B)

	// ADR/ADRP is encoded as:
	// --------------------------------------------------
	// | P | lo 2 bits | 10000 | hi 19 bits | 5-bit reg |
	// --------------------------------------------------
	// Mask for the address:
	adrAddressMask = uint32(3<<29 | 0x7ffff<<5)

	_MOVZ      = uint32(0xd2800000) // MOVZ Xd, #imm16
	_MOVK      = uint32(0xf2800000) // MOVK Xd, #imm16, LSL #hw*16
	_LDR_X27   = uint32(0xf940035b) // LDR X27, [X26]
	_BR_X27    = uint32(0xd61f0360) // BR X27
	regContext = 26
)

// jumpSize is the length of the prefix absoluteJump overwrites.
const jumpSize = 24

// absoluteJump returns the machine code for:
//
//	MOVZ/MOVK $funcval, R26
//	LDR  (R26), R27
//	BR   R27
//
// R26 is the closure context register, so the target runs as if it had been
// called through the func value.
func absoluteJump(funcval uintptr) []byte {
	buf := make([]byte, jumpSize)
	v := uint64(funcval)
	binary.LittleEndian.PutUint32(buf[0:], _MOVZ|uint32(v&0xffff)<<5|regContext)
	for hw := uint32(1); hw < 4; hw++ {
		imm := uint32(v>>(16*hw)) & 0xffff
		binary.LittleEndian.PutUint32(buf[4*hw:], _MOVK|hw<<21|imm<<5|regContext)
	}
	binary.LittleEndian.PutUint32(buf[16:], _LDR_X27)
	binary.LittleEndian.PutUint32(buf[20:], _BR_X27)
	return buf
}

// decodeAbsoluteJump returns the funcval of a prefix written by absoluteJump.
func decodeAbsoluteJump(code []byte) (uintptr, bool) {
	if len(code) < jumpSize {
		return 0, false
	}
	if binary.LittleEndian.Uint32(code[16:]) != _LDR_X27 || binary.LittleEndian.Uint32(code[20:]) != _BR_X27 {
		return 0, false
	}

	var v uint64
	for hw := uint32(0); hw < 4; hw++ {
		inst := binary.LittleEndian.Uint32(code[4*hw:])
		want := _MOVK | hw<<21 | regContext
		if hw == 0 {
			want = _MOVZ | regContext
		}
		if inst&^(0xffff<<5) != want {
			return 0, false
		}
		v |= uint64(inst>>5&0xffff) << (16 * hw)
	}
	return uintptr(v), true
}

// followJump returns the destination when entry starts with an
// unconditional B, which is how a relative patch redirects a function.
func followJump(entry uintptr) uintptr {
	inst := *(*uint32)(unsafe.Pointer(entry))
	if inst&^(1<<26-1) != _B {
		return entry
	}
	// Sign-extend the 26-bit word offset.
	offset := int64(int32(inst<<6)>>6) * 4
	return uintptr(int64(entry) + offset)
}

// relocateFunc copies machine instructions from src into dest translating
// relative instructions as it goes. dest must be at least as large as src.
//
// The data underlying the slices is assumed to be the same address the code
// would execute from.
func relocateFunc(src, dest []byte) ([]byte, error) {
	dest = dest[:len(src)]
	copy(dest, src)

	srcPC := uintptr(unsafe.Pointer(unsafe.SliceData(src)))

	for i := 0; i < len(src); i += 4 {
		raw := dest[i : i+4]

		instruction, err := arm64asm.Decode(raw)
		if err != nil {
			// Stop if the bad instruction was padding
			if bytes.Equal(raw, []byte{0, 0, 0, 0}) {
				break
			}
			return nil, errors.Wrapf(err, "decode error at offset %d %v", i, raw)
		}

		for _, arg := range instruction.Args {
			if _, ok := arg.(arm64asm.PCRel); ok {
				err = fixPCRelAddress(instruction, srcPC, raw)
				if err != nil {
					return nil, err
				}
			}
		}
		srcPC += 4
	}

	return dest, nil
}

func fixPCRelAddress(inst arm64asm.Inst, srcPC uintptr, dest []byte) error {
	destPC := uintptr(unsafe.Pointer(unsafe.SliceData(dest)))

	switch inst.Op {
	case arm64asm.ADRP:
		// Get the offset (arm64asm converts it to bytes)
		oldOffset := int64(inst.Args[1].(arm64asm.PCRel))

		// Page-align both addresses before computing the offset
		newOffsetPages := (int64(srcPC&^uintptr(0xfff)) + oldOffset - int64(destPC&^uintptr(0xfff))) >> 12

		if newOffsetPages < -(1<<20) || newOffsetPages >= (1<<20) {
			return errors.Newf("ADRP target out of range: %d pages exceeds 4GiB", newOffsetPages)
		}

		p := uint32(newOffsetPages)
		encoded := binary.LittleEndian.Uint32(dest) &^ adrAddressMask
		encoded |= (p & 3) << 29 // Lowest 2 bits to bits 30 and 29
		encoded |= (p >> 2) << 5 // Highest 19 bits to bits 23 to 5
		binary.LittleEndian.PutUint32(dest, encoded)

	case arm64asm.BL:
		oldOffset := int64(inst.Args[0].(arm64asm.PCRel))
		offset := int64(srcPC) + oldOffset - int64(destPC)

		// BL encodes a 26-bit signed instruction offset.
		if offset < -(1<<27) || offset >= (1<<27) {
			return errors.Newf("BL target out of range: %d bytes exceeds 128MiB", offset)
		}

		binary.LittleEndian.PutUint32(dest, _BL|(uint32(offset>>2)&(1<<26-1)))

	default:
		// Most PC-relative addresses are local. Go only seems to
		// generate ADRP and BL that are external to the function.
	}

	return nil
}

func disassemble(code []byte) (string, error) {
	var buf bytes.Buffer

	baseAddr := uintptr(unsafe.Pointer(unsafe.SliceData(code)))

	for i := 0; i < len(code)&^3; i += 4 {
		var asm string
		instruction, err := arm64asm.Decode(code[i:])
		if err == nil {
			asm = instruction.String()
		} else {
			asm = "?"
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", baseAddr+uintptr(i), hex.EncodeToString(code[i:i+4]), asm)
	}

	return buf.String(), nil
}
