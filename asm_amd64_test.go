package elevated

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ripTarget returns the address a disp32 at dispOff refers to, for an
// instruction ending at end.
func ripTarget(code []byte, end, dispOff int) uintptr {
	base := uintptr(unsafe.Pointer(unsafe.SliceData(code)))
	disp := int32(binary.LittleEndian.Uint32(code[dispOff:]))
	return base + uintptr(end) + uintptr(disp)
}

func TestRelocateFunc_RIPRelative(t *testing.T) {
	assert := assert.New(t)

	src := []byte{
		0xf2, 0x0f, 0x10, 0x0d, 0x10, 0x00, 0x00, 0x00, // MOVSD 0x10(IP), X1
		0x83, 0x3d, 0x20, 0x00, 0x00, 0x00, 0x07, // CMPL 0x20(IP), $7
		0x48, 0x8d, 0x05, 0x30, 0x00, 0x00, 0x00, // LEAQ 0x30(IP), AX
		0xc3, // RET
	}
	dest := make([]byte, 64)

	out, err := relocateFunc(src, dest)
	require.NoError(t, err)
	require.Len(t, out, 32)

	assert.Equal(ripTarget(src, 8, 4), ripTarget(out, 8, 4), "SSE load")
	assert.Equal(ripTarget(src, 15, 10), ripTarget(out, 15, 10), "compare with immediate")
	assert.Equal(ripTarget(src, 22, 18), ripTarget(out, 22, 18), "LEA")

	assert.Equal(src[:4], out[:4])
	assert.Equal(byte(0x07), out[14], "the immediate after the displacement is kept")
	assert.Equal(byte(0xc3), out[22])
}
