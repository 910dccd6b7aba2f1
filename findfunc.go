package elevated

import (
	"unsafe"

	"github.com/cockroachdb/errors"
)

// ErrNoFunction is returned when an address does not fall inside a
// function known to the runtime.
var ErrNoFunction = errors.New("no function at address")

// symbolInfo mirrors runtime.funcInfo.
type symbolInfo struct {
	*symbolEntry
	module *moduleLayout
}

// symbolEntry mirrors the leading fields of runtime._func. Only the entry
// offset is read; the rest keep the layout.
type symbolEntry struct {
	entryOff uint32
	nameOff  int32

	args        int32
	deferreturn uint32

	pcsp      uint32
	pcfile    uint32
	pcln      uint32
	npcdata   uint32
	cuOffset  uint32
	startLine int32
	funcID    uint8
	flag      uint8
	_         [1]byte
	nfuncdata uint8
}

// moduleLayout mirrors runtime.moduledata up to etext. The linker writes
// it (cmd/link/internal/ld/symtab.go), so field order must track the
// runtime.
type moduleLayout struct {
	pcHeader     unsafe.Pointer
	funcnametab  []byte
	cutab        []uint32
	filetab      []byte
	pctab        []byte
	pclntable    []byte
	ftab         []symbolOffset
	findfunctab  uintptr
	minpc, maxpc uintptr

	text, etext uintptr
}

type symbolOffset struct {
	entryoff uint32 // relative to text
	funcoff  uint32
}

//go:linkname findfunc runtime.findfunc
func findfunc(pc uintptr) symbolInfo

// lookupSymbol resolves pc to the runtime's record of the function that
// starts there.
func lookupSymbol(pc uintptr) (symbolInfo, error) {
	info := findfunc(pc)
	if info.symbolEntry == nil || info.module == nil {
		return symbolInfo{}, errors.Wrapf(ErrNoFunction, "%#x", pc)
	}
	return info, nil
}

// size is the distance from entry to the next function in the module, or
// to the end of text for the last one.
func (s symbolInfo) size(entry uintptr) uint32 {
	offset := uint32(entry - s.module.text)
	n := uint32(s.module.etext - entry)

	for _, ft := range s.module.ftab {
		if ft.entryoff <= offset {
			continue
		}
		if d := ft.entryoff - offset; d < n {
			n = d
		}
	}
	return n
}
