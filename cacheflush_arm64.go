//go:build arm64

package elevated

import "unsafe"

/*
static void elevated_cacheflush(char *start, char *end) {
	__builtin___clear_cache(start, end);
}
*/
import "C"

// cacheflush makes newly written instructions in buf visible to the
// instruction fetcher.
func cacheflush(buf []byte) {
	start := unsafe.Pointer(unsafe.SliceData(buf))
	end := unsafe.Add(start, len(buf))
	C.elevated_cacheflush((*C.char)(start), (*C.char)(end))
}
