//go:build !arm64

package elevated

// amd64 keeps its instruction cache coherent with stores, so a patched
// prefix is visible as soon as it is written.
func cacheflush(buf []byte) {}
