//go:build arm64 && !cgo

package elevated

// Patching code on arm64 needs __builtin___clear_cache. Build with
// CGO_ENABLED=1; this reference fails the link otherwise.
func cacheflush(buf []byte) {
	elevated_arm64_requires_cgo_to_flush_the_instruction_cache()
}
