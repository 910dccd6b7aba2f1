//go:build unix && !(linux && amd64)

package elevated

// Only Linux on amd64 has MAP_32BIT. Elsewhere clones land wherever the
// kernel puts them and far calls go through a trampoline.
const map_32bit = 0
