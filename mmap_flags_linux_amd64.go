package elevated

import "golang.org/x/sys/unix"

// Clones are called with CALL rel32 from and to the text segment, so they
// need to be mapped in the low 2GB.
const map_32bit = unix.MAP_32BIT
