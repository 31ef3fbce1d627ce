package secrets

import "golang.org/x/sys/unix"

func dontDump(data []byte) {
	// Best effort: older kernels reject MADV_DONTDUMP.
	_ = unix.Madvise(data, unix.MADV_DONTDUMP)
}
