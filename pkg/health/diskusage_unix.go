//go:build linux || darwin || freebsd

package health

import "golang.org/x/sys/unix"

// DiskUsage returns a usage reader for the filesystem holding dir, for
// DiskSpaceCheck. A failed statfs reports zero total.
func DiskUsage(dir string) func() (used, total uint64) {
	return func() (uint64, uint64) {
		var st unix.Statfs_t
		if err := unix.Statfs(dir, &st); err != nil {
			return 0, 0
		}
		bsize := uint64(st.Bsize)
		total := uint64(st.Blocks) * bsize
		free := uint64(st.Bavail) * bsize
		if free > total {
			return 0, total
		}
		return total - free, total
	}
}
