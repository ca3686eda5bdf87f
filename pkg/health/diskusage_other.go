//go:build !(linux || darwin || freebsd)

package health

// DiskUsage is unsupported on this platform and always reports zero total.
func DiskUsage(dir string) func() (used, total uint64) {
	return func() (uint64, uint64) { return 0, 0 }
}
