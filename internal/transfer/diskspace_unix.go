//go:build linux || darwin

package transfer

import "syscall"

// freeSpace returns the bytes available to unprivileged writers on the
// filesystem holding path.
func freeSpace(path string) (int64, bool) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, false
	}
	return int64(st.Bavail) * int64(st.Bsize), true
}
