//go:build !linux && !darwin

package transfer

// freeSpace is unavailable on this platform; space checks are skipped.
func freeSpace(string) (int64, bool) { return 0, false }
