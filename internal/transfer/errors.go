package transfer

import "fmt"

// StatusError reports a non-success HTTP status from the media host.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transfer failed: status=%d", e.StatusCode)
}

// RetryExceededError reports that every attempt at a transfer failed. It
// wraps the last attempt's error.
type RetryExceededError struct {
	Attempts int
	Last     error
}

func (e *RetryExceededError) Error() string {
	return fmt.Sprintf("transfer failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExceededError) Unwrap() error { return e.Last }

// DiskSpaceError reports insufficient free space for a transfer.
type DiskSpaceError struct {
	Path string
	Need int64
	Free int64
}

func (e *DiskSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space at %s: need %d bytes, %d free", e.Path, e.Need, e.Free)
}

// SizeMismatchError reports a finished transfer whose on-disk size does not
// match what the host announced.
type SizeMismatchError struct {
	Path     string
	Expected int64
	Actual   int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch for %s: expected %d bytes, got %d", e.Path, e.Expected, e.Actual)
}
