package download

import "fmt"

// NetworkError reports that the preflight reachability check failed; no
// retries were consumed.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network check failed: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// StreamError reports a failure fetching one stream of a record.
type StreamError struct {
	ID     string
	Stream string // "resolve", "muxed", "video" or "audio"
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s: %s stream: %v", e.ID, e.Stream, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
