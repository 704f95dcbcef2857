package client

import (
	"errors"
	"fmt"

	"github.com/famomatic/bilicrawl/internal/store"
)

// ErrRecordNotFound reports a missing dataset record.
var ErrRecordNotFound = store.ErrNotFound

// ErrNoStreams reports a record for which the platform returned no playable
// stream.
var ErrNoStreams = errors.New("no playable streams")

// APIError is a non-zero status code in a platform API response envelope.
type APIError struct {
	Code    int
	Message string
	Path    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %s: code=%d message=%q", e.Path, e.Code, e.Message)
}

// IsRateLimited reports whether the API refused the request for quota
// reasons; callers should back off before retrying.
func (e *APIError) IsRateLimited() bool {
	return e.Code == -412 || e.Code == -799
}
