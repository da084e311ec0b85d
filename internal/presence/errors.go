package presence

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized means the PBX rejected our credentials (HTTP 401 or
	// an expired-token signal on the push channel).
	ErrUnauthorized = errors.New("presence: unauthorized")

	// ErrMalformed means a response or event could not be used as a whole.
	ErrMalformed = errors.New("presence: malformed response")
)

// StatusError is returned for non-200 responses other than 401.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("presence: unexpected status %d", e.Code)
	}
	return fmt.Sprintf("presence: unexpected status %d: %s", e.Code, e.Body)
}

// IsAuthExpired reports whether err signals credential expiry.
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
