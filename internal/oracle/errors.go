package oracle

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCredential indicates no API key is configured for the oracle.
	ErrNoCredential = errors.New("oracle credential not configured")

	// ErrUnavailable indicates the oracle endpoint is unreachable.
	ErrUnavailable = errors.New("oracle unavailable")

	// ErrTimeout indicates the diagnosis call exceeded the configured timeout.
	ErrTimeout = errors.New("oracle request timed out")

	// ErrInvalidOutput indicates the oracle response could not be parsed into
	// a valid diagnosis.
	ErrInvalidOutput = errors.New("invalid oracle output")
)

// StatusError carries the upstream status code and body of a non-2xx reply.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("oracle returned status %d: %s", e.Status, e.Body)
}

// Unreachable reports whether the failure means the oracle could not be
// consulted at all. Callers may substitute a fallback diagnosis in that case;
// parse failures are never eligible.
func Unreachable(err error) bool {
	return errors.Is(err, ErrNoCredential) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrTimeout)
}
