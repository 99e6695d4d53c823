package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrMisaddressed is returned for a packet whose source or destination
	// does not match the exchange. No record of it is applied.
	ErrMisaddressed = errors.New("misaddressed packet")

	// ErrTransport is returned when a connection fails or a stream is cut
	// short. The whole exchange may be retried.
	ErrTransport = errors.New("transport failure")

	// ErrNoProgress is returned when a peer keeps acknowledging nothing of
	// a push that has more to send.
	ErrNoProgress = errors.New("peer made no progress")
)

// transportError tags err as retryable.
func transportError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransport, fmt.Sprintf(format, args...))
}

// IsRetryable returns true if the exchange is likely to succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransport)
}
