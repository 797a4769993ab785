package forge

import (
	"context"
	"errors"
	"net"
)

// IsTransientError reports whether err is a network-level or timeout
// failure that the next poll tick should simply re-drive, as opposed to a
// structural forge response (conflict, 4xx, closed PR) the controller must
// act on directly. Classification mirrors the teacher's agent retry
// helper: only network timeouts and context deadlines count as transient.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	var transient *ErrTransient
	if errors.As(err, &transient) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return false
}

// Wrap marks err as transient if the classifier agrees, otherwise returns
// it unchanged. Forge client implementations call this at their single
// network boundary so callers never need to inspect *http.Response codes.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if IsTransientError(err) {
		return &ErrTransient{Err: err}
	}
	return err
}
