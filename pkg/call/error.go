package call

import (
	"zvonilka/pkg/media"

	"github.com/pkg/errors"
)

var (
	ErrNotRegistered = errors.New("not registered")
	ErrBusy          = errors.New("another call is in progress")
	ErrNoSession     = errors.New("no call session")
	ErrInvalidPhase  = errors.New("operation not allowed in current phase")
	ErrSessionEnded  = errors.New("call session ended")

	// ErrMediaUnavailable terminates the call attempt that hit it.
	ErrMediaUnavailable = media.ErrUnavailable

	// ErrInvalidCandidate is returned when the transport rejects a path
	// candidate. The candidate is discarded and the session continues.
	ErrInvalidCandidate = errors.New("invalid path candidate")

	// ErrNegotiationFailed is returned when the transport rejects a session
	// description or cannot produce one. The session ends.
	ErrNegotiationFailed = errors.New("negotiation failed")
)
