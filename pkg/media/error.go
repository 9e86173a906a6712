package media

import (
	"github.com/pkg/errors"
)

// ErrUnavailable is returned when the requested local media cannot be
// produced: nothing requested, or a configured source cannot be opened.
var ErrUnavailable = errors.New("local media unavailable")
