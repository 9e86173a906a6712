package signal

import (
	"github.com/pkg/errors"
)

var (
	// ErrMalformedMessage is returned for relay messages that cannot be parsed or
	// that lack a field their action requires.
	ErrMalformedMessage = errors.New("malformed signal message")

	// ErrChannelClosed is returned when a message is sent while the relay channel
	// is not open.
	ErrChannelClosed = errors.New("relay channel closed")

	// ErrAlreadyRegistered is returned when a channel that already carries one
	// identity key is asked to register another.
	ErrAlreadyRegistered = errors.New("already registered with another key")
)
