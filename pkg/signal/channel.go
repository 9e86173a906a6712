package signal

import (
	"context"
)

// Channel is a bidirectional, message-oriented link to the relay. Inbound
// delivers raw frames in arrival order and is closed together with Done.
type Channel interface {
	Open(ctx context.Context) error
	IsOpen() bool
	Send(payload []byte) error
	Inbound() <-chan []byte
	Done() <-chan struct{}
	Close() error
}
