package call

import (
	"context"

	"zvonilka/pkg/media"
	"zvonilka/pkg/signal"
)

type DescriptionKind int

const (
	DescriptionOffer DescriptionKind = iota
	DescriptionAnswer
)

func (k DescriptionKind) String() string {
	if k == DescriptionAnswer {
		return "answer"
	}

	return "offer"
}

// Description is a session description. SDP is opaque to this package.
type Description struct {
	Kind DescriptionKind
	SDP  string
}

type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the peer connection of one session. Handlers registered with
// the On* methods must never be invoked on the goroutine of a Transport
// method call.
type Transport interface {
	AddLocalTracks(bundle *media.Bundle) error
	CreateOffer() (Description, error)
	CreateAnswer() (Description, error)
	SetLocalDescription(desc Description) error
	SetRemoteDescription(desc Description) error
	AddPathCandidate(candidate signal.Candidate) error

	OnPathCandidate(func(signal.Candidate))
	OnRemoteMedia(func(media.Remote))
	OnStateChange(func(TransportState))

	Close() error
}

type TransportFactory interface {
	NewTransport() (Transport, error)
}

type MediaSupplier interface {
	Acquire(ctx context.Context, c media.Constraints) (*media.Bundle, error)
	Release(bundle *media.Bundle)
	AttachRemote(remote media.Remote)
}
