package call

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseInviting
	PhaseRinging
	PhaseAnswering
	PhaseConnected
	PhaseEnding
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseInviting:
		return "inviting"
	case PhaseRinging:
		return "ringing"
	case PhaseAnswering:
		return "answering"
	case PhaseConnected:
		return "connected"
	case PhaseEnding:
		return "ending"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Terminal reports whether teardown has started. Ending counts: nothing may
// be sent for a session past that point except the bye that started it.
func (p Phase) Terminal() bool {
	return p == PhaseEnding || p == PhaseEnded
}

type Direction int

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

func (d Direction) String() string {
	if d == DirectionIncoming {
		return "incoming"
	}

	return "outgoing"
}

// EndReason tells the application why a session reached Ended.
type EndReason string

const (
	ReasonNone              EndReason = ""
	ReasonHangup            EndReason = "hangup"
	ReasonRemoteHangup      EndReason = "remote_hangup"
	ReasonRejected          EndReason = "rejected"
	ReasonNoAnswer          EndReason = "no_answer"
	ReasonMediaUnavailable  EndReason = "media_unavailable"
	ReasonNegotiationFailed EndReason = "negotiation_failed"
	ReasonTransportFailed   EndReason = "transport_failed"
	ReasonChannelClosed     EndReason = "channel_closed"
)

// StateChange is delivered to the application on every phase transition.
// Reason and Err are set once the session is Ending or Ended.
type StateChange struct {
	SessionID string
	Remote    string
	Direction Direction
	Phase     Phase
	Reason    EndReason
	Err       error
}
