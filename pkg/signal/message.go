package signal

import (
	"encoding/json"

	"github.com/pkg/errors"
)

type Action string

const (
	ActionRegister     Action = "register"
	ActionCall         Action = "call"
	ActionIncomingCall Action = "incoming_call"
	ActionAnswer       Action = "answer"
	ActionCallAnswer   Action = "call_answer"
	ActionICE          Action = "ice"
	ActionBye          Action = "bye"
	ActionCallEnded    Action = "call_ended"
)

// SDP carries a session description. Its type is implied by the action.
type SDP struct {
	SDP string `json:"sdp"`
}

// Candidate is a path candidate exactly as the remote transport produced it.
// Nothing on the signaling path looks inside.
type Candidate = json.RawMessage

type Message struct {
	Action    Action    `json:"action"`
	Key       string    `json:"key,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Signal    *SDP      `json:"signal,omitempty"`
	Candidate Candidate `json:"candidate,omitempty"`
}

func Register(key string) Message {
	return Message{Action: ActionRegister, Key: key}
}

func Call(to, sdp string) Message {
	return Message{Action: ActionCall, To: to, Signal: &SDP{SDP: sdp}}
}

func IncomingCall(from string, sdp *SDP) Message {
	return Message{Action: ActionIncomingCall, From: from, Signal: sdp}
}

func Answer(to, sdp string) Message {
	return Message{Action: ActionAnswer, To: to, Signal: &SDP{SDP: sdp}}
}

func CallAnswer(from string, sdp *SDP) Message {
	return Message{Action: ActionCallAnswer, From: from, Signal: sdp}
}

func ICE(to string, candidate Candidate) Message {
	return Message{Action: ActionICE, To: to, Candidate: candidate}
}

func RelayedICE(from string, candidate Candidate) Message {
	return Message{Action: ActionICE, From: from, Candidate: candidate}
}

func Bye(to string) Message {
	return Message{Action: ActionBye, To: to}
}

func CallEnded(from string) Message {
	return Message{Action: ActionCallEnded, From: from}
}

// Parse decodes a single relay message and validates it against the
// requirements of its action. Every failure wraps ErrMalformedMessage.
func Parse(data []byte) (Message, error) {
	var msg Message

	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, errors.Wrap(ErrMalformedMessage, err.Error())
	}

	if err := msg.Validate(); err != nil {
		return Message{}, err
	}

	return msg, nil
}

func (m Message) Validate() error {
	switch m.Action {
	case ActionRegister:
		if m.Key == "" {
			return m.missing("key")
		}
	case ActionCall, ActionAnswer:
		if m.To == "" && m.From == "" {
			return m.missing("to")
		}
		if m.Signal == nil || m.Signal.SDP == "" {
			return m.missing("signal.sdp")
		}
	case ActionIncomingCall, ActionCallAnswer:
		if m.From == "" {
			return m.missing("from")
		}
		if m.Signal == nil || m.Signal.SDP == "" {
			return m.missing("signal.sdp")
		}
	case ActionICE:
		if m.To == "" && m.From == "" {
			return m.missing("to")
		}
		if len(m.Candidate) == 0 || string(m.Candidate) == "null" {
			return m.missing("candidate")
		}
	case ActionBye:
		if m.To == "" && m.From == "" {
			return m.missing("to")
		}
	case ActionCallEnded:
		if m.From == "" {
			return m.missing("from")
		}
	case "":
		return errors.Wrap(ErrMalformedMessage, "missing action")
	default:
		return errors.Wrapf(ErrMalformedMessage, "unknown action %q", m.Action)
	}

	return nil
}

func (m Message) missing(field string) error {
	return errors.Wrapf(ErrMalformedMessage, "%s message missing %s", m.Action, field)
}

// Inbound reports the relay-delivered form of m. Relays rewrite call, answer
// and bye into incoming_call, call_answer and call_ended; a direct pipe without
// a relay delivers them as sent but with from set.
func (m Message) Inbound() Message {
	if m.From == "" {
		return m
	}

	switch m.Action {
	case ActionCall:
		m.Action = ActionIncomingCall
	case ActionAnswer:
		m.Action = ActionCallAnswer
	case ActionBye:
		m.Action = ActionCallEnded
	}

	return m
}

// Peer is the remote identity key of a message: from for inbound messages,
// to for outbound ones.
func (m Message) Peer() string {
	if m.From != "" {
		return m.From
	}

	return m.To
}

func (m Message) String() string {
	b, err := json.Marshal(m)
	if err != nil {
		return string(m.Action)
	}

	return string(b)
}
