package call

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"zvonilka/pkg/log"
	"zvonilka/pkg/media"
	"zvonilka/pkg/signal"

	"github.com/pkg/errors"
)

// Client is the signaling client of one endpoint. It owns the relay channel
// and the identity key, turns relay messages into session events and keeps at
// most one session that has not ended.
type Client struct {
	cfg ClientConfig

	channel    signal.Channel
	transports TransportFactory
	media      *mediaCoordinator
	sink       *MemoryLog

	mu      sync.Mutex
	key     string
	session *Session

	handlersMu         sync.RWMutex
	stateHandler       func(StateChange)
	remoteMediaHandler func(media.Remote)
}

type ClientConfig struct {
	Media media.Constraints

	// RingTimeout rejects an incoming call nobody answered. Zero waits forever.
	RingTimeout time.Duration

	// InviteTimeout hangs up an outgoing call that got no answer. Zero waits
	// forever.
	InviteTimeout time.Duration
}

func NewClient(cfg ClientConfig, channel signal.Channel, transports TransportFactory, supplier MediaSupplier) *Client {
	return &Client{
		cfg:                cfg,
		channel:            channel,
		transports:         transports,
		media:              newMediaCoordinator(supplier),
		sink:               &MemoryLog{},
		stateHandler:       func(StateChange) {},
		remoteMediaHandler: func(media.Remote) {},
	}
}

func (c *Client) OnStateChange(h func(StateChange)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.stateHandler = h
}

// OnRemoteMedia is called once per session, for the first remote track.
func (c *Client) OnRemoteMedia(h func(media.Remote)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.remoteMediaHandler = h
}

// Log returns every message line sent or received so far, in order.
func (c *Client) Log() []string {
	return c.sink.Lines()
}

func (c *Client) Key() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.key
}

// Session returns the current session, which may already have ended.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.session
}

// Register opens the relay channel if needed and announces key on it.
// Registering the same key again is a no-op.
func (c *Client) Register(ctx context.Context, key string) error {
	if len(key) == 0 {
		return errors.New("empty identity key")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.key) != 0 && c.channel.IsOpen() {
		if c.key == key {
			return nil
		}

		return errors.Wrapf(signal.ErrAlreadyRegistered, "registered as %q", c.key)
	}

	if err := c.channel.Open(ctx); err != nil {
		return errors.Wrap(err, "signaling")
	}

	if err := c.Send(signal.Register(key)); err != nil {
		return err
	}

	c.key = key

	log.Infof("registered as %q", key)

	return nil
}

// Listen dispatches inbound relay messages until ctx is done or the channel
// closes.
func (c *Client) Listen(ctx context.Context) {
	inbound := c.channel.Inbound()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.channel.Done():
			c.channelClosed()

			return
		case raw, ok := <-inbound:
			if !ok {
				c.channelClosed()

				return
			}

			if err := c.Dispatch(raw); err != nil {
				log.Debug(err)
			}
		}
	}
}

// Send serializes msg onto the relay channel.
func (c *Client) Send(msg signal.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode signal message")
	}

	if err := c.channel.Send(payload); err != nil {
		return errors.Wrapf(err, "send %s", msg.Action)
	}

	c.record("Sent: " + string(payload))

	return nil
}

// Dispatch routes one raw relay message. Malformed messages are logged and
// dropped without touching any session.
func (c *Client) Dispatch(raw []byte) error {
	msg, err := signal.Parse(raw)
	if err != nil {
		c.record("Dropped: " + err.Error())
		log.Warn(err)

		return err
	}

	c.record("Received: " + string(raw))

	msg = msg.Inbound()
	peer := msg.Peer()

	switch msg.Action {
	case signal.ActionIncomingCall:
		return c.onIncomingCall(peer, msg.Signal.SDP)
	case signal.ActionCallAnswer:
		if s := c.sessionWith(peer); s != nil {
			return s.handleAnswer(msg.Signal.SDP)
		}
	case signal.ActionICE:
		if s := c.sessionWith(peer); s != nil {
			return s.handleCandidate(msg.Candidate)
		}
	case signal.ActionCallEnded:
		if s := c.sessionWith(peer); s != nil {
			s.remoteHangup()

			return nil
		}
	default:
		log.Debugf("ignoring inbound %s", msg.Action)

		return nil
	}

	log.Debugf("no session with %q for %s, dropped", peer, msg.Action)

	return nil
}

func (c *Client) onIncomingCall(from, offer string) error {
	c.mu.Lock()

	if current := c.session; current != nil && !current.Phase().Terminal() {
		local := c.key
		c.mu.Unlock()

		if current.Remote() != from {
			log.Infof("busy, turning away call from %q", from)

			return c.Send(signal.Bye(from))
		}

		phase := current.Phase()
		if current.Direction() == DirectionOutgoing && (phase == PhaseIdle || phase == PhaseInviting) {
			if local < from {
				log.Infof("glare with %q: keeping our offer", from)
				current.keepOffer()

				return nil
			}

			return current.yield(offer)
		}

		log.Debugf("duplicate call from %q in %s, dropped", from, phase)

		return nil
	}

	s := newSession(from, DirectionIncoming, c.sessionConfig(), c)
	c.session = s
	c.mu.Unlock()

	s.ring(offer)

	return nil
}

// PlaceCall starts an outgoing call and returns once the offer is sent.
func (c *Client) PlaceCall(ctx context.Context, remote string) (*Session, error) {
	c.mu.Lock()

	switch {
	case len(c.key) == 0:
		c.mu.Unlock()

		return nil, ErrNotRegistered
	case len(remote) == 0:
		c.mu.Unlock()

		return nil, errors.New("empty remote key")
	case remote == c.key:
		c.mu.Unlock()

		return nil, errors.New("cannot call own key")
	case c.session != nil && !c.session.Phase().Terminal():
		c.mu.Unlock()

		return nil, ErrBusy
	}

	s := newSession(remote, DirectionOutgoing, c.sessionConfig(), c)
	c.session = s
	c.mu.Unlock()

	s.log.Info("placing call")

	return s, s.prepare(ctx)
}

func (c *Client) Accept(ctx context.Context) error {
	s := c.Session()
	if s == nil {
		return ErrNoSession
	}

	return s.accept(ctx)
}

func (c *Client) Reject() error {
	s := c.Session()
	if s == nil {
		return ErrNoSession
	}

	return s.reject()
}

// Hangup ends the current session. It is safe in any phase and without a
// session at all.
func (c *Client) Hangup() error {
	s := c.Session()
	if s == nil {
		return nil
	}

	return s.hangup()
}

// SetTrackEnabled mutes or unmutes one kind of the current local bundle.
func (c *Client) SetTrackEnabled(kind media.Kind, enabled bool) error {
	s := c.Session()
	if s == nil {
		return ErrNoSession
	}

	bundle := s.Bundle()
	if bundle == nil {
		return errors.Wrap(ErrInvalidPhase, "no local media")
	}

	return bundle.SetEnabled(kind, enabled)
}

// Close hangs up and closes the relay channel.
func (c *Client) Close() error {
	if err := c.Hangup(); err != nil {
		log.Error(err)
	}

	return c.channel.Close()
}

// channelClosed ends the current session: with the relay gone nothing more
// can be negotiated, not even a bye.
func (c *Client) channelClosed() {
	s := c.Session()
	if s == nil {
		return
	}

	if err := s.end(ReasonChannelClosed, signal.ErrChannelClosed, false, nil); err != nil {
		log.Error(err)
	}
}

func (c *Client) sessionWith(remote string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || c.session.Remote() != remote {
		return nil
	}

	return c.session
}

func (c *Client) sessionConfig() sessionConfig {
	return sessionConfig{
		constraints:   c.cfg.Media,
		ringTimeout:   c.cfg.RingTimeout,
		inviteTimeout: c.cfg.InviteTimeout,
	}
}

func (c *Client) record(line string) {
	c.sink.Append(line)
	log.Debug(line)
}

func (c *Client) stateChanged(change StateChange) {
	c.handlersMu.RLock()
	h := c.stateHandler
	c.handlersMu.RUnlock()

	h(change)
}

func (c *Client) remoteMedia(remote media.Remote) {
	c.handlersMu.RLock()
	h := c.remoteMediaHandler
	c.handlersMu.RUnlock()

	h(remote)
}
