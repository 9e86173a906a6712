package call

import (
	"context"
	"sync"
	"time"

	"zvonilka/pkg/log"
	"zvonilka/pkg/media"
	"zvonilka/pkg/signal"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// sender delivers a message to the relay. Sessions call it with their lock
// held, so it must neither block on the network nor call back into a session.
type sender interface {
	Send(msg signal.Message) error
}

type observer interface {
	stateChanged(change StateChange)
	remoteMedia(remote media.Remote)
}

type sessionConfig struct {
	constraints   media.Constraints
	ringTimeout   time.Duration
	inviteTimeout time.Duration
}

// Session is one call attempt with a single remote key. All transitions run
// under mu; media acquisition and transport Close run outside it.
type Session struct {
	id     string
	remote string
	cfg    sessionConfig
	log    *logrus.Entry

	sender     sender
	observer   observer
	media      *mediaCoordinator
	transports TransportFactory

	mu         sync.Mutex
	direction  Direction
	phase      Phase
	reason     EndReason
	err        error
	transport  Transport
	generation uint64
	bundle     *media.Bundle
	offer      string
	remoteSet  bool
	pending    candidateQueue
	stale      bool
	mediaSeen  bool
	timer      *time.Timer
	outbox     []StateChange
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Remote() string {
	return s.remote
}

func (s *Session) Direction() Direction {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.direction
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.phase
}

// Reason reports why the session ended, and the error behind it if any.
func (s *Session) Reason() (EndReason, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reason, s.err
}

// PendingCandidates is the number of remote candidates waiting for the
// remote description.
func (s *Session) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pending.len()
}

func (s *Session) Bundle() *media.Bundle {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.bundle
}

func newSession(remote string, direction Direction, cfg sessionConfig, c *Client) *Session {
	id := uuid.New().String()

	return &Session{
		id:         id,
		remote:     remote,
		cfg:        cfg,
		log:        log.WithFields(log.Fields{"session": id, "remote": remote, "direction": direction.String()}),
		sender:     c,
		observer:   c,
		media:      c.media,
		transports: c.transports,
		direction:  direction,
		phase:      PhaseIdle,
	}
}

// ring moves a fresh incoming session to Ringing with the caller's offer.
func (s *Session) ring(offer string) {
	s.mu.Lock()
	s.offer = offer
	s.setPhaseLocked(PhaseRinging)
	s.startTimerLocked(s.cfg.ringTimeout, PhaseRinging, ReasonRejected)
	s.unlockAndNotify()
}

func (s *Session) accept(ctx context.Context) error {
	s.mu.Lock()

	if s.phase != PhaseRinging {
		phase := s.phase
		s.mu.Unlock()

		if phase.Terminal() {
			return ErrSessionEnded
		}

		return errors.Wrapf(ErrInvalidPhase, "accept in %s", phase)
	}

	s.stopTimerLocked()
	s.setPhaseLocked(PhaseAnswering)
	s.unlockAndNotify()

	return s.prepare(ctx)
}

func (s *Session) reject() error {
	s.mu.Lock()
	phase := s.phase
	s.mu.Unlock()

	if phase.Terminal() {
		return nil
	}

	if phase != PhaseRinging {
		return errors.Wrapf(ErrInvalidPhase, "reject in %s", phase)
	}

	return s.end(ReasonRejected, nil, true, inPhase(PhaseRinging))
}

func (s *Session) hangup() error {
	return s.end(ReasonHangup, nil, true, nil)
}

func (s *Session) remoteHangup() {
	if err := s.end(ReasonRemoteHangup, nil, false, nil); err != nil {
		s.log.Error(err)
	}
}

// prepare acquires local media and runs the local half of the negotiation:
// an offer for an outgoing session, an answer to the stored offer otherwise.
// Acquisition is the one step that runs unlocked; if the session ended in the
// meantime the bundle goes straight back.
func (s *Session) prepare(ctx context.Context) error {
	bundle, err := s.media.acquire(ctx, s.cfg.constraints)
	if err != nil {
		s.mu.Lock()
		bye := s.direction == DirectionIncoming
		s.mu.Unlock()

		if endErr := s.end(ReasonMediaUnavailable, err, bye, nil); endErr != nil {
			s.log.Error(endErr)
		}

		return err
	}

	s.mu.Lock()

	if s.phase.Terminal() {
		s.mu.Unlock()
		s.media.release(bundle)

		return ErrSessionEnded
	}

	s.bundle = bundle

	if err := s.negotiateLocked(); err != nil {
		bye := s.direction == DirectionIncoming
		s.mu.Unlock()

		if endErr := s.end(s.reasonFor(err), err, bye, nil); endErr != nil {
			s.log.Error(endErr)
		}

		return err
	}

	s.unlockAndNotify()

	return nil
}

// negotiateLocked creates the transport, produces the local description and
// sends it. For an incoming session the stored offer is applied first and the
// pending candidates are flushed right after it.
func (s *Session) negotiateLocked() error {
	t, err := s.transports.NewTransport()
	if err != nil {
		return errors.Wrap(ErrNegotiationFailed, err.Error())
	}

	s.attachLocked(t)

	if err := t.AddLocalTracks(s.bundle); err != nil {
		return errors.Wrap(ErrNegotiationFailed, err.Error())
	}

	if s.direction == DirectionOutgoing {
		offer, err := t.CreateOffer()
		if err != nil {
			return errors.Wrap(ErrNegotiationFailed, err.Error())
		}

		if err := t.SetLocalDescription(offer); err != nil {
			return errors.Wrap(ErrNegotiationFailed, err.Error())
		}

		if err := s.sender.Send(signal.Call(s.remote, offer.SDP)); err != nil {
			return err
		}

		s.setPhaseLocked(PhaseInviting)
		s.startTimerLocked(s.cfg.inviteTimeout, PhaseInviting, ReasonNoAnswer)

		return nil
	}

	if err := s.applyRemoteLocked(Description{Kind: DescriptionOffer, SDP: s.offer}); err != nil {
		return err
	}

	answer, err := t.CreateAnswer()
	if err != nil {
		return errors.Wrap(ErrNegotiationFailed, err.Error())
	}

	if err := t.SetLocalDescription(answer); err != nil {
		return errors.Wrap(ErrNegotiationFailed, err.Error())
	}

	if err := s.sender.Send(signal.Answer(s.remote, answer.SDP)); err != nil {
		return err
	}

	s.setPhaseLocked(PhaseConnected)

	return nil
}

func (s *Session) attachLocked(t Transport) {
	s.generation++
	gen := s.generation

	s.transport = t
	s.remoteSet = false

	t.OnPathCandidate(func(c signal.Candidate) { s.onLocalCandidate(gen, c) })
	t.OnRemoteMedia(func(m media.Remote) { s.onRemoteMedia(gen, m) })
	t.OnStateChange(func(st TransportState) { s.onTransportState(gen, st) })
}

// applyRemoteLocked sets the remote description and then flushes the pending
// candidates in arrival order. A rejected candidate is discarded.
func (s *Session) applyRemoteLocked(desc Description) error {
	if err := s.transport.SetRemoteDescription(desc); err != nil {
		return errors.Wrapf(ErrNegotiationFailed, "remote %s: %s", desc.Kind, err)
	}

	s.remoteSet = true

	for _, c := range s.pending.drain() {
		if err := s.transport.AddPathCandidate(c); err != nil {
			s.log.Warn(errors.Wrap(err, "queued candidate"))
		}
	}

	return nil
}

// yield gives up our pending offer to a remote that called us at the same time
// and won the tie-break: its offer is answered instead.
func (s *Session) yield(offer string) error {
	s.mu.Lock()

	switch s.phase {
	case PhaseIdle:
		// prepare is still acquiring media and will answer instead of offering.
		s.direction = DirectionIncoming
		s.offer = offer
		s.mu.Unlock()

		return nil
	case PhaseInviting:
	default:
		s.mu.Unlock()

		return nil
	}

	s.log.Info("glare: answering the remote offer instead of ours")

	old := s.transport
	s.transport = nil
	s.direction = DirectionIncoming
	s.offer = offer
	s.stopTimerLocked()
	s.setPhaseLocked(PhaseAnswering)

	err := s.negotiateLocked()
	s.unlockAndNotify()

	if old != nil {
		if err := old.Close(); err != nil {
			s.log.Error(errors.Wrap(err, "close abandoned transport"))
		}
	}

	if err != nil {
		if endErr := s.end(s.reasonFor(err), err, true, nil); endErr != nil {
			s.log.Error(endErr)
		}

		return err
	}

	return nil
}

// keepOffer marks the session as the glare winner. The remote abandons the
// transport behind its own offer, so every candidate it sends before its
// answer belongs to that transport and is dropped.
func (s *Session) keepOffer() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase.Terminal() {
		return
	}

	s.pending.drain()
	s.stale = true
}

func (s *Session) handleAnswer(sdp string) error {
	s.mu.Lock()

	if s.phase != PhaseInviting || s.transport == nil {
		phase := s.phase
		s.mu.Unlock()

		s.log.Debugf("dropping answer in %s", phase)

		return nil
	}

	s.stale = false

	if err := s.applyRemoteLocked(Description{Kind: DescriptionAnswer, SDP: sdp}); err != nil {
		s.mu.Unlock()

		if endErr := s.end(ReasonNegotiationFailed, err, true, nil); endErr != nil {
			s.log.Error(endErr)
		}

		return err
	}

	s.stopTimerLocked()
	s.setPhaseLocked(PhaseConnected)
	s.unlockAndNotify()

	return nil
}

func (s *Session) handleCandidate(c signal.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase.Terminal() {
		return nil
	}

	if s.stale {
		s.log.Debug("dropping candidate of an abandoned offer")

		return nil
	}

	if !s.remoteSet || s.transport == nil {
		s.pending.push(c)

		return nil
	}

	if err := s.transport.AddPathCandidate(c); err != nil {
		s.log.Warn(err)

		return err
	}

	return nil
}

func (s *Session) onLocalCandidate(gen uint64, c signal.Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation || s.phase.Terminal() {
		return
	}

	if err := s.sender.Send(signal.ICE(s.remote, c)); err != nil {
		s.log.Error(errors.Wrap(err, "send candidate"))
	}
}

func (s *Session) onRemoteMedia(gen uint64, m media.Remote) {
	s.mu.Lock()

	if gen != s.generation || s.phase.Terminal() {
		s.mu.Unlock()

		return
	}

	first := !s.mediaSeen
	s.mediaSeen = true
	m.Peer = s.remote
	s.mu.Unlock()

	s.media.attachRemote(m)

	if first {
		s.observer.remoteMedia(m)
	}
}

func (s *Session) onTransportState(gen uint64, st TransportState) {
	s.mu.Lock()
	current := gen == s.generation
	s.mu.Unlock()

	if !current {
		return
	}

	s.log.Info("transport ", st)

	if st == TransportFailed {
		if err := s.end(ReasonTransportFailed, nil, true, nil); err != nil {
			s.log.Error(err)
		}
	}
}

type phaseFilter func(Phase) bool

func inPhase(phase Phase) phaseFilter {
	return func(p Phase) bool { return p == phase }
}

// end tears the session down: Ending with resources detached, an optional bye,
// transport closed and media released outside the lock, then Ended. It is a
// no-op once teardown has started, or when only matches a different phase.
func (s *Session) end(reason EndReason, cause error, bye bool, only phaseFilter) error {
	s.mu.Lock()

	if s.phase.Terminal() || (only != nil && !only(s.phase)) {
		s.mu.Unlock()

		return nil
	}

	s.stopTimerLocked()
	s.reason = reason
	s.err = cause
	s.setPhaseLocked(PhaseEnding)

	transport, bundle := s.transport, s.bundle
	s.transport, s.bundle = nil, nil
	s.generation++
	s.pending.drain()

	var sendErr error
	if bye {
		sendErr = s.sender.Send(signal.Bye(s.remote))
	}

	s.unlockAndNotify()

	if transport != nil {
		if err := transport.Close(); err != nil {
			s.log.Error(errors.Wrap(err, "close transport"))
		}
	}

	s.media.release(bundle)

	s.mu.Lock()
	s.setPhaseLocked(PhaseEnded)
	s.unlockAndNotify()

	s.log.WithField("reason", reason).Info("call ended")

	return sendErr
}

func (s *Session) reasonFor(err error) EndReason {
	if errors.Is(err, signal.ErrChannelClosed) {
		return ReasonChannelClosed
	}

	return ReasonNegotiationFailed
}

func (s *Session) startTimerLocked(d time.Duration, phase Phase, reason EndReason) {
	s.stopTimerLocked()

	if d <= 0 {
		return
	}

	s.timer = time.AfterFunc(d, func() {
		s.log.Infof("%s timed out after %s", phase, d)

		if err := s.end(reason, nil, true, inPhase(phase)); err != nil {
			s.log.Error(err)
		}
	})
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) setPhaseLocked(phase Phase) {
	if s.phase == phase {
		return
	}

	s.phase = phase
	s.log.Debug("phase ", phase)

	s.outbox = append(s.outbox, StateChange{
		SessionID: s.id,
		Remote:    s.remote,
		Direction: s.direction,
		Phase:     phase,
		Reason:    s.reason,
		Err:       s.err,
	})
}

// unlockAndNotify releases mu and only then hands the queued state changes to
// the observer, so observers may call straight back into the client.
func (s *Session) unlockAndNotify() {
	changes := s.outbox
	s.outbox = nil
	s.mu.Unlock()

	for _, change := range changes {
		s.observer.stateChanged(change)
	}
}
