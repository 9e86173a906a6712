package peer

import (
	"encoding/json"
	"sync"
	"time"

	"zvonilka/pkg/call"
	"zvonilka/pkg/log"
	"zvonilka/pkg/media"
	"zvonilka/pkg/signal"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

type WebRTCConfig struct {
	STUN []string
}

// Factory builds one WebRTC transport per call session. All transports share
// a single pion API, so codecs and interceptors are registered once.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

var _ call.TransportFactory = (*Factory)(nil)

func NewFactory(cfg WebRTCConfig) (*Factory, error) {
	ice := make([]webrtc.ICEServer, len(cfg.STUN))

	for i, stun := range cfg.STUN {
		ice[i] = webrtc.ICEServer{
			URLs: []string{"stun:" + stun},
		}
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "register codecs")
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, errors.Wrap(err, "register interceptors")
	}

	settings := webrtc.SettingEngine{
		LoggerFactory: log.PionFactory{},
	}

	settings.SetICETimeouts(5*time.Second, 25*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	)

	return &Factory{
		api:    api,
		config: webrtc.Configuration{ICEServers: ice},
	}, nil
}

func (f *Factory) NewTransport() (call.Transport, error) {
	conn, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}

	p := &WebRTC{
		conn:               conn,
		events:             newDispatcher(),
		candidateHandler:   func(signal.Candidate) {},
		remoteMediaHandler: func(media.Remote) {},
		stateHandler:       func(call.TransportState) {},
	}

	p.conn.OnICECandidate(p.onConnICECandidate)
	p.conn.OnTrack(p.onConnTrack)
	p.conn.OnConnectionStateChange(p.onConnStateChange)

	go p.events.run()

	return p, nil
}

// WebRTC is a call.Transport over a pion PeerConnection. Pion callbacks are
// funneled through one dispatcher goroutine, so handlers run in the order pion
// raised them and never on the goroutine of a WebRTC method.
type WebRTC struct {
	conn   *webrtc.PeerConnection
	events *dispatcher

	handlersMx         sync.RWMutex
	candidateHandler   func(signal.Candidate)
	remoteMediaHandler func(media.Remote)
	stateHandler       func(call.TransportState)
}

var _ call.Transport = (*WebRTC)(nil)

func (p *WebRTC) AddLocalTracks(bundle *media.Bundle) error {
	for _, track := range bundle.Tracks() {
		sender, err := p.conn.AddTrack(track)
		if err != nil {
			return errors.Wrapf(err, "add %s track", track.Kind())
		}

		go readRTCP(sender)
	}

	return nil
}

func (p *WebRTC) CreateOffer() (call.Description, error) {
	offer, err := p.conn.CreateOffer(nil)
	if err != nil {
		return call.Description{}, err
	}

	return call.Description{Kind: call.DescriptionOffer, SDP: offer.SDP}, nil
}

func (p *WebRTC) CreateAnswer() (call.Description, error) {
	answer, err := p.conn.CreateAnswer(nil)
	if err != nil {
		return call.Description{}, err
	}

	return call.Description{Kind: call.DescriptionAnswer, SDP: answer.SDP}, nil
}

func (p *WebRTC) SetLocalDescription(desc call.Description) error {
	return p.conn.SetLocalDescription(sessionDescription(desc))
}

func (p *WebRTC) SetRemoteDescription(desc call.Description) error {
	return p.conn.SetRemoteDescription(sessionDescription(desc))
}

func (p *WebRTC) AddPathCandidate(candidate signal.Candidate) error {
	var init webrtc.ICECandidateInit

	if err := json.Unmarshal(candidate, &init); err != nil {
		return errors.Wrap(call.ErrInvalidCandidate, err.Error())
	}

	if err := p.conn.AddICECandidate(init); err != nil {
		return errors.Wrap(call.ErrInvalidCandidate, err.Error())
	}

	return nil
}

func (p *WebRTC) OnPathCandidate(h func(signal.Candidate)) {
	p.handlersMx.Lock()
	defer p.handlersMx.Unlock()

	p.candidateHandler = h
}

func (p *WebRTC) OnRemoteMedia(h func(media.Remote)) {
	p.handlersMx.Lock()
	defer p.handlersMx.Unlock()

	p.remoteMediaHandler = h
}

func (p *WebRTC) OnStateChange(h func(call.TransportState)) {
	p.handlersMx.Lock()
	defer p.handlersMx.Unlock()

	p.stateHandler = h
}

// Close stops handler delivery first: nothing pion raises while tearing the
// connection down reaches the handlers.
func (p *WebRTC) Close() error {
	p.events.stop()

	return p.conn.Close()
}

func (p *WebRTC) onConnICECandidate(candidate *webrtc.ICECandidate) {
	// nil marks the end of gathering.
	if candidate == nil {
		return
	}

	payload, err := json.Marshal(candidate.ToJSON())
	if err != nil {
		log.Error(err)

		return
	}

	p.events.post(func() {
		p.handlersMx.RLock()
		h := p.candidateHandler
		p.handlersMx.RUnlock()

		h(signal.Candidate(payload))
	})
}

func (p *WebRTC) onConnTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	log.Infof("remote %s track %s (%s)", track.Kind(), track.ID(), track.Codec().MimeType)

	remote := media.Remote{
		StreamID: track.StreamID(),
		Track:    track,
	}

	p.events.post(func() {
		p.handlersMx.RLock()
		h := p.remoteMediaHandler
		p.handlersMx.RUnlock()

		h(remote)
	})
}

func (p *WebRTC) onConnStateChange(state webrtc.PeerConnectionState) {
	log.Debug("connection state changed: ", state)

	st := transportState(state)

	p.events.post(func() {
		p.handlersMx.RLock()
		h := p.stateHandler
		p.handlersMx.RUnlock()

		h(st)
	})
}

func sessionDescription(desc call.Description) webrtc.SessionDescription {
	typ := webrtc.SDPTypeOffer
	if desc.Kind == call.DescriptionAnswer {
		typ = webrtc.SDPTypeAnswer
	}

	return webrtc.SessionDescription{Type: typ, SDP: desc.SDP}
}

func transportState(state webrtc.PeerConnectionState) call.TransportState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return call.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return call.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return call.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return call.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return call.TransportClosed
	default:
		return call.TransportNew
	}
}

// readRTCP consumes receiver reports for a local track. Interceptors only see
// them if somebody reads.
func readRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)

	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
