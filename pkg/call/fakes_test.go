package call

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"zvonilka/pkg/media"
	"zvonilka/pkg/signal"

	"github.com/pkg/errors"
)

// fakeChannel records every payload sent and hands it to onSend, if set.
type fakeChannel struct {
	mu     sync.Mutex
	open   bool
	closed bool
	sent   []signal.Message
	onSend func(payload []byte)

	inbound chan []byte
	done    chan struct{}
	once    sync.Once
}

var _ signal.Channel = (*fakeChannel)(nil)

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (c *fakeChannel) Open(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return signal.ErrChannelClosed
	}

	c.open = true

	return nil
}

func (c *fakeChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.open && !c.closed
}

func (c *fakeChannel) Send(payload []byte) error {
	c.mu.Lock()

	if !c.open || c.closed {
		c.mu.Unlock()

		return signal.ErrChannelClosed
	}

	var msg signal.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.mu.Unlock()

		return err
	}

	c.sent = append(c.sent, msg)
	onSend := c.onSend
	c.mu.Unlock()

	if onSend != nil {
		onSend(payload)
	}

	return nil
}

func (c *fakeChannel) Inbound() <-chan []byte { return c.inbound }
func (c *fakeChannel) Done() <-chan struct{}  { return c.done }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.once.Do(func() { close(c.done) })

	return nil
}

func (c *fakeChannel) messages() []signal.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]signal.Message(nil), c.sent...)
}

func (c *fakeChannel) actions() []signal.Action {
	var actions []signal.Action

	for _, m := range c.messages() {
		actions = append(actions, m.Action)
	}

	return actions
}

func (c *fakeChannel) count(action signal.Action) int {
	n := 0

	for _, a := range c.actions() {
		if a == action {
			n++
		}
	}

	return n
}

// fakeTransport logs every call it gets as a short op string.
type fakeTransport struct {
	id int

	mu         sync.Mutex
	ops        []string
	closed     int
	failLocal  bool
	failRemote bool
	gather     []signal.Candidate

	onCandidate func(signal.Candidate)
	onMedia     func(media.Remote)
	onState     func(TransportState)
}

var _ Transport = (*fakeTransport)(nil)

func (t *fakeTransport) op(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ops = append(t.ops, fmt.Sprintf(format, args...))
}

func (t *fakeTransport) AddLocalTracks(bundle *media.Bundle) error {
	t.op("tracks:%d", len(bundle.Tracks()))

	return nil
}

func (t *fakeTransport) CreateOffer() (Description, error) {
	t.op("create-offer")

	return Description{Kind: DescriptionOffer, SDP: fmt.Sprintf("offer-%d", t.id)}, nil
}

func (t *fakeTransport) CreateAnswer() (Description, error) {
	t.op("create-answer")

	return Description{Kind: DescriptionAnswer, SDP: fmt.Sprintf("answer-%d", t.id)}, nil
}

func (t *fakeTransport) SetLocalDescription(desc Description) error {
	t.mu.Lock()
	fail, gather, h := t.failLocal, t.gather, t.onCandidate
	t.mu.Unlock()

	if fail {
		return errors.New("local description rejected")
	}

	t.op("local:%s:%s", desc.Kind, desc.SDP)

	// Like a real transport, gathering starts here and reports elsewhere.
	if len(gather) != 0 && h != nil {
		go func() {
			for _, c := range gather {
				h(c)
			}
		}()
	}

	return nil
}

func (t *fakeTransport) SetRemoteDescription(desc Description) error {
	t.mu.Lock()
	fail := t.failRemote
	t.mu.Unlock()

	if fail {
		return errors.New("remote description rejected")
	}

	t.op("remote:%s:%s", desc.Kind, desc.SDP)

	return nil
}

func (t *fakeTransport) AddPathCandidate(c signal.Candidate) error {
	if strings.Contains(string(c), "bad") {
		return errors.Wrap(ErrInvalidCandidate, string(c))
	}

	t.op("candidate:%s", c)

	return nil
}

func (t *fakeTransport) OnPathCandidate(h func(signal.Candidate)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.onCandidate = h
}

func (t *fakeTransport) OnRemoteMedia(h func(media.Remote)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.onMedia = h
}

func (t *fakeTransport) OnStateChange(h func(TransportState)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.onState = h
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed++
	t.ops = append(t.ops, "close")

	return nil
}

func (t *fakeTransport) emitCandidate(c signal.Candidate) {
	t.mu.Lock()
	h := t.onCandidate
	t.mu.Unlock()

	h(c)
}

func (t *fakeTransport) emitMedia(r media.Remote) {
	t.mu.Lock()
	h := t.onMedia
	t.mu.Unlock()

	h(r)
}

func (t *fakeTransport) emitState(st TransportState) {
	t.mu.Lock()
	h := t.onState
	t.mu.Unlock()

	h(st)
}

func (t *fakeTransport) opLog() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]string(nil), t.ops...)
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closed
}

type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	err        error
	gather     []signal.Candidate
	failRemote bool
}

func (f *fakeFactory) NewTransport() (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	t := &fakeTransport{
		id:         len(f.transports) + 1,
		gather:     f.gather,
		failRemote: f.failRemote,
	}
	f.transports = append(f.transports, t)

	return t, nil
}

func (f *fakeFactory) all() []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*fakeTransport(nil), f.transports...)
}

func (f *fakeFactory) last(t *testing.T) *fakeTransport {
	t.Helper()

	all := f.all()
	if len(all) == 0 {
		t.Fatalf("no transport created")
	}

	return all[len(all)-1]
}

// fakeSupplier hands out real bundles. With a gate set, Acquire blocks until
// the gate is closed, announcing itself on acquiring first.
type fakeSupplier struct {
	mu        sync.Mutex
	err       error
	gate      chan struct{}
	acquiring chan struct{}
	acquired  []*media.Bundle
	released  map[*media.Bundle]int
	remotes   []media.Remote
}

func newFakeSupplier() *fakeSupplier {
	return &fakeSupplier{released: make(map[*media.Bundle]int)}
}

func (s *fakeSupplier) Acquire(ctx context.Context, c media.Constraints) (*media.Bundle, error) {
	s.mu.Lock()
	err, gate, acquiring := s.err, s.gate, s.acquiring
	s.mu.Unlock()

	if acquiring != nil {
		acquiring <- struct{}{}
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return nil, err
	}

	b, err := media.NewBundle(c)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.acquired = append(s.acquired, b)
	s.mu.Unlock()

	return b, nil
}

func (s *fakeSupplier) Release(b *media.Bundle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.released[b]++
}

func (s *fakeSupplier) AttachRemote(r media.Remote) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remotes = append(s.remotes, r)
}

func (s *fakeSupplier) bundles() []*media.Bundle {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*media.Bundle(nil), s.acquired...)
}

func (s *fakeSupplier) releases(b *media.Bundle) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.released[b]
}

func (s *fakeSupplier) remoteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.remotes)
}

// memRelay routes messages between endpoints the way the relay server does,
// but only when flushed, so no send ever runs into another client's locks.
type memRelay struct {
	mu      sync.Mutex
	clients map[string]*Client
	queue   []delivery
}

type delivery struct {
	to      string
	payload []byte
}

func newMemRelay() *memRelay {
	return &memRelay{clients: make(map[string]*Client)}
}

func (r *memRelay) route(from string, payload []byte) {
	msg, err := signal.Parse(payload)
	if err != nil {
		return
	}

	var out signal.Message

	switch msg.Action {
	case signal.ActionCall:
		out = signal.IncomingCall(from, msg.Signal)
	case signal.ActionAnswer:
		out = signal.CallAnswer(from, msg.Signal)
	case signal.ActionICE:
		out = signal.RelayedICE(from, msg.Candidate)
	case signal.ActionBye:
		out = signal.CallEnded(from)
	default:
		return
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return
	}

	r.mu.Lock()
	r.queue = append(r.queue, delivery{to: msg.To, payload: raw})
	r.mu.Unlock()
}

func (r *memRelay) pop() (delivery, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.queue) == 0 {
		return delivery{}, false
	}

	d := r.queue[0]
	r.queue = r.queue[1:]

	return d, true
}

// flush delivers queued messages, including the ones their delivery causes,
// until nothing is left.
func (r *memRelay) flush(t *testing.T) {
	t.Helper()

	for i := 0; ; i++ {
		if i > 1000 {
			t.Fatalf("relay never settled")
		}

		d, ok := r.pop()
		if !ok {
			return
		}

		r.mu.Lock()
		c := r.clients[d.to]
		r.mu.Unlock()

		if c != nil {
			_ = c.Dispatch(d.payload)
		}
	}
}

// endpoint is a registered client with all of its fakes.
type endpoint struct {
	key      string
	client   *Client
	channel  *fakeChannel
	factory  *fakeFactory
	supplier *fakeSupplier

	mu      sync.Mutex
	changes []StateChange
	remotes []media.Remote
}

func newEndpoint(t *testing.T, key string, relay *memRelay, cfg ClientConfig) *endpoint {
	t.Helper()

	if !cfg.Media.Audio && !cfg.Media.Video {
		cfg.Media = media.Constraints{Audio: true}
	}

	e := &endpoint{
		key:      key,
		channel:  newFakeChannel(),
		factory:  &fakeFactory{},
		supplier: newFakeSupplier(),
	}

	e.client = NewClient(cfg, e.channel, e.factory, e.supplier)
	e.client.OnStateChange(func(change StateChange) {
		e.mu.Lock()
		defer e.mu.Unlock()

		e.changes = append(e.changes, change)
	})
	e.client.OnRemoteMedia(func(remote media.Remote) {
		e.mu.Lock()
		defer e.mu.Unlock()

		e.remotes = append(e.remotes, remote)
	})

	if relay != nil {
		relay.mu.Lock()
		relay.clients[key] = e.client
		relay.mu.Unlock()

		e.channel.onSend = func(payload []byte) { relay.route(key, payload) }
	}

	if err := e.client.Register(context.Background(), key); err != nil {
		t.Fatalf("Register(%q): %v", key, err)
	}

	return e
}

func (e *endpoint) phases() []Phase {
	e.mu.Lock()
	defer e.mu.Unlock()

	var phases []Phase
	for _, c := range e.changes {
		phases = append(phases, c.Phase)
	}

	return phases
}

func (e *endpoint) remoteMediaCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.remotes)
}

// deliver feeds one relay-style message straight into the client.
func (e *endpoint) deliver(t *testing.T, msg signal.Message) error {
	t.Helper()

	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	return e.client.Dispatch(raw)
}

func (e *endpoint) session(t *testing.T) *Session {
	t.Helper()

	s := e.client.Session()
	if s == nil {
		t.Fatalf("%s: no session", e.key)
	}

	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)

	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}

		time.Sleep(5 * time.Millisecond)
	}
}

func candidate(name string) signal.Candidate {
	return signal.Candidate(fmt.Sprintf(`{"candidate":%q}`, name))
}
