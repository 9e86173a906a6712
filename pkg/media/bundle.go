package media

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Constraints selects which local tracks a bundle should carry.
type Constraints struct {
	Audio bool
	Video bool
}

// Bundle is the set of outgoing tracks of this endpoint. Transports attach the
// tracks but never own them; the bundle stops feeding them when released.
type Bundle struct {
	ID string

	audio *track
	video *track

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	released atomic.Bool
}

type track struct {
	local   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
}

// NewBundle creates a bundle with one track per requested kind. The tracks
// carry no samples until a source is started on them.
func NewBundle(c Constraints) (*Bundle, error) {
	if !c.Audio && !c.Video {
		return nil, errors.Wrap(ErrUnavailable, "neither audio nor video requested")
	}

	id := uuid.New().String()

	b := &Bundle{ID: id}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	if c.Audio {
		t, err := newTrack(webrtc.MimeTypeOpus, "audio", id)
		if err != nil {
			return nil, err
		}

		b.audio = t
	}

	if c.Video {
		t, err := newTrack(webrtc.MimeTypeVP8, "video", id)
		if err != nil {
			return nil, err
		}

		b.video = t
	}

	return b, nil
}

func newTrack(mimeType, id, streamID string) (*track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, id, streamID)
	if err != nil {
		return nil, errors.Wrap(err, "create local track")
	}

	t := &track{local: local}
	t.enabled.Store(true)

	return t, nil
}

// Tracks lists the local tracks, audio first.
func (b *Bundle) Tracks() []webrtc.TrackLocal {
	var tracks []webrtc.TrackLocal

	if b.audio != nil {
		tracks = append(tracks, b.audio.local)
	}

	if b.video != nil {
		tracks = append(tracks, b.video.local)
	}

	return tracks
}

func (b *Bundle) Has(kind Kind) bool {
	return b.track(kind) != nil
}

// SetEnabled mutes or unmutes one kind. A muted track stays negotiated but
// stops carrying samples.
func (b *Bundle) SetEnabled(kind Kind, enabled bool) error {
	t := b.track(kind)
	if t == nil {
		return errors.Errorf("bundle has no %s track", kind)
	}

	t.enabled.Store(enabled)

	return nil
}

func (b *Bundle) Enabled(kind Kind) bool {
	t := b.track(kind)

	return t != nil && t.enabled.Load()
}

func (b *Bundle) Released() bool {
	return b.released.Load()
}

func (b *Bundle) track(kind Kind) *track {
	switch kind {
	case KindAudio:
		return b.audio
	case KindVideo:
		return b.video
	}

	return nil
}

// stop ends every source goroutine and waits for them. It reports false when
// the bundle was already stopped.
func (b *Bundle) stop() bool {
	if !b.released.CompareAndSwap(false, true) {
		return false
	}

	b.cancel()
	b.wg.Wait()

	return true
}

func (b *Bundle) run(fn func(ctx context.Context)) {
	b.wg.Add(1)

	go func() {
		defer b.wg.Done()

		fn(b.ctx)
	}()
}
