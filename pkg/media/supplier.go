package media

import (
	"context"
	"os"

	"zvonilka/pkg/log"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

// Remote is one track of the remote media bundle, tagged with the identity
// key of the peer that sends it.
type Remote struct {
	Peer     string
	StreamID string
	Track    *webrtc.TrackRemote
}

// Supplier hands out local bundles backed by optional Ogg/Opus and IVF/VP8
// files and takes care of remote tracks through a Recorder. A requested kind
// with no file configured still gets a negotiated, silent track.
type Supplier struct {
	cfg SupplierConfig

	recorder *Recorder
}

type SupplierConfig struct {
	AudioFile      string
	VideoFile      string
	RecordDir      string
	RecordVersions uint16
}

func NewSupplier(cfg SupplierConfig) (*Supplier, error) {
	// A bad path would otherwise only surface once a call is already up.
	for _, path := range []string{cfg.AudioFile, cfg.VideoFile} {
		if len(path) == 0 {
			continue
		}

		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
	}

	recorder, err := NewRecorder(RecorderConfig{
		Dir:      cfg.RecordDir,
		Versions: cfg.RecordVersions,
	})
	if err != nil {
		return nil, err
	}

	return &Supplier{
		cfg:      cfg,
		recorder: recorder,
	}, nil
}

func (s *Supplier) Acquire(ctx context.Context, c Constraints) (*Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b, err := NewBundle(c)
	if err != nil {
		return nil, err
	}

	if c.Audio && len(s.cfg.AudioFile) != 0 {
		if err := s.start(b, s.cfg.AudioFile, b.playOgg); err != nil {
			b.stop()

			return nil, err
		}
	}

	if c.Video && len(s.cfg.VideoFile) != 0 {
		if err := s.start(b, s.cfg.VideoFile, b.playIVF); err != nil {
			b.stop()

			return nil, err
		}
	}

	log.WithFields(log.Fields{
		"bundle": b.ID,
		"audio":  c.Audio,
		"video":  c.Video,
	}).Info("local media acquired")

	return b, nil
}

func (s *Supplier) start(b *Bundle, path string, play func(*os.File) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(ErrUnavailable, err.Error())
	}

	if err := play(f); err != nil {
		f.Close()

		return errors.Wrap(ErrUnavailable, err.Error())
	}

	return nil
}

func (s *Supplier) Release(b *Bundle) {
	if b.stop() {
		log.WithFields(log.Fields{"bundle": b.ID}).Info("local media released")
	}
}

func (s *Supplier) AttachRemote(r Remote) {
	s.recorder.Attach(r)
}
