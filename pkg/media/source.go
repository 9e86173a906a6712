package media

import (
	"context"
	"io"
	"os"
	"time"

	"zvonilka/pkg/log"

	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"github.com/pkg/errors"
)

const (
	opusSampleRate    = 48000
	oggPageDuration   = 20 * time.Millisecond
	defaultFrameDelay = 33 * time.Millisecond
)

// playOgg feeds Ogg/Opus pages from f into the bundle's audio track until the
// file ends or the bundle is released.
func (b *Bundle) playOgg(f *os.File) error {
	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		return errors.Wrap(err, "ogg header")
	}

	t := b.audio

	b.run(func(ctx context.Context) {
		defer f.Close()

		ticker := time.NewTicker(oggPageDuration)
		defer ticker.Stop()

		var lastGranule uint64

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			page, header, err := ogg.ParseNextPage()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Error(errors.Wrap(err, "ogg page"))
				}

				return
			}

			samples := float64(header.GranulePosition - lastGranule)
			lastGranule = header.GranulePosition

			if !t.enabled.Load() {
				continue
			}

			duration := time.Duration(samples / opusSampleRate * float64(time.Second))

			if err := t.local.WriteSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil {
				log.Error(errors.Wrap(err, "write audio sample"))

				return
			}
		}
	})

	return nil
}

// playIVF feeds VP8 frames from f into the bundle's video track at the frame
// rate announced by the IVF header.
func (b *Bundle) playIVF(f *os.File) error {
	ivf, header, err := ivfreader.NewWith(f)
	if err != nil {
		return errors.Wrap(err, "ivf header")
	}

	delay := defaultFrameDelay
	if header.TimebaseDenominator != 0 && header.TimebaseNumerator != 0 {
		delay = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}

	t := b.video

	b.run(func(ctx context.Context) {
		defer f.Close()

		ticker := time.NewTicker(delay)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			frame, _, err := ivf.ParseNextFrame()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Error(errors.Wrap(err, "ivf frame"))
				}

				return
			}

			if !t.enabled.Load() {
				continue
			}

			if err := t.local.WriteSample(pionmedia.Sample{Data: frame, Duration: delay}); err != nil {
				log.Error(errors.Wrap(err, "write video sample"))

				return
			}
		}
	})

	return nil
}
