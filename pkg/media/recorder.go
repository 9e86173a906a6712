// Recorder saves the tracks of the remote media bundle to RecorderConfig.Dir,
// or, if Dir is empty, just drains them so the transport's buffers never fill.
//
// A recording is named "${peer}-${kind}.${ext}" where ext follows the codec:
// Opus is written as Ogg, VP8 as IVF. Tracks in any other codec are drained.
//
// Saving follows the rules of versioning. If Versions is greater than 1, older
// recordings of the same name get a version number appended: the older the
// file, the greater the value. Once Versions files with the same name exist the
// oldest one is deleted and the others' numbers are incremented (see:
// shiftVersions()).

package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"zvonilka/pkg/log"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"github.com/pkg/errors"
)

var errNotDirectory = errors.New("not a directory")

type Recorder struct {
	cfg RecorderConfig
}

type RecorderConfig struct {
	Dir      string
	Versions uint16
}

type rtpWriter interface {
	WriteRTP(packet *rtp.Packet) error
	Close() error
}

func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if len(cfg.Dir) != 0 {
		fi, err := os.Stat(cfg.Dir)
		if err != nil {
			return nil, err
		}

		if !fi.IsDir() {
			return nil, errors.Wrap(errNotDirectory, cfg.Dir)
		}
	}

	if cfg.Versions == 0 {
		cfg.Versions = 1
	}

	return &Recorder{cfg: cfg}, nil
}

func (r *Recorder) Attach(remote Remote) {
	if remote.Track == nil {
		return
	}

	go r.record(remote)
}

func (r *Recorder) record(remote Remote) {
	track := remote.Track

	l := log.WithFields(log.Fields{
		"peer":  remote.Peer,
		"track": track.ID(),
		"codec": track.Codec().MimeType,
	})

	w, path, err := r.writerFor(remote)
	if err != nil {
		l.Error(err)
	}

	if w == nil {
		l.Debug("draining remote track")
		drain(track)

		return
	}

	defer func() {
		if err := w.Close(); err != nil {
			l.Error(err)
		}
	}()

	l.Info("recording remote track to ", path)

	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			return
		}

		if err := w.WriteRTP(packet); err != nil {
			l.Error(err)
			drain(track)

			return
		}
	}
}

func (r *Recorder) writerFor(remote Remote) (rtpWriter, string, error) {
	if len(r.cfg.Dir) == 0 {
		return nil, "", nil
	}

	codec := remote.Track.Codec()
	kind := remote.Track.Kind().String()

	switch {
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus):
		path := r.path(remote.Peer, kind, "ogg")
		r.shiftVersions(path)

		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}

		w, err := oggwriter.New(path, codec.ClockRate, channels)

		return w, path, err
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8):
		path := r.path(remote.Peer, kind, "ivf")
		r.shiftVersions(path)

		w, err := ivfwriter.New(path)

		return w, path, err
	}

	return nil, "", nil
}

func (r *Recorder) path(peer, kind, ext string) string {
	return filepath.Join(r.cfg.Dir, fmt.Sprintf("%s-%s.%s", sanitize(peer), kind, ext))
}

func (r *Recorder) shiftVersions(path string) {
	oldestVersion := int(r.cfg.Versions) - 1

	for i := oldestVersion; i >= 0; i-- {
		oldVersionPath := path

		if i != 0 {
			oldVersionPath += fmt.Sprintf(".%d", i)
		}

		if _, err := os.Stat(oldVersionPath); err != nil {
			if !os.IsNotExist(err) {
				log.Error(err)
			}

			continue
		}

		if i == oldestVersion {
			if err := os.Remove(oldVersionPath); err != nil {
				log.Error(err)
			}

			continue
		}

		newVersionPath := path + fmt.Sprintf(".%d", i+1)

		if err := os.Rename(oldVersionPath, newVersionPath); err != nil {
			log.Error(err)
		}
	}
}

// sanitize keeps identity keys from escaping the recording directory.
func sanitize(key string) string {
	if len(key) == 0 {
		return "unknown"
	}

	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}

		return '_'
	}, key)
}

func drain(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}
