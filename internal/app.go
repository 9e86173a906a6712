package internal

import (
	"context"
	"os"
	ossignal "os/signal"
	"sync"
	"syscall"
	"time"

	"zvonilka/pkg/call"
	"zvonilka/pkg/log"
	"zvonilka/pkg/media"
	"zvonilka/pkg/peer"
	"zvonilka/pkg/signal"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

type App struct {
	key           string
	relayURL      string
	callee        string
	autoAccept    bool
	stunServers   []string
	audio         bool
	video         bool
	audioFile     string
	videoFile     string
	recordDir     string
	fileVersions  uint16
	ringTimeout   time.Duration
	inviteTimeout time.Duration
	logLevel      string
	noConsole     bool

	channel  *signal.WebSocket
	supplier *media.Supplier
	peers    *peer.Factory
	client   *call.Client
}

func NewApp() *App {
	return &App{}
}

func (a *App) Setup() (err error) {
	a.parseCmdline()

	if err := log.SetLevel(a.logLevel); err != nil {
		return errors.Wrap(err, "log level")
	}

	if len(a.key) == 0 {
		return errors.New("identity key is required (see: --key)")
	}

	a.channel = signal.NewWebSocket(signal.WebSocketConfig{
		URL: a.relayURL,
	})

	a.supplier, err = media.NewSupplier(media.SupplierConfig{
		AudioFile:      a.audioFile,
		VideoFile:      a.videoFile,
		RecordDir:      a.recordDir,
		RecordVersions: a.fileVersions,
	})
	if err != nil {
		return errors.Wrap(err, "media supplier")
	}

	a.peers, err = peer.NewFactory(peer.WebRTCConfig{
		STUN: a.stunServers,
	})
	if err != nil {
		return errors.Wrap(err, "peer connection")
	}

	a.client = call.NewClient(call.ClientConfig{
		Media: media.Constraints{
			Audio: a.audio,
			Video: a.video,
		},
		RingTimeout:   a.ringTimeout,
		InviteTimeout: a.inviteTimeout,
	}, a.channel, a.peers, a.supplier)

	return nil
}

func (a *App) Run(ctx context.Context, cancel context.CancelFunc) error {
	log.Infof("Starting zvonilka, key: %s, relay: %s", a.key, a.relayURL)
	defer log.Info("Ending zvonilka")

	listenOS(cancel)

	a.client.OnStateChange(func(change call.StateChange) {
		a.onStateChange(ctx, change)
	})
	a.client.OnRemoteMedia(func(remote media.Remote) {
		log.Infof("receiving media from %q", remote.Peer)
	})

	if err := a.client.Register(ctx, a.key); err != nil {
		return errors.Wrap(err, "register")
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()

		a.client.Listen(ctx)
	}()

	if !a.noConsole {
		// Not waited for: a blocked stdin read must not hold up shutdown.
		go newConsole(a.client, os.Stdin, os.Stdout).run(ctx, cancel)
	}

	if len(a.callee) != 0 {
		if _, err := a.client.PlaceCall(ctx, a.callee); err != nil {
			log.Error(errors.Wrapf(err, "call %q", a.callee))
		}
	}

	<-ctx.Done()

	return a.client.Close()
}

func (a *App) onStateChange(ctx context.Context, change call.StateChange) {
	l := log.WithFields(log.Fields{
		"remote":    change.Remote,
		"direction": change.Direction.String(),
	})

	if change.Phase == call.PhaseEnded {
		l.WithField("reason", change.Reason).Info("call ended")

		return
	}

	l.Info("call ", change.Phase)

	if change.Phase == call.PhaseRinging && a.autoAccept {
		// Accept blocks on media acquisition; state callbacks must not.
		go func() {
			if err := a.client.Accept(ctx); err != nil {
				l.Error(errors.Wrap(err, "accept"))
			}
		}()
	}
}

func (a *App) parseCmdline() {
	// Identity and signaling.
	pflag.StringVarP(&a.key, "key", "k", "", "Identity key to register on the relay")
	pflag.StringVarP(&a.relayURL, "relay", "r", "ws://localhost:80/ws", "WebSocket URL of the signaling relay")
	pflag.StringVarP(&a.callee, "call", "c", "", "Identity key to call right after registering")
	pflag.BoolVarP(&a.autoAccept, "accept", "A", true, "Accept incoming calls automatically")
	pflag.StringSliceVarP(&a.stunServers, "stun", "S", []string{"stun.l.google.com:19302"}, "List of used STUN servers")

	// Local media.
	pflag.BoolVar(&a.audio, "audio", true, "Send an audio track")
	pflag.BoolVar(&a.video, "video", false, "Send a video track")
	pflag.StringVar(&a.audioFile, "audio-file", "", "Ogg/Opus file played into the audio track")
	pflag.StringVar(&a.videoFile, "video-file", "", "IVF/VP8 file played into the video track")

	// Remote media.
	pflag.StringVar(&a.recordDir, "record-dir", "", "Directory where remote tracks are recorded; remote media is discarded if empty")
	pflag.Uint16Var(&a.fileVersions, "record-versions", 1, "Number of kept recordings with the same name")

	// Timeouts.
	pflag.DurationVar(&a.ringTimeout, "ring-timeout", 30*time.Second, "Reject an unanswered incoming call after this long (0 disables)")
	pflag.DurationVar(&a.inviteTimeout, "invite-timeout", 45*time.Second, "Hang up an unanswered outgoing call after this long (0 disables)")

	// Common options.
	pflag.StringVar(&a.logLevel, "log-level", "info", "Log level: trace, debug, info, warn, error")
	pflag.BoolVar(&a.noConsole, "no-console", false, "Do not read commands from stdin")

	pflag.Parse()
}

func listenOS(cancel context.CancelFunc) {
	sigchan := make(chan os.Signal, 1)
	ossignal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigchan
		cancel()
	}()
}
