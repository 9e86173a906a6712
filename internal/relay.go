package internal

import (
	"context"

	"zvonilka/pkg/log"
	"zvonilka/pkg/relay"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

type RelayApp struct {
	listen   string
	logLevel string

	server *relay.Server
}

func NewRelayApp() *RelayApp {
	return &RelayApp{}
}

func (a *RelayApp) Setup() error {
	pflag.StringVarP(&a.listen, "listen", "l", "0.0.0.0:80", "Address the relay listens on")
	pflag.StringVar(&a.logLevel, "log-level", "info", "Log level: trace, debug, info, warn, error")

	pflag.Parse()

	if err := log.SetLevel(a.logLevel); err != nil {
		return errors.Wrap(err, "log level")
	}

	a.server = relay.NewServer(relay.ServerConfig{
		Listen: a.listen,
	})

	return nil
}

func (a *RelayApp) Run(ctx context.Context, cancel context.CancelFunc) error {
	log.Infof("Starting zvonilka relay on %s", a.listen)
	defer log.Info("Ending zvonilka relay")

	listenOS(cancel)

	return a.server.Run(ctx)
}
