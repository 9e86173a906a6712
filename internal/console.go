package internal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"zvonilka/pkg/call"
	"zvonilka/pkg/log"
	"zvonilka/pkg/media"

	"github.com/pkg/errors"
)

var errQuit = errors.New("quit")

const consoleHelp = `commands:
  call <key>          place a call
  accept              accept the ringing call
  reject              reject the ringing call
  hangup              end the current call
  mute|unmute <kind>  toggle local audio or video
  status              show the current call
  log                 show sent and received messages
  quit                hang up and exit`

// console drives a Client from line-oriented text commands.
type console struct {
	client *call.Client
	in     io.Reader
	out    io.Writer
}

func newConsole(client *call.Client, in io.Reader, out io.Writer) *console {
	return &console{client: client, in: in, out: out}
}

func (c *console) run(ctx context.Context, cancel context.CancelFunc) {
	scanner := bufio.NewScanner(c.in)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		err := c.exec(ctx, scanner.Text())
		if errors.Is(err, errQuit) {
			cancel()

			return
		}

		if err != nil {
			fmt.Fprintln(c.out, "error:", err)
		}
	}

	if err := scanner.Err(); err != nil {
		log.Error(errors.Wrap(err, "console"))
	}
}

func (c *console) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "call":
		if len(args) != 1 {
			return errors.New("usage: call <key>")
		}

		// PlaceCall may wait on media; keep reading commands meanwhile.
		go func() {
			if _, err := c.client.PlaceCall(ctx, args[0]); err != nil {
				fmt.Fprintln(c.out, "error:", err)
			}
		}()

		return nil
	case "accept":
		go func() {
			if err := c.client.Accept(ctx); err != nil {
				fmt.Fprintln(c.out, "error:", err)
			}
		}()

		return nil
	case "reject":
		return c.client.Reject()
	case "hangup":
		return c.client.Hangup()
	case "mute", "unmute":
		if len(args) != 1 {
			return errors.Errorf("usage: %s audio|video", cmd)
		}

		kind := media.Kind(strings.ToLower(args[0]))
		if kind != media.KindAudio && kind != media.KindVideo {
			return errors.Errorf("unknown track kind %q", args[0])
		}

		return c.client.SetTrackEnabled(kind, cmd == "unmute")
	case "status":
		c.status()

		return nil
	case "log":
		for _, l := range c.client.Log() {
			fmt.Fprintln(c.out, l)
		}

		return nil
	case "help", "?":
		fmt.Fprintln(c.out, consoleHelp)

		return nil
	case "quit", "exit":
		return errQuit
	}

	return errors.Errorf("unknown command %q (try help)", cmd)
}

func (c *console) status() {
	s := c.client.Session()
	if s == nil {
		fmt.Fprintln(c.out, "no call")

		return
	}

	reason, err := s.Reason()

	switch {
	case err != nil:
		fmt.Fprintf(c.out, "%s call with %s: %s (%s: %s)\n", s.Direction(), s.Remote(), s.Phase(), reason, err)
	case reason != call.ReasonNone:
		fmt.Fprintf(c.out, "%s call with %s: %s (%s)\n", s.Direction(), s.Remote(), s.Phase(), reason)
	default:
		fmt.Fprintf(c.out, "%s call with %s: %s\n", s.Direction(), s.Remote(), s.Phase())
	}
}
