package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"github.com/temoto/roverlink/log2"
	"github.com/temoto/roverlink/message"
	"github.com/temoto/roverlink/relay"
	"github.com/temoto/roverlink/transport"
	"github.com/temoto/roverlink/transport/ws"
	"golang.org/x/sync/errgroup"
)

// first connection fails the command after this many attempts, later reconnects are endless
const initialConnectAttempts = 5

func (a *app) clientCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "client",
		Short: "connect to server, print received messages, send console lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runClient(cmd.Context())
		},
	}
}

func (a *app) runClient(ctx context.Context) error {
	if a.config.Client.Host == "" {
		return errors.NotValidf("client.host empty")
	}
	codec, err := a.config.ClientCodec()
	if err != nil {
		return err
	}
	mir, err := a.newMirror(ctx)
	if err != nil {
		return errors.Annotate(err, "mirror")
	}
	defer mir.Close()

	m, err := relay.NewManager(relay.ManagerOptions{
		Log:            a.log,
		Dialer:         ws.NewDialer(a.wsOptions("client.ws")),
		Codec:          codec,
		NetworkTimeout: a.config.NetworkTimeout(),
		OnConnect: func(s *relay.Session) {
			a.log.Infof("client: connected %s", s)
		},
		OnDisconnect: func(reason string) {
			a.log.Infof("client: disconnected reason=%s", reason)
		},
		OnMessage: func(_ *relay.Session, msg message.Message) {
			fmt.Fprintln(os.Stdout, msg.String())
			mir.Inbound(msg)
		},
	})
	if err != nil {
		return err
	}
	defer m.Close()

	rc := reconnector{
		log:    a.log,
		m:      m,
		target: transport.Target{Host: a.config.Client.Host, Port: a.config.ClientPort(), Path: a.config.ClientPath()},
		delay:  a.config.RetryDelay(),
		max:    a.config.RetryMax(),
	}
	if err = rc.connect(ctx, initialConnectAttempts); err != nil {
		return errors.Annotatef(err, "connect %s", rc.target)
	}

	con := &console{
		log: a.log,
		out: os.Stdout,
		send: func(msg message.Message) error {
			if err := m.Send(ctx, msg); err != nil {
				return err
			}
			mir.Outbound(msg)
			return nil
		},
		stat: func() string {
			return fmt.Sprintf("connected=%t finished=%s", m.IsConnected(), m.Stat())
		},
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rc.keep(ctx) })
	g.Go(func() error { return con.run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		return m.Close()
	})
	sdnotify(daemon.SdNotifyReady)
	err = g.Wait()
	sdnotify(daemon.SdNotifyStopping)
	return err
}

// reconnector keeps Manager connected with exponential backoff.
type reconnector struct {
	log    *log2.Log
	m      *relay.Manager
	target transport.Target
	delay  time.Duration
	max    time.Duration
}

// connect tries attempts times, 0 means until ctx is done.
func (rc *reconnector) connect(ctx context.Context, attempts uint) error {
	return retry.Do(
		func() error {
			return rc.m.Connect(rc.target.Host, rc.target.Port, rc.target.Path).Wait(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(rc.delay),
		retry.MaxDelay(rc.max),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			rc.log.Errorf("client: connect %s attempt=%d: %v", rc.target, n+1, err)
		}),
	)
}

// keep waits for current session end and reconnects, until ctx is done.
func (rc *reconnector) keep(ctx context.Context) error {
	for {
		if s := rc.m.Current(); s != nil {
			select {
			case <-s.Done():
			case <-ctx.Done():
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		rc.log.Infof("client: reconnecting %s", rc.target)
		if err := rc.connect(ctx, 0); err != nil && ctx.Err() == nil {
			return err
		}
	}
}
