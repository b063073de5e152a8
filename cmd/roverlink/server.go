package main

import (
	"context"
	"fmt"
	"os"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"github.com/temoto/roverlink/message"
	"github.com/temoto/roverlink/queue"
	"github.com/temoto/roverlink/relay"
	"github.com/temoto/roverlink/transport/ws"
	"golang.org/x/sync/errgroup"
)

func (a *app) serverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "accept rover sessions, relay operator commands from queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runServer(cmd.Context())
		},
	}
}

func (a *app) runServer(ctx context.Context) error {
	codec, err := a.config.ServerCodec()
	if err != nil {
		return err
	}
	q := queue.New(queue.Options{Log: a.log, Limit: a.config.Server.QueueLimit})
	mir, err := a.newMirror(ctx)
	if err != nil {
		return errors.Annotate(err, "mirror")
	}
	defer mir.Close()

	acceptor, err := ws.Listen(a.config.ServerListen(), a.config.ServerPath(), a.wsOptions("server.ws"))
	if err != nil {
		return err
	}
	l := relay.NewListener(relay.ListenerOptions{
		Log:            a.log,
		Queue:          q,
		Codec:          codec,
		NetworkTimeout: a.config.NetworkTimeout(),
		OnConnect: func(s *relay.Session) {
			a.log.Infof("server: connected %s", s)
		},
		OnDisconnect: func(s *relay.Session, err error) {
			a.log.Infof("server: disconnected %s reason=%s", s, relay.ReasonString(err))
		},
		OnMessage: func(s *relay.Session, m message.Message) {
			a.log.Infof("server: recv %s %s", s.ID(), m)
			mir.Inbound(m)
		},
	})
	con := &console{
		log: a.log,
		out: os.Stdout,
		send: func(m message.Message) error {
			if !q.Push(m) {
				return fmt.Errorf("queue full size=%d", q.Size())
			}
			mir.Outbound(m)
			return nil
		},
		stat: func() string {
			return fmt.Sprintf("sessions=%d queue=%d queue.stat=%s finished=%s ws=%s",
				l.Len(), q.Size(), q.Stat(), l.Stat(), acceptor.Stat())
		},
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.Serve(ctx, acceptor) })
	g.Go(func() error { return con.run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		q.Close()
		return l.Close()
	})
	a.log.Infof("server: listening %s path=%s codec=%s", acceptor.Addr(), a.config.ServerPath(), codec.Name())
	sdnotify(daemon.SdNotifyReady)
	err = g.Wait()
	sdnotify(daemon.SdNotifyStopping)
	return err
}
