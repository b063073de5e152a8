package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"github.com/temoto/roverlink/config"
	"github.com/temoto/roverlink/log2"
	"github.com/temoto/roverlink/mirror"
	"github.com/temoto/roverlink/transport/ws"
)

const appName = "roverlink"

type app struct {
	log        *log2.Log
	config     *config.Config
	configPath string
	dotenvPath string
	debug      bool
	systemd    bool
}

func main() {
	a := &app{}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := a.rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		if a.log != nil {
			a.log.Errorf("%s", errors.ErrorStack(err))
		} else {
			fmt.Fprintln(os.Stderr, errors.ErrorStack(err))
		}
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           appName,
		Short:         "rover command and telemetry relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", appName+".hcl", "config file path")
	root.PersistentFlags().StringVar(&a.dotenvPath, "dotenv", ".env", "environment file, skipped when missing")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "debug logging, same as log_debug=true")
	root.AddCommand(a.serverCmd(), a.clientCmd())
	return root
}

func (a *app) init() error {
	a.systemd = sdnotify("start")
	a.log = log2.NewStderr(log2.LInfo)
	if a.systemd {
		// journal adds timestamps
		a.log.SetFlags(log2.LServiceFlags)
	} else {
		a.log.SetFlags(log2.LInteractiveFlags)
	}

	if err := config.LoadDotenv(a.dotenvPath); err != nil {
		return err
	}
	c, err := config.ReadConfig(a.log, config.NewOsFullReader(), a.configPath)
	if err != nil {
		return errors.Annotate(err, "config")
	}
	if err = c.ApplyEnv(nil); err != nil {
		return errors.Annotate(err, "config")
	}
	if err = c.Validate(); err != nil {
		return errors.Annotate(err, "config")
	}
	if a.debug || c.LogDebug {
		a.log.SetLevel(log2.LDebug)
	}
	a.config = c
	return nil
}

func (a *app) wsOptions(tag string) ws.Options {
	l := a.log.Clone(a.log.Level())
	l.SetPrefix(tag + ": ")
	return ws.Options{
		Log:              l,
		HandshakeTimeout: a.config.NetworkTimeout(),
		PongWait:         a.config.PongWait(),
		PingInterval:     a.config.PingInterval(),
		ReadLimit:        a.config.Network.ReadLimit,
	}
}

// newMirror returns nil when disabled.
func (a *app) newMirror(ctx context.Context) (*mirror.Mirror, error) {
	mc := a.config.Mirror
	if !mc.Enable {
		return nil, nil
	}
	clientID := mc.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("%s-%d", appName, os.Getpid())
	}
	pub, err := mirror.NewMQTT(mirror.MQTTOptions{
		Log:      a.log,
		Broker:   mc.Broker,
		ClientID: clientID,
		Username: mc.Username,
		Password: mc.Password,
		Timeout:  a.config.NetworkTimeout(),
		QoS:      byte(mc.QoS),
		LogDebug: mc.LogDebug,
	})
	if err != nil {
		return nil, err
	}
	go func() {
		if err := pub.Online(ctx); err != nil {
			a.log.Debugf("mirror: online: %v", err)
		}
	}()
	return &mirror.Mirror{
		Prefix:    a.config.MirrorPrefix(),
		Publisher: pub,
		Log:       a.log,
	}, nil
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sdnotify: ", errors.ErrorStack(err))
		os.Exit(1)
	}
	return ok
}
