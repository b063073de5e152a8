// Package config reads roverlink HCL configuration.
//
// Sources are read in order, later values overwrite earlier ones.
// Any source may include others:
//
//	include "local.hcl" { optional = true }
//
// Environment variables ROVERLINK_* override file values, see ApplyEnv.
package config

import (
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/roverlink/helpers"
	"github.com/temoto/roverlink/log2"
	"github.com/temoto/roverlink/message"
)

const (
	DefaultListen         = ":9002"
	DefaultPath           = "/"
	DefaultPort           = "9002"
	DefaultNetworkTimeout = 30 * time.Second
	DefaultRetryDelay     = 1 * time.Second
	DefaultRetryMax       = 30 * time.Second
	DefaultMirrorPrefix   = "roverlink"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Server struct {
		Listen     string `hcl:"listen"`
		Path       string `hcl:"path"`
		Codec      string `hcl:"codec"`
		QueueLimit int    `hcl:"queue_limit"`
	} `hcl:"server"`
	Client struct {
		Host          string `hcl:"host"`
		Port          string `hcl:"port"`
		Path          string `hcl:"path"`
		Codec         string `hcl:"codec"`
		RetryDelaySec int    `hcl:"retry_delay_sec"`
		RetryMaxSec   int    `hcl:"retry_max_sec"`
	} `hcl:"client"`
	Network struct {
		TimeoutSec int   `hcl:"timeout_sec"`
		PingSec    int   `hcl:"ping_sec"`
		PongSec    int   `hcl:"pong_sec"`
		ReadLimit  int64 `hcl:"read_limit"`
	} `hcl:"network"`
	Mirror struct {
		Enable   bool   `hcl:"enable"`
		Broker   string `hcl:"broker"`
		ClientID string `hcl:"client_id"`
		Username string `hcl:"username"`
		Password string `hcl:"password"`
		Prefix   string `hcl:"prefix"`
		QoS      int    `hcl:"qos"`
		LogDebug bool   `hcl:"log_debug"`
	} `hcl:"mirror"`
	LogDebug bool `hcl:"log_debug"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) ServerListen() string { return stringDefault(c.Server.Listen, DefaultListen) }
func (c *Config) ServerPath() string   { return stringDefault(c.Server.Path, DefaultPath) }
func (c *Config) ClientPort() string   { return stringDefault(c.Client.Port, DefaultPort) }
func (c *Config) ClientPath() string   { return stringDefault(c.Client.Path, DefaultPath) }
func (c *Config) MirrorPrefix() string { return stringDefault(c.Mirror.Prefix, DefaultMirrorPrefix) }

func (c *Config) ServerCodec() (message.Codec, error) { return message.CodecByName(c.Server.Codec) }
func (c *Config) ClientCodec() (message.Codec, error) { return message.CodecByName(c.Client.Codec) }

func (c *Config) NetworkTimeout() time.Duration {
	return helpers.IntSecondDefault(c.Network.TimeoutSec, DefaultNetworkTimeout)
}
func (c *Config) PingInterval() time.Duration { return helpers.IntSecondDefault(c.Network.PingSec, 0) }
func (c *Config) PongWait() time.Duration     { return helpers.IntSecondDefault(c.Network.PongSec, 0) }
func (c *Config) RetryDelay() time.Duration {
	return helpers.IntSecondDefault(c.Client.RetryDelaySec, DefaultRetryDelay)
}
func (c *Config) RetryMax() time.Duration {
	return helpers.IntSecondDefault(c.Client.RetryMaxSec, DefaultRetryMax)
}

// Validate checks values that have no sane default.
func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	if _, err := c.ServerCodec(); err != nil {
		errs = append(errs, errors.Annotate(err, "server.codec"))
	}
	if _, err := c.ClientCodec(); err != nil {
		errs = append(errs, errors.Annotate(err, "client.codec"))
	}
	if c.Server.QueueLimit < 0 {
		errs = append(errs, errors.NotValidf("server.queue_limit=%d", c.Server.QueueLimit))
	}
	if c.Mirror.Enable && c.Mirror.Broker == "" {
		errs = append(errs, errors.NotValidf("mirror.enable without mirror.broker"))
	}
	if c.Mirror.QoS < 0 || c.Mirror.QoS > 2 {
		errs = append(errs, errors.NotValidf("mirror.qos=%d", c.Mirror.QoS))
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.AlreadyExistsf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig reads names in order. With OsFullReader includes are relative to first name.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if err := osfs.SetBase(dir); err != nil {
			return nil, err
		}
		names = append([]string{name}, names[1:]...)
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func stringDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
