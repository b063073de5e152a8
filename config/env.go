package config

import (
	"io"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
)

const EnvPrefix = "ROVERLINK_"

type LookupFunc func(key string) (string, bool)

// LoadDotenv adds variables from .env files to process environment.
// Existing variables are not overwritten, missing files are skipped.
func LoadDotenv(names ...string) error {
	for _, name := range names {
		if _, err := os.Stat(name); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			return errors.Annotatef(err, "dotenv %s", name)
		}
	}
	return nil
}

// ParseDotenv returns lookup over .env formatted r.
func ParseDotenv(r io.Reader) (LookupFunc, error) {
	m, err := godotenv.Parse(r)
	if err != nil {
		return nil, errors.Annotate(err, "dotenv parse")
	}
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}, nil
}

// ApplyEnv overrides config with ROVERLINK_* variables, e.g. ROVERLINK_CLIENT_HOST.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	strs := []struct {
		key string
		dst *string
	}{
		{"SERVER_LISTEN", &c.Server.Listen},
		{"SERVER_PATH", &c.Server.Path},
		{"SERVER_CODEC", &c.Server.Codec},
		{"CLIENT_HOST", &c.Client.Host},
		{"CLIENT_PORT", &c.Client.Port},
		{"CLIENT_PATH", &c.Client.Path},
		{"CLIENT_CODEC", &c.Client.Codec},
		{"MIRROR_BROKER", &c.Mirror.Broker},
		{"MIRROR_CLIENT_ID", &c.Mirror.ClientID},
		{"MIRROR_USERNAME", &c.Mirror.Username},
		{"MIRROR_PASSWORD", &c.Mirror.Password},
		{"MIRROR_PREFIX", &c.Mirror.Prefix},
	}
	for _, s := range strs {
		if v, ok := lookup(EnvPrefix + s.key); ok {
			*s.dst = v
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"SERVER_QUEUE_LIMIT", &c.Server.QueueLimit},
		{"CLIENT_RETRY_DELAY_SEC", &c.Client.RetryDelaySec},
		{"CLIENT_RETRY_MAX_SEC", &c.Client.RetryMaxSec},
		{"NETWORK_TIMEOUT_SEC", &c.Network.TimeoutSec},
	}
	for _, i := range ints {
		v, ok := lookup(EnvPrefix + i.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.NotValidf("env %s%s=%q", EnvPrefix, i.key, v)
		}
		*i.dst = n
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"MIRROR_ENABLE", &c.Mirror.Enable},
		{"LOG_DEBUG", &c.LogDebug},
	}
	for _, b := range bools {
		v, ok := lookup(EnvPrefix + b.key)
		if !ok {
			continue
		}
		x, err := strconv.ParseBool(v)
		if err != nil {
			return errors.NotValidf("env %s%s=%q", EnvPrefix, b.key, v)
		}
		*b.dst = x
	}
	return nil
}
