package transport_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/temoto/roverlink/transport"
)

func TestTarget(t *testing.T) {
	t.Parallel()
	cases := []struct {
		target   transport.Target
		hostport string
		expect   string
	}{
		{transport.Target{"rover.local", "9002", "/"}, "rover.local:9002", "rover.local:9002/"},
		{transport.Target{"127.0.0.1", "80", "relay"}, "127.0.0.1:80", "127.0.0.1:80/relay"},
		{transport.Target{"::1", "9002", ""}, "[::1]:9002", "[::1]:9002/"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.expect, func(t *testing.T) {
			assert.Equal(t, c.hostport, c.target.HostPort())
			assert.Equal(t, c.expect, c.target.String())
		})
	}
}

func TestFrameString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "text(5)", transport.Frame{Kind: transport.FrameText, Data: []byte("0 -1 ")}.String())
	assert.Equal(t, "binary(0)", transport.Frame{Kind: transport.FrameBinary}.String())
	assert.Equal(t, "unknown(9)", transport.FrameKind(9).String())
}
