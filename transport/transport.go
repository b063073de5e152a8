// Package transport is the boundary between relay sessions and concrete framed network streams.
//
// Connection is established in steps, so owner can observe each:
// - Dialer.Resolve turns Target into candidate addresses
// - Dialer.Connect returns Link: connected, not yet handshaken
// - Acceptor.Accept returns Link for each incoming connection
// - Link.Handshake returns Stream ready for frames
package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
)

var ErrClosed = fmt.Errorf("transport closed")

type FrameKind uint8

const (
	FrameText FrameKind = iota + 1
	FrameBinary
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// Frame is one transport-delimited unit, carries exactly one encoded message.
type Frame struct {
	Kind FrameKind
	Data []byte
}

func (f Frame) String() string { return fmt.Sprintf("%s(%d)", f.Kind, len(f.Data)) }

// Stream is handshaken duplex frame stream.
// Callers must serialize WriteFrame. Close is idempotent and unblocks ReadFrame.
type Stream interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteFrame(ctx context.Context, f Frame) error
	Close() error
	RemoteAddr() string
}

// Link is connected peer before handshake.
type Link interface {
	Handshake(ctx context.Context) (Stream, error)
	Close() error
	RemoteAddr() string
}

type Dialer interface {
	Resolve(ctx context.Context, t Target) ([]string, error)
	Connect(ctx context.Context, t Target, addrs []string) (Link, error)
}

type Acceptor interface {
	Accept(ctx context.Context) (Link, error)
	Close() error
	Addr() string
}

type Target struct {
	Host string
	Port string
	Path string
}

func (t Target) HostPort() string { return net.JoinHostPort(t.Host, t.Port) }

func (t Target) String() string {
	path := t.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return t.HostPort() + path
}
