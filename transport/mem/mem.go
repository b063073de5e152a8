// Package mem is in-process transport: paired frame channels instead of sockets.
// Used in tests and to embed client and server in one process.
package mem

import (
	"context"
	"fmt"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/roverlink/transport"
)

const DefaultBuffer = 64

var ErrRefused = fmt.Errorf("connection refused")

// Network is namespace of listeners, addressed by Target.HostPort().
type Network struct {
	mu        sync.Mutex
	listeners map[string]*Acceptor
	Buffer    int
}

func NewNetwork() *Network {
	return &Network{listeners: make(map[string]*Acceptor), Buffer: DefaultBuffer}
}

func (n *Network) Listen(addr string) (*Acceptor, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[addr]; ok {
		return nil, errors.AlreadyExistsf("listener addr=%s", addr)
	}
	a := &Acceptor{
		net:      n,
		addr:     addr,
		incoming: make(chan *endpoint),
		done:     make(chan struct{}),
	}
	n.listeners[addr] = a
	return a, nil
}

func (n *Network) Dialer() *Dialer { return &Dialer{net: n} }

func (n *Network) lookup(addr string) *Acceptor {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.listeners[addr]
}

func (n *Network) remove(a *Acceptor) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners[a.addr] == a {
		delete(n.listeners, a.addr)
	}
}

type Acceptor struct {
	net      *Network
	addr     string
	incoming chan *endpoint
	done     chan struct{}
	once     sync.Once
}

var _ transport.Acceptor = &Acceptor{}

func (a *Acceptor) Accept(ctx context.Context) (transport.Link, error) {
	select {
	case e := <-a.incoming:
		return e, nil
	case <-a.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Acceptor) Addr() string { return "mem:" + a.addr }

func (a *Acceptor) Close() error {
	a.once.Do(func() {
		a.net.remove(a)
		close(a.done)
	})
	return nil
}

// Dialer Fail* fields inject errors at each connection step.
type Dialer struct {
	net           *Network
	FailResolve   error
	FailConnect   error
	FailHandshake error
}

var _ transport.Dialer = &Dialer{}

func (d *Dialer) Resolve(ctx context.Context, t transport.Target) ([]string, error) {
	if d.FailResolve != nil {
		return nil, d.FailResolve
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []string{t.HostPort()}, nil
}

func (d *Dialer) Connect(ctx context.Context, t transport.Target, addrs []string) (transport.Link, error) {
	if d.FailConnect != nil {
		return nil, d.FailConnect
	}
	for _, addr := range addrs {
		a := d.net.lookup(addr)
		if a == nil {
			continue
		}
		client, server := newPair(d.net.Buffer, "mem-client:"+addr, a.Addr())
		client.failHandshake = d.FailHandshake
		select {
		case a.incoming <- server:
			return client, nil
		case <-a.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, errors.Annotatef(ErrRefused, "target=%s", t)
}

type pipe struct {
	done chan struct{}
	once sync.Once
}

func (p *pipe) close() { p.once.Do(func() { close(p.done) }) }

// endpoint is one side of pipe, both Link and Stream.
type endpoint struct {
	p             *pipe
	in            <-chan transport.Frame
	out           chan<- transport.Frame
	ready         chan struct{}
	peerReady     <-chan struct{}
	readyOnce     sync.Once
	remote        string
	failHandshake error
}

var _ transport.Link = &endpoint{}
var _ transport.Stream = &endpoint{}

func newPair(buffer int, clientAddr, serverAddr string) (client, server *endpoint) {
	p := &pipe{done: make(chan struct{})}
	c2s := make(chan transport.Frame, buffer)
	s2c := make(chan transport.Frame, buffer)
	client = &endpoint{p: p, in: s2c, out: c2s, ready: make(chan struct{}), remote: serverAddr}
	server = &endpoint{p: p, in: c2s, out: s2c, ready: make(chan struct{}), remote: clientAddr}
	client.peerReady = server.ready
	server.peerReady = client.ready
	return client, server
}

// Handshake completes when both sides called Handshake.
func (e *endpoint) Handshake(ctx context.Context) (transport.Stream, error) {
	if e.failHandshake != nil {
		e.p.close()
		return nil, e.failHandshake
	}
	e.readyOnce.Do(func() { close(e.ready) })
	select {
	case <-e.peerReady:
		return e, nil
	case <-e.p.done:
		return nil, errors.Annotate(transport.ErrClosed, "handshake")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReadFrame returns buffered frames before reporting close.
func (e *endpoint) ReadFrame(ctx context.Context) (transport.Frame, error) {
	select {
	case f := <-e.in:
		return f, nil
	default:
	}
	select {
	case f := <-e.in:
		return f, nil
	case <-e.p.done:
		return transport.Frame{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	}
}

func (e *endpoint) WriteFrame(ctx context.Context, f transport.Frame) error {
	select {
	case <-e.p.done:
		return transport.ErrClosed
	default:
	}
	f.Data = append([]byte(nil), f.Data...)
	select {
	case e.out <- f:
		return nil
	case <-e.p.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *endpoint) Close() error {
	e.p.close()
	return nil
}

func (e *endpoint) RemoteAddr() string { return e.remote }
