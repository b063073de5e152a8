// Package ws is WebSocket transport over gorilla/websocket.
// One transport.Frame is one WebSocket data message, text or binary.
package ws

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/temoto/roverlink/helpers"
	"github.com/temoto/roverlink/log2"
	"github.com/temoto/roverlink/transport"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteWait        = 10 * time.Second
	DefaultPongWait         = 60 * time.Second
	DefaultReadLimit        = 64 << 10
)

type Options struct {
	Log              *log2.Log
	Stat             *Stat
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	// peer is considered gone when nothing, including pong, was received for PongWait
	PongWait time.Duration
	// default is 90% of PongWait
	PingInterval time.Duration
	ReadLimit    int64
}

func (o *Options) setDefaults() {
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.WriteWait == 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.PongWait == 0 {
		o.PongWait = DefaultPongWait
	}
	if o.PingInterval == 0 {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.ReadLimit == 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.Stat == nil {
		o.Stat = &Stat{}
	}
}

// Stat counts payload bytes of data messages, shared by all streams of Dialer or Acceptor.
type Stat struct {
	Recv expvar.Int
	Send expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"recv.size":%d,"send.size":%d}`, s.Recv.Value(), s.Send.Value())
}

type stream struct {
	ws   *websocket.Conn
	opt  Options
	done chan struct{}
	once sync.Once
}

var _ transport.Stream = &stream{}

func newStream(conn *websocket.Conn, opt Options) *stream {
	s := &stream{ws: conn, opt: opt, done: make(chan struct{})}
	conn.SetReadLimit(opt.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(opt.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opt.PongWait))
	})
	go s.pinger()
	return s
}

func (s *stream) pinger() {
	t := time.NewTicker(s.opt.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opt.WriteWait)); err != nil {
				s.opt.Log.Debugf("ws ping remote=%s err=%v", s.RemoteAddr(), err)
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *stream) ReadFrame(ctx context.Context) (transport.Frame, error) {
	if ctx.Done() != nil {
		// gorilla read can only be interrupted by deadline
		stop := context.AfterFunc(ctx, func() { _ = s.ws.SetReadDeadline(time.Unix(1, 0)) })
		defer stop()
	}
	for {
		mt, r, err := s.ws.NextReader()
		if err != nil {
			return transport.Frame{}, s.readError(ctx, err)
		}
		var kind transport.FrameKind
		switch mt {
		case websocket.TextMessage:
			kind = transport.FrameText
		case websocket.BinaryMessage:
			kind = transport.FrameBinary
		default:
			continue
		}
		data, err := io.ReadAll(helpers.NewStatReader(r, &s.opt.Stat.Recv, 0))
		if err != nil {
			return transport.Frame{}, s.readError(ctx, err)
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(s.opt.PongWait))
		return transport.Frame{Kind: kind, Data: data}, nil
	}
}

func (s *stream) readError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	select {
	case <-s.done:
		return transport.ErrClosed
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return transport.ErrClosed
	}
	if neterr, ok := errors.Cause(err).(net.Error); ok && neterr.Timeout() {
		return errors.Annotatef(err, "ws read timeout pong_wait=%v", s.opt.PongWait)
	}
	return errors.Annotate(err, "ws read")
}

func (s *stream) WriteFrame(ctx context.Context, f transport.Frame) error {
	select {
	case <-s.done:
		return transport.ErrClosed
	default:
	}
	mt := websocket.TextMessage
	if f.Kind == transport.FrameBinary {
		mt = websocket.BinaryMessage
	}
	deadline := time.Now().Add(s.opt.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.ws.SetWriteDeadline(deadline); err != nil {
		return errors.Annotate(err, "ws SetWriteDeadline")
	}
	w, err := s.ws.NextWriter(mt)
	if err != nil {
		return errors.Annotate(err, "ws write")
	}
	if err = helpers.WriteAll(helpers.NewStatWriter(w, &s.opt.Stat.Send, 0), f.Data); err != nil {
		_ = w.Close()
		return errors.Annotate(err, "ws write")
	}
	return errors.Annotate(w.Close(), "ws write flush")
}

// Close sends close message and closes connection.
func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		_ = s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.opt.WriteWait))
		err = s.ws.Close()
	})
	return err
}

func (s *stream) RemoteAddr() string { return s.ws.RemoteAddr().String() }

// Dialer is client side of WebSocket transport.
type Dialer struct {
	Options
	Resolver *net.Resolver
}

var _ transport.Dialer = &Dialer{}

func NewDialer(opt Options) *Dialer {
	opt.setDefaults()
	return &Dialer{Options: opt, Resolver: net.DefaultResolver}
}

func (d *Dialer) Resolve(ctx context.Context, t transport.Target) ([]string, error) {
	if net.ParseIP(t.Host) != nil {
		return []string{t.HostPort()}, nil
	}
	hosts, err := d.Resolver.LookupHost(ctx, t.Host)
	if err != nil {
		return nil, errors.Annotatef(err, "resolve host=%s", t.Host)
	}
	addrs := make([]string, len(hosts))
	for i, h := range hosts {
		addrs[i] = net.JoinHostPort(h, t.Port)
	}
	return addrs, nil
}

// Connect returns Link for first address accepting TCP connection.
func (d *Dialer) Connect(ctx context.Context, t transport.Target, addrs []string) (transport.Link, error) {
	if len(addrs) == 0 {
		return nil, errors.NotFoundf("addresses for target=%s", t)
	}
	nd := net.Dialer{Timeout: d.HandshakeTimeout}
	errs := make([]error, 0, len(addrs))
	for _, addr := range addrs {
		conn, err := nd.DialContext(ctx, "tcp", addr)
		if err == nil {
			return &clientLink{conn: conn, target: t, opt: d.Options}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, err)
	}
	return nil, errors.Annotatef(helpers.FoldErrors(errs), "connect target=%s", t)
}

type clientLink struct {
	conn   net.Conn
	target transport.Target
	opt    Options
}

func (l *clientLink) Handshake(ctx context.Context) (transport.Stream, error) {
	d := websocket.Dialer{
		HandshakeTimeout: l.opt.HandshakeTimeout,
		NetDialContext: func(context.Context, string, string) (net.Conn, error) {
			return l.conn, nil
		},
	}
	conn, resp, err := d.DialContext(ctx, "ws://"+l.target.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		_ = l.conn.Close()
		if resp != nil {
			return nil, errors.Annotatef(err, "ws handshake status=%s", resp.Status)
		}
		return nil, errors.Annotate(err, "ws handshake")
	}
	return newStream(conn, l.opt), nil
}

func (l *clientLink) Close() error       { return l.conn.Close() }
func (l *clientLink) RemoteAddr() string { return l.conn.RemoteAddr().String() }

// Acceptor is server side of WebSocket transport.
// HTTP requests on path wait in Accept queue until Link.Handshake or Close.
type Acceptor struct {
	opt      Options
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	pending  chan *serverLink
	done     chan struct{}
	once     sync.Once
	served   chan struct{}
}

var _ transport.Acceptor = &Acceptor{}

func Listen(addr, path string, opt Options) (*Acceptor, error) {
	opt.setDefaults()
	if path == "" {
		path = "/"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "listen addr=%s", addr)
	}
	a := &Acceptor{
		opt: opt,
		ln:  ln,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: opt.HandshakeTimeout,
			// rover links are not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pending: make(chan *serverLink),
		done:    make(chan struct{}),
		served:  make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, a.handle)
	a.srv = &http.Server{Handler: mux, ReadHeaderTimeout: opt.HandshakeTimeout}
	go func() {
		defer close(a.served)
		if err := a.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.opt.Log.Errorf("ws serve addr=%s err=%v", a.Addr(), err)
		}
	}()
	return a, nil
}

func (a *Acceptor) Accept(ctx context.Context) (transport.Link, error) {
	select {
	case l := <-a.pending:
		return l, nil
	case <-a.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Acceptor) Addr() string { return a.ln.Addr().String() }
func (a *Acceptor) Stat() *Stat  { return a.opt.Stat }

// Close stops listening. Already handshaken streams are not affected.
func (a *Acceptor) Close() error {
	var err error
	a.once.Do(func() {
		close(a.done)
		err = a.srv.Close()
		<-a.served
	})
	return errors.Annotate(err, "ws acceptor close")
}

func (a *Acceptor) handle(w http.ResponseWriter, r *http.Request) {
	l := &serverLink{a: a, w: w, r: r, finished: make(chan struct{})}
	select {
	case a.pending <- l:
	case <-a.done:
		http.Error(w, "server is closing", http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		return
	}
	select {
	case <-l.finished:
	case <-a.done:
		l.finish(func() { http.Error(w, "server is closing", http.StatusServiceUnavailable) })
	case <-r.Context().Done():
		l.finish(nil)
	}
}

type serverLink struct {
	a        *Acceptor
	w        http.ResponseWriter
	r        *http.Request
	mu       sync.Mutex
	used     bool
	finished chan struct{}
}

// finish runs f unless link was already used, then releases HTTP handler.
func (l *serverLink) finish(f func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.used {
		return false
	}
	l.used = true
	if f != nil {
		f()
	}
	close(l.finished)
	return true
}

func (l *serverLink) Handshake(ctx context.Context) (transport.Stream, error) {
	var conn *websocket.Conn
	var err error
	ok := l.finish(func() {
		conn, err = l.a.upgrader.Upgrade(l.w, l.r, nil)
	})
	if !ok {
		return nil, errors.Annotate(transport.ErrClosed, "ws handshake")
	}
	if err != nil {
		return nil, errors.Annotate(err, "ws upgrade")
	}
	return newStream(conn, l.a.opt), nil
}

func (l *serverLink) Close() error {
	l.finish(func() { http.Error(l.w, "rejected", http.StatusServiceUnavailable) })
	return nil
}

func (l *serverLink) RemoteAddr() string { return l.r.RemoteAddr }
