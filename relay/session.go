package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/roverlink/helpers"
	"github.com/temoto/roverlink/helpers/atomic_clock"
	"github.com/temoto/roverlink/log2"
	"github.com/temoto/roverlink/message"
	"github.com/temoto/roverlink/queue"
	"github.com/temoto/roverlink/transport"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	DefaultInboxSize      = 64
)

var (
	ErrClosing     = fmt.Errorf("closing")
	ErrNotActive   = fmt.Errorf("session is not active")
	ErrSessionUsed = fmt.Errorf("session already run, create new one to reconnect")
)

type SessionOptions struct {
	Log *log2.Log
	// relay-out source, optional
	Queue *queue.Queue
	// outbound encoding, default message.Text; inbound is decoded by frame kind
	Codec message.Codec

	// Callbacks run on session goroutines and must not call Close, use Stop.
	OnMessage     func(*Session, message.Message)
	OnRaw         func(*Session, transport.Frame)
	OnDecodeError func(*Session, transport.Frame, error)
	OnConnect     func(*Session)
	// reason is nil after local Close
	OnDisconnect func(*Session, error)
	OnState      func(s *Session, from, to State)

	// limits each connection step and each frame write
	NetworkTimeout time.Duration
	InboxSize      int
}

func (opt *SessionOptions) setDefaults() {
	if opt.Codec == nil {
		opt.Codec = message.Text
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.InboxSize <= 0 {
		opt.InboxSize = DefaultInboxSize
	}
}

// Session is one connection lifecycle, see package doc for states.
// Session runs once, create new one to reconnect.
type Session struct {
	id     string
	opt    SessionOptions
	alive  *alive.Alive // active phase goroutines
	state  int32
	run    int32
	reason helpers.AtomicError
	last   atomic_clock.Clock
	stat   SessionStat
	done   chan struct{}
	result error // valid after done

	stlk sync.Mutex // protects state transitions and pending OnState notifications
	// delivered by one goroutine at a time, in transition order
	transitions [][2]State
	notifying   bool
	notified    *sync.Cond // broadcast when notifying ends

	// client
	dialer transport.Dialer
	target transport.Target
	// server
	link transport.Link

	mu       sync.Mutex // protects fields below
	stopping bool
	cancel   context.CancelFunc
	stream   transport.Stream
	remote   string

	wlk sync.Mutex // serializes frame writes
}

const (
	runNew int32 = iota
	runStarted
	runClosedUnused
)

func newSession(opt SessionOptions) *Session {
	opt.setDefaults()
	s := &Session{
		id:    uuid.NewString(),
		opt:   opt,
		alive: alive.NewAlive(),
		done:  make(chan struct{}),
	}
	s.notified = sync.NewCond(&s.stlk)
	return s
}

func NewClientSession(dialer transport.Dialer, target transport.Target, opt SessionOptions) *Session {
	s := newSession(opt)
	s.dialer = dialer
	s.target = target
	s.remote = target.String()
	return s
}

func NewServerSession(link transport.Link, opt SessionOptions) *Session {
	s := newSession(opt)
	s.link = link
	s.remote = link.RemoteAddr()
	return s
}

func (s *Session) ID() string                   { return s.id }
func (s *Session) State() State                 { return State(atomic.LoadInt32(&s.state)) }
func (s *Session) IsConnected() bool            { return s.State() == StateActive }
func (s *Session) Done() <-chan struct{}        { return s.done }
func (s *Session) Stat() *SessionStat           { return &s.stat }
func (s *Session) SinceLastRecv() time.Duration { return atomic_clock.Since(&s.last) }

// Err returns disconnect reason after Done, nil before Done or after local close.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.result
	default:
		return nil
	}
}

func (s *Session) RemoteAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *Session) String() string {
	return fmt.Sprintf("(id=%s remote=%s state=%s)", s.id, s.RemoteAddr(), s.State())
}

// Run drives session from Idle to Closed on calling goroutine.
// Returns disconnect reason, nil after local Close.
func (s *Session) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.run, runNew, runStarted) {
		if atomic.LoadInt32(&s.run) == runClosedUnused {
			return ErrClosing
		}
		return ErrSessionUsed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		cancel()
	}

	stream, err := s.establish(ctx)
	if err == nil {
		err = s.active(ctx, stream)
	}
	return s.finish(err)
}

// Stop requests close and returns immediately. Safe to call from callbacks.
func (s *Session) Stop() {
	if atomic.CompareAndSwapInt32(&s.run, runNew, runClosedUnused) {
		s.mu.Lock()
		s.stopping = true
		s.mu.Unlock()
		s.setState(StateClosing)
		s.setState(StateClosed)
		s.waitNotified()
		close(s.done)
		return
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	cancel, stream := s.cancel, s.stream
	s.mu.Unlock()

	s.setState(StateClosing)
	if cancel != nil {
		cancel()
	}
	if stream != nil {
		_ = stream.Close()
	}
}

// Close stops session and waits until Closed.
// Must not be called from session callbacks, use Stop there.
func (s *Session) Close() error {
	s.Stop()
	<-s.done
	return nil
}

// Send encodes m with session codec and writes one frame.
// Safe for concurrent use with relay-out and other Send calls.
func (s *Session) Send(ctx context.Context, m message.Message) error {
	f, err := message.EncodeFrame(s.opt.Codec, m)
	if err != nil {
		return errors.Trace(err)
	}
	return s.SendFrame(ctx, f)
}

func (s *Session) SendFrame(ctx context.Context, f transport.Frame) error {
	if s.State() != StateActive {
		return ErrNotActive
	}
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return ErrNotActive
	}
	if err := s.write(ctx, stream, f); err != nil {
		err = errors.Annotatef(err, "send %s", s.id)
		s.fail(err)
		return err
	}
	return nil
}

// setState notifies OnState without holding stlk, so callbacks may Stop.
// Transitions made by a callback are delivered after it returns, in order.
func (s *Session) setState(to State) bool {
	s.stlk.Lock()
	from := s.State()
	if !from.CanTransition(to) {
		s.stlk.Unlock()
		return false
	}
	atomic.StoreInt32(&s.state, int32(to))
	s.transitions = append(s.transitions, [2]State{from, to})
	if s.notifying {
		s.stlk.Unlock()
		return true
	}
	s.notifying = true
	for len(s.transitions) > 0 {
		t := s.transitions[0]
		s.transitions = s.transitions[1:]
		s.stlk.Unlock()
		s.opt.Log.Debugf("session %s state %s -> %s", s.id, t[0], t[1])
		if s.opt.OnState != nil {
			s.opt.OnState(s, t[0], t[1])
		}
		s.stlk.Lock()
	}
	s.notifying = false
	s.notified.Broadcast()
	s.stlk.Unlock()
	return true
}

// waitNotified blocks until OnState delivered every transition, including ones
// queued by another goroutine.
func (s *Session) waitNotified() {
	s.stlk.Lock()
	for s.notifying {
		s.notified.Wait()
	}
	s.stlk.Unlock()
}

// step moves to state or returns ErrClosing when session is stopping.
func (s *Session) step(to State) error {
	if !s.setState(to) {
		return errors.Annotatef(ErrClosing, "state %s -> %s", s.State(), to)
	}
	return nil
}

func (s *Session) establish(ctx context.Context) (transport.Stream, error) {
	link := s.link
	if link != nil {
		if err := s.step(StateAccepting); err != nil {
			_ = link.Close()
			return nil, err
		}
	} else {
		if err := s.step(StateResolving); err != nil {
			return nil, err
		}
		stepCtx, cancel := context.WithTimeout(ctx, s.opt.NetworkTimeout)
		addrs, err := s.dialer.Resolve(stepCtx, s.target)
		cancel()
		if err != nil {
			return nil, errors.Annotatef(err, "resolve %s", s.target)
		}

		if err = s.step(StateConnecting); err != nil {
			return nil, err
		}
		stepCtx, cancel = context.WithTimeout(ctx, s.opt.NetworkTimeout)
		link, err = s.dialer.Connect(stepCtx, s.target, addrs)
		cancel()
		if err != nil {
			return nil, errors.Annotatef(err, "connect %s", s.target)
		}
		s.mu.Lock()
		s.remote = link.RemoteAddr()
		s.mu.Unlock()
	}

	if err := s.step(StateHandshaking); err != nil {
		_ = link.Close()
		return nil, err
	}
	stepCtx, cancel := context.WithTimeout(ctx, s.opt.NetworkTimeout)
	stream, err := link.Handshake(stepCtx)
	cancel()
	if err != nil {
		_ = link.Close()
		return nil, errors.Annotatef(err, "handshake %s", s.RemoteAddr())
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		_ = stream.Close()
		return nil, ErrClosing
	}
	s.stream = stream
	s.mu.Unlock()
	return stream, nil
}

func (s *Session) active(ctx context.Context, stream transport.Stream) error {
	if err := s.step(StateActive); err != nil {
		return err
	}
	s.last.SetNow()
	s.stat.Conn.Add(1)
	s.opt.Log.Debugf("session %s active remote=%s", s.id, s.RemoteAddr())
	if s.opt.OnConnect != nil {
		s.opt.OnConnect(s)
	}

	inbox := make(chan transport.Frame, s.opt.InboxSize)
	n := 2
	if s.opt.Queue != nil {
		n++
	}
	if !s.alive.Add(n) {
		return ErrClosing
	}
	go s.reader(ctx, stream, inbox)
	go s.dispatcher(ctx, inbox)
	if s.opt.Queue != nil {
		go s.relayOut(ctx, stream)
	}

	<-ctx.Done()
	_ = stream.Close()
	s.alive.Stop()
	s.alive.Wait()
	err, _ := s.reason.Load()
	return err
}

// fail records first error and ends session. Errors after local stop are ignored.
func (s *Session) fail(err error) {
	s.mu.Lock()
	stopping, cancel := s.stopping, s.cancel
	s.mu.Unlock()
	if stopping {
		return
	}
	if _, found := s.reason.StoreOnce(err); !found {
		s.opt.Log.Debugf("session %s fail: %v", s.id, err)
	}
	if cancel != nil {
		cancel()
	}
}

func (s *Session) finish(err error) error {
	s.mu.Lock()
	stopping := s.stopping
	stream := s.stream
	s.mu.Unlock()
	if stopping {
		err = nil
	} else if err == nil {
		// ctx of Run was cancelled by caller
		err = ErrClosing
	}
	if err != nil {
		if prev, found := s.reason.StoreOnce(err); found && prev != nil {
			err = prev
		}
	}
	s.result = err

	s.setState(StateClosing)
	if stream != nil {
		_ = stream.Close()
	}
	s.alive.Stop()
	s.alive.Wait()
	s.setState(StateClosed)
	s.waitNotified()

	if err != nil {
		s.opt.Log.Infof("session %s remote=%s disconnected: %s", s.id, s.RemoteAddr(), ReasonString(err))
	}
	if s.opt.OnDisconnect != nil {
		s.opt.OnDisconnect(s, err)
	}
	close(s.done)
	return err
}

func (s *Session) write(ctx context.Context, stream transport.Stream, f transport.Frame) error {
	s.wlk.Lock()
	defer s.wlk.Unlock()
	ctx, cancel := context.WithTimeout(ctx, s.opt.NetworkTimeout)
	defer cancel()
	if err := stream.WriteFrame(ctx, f); err != nil {
		return err
	}
	s.stat.Send.Register(f)
	return nil
}

func (s *Session) reader(ctx context.Context, stream transport.Stream, inbox chan<- transport.Frame) {
	defer s.alive.Done()
	for {
		f, err := stream.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.fail(errors.Annotate(err, "read"))
			}
			return
		}
		s.last.SetNow()
		s.stat.Recv.Register(f)
		// full inbox stops reading, transport applies backpressure to peer
		select {
		case inbox <- f:
		case <-ctx.Done():
			s.stat.InboxDropped.Add(1)
			return
		}
	}
}

// dispatcher runs callbacks in arrival order.
func (s *Session) dispatcher(ctx context.Context, inbox <-chan transport.Frame) {
	defer s.alive.Done()
	for {
		select {
		case f := <-inbox:
			s.dispatch(f)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) dispatch(f transport.Frame) {
	if s.opt.OnRaw != nil {
		s.opt.OnRaw(s, f)
	}
	if s.opt.OnMessage == nil && s.opt.OnDecodeError == nil {
		return
	}
	m, err := message.DecodeFrame(f)
	if err != nil {
		s.stat.DecodeErrors.Add(1)
		if s.opt.OnDecodeError != nil {
			s.opt.OnDecodeError(s, f, err)
		} else {
			s.opt.Log.Errorf("session %s decode %s err=%v", s.id, f, err)
		}
		return
	}
	if s.opt.OnMessage != nil {
		s.opt.OnMessage(s, m)
	}
}

// relayOut competes with other sessions for queue messages.
func (s *Session) relayOut(ctx context.Context, stream transport.Stream) {
	defer s.alive.Done()
	for {
		m, err := s.opt.Queue.Pop(ctx)
		if err != nil {
			if err == queue.ErrClosed {
				s.opt.Log.Debugf("session %s relay-out stop: queue closed", s.id)
			}
			return
		}
		f, err := message.EncodeFrame(s.opt.Codec, m)
		if err != nil {
			s.opt.Log.Errorf("session %s relay-out drop %s err=%v", s.id, m, err)
			continue
		}
		if err = s.write(ctx, stream, f); err != nil {
			if ctx.Err() == nil {
				s.opt.Log.Infof("session %s relay-out lost %s", s.id, m)
				s.fail(errors.Annotate(err, "relay-out write"))
			}
			return
		}
	}
}
