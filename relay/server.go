package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/roverlink/helpers"
	"github.com/temoto/roverlink/log2"
	"github.com/temoto/roverlink/message"
	"github.com/temoto/roverlink/queue"
	"github.com/temoto/roverlink/transport"
)

// Listener is server role: accepts links and runs server session for each.
type Listener struct {
	alive    *alive.Alive
	ctx      context.Context
	cancel   context.CancelFunc
	sessions struct {
		sync.RWMutex
		m map[string]*Session
	}
	acceptors struct {
		sync.RWMutex
		m map[string]transport.Acceptor
	}
	log  *log2.Log
	opt  ListenerOptions
	stat SessionStat
}

type ListenerOptions struct {
	Log *log2.Log
	// shared relay-out queue, sessions compete for messages
	Queue *queue.Queue
	Codec message.Codec

	OnMessage     func(*Session, message.Message)
	OnDecodeError func(*Session, transport.Frame, error)
	OnConnect     func(*Session)
	OnDisconnect  func(*Session, error)

	NetworkTimeout time.Duration
	InboxSize      int
}

func NewListener(opt ListenerOptions) *Listener {
	l := &Listener{
		alive: alive.NewAlive(),
		log:   opt.Log,
		opt:   opt,
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.sessions.m = make(map[string]*Session)
	l.acceptors.m = make(map[string]transport.Acceptor)
	return l
}

func (l *Listener) Addrs() []string {
	l.acceptors.RLock()
	defer l.acceptors.RUnlock()
	addrs := make([]string, 0, len(l.acceptors.m))
	for addr := range l.acceptors.m {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

func (l *Listener) Stat() *SessionStat { return &l.stat }

// Sessions returns snapshot of tracked sessions, ordered by ID.
func (l *Listener) Sessions() []*Session {
	l.sessions.RLock()
	ss := make([]*Session, 0, len(l.sessions.m))
	for _, s := range l.sessions.m {
		ss = append(ss, s)
	}
	l.sessions.RUnlock()
	sort.Slice(ss, func(i, j int) bool { return ss[i].ID() < ss[j].ID() })
	return ss
}

func (l *Listener) Len() int {
	l.sessions.RLock()
	defer l.sessions.RUnlock()
	return len(l.sessions.m)
}

// Start runs accept loop in background, errors are logged.
func (l *Listener) Start(a transport.Acceptor) error {
	if err := l.register(a); err != nil {
		return errors.Annotate(err, "start")
	}
	go func() {
		if err := l.acceptLoop(l.ctx, a); err != nil {
			l.log.Error(err)
		}
	}()
	return nil
}

// Serve runs accept loop until ctx done, acceptor error or Close.
// Returns nil on ctx done or Close. Acceptor is owned by Listener and closed on return.
func (l *Listener) Serve(ctx context.Context, a transport.Acceptor) error {
	if err := l.register(a); err != nil {
		return errors.Annotate(err, "serve")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-l.alive.StopChan():
			cancel()
		}
	}()
	return l.acceptLoop(ctx, a)
}

// register closes acceptor after Listener Close.
func (l *Listener) register(a transport.Acceptor) error {
	if !l.alive.Add(1) { // one alive subtask for each acceptor
		_ = a.Close()
		return errors.Annotate(ErrClosing, "listener closed")
	}
	err := helpers.WithLockError(&l.acceptors, func() error {
		if _, ok := l.acceptors.m[a.Addr()]; ok {
			return errors.AlreadyExistsf("acceptor addr=%s", a.Addr())
		}
		l.acceptors.m[a.Addr()] = a
		return nil
	})
	if err != nil {
		l.alive.Done()
		return err
	}
	l.log.Debugf("listener accept addr=%s", a.Addr())
	return nil
}

func (l *Listener) acceptLoop(ctx context.Context, a transport.Acceptor) error {
	defer l.alive.Done()
	defer helpers.WithLock(&l.acceptors, func() { delete(l.acceptors.m, a.Addr()) })
	defer a.Close()
	for {
		link, err := a.Accept(ctx)
		if !l.alive.IsRunning() || ctx.Err() != nil {
			if link != nil {
				_ = link.Close()
			}
			return nil
		}
		if err != nil {
			if errors.Cause(err) == transport.ErrClosed {
				return nil
			}
			return errors.Annotatef(err, "accept addr=%s", a.Addr())
		}

		if !l.alive.Add(1) { // and one alive subtask for each session
			_ = link.Close()
			return nil
		}
		s := NewServerSession(link, l.sessionOptions())
		helpers.WithLock(&l.sessions, func() { l.sessions.m[s.ID()] = s })
		go l.runSession(s)
	}
}

func (l *Listener) runSession(s *Session) {
	defer l.alive.Done()
	_ = s.Run(l.ctx)

	// mandatory cleanup on session closed
	helpers.WithLock(&l.sessions, func() { delete(l.sessions.m, s.ID()) })
	l.stat.AddMoveFrom(s.Stat())
}

func (l *Listener) sessionOptions() SessionOptions {
	return SessionOptions{
		Log:            l.log,
		Queue:          l.opt.Queue,
		Codec:          l.opt.Codec,
		OnMessage:      l.opt.OnMessage,
		OnDecodeError:  l.opt.OnDecodeError,
		OnConnect:      l.opt.OnConnect,
		OnDisconnect:   l.opt.OnDisconnect,
		NetworkTimeout: l.opt.NetworkTimeout,
		InboxSize:      l.opt.InboxSize,
	}
}

// Broadcast sends m to every active session, unlike queue which delivers to one.
func (l *Listener) Broadcast(ctx context.Context, m message.Message) error {
	errs := make([]error, 0)
	for _, s := range l.Sessions() {
		if !s.IsConnected() {
			continue
		}
		if err := s.Send(ctx, m); err != nil {
			errs = append(errs, errors.Annotatef(err, "broadcast session=%s", s.ID()))
		}
	}
	return helpers.FoldErrors(errs)
}

// Close stops accepting, closes every session and waits for all goroutines.
func (l *Listener) Close() error {
	l.alive.Stop()
	errs := make([]error, 0)
	helpers.WithLock(l.acceptors.RLocker(), func() {
		for _, a := range l.acceptors.m {
			if err := a.Close(); err != nil {
				errs = append(errs, errors.Annotatef(err, "close acceptor=%s", a.Addr()))
			}
		}
	})
	for _, s := range l.Sessions() {
		s.Stop()
	}
	l.cancel()
	l.alive.Wait()
	return helpers.FoldErrors(errs)
}
