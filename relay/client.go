package relay

import (
	"context"
	"fmt"
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

var ErrNotConnected = fmt.Errorf("not connected")

// Manager is client role, responsible for:
// - one current session, new Connect replaces it
// - sends from any goroutine
// - connection events with human readable disconnect reason
type Manager struct {
	sync.Mutex // protects current
	alive      *alive.Alive
	ctx        context.Context
	cancel     context.CancelFunc
	current    *Session
	opt        ManagerOptions
	stat       SessionStat
}

type ManagerOptions struct {
	Log    *log2.Log
	Dialer transport.Dialer
	// optional relay-out queue
	Queue *queue.Queue
	Codec message.Codec

	OnConnect     func(*Session)
	OnDisconnect  func(reason string)
	OnMessage     func(*Session, message.Message)
	OnDecodeError func(*Session, transport.Frame, error)

	NetworkTimeout time.Duration
	InboxSize      int
}

func NewManager(opt ManagerOptions) (*Manager, error) {
	if opt.Dialer == nil {
		return nil, errors.NotValidf("code error NewManager opt.Dialer=nil")
	}
	m := &Manager{
		alive: alive.NewAlive(),
		opt:   opt,
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

// Connect starts new session in background, closing previous one.
// Returned future completes with nil when session is Active
// or is cancelled with connection error.
func (m *Manager) Connect(host, port, path string) *helpers.Future {
	f := helpers.NewFuture()
	if !m.alive.Add(1) {
		f.Cancel(ErrClosing)
		return f
	}
	target := transport.Target{Host: host, Port: port, Path: path}
	s := NewClientSession(m.opt.Dialer, target, m.sessionOptions(f))

	m.Lock()
	prev := m.current
	m.current = s
	m.Unlock()
	if prev != nil {
		m.opt.Log.Debugf("client: replace session %s", prev.ID())
		prev.Stop()
	}

	go func() {
		defer m.alive.Done()
		err := s.Run(m.ctx)
		// session stopped before Run has no callbacks
		if err == nil {
			err = ErrClosing
		}
		f.Cancel(err)
		m.Lock()
		if m.current == s {
			m.current = nil
		}
		m.Unlock()
		m.stat.AddMoveFrom(s.Stat())
	}()
	return f
}

func (m *Manager) sessionOptions(f *helpers.Future) SessionOptions {
	return SessionOptions{
		Log:            m.opt.Log,
		Queue:          m.opt.Queue,
		Codec:          m.opt.Codec,
		OnMessage:      m.opt.OnMessage,
		OnDecodeError:  m.opt.OnDecodeError,
		NetworkTimeout: m.opt.NetworkTimeout,
		InboxSize:      m.opt.InboxSize,
		OnConnect: func(s *Session) {
			f.Complete(nil)
			if m.opt.OnConnect != nil {
				m.opt.OnConnect(s)
			}
		},
		OnDisconnect: func(s *Session, err error) {
			if err != nil {
				f.Cancel(err)
			} else {
				f.Cancel(ErrClosing)
			}
			if m.opt.OnDisconnect != nil {
				m.opt.OnDisconnect(ReasonString(err))
			}
		},
	}
}

// Disconnect closes current session and waits for it.
func (m *Manager) Disconnect() error {
	m.Lock()
	s := m.current
	m.current = nil
	m.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

// Send writes m to current session. Safe to call from any goroutine.
func (m *Manager) Send(ctx context.Context, msg message.Message) error {
	s := m.Current()
	if s == nil || !s.IsConnected() {
		return ErrNotConnected
	}
	return s.Send(ctx, msg)
}

func (m *Manager) Current() *Session {
	m.Lock()
	defer m.Unlock()
	return m.current
}

func (m *Manager) IsConnected() bool {
	s := m.Current()
	return s != nil && s.IsConnected()
}

// Stat of finished sessions, current session stat is moved in on its close.
func (m *Manager) Stat() *SessionStat { return &m.stat }

// Close disconnects and waits for all sessions.
func (m *Manager) Close() error {
	m.alive.Stop()
	err := m.Disconnect()
	m.cancel()
	m.alive.Wait()
	return err
}
