package relay_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/temoto/roverlink/log2"
	"github.com/temoto/roverlink/message"
	"github.com/temoto/roverlink/relay"
	"github.com/temoto/roverlink/transport"
	"github.com/temoto/roverlink/transport/mem"
)

const testAddr = "rover:9002"

var testTarget = transport.Target{Host: "rover", Port: "9002", Path: "/"}

func testContext(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// recorder collects session events for assertions.
type recorder struct {
	sync.Mutex
	states      []relay.State
	connects    int
	disconnects int
	reasons     []error
	messages    []message.Message
	decodeErrs  int
	msgch       chan message.Message
}

func newRecorder() *recorder { return &recorder{msgch: make(chan message.Message, 1000)} }

func (r *recorder) options(t testing.TB) relay.SessionOptions {
	return relay.SessionOptions{
		Log:            log2.NewTest(t, log2.LDebug),
		NetworkTimeout: time.Second,
		OnState: func(_ *relay.Session, from, to relay.State) {
			r.Lock()
			defer r.Unlock()
			if len(r.states) == 0 {
				r.states = append(r.states, from)
			}
			r.states = append(r.states, to)
		},
		OnConnect: func(*relay.Session) {
			r.Lock()
			defer r.Unlock()
			r.connects++
		},
		OnDisconnect: func(_ *relay.Session, err error) {
			r.Lock()
			defer r.Unlock()
			r.disconnects++
			r.reasons = append(r.reasons, err)
		},
		OnMessage: func(_ *relay.Session, m message.Message) {
			r.Lock()
			r.messages = append(r.messages, m)
			r.Unlock()
			r.msgch <- m
		},
		OnDecodeError: func(*relay.Session, transport.Frame, error) {
			r.Lock()
			defer r.Unlock()
			r.decodeErrs++
		},
	}
}

func (r *recorder) snapshot() recorder {
	r.Lock()
	defer r.Unlock()
	return recorder{
		states:      append([]relay.State(nil), r.states...),
		connects:    r.connects,
		disconnects: r.disconnects,
		reasons:     append([]error(nil), r.reasons...),
		messages:    append([]message.Message(nil), r.messages...),
		decodeErrs:  r.decodeErrs,
	}
}

func (r *recorder) expectMessage(t testing.TB, timeout time.Duration) message.Message {
	t.Helper()
	select {
	case m := <-r.msgch:
		return m
	case <-time.After(timeout):
		t.Fatalf("no message in %v", timeout)
	}
	return message.Message{}
}

func waitDone(t testing.TB, s *relay.Session, timeout time.Duration) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(timeout):
		t.Fatalf("session %s not done in %v", s, timeout)
	}
}

func waitActive(t testing.TB, s *relay.Session) {
	t.Helper()
	require.Eventually(t, s.IsConnected, 2*time.Second, time.Millisecond, "session %s", s)
}

func testListener(t testing.TB, opt relay.ListenerOptions) (*mem.Network, *relay.Listener) {
	n := mem.NewNetwork()
	a, err := n.Listen(testAddr)
	require.NoError(t, err)
	if opt.Log == nil {
		opt.Log = log2.NewTest(t, log2.LDebug)
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = time.Second
	}
	l := relay.NewListener(opt)
	require.NoError(t, l.Start(a))
	t.Cleanup(func() { _ = l.Close() })
	return n, l
}

// runClient starts client session in background.
func runClient(t testing.TB, d transport.Dialer, opt relay.SessionOptions) (*relay.Session, <-chan error) {
	s := relay.NewClientSession(d, testTarget, opt)
	errch := make(chan error, 1)
	go func() { errch <- s.Run(context.Background()) }()
	t.Cleanup(func() { _ = s.Close() })
	return s, errch
}
