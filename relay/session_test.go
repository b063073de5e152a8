package relay_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/roverlink/message"
	"github.com/temoto/roverlink/queue"
	"github.com/temoto/roverlink/relay"
	"github.com/temoto/roverlink/transport"
	"github.com/temoto/roverlink/transport/mem"
)

func TestSessionFailBeforeActive(t *testing.T) {
	t.Parallel()
	errTest := fmt.Errorf("injected")
	cases := []struct {
		name   string
		dialer func(n *mem.Network) *mem.Dialer
		expect []relay.State
	}{
		{"resolve", func(n *mem.Network) *mem.Dialer {
			d := n.Dialer()
			d.FailResolve = errTest
			return d
		}, []relay.State{relay.StateIdle, relay.StateResolving, relay.StateClosing, relay.StateClosed}},
		{"connect", func(n *mem.Network) *mem.Dialer {
			d := n.Dialer()
			d.FailConnect = errTest
			return d
		}, []relay.State{relay.StateIdle, relay.StateResolving, relay.StateConnecting, relay.StateClosing, relay.StateClosed}},
		{"handshake", func(n *mem.Network) *mem.Dialer {
			d := n.Dialer()
			d.FailHandshake = errTest
			return d
		}, []relay.State{relay.StateIdle, relay.StateResolving, relay.StateConnecting, relay.StateHandshaking, relay.StateClosing, relay.StateClosed}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			n, _ := testListener(t, relay.ListenerOptions{})
			rec := newRecorder()
			s := relay.NewClientSession(c.dialer(n), testTarget, rec.options(t))
			err := s.Run(testContext(t))
			require.Error(t, err)
			assert.Equal(t, errTest, errors.Cause(err))
			assert.Equal(t, relay.StateClosed, s.State())
			assert.Equal(t, err, s.Err())

			snap := rec.snapshot()
			assert.Equal(t, c.expect, snap.states)
			assert.Equal(t, 0, snap.connects)
			assert.Equal(t, 1, snap.disconnects)
			assert.Equal(t, []error{err}, snap.reasons)
		})
	}
}

func TestSessionCloseActive(t *testing.T) {
	t.Parallel()
	serverRec := newRecorder()
	n, l := testListener(t, relay.ListenerOptions{
		OnDisconnect: func(s *relay.Session, err error) {
			serverRec.Lock()
			defer serverRec.Unlock()
			serverRec.disconnects++
			serverRec.reasons = append(serverRec.reasons, err)
		},
	})
	rec := newRecorder()
	s, errch := runClient(t, n.Dialer(), rec.options(t))
	waitActive(t, s)
	require.Eventually(t, func() bool { return l.Len() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close must be idempotent")
	assert.NoError(t, <-errch)
	assert.Equal(t, relay.StateClosed, s.State())
	assert.NoError(t, s.Err())

	snap := rec.snapshot()
	assert.Equal(t, []relay.State{
		relay.StateIdle, relay.StateResolving, relay.StateConnecting, relay.StateHandshaking,
		relay.StateActive, relay.StateClosing, relay.StateClosed,
	}, snap.states)
	assert.Equal(t, 1, snap.connects)
	assert.Equal(t, 1, snap.disconnects)
	assert.Equal(t, []error{nil}, snap.reasons)

	// server side sees peer close
	require.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, time.Millisecond)
	serverSnap := serverRec.snapshot()
	require.Equal(t, 1, serverSnap.disconnects)
	assert.Equal(t, "closed by remote", relay.ReasonString(serverSnap.reasons[0]))
}

func TestSessionRunOnce(t *testing.T) {
	t.Parallel()
	n, _ := testListener(t, relay.ListenerOptions{})
	rec := newRecorder()
	s, _ := runClient(t, n.Dialer(), rec.options(t))
	waitActive(t, s)
	assert.Equal(t, relay.ErrSessionUsed, s.Run(context.Background()))
	require.NoError(t, s.Close())
	assert.Equal(t, relay.ErrSessionUsed, s.Run(context.Background()))
}

func TestSessionCloseBeforeRun(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	s := relay.NewClientSession(mem.NewNetwork().Dialer(), testTarget, rec.options(t))
	require.NoError(t, s.Close())
	assert.Equal(t, relay.StateClosed, s.State())
	assert.Equal(t, relay.ErrClosing, s.Run(context.Background()))
	assert.Equal(t, 0, rec.snapshot().disconnects)
}

func TestSessionRunContextCancel(t *testing.T) {
	t.Parallel()
	n, _ := testListener(t, relay.ListenerOptions{})
	rec := newRecorder()
	s := relay.NewClientSession(n.Dialer(), testTarget, rec.options(t))
	ctx, cancel := context.WithCancel(context.Background())
	errch := make(chan error, 1)
	go func() { errch <- s.Run(ctx) }()
	waitActive(t, s)
	cancel()
	waitDone(t, s, time.Second)
	assert.Equal(t, relay.ErrClosing, <-errch)
	assert.Equal(t, 1, rec.snapshot().disconnects)
}

func TestSessionSendNotActive(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	s := relay.NewClientSession(mem.NewNetwork().Dialer(), testTarget, rec.options(t))
	assert.Equal(t, relay.ErrNotActive, s.Send(context.Background(), message.Message{}))
}

func TestSessionDuplex(t *testing.T) {
	t.Parallel()
	serverRec := newRecorder()
	serverOpt := serverRec.options(t)
	n, l := testListener(t, relay.ListenerOptions{
		OnMessage: func(s *relay.Session, m message.Message) {
			serverOpt.OnMessage(s, m)
			// echo as priority
			_ = s.Send(context.Background(), message.New(true, m.Payload()))
		},
	})
	rec := newRecorder()
	s, _ := runClient(t, n.Dialer(), rec.options(t))
	waitActive(t, s)

	sent := message.New(false, message.Wheel{Velocity: 120, Theta: 45, AngularVelocity: 10})
	require.NoError(t, s.Send(testContext(t), sent))
	got := serverRec.expectMessage(t, time.Second)
	assert.True(t, message.Equal(sent, got))
	echo := rec.expectMessage(t, time.Second)
	assert.True(t, message.Equal(message.New(true, sent.Payload()), echo))

	assert.Equal(t, int64(1), s.Stat().Send.Text.Count.Value())
	assert.Equal(t, int64(len("0 0 120 45 10")), s.Stat().Send.Text.Size.Value())
	assert.Equal(t, int64(1), s.Stat().Recv.Total())
	assert.True(t, s.SinceLastRecv() < time.Second)
	assert.Len(t, l.Sessions(), 1)
}

func TestSessionMalformedFrame(t *testing.T) {
	t.Parallel()
	serverRec := newRecorder()
	n, _ := testListener(t, relay.ListenerOptions{
		OnMessage:     serverRec.options(t).OnMessage,
		OnDecodeError: serverRec.options(t).OnDecodeError,
	})
	s, _ := runClient(t, n.Dialer(), newRecorder().options(t))
	waitActive(t, s)

	ctx := testContext(t)
	require.NoError(t, s.SendFrame(ctx, transport.Frame{Kind: transport.FrameText, Data: []byte("garbage")}))
	require.NoError(t, s.SendFrame(ctx, transport.Frame{Kind: transport.FrameBinary, Data: []byte{9, 9, 9}}))
	valid := message.New(true, message.Generic{Value: 42})
	require.NoError(t, s.Send(ctx, valid))

	got := serverRec.expectMessage(t, time.Second)
	assert.True(t, message.Equal(valid, got))
	assert.Equal(t, 2, serverRec.snapshot().decodeErrs)
	assert.True(t, s.IsConnected())
}

func TestSessionBinaryCodec(t *testing.T) {
	t.Parallel()
	serverRec := newRecorder()
	n, _ := testListener(t, relay.ListenerOptions{OnMessage: serverRec.options(t).OnMessage})
	opt := newRecorder().options(t)
	opt.Codec = message.Binary
	s, _ := runClient(t, n.Dialer(), opt)
	waitActive(t, s)

	sent := message.New(false, message.Arm{ArmX: -1, ClawOpen: 1, WristRotation: 90})
	require.NoError(t, s.Send(testContext(t), sent))
	assert.True(t, message.Equal(sent, serverRec.expectMessage(t, time.Second)))
	assert.Equal(t, int64(1), s.Stat().Send.Binary.Count.Value())
}

func TestSessionStopFromCallback(t *testing.T) {
	t.Parallel()
	n, _ := testListener(t, relay.ListenerOptions{
		OnConnect: func(s *relay.Session) {
			_ = s.Send(context.Background(), message.New(true, message.Generic{Value: -1}))
		},
	})
	rec := newRecorder()
	opt := rec.options(t)
	opt.OnMessage = func(s *relay.Session, m message.Message) { s.Stop() }
	s, errch := runClient(t, n.Dialer(), opt)
	waitDone(t, s, 2*time.Second)
	assert.NoError(t, <-errch)
	assert.Equal(t, 1, rec.snapshot().disconnects)
}

func TestSessionStopFromStateCallback(t *testing.T) {
	t.Parallel()
	n, _ := testListener(t, relay.ListenerOptions{})
	rec := newRecorder()
	opt := rec.options(t)
	recordState := opt.OnState
	opt.OnState = func(s *relay.Session, from, to relay.State) {
		recordState(s, from, to)
		if to == relay.StateActive {
			s.Stop()
		}
	}
	s, errch := runClient(t, n.Dialer(), opt)
	waitDone(t, s, 2*time.Second)
	assert.NoError(t, <-errch)
	assert.Equal(t, relay.StateClosed, s.State())

	snap := rec.snapshot()
	assert.Equal(t, []relay.State{
		relay.StateIdle, relay.StateResolving, relay.StateConnecting, relay.StateHandshaking,
		relay.StateActive, relay.StateClosing, relay.StateClosed,
	}, snap.states)
	assert.Equal(t, 1, snap.disconnects)
}

func TestSessionBurstDelivery(t *testing.T) {
	t.Parallel()
	const total = 500
	q := queue.New(queue.Options{Limit: total})
	defer q.Close()
	n, _ := testListener(t, relay.ListenerOptions{Queue: q})

	rec := newRecorder()
	opt := rec.options(t)
	record := opt.OnMessage
	opt.OnMessage = func(s *relay.Session, m message.Message) {
		// slower than reader, inbox fills up
		time.Sleep(50 * time.Microsecond)
		record(s, m)
	}
	s, _ := runClient(t, n.Dialer(), opt)
	waitActive(t, s)

	for i := 0; i < total; i++ {
		require.True(t, q.Push(message.New(false, message.Generic{Value: int32(i)})))
	}
	require.Eventually(t, func() bool { return len(rec.snapshot().messages) == total },
		5*time.Second, 5*time.Millisecond)

	for i, m := range rec.snapshot().messages {
		require.Equal(t, int32(i), m.Payload().(message.Generic).Value, "order at %d", i)
	}
	assert.Equal(t, int64(total), s.Stat().Recv.Total())
	assert.Equal(t, int64(0), s.Stat().InboxDropped.Value())
	assert.True(t, s.IsConnected())
}
