package relay_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/roverlink/log2"
	"github.com/temoto/roverlink/message"
	"github.com/temoto/roverlink/queue"
	"github.com/temoto/roverlink/relay"
	"github.com/temoto/roverlink/transport"
)

type managerEvents struct {
	sync.Mutex
	connects int
	reasons  []string
}

func testManager(t testing.TB, d transport.Dialer, q *queue.Queue) (*relay.Manager, *managerEvents) {
	ev := &managerEvents{}
	m, err := relay.NewManager(relay.ManagerOptions{
		Log:            log2.NewTest(t, log2.LDebug),
		Dialer:         d,
		Queue:          q,
		NetworkTimeout: time.Second,
		OnConnect: func(*relay.Session) {
			ev.Lock()
			defer ev.Unlock()
			ev.connects++
		},
		OnDisconnect: func(reason string) {
			ev.Lock()
			defer ev.Unlock()
			ev.reasons = append(ev.reasons, reason)
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, ev
}

func TestManagerNominal(t *testing.T) {
	t.Parallel()
	serverRec := newRecorder()
	n, _ := testListener(t, relay.ListenerOptions{OnMessage: serverRec.options(t).OnMessage})
	m, ev := testManager(t, n.Dialer(), nil)
	ctx := testContext(t)

	assert.False(t, m.IsConnected())
	assert.Equal(t, relay.ErrNotConnected, m.Send(ctx, message.Message{}))

	require.NoError(t, m.Connect("rover", "9002", "/").Wait(ctx))
	assert.True(t, m.IsConnected())

	// concurrent senders
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, m.Send(ctx, message.New(false, message.Generic{Value: int32(i)})))
		}(i)
	}
	wg.Wait()
	seen := map[int32]bool{}
	for i := 0; i < 10; i++ {
		seen[serverRec.expectMessage(t, time.Second).Payload().(message.Generic).Value] = true
	}
	assert.Len(t, seen, 10)

	require.NoError(t, m.Disconnect())
	assert.False(t, m.IsConnected())
	assert.Equal(t, relay.ErrNotConnected, m.Send(ctx, message.Message{}))
	require.Eventually(t, func() bool { return m.Stat().Send.Text.Count.Value() == 10 }, time.Second, time.Millisecond)

	ev.Lock()
	defer ev.Unlock()
	assert.Equal(t, 1, ev.connects)
	assert.Equal(t, []string{"closed"}, ev.reasons)
}

func TestManagerConnectError(t *testing.T) {
	t.Parallel()
	n, _ := testListener(t, relay.ListenerOptions{})
	d := n.Dialer()
	d.FailHandshake = fmt.Errorf("bad gateway")
	m, ev := testManager(t, d, nil)

	err := m.Connect("rover", "9002", "/").Wait(testContext(t))
	require.Error(t, err)
	assert.Equal(t, d.FailHandshake, errors.Cause(err))
	require.Eventually(t, func() bool { return m.Current() == nil }, time.Second, time.Millisecond)

	ev.Lock()
	defer ev.Unlock()
	assert.Equal(t, 0, ev.connects)
	require.Len(t, ev.reasons, 1)
	assert.Contains(t, ev.reasons[0], "bad gateway")
}

func TestManagerReplaceSession(t *testing.T) {
	t.Parallel()
	n, l := testListener(t, relay.ListenerOptions{})
	m, ev := testManager(t, n.Dialer(), nil)
	ctx := testContext(t)
	require.NoError(t, m.Connect("rover", "9002", "/").Wait(ctx))
	first := m.Current()
	require.NoError(t, m.Connect("rover", "9002", "/").Wait(ctx))
	waitDone(t, first, time.Second)
	assert.NotEqual(t, first.ID(), m.Current().ID())
	require.Eventually(t, func() bool { return l.Len() == 1 }, time.Second, time.Millisecond)

	ev.Lock()
	defer ev.Unlock()
	assert.Equal(t, 2, ev.connects)
	assert.Equal(t, []string{"closed"}, ev.reasons)
}

func TestManagerRelayOut(t *testing.T) {
	t.Parallel()
	serverRec := newRecorder()
	n, _ := testListener(t, relay.ListenerOptions{OnMessage: serverRec.options(t).OnMessage})
	q := queue.New(queue.Options{})
	defer q.Close()
	m, _ := testManager(t, n.Dialer(), q)
	require.NoError(t, m.Connect("rover", "9002", "/").Wait(testContext(t)))

	q.Push(message.New(false, message.Generic{Value: 1}))
	q.Push(message.New(true, message.Generic{Value: 2}))
	got := []int32{
		serverRec.expectMessage(t, time.Second).Payload().(message.Generic).Value,
		serverRec.expectMessage(t, time.Second).Payload().(message.Generic).Value,
	}
	assert.ElementsMatch(t, []int32{1, 2}, got)
}

func TestManagerClose(t *testing.T) {
	t.Parallel()
	n, _ := testListener(t, relay.ListenerOptions{})
	m, _ := testManager(t, n.Dialer(), nil)
	require.NoError(t, m.Connect("rover", "9002", "/").Wait(testContext(t)))
	require.NoError(t, m.Close())
	assert.False(t, m.IsConnected())
	err := m.Connect("rover", "9002", "/").Wait(testContext(t))
	assert.Equal(t, relay.ErrClosing, err)
}

func TestNewManagerValidation(t *testing.T) {
	t.Parallel()
	_, err := relay.NewManager(relay.ManagerOptions{})
	assert.True(t, errors.IsNotValid(err))
}
