// Package queue is bounded two-level priority queue of messages shared by relay sessions.
//
// - Push never blocks, drops newest message when full or closed
// - priority messages always go first, no aging
// - Pop and peek calls block until data, ctx done or Close
// - each pushed message is popped by exactly one consumer
package queue

import (
	"context"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/temoto/roverlink/log2"
	"github.com/temoto/roverlink/message"
	"golang.org/x/time/rate"
)

const DefaultLimit = 100

var ErrClosed = fmt.Errorf("queue closed")

type Options struct {
	Log   *log2.Log
	Limit int
}

type Queue struct {
	mu       sync.Mutex
	prio     []message.Message
	reg      []message.Message
	waiters  []*waiter
	closed   bool
	done     chan struct{}
	limit    int
	log      *log2.Log
	dropLog  *rate.Limiter
	stat     Stat
	closeOne sync.Once
}

type Stat struct {
	Pushed  expvar.Int
	Popped  expvar.Int
	Dropped expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"pushed":%d,"popped":%d,"dropped":%d}`,
		s.Pushed.Value(), s.Popped.Value(), s.Dropped.Value())
}

type waitKind uint8

const (
	waitPop waitKind = iota
	waitAny
	waitRegular
	waitPriority
)

// waiter is signalled at most once, then removed from list by signaller.
type waiter struct {
	kind waitKind
	ch   chan struct{}
}

func New(opt Options) *Queue {
	if opt.Limit <= 0 {
		opt.Limit = DefaultLimit
	}
	return &Queue{
		done:    make(chan struct{}),
		limit:   opt.Limit,
		log:     opt.Log,
		dropLog: rate.NewLimiter(rate.Every(time.Second), 3),
	}
}

// Push appends m to its sub-queue and wakes waiters.
// Returns false when message was dropped because queue is full or closed.
func (q *Queue) Push(m message.Message) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.stat.Dropped.Add(1)
		q.log.Debugf("queue closed, drop %s", m)
		return false
	}
	if size := len(q.prio) + len(q.reg); size >= q.limit {
		q.mu.Unlock()
		q.stat.Dropped.Add(1)
		if q.dropLog.Allow() {
			q.log.Infof("queue full limit=%d dropped=%d, drop %s", q.limit, q.stat.Dropped.Value(), m)
		}
		return false
	}
	if m.HighPriority() {
		q.prio = append(q.prio, m)
	} else {
		q.reg = append(q.reg, m)
	}
	q.wakeLocked(m.HighPriority())
	q.mu.Unlock()
	q.stat.Pushed.Add(1)
	return true
}

// Pop removes and returns priority head, else regular head.
func (q *Queue) Pop(ctx context.Context) (message.Message, error) {
	m, err := q.wait(ctx, waitPop, func() (message.Message, bool) {
		if len(q.prio) != 0 {
			return shift(&q.prio), true
		}
		if len(q.reg) != 0 {
			return shift(&q.reg), true
		}
		return message.Message{}, false
	})
	if err == nil {
		q.stat.Popped.Add(1)
	}
	return m, err
}

// Front peeks priority head, else regular head.
// Peeked message may be popped by other consumer before caller acts on it.
func (q *Queue) Front(ctx context.Context) (message.Message, error) {
	return q.wait(ctx, waitAny, func() (message.Message, bool) {
		if len(q.prio) != 0 {
			return q.prio[0], true
		}
		if len(q.reg) != 0 {
			return q.reg[0], true
		}
		return message.Message{}, false
	})
}

// Back peeks regular tail, or priority tail when regular is empty.
func (q *Queue) Back(ctx context.Context) (message.Message, error) {
	return q.wait(ctx, waitAny, func() (message.Message, bool) {
		if n := len(q.reg); n != 0 {
			return q.reg[n-1], true
		}
		if n := len(q.prio); n != 0 {
			return q.prio[n-1], true
		}
		return message.Message{}, false
	})
}

// FrontRegular waits for regular sub-queue only.
func (q *Queue) FrontRegular(ctx context.Context) (message.Message, error) {
	return q.wait(ctx, waitRegular, func() (message.Message, bool) {
		if len(q.reg) != 0 {
			return q.reg[0], true
		}
		return message.Message{}, false
	})
}

// BackPriority waits for priority sub-queue only.
func (q *Queue) BackPriority(ctx context.Context) (message.Message, error) {
	return q.wait(ctx, waitPriority, func() (message.Message, bool) {
		if n := len(q.prio); n != 0 {
			return q.prio[n-1], true
		}
		return message.Message{}, false
	})
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.prio) + len(q.reg)
}

func (q *Queue) SizePriority() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.prio)
}

func (q *Queue) SizeRegular() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.reg)
}

func (q *Queue) Empty() bool { return q.Size() == 0 }
func (q *Queue) Limit() int  { return q.limit }
func (q *Queue) Stat() *Stat { return &q.stat }

// Close wakes every waiter with ErrClosed, later Push drops.
// Messages left in queue are discarded.
func (q *Queue) Close() {
	q.closeOne.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.waiters = nil
		close(q.done)
		q.mu.Unlock()
	})
}

// Done is closed by Close.
func (q *Queue) Done() <-chan struct{} { return q.done }

func (q *Queue) wait(ctx context.Context, kind waitKind, take func() (message.Message, bool)) (message.Message, error) {
	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return message.Message{}, ErrClosed
		}
		if m, ok := take(); ok {
			q.mu.Unlock()
			return m, nil
		}
		if err := ctx.Err(); err != nil {
			q.mu.Unlock()
			return message.Message{}, err
		}
		w := &waiter{kind: kind, ch: make(chan struct{}, 1)}
		q.waiters = append(q.waiters, w)
		q.mu.Unlock()

		select {
		case <-w.ch:
			q.mu.Lock()
			if err := ctx.Err(); err != nil {
				if kind == waitPop && len(q.prio)+len(q.reg) != 0 {
					q.wakePopLocked()
				}
				q.mu.Unlock()
				return message.Message{}, err
			}

		case <-q.done:
			q.mu.Lock()

		case <-ctx.Done():
			q.mu.Lock()
			if !q.removeLocked(w) && kind == waitPop && len(q.prio)+len(q.reg) != 0 {
				// signalled and cancelled, pass wake to another consumer
				q.wakePopLocked()
			}
			q.mu.Unlock()
			return message.Message{}, ctx.Err()
		}
	}
}

// wakeLocked signals all peekers interested in the changed sub-queue and exactly one popper.
func (q *Queue) wakeLocked(prio bool) {
	popped := false
	keep := q.waiters[:0]
	for _, w := range q.waiters {
		signal := false
		switch w.kind {
		case waitPop:
			signal = !popped
			popped = popped || signal
		case waitAny:
			signal = true
		case waitRegular:
			signal = !prio
		case waitPriority:
			signal = prio
		}
		if signal {
			w.ch <- struct{}{}
		} else {
			keep = append(keep, w)
		}
	}
	for i := len(keep); i < len(q.waiters); i++ {
		q.waiters[i] = nil
	}
	q.waiters = keep
}

func (q *Queue) wakePopLocked() {
	for i, w := range q.waiters {
		if w.kind == waitPop {
			w.ch <- struct{}{}
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// removeLocked returns false if w was already signalled.
func (q *Queue) removeLocked(w *waiter) bool {
	for i, x := range q.waiters {
		if x == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func shift(s *[]message.Message) message.Message {
	m := (*s)[0]
	(*s)[0] = message.Message{}
	*s = (*s)[1:]
	if len(*s) == 0 {
		*s = nil
	}
	return m
}
