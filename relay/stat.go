package relay

// Complex values are read and modified atomically, but not consistently,
// i.e. it is possible to read .Count=1 .Size=0 because Size has not updated yet.

import (
	"expvar"
	"fmt"

	"github.com/temoto/roverlink/transport"
)

type SessionStat struct {
	// sessions reached Active
	Conn expvar.Int
	Recv Counters
	Send Counters
	// inbound frames read but not dispatched because session ended
	InboxDropped expvar.Int
	DecodeErrors expvar.Int
}

func (ss *SessionStat) Add(other *SessionStat) {
	ss.Conn.Add(other.Conn.Value())
	ss.Recv.Add(&other.Recv)
	ss.Send.Add(&other.Send)
	ss.InboxDropped.Add(other.InboxDropped.Value())
	ss.DecodeErrors.Add(other.DecodeErrors.Value())
}

func (ss *SessionStat) AddMoveFrom(other *SessionStat) {
	tmp := other.Value()
	ss.Add(&tmp)
	other.Sub(&tmp)
}

func (ss *SessionStat) Sub(other *SessionStat) {
	ss.Conn.Add(-other.Conn.Value())
	ss.Recv.Sub(&other.Recv)
	ss.Send.Sub(&other.Send)
	ss.InboxDropped.Add(-other.InboxDropped.Value())
	ss.DecodeErrors.Add(-other.DecodeErrors.Value())
}

func (ss *SessionStat) Value() (r SessionStat) {
	r.Conn.Set(ss.Conn.Value())
	r.Recv.Set(ss.Recv.Value())
	r.Send.Set(ss.Send.Value())
	r.InboxDropped.Set(ss.InboxDropped.Value())
	r.DecodeErrors.Set(ss.DecodeErrors.Value())
	return
}

func (ss *SessionStat) String() string {
	return fmt.Sprintf(`{"conn":%d,"recv":%s,"send":%s,"inbox_dropped":%d,"decode_errors":%d}`,
		ss.Conn.Value(), ss.Recv.String(), ss.Send.String(),
		ss.InboxDropped.Value(), ss.DecodeErrors.Value())
}

type Counters struct {
	Text   CountSizePair
	Binary CountSizePair
}

func (c *Counters) Add(c2 *Counters) {
	c.Text.Add(&c2.Text)
	c.Binary.Add(&c2.Binary)
}

func (c *Counters) Register(f transport.Frame) {
	pair := &c.Text
	if f.Kind == transport.FrameBinary {
		pair = &c.Binary
	}
	pair.Count.Add(1)
	pair.Size.Add(int64(len(f.Data)))
}

func (c *Counters) Set(new Counters) {
	c.Text.Set(new.Text.Value())
	c.Binary.Set(new.Binary.Value())
}

func (c *Counters) Sub(other *Counters) {
	c.Text.Sub(&other.Text)
	c.Binary.Sub(&other.Binary)
}

// Total frame count of both kinds.
func (c *Counters) Total() int64 { return c.Text.Count.Value() + c.Binary.Count.Value() }

func (c *Counters) Value() (r Counters) {
	r.Text = c.Text.Value()
	r.Binary = c.Binary.Value()
	return
}

func (c *Counters) String() string {
	return fmt.Sprintf(`{"text.count":%d,"text.size":%d,"binary.count":%d,"binary.size":%d}`,
		c.Text.Count.Value(), c.Text.Size.Value(),
		c.Binary.Count.Value(), c.Binary.Size.Value())
}

type CountSizePair struct {
	Count expvar.Int
	Size  expvar.Int
}

func (csp *CountSizePair) Add(other *CountSizePair) {
	csp.Count.Add(other.Count.Value())
	csp.Size.Add(other.Size.Value())
}

func (csp *CountSizePair) Value() (r CountSizePair) {
	r.Count.Set(csp.Count.Value())
	r.Size.Set(csp.Size.Value())
	return
}

func (csp *CountSizePair) Set(new CountSizePair) {
	csp.Count.Set(new.Count.Value())
	csp.Size.Set(new.Size.Value())
}

func (csp *CountSizePair) Sub(other *CountSizePair) {
	csp.Count.Add(-other.Count.Value())
	csp.Size.Add(-other.Size.Value())
}
