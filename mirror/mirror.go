// Package mirror publishes copies of relayed messages to an external broker
// for dashboards and recording. Mirror failures never affect the relay.
package mirror

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/temoto/roverlink/log2"
	"github.com/temoto/roverlink/message"
)

const DefaultPrefix = "roverlink"

type Publisher interface {
	Publish(topic string, payload []byte) error
	Close()
}

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

type Mirror struct {
	Prefix    string
	Codec     message.Codec
	Publisher Publisher
	Log       *log2.Log
}

// Topic is <prefix>/<in|out>/<format>.
func (self *Mirror) Topic(dir Direction, f message.Format) string {
	prefix := self.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s/%s/%s", prefix, dir, f)
}

// Inbound mirrors message received from peer.
func (self *Mirror) Inbound(m message.Message) { self.publish(DirectionIn, m) }

// Outbound mirrors message sent to peer.
func (self *Mirror) Outbound(m message.Message) { self.publish(DirectionOut, m) }

func (self *Mirror) publish(dir Direction, m message.Message) {
	if self == nil || self.Publisher == nil {
		return
	}
	codec := self.Codec
	if codec == nil {
		codec = message.Text
	}
	b, err := codec.Encode(m)
	if err != nil {
		self.Log.Error(errors.Annotatef(err, "mirror encode %s", m))
		return
	}
	topic := self.Topic(dir, m.Format())
	if err := self.Publisher.Publish(topic, b); err != nil {
		self.Log.Error(errors.Annotatef(err, "mirror publish topic=%s", topic))
		return
	}
	self.Log.Debugf("mirror topic=%s %s", topic, m)
}

func (self *Mirror) Close() {
	if self == nil || self.Publisher == nil {
		return
	}
	self.Publisher.Close()
}
