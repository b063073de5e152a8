package message

import (
	"github.com/juju/errors"
	"github.com/temoto/roverlink/transport"
)

// Codec converts Message to frame payload and back.
type Codec interface {
	Name() string
	Kind() transport.FrameKind
	Encode(Message) ([]byte, error)
	Decode([]byte) (Message, error)
}

var (
	Text   Codec = textCodec{}
	Binary Codec = binaryCodec{}
)

type textCodec struct{}

func (textCodec) Name() string                     { return "text" }
func (textCodec) Kind() transport.FrameKind        { return transport.FrameText }
func (textCodec) Encode(m Message) ([]byte, error) { return []byte(m.Serialize()), nil }
func (textCodec) Decode(b []byte) (Message, error) { return Deserialize(string(b)) }

type binaryCodec struct{}

func (binaryCodec) Name() string                     { return "binary" }
func (binaryCodec) Kind() transport.FrameKind        { return transport.FrameBinary }
func (binaryCodec) Encode(m Message) ([]byte, error) { return m.MarshalBinary() }
func (binaryCodec) Decode(b []byte) (Message, error) { return UnmarshalBinary(b) }

// CodecByName accepts "text", "binary"; empty means text.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "text":
		return Text, nil
	case "binary":
		return Binary, nil
	}
	return nil, errors.NotValidf("codec=%q", name)
}

// EncodeFrame returns frame of codec kind.
func EncodeFrame(c Codec, m Message) (transport.Frame, error) {
	b, err := c.Encode(m)
	if err != nil {
		return transport.Frame{}, errors.Annotatef(err, "encode %s", c.Name())
	}
	return transport.Frame{Kind: c.Kind(), Data: b}, nil
}

// DecodeFrame picks codec by frame kind, so peers may use either codec.
func DecodeFrame(f transport.Frame) (Message, error) {
	switch f.Kind {
	case transport.FrameText:
		return Text.Decode(f.Data)
	case transport.FrameBinary:
		return Binary.Decode(f.Data)
	}
	return Message{}, errors.Annotatef(ErrMalformed, "frame kind=%s", f.Kind)
}
