package message

import (
	"bytes"

	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
)

// MarshalBinary writes protobuf varints: priority, zigzag format, zigzag fields in wire order.
func (m Message) MarshalBinary() ([]byte, error) {
	p := m.Payload()
	return encodeBinary(m.highPriority, p.Format(), p.fields())
}

// UnmarshalBinary accepts only canonical MarshalBinary layout.
// Unknown format is read as Generic with one field.
// All errors satisfy IsMalformed.
func UnmarshalBinary(b []byte) (Message, error) {
	if len(b) == 0 {
		return Message{}, errors.Annotate(ErrMalformed, "empty")
	}
	buf := proto.NewBuffer(b)
	prio, err := buf.DecodeVarint()
	if err != nil {
		return Message{}, errors.Annotatef(ErrMalformed, "priority: %v", err)
	}
	if prio > 1 {
		return Message{}, errors.Annotatef(ErrMalformed, "priority=%d", prio)
	}
	fx, err := buf.DecodeZigzag32()
	if err != nil {
		return Message{}, errors.Annotatef(ErrMalformed, "format: %v", err)
	}
	format := Format(int32(uint32(fx)))
	values := make([]int32, FieldCount(format))
	for i := range values {
		x, err := buf.DecodeZigzag32()
		if err != nil {
			return Message{}, errors.Annotatef(ErrMalformed, "format=%s field %d: %v", format, i+1, err)
		}
		values[i] = int32(uint32(x))
	}

	// proto.Buffer does not expose read offset, re-encoding catches trailing and overlong bytes
	check, err := encodeBinary(prio == 1, format, values)
	if err != nil || !bytes.Equal(check, b) {
		return Message{}, errors.Annotatef(ErrMalformed, "format=%s non-canonical or trailing bytes", format)
	}

	p, err := NewPayload(format, values)
	if err != nil {
		return Message{}, errors.Annotate(ErrMalformed, err.Error())
	}
	return New(prio == 1, p), nil
}

func encodeBinary(highPriority bool, format Format, fields []int32) ([]byte, error) {
	buf := proto.NewBuffer(make([]byte, 0, 2+len(fields)*2))
	var prio uint64
	if highPriority {
		prio = 1
	}
	if err := buf.EncodeVarint(prio); err != nil {
		return nil, errors.Trace(err)
	}
	if err := buf.EncodeZigzag32(uint64(format)); err != nil {
		return nil, errors.Trace(err)
	}
	for _, v := range fields {
		if err := buf.EncodeZigzag32(uint64(v)); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return buf.Bytes(), nil
}
