package message

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

var ErrMalformed = fmt.Errorf("malformed message")

func IsMalformed(err error) bool { return errors.Cause(err) == ErrMalformed }

// Serialize writes "<priority 0|1> <format> <fields...>" separated by single space.
func (m Message) Serialize() string {
	p := m.Payload()
	fields := p.fields()
	var b strings.Builder
	b.Grow(4 + len(fields)*6)
	b.WriteString(boolDigit(m.highPriority))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(int64(p.Format()), 10))
	for _, v := range fields {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(int64(v), 10))
	}
	return b.String()
}

// Deserialize parses Serialize output, any whitespace separates tokens.
// Unknown format is read as Generic with one field.
// All errors satisfy IsMalformed.
func Deserialize(text string) (Message, error) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return Message{}, errors.Annotate(ErrMalformed, "empty")
	}
	var highPriority bool
	switch tokens[0] {
	case "0":
	case "1":
		highPriority = true
	default:
		return Message{}, errors.Annotatef(ErrMalformed, "priority=%q", tokens[0])
	}
	if len(tokens) < 2 {
		return Message{}, errors.Annotate(ErrMalformed, "missing format")
	}
	format, err := parseFormat(tokens[1])
	if err != nil {
		return Message{}, errors.Annotatef(ErrMalformed, "format=%q", tokens[1])
	}
	n := FieldCount(format)
	rest := tokens[2:]
	if len(rest) < n {
		return Message{}, errors.Annotatef(ErrMalformed, "format=%s expected %d fields, got %d", format, n, len(rest))
	}
	if len(rest) > n {
		return Message{}, errors.Annotatef(ErrMalformed, "format=%s trailing %q", format, strings.Join(rest[n:], " "))
	}
	values := make([]int32, n)
	for i, tok := range rest {
		if values[i], err = parseInt32(tok); err != nil {
			return Message{}, errors.Annotatef(ErrMalformed, "field %d=%q", i+1, tok)
		}
	}
	p, err := NewPayload(format, values)
	if err != nil {
		return Message{}, errors.Annotate(ErrMalformed, err.Error())
	}
	return New(highPriority, p), nil
}

// parseFormat reads any integer, values outside int32 are Generic like other unknown formats.
func parseFormat(s string) (Format, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			return FormatGeneric, nil
		}
		return 0, err
	}
	if v < math.MinInt32 || v > math.MaxInt32 {
		return FormatGeneric, nil
	}
	return Format(v), nil
}

func parseInt32(s string) (int32, error) {
	v, err := strconv.ParseInt(s, 10, 32)
	return int32(v), err
}
