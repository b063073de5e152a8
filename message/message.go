// Package message is the rover control/telemetry record and its wire codecs.
package message

import (
	"fmt"
	"strconv"
	"strings"
)

type Format int32

const (
	FormatGeneric     Format = -1
	FormatWheel       Format = 0
	FormatArm         Format = 1
	FormatScienceTool Format = 2
)

func (f Format) String() string {
	switch f {
	case FormatGeneric:
		return "generic"
	case FormatWheel:
		return "wheel"
	case FormatArm:
		return "arm"
	case FormatScienceTool:
		return "science_tool"
	}
	return fmt.Sprintf("unknown(%d)", int32(f))
}

// Payload is implemented only by Generic, Wheel, Arm and ScienceTool.
type Payload interface {
	Format() Format
	// wire order
	fields() []int32
	fieldNames() []string
}

type Generic struct {
	Value int32
}

type Wheel struct {
	Velocity        int32
	Theta           int32
	AngularVelocity int32
}

type Arm struct {
	ArmX          int32
	ArmY          int32
	ArmZ          int32
	ClawX         int32
	ClawY         int32
	ClawOpen      int32
	ClawRotation  int32
	WristRotation int32
}

type ScienceTool struct {
	MoveUpDown    int32
	MoveLeftRight int32
	X             int32
	Y             int32
}

func (Generic) Format() Format     { return FormatGeneric }
func (Wheel) Format() Format       { return FormatWheel }
func (Arm) Format() Format         { return FormatArm }
func (ScienceTool) Format() Format { return FormatScienceTool }

func (p Generic) fields() []int32 { return []int32{p.Value} }
func (p Wheel) fields() []int32   { return []int32{p.Velocity, p.Theta, p.AngularVelocity} }
func (p Arm) fields() []int32 {
	return []int32{p.ArmX, p.ArmY, p.ArmZ, p.ClawX, p.ClawY, p.ClawOpen, p.ClawRotation, p.WristRotation}
}
func (p ScienceTool) fields() []int32 { return []int32{p.MoveUpDown, p.MoveLeftRight, p.X, p.Y} }

func (Generic) fieldNames() []string { return []string{"value"} }
func (Wheel) fieldNames() []string   { return []string{"velocity", "theta", "angular_velocity"} }
func (Arm) fieldNames() []string {
	return []string{"arm_x", "arm_y", "arm_z", "claw_x", "claw_y", "claw_open", "claw_rotation", "wrist_rotation"}
}
func (ScienceTool) fieldNames() []string {
	return []string{"move_up_down", "move_left_right", "x", "y"}
}

// FieldCount returns number of wire fields after priority and format tokens.
// Unknown format is read as Generic.
func FieldCount(f Format) int {
	switch f {
	case FormatWheel:
		return 3
	case FormatArm:
		return 8
	case FormatScienceTool:
		return 4
	}
	return 1
}

// NewPayload builds variant selected by format from wire-ordered values.
// Unknown format yields Generic. len(v) must be FieldCount(f).
func NewPayload(f Format, v []int32) (Payload, error) {
	if len(v) != FieldCount(f) {
		return nil, fmt.Errorf("format=%s expected %d fields, got %d", f, FieldCount(f), len(v))
	}
	switch f {
	case FormatWheel:
		return Wheel{Velocity: v[0], Theta: v[1], AngularVelocity: v[2]}, nil
	case FormatArm:
		return Arm{
			ArmX: v[0], ArmY: v[1], ArmZ: v[2],
			ClawX: v[3], ClawY: v[4], ClawOpen: v[5],
			ClawRotation: v[6], WristRotation: v[7],
		}, nil
	case FormatScienceTool:
		return ScienceTool{MoveUpDown: v[0], MoveLeftRight: v[1], X: v[2], Y: v[3]}, nil
	}
	return Generic{Value: v[0]}, nil
}

// Message is immutable value. Zero Message is regular priority Generic{0}.
type Message struct {
	highPriority bool
	payload      Payload
}

// New never fails, nil payload is Generic{0}.
func New(highPriority bool, p Payload) Message {
	if p == nil {
		p = Generic{}
	}
	return Message{highPriority: highPriority, payload: p}
}

func (m Message) HighPriority() bool { return m.highPriority }
func (m Message) Format() Format     { return m.Payload().Format() }

func (m Message) Payload() Payload {
	if m.payload == nil {
		return Generic{}
	}
	return m.payload
}

// String renders message for humans, e.g.
// priority=1 wheel velocity=120 theta=45 angular_velocity=10
func (m Message) String() string {
	p := m.Payload()
	var b strings.Builder
	b.WriteString("priority=")
	b.WriteString(boolDigit(m.highPriority))
	b.WriteByte(' ')
	b.WriteString(p.Format().String())
	names := p.fieldNames()
	for i, v := range p.fields() {
		b.WriteByte(' ')
		b.WriteString(names[i])
		b.WriteByte('=')
		b.WriteString(strconv.FormatInt(int64(v), 10))
	}
	return b.String()
}

func Equal(a, b Message) bool {
	return a.highPriority == b.highPriority && a.Payload() == b.Payload()
}

func boolDigit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
