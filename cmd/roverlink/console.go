package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/roverlink/helpers/cli"
	"github.com/temoto/roverlink/log2"
	"github.com/temoto/roverlink/message"
)

var consoleFormats = map[string]message.Format{
	"generic": message.FormatGeneric,
	"wheel":   message.FormatWheel,
	"arm":     message.FormatArm,
	"sci":     message.FormatScienceTool,
	"science": message.FormatScienceTool,
}

var consoleSuggest = []prompt.Suggest{
	{Text: "wheel", Description: "wheel velocity theta angular_velocity"},
	{Text: "arm", Description: "arm arm_x arm_y arm_z claw_x claw_y claw_open claw_rotation wrist_rotation"},
	{Text: "sci", Description: "sci move_up_down move_left_right x y"},
	{Text: "generic", Description: "generic value"},
	{Text: "stat", Description: "print counters"},
	{Text: "help", Description: "print line syntax"},
}

const consoleHelp = `line syntax, prefix ! for high priority:
  wheel <velocity> <theta> <angular_velocity>
  arm <arm_x> <arm_y> <arm_z> <claw_x> <claw_y> <claw_open> <claw_rotation> <wrist_rotation>
  sci <move_up_down> <move_left_right> <x> <y>
  generic <value>
  <priority 0|1> <format> <fields...>   raw wire text
  stat
  help`

// parseLine accepts "[!]<word> <ints...>" or raw wire text.
func parseLine(line string) (message.Message, error) {
	line = strings.TrimSpace(line)
	highPriority := strings.HasPrefix(line, "!")
	tokens := strings.Fields(strings.TrimPrefix(line, "!"))
	if len(tokens) == 0 {
		return message.Message{}, errors.NotValidf("empty line")
	}
	format, ok := consoleFormats[strings.ToLower(tokens[0])]
	if !ok {
		if highPriority {
			return message.Message{}, errors.NotValidf("unknown word=%q", tokens[0])
		}
		m, err := message.Deserialize(line)
		return m, errors.Annotate(err, "raw")
	}
	values := make([]int32, 0, len(tokens)-1)
	for _, tok := range tokens[1:] {
		v, err := strconv.ParseInt(tok, 10, 32)
		if err != nil {
			return message.Message{}, errors.NotValidf("%s field=%q", tokens[0], tok)
		}
		values = append(values, int32(v))
	}
	p, err := message.NewPayload(format, values)
	if err != nil {
		return message.Message{}, errors.Annotate(err, tokens[0])
	}
	return message.New(highPriority, p), nil
}

// console dispatches operator lines, messages go to send.
type console struct {
	log  *log2.Log
	out  io.Writer
	send func(message.Message) error
	stat func() string
}

func (c *console) exec(line string) {
	switch strings.TrimSpace(line) {
	case "":
		return
	case "help", "?":
		fmt.Fprintln(c.out, consoleHelp)
		return
	case "stat":
		fmt.Fprintln(c.out, c.stat())
		return
	}
	m, err := parseLine(line)
	if err != nil {
		c.log.Errorf("console: %v", err)
		return
	}
	if err = c.send(m); err != nil {
		c.log.Errorf("console: send %s: %v", m, err)
		return
	}
	c.log.Debugf("console: sent %s", m)
}

func (c *console) run(ctx context.Context) error {
	return cli.MainLoop(ctx, appName, c.exec, cli.Suggester(consoleSuggest))
}
