// Package cli runs operator console: interactive prompt on terminal, plain line reader otherwise.
package cli

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
)

type ExecFunc func(line string)
type CompleteFunc func(d prompt.Document) []prompt.Suggest

// MainLoop returns when input ends or ctx is done.
// On terminal, go-prompt owns stdin until process exit, so ctx cancel returns without waiting
// for it and restores terminal mode saved before prompt switched to raw.
func MainLoop(ctx context.Context, tag string, exec ExecFunc, complete CompleteFunc) error {
	if isatty.IsTerminal(os.Stdin.Fd()) {
		restore := saveTerminal(os.Stdin.Fd())
		done := make(chan struct{})
		go func() {
			defer close(done)
			prompt.New(prompt.Executor(exec), prompt.Completer(complete),
				prompt.OptionPrefix(tag+"> "),
				prompt.OptionTitle(tag),
			).Run()
		}()
		select {
		case <-done:
		case <-ctx.Done():
			restore()
		}
		return nil
	}
	return ReadLines(ctx, os.Stdin, exec)
}

// ReadLines calls exec for every non-empty trimmed line of r.
func ReadLines(ctx context.Context, r io.Reader, exec ExecFunc) error {
	lines := make(chan string)
	errch := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errch <- scanner.Err()
	}()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errch:
					return errors.Annotate(err, "console read")
				default:
					return nil
				}
			}
			if line = strings.TrimSpace(line); line != "" {
				exec(line)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Suggester returns fuzzy completer over fixed words.
func Suggester(suggests []prompt.Suggest) CompleteFunc {
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
	}
}
