//go:build linux

package cli

import "golang.org/x/sys/unix"

// saveTerminal returns func that puts tty fd back into current mode.
// No-op when fd is not a terminal.
func saveTerminal(fd uintptr) func() {
	saved, err := unix.IoctlGetTermios(int(fd), unix.TCGETS)
	if err != nil {
		return func() {}
	}
	return func() { _ = unix.IoctlSetTermios(int(fd), unix.TCSETS, saved) }
}
