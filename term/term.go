// Package term puts the host console into raw mode for the
// serial-attached guest console, using golang.org/x/term instead of a
// hand-rolled termios get/set ioctl pair.
package term

import (
	"os"

	xterm "golang.org/x/term"
)

// IsTerminal reports whether stdin is an interactive terminal. Boot()
// needs this to decide whether reading guest console input makes sense
// at all (e.g. when stdin is redirected from /dev/null in a test or CI
// run).
func IsTerminal() bool {
	return xterm.IsTerminal(int(os.Stdin.Fd()))
}

// SetRawMode puts stdin into raw mode and returns a function that
// restores the previous mode.
func SetRawMode() (func(), error) {
	oldState, err := xterm.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return func() {}, err
	}

	return func() {
		_ = xterm.Restore(int(os.Stdin.Fd()), oldState)
	}, nil
}
