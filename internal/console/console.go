// Package console adapts a host terminal to the simulator's bare-metal character-out CSR and
// interactive debug input, standing in for the host front-end spec.md §1 explicitly excludes from
// the simulator core itself. It is grounded on the teacher's internal/tty package: the same
// raw-mode-terminal setup via golang.org/x/term and golang.org/x/sys/unix, narrowed from the
// teacher's two-directional keyboard/display device emulation to a write-only character sink (the
// ConsoleOut CSR) plus a line-buffered debug-command reader used by the -d interactive flag.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrNoTTY is wrapped into New's error when the input is a terminal but cannot be put into raw
// mode. When the input is not a terminal at all, New returns no error and the console falls back
// to plain, non-raw I/O (suitable for piping a script of debug commands).
var ErrNoTTY = errors.New("console: not a tty")

// Console adapts a host terminal to the simulator's character-out CSR and, when running under -d,
// a line-oriented debug command prompt.
type Console struct {
	in  *os.File
	out io.Writer

	fd    int
	state *term.State
	raw   bool

	lines *bufio.Scanner
}

// New creates a console writing the bare-metal character stream to out and, if sin is a terminal,
// reading debug commands from it in raw mode. If sin is not a terminal, New still succeeds — debug
// commands are then read line-buffered, with no raw-mode echo control, which is exactly what
// piping a fixture script into the binary needs.
func New(sin *os.File, out io.Writer) (*Console, error) {
	c := &Console{in: sin, out: out, lines: bufio.NewScanner(sin)}

	fd := int(sin.Fd())
	if !term.IsTerminal(fd) {
		return c, nil
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("console: %w: %w", ErrNoTTY, err)
	}

	c.fd = fd
	c.state = saved
	c.raw = true

	// Block reads on a whole byte rather than returning early on a partial read, matching the
	// teacher's tty.setTerminalParams: debug commands are read a line at a time, not a keystroke
	// at a time, so there is no need for VTIME's inter-byte timeout.
	if err := c.setTerminalParams(1, 0); err != nil {
		_ = term.Restore(fd, saved)
		return nil, fmt.Errorf("console: %w", err)
	}

	return c, nil
}

func (c *Console) setTerminalParams(vmin, vtime byte) error {
	termIO, err := unix.IoctlGetTermios(c.fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	return unix.IoctlSetTermios(c.fd, setTermiosIoctl, termIO)
}

// WriteByte implements sim.ConsoleWriter: a write to the bare-metal character-out CSR is echoed
// directly to the host terminal.
func (c *Console) WriteByte(b byte) {
	_, _ = fmt.Fprintf(c.out, "%c", rune(b))
}

// ReadCommand blocks for one line of debug-console input (e.g. "regs", "continue", "quit"), or
// returns ctx's error if it is cancelled first.
func (c *Console) ReadCommand(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}

	ch := make(chan result, 1)

	go func() {
		if c.lines.Scan() {
			ch <- result{line: c.lines.Text()}
			return
		}

		err := c.lines.Err()
		if err == nil {
			err = io.EOF
		}

		ch <- result{err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.line, r.err
	}
}

// Restore returns the terminal to its original state, if it was put into raw mode. Deferred by
// callers right after New succeeds.
func (c *Console) Restore() {
	if !c.raw {
		return
	}

	_ = c.in.SetReadDeadline(time.Now())
	_ = term.Restore(c.fd, c.state)
}
