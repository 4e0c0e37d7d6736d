package clipboard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/aymanbagabas/go-osc52/v2"
)

// system is the slice of the host environment the strategies touch.
type system struct {
	goos     string
	getenv   func(string) string
	lookPath func(string) (string, error)
	run      func(ctx context.Context, stdin io.Reader, name string, args ...string) error
	openTTY  func() (io.WriteCloser, error)
	tempDir  string
}

func hostSystem() system {
	return system{
		goos:     runtime.GOOS,
		getenv:   os.Getenv,
		lookPath: exec.LookPath,
		run:      runCommand,
		openTTY:  openTTY,
	}
}

func runCommand(ctx context.Context, stdin io.Reader, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

func openTTY() (io.WriteCloser, error) {
	if runtime.GOOS == "windows" {
		return nil, ErrUnavailable
	}
	return os.OpenFile("/dev/tty", os.O_WRONLY, 0)
}

type primary struct{ sys system }

// Primary copies through the desktop clipboard service: pbcopy, clip.exe,
// wl-copy, xclip or xsel, whichever the session provides.
func Primary() Strategy { return &primary{sys: hostSystem()} }

func (p *primary) Method() Method { return MethodPrimary }

func (p *primary) commands() [][]string {
	switch p.sys.goos {
	case "darwin":
		return [][]string{{"pbcopy"}}
	case "windows":
		return [][]string{{"clip.exe"}}
	}

	var cmds [][]string
	if p.sys.getenv("WAYLAND_DISPLAY") != "" {
		cmds = append(cmds, []string{"wl-copy"})
	}
	if p.sys.getenv("DISPLAY") != "" {
		cmds = append(cmds,
			[]string{"xclip", "-selection", "clipboard"},
			[]string{"xsel", "--clipboard", "--input"},
		)
	}
	return cmds
}

func (p *primary) Copy(ctx context.Context, text string) error {
	var errs []error
	for _, argv := range p.commands() {
		bin, err := p.sys.lookPath(argv[0])
		if err != nil {
			continue
		}
		if err := p.sys.run(ctx, strings.NewReader(text), bin, argv[1:]...); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", argv[0], err))
			continue
		}
		return nil
	}
	if len(errs) == 0 {
		return fmt.Errorf("no clipboard service: %w", ErrUnavailable)
	}
	return errors.Join(errs...)
}

type legacy struct{ sys system }

// Legacy loads the text into the terminal multiplexer's paste buffer
// (tmux or GNU screen). The text is staged in a private read-only temp
// file that is removed before Copy returns.
func Legacy() Strategy { return &legacy{sys: hostSystem()} }

func (l *legacy) Method() Method { return MethodLegacy }

func (l *legacy) Copy(ctx context.Context, text string) error {
	var mux string
	switch {
	case l.sys.getenv("TMUX") != "":
		mux = "tmux"
	case l.sys.getenv("STY") != "":
		mux = "screen"
	default:
		return fmt.Errorf("no terminal multiplexer: %w", ErrUnavailable)
	}
	bin, err := l.sys.lookPath(mux)
	if err != nil {
		return fmt.Errorf("%s: %w", mux, ErrUnavailable)
	}

	f, err := os.CreateTemp(l.sys.tempDir, "lectern-clip-*")
	if err != nil {
		return err
	}
	staged := f.Name()
	defer os.Remove(staged)

	_, werr := f.WriteString(text)
	if err := errors.Join(werr, f.Close()); err != nil {
		return fmt.Errorf("stage text: %w", err)
	}
	if err := os.Chmod(staged, 0o400); err != nil {
		return fmt.Errorf("stage text: %w", err)
	}

	if mux == "tmux" {
		return l.sys.run(ctx, nil, bin, "load-buffer", "-w", staged)
	}

	// screen -X only queues the command. A -Q query is answered after the
	// queued readbuf has run, so the staged file outlives the read.
	if err := l.sys.run(ctx, nil, bin, "-X", "readbuf", staged); err != nil {
		return err
	}
	if err := l.sys.run(ctx, nil, bin, "-Q", "info"); err != nil {
		return fmt.Errorf("confirm screen buffer: %w", err)
	}
	return nil
}

type manual struct{ sys system }

// Manual writes an OSC 52 escape sequence to the controlling terminal,
// which asks the terminal emulator to set its selection. Terminals that
// ignore OSC 52 cannot be detected.
func Manual() Strategy { return &manual{sys: hostSystem()} }

func (m *manual) Method() Method { return MethodManual }

func (m *manual) Copy(ctx context.Context, text string) error {
	if m.sys.getenv("TERM") == "dumb" {
		return fmt.Errorf("dumb terminal: %w", ErrUnavailable)
	}

	tty, err := m.sys.openTTY()
	if err != nil {
		return fmt.Errorf("open terminal: %w", err)
	}
	defer tty.Close()

	seq := osc52.New(text)
	switch {
	case m.sys.getenv("TMUX") != "":
		seq = seq.Tmux()
	case m.sys.getenv("STY") != "":
		seq = seq.Screen()
	}
	if _, err := seq.WriteTo(tty); err != nil {
		return fmt.Errorf("write terminal: %w", err)
	}
	return nil
}
