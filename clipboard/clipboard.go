// Package clipboard copies text to the user's clipboard on a best-effort
// basis. A Writer tries a fixed chain of strategies and reports which one
// worked; it never returns an error.
package clipboard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Method names the strategy that delivered the text.
type Method string

const (
	MethodPrimary Method = "primary-api"
	MethodLegacy  Method = "legacy-command"
	MethodManual  Method = "manual-selection"
	MethodNone    Method = "none"
)

// ErrUnavailable means a strategy cannot run in this environment at all.
var ErrUnavailable = errors.New("not available in this environment")

// Outcome reports the result of a Copy.
type Outcome struct {
	Succeeded bool
	Method    Method
	// Diagnostic explains a failure. Empty on success.
	Diagnostic string
}

// Strategy is one way of getting text onto the clipboard.
type Strategy interface {
	Method() Method
	Copy(ctx context.Context, text string) error
}

// Writer tries its strategies in order and stops at the first success.
type Writer struct {
	strategies []Strategy
	timeout    time.Duration
	logger     *log.Logger
}

type Option func(*Writer)

// WithStrategies replaces the default chain.
func WithStrategies(s ...Strategy) Option {
	return func(w *Writer) {
		w.strategies = s
	}
}

// WithStrategyTimeout bounds each strategy attempt.
func WithStrategyTimeout(d time.Duration) Option {
	return func(w *Writer) {
		if d > 0 {
			w.timeout = d
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

// New returns a Writer with the chain Primary, Legacy, Manual.
func New(opts ...Option) *Writer {
	w := &Writer{
		strategies: []Strategy{Primary(), Legacy(), Manual()},
		timeout:    5 * time.Second,
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "clipboard",
			Level:  log.WarnLevel,
		}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Copy puts text on the clipboard using the first strategy that works.
func (w *Writer) Copy(ctx context.Context, text string) Outcome {
	var failures []string
	for _, s := range w.strategies {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err.Error())
			break
		}

		err := w.attempt(ctx, s, text)
		if err == nil {
			w.logger.Debug("copied to clipboard", "method", s.Method(), "bytes", len(text))
			return Outcome{Succeeded: true, Method: s.Method()}
		}
		w.logger.Debug("clipboard strategy failed", "method", s.Method(), "err", err)
		failures = append(failures, fmt.Sprintf("%s: %v", s.Method(), err))
	}

	return Outcome{
		Method:     MethodNone,
		Diagnostic: "clipboard blocked by environment policy: " + strings.Join(failures, "; "),
	}
}

func (w *Writer) attempt(ctx context.Context, s Strategy, text string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return s.Copy(ctx, text)
}
