package executor

import (
	"errors"
	"fmt"
)

var (
	ErrInterpreterClosed = errors.New("interpreter closed")
	ErrLoaderClosed      = errors.New("loader closed")
	ErrExecTimeout       = errors.New("execution timed out")
	ErrNotPrepared       = errors.New("engine not prepared")
)

// GuestError is an exception raised by guest code.
type GuestError struct {
	Message string
}

func (e *GuestError) Error() string {
	return e.Message
}

// Load steps reported by LoadError.
const (
	StepFetch  = "fetch"
	StepBoot   = "boot"
	StepImport = "import"
)

// LoadError reports which initialization step of a Loader failed.
type LoadError struct {
	Step string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load runtime: %s: %v", e.Step, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
