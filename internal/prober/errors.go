package prober

import (
	"fmt"
)

type ErrorCode int

const (
	ErrCodeInterrupted ErrorCode = iota + 1
	ErrCodeIO
	ErrCodeCancelled
)

// ProbeError describes why the loop stopped. ErrCodeInterrupted is the
// condition being tested for, not a failure of the run.
type ProbeError struct {
	Code      ErrorCode
	Message   string
	Iteration uint64
	Op        Op
	Path      string
	Err       error
}

func (e *ProbeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

func NewInterruptError(iteration uint64, op Op, path string, err error) *ProbeError {
	return &ProbeError{
		Code:      ErrCodeInterrupted,
		Message:   fmt.Sprintf("%s %s interrupted at iteration %d", op, path, iteration),
		Iteration: iteration,
		Op:        op,
		Path:      path,
		Err:       err,
	}
}

func NewIOError(iteration uint64, op Op, path string, err error) *ProbeError {
	return &ProbeError{
		Code:      ErrCodeIO,
		Message:   fmt.Sprintf("%s %s failed at iteration %d", op, path, iteration),
		Iteration: iteration,
		Op:        op,
		Path:      path,
		Err:       err,
	}
}

func NewCancelledError(iteration uint64, err error) *ProbeError {
	return &ProbeError{
		Code:      ErrCodeCancelled,
		Message:   fmt.Sprintf("run cancelled after iteration %d", iteration),
		Iteration: iteration,
		Err:       err,
	}
}
