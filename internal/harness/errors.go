package harness

import "fmt"

// Setup stages, in the order a run goes through them.
const (
	StagePaths   = "paths"
	StageSource  = "source"
	StageHandler = "handler"
	StageStart   = "start"
)

// SetupError means the run failed before its first iteration.
type SetupError struct {
	Stage   string
	Message string
	Err     error
}

func (e *SetupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

func NewSetupError(stage string, err error) *SetupError {
	return &SetupError{
		Stage:   stage,
		Message: fmt.Sprintf("setup failed at %s", stage),
		Err:     err,
	}
}
