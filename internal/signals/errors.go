package signals

import "errors"

var (
	ErrNoHandler           = errors.New("no handler installed for signal")
	ErrUnsupportedPlatform = errors.New("restart policy control is not supported on this architecture")
	ErrInvalidSignal       = errors.New("invalid signal")
)
