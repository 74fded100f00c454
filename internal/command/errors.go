package command

import "errors"

var (
	// ErrUnknownDevice is returned when the target device was never seen.
	ErrUnknownDevice = errors.New("command: unknown device")

	// ErrReservedParam is returned when a parameter name collides with a
	// control payload field.
	ErrReservedParam = errors.New("command: reserved parameter")

	// ErrInvalidAction is returned for an empty action.
	ErrInvalidAction = errors.New("command: invalid action")

	// ErrNotFound is returned when a command ID is not tracked.
	ErrNotFound = errors.New("command: not found")

	// ErrTimedOut marks a command that was not acknowledged in time.
	ErrTimedOut = errors.New("command: timed out")
)
