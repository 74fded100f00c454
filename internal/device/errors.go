package device

import "errors"

var (
	// ErrDeviceNotFound is returned when a device ID is not known.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidDevice is returned when a record cannot be persisted.
	ErrInvalidDevice = errors.New("device: invalid")
)
