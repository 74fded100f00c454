package dispatch

import "errors"

var (
	// ErrConnectionLost is returned by command submission while the bus is
	// down and the offline policy is fail_fast.
	ErrConnectionLost = errors.New("dispatch: connection lost")

	// ErrStopped is returned by facade calls after the loop has exited.
	ErrStopped = errors.New("dispatch: loop stopped")
)
