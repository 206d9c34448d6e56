package encsync

import (
	"errors"
	"fmt"
)

// Sentinel errors returned to producers and lifecycle owners. Capacity
// errors are never fatal: the caller drops or retries.
var (
	ErrNoStreamSlot    = errors.New("encsync: no free stream slot")
	ErrNoBufferSlot    = errors.New("encsync: no free buffer slot")
	ErrQueueFull       = errors.New("encsync: input queue full")
	ErrUnknownStream   = errors.New("encsync: unknown stream")
	ErrDuplicateStream = errors.New("encsync: stream already connected")
	ErrHalted          = errors.New("encsync: coordinator halted")
	ErrNilReleaser     = errors.New("encsync: nil releaser")
)

// StateError reports a state-machine configuration that should be
// unreachable. The scheduler logs it and skips the stream for one tick.
type StateError struct {
	Stream string
	State  State
	Detail string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("encsync: stream %s in state %s: %s", e.Stream, e.State, e.Detail)
}
