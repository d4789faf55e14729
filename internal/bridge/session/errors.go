// Package session holds per-leg call state and the event queue a flow step
// blocks on.
package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for error checking with errors.Is
var (
	// ErrHangup signals that the leg already terminated. It ends a flow
	// quietly and is not a failure.
	ErrHangup = errors.New("channel hung up")

	// ErrQueueClosed is returned by waits on a torn-down session.
	ErrQueueClosed = fmt.Errorf("event queue closed: %w", ErrHangup)

	ErrTimeout    = errors.New("event wait timed out")
	ErrWaiterBusy = errors.New("event queue already has a waiter")
)
