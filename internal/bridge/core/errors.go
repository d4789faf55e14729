package core

import "errors"

// Sentinel errors for error checking with errors.Is
var (
	ErrInvalidRequest = errors.New("invalid call request")
	ErrNoAttempts     = errors.New("call request has no dial attempts")
	ErrUnknownCore    = errors.New("unknown switch instance")
)
