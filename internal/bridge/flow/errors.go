// Package flow fetches call-flow documents and walks them against a live
// call leg, one element at a time.
package flow

import (
	"errors"
	"fmt"

	"github.com/sebas/callbridge/internal/bridge/session"
)

// Sentinel errors for error checking with errors.Is
var (
	ErrMalformedDocument = errors.New("malformed document")
	ErrUnknownElement    = errors.New("unknown element")
	ErrIllegalNesting    = errors.New("illegal nesting")
	ErrInvalidAttribute  = errors.New("invalid attribute")
	ErrTooManyRedirects  = errors.New("too many redirects")
)

// ElementError captures where in a document a walk failed.
// Use errors.As to extract this from wrapped errors.
type ElementError struct {
	URL     string
	Element string
	Line    int
	Step    int // 1-based position among top-level elements
	Cause   error
}

func (e *ElementError) Error() string {
	return fmt.Sprintf("%s: element %d <%s> at line %d: %v", e.URL, e.Step, e.Element, e.Line, e.Cause)
}

func (e *ElementError) Unwrap() error {
	return e.Cause
}

// IsHangup reports whether err only signals that the leg went away.
func IsHangup(err error) bool {
	return errors.Is(err, session.ErrHangup)
}
