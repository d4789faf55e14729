package session

import "fmt"

// Status represents the lifecycle state of a call leg
type Status int

const (
	// StatusRinging is the initial state, the far end is alerting
	StatusRinging Status = iota
	// StatusEarlyMedia is after progress media was received
	StatusEarlyMedia
	// StatusInProgress is after the leg was answered
	StatusInProgress
	// StatusCompleted is the final state after hangup
	StatusCompleted
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case StatusRinging:
		return "Ringing"
	case StatusEarlyMedia:
		return "EarlyMedia"
	case StatusInProgress:
		return "InProgress"
	case StatusCompleted:
		return "Completed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Param returns the CallStatus value reported to web hooks.
func (s Status) Param() string {
	switch s {
	case StatusRinging:
		return "ringing"
	case StatusEarlyMedia:
		return "early-media"
	case StatusInProgress:
		return "in-progress"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// validTransitions defines which status changes are allowed. Status only
// moves forward; late progress events after answer are ignored.
var validTransitions = map[Status][]Status{
	StatusRinging:    {StatusEarlyMedia, StatusInProgress, StatusCompleted},
	StatusEarlyMedia: {StatusInProgress, StatusCompleted},
	StatusInProgress: {StatusCompleted},
	StatusCompleted:  {}, // Terminal state
}

// CanTransitionTo checks if a transition from current status to next is valid
func (s Status) CanTransitionTo(next Status) bool {
	for _, st := range validTransitions[s] {
		if st == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal status
func (s Status) IsTerminal() bool {
	return s == StatusCompleted
}

// Direction tells whether the leg was received or originated by us
type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

// String returns "inbound" or "outbound"
func (d Direction) String() string {
	if d == DirectionOutbound {
		return "outbound"
	}
	return "inbound"
}

// ParseDirection maps the switch's Call-Direction header value.
func ParseDirection(s string) Direction {
	if s == "outbound" {
		return DirectionOutbound
	}
	return DirectionInbound
}
