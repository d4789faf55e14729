// Package events provides call lifecycle event definitions and publishing infrastructure.
package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the type of call event
type EventType string

const (
	// CallReceived fires when a leg connects to the outbound socket
	CallReceived EventType = "call.received"
	// CallOriginate fires for every origination attempt of a call request
	CallOriginate EventType = "call.originate"
	// CallRinging fires on the first progress event of an outbound request
	CallRinging EventType = "call.ringing"
	// CallAnswered fires when the leg is answered
	CallAnswered EventType = "call.answered"
	// CallEnded fires when the leg hangs up (any reason)
	CallEnded EventType = "call.ended"
)

// Direction indicates call direction
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Event is the base interface for all call events
type Event interface {
	// Type returns the event type for routing/filtering
	Type() EventType
	// Subject returns the NATS subject this event should publish to
	Subject() string
	// Timestamp returns when the event occurred
	Timestamp() time.Time
	// CallID returns the primary correlation ID
	CallID() string
	// ID returns the unique event id used for deduplication
	ID() string
}

// BaseEvent contains fields common to all events
type BaseEvent struct {
	// EventID is a unique identifier for this event instance (for deduplication)
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	EventTime time.Time `json:"event_time"`
	// CallUUID is the switch channel UUID, or the request id before a
	// channel exists
	CallUUID string `json:"call_uuid"`
	// CoreUUID identifies the switch instance owning the leg
	CoreUUID   string `json:"core_uuid,omitempty"`
	AccountTag string `json:"account_tag,omitempty"`
	// NodeID identifies the callbridge instance
	NodeID string `json:"node_id,omitempty"`

	prefix string
}

func (e *BaseEvent) Type() EventType      { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time { return e.EventTime }
func (e *BaseEvent) CallID() string       { return e.CallUUID }
func (e *BaseEvent) ID() string           { return e.EventID }

// Subject returns the NATS subject for routing
// Format: <prefix>.calls.<call_uuid>.<event_type_suffix>
func (e *BaseEvent) Subject() string {
	prefix := e.prefix
	if prefix == "" {
		prefix = SubjectPrefix
	}
	return CallSubjectWithPrefix(prefix, e.CallUUID, SubjectForEventType(e.EventType))
}

// CallReceivedEvent fires when a leg connects
type CallReceivedEvent struct {
	BaseEvent
	Direction  Direction `json:"direction"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	CallerName string    `json:"caller_name,omitempty"`
	AnswerURL  string    `json:"answer_url"`
	// Transferred is set when the leg re-entered through a live transfer
	Transferred bool `json:"transferred,omitempty"`
}

// OriginateAttemptEvent fires for each dial attempt of a call request
type OriginateAttemptEvent struct {
	BaseEvent
	RequestUUID string `json:"request_uuid"`
	JobUUID     string `json:"job_uuid,omitempty"`
	DialString  string `json:"dial_string"`
	Attempt     int    `json:"attempt"`
	Remaining   int    `json:"remaining"`
	Group       bool   `json:"group,omitempty"`
}

// CallRingingEvent fires on ringing or early media
type CallRingingEvent struct {
	BaseEvent
	RequestUUID string `json:"request_uuid,omitempty"`
	EarlyMedia  bool   `json:"early_media"`
}

// CallAnsweredEvent fires when the leg is answered
type CallAnsweredEvent struct {
	BaseEvent
	RequestUUID string `json:"request_uuid,omitempty"`
}

// CallEndedEvent fires when the leg terminates
type CallEndedEvent struct {
	BaseEvent
	RequestUUID string `json:"request_uuid,omitempty"`
	HangupCause string `json:"hangup_cause"`
	// CallStatus is the webhook status: completed, busy, no-answer or failed
	CallStatus string `json:"call_status"`
	// Elements counts the call-flow elements executed on the leg
	Elements int `json:"elements,omitempty"`
}

// MarshalEvent encodes an event as JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
