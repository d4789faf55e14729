package events

import (
	"time"

	"github.com/google/uuid"
)

// Builder provides construction of call events with consistent defaults.
type Builder struct {
	nodeID string
	prefix string
}

// NewBuilder creates an event builder with global defaults.
func NewBuilder(nodeID string) *Builder {
	return &Builder{nodeID: nodeID, prefix: SubjectPrefix}
}

// WithPrefix sets the subject root for all events.
func (b *Builder) WithPrefix(prefix string) *Builder {
	if prefix != "" {
		b.prefix = prefix
	}
	return b
}

func (b *Builder) newBase(eventType EventType, callUUID, coreUUID string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		EventTime: time.Now().UTC(),
		CallUUID:  callUUID,
		CoreUUID:  coreUUID,
		NodeID:    b.nodeID,
		prefix:    b.prefix,
	}
}

// CallReceivedBuilder constructs CallReceivedEvent.
type CallReceivedBuilder struct {
	event *CallReceivedEvent
}

// CallReceived starts building a CallReceivedEvent.
func (b *Builder) CallReceived(callUUID, coreUUID string) *CallReceivedBuilder {
	return &CallReceivedBuilder{
		event: &CallReceivedEvent{
			BaseEvent: b.newBase(CallReceived, callUUID, coreUUID),
			Direction: DirectionInbound,
		},
	}
}

func (cb *CallReceivedBuilder) Direction(d Direction) *CallReceivedBuilder {
	cb.event.Direction = d
	return cb
}

func (cb *CallReceivedBuilder) Parties(from, to, callerName string) *CallReceivedBuilder {
	cb.event.From = from
	cb.event.To = to
	cb.event.CallerName = callerName
	return cb
}

func (cb *CallReceivedBuilder) AnswerURL(url string, transferred bool) *CallReceivedBuilder {
	cb.event.AnswerURL = url
	cb.event.Transferred = transferred
	return cb
}

func (cb *CallReceivedBuilder) Account(tag string) *CallReceivedBuilder {
	cb.event.AccountTag = tag
	return cb
}

func (cb *CallReceivedBuilder) Build() *CallReceivedEvent {
	return cb.event
}

// OriginateAttempt builds an OriginateAttemptEvent keyed by the request id.
func (b *Builder) OriginateAttempt(requestUUID, coreUUID, dialString string, attempt, remaining int) *OriginateAttemptEvent {
	return &OriginateAttemptEvent{
		BaseEvent:   b.newBase(CallOriginate, requestUUID, coreUUID),
		RequestUUID: requestUUID,
		DialString:  dialString,
		Attempt:     attempt,
		Remaining:   remaining,
	}
}

// CallRinging builds a CallRingingEvent.
func (b *Builder) CallRinging(callUUID, coreUUID, requestUUID string, earlyMedia bool) *CallRingingEvent {
	return &CallRingingEvent{
		BaseEvent:   b.newBase(CallRinging, callUUID, coreUUID),
		RequestUUID: requestUUID,
		EarlyMedia:  earlyMedia,
	}
}

// CallAnswered builds a CallAnsweredEvent.
func (b *Builder) CallAnswered(callUUID, coreUUID, requestUUID string) *CallAnsweredEvent {
	return &CallAnsweredEvent{
		BaseEvent:   b.newBase(CallAnswered, callUUID, coreUUID),
		RequestUUID: requestUUID,
	}
}

// CallEndedBuilder constructs CallEndedEvent.
type CallEndedBuilder struct {
	event *CallEndedEvent
}

// CallEnded starts building a CallEndedEvent.
func (b *Builder) CallEnded(callUUID, coreUUID string) *CallEndedBuilder {
	return &CallEndedBuilder{
		event: &CallEndedEvent{
			BaseEvent: b.newBase(CallEnded, callUUID, coreUUID),
		},
	}
}

func (cb *CallEndedBuilder) Cause(cause, status string) *CallEndedBuilder {
	cb.event.HangupCause = cause
	cb.event.CallStatus = status
	return cb
}

func (cb *CallEndedBuilder) Request(requestUUID, accountTag string) *CallEndedBuilder {
	cb.event.RequestUUID = requestUUID
	cb.event.AccountTag = accountTag
	return cb
}

func (cb *CallEndedBuilder) Elements(n int) *CallEndedBuilder {
	cb.event.Elements = n
	return cb
}

func (cb *CallEndedBuilder) Build() *CallEndedEvent {
	return cb.event
}
