package events

import "fmt"

// Subject naming conventions for NATS.
//
// Hierarchy:
//   callbridge.calls.<call_uuid>.<event_suffix>  - Per-call events
//
// Wildcard subscriptions:
//   callbridge.calls.>                           - All call events
//   callbridge.calls.*.ended                     - All call.ended events
//   callbridge.calls.<call_uuid>.*               - All events for one call

const (
	// SubjectPrefix is the default root of all subjects
	SubjectPrefix = "callbridge"

	SubjectCallReceived  = "received"
	SubjectCallOriginate = "originate"
	SubjectCallRinging   = "ringing"
	SubjectCallAnswered  = "answered"
	SubjectCallEnded     = "ended"
)

// CallSubject builds a subject for a specific call event.
// Example: CallSubject("abc-123", "ended") => "callbridge.calls.abc-123.ended"
func CallSubject(callUUID string, eventSuffix string) string {
	return CallSubjectWithPrefix(SubjectPrefix, callUUID, eventSuffix)
}

// CallSubjectWithPrefix builds a call subject under a custom root.
func CallSubjectWithPrefix(prefix, callUUID, eventSuffix string) string {
	return fmt.Sprintf("%s.calls.%s.%s", prefix, callUUID, eventSuffix)
}

// PatternAllCalls matches all call events under prefix.
func PatternAllCalls(prefix string) string {
	return prefix + ".calls.>"
}

// SubjectForEventType returns the suffix used for a given event type.
func SubjectForEventType(t EventType) string {
	switch t {
	case CallReceived:
		return SubjectCallReceived
	case CallOriginate:
		return SubjectCallOriginate
	case CallRinging:
		return SubjectCallRinging
	case CallAnswered:
		return SubjectCallAnswered
	case CallEnded:
		return SubjectCallEnded
	default:
		return "unknown"
	}
}
