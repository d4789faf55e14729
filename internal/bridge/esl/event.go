// Package esl wraps the FreeSWITCH event socket used to drive call legs.
package esl

import (
	"fmt"
	"net/textproto"
	"net/url"
	"sort"
	"strings"

	"github.com/fiorix/go-eventsocket/eventsocket"
)

// Event names the engine reacts to.
const (
	EventBackgroundJob         = "BACKGROUND_JOB"
	EventChannelAnswer         = "CHANNEL_ANSWER"
	EventChannelBridge         = "CHANNEL_BRIDGE"
	EventChannelUnbridge       = "CHANNEL_UNBRIDGE"
	EventChannelExecute        = "CHANNEL_EXECUTE"
	EventChannelExecuteDone    = "CHANNEL_EXECUTE_COMPLETE"
	EventChannelHangup         = "CHANNEL_HANGUP"
	EventChannelHangupComplete = "CHANNEL_HANGUP_COMPLETE"
	EventChannelProgress       = "CHANNEL_PROGRESS"
	EventChannelProgressMedia  = "CHANNEL_PROGRESS_MEDIA"
	EventChannelPark           = "CHANNEL_PARK"
	EventCustom                = "CUSTOM"
	EventDetectedSpeech        = "DETECTED_SPEECH"
)

// Event is a control-socket event or a command reply. Header keys are
// stored in canonical MIME form so lookups are case-insensitive.
type Event struct {
	Header map[string]string
	Body   string
}

// NewEvent builds an event from raw headers, canonicalizing the keys.
func NewEvent(headers map[string]string, body string) *Event {
	ev := &Event{
		Header: make(map[string]string, len(headers)),
		Body:   body,
	}
	for k, v := range headers {
		ev.Header[textproto.CanonicalMIMEHeaderKey(k)] = v
	}
	return ev
}

func fromSocket(ev *eventsocket.Event) *Event {
	if ev == nil {
		return nil
	}
	out := &Event{
		Header: make(map[string]string, len(ev.Header)),
		Body:   ev.Body,
	}
	for k, v := range ev.Header {
		var s string
		switch val := v.(type) {
		case string:
			s = val
		case []string:
			s = strings.Join(val, ",")
		default:
			s = fmt.Sprint(val)
		}
		out.Header[textproto.CanonicalMIMEHeaderKey(k)] = s
	}
	return out
}

// decode percent-decodes every header value in place. A literal '+' is kept,
// as in "+OK" or an E.164 number. Values that are not valid encodings are
// kept as they are.
func (e *Event) decode() {
	for k, v := range e.Header {
		if d, err := url.PathUnescape(v); err == nil {
			e.Header[k] = d
		}
	}
}

// Get returns a header value, or "" when absent.
func (e *Event) Get(name string) string {
	if e == nil {
		return ""
	}
	return e.Header[textproto.CanonicalMIMEHeaderKey(name)]
}

// Set stores a header value.
func (e *Event) Set(name, value string) {
	if e.Header == nil {
		e.Header = make(map[string]string)
	}
	e.Header[textproto.CanonicalMIMEHeaderKey(name)] = value
}

// Name returns the Event-Name header.
func (e *Event) Name() string { return e.Get("Event-Name") }

// UUID returns the channel Unique-ID.
func (e *Event) UUID() string { return e.Get("Unique-ID") }

// CoreUUID identifies the switch instance that produced the event.
func (e *Event) CoreUUID() string { return e.Get("Core-UUID") }

// Application returns the dialplan application of an execute event.
func (e *Event) Application() string { return e.Get("Application") }

// Subclass returns the Event-Subclass of CUSTOM events.
func (e *Event) Subclass() string { return e.Get("Event-Subclass") }

// JobUUID returns the async job identifier of BACKGROUND_JOB events and
// bgapi replies.
func (e *Event) JobUUID() string { return e.Get("Job-UUID") }

// Var returns a channel variable carried as "variable_<name>".
func (e *Event) Var(name string) string { return e.Get("variable_" + name) }

// Vars returns every channel variable carried by the event.
func (e *Event) Vars() map[string]string {
	vars := make(map[string]string)
	if e == nil {
		return vars
	}
	prefix := textproto.CanonicalMIMEHeaderKey("variable_")
	for k, v := range e.Header {
		if strings.HasPrefix(k, prefix) {
			vars[strings.ToLower(strings.TrimPrefix(k, prefix))] = v
		}
	}
	return vars
}

// ReplyText returns the Reply-Text of a command reply.
func (e *Event) ReplyText() string { return e.Get("Reply-Text") }

// IsSuccess reports whether a reply or job result starts with "+OK".
func (e *Event) IsSuccess() bool {
	if e == nil {
		return false
	}
	if strings.HasPrefix(e.ReplyText(), "+OK") {
		return true
	}
	return strings.HasPrefix(strings.TrimSpace(e.Body), "+OK")
}

// String renders the event for debug logs.
func (e *Event) String() string {
	if e == nil {
		return "<nil>"
	}
	keys := make([]string, 0, len(e.Header))
	for k := range e.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, e.Header[k])
	}
	if e.Body != "" {
		b.WriteString("\n")
		b.WriteString(e.Body)
	}
	return b.String()
}
