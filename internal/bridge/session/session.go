package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sebas/callbridge/internal/bridge/esl"
)

// DefaultVarPrefix prefixes the channel variables callbridge owns.
const DefaultVarPrefix = "callbridge"

// Session is the state of one connected call leg. It is created when the
// switch connects the leg and destroyed when the connection ends.
type Session struct {
	mu sync.Mutex

	// Identity
	id          string
	coreID      string
	direction   Direction
	from        string
	to          string
	callerName  string
	requestUUID string
	accountTag  string
	hangupURL   string
	varPrefix   string
	contextVars map[string]string

	// Leg state
	status             Status
	answered           bool
	preAnswered        bool
	hangupCause        string
	currentElement     string
	awaitedApps        map[string]bool
	dispatches         int
	targetURL          string
	targetMethod       string
	transferInProgress bool

	queue  *EventQueue
	logger *slog.Logger
}

// Config contains the identity of a new session.
type Config struct {
	ID           string
	CoreID       string
	Direction    Direction
	Status       Status
	Answered     bool
	From         string
	To           string
	CallerName   string
	RequestUUID  string
	AccountTag   string
	HangupURL    string
	TargetURL    string
	TargetMethod string // Empty means the walker default
	VarPrefix    string
	ContextVars  map[string]string
	Logger       *slog.Logger
}

// ConfigFromEvent reads session identity from the channel data returned by
// the "connect" command of an outbound socket.
func ConfigFromEvent(ev *esl.Event, varPrefix string) Config {
	if varPrefix == "" {
		varPrefix = DefaultVarPrefix
	}
	cfg := Config{
		ID:          ev.UUID(),
		CoreID:      ev.CoreUUID(),
		Direction:   ParseDirection(ev.Get("Call-Direction")),
		From:        ev.Get("Caller-Caller-ID-Number"),
		To:          ev.Get("Caller-Destination-Number"),
		CallerName:  ev.Get("Caller-Caller-ID-Name"),
		RequestUUID: ev.Var(varPrefix + "_request_uuid"),
		AccountTag:  ev.Var(varPrefix + "_account_tag"),
		HangupURL:   ev.Var(varPrefix + "_hangup_url"),
		VarPrefix:   varPrefix,
		ContextVars: ev.Vars(),
	}
	switch ev.Get("Answer-State") {
	case "answered":
		cfg.Status = StatusInProgress
		cfg.Answered = true
	case "early":
		cfg.Status = StatusEarlyMedia
	case "hangup":
		cfg.Status = StatusCompleted
	}
	if cfg.Direction == DirectionOutbound && cfg.To == "" {
		cfg.To = ev.Var(varPrefix + "_to")
	}
	return cfg
}

// New creates a session in the given state.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.VarPrefix == "" {
		cfg.VarPrefix = DefaultVarPrefix
	}
	if cfg.ContextVars == nil {
		cfg.ContextVars = map[string]string{}
	}
	s := &Session{
		id:           cfg.ID,
		coreID:       cfg.CoreID,
		direction:    cfg.Direction,
		status:       cfg.Status,
		answered:     cfg.Answered,
		from:         cfg.From,
		to:           cfg.To,
		callerName:   cfg.CallerName,
		requestUUID:  cfg.RequestUUID,
		accountTag:   cfg.AccountTag,
		hangupURL:    cfg.HangupURL,
		targetURL:    cfg.TargetURL,
		targetMethod: cfg.TargetMethod,
		varPrefix:    cfg.VarPrefix,
		contextVars:  cfg.ContextVars,
		awaitedApps:  map[string]bool{},
		logger:       cfg.Logger.With("call_uuid", cfg.ID),
	}
	s.queue = NewEventQueue(func() bool { return s.HangupCause() != "" })
	return s
}

// ID returns the channel identifier.
func (s *Session) ID() string { return s.id }

// CoreID returns the switch instance owning the leg.
func (s *Session) CoreID() string { return s.coreID }

// Direction returns the call direction.
func (s *Session) Direction() Direction { return s.direction }

// VarPrefix returns the prefix of callbridge-owned channel variables.
func (s *Session) VarPrefix() string { return s.varPrefix }

// Logger returns the session-scoped logger.
func (s *Session) Logger() *slog.Logger { return s.logger }

// Queue returns the leg's event queue.
func (s *Session) Queue() *EventQueue { return s.queue }

// ContextVar returns a channel variable captured at connect time.
func (s *Session) ContextVar(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextVars[strings.ToLower(name)]
}

// Status returns the current leg status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Answered reports whether the leg was answered.
func (s *Session) Answered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answered
}

// PreAnswered reports whether early media was opened on the leg.
func (s *Session) PreAnswered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preAnswered
}

// MarkAnswered records a successful answer command.
func (s *Session) MarkAnswered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answered = true
	s.transition(StatusInProgress)
}

// MarkPreAnswered records a successful pre_answer command.
func (s *Session) MarkPreAnswered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preAnswered = true
	s.transition(StatusEarlyMedia)
}

// transition must be called with mu held.
func (s *Session) transition(next Status) {
	if s.status.CanTransitionTo(next) {
		s.status = next
	}
}

// HangupCause returns the cause the leg ended with, or "" while it is live.
func (s *Session) HangupCause() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hangupCause
}

// SetHangupCause records the terminal cause. The first writer wins; it
// returns false when a cause was already set.
func (s *Session) SetHangupCause(cause string) bool {
	if cause == "" {
		cause = "NORMAL_CLEARING"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hangupCause != "" {
		return false
	}
	s.hangupCause = cause
	s.status = StatusCompleted
	return true
}

// CurrentElement returns the name of the last dispatched element.
func (s *Session) CurrentElement() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentElement
}

// Dispatches returns how many elements were dispatched on this leg.
func (s *Session) Dispatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatches
}

// BeginElement marks name as the element being executed and declares which
// CHANNEL_EXECUTE_COMPLETE applications are routed to it. Only the flow
// walker calls it, right before dispatch.
func (s *Session) BeginElement(name string, awaitedApps []string) {
	apps := make(map[string]bool, len(awaitedApps))
	for _, app := range awaitedApps {
		apps[strings.ToLower(app)] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentElement = name
	s.awaitedApps = apps
	s.dispatches++
}

// TargetURL returns the document URL the flow is currently walking.
func (s *Session) TargetURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetURL
}

// TargetMethod returns the HTTP method for the first document fetch.
func (s *Session) TargetMethod() string { return s.targetMethod }

// SetTargetURL records a new document URL.
func (s *Session) SetTargetURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targetURL = url
}

// TransferInProgress reports whether a live transfer superseded the flow.
func (s *Session) TransferInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferInProgress
}

// SetTransferInProgress flags an outstanding transfer command.
func (s *Session) SetTransferInProgress(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transferInProgress = v
}

// Deliver routes one event from the leg's reader goroutine. Events the
// current element does not wait for only update leg state.
func (s *Session) Deliver(ev *esl.Event) {
	if ev == nil {
		return
	}

	if strings.EqualFold(ev.Var(s.varPrefix+"_transfer_progress"), "true") {
		s.SetTransferInProgress(true)
	}

	name := ev.Name()
	switch name {
	case esl.EventChannelHangup, esl.EventChannelHangupComplete:
		cause := ev.Get("Hangup-Cause")
		if s.SetHangupCause(cause) {
			s.logger.Info("[Session] Leg hung up", "cause", s.HangupCause())
		}
		s.queue.Push(ev)
		return

	case esl.EventChannelProgress:
		s.setStatus(StatusRinging)
		return

	case esl.EventChannelProgressMedia:
		s.setStatus(StatusEarlyMedia)
		return

	case esl.EventChannelAnswer:
		s.MarkAnswered()
		return
	}

	s.mu.Lock()
	current := s.currentElement
	awaited := s.awaitedApps[strings.ToLower(ev.Application())]
	s.mu.Unlock()

	switch name {
	case esl.EventChannelExecuteDone:
		if awaited {
			s.queue.Push(ev)
		}
	case esl.EventChannelBridge, esl.EventChannelUnbridge:
		if current == "Dial" {
			s.queue.Push(ev)
		}
	case esl.EventCustom:
		if current == "Dial" && ev.Subclass() == s.DigitsSubclass() {
			s.queue.Push(ev)
		}
	case esl.EventDetectedSpeech:
		if current == "GetSpeech" {
			s.queue.Push(ev)
		}
	}
}

// DigitsSubclass is the CUSTOM subclass emitted by Dial digit bindings.
func (s *Session) DigitsSubclass() string {
	return s.varPrefix + "::dial_digits"
}

func (s *Session) setStatus(next Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transition(next)
}

// Wait blocks on the leg's event queue. See EventQueue.Wait.
func (s *Session) Wait(ctx context.Context, timeout time.Duration, raiseOnHangup bool) (*esl.Event, error) {
	return s.queue.Wait(ctx, timeout, raiseOnHangup)
}

// WaitRequired is Wait for an event that must arrive: expiry is ErrTimeout.
func (s *Session) WaitRequired(ctx context.Context, timeout time.Duration, raiseOnHangup bool) (*esl.Event, error) {
	return s.queue.WaitRequired(ctx, timeout, raiseOnHangup)
}

// Params returns the call-status parameter set sent with every web hook.
func (s *Session) Params() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	params := map[string]string{
		"CallUUID":   s.id,
		"CoreUUID":   s.coreID,
		"Direction":  s.direction.String(),
		"CallStatus": s.status.Param(),
		"From":       s.from,
		"To":         s.to,
		"CallerName": s.callerName,
	}
	if s.requestUUID != "" {
		params["RequestUUID"] = s.requestUUID
	}
	if s.accountTag != "" {
		params["AccountTag"] = s.accountTag
	}
	return params
}

// HangupURL returns the per-call hangup web hook, if any.
func (s *Session) HangupURL() string { return s.hangupURL }

// RequestUUID links an originated leg to its CallRequest.
func (s *Session) RequestUUID() string { return s.requestUUID }

// Close tears the session down, cancelling any pending wait timer.
func (s *Session) Close() {
	s.queue.Close()
	s.logger.Debug("[Session] Closed", "status", s.Status(), "dispatches", s.Dispatches())
}
