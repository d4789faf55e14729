package core

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/callbridge/internal/bridge/session"
)

// CallRequest is one outbound call being originated. The Core owns it from
// Originate until the call ends or every attempt failed.
type CallRequest struct {
	ID           string
	To           string
	From         string
	CallerName   string
	AnswerURL    string
	AnswerMethod string
	RingURL      string
	HangupURL    string
	// Method is used for the ring and hangup web hooks.
	Method     string
	AccountTag string
	// ExtraDialString is added to every attempt's variable block.
	ExtraDialString string
	IsGroup         bool

	mu         sync.Mutex
	gateways   []string
	total      int
	failed     int
	status     session.Status
	progressed bool
	ended      bool
	attempt    int
	legs       []string
}

// NewCallRequest creates a request that tries attempts in order. Each
// attempt is a complete dial string; see flow.GatewayAttempts.
func NewCallRequest(to string, attempts []string) *CallRequest {
	return &CallRequest{
		ID:       uuid.NewString(),
		To:       to,
		gateways: append([]string(nil), attempts...),
		total:    len(attempts),
	}
}

// PopGateway removes and returns the next attempt.
func (r *CallRequest) PopGateway() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.gateways) == 0 {
		return "", false
	}
	next := r.gateways[0]
	r.gateways = r.gateways[1:]
	r.attempt++
	return next, true
}

// Remaining returns the number of attempts not yet popped.
func (r *CallRequest) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.gateways)
}

// Attempts returns a copy of the attempts not yet popped.
func (r *CallRequest) Attempts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.gateways...)
}

// Attempt returns how many attempts were popped so far.
func (r *CallRequest) Attempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// Drain drops the attempts not yet tried.
func (r *CallRequest) Drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways = nil
}

func (r *CallRequest) addLeg(callUUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.legs = append(r.legs, callUUID)
}

// Legs returns the channel ids assigned to attempts so far.
func (r *CallRequest) Legs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.legs...)
}

// Status returns the furthest state a leg of this request reached.
func (r *CallRequest) Status() session.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Progressed reports whether any leg rang or sent early media.
func (r *CallRequest) Progressed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progressed
}

// markProgress records a progress event and reports whether it was the
// first one.
func (r *CallRequest) markProgress(early bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.IsTerminal() {
		return false
	}
	first := !r.progressed
	r.progressed = true
	next := session.StatusRinging
	if early {
		next = session.StatusEarlyMedia
	}
	if r.status.CanTransitionTo(next) {
		r.status = next
	}
	return first
}

// markEnded reports whether this call transitioned to ended now. The hangup
// notification fires only for the caller that gets true.
func (r *CallRequest) markEnded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return false
	}
	r.ended = true
	r.status = session.StatusCompleted
	return true
}

// markGroupFailure counts a failed group leg and reports whether every leg
// has now failed.
func (r *CallRequest) markGroupFailure() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed++
	return r.failed >= r.total
}

// RequestState is a snapshot of a CallRequest for the admin API.
type RequestState struct {
	RequestUUID string   `json:"request_uuid"`
	To          string   `json:"to"`
	Group       bool     `json:"group"`
	Status      string   `json:"status"`
	Ended       bool     `json:"ended"`
	Attempt     int      `json:"attempt"`
	Pending     []string `json:"pending_attempts"`
	Legs        []string `json:"legs"`
}

// State returns a snapshot of the request.
func (r *CallRequest) State() RequestState {
	status := r.Status()
	return RequestState{
		RequestUUID: r.ID,
		To:          r.To,
		Group:       r.IsGroup,
		Status:      status.Param(),
		Ended:       status.IsTerminal(),
		Attempt:     r.Attempt(),
		Pending:     r.Attempts(),
		Legs:        r.Legs(),
	}
}

// Params returns the parameter set sent with the request's web hooks.
func (r *CallRequest) Params() map[string]string {
	params := map[string]string{
		"RequestUUID": r.ID,
		"Direction":   session.DirectionOutbound.String(),
		"To":          r.To,
		"From":        r.From,
		"CallStatus":  r.Status().Param(),
	}
	if r.AccountTag != "" {
		params["AccountTag"] = r.AccountTag
	}
	return params
}

// JobKind is the kind of tracked background command.
type JobKind string

const (
	JobOriginate JobKind = "originate"
	JobOther     JobKind = "other"
)

// Job is a background command awaiting its BACKGROUND_JOB event.
type Job struct {
	ID          string
	Kind        JobKind
	IsGroupCall bool
	Request     *CallRequest
	// CallUUID is the origination_uuid of an originate job.
	CallUUID string
	// Command is logged when the job completes.
	Command string

	// result receives true for a terminal outcome and false when the next
	// attempt should be tried.
	result chan bool
}

func newJob(id string, kind JobKind, req *CallRequest) *Job {
	return &Job{
		ID:      id,
		Kind:    kind,
		Request: req,
		result:  make(chan bool, 1),
	}
}

// resolve delivers the job outcome. Only the first call has an effect.
func (j *Job) resolve(terminal bool) {
	select {
	case j.result <- terminal:
	default:
	}
}

// Result returns the channel the job outcome is delivered on.
func (j *Job) Result() <-chan bool { return j.result }

// ScheduledHangup is a hangup registered with the switch scheduler.
type ScheduledHangup struct {
	ID       string
	Timeout  time.Duration
	CallUUID string
	Created  time.Time
}

// Result is returned by administrative operations.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func success(msg string) Result { return Result{Success: true, Message: msg} }
func failure(msg string) Result { return Result{Success: false, Message: msg} }
