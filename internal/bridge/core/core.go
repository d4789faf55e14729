// Package core holds the per-switch state shared by every leg: attached
// sessions, outbound call requests, background jobs, scheduled hangups and
// conference rooms. It also runs the inbound control connection that
// observes origination progress.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sebas/callbridge/internal/bridge/esl"
	"github.com/sebas/callbridge/internal/bridge/events"
	"github.com/sebas/callbridge/internal/bridge/session"
	"github.com/sebas/callbridge/internal/bridge/store"
)

// Subscribed is the event list the inbound connection asks for.
var Subscribed = []string{
	esl.EventBackgroundJob,
	esl.EventChannelProgress,
	esl.EventChannelProgressMedia,
	esl.EventChannelAnswer,
	esl.EventChannelHangupComplete,
}

const (
	defaultOriginateRate  = 10
	defaultMaxOriginating = 100
	defaultScheduleGrace  = time.Minute
	orphanTTL             = 30 * time.Second
	sweepInterval         = 10 * time.Second
	reconnectDelay        = 5 * time.Second
)

// Notifier sends fire-and-forget web hooks.
type Notifier interface {
	Notify(url, method string, params map[string]string)
}

// Metrics receives Core observations.
type Metrics interface {
	OriginateAttempt(core string)
	OriginateFinished(core, outcome string)
	SessionsActive(core string, n int)
}

type noopMetrics struct{}

func (noopMetrics) OriginateAttempt(string)          {}
func (noopMetrics) OriginateFinished(string, string) {}
func (noopMetrics) SessionsActive(string, int)       {}

type noopNotifier struct{}

func (noopNotifier) Notify(string, string, map[string]string) {}

// Config configures one switch instance.
type Config struct {
	Name     string
	Addr     string
	Password string
	// OutboundAddr is where originated and transferred legs connect back.
	OutboundAddr  string
	VarPrefix     string
	DefaultMethod string
	// OriginateRate bounds origination attempts per second.
	OriginateRate float64
	// MaxOriginating bounds attempts awaiting their background job.
	MaxOriginating int64
	// ScheduleGrace is how long a scheduled hangup is remembered past its
	// deadline.
	ScheduleGrace time.Duration

	Web     Notifier
	Events  events.Publisher
	Builder *events.Builder
	Metrics Metrics
	Logger  *slog.Logger
}

// Core is the state owned for one switch instance.
type Core struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter
	slots   *semaphore.Weighted

	mu          sync.Mutex
	id          string
	conn        esl.Commander
	sessions    map[string]*session.Session
	requests    map[string]*CallRequest
	jobs        map[string]*Job
	conferences map[string]map[string]struct{}

	orphans   *store.TTLStore[string, *esl.Event]
	scheduled *store.TTLStore[string, ScheduledHangup]

	// ctx bounds failover loops; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Core. conn may be nil until Run connects.
func New(cfg Config, conn esl.Commander) *Core {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.VarPrefix == "" {
		cfg.VarPrefix = session.DefaultVarPrefix
	}
	if cfg.DefaultMethod == "" {
		cfg.DefaultMethod = "POST"
	}
	if cfg.OriginateRate <= 0 {
		cfg.OriginateRate = defaultOriginateRate
	}
	if cfg.MaxOriginating <= 0 {
		cfg.MaxOriginating = defaultMaxOriginating
	}
	if cfg.ScheduleGrace <= 0 {
		cfg.ScheduleGrace = defaultScheduleGrace
	}
	if cfg.Web == nil {
		cfg.Web = noopNotifier{}
	}
	if cfg.Events == nil {
		cfg.Events = events.NewNoopPublisher()
	}
	if cfg.Builder == nil {
		cfg.Builder = events.NewBuilder(cfg.Name)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}

	logger := cfg.Logger.With("core", cfg.Name)
	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		cfg:         cfg,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Limit(cfg.OriginateRate), max(1, int(cfg.OriginateRate))),
		slots:       semaphore.NewWeighted(cfg.MaxOriginating),
		conn:        conn,
		sessions:    make(map[string]*session.Session),
		requests:    make(map[string]*CallRequest),
		jobs:        make(map[string]*Job),
		conferences: make(map[string]map[string]struct{}),
		orphans:     store.NewTTLStore[string, *esl.Event](sweepInterval, nil),
		ctx:         ctx,
		cancel:      cancel,
	}
	c.scheduled = store.NewTTLStore(sweepInterval, func(id string, h ScheduledHangup) {
		logger.Debug("[Core] Scheduled hangup expired", "id", id, "call_uuid", h.CallUUID)
	})
	return c
}

// Name returns the configured instance name.
func (c *Core) Name() string { return c.cfg.Name }

// ID returns the switch Core-UUID, once known.
func (c *Core) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// SetID records the switch Core-UUID.
func (c *Core) SetID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

// VarPrefix returns the channel variable prefix.
func (c *Core) VarPrefix() string { return c.cfg.VarPrefix }

// Commander returns the switch's command connection. Legs attached to this
// Core are driven through it.
func (c *Core) Commander() (esl.Commander, error) {
	return c.commander()
}

func (c *Core) commander() (esl.Commander, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, fmt.Errorf("core %s: %w", c.cfg.Name, esl.ErrClosed)
	}
	return c.conn, nil
}

// Run keeps the inbound connections up and dispatches their events until
// ctx is done.
func (c *Core) Run(ctx context.Context) error {
	for {
		err := c.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("[Core] Inbound connection lost", "error", err, "retry_in", reconnectDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// serve runs one session with the switch over two inbound connections:
// one streams events, the other carries every command.
func (c *Core) serve(ctx context.Context) error {
	stream, err := esl.Dial(c.cfg.Addr, c.cfg.Password)
	if err != nil {
		return err
	}
	defer stream.Close()
	if _, err := stream.Send(ctx, "event plain "+strings.Join(Subscribed, " ")); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	cmds, err := esl.Dial(c.cfg.Addr, c.cfg.Password)
	if err != nil {
		return err
	}
	defer cmds.Close()
	if id, err := cmds.API(ctx, "global_getvar core_uuid"); err == nil && id != "" {
		c.SetID(id)
	}

	c.mu.Lock()
	c.conn = cmds
	c.mu.Unlock()
	c.logger.Info("[Core] Connected", "addr", c.cfg.Addr, "core_uuid", c.ID())

	// Losing the command connection restarts the whole session.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-cmds.Done():
			stream.Close()
		case <-stop:
		}
	}()

	err = stream.Subscribe(ctx, nil, c.HandleEvent)
	c.mu.Lock()
	if c.conn == cmds {
		c.conn = nil
	}
	c.mu.Unlock()
	return err
}

// HandleEvent dispatches one event from the inbound connection.
func (c *Core) HandleEvent(ev *esl.Event) {
	if id := ev.CoreUUID(); id != "" && c.ID() == "" {
		c.SetID(id)
	}
	switch ev.Name() {
	case esl.EventBackgroundJob:
		c.HandleBackgroundJob(ev)
	case esl.EventChannelProgress, esl.EventChannelProgressMedia:
		c.handleProgress(ev)
	case esl.EventChannelAnswer:
		c.handleAnswer(ev)
	case esl.EventChannelHangupComplete:
		c.handleHangupComplete(ev)
	}
}

func (c *Core) requestFor(ev *esl.Event) *CallRequest {
	id := ev.Var(c.cfg.VarPrefix + "_request_uuid")
	if id == "" {
		return nil
	}
	return c.Request(id)
}

// handleProgress fires the ring web hook once per request.
func (c *Core) handleProgress(ev *esl.Event) {
	req := c.requestFor(ev)
	if req == nil {
		return
	}
	early := ev.Name() == esl.EventChannelProgressMedia
	if !req.markProgress(early) {
		return
	}
	c.logger.Info("[Core] Outbound call ringing", "request_uuid", req.ID, "call_uuid", ev.UUID())
	c.cfg.Events.PublishAsync(c.cfg.Builder.CallRinging(ev.UUID(), c.ID(), req.ID, early))

	if req.RingURL != "" {
		params := req.Params()
		params["CallUUID"] = ev.UUID()
		params["CoreUUID"] = c.ID()
		c.cfg.Web.Notify(req.RingURL, c.method(req.Method), params)
	}
}

func (c *Core) handleAnswer(ev *esl.Event) {
	requestID := ev.Var(c.cfg.VarPrefix + "_request_uuid")
	c.cfg.Events.PublishAsync(c.cfg.Builder.CallAnswered(ev.UUID(), c.ID(), requestID))
}

// handleHangupComplete fires the hangup web hook and retires the request.
func (c *Core) handleHangupComplete(ev *esl.Event) {
	cause := ev.Get("Hangup-Cause")
	if req := c.requestFor(ev); req != nil {
		// Group legs are settled by their background jobs, and a failed leg
		// with attempts left is retried by the failover loop.
		if req.IsGroup || req.Remaining() > 0 {
			return
		}
		c.finishRequest(req, ev.UUID(), cause)
		return
	}

	// Legs with no live request: inbound calls with a hangup URL, and the
	// winner of a group call whose request was already removed. Other
	// originated legs were reported when their request finished.
	hangupURL := ev.Var(c.cfg.VarPrefix + "_hangup_url")
	if hangupURL == "" {
		return
	}
	if ev.Var(c.cfg.VarPrefix+"_request_uuid") != "" {
		answered := ev.Get("Caller-Channel-Answered-Time")
		if ev.Var(c.cfg.VarPrefix+"_group_call") != "true" || answered == "" || answered == "0" {
			return
		}
	}
	params := map[string]string{
		"CallUUID":    ev.UUID(),
		"CoreUUID":    c.ID(),
		"Direction":   ev.Get("Call-Direction"),
		"From":        ev.Get("Caller-Caller-ID-Number"),
		"To":          ev.Get("Caller-Destination-Number"),
		"HangupCause": cause,
		"CallStatus":  CallStatusForCause(cause),
	}
	if id := ev.Var(c.cfg.VarPrefix + "_request_uuid"); id != "" {
		params["RequestUUID"] = id
	}
	if tag := ev.Var(c.cfg.VarPrefix + "_account_tag"); tag != "" {
		params["AccountTag"] = tag
	}
	c.cfg.Web.Notify(hangupURL, c.cfg.DefaultMethod, params)
	c.publishEnded(ev.UUID(), params["RequestUUID"], params["AccountTag"], cause)
}

// finishRequest sends the hangup notification once and removes the request.
func (c *Core) finishRequest(req *CallRequest, callUUID, cause string) {
	if cause == "" {
		cause = "NORMAL_CLEARING"
	}
	c.removeRequest(req.ID)
	if !req.markEnded() {
		return
	}
	c.logger.Info("[Core] Outbound call finished",
		"request_uuid", req.ID,
		"call_uuid", callUUID,
		"cause", cause,
	)

	params := req.Params()
	params["CoreUUID"] = c.ID()
	params["HangupCause"] = cause
	params["CallStatus"] = CallStatusForCause(cause)
	if callUUID != "" {
		params["CallUUID"] = callUUID
	}
	if req.HangupURL != "" {
		c.cfg.Web.Notify(req.HangupURL, c.method(req.Method), params)
	}
	id := callUUID
	if id == "" {
		id = req.ID
	}
	c.publishEnded(id, req.ID, req.AccountTag, cause)
}

func (c *Core) publishEnded(callUUID, requestID, accountTag, cause string) {
	c.cfg.Events.PublishAsync(c.cfg.Builder.CallEnded(callUUID, c.ID()).
		Cause(cause, CallStatusForCause(cause)).
		Request(requestID, accountTag).
		Build())
}

// CallStatusForCause maps a hangup cause to the hangup web hook status.
func CallStatusForCause(cause string) string {
	switch cause {
	case "", "NORMAL_CLEARING", "ALLOTTED_TIMEOUT", "MANAGER_REQUEST":
		return "completed"
	case "USER_BUSY", "CALL_REJECTED":
		return "busy"
	case "NO_ANSWER", "NO_USER_RESPONSE", "ORIGINATOR_CANCEL", "PROGRESS_TIMEOUT":
		return "no-answer"
	default:
		return "failed"
	}
}

func (c *Core) method(m string) string {
	if m == "" {
		return c.cfg.DefaultMethod
	}
	return strings.ToUpper(m)
}

// Attach registers a connected leg.
func (c *Core) Attach(sess *session.Session) {
	c.mu.Lock()
	c.sessions[sess.ID()] = sess
	n := len(c.sessions)
	c.mu.Unlock()
	c.cfg.Metrics.SessionsActive(c.cfg.Name, n)
}

// Detach forgets a leg whose connection closed.
func (c *Core) Detach(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	n := len(c.sessions)
	c.mu.Unlock()
	c.cfg.Metrics.SessionsActive(c.cfg.Name, n)
}

// Session returns an attached leg.
func (c *Core) Session(id string) (*session.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// SessionIDs returns the attached leg ids, sorted.
func (c *Core) SessionIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.sessions))
}

// Request returns a live call request.
func (c *Core) Request(id string) *CallRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[id]
}

func (c *Core) addRequest(req *CallRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests[req.ID] = req
}

func (c *Core) removeRequest(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.requests[id]; !ok {
		return false
	}
	delete(c.requests, id)
	return true
}

// TrackScheduledHangup remembers a hangup registered with the switch
// scheduler so it can be cancelled by id.
func (c *Core) TrackScheduledHangup(id string, timeout time.Duration, callUUID string) {
	c.scheduled.Set(id, ScheduledHangup{
		ID:       id,
		Timeout:  timeout,
		CallUUID: callUUID,
		Created:  time.Now(),
	}, timeout+c.cfg.ScheduleGrace)
}

// ForgetScheduledHangup drops a tracked hangup and reports whether it was
// known.
func (c *Core) ForgetScheduledHangup(id string) bool {
	return c.scheduled.Delete(id)
}

// ScheduledHangups returns the tracked hangups.
func (c *Core) ScheduledHangups() map[string]ScheduledHangup {
	return c.scheduled.All()
}

// JoinConference records a member joining room.
func (c *Core) JoinConference(room, callUUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	members, ok := c.conferences[room]
	if !ok {
		members = make(map[string]struct{})
		c.conferences[room] = members
	}
	members[callUUID] = struct{}{}
}

// LeaveConference records a member leaving room. Empty rooms are dropped.
func (c *Core) LeaveConference(room, callUUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	members, ok := c.conferences[room]
	if !ok {
		return
	}
	delete(members, callUUID)
	if len(members) == 0 {
		delete(c.conferences, room)
	}
}

// ConferenceMembers returns the members of room, sorted.
func (c *Core) ConferenceMembers(room string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.conferences[room]))
}

// Stats is a snapshot of the Core's maps.
type Stats struct {
	Name             string `json:"name"`
	CoreUUID         string `json:"core_uuid"`
	Connected        bool   `json:"connected"`
	Sessions         int    `json:"sessions"`
	CallRequests     int    `json:"call_requests"`
	Jobs             int    `json:"jobs"`
	ScheduledHangups int    `json:"scheduled_hangups"`
	Conferences      int    `json:"conferences"`
}

// Stats returns current counts.
func (c *Core) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		Name:         c.cfg.Name,
		CoreUUID:     c.id,
		Connected:    c.conn != nil,
		Sessions:     len(c.sessions),
		CallRequests: len(c.requests),
		Jobs:         len(c.jobs),
		Conferences:  len(c.conferences),
	}
	c.mu.Unlock()
	s.ScheduledHangups = c.scheduled.Len()
	return s
}

// Close stops failover loops and releases the stores.
func (c *Core) Close() {
	c.cancel()
	c.orphans.Close()
	c.scheduled.Close()
}
