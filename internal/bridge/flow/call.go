package flow

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/sebas/callbridge/internal/bridge/esl"
	"github.com/sebas/callbridge/internal/bridge/session"
)

// WebClient fetches documents and delivers web hook notifications.
type WebClient interface {
	Fetch(ctx context.Context, url, method string, params map[string]string) ([]byte, error)
	Notify(url, method string, params map[string]string)
}

// Registrar tracks state shared across legs of the same switch instance.
type Registrar interface {
	TrackScheduledHangup(id string, timeout time.Duration, callUUID string)
	ForgetScheduledHangup(id string) bool
	JoinConference(room, callUUID string)
	LeaveConference(room, callUUID string)
}

// Options tune the walker and its elements.
type Options struct {
	DefaultMethod string
	EventTimeout  time.Duration
	MaxRedirects  int
	RecordPath    string
	TTSEngine     string
	TTSVoice      string
}

// Call is the handle elements use to drive a leg.
type Call struct {
	Session *session.Session
	Conn    esl.Commander
	Web     WebClient
	Core    Registrar
	Options Options

	registry *Registry
	logger   *slog.Logger
}

// ID returns the leg's channel identifier.
func (c *Call) ID() string { return c.Session.ID() }

// Var builds the name of a callbridge-owned channel variable.
func (c *Call) Var(suffix string) string {
	return c.Session.VarPrefix() + "_" + suffix
}

// Execute runs a dialplan application without waiting for it to finish.
func (c *Call) Execute(ctx context.Context, app, arg string) error {
	return c.Conn.Execute(ctx, c.ID(), app, arg, true)
}

// ExecuteAndWait runs app and blocks until its CHANNEL_EXECUTE_COMPLETE
// arrives. The element must declare app through Awaiter.
func (c *Call) ExecuteAndWait(ctx context.Context, app, arg string) (*esl.Event, error) {
	if err := c.Execute(ctx, app, arg); err != nil {
		return nil, err
	}
	for {
		ev, err := c.Wait(ctx, 0, true)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			continue
		}
		if ev.Name() == esl.EventChannelExecuteDone && strings.EqualFold(ev.Application(), app) {
			return ev, nil
		}
		if ev.Name() == esl.EventChannelHangup || ev.Name() == esl.EventChannelHangupComplete {
			return nil, session.ErrHangup
		}
	}
}

// API runs a synchronous api command.
func (c *Call) API(ctx context.Context, cmd string) (string, error) {
	return c.Conn.API(ctx, cmd)
}

// GetVar reads a channel variable of this leg. Unset variables read as "".
func (c *Call) GetVar(ctx context.Context, name string) (string, error) {
	return c.GetLegVar(ctx, c.ID(), name)
}

// GetLegVar reads a channel variable of any leg.
func (c *Call) GetLegVar(ctx context.Context, uuid, name string) (string, error) {
	v, err := c.API(ctx, fmt.Sprintf("uuid_getvar %s %s", uuid, name))
	if err != nil {
		return "", err
	}
	if v == "_undef_" {
		return "", nil
	}
	return v, nil
}

// Set sets a channel variable.
func (c *Call) Set(ctx context.Context, name, value string) error {
	return c.Execute(ctx, "set", name+"="+value)
}

// Unset removes a channel variable.
func (c *Call) Unset(ctx context.Context, name string) error {
	return c.Execute(ctx, "unset", name)
}

// Wait takes the next event routed to the current element. A nil event
// means timeout passed first.
func (c *Call) Wait(ctx context.Context, timeout time.Duration, raiseOnHangup bool) (*esl.Event, error) {
	return c.Session.Wait(ctx, timeout, raiseOnHangup)
}

// WaitRequired delegates to Session.WaitRequired.
func (c *Call) WaitRequired(ctx context.Context, timeout time.Duration, raiseOnHangup bool) (*esl.Event, error) {
	return c.Session.WaitRequired(ctx, timeout, raiseOnHangup)
}

// Answer answers the leg synchronously.
func (c *Call) Answer(ctx context.Context) error {
	if _, err := c.API(ctx, "uuid_answer "+c.ID()); err != nil {
		return fmt.Errorf("answer: %w", err)
	}
	c.Session.MarkAnswered()
	return nil
}

// PreAnswer opens early media on the leg.
func (c *Call) PreAnswer(ctx context.Context) error {
	if _, err := c.API(ctx, "uuid_pre_answer "+c.ID()); err != nil {
		return fmt.Errorf("pre_answer: %w", err)
	}
	c.Session.MarkPreAnswered()
	return nil
}

// Hangup ends the leg with cause.
func (c *Call) Hangup(ctx context.Context, cause string) error {
	if cause == "" {
		cause = "NORMAL_CLEARING"
	}
	c.logger.Info("[Flow] Hanging up", "cause", cause)
	return c.Execute(ctx, "hangup", cause)
}

// Notify fires a web hook with the call-status parameters merged with extra.
func (c *Call) Notify(url, method string, extra map[string]string) {
	if url == "" {
		return
	}
	c.Web.Notify(url, c.method(method), c.params(extra))
}

// Fetch requests a document with the call-status parameters merged with extra.
func (c *Call) Fetch(ctx context.Context, t Target) (*Document, error) {
	body, err := c.Web.Fetch(ctx, t.URL, c.method(t.Method), c.params(t.Params))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", t.URL, err)
	}
	doc, err := Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.URL, err)
	}
	return doc, nil
}

func (c *Call) params(extra map[string]string) map[string]string {
	params := c.Session.Params()
	maps.Copy(params, extra)
	return params
}

func (c *Call) method(m string) string {
	if m == "" {
		m = c.Options.DefaultMethod
	}
	if m == "" {
		m = "POST"
	}
	return strings.ToUpper(m)
}

// RunChildren dispatches node's nested elements in order, as the walker
// does for top-level ones.
func (c *Call) RunChildren(ctx context.Context, node *Node) (Outcome, error) {
	for _, child := range node.Children {
		out, err := c.dispatch(ctx, child)
		if err != nil {
			return out, err
		}
		if out.Stop || out.Redirect != nil {
			return out, nil
		}
	}
	return Outcome{}, nil
}

func (c *Call) dispatch(ctx context.Context, node *Node) (Outcome, error) {
	el, err := c.registry.Lookup(node.Name)
	if err != nil {
		return Outcome{}, err
	}
	if err := ValidateNesting(el, node); err != nil {
		return Outcome{}, err
	}
	if el.RequiresAnswer() && !c.Session.Answered() && !c.Session.PreAnswered() {
		if err := c.Answer(ctx); err != nil {
			return Outcome{}, err
		}
	}

	c.Session.BeginElement(node.Name, awaitedApplications(el))
	c.logger.Debug("[Flow] Executing element", "element", node.Name, "line", node.Line)
	return el.Execute(ctx, c, node)
}
