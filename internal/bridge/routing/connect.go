// Package routing accepts the outbound socket connections the switch opens
// for every leg and runs the leg's call flow.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sebas/callbridge/internal/bridge/core"
	"github.com/sebas/callbridge/internal/bridge/esl"
	"github.com/sebas/callbridge/internal/bridge/events"
	"github.com/sebas/callbridge/internal/bridge/flow"
	"github.com/sebas/callbridge/internal/bridge/session"
)

// Conn is an accepted outbound socket connection.
type Conn interface {
	esl.Commander
	ReadEvent() (*esl.Event, error)
	Close()
}

// Config contains the collaborators of a ConnectHandler.
type Config struct {
	Cores  *core.Set
	Walker *flow.Walker
	Events events.Publisher
	// Builder defaults to a builder with no node id.
	Builder *events.Builder

	DefaultAnswerURL string
	DefaultHangupURL string
	VarPrefix        string
	Logger           *slog.Logger
}

// ConnectHandler handles new legs.
type ConnectHandler struct {
	cfg    Config
	logger *slog.Logger
}

// NewConnectHandler creates a new connection handler.
func NewConnectHandler(cfg Config) *ConnectHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.VarPrefix == "" {
		cfg.VarPrefix = session.DefaultVarPrefix
	}
	if cfg.Events == nil {
		cfg.Events = events.NewNoopPublisher()
	}
	if cfg.Builder == nil {
		cfg.Builder = events.NewBuilder("")
	}
	return &ConnectHandler{cfg: cfg, logger: cfg.Logger}
}

// HandleConnection runs one leg from connect to disconnect. The leg's socket
// sets the leg up and then only streams its events; the flow commands the
// leg through its switch's command connection. HandleConnection returns
// when the flow ends and the socket is closed.
func (h *ConnectHandler) HandleConnection(ctx context.Context, conn Conn) {
	defer conn.Close()

	ev, err := conn.Send(ctx, "connect")
	if err != nil {
		h.logger.Error("[Connect] connect failed", "error", err)
		return
	}
	callUUID := ev.UUID()
	log := h.logger.With("call_uuid", callUUID)

	if err := h.subscribe(ctx, conn); err != nil {
		log.Error("[Connect] Event subscription failed", "error", err)
		return
	}

	c, err := h.cfg.Cores.Resolve(ev.CoreUUID())
	if err != nil {
		log.Error("[Connect] Leg from an unknown switch", "core_uuid", ev.CoreUUID(), "error", err)
		h.hangup(ctx, conn, callUUID)
		return
	}
	cmds, err := c.Commander()
	if err != nil {
		log.Error("[Connect] Switch not connected", "core", c.Name(), "error", err)
		h.hangup(ctx, conn, callUUID)
		return
	}

	target, method, transferred := h.target(ctx, conn, ev, c)
	if target == "" {
		log.Error("[Connect] No answer URL for leg")
		h.hangup(ctx, conn, callUUID)
		return
	}

	cfg := session.ConfigFromEvent(ev, h.cfg.VarPrefix)
	cfg.TargetURL = target
	cfg.TargetMethod = method
	cfg.Logger = h.logger
	sess := session.New(cfg)
	defer sess.Close()

	if sess.Direction() == session.DirectionInbound && sess.HangupURL() == "" && h.cfg.DefaultHangupURL != "" {
		h.setVar(ctx, conn, callUUID, h.cfg.VarPrefix+"_hangup_url", h.cfg.DefaultHangupURL)
	}

	c.Attach(sess)
	defer c.Detach(callUUID)

	log.Info("[Connect] Leg connected",
		"core", c.Name(),
		"direction", sess.Direction(),
		"from", cfg.From,
		"to", cfg.To,
		"url", target,
		"transferred", transferred,
	)
	h.cfg.Events.PublishAsync(h.cfg.Builder.CallReceived(callUUID, c.ID()).
		Direction(events.Direction(sess.Direction().String())).
		Parties(cfg.From, cfg.To, cfg.CallerName).
		AnswerURL(target, transferred).
		Account(cfg.AccountTag).
		Build())

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.read(conn, sess)
	}()

	if err := h.cfg.Walker.Run(ctx, cmds, sess, c); err != nil {
		log.Debug("[Connect] Flow ended with error", "error", err)
	}
	conn.Close()
	<-done
}

func (h *ConnectHandler) subscribe(ctx context.Context, conn Conn) error {
	cmds := []string{
		"myevents",
		"linger",
		fmt.Sprintf("event plain %s %s %s::dial_digits", esl.EventDetectedSpeech, esl.EventCustom, h.cfg.VarPrefix),
	}
	for _, cmd := range cmds {
		if _, err := conn.Send(ctx, cmd); err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
	}
	return nil
}

// target picks the first document: a pending transfer, the leg's answer
// URL variable, the answer URL of its call request, then the default.
func (h *ConnectHandler) target(ctx context.Context, conn Conn, ev *esl.Event, c *core.Core) (url, method string, transferred bool) {
	p := h.cfg.VarPrefix
	if strings.EqualFold(ev.Var(p+"_transfer_progress"), "true") {
		if u := ev.Var(p + "_transfer_url"); u != "" {
			h.setVar(ctx, conn, ev.UUID(), p+"_transfer_progress", "false")
			ev.Set("variable_"+p+"_transfer_progress", "false")
			return u, "", true
		}
	}
	if u := ev.Var(p + "_answer_url"); u != "" {
		return u, ev.Var(p + "_answer_method"), false
	}
	if id := ev.Var(p + "_request_uuid"); id != "" {
		if req := c.Request(id); req != nil && req.AnswerURL != "" {
			return req.AnswerURL, req.AnswerMethod, false
		}
	}
	return h.cfg.DefaultAnswerURL, "", false
}

// read delivers the leg's events until the connection closes. Stray
// command replies on the stream are logged and skipped.
func (h *ConnectHandler) read(conn Conn, sess *session.Session) {
	for {
		ev, err := conn.ReadEvent()
		if errors.Is(err, esl.ErrCommandFailed) {
			sess.Logger().Warn("[Connect] Unexpected reply on leg stream", "error", err)
			continue
		}
		if err != nil {
			if !errors.Is(err, esl.ErrClosed) {
				sess.Logger().Debug("[Connect] Event read failed", "error", err)
			}
			sess.Close()
			return
		}
		sess.Deliver(ev)
	}
}

func (h *ConnectHandler) setVar(ctx context.Context, conn Conn, callUUID, name, value string) {
	if _, err := conn.API(ctx, fmt.Sprintf("uuid_setvar %s %s %s", callUUID, name, value)); err != nil {
		h.logger.Warn("[Connect] uuid_setvar failed", "call_uuid", callUUID, "var", name, "error", err)
	}
}

func (h *ConnectHandler) hangup(ctx context.Context, conn Conn, callUUID string) {
	if err := conn.Execute(ctx, callUUID, "hangup", "NORMAL_TEMPORARY_FAILURE", true); err != nil {
		h.logger.Warn("[Connect] Hangup failed", "call_uuid", callUUID, "error", err)
	}
}
