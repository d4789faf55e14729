package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/callbridge/internal/bridge/esl"
	"github.com/sebas/callbridge/internal/bridge/session"
)

// DefaultDialTimeLimit is the absolute bridge duration when timeLimit is unset.
const DefaultDialTimeLimit = 14400 * time.Second

// Dial bridges the leg to one or more destinations.
//
//	<Dial action="http://example.com/dial-done" timeLimit="30">
//	  <Number gateways="sofia/gateway/gw1/,sofia/gateway/gw2/">15551234</Number>
//	  <User>sip:alice@example.com</User>
//	</Dial>
//
// Destinations ring together; gateways of one Number are tried in order.
type Dial struct {
	unanswered
}

func (*Dial) NestableChildren() []string { return []string{"Number", "User"} }

func (*Dial) Applications() []string { return []string{"bridge"} }

type dialOptions struct {
	action         string
	method         string
	redirect       bool
	callerID       string
	callerName     string
	timeout        time.Duration
	timeLimit      time.Duration
	confirmSound   string
	confirmKey     string
	hangupOnStar   bool
	dialMusic      string
	digitsMatch    []string
	callbackURL    string
	callbackMethod string
	destinations   []string
}

// Leg names one side of a dialed call.
type Leg string

const (
	// LegA is the caller's leg.
	LegA Leg = "A"
	// LegB is the dialed destination.
	LegB Leg = "B"
)

// DialResult is what a finished Dial reports to its action URL.
type DialResult struct {
	Rang        bool
	HangupCause string
	// HangupLeg is the leg HangupCause was read from.
	HangupLeg Leg
	ALegUUID  string
	BLegUUID  string
	// Fallback is set when no leg reported a cause and NORMAL_CLEARING
	// was assumed.
	Fallback bool
}

// Params renders the result as web hook parameters.
func (r DialResult) Params() map[string]string {
	params := map[string]string{
		"DialRingStatus":  strconv.FormatBool(r.Rang),
		"DialHangupCause": r.HangupCause,
		"DialHangupLeg":   string(r.HangupLeg),
		"DialALegUUID":    r.ALegUUID,
	}
	if r.BLegUUID != "" {
		params["DialBLegUUID"] = r.BLegUUID
	}
	return params
}

func parseDial(node *Node) (*dialOptions, error) {
	opts := &dialOptions{
		action:         node.Attr("action", ""),
		method:         node.Attr("method", ""),
		callerID:       node.Attr("callerId", ""),
		callerName:     node.Attr("callerName", ""),
		confirmSound:   node.Attr("confirmSound", ""),
		confirmKey:     node.Attr("confirmKey", ""),
		dialMusic:      node.Attr("dialMusic", ""),
		digitsMatch:    node.ListAttr("digitsMatch"),
		callbackURL:    node.Attr("callbackUrl", ""),
		callbackMethod: node.Attr("callbackMethod", ""),
	}
	var err error
	if opts.redirect, err = node.BoolAttr("redirect", true); err != nil {
		return nil, err
	}
	if opts.hangupOnStar, err = node.BoolAttr("hangupOnStar", false); err != nil {
		return nil, err
	}
	if opts.timeout, err = node.SecondsAttr("timeout", 0); err != nil {
		return nil, err
	}
	if opts.timeLimit, err = node.SecondsAttr("timeLimit", DefaultDialTimeLimit); err != nil {
		return nil, err
	}
	if opts.timeLimit <= 0 {
		opts.timeLimit = DefaultDialTimeLimit
	}
	if opts.action != "" {
		if opts.action, err = absoluteURL(opts.action); err != nil {
			return nil, err
		}
	}

	for _, child := range node.Children {
		var dest string
		switch child.Name {
		case "Number":
			dest, err = numberDialString(child)
		case "User":
			dest, err = userDialString(child)
		}
		if err != nil {
			return nil, err
		}
		if dest != "" {
			opts.destinations = append(opts.destinations, dest)
		}
	}
	return opts, nil
}

// numberDialString expands a <Number> into gateway attempts joined with "|"
// so the switch fails over between them in order.
func numberDialString(node *Node) (string, error) {
	number := strings.TrimSpace(node.Text)
	if number == "" {
		return "", fmt.Errorf("%w: empty <Number>", ErrInvalidAttribute)
	}

	var common []string
	if extra := node.Attr("extraDialString", ""); extra != "" {
		common = append(common, extra)
	}
	if digits := node.Attr("sendDigits", ""); digits != "" {
		onPreAnswer, err := node.BoolAttr("sendOnPreanswer", false)
		if err != nil {
			return "", err
		}
		hook := "execute_on_answer"
		if onPreAnswer {
			hook = "execute_on_media"
		}
		common = append(common, fmt.Sprintf("%s='send_dtmf %s'", hook, digits))
	}

	attempts, err := GatewayAttempts(number, Gateways{
		Gateways: node.ListAttr("gateways"),
		Codecs:   node.ListAttr("gatewayCodecs"),
		Timeouts: node.ListAttr("gatewayTimeouts"),
		Retries:  node.ListAttr("gatewayRetries"),
		Vars:     common,
	})
	if err != nil {
		return "", fmt.Errorf("<Number> %s: %w", number, err)
	}
	return strings.Join(attempts, "|"), nil
}

// Gateways describes the ordered routes to one number. Codecs, Timeouts
// and Retries are positional overrides per gateway.
type Gateways struct {
	Gateways []string
	Codecs   []string
	Timeouts []string
	Retries  []string
	// Vars are prepended to every attempt's variable block.
	Vars []string
}

// GatewayAttempts expands gateways into complete dial attempts, in order.
// Each gateway is repeated once per configured retry.
func GatewayAttempts(number string, gw Gateways) ([]string, error) {
	if len(gw.Gateways) == 0 {
		return nil, fmt.Errorf("%w: no gateways", ErrInvalidAttribute)
	}

	var attempts []string
	for i, prefix := range gw.Gateways {
		vars := append([]string(nil), gw.Vars...)
		if i < len(gw.Timeouts) {
			if _, err := strconv.Atoi(gw.Timeouts[i]); err != nil {
				return nil, fmt.Errorf("%w: gateway timeout %q", ErrInvalidAttribute, gw.Timeouts[i])
			}
			vars = append(vars, "leg_timeout="+gw.Timeouts[i])
		}
		if i < len(gw.Codecs) && gw.Codecs[i] != "" {
			vars = append(vars, fmt.Sprintf("absolute_codec_string='%s'", strings.Trim(gw.Codecs[i], "'")))
		}
		tries := 1
		if i < len(gw.Retries) {
			n, err := strconv.Atoi(gw.Retries[i])
			if err != nil || n < 1 {
				return nil, fmt.Errorf("%w: gateway retries %q", ErrInvalidAttribute, gw.Retries[i])
			}
			tries = n
		}

		attempt := prefix + number
		if len(vars) > 0 {
			attempt = "[" + strings.Join(vars, ",") + "]" + attempt
		}
		for range tries {
			attempts = append(attempts, attempt)
		}
	}
	return attempts, nil
}

func userDialString(node *Node) (string, error) {
	u, err := ParseSIPURI(strings.TrimSpace(node.Text))
	if err != nil {
		return "", err
	}
	target := strings.TrimPrefix(strings.TrimPrefix(u.String(), "sips:"), "sip:")
	dest := "sofia/internal/" + target
	if digits := node.Attr("sendDigits", ""); digits != "" {
		dest = fmt.Sprintf("[execute_on_answer='send_dtmf %s']", digits) + dest
	}
	return dest, nil
}

// dialString builds the full bridge argument: a global variable block
// followed by the destinations joined with ",".
func dialString(call *Call, opts *dialOptions, schedID string) string {
	rang := call.Var("dial_rang")
	vars := []string{
		fmt.Sprintf("api_on_ring='uuid_setvar %s %s true'", call.ID(), rang),
		fmt.Sprintf("api_on_pre_answer='uuid_setvar %s %s true'", call.ID(), rang),
		fmt.Sprintf("api_on_answer_1='sched_api +%d %s uuid_kill %s %s'",
			int(opts.timeLimit.Seconds()), schedID, call.ID(), CauseAllottedTimeout),
	}
	if opts.timeout > 0 {
		vars = append(vars, fmt.Sprintf("call_timeout=%d", int(opts.timeout.Seconds())))
	}
	if opts.confirmSound != "" {
		vars = append(vars, "group_confirm_file="+opts.confirmSound)
		if opts.confirmKey != "" {
			vars = append(vars, "group_confirm_key="+opts.confirmKey)
		} else {
			vars = append(vars, "group_confirm_key=exec")
		}
		vars = append(vars, "group_confirm_cancel_timeout=1")
	}
	return "{" + strings.Join(vars, ",") + "}" + strings.Join(opts.destinations, ",")
}

func (d *Dial) Execute(ctx context.Context, call *Call, node *Node) (Outcome, error) {
	opts, err := parseDial(node)
	if err != nil {
		return Outcome{}, err
	}
	log := call.logger.With("element", "Dial")
	if len(opts.destinations) == 0 {
		log.Warn("[Dial] No destinations, skipping")
		return Outcome{}, nil
	}

	// Step 1: dial string with the time-limit hangup registered first.
	schedID := uuid.NewString()
	if call.Core != nil {
		call.Core.TrackScheduledHangup(schedID, opts.timeLimit, call.ID())
	}
	dialStr := dialString(call, opts, schedID)

	// Step 2: channel variables, then ring ready.
	d.applyVars(ctx, call, opts, log)
	if err := call.Execute(ctx, "ring_ready", ""); err != nil {
		log.Warn("[Dial] ring_ready failed", "error", err)
	}

	// Step 3: bridge.
	log.Info("[Dial] Bridging", "dial_string", dialStr)
	var final *esl.Event
	var bLeg string
	if err := call.Execute(ctx, "bridge", dialStr); err != nil {
		log.Warn("[Dial] Bridge command failed", "error", err)
	} else {
		// Steps 4 and 5: wait for the bridge to conclude.
		final, bLeg, err = d.awaitBridge(ctx, call, opts, log)
		if err != nil {
			d.cleanup(ctx, call, opts, schedID, log)
			return Outcome{}, err
		}
	}

	// Step 6: hangup cause.
	result := DialResult{ALegUUID: call.ID(), BLegUUID: bLeg}
	result.HangupCause, result.HangupLeg, result.Fallback = resolveHangupCause(ctx, call, final)
	if result.Fallback {
		log.Warn("[Dial] No leg reported a hangup cause, assuming NORMAL_CLEARING")
	}
	log.Debug("[Dial] Hangup cause", "cause", result.HangupCause, "leg", result.HangupLeg)

	// Step 7: cancel the time limit, read back ring status.
	d.cleanup(ctx, call, opts, schedID, log)
	if v, err := call.GetVar(ctx, call.Var("dial_rang")); err == nil {
		result.Rang = v == "true"
	}
	log.Info("[Dial] Finished", "cause", result.HangupCause, "rang", result.Rang)

	// Step 8: report.
	if opts.action == "" {
		return Outcome{}, nil
	}
	if opts.redirect {
		return Outcome{Redirect: &Target{URL: opts.action, Method: opts.method, Params: result.Params()}}, nil
	}
	call.Notify(opts.action, opts.method, result.Params())
	return Outcome{}, nil
}

func (d *Dial) applyVars(ctx context.Context, call *Call, opts *dialOptions, log *slog.Logger) {
	setOrUnset := func(name, value string) {
		var err error
		if value != "" {
			err = call.Set(ctx, name, value)
		} else {
			err = call.Unset(ctx, name)
		}
		if err != nil {
			log.Warn("[Dial] Setting variable failed", "var", name, "error", err)
		}
	}

	setOrUnset("effective_caller_id_number", opts.callerID)
	setOrUnset("effective_caller_id_name", opts.callerName)
	if opts.hangupOnStar {
		setOrUnset("bridge_terminate_key", "*")
	} else {
		setOrUnset("bridge_terminate_key", "")
	}
	if opts.dialMusic != "" {
		setOrUnset("ringback", opts.dialMusic)
		setOrUnset("instant_ringback", "true")
	} else {
		setOrUnset("ringback", "")
		setOrUnset("instant_ringback", "")
	}
	setOrUnset("continue_on_fail", "true")
	setOrUnset("hangup_after_bridge", "false")
	setOrUnset(call.Var("dial_rang"), "false")
}

// awaitBridge binds digit actions and waits until the bridge concludes. It
// returns the final CHANNEL_EXECUTE_COMPLETE (nil when the wait expired) and
// the bridged B-leg, if any. Only a hangup is returned as an error.
func (d *Dial) awaitBridge(ctx context.Context, call *Call, opts *dialOptions, log *slog.Logger) (*esl.Event, string, error) {
	if len(opts.digitsMatch) > 0 {
		realm := call.Var("dial_digits")
		subclass := call.Session.DigitsSubclass()
		for _, pattern := range opts.digitsMatch {
			arg := fmt.Sprintf("%s,%s,exec:event,^^|Event-Name=CUSTOM|Event-Subclass=%s|Digits=%s",
				realm, pattern, subclass, pattern)
			if err := call.Execute(ctx, "bind_digit_action", arg); err != nil {
				log.Warn("[Dial] Binding digits failed", "pattern", pattern, "error", err)
			}
		}
		if err := call.Execute(ctx, "digit_action_set_realm", realm); err != nil {
			log.Warn("[Dial] Setting digit realm failed", "error", err)
		}
	}

	// Bound by the absolute time limit plus slack for the switch to report.
	wait := opts.timeLimit + call.Options.EventTimeout
	if opts.timeout > 0 {
		wait += opts.timeout
	}

	var bLeg string
	for {
		ev, err := call.Wait(ctx, wait, true)
		if err != nil {
			return nil, bLeg, err
		}
		if ev == nil {
			log.Warn("[Dial] Timed out waiting for bridge")
			return nil, bLeg, nil
		}

		switch ev.Name() {
		case esl.EventCustom:
			digits := ev.Get("Digits")
			log.Debug("[Dial] Digits matched", "digits", digits)
			call.Notify(opts.callbackURL, opts.callbackMethod, map[string]string{
				"DialDigitsMatch": digits,
				"DialALegUUID":    call.ID(),
				"DialBLegUUID":    bLeg,
			})
		case esl.EventChannelBridge:
			bLeg = ev.Get("Other-Leg-Unique-ID")
			log.Debug("[Dial] Bridged", "b_leg", bLeg)
		case esl.EventChannelUnbridge:
			// One more bounded wait for the bridge application to complete.
			final, err := call.WaitRequired(ctx, call.Options.EventTimeout, true)
			if errors.Is(err, session.ErrTimeout) {
				log.Warn("[Dial] No bridge completion after unbridge")
				return nil, bLeg, nil
			}
			if err != nil {
				return nil, bLeg, err
			}
			if final.Name() != esl.EventChannelExecuteDone {
				log.Warn("[Dial] Unexpected event after unbridge", "event", final.Name())
			}
			return final, bLeg, nil
		case esl.EventChannelExecuteDone:
			return ev, bLeg, nil
		}
	}
}

// resolveHangupCause prefers the originate disposition, then the A-leg's
// known cause, then the B-leg cause recorded on the A-leg, then the A-leg
// variable. leg names the side the cause belongs to; fallback reports that
// none was available and the A-leg is assumed to have cleared normally.
func resolveHangupCause(ctx context.Context, call *Call, final *esl.Event) (cause string, leg Leg, fallback bool) {
	if final != nil {
		if d := final.Var("originate_disposition"); d != "" && d != "SUCCESS" {
			return d, LegB, false
		}
	}
	if c := call.Session.HangupCause(); c != "" {
		return c, LegA, false
	}
	for _, v := range []struct {
		name string
		leg  Leg
	}{
		{"last_bridge_hangup_cause", LegB},
		{"hangup_cause", LegA},
	} {
		val, err := call.GetVar(ctx, v.name)
		if err != nil {
			call.logger.Debug("[Dial] Reading hangup cause failed", "var", v.name, "error", err)
			continue
		}
		if val != "" {
			return val, v.leg, false
		}
	}
	return CauseNormalClearing, LegA, true
}

// cleanup runs once per Dial: it deletes the time-limit task and clears
// digit bindings.
func (d *Dial) cleanup(ctx context.Context, call *Call, opts *dialOptions, schedID string, log *slog.Logger) {
	if err := CancelScheduledHangup(ctx, call, schedID); err != nil {
		log.Warn("[Dial] Cancel time limit failed", "id", schedID, "error", err)
	}
	if len(opts.digitsMatch) > 0 {
		if err := call.Execute(ctx, "clear_digit_action", call.Var("dial_digits")); err != nil {
			log.Warn("[Dial] Clearing digit bindings failed", "error", err)
		}
	}
}
