package flow

import (
	"context"
	"fmt"
	"strings"
)

// Conference joins the leg to a named room until it leaves or the room
// ends.
//
//	<Conference muted="true" endConferenceOnExit="true">sales</Conference>
type Conference struct {
	leaf
	answered
}

func (*Conference) Applications() []string { return []string{"conference"} }

func (*Conference) Execute(ctx context.Context, call *Call, node *Node) (Outcome, error) {
	room := strings.TrimSpace(node.Text)
	if room == "" || strings.ContainsAny(room, "@ ") {
		return Outcome{}, fmt.Errorf("%w: invalid conference room %q", ErrInvalidAttribute, room)
	}

	var flags []string
	for _, f := range []struct {
		attr string
		def  bool
		on   string
		off  string
	}{
		{"muted", false, "mute", ""},
		{"startConferenceOnEnter", true, "moderator", "wait-mod"},
		{"endConferenceOnExit", false, "endconf", ""},
	} {
		on, err := node.BoolAttr(f.attr, f.def)
		if err != nil {
			return Outcome{}, err
		}
		switch {
		case on:
			flags = append(flags, f.on)
		case f.off != "":
			flags = append(flags, f.off)
		}
	}
	timeLimit, err := node.SecondsAttr("timeLimit", 0)
	if err != nil {
		return Outcome{}, err
	}
	hangupOnStar, err := node.BoolAttr("hangupOnStar", false)
	if err != nil {
		return Outcome{}, err
	}

	if music := node.Attr("waitSound", ""); music != "" {
		if err := call.Set(ctx, "hold_music", music); err != nil {
			return Outcome{}, err
		}
	}
	if hangupOnStar {
		realm := call.Var("conference")
		if err := call.Execute(ctx, "bind_digit_action", realm+",*,exec:hangup,"+CauseNormalClearing); err != nil {
			return Outcome{}, err
		}
		if err := call.Execute(ctx, "digit_action_set_realm", realm); err != nil {
			return Outcome{}, err
		}
		defer func() {
			if err := call.Execute(ctx, "clear_digit_action", realm); err != nil {
				call.logger.Debug("[Flow] Clearing conference digits failed", "error", err)
			}
		}()
	}

	var schedID string
	if timeLimit > 0 {
		schedID, err = ScheduleHangup(ctx, call, call.ID(), timeLimit, CauseAllottedTimeout)
		if err != nil {
			return Outcome{}, err
		}
	}

	if call.Core != nil {
		call.Core.JoinConference(room, call.ID())
		defer call.Core.LeaveConference(room, call.ID())
	}
	call.Notify(node.Attr("callbackUrl", ""), node.Attr("callbackMethod", ""), map[string]string{
		"ConferenceName":   room,
		"ConferenceAction": "enter",
	})

	arg := room + "@default"
	if len(flags) > 0 {
		arg += "+flags{" + strings.Join(flags, "|") + "}"
	}
	_, err = call.ExecuteAndWait(ctx, "conference", arg)

	if schedID != "" {
		if cerr := CancelScheduledHangup(ctx, call, schedID); cerr != nil {
			call.logger.Warn("[Flow] Cancel conference time limit failed", "error", cerr)
		}
	}
	if err != nil {
		return Outcome{}, err
	}

	call.Notify(node.Attr("callbackUrl", ""), node.Attr("callbackMethod", ""), map[string]string{
		"ConferenceName":   room,
		"ConferenceAction": "exit",
	})
	if action := node.Attr("action", ""); action != "" {
		return Outcome{Redirect: &Target{
			URL:    action,
			Method: node.Attr("method", ""),
			Params: map[string]string{"ConferenceName": room},
		}}, nil
	}
	return Outcome{}, nil
}
