package flow

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// Hangup ends the leg, or schedules its end when schedule is set.
//
//	<Hangup reason="busy"/>
//	<Hangup schedule="60"/>
type Hangup struct {
	leaf
	unanswered
}

func (*Hangup) Execute(ctx context.Context, call *Call, node *Node) (Outcome, error) {
	cause := CauseForReason(node.Attr("reason", ""))

	schedule, err := node.SecondsAttr("schedule", 0)
	if err != nil {
		return Outcome{}, err
	}
	if schedule > 0 {
		id, err := ScheduleHangup(ctx, call, call.ID(), schedule, CauseAllottedTimeout)
		if err != nil {
			return Outcome{}, err
		}
		call.logger.Info("[Flow] Hangup scheduled", "id", id, "in", schedule)
		return Outcome{}, nil
	}

	if err := call.Hangup(ctx, cause); err != nil {
		return Outcome{}, err
	}
	return Outcome{Stop: true}, nil
}

// ScheduleHangup registers a future uuid_kill with the switch scheduler and
// tracks it on the Core. It returns the scheduled task id.
func ScheduleHangup(ctx context.Context, call *Call, callUUID string, in time.Duration, cause string) (string, error) {
	id := uuid.NewString()
	cmd := fmt.Sprintf("sched_api +%d %s uuid_kill %s %s", int(in.Seconds()), id, callUUID, cause)
	if _, err := call.API(ctx, cmd); err != nil {
		return "", fmt.Errorf("schedule hangup: %w", err)
	}
	if call.Core != nil {
		call.Core.TrackScheduledHangup(id, in, callUUID)
	}
	return id, nil
}

// CancelScheduledHangup deletes a task registered with ScheduleHangup.
func CancelScheduledHangup(ctx context.Context, call *Call, id string) error {
	if call.Core != nil {
		call.Core.ForgetScheduledHangup(id)
	}
	if _, err := call.API(ctx, "sched_del "+id); err != nil {
		return fmt.Errorf("cancel scheduled hangup: %w", err)
	}
	return nil
}

// Redirect replaces the rest of the document with another one.
//
//	<Redirect method="GET">http://example.com/next</Redirect>
type Redirect struct {
	leaf
	answered
}

func (*Redirect) Execute(_ context.Context, _ *Call, node *Node) (Outcome, error) {
	target, err := absoluteURL(node.Text)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Redirect: &Target{URL: target, Method: node.Attr("method", "")}}, nil
}

func absoluteURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not an http(s) URL", ErrInvalidAttribute, raw)
	}
	return u.String(), nil
}

// PreAnswer opens early media and runs its children before answer.
//
//	<PreAnswer><Play>http://example.com/early.wav</Play></PreAnswer>
type PreAnswer struct {
	unanswered
}

func (*PreAnswer) NestableChildren() []string {
	return []string{"Speak", "Play", "Wait", "GetDigits"}
}

func (*PreAnswer) Execute(ctx context.Context, call *Call, node *Node) (Outcome, error) {
	if !call.Session.Answered() && !call.Session.PreAnswered() {
		if err := call.PreAnswer(ctx); err != nil {
			return Outcome{}, err
		}
	}
	return call.RunChildren(ctx, node)
}

// SIPTransfer hands the leg to one or more SIP URIs. An answered leg is
// deflected with REFER, a ringing one redirected with a 302.
//
//	<SIPTransfer>sip:alice@example.com,sip:bob@example.com</SIPTransfer>
type SIPTransfer struct {
	leaf
	unanswered
}

func (*SIPTransfer) Execute(ctx context.Context, call *Call, node *Node) (Outcome, error) {
	var uris []string
	for _, raw := range strings.Split(node.Text, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u, err := ParseSIPURI(raw)
		if err != nil {
			return Outcome{}, err
		}
		uris = append(uris, u.String())
	}
	if len(uris) == 0 {
		return Outcome{}, fmt.Errorf("%w: <SIPTransfer> without a URI", ErrInvalidAttribute)
	}

	var err error
	if call.Session.Answered() {
		err = call.Execute(ctx, "deflect", uris[0])
	} else {
		err = call.Execute(ctx, "redirect", strings.Join(uris, ","))
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Stop: true}, nil
}

// ParseSIPURI validates a sip: or sips: URI.
func ParseSIPURI(raw string) (*sip.Uri, error) {
	if !strings.HasPrefix(raw, "sip:") && !strings.HasPrefix(raw, "sips:") {
		return nil, fmt.Errorf("%w: %q is not a SIP URI", ErrInvalidAttribute, raw)
	}
	var u sip.Uri
	if err := sip.ParseUri(raw, &u); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAttribute, raw, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidAttribute, raw)
	}
	return &u, nil
}
