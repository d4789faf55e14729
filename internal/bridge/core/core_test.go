package core

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/callbridge/internal/bridge/esl"
	"github.com/sebas/callbridge/internal/bridge/session"
)

type bgCall struct {
	id  string
	cmd string
}

// fakeSwitch records commands and hands out sequential job ids.
type fakeSwitch struct {
	mu      sync.Mutex
	cmds    []string
	jobs    int
	apiErrs map[string]error
	bg      chan bgCall
	onBgAPI func(id, cmd string)
}

func newFakeSwitch() *fakeSwitch {
	return &fakeSwitch{
		apiErrs: map[string]error{},
		bg:      make(chan bgCall, 32),
	}
}

func (f *fakeSwitch) API(_ context.Context, cmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, "api "+cmd)
	for prefix, err := range f.apiErrs {
		if strings.HasPrefix(cmd, prefix) {
			return "", err
		}
	}
	return "+OK", nil
}

func (f *fakeSwitch) BgAPI(_ context.Context, cmd string) (string, error) {
	f.mu.Lock()
	f.jobs++
	id := fmt.Sprintf("job-%d", f.jobs)
	f.cmds = append(f.cmds, "bgapi "+cmd)
	hook := f.onBgAPI
	f.mu.Unlock()

	if hook != nil {
		hook(id, cmd)
	}
	f.bg <- bgCall{id: id, cmd: cmd}
	return id, nil
}

func (f *fakeSwitch) Execute(context.Context, string, string, string, bool) error { return nil }

func (f *fakeSwitch) Send(_ context.Context, cmd string) (*esl.Event, error) {
	return esl.NewEvent(map[string]string{"Reply-Text": "+OK"}, ""), nil
}

func (f *fakeSwitch) commands(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.cmds {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeSwitch) next(t *testing.T) bgCall {
	t.Helper()
	select {
	case call := <-f.bg:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("no bgapi submitted")
		return bgCall{}
	}
}

func (f *fakeSwitch) none(t *testing.T) {
	t.Helper()
	select {
	case call := <-f.bg:
		t.Fatalf("unexpected bgapi %s", call.cmd)
	case <-time.After(50 * time.Millisecond):
	}
}

type notification struct {
	url    string
	method string
	params map[string]string
}

type fakeWeb struct {
	mu   sync.Mutex
	sent []notification
}

func (w *fakeWeb) Notify(url, method string, params map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sent = append(w.sent, notification{url, method, params})
}

func (w *fakeWeb) to(url string) []notification {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []notification
	for _, n := range w.sent {
		if n.url == url {
			out = append(out, n)
		}
	}
	return out
}

const (
	answerURL = "http://app.test/answer"
	ringURL   = "http://app.test/ring"
	hangupURL = "http://app.test/hangup"
)

func newTestCore(t *testing.T, fs *fakeSwitch) (*Core, *fakeWeb) {
	t.Helper()
	web := &fakeWeb{}
	c := New(Config{
		Name:          "fs1",
		OutboundAddr:  "127.0.0.1:8084",
		OriginateRate: 1000,
		Web:           web,
	}, fs)
	c.SetID("core-1")
	t.Cleanup(c.Close)
	return c, web
}

func newRequest(gateways ...string) *CallRequest {
	attempts := make([]string, len(gateways))
	for i, gw := range gateways {
		attempts[i] = "sofia/gateway/" + gw + "/15551234"
	}
	req := NewCallRequest("15551234", attempts)
	req.From = "15550000"
	req.AnswerURL = answerURL
	req.RingURL = ringURL
	req.HangupURL = hangupURL
	return req
}

func jobEvent(id, body string) *esl.Event {
	return esl.NewEvent(map[string]string{
		"Event-Name": esl.EventBackgroundJob,
		"Job-UUID":   id,
	}, body)
}

func channelEvent(name, callUUID string, vars map[string]string) *esl.Event {
	headers := map[string]string{
		"Event-Name": name,
		"Unique-ID":  callUUID,
		"Core-UUID":  "core-1",
	}
	for k, v := range vars {
		headers["variable_"+k] = v
	}
	return esl.NewEvent(headers, "")
}

// tracked waits until the job for call is registered.
func tracked(t *testing.T, c *Core, call bgCall) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.jobs[call.id]
		return ok
	}, 2*time.Second, time.Millisecond)
}

// complete delivers the BACKGROUND_JOB for a tracked call.
func complete(t *testing.T, c *Core, call bgCall, body string) {
	t.Helper()
	tracked(t, c, call)
	c.HandleBackgroundJob(jobEvent(call.id, body))
}

var legPattern = regexp.MustCompile(`origination_uuid=([^,]+),`)

func legOf(cmd string) string {
	m := legPattern.FindStringSubmatch(cmd)
	if m == nil {
		return ""
	}
	return m[1]
}

func TestOriginateCommand(t *testing.T) {
	fs := newFakeSwitch()
	c, _ := newTestCore(t, fs)
	req := newRequest("g1")
	req.CallerName = "Front Desk"
	req.AccountTag = "acct-9"

	require.NoError(t, c.Originate(context.Background(), req))
	call := fs.next(t)

	assert.True(t, strings.HasPrefix(call.cmd, "originate {origination_uuid="))
	assert.Contains(t, call.cmd, "callbridge_request_uuid="+req.ID)
	assert.Contains(t, call.cmd, "callbridge_answer_url="+answerURL)
	assert.Contains(t, call.cmd, "callbridge_hangup_url="+hangupURL)
	assert.Contains(t, call.cmd, "callbridge_account_tag=acct-9")
	assert.Contains(t, call.cmd, "origination_caller_id_name='Front Desk'")
	assert.NotContains(t, call.cmd, "group_call")
	assert.True(t, strings.HasSuffix(call.cmd, "}sofia/gateway/g1/15551234 &socket('127.0.0.1:8084 async full')"), call.cmd)
}

func TestOriginateValidates(t *testing.T) {
	c, _ := newTestCore(t, newFakeSwitch())

	err := c.Originate(context.Background(), NewCallRequest("1555", nil))
	assert.ErrorIs(t, err, ErrNoAttempts)

	req := newRequest("g1")
	req.AnswerURL = "ftp://nope"
	assert.ErrorIs(t, c.Originate(context.Background(), req), ErrInvalidRequest)

	req = newRequest("g1")
	req.To = ""
	assert.ErrorIs(t, c.Originate(context.Background(), req), ErrInvalidRequest)
}

func TestFailoverTriesNextAttempt(t *testing.T) {
	fs := newFakeSwitch()
	c, web := newTestCore(t, fs)
	req := newRequest("g1", "g2", "g3")
	require.NoError(t, c.Originate(context.Background(), req))

	first := fs.next(t)
	assert.Contains(t, first.cmd, "sofia/gateway/g1/")
	complete(t, c, first, "-ERR NO_ROUTE_DESTINATION\n")

	second := fs.next(t)
	assert.Contains(t, second.cmd, "sofia/gateway/g2/")
	assert.NotEqual(t, legOf(first.cmd), legOf(second.cmd))
	complete(t, c, second, "-ERR GATEWAY_DOWN\n")

	third := fs.next(t)
	assert.Contains(t, third.cmd, "sofia/gateway/g3/")
	assert.Empty(t, web.to(hangupURL), "no notification while attempts remain")

	complete(t, c, third, "-ERR USER_BUSY\n")
	fs.none(t)

	sent := web.to(hangupURL)
	require.Len(t, sent, 1)
	assert.Equal(t, "USER_BUSY", sent[0].params["HangupCause"])
	assert.Equal(t, "busy", sent[0].params["CallStatus"])
	assert.Equal(t, req.ID, sent[0].params["RequestUUID"])
	assert.Equal(t, "POST", sent[0].method)
	assert.Nil(t, c.Request(req.ID))
	assert.Equal(t, 0, c.Stats().Jobs)
}

func TestProgressedLastPathNotifies(t *testing.T) {
	fs := newFakeSwitch()
	c, web := newTestCore(t, fs)
	req := newRequest("g1")
	require.NoError(t, c.Originate(context.Background(), req))

	first := fs.next(t)
	leg := legOf(first.cmd)
	vars := map[string]string{"callbridge_request_uuid": req.ID}
	c.HandleEvent(channelEvent(esl.EventChannelProgress, leg, vars))
	c.HandleEvent(channelEvent(esl.EventChannelProgressMedia, leg, vars))

	rings := web.to(ringURL)
	require.Len(t, rings, 1, "ring web hook fires once")
	assert.Equal(t, leg, rings[0].params["CallUUID"])
	assert.Equal(t, session.StatusEarlyMedia, req.Status())

	complete(t, c, first, "-ERR NO_ANSWER\n")
	fs.none(t)

	sent := web.to(hangupURL)
	require.Len(t, sent, 1)
	assert.Equal(t, "NO_ANSWER", sent[0].params["HangupCause"])
	assert.Equal(t, "no-answer", sent[0].params["CallStatus"])
	assert.Nil(t, c.Request(req.ID))

	// The leg's own hangup does not notify again.
	c.HandleEvent(channelEvent(esl.EventChannelHangupComplete, leg, map[string]string{
		"callbridge_request_uuid": req.ID,
		"callbridge_hangup_url":   hangupURL,
	}))
	assert.Len(t, web.to(hangupURL), 1)
}

func TestProgressedLegWithPathsLeftEndsQuietly(t *testing.T) {
	fs := newFakeSwitch()
	c, web := newTestCore(t, fs)
	req := newRequest("g1", "g2")
	require.NoError(t, c.Originate(context.Background(), req))

	first := fs.next(t)
	leg := legOf(first.cmd)
	c.HandleEvent(channelEvent(esl.EventChannelProgress, leg, map[string]string{"callbridge_request_uuid": req.ID}))

	complete(t, c, first, "-ERR NO_ANSWER\n")
	fs.none(t)

	assert.Zero(t, req.Remaining(), "a rung call tries no further path")
	assert.Nil(t, c.Request(req.ID))
	assert.Empty(t, web.to(hangupURL))

	c.HandleEvent(channelEvent(esl.EventChannelHangupComplete, leg, map[string]string{
		"callbridge_request_uuid": req.ID,
		"callbridge_hangup_url":   hangupURL,
	}))
	assert.Empty(t, web.to(hangupURL))
}

func TestAnsweredCallNotifiesOnHangup(t *testing.T) {
	fs := newFakeSwitch()
	c, web := newTestCore(t, fs)
	req := newRequest("g1", "g2")
	require.NoError(t, c.Originate(context.Background(), req))

	first := fs.next(t)
	leg := legOf(first.cmd)
	complete(t, c, first, "+OK "+leg+"\n")
	fs.none(t)
	require.NotNil(t, c.Request(req.ID), "request lives until the leg hangs up")
	assert.Zero(t, req.Remaining())

	ev := channelEvent(esl.EventChannelHangupComplete, leg, map[string]string{"callbridge_request_uuid": req.ID})
	ev.Set("Hangup-Cause", "NORMAL_CLEARING")
	c.HandleEvent(ev)
	c.HandleEvent(ev)

	sent := web.to(hangupURL)
	require.Len(t, sent, 1)
	assert.Equal(t, "completed", sent[0].params["CallStatus"])
	assert.Equal(t, leg, sent[0].params["CallUUID"])
	assert.Nil(t, c.Request(req.ID))
}

func TestFailedLegHangupWaitsForRetry(t *testing.T) {
	fs := newFakeSwitch()
	c, web := newTestCore(t, fs)
	req := newRequest("g1", "g2")
	require.NoError(t, c.Originate(context.Background(), req))

	first := fs.next(t)
	ev := channelEvent(esl.EventChannelHangupComplete, legOf(first.cmd), map[string]string{"callbridge_request_uuid": req.ID})
	ev.Set("Hangup-Cause", "NO_ROUTE_DESTINATION")
	c.HandleEvent(ev)
	assert.Empty(t, web.to(hangupURL))
	assert.NotNil(t, c.Request(req.ID))

	complete(t, c, first, "-ERR NO_ROUTE_DESTINATION\n")
	second := fs.next(t)
	assert.Contains(t, second.cmd, "sofia/gateway/g2/")
}

func TestDuplicateBackgroundJobIsIgnored(t *testing.T) {
	fs := newFakeSwitch()
	c, _ := newTestCore(t, fs)
	req := newRequest("g1", "g2", "g3")
	require.NoError(t, c.Originate(context.Background(), req))

	first := fs.next(t)
	complete(t, c, first, "-ERR NO_ROUTE_DESTINATION\n")
	second := fs.next(t)

	c.HandleBackgroundJob(jobEvent(first.id, "-ERR NO_ROUTE_DESTINATION\n"))
	fs.none(t)
	assert.Equal(t, 2, req.Attempt())
	assert.Equal(t, 1, req.Remaining())
	complete(t, c, second, "+OK\n")
}

func TestBackgroundJobBeforeTracking(t *testing.T) {
	fs := newFakeSwitch()
	c, _ := newTestCore(t, fs)
	var once sync.Once
	fs.onBgAPI = func(id, _ string) {
		once.Do(func() {
			c.HandleBackgroundJob(jobEvent(id, "-ERR CALL_REJECTED\n"))
		})
	}

	req := newRequest("g1", "g2")
	require.NoError(t, c.Originate(context.Background(), req))

	fs.next(t)
	second := fs.next(t)
	assert.Contains(t, second.cmd, "sofia/gateway/g2/")
}

func TestSubmitFailureMovesOn(t *testing.T) {
	fs := newFakeSwitch()
	c, web := newTestCore(t, fs)
	c.conn = nil

	req := newRequest("g1", "g2")
	require.NoError(t, c.Originate(context.Background(), req))

	assert.Eventually(t, func() bool { return len(web.to(hangupURL)) == 1 }, 2*time.Second, 10*time.Millisecond)
	sent := web.to(hangupURL)
	assert.Equal(t, "NORMAL_TEMPORARY_FAILURE", sent[0].params["HangupCause"])
	assert.Equal(t, 2, req.Attempt())
}

func TestGroupCallAllLegsFail(t *testing.T) {
	fs := newFakeSwitch()
	c, web := newTestCore(t, fs)
	req := newRequest("g1", "g2")
	require.NoError(t, c.GroupOriginate(context.Background(), req))

	a, b := fs.next(t), fs.next(t)
	assert.Contains(t, a.cmd, "callbridge_group_call=true")
	complete(t, c, a, "-ERR NO_ANSWER\n")
	assert.Empty(t, web.to(hangupURL))
	complete(t, c, b, "-ERR USER_BUSY\n")

	sent := web.to(hangupURL)
	require.Len(t, sent, 1)
	assert.Equal(t, "USER_BUSY", sent[0].params["HangupCause"])
	assert.Nil(t, c.Request(req.ID))
}

func TestGroupCallWinnerCancelsOthers(t *testing.T) {
	fs := newFakeSwitch()
	c, web := newTestCore(t, fs)
	req := newRequest("g1", "g2", "g3")
	require.NoError(t, c.GroupOriginate(context.Background(), req))

	calls := []bgCall{fs.next(t), fs.next(t), fs.next(t)}
	for _, call := range calls {
		tracked(t, c, call)
	}
	winner := calls[1]
	complete(t, c, winner, "+OK\n")
	assert.Nil(t, c.Request(req.ID))

	assert.Eventually(t, func() bool {
		return len(fs.commands("api uuid_kill")) == 2
	}, 2*time.Second, 10*time.Millisecond)
	for _, cmd := range fs.commands("api uuid_kill") {
		assert.NotContains(t, cmd, legOf(winner.cmd))
		assert.True(t, strings.HasSuffix(cmd, "LOSE_RACE"))
	}

	// Losers hang up unanswered and are not reported.
	loser := channelEvent(esl.EventChannelHangupComplete, legOf(calls[0].cmd), map[string]string{
		"callbridge_request_uuid": req.ID,
		"callbridge_group_call":   "true",
		"callbridge_hangup_url":   hangupURL,
	})
	c.HandleEvent(loser)
	assert.Empty(t, web.to(hangupURL))

	won := channelEvent(esl.EventChannelHangupComplete, legOf(winner.cmd), map[string]string{
		"callbridge_request_uuid": req.ID,
		"callbridge_group_call":   "true",
		"callbridge_hangup_url":   hangupURL,
	})
	won.Set("Caller-Channel-Answered-Time", "1700000000000000")
	won.Set("Hangup-Cause", "NORMAL_CLEARING")
	c.HandleEvent(won)
	require.Len(t, web.to(hangupURL), 1)

	c.HandleBackgroundJob(jobEvent(calls[0].id, "-ERR LOSE_RACE\n"))
	c.HandleBackgroundJob(jobEvent(calls[2].id, "-ERR LOSE_RACE\n"))
	assert.Len(t, web.to(hangupURL), 1)
}

func TestInboundHangupUsesChannelURL(t *testing.T) {
	c, web := newTestCore(t, newFakeSwitch())

	ev := channelEvent(esl.EventChannelHangupComplete, "leg-in", map[string]string{"callbridge_hangup_url": hangupURL})
	ev.Set("Hangup-Cause", "ORIGINATOR_CANCEL")
	ev.Set("Call-Direction", "inbound")
	c.HandleEvent(ev)

	sent := web.to(hangupURL)
	require.Len(t, sent, 1)
	assert.Equal(t, "leg-in", sent[0].params["CallUUID"])
	assert.Equal(t, "no-answer", sent[0].params["CallStatus"])

	c.HandleEvent(channelEvent(esl.EventChannelHangupComplete, "leg-quiet", nil))
	assert.Len(t, web.sent, 1)
}

func TestCallStatusForCause(t *testing.T) {
	tests := map[string]string{
		"NORMAL_CLEARING":          "completed",
		"USER_BUSY":                "busy",
		"NO_ANSWER":                "no-answer",
		"ORIGINATOR_CANCEL":        "no-answer",
		"NO_ROUTE_DESTINATION":     "failed",
		"NORMAL_TEMPORARY_FAILURE": "failed",
	}
	for cause, want := range tests {
		assert.Equal(t, want, CallStatusForCause(cause), cause)
	}
}

func TestAdminOperations(t *testing.T) {
	fs := newFakeSwitch()
	c, _ := newTestCore(t, fs)
	ctx := context.Background()

	t.Run("hangup", func(t *testing.T) {
		res := c.HangupCall(ctx, "leg-a", "")
		assert.True(t, res.Success)
		assert.Contains(t, fs.commands("api uuid_kill"), "api uuid_kill leg-a NORMAL_CLEARING")

		assert.False(t, c.HangupCall(ctx, "", "").Success)
	})

	t.Run("hangup failure", func(t *testing.T) {
		fs.apiErrs["uuid_kill leg-gone"] = &esl.CommandError{Command: "uuid_kill", Reply: "-ERR No such channel!"}
		res := c.HangupCall(ctx, "leg-gone", "")
		assert.False(t, res.Success)
		assert.Contains(t, res.Message, "No such channel")
	})

	t.Run("schedule and cancel", func(t *testing.T) {
		res := c.ScheduleHangup(ctx, "leg-a", 30*time.Second, "")
		require.True(t, res.Success)
		id := res.Message
		assert.Contains(t, fs.commands("api sched_api"), fmt.Sprintf("api sched_api +30 %s uuid_kill leg-a ALLOTTED_TIMEOUT", id))
		assert.Contains(t, c.ScheduledHangups(), id)

		res = c.CancelScheduledHangup(ctx, id)
		assert.True(t, res.Success)
		assert.Contains(t, fs.commands("api sched_del"), "api sched_del "+id)
		assert.NotContains(t, c.ScheduledHangups(), id)

		assert.False(t, c.ScheduleHangup(ctx, "leg-a", 0, "").Success)
	})

	t.Run("transfer", func(t *testing.T) {
		sess := session.New(session.Config{ID: "leg-t"})
		c.Attach(sess)
		defer c.Detach("leg-t")

		res := c.TransferCall(ctx, "leg-t", "http://app.test/next")
		require.True(t, res.Success, res.Message)
		assert.True(t, sess.TransferInProgress())
		assert.Contains(t, fs.commands("api uuid_setvar_multi"),
			"api uuid_setvar_multi leg-t callbridge_transfer_url=http://app.test/next;callbridge_transfer_progress=true")
		assert.Contains(t, fs.commands("api uuid_transfer"),
			"api uuid_transfer leg-t 'socket:127.0.0.1:8084 async full' inline")

		assert.False(t, c.TransferCall(ctx, "leg-t", "not a url").Success)
	})

	t.Run("hangup all", func(t *testing.T) {
		c.Attach(session.New(session.Config{ID: "leg-x"}))
		c.Attach(session.New(session.Config{ID: "leg-y"}))
		res := c.HangupAll(ctx)
		assert.True(t, res.Success)
		assert.Contains(t, fs.commands("bgapi uuid_kill"), "bgapi uuid_kill leg-x MANAGER_REQUEST")
		assert.Contains(t, fs.commands("bgapi uuid_kill"), "bgapi uuid_kill leg-y MANAGER_REQUEST")
		assert.Equal(t, 2, c.Stats().Jobs)

		for len(fs.bg) > 0 {
			call := <-fs.bg
			c.HandleBackgroundJob(jobEvent(call.id, "+OK\n"))
		}
		assert.Equal(t, 0, c.Stats().Jobs)
	})
}

func TestAdminWithoutConnection(t *testing.T) {
	c, _ := newTestCore(t, newFakeSwitch())
	c.conn = nil
	res := c.HangupCall(context.Background(), "leg-a", "")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, esl.ErrClosed.Error())
}

func TestHangupRequest(t *testing.T) {
	fs := newFakeSwitch()
	c, web := newTestCore(t, fs)
	req := newRequest("g1", "g2")
	require.NoError(t, c.Originate(context.Background(), req))
	first := fs.next(t)

	res := c.HangupRequest(context.Background(), req.ID)
	require.True(t, res.Success)
	assert.Contains(t, fs.commands("api uuid_kill"), "api uuid_kill "+legOf(first.cmd)+" ORIGINATOR_CANCEL")
	assert.Len(t, web.to(hangupURL), 1)

	complete(t, c, first, "-ERR ORIGINATOR_CANCEL\n")
	fs.none(t)
	assert.Len(t, web.to(hangupURL), 1)
	assert.False(t, c.HangupRequest(context.Background(), req.ID).Success)
}

func TestRequestState(t *testing.T) {
	fs := newFakeSwitch()
	c, web := newTestCore(t, fs)
	req := newRequest("g1", "g2")
	require.NoError(t, c.Originate(context.Background(), req))

	first := fs.next(t)
	state := req.State()
	assert.Equal(t, req.ID, state.RequestUUID)
	assert.Equal(t, 1, state.Attempt)
	assert.Equal(t, []string{"sofia/gateway/g2/15551234"}, state.Pending)
	assert.Equal(t, "ringing", state.Status)
	assert.False(t, state.Ended)

	complete(t, c, first, "-ERR NO_ANSWER\n")
	second := fs.next(t)
	complete(t, c, second, "-ERR NO_ANSWER\n")
	fs.none(t)

	state = req.State()
	assert.True(t, state.Ended)
	assert.Empty(t, state.Pending)
	assert.Equal(t, "completed", state.Status)

	// Progress reported after the request ended changes nothing.
	c.HandleEvent(channelEvent(esl.EventChannelProgress, legOf(second.cmd), map[string]string{"callbridge_request_uuid": req.ID}))
	assert.False(t, req.markProgress(false))
	assert.Equal(t, "completed", req.State().Status)
	assert.Empty(t, web.to(ringURL))
}

func TestConferences(t *testing.T) {
	c, _ := newTestCore(t, newFakeSwitch())
	c.JoinConference("room", "b")
	c.JoinConference("room", "a")
	assert.Equal(t, []string{"a", "b"}, c.ConferenceMembers("room"))
	assert.Equal(t, 1, c.Stats().Conferences)

	c.LeaveConference("room", "a")
	c.LeaveConference("room", "b")
	c.LeaveConference("missing", "a")
	assert.Empty(t, c.ConferenceMembers("room"))
	assert.Equal(t, 0, c.Stats().Conferences)
}

func TestSetResolve(t *testing.T) {
	a := New(Config{Name: "a"}, nil)
	b := New(Config{Name: "b"}, nil)
	defer a.Close()
	defer b.Close()
	a.SetID("core-a")
	set := NewSet(a, b)

	got, err := set.Resolve("core-a")
	require.NoError(t, err)
	assert.Same(t, a, got)

	got, err = set.Resolve("core-b")
	require.NoError(t, err)
	assert.Same(t, b, got, "the only unidentified core adopts the id")
	assert.Equal(t, "core-b", b.ID())

	_, err = set.Resolve("core-z")
	assert.True(t, errors.Is(err, ErrUnknownCore))

	got, err = set.Named("")
	require.NoError(t, err)
	assert.Same(t, a, got)
	_, err = set.Named("nope")
	assert.ErrorIs(t, err, ErrUnknownCore)
}
