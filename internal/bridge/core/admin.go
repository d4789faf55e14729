package core

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

const commandTimeout = 10 * time.Second

// HangupCall hangs up a live leg.
func (c *Core) HangupCall(ctx context.Context, callUUID, cause string) Result {
	if callUUID == "" {
		return failure("CallUUID is required")
	}
	if cause == "" {
		cause = "NORMAL_CLEARING"
	}
	conn, err := c.commander()
	if err != nil {
		return failure(err.Error())
	}
	if _, err := conn.API(ctx, fmt.Sprintf("uuid_kill %s %s", callUUID, cause)); err != nil {
		c.logger.Warn("[Core] Hangup failed", "call_uuid", callUUID, "error", err)
		return failure("Hangup failed: " + err.Error())
	}
	c.logger.Info("[Core] Call hung up", "call_uuid", callUUID, "cause", cause)
	return success("Hangup executed")
}

// HangupRequest stops an outbound request: attempts not yet tried are
// dropped and its legs are hung up.
func (c *Core) HangupRequest(ctx context.Context, requestUUID string) Result {
	req := c.Request(requestUUID)
	if req == nil {
		return failure("Unknown RequestUUID " + requestUUID)
	}
	req.Drain()
	if conn, err := c.commander(); err == nil {
		for _, leg := range req.Legs() {
			if _, err := conn.API(ctx, "uuid_kill "+leg+" ORIGINATOR_CANCEL"); err != nil {
				c.logger.Debug("[Core] Request leg already gone", "call_uuid", leg, "error", err)
			}
		}
	}
	c.finishRequest(req, "", "ORIGINATOR_CANCEL")
	return success("Request hung up")
}

// HangupAll hangs up every attached leg and cancels pending requests. The
// kills run as background jobs so one slow leg does not hold the others.
func (c *Core) HangupAll(ctx context.Context) Result {
	conn, err := c.commander()
	if err != nil {
		return failure(err.Error())
	}

	c.mu.Lock()
	requests := make([]*CallRequest, 0, len(c.requests))
	for _, req := range c.requests {
		requests = append(requests, req)
	}
	c.mu.Unlock()
	for _, req := range requests {
		req.Drain()
	}

	var failed int
	sessions := c.SessionIDs()
	for _, id := range sessions {
		cmd := "uuid_kill " + id + " MANAGER_REQUEST"
		jobID, err := conn.BgAPI(ctx, cmd)
		if err != nil {
			failed++
			c.logger.Warn("[Core] Hangup all: kill failed", "call_uuid", id, "error", err)
			continue
		}
		job := newJob(jobID, JobOther, nil)
		job.Command = cmd
		c.trackJob(job)
	}
	for _, req := range requests {
		for _, leg := range req.Legs() {
			if _, err := conn.BgAPI(ctx, "uuid_kill "+leg+" MANAGER_REQUEST"); err != nil {
				c.logger.Debug("[Core] Hangup all: request leg kill failed", "call_uuid", leg, "error", err)
			}
		}
		c.finishRequest(req, "", "MANAGER_REQUEST")
	}

	c.logger.Info("[Core] Hangup all", "sessions", len(sessions), "requests", len(requests), "failed", failed)
	if failed > 0 {
		return failure(fmt.Sprintf("Hangup all: %d of %d legs failed", failed, len(sessions)))
	}
	return success("Hangup all executed")
}

// TransferCall moves a live leg to a new document. The leg reconnects to
// the outbound socket and the entry point fetches target.
func (c *Core) TransferCall(ctx context.Context, callUUID, target string) Result {
	if callUUID == "" {
		return failure("CallUUID is required")
	}
	if u, err := url.Parse(target); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return failure(fmt.Sprintf("Invalid Url %q", target))
	}
	conn, err := c.commander()
	if err != nil {
		return failure(err.Error())
	}

	p := c.cfg.VarPrefix
	vars := fmt.Sprintf("%s_transfer_url=%s;%s_transfer_progress=true", p, target, p)
	if _, err := conn.API(ctx, fmt.Sprintf("uuid_setvar_multi %s %s", callUUID, vars)); err != nil {
		return failure("Transfer failed: " + err.Error())
	}
	if sess, ok := c.Session(callUUID); ok {
		sess.SetTransferInProgress(true)
	}
	cmd := fmt.Sprintf("uuid_transfer %s 'socket:%s async full' inline", callUUID, c.cfg.OutboundAddr)
	if _, err := conn.API(ctx, cmd); err != nil {
		if sess, ok := c.Session(callUUID); ok {
			sess.SetTransferInProgress(false)
		}
		return failure("Transfer failed: " + err.Error())
	}
	c.logger.Info("[Core] Call transferred", "call_uuid", callUUID, "url", target)
	return success("Transfer executed")
}

// ScheduleHangup asks the switch to hang up callUUID after timeout and
// returns the schedule id as the message.
func (c *Core) ScheduleHangup(ctx context.Context, callUUID string, timeout time.Duration, cause string) Result {
	if callUUID == "" {
		return failure("CallUUID is required")
	}
	secs := int(timeout / time.Second)
	if secs <= 0 {
		return failure("Time must be a positive number of seconds")
	}
	if cause == "" {
		cause = "ALLOTTED_TIMEOUT"
	}
	conn, err := c.commander()
	if err != nil {
		return failure(err.Error())
	}

	id := uuid.NewString()
	cmd := fmt.Sprintf("sched_api +%d %s uuid_kill %s %s", secs, id, callUUID, cause)
	if _, err := conn.API(ctx, cmd); err != nil {
		return failure("Schedule hangup failed: " + err.Error())
	}
	c.TrackScheduledHangup(id, timeout, callUUID)
	c.logger.Info("[Core] Hangup scheduled", "id", id, "call_uuid", callUUID, "in", timeout)
	return success(id)
}

// CancelScheduledHangup removes a scheduled hangup from the switch.
func (c *Core) CancelScheduledHangup(ctx context.Context, id string) Result {
	if id == "" {
		return failure("SchedHangupId is required")
	}
	conn, err := c.commander()
	if err != nil {
		return failure(err.Error())
	}
	known := c.ForgetScheduledHangup(id)
	if _, err := conn.API(ctx, "sched_del "+id); err != nil {
		return failure("Cancel scheduled hangup failed: " + err.Error())
	}
	if !known {
		c.logger.Debug("[Core] Cancelled a scheduled hangup not tracked here", "id", id)
	}
	return success("Scheduled hangup cancelled")
}
