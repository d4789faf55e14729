package core

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/sebas/callbridge/internal/bridge/esl"
)

// Originate outcomes reported to Metrics.
const (
	OutcomeAnswered = "answered"
	OutcomeRetry    = "retry"
	OutcomeFailed   = "failed"
)

const defaultFailureCause = "NORMAL_TEMPORARY_FAILURE"

func validateRequest(req *CallRequest) error {
	if req == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if req.Remaining() == 0 {
		return fmt.Errorf("%w: %s", ErrNoAttempts, req.ID)
	}
	if req.To == "" {
		return fmt.Errorf("%w: To is required", ErrInvalidRequest)
	}
	u, err := url.Parse(req.AnswerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: AnswerURL %q", ErrInvalidRequest, req.AnswerURL)
	}
	return nil
}

// detach returns a context that keeps ctx's values but lives until the Core
// closes.
func (c *Core) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(c.ctx, cancel)
	return lctx, func() {
		stop()
		cancel()
	}
}

// Originate registers req and starts its failover loop. Attempts are tried
// one at a time in order until one is answered, one rings, or none remain.
func (c *Core) Originate(ctx context.Context, req *CallRequest) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	c.addRequest(req)
	c.logger.Info("[Core] Originating call",
		"request_uuid", req.ID,
		"to", req.To,
		"attempts", req.Remaining(),
	)

	lctx, cancel := c.detach(ctx)
	go func() {
		defer cancel()
		c.failover(lctx, req)
	}()
	return nil
}

func (c *Core) failover(ctx context.Context, req *CallRequest) {
	for {
		dial, ok := req.PopGateway()
		if !ok {
			return
		}
		terminal, err := c.runAttempt(ctx, req, dial, req.Attempt(), false)
		if err == nil && terminal {
			return
		}
		if err == nil {
			continue
		}

		if ctx.Err() != nil {
			c.removeRequest(req.ID)
			c.logger.Warn("[Core] Origination abandoned", "request_uuid", req.ID, "error", err)
			return
		}
		c.logger.Warn("[Core] Originate attempt not submitted",
			"request_uuid", req.ID,
			"attempt", req.Attempt(),
			"error", err,
		)
		if req.Remaining() == 0 {
			c.cfg.Metrics.OriginateFinished(c.cfg.Name, OutcomeFailed)
			c.finishRequest(req, "", submitCause(err))
			return
		}
	}
}

func submitCause(err error) string {
	var cmdErr *esl.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Cause() != "" {
		return cmdErr.Cause()
	}
	return defaultFailureCause
}

// GroupOriginate registers req and issues every attempt at once. The first
// answered leg wins and the others are cancelled.
func (c *Core) GroupOriginate(ctx context.Context, req *CallRequest) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	req.IsGroup = true
	c.addRequest(req)

	var attempts []string
	for {
		dial, ok := req.PopGateway()
		if !ok {
			break
		}
		attempts = append(attempts, dial)
	}
	c.logger.Info("[Core] Originating group call",
		"request_uuid", req.ID,
		"to", req.To,
		"legs", len(attempts),
	)

	for i, dial := range attempts {
		lctx, cancel := c.detach(ctx)
		go func() {
			defer cancel()
			if _, err := c.runAttempt(lctx, req, dial, i+1, true); err != nil {
				c.logger.Warn("[Core] Group leg not submitted", "request_uuid", req.ID, "error", err)
				if req.markGroupFailure() {
					c.finishRequest(req, "", submitCause(err))
				}
			}
		}()
	}
	return nil
}

// runAttempt submits one originate and waits for its background job.
func (c *Core) runAttempt(ctx context.Context, req *CallRequest, dial string, attempt int, group bool) (bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, err
	}
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer c.slots.Release(1)

	conn, err := c.commander()
	if err != nil {
		return false, err
	}

	callUUID := uuid.NewString()
	cmd := c.originateCommand(req, callUUID, dial, group)
	id, err := conn.BgAPI(ctx, cmd)
	if err != nil {
		return false, fmt.Errorf("originate %s: %w", req.ID, err)
	}

	job := newJob(id, JobOriginate, req)
	job.IsGroupCall = group
	job.CallUUID = callUUID
	job.Command = "originate " + dial
	req.addLeg(callUUID)

	c.logger.Debug("[Core] Originate submitted",
		"request_uuid", req.ID,
		"job_uuid", id,
		"call_uuid", callUUID,
		"attempt", attempt,
	)
	c.cfg.Metrics.OriginateAttempt(c.cfg.Name)
	ev := c.cfg.Builder.OriginateAttempt(req.ID, c.ID(), dial, attempt, req.Remaining())
	ev.Group = group
	c.cfg.Events.PublishAsync(ev)

	c.trackJob(job)

	select {
	case terminal := <-job.Result():
		return terminal, nil
	case <-ctx.Done():
		c.forgetJob(id)
		return false, ctx.Err()
	}
}

// originateCommand builds the bgapi originate for one attempt. The leg
// connects back to the outbound socket and carries the request identity.
func (c *Core) originateCommand(req *CallRequest, callUUID, dial string, group bool) string {
	p := c.cfg.VarPrefix
	vars := []string{
		"origination_uuid=" + callUUID,
		p + "_request_uuid=" + req.ID,
		p + "_to=" + req.To,
		p + "_answer_url=" + req.AnswerURL,
	}
	add := func(name, value string) {
		if value != "" {
			vars = append(vars, name+"="+value)
		}
	}
	add(p+"_answer_method", req.AnswerMethod)
	add(p+"_hangup_url", req.HangupURL)
	add(p+"_account_tag", req.AccountTag)
	add("origination_caller_id_number", req.From)
	if req.CallerName != "" {
		add("origination_caller_id_name", "'"+req.CallerName+"'")
	}
	if group {
		add(p+"_group_call", "true")
	}
	add("ignore_early_media", "true")
	if req.ExtraDialString != "" {
		vars = append(vars, req.ExtraDialString)
	}
	return fmt.Sprintf("originate {%s}%s &socket('%s async full')", strings.Join(vars, ","), dial, c.cfg.OutboundAddr)
}

// trackJob registers job, or completes it immediately when its
// BACKGROUND_JOB already arrived.
func (c *Core) trackJob(job *Job) {
	c.mu.Lock()
	ev, early := c.orphans.Take(job.ID)
	if !early {
		c.jobs[job.ID] = job
	}
	c.mu.Unlock()

	if early {
		c.completeJob(job, ev)
	}
}

func (c *Core) forgetJob(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.jobs, id)
}

// HandleBackgroundJob completes the tracked job named by ev. The job is
// removed before it is processed so a repeated event is ignored.
func (c *Core) HandleBackgroundJob(ev *esl.Event) {
	id := ev.JobUUID()
	if id == "" {
		return
	}

	c.mu.Lock()
	job, ok := c.jobs[id]
	if ok {
		delete(c.jobs, id)
	} else {
		c.orphans.Set(id, ev, orphanTTL)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("[Core] Background job not tracked", "job_uuid", id)
		return
	}
	c.completeJob(job, ev)
}

func (c *Core) completeJob(job *Job, ev *esl.Event) {
	body := strings.TrimSpace(ev.Body)
	switch job.Kind {
	case JobOriginate:
		c.resolveOriginate(job, body)
	default:
		c.logger.Debug("[Core] Background job finished", "job_uuid", job.ID, "command", job.Command, "reply", body)
		job.resolve(true)
	}
}

// resolveOriginate decides between success, retry and terminal failure.
func (c *Core) resolveOriginate(job *Job, body string) {
	req := job.Request
	log := c.logger.With("request_uuid", req.ID, "job_uuid", job.ID, "call_uuid", job.CallUUID)

	if strings.HasPrefix(body, "+OK") {
		log.Info("[Core] Originate answered")
		c.cfg.Metrics.OriginateFinished(c.cfg.Name, OutcomeAnswered)
		if job.IsGroupCall {
			if c.removeRequest(req.ID) {
				c.cancelLosers(req, job.CallUUID)
			}
		} else {
			req.Drain()
		}
		job.resolve(true)
		return
	}

	cause := esl.ReplyCause(body)
	if cause == "" {
		cause = defaultFailureCause
	}

	if job.IsGroupCall {
		log.Info("[Core] Group leg failed", "cause", cause)
		if req.markGroupFailure() {
			c.cfg.Metrics.OriginateFinished(c.cfg.Name, OutcomeFailed)
			c.finishRequest(req, "", cause)
		}
		job.resolve(true)
		return
	}

	switch {
	case req.Progressed():
		// The call rang, so it counts as connected and no further path is
		// tried. Only the last path reports the hangup.
		last := req.Remaining() == 0
		log.Info("[Core] Originate failed after ringing", "cause", cause, "last_path", last)
		c.cfg.Metrics.OriginateFinished(c.cfg.Name, OutcomeFailed)
		req.Drain()
		if last {
			c.finishRequest(req, job.CallUUID, cause)
		} else {
			c.removeRequest(req.ID)
			req.markEnded()
		}
		job.resolve(true)
	case req.Remaining() > 0:
		log.Info("[Core] Originate failed, trying next attempt", "cause", cause, "pending", req.Attempts())
		c.cfg.Metrics.OriginateFinished(c.cfg.Name, OutcomeRetry)
		job.resolve(false)
	default:
		log.Info("[Core] Originate failed, no attempts left", "cause", cause)
		c.cfg.Metrics.OriginateFinished(c.cfg.Name, OutcomeFailed)
		c.finishRequest(req, "", cause)
		job.resolve(true)
	}
}

// cancelLosers hangs up the legs of a group call other than winner.
func (c *Core) cancelLosers(req *CallRequest, winner string) {
	conn, err := c.commander()
	if err != nil {
		return
	}
	for _, leg := range req.Legs() {
		if leg == winner {
			continue
		}
		go func() {
			ctx, cancel := context.WithTimeout(c.ctx, commandTimeout)
			defer cancel()
			if _, err := conn.API(ctx, "uuid_kill "+leg+" LOSE_RACE"); err != nil {
				c.logger.Debug("[Core] Group leg already gone", "call_uuid", leg, "error", err)
			}
		}()
	}
}
