// Package api serves the administrative HTTP API: call origination,
// hangups, transfers and scheduled hangups, plus health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sebas/callbridge/internal/bridge/core"
	"github.com/sebas/callbridge/internal/bridge/flow"
)

const (
	defaultDelimiter = "<"
	shutdownTimeout  = 5 * time.Second
	maxBodyBytes     = 1 << 20
)

// Server provides the HTTP API
type Server struct {
	addr       string
	httpServer *http.Server
	cores      *core.Set
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server. metrics may be nil.
func NewServer(addr string, cores *core.Set, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:      addr,
		cores:     cores,
		logger:    logger,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	// Health and stats
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	// Origination
	mux.HandleFunc("POST /api/v1/calls", s.handleCall)
	mux.HandleFunc("POST /api/v1/calls/group", s.handleGroupCall)

	// Live call control
	mux.HandleFunc("POST /api/v1/calls/hangup_all", s.handleHangupAll)
	mux.HandleFunc("POST /api/v1/calls/{uuid}/hangup", s.handleHangup)
	mux.HandleFunc("POST /api/v1/calls/{uuid}/transfer", s.handleTransfer)
	mux.HandleFunc("POST /api/v1/calls/{uuid}/schedule_hangup", s.handleScheduleHangup)
	mux.HandleFunc("GET /api/v1/requests/{uuid}", s.handleRequest)
	mux.HandleFunc("POST /api/v1/requests/{uuid}/hangup", s.handleHangupRequest)
	mux.HandleFunc("GET /api/v1/conferences/{room}", s.handleConference)
	mux.HandleFunc("DELETE /api/v1/scheduled_hangups/{id}", s.handleCancelScheduledHangup)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("[API] Starting HTTP API server", "addr", s.addr)
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// --- Health & Stats ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	switches := make(map[string]bool)
	for _, c := range s.cores.All() {
		switches[c.Name()] = c.Stats().Connected
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime":   int64(time.Since(s.startTime).Seconds()),
		"switches": switches,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := make([]core.Stats, 0)
	for _, c := range s.cores.All() {
		stats = append(stats, c.Stats())
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"switches": stats})
}

// handleRequest reports a live call request and the attempts it has left.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")
	for _, c := range s.cores.All() {
		if req := c.Request(id); req != nil {
			s.writeJSON(w, http.StatusOK, map[string]any{"switch": c.Name(), "request": req.State()})
			return
		}
	}
	s.fail(w, http.StatusNotFound, "Request not found")
}

// handleConference lists the legs in a conference room on every switch.
func (s *Server) handleConference(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	members := make(map[string][]string)
	for _, c := range s.cores.All() {
		if m := c.ConferenceMembers(room); len(m) > 0 {
			members[c.Name()] = m
		}
	}
	if len(members) == 0 {
		s.fail(w, http.StatusNotFound, "Conference not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"room": room, "members": members})
}

// --- Origination ---

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	p, c, ok := s.begin(w, r)
	if !ok {
		return
	}
	if missing := p.missing("From", "To", "Gateways", "AnswerUrl"); missing != "" {
		s.fail(w, http.StatusBadRequest, missing+" Parameter must be present")
		return
	}

	to := p.get("To")
	attempts, err := flow.GatewayAttempts(to, p.gateways(nil))
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	req := p.request(to, attempts)
	if err := c.Originate(context.WithoutCancel(r.Context()), req); err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"message":     "Call fired",
		"RequestUUID": req.ID,
	})
}

func (s *Server) handleGroupCall(w http.ResponseWriter, r *http.Request) {
	p, c, ok := s.begin(w, r)
	if !ok {
		return
	}
	if missing := p.missing("From", "To", "Gateways", "AnswerUrl"); missing != "" {
		s.fail(w, http.StatusBadRequest, missing+" Parameter must be present")
		return
	}

	delimiter := p.getOr("Delimiter", defaultDelimiter)
	if delimiter == "," {
		s.fail(w, http.StatusBadRequest, "Delimiter ',' is not allowed")
		return
	}
	numbers := splitNonEmpty(p.get("To"), delimiter)
	if len(numbers) < 2 {
		s.fail(w, http.StatusBadRequest, "To must list at least two numbers separated by "+delimiter)
		return
	}

	// One racing leg per number; its gateways fail over inside the leg.
	var legs []string
	for _, number := range numbers {
		attempts, err := flow.GatewayAttempts(number, p.gateways([]string{c.VarPrefix() + "_to=" + number}))
		if err != nil {
			s.fail(w, http.StatusBadRequest, err.Error())
			return
		}
		legs = append(legs, strings.Join(attempts, "|"))
	}
	req := p.request(numbers[0], legs)
	if err := c.GroupOriginate(context.WithoutCancel(r.Context()), req); err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"message":     "GroupCall fired",
		"RequestUUID": req.ID,
	})
}

// --- Live call control ---

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	p, c, ok := s.beginCall(w, r)
	if !ok {
		return
	}
	s.writeResult(w, c.HangupCall(r.Context(), r.PathValue("uuid"), p.get("HangupCause")))
}

func (s *Server) handleHangupRequest(w http.ResponseWriter, r *http.Request) {
	_, c, ok := s.begin(w, r)
	if !ok {
		return
	}
	id := r.PathValue("uuid")
	for _, candidate := range s.cores.All() {
		if candidate.Request(id) != nil {
			c = candidate
			break
		}
	}
	s.writeResult(w, c.HangupRequest(r.Context(), id))
}

func (s *Server) handleHangupAll(w http.ResponseWriter, r *http.Request) {
	_, c, ok := s.begin(w, r)
	if !ok {
		return
	}
	s.writeResult(w, c.HangupAll(r.Context()))
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	p, c, ok := s.beginCall(w, r)
	if !ok {
		return
	}
	if missing := p.missing("Url"); missing != "" {
		s.fail(w, http.StatusBadRequest, missing+" Parameter must be present")
		return
	}
	s.writeResult(w, c.TransferCall(r.Context(), r.PathValue("uuid"), p.get("Url")))
}

func (s *Server) handleScheduleHangup(w http.ResponseWriter, r *http.Request) {
	p, c, ok := s.beginCall(w, r)
	if !ok {
		return
	}
	secs, err := strconv.Atoi(p.get("Time"))
	if err != nil || secs <= 0 {
		s.fail(w, http.StatusBadRequest, "Time Parameter must be a positive number of seconds")
		return
	}
	res := c.ScheduleHangup(r.Context(), r.PathValue("uuid"), time.Duration(secs)*time.Second, p.get("HangupCause"))
	if !res.Success {
		s.writeResult(w, res)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"message":       "ScheduleHangup executed",
		"SchedHangupId": res.Message,
	})
}

func (s *Server) handleCancelScheduledHangup(w http.ResponseWriter, r *http.Request) {
	_, c, ok := s.begin(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	for _, candidate := range s.cores.All() {
		if _, known := candidate.ScheduledHangups()[id]; known {
			c = candidate
			break
		}
	}
	s.writeResult(w, c.CancelScheduledHangup(r.Context(), id))
}

// --- Helpers ---

// begin parses the request parameters and picks the switch named by the
// optional Switch parameter.
func (s *Server) begin(w http.ResponseWriter, r *http.Request) (params, *core.Core, bool) {
	p, err := parseParams(w, r)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return nil, nil, false
	}
	c, err := s.cores.Named(p.get("Switch"))
	if err != nil {
		s.fail(w, http.StatusNotFound, err.Error())
		return nil, nil, false
	}
	return p, c, true
}

// beginCall is begin for operations on a live leg. The switch the leg is
// attached to wins over the Switch parameter.
func (s *Server) beginCall(w http.ResponseWriter, r *http.Request) (params, *core.Core, bool) {
	p, c, ok := s.begin(w, r)
	if !ok {
		return nil, nil, false
	}
	id := r.PathValue("uuid")
	for _, candidate := range s.cores.All() {
		if _, attached := candidate.Session(id); attached {
			return p, candidate, true
		}
	}
	return p, c, true
}

func (s *Server) writeResult(w http.ResponseWriter, res core.Result) {
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, res)
}

func (s *Server) fail(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, core.Result{Success: false, Message: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("[API] Failed to encode JSON", "error", err)
	}
}

// params are request parameters from a form, a query string or a JSON
// object.
type params map[string]string

func parseParams(w http.ResponseWriter, r *http.Request) (params, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	p := params{}

	ctype, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ctype == "application/json" {
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		for k, v := range raw {
			switch val := v.(type) {
			case string:
				p[k] = val
			case nil:
			default:
				p[k] = fmt.Sprint(val)
			}
		}
		return p, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("invalid form body: %w", err)
	}
	for k := range r.Form {
		p[k] = r.Form.Get(k)
	}
	return p, nil
}

func (p params) get(name string) string { return strings.TrimSpace(p[name]) }

func (p params) getOr(name, fallback string) string {
	if v := p.get(name); v != "" {
		return v
	}
	return fallback
}

// missing returns the first empty required parameter.
func (p params) missing(names ...string) string {
	for _, n := range names {
		if p.get(n) == "" {
			return n
		}
	}
	return ""
}

func (p params) gateways(vars []string) flow.Gateways {
	return flow.Gateways{
		Gateways: splitNonEmpty(p.get("Gateways"), ","),
		Codecs:   splitNonEmpty(p.get("GatewayCodecs"), ","),
		Timeouts: splitNonEmpty(p.get("GatewayTimeouts"), ","),
		Retries:  splitNonEmpty(p.get("GatewayRetries"), ","),
		Vars:     vars,
	}
}

func (p params) request(to string, attempts []string) *core.CallRequest {
	req := core.NewCallRequest(to, attempts)
	req.From = p.get("From")
	req.CallerName = p.get("CallerName")
	req.AnswerURL = p.get("AnswerUrl")
	req.AnswerMethod = p.get("AnswerMethod")
	req.RingURL = p.get("RingUrl")
	req.HangupURL = p.get("HangupUrl")
	req.Method = p.get("Method")
	req.AccountTag = p.get("AccountTag")
	req.ExtraDialString = p.get("ExtraDialString")
	return req
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
