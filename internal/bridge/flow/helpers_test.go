package flow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sebas/callbridge/internal/bridge/esl"
	"github.com/sebas/callbridge/internal/bridge/session"
)

// recorder is a shared, ordered log of everything the fakes observed.
type recorder struct {
	mu  sync.Mutex
	log []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (r *recorder) entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

// index returns the position of the first entry with prefix, or -1.
func (r *recorder) index(prefix string) int {
	for i, e := range r.entries() {
		if strings.HasPrefix(e, prefix) {
			return i
		}
	}
	return -1
}

func (r *recorder) count(prefix string) int {
	n := 0
	for _, e := range r.entries() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

// fakeConn records commands and scripts switch events through onExecute.
type fakeConn struct {
	rec       *recorder
	replies   map[string]string
	failures  map[string]error
	onExecute func(app, arg string)
	closed    bool
}

func newFakeConn(rec *recorder) *fakeConn {
	return &fakeConn{
		rec:      rec,
		replies:  map[string]string{},
		failures: map[string]error{},
	}
}

func (f *fakeConn) API(_ context.Context, cmd string) (string, error) {
	f.rec.add("api %s", cmd)
	if err, ok := f.failures[cmd]; ok {
		return "", err
	}
	if reply, ok := f.replies[cmd]; ok {
		return reply, nil
	}
	if strings.HasPrefix(cmd, "uuid_getvar ") {
		return "_undef_", nil
	}
	return "+OK", nil
}

func (f *fakeConn) BgAPI(_ context.Context, cmd string) (string, error) {
	f.rec.add("bgapi %s", cmd)
	return "job-1", nil
}

func (f *fakeConn) Execute(_ context.Context, _, app, arg string, _ bool) error {
	f.rec.add("execute %s %s", app, arg)
	if f.onExecute != nil {
		f.onExecute(app, arg)
	}
	return nil
}

func (f *fakeConn) Send(_ context.Context, cmd string) (*esl.Event, error) {
	f.rec.add("send %s", cmd)
	return esl.NewEvent(map[string]string{"Reply-Text": "+OK"}, ""), nil
}

func (f *fakeConn) Close() {
	f.closed = true
}

// fakeWeb serves documents by URL and records requests.
type fakeWeb struct {
	mu       sync.Mutex
	docs     map[string]string
	fetches  []webCall
	notifies []webCall
}

type webCall struct {
	URL    string
	Method string
	Params map[string]string
}

func newFakeWeb(docs map[string]string) *fakeWeb {
	return &fakeWeb{docs: docs}
}

func (w *fakeWeb) Fetch(_ context.Context, url, method string, params map[string]string) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fetches = append(w.fetches, webCall{url, method, params})
	doc, ok := w.docs[url]
	if !ok {
		return nil, fmt.Errorf("404 %s", url)
	}
	return []byte(doc), nil
}

func (w *fakeWeb) Notify(url, method string, params map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.notifies = append(w.notifies, webCall{url, method, params})
}

// fakeCore records scheduled hangups and conference membership.
type fakeCore struct {
	rec *recorder
}

func (c *fakeCore) TrackScheduledHangup(id string, timeout time.Duration, callUUID string) {
	c.rec.add("track %s %s %s", id, timeout, callUUID)
}

func (c *fakeCore) ForgetScheduledHangup(id string) bool {
	c.rec.add("forget %s", id)
	return true
}

func (c *fakeCore) JoinConference(room, callUUID string) {
	c.rec.add("join %s %s", room, callUUID)
}

func (c *fakeCore) LeaveConference(room, callUUID string) {
	c.rec.add("leave %s %s", room, callUUID)
}

// harness wires a session to the fakes.
type harness struct {
	rec    *recorder
	conn   *fakeConn
	web    *fakeWeb
	core   *fakeCore
	sess   *session.Session
	walker *Walker
}

func newHarness(answered bool, docs map[string]string) *harness {
	rec := &recorder{}
	h := &harness{
		rec:  rec,
		conn: newFakeConn(rec),
		web:  newFakeWeb(docs),
		core: &fakeCore{rec: rec},
	}
	cfg := session.Config{
		ID:        "leg-a",
		CoreID:    "core-1",
		TargetURL: "http://app/answer",
		From:      "1000",
		To:        "2000",
	}
	if answered {
		cfg.Status = session.StatusInProgress
		cfg.Answered = true
	}
	h.sess = session.New(cfg)
	h.walker = NewWalker(WalkerConfig{
		Web:     h.web,
		Options: Options{EventTimeout: 200 * time.Millisecond, MaxRedirects: 3},
	})

	// By default every awaited application completes at once and a hangup
	// command ends the leg.
	h.conn.onExecute = func(app, arg string) {
		switch app {
		case "hangup":
			h.hangup(arg)
		case "set", "unset", "ring_ready", "bind_digit_action", "digit_action_set_realm", "clear_digit_action", "bridge":
		default:
			h.complete(app, nil)
		}
	}
	return h
}

func (h *harness) deliver(name string, headers map[string]string) {
	all := map[string]string{"Event-Name": name, "Unique-ID": "leg-a"}
	for k, v := range headers {
		all[k] = v
	}
	h.sess.Deliver(esl.NewEvent(all, ""))
}

func (h *harness) complete(app string, headers map[string]string) {
	all := map[string]string{"Application": app}
	for k, v := range headers {
		all[k] = v
	}
	h.deliver(esl.EventChannelExecuteDone, all)
}

func (h *harness) hangup(cause string) {
	h.deliver(esl.EventChannelHangup, map[string]string{"Hangup-Cause": cause})
}

func (h *harness) run() error {
	return h.walker.Run(context.Background(), h.conn, h.sess, h.core)
}

func (h *harness) call() *Call {
	return h.walker.NewCall(h.conn, h.sess, h.core)
}

func doc(body string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>` + "\n<Response>\n" + body + "\n</Response>"
}
