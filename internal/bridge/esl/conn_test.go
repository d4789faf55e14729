package esl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassword = "ClueCon"

// fakeSwitch speaks the server side of the control-socket protocol on a
// loopback listener. reply maps each request to the frame written back; an
// empty frame means no answer.
type fakeSwitch struct {
	ln    net.Listener
	reply func(req string) string

	mu   sync.Mutex
	conn net.Conn
	reqs []string
}

func newFakeSwitch(t *testing.T, reply func(req string) string) *fakeSwitch {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeSwitch{ln: ln, reply: reply}
	t.Cleanup(func() {
		ln.Close()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.conn != nil {
			s.conn.Close()
		}
	})
	go s.serve()
	return s
}

func (s *fakeSwitch) addr() string { return s.ln.Addr().String() }

func (s *fakeSwitch) serve() {
	c, err := s.ln.Accept()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()

	s.write("Content-Type: auth/request\n\n")
	r := bufio.NewReader(c)
	for {
		req, err := readRequest(r)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.reqs = append(s.reqs, req)
		s.mu.Unlock()

		switch {
		case req == "auth "+testPassword:
			s.write(commandReply("+OK accepted"))
		case strings.HasPrefix(req, "auth "):
			s.write(commandReply("-ERR invalid"))
		default:
			if frame := s.reply(req); frame != "" {
				s.write(frame)
			}
		}
	}
}

func (s *fakeSwitch) write(frame string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_, _ = s.conn.Write([]byte(frame))
	}
}

// hangup drops the socket from the switch side.
func (s *fakeSwitch) hangup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *fakeSwitch) requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reqs...)
}

// readRequest reads one request up to its blank line and returns its lines
// joined by "\n".
func readRequest(r *bufio.Reader) (string, error) {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(lines) == 0 {
				continue
			}
			return strings.Join(lines, "\n"), nil
		}
		lines = append(lines, line)
	}
}

func commandReply(text string, headers ...string) string {
	var b strings.Builder
	b.WriteString("Content-Type: command/reply\nReply-Text: " + text + "\n")
	for _, h := range headers {
		b.WriteString(h + "\n")
	}
	b.WriteString("\n")
	return b.String()
}

func apiResponse(body string) string {
	return fmt.Sprintf("Content-Type: api/response\nContent-Length: %d\n\n%s", len(body), body)
}

func plainEvent(headers ...string) string {
	body := strings.Join(headers, "\n") + "\n\n"
	return fmt.Sprintf("Content-Length: %d\nContent-Type: text/event-plain\n\n%s", len(body), body)
}

func dial(t *testing.T, s *fakeSwitch) *Conn {
	t.Helper()
	conn, err := Dial(s.addr(), testPassword)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDialAuthenticates(t *testing.T) {
	s := newFakeSwitch(t, func(req string) string {
		if req == "api status" {
			return apiResponse("UP 0 years, 0 days\n")
		}
		return ""
	})
	conn := dial(t, s)

	body, err := conn.API(testContext(t), "status")
	require.NoError(t, err)
	assert.Equal(t, "UP 0 years, 0 days", body)
	assert.Equal(t, []string{"auth " + testPassword, "api status"}, s.requests())
}

func TestDialRejectsPassword(t *testing.T) {
	s := newFakeSwitch(t, func(string) string { return "" })
	_, err := Dial(s.addr(), "wrong")
	assert.Error(t, err)
}

func TestAPIErrorReply(t *testing.T) {
	s := newFakeSwitch(t, func(req string) string {
		switch req {
		case "api uuid_kill leg-9":
			return apiResponse("-ERR No such channel!\n")
		case "api uuid_getvar leg-1 x":
			return apiResponse("-USAGE: <uuid> <var>\n")
		default:
			return apiResponse("+OK\n")
		}
	})
	conn := dial(t, s)
	ctx := testContext(t)

	_, err := conn.API(ctx, "uuid_kill leg-9")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandFailed)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "-ERR No such channel!", cmdErr.Reply)

	_, err = conn.API(ctx, "uuid_getvar leg-1 x")
	assert.ErrorIs(t, err, ErrCommandFailed)

	body, err := conn.API(ctx, "uuid_kill leg-1")
	require.NoError(t, err, "the connection survives -ERR replies")
	assert.Equal(t, "+OK", body)
}

func TestExecuteErrorReply(t *testing.T) {
	s := newFakeSwitch(t, func(req string) string {
		if strings.HasPrefix(req, "sendmsg leg-9") {
			return commandReply("-ERR invalid session id [leg-9]")
		}
		return commandReply("+OK")
	})
	conn := dial(t, s)

	err := conn.Execute(testContext(t), "leg-9", "playback", "tone_stream://%(100,0,440)", true)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "-ERR invalid session id [leg-9]", cmdErr.Reply)

	reqs := s.requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[1], "call-command: execute")
	assert.Contains(t, reqs[1], "execute-app-name: playback")
	assert.Contains(t, reqs[1], "event-lock: true")
}

func TestStreamingConnRejectsCommands(t *testing.T) {
	s := newFakeSwitch(t, func(string) string { return apiResponse("+OK\n") })
	conn := dial(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conn.Subscribe(ctx, nil, func(*Event) {}) }()

	assert.Eventually(t, func() bool {
		_, err := conn.API(testContext(t), "status")
		return errors.Is(err, ErrStreaming)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe did not stop on cancel")
	}
}

func TestStrayErrorKeepsStream(t *testing.T) {
	s := newFakeSwitch(t, func(string) string { return "" })
	conn := dial(t, s)

	got := make(chan *Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = conn.Subscribe(ctx, nil, func(ev *Event) { got <- ev }) }()

	s.write(commandReply("-ERR no reply"))
	s.write(plainEvent("Event-Name: CHANNEL_ANSWER", "Unique-ID: leg-1", "variable_sip_from_display: Alice%20Smith"))

	select {
	case ev := <-got:
		assert.Equal(t, EventChannelAnswer, ev.Name())
		assert.Equal(t, "leg-1", ev.UUID())
		assert.Equal(t, "Alice Smith", ev.Var("sip_from_display"))
	case <-time.After(2 * time.Second):
		t.Fatal("event after a stray -ERR was not delivered")
	}
}

func TestReadEventMapsStrayError(t *testing.T) {
	s := newFakeSwitch(t, func(string) string { return "" })
	conn := dial(t, s)

	s.write(commandReply("-ERR command not found"))
	_, err := conn.ReadEvent()
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "-ERR command not found", cmdErr.Reply)
}

func TestConnectReplyDecoded(t *testing.T) {
	s := newFakeSwitch(t, func(req string) string {
		if req == "connect" {
			return commandReply("+OK",
				"Unique-ID: leg-1",
				"Channel-Name: sofia/internal/1000%40example.com",
				"Caller-Caller-ID-Number: +15551234",
				"variable_callbridge_answer_url: http%3A%2F%2Fapp.example.com%2Fanswer%3Fa%3D1",
			)
		}
		return ""
	})
	conn := dial(t, s)

	ev, err := conn.Send(testContext(t), "connect")
	require.NoError(t, err)
	assert.Equal(t, "leg-1", ev.UUID())
	assert.Equal(t, "sofia/internal/1000@example.com", ev.Get("Channel-Name"))
	assert.Equal(t, "+15551234", ev.Get("Caller-Caller-ID-Number"))
	assert.Equal(t, "+OK", ev.ReplyText())
	assert.Equal(t, "http://app.example.com/answer?a=1", ev.Var("callbridge_answer_url"))
}

func TestBgAPIJobUUID(t *testing.T) {
	s := newFakeSwitch(t, func(req string) string {
		switch req {
		case "bgapi originate a b":
			return commandReply("+OK Job-UUID: 7f4d", "Job-UUID: 7f4d")
		case "bgapi status":
			return commandReply("+OK Job-UUID: 9a1c")
		default:
			return commandReply("+OK")
		}
	})
	conn := dial(t, s)
	ctx := testContext(t)

	id, err := conn.BgAPI(ctx, "originate a b")
	require.NoError(t, err)
	assert.Equal(t, "7f4d", id)

	id, err = conn.BgAPI(ctx, "status")
	require.NoError(t, err)
	assert.Equal(t, "9a1c", id, "falls back to the reply text")

	_, err = conn.BgAPI(ctx, "version")
	assert.ErrorIs(t, err, ErrNoJobUUID)
}

func TestClosedConnFailsFast(t *testing.T) {
	s := newFakeSwitch(t, func(string) string { return apiResponse("+OK\n") })
	conn := dial(t, s)

	conn.Close()
	conn.Close()
	_, err := conn.API(testContext(t), "status")
	assert.ErrorIs(t, err, ErrClosed)
	select {
	case <-conn.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestSwitchDisconnectClosesConn(t *testing.T) {
	s := newFakeSwitch(t, func(string) string { return "" })
	conn := dial(t, s)

	s.hangup()
	_, err := conn.API(testContext(t), "status")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCommandFailed)

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("conn not closed after the switch went away")
	}
	_, err = conn.API(testContext(t), "status")
	assert.ErrorIs(t, err, ErrClosed)
}
