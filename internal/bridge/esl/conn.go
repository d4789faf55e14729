package esl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fiorix/go-eventsocket/eventsocket"
)

// Commander is the subset of the control socket the call-flow engine needs.
// It is satisfied by *Conn and by test doubles.
type Commander interface {
	// API runs a synchronous api command and returns the reply body.
	API(ctx context.Context, cmd string) (string, error)
	// BgAPI submits a background api command and returns its Job-UUID.
	BgAPI(ctx context.Context, cmd string) (string, error)
	// Execute runs a dialplan application on a channel.
	Execute(ctx context.Context, uuid, app, arg string, lock bool) error
	// Send writes a raw socket command and returns the reply.
	Send(ctx context.Context, cmd string) (*Event, error)
}

// Conn is a control-socket connection. Commands are serialized. The socket
// library reports -ERR replies and read failures on one channel, so a Conn
// either runs commands or streams events: once ReadEvent has been called,
// commands fail with ErrStreaming. Open a second connection to command a
// switch whose events are being read.
type Conn struct {
	c         *eventsocket.Connection
	mu        sync.Mutex
	closed    atomic.Bool
	streaming atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	logger    *slog.Logger
}

// Wrap adopts an existing socket connection.
func Wrap(c *eventsocket.Connection) *Conn {
	conn := &Conn{c: c, done: make(chan struct{})}
	conn.logger = slog.Default().With("remote", conn.RemoteAddr())
	return conn
}

// Dial opens an inbound control connection to the switch.
func Dial(addr, password string) (*Conn, error) {
	c, err := eventsocket.Dial(addr, password)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return Wrap(c), nil
}

// ListenAndServe accepts outbound-mode connections from the switch and
// hands each one to handler on its own goroutine.
func ListenAndServe(addr string, handler func(*Conn)) error {
	return eventsocket.ListenAndServe(addr, func(c *eventsocket.Connection) {
		handler(Wrap(c))
	})
}

// RemoteAddr returns the peer address, or "" for a detached Conn.
func (c *Conn) RemoteAddr() string {
	if c.c == nil {
		return ""
	}
	if addr := c.c.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Send writes a raw command such as "connect" or "myevents". The channel
// data in the reply to "connect" arrives URL-encoded and is decoded here.
func (c *Conn) Send(ctx context.Context, cmd string) (*Event, error) {
	ev, err := c.do(ctx, cmd, func() (*eventsocket.Event, error) {
		return c.c.Send(cmd)
	})
	if err == nil && cmd == "connect" {
		ev.decode()
	}
	return ev, err
}

// API runs "api <cmd>". -ERR and -USAGE replies are returned as
// *CommandError.
func (c *Conn) API(ctx context.Context, cmd string) (string, error) {
	ev, err := c.do(ctx, cmd, func() (*eventsocket.Event, error) {
		return c.c.Send("api " + cmd)
	})
	if err != nil {
		return "", err
	}
	body := strings.TrimSpace(ev.Body)
	if err := checkReply(cmd, body); err != nil {
		return body, err
	}
	return body, nil
}

// BgAPI runs "bgapi <cmd>" and returns the Job-UUID the switch assigned.
func (c *Conn) BgAPI(ctx context.Context, cmd string) (string, error) {
	ev, err := c.Send(ctx, "bgapi "+cmd)
	if err != nil {
		return "", err
	}
	if id := ev.JobUUID(); id != "" {
		return id, nil
	}
	if reply := ev.ReplyText(); strings.HasPrefix(reply, "+OK Job-UUID: ") {
		return strings.TrimSpace(strings.TrimPrefix(reply, "+OK Job-UUID: ")), nil
	}
	return "", fmt.Errorf("%s: %w", cmd, ErrNoJobUUID)
}

// Execute sends a sendmsg execute for app on uuid. With lock set the switch
// runs queued applications strictly in order.
func (c *Conn) Execute(ctx context.Context, uuid, app, arg string, lock bool) error {
	msg := eventsocket.MSG{
		"call-command":     "execute",
		"execute-app-name": app,
	}
	if arg != "" {
		msg["execute-app-arg"] = arg
	}
	if lock {
		msg["event-lock"] = "true"
	}
	_, err := c.do(ctx, "execute "+app, func() (*eventsocket.Event, error) {
		return c.c.SendMsg(msg, uuid, "")
	})
	return err
}

func (c *Conn) do(ctx context.Context, name string, fn func() (*eventsocket.Event, error)) (*Event, error) {
	type result struct {
		ev  *eventsocket.Event
		err error
	}

	if c.streaming.Load() {
		return nil, fmt.Errorf("%s: %w", name, ErrStreaming)
	}
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	done := make(chan result, 1)
	go func() {
		defer c.mu.Unlock()
		ev, err := fn()
		done <- result{ev, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", name, ctx.Err())
	case r := <-done:
		if r.err != nil {
			if isTransportErr(r.err) {
				// The library closed the socket; later commands fail fast.
				c.Close()
				return nil, fmt.Errorf("%s: %w", name, r.err)
			}
			// The socket library strips the "-ERR " marker from the reply.
			return nil, &CommandError{Command: name, Reply: "-ERR " + strings.TrimSpace(r.err.Error())}
		}
		c.logger.Debug("[ESL] Command sent", "command", name)
		return fromSocket(r.ev), nil
	}
}

// ReadEvent blocks until the next event arrives. After the first call the
// Conn only streams events. A stray -ERR reply is returned as
// *CommandError and the stream stays usable.
func (c *Conn) ReadEvent() (*Event, error) {
	c.streaming.Store(true)
	ev, err := c.c.ReadEvent()
	if err != nil {
		if isClosedErr(err) {
			return nil, ErrClosed
		}
		if !isTransportErr(err) {
			return nil, &CommandError{Reply: "-ERR " + strings.TrimSpace(err.Error())}
		}
		return nil, err
	}
	return fromSocket(ev), nil
}

// Subscribe reads events until the connection fails and passes those match
// accepts to fn. A nil match accepts every event. Cancelling ctx closes the
// connection.
func (c *Conn) Subscribe(ctx context.Context, match func(*Event) bool, fn func(*Event)) error {
	stop := context.AfterFunc(ctx, c.Close)
	defer stop()
	for {
		ev, err := c.ReadEvent()
		if errors.Is(err, ErrCommandFailed) {
			c.logger.Warn("[ESL] Unexpected reply on event stream", "error", err)
			continue
		}
		if err != nil {
			return err
		}
		if match == nil || match(ev) {
			fn(ev)
		}
	}
}

// Close shuts the socket. Further commands fail with ErrClosed.
// A command in flight returns with the read error.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.c.Close()
	})
}

// Done is closed when the Conn is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if ne, ok := err.(net.Error); ok && !ne.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "EOF") || strings.Contains(msg, "use of closed network connection")
}

// isTransportErr tells read and protocol failures apart from the -ERR
// replies the socket library reports on the same channel.
func isTransportErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	var protoErr textproto.ProtocolError
	var numErr *strconv.NumError
	if errors.As(err, &netErr) || errors.As(err, &protoErr) || errors.As(err, &numErr) {
		return true
	}
	// The library's command timeout.
	return err.Error() == "Timeout"
}
