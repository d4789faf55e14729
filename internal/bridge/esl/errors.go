package esl

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for error checking with errors.Is
var (
	ErrCommandFailed = errors.New("command failed")
	ErrClosed        = errors.New("connection closed")
	ErrNoJobUUID     = errors.New("bgapi reply without Job-UUID")
	ErrStreaming     = errors.New("connection is streaming events")
)

// CommandError is returned when the switch answers a command with -ERR.
type CommandError struct {
	Command string
	Reply   string
}

func (e *CommandError) Error() string {
	if e.Command == "" {
		return e.Reply
	}
	return fmt.Sprintf("%s: %s", e.Command, e.Reply)
}

// Unwrap makes errors.Is(err, ErrCommandFailed) hold.
func (e *CommandError) Unwrap() error {
	return ErrCommandFailed
}

// Cause extracts the hangup cause from replies such as "-ERR USER_BUSY".
func (e *CommandError) Cause() string {
	return ReplyCause(e.Reply)
}

// ReplyCause returns the cause token of a "-ERR CAUSE" reply body, or "".
func ReplyCause(reply string) string {
	reply = strings.TrimSpace(reply)
	if !strings.HasPrefix(reply, "-ERR") {
		return ""
	}
	fields := strings.Fields(strings.TrimPrefix(reply, "-ERR"))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func checkReply(command, body string) error {
	body = strings.TrimSpace(body)
	if strings.HasPrefix(body, "-ERR") || strings.HasPrefix(body, "-USAGE") {
		return &CommandError{Command: command, Reply: body}
	}
	return nil
}
