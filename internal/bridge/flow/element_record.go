package flow

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
)

// Record records the caller to a file on the switch.
//
//	<Record action="http://example.com/recorded" maxLength="30"/>
//
// With bothLegs="true" the whole session is recorded in the background and
// the flow continues at once.
type Record struct {
	leaf
	answered
}

func (*Record) Applications() []string { return []string{"playback", "record"} }

func (*Record) Execute(ctx context.Context, call *Call, node *Node) (Outcome, error) {
	format := node.Attr("fileFormat", "mp3")
	if format != "mp3" && format != "wav" {
		return Outcome{}, node.invalid("fileFormat", format)
	}
	maxLength, err := node.SecondsAttr("maxLength", 60*time.Second)
	if err != nil {
		return Outcome{}, err
	}
	silence, err := node.SecondsAttr("timeout", 15*time.Second)
	if err != nil {
		return Outcome{}, err
	}
	playBeep, err := node.BoolAttr("playBeep", true)
	if err != nil {
		return Outcome{}, err
	}
	bothLegs, err := node.BoolAttr("bothLegs", false)
	if err != nil {
		return Outcome{}, err
	}
	redirect, err := node.BoolAttr("redirect", true)
	if err != nil {
		return Outcome{}, err
	}

	name := node.Attr("fileName", fmt.Sprintf("%s_%s", time.Now().UTC().Format("20060102-150405"), uuid.NewString()))
	file := path.Join(node.Attr("filePath", call.Options.RecordPath), name+"."+format)

	if bothLegs {
		if err := call.Execute(ctx, "record_session", file); err != nil {
			return Outcome{}, err
		}
		call.logger.Info("[Flow] Recording session", "file", file)
		return Outcome{}, nil
	}

	if err := call.Set(ctx, "playback_terminators", node.Attr("finishOnKey", "1234567890*#")); err != nil {
		return Outcome{}, err
	}
	if playBeep {
		if _, err := call.ExecuteAndWait(ctx, "playback", beepSound); err != nil {
			return Outcome{}, err
		}
	}
	arg := fmt.Sprintf("%s %d 500 %d", file, int(maxLength.Seconds()), int(silence.Seconds()))
	if _, err := call.ExecuteAndWait(ctx, "record", arg); err != nil {
		return Outcome{}, err
	}

	action := node.Attr("action", "")
	if action == "" {
		return Outcome{}, nil
	}
	duration, _ := call.GetVar(ctx, "record_seconds")
	digits, _ := call.GetVar(ctx, "playback_terminator_used")
	params := map[string]string{
		"RecordFile":        file,
		"RecordingDuration": duration,
		"Digits":            digits,
	}
	method := node.Attr("method", "")
	if !redirect {
		call.Notify(action, method, params)
		return Outcome{}, nil
	}
	return Outcome{Redirect: &Target{URL: action, Method: method, Params: params}}, nil
}
