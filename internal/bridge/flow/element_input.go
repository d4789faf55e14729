package flow

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/sebas/callbridge/internal/bridge/esl"
)

const beepSound = "tone_stream://%(300,200,700)"

// GetDigits collects DTMF while playing its nested prompt.
//
//	<GetDigits action="http://example.com/digits" numDigits="4">
//	  <Speak>Enter your PIN</Speak>
//	</GetDigits>
type GetDigits struct {
	answered
}

func (*GetDigits) NestableChildren() []string { return []string{"Speak", "Play", "Wait"} }

func (*GetDigits) Applications() []string { return []string{"play_and_get_digits"} }

func (*GetDigits) Execute(ctx context.Context, call *Call, node *Node) (Outcome, error) {
	numDigits, err := node.IntAttr("numDigits", 99)
	if err != nil {
		return Outcome{}, err
	}
	retries, err := node.IntAttr("retries", 1)
	if err != nil {
		return Outcome{}, err
	}
	timeout, err := node.SecondsAttr("timeout", 5*time.Second)
	if err != nil {
		return Outcome{}, err
	}
	digitTimeout, err := node.SecondsAttr("digitTimeout", 2*time.Second)
	if err != nil {
		return Outcome{}, err
	}
	playBeep, err := node.BoolAttr("playBeep", false)
	if err != nil {
		return Outcome{}, err
	}
	if numDigits < 1 || retries < 1 {
		return Outcome{}, fmt.Errorf("%w: <GetDigits> numDigits and retries must be positive", ErrInvalidAttribute)
	}

	sound, err := prompt(call, node)
	if err != nil {
		return Outcome{}, err
	}
	sound = appendBeep(sound, playBeep)

	terminators := node.Attr("finishOnKey", "#")
	validDigits := node.Attr("validDigits", "1234567890*#")
	invalidSound := node.Attr("invalidDigitsSound", "silence_stream://150")
	varName := call.Var("digits_received")

	if err := call.Unset(ctx, varName); err != nil {
		return Outcome{}, err
	}
	arg := fmt.Sprintf("1 %d %d %d %s '%s' %s %s %s %d",
		numDigits, retries, timeout.Milliseconds(), terminators,
		sound, invalidSound, varName, digitPattern(validDigits), digitTimeout.Milliseconds())
	if _, err := call.ExecuteAndWait(ctx, "play_and_get_digits", arg); err != nil {
		return Outcome{}, err
	}

	digits, err := call.GetVar(ctx, varName)
	if err != nil {
		call.logger.Warn("[Flow] Reading digits failed", "error", err)
		return Outcome{}, nil
	}
	action := node.Attr("action", "")
	if action == "" || digits == "" {
		call.logger.Debug("[Flow] No digits to report", "digits", digits)
		return Outcome{}, nil
	}
	return Outcome{Redirect: &Target{
		URL:    action,
		Method: node.Attr("method", ""),
		Params: map[string]string{"Digits": digits},
	}}, nil
}

// digitPattern builds the regexp play_and_get_digits validates input with.
func digitPattern(valid string) string {
	var b strings.Builder
	b.WriteString("^[")
	for _, r := range valid {
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	b.WriteString("]+$")
	return b.String()
}

func appendBeep(sound string, beep bool) string {
	switch {
	case !beep && sound == "":
		return "silence_stream://1"
	case !beep:
		return sound
	case sound == "":
		return beepSound
	default:
		return "file_string://" + strings.TrimPrefix(sound, "file_string://") + "!" + beepSound
	}
}

// GetSpeech runs speech detection against a grammar while playing its
// nested prompt.
//
//	<GetSpeech action="http://example.com/speech" grammar="yesno">
//	  <Speak>Say yes or no</Speak>
//	</GetSpeech>
type GetSpeech struct {
	answered
}

func (*GetSpeech) NestableChildren() []string { return []string{"Speak", "Play", "Wait"} }

func (*GetSpeech) Execute(ctx context.Context, call *Call, node *Node) (Outcome, error) {
	grammar := node.Attr("grammar", "")
	if grammar == "" {
		return Outcome{}, fmt.Errorf("%w: <GetSpeech> requires grammar", ErrInvalidAttribute)
	}
	timeout, err := node.SecondsAttr("timeout", 5*time.Second)
	if err != nil {
		return Outcome{}, err
	}
	playBeep, err := node.BoolAttr("playBeep", false)
	if err != nil {
		return Outcome{}, err
	}
	sound, err := prompt(call, node)
	if err != nil {
		return Outcome{}, err
	}
	if playBeep {
		sound = appendBeep(sound, true)
	}

	engine := node.Attr("engine", "pocketsphinx")
	grammarFile := grammar
	if !strings.HasPrefix(grammar, "/") && !strings.Contains(grammar, "://") {
		grammarFile = path.Join(node.Attr("grammarPath", "/usr/local/freeswitch/grammar"), grammar)
	}

	if err := call.Execute(ctx, "detect_speech", fmt.Sprintf("%s %s %s", engine, grammarFile, grammar)); err != nil {
		return Outcome{}, err
	}
	if sound != "" {
		if err := call.Execute(ctx, "playback", sound); err != nil {
			return Outcome{}, err
		}
	}

	result, resultType, err := awaitSpeech(ctx, call, timeout)
	if stopErr := call.Execute(ctx, "detect_speech", "stop"); stopErr != nil {
		call.logger.Warn("[Flow] Stopping speech detection failed", "error", stopErr)
	}
	if err != nil {
		return Outcome{}, err
	}

	action := node.Attr("action", "")
	if action == "" {
		return Outcome{}, nil
	}
	return Outcome{Redirect: &Target{
		URL:    action,
		Method: node.Attr("method", ""),
		Params: map[string]string{
			"SpeechResultType": resultType,
			"SpeechResult":     result,
		},
	}}, nil
}

func awaitSpeech(ctx context.Context, call *Call, timeout time.Duration) (string, string, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", "timeout", nil
		}
		ev, err := call.Wait(ctx, remaining, true)
		if err != nil {
			return "", "", err
		}
		if ev == nil {
			return "", "timeout", nil
		}
		if ev.Name() != esl.EventDetectedSpeech || ev.Get("Speech-Type") != "detected-speech" {
			continue
		}
		body := strings.TrimSpace(ev.Body)
		if body == "" {
			return "", "nomatch", nil
		}
		return body, "match", nil
	}
}
