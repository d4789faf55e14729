package flow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Play plays an audio file or URL.
//
//	<Play loop="2">http://example.com/hello.mp3</Play>
//
// loop="0" repeats until the leg hangs up.
type Play struct {
	leaf
	answered
}

func (*Play) Applications() []string { return []string{"playback", "endless_playback"} }

func (*Play) Execute(ctx context.Context, call *Call, node *Node) (Outcome, error) {
	if node.Text == "" {
		return Outcome{}, fmt.Errorf("%w: <Play> without a sound", ErrInvalidAttribute)
	}
	loop, err := node.IntAttr("loop", 1)
	if err != nil {
		return Outcome{}, err
	}
	if loop < 0 {
		return Outcome{}, node.invalid("loop", strconv.Itoa(loop))
	}

	if loop == 0 {
		_, err = call.ExecuteAndWait(ctx, "endless_playback", node.Text)
		return Outcome{}, err
	}
	_, err = call.ExecuteAndWait(ctx, "playback", repeatSound(node.Text, loop))
	return Outcome{}, err
}

// repeatSound returns a playback argument that plays sound n times.
func repeatSound(sound string, n int) string {
	if n <= 1 {
		return sound
	}
	files := make([]string, n)
	for i := range files {
		files[i] = sound
	}
	return "file_string://" + strings.Join(files, "!")
}

// Speak reads text through the switch's TTS engine.
//
//	<Speak voice="slt" loop="1">Hello</Speak>
type Speak struct {
	leaf
	answered
}

func (*Speak) Applications() []string { return []string{"speak"} }

func (*Speak) Execute(ctx context.Context, call *Call, node *Node) (Outcome, error) {
	if node.Text == "" {
		return Outcome{}, fmt.Errorf("%w: <Speak> without text", ErrInvalidAttribute)
	}
	loop, err := node.IntAttr("loop", 1)
	if err != nil {
		return Outcome{}, err
	}
	if loop < 0 {
		return Outcome{}, node.invalid("loop", strconv.Itoa(loop))
	}

	engine := node.Attr("engine", call.Options.TTSEngine)
	voice := node.Attr("voice", call.Options.TTSVoice)
	arg := fmt.Sprintf("%s|%s|%s", engine, voice, strings.ReplaceAll(node.Text, "|", " "))

	for i := 0; loop == 0 || i < loop; i++ {
		if _, err := call.ExecuteAndWait(ctx, "speak", arg); err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{}, nil
}

// Wait pauses the flow for length seconds.
//
//	<Wait length="2"/>
type Wait struct {
	leaf
	unanswered
}

func (*Wait) Applications() []string { return []string{"sleep"} }

func (*Wait) Execute(ctx context.Context, call *Call, node *Node) (Outcome, error) {
	length, err := node.SecondsAttr("length", time.Second)
	if err != nil {
		return Outcome{}, err
	}
	if length <= 0 {
		return Outcome{}, node.invalid("length", node.Attr("length", ""))
	}
	_, err = call.ExecuteAndWait(ctx, "sleep", strconv.FormatInt(length.Milliseconds(), 10))
	return Outcome{}, err
}

// soundFile renders a nested Speak, Play or Wait as a playback file so it
// can be chained into a prompt.
func soundFile(call *Call, node *Node) (string, error) {
	switch node.Name {
	case "Play":
		if node.Text == "" {
			return "", fmt.Errorf("%w: <Play> without a sound", ErrInvalidAttribute)
		}
		loop, err := node.IntAttr("loop", 1)
		if err != nil {
			return "", err
		}
		return strings.TrimPrefix(repeatSound(node.Text, max(loop, 1)), "file_string://"), nil
	case "Speak":
		engine := node.Attr("engine", call.Options.TTSEngine)
		voice := node.Attr("voice", call.Options.TTSVoice)
		return fmt.Sprintf("tts://%s|%s|%s", engine, voice, strings.ReplaceAll(node.Text, "!", " ")), nil
	case "Wait":
		length, err := node.SecondsAttr("length", time.Second)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("silence_stream://%d", length.Milliseconds()), nil
	default:
		return "", fmt.Errorf("%w: <%s> is not a sound", ErrIllegalNesting, node.Name)
	}
}

// prompt chains the sounds of node's children.
func prompt(call *Call, node *Node) (string, error) {
	var files []string
	for _, child := range node.Children {
		f, err := soundFile(call, child)
		if err != nil {
			return "", err
		}
		files = append(files, f)
	}
	switch len(files) {
	case 0:
		return "", nil
	case 1:
		return files[0], nil
	default:
		return "file_string://" + strings.Join(files, "!"), nil
	}
}
