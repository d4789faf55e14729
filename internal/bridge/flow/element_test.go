package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{
		"Conference", "Dial", "GetDigits", "GetSpeech", "Hangup", "Play",
		"PreAnswer", "Record", "Redirect", "SIPTransfer", "Speak", "Wait",
	}, r.Names())

	_, err := r.Lookup("Dance")
	assert.ErrorIs(t, err, ErrUnknownElement)
}

func TestWalkerElements(t *testing.T) {
	custom := NewRegistry()
	custom.Register("Wait", &Wait{})
	custom.Register("Hangup", &Hangup{})

	assert.Equal(t, []string{"Hangup", "Wait"}, NewWalker(WalkerConfig{Registry: custom}).Elements())
	assert.Len(t, NewWalker(WalkerConfig{}).Elements(), 12)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register("Play", &Play{})
	assert.Panics(t, func() { r.Register("Play", &Play{}) })
}

func TestValidateNesting(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		parent  string
		child   string
		wantErr bool
	}{
		{"GetDigits", "Speak", false},
		{"GetDigits", "Play", false},
		{"GetSpeech", "Wait", false},
		{"PreAnswer", "GetDigits", false},
		{"Dial", "Number", false},
		{"Dial", "User", false},
		{"Play", "Speak", true},
		{"GetDigits", "Dial", true},
		{"Dial", "Play", true},
	}
	for _, tt := range tests {
		t.Run(tt.parent+"/"+tt.child, func(t *testing.T) {
			el, err := r.Lookup(tt.parent)
			require.NoError(t, err)
			node := &Node{Name: tt.parent, Children: []*Node{{Name: tt.child, Line: 7}}}
			err = ValidateNesting(el, node)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrIllegalNesting)
				assert.Contains(t, err.Error(), "line 7")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAnswerPolicy(t *testing.T) {
	r := DefaultRegistry()
	for name, want := range map[string]bool{
		"Dial":        false,
		"Wait":        false,
		"Hangup":      false,
		"PreAnswer":   false,
		"SIPTransfer": false,
		"Play":        true,
		"Record":      true,
		"GetDigits":   true,
	} {
		el, err := r.Lookup(name)
		require.NoError(t, err)
		assert.Equal(t, want, el.RequiresAnswer(), name)
	}
}

func TestRepeatSound(t *testing.T) {
	assert.Equal(t, "a.wav", repeatSound("a.wav", 1))
	assert.Equal(t, "file_string://a.wav!a.wav!a.wav", repeatSound("a.wav", 3))
}
