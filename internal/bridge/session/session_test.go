package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/callbridge/internal/bridge/esl"
)

func channelData() *esl.Event {
	return esl.NewEvent(map[string]string{
		"Event-Name":                     "CHANNEL_DATA",
		"Unique-ID":                      "leg-a",
		"Core-UUID":                      "core-1",
		"Call-Direction":                 "inbound",
		"Answer-State":                   "ringing",
		"Caller-Caller-ID-Number":        "1000",
		"Caller-Caller-ID-Name":          "Alice",
		"Caller-Destination-Number":      "2000",
		"variable_callbridge_answer_url": "http://app/answer",
		"variable_sip_user_agent":        "softphone",
	}, "")
}

func newTestSession() *Session {
	return New(ConfigFromEvent(channelData(), ""))
}

func TestConfigFromEvent(t *testing.T) {
	s := newTestSession()

	assert.Equal(t, "leg-a", s.ID())
	assert.Equal(t, "core-1", s.CoreID())
	assert.Equal(t, DirectionInbound, s.Direction())
	assert.Equal(t, StatusRinging, s.Status())
	assert.Equal(t, "http://app/answer", s.ContextVar("callbridge_answer_url"))
	assert.Equal(t, "softphone", s.ContextVar("SIP_USER_AGENT"))

	params := s.Params()
	assert.Equal(t, "leg-a", params["CallUUID"])
	assert.Equal(t, "core-1", params["CoreUUID"])
	assert.Equal(t, "inbound", params["Direction"])
	assert.Equal(t, "ringing", params["CallStatus"])
	assert.Equal(t, "1000", params["From"])
	assert.Equal(t, "2000", params["To"])
	assert.Equal(t, "Alice", params["CallerName"])
	assert.NotContains(t, params, "RequestUUID")
}

func TestHangupCauseSetOnce(t *testing.T) {
	s := newTestSession()

	assert.True(t, s.SetHangupCause("USER_BUSY"))
	assert.False(t, s.SetHangupCause("NORMAL_CLEARING"))
	assert.Equal(t, "USER_BUSY", s.HangupCause())
	assert.Equal(t, StatusCompleted, s.Status())
}

func TestDeliverHangupRaisesWaiter(t *testing.T) {
	s := newTestSession()

	errc := make(chan error, 1)
	go func() {
		_, err := s.Wait(context.Background(), 5*time.Second, true)
		errc <- err
	}()
	require.Eventually(t, s.Queue().Pending, time.Second, 5*time.Millisecond)

	s.Deliver(esl.NewEvent(map[string]string{
		"Event-Name":   esl.EventChannelHangup,
		"Hangup-Cause": "ORIGINATOR_CANCEL",
	}, ""))

	assert.ErrorIs(t, <-errc, ErrHangup)
	assert.Equal(t, "ORIGINATOR_CANCEL", s.HangupCause())
}

func TestDeliverRoutesByCurrentElement(t *testing.T) {
	s := newTestSession()

	complete := func(app string) *esl.Event {
		return esl.NewEvent(map[string]string{
			"Event-Name":  esl.EventChannelExecuteDone,
			"Application": app,
		}, "")
	}

	s.BeginElement("Wait", []string{"sleep"})
	s.Deliver(complete("set"))
	s.Deliver(esl.NewEvent(map[string]string{"Event-Name": esl.EventChannelBridge}, ""))
	assert.Equal(t, 0, s.Queue().Len(), "unrelated events are not queued")

	s.Deliver(complete("sleep"))
	assert.Equal(t, 1, s.Queue().Len())
	_, _ = s.Wait(context.Background(), 0, false)

	s.BeginElement("Dial", []string{"bridge"})
	s.Deliver(esl.NewEvent(map[string]string{"Event-Name": esl.EventChannelBridge}, ""))
	s.Deliver(esl.NewEvent(map[string]string{
		"Event-Name":     esl.EventCustom,
		"Event-Subclass": "callbridge::dial_digits",
	}, ""))
	s.Deliver(esl.NewEvent(map[string]string{
		"Event-Name":     esl.EventCustom,
		"Event-Subclass": "conference::maintenance",
	}, ""))
	assert.Equal(t, 2, s.Queue().Len())

	s.BeginElement("GetSpeech", []string{"detect_speech"})
	assert.Equal(t, "GetSpeech", s.CurrentElement())
	assert.Equal(t, 3, s.Dispatches())
}

func TestDeliverTracksStatus(t *testing.T) {
	s := newTestSession()

	s.Deliver(esl.NewEvent(map[string]string{"Event-Name": esl.EventChannelProgressMedia}, ""))
	assert.Equal(t, StatusEarlyMedia, s.Status())

	s.Deliver(esl.NewEvent(map[string]string{"Event-Name": esl.EventChannelAnswer}, ""))
	assert.Equal(t, StatusInProgress, s.Status())
	assert.True(t, s.Answered())

	// Late progress never moves status backwards.
	s.Deliver(esl.NewEvent(map[string]string{"Event-Name": esl.EventChannelProgress}, ""))
	assert.Equal(t, StatusInProgress, s.Status())
	assert.Equal(t, "in-progress", s.Params()["CallStatus"])
}

func TestDeliverTransferFlag(t *testing.T) {
	s := newTestSession()
	assert.False(t, s.TransferInProgress())

	s.Deliver(esl.NewEvent(map[string]string{
		"Event-Name":                            "CHANNEL_EXECUTE",
		"variable_callbridge_transfer_progress": "true",
	}, ""))
	assert.True(t, s.TransferInProgress())
}

func TestCloseCancelsPendingWait(t *testing.T) {
	s := newTestSession()

	errc := make(chan error, 1)
	go func() {
		_, err := s.Wait(context.Background(), time.Hour, false)
		errc <- err
	}()
	require.Eventually(t, s.Queue().Pending, time.Second, 5*time.Millisecond)

	s.Close()
	assert.ErrorIs(t, <-errc, ErrHangup)
}
