package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_IntentsCarryTypeDiscriminator(t *testing.T) {
	testCases := []struct {
		name   string
		intent Intent
		want   string
	}{
		{name: "typing", intent: StartTyping{}, want: `{"type":"typing"}`},
		{name: "stop typing", intent: StopTyping{}, want: `{"type":"stopTyping"}`},
		{name: "end chat", intent: EndChat{}, want: `{"type":"endChat"}`},
		{name: "message", intent: SendMessage{Text: "hola"}, want: `{"type":"message","text":"hola"}`},
		{
			name:   "survey",
			intent: SubmitSurvey{ConversationID: "c1", Answers: map[string]string{"closeness": "4"}},
			want:   `{"type":"survey","conversation_id":"c1","answers":{"closeness":"4"}}`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := Encode(tc.intent)
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(frame))
		})
	}
}

func TestEncode_LanguageIntent(t *testing.T) {
	frame, err := Encode(Language{
		Language:        "spanish",
		DisplayLanguage: "english",
		ParticipantID:   "p-1",
		SessionID:       "s-1",
		PreSurvey:       map[string]string{"qualityRating": "3"},
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(frame, &got))
	assert.Equal(t, "language", got["type"])
	assert.Equal(t, "spanish", got["language"])
	assert.Equal(t, "p-1", got["participantId"])
	assert.Equal(t, map[string]any{"qualityRating": "3"}, got["presurvey"])
}

func TestEncode_NilIntent(t *testing.T) {
	_, err := Encode(nil)
	assert.Error(t, err)
}

func TestDecode_ServerEvents(t *testing.T) {
	testCases := []struct {
		name  string
		frame string
		want  Event
	}{
		{
			name:  "paired with string id",
			frame: `{"type":"paired","conversation_id":"c1","starter_index":0,"message":"You are now paired."}`,
			want:  Paired{ConversationID: "c1", StarterIndex: 0, Message: "You are now paired."},
		},
		{
			name:  "paired with numeric id",
			frame: `{"type":"paired","conversation_id":42,"starter_index":2,"message":"hi"}`,
			want:  Paired{ConversationID: "42", StarterIndex: 2, Message: "hi"},
		},
		{
			name:  "timer",
			frame: `{"type":"timer","remaining_time":179}`,
			want:  Timer{RemainingSeconds: 179},
		},
		{
			name:  "timer at zero",
			frame: `{"type":"timer","remaining_time":0}`,
			want:  Timer{RemainingSeconds: 0},
		},
		{
			name:  "peer message",
			frame: `{"type":"message","text":"hello"}`,
			want:  PeerMessage{Text: "hello"},
		},
		{
			name:  "typing stopped",
			frame: `{"type":"typing","status":"stopped"}`,
			want:  Typing{Status: TypingStatusStopped},
		},
		{
			name:  "typing without status",
			frame: `{"type":"typing"}`,
			want:  Typing{Status: TypingStatusTyping},
		},
		{
			name:  "stop typing",
			frame: `{"type":"stopTyping"}`,
			want:  Typing{Status: TypingStatusStopped},
		},
		{
			name:  "survey",
			frame: `{"type":"survey","conversation_id":"c1","message":"Conversation c1 has ended."}`,
			want:  SurveyPrompt{ConversationID: "c1", Message: "Conversation c1 has ended."},
		},
		{
			name:  "expired",
			frame: `{"type":"expired","conversation_id":7,"message":"Chat timer has expired."}`,
			want:  SurveyPrompt{ConversationID: "7", Message: "Chat timer has expired.", Expired: true},
		},
		{
			name:  "survey received",
			frame: `{"type":"surveyReceived"}`,
			want:  SurveyAck{},
		},
		{
			name:  "survey completed",
			frame: `{"type":"surveyCompleted","conversation_id":"c1"}`,
			want:  SurveyAck{ConversationID: "c1", Completed: true},
		},
		{
			name:  "waiting room timeout",
			frame: `{"type":"waitingRoomTimeout","message":"Could not find a chat partner."}`,
			want:  WaitingRoomTimeout{Message: "Could not find a chat partner."},
		},
		{
			name:  "info",
			frame: `{"type":"info","message":"Your partner disconnected."}`,
			want:  Info{Message: "Your partner disconnected."},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode([]byte(tc.frame))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.want.EventType(), got.EventType())
		})
	}
}

func TestDecode_UnknownTypeIsNotAnError(t *testing.T) {
	got, err := Decode([]byte(`{"type":"presence","online":3}`))
	require.NoError(t, err)

	u, ok := got.(Unrecognized)
	require.True(t, ok)
	assert.Equal(t, "presence", u.Type)
	assert.JSONEq(t, `{"type":"presence","online":3}`, string(u.Raw))
}

func TestDecode_MalformedFrames(t *testing.T) {
	frames := map[string]string{
		"not json":              `hello`,
		"array":                 `[1,2]`,
		"missing type":          `{"text":"hi"}`,
		"paired without id":     `{"type":"paired","starter_index":0}`,
		"timer without value":   `{"type":"timer"}`,
		"timer wrong type":      `{"type":"timer","remaining_time":"soon"}`,
		"message without text":  `{"type":"message"}`,
		"conversation id bool":  `{"type":"survey","conversation_id":true}`,
		"truncated":             `{"type":"info","message":"x"`,
	}

	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(frame))
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestDecodeIntent_RoundTripsEncodedIntents(t *testing.T) {
	intents := []Intent{
		Language{Language: "english", PreSurvey: map[string]string{"qualityRating": "5"}},
		SendMessage{Text: "hi there"},
		StartTyping{},
		StopTyping{},
		EndChat{},
		SubmitSurvey{ConversationID: "9", Answers: map[string]string{"partnerType": "ai"}},
	}

	for _, intent := range intents {
		t.Run(string(intent.IntentType()), func(t *testing.T) {
			frame, err := Encode(intent)
			require.NoError(t, err)

			got, err := DecodeIntent(frame)
			require.NoError(t, err)
			assert.Equal(t, intent, got)
		})
	}
}

func TestDecodeIntent_UnknownType(t *testing.T) {
	_, err := DecodeIntent([]byte(`{"type":"ping"}`))
	assert.ErrorIs(t, err, ErrUnknownIntent)
}

func TestEncodeEvent_DecodesBack(t *testing.T) {
	events := []Event{
		Paired{ConversationID: "c1", StarterIndex: 1, Message: "paired"},
		Timer{RemainingSeconds: 60},
		SurveyPrompt{ConversationID: "c1", Message: "ended", Expired: true},
		SurveyAck{Completed: true},
		Typing{Status: TypingStatusStopped},
	}

	for _, event := range events {
		t.Run(string(event.EventType()), func(t *testing.T) {
			frame, err := EncodeEvent(event)
			require.NoError(t, err)

			got, err := Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, event, got)
		})
	}
}
