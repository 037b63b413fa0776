package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame is returned for frames that are not a JSON object with a
	// type discriminator, or whose payload does not match the type.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownIntent is returned by DecodeIntent for unsupported intent types
	ErrUnknownIntent = errors.New("unknown intent type")
)

type envelope struct {
	Type string `json:"type"`
}

// Encode serializes an outbound client intent into a text frame
func Encode(intent Intent) ([]byte, error) {
	if intent == nil {
		return nil, errors.New("encode: nil intent")
	}
	return withType(string(intent.IntentType()), intent)
}

// EncodeEvent serializes a server event into a text frame
func EncodeEvent(event Event) ([]byte, error) {
	if event == nil {
		return nil, errors.New("encode: nil event")
	}
	if u, ok := event.(Unrecognized); ok {
		return u.Raw, nil
	}
	return withType(string(event.EventType()), event)
}

// withType marshals payload and prepends the type discriminator
func withType(typ string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	head, err := json.Marshal(envelope{Type: typ})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", typ, err)
	}

	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("%s payload is not an object", typ)
	}
	if bytes.Equal(body, []byte("{}")) {
		return head, nil
	}

	frame := make([]byte, 0, len(head)+len(body))
	frame = append(frame, head[:len(head)-1]...)
	frame = append(frame, ',')
	frame = append(frame, body[1:]...)
	return frame, nil
}

func readEnvelope(frame []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return env.Type, nil
}

func decodeInto(frame []byte, typ string, v any) error {
	if err := json.Unmarshal(frame, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedFrame, typ, err)
	}
	return nil
}

// Decode parses an inbound server frame. Unknown types yield Unrecognized and a
// nil error; only malformed frames return an error.
func Decode(frame []byte) (Event, error) {
	typ, err := readEnvelope(frame)
	if err != nil {
		return nil, err
	}

	switch EventType(typ) {
	case EventTypePaired:
		var p Paired
		if err := decodeInto(frame, typ, &p); err != nil {
			return nil, err
		}
		if p.ConversationID == "" {
			return nil, fmt.Errorf("%w: paired without conversation_id", ErrMalformedFrame)
		}
		return p, nil

	case EventTypeTimer:
		var t struct {
			RemainingTime *int `json:"remaining_time"`
		}
		if err := decodeInto(frame, typ, &t); err != nil {
			return nil, err
		}
		if t.RemainingTime == nil {
			return nil, fmt.Errorf("%w: timer without remaining_time", ErrMalformedFrame)
		}
		return Timer{RemainingSeconds: *t.RemainingTime}, nil

	case EventTypeMessage:
		var m struct {
			Text *string `json:"text"`
		}
		if err := decodeInto(frame, typ, &m); err != nil {
			return nil, err
		}
		if m.Text == nil {
			return nil, fmt.Errorf("%w: message without text", ErrMalformedFrame)
		}
		return PeerMessage{Text: *m.Text}, nil

	case EventTypeTyping:
		var t Typing
		if err := decodeInto(frame, typ, &t); err != nil {
			return nil, err
		}
		if t.Status == "" {
			t.Status = TypingStatusTyping
		}
		return t, nil

	case EventTypeStopTyping:
		return Typing{Status: TypingStatusStopped}, nil

	case EventTypeSurvey, EventTypeExpired:
		var s SurveyPrompt
		if err := decodeInto(frame, typ, &s); err != nil {
			return nil, err
		}
		s.Expired = EventType(typ) == EventTypeExpired
		return s, nil

	case EventTypeSurveyReceived, EventTypeSurveyCompleted:
		var a SurveyAck
		if err := decodeInto(frame, typ, &a); err != nil {
			return nil, err
		}
		a.Completed = EventType(typ) == EventTypeSurveyCompleted
		return a, nil

	case EventTypeWaitingRoomTimeout:
		var w WaitingRoomTimeout
		if err := decodeInto(frame, typ, &w); err != nil {
			return nil, err
		}
		return w, nil

	case EventTypeInfo:
		var i Info
		if err := decodeInto(frame, typ, &i); err != nil {
			return nil, err
		}
		return i, nil

	default:
		raw := make(json.RawMessage, len(frame))
		copy(raw, frame)
		return Unrecognized{Type: typ, Raw: raw}, nil
	}
}

// DecodeIntent parses an inbound client frame on the server side
func DecodeIntent(frame []byte) (Intent, error) {
	typ, err := readEnvelope(frame)
	if err != nil {
		return nil, err
	}

	switch IntentType(typ) {
	case IntentTypeLanguage:
		var l Language
		if err := decodeInto(frame, typ, &l); err != nil {
			return nil, err
		}
		if l.PreSurvey == nil {
			l.PreSurvey = map[string]string{}
		}
		return l, nil

	case IntentTypeMessage:
		var m struct {
			Text *string `json:"text"`
		}
		if err := decodeInto(frame, typ, &m); err != nil {
			return nil, err
		}
		if m.Text == nil {
			return nil, fmt.Errorf("%w: message without text", ErrMalformedFrame)
		}
		return SendMessage{Text: *m.Text}, nil

	case IntentTypeTyping:
		return StartTyping{}, nil

	case IntentTypeStopTyping:
		return StopTyping{}, nil

	case IntentTypeEndChat:
		return EndChat{}, nil

	case IntentTypeSurvey:
		var s SubmitSurvey
		if err := decodeInto(frame, typ, &s); err != nil {
			return nil, err
		}
		if s.Answers == nil {
			s.Answers = map[string]string{}
		}
		return s, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownIntent, typ)
	}
}
