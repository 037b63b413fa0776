package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// EventType is the discriminator of a server to client frame
type EventType string

const (
	EventTypePaired             EventType = "paired"
	EventTypeTimer              EventType = "timer"
	EventTypeMessage            EventType = "message"
	EventTypeTyping             EventType = "typing"
	EventTypeStopTyping         EventType = "stopTyping"
	EventTypeSurvey             EventType = "survey"
	EventTypeExpired            EventType = "expired"
	EventTypeSurveyReceived     EventType = "surveyReceived"
	EventTypeSurveyCompleted    EventType = "surveyCompleted"
	EventTypeWaitingRoomTimeout EventType = "waitingRoomTimeout"
	EventTypeInfo               EventType = "info"
)

// Typing statuses carried by EventTypeTyping
const (
	TypingStatusTyping  = "typing"
	TypingStatusStopped = "stopped"
)

// ConversationID is the opaque conversation identifier assigned on pairing.
// Servers have sent it both as a JSON string and as a number, so both decode.
type ConversationID string

func (c *ConversationID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ConversationID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("conversation_id must be a string or number: %w", err)
	}
	*c = ConversationID(n.String())
	return nil
}

func (c ConversationID) String() string {
	return string(c)
}

// Event is one decoded server to client frame
type Event interface {
	EventType() EventType
}

// Paired moves a waiting participant into the conversation
type Paired struct {
	ConversationID ConversationID `json:"conversation_id"`
	StarterIndex   int            `json:"starter_index"`
	Message        string         `json:"message"`
}

// Timer carries the server-authoritative remaining chat time
type Timer struct {
	RemainingSeconds int `json:"remaining_time"`
}

// PeerMessage is a chat line from the partner
type PeerMessage struct {
	Text string `json:"text"`
}

// Typing reports whether the partner is typing
type Typing struct {
	Status string `json:"status"`
}

// SurveyPrompt ends the chat. Expired is set when the chat timer ran out
// rather than a participant ending the conversation.
type SurveyPrompt struct {
	ConversationID ConversationID `json:"conversation_id"`
	Message        string         `json:"message"`
	Expired        bool           `json:"-"`
}

// SurveyAck confirms the server persisted a survey submission.
// Completed is set for surveyCompleted, i.e. both sides have submitted.
type SurveyAck struct {
	ConversationID ConversationID `json:"conversation_id,omitempty"`
	Message        string         `json:"message,omitempty"`
	Completed      bool           `json:"-"`
}

// WaitingRoomTimeout means no partner was found in time
type WaitingRoomTimeout struct {
	Message string `json:"message"`
}

// Info is a non-fatal notice such as a partner disconnecting
type Info struct {
	Message string `json:"message"`
}

// Unrecognized is returned for well-formed frames whose type is unknown
type Unrecognized struct {
	Type string
	Raw  json.RawMessage
}

func (Paired) EventType() EventType      { return EventTypePaired }
func (Timer) EventType() EventType       { return EventTypeTimer }
func (PeerMessage) EventType() EventType { return EventTypeMessage }
func (Typing) EventType() EventType      { return EventTypeTyping }

func (e SurveyPrompt) EventType() EventType {
	if e.Expired {
		return EventTypeExpired
	}
	return EventTypeSurvey
}

func (e SurveyAck) EventType() EventType {
	if e.Completed {
		return EventTypeSurveyCompleted
	}
	return EventTypeSurveyReceived
}

func (WaitingRoomTimeout) EventType() EventType { return EventTypeWaitingRoomTimeout }
func (Info) EventType() EventType               { return EventTypeInfo }
func (e Unrecognized) EventType() EventType     { return EventType(e.Type) }

// IsTyping reports whether the status means the partner is typing
func (t Typing) IsTyping() bool {
	return t.Status == TypingStatusTyping
}

// FormatConversationID renders a numeric conversation id the way it is sent
func FormatConversationID(id int64) ConversationID {
	return ConversationID(strconv.FormatInt(id, 10))
}
