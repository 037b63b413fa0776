package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Lifecycle event types
const (
	TypeParticipantQueued       = "participant.queued"
	TypeConversationPaired      = "conversation.paired"
	TypeConversationEnded       = "conversation.ended"
	TypeSurveyReceived          = "survey.received"
	TypeWaitingTimeout          = "waiting.timeout"
	TypeParticipantDisconnected = "participant.disconnected"
)

// Event is one study lifecycle fact. ID doubles as the dedup key downstream.
type Event struct {
	ID             uuid.UUID         `json:"eventId"`
	Type           string            `json:"eventType"`
	ConversationID string            `json:"conversationId,omitempty"`
	ParticipantID  string            `json:"participantId,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Payload        map[string]string `json:"payload,omitempty"`
}

// New stamps an event with a fresh id and the current time
func New(eventType, conversationID, participantID string, payload map[string]string) Event {
	return Event{
		ID:             uuid.New(),
		Type:           eventType,
		ConversationID: conversationID,
		ParticipantID:  participantID,
		Timestamp:      time.Now().UTC(),
		Payload:        payload,
	}
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NoopPublisher drops every event. Used when no NATS server is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error                         { return nil }
