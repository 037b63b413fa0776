package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("conversation not found")
	// ErrSurveyExists is returned when a participant's post-survey is already stored
	ErrSurveyExists = errors.New("post-survey already stored")
)

// Group is control when both partners chat in the same language
type Group string

const (
	GroupControl    Group = "control"
	GroupExperiment Group = "experiment"
)

// GroupFor assigns the study arm for a pair of languages
func GroupFor(lang1, lang2 string) Group {
	if lang1 == lang2 {
		return GroupControl
	}
	return GroupExperiment
}

// Slot says which side of a conversation a participant is on
type Slot int

const (
	Slot1 Slot = 1
	Slot2 Slot = 2
)

// NewConversation is what is known about a pair when it is created
type NewConversation struct {
	StudyID        string
	User1ID        string
	User2ID        string
	User1Lang      string
	User2Lang      string
	Model          string
	StarterIndex   int
	User1PreSurvey map[string]string
	User2PreSurvey map[string]string
}

// HistoryEntry is one relayed chat line
type HistoryEntry struct {
	Sender      string    `json:"sender"`
	Text        string    `json:"text"`
	Translation string    `json:"translation"`
	SentAt      time.Time `json:"sent_at"`
}

// Conversation is a stored conversation row
type Conversation struct {
	ID              int64
	StudyID         string
	User1ID         string
	User2ID         string
	User1Lang       string
	User2Lang       string
	Group           Group
	Model           string
	StarterIndex    int
	History         []HistoryEntry
	User1PreSurvey  map[string]string
	User2PreSurvey  map[string]string
	User1PostSurvey map[string]string
	User2PostSurvey map[string]string
	CreatedAt       time.Time
}

// PostSurvey returns the stored post-survey for a slot, nil if none
func (c Conversation) PostSurvey(slot Slot) map[string]string {
	if slot == Slot1 {
		return c.User1PostSurvey
	}
	return c.User2PostSurvey
}

// Store persists conversations, their history and surveys
type Store interface {
	CreateConversation(ctx context.Context, conv NewConversation) (int64, error)
	AppendMessage(ctx context.Context, conversationID int64, entry HistoryEntry) error
	SavePostSurvey(ctx context.Context, conversationID int64, slot Slot, answers map[string]string) error
	GetConversation(ctx context.Context, conversationID int64) (*Conversation, error)
	Close() error
}
