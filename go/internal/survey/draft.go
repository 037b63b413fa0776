package survey

import (
	"errors"
	"maps"
)

// DraftStatus is the lifecycle of a survey draft
type DraftStatus int

const (
	DraftEditing DraftStatus = iota
	DraftPendingAck
	DraftAcknowledged
)

func (s DraftStatus) String() string {
	switch s {
	case DraftEditing:
		return "editing"
	case DraftPendingAck:
		return "pending-ack"
	case DraftAcknowledged:
		return "acknowledged"
	default:
		return "unknown"
	}
}

// ErrDraftLocked is returned when a draft is changed after submission
var ErrDraftLocked = errors.New("survey draft already submitted")

// Draft holds in-progress answers keyed by question id. Once submitted it is
// read-only; the answers are discarded only when the server acknowledges them.
type Draft struct {
	answers map[string]string
	status  DraftStatus
}

// NewDraft creates an empty draft
func NewDraft() *Draft {
	return &Draft{answers: make(map[string]string)}
}

// Set records an answer
func (d *Draft) Set(questionID, value string) error {
	if d.status != DraftEditing {
		return ErrDraftLocked
	}
	d.answers[questionID] = value
	return nil
}

// Merge records several answers at once
func (d *Draft) Merge(answers map[string]string) error {
	if d.status != DraftEditing {
		return ErrDraftLocked
	}
	maps.Copy(d.answers, answers)
	return nil
}

// Answers returns a copy of the current answers
func (d *Draft) Answers() map[string]string {
	return maps.Clone(d.answers)
}

func (d *Draft) Status() DraftStatus {
	return d.status
}

// MarkSubmitted moves the draft to pending-ack
func (d *Draft) MarkSubmitted() error {
	if d.status != DraftEditing {
		return ErrDraftLocked
	}
	d.status = DraftPendingAck
	return nil
}

// Acknowledge discards the answers. It reports false when the draft was not
// pending, which makes duplicate acknowledgments harmless.
func (d *Draft) Acknowledge() bool {
	if d.status != DraftPendingAck {
		return false
	}
	d.status = DraftAcknowledged
	d.answers = make(map[string]string)
	return true
}
