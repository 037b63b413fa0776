package participant

import (
	"errors"
	"fmt"
	"slices"

	"github.com/mcdev12/turingchat/go/internal/protocol"
	"github.com/mcdev12/turingchat/go/internal/survey"
)

// ErrWrongState is returned for a local action the current state does not allow
var ErrWrongState = errors.New("action not allowed in current state")

// State is the participant session state
type State int

const (
	StateInitial State = iota
	StateWaiting
	StateChat
	StateSurvey
	StateTerminalComplete
	StateTerminalTimeout
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateWaiting:
		return "waiting"
	case StateChat:
		return "chat"
	case StateSurvey:
		return "survey"
	case StateTerminalComplete:
		return "terminal_complete"
	case StateTerminalTimeout:
		return "terminal_timeout"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the session has ended
func (s State) IsTerminal() bool {
	return s == StateTerminalComplete || s == StateTerminalTimeout
}

// Sender tells who wrote a chat line
type Sender string

const (
	SenderSelf Sender = "self"
	SenderPeer Sender = "peer"
)

// Message is one line of the transcript
type Message struct {
	Sender Sender
	Text   string
}

// OutcomeKind is how a session ended
type OutcomeKind int

const (
	OutcomeNone OutcomeKind = iota
	OutcomeCompleted
	OutcomeNoPartner
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeNoPartner:
		return "no_partner"
	default:
		return "none"
	}
}

const (
	noticeNoPartner      = "No partner was found. Thank you for waiting."
	noticeConnectionLost = "The connection to the chat server was lost."
)

// Snapshot is a read-only view of a session for rendering
type Snapshot struct {
	State              State
	ConversationID     protocol.ConversationID
	StarterIndex       int
	Starter            string
	RemainingSeconds   int
	HasRemaining       bool
	WaitElapsedSeconds int
	Messages           []Message
	PeerTyping         bool
	Notice             string
	SurveyPending      bool
	ConnectionLost     bool
	Outcome            OutcomeKind
}

// Countdown renders the most recent server timer, or "" before the first one
func (s Snapshot) Countdown() string {
	if !s.HasRemaining {
		return ""
	}
	return FormatCountdown(s.RemainingSeconds)
}

// Transition describes the effect of one input on the machine
type Transition struct {
	From    State
	To      State
	Ignored bool
}

// Changed reports whether the state moved
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Entered reports whether the transition moved into s
func (t Transition) Entered(s State) bool {
	return t.Changed() && t.To == s
}

// Left reports whether the transition moved out of s
func (t Transition) Left(s State) bool {
	return t.Changed() && t.From == s
}

// Machine holds session state and applies the transition rules. It does no
// I/O and is not safe for concurrent use; the session loop owns it.
type Machine struct {
	preSurvey  survey.Questionnaire
	postSurvey survey.Questionnaire
	starters   []string

	state          State
	conversationID protocol.ConversationID
	starterIndex   int
	remaining      int
	hasRemaining   bool
	messages       []Message
	peerTyping     bool
	notice         string
	surveyPending  bool
	connectionLost bool
	outcome        OutcomeKind
}

// NewMachine creates a machine in the initial state
func NewMachine(preSurvey, postSurvey survey.Questionnaire, starters []string) *Machine {
	return &Machine{
		preSurvey:  preSurvey,
		postSurvey: postSurvey,
		starters:   starters,
	}
}

func (m *Machine) State() State {
	return m.state
}

func (m *Machine) ConversationID() protocol.ConversationID {
	return m.conversationID
}

// SurveyPending reports whether a submission is waiting for its ack
func (m *Machine) SurveyPending() bool {
	return m.surveyPending
}

func (m *Machine) Outcome() OutcomeKind {
	return m.outcome
}

func (m *Machine) Notice() string {
	return m.notice
}

// Disconnected reports whether the connection dropped mid-session
func (m *Machine) Disconnected() bool {
	return m.connectionLost
}

// Snapshot copies the current state
func (m *Machine) Snapshot() Snapshot {
	snap := Snapshot{
		State:            m.state,
		ConversationID:   m.conversationID,
		StarterIndex:     m.starterIndex,
		RemainingSeconds: m.remaining,
		HasRemaining:     m.hasRemaining,
		Messages:         slices.Clone(m.messages),
		PeerTyping:       m.peerTyping,
		Notice:           m.notice,
		SurveyPending:    m.surveyPending,
		ConnectionLost:   m.connectionLost,
		Outcome:          m.outcome,
	}
	if m.state == StateChat || m.state == StateSurvey {
		snap.Starter = m.starter()
	}
	return snap
}

func (m *Machine) starter() string {
	if m.starterIndex < 0 || m.starterIndex >= len(m.starters) {
		return ""
	}
	return m.starters[m.starterIndex]
}

// RequestPairing validates the pre-survey and moves INITIAL to WAITING.
// It returns the normalized answers to send with the language intent.
func (m *Machine) RequestPairing(answers map[string]string) (map[string]string, Transition, error) {
	tr := Transition{From: m.state, To: m.state}
	if m.state != StateInitial {
		return nil, tr, fmt.Errorf("%w: cannot request pairing while %s", ErrWrongState, m.state)
	}
	if err := m.preSurvey.Validate(answers); err != nil {
		return nil, tr, err
	}
	m.state = StateWaiting
	m.notice = ""
	tr.To = m.state
	return m.preSurvey.Normalize(answers), tr, nil
}

// Apply feeds one decoded server event into the machine. Events that do not
// apply to the current state are ignored.
func (m *Machine) Apply(ev protocol.Event) Transition {
	tr := Transition{From: m.state, To: m.state}

	switch e := ev.(type) {
	case protocol.Paired:
		if m.state != StateWaiting {
			tr.Ignored = true
			break
		}
		m.state = StateChat
		m.conversationID = e.ConversationID
		m.starterIndex = e.StarterIndex
		m.notice = e.Message
	case protocol.WaitingRoomTimeout:
		if m.state != StateWaiting {
			tr.Ignored = true
			break
		}
		notice := e.Message
		if notice == "" {
			notice = noticeNoPartner
		}
		m.terminate(StateTerminalTimeout, OutcomeNoPartner, notice)
	case protocol.PeerMessage:
		if m.state != StateChat {
			tr.Ignored = true
			break
		}
		m.messages = append(m.messages, Message{Sender: SenderPeer, Text: e.Text})
		m.peerTyping = false
	case protocol.Typing:
		if m.state != StateChat {
			tr.Ignored = true
			break
		}
		m.peerTyping = e.IsTyping()
	case protocol.Timer:
		if m.state != StateChat {
			tr.Ignored = true
			break
		}
		m.remaining = e.RemainingSeconds
		m.hasRemaining = true
	case protocol.SurveyPrompt:
		if m.state != StateChat {
			tr.Ignored = true
			break
		}
		m.state = StateSurvey
		m.peerTyping = false
		if e.ConversationID != "" {
			m.conversationID = e.ConversationID
		}
		if e.Message != "" {
			m.notice = e.Message
		}
	case protocol.SurveyAck:
		// acks without a submission in flight never complete the session
		if m.state != StateSurvey || !m.surveyPending {
			tr.Ignored = true
			break
		}
		m.terminate(StateTerminalComplete, OutcomeCompleted, e.Message)
	case protocol.Info:
		if m.state != StateChat && m.state != StateSurvey {
			tr.Ignored = true
			break
		}
		m.notice = e.Message
	default:
		tr.Ignored = true
	}

	tr.To = m.state
	return tr
}

// ConnectionLost records that the connection closed. While waiting this ends
// the session with no partner; during chat or survey it is surfaced as an
// error but the state is kept, and no completion is ever inferred from it.
func (m *Machine) ConnectionLost() Transition {
	tr := Transition{From: m.state, To: m.state}

	switch m.state {
	case StateWaiting:
		m.terminate(StateTerminalTimeout, OutcomeNoPartner, noticeConnectionLost)
	case StateChat, StateSurvey:
		m.connectionLost = true
		m.peerTyping = false
		m.notice = noticeConnectionLost
	default:
		tr.Ignored = true
	}

	tr.To = m.state
	return tr
}

// CheckCanSendMessage reports whether a chat line may be sent
func (m *Machine) CheckCanSendMessage() error {
	if m.state != StateChat {
		return fmt.Errorf("%w: cannot send a message while %s", ErrWrongState, m.state)
	}
	return nil
}

// RecordOwnMessage appends a line the participant sent
func (m *Machine) RecordOwnMessage(text string) {
	m.messages = append(m.messages, Message{Sender: SenderSelf, Text: text})
}

// CheckCanEndChat reports whether the chat may be ended
func (m *Machine) CheckCanEndChat() error {
	if m.state != StateChat {
		return fmt.Errorf("%w: cannot end the chat while %s", ErrWrongState, m.state)
	}
	return nil
}

// PrepareSurvey validates the post-survey answers and returns them normalized.
// It fails outside SURVEY or while a submission awaits its ack.
func (m *Machine) PrepareSurvey(answers map[string]string) (map[string]string, error) {
	if m.state != StateSurvey {
		return nil, fmt.Errorf("%w: cannot submit the survey while %s", ErrWrongState, m.state)
	}
	if m.surveyPending {
		return nil, survey.ErrDraftLocked
	}
	if err := m.postSurvey.Validate(answers); err != nil {
		return nil, err
	}
	return m.postSurvey.Normalize(answers), nil
}

// MarkSurveySent records that the submission reached the connection
func (m *Machine) MarkSurveySent() {
	if m.state == StateSurvey {
		m.surveyPending = true
	}
}

// Reset returns an ended session to INITIAL
func (m *Machine) Reset() error {
	if m.state != StateInitial && !m.state.IsTerminal() {
		return fmt.Errorf("%w: cannot reset while %s", ErrWrongState, m.state)
	}
	*m = Machine{
		preSurvey:  m.preSurvey,
		postSurvey: m.postSurvey,
		starters:   m.starters,
	}
	return nil
}

func (m *Machine) terminate(state State, outcome OutcomeKind, notice string) {
	m.state = state
	m.outcome = outcome
	m.conversationID = ""
	m.surveyPending = false
	m.peerTyping = false
	if notice != "" {
		m.notice = notice
	}
}
