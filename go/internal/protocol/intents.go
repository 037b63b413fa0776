package protocol

// IntentType is the discriminator of a client to server frame
type IntentType string

const (
	IntentTypeLanguage   IntentType = "language"
	IntentTypeMessage    IntentType = "message"
	IntentTypeTyping     IntentType = "typing"
	IntentTypeStopTyping IntentType = "stopTyping"
	IntentTypeEndChat    IntentType = "endChat"
	IntentTypeSurvey     IntentType = "survey"
)

// Intent is one outbound client action
type Intent interface {
	IntentType() IntentType
}

// Language is sent once, right after the connection opens, and queues the
// participant for pairing.
type Language struct {
	Language        string            `json:"language"`
	DisplayLanguage string            `json:"displayLanguage,omitempty"`
	ParticipantID   string            `json:"participantId,omitempty"`
	SessionID       string            `json:"sessionId,omitempty"`
	StudyID         string            `json:"studyId,omitempty"`
	PreSurvey       map[string]string `json:"presurvey"`
}

// SendMessage carries one chat line typed by the participant
type SendMessage struct {
	Text string `json:"text"`
}

// StartTyping is sent at the start of a typing burst
type StartTyping struct{}

// StopTyping is sent once the quiet window after a burst elapses
type StopTyping struct{}

// EndChat asks the server to end the conversation early
type EndChat struct{}

// SubmitSurvey carries the post-conversation answers
type SubmitSurvey struct {
	ConversationID ConversationID    `json:"conversation_id,omitempty"`
	Answers        map[string]string `json:"answers"`
}

func (Language) IntentType() IntentType     { return IntentTypeLanguage }
func (SendMessage) IntentType() IntentType  { return IntentTypeMessage }
func (StartTyping) IntentType() IntentType  { return IntentTypeTyping }
func (StopTyping) IntentType() IntentType   { return IntentTypeStopTyping }
func (EndChat) IntentType() IntentType      { return IntentTypeEndChat }
func (SubmitSurvey) IntentType() IntentType { return IntentTypeSurvey }
