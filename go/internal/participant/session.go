package participant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/turingchat/go/internal/config"
	"github.com/mcdev12/turingchat/go/internal/protocol"
	"github.com/mcdev12/turingchat/go/internal/survey"
)

var (
	// ErrNoConnection is returned when an action needs the server but there is
	// no open connection. Nothing is queued for later delivery.
	ErrNoConnection = errors.New("no open connection to the chat server")
	ErrEmptyMessage = errors.New("message is empty")
	// ErrSessionStopped is returned once Run has exited
	ErrSessionStopped = errors.New("session stopped")
)

// Outcome is the completion code a participant is sent away with
type Outcome struct {
	Kind        OutcomeKind
	Code        string
	RedirectURL string
	Notice      string
}

// Redirector hands the participant back to the recruitment platform. It is
// called exactly once per session, from the session loop.
type Redirector interface {
	Redirect(outcome Outcome)
}

// RedirectFunc adapts a function to Redirector
type RedirectFunc func(outcome Outcome)

func (f RedirectFunc) Redirect(outcome Outcome) {
	f(outcome)
}

// Options configures a Session
type Options struct {
	Launch     config.ParticipantConfig
	Study      *config.Study
	Dialer     Dialer
	Clock      clockwork.Clock
	Redirector Redirector
}

type action struct {
	fn    func() error
	reply chan error
}

// Session drives one participant through pairing, chat and survey. All state
// is owned by the goroutine running Run; the exported methods hand work to it.
type Session struct {
	launch     config.ParticipantConfig
	study      *config.Study
	redirector Redirector

	conn      *ConnectionManager
	machine   *Machine
	waitClock *WaitClock
	typing    *TypingDebouncer
	draft     *survey.Draft
	preSurvey map[string]string

	runCtx  context.Context
	actions chan action
	updates chan Snapshot
	done    chan struct{}
}

// NewSession creates a session in the initial state
func NewSession(opts Options) (*Session, error) {
	if opts.Study == nil {
		return nil, fmt.Errorf("study is required")
	}
	if opts.Launch.ServerURL == "" {
		return nil, fmt.Errorf("server url is required")
	}
	if opts.Dialer == nil {
		opts.Dialer = NewWebsocketDialer()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	return &Session{
		launch:     opts.Launch,
		study:      opts.Study,
		redirector: opts.Redirector,
		conn:       NewConnectionManager(opts.Launch.ServerURL, opts.Dialer),
		machine:    NewMachine(opts.Study.PreSurvey, opts.Study.PostSurvey, opts.Study.Starters),
		waitClock:  NewWaitClock(opts.Clock),
		typing:     NewTypingDebouncer(opts.Clock, opts.Study.TypingQuietWindow()),
		actions:    make(chan action),
		updates:    make(chan Snapshot, 1),
		done:       make(chan struct{}),
	}, nil
}

// Updates delivers the latest snapshot after every change. Intermediate
// snapshots are dropped when the reader falls behind.
func (s *Session) Updates() <-chan Snapshot {
	return s.updates
}

// Run processes connection events, timers and actions until ctx is done
func (s *Session) Run(ctx context.Context) error {
	s.runCtx = ctx
	defer close(s.done)

	log.Info().
		Str("participant_id", s.launch.ParticipantID).
		Str("study_id", s.study.ID).
		Msg("participant session started")

	for {
		select {
		case <-ctx.Done():
			s.waitClock.Stop()
			s.typing.Stop()
			s.conn.Close("session stopped")
			log.Info().Str("participant_id", s.launch.ParticipantID).Msg("participant session stopped")
			return nil
		case ev := <-s.conn.Events():
			s.handleConnEvent(ev)
		case a := <-s.actions:
			a.reply <- a.fn()
		case <-s.waitClock.C():
			s.waitClock.Tick()
			s.publish()
		case <-s.typing.C():
			if s.typing.Fire() {
				if err := s.sendIntent(protocol.StopTyping{}); err != nil {
					log.Warn().Err(err).Msg("failed to send stop typing")
				}
			}
		}
	}
}

// do runs fn on the session loop and waits for its result
func (s *Session) do(ctx context.Context, fn func() error) error {
	a := action{fn: fn, reply: make(chan error, 1)}
	select {
	case s.actions <- a:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionStopped
	}
	select {
	case err := <-a.reply:
		return err
	case <-s.done:
		return ErrSessionStopped
	}
}

// RequestPairing validates the pre-survey, opens the connection and starts
// waiting for a partner. Calling it again while waiting is a no-op.
func (s *Session) RequestPairing(ctx context.Context, answers map[string]string) error {
	return s.do(ctx, func() error {
		return s.requestPairing(answers)
	})
}

func (s *Session) requestPairing(answers map[string]string) error {
	if s.machine.State() == StateWaiting {
		if s.conn.State() == ConnClosed {
			return nil
		}
		if err := s.conn.Open(s.runCtx); err != nil && !errors.Is(err, ErrAlreadyOpen) {
			return err
		}
		return nil
	}

	normalized, tr, err := s.machine.RequestPairing(answers)
	if err != nil {
		return err
	}
	s.preSurvey = normalized
	s.waitClock.Start()
	if err := s.conn.Open(s.runCtx); err != nil && !errors.Is(err, ErrAlreadyOpen) {
		return err
	}
	s.afterTransition(tr)
	return nil
}

// SendMessage sends one chat line and appends it to the transcript
func (s *Session) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	return s.do(ctx, func() error {
		if err := s.machine.CheckCanSendMessage(); err != nil {
			return err
		}
		if err := s.sendIntent(protocol.SendMessage{Text: text}); err != nil {
			return err
		}
		s.machine.RecordOwnMessage(text)
		s.publish()
		return nil
	})
}

// InputActivity reports a keystroke in the chat input
func (s *Session) InputActivity(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.machine.State() != StateChat {
			return fmt.Errorf("%w: not chatting", ErrWrongState)
		}
		if s.conn.State() != ConnOpen {
			return ErrNoConnection
		}
		if s.typing.Activity() {
			return s.sendIntent(protocol.StartTyping{})
		}
		return nil
	})
}

// EndChat asks the server to end the conversation. The state only changes
// once the server sends the survey.
func (s *Session) EndChat(ctx context.Context) error {
	return s.do(ctx, func() error {
		if err := s.machine.CheckCanEndChat(); err != nil {
			return err
		}
		return s.sendIntent(protocol.EndChat{})
	})
}

// SetSurveyAnswer records one answer in the survey draft
func (s *Session) SetSurveyAnswer(ctx context.Context, questionID, value string) error {
	return s.do(ctx, func() error {
		if s.machine.State() != StateSurvey || s.draft == nil {
			return fmt.Errorf("%w: no survey in progress", ErrWrongState)
		}
		return s.draft.Set(questionID, value)
	})
}

// SubmitSurvey merges answers into the draft, validates it and sends it. The
// session completes only when the server acknowledges the submission.
func (s *Session) SubmitSurvey(ctx context.Context, answers map[string]string) error {
	return s.do(ctx, func() error {
		if s.machine.State() != StateSurvey || s.draft == nil {
			return fmt.Errorf("%w: no survey in progress", ErrWrongState)
		}
		if err := s.draft.Merge(answers); err != nil {
			return err
		}
		normalized, err := s.machine.PrepareSurvey(s.draft.Answers())
		if err != nil {
			return err
		}
		if s.conn.State() != ConnOpen {
			return ErrNoConnection
		}

		intent := protocol.SubmitSurvey{
			ConversationID: s.machine.ConversationID(),
			Answers:        normalized,
		}
		if err := s.sendIntent(intent); err != nil {
			return err
		}
		if err := s.draft.MarkSubmitted(); err != nil {
			return err
		}
		s.machine.MarkSurveySent()

		log.Info().
			Str("conversation_id", intent.ConversationID.String()).
			Int("answers", len(normalized)).
			Msg("survey submitted, waiting for acknowledgment")
		s.publish()
		return nil
	})
}

// Snapshot returns the current session view
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, func() error {
		snap = s.snapshot()
		return nil
	})
	return snap, err
}

// Reset discards an ended session so a new one can start
func (s *Session) Reset(ctx context.Context) error {
	return s.do(ctx, s.reset)
}

func (s *Session) reset() error {
	if err := s.machine.Reset(); err != nil {
		return err
	}
	s.waitClock.Stop()
	s.typing.Stop()
	s.conn.Close("session reset")
	s.draft = nil
	s.preSurvey = nil
	s.publish()
	return nil
}

func (s *Session) handleConnEvent(ev ConnEvent) {
	if gen := s.conn.Gen(); ev.Gen != gen {
		log.Debug().
			Int("event_gen", ev.Gen).
			Int("current_gen", gen).
			Msg("dropping event from a replaced connection")
		return
	}
	switch ev.Kind {
	case ConnEventOpened:
		if s.machine.State() != StateWaiting {
			return
		}
		if err := s.sendIntent(s.languageIntent()); err != nil {
			log.Error().Err(err).Msg("failed to send language")
		}
	case ConnEventFrame:
		s.handleFrame(ev.Frame)
	case ConnEventError:
		log.Error().Err(ev.Err).Str("state", s.machine.State().String()).Msg("connection error")
	case ConnEventClosed:
		tr := s.machine.ConnectionLost()
		if !tr.Ignored {
			log.Warn().
				Str("reason", ev.Reason).
				Str("from", tr.From.String()).
				Str("to", tr.To.String()).
				Msg("connection closed during session")
		}
		s.afterTransition(tr)
	}
}

func (s *Session) handleFrame(frame []byte) {
	ev, err := protocol.Decode(frame)
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed frame")
		return
	}
	if u, ok := ev.(protocol.Unrecognized); ok {
		log.Warn().Str("type", u.Type).Msg("ignoring unrecognized event")
		return
	}

	tr := s.machine.Apply(ev)
	if tr.Ignored {
		log.Debug().
			Str("event", string(ev.EventType())).
			Str("state", tr.From.String()).
			Msg("event does not apply in current state")
		return
	}
	if tr.Changed() {
		log.Info().
			Str("event", string(ev.EventType())).
			Str("from", tr.From.String()).
			Str("to", tr.To.String()).
			Msg("session state changed")
	}
	s.afterTransition(tr)
}

func (s *Session) afterTransition(tr Transition) {
	if tr.Left(StateWaiting) {
		s.waitClock.Stop()
	}
	if tr.Left(StateChat) || s.machine.Disconnected() {
		s.typing.Stop()
	}
	if tr.Entered(StateSurvey) {
		s.draft = survey.NewDraft()
	}
	if tr.Changed() && tr.To.IsTerminal() {
		s.finish()
	}
	s.publish()
}

// finish runs once per session, on entering a terminal state
func (s *Session) finish() {
	if s.draft != nil {
		s.draft.Acknowledge()
	}
	s.conn.Close("session ended")

	outcome := s.outcome(s.machine.Outcome())
	log.Info().
		Str("participant_id", s.launch.ParticipantID).
		Str("outcome", outcome.Kind.String()).
		Str("code", outcome.Code).
		Msg("session ended")

	if s.redirector != nil {
		s.redirector.Redirect(outcome)
	}
}

func (s *Session) outcome(kind OutcomeKind) Outcome {
	key := config.OutcomeCompleted
	if kind == OutcomeNoPartner {
		key = config.OutcomeNoPartner
	}
	o := s.study.Outcomes[key]
	return Outcome{
		Kind:        kind,
		Code:        o.Code,
		RedirectURL: o.RedirectURL,
		Notice:      s.machine.Notice(),
	}
}

func (s *Session) languageIntent() protocol.Language {
	language := s.preSurvey["language"]
	if language == "" {
		language = s.launch.DisplayLanguage
	}
	return protocol.Language{
		Language:        config.NormalizeLanguage(language),
		DisplayLanguage: s.launch.DisplayLanguage,
		ParticipantID:   s.launch.ParticipantID,
		SessionID:       s.launch.SessionID,
		StudyID:         s.launch.StudyID,
		PreSurvey:       s.preSurvey,
	}
}

func (s *Session) sendIntent(intent protocol.Intent) error {
	frame, err := protocol.Encode(intent)
	if err != nil {
		return err
	}
	if err := s.conn.Send(frame); err != nil {
		if errors.Is(err, ErrNotOpen) {
			return ErrNoConnection
		}
		return fmt.Errorf("send %s: %w", intent.IntentType(), err)
	}
	return nil
}

func (s *Session) snapshot() Snapshot {
	snap := s.machine.Snapshot()
	if snap.State == StateWaiting {
		snap.WaitElapsedSeconds = s.waitClock.Elapsed()
	}
	return snap
}

// publish replaces any unread snapshot with the latest one
func (s *Session) publish() {
	snap := s.snapshot()
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- snap:
	default:
	}
}
