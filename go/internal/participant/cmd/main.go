package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/turingchat/go/internal/config"
	"github.com/mcdev12/turingchat/go/internal/participant"
	"github.com/mcdev12/turingchat/go/internal/survey"
)

const endChatCommand = "/end"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}
	config.SetupLogging()

	launch := config.LoadParticipantConfig()
	study, err := config.LoadStudy(launch.StudyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load study")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	finished := make(chan participant.Outcome, 1)
	session, err := participant.NewSession(participant.Options{
		Launch: launch,
		Study:  study,
		Redirector: participant.RedirectFunc(func(o participant.Outcome) {
			finished <- o
		}),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session")
	}

	log.Info().
		Str("server_url", launch.ServerURL).
		Str("participant_id", launch.ParticipantID).
		Str("study_id", study.ID).
		Msg("starting participant client")

	go func() {
		if err := session.Run(ctx); err != nil {
			log.Error().Err(err).Msg("session failed")
		}
	}()

	ui := &terminal{
		out:       os.Stdout,
		session:   session,
		study:     study,
		preSurvey: newPrompter(study.PreSurvey),
	}
	outcome, ok := ui.run(ctx, readLines(os.Stdin), finished)
	if !ok {
		return
	}

	fmt.Fprintf(ui.out, "\n%s\nCompletion code: %s\n", outcome.Notice, outcome.Code)
	if outcome.RedirectURL != "" {
		fmt.Fprintf(ui.out, "Continue at: %s\n", outcome.RedirectURL)
	}
}

func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// terminal renders session snapshots and turns input lines into actions
type terminal struct {
	out     io.Writer
	session *participant.Session
	study   *config.Study

	preSurvey  *prompter
	postSurvey *prompter

	last participant.Snapshot
}

func (t *terminal) run(ctx context.Context, lines <-chan string, finished <-chan participant.Outcome) (participant.Outcome, bool) {
	fmt.Fprintln(t.out, "Before we pair you with a partner, please answer a few questions.")
	t.preSurvey.prompt(t.out)

	for {
		select {
		case <-ctx.Done():
			return participant.Outcome{}, false
		case outcome := <-finished:
			return outcome, true
		case snap := <-t.session.Updates():
			t.render(snap)
		case line, ok := <-lines:
			if !ok {
				return participant.Outcome{}, false
			}
			t.handleLine(ctx, strings.TrimSpace(line))
		}
	}
}

func (t *terminal) render(snap participant.Snapshot) {
	prev := t.last
	t.last = snap

	if snap.State != prev.State {
		switch snap.State {
		case participant.StateWaiting:
			fmt.Fprintln(t.out, "Waiting for a partner...")
		case participant.StateChat:
			fmt.Fprintf(t.out, "You are paired. %s\n", snap.Notice)
			if snap.Starter != "" {
				fmt.Fprintf(t.out, "Conversation starter: %s\n", snap.Starter)
			}
			fmt.Fprintf(t.out, "Type a message and press enter. %s ends the conversation.\n", endChatCommand)
		case participant.StateSurvey:
			fmt.Fprintln(t.out, "The conversation has ended. Please answer the post-conversation survey.")
			t.postSurvey = newPrompter(t.study.PostSurvey)
			t.postSurvey.prompt(t.out)
		}
	}

	if snap.State == participant.StateWaiting && snap.WaitElapsedSeconds != prev.WaitElapsedSeconds &&
		snap.WaitElapsedSeconds > 0 && snap.WaitElapsedSeconds%30 == 0 {
		fmt.Fprintf(t.out, "Still waiting (%s)\n", participant.FormatCountdown(snap.WaitElapsedSeconds))
	}
	if snap.HasRemaining && snap.RemainingSeconds != prev.RemainingSeconds &&
		(snap.RemainingSeconds%30 == 0 || snap.RemainingSeconds <= 10) {
		fmt.Fprintf(t.out, "[%s left]\n", snap.Countdown())
	}
	for _, msg := range snap.Messages[min(len(prev.Messages), len(snap.Messages)):] {
		if msg.Sender == participant.SenderPeer {
			fmt.Fprintf(t.out, "Partner: %s\n", msg.Text)
		}
	}
	if snap.PeerTyping && !prev.PeerTyping {
		fmt.Fprintln(t.out, "(partner is typing)")
	}
	if snap.Notice != prev.Notice && snap.State == prev.State && snap.Notice != "" {
		fmt.Fprintln(t.out, snap.Notice)
	}
	if snap.SurveyPending && !prev.SurveyPending {
		fmt.Fprintln(t.out, "Submitting your answers...")
	}
}

func (t *terminal) handleLine(ctx context.Context, line string) {
	var err error
	switch t.last.State {
	case participant.StateInitial:
		err = t.answerPreSurvey(ctx, line)
	case participant.StateChat:
		err = t.chat(ctx, line)
	case participant.StateSurvey:
		err = t.answerPostSurvey(ctx, line)
	default:
		return
	}
	if err != nil {
		fmt.Fprintf(t.out, "! %v\n", err)
	}
}

func (t *terminal) answerPreSurvey(ctx context.Context, line string) error {
	if err := t.preSurvey.answer(line); err != nil {
		t.preSurvey.prompt(t.out)
		return err
	}
	if !t.preSurvey.done() {
		t.preSurvey.prompt(t.out)
		return nil
	}
	return t.session.RequestPairing(ctx, t.preSurvey.answers)
}

func (t *terminal) chat(ctx context.Context, line string) error {
	if line == endChatCommand {
		return t.session.EndChat(ctx)
	}
	if line == "" {
		return nil
	}
	if err := t.session.InputActivity(ctx); err != nil {
		return err
	}
	return t.session.SendMessage(ctx, line)
}

func (t *terminal) answerPostSurvey(ctx context.Context, line string) error {
	if t.postSurvey == nil || t.last.SurveyPending {
		return nil
	}
	if err := t.postSurvey.answer(line); err != nil {
		t.postSurvey.prompt(t.out)
		return err
	}
	if !t.postSurvey.done() {
		t.postSurvey.prompt(t.out)
		return nil
	}

	err := t.session.SubmitSurvey(ctx, t.postSurvey.answers)
	var incomplete *survey.IncompleteError
	if errors.As(err, &incomplete) {
		t.postSurvey.revisit(incomplete)
		t.postSurvey.prompt(t.out)
	}
	return err
}

// prompter walks a questionnaire one applicable question at a time
type prompter struct {
	questionnaire survey.Questionnaire
	answers       map[string]string
	queue         []string
}

func newPrompter(q survey.Questionnaire) *prompter {
	p := &prompter{questionnaire: q, answers: make(map[string]string)}
	for _, question := range q.Questions {
		p.queue = append(p.queue, question.ID)
	}
	p.skip()
	return p
}

// skip drops queued questions that no longer apply
func (p *prompter) skip() {
	for len(p.queue) > 0 {
		question, ok := p.questionnaire.Find(p.queue[0])
		if ok && question.Applies(p.answers) {
			return
		}
		p.queue = p.queue[1:]
	}
}

func (p *prompter) done() bool {
	return len(p.queue) == 0
}

func (p *prompter) prompt(w io.Writer) {
	if p.done() {
		return
	}
	question, _ := p.questionnaire.Find(p.queue[0])
	fmt.Fprintf(w, "\n%s\n", question.Prompt)
	for _, opt := range question.Options {
		if opt.Label != "" {
			fmt.Fprintf(w, "  %s) %s\n", opt.Value, opt.Label)
		} else {
			fmt.Fprintf(w, "  %s)\n", opt.Value)
		}
	}
	if question.Optional {
		fmt.Fprintln(w, "  (optional, press enter to skip)")
	}
}

func (p *prompter) answer(line string) error {
	if p.done() {
		return nil
	}
	question, _ := p.questionnaire.Find(p.queue[0])

	value := line
	for _, opt := range question.Options {
		if strings.EqualFold(opt.Label, line) {
			value = opt.Value
		}
	}
	switch {
	case value == "" && !question.Optional:
		return fmt.Errorf("an answer is required")
	case value != "" && !question.Accepts(value):
		return fmt.Errorf("%q is not one of the options", line)
	}

	p.answers[question.ID] = value
	p.queue = p.queue[1:]
	p.skip()
	return nil
}

// revisit queues the questions a failed submission reported
func (p *prompter) revisit(incomplete *survey.IncompleteError) {
	p.queue = append(append(p.queue, incomplete.Missing...), incomplete.Invalid...)
	p.skip()
}
