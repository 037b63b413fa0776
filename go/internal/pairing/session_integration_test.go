package pairing

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/turingchat/go/internal/config"
	"github.com/mcdev12/turingchat/go/internal/pairing/store"
	participantpkg "github.com/mcdev12/turingchat/go/internal/participant"
	"github.com/mcdev12/turingchat/go/internal/survey"
)

type liveSession struct {
	*participantpkg.Session
	redirects chan participantpkg.Outcome
}

func (g *gateway) startSession(ctx context.Context, pid, lang string) *liveSession {
	g.t.Helper()
	redirects := make(chan participantpkg.Outcome, 2)
	s, err := participantpkg.NewSession(participantpkg.Options{
		Launch: config.ParticipantConfig{
			ServerURL:       g.wsURL(),
			ParticipantID:   pid,
			DisplayLanguage: lang,
		},
		Study: g.study,
		Clock: clockwork.NewFakeClock(),
		Redirector: participantpkg.RedirectFunc(func(o participantpkg.Outcome) {
			redirects <- o
		}),
	})
	require.NoError(g.t, err)
	go s.Run(ctx)
	return &liveSession{Session: s, redirects: redirects}
}

func (s *liveSession) state(ctx context.Context) participantpkg.State {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return participantpkg.StateInitial
	}
	return snap.State
}

func preSurvey(lang string) map[string]string {
	return map[string]string{
		"language":             lang,
		"qualityRating":        "4",
		"seamlessRating":       "4",
		"translationeseRating": "3",
	}
}

func postSurvey(partnerType string) map[string]string {
	answers := map[string]string{
		"reasoning":         "it asked good questions",
		"partnerType":       partnerType,
		"identityReasoning": "natural phrasing",
	}
	for _, id := range []string{
		"comprehension", "closeness", "enjoyment", "engagement", "listening",
		"interest", "commonground", "responsiveness", "futureInteraction",
	} {
		answers[id] = "4"
	}
	return answers
}

func TestParticipantSessionsEndToEnd(t *testing.T) {
	g := newGateway(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := g.startSession(ctx, "p-alice", "english")
	bob := g.startSession(ctx, "p-bob", "german")

	require.NoError(t, alice.RequestPairing(ctx, preSurvey("english")))
	require.Eventually(t, func() bool { return g.service.GetStats().Waiting == 1 }, waitFor, tick)
	require.NoError(t, bob.RequestPairing(ctx, preSurvey("german")))

	for _, s := range []*liveSession{alice, bob} {
		require.Eventually(t, func() bool { return s.state(ctx) == participantpkg.StateChat }, waitFor, tick)
	}
	snapA, err := alice.Snapshot(ctx)
	require.NoError(t, err)
	snapB, err := bob.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, snapA.ConversationID, snapB.ConversationID)
	assert.Equal(t, g.study.Starters[0], snapA.Starter)

	require.Eventually(t, func() bool {
		snap, err := bob.Snapshot(ctx)
		return err == nil && snap.Countdown() == "0:03"
	}, waitFor, tick)

	require.NoError(t, alice.SendMessage(ctx, "  guten tag  "))
	require.Eventually(t, func() bool {
		snap, err := bob.Snapshot(ctx)
		return err == nil && slices.Contains(snap.Messages, participantpkg.Message{Sender: participantpkg.SenderPeer, Text: "guten tag"})
	}, waitFor, tick)

	require.NoError(t, bob.EndChat(ctx))
	for _, s := range []*liveSession{alice, bob} {
		require.Eventually(t, func() bool { return s.state(ctx) == participantpkg.StateSurvey }, waitFor, tick)
	}

	require.NoError(t, alice.SubmitSurvey(ctx, postSurvey("ai")))
	require.NoError(t, bob.SubmitSurvey(ctx, postSurvey("real")))

	completed := g.study.Outcomes[config.OutcomeCompleted]
	for _, s := range []*liveSession{alice, bob} {
		select {
		case o := <-s.redirects:
			assert.Equal(t, participantpkg.OutcomeCompleted, o.Kind)
			assert.Equal(t, completed.Code, o.Code)
		case <-time.After(waitFor):
			t.Fatal("participant was not redirected")
		}
		assert.Equal(t, participantpkg.StateTerminalComplete, s.state(ctx))
	}

	conv, err := g.store.GetConversation(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "english", conv.User1Lang)
	assert.Equal(t, "german", conv.User2Lang)
	assert.Equal(t, "ai", conv.User1PostSurvey["partnerType"])
	assert.Equal(t, "real", conv.User2PostSurvey["partnerType"])
	assert.Equal(t, "4", conv.User2PreSurvey["qualityRating"])
}

func TestParticipantSessionNoPartner(t *testing.T) {
	g := newGateway(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alone := g.startSession(ctx, "p-alone", "english")
	require.NoError(t, alone.RequestPairing(ctx, preSurvey("english")))
	require.Eventually(t, func() bool { return g.service.GetStats().Waiting == 1 }, waitFor, tick)

	g.clock.Advance(g.study.WaitingTimeout())

	noPartner := g.study.Outcomes[config.OutcomeNoPartner]
	select {
	case o := <-alone.redirects:
		assert.Equal(t, participantpkg.OutcomeNoPartner, o.Kind)
		assert.Equal(t, noPartner.Code, o.Code)
		assert.Equal(t, "Could not find a chat partner. Try again later!", o.Notice)
	case <-time.After(waitFor):
		t.Fatal("participant was not redirected")
	}
	assert.Equal(t, participantpkg.StateTerminalTimeout, alone.state(ctx))
}

func TestParticipantSessionSurveySaveFailure(t *testing.T) {
	g := newGateway(t, withStore(surveyFailingStore{store.NewMemoryStore()}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := g.startSession(ctx, "p-alice", "english")
	bob := g.startSession(ctx, "p-bob", "german")
	require.NoError(t, alice.RequestPairing(ctx, preSurvey("english")))
	require.Eventually(t, func() bool { return g.service.GetStats().Waiting == 1 }, waitFor, tick)
	require.NoError(t, bob.RequestPairing(ctx, preSurvey("german")))
	require.Eventually(t, func() bool { return alice.state(ctx) == participantpkg.StateChat }, waitFor, tick)

	require.NoError(t, alice.EndChat(ctx))
	require.Eventually(t, func() bool { return alice.state(ctx) == participantpkg.StateSurvey }, waitFor, tick)
	require.NoError(t, alice.SubmitSurvey(ctx, postSurvey("ai")))

	require.Eventually(t, func() bool {
		snap, err := alice.Snapshot(ctx)
		return err == nil && snap.Notice == msgSurveyFailed
	}, waitFor, tick)

	// the submission stays in flight; the notice must not ask for a resend
	snap, err := alice.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, participantpkg.StateSurvey, snap.State)
	assert.True(t, snap.SurveyPending)
	assert.ErrorIs(t, alice.SubmitSurvey(ctx, postSurvey("ai")), survey.ErrDraftLocked)

	select {
	case o := <-alice.redirects:
		t.Fatalf("unexpected redirect to %s", o.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}
