package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/turingchat/go/internal/config"
	"github.com/mcdev12/turingchat/go/internal/pairing/events"
	"github.com/mcdev12/turingchat/go/internal/pairing/registry"
	"github.com/mcdev12/turingchat/go/internal/pairing/store"
	"github.com/mcdev12/turingchat/go/internal/protocol"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) has(eventType string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range p.events {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

// failingStore refuses to create conversations
type failingStore struct {
	*store.MemoryStore
}

func (failingStore) CreateConversation(context.Context, store.NewConversation) (int64, error) {
	return 0, errors.New("database unavailable")
}

// surveyFailingStore loses every post-survey write
type surveyFailingStore struct {
	*store.MemoryStore
}

func (surveyFailingStore) SavePostSurvey(context.Context, int64, store.Slot, map[string]string) error {
	return errors.New("database unavailable")
}

type gateway struct {
	t         *testing.T
	clock     *clockwork.FakeClock
	study     *config.Study
	store     store.Store
	publisher *recordingPublisher
	service   *Service
	server    *httptest.Server
}

type gatewayOption func(*HubDeps)

func withStore(s store.Store) gatewayOption {
	return func(d *HubDeps) { d.Store = s }
}

func withTranslator(tr Translator) gatewayOption {
	return func(d *HubDeps) { d.Translator = tr }
}

func newGateway(t *testing.T, opts ...gatewayOption) *gateway {
	t.Helper()

	study, err := config.DefaultStudy()
	require.NoError(t, err)
	study.ChatDurationSec = 3

	clock := clockwork.NewFakeClock()
	deps := HubDeps{
		Study:    study,
		Store:    store.NewMemoryStore(),
		Registry: registry.NewMemoryRegistry(clock, time.Hour),
		Clock:    clock,
		Rand:     rand.New(rand.NewSource(1)),
	}
	for _, opt := range opts {
		opt(&deps)
	}

	publisher := &recordingPublisher{}
	svc, err := NewService(DefaultConfig(), deps, publisher)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		svc.Start(ctx)
	}()

	server := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		cancel()
		<-stopped
		server.Close()
	})

	return &gateway{
		t:         t,
		clock:     clock,
		study:     study,
		store:     deps.Store,
		publisher: publisher,
		service:   svc,
		server:    server,
	}
}

func (g *gateway) wsURL() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws"
}

// rawClient speaks the wire protocol directly
type rawClient struct {
	t      *testing.T
	conn   *websocket.Conn
	events chan protocol.Event
	closed chan struct{}
}

func (g *gateway) dial() *rawClient {
	g.t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(g.wsURL(), nil)
	require.NoError(g.t, err)
	resp.Body.Close()

	c := &rawClient{
		t:      g.t,
		conn:   conn,
		events: make(chan protocol.Event, 512),
		closed: make(chan struct{}),
	}
	go func() {
		defer close(c.closed)
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ev, err := protocol.Decode(frame)
			if err == nil {
				c.events <- ev
			}
		}
	}()
	g.t.Cleanup(func() { conn.Close() })
	return c
}

func (c *rawClient) send(intent protocol.Intent) {
	c.t.Helper()
	frame, err := protocol.Encode(intent)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))
}

func (c *rawClient) join(pid, lang string) {
	c.send(protocol.Language{
		Language:      lang,
		ParticipantID: pid,
		PreSurvey:     map[string]string{"language": lang, "qualityRating": "3"},
	})
}

// expect returns the next event of the given type, skipping timer events
func (c *rawClient) expect(typ protocol.EventType) protocol.Event {
	c.t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-c.events:
			if ev.EventType() == typ {
				return ev
			}
			if ev.EventType() == protocol.EventTypeTimer {
				continue
			}
			c.t.Fatalf("expected %s, got %s", typ, ev.EventType())
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func (c *rawClient) expectClosed() {
	c.t.Helper()
	select {
	case <-c.closed:
	case <-time.After(waitFor):
		c.t.Fatal("connection was not closed")
	}
}

func (g *gateway) pair() (*rawClient, *rawClient, protocol.Paired) {
	g.t.Helper()
	a := g.dial()
	a.join("p-a", "english")
	require.Eventually(g.t, func() bool { return g.service.GetStats().Waiting == 1 }, waitFor, tick)

	b := g.dial()
	b.join("p-b", "spanish")

	pa := a.expect(protocol.EventTypePaired).(protocol.Paired)
	pb := b.expect(protocol.EventTypePaired).(protocol.Paired)
	require.Equal(g.t, pa, pb)
	return a, b, pa
}

func TestConversationFlow(t *testing.T) {
	g := newGateway(t)
	a, b, paired := g.pair()

	assert.Equal(t, "You are now paired. Start chatting!", paired.Message)
	assert.Equal(t, 0, paired.StarterIndex)
	assert.Equal(t, int64(1), g.service.GetStats().ActiveConversations)

	timer := b.expect(protocol.EventTypeTimer).(protocol.Timer)
	assert.Equal(t, 3, timer.RemainingSeconds)

	a.send(protocol.SendMessage{Text: "hello there"})
	msg := b.expect(protocol.EventTypeMessage).(protocol.PeerMessage)
	assert.Equal(t, "hello there", msg.Text)

	b.send(protocol.StartTyping{})
	assert.True(t, a.expect(protocol.EventTypeTyping).(protocol.Typing).IsTyping())
	b.send(protocol.StopTyping{})
	assert.False(t, a.expect(protocol.EventTypeTyping).(protocol.Typing).IsTyping())

	a.send(protocol.EndChat{})
	for _, c := range []*rawClient{a, b} {
		prompt := c.expect(protocol.EventTypeSurvey).(protocol.SurveyPrompt)
		assert.Equal(t, paired.ConversationID, prompt.ConversationID)
	}

	a.send(protocol.SubmitSurvey{ConversationID: paired.ConversationID, Answers: map[string]string{"partnerType": "ai"}})
	a.expect(protocol.EventTypeSurveyReceived)
	b.send(protocol.SubmitSurvey{ConversationID: paired.ConversationID, Answers: map[string]string{"partnerType": "real"}})
	b.expect(protocol.EventTypeSurveyReceived)

	a.expect(protocol.EventTypeSurveyCompleted)
	b.expect(protocol.EventTypeSurveyCompleted)
	a.expectClosed()
	b.expectClosed()

	conv, err := g.store.GetConversation(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, store.GroupExperiment, conv.Group)
	assert.Equal(t, "passthrough", conv.Model)
	require.Len(t, conv.History, 1)
	assert.Equal(t, "user1", conv.History[0].Sender)
	assert.Equal(t, "hello there", conv.History[0].Text)
	assert.Equal(t, map[string]string{"partnerType": "ai"}, conv.User1PostSurvey)
	assert.Equal(t, map[string]string{"partnerType": "real"}, conv.User2PostSurvey)

	require.Eventually(t, func() bool {
		return g.service.GetStats().ActiveConversations == 0 && g.publisher.has(events.TypeSurveyReceived)
	}, waitFor, tick)
	assert.True(t, g.publisher.has(events.TypeConversationPaired))
	assert.True(t, g.publisher.has(events.TypeConversationEnded))
}

func TestTranslationDoesNotStallTheHub(t *testing.T) {
	tr := gatedTranslator{release: make(chan struct{})}
	g := newGateway(t, withTranslator(tr))
	a, b, _ := g.pair()

	a.send(protocol.SendMessage{Text: "one"})
	a.send(protocol.SendMessage{Text: "two"})

	// both lines are still with the translator; typing is relayed regardless
	b.send(protocol.StartTyping{})
	assert.True(t, a.expect(protocol.EventTypeTyping).(protocol.Typing).IsTyping())
	c := g.dial()
	c.join("p-c", "english")
	require.Eventually(t, func() bool { return g.service.GetStats().Waiting == 1 }, waitFor, tick)
	select {
	case ev := <-b.events:
		require.NotEqual(t, protocol.EventTypeMessage, ev.EventType(), "message relayed before it was translated")
	case <-time.After(50 * time.Millisecond):
	}

	close(tr.release)
	assert.Equal(t, "[english>spanish] one", b.expect(protocol.EventTypeMessage).(protocol.PeerMessage).Text)
	assert.Equal(t, "[english>spanish] two", b.expect(protocol.EventTypeMessage).(protocol.PeerMessage).Text)

	b.send(protocol.SendMessage{Text: "hola"})
	assert.Equal(t, "[spanish>english] hola", a.expect(protocol.EventTypeMessage).(protocol.PeerMessage).Text)

	var conv *store.Conversation
	require.Eventually(t, func() bool {
		var err error
		conv, err = g.store.GetConversation(context.Background(), 1)
		return err == nil && len(conv.History) == 3
	}, waitFor, tick)
	assert.Equal(t, "gated", conv.Model)
	assert.Equal(t, store.HistoryEntry{
		Sender:      "user1",
		Text:        "one",
		Translation: "[english>spanish] one",
		SentAt:      conv.History[0].SentAt,
	}, conv.History[0])
	assert.Equal(t, "user2", conv.History[2].Sender)
	assert.Equal(t, "hola", conv.History[2].Text)
	assert.Equal(t, "[spanish>english] hola", conv.History[2].Translation)
}

func TestTranslationFailureRelaysOriginal(t *testing.T) {
	g := newGateway(t, withTranslator(brokenTranslator{}))
	a, b, _ := g.pair()

	a.send(protocol.SendMessage{Text: "good morning"})
	assert.Equal(t, "good morning", b.expect(protocol.EventTypeMessage).(protocol.PeerMessage).Text)

	conv, err := g.store.GetConversation(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, conv.History, 1)
	assert.Equal(t, "good morning", conv.History[0].Translation)
	assert.Equal(t, "broken", conv.Model)
}

func TestChatTimerExpires(t *testing.T) {
	g := newGateway(t)
	a, b, paired := g.pair()

	var remaining []int
	deadline := time.After(waitFor)
	for {
		var ev protocol.Event
		select {
		case ev = <-a.events:
		case <-time.After(20 * time.Millisecond):
			g.clock.Advance(time.Second)
			continue
		case <-deadline:
			t.Fatal("chat never expired")
		}
		if tm, ok := ev.(protocol.Timer); ok {
			remaining = append(remaining, tm.RemainingSeconds)
			continue
		}
		prompt, ok := ev.(protocol.SurveyPrompt)
		require.True(t, ok, "unexpected %s", ev.EventType())
		assert.True(t, prompt.Expired)
		assert.Equal(t, "Chat timer has expired.", prompt.Message)
		assert.Equal(t, paired.ConversationID, prompt.ConversationID)
		break
	}
	assert.Equal(t, []int{3, 2, 1}, remaining)
	assert.True(t, b.expect(protocol.EventTypeExpired).(protocol.SurveyPrompt).Expired)

	a.send(protocol.SendMessage{Text: "too late"})
	a.send(protocol.SubmitSurvey{Answers: map[string]string{"partnerType": "ai"}})
	a.expect(protocol.EventTypeSurveyReceived)
	select {
	case ev := <-b.events:
		if ev.EventType() == protocol.EventTypeMessage {
			t.Fatal("message relayed after the chat ended")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWaitingRoomTimeout(t *testing.T) {
	g := newGateway(t)
	a := g.dial()
	a.join("p-a", "english")
	require.Eventually(t, func() bool { return g.service.GetStats().Waiting == 1 }, waitFor, tick)

	g.clock.Advance(g.study.WaitingTimeout())
	ev := a.expect(protocol.EventTypeWaitingRoomTimeout).(protocol.WaitingRoomTimeout)
	assert.Equal(t, "Could not find a chat partner. Try again later!", ev.Message)
	a.expectClosed()

	require.Eventually(t, func() bool {
		stats := g.service.GetStats()
		return stats.Waiting == 0 && stats.Connections == 0
	}, waitFor, tick)
	require.Eventually(t, func() bool { return g.publisher.has(events.TypeWaitingTimeout) }, waitFor, tick)
}

func TestReturningParticipantIsRejected(t *testing.T) {
	g := newGateway(t)
	first := g.dial()
	first.join("p-same", "english")
	require.Eventually(t, func() bool { return g.service.GetStats().Waiting == 1 }, waitFor, tick)

	again := g.dial()
	again.join("p-same", "english")
	ev := again.expect(protocol.EventTypeWaitingRoomTimeout).(protocol.WaitingRoomTimeout)
	assert.Contains(t, ev.Message, "already taken part")
	again.expectClosed()

	assert.Equal(t, int64(1), g.service.GetStats().Waiting)
}

func TestAnonymousParticipantsPair(t *testing.T) {
	g := newGateway(t)
	a := g.dial()
	a.join("", "english")
	b := g.dial()
	b.join("", "english")

	a.expect(protocol.EventTypePaired)
	b.expect(protocol.EventTypePaired)

	conv, err := g.store.GetConversation(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, store.GroupControl, conv.Group)
}

func TestPartnerDisconnectEndsChat(t *testing.T) {
	g := newGateway(t)
	a, b, _ := g.pair()

	a.conn.Close()
	info := b.expect(protocol.EventTypeInfo).(protocol.Info)
	assert.Equal(t, "Your partner has disconnected.", info.Message)
	b.expect(protocol.EventTypeSurvey)

	b.send(protocol.SubmitSurvey{Answers: map[string]string{"partnerType": "ai"}})
	b.expect(protocol.EventTypeSurveyReceived)
	require.Eventually(t, func() bool { return g.publisher.has(events.TypeParticipantDisconnected) }, waitFor, tick)
}

func TestDuplicateSurveyStillAcknowledged(t *testing.T) {
	g := newGateway(t)
	a, b, _ := g.pair()
	a.send(protocol.EndChat{})
	a.expect(protocol.EventTypeSurvey)
	b.expect(protocol.EventTypeSurvey)

	a.send(protocol.SubmitSurvey{Answers: map[string]string{"partnerType": "ai"}})
	a.expect(protocol.EventTypeSurveyReceived)
	a.send(protocol.SubmitSurvey{Answers: map[string]string{"partnerType": "real"}})
	a.expect(protocol.EventTypeSurveyReceived)

	conv, err := g.store.GetConversation(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "ai", conv.User1PostSurvey["partnerType"])
}

func TestSurveyBeforeChatEndsIsIgnored(t *testing.T) {
	g := newGateway(t)
	a, b, _ := g.pair()

	a.send(protocol.SubmitSurvey{Answers: map[string]string{"partnerType": "ai"}})
	a.send(protocol.SendMessage{Text: "still chatting"})
	b.expect(protocol.EventTypeMessage)

	conv, err := g.store.GetConversation(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, conv.User1PostSurvey)
}

func TestPairingFailureReleasesParticipants(t *testing.T) {
	g := newGateway(t, withStore(failingStore{store.NewMemoryStore()}))
	a := g.dial()
	a.join("p-a", "english")
	b := g.dial()
	b.join("p-b", "english")

	for _, c := range []*rawClient{a, b} {
		ev := c.expect(protocol.EventTypeWaitingRoomTimeout).(protocol.WaitingRoomTimeout)
		assert.Equal(t, "Could not start the conversation. Try again later!", ev.Message)
		c.expectClosed()
	}
}

func TestSurveySaveFailureIsNotAcknowledged(t *testing.T) {
	g := newGateway(t, withStore(surveyFailingStore{store.NewMemoryStore()}))
	a, b, _ := g.pair()
	a.send(protocol.EndChat{})
	a.expect(protocol.EventTypeSurvey)
	b.expect(protocol.EventTypeSurvey)

	a.send(protocol.SubmitSurvey{Answers: map[string]string{"partnerType": "ai"}})
	info := a.expect(protocol.EventTypeInfo).(protocol.Info)
	assert.Equal(t, "Your survey could not be saved. Please contact the study team.", info.Message)
	assert.NotContains(t, info.Message, "submit it again")

	select {
	case ev := <-a.events:
		t.Fatalf("unexpected %s after a failed save", ev.EventType())
	case <-a.closed:
		t.Fatal("connection closed after a failed save")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int64(1), g.service.GetStats().ActiveConversations)
	assert.False(t, g.publisher.has(events.TypeSurveyReceived))
}

func TestMalformedFramesAreDropped(t *testing.T) {
	g := newGateway(t)
	a := g.dial()
	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	a.join("p-a", "english")

	require.Eventually(t, func() bool { return g.service.GetStats().Waiting == 1 }, waitFor, tick)
}

func TestStatsAndHealthEndpoints(t *testing.T) {
	g := newGateway(t)
	a := g.dial()
	a.join("p-a", "english")
	require.Eventually(t, func() bool { return g.service.GetStats().Waiting == 1 }, waitFor, tick)

	resp, err := http.Get(g.server.URL + "/ws/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, int64(1), stats.Connections)
	assert.Equal(t, int64(1), stats.Waiting)

	health, err := http.Get(g.server.URL + "/health")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestCheckOrigin(t *testing.T) {
	cfg := DefaultConnectionConfig()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "http://evil.example")
	assert.True(t, cfg.checkOrigin(req), "no list allows everything")

	cfg.AllowedOrigins = []string{"http://localhost:5173"}
	assert.False(t, cfg.checkOrigin(req))

	req.Header.Set("Origin", "http://localhost:5173")
	assert.True(t, cfg.checkOrigin(req))
}
