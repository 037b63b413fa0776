package pairing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/turingchat/go/internal/config"
	"github.com/mcdev12/turingchat/go/internal/pairing/events"
	"github.com/mcdev12/turingchat/go/internal/pairing/registry"
	"github.com/mcdev12/turingchat/go/internal/pairing/store"
	"github.com/mcdev12/turingchat/go/internal/protocol"
)

const (
	storeTimeout            = 5 * time.Second
	defaultTranslateTimeout = 15 * time.Second
)

// Messages sent to participants
const (
	msgPaired          = "You are now paired. Start chatting!"
	msgNoPartner       = "Could not find a chat partner. Try again later!"
	msgAlreadyTaken    = "You have already taken part in this study."
	msgPairingFailed   = "Could not start the conversation. Try again later!"
	msgExpired         = "Chat timer has expired."
	msgSurveyReceived  = "Survey received."
	msgSurveyCompleted = "Both surveys received."
	msgSurveyFailed    = "Your survey could not be saved. Please contact the study team."
	msgPartnerLeft     = "Your partner has disconnected."
)

// EventSink receives study lifecycle events. Implementations must not block.
type EventSink interface {
	Emit(event events.Event) bool
}

type discardSink struct{}

func (discardSink) Emit(events.Event) bool { return true }

type stage int

const (
	stageConnected stage = iota
	stageWaiting
	stagePaired
)

type phase int

const (
	phaseChat phase = iota
	phaseSurvey
	phaseDone
)

func (p phase) String() string {
	switch p {
	case phaseChat:
		return "chat"
	case phaseSurvey:
		return "survey"
	default:
		return "done"
	}
}

type participant struct {
	client    *Client
	id        string
	sessionID string
	studyID   string
	lang      string
	preSurvey map[string]string
	stage     stage
	conv      *conversation
	slot      store.Slot
}

type conversation struct {
	id        int64
	members   [2]*participant
	phase     phase
	timer     *ChatTimer
	relay     *MessageRelay
	submitted [2]bool
}

func (c *conversation) wireID() protocol.ConversationID {
	return protocol.FormatConversationID(c.id)
}

func (c *conversation) peer(p *participant) *participant {
	return c.members[2-int(p.slot)]
}

func (c *conversation) empty() bool {
	return c.members[0] == nil && c.members[1] == nil
}

type inboundFrame struct {
	client *Client
	data   []byte
}

// Stats are read from any goroutine
type Stats struct {
	Connections          int64 `json:"total_connections"`
	Waiting              int64 `json:"waiting"`
	ActiveConversations  int64 `json:"active_conversations"`
	ConversationsStarted int64 `json:"conversations_started"`
}

type hubStats struct {
	connections          atomic.Int64
	waiting              atomic.Int64
	activeConversations  atomic.Int64
	conversationsStarted atomic.Int64
}

// HubDeps are the collaborators of a Hub. Only Study, Store and Registry are required.
type HubDeps struct {
	Study            *config.Study
	Store            store.Store
	Registry         registry.Registry
	Translator       Translator
	TranslateTimeout time.Duration
	Events           EventSink
	Clock            clockwork.Clock
	Rand             *rand.Rand
}

// Hub pairs participants and relays their conversations. All participant and
// conversation state is owned by the goroutine running Run.
type Hub struct {
	study      *config.Study
	store      store.Store
	registry   registry.Registry
	translator Translator
	relayDeps  relayDeps
	events     EventSink
	clock      clockwork.Clock
	rng        *rand.Rand

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundFrame
	timeouts   chan *Client
	ticks      chan timerTick
	relayed    chan relayResult
	done       chan struct{}

	participants  map[*Client]*participant
	room          *WaitingRoom
	conversations map[int64]*conversation
	stats         hubStats
}

func NewHub(deps HubDeps) (*Hub, error) {
	if deps.Study == nil || deps.Store == nil || deps.Registry == nil {
		return nil, errors.New("study, store and registry are required")
	}
	if deps.Translator == nil {
		deps.Translator = PassThrough{}
	}
	if deps.TranslateTimeout <= 0 {
		deps.TranslateTimeout = defaultTranslateTimeout
	}
	if deps.Events == nil {
		deps.Events = discardSink{}
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	h := &Hub{
		study:         deps.Study,
		store:         deps.Store,
		registry:      deps.Registry,
		translator:    deps.Translator,
		events:        deps.Events,
		clock:         deps.Clock,
		rng:           deps.Rand,
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		inbound:       make(chan inboundFrame),
		timeouts:      make(chan *Client, 16),
		ticks:         make(chan timerTick, 64),
		relayed:       make(chan relayResult, 64),
		done:          make(chan struct{}),
		participants:  make(map[*Client]*participant),
		conversations: make(map[int64]*conversation),
	}
	h.room = NewWaitingRoom(h.clock, h.study.WaitingTimeout(), h.timeouts, h.done)
	h.relayDeps = relayDeps{
		translator: deps.Translator,
		store:      deps.Store,
		timeout:    deps.TranslateTimeout,
	}
	return h, nil
}

// Run processes connections, frames and timers until ctx is done
func (h *Hub) Run(ctx context.Context) {
	log.Info().Msg("pairing hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			log.Info().Msg("pairing hub shutting down")
			return
		case c := <-h.register:
			h.participants[c] = &participant{client: c}
			h.stats.connections.Add(1)
			log.Debug().Str("client_id", c.ID).Msg("client registered")
		case c := <-h.unregister:
			h.drop(c, "disconnected")
		case f := <-h.inbound:
			h.handleFrame(ctx, f.client, f.data)
		case c := <-h.timeouts:
			h.handleWaitingTimeout(c)
		case t := <-h.ticks:
			h.handleTick(t)
		case r := <-h.relayed:
			h.handleRelayed(r)
		}
	}
}

// Stats returns a point-in-time view of the hub
func (h *Hub) Stats() Stats {
	return Stats{
		Connections:          h.stats.connections.Load(),
		Waiting:              h.stats.waiting.Load(),
		ActiveConversations:  h.stats.activeConversations.Load(),
		ConversationsStarted: h.stats.conversationsStarted.Load(),
	}
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) receive(c *Client, data []byte) bool {
	select {
	case h.inbound <- inboundFrame{client: c, data: data}:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) handleFrame(ctx context.Context, c *Client, data []byte) {
	p, ok := h.participants[c]
	if !ok {
		return
	}

	intent, err := protocol.DecodeIntent(data)
	if err != nil {
		log.Warn().Err(err).Str("client_id", c.ID).Msg("dropping undecodable frame")
		return
	}

	switch in := intent.(type) {
	case protocol.Language:
		h.handleLanguage(ctx, p, in)
	case protocol.SendMessage:
		h.handleMessage(ctx, p, in)
	case protocol.StartTyping:
		h.relayTyping(p, protocol.TypingStatusTyping)
	case protocol.StopTyping:
		h.relayTyping(p, protocol.TypingStatusStopped)
	case protocol.EndChat:
		if p.conv != nil && p.conv.phase == phaseChat {
			h.endChat(p.conv, "ended_by_participant")
		}
	case protocol.SubmitSurvey:
		h.handleSurvey(ctx, p, in)
	}
}

func (h *Hub) handleLanguage(ctx context.Context, p *participant, in protocol.Language) {
	if p.stage != stageConnected {
		log.Warn().Str("client_id", p.client.ID).Msg("ignoring repeated language intent")
		return
	}

	lang := config.NormalizeLanguage(in.Language)
	if lang == "" {
		lang = config.NormalizeLanguage(in.DisplayLanguage)
	}
	if lang == "" {
		lang = "english"
	}
	p.id = in.ParticipantID
	p.sessionID = in.SessionID
	p.studyID = in.StudyID
	p.lang = lang
	p.preSurvey = in.PreSurvey

	claimCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	err := h.registry.Claim(claimCtx, p.id)
	cancel()
	if errors.Is(err, registry.ErrAlreadyParticipated) {
		log.Info().Str("participant_id", p.id).Msg("rejecting returning participant")
		h.deliver(p.client, protocol.WaitingRoomTimeout{Message: msgAlreadyTaken})
		h.drop(p.client, "already_participated")
		return
	}
	if err != nil {
		// A registry outage must not turn participants away.
		log.Error().Err(err).Str("participant_id", p.id).Msg("failed to claim pairing attempt")
	}

	p.stage = stageWaiting
	h.room.Add(p.client)
	h.stats.waiting.Store(int64(h.room.Len()))
	h.events.Emit(events.New(events.TypeParticipantQueued, "", p.id, map[string]string{"language": lang}))

	log.Info().
		Str("participant_id", p.id).
		Str("session_id", p.sessionID).
		Str("language", lang).
		Int("waiting", h.room.Len()).
		Msg("participant queued")

	h.pairWaiting(ctx)
}

func (h *Hub) pairWaiting(ctx context.Context) {
	for {
		c1, c2, ok := h.room.PopPair()
		if !ok {
			break
		}
		h.startConversation(ctx, h.participants[c1], h.participants[c2])
	}
	h.stats.waiting.Store(int64(h.room.Len()))
}

func (h *Hub) startConversation(ctx context.Context, p1, p2 *participant) {
	starter := h.rng.Intn(len(h.study.Starters))

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	id, err := h.store.CreateConversation(storeCtx, store.NewConversation{
		StudyID:        firstNonEmpty(p1.studyID, p2.studyID, h.study.ID),
		User1ID:        p1.id,
		User2ID:        p2.id,
		User1Lang:      p1.lang,
		User2Lang:      p2.lang,
		Model:          h.translator.Model(),
		StarterIndex:   starter,
		User1PreSurvey: p1.preSurvey,
		User2PreSurvey: p2.preSurvey,
	})
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("failed to create conversation")
		for _, p := range []*participant{p1, p2} {
			h.deliver(p.client, protocol.WaitingRoomTimeout{Message: msgPairingFailed})
			h.drop(p.client, "pairing_failed")
		}
		return
	}

	conv := &conversation{id: id, members: [2]*participant{p1, p2}}
	p1.stage, p1.conv, p1.slot = stagePaired, conv, store.Slot1
	p2.stage, p2.conv, p2.slot = stagePaired, conv, store.Slot2
	h.conversations[id] = conv
	h.stats.activeConversations.Add(1)
	h.stats.conversationsStarted.Add(1)

	paired := protocol.Paired{ConversationID: conv.wireID(), StarterIndex: starter, Message: msgPaired}
	h.deliver(p1.client, paired)
	h.deliver(p2.client, paired)

	conv.timer = startChatTimer(h.clock, id, h.study.ChatDurationSec, h.ticks, h.done)
	conv.relay = startMessageRelay(ctx, id, h.relayDeps, h.relayed)

	h.events.Emit(events.New(events.TypeConversationPaired, conv.wireID().String(), "", map[string]string{
		"user1_id": p1.id,
		"user2_id": p2.id,
		"group":    string(store.GroupFor(p1.lang, p2.lang)),
		"starter":  strconv.Itoa(starter),
	}))
	log.Info().
		Int64("conversation_id", id).
		Str("user1_lang", p1.lang).
		Str("user2_lang", p2.lang).
		Msg("participants paired")
}

func (h *Hub) handleWaitingTimeout(c *Client) {
	p, ok := h.participants[c]
	if !ok || p.stage != stageWaiting {
		return
	}

	log.Info().
		Str("participant_id", p.id).
		Dur("waited", h.room.Waited(c)).
		Msg("no partner found")
	h.events.Emit(events.New(events.TypeWaitingTimeout, "", p.id, nil))
	h.deliver(c, protocol.WaitingRoomTimeout{Message: msgNoPartner})
	h.drop(c, "waiting_timeout")
}

func (h *Hub) handleTick(t timerTick) {
	conv, ok := h.conversations[t.conversationID]
	if !ok || conv.phase != phaseChat {
		return
	}

	if t.remaining > 0 {
		h.broadcast(conv, protocol.Timer{RemainingSeconds: t.remaining})
		return
	}
	h.endChat(conv, "expired")
}

// handleMessage hands a chat line to the conversation's relay. The peer gets
// it once it is translated, see handleRelayed.
func (h *Hub) handleMessage(ctx context.Context, p *participant, in protocol.SendMessage) {
	conv := p.conv
	if conv == nil || conv.phase != phaseChat {
		log.Debug().Str("client_id", p.client.ID).Msg("ignoring message outside chat")
		return
	}

	to := p.lang
	if peer := conv.peer(p); peer != nil {
		to = peer.lang
	}
	job := relayJob{
		sender: p.slot,
		from:   p.lang,
		to:     to,
		entry: store.HistoryEntry{
			Sender: fmt.Sprintf("user%d", p.slot),
			Text:   in.Text,
			SentAt: h.clock.Now().UTC(),
		},
	}
	if conv.relay.Submit(job) {
		return
	}

	log.Warn().Int64("conversation_id", conv.id).Msg("relay queue full, relaying original text")
	h.relayDeps.record(ctx, conv.id, job.entry, in.Text)
	h.handleRelayed(relayResult{conversationID: conv.id, sender: p.slot, text: in.Text})
}

// handleRelayed delivers a translated line. Lines that finish after the chat
// ended are recorded but not delivered.
func (h *Hub) handleRelayed(r relayResult) {
	conv, ok := h.conversations[r.conversationID]
	if !ok || conv.phase != phaseChat {
		log.Debug().Int64("conversation_id", r.conversationID).Msg("dropping translation for a finished chat")
		return
	}
	if peer := conv.members[2-int(r.sender)]; peer != nil {
		h.deliver(peer.client, protocol.PeerMessage{Text: r.text})
	}
}

func (h *Hub) relayTyping(p *participant, status string) {
	conv := p.conv
	if conv == nil || conv.phase != phaseChat {
		return
	}
	if peer := conv.peer(p); peer != nil {
		h.deliver(peer.client, protocol.Typing{Status: status})
	}
}

// endChat stops the countdown and prompts both sides for the post-survey
func (h *Hub) endChat(conv *conversation, reason string) {
	if conv.phase != phaseChat {
		return
	}
	conv.phase = phaseSurvey
	conv.timer.Stop()

	prompt := protocol.SurveyPrompt{
		ConversationID: conv.wireID(),
		Message:        fmt.Sprintf("Conversation %d has ended.", conv.id),
	}
	if reason == "expired" {
		prompt.Message = msgExpired
		prompt.Expired = true
	}
	h.broadcast(conv, prompt)

	h.events.Emit(events.New(events.TypeConversationEnded, conv.wireID().String(), "", map[string]string{"reason": reason}))
	log.Info().Int64("conversation_id", conv.id).Str("reason", reason).Msg("chat ended")
}

func (h *Hub) handleSurvey(ctx context.Context, p *participant, in protocol.SubmitSurvey) {
	conv := p.conv
	if conv == nil || conv.phase != phaseSurvey {
		log.Warn().Str("client_id", p.client.ID).Msg("ignoring survey outside survey phase")
		return
	}
	if in.ConversationID != "" && in.ConversationID != conv.wireID() {
		log.Warn().
			Str("client_id", p.client.ID).
			Str("conversation_id", in.ConversationID.String()).
			Msg("ignoring survey for another conversation")
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	err := h.store.SavePostSurvey(storeCtx, conv.id, p.slot, in.Answers)
	cancel()
	if err != nil && !errors.Is(err, store.ErrSurveyExists) {
		log.Error().Err(err).Int64("conversation_id", conv.id).Msg("failed to save post-survey")
		h.deliver(p.client, protocol.Info{Message: msgSurveyFailed})
		return
	}

	conv.submitted[p.slot-1] = true
	h.deliver(p.client, protocol.SurveyAck{ConversationID: conv.wireID(), Message: msgSurveyReceived})
	h.events.Emit(events.New(events.TypeSurveyReceived, conv.wireID().String(), p.id, map[string]string{
		"slot": strconv.Itoa(int(p.slot)),
	}))

	if conv.submitted[0] && conv.submitted[1] {
		h.completeConversation(conv)
	}
}

func (h *Hub) completeConversation(conv *conversation) {
	conv.phase = phaseDone
	members := conv.members
	for _, m := range members {
		if m == nil {
			continue
		}
		h.deliver(m.client, protocol.SurveyAck{ConversationID: conv.wireID(), Message: msgSurveyCompleted, Completed: true})
		h.drop(m.client, "completed")
	}
	h.forget(conv)
	log.Info().Int64("conversation_id", conv.id).Msg("conversation completed")
}

// drop removes a client and closes its send channel. Frames already queued
// are still written before the close frame.
func (h *Hub) drop(c *Client, reason string) {
	p, ok := h.participants[c]
	if !ok {
		return
	}
	delete(h.participants, c)
	close(c.send)
	h.stats.connections.Add(-1)

	switch p.stage {
	case stageWaiting:
		h.room.Remove(c)
		h.stats.waiting.Store(int64(h.room.Len()))
	case stagePaired:
		h.leaveConversation(p, reason)
	}

	if reason == "disconnected" {
		h.events.Emit(events.New(events.TypeParticipantDisconnected, "", p.id, nil))
	}
	log.Debug().Str("client_id", c.ID).Str("reason", reason).Msg("client dropped")
}

func (h *Hub) leaveConversation(p *participant, reason string) {
	conv := p.conv
	conv.members[p.slot-1] = nil
	peer := conv.peer(p)

	if peer != nil && reason != "completed" {
		switch conv.phase {
		case phaseChat:
			h.deliver(peer.client, protocol.Info{Message: msgPartnerLeft})
			h.endChat(conv, "partner_left")
		case phaseSurvey:
			if !conv.submitted[p.slot-1] {
				h.deliver(peer.client, protocol.Info{Message: msgPartnerLeft})
			}
		}
	}

	if conv.empty() {
		h.forget(conv)
	}
}

func (h *Hub) forget(conv *conversation) {
	if _, ok := h.conversations[conv.id]; !ok {
		return
	}
	if conv.timer != nil {
		conv.timer.Stop()
	}
	if conv.relay != nil {
		conv.relay.Stop()
	}
	delete(h.conversations, conv.id)
	h.stats.activeConversations.Add(-1)
}

// deliver queues an event for a client. A client whose buffer is full is
// too slow to keep and gets disconnected.
func (h *Hub) deliver(c *Client, event protocol.Event) {
	if _, ok := h.participants[c]; !ok {
		return
	}
	frame, err := protocol.EncodeEvent(event)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(event.EventType())).Msg("failed to encode event")
		return
	}

	select {
	case c.send <- frame:
	default:
		log.Warn().Str("client_id", c.ID).Msg("client send buffer full, closing connection")
		h.drop(c, "slow_client")
		c.conn.Close()
	}
}

func (h *Hub) broadcast(conv *conversation, event protocol.Event) {
	for _, m := range conv.members {
		if m != nil {
			h.deliver(m.client, event)
		}
	}
}

func (h *Hub) shutdown() {
	for _, conv := range h.conversations {
		if conv.timer != nil {
			conv.timer.Stop()
		}
		if conv.relay != nil {
			conv.relay.Stop()
		}
	}
	for c := range h.participants {
		delete(h.participants, c)
		close(c.send)
	}
	h.stats.connections.Store(0)
	h.stats.waiting.Store(0)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
