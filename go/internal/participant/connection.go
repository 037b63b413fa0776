package participant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	// ErrAlreadyOpen is returned by Open while a connection is connecting or open
	ErrAlreadyOpen = errors.New("connection already open")
	// ErrNotOpen is returned by Send when there is no open connection
	ErrNotOpen = errors.New("connection not open")
)

// ConnState is the lifecycle of the single participant connection
type ConnState int

const (
	ConnAbsent ConnState = iota
	ConnConnecting
	ConnOpen
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnAbsent:
		return "absent"
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnEventKind identifies what happened on the connection
type ConnEventKind int

const (
	ConnEventOpened ConnEventKind = iota
	ConnEventFrame
	ConnEventError
	ConnEventClosed
)

// ConnEvent is delivered to the session loop for every connection callback.
// Gen identifies the Open call the event belongs to.
type ConnEvent struct {
	Gen    int
	Kind   ConnEventKind
	Frame  []byte
	Err    error
	Reason string
}

// FrameConn is the part of *websocket.Conn the manager relies on
type FrameConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a FrameConn to the chat server
type Dialer interface {
	Dial(ctx context.Context, url string) (FrameConn, error)
}

// WebsocketDialer dials with gorilla/websocket
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

// NewWebsocketDialer returns a dialer with a bounded handshake
func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (FrameConn, error) {
	conn, resp, err := d.Dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// ConnectionManager owns the one live connection of a session. It never
// reconnects: once closed, a connection stays closed until Open is called again
// by a fresh session.
type ConnectionManager struct {
	url    string
	dialer Dialer

	mu    sync.Mutex
	state ConnState
	conn  FrameConn
	gen   int

	events chan ConnEvent
}

// NewConnectionManager creates a manager for the given server URL
func NewConnectionManager(url string, dialer Dialer) *ConnectionManager {
	return &ConnectionManager{
		url:    url,
		dialer: dialer,
		events: make(chan ConnEvent, 256),
	}
}

// Events delivers open, frame, error and close notifications in order
func (m *ConnectionManager) Events() <-chan ConnEvent {
	return m.events
}

// State returns the current connection state
func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Gen returns the generation of the most recent Open. Events with an older
// generation belong to a connection that has since been replaced.
func (m *ConnectionManager) Gen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// Open starts connecting. While a connection is connecting or open it logs a
// warning and returns ErrAlreadyOpen without touching the existing connection.
func (m *ConnectionManager) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.state == ConnConnecting || m.state == ConnOpen {
		state := m.state
		m.mu.Unlock()
		log.Warn().
			Str("state", state.String()).
			Msg("connection already exists, not opening another")
		return ErrAlreadyOpen
	}
	m.state = ConnConnecting
	m.conn = nil
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	log.Info().Str("url", m.url).Msg("opening connection")
	go m.dial(ctx, gen)
	return nil
}

func (m *ConnectionManager) dial(ctx context.Context, gen int) {
	conn, err := m.dialer.Dial(ctx, m.url)

	m.mu.Lock()
	if m.gen != gen || m.state != ConnConnecting {
		// closed while dialing; the close event was already emitted
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.state = ConnClosed
		m.mu.Unlock()
		log.Error().Err(err).Msg("failed to open connection")
		m.emit(ConnEvent{Gen: gen, Kind: ConnEventError, Err: err})
		m.emit(ConnEvent{Gen: gen, Kind: ConnEventClosed, Err: err, Reason: "dial failed"})
		return
	}
	m.conn = conn
	m.state = ConnOpen
	m.mu.Unlock()

	log.Info().Str("url", m.url).Msg("connection opened")
	m.emit(ConnEvent{Gen: gen, Kind: ConnEventOpened})
	m.readPump(conn, gen)
}

// readPump forwards frames until the connection fails or is closed locally
func (m *ConnectionManager) readPump(conn FrameConn, gen int) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			m.handleReadError(conn, gen, err)
			return
		}
		m.emit(ConnEvent{Gen: gen, Kind: ConnEventFrame, Frame: frame})
	}
}

func (m *ConnectionManager) handleReadError(conn FrameConn, gen int, err error) {
	m.mu.Lock()
	if m.conn != conn || m.state != ConnOpen {
		// closed locally; Close already emitted the close event
		m.mu.Unlock()
		return
	}
	m.state = ConnClosed
	m.conn = nil
	m.mu.Unlock()

	conn.Close()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Info().Err(err).Msg("connection closed by server")
		m.emit(ConnEvent{Gen: gen, Kind: ConnEventClosed, Reason: "closed by server"})
		return
	}

	log.Error().Err(err).Msg("connection lost")
	m.emit(ConnEvent{Gen: gen, Kind: ConnEventError, Err: err})
	m.emit(ConnEvent{Gen: gen, Kind: ConnEventClosed, Err: err, Reason: "connection lost"})
}

// Send writes one text frame. There is no outbound queue: when the connection
// is not open the frame is dropped and ErrNotOpen is returned.
func (m *ConnectionManager) Send(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != ConnOpen || m.conn == nil {
		return ErrNotOpen
	}
	if err := m.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close closes the connection. It always succeeds and is idempotent.
func (m *ConnectionManager) Close(reason string) {
	m.mu.Lock()
	if m.state == ConnAbsent || m.state == ConnClosed {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	gen := m.gen
	m.state = ConnClosed
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		if err := conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
			log.Debug().Err(err).Msg("failed to send close message")
		}
		conn.Close()
	}

	log.Info().Str("reason", reason).Msg("connection closed")
	m.emit(ConnEvent{Gen: gen, Kind: ConnEventClosed, Reason: reason})
}

// emit never blocks: Close is called from the goroutine that drains events
func (m *ConnectionManager) emit(ev ConnEvent) {
	select {
	case m.events <- ev:
	default:
		log.Error().Int("kind", int(ev.Kind)).Msg("connection event buffer full, dropping event")
	}
}
