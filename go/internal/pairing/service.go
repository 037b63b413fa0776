package pairing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/turingchat/go/internal/pairing/events"
)

// Config holds configuration for the pairing service
type Config struct {
	Connection  ConnectionConfig
	EventBuffer int
}

func DefaultConfig() Config {
	return Config{
		Connection:  DefaultConnectionConfig(),
		EventBuffer: 1024,
	}
}

// Service serves the participant WebSocket endpoint and runs the pairing hub
type Service struct {
	config   Config
	hub      *Hub
	emitter  *events.Emitter
	upgrader websocket.Upgrader
}

// NewService creates the pairing service. Lifecycle events go to publisher;
// deps.Events is replaced by the service's own emitter.
func NewService(cfg Config, deps HubDeps, publisher events.Publisher) (*Service, error) {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	emitter := events.NewEmitter(publisher, cfg.EventBuffer)
	deps.Events = emitter

	hub, err := NewHub(deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create hub: %w", err)
	}

	return &Service{
		config:  cfg,
		hub:     hub,
		emitter: emitter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Connection.ReadBufferSize,
			WriteBufferSize: cfg.Connection.WriteBufferSize,
			CheckOrigin:     cfg.Connection.checkOrigin,
		},
	}, nil
}

// Start runs the hub and the event emitter until ctx is done
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting pairing service")

	go s.emitter.Run(ctx)
	s.hub.Run(ctx)
	<-s.emitter.Done()

	log.Info().Msg("pairing service stopped")
	return nil
}

// HandleConnection upgrades a participant connection
func (s *Service) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		log.Warn().Err(err).Msg("failed to upgrade WebSocket connection")
		return
	}

	client := newClient(s.hub, conn, s.config.Connection)
	if !s.hub.join(client) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()

	log.Info().
		Str("client_id", client.ID).
		Str("remote_addr", r.RemoteAddr).
		Msg("WebSocket connection established")
}

// HandleStats returns connection and waiting-room counts
func (s *Service) HandleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.GetStats()); err != nil {
		log.Error().Err(err).Msg("failed to write stats")
	}
}

// RegisterRoutes registers the WebSocket and health routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.HandleConnection)
	mux.HandleFunc("/ws/stats", s.HandleStats)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

// Handler returns the routes wrapped with CORS, served over HTTP/1.1 and h2c
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	origins := s.config.Connection.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedMethods:   []string{http.MethodHead, http.MethodGet},
		AllowedOrigins:   origins,
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}

func (s *Service) GetStats() Stats {
	return s.hub.Stats()
}
