package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/turingchat/go/internal/config"
	"github.com/mcdev12/turingchat/go/internal/pairing"
	"github.com/mcdev12/turingchat/go/internal/pairing/events"
	"github.com/mcdev12/turingchat/go/internal/pairing/registry"
	"github.com/mcdev12/turingchat/go/internal/pairing/store"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}
	config.SetupLogging()

	cfg, err := config.LoadGatewayConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid gateway configuration")
	}
	study, err := config.LoadStudy(cfg.StudyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load study")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conversations, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open conversation store")
	}
	defer conversations.Close()

	attempts, err := openRegistry(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open participant registry")
	}
	defer attempts.Close()

	publisher, err := openPublisher(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect event publisher")
	}
	defer publisher.Close()

	translator := openTranslator(ctx, cfg.Translator)

	serviceConfig := pairing.DefaultConfig()
	serviceConfig.Connection.AllowedOrigins = cfg.AllowedOrigins
	serviceConfig.Connection.PingInterval = cfg.PingInterval

	service, err := pairing.NewService(serviceConfig, pairing.HubDeps{
		Study:            study,
		Store:            conversations,
		Registry:         attempts,
		Translator:       translator,
		TranslateTimeout: cfg.Translator.Timeout,
		Clock:            clockwork.NewRealClock(),
	}, publisher)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create pairing service")
	}

	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     service.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if err := service.Start(ctx); err != nil {
			log.Error().Err(err).Msg("pairing service failed")
		}
	}()

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Str("study_id", study.ID).
			Bool("database", cfg.UseDatabase).
			Bool("redis", cfg.RedisAddr != "").
			Bool("nats", cfg.NATSURL != "").
			Str("translator", translator.Model()).
			Msg("pairing gateway starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Hijacked WebSocket connections are not closed by Shutdown; stopping
	// the hub closes them.
	cancel()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		log.Warn().Msg("pairing service did not stop in time")
	}

	log.Info().Msg("pairing gateway shutdown complete")
}

func openStore(ctx context.Context, cfg config.GatewayConfig) (store.Store, error) {
	if !cfg.UseDatabase {
		log.Warn().Msg("GATEWAY_USE_DATABASE not set, conversations are kept in memory")
		return store.NewMemoryStore(), nil
	}

	pg, err := store.OpenPostgres(ctx, cfg.Database.DSN())
	if err != nil {
		return nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	log.Info().Str("database", cfg.Database.Database).Msg("connected to database")
	return pg, nil
}

func openRegistry(cfg config.GatewayConfig) (registry.Registry, error) {
	if cfg.RedisAddr == "" {
		return registry.NewMemoryRegistry(clockwork.NewRealClock(), cfg.AttemptTTL), nil
	}
	return registry.NewRedisRegistry(cfg.RedisAddr, cfg.RedisDB, cfg.AttemptTTL)
}

func openPublisher(ctx context.Context, cfg config.GatewayConfig) (events.Publisher, error) {
	if cfg.NATSURL == "" {
		return events.NoopPublisher{}, nil
	}
	return events.NewJetStreamPublisher(ctx, events.DefaultJetStreamConfig(cfg.NATSURL))
}

// openTranslator falls back to relaying text untranslated when no model is
// configured or the model client cannot be created
func openTranslator(ctx context.Context, cfg config.TranslatorConfig) pairing.Translator {
	if !cfg.Enabled() {
		log.Warn().Msg("TRANSLATOR_MODEL or Ark credentials not set, messages are relayed untranslated")
		return pairing.PassThrough{}
	}

	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to create translation model, messages are relayed untranslated")
		return pairing.PassThrough{}
	}
	translator, err := pairing.NewLLMTranslator(ctx, chatModel, cfg.Model)
	if err != nil {
		log.Error().Err(err).Msg("failed to build translator, messages are relayed untranslated")
		return pairing.PassThrough{}
	}
	log.Info().Str("model", cfg.Model).Msg("translator initialized")
	return translator
}
