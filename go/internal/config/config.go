package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDatabaseConfigFromEnv reads DB_* environment variables (with defaults)
func NewDatabaseConfigFromEnv() DatabaseConfig {
	return DatabaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvAsInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "postgres"),
		Password: getEnv("DB_PASSWORD", "postgres"),
		Database: getEnv("DB_NAME", "turingchat"),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
	}
}

// DSN returns the Postgres connection URL
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// GatewayConfig configures the pairing server
type GatewayConfig struct {
	Port           string
	AllowedOrigins []string
	StudyFile      string
	// Empty URLs disable the matching adapter and fall back to in-memory ones.
	NATSURL      string
	RedisAddr    string
	RedisDB      int
	AttemptTTL   time.Duration
	UseDatabase  bool
	Database     DatabaseConfig
	PingInterval time.Duration
	Translator   TranslatorConfig
}

// LoadGatewayConfig reads the pairing server configuration from the environment
func LoadGatewayConfig() (GatewayConfig, error) {
	useDB, err := parseBoolEnv("GATEWAY_USE_DATABASE", false)
	if err != nil {
		return GatewayConfig{}, err
	}

	attemptTTL, err := getEnvAsDuration("ATTEMPT_TTL", 24*time.Hour)
	if err != nil {
		return GatewayConfig{}, err
	}

	pingInterval, err := getEnvAsDuration("GATEWAY_PING_INTERVAL", 30*time.Second)
	if err != nil {
		return GatewayConfig{}, err
	}

	translator, err := loadTranslatorConfig()
	if err != nil {
		return GatewayConfig{}, err
	}

	return GatewayConfig{
		Port:           getEnv("GATEWAY_PORT", "8000"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:5173")),
		StudyFile:      os.Getenv("STUDY_FILE"),
		NATSURL:        os.Getenv("NATS_URL"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisDB:        getEnvAsInt("REDIS_DB", 0),
		AttemptTTL:     attemptTTL,
		UseDatabase:    useDB,
		Database:       NewDatabaseConfigFromEnv(),
		PingInterval:   pingInterval,
		Translator:     translator,
	}, nil
}

// TranslatorConfig describes the Ark model that translates relayed messages
type TranslatorConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	MaxTokens   *int
	Timeout     time.Duration
}

// Enabled reports whether a model and credentials were provided. Without them
// messages are relayed untranslated.
func (c TranslatorConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel creates the model client described by the config
func (c TranslatorConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("translator needs TRANSLATOR_MODEL and ARK_API_KEY or an ARK_ACCESS_KEY/ARK_SECRET_KEY pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	return ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
	})
}

func loadTranslatorConfig() (TranslatorConfig, error) {
	temperature, err := parseOptionalFloatEnv("TRANSLATOR_TEMPERATURE")
	if err != nil {
		return TranslatorConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("TRANSLATOR_MAX_TOKENS")
	if err != nil {
		return TranslatorConfig{}, err
	}

	timeout, err := getEnvAsDuration("TRANSLATOR_TIMEOUT", 15*time.Second)
	if err != nil {
		return TranslatorConfig{}, err
	}

	return TranslatorConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("TRANSLATOR_MODEL")),
		BaseURL:     getEnv("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnv("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Timeout:     timeout,
	}, nil
}

// ParticipantConfig holds the launch parameters of one participant session.
// They are read once and never change for the lifetime of the session.
type ParticipantConfig struct {
	ServerURL       string
	ParticipantID   string
	SessionID       string
	StudyID         string
	DisplayLanguage string
	StudyFile       string
}

// LoadParticipantConfig reads the participant launch parameters from the environment
func LoadParticipantConfig() ParticipantConfig {
	return ParticipantConfig{
		ServerURL:       getEnv("CHAT_SERVER_URL", "ws://localhost:8000/ws"),
		ParticipantID:   os.Getenv("PROLIFIC_PID"),
		SessionID:       os.Getenv("SESSION_ID"),
		StudyID:         os.Getenv("STUDY_ID"),
		DisplayLanguage: NormalizeLanguage(getEnv("LANG_CODE", "english")),
		StudyFile:       os.Getenv("STUDY_FILE"),
	}
}

// NormalizeLanguage lowercases a language code and strips template braces left
// by survey platforms that failed to substitute a placeholder, e.g. "{English}".
func NormalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	return strings.NewReplacer("{", "", "}", "").Replace(lang)
}

// SetupLogging configures the global zerolog logger for a binary
func SetupLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return d, nil
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return &val, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
