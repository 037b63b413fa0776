package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/mcdev12/turingchat/go/internal/survey"
	"gopkg.in/yaml.v3"
)

//go:embed default_study.yaml
var defaultStudyYAML []byte

// Outcome is where a participant is sent when a session ends
type Outcome struct {
	Code        string `yaml:"code"`
	RedirectURL string `yaml:"redirect_url"`
}

// Study holds everything both ends need to agree on for one study
type Study struct {
	ID                string               `yaml:"id"`
	WaitingTimeoutSec int                  `yaml:"waiting_timeout_sec"`
	ChatDurationSec   int                  `yaml:"chat_duration_sec"`
	TypingQuietMs     int                  `yaml:"typing_quiet_ms"`
	Languages         []string             `yaml:"languages"`
	Starters          []string             `yaml:"starters"`
	Outcomes          map[string]Outcome   `yaml:"outcomes"`
	PreSurvey         survey.Questionnaire `yaml:"presurvey"`
	PostSurvey        survey.Questionnaire `yaml:"postsurvey"`
}

// Outcome keys in the study file
const (
	OutcomeCompleted = "completed"
	OutcomeNoPartner = "no_partner"
)

// DefaultStudy returns the study compiled into the binary
func DefaultStudy() (*Study, error) {
	return parseStudy(defaultStudyYAML)
}

// LoadStudy reads a study file. An empty path yields the default study.
func LoadStudy(path string) (*Study, error) {
	if path == "" {
		return DefaultStudy()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read study file: %w", err)
	}
	return parseStudy(data)
}

func parseStudy(data []byte) (*Study, error) {
	var study Study
	if err := yaml.Unmarshal(data, &study); err != nil {
		return nil, fmt.Errorf("failed to parse study: %w", err)
	}
	if err := study.Validate(); err != nil {
		return nil, fmt.Errorf("invalid study: %w", err)
	}
	return &study, nil
}

// Validate checks the study definition
func (s *Study) Validate() error {
	if s.WaitingTimeoutSec <= 0 {
		return fmt.Errorf("waiting_timeout_sec must be positive")
	}
	if s.ChatDurationSec <= 0 {
		return fmt.Errorf("chat_duration_sec must be positive")
	}
	if s.TypingQuietMs <= 0 {
		return fmt.Errorf("typing_quiet_ms must be positive")
	}
	if len(s.Starters) == 0 {
		return fmt.Errorf("at least one conversation starter is required")
	}
	for _, key := range []string{OutcomeCompleted, OutcomeNoPartner} {
		if _, ok := s.Outcomes[key]; !ok {
			return fmt.Errorf("missing outcome %q", key)
		}
	}
	if s.Outcomes[OutcomeCompleted].Code == s.Outcomes[OutcomeNoPartner].Code {
		return fmt.Errorf("completed and no_partner outcomes need distinct codes")
	}
	if err := s.PreSurvey.Check(); err != nil {
		return fmt.Errorf("presurvey: %w", err)
	}
	if err := s.PostSurvey.Check(); err != nil {
		return fmt.Errorf("postsurvey: %w", err)
	}
	return nil
}

func (s *Study) WaitingTimeout() time.Duration {
	return time.Duration(s.WaitingTimeoutSec) * time.Second
}

func (s *Study) ChatDuration() time.Duration {
	return time.Duration(s.ChatDurationSec) * time.Second
}

func (s *Study) TypingQuietWindow() time.Duration {
	return time.Duration(s.TypingQuietMs) * time.Millisecond
}

// Starter returns the conversation starter at index, or "" when out of range
func (s *Study) Starter(index int) string {
	if index < 0 || index >= len(s.Starters) {
		return ""
	}
	return s.Starters[index]
}
