package pairing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/mcdev12/turingchat/go/internal/config"
)

// Translator rewrites a chat line from the sender's language into the
// receiver's before it is relayed
type Translator interface {
	Translate(ctx context.Context, text, from, to string) (string, error)
	// Model is recorded with every conversation
	Model() string
}

// PassThrough relays text unchanged
type PassThrough struct{}

func (PassThrough) Translate(_ context.Context, text, _, _ string) (string, error) {
	return text, nil
}

func (PassThrough) Model() string {
	return "passthrough"
}

const translateInstruction = "Translate the following {source} text to {target}. Answer with only the translated message."

var errEmptyTranslation = errors.New("model returned an empty translation")

var languageNames = map[string]string{
	"chinese":  "Chinese",
	"dutch":    "Dutch",
	"english":  "English",
	"french":   "French",
	"german":   "German",
	"hindi":    "Hindi",
	"italian":  "Italian",
	"japanese": "Japanese",
	"korean":   "Korean",
	"spanish":  "Spanish",
}

func languageName(code string) string {
	code = config.NormalizeLanguage(code)
	if name, ok := languageNames[code]; ok {
		return name
	}
	if code == "" {
		return "English"
	}
	return code
}

// LLMTranslator translates through a chat model. Lines between participants
// of the same language are returned as they are without calling the model.
type LLMTranslator struct {
	model string
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewLLMTranslator compiles the translation prompt in front of chatModel.
// modelName is what gets recorded with each conversation.
func NewLLMTranslator(ctx context.Context, chatModel model.ChatModel, modelName string) (*LLMTranslator, error) {
	template := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(translateInstruction),
		schema.UserMessage("{text}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile translation chain: %w", err)
	}
	return &LLMTranslator{model: modelName, chain: runnable}, nil
}

func (t *LLMTranslator) Translate(ctx context.Context, text, from, to string) (string, error) {
	source, target := languageName(from), languageName(to)
	if source == target {
		return text, nil
	}

	out, err := t.chain.Invoke(ctx, map[string]any{
		"source": source,
		"target": target,
		"text":   text,
	})
	if err != nil {
		return "", fmt.Errorf("translate %s to %s: %w", source, target, err)
	}
	translation := strings.TrimSpace(out.Content)
	if translation == "" {
		return "", errEmptyTranslation
	}
	return translation, nil
}

func (t *LLMTranslator) Model() string {
	return t.model
}
