package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChatModel struct {
	reply string
	err   error

	mu    sync.Mutex
	calls [][]*schema.Message
}

func (m *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	m.calls = append(m.calls, input)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage(m.reply, nil), nil
}

func (m *fakeChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

func (m *fakeChatModel) BindTools([]*schema.ToolInfo) error {
	return nil
}

func (m *fakeChatModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// gatedTranslator holds every translation until release is closed
type gatedTranslator struct {
	release chan struct{}
}

func (t gatedTranslator) Translate(ctx context.Context, text, from, to string) (string, error) {
	select {
	case <-t.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return fmt.Sprintf("[%s>%s] %s", from, to, text), nil
}

func (gatedTranslator) Model() string { return "gated" }

type brokenTranslator struct{}

func (brokenTranslator) Translate(context.Context, string, string, string) (string, error) {
	return "", errors.New("model unavailable")
}

func (brokenTranslator) Model() string { return "broken" }

func TestLLMTranslator(t *testing.T) {
	ctx := context.Background()

	t.Run("builds the prompt from both languages", func(t *testing.T) {
		chatModel := &fakeChatModel{reply: "  ¿Qué tal tu día?  "}
		tr, err := NewLLMTranslator(ctx, chatModel, "doubao-pro")
		require.NoError(t, err)
		assert.Equal(t, "doubao-pro", tr.Model())

		out, err := tr.Translate(ctx, "How was your {day}?", "english", "{Spanish}")
		require.NoError(t, err)
		assert.Equal(t, "¿Qué tal tu día?", out)

		require.Equal(t, 1, chatModel.callCount())
		msgs := chatModel.calls[0]
		require.Len(t, msgs, 2)
		assert.Equal(t, schema.System, msgs[0].Role)
		assert.Equal(t, "Translate the following English text to Spanish. Answer with only the translated message.", msgs[0].Content)
		assert.Equal(t, schema.User, msgs[1].Role)
		assert.Equal(t, "How was your {day}?", msgs[1].Content)
	})

	t.Run("same language skips the model", func(t *testing.T) {
		chatModel := &fakeChatModel{reply: "unused"}
		tr, err := NewLLMTranslator(ctx, chatModel, "doubao-pro")
		require.NoError(t, err)

		out, err := tr.Translate(ctx, "hi", "english", "ENGLISH")
		require.NoError(t, err)
		assert.Equal(t, "hi", out)
		assert.Zero(t, chatModel.callCount())
	})

	t.Run("model errors are returned", func(t *testing.T) {
		tr, err := NewLLMTranslator(ctx, &fakeChatModel{err: errors.New("quota exceeded")}, "doubao-pro")
		require.NoError(t, err)

		_, err = tr.Translate(ctx, "hi", "english", "german")
		assert.ErrorContains(t, err, "quota exceeded")
	})

	t.Run("empty answers are errors", func(t *testing.T) {
		tr, err := NewLLMTranslator(ctx, &fakeChatModel{reply: "  "}, "doubao-pro")
		require.NoError(t, err)

		_, err = tr.Translate(ctx, "hi", "english", "german")
		assert.ErrorIs(t, err, errEmptyTranslation)
	})
}

func TestLanguageName(t *testing.T) {
	assert.Equal(t, "Chinese", languageName("chinese"))
	assert.Equal(t, "German", languageName(" {German} "))
	assert.Equal(t, "portuguese", languageName("Portuguese"))
	assert.Equal(t, "English", languageName(""))
}
