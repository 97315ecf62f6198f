package llm

import (
	"context"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/meanwhile131/deepseek-cli/errors"
	"github.com/meanwhile131/deepseek-cli/session"
)

const anthropicMaxTokens = 8192

// AnthropicBackend streams messages from the Anthropic API.
type AnthropicBackend struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicBackend creates a new AnthropicBackend.
// It requires the ANTHROPIC_API_KEY environment variable to be set.
func NewAnthropicBackend(modelName string) (*AnthropicBackend, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY environment variable not set")
	}

	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)

	return &AnthropicBackend{
		client: &client,
		model:  modelName,
	}, nil
}

func (a *AnthropicBackend) Name() string { return "anthropic" }

func (a *AnthropicBackend) Open(ctx context.Context, s *session.Session) error {
	openStateless(s)
	return nil
}

func (a *AnthropicBackend) StartTurn(ctx context.Context, s *session.Session, prompt string) (Turn, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: anthropicMaxTokens,
		Messages:  convertMessagesToAnthropic(s.Messages, prompt),
	}
	stream := a.client.Messages.NewStreaming(ctx, params)

	return newStreamTurn(func() ([]Fragment, bool, error) {
		if !stream.Next() {
			if err := stream.Err(); err != nil {
				return nil, false, &TransportError{Op: "anthropic stream", Err: err}
			}
			return nil, false, nil
		}
		event := stream.Current()
		ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			return nil, true, nil
		}
		switch delta := ev.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			return []Fragment{{Field: FieldContent, Text: delta.Text}}, true, nil
		case anthropic.ThinkingDelta:
			return []Fragment{{Field: FieldThinking, Text: delta.Thinking}}, true, nil
		}
		return nil, true, nil
	}, stream.Close), nil
}

// convertMessagesToAnthropic converts the transcript plus the new prompt to Anthropic's format.
func convertMessagesToAnthropic(history []session.Message, prompt string) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	for _, msg := range history {
		switch msg.Role {
		case "assistant":
			if msg.Content == "" {
				continue
			}
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))
}
