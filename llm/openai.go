package llm

import (
	"context"
	"os"

	"github.com/meanwhile131/deepseek-cli/errors"
	"github.com/meanwhile131/deepseek-cli/session"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/tidwall/gjson"
)

// OpenAIBackend streams chat completions from an OpenAI-compatible API. Set
// OPENAI_BASE_URL to https://api.deepseek.com to use DeepSeek's official API,
// whose reasoning models report their thinking as reasoning_content.
type OpenAIBackend struct {
	client *openai.Client
	model  string
}

// NewOpenAIBackend creates a new OpenAIBackend. It requires the OPENAI_API_KEY environment variable to be set.
// It also supports OPENAI_BASE_URL for custom API endpoints.
func NewOpenAIBackend(modelName string) (*OpenAIBackend, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}

	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	// The v2 SDK returns a value; keep a pointer to it.
	c := openai.NewClient(options...)
	return &OpenAIBackend{client: &c, model: modelName}, nil
}

func (o *OpenAIBackend) Name() string { return "openai" }

func (o *OpenAIBackend) Open(ctx context.Context, s *session.Session) error {
	openStateless(s)
	return nil
}

func (o *OpenAIBackend) StartTurn(ctx context.Context, s *session.Session, prompt string) (Turn, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: convertMessagesToOpenAI(s.Messages, prompt),
	}
	stream := o.client.Chat.Completions.NewStreaming(ctx, params)

	return newStreamTurn(func() ([]Fragment, bool, error) {
		if !stream.Next() {
			if err := stream.Err(); err != nil {
				return nil, false, &TransportError{Op: "openai stream", Err: err}
			}
			return nil, false, nil
		}
		return openAIChunkFragments(stream.Current()), true, nil
	}, stream.Close), nil
}

// openAIChunkFragments extracts text from one streamed chunk. Reasoning text
// is not part of the SDK's typed delta, so it is read from the raw JSON.
func openAIChunkFragments(chunk openai.ChatCompletionChunk) []Fragment {
	var frags []Fragment
	for _, ch := range chunk.Choices {
		if r := gjson.Get(ch.Delta.RawJSON(), "reasoning_content"); r.Type == gjson.String && r.Str != "" {
			frags = append(frags, Fragment{Field: FieldThinking, Text: r.Str})
		}
		if ch.Delta.Content != "" {
			frags = append(frags, Fragment{Field: FieldContent, Text: ch.Delta.Content})
		}
	}
	return frags
}

// convertMessagesToOpenAI converts the transcript plus the new prompt to OpenAI's format.
func convertMessagesToOpenAI(history []session.Message, prompt string) []openai.ChatCompletionMessageParamUnion {
	var chatMessages []openai.ChatCompletionMessageParamUnion
	for _, msg := range history {
		switch msg.Role {
		case "assistant":
			assistantMessage := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: msg.Content,
			}
			chatMessages = append(chatMessages, assistantMessage.ToParam())
		default:
			chatMessages = append(chatMessages, openai.UserMessage(msg.Content))
		}
	}
	return append(chatMessages, openai.UserMessage(prompt))
}
