package llm

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/meanwhile131/deepseek-cli/errors"
	"github.com/meanwhile131/deepseek-cli/session"
	"github.com/tidwall/gjson"
)

// BedrockBackend streams Anthropic models hosted on AWS Bedrock.
type BedrockBackend struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockBackend creates a new BedrockBackend.
// It requires AWS credentials to be configured in the environment.
func NewBedrockBackend(ctx context.Context, modelID string) (*BedrockBackend, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	return &BedrockBackend{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}, nil
}

func (b *BedrockBackend) Name() string { return "bedrock" }

func (b *BedrockBackend) Open(ctx context.Context, s *session.Session) error {
	openStateless(s)
	return nil
}

func (b *BedrockBackend) StartTurn(ctx context.Context, s *session.Session, prompt string) (Turn, error) {
	body, err := createBedrockRequest(s.Messages, prompt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Bedrock request")
	}

	out, err := b.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, &TransportError{Op: "invoke bedrock model", Err: err}
	}
	stream := out.GetStream()
	events := stream.Events()

	return newStreamTurn(func() ([]Fragment, bool, error) {
		ev, ok := <-events
		if !ok {
			if err := stream.Err(); err != nil {
				return nil, false, &TransportError{Op: "bedrock stream", Err: err}
			}
			return nil, false, nil
		}
		chunk, isChunk := ev.(*types.ResponseStreamMemberChunk)
		if !isChunk {
			return nil, true, nil
		}
		return bedrockChunkFragments(chunk.Value.Bytes), true, nil
	}, stream.Close), nil
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Messages         []bedrockMessage `json:"messages"`
}

// createBedrockRequest creates the request body for Anthropic models on Bedrock.
func createBedrockRequest(history []session.Message, prompt string) ([]byte, error) {
	req := bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        anthropicMaxTokens,
	}
	for _, msg := range history {
		role := "user"
		if msg.Role == "assistant" {
			if msg.Content == "" {
				continue
			}
			role = "assistant"
		}
		req.Messages = append(req.Messages, bedrockMessage{Role: role, Content: msg.Content})
	}
	req.Messages = append(req.Messages, bedrockMessage{Role: "user", Content: prompt})
	return json.Marshal(req)
}

// bedrockChunkFragments decodes one Anthropic streaming event carried in a
// Bedrock chunk.
func bedrockChunkFragments(payload []byte) []Fragment {
	ev := gjson.ParseBytes(payload)
	if ev.Get("type").String() != "content_block_delta" {
		return nil
	}
	delta := ev.Get("delta")
	switch delta.Get("type").String() {
	case "text_delta":
		return []Fragment{{Field: FieldContent, Text: delta.Get("text").String()}}
	case "thinking_delta":
		return []Fragment{{Field: FieldThinking, Text: delta.Get("thinking").String()}}
	}
	return nil
}
