package llm

import (
	"context"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/meanwhile131/deepseek-cli/errors"
	"github.com/meanwhile131/deepseek-cli/session"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiBackend streams chat responses from the Google Gemini API.
type GeminiBackend struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGeminiBackend creates a new GeminiBackend.
// It requires the GEMINI_API_KEY environment variable to be set.
func NewGeminiBackend(ctx context.Context, modelName string) (*GeminiBackend, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}

	return &GeminiBackend{
		client: client,
		model:  client.GenerativeModel(modelName),
	}, nil
}

func (g *GeminiBackend) Name() string { return "gemini" }

func (g *GeminiBackend) Open(ctx context.Context, s *session.Session) error {
	openStateless(s)
	return nil
}

func (g *GeminiBackend) StartTurn(ctx context.Context, s *session.Session, prompt string) (Turn, error) {
	chatSession := g.model.StartChat()
	chatSession.History = convertMessagesToGemini(s.Messages)
	iter := chatSession.SendMessageStream(ctx, genai.Text(prompt))

	return newStreamTurn(func() ([]Fragment, bool, error) {
		resp, err := iter.Next()
		if err == iterator.Done {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, &TransportError{Op: "gemini stream", Err: err}
		}
		return geminiResponseFragments(resp), true, nil
	}, nil), nil
}

func geminiResponseFragments(resp *genai.GenerateContentResponse) []Fragment {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	var frags []Fragment
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			frags = append(frags, Fragment{Field: FieldContent, Text: string(text)})
		}
	}
	return frags
}

// convertMessagesToGemini converts the transcript to Gemini's chat history.
func convertMessagesToGemini(messages []session.Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}
	return contents
}
