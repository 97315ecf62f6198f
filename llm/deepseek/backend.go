package deepseek

import (
	"context"

	"github.com/meanwhile131/deepseek-cli/errors"
	"github.com/meanwhile131/deepseek-cli/llm"
	"github.com/meanwhile131/deepseek-cli/session"
)

// Backend drives chats on the DeepSeek web API. The remote side keeps the
// conversation, so only the new prompt and its parent message are sent.
type Backend struct {
	client *Client
	flags  Flags
}

func NewBackend(c *Client, flags Flags) *Backend {
	return &Backend{client: c, flags: flags}
}

func (b *Backend) Name() string { return "deepseek" }

// Open creates a remote chat for new sessions. For a resumed chat with no
// known parent it looks up the chat's latest message.
func (b *Backend) Open(ctx context.Context, s *session.Session) error {
	if s.ChatID == "" {
		id, err := b.client.CreateChat(ctx)
		if err != nil {
			return errors.Wrapf(err, "failed to create chat")
		}
		s.ChatID = id
		return nil
	}
	if s.LastMessageID != nil {
		return nil
	}
	id, err := b.client.CurrentMessageID(ctx, s.ChatID)
	if err != nil {
		return errors.Wrapf(err, "failed to resume chat %s", s.ChatID)
	}
	s.LastMessageID = id
	return nil
}

func (b *Backend) StartTurn(ctx context.Context, s *session.Session, prompt string) (llm.Turn, error) {
	t, err := b.client.RunTurn(ctx, TurnRequest{
		ChatID:   s.ChatID,
		Prompt:   prompt,
		ParentID: s.ParentID(),
		Flags:    b.flags,
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}
