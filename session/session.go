package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/meanwhile131/deepseek-cli/errors"
)

// Dir is the project-local directory holding sessions and other state.
const Dir = ".deepseek-cli"

type Message struct {
	Role    string `json:"role"` // "user", "assistant"
	Content string `json:"content"`
}

// Session is the conversation state that outlives individual turns. ChatID
// and LastMessageID thread turns together on the remote side; Messages is the
// transcript, which stateless backends replay as history.
type Session struct {
	Name          string    `json:"name"`
	Backend       string    `json:"backend,omitempty"`
	ChatID        string    `json:"chat_id,omitempty"`
	LastMessageID *int64    `json:"last_message_id,omitempty"`
	FirstTurn     bool      `json:"first_turn"`
	Mode          string    `json:"mode,omitempty"`
	Toolset       string    `json:"toolset,omitempty"`
	ToolVerbosity string    `json:"tool_verbosity,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
	Messages      []Message `json:"messages"`
	path          string
}

// New creates a new session backed by a file under the project directory.
func New(name string) (*Session, error) {
	path, err := getSessionPath(name)
	if err != nil {
		return nil, err
	}
	s := Ephemeral(name)
	s.path = path
	return s, nil
}

// Ephemeral creates a session that is never written to disk.
func Ephemeral(name string) *Session {
	return &Session{
		Name:      name,
		FirstTurn: true,
		Messages:  []Message{},
	}
}

// Load loads an existing session from disk.
func Load(name string) (*Session, error) {
	path, err := getSessionPath(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read session file %s", path)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrapf(err, "could not parse session file %s", path)
	}
	s.path = path
	return &s, nil
}

// Save writes the current session state to disk.
func (s *Session) Save() error {
	if s.path == "" {
		return nil
	}
	s.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize session")
	}
	return os.WriteFile(s.path, data, 0644)
}

// AddMessage appends a message to the session history.
func (s *Session) AddMessage(msg Message) {
	s.Messages = append(s.Messages, msg)
}

// Resume points the session at an existing remote chat. The remote side
// already holds the system prompt, so it is not sent again.
func (s *Session) Resume(chatID string) {
	s.ChatID = chatID
	s.LastMessageID = nil
	s.FirstTurn = false
}

// ParentID returns a copy of the last message id for use in a request.
func (s *Session) ParentID() *int64 {
	if s.LastMessageID == nil {
		return nil
	}
	id := *s.LastMessageID
	return &id
}

func getSessionPath(name string) (string, error) {
	sessionDir := filepath.Join(Dir, "sessions")
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return "", errors.Wrapf(err, "could not create session directory")
	}
	return filepath.Join(sessionDir, name+".json"), nil
}
