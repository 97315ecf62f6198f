package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoad(t *testing.T) {
	t.Chdir(t.TempDir())

	s, err := New("work")
	require.NoError(t, err)
	assert.True(t, s.FirstTurn)

	id := int64(12)
	s.ChatID = "chat-1"
	s.LastMessageID = &id
	s.FirstTurn = false
	s.AddMessage(Message{Role: "user", Content: "hi"})
	require.NoError(t, s.Save())

	_, err = os.Stat(filepath.Join(Dir, "sessions", "work.json"))
	require.NoError(t, err)

	loaded, err := Load("work")
	require.NoError(t, err)
	assert.Equal(t, "chat-1", loaded.ChatID)
	require.NotNil(t, loaded.LastMessageID)
	assert.Equal(t, int64(12), *loaded.LastMessageID)
	assert.False(t, loaded.FirstTurn)
	assert.Equal(t, []Message{{Role: "user", Content: "hi"}}, loaded.Messages)
}

func TestLoadMissing(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load("nope")
	assert.Error(t, err)
}

func TestEphemeralSaveIsNoop(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	s := Ephemeral("scratch")
	require.NoError(t, s.Save())
	_, err := os.Stat(filepath.Join(dir, Dir))
	assert.True(t, os.IsNotExist(err))
}

func TestResumeAndParentID(t *testing.T) {
	s := Ephemeral("x")
	assert.Nil(t, s.ParentID())

	id := int64(3)
	s.LastMessageID = &id
	p := s.ParentID()
	require.NotNil(t, p)
	*p = 99
	assert.Equal(t, int64(3), *s.LastMessageID)

	s.Resume("remote")
	assert.Equal(t, "remote", s.ChatID)
	assert.Nil(t, s.LastMessageID)
	assert.False(t, s.FirstTurn)
}
