package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"github.com/arcward/andrzej/andrzej"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
)

func executeCommand(t testing.TB, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	t.Cleanup(
		func() {
			rootCmd.SetOut(nil)
		},
	)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestHistoryCommands(t *testing.T) {
	clearEnv(t)

	tmpdir := t.TempDir()
	envFile := filepath.Join(tmpdir, "empty.env")
	require.NoError(t, os.WriteFile(envFile, []byte("\n"), 0o644))
	configArg := fmt.Sprintf("--config=%s", envFile)

	t.Setenv("AJ_DATABASE_TYPE", "sqlite")
	t.Setenv("AJ_DATABASE", filepath.Join(tmpdir, "history.sqlite"))
	t.Setenv("AJ_CHAT_HISTORY_LENGTH", "10")

	out, err := executeCommand(t, configArg, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Initialization complete")

	key := andrzej.ConversationKey{UserID: "1234", ChannelName: "porozmawiaj-z-andrzejem"}

	bot, err := andrzej.New(cfg)
	require.NoError(t, err)
	require.NoError(t, bot.Init(context.Background()))
	require.NoError(
		t,
		bot.Store().AppendTurns(
			context.Background(),
			key,
			andrzej.Turn{Role: andrzej.RoleUser, Content: "cześć"},
			andrzej.Turn{Role: andrzej.RoleAssistant, Content: "no cześć"},
			andrzej.Turn{Role: andrzej.RoleUser, Content: "co słychać?"},
		),
	)
	require.NoError(t, bot.Close())

	out, err = executeCommand(t, configArg, "history", "show", key.UserID, key.ChannelName)
	require.NoError(t, err)

	var turns []andrzej.ConversationTurn
	require.NoError(t, json.Unmarshal([]byte(out), &turns))
	require.Len(t, turns, 3)
	assert.Equal(t, "cześć", turns[0].Content)
	assert.Equal(t, andrzej.RoleAssistant, turns[1].Role)
	assert.Equal(t, "co słychać?", turns[2].Content)

	out, err = executeCommand(t, configArg, "history", "clear", key.UserID, key.ChannelName)
	require.NoError(t, err)
	assert.Equal(t, "deleted 3 turns\n", out)

	out, err = executeCommand(t, configArg, "history", "show", key.UserID, key.ChannelName)
	require.NoError(t, err)
	turns = nil
	require.NoError(t, json.Unmarshal([]byte(out), &turns))
	assert.Empty(t, turns)
}

func TestHistoryShowRequiresKey(t *testing.T) {
	_, err := executeCommand(t, "history", "show", "only-a-user")
	assert.Error(t, err)
}
