package snapshot

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/assistsync/internal/agents"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr[T any](v T) *T {
	return &v
}

func sampleAssistant() *agents.Assistant {
	return &agents.Assistant{
		ID:           "A1",
		Object:       "assistant",
		CreatedAt:    1700000100,
		Name:         ptr("Asistente <ventas>"),
		Model:        "gpt-4o-mini",
		Instructions: ptr("Be helpful"),
		Tools:        []map[string]any{{"type": "code_interpreter"}},
		ToolResources: map[string]any{
			"code_interpreter": map[string]any{"file_ids": []any{"file_1"}},
		},
		Metadata:       map[string]string{"b": "2", "a": "1"},
		Temperature:    ptr(0.5),
		TopP:           ptr(1.0),
		ResponseFormat: "auto",
	}
}

func TestWrite_RoundTrip(t *testing.T) {
	store := NewStore(t.TempDir(), testLogger())
	want := sampleAssistant()

	res, err := store.Write("A1", want)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.Root(), "A1"), res.Dir)

	got, err := store.Read("A1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	prompt, err := os.ReadFile(res.PromptPath)
	require.NoError(t, err)
	assert.Equal(t, "Be helpful", string(prompt))
}

func TestWrite_KeepsUnknownFields(t *testing.T) {
	store := NewStore(t.TempDir(), testLogger())
	want := sampleAssistant()
	want.Extra = map[string]json.RawMessage{"reasoning_effort": json.RawMessage(`"low"`)}

	first, err := store.Write("A1", want)
	require.NoError(t, err)

	data, err := os.ReadFile(first.ConfigPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "    \"reasoning_effort\": \"low\"\n}")

	got, err := store.Read("A1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// A change confined to an unknown field still changes the snapshot
	want.Extra["reasoning_effort"] = json.RawMessage(`"high"`)
	second, err := store.Write("A1", want)
	require.NoError(t, err)
	assert.NotEqual(t, first.Hash, second.Hash)
}

func TestWrite_EmptyInstructions(t *testing.T) {
	store := NewStore(t.TempDir(), testLogger())
	a := sampleAssistant()
	a.Instructions = nil

	res, err := store.Write("A1", a)
	require.NoError(t, err)

	prompt, err := os.ReadFile(res.PromptPath)
	require.NoError(t, err)
	assert.Empty(t, prompt)

	config, err := os.ReadFile(res.ConfigPath)
	require.NoError(t, err)
	assert.Contains(t, string(config), `"instructions": null`)
}

func TestWrite_OverwritesWholesale(t *testing.T) {
	store := NewStore(t.TempDir(), testLogger())
	a := sampleAssistant()

	first, err := store.Write("A1", a)
	require.NoError(t, err)

	a.Instructions = ptr("Be concise")
	second, err := store.Write("A1", a)
	require.NoError(t, err)
	assert.NotEqual(t, first.Hash, second.Hash)

	prompt, err := os.ReadFile(second.PromptPath)
	require.NoError(t, err)
	assert.Equal(t, "Be concise", string(prompt))

	// No temp files left behind
	entries, err := os.ReadDir(second.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestWrite_StableOutput(t *testing.T) {
	store := NewStore(t.TempDir(), testLogger())

	first, err := store.Write("A1", sampleAssistant())
	require.NoError(t, err)
	data1, err := os.ReadFile(first.ConfigPath)
	require.NoError(t, err)

	second, err := store.Write("A1", sampleAssistant())
	require.NoError(t, err)
	data2, err := os.ReadFile(second.ConfigPath)
	require.NoError(t, err)

	assert.Equal(t, data1, data2)
	assert.Equal(t, first.Hash, second.Hash)
}

func TestMarshal_Format(t *testing.T) {
	data, err := Marshal(sampleAssistant())
	require.NoError(t, err)
	text := string(data)

	assert.True(t, strings.HasPrefix(text, "{\n    \"id\": \"A1\",\n    \"object\": \"assistant\","), text)
	assert.True(t, strings.HasSuffix(text, "}\n"))
	assert.Contains(t, text, `"name": "Asistente <ventas>"`, "HTML must not be escaped")
	assert.Less(t, strings.Index(text, `"a": "1"`), strings.Index(text, `"b": "2"`), "map keys sorted")
	assert.Less(t, strings.Index(text, `"model"`), strings.Index(text, `"instructions"`), "struct order kept")
}

func TestWrite_InvalidIDs(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, testLogger())

	for _, id := range []string{"", ".", "..", "../escape", "a/b", `a\b`} {
		_, err := store.Write(id, sampleAssistant())
		assert.True(t, errors.Is(err, ErrInvalidID), "id %q: %v", id, err)
	}

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWrite_NilAssistant(t *testing.T) {
	store := NewStore(t.TempDir(), testLogger())
	_, err := store.Write("A1", nil)
	assert.Error(t, err)
}

func TestListAndClear(t *testing.T) {
	root := filepath.Join(t.TempDir(), "assistants")
	store := NewStore(root, testLogger())

	ids, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, ids, "missing root lists nothing")

	for _, id := range []string{"A2", "A1"} {
		_, err := store.Write(id, sampleAssistant())
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("x"), 0644))

	ids, err = store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"A1", "A2"}, ids)

	removed, err := store.Clear()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	ids, err = store.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
	_, err = os.Stat(filepath.Join(root, "README.md"))
	assert.NoError(t, err, "plain files under the root are kept")
}
