package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukasbauer/parley/internal/dialogue"
	"github.com/lukasbauer/parley/internal/generation"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Languages:        []string{"en", "ru"},
		Debounce:         10 * time.Millisecond,
		GenerationIdle:   time.Second,
		GeneratedSpeaker: "GPT",
		DialogueStore:    "file",
		DialogueFile:     filepath.Join(t.TempDir(), "dialogue_entries.json"),
		DialogueSession:  "test-session",
	}
}

func TestNewRequiresLanguages(t *testing.T) {
	cfg := testConfig(t)
	cfg.Languages = nil
	_, err := New(cfg, discardLogger())
	assert.Error(t, err)
}

func TestNewRejectsBadStoreConfig(t *testing.T) {
	tests := []struct {
		name  string
		store string
	}{
		{"unknown backend", "sqlite"},
		{"postgres without DATABASE_URL", "postgres"},
		{"redis without REDIS_URL", "redis"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.DialogueStore = tt.store
			_, err := New(cfg, discardLogger())
			assert.Error(t, err)
		})
	}
}

func TestFileStoreSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)

	a, err := New(cfg, discardLogger())
	require.NoError(t, err)
	a.dialogue.Append(dialogue.Line{Speaker: "Speaker 0", Language: "ru", Text: "Привет"})
	h := a.dialogue.ReserveGeneratedSlot("GPT")
	require.NoError(t, a.dialogue.UpdateGeneratedSlot(h, "Hi!"))
	require.NoError(t, a.Close())

	b, err := New(cfg, discardLogger())
	require.NoError(t, err)
	defer b.Close()

	lines := b.dialogue.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "Привет", lines[0].Text)
	assert.Equal(t, dialogue.KindGenerated, lines[1].Kind)
	assert.Equal(t, "Hi!", lines[1].Text)
}

func TestRedisStoreSession(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.DialogueStore = "redis"
	cfg.RedisURL = "redis://" + mr.Addr()

	a, err := New(cfg, discardLogger())
	require.NoError(t, err)
	a.dialogue.Append(dialogue.Line{Speaker: "Speaker 1", Language: "en", Text: "hello"})
	require.NoError(t, a.Close())

	assert.True(t, mr.Exists("parley:dialogue:test-session"))
}

func TestGeneratedSessionID(t *testing.T) {
	cfg := testConfig(t)
	cfg.DialogueSession = ""

	a, err := New(cfg, discardLogger())
	require.NoError(t, err)
	defer a.Close()

	assert.Len(t, a.SessionID(), 36)
}

func TestRouterServesDialogue(t *testing.T) {
	a, err := New(testConfig(t), discardLogger())
	require.NoError(t, err)
	defer a.Close()

	a.dialogue.Append(dialogue.Line{Speaker: "Speaker 0", Language: "en", Text: "hello"})

	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dialogue", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Languages []string        `json:"languages"`
		Lines     []dialogue.Line `json:"lines"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"en", "ru"}, body.Languages)
	require.Len(t, body.Lines, 1)
	assert.Equal(t, "hello", body.Lines[0].Text)

	rec = httptest.NewRecorder()
	a.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "parley_dialogue_lines_total")
}

func TestRunWithoutDeepgramKeyWaitsForShutdown(t *testing.T) {
	a, err := New(testConfig(t), discardLogger())
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCloseDrainsConnections(t *testing.T) {
	a, err := New(testConfig(t), discardLogger())
	require.NoError(t, err)

	require.NoError(t, a.Close())
	assert.True(t, a.Conns().IsDraining())
	assert.Equal(t, generation.StateIdle, a.coordinator.State())
}
