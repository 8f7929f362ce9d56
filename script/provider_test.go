package script

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScriptFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestFileProvider(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	writeScriptFile(t, dir, "welcome.yaml", `
id: cmd-1
command: welcome
triggers:
  - type: string
    pattern: hello
  - type: utterance
    pattern: yes
script:
  - topic: default
    script:
      - text: hi there
      - text: what brings you here?
        collect:
          key: reason
`)
	writeScriptFile(t, dir, "order.json", `{
  "id": "cmd-2",
  "command": "order pizza",
  "script": [
    {"topic": "default", "script": [{"text": ["one pizza coming up", "pizza, got it"]}]}
  ]
}`)

	provider, err := NewFileProvider(dir)
	require.NoError(t, err)

	t.Run("loads yaml and json scripts", func(t *testing.T) {
		assert.Len(t, provider.Scripts(), 2)
	})

	t.Run("resolves by command name ignoring case", func(t *testing.T) {
		s, err := provider.GetScript(ctx, "Welcome")
		require.NoError(t, err)
		assert.Equal(t, "cmd-1", s.ID)
		require.Len(t, s.Threads, 1)
		assert.Len(t, s.Threads[0].Steps, 2)
		assert.Equal(t, "reason", s.Threads[0].Steps[1].Collect.Key)
	})

	t.Run("resolves by id", func(t *testing.T) {
		s, err := provider.GetScriptByID(ctx, "cmd-2")
		require.NoError(t, err)
		assert.Equal(t, "order pizza", s.Command)
	})

	t.Run("text variations decode from a list", func(t *testing.T) {
		s, err := provider.GetScriptByID(ctx, "cmd-2")
		require.NoError(t, err)
		assert.Equal(t, StringList{"one pizza coming up", "pizza, got it"}, s.Threads[0].Steps[0].Text)
	})

	t.Run("missing script returns ErrNotFound", func(t *testing.T) {
		_, err := provider.GetScript(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("string trigger matches the exact phrase", func(t *testing.T) {
		s, err := provider.EvaluateTrigger(ctx, "hello", "u1")
		require.NoError(t, err)
		assert.Equal(t, "welcome", s.Command)

		_, err = provider.EvaluateTrigger(ctx, "hello there", "u1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("utterance trigger matches its variants", func(t *testing.T) {
		s, err := provider.EvaluateTrigger(ctx, "yeah", "u1")
		require.NoError(t, err)
		assert.Equal(t, "welcome", s.Command)
	})

	t.Run("command name is the fallback trigger", func(t *testing.T) {
		s, err := provider.EvaluateTrigger(ctx, "order pizza", "u1")
		require.NoError(t, err)
		assert.Equal(t, "cmd-2", s.ID)
	})

	t.Run("unparseable file aborts loading", func(t *testing.T) {
		bad := t.TempDir()
		writeScriptFile(t, bad, "broken.json", "{not json")
		_, err := NewFileProvider(bad)
		assert.Error(t, err)
	})
}

func TestHTTPProvider(t *testing.T) {
	ctx := context.Background()

	script := Script{
		ID:      "cmd-9",
		Command: "support",
		Threads: []Thread{{Topic: "default", Steps: []Step{{Text: StringList{"how can we help?"}}}}},
	}

	t.Run("fetches a script by name with the access token", func(t *testing.T) {
		var gotPath, gotCommand, gotToken string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotCommand = r.URL.Query().Get("command")
			gotToken = r.URL.Query().Get("access_token")
			json.NewEncoder(w).Encode(script)
		}))
		defer server.Close()

		provider := NewHTTPProvider(server.URL, "secret")
		s, err := provider.GetScript(ctx, "support")
		require.NoError(t, err)

		assert.Equal(t, "/api/v1/commands/name", gotPath)
		assert.Equal(t, "support", gotCommand)
		assert.Equal(t, "secret", gotToken)
		assert.Equal(t, "cmd-9", s.ID)
	})

	t.Run("fetches a script by id", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/v1/commands/cmd-9", r.URL.Path)
			json.NewEncoder(w).Encode(script)
		}))
		defer server.Close()

		s, err := NewHTTPProvider(server.URL, "secret").GetScriptByID(ctx, "cmd-9")
		require.NoError(t, err)
		assert.Equal(t, "support", s.Command)
	})

	t.Run("evaluates triggers remotely", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/v1/commands/triggers", r.URL.Path)

			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "i need help", body["trigger"])
			assert.Equal(t, "u1", body["user"])

			json.NewEncoder(w).Encode(script)
		}))
		defer server.Close()

		s, err := NewHTTPProvider(server.URL, "secret").EvaluateTrigger(ctx, "i need help", "u1")
		require.NoError(t, err)
		assert.Equal(t, "support", s.Command)
	})

	t.Run("404 maps to ErrNotFound", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		_, err := NewHTTPProvider(server.URL, "secret").GetScript(ctx, "gone")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("empty payload maps to ErrNotFound", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("{}"))
		}))
		defer server.Close()

		_, err := NewHTTPProvider(server.URL, "secret").GetScript(ctx, "blank")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("server errors surface", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		_, err := NewHTTPProvider(server.URL, "secret").GetScript(ctx, "support")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
	})
}
