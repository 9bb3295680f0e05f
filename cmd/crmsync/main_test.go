package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/crmsync/internal/logger"
	"github.com/scrypster/crmsync/internal/metrics"
	"github.com/scrypster/crmsync/internal/recordstore"
)

const initechDetection = `{"entities": [
  {"object_slug": "companies", "reason": "Named company", "confidence": "high",
   "fields": [{"name": "name", "value": "Initech Ltd"}]}
], "sentiment": "neutral", "key_topics": ["intro"], "action_items": []}`

const initechActions = `{"actions": [
  {"action_type": "create_record", "search_criteria": {"name": "Initech Ltd"}, "priority": 1,
   "payload": {"data": {"values": {"name": "Initech Ltd", "domains": "initech.com"}}}}
]}`

// fakeOllama answers /api/chat with detection or generation output
// depending on the system prompt.
func fakeOllama(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var system string
		for _, m := range req.Messages {
			if m.Role == "system" {
				system = m.Content
			}
		}

		content := initechDetection
		switch {
		case strings.Contains(system, "OBJECT: companies\n"):
			content = initechActions
		case strings.Contains(system, "OBJECT: "):
			content = `{"actions": []}`
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"message": map[string]string{"role": "assistant", "content": content},
			"done":    true,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setupEnv(t *testing.T, llmURL string) {
	t.Helper()
	t.Setenv("CRMSYNC_STORE_BACKEND", "sqlite")
	t.Setenv("CRMSYNC_STORE_DSN", ":memory:")
	t.Setenv("CRMSYNC_LLM_PROVIDER", "ollama")
	t.Setenv("CRMSYNC_LLM_BASE_URL", llmURL)
	t.Setenv("CRMSYNC_LOG_LEVEL", "error")
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

type processOutput struct {
	Success bool `json:"success"`
	Results []struct {
		Action   string `json:"action"`
		Object   string `json:"object"`
		Success  bool   `json:"success"`
		RecordID string `json:"record_id"`
	} `json:"results"`
	Summary struct {
		Total      int    `json:"total"`
		Successful int    `json:"successful"`
		Message    string `json:"message"`
	} `json:"summary"`
}

func TestProcessCommand(t *testing.T) {
	setupEnv(t, fakeOllama(t).URL)

	out, err := execute(t, "", "process", "Intro call with Initech Ltd today")
	require.NoError(t, err)

	var res processOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	assert.True(t, res.Success)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "companies", res.Results[0].Object)
	assert.True(t, res.Results[0].Success)
	assert.NotEmpty(t, res.Results[0].RecordID)
	assert.Equal(t, 1, res.Summary.Successful)
}

func TestProcessCommand_ReadsStdinAndFile(t *testing.T) {
	setupEnv(t, fakeOllama(t).URL)

	out, err := execute(t, "Intro call with Initech Ltd today", "process")
	require.NoError(t, err)
	assert.Contains(t, out, `"success": true`)

	path := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("Intro call with Initech Ltd today"), 0o644))
	out, err = execute(t, "", "process", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"success": true`)
}

func TestProcessCommand_EmptyInput(t *testing.T) {
	setupEnv(t, fakeOllama(t).URL)

	_, err := execute(t, "  \n", "process")
	assert.EqualError(t, err, "no text to process")
}

func TestSchemaCommand(t *testing.T) {
	setupEnv(t, fakeOllama(t).URL)

	out, err := execute(t, "", "schema")
	require.NoError(t, err)
	assert.Contains(t, out, `"slug": "companies"`)
	assert.Contains(t, out, `"slug": "people"`)
}

func TestStoreFlagOverride(t *testing.T) {
	setupEnv(t, fakeOllama(t).URL)

	_, err := execute(t, "", "--store", "spreadsheet", "schema")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spreadsheet")
}

func TestAttioRequiresAPIKey(t *testing.T) {
	setupEnv(t, fakeOllama(t).URL)
	t.Setenv("CRMSYNC_ATTIO_API_KEY", "")

	_, err := execute(t, "", "--store", "attio", "schema")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CRMSYNC_ATTIO_API_KEY")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "crmsync dev\n", out)
}

func TestReadInput(t *testing.T) {
	text, err := readInput(strings.NewReader("from stdin"), "", []string{"from", "args"})
	require.NoError(t, err)
	assert.Equal(t, "from args", text)

	text, err = readInput(strings.NewReader("from stdin"), "-", nil)
	require.NoError(t, err)
	assert.Equal(t, "from stdin", text)

	_, err = readInput(strings.NewReader(""), filepath.Join(t.TempDir(), "missing.txt"), nil)
	assert.Error(t, err)
}

func TestOpenStore_LocalBackendIsPaced(t *testing.T) {
	setupEnv(t, fakeOllama(t).URL)
	cfg, err := loadConfig(&rootOptions{})
	require.NoError(t, err)
	log, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
	require.NoError(t, err)

	store, closer, err := openStore(context.Background(), cfg, log, metrics.New(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = closer() })

	_, ok := store.(*recordstore.Paced)
	assert.True(t, ok, "sqlite store is not wrapped, got %T", store)

	objs, err := store.ListObjects(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, objs)
}
