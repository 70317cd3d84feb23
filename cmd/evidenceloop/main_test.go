package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/evidenceloop/config"
)

func rerankServer(t *testing.T, healthy bool) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			if !healthy {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		case "/rerank":
			var req struct {
				Texts []string `json:"texts"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			results := make([]map[string]any, len(req.Texts))
			for i := range req.Texts {
				results[i] = map[string]any{"index": i, "score": 3.0}
			}
			_ = json.NewEncoder(w).Encode(results)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func writeConfig(t *testing.T, baseURL string, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := fmt.Sprintf(`rerank:
  local:
    base_url: %q
  max_content_tokens: 0
log:
  level: error
metrics:
  enabled: false
%s`, baseURL, extra)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const strongTurn = `{
  "conversation_id": "conv-7",
  "query": "how do retries work",
  "tasks": [{
    "category": "docs",
    "query": "how do retries work",
    "candidates": [
      {"id": "a", "content": "retries use exponential backoff", "vector_score": 0.9},
      {"id": "b", "content": "backoff caps at 30s", "vector_score": 0.85},
      {"id": "c", "content": "jitter is applied", "vector_score": 0.8}
    ]
  }]
}`

func TestRunEvaluate_Answer(t *testing.T) {
	server := rerankServer(t, true)
	path := writeConfig(t, server.URL, "")

	var out bytes.Buffer
	err := runEvaluate([]string{"--config", path}, strings.NewReader(strongTurn), &out)
	require.NoError(t, err)

	var got struct {
		ID             string `json:"id"`
		ConversationID string `json:"conversation_id"`
		Verdict        struct {
			Action string `json:"action"`
		} `json:"verdict"`
		Tasks []struct {
			Category   string `json:"category"`
			Candidates []struct {
				ID     string `json:"id"`
				Scored bool   `json:"scored"`
			} `json:"candidates"`
		} `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "conv-7", got.ConversationID)
	assert.Equal(t, "answer", got.Verdict.Action)
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, "doc", got.Tasks[0].Category)
	require.Len(t, got.Tasks[0].Candidates, 3)
	assert.True(t, got.Tasks[0].Candidates[0].Scored)
}

func TestRunEvaluate_WideningRequestAndMetrics(t *testing.T) {
	server := rerankServer(t, true)
	path := writeConfig(t, server.URL, "")
	metricsPath := filepath.Join(t.TempDir(), "metrics.prom")
	t.Setenv("EVIDENCELOOP_METRICS_ENABLED", "true")
	t.Setenv("EVIDENCELOOP_METRICS_NAMESPACE", "evidenceloop_cli_test")

	input := `{"query": "retry helper", "tasks": [{"category": "code", "query": "retry helper", "candidates": []}]}`
	var out bytes.Buffer
	err := runEvaluate([]string{"--config", path, "--metrics-out", metricsPath}, strings.NewReader(input), &out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), `"action": "widen"`)
	assert.Contains(t, out.String(), `"widening_requests"`)

	data, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "evidenceloop_cli_test_routing_verdicts_total")
}

func TestRunEvaluate_InputFileAndErrors(t *testing.T) {
	server := rerankServer(t, true)
	path := writeConfig(t, server.URL, "")

	inputPath := filepath.Join(t.TempDir(), "turn.json")
	require.NoError(t, os.WriteFile(inputPath, []byte(strongTurn), 0o600))
	var out bytes.Buffer
	require.NoError(t, runEvaluate([]string{"--config", path, "--input", inputPath}, strings.NewReader(""), &out))

	err := runEvaluate([]string{"--config", path}, strings.NewReader(`{"tasks": [], "bogus": 1}`), io.Discard)
	assert.Error(t, err)

	bad := `{"tasks": [{"category": "doc", "query": "q", "candidates": [{"id": "a", "vector_score": 2}]}]}`
	err = runEvaluate([]string{"--config", path}, strings.NewReader(bad), io.Discard)
	assert.Error(t, err)

	err = runEvaluate([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, strings.NewReader(strongTurn), io.Discard)
	assert.Error(t, err)
}

func TestDecodeTurn_DefaultsQueryFromFirstTask(t *testing.T) {
	turn, err := decodeTurn(strings.NewReader(`{"tasks": [{"category": "web", "query": "weather in Oslo", "candidates": []}]}`))
	require.NoError(t, err)
	assert.Equal(t, "weather in Oslo", turn.Query)
	assert.NotEmpty(t, turn.ID)
}

func TestRunHealthCheck(t *testing.T) {
	tests := []struct {
		name    string
		healthy bool
		wantErr bool
		want    string
	}{
		{name: "healthy", healthy: true, want: "OK"},
		{name: "down", healthy: false, wantErr: true, want: "DOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := rerankServer(t, tt.healthy)
			path := writeConfig(t, server.URL, "")

			var out bytes.Buffer
			err := runHealthCheck([]string{"--config", path}, &out)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Contains(t, out.String(), tt.want)
			assert.Contains(t, out.String(), "breaker=closed")
		})
	}
}

func TestInitLogger(t *testing.T) {
	tests := []struct {
		name  string
		cfg   config.LogConfig
		level zapcore.Level
	}{
		{name: "debug console", cfg: config.LogConfig{Level: "debug", Format: "console"}, level: zapcore.DebugLevel},
		{name: "warn json", cfg: config.LogConfig{Level: "warn", Format: "json"}, level: zapcore.WarnLevel},
		{name: "unknown level", cfg: config.LogConfig{Level: "loud"}, level: zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := initLogger(tt.cfg)
			require.NotNil(t, logger)
			assert.True(t, logger.Core().Enabled(tt.level))
			assert.False(t, logger.Core().Enabled(tt.level-1))
		})
	}
}
