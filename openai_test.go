package custseg

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const completionResponse = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "gpt-4.1",
  "choices": [{
    "index": 0,
    "finish_reason": "stop",
    "message": {"role": "assistant", "content": "## Demographic Insights\n\n- Students"}
  }]
}`

func newTestGenerator(t *testing.T, handler http.HandlerFunc) *OpenAIGenerator {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	gen, err := NewOpenAIGenerator(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL + "/", Model: "gpt-4.1"})
	require.NoError(t, err)
	return gen
}

func TestOpenAIGenerate(t *testing.T) {
	var body map[string]any
	gen := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		data, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.NoError(t, json.Unmarshal(data, &body))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, completionResponse)
	})

	text, err := gen.Generate(context.Background(), GenerationRequest{
		ClusterID: 0,
		System:    "system",
		User:      "user",
		Sampling:  DefaultSampling(),
	})
	require.NoError(t, err)
	assert.Equal(t, "## Demographic Insights\n\n- Students", text)

	assert.Equal(t, "gpt-4.1", body["model"])
	assert.Equal(t, 0.7, body["temperature"])
	assert.Equal(t, 1.0, body["top_p"])
	assert.Equal(t, 600.0, body["max_tokens"])
	assert.NotContains(t, body, "response_format")
	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	assert.Equal(t, "user", messages[1].(map[string]any)["role"])
}

func TestOpenAIGenerateStructured(t *testing.T) {
	var body map[string]any
	gen := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, completionResponse)
	})
	schema, err := insightResponseSchema()
	require.NoError(t, err)

	_, err = gen.Generate(context.Background(), GenerationRequest{System: "s", User: "u", Sampling: DefaultSampling(), Schema: schema})
	require.NoError(t, err)

	format, ok := body["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_schema", format["type"])
	jsonSchema := format["json_schema"].(map[string]any)
	assert.Equal(t, "cluster_insight", jsonSchema["name"])
	assert.Equal(t, true, jsonSchema["strict"])
}

func TestOpenAIErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{status: http.StatusTooManyRequests, transient: true},
		{status: http.StatusBadGateway, transient: true},
		{status: http.StatusBadRequest, transient: false},
		{status: http.StatusUnauthorized, transient: false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var calls int
			gen := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				io.WriteString(w, `{"error": {"message": "nope", "type": "error"}}`)
			})
			_, err := gen.Generate(context.Background(), GenerationRequest{System: "s", User: "u", Sampling: DefaultSampling()})
			require.Error(t, err)
			assert.Equal(t, tt.transient, isTransient(err))
			assert.Equal(t, 1, calls, "the client must not retry on its own")
		})
	}
}

func TestOpenAINoChoices(t *testing.T) {
	gen := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"x","object":"chat.completion","created":1,"model":"gpt-4.1","choices":[]}`)
	})
	_, err := gen.Generate(context.Background(), GenerationRequest{System: "s", User: "u", Sampling: DefaultSampling()})
	assert.ErrorContains(t, err, "no choices")
}

func TestNewOpenAIGeneratorRequiresKey(t *testing.T) {
	_, err := NewOpenAIGenerator(OpenAIConfig{APIKey: "  "})
	assert.ErrorIs(t, err, ErrConfiguration)
}
