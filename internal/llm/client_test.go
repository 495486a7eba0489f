package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coder/balatrollm/internal/llm"
)

func completionBody(finishReason string) map[string]any {
	return map[string]any{
		"id":       "chatcmpl-123",
		"provider": "test-provider",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": finishReason,
			"message": map[string]any{
				"role": "assistant",
				"tool_calls": []map[string]any{{
					"id":   "call_1",
					"type": "function",
					"function": map[string]any{
						"name":      "play_hand",
						"arguments": `{"cards":[0,1]}`,
					},
				}},
			},
		}},
		"usage": map[string]any{
			"prompt_tokens":     100,
			"completion_tokens": 20,
			"total_tokens":      120,
			"cost":              0.0012,
		},
	}
}

func testRequest() *llm.ChatCompletionRequest {
	return &llm.ChatCompletionRequest{
		Model:    "openai/gpt-4.1",
		Messages: []llm.Message{{Role: "user", Content: "your move"}},
		Extra:    map[string]any{"tool_choice": "auto"},
	}
}

func fastOpts() llm.Options {
	return llm.Options{
		Timeout:    100 * time.Millisecond,
		MaxRetries: 3,
		BackoffMin: time.Millisecond,
	}
}

func TestCallSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "openai/gpt-4.1", body["model"])
		assert.Equal(t, "auto", body["tool_choice"]) // merged extra field

		json.NewEncoder(w).Encode(completionBody("tool_calls"))
	}))
	defer srv.Close()

	c := llm.NewClient(srv.URL, "sk-test", fastOpts())
	defer c.Close()

	resp, raw, err := c.Call(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.NotEmpty(t, raw)
	assert.Equal(t, "test-provider", resp.Provider)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "play_hand", resp.Choices[0].Message.ToolCalls[0].Function.Name)
	assert.Equal(t, 0.0012, resp.Usage.Cost)
}

func TestCallRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(completionBody("tool_calls"))
	}))
	defer srv.Close()

	c := llm.NewClient(srv.URL, "sk-test", fastOpts())
	defer c.Close()

	_, _, err := c.Call(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCallRetryExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := llm.NewClient(srv.URL, "sk-test", fastOpts())
	defer c.Close()

	_, _, err := c.Call(context.Background(), testRequest())
	require.ErrorIs(t, err, llm.ErrRetryExhausted)
	assert.NotErrorIs(t, err, llm.ErrTimeoutExhausted)
	assert.True(t, llm.IsFatal(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestCallContentFilterRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			json.NewEncoder(w).Encode(completionBody("content_filter"))
			return
		}
		json.NewEncoder(w).Encode(completionBody("tool_calls"))
	}))
	defer srv.Close()

	c := llm.NewClient(srv.URL, "sk-test", fastOpts())
	defer c.Close()

	_, _, err := c.Call(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCallLengthCapReturnedAsIs(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(completionBody("length"))
	}))
	defer srv.Close()

	c := llm.NewClient(srv.URL, "sk-test", fastOpts())
	defer c.Close()

	resp, _, err := c.Call(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "length", resp.Choices[0].FinishReason)
}

func TestTimeoutCircuitBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	c := llm.NewClient(srv.URL, "sk-test", fastOpts())
	defer c.Close()

	_, _, err := c.Call(context.Background(), testRequest())
	require.ErrorIs(t, err, llm.ErrTimeoutExhausted)
	assert.True(t, llm.IsFatal(err))
	// Exactly three attempts: the breaker trips on the third timeout,
	// no fourth request is made.
	assert.Equal(t, int32(3), calls.Load())
}

func TestTimeoutCounterSpansCalls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	opts := fastOpts()
	opts.MaxRetries = 2
	c := llm.NewClient(srv.URL, "sk-test", opts)
	defer c.Close()

	// First call: two timeouts, breaker at 2, generic retry exhaustion.
	_, _, err := c.Call(context.Background(), testRequest())
	require.ErrorIs(t, err, llm.ErrRetryExhausted)
	assert.Equal(t, 2, c.ConsecutiveTimeouts())

	// Second call: third consecutive timeout trips the breaker on the
	// first attempt.
	_, _, err = c.Call(context.Background(), testRequest())
	require.ErrorIs(t, err, llm.ErrTimeoutExhausted)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSuccessResetsTimeoutCounter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			time.Sleep(300 * time.Millisecond)
			return
		}
		json.NewEncoder(w).Encode(completionBody("tool_calls"))
	}))
	defer srv.Close()

	c := llm.NewClient(srv.URL, "sk-test", fastOpts())
	defer c.Close()

	_, _, err := c.Call(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 0, c.ConsecutiveTimeouts())
}

func TestRequestMarshalMergesExtra(t *testing.T) {
	req := &llm.ChatCompletionRequest{
		Model:    "a/b",
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
		Tools:    []json.RawMessage{json.RawMessage(`{"type":"function"}`)},
		Extra: map[string]any{
			"seed":                1,
			"parallel_tool_calls": false,
			"model":               "ignored", // core fields win over extras
		},
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "a/b", body["model"])
	assert.Equal(t, float64(1), body["seed"])
	assert.Equal(t, false, body["parallel_tool_calls"])
	assert.Len(t, body["tools"], 1)
}
