package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefops/aiqueue/internal/core"
)

func newGateway(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestNewHTTPExecutor_RequiresURL(t *testing.T) {
	_, err := NewHTTPExecutor(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url is required")
}

func TestNewHTTPExecutor_FallbackCapability(t *testing.T) {
	plain, err := NewHTTPExecutor(Config{URL: "http://gateway.local/execute"})
	require.NoError(t, err)
	_, hasFallback := plain.(core.FallbackExecutor)
	assert.False(t, hasFallback)

	withFallback, err := NewHTTPExecutor(Config{
		URL:         "http://gateway.local/execute",
		FallbackURL: "http://gateway.local/fallback",
	})
	require.NoError(t, err)
	_, hasFallback = withFallback.(core.FallbackExecutor)
	assert.True(t, hasFallback)
}

func TestHTTPExecutor_Execute_Success(t *testing.T) {
	srv := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req executeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "summarize", req.UseCaseID)
		assert.JSONEq(t, `{"text": "hello"}`, string(req.Input))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output": {"summary": "ok"}, "model_name": "gpt-test", "prompt_version": "v3"}`))
	})

	exec, err := NewHTTPExecutor(Config{URL: srv.URL})
	require.NoError(t, err)

	report := exec.Execute(context.Background(), "summarize", json.RawMessage(`{"text": "hello"}`))
	require.NoError(t, report.Err)
	assert.False(t, report.Failed())
	assert.JSONEq(t, `{"summary": "ok"}`, string(report.Output))
	assert.Equal(t, "gpt-test", report.ModelName)
	assert.Equal(t, "v3", report.PromptVersion)
}

func TestHTTPExecutor_Execute_RateLimited(t *testing.T) {
	srv := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code": "RATE_LIMITED", "message": "slow down"}`))
	})

	exec, err := NewHTTPExecutor(Config{URL: srv.URL})
	require.NoError(t, err)

	report := exec.Execute(context.Background(), "summarize", json.RawMessage(`{}`))
	require.True(t, report.Failed())
	assert.Equal(t, "RATE_LIMITED", report.ErrorCode)
	assert.True(t, report.Retryable)
	assert.True(t, report.RateLimited)
	assert.Contains(t, report.Err.Error(), "slow down")
}

func TestHTTPExecutor_Execute_ServerErrorIsRetryable(t *testing.T) {
	srv := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	exec, err := NewHTTPExecutor(Config{URL: srv.URL})
	require.NoError(t, err)

	report := exec.Execute(context.Background(), "summarize", json.RawMessage(`{}`))
	require.True(t, report.Failed())
	assert.Equal(t, "PROVIDER_ERROR", report.ErrorCode)
	assert.True(t, report.Retryable)
	assert.False(t, report.RateLimited)
}

func TestHTTPExecutor_Execute_ClientErrorIsTerminal(t *testing.T) {
	srv := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code": "INVALID_INPUT", "message": "input schema mismatch"}`))
	})

	exec, err := NewHTTPExecutor(Config{URL: srv.URL})
	require.NoError(t, err)

	report := exec.Execute(context.Background(), "summarize", json.RawMessage(`{}`))
	require.True(t, report.Failed())
	assert.Equal(t, "INVALID_INPUT", report.ErrorCode)
	assert.False(t, report.Retryable)
}

func TestHTTPExecutor_Execute_ClientErrorDefaultCode(t *testing.T) {
	srv := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("plain text failure"))
	})

	exec, err := NewHTTPExecutor(Config{URL: srv.URL})
	require.NoError(t, err)

	report := exec.Execute(context.Background(), "summarize", json.RawMessage(`{}`))
	require.True(t, report.Failed())
	assert.Equal(t, "REJECTED", report.ErrorCode)
	assert.Contains(t, report.Err.Error(), "plain text failure")
}

func TestHTTPExecutor_Execute_MalformedSuccessBody(t *testing.T) {
	srv := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"output": `))
	})

	exec, err := NewHTTPExecutor(Config{URL: srv.URL})
	require.NoError(t, err)

	report := exec.Execute(context.Background(), "summarize", json.RawMessage(`{}`))
	require.True(t, report.Failed())
	assert.Equal(t, "DECODE_ERROR", report.ErrorCode)
	assert.False(t, report.Retryable)
}

func TestHTTPExecutor_Execute_TransportErrorIsRetryable(t *testing.T) {
	srv := newGateway(t, func(http.ResponseWriter, *http.Request) {})
	srv.Close() // connection refused from here on

	exec, err := NewHTTPExecutor(Config{URL: srv.URL})
	require.NoError(t, err)

	report := exec.Execute(context.Background(), "summarize", json.RawMessage(`{}`))
	require.True(t, report.Failed())
	assert.Equal(t, "TRANSPORT_ERROR", report.ErrorCode)
	assert.True(t, report.Retryable)
}

func TestHTTPExecutor_Execute_RetriesRetryableFailures(t *testing.T) {
	var calls atomic.Int32
	srv := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"output": {"summary": "eventually"}}`))
	})

	exec, err := NewHTTPExecutor(Config{URL: srv.URL, RetryLimit: 2})
	require.NoError(t, err)

	report := exec.Execute(context.Background(), "summarize", json.RawMessage(`{}`))
	require.NoError(t, report.Err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPExecutor_Execute_DoesNotRetryTerminalFailures(t *testing.T) {
	var calls atomic.Int32
	srv := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	exec, err := NewHTTPExecutor(Config{URL: srv.URL, RetryLimit: 3})
	require.NoError(t, err)

	report := exec.Execute(context.Background(), "summarize", json.RawMessage(`{}`))
	require.True(t, report.Failed())
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPExecutor_Fallback_HitsFallbackEndpoint(t *testing.T) {
	var primaryCalls, fallbackCalls atomic.Int32
	primary := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		primaryCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	fallback := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		fallbackCalls.Add(1)
		_, _ = w.Write([]byte(`{"output": {"summary": "cached"}}`))
	})

	exec, err := NewHTTPExecutor(Config{URL: primary.URL, FallbackURL: fallback.URL})
	require.NoError(t, err)

	fb, ok := exec.(core.FallbackExecutor)
	require.True(t, ok)

	report := fb.Fallback(context.Background(), "summarize", json.RawMessage(`{}`))
	require.NoError(t, report.Err)
	assert.JSONEq(t, `{"summary": "cached"}`, string(report.Output))
	assert.Zero(t, primaryCalls.Load())
	assert.Equal(t, int32(1), fallbackCalls.Load())
}

func TestHTTPExecutor_Execute_CancelledContextStopsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	exec, err := NewHTTPExecutor(Config{URL: srv.URL, RetryLimit: 5})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := exec.Execute(ctx, "summarize", json.RawMessage(`{}`))
	require.True(t, report.Failed())
	assert.LessOrEqual(t, calls.Load(), int32(1))
}
