// Package executor provides the HTTP executor backing the dispatcher: it
// POSTs claimed job input to a provider gateway and maps the response onto
// an execution report.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/reliefops/aiqueue/internal/core"
)

const maxErrorBodySize = 4 * 1024

// Config captures the provider gateway endpoints and transport behaviour.
type Config struct {
	URL         string
	FallbackURL string
	RetryLimit  int
	Client      *http.Client
}

// HTTPExecutor implements core.Executor against a provider gateway.
type HTTPExecutor struct {
	url         string
	fallbackURL string
	retryLimit  int
	client      *http.Client
}

// executeRequest is the wire shape POSTed to the gateway.
type executeRequest struct {
	UseCaseID string          `json:"use_case_id"`
	Input     json.RawMessage `json:"input"`
}

// executeResponse is the wire shape the gateway returns on 200.
type executeResponse struct {
	Output        json.RawMessage `json:"output"`
	ModelName     string          `json:"model_name,omitempty"`
	PromptVersion string          `json:"prompt_version,omitempty"`
}

// gatewayError is the structured error body the gateway may return.
type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewHTTPExecutor builds the gateway executor. When FallbackURL is set the
// returned executor also implements core.FallbackExecutor, which enables
// the dispatcher's degraded path.
//
//nolint:ireturn // the fallback capability is advertised through the interface set.
func NewHTTPExecutor(cfg Config) (core.Executor, error) {
	gatewayURL := strings.TrimSpace(cfg.URL)
	if gatewayURL == "" {
		return nil, errors.New("executor url is required")
	}

	retries := cfg.RetryLimit
	if retries < 0 {
		retries = 0
	}

	hc := cfg.Client
	if hc == nil {
		// No client timeout: the dispatcher bounds each attempt via ctx.
		hc = &http.Client{}
	}

	exec := &HTTPExecutor{
		url:         gatewayURL,
		fallbackURL: strings.TrimSpace(cfg.FallbackURL),
		retryLimit:  retries,
		client:      hc,
	}
	if exec.fallbackURL != "" {
		return &fallbackHTTPExecutor{HTTPExecutor: exec}, nil
	}
	return exec, nil
}

// Execute implements core.Executor.
func (e *HTTPExecutor) Execute(ctx context.Context, useCaseID string, input json.RawMessage) core.ExecutionReport {
	return e.call(ctx, e.url, useCaseID, input)
}

// fallbackHTTPExecutor adds the degraded gateway path.
type fallbackHTTPExecutor struct {
	*HTTPExecutor
}

// Fallback implements core.FallbackExecutor.
func (e *fallbackHTTPExecutor) Fallback(ctx context.Context, useCaseID string, input json.RawMessage) core.ExecutionReport {
	return e.call(ctx, e.fallbackURL, useCaseID, input)
}

func (e *HTTPExecutor) call(ctx context.Context, endpoint, useCaseID string, input json.RawMessage) core.ExecutionReport {
	body, err := json.Marshal(executeRequest{UseCaseID: useCaseID, Input: input})
	if err != nil {
		return core.ExecutionReport{
			Err:       fmt.Errorf("encode execute request: %w", err),
			ErrorCode: "ENCODE_ERROR",
		}
	}

	attempts := e.retryLimit + 1
	var report core.ExecutionReport
	for attempt := range attempts {
		report = e.post(ctx, endpoint, body)
		if report.Err == nil || !report.Retryable || ctx.Err() != nil {
			return report
		}
		if attempt < attempts-1 {
			delay := time.Duration(attempt+1) * 200 * time.Millisecond
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return report
			case <-timer.C:
			}
		}
	}
	return report
}

func (e *HTTPExecutor) post(ctx context.Context, endpoint string, body []byte) core.ExecutionReport {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return core.ExecutionReport{
			Err:       fmt.Errorf("create execute request: %w", err),
			ErrorCode: "REQUEST_ERROR",
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		// Transport failures are worth retrying; the provider may be fine.
		return core.ExecutionReport{
			Err:       fmt.Errorf("execute request: %w", err),
			ErrorCode: "TRANSPORT_ERROR",
			Retryable: true,
		}
	}
	defer drainAndClose(resp.Body)

	return classifyResponse(resp)
}

func classifyResponse(resp *http.Response) core.ExecutionReport {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out executeResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
			return core.ExecutionReport{
				Err:       fmt.Errorf("decode execute response: %w", err),
				ErrorCode: "DECODE_ERROR",
			}
		}
		return core.ExecutionReport{
			Output:        out.Output,
			ModelName:     out.ModelName,
			PromptVersion: out.PromptVersion,
		}
	}

	gerr := readGatewayError(resp.Body)
	code := gerr.Code
	msg := gerr.Message
	if msg == "" {
		msg = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if code == "" {
			code = "RATE_LIMITED"
		}
		return core.ExecutionReport{
			Err:         fmt.Errorf("gateway rate limited: %s", msg),
			ErrorCode:   code,
			Retryable:   true,
			RateLimited: true,
		}
	case resp.StatusCode >= 500:
		if code == "" {
			code = "PROVIDER_ERROR"
		}
		return core.ExecutionReport{
			Err:       fmt.Errorf("gateway error %d: %s", resp.StatusCode, msg),
			ErrorCode: code,
			Retryable: true,
		}
	default:
		// 4xx means the request itself is bad; retrying will not help.
		if code == "" {
			code = "REJECTED"
		}
		return core.ExecutionReport{
			Err:       fmt.Errorf("gateway rejected request %d: %s", resp.StatusCode, msg),
			ErrorCode: code,
		}
	}
}

func readGatewayError(body io.Reader) gatewayError {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBodySize))
	if err != nil || len(data) == 0 {
		return gatewayError{}
	}
	var gerr gatewayError
	if err := json.Unmarshal(data, &gerr); err != nil {
		return gatewayError{Message: strings.TrimSpace(string(data))}
	}
	return gerr
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBodySize))
	_ = body.Close()
}
