package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSubmitRequest() *SubmitJobRequest {
	return &SubmitJobRequest{
		UseCaseID:  "summarize",
		EntityType: "document",
		EntityID:   "doc-1",
		Priority:   50,
		Input:      json.RawMessage(`{"text": "hello"}`),
	}
}

func TestSubmitJobRequest_Validate_Success(t *testing.T) {
	req := validSubmitRequest()
	require.NoError(t, req.Validate())
}

func TestSubmitJobRequest_Validate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SubmitJobRequest)
		wantErr string
	}{
		{
			name:    "missing use case",
			mutate:  func(r *SubmitJobRequest) { r.UseCaseID = "  " },
			wantErr: "use case id is required",
		},
		{
			name:    "missing entity type",
			mutate:  func(r *SubmitJobRequest) { r.EntityType = "" },
			wantErr: "entity type is required",
		},
		{
			name:    "missing entity id",
			mutate:  func(r *SubmitJobRequest) { r.EntityID = "" },
			wantErr: "entity id is required",
		},
		{
			name:    "missing input",
			mutate:  func(r *SubmitJobRequest) { r.Input = nil },
			wantErr: "input is required",
		},
		{
			name:    "invalid input JSON",
			mutate:  func(r *SubmitJobRequest) { r.Input = json.RawMessage(`{"text": `) },
			wantErr: "input must be valid JSON",
		},
		{
			name:    "priority below range",
			mutate:  func(r *SubmitJobRequest) { r.Priority = -1 },
			wantErr: "priority must be between 0 and 100",
		},
		{
			name:    "priority above range",
			mutate:  func(r *SubmitJobRequest) { r.Priority = 101 },
			wantErr: "priority must be between 0 and 100",
		},
		{
			name:    "negative max attempts",
			mutate:  func(r *SubmitJobRequest) { r.MaxAttempts = -1 },
			wantErr: "max attempts must be >= 0",
		},
		{
			name: "blank idempotency key",
			mutate: func(r *SubmitJobRequest) {
				blank := "   "
				r.IdempotencyKey = &blank
			},
			wantErr: "idempotency key must not be blank when supplied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validSubmitRequest()
			tt.mutate(req)
			err := req.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSubmitJobRequest_Fingerprint_StableAcrossFormatting(t *testing.T) {
	a := validSubmitRequest()
	a.Input = json.RawMessage(`{"text":"hello","lang":"en"}`)

	b := validSubmitRequest()
	b.Input = json.RawMessage(`{
		"lang": "en",
		"text": "hello"
	}`)

	assert.Equal(t, a.Fingerprint(), b.Fingerprint(),
		"key order and whitespace must not change the fingerprint")
}

func TestSubmitJobRequest_Fingerprint_VariesWithInput(t *testing.T) {
	a := validSubmitRequest()
	b := validSubmitRequest()
	b.Input = json.RawMessage(`{"text": "goodbye"}`)

	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestSubmitJobRequest_Fingerprint_VariesWithUseCase(t *testing.T) {
	a := validSubmitRequest()
	b := validSubmitRequest()
	b.UseCaseID = "classify"

	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestJobStatus_Valid(t *testing.T) {
	for _, s := range []JobStatus{
		JobStatusQueued, JobStatusRunning, JobStatusSucceeded,
		JobStatusFailed, JobStatusSkipped, JobStatusCancelled,
	} {
		assert.True(t, s.Valid(), "expected %q to be valid", s)
	}
	assert.False(t, JobStatus("done").Valid())
	assert.False(t, JobStatus("").Valid())
}

func TestJobStatus_Terminal(t *testing.T) {
	assert.False(t, JobStatusQueued.Terminal())
	assert.False(t, JobStatusRunning.Terminal())
	assert.True(t, JobStatusSucceeded.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusSkipped.Terminal())
	assert.True(t, JobStatusCancelled.Terminal())
}

func TestJobStatus_UnmarshalText(t *testing.T) {
	var s JobStatus
	require.NoError(t, s.UnmarshalText([]byte(" Running ")))
	assert.Equal(t, JobStatusRunning, s)

	err := s.UnmarshalText([]byte("pending"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JobStatus")
}
