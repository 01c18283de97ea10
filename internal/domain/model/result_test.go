package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptResultRequest_Validate(t *testing.T) {
	req := &AcceptResultRequest{JobID: "job-1", ActorID: "reviewer-1", AppliedAction: "applied_summary"}
	require.NoError(t, req.Validate())

	assert.Error(t, (&AcceptResultRequest{ActorID: "a", AppliedAction: "x"}).Validate())
	assert.Error(t, (&AcceptResultRequest{JobID: "j", AppliedAction: "x"}).Validate())
	assert.Error(t, (&AcceptResultRequest{JobID: "j", ActorID: "a"}).Validate())
}

func TestRejectResultRequest_Validate(t *testing.T) {
	req := &RejectResultRequest{JobID: "job-1", ActorID: "reviewer-1", Reason: "inaccurate"}
	require.NoError(t, req.Validate())

	assert.Error(t, (&RejectResultRequest{ActorID: "a", Reason: "r"}).Validate())
	assert.Error(t, (&RejectResultRequest{JobID: "j", Reason: "r"}).Validate())
	assert.Error(t, (&RejectResultRequest{JobID: "j", ActorID: "a", Reason: "  "}).Validate())
}

func TestResult_Decided(t *testing.T) {
	var nilResult *Result
	assert.False(t, nilResult.Decided())
	assert.Nil(t, nilResult.DecidedAt())

	undecided := &Result{JobID: "job-1"}
	assert.False(t, undecided.Decided())
	assert.Nil(t, undecided.DecidedAt())

	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	accepted := &Result{JobID: "job-1", AcceptedAt: &at}
	assert.True(t, accepted.Decided())
	require.NotNil(t, accepted.DecidedAt())
	assert.Equal(t, at, *accepted.DecidedAt())

	rejected := &Result{JobID: "job-1", RejectedAt: &at}
	assert.True(t, rejected.Decided())
	require.NotNil(t, rejected.DecidedAt())
	assert.Equal(t, at, *rejected.DecidedAt())
}
