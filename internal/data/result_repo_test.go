package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefops/aiqueue/internal/core"
	apperrors "github.com/reliefops/aiqueue/internal/errors"

	"github.com/reliefops/aiqueue/internal/domain/model"
	"github.com/reliefops/aiqueue/internal/testutil"
)

type resultRepoFixture struct {
	jobs    *JobRepo
	results *ResultRepo
}

func newResultFixture(db *sql.DB) *resultRepoFixture {
	outbox := NewOutboxRepo(db, RepoConfig{})
	cfg := RepoConfig{Outbox: outbox}
	return &resultRepoFixture{
		jobs:    NewJobRepo(db, cfg),
		results: NewResultRepo(db, cfg),
	}
}

// succeededJob walks a fresh job through claim and success so it is reviewable.
func (f *resultRepoFixture) succeededJob(t *testing.T) *model.Job {
	t.Helper()
	job := mustInsertJob(t, f.jobs, testutil.NewSubmitJob().Build())
	claimed := mustClaimOne(t, f.jobs)
	require.Equal(t, job.ID, claimed.ID)

	applied, err := f.jobs.MarkSucceeded(context.Background(), core.SucceedJobParams{
		JobID:     job.ID,
		Output:    json.RawMessage(`{"summary": "done"}`),
		ModelName: "gpt-test",
	})
	require.NoError(t, err)
	require.True(t, applied)
	return job
}

func TestResultRepo_Accept(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		fx := newResultFixture(db)
		job := fx.succeededJob(t)

		result, err := fx.results.Accept(context.Background(), &model.AcceptResultRequest{
			JobID:          job.ID,
			ActorID:        "ops:alice",
			AppliedAction:  "update_summary",
			BeforeSnapshot: json.RawMessage(`{"summary": ""}`),
			AfterSnapshot:  json.RawMessage(`{"summary": "done"}`),
			AffectedEntities: []model.AffectedEntity{
				{Type: "document", ID: job.EntityID},
			},
		})
		require.NoError(t, err)

		assert.Equal(t, job.ID, result.JobID)
		require.NotNil(t, result.AcceptedBy)
		assert.Equal(t, "ops:alice", *result.AcceptedBy)
		assert.NotNil(t, result.AcceptedAt)
		assert.Nil(t, result.RejectedBy)
		require.NotNil(t, result.AppliedAction)
		assert.Equal(t, "update_summary", *result.AppliedAction)
		assert.JSONEq(t, `{"summary": "done"}`, string(result.AfterSnapshot))
		require.Len(t, result.AffectedEntities, 1)
		assert.Equal(t, job.EntityID, result.AffectedEntities[0].ID)

		assert.Equal(t, 1, countOutboxEvents(t, db, model.EventResultAccepted))
	})
}

func TestResultRepo_Accept_JobNotFound(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		fx := newResultFixture(db)

		_, err := fx.results.Accept(context.Background(), &model.AcceptResultRequest{
			JobID:         "00000000-0000-0000-0000-000000000000",
			ActorID:       "ops:alice",
			AppliedAction: "update_summary",
		})
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestResultRepo_Accept_JobNotSucceeded(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		fx := newResultFixture(db)
		queued := mustInsertJob(t, fx.jobs, testutil.NewSubmitJob().Build())

		_, err := fx.results.Accept(context.Background(), &model.AcceptResultRequest{
			JobID:         queued.ID,
			ActorID:       "ops:alice",
			AppliedAction: "update_summary",
		})
		require.Error(t, err)
		assert.True(t, apperrors.IsState(err))
	})
}

func TestResultRepo_Reject(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		fx := newResultFixture(db)
		job := fx.succeededJob(t)

		result, err := fx.results.Reject(context.Background(), &model.RejectResultRequest{
			JobID:   job.ID,
			ActorID: "ops:bob",
			Reason:  "hallucinated citation",
		})
		require.NoError(t, err)

		require.NotNil(t, result.RejectedBy)
		assert.Equal(t, "ops:bob", *result.RejectedBy)
		assert.NotNil(t, result.RejectedAt)
		require.NotNil(t, result.RejectionReason)
		assert.Equal(t, "hallucinated citation", *result.RejectionReason)
		assert.Nil(t, result.AcceptedBy)

		assert.Equal(t, 1, countOutboxEvents(t, db, model.EventResultRejected))
	})
}

func TestResultRepo_FirstWriterWins(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		fx := newResultFixture(db)
		job := fx.succeededJob(t)

		_, err := fx.results.Accept(context.Background(), &model.AcceptResultRequest{
			JobID:         job.ID,
			ActorID:       "ops:alice",
			AppliedAction: "update_summary",
		})
		require.NoError(t, err)

		// A later rejection loses; the accepted decision stands.
		_, err = fx.results.Reject(context.Background(), &model.RejectResultRequest{
			JobID:   job.ID,
			ActorID: "ops:bob",
			Reason:  "disagree",
		})
		require.Error(t, err)
		assert.True(t, apperrors.IsConflict(err))

		_, err = fx.results.Accept(context.Background(), &model.AcceptResultRequest{
			JobID:         job.ID,
			ActorID:       "ops:bob",
			AppliedAction: "other_action",
		})
		require.Error(t, err)
		assert.True(t, apperrors.IsConflict(err))

		result, err := fx.results.GetByJobID(context.Background(), job.ID)
		require.NoError(t, err)
		require.NotNil(t, result.AcceptedBy)
		assert.Equal(t, "ops:alice", *result.AcceptedBy)
		assert.Nil(t, result.RejectedBy)

		// Only the winning decision emitted an event.
		assert.Equal(t, 1, countOutboxEvents(t, db, model.EventResultAccepted))
		assert.Equal(t, 0, countOutboxEvents(t, db, model.EventResultRejected))
	})
}

func TestResultRepo_GetByJobID_NotFound(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		fx := newResultFixture(db)

		_, err := fx.results.GetByJobID(context.Background(), "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, ErrResultNotFound)
	})
}
