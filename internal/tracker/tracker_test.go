package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxpilot/jobtrack/internal/model"
	"github.com/inboxpilot/jobtrack/internal/store"
)

func newTestTracker(t *testing.T) (*Tracker, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemory()
	return New(s), s
}

func seedMessage(t *testing.T, tr *Tracker, s *store.MemoryStore, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := s.UpsertMessage(ctx, model.Message{
		ID: id, ThreadID: "t-" + id, AccountID: "acct-1", ReceivedAt: time.Now(),
	})
	require.NoError(t, err)
	_, err = tr.Ensure(ctx, model.Message{ID: id, AccountID: "acct-1"})
	require.NoError(t, err)
}

func TestTracker_EnsureCreatesPending(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	st, err := tr.Ensure(ctx, model.Message{ID: "m1", AccountID: "acct-1"})
	require.NoError(t, err)
	assert.Equal(t, model.StagePending, st.Stage)
	assert.Equal(t, "acct-1", st.AccountID)

	// Second call returns the existing state unchanged.
	_, err = tr.Advance(ctx, "m1", model.StageTriaged, nil)
	require.NoError(t, err)

	st, err = tr.Ensure(ctx, model.Message{ID: "m1", AccountID: "acct-1"})
	require.NoError(t, err)
	assert.Equal(t, model.StageTriaged, st.Stage)
}

func TestTracker_AdvanceMonotonic(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()
	seedMessage(t, tr, s, "m1")

	sequence := []model.Stage{
		model.StageTriaged,
		model.StageRelevanceClassified,
		model.StageExtractionPending,
		model.StageExtractionComplete,
		model.StageSelected,
	}
	for _, next := range sequence {
		st, err := tr.Advance(ctx, "m1", next, nil)
		require.NoError(t, err)
		assert.Equal(t, next, st.Stage)
	}
}

func TestTracker_AdvanceSkippingStagesAllowed(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()
	seedMessage(t, tr, s, "m1")

	// Triage-confident messages jump stage-1 classification entirely.
	st, err := tr.Advance(ctx, "m1", model.StageRelevanceClassified, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StageRelevanceClassified, st.Stage)
}

func TestTracker_BackwardRejected(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()
	seedMessage(t, tr, s, "m1")

	_, err := tr.Advance(ctx, "m1", model.StageExtractionComplete, nil)
	require.NoError(t, err)

	_, err = tr.Advance(ctx, "m1", model.StageTriaged, nil)
	assert.ErrorIs(t, err, ErrBackwardTransition)

	// Same-stage is also not an advance.
	_, err = tr.Advance(ctx, "m1", model.StageExtractionComplete, nil)
	assert.ErrorIs(t, err, ErrBackwardTransition)

	// The rejected transition left the state untouched.
	st, err := s.GetState(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.StageExtractionComplete, st.Stage)
}

func TestTracker_MutateAppliedInSameWrite(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()
	seedMessage(t, tr, s, "m1")

	conf := 0.85
	related := true
	_, err := tr.Advance(ctx, "m1", model.StageRelevanceClassified, func(st *model.PipelineState) {
		st.IsJobRelated = &related
		st.RelevanceConfidence = &conf
	})
	require.NoError(t, err)

	st, err := s.GetState(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, st.IsJobRelated)
	assert.True(t, *st.IsJobRelated)
	require.NotNil(t, st.RelevanceConfidence)
	assert.InDelta(t, 0.85, *st.RelevanceConfidence, 0.001)
}

func TestTracker_FailedIsTerminal(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()
	seedMessage(t, tr, s, "m1")

	_, err := tr.Advance(ctx, "m1", model.StageExtractionPending, nil)
	require.NoError(t, err)

	st, err := tr.MarkFailed(ctx, "m1", errors.New("backend unavailable"))
	require.NoError(t, err)
	assert.Equal(t, model.StageFailed, st.Stage)

	_, err = tr.Advance(ctx, "m1", model.StageSelected, nil)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestTracker_FailedReachableFromAnyStage(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()

	for _, stage := range []model.Stage{model.StagePending, model.StageSelected} {
		id := "m-" + string(stage)
		seedMessage(t, tr, s, id)
		if stage != model.StagePending {
			_, err := tr.Advance(ctx, id, stage, nil)
			require.NoError(t, err)
		}
		st, err := tr.MarkFailed(ctx, id, errors.New("boom"))
		require.NoError(t, err)
		assert.Equal(t, model.StageFailed, st.Stage)
	}
}

func TestTracker_NeedsReviewOrthogonalToStage(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()
	seedMessage(t, tr, s, "m1")

	_, err := tr.Advance(ctx, "m1", model.StageTriaged, nil)
	require.NoError(t, err)

	st, err := tr.SetNeedsReview(ctx, "m1", true)
	require.NoError(t, err)
	assert.True(t, st.NeedsReview)
	assert.Equal(t, model.StageTriaged, st.Stage)

	// The flag survives later advances.
	st, err = tr.Advance(ctx, "m1", model.StageRelevanceClassified, nil)
	require.NoError(t, err)
	assert.True(t, st.NeedsReview)

	st, err = tr.SetNeedsReview(ctx, "m1", false)
	require.NoError(t, err)
	assert.False(t, st.NeedsReview)
}

func TestTracker_ResetClearsDerivedState(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()
	seedMessage(t, tr, s, "m1")

	related := true
	_, err := tr.Advance(ctx, "m1", model.StageRelevanceClassified, func(st *model.PipelineState) {
		st.IsJobRelated = &related
		st.NeedsReview = true
	})
	require.NoError(t, err)

	st, err := tr.Reset(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.StagePending, st.Stage)
	assert.Nil(t, st.IsJobRelated)
	assert.False(t, st.NeedsReview)

	// Reset is the one way out of failed.
	_, err = tr.MarkFailed(ctx, "m1", errors.New("boom"))
	require.NoError(t, err)
	st, err = tr.Reset(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.StagePending, st.Stage)

	_, err = tr.Advance(ctx, "m1", model.StageTriaged, nil)
	require.NoError(t, err)
}

func TestTracker_UnknownMessage(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.Advance(ctx, "missing", model.StageTriaged, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = tr.SetNeedsReview(ctx, "missing", true)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTracker_UnknownStageRejected(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()
	seedMessage(t, tr, s, "m1")

	_, err := tr.Advance(ctx, "m1", model.Stage("archived"), nil)
	assert.Error(t, err)
}
