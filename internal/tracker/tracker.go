// Package tracker records per-message progress through the pipeline. It
// validates monotonic stage advancement and carries no business logic of its
// own: the pipeline decides what happens, the tracker decides whether the
// resulting transition is legal and persists it.
package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/inboxpilot/jobtrack/internal/model"
	"github.com/inboxpilot/jobtrack/internal/store"
)

// ErrBackwardTransition is returned when an advance would move a state
// backward in the main sequence without an explicit reset.
var ErrBackwardTransition = errors.New("tracker: backward transition rejected")

// ErrTerminal is returned when an advance is attempted on a failed state.
var ErrTerminal = errors.New("tracker: state is terminal")

// Tracker validates and persists pipeline state transitions.
type Tracker struct {
	store store.Store
	now   func() time.Time
}

func New(s store.Store) *Tracker {
	return &Tracker{store: s, now: time.Now}
}

// WithNow overrides the clock. Test hook.
func (t *Tracker) WithNow(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Ensure returns the message's pipeline state, creating a pending one if the
// message has never been tracked.
func (t *Tracker) Ensure(ctx context.Context, msg model.Message) (*model.PipelineState, error) {
	st, err := t.store.GetState(ctx, msg.ID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(err, "tracker: ensure state %s", msg.ID)
	}

	fresh := model.PipelineState{
		MessageID: msg.ID,
		AccountID: msg.AccountID,
		Stage:     model.StagePending,
		UpdatedAt: t.now().UTC(),
	}
	if err := t.store.SaveState(ctx, fresh); err != nil {
		return nil, eris.Wrapf(err, "tracker: create state %s", msg.ID)
	}
	return &fresh, nil
}

// Advance moves a message to the next stage. mutate, if non-nil, is applied
// to the state before persisting so stage data (relevance verdict, selected
// extraction) lands in the same write. Backward moves and moves out of the
// failed state are rejected with the state untouched.
func (t *Tracker) Advance(ctx context.Context, messageID string, next model.Stage, mutate func(*model.PipelineState)) (*model.PipelineState, error) {
	if !next.Valid() {
		return nil, eris.Errorf("tracker: unknown stage %q", next)
	}

	st, err := t.store.GetState(ctx, messageID)
	if err != nil {
		return nil, eris.Wrapf(err, "tracker: advance load %s", messageID)
	}
	if st.Stage == model.StageFailed {
		return nil, eris.Wrapf(ErrTerminal, "advance %s to %s", messageID, next)
	}
	if !st.Stage.CanAdvance(next) {
		return nil, eris.Wrapf(ErrBackwardTransition, "advance %s from %s to %s", messageID, st.Stage, next)
	}

	st.Stage = next
	if mutate != nil {
		mutate(st)
	}
	st.UpdatedAt = t.now().UTC()

	if err := t.store.SaveState(ctx, *st); err != nil {
		return nil, eris.Wrapf(err, "tracker: advance save %s", messageID)
	}
	return st, nil
}

// MarkFailed moves a message to the terminal failed state. Legal from any
// stage; the cause is logged, not stored.
func (t *Tracker) MarkFailed(ctx context.Context, messageID string, cause error) (*model.PipelineState, error) {
	st, err := t.store.GetState(ctx, messageID)
	if err != nil {
		return nil, eris.Wrapf(err, "tracker: fail load %s", messageID)
	}

	zap.L().Warn("message failed",
		zap.String("message_id", messageID),
		zap.String("stage", string(st.Stage)),
		zap.Error(cause))

	st.Stage = model.StageFailed
	st.UpdatedAt = t.now().UTC()
	if err := t.store.SaveState(ctx, *st); err != nil {
		return nil, eris.Wrapf(err, "tracker: fail save %s", messageID)
	}
	return st, nil
}

// SetNeedsReview sets or clears the review flag without touching the stage.
// Clearing is an explicit operator action, so it goes through here rather
// than an Advance mutate.
func (t *Tracker) SetNeedsReview(ctx context.Context, messageID string, flag bool) (*model.PipelineState, error) {
	st, err := t.store.GetState(ctx, messageID)
	if err != nil {
		return nil, eris.Wrapf(err, "tracker: review load %s", messageID)
	}
	if st.NeedsReview == flag {
		return st, nil
	}

	st.NeedsReview = flag
	st.UpdatedAt = t.now().UTC()
	if err := t.store.SaveState(ctx, *st); err != nil {
		return nil, eris.Wrapf(err, "tracker: review save %s", messageID)
	}
	return st, nil
}

// Reset returns a message to pending for reprocessing, clearing everything
// the pipeline derived. The explicit escape hatch from monotonicity; also the
// only way out of failed.
func (t *Tracker) Reset(ctx context.Context, messageID string) (*model.PipelineState, error) {
	st, err := t.store.GetState(ctx, messageID)
	if err != nil {
		return nil, eris.Wrapf(err, "tracker: reset load %s", messageID)
	}

	zap.L().Info("state reset", zap.String("message_id", messageID), zap.String("from", string(st.Stage)))

	reset := model.PipelineState{
		MessageID: st.MessageID,
		AccountID: st.AccountID,
		Stage:     model.StagePending,
		UpdatedAt: t.now().UTC(),
	}
	if err := t.store.SaveState(ctx, reset); err != nil {
		return nil, eris.Wrapf(err, "tracker: reset save %s", messageID)
	}
	return &reset, nil
}
