// Package pipeline orchestrates the per-message flow: triage, relevance
// classification, extraction, consensus selection, and application matching.
// Each stage boundary is recorded through the tracker; a message is never
// left partially advanced.
package pipeline

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/inboxpilot/jobtrack/internal/classify"
	"github.com/inboxpilot/jobtrack/internal/consensus"
	"github.com/inboxpilot/jobtrack/internal/match"
	"github.com/inboxpilot/jobtrack/internal/model"
	"github.com/inboxpilot/jobtrack/internal/store"
	"github.com/inboxpilot/jobtrack/internal/tracker"
	"github.com/inboxpilot/jobtrack/internal/triage"
)

// Pipeline wires the stage components together over a shared store.
type Pipeline struct {
	store      store.Store
	tracker    *tracker.Tracker
	filter     *triage.Filter
	classifier *classify.Classifier
	engine     *match.Engine
	method     model.SelectionMethod
	passes     int
}

// Options configures a Pipeline. Store, Filter, Classifier, and Engine are
// required; Tracker defaults to one over Store, Method to first-attempt.
type Options struct {
	Store      store.Store
	Tracker    *tracker.Tracker
	Filter     *triage.Filter
	Classifier *classify.Classifier
	Engine     *match.Engine
	Method     model.SelectionMethod
	// Passes is how many extraction attempts to gather per message. More
	// than one only pays off with a consensus-style selection method.
	Passes int
}

func New(opts Options) *Pipeline {
	p := &Pipeline{
		store:      opts.Store,
		tracker:    opts.Tracker,
		filter:     opts.Filter,
		classifier: opts.Classifier,
		engine:     opts.Engine,
		method:     opts.Method,
		passes:     opts.Passes,
	}
	if p.tracker == nil {
		p.tracker = tracker.New(opts.Store)
	}
	if p.method == "" {
		p.method = model.SelectFirst
	}
	if p.passes <= 0 {
		p.passes = 1
	}
	return p
}

// MessageResult is the outcome of one message's trip through the pipeline.
type MessageResult struct {
	MessageID    string
	Stage        model.Stage
	IsJobRelated bool
	NeedsReview  bool
	FromCache    bool
	FallbackUsed bool
	MatchedBy    string
	Err          error
}

// Process runs one message through every stage it qualifies for. Messages
// parked at extraction_pending by an earlier interrupted run resume stage 2;
// anything else past pending is returned as-is. An error result means the
// message could not be advanced; context cancellation leaves the state where
// it was, eligible for a rerun, while other failures park it at failed.
func (p *Pipeline) Process(ctx context.Context, msg model.Message) MessageResult {
	res := MessageResult{MessageID: msg.ID}

	st, err := p.tracker.Ensure(ctx, msg)
	if err != nil {
		res.Err = err
		return res
	}
	switch st.Stage {
	case model.StagePending:
	case model.StageExtractionPending:
		// Interrupted mid-extraction; resume with the stored stage-1 result.
		confidence := p.classifier.Threshold()
		if st.RelevanceConfidence != nil {
			confidence = *st.RelevanceConfidence
		}
		if st.IsJobRelated != nil {
			res.IsJobRelated = *st.IsJobRelated
		}
		return p.extractAndMatch(ctx, msg, confidence, res)
	default:
		res.Stage = st.Stage
		res.NeedsReview = st.NeedsReview
		return res
	}

	// Triage. A not_job verdict parks the message at triaged; definitely_job
	// skips stage-1 classification with full confidence.
	verdict := p.filter.Classify(msg)
	if verdict == triage.VerdictNotJob {
		related := false
		st, err = p.tracker.Advance(ctx, msg.ID, model.StageTriaged, func(s *model.PipelineState) {
			s.IsJobRelated = &related
		})
		if err != nil {
			res.Err = err
			return res
		}
		res.Stage = st.Stage
		return res
	}
	if _, err = p.tracker.Advance(ctx, msg.ID, model.StageTriaged, nil); err != nil {
		res.Err = err
		return res
	}

	var isJobRelated bool
	var confidence float64
	switch verdict {
	case triage.VerdictDefinitelyJob:
		isJobRelated = true
		confidence = 1.0
		// The senders trusted enough to skip stage 1 are the bulk senders,
		// so the rejection-phrasing override has to run here too.
		if classify.BulkRejection(p.filter, msg) {
			res.NeedsReview = true
		}
	default:
		dec, err := p.classifier.ClassifyRelevance(ctx, msg)
		if err != nil {
			p.fail(ctx, msg.ID, err)
			res.Err = eris.Wrapf(err, "pipeline: relevance %s", msg.ID)
			return res
		}
		isJobRelated = dec.IsJobRelated
		confidence = dec.Confidence
		res.FromCache = dec.FromCache
		res.FallbackUsed = dec.FallbackUsed
		res.NeedsReview = dec.NeedsReview
	}

	st, err = p.tracker.Advance(ctx, msg.ID, model.StageRelevanceClassified, func(s *model.PipelineState) {
		s.IsJobRelated = &isJobRelated
		s.RelevanceConfidence = &confidence
		if res.NeedsReview {
			s.NeedsReview = true
		}
	})
	if err != nil {
		res.Err = err
		return res
	}
	res.IsJobRelated = isJobRelated

	// Gate: only confident job-related messages are worth an extraction call.
	if !isJobRelated || confidence < p.classifier.Threshold() {
		res.Stage = st.Stage
		return res
	}

	if _, err = p.tracker.Advance(ctx, msg.ID, model.StageExtractionPending, nil); err != nil {
		res.Err = err
		return res
	}

	return p.extractAndMatch(ctx, msg, confidence, res)
}

// extractAndMatch runs stage 2 onward: extraction passes, consensus
// selection, and application matching. Entered with the state at
// extraction_pending, either freshly advanced or resumed from an earlier
// interrupted run.
func (p *Pipeline) extractAndMatch(ctx context.Context, msg model.Message, confidence float64, res MessageResult) MessageResult {
	var lastAttempt *model.ExtractionAttempt
	for pass := 0; pass < p.passes; pass++ {
		attempt, fallbackUsed, err := p.classifier.Extract(ctx, msg, confidence)
		if err != nil {
			// Cancellation leaves the state at extraction_pending for a
			// rerun; anything else means a misconfigured fallback.
			p.fail(ctx, msg.ID, err)
			res.Err = eris.Wrapf(err, "pipeline: extract %s", msg.ID)
			res.Stage = model.StageExtractionPending
			return res
		}
		res.FallbackUsed = res.FallbackUsed || fallbackUsed
		if err := p.store.AppendAttempt(ctx, *attempt); err != nil {
			p.fail(ctx, msg.ID, err)
			res.Err = eris.Wrapf(err, "pipeline: record attempt %s", msg.ID)
			return res
		}
		lastAttempt = attempt
	}

	// Consensus over every retained attempt, not just this run's.
	attempts, err := p.store.ListAttempts(ctx, msg.ID)
	if err != nil {
		p.fail(ctx, msg.ID, err)
		res.Err = eris.Wrapf(err, "pipeline: load attempts %s", msg.ID)
		return res
	}
	sel, err := consensus.Select(attempts, p.method)
	if err != nil {
		p.fail(ctx, msg.ID, err)
		res.Err = eris.Wrapf(err, "pipeline: select %s", msg.ID)
		return res
	}

	st, err := p.tracker.Advance(ctx, msg.ID, model.StageExtractionComplete, func(s *model.PipelineState) {
		selected := sel.Fields
		s.Selected = &selected
		s.SelectedModelID = sel.ModelID
		s.SelectionMethod = sel.Method
	})
	if err != nil {
		res.Err = err
		return res
	}
	res.Stage = st.Stage

	// Matching. An extraction with no company cannot be linked or turned
	// into a record, so it waits at extraction_complete for a human.
	outcome, err := p.engine.Assign(ctx, msg, sel.Fields)
	if errors.Is(err, match.ErrInsufficientData) {
		st, err = p.tracker.SetNeedsReview(ctx, msg.ID, true)
		if err != nil {
			res.Err = err
			return res
		}
		res.NeedsReview = true
		res.Stage = st.Stage
		return res
	}
	if err != nil {
		p.fail(ctx, msg.ID, err)
		res.Err = eris.Wrapf(err, "pipeline: match %s", msg.ID)
		return res
	}

	st, err = p.tracker.Advance(ctx, msg.ID, model.StageSelected, func(s *model.PipelineState) {
		s.ApplicationID = outcome.Application.ID
	})
	if err != nil {
		res.Err = err
		return res
	}
	res.Stage = st.Stage
	res.NeedsReview = st.NeedsReview
	res.MatchedBy = outcome.MatchedBy

	zap.L().Debug("message processed",
		zap.String("message_id", msg.ID),
		zap.String("matched_by", outcome.MatchedBy),
		zap.String("application_id", outcome.Application.ID),
		zap.Duration("extract_duration", lastAttempt.Duration))
	return res
}

// fail parks the message at failed unless the error came from the caller's
// context; a canceled run keeps its state so the next batch picks it up.
func (p *Pipeline) fail(ctx context.Context, messageID string, cause error) {
	if ctx.Err() != nil {
		return
	}
	if _, err := p.tracker.MarkFailed(ctx, messageID, cause); err != nil {
		zap.L().Warn("pipeline: mark failed",
			zap.String("message_id", messageID),
			zap.Error(err))
	}
}
