package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/inboxpilot/jobtrack/internal/model"
)

// BatchResult summarizes one batch run.
type BatchResult struct {
	Processed    int
	Succeeded    int
	NotJob       int
	NeedsReview  int
	FallbackUsed int
	Failed       int
	Results      []MessageResult
}

// RunBatch loads pending messages and processes them concurrently, up to
// concurrency workers. Individual failures never abort the batch; only
// context cancellation stops it, and then between messages, never mid-write.
func (p *Pipeline) RunBatch(ctx context.Context, accountID string, limit, concurrency int) (*BatchResult, error) {
	if concurrency <= 0 {
		concurrency = 4
	}

	msgs, err := p.store.ListPendingMessages(ctx, accountID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load pending")
	}
	if len(msgs) == 0 {
		zap.L().Info("no pending messages")
		return &BatchResult{}, nil
	}

	zap.L().Info("processing batch",
		zap.Int("messages", len(msgs)),
		zap.Int("concurrency", concurrency))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	results := make([]MessageResult, len(msgs))

	for i, msg := range msgs {
		i, msg := i, msg
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = MessageResult{MessageID: msg.ID, Err: err}
				return nil
			}

			res := p.Process(gctx, msg)
			results[i] = res
			if res.Err != nil {
				zap.L().Error("message processing failed",
					zap.String("message_id", msg.ID),
					zap.Error(res.Err))
			}
			return nil // individual failures don't abort the batch
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "pipeline: batch")
	}

	out := &BatchResult{Processed: len(results), Results: results}
	for _, r := range results {
		switch {
		case r.Err != nil:
			out.Failed++
		case r.Stage == model.StageTriaged && !r.IsJobRelated:
			out.NotJob++
		default:
			out.Succeeded++
		}
		if r.NeedsReview {
			out.NeedsReview++
		}
		if r.FallbackUsed {
			out.FallbackUsed++
		}
	}

	zap.L().Info("batch complete",
		zap.Int("processed", out.Processed),
		zap.Int("succeeded", out.Succeeded),
		zap.Int("not_job", out.NotJob),
		zap.Int("needs_review", out.NeedsReview),
		zap.Int("fallback_used", out.FallbackUsed),
		zap.Int("failed", out.Failed))
	return out, nil
}
