package classify

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inboxpilot/jobtrack/internal/cache"
	"github.com/inboxpilot/jobtrack/internal/model"
	"github.com/inboxpilot/jobtrack/internal/resilience"
	"github.com/inboxpilot/jobtrack/internal/triage"
)

// RelevanceDecision is the stage-1 outcome for a message.
type RelevanceDecision struct {
	IsJobRelated bool
	Confidence   float64
	ModelID      string
	FromCache    bool
	FallbackUsed bool
	NeedsReview  bool
}

// Classifier orchestrates both stages: cache, retry, circuit breaker, and
// fallback. Safe for concurrent use.
type Classifier struct {
	primary   Backend
	fallback  Backend
	cache     *cache.Cache
	breaker   *resilience.CircuitBreaker
	retry     resilience.RetryConfig
	timeout   time.Duration
	threshold float64
	filter    *triage.Filter
	now       func() time.Time
}

// Options configures a Classifier.
type Options struct {
	// Primary is the preferred backend. When nil, Fallback answers directly.
	Primary Backend
	// Fallback must never return an error. Required.
	Fallback Backend
	// Cache stores stage-1 decisions. Required.
	Cache *cache.Cache
	// Filter identifies bulk senders for the rejection override. Required.
	Filter *triage.Filter
	// Timeout bounds each primary backend call.
	Timeout time.Duration
	// Threshold is the stage-1 confidence needed to reach stage 2.
	Threshold float64
	// FailureThreshold opens the circuit after that many consecutive primary
	// failures; CooldownSecs is the open interval before a probe.
	FailureThreshold int
	Cooldown         time.Duration
	Retry            resilience.RetryConfig
}

// New creates a Classifier.
func New(opts Options) *Classifier {
	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = resilience.DefaultRetryConfig()
	}
	failures := opts.FailureThreshold
	if failures <= 0 {
		failures = 5
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Classifier{
		primary:  opts.Primary,
		fallback: opts.Fallback,
		cache:    opts.Cache,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: failures,
			ResetTimeout:     cooldown,
		}),
		retry:     retry,
		timeout:   timeout,
		threshold: opts.Threshold,
		filter:    opts.Filter,
		now:       time.Now,
	}
}

// WithNow sets a fixed clock for testing.
func (c *Classifier) WithNow(now func() time.Time) *Classifier {
	c.now = now
	return c
}

// Threshold returns the configured stage-1 acceptance threshold.
func (c *Classifier) Threshold() float64 { return c.threshold }

// bulkRejectionRe matches rejection phrasing that ATS bulk senders emit
// for unrelated candidates as readily as for real applications.
var bulkRejectionRe = regexp.MustCompile(`(?i)(not (be )?moving forward|decided to (pursue|proceed with) other candidates|position has been filled|no longer under consideration|unable to offer you)`)

// BulkRejection reports whether a bulk sender is using rejection phrasing.
// Those messages get flagged for review no matter how the relevance decision
// went, since ATS templates read the same whether or not the recipient ever
// applied. Callers on the triage fast path need this too: the senders the
// filter trusts enough to skip stage 1 are exactly the bulk senders.
func BulkRejection(f *triage.Filter, msg model.Message) bool {
	if !f.IsBulkSender(msg) || !bulkRejectionRe.MatchString(msg.Subject+"\n"+msg.BodyPrefix()) {
		return false
	}
	zap.L().Info("classify: bulk rejection phrasing, flagged for review",
		zap.String("message_id", msg.ID),
		zap.String("sender", msg.Sender),
	)
	return true
}

// ClassifyRelevance runs stage 1 for a message. The primary backend runs
// behind the cache's single flight with retry and a circuit breaker; on any
// primary failure the keyword fallback answers instead, so the only error
// paths left are context cancellation and cache-read failure.
func (c *Classifier) ClassifyRelevance(ctx context.Context, msg model.Message) (RelevanceDecision, error) {
	key := cache.Key(msg.Subject, msg.BodyPrefix(), msg.Sender)
	in := InputFromMessage(msg)

	entry, hit, err := c.cache.GetOrCompute(ctx, StageRelevance, key, func(ctx context.Context) (cache.Entry, error) {
		res, usedFallback, err := c.invokeWithFallback(ctx, StageRelevance, in)
		if err != nil {
			return cache.Entry{}, err
		}
		return cache.Entry{
			Decision:     res.IsJobRelated,
			Confidence:   res.Confidence,
			ModelID:      res.ModelID,
			FallbackUsed: usedFallback,
		}, nil
	})
	if err != nil {
		return RelevanceDecision{}, err
	}

	dec := RelevanceDecision{
		IsJobRelated: entry.Decision,
		Confidence:   entry.Confidence,
		ModelID:      entry.ModelID,
		FromCache:    hit,
		FallbackUsed: entry.FallbackUsed,
	}

	if BulkRejection(c.filter, msg) {
		dec.NeedsReview = true
	}
	return dec, nil
}

// Extract runs stage 2 for a message and returns the attempt plus whether the
// deterministic fallback produced it. Attempts are never cached: consensus
// wants every attempt retained.
func (c *Classifier) Extract(ctx context.Context, msg model.Message, stage1Confidence float64) (*model.ExtractionAttempt, bool, error) {
	in := InputFromMessage(msg)
	in.Stage1Confidence = stage1Confidence

	res, fallbackUsed, err := c.invokeWithFallback(ctx, StageExtraction, in)
	if err != nil {
		return nil, false, err
	}

	return &model.ExtractionAttempt{
		ID:          uuid.NewString(),
		MessageID:   msg.ID,
		ModelID:     res.ModelID,
		Fields:      res.Fields,
		Duration:    res.Duration,
		RawResponse: res.Raw,
		CreatedAt:   c.now().UTC(),
	}, fallbackUsed, nil
}

// invokeWithFallback calls the primary backend with timeout, retry, and
// circuit breaker, then falls back to the keyword backend on any failure.
// The fallback never errors, so the returned error is only ever context
// cancellation.
func (c *Classifier) invokeWithFallback(ctx context.Context, stage string, in Input) (*Result, bool, error) {
	if c.primary != nil {
		res, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*Result, error) {
			return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*Result, error) {
				callCtx, cancel := context.WithTimeout(ctx, c.timeout)
				defer cancel()
				return c.primary.Invoke(callCtx, stage, in)
			})
		})
		if err == nil {
			return res, false, nil
		}
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		zap.L().Warn("classify: primary backend failed, using fallback",
			zap.String("stage", stage),
			zap.String("backend", c.primary.ID()),
			zap.Error(err),
		)
	}

	res, err := c.fallback.Invoke(ctx, stage, in)
	if err != nil {
		// The keyword backend has no error paths; reaching this means a
		// misconfigured custom fallback.
		return nil, true, err
	}
	return res, true, nil
}
