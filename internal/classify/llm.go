package classify

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/inboxpilot/jobtrack/pkg/anthropic"
)

const relevanceSystemPrompt = `You decide whether an email is about the recipient's own job application (application confirmations, interview scheduling, offers, rejections, recruiter outreach about a specific role). Marketing, newsletters, job-board digests of unrelated listings, receipts, and CI noise are not job-related. Respond with a valid JSON object: {"is_job_related": <bool>, "confidence": <0.0-1.0>}`

const relevanceUserPrompt = `From: %s
Subject: %s

Body (first 2000 chars):
%s`

const extractionSystemPrompt = `Extract job application facts from an email the recipient received about their own application. Respond with a valid JSON object: {"company": <string|null>, "position": <string|null>, "status": <"applied"|"screening"|"interview"|"offer"|"rejected"|"withdrawn"|null>, "location": <string|null>, "remote": <"remote"|"hybrid"|"onsite"|null>, "salary_range": <string|null>}. Use null for anything the email does not state.`

const extractionUserPrompt = `From: %s
Subject: %s
Relevance confidence from the previous stage: %.2f

Body (first 4000 chars):
%s`

// LLMBackend answers both stages with an Anthropic model. Invocations are
// rate limited; timeouts are the caller's responsibility via ctx.
type LLMBackend struct {
	client    anthropic.Client
	modelName string
	maxTokens int64
	limiter   *rate.Limiter
}

// NewLLMBackend creates an LLM backend.
func NewLLMBackend(client anthropic.Client, modelName string, maxTokens int64, requestsPerSecond float64) *LLMBackend {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 2
	}
	if maxTokens <= 0 {
		maxTokens = 256
	}
	return &LLMBackend{
		client:    client,
		modelName: modelName,
		maxTokens: maxTokens,
		limiter:   rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
}

// ID implements Backend.
func (b *LLMBackend) ID() string { return b.modelName }

// Invoke implements Backend. A malformed response is an error so the caller
// can fall back, exactly like an unavailable backend.
func (b *LLMBackend) Invoke(ctx context.Context, stage string, in Input) (*Result, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "llm: rate limiter wait")
	}

	var system string
	var prompt string
	switch stage {
	case StageExtraction:
		system = extractionSystemPrompt
		prompt = fmt.Sprintf(extractionUserPrompt, in.Sender, in.Subject, in.Stage1Confidence, truncate(in.Body, 4000))
	default:
		system = relevanceSystemPrompt
		prompt = fmt.Sprintf(relevanceUserPrompt, in.Sender, in.Subject, truncate(in.Body, 2000))
	}

	start := time.Now()
	resp, err := b.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     b.modelName,
		MaxTokens: b.maxTokens,
		System:    anthropic.CachedSystemBlocks(system),
		Messages: []anthropic.Message{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "llm: %s invoke", stage)
	}
	resp.Usage.LogCost(b.modelName, stage)

	text := resp.Text()
	res := &Result{
		Raw:      text,
		Duration: time.Since(start),
		ModelID:  b.modelName,
	}

	switch stage {
	case StageExtraction:
		fields, err := parseExtraction(text)
		if err != nil {
			return nil, err
		}
		res.Fields = fields
		res.IsJobRelated = true
		res.Confidence = in.Stage1Confidence
	default:
		relevant, conf, err := parseRelevance(text)
		if err != nil {
			return nil, err
		}
		res.IsJobRelated = relevant
		res.Confidence = conf
	}
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

var _ Backend = (*LLMBackend)(nil)
