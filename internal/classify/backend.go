// Package classify implements the two-stage classification protocol: stage 1
// decides job-relatedness with a confidence, stage 2 extracts structured
// fields. Both stages are polymorphic over interchangeable model backends
// and degrade to deterministic heuristics when a backend fails.
package classify

import (
	"context"
	"time"

	"github.com/inboxpilot/jobtrack/internal/model"
)

// Classification stages, used for cache keying and backend dispatch.
const (
	StageRelevance  = "relevance"
	StageExtraction = "extraction"
)

// Input is the classification input for either stage.
type Input struct {
	Subject string            `json:"subject"`
	Body    string            `json:"body"`
	Sender  string            `json:"sender"`
	Headers map[string]string `json:"headers,omitempty"`

	// Stage1Confidence carries the relevance confidence into stage 2.
	Stage1Confidence float64 `json:"stage1_confidence,omitempty"`
}

// Result is a backend's answer for one invocation. Relevance fields are set
// for StageRelevance, Fields for StageExtraction; Raw and Duration always.
type Result struct {
	IsJobRelated bool                  `json:"is_job_related"`
	Confidence   float64               `json:"confidence"`
	Fields       model.ExtractedFields `json:"fields"`
	Raw          string                `json:"raw"`
	Duration     time.Duration         `json:"duration"`
	ModelID      string                `json:"model_id"`
}

// Backend is a model capable of answering both classification stages.
// Implementations may be local statistical scorers or remote LLMs; the
// classifier treats them uniformly.
type Backend interface {
	// ID identifies the backend/model for attempt attribution.
	ID() string

	// Invoke runs one classification stage. Implementations must respect
	// ctx cancellation and deadlines.
	Invoke(ctx context.Context, stage string, in Input) (*Result, error)
}

// InputFromMessage builds a classification input from a message.
func InputFromMessage(msg model.Message) Input {
	return Input{
		Subject: msg.Subject,
		Body:    msg.Body,
		Sender:  msg.SenderAddress(),
	}
}
