package model

import "time"

// Stage is a position in the per-message pipeline state machine.
type Stage string

// Main-sequence stages, in required order, plus the terminal failure state.
const (
	StagePending             Stage = "pending"
	StageTriaged             Stage = "triaged"
	StageRelevanceClassified Stage = "relevance_classified"
	StageExtractionPending   Stage = "extraction_pending"
	StageExtractionComplete  Stage = "extraction_complete"
	StageSelected            Stage = "selected"
	StageFailed              Stage = "failed"
)

var stageRank = map[Stage]int{
	StagePending:             0,
	StageTriaged:             1,
	StageRelevanceClassified: 2,
	StageExtractionPending:   3,
	StageExtractionComplete:  4,
	StageSelected:            5,
}

// Rank returns the position of s in the main sequence, or -1 for StageFailed
// and unknown stages.
func (s Stage) Rank() int {
	if r, ok := stageRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s == StageFailed || s.Rank() >= 0
}

// CanAdvance reports whether a transition from s to next is a forward move.
// StageFailed is reachable from anywhere; everything else must advance
// monotonically through the main sequence.
func (s Stage) CanAdvance(next Stage) bool {
	if next == StageFailed {
		return true
	}
	return next.Rank() > s.Rank()
}

// PipelineState records a message's progress through the pipeline. One per
// (message, account) pair.
type PipelineState struct {
	MessageID           string           `json:"message_id" db:"message_id"`
	AccountID           string           `json:"account_id" db:"account_id"`
	Stage               Stage            `json:"stage" db:"stage"`
	IsJobRelated        *bool            `json:"is_job_related,omitempty" db:"is_job_related"`
	RelevanceConfidence *float64         `json:"relevance_confidence,omitempty" db:"relevance_confidence"`
	NeedsReview         bool             `json:"needs_review" db:"needs_review"`
	Selected            *ExtractedFields `json:"selected_extraction,omitempty" db:"selected_extraction"`
	SelectedModelID     string           `json:"selected_model_id,omitempty" db:"selected_model_id"`
	SelectionMethod     SelectionMethod  `json:"selection_method,omitempty" db:"selection_method"`
	ApplicationID       string           `json:"application_id,omitempty" db:"application_id"`
	UpdatedAt           time.Time        `json:"updated_at" db:"updated_at"`
}

// ExtractionAttempt is one structured-extraction attempt for a message.
// Append-only: attempts are never mutated or removed individually (bulk
// purge by model ID is allowed for cleanup).
type ExtractionAttempt struct {
	ID          string          `json:"id" db:"id"`
	MessageID   string          `json:"message_id" db:"message_id"`
	ModelID     string          `json:"model_id" db:"model_id"`
	Fields      ExtractedFields `json:"fields" db:"fields"`
	Duration    time.Duration   `json:"duration_ns" db:"duration_ns"`
	RawResponse string          `json:"raw_response,omitempty" db:"raw_response"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// ExtractedFields holds the structured facts pulled from a message. Every
// field is nullable; an extraction that found nothing is still an attempt.
type ExtractedFields struct {
	Company     *string `json:"company,omitempty"`
	Position    *string `json:"position,omitempty"`
	Status      *Status `json:"status,omitempty"`
	Location    *string `json:"location,omitempty"`
	Remote      *string `json:"remote,omitempty"`
	SalaryRange *string `json:"salary_range,omitempty"`
}

// IsEmpty reports whether no field was extracted.
func (f ExtractedFields) IsEmpty() bool {
	return f.Company == nil && f.Position == nil && f.Status == nil &&
		f.Location == nil && f.Remote == nil && f.SalaryRange == nil
}

// SelectionMethod names a consensus-selection strategy.
type SelectionMethod string

// Selection methods. SelectFirst is the backward-compatible default for
// single-attempt pipelines.
const (
	SelectAutoBest  SelectionMethod = "auto_best"
	SelectConsensus SelectionMethod = "consensus"
	SelectFastest   SelectionMethod = "fastest"
	SelectFirst     SelectionMethod = "first"
)

// Ptr returns a pointer to v. Convenience for building ExtractedFields.
func Ptr[T any](v T) *T { return &v }
