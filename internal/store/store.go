// Package store is the persistence layer: messages, pipeline states, the
// append-only extraction attempt log, the classification cache table,
// application records, and their status history. Three drivers: Postgres
// (pgxpool), SQLite (modernc), and in-memory.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/inboxpilot/jobtrack/internal/cache"
	"github.com/inboxpilot/jobtrack/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = eris.New("store: not found")

// StateFilter specifies criteria for listing pipeline states.
type StateFilter struct {
	AccountID   string      `json:"account_id,omitempty"`
	Stage       model.Stage `json:"stage,omitempty"`
	NeedsReview *bool       `json:"needs_review,omitempty"`
	Limit       int         `json:"limit,omitempty"`
	Offset      int         `json:"offset,omitempty"`
}

// ApplicationFilter specifies criteria for listing applications.
type ApplicationFilter struct {
	AccountID string       `json:"account_id,omitempty"`
	Status    model.Status `json:"status,omitempty"`
	Company   string       `json:"company,omitempty"`
	Limit     int          `json:"limit,omitempty"`
	Offset    int          `json:"offset,omitempty"`
}

// AttachParams describes attaching one message to an application record.
// The store applies all of it atomically: counter and timestamp updates, the
// thread-set addition, and (when NewStatus is set) the status change plus its
// history entry.
type AttachParams struct {
	ApplicationID string
	MessageID     string
	ThreadID      string
	OccurredAt    time.Time
	NewStatus     *model.Status
}

// Store defines the persistence interface for the pipeline.
type Store interface {
	// Messages. UpsertMessage reports whether the message was newly created;
	// re-ingesting a known ID is an idempotent no-op, not an error.
	UpsertMessage(ctx context.Context, msg model.Message) (bool, error)
	ImportMessages(ctx context.Context, msgs []model.Message) (int, error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	// ListPendingMessages returns messages with unfinished pipeline work:
	// no state yet, stage pending, or stage extraction_pending (a run
	// interrupted mid-extraction resumes there).
	ListPendingMessages(ctx context.Context, accountID string, limit int) ([]model.Message, error)

	// Pipeline state, one row per message.
	GetState(ctx context.Context, messageID string) (*model.PipelineState, error)
	SaveState(ctx context.Context, st model.PipelineState) error
	ListStates(ctx context.Context, filter StateFilter) ([]model.PipelineState, error)
	CountStates(ctx context.Context) (map[model.Stage]int, error)

	// Extraction attempts: append-only per message, purge only by model ID.
	AppendAttempt(ctx context.Context, a model.ExtractionAttempt) error
	ListAttempts(ctx context.Context, messageID string) ([]model.ExtractionAttempt, error)
	PurgeAttemptsByModel(ctx context.Context, modelID string) (int, error)

	// Classification cache rows; the cache package layers TTL and
	// single-flight on top.
	GetCacheEntry(ctx context.Context, stage, key string) (*cache.Entry, error)
	SetCacheEntry(ctx context.Context, e cache.Entry) error
	DeleteExpiredCacheEntries(ctx context.Context) (int, error)

	// Applications.
	CreateApplication(ctx context.Context, app model.Application) error
	GetApplication(ctx context.Context, id string) (*model.Application, error)
	GetApplicationByThread(ctx context.Context, accountID, threadID string) (*model.Application, error)
	ListApplications(ctx context.Context, filter ApplicationFilter) ([]model.Application, error)
	ListApplicationsByCompanyKey(ctx context.Context, accountID, companyKey string) ([]model.Application, error)
	AttachMessage(ctx context.Context, p AttachParams) (*model.Application, error)
	// MergeApplications moves everything linked to secondaryID onto
	// primaryID and deletes the secondary, atomically. Self-merges and
	// merges involving a missing record are rejected before any mutation.
	MergeApplications(ctx context.Context, primaryID, secondaryID string) (*model.Application, error)
	ListStatusHistory(ctx context.Context, applicationID string) ([]model.StatusHistoryEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// CacheBacking adapts a Store to the classification cache's backing
// interface, so SQL deployments persist cache entries across runs.
type CacheBacking struct {
	s Store
}

// NewCacheBacking wraps a store as a cache backing.
func NewCacheBacking(s Store) *CacheBacking {
	return &CacheBacking{s: s}
}

func (b *CacheBacking) Get(ctx context.Context, stage, key string) (*cache.Entry, error) {
	return b.s.GetCacheEntry(ctx, stage, key)
}

func (b *CacheBacking) Set(ctx context.Context, e cache.Entry) error {
	return b.s.SetCacheEntry(ctx, e)
}

var _ cache.Backing = (*CacheBacking)(nil)
