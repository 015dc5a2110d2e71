package match

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/inboxpilot/jobtrack/internal/model"
	"github.com/inboxpilot/jobtrack/internal/store"
)

// DefaultSimilarityThreshold is the minimum title similarity for a fuzzy
// company+title match.
const DefaultSimilarityThreshold = 0.7

// ErrInsufficientData means the extraction carries no company, so the message
// cannot be matched or turned into a new record. The caller decides what to
// do with the message (typically flag it for review).
var ErrInsufficientData = errors.New("match: extraction has no company to match on")

// How a message landed on its application record.
const (
	MatchedByThread = "thread"
	MatchedByFuzzy  = "fuzzy"
	MatchedByCreate = "created"
)

// Outcome reports where Assign put a message.
type Outcome struct {
	Application *model.Application
	MatchedBy   string
	Similarity  float64 // set for fuzzy matches
}

// Engine links messages to application records. Record mutations are
// serialized through the engine's lock so concurrent pipeline workers cannot
// race two creates for the same company.
type Engine struct {
	mu        sync.Mutex
	store     store.Store
	threshold float64
	now       func() time.Time
}

func New(s store.Store, similarityThreshold float64) *Engine {
	if similarityThreshold <= 0 {
		similarityThreshold = DefaultSimilarityThreshold
	}
	return &Engine{store: s, threshold: similarityThreshold, now: time.Now}
}

// WithNow overrides the clock. Test hook.
func (e *Engine) WithNow(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Assign links a message and its selected extraction to an application
// record: thread match first, then fuzzy company+title, else create.
func (e *Engine) Assign(ctx context.Context, msg model.Message, fields model.ExtractedFields) (*Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Pass 1: the thread already belongs to a record.
	if msg.ThreadID != "" {
		app, err := e.store.GetApplicationByThread(ctx, msg.AccountID, msg.ThreadID)
		if err == nil {
			updated, err := e.attach(ctx, app, msg, fields)
			if err != nil {
				return nil, err
			}
			return &Outcome{Application: updated, MatchedBy: MatchedByThread}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, eris.Wrapf(err, "match: thread lookup %s", msg.ThreadID)
		}
	}

	if fields.Company == nil || CompanyKey(*fields.Company) == "" {
		return nil, ErrInsufficientData
	}
	key := CompanyKey(*fields.Company)

	// Pass 2: fuzzy match against records at the same company.
	candidates, err := e.store.ListApplicationsByCompanyKey(ctx, msg.AccountID, key)
	if err != nil {
		return nil, eris.Wrapf(err, "match: candidates for %s", key)
	}

	title := ""
	if fields.Position != nil {
		title = *fields.Position
	}

	var best *model.Application
	bestScore := 0.0
	for i := range candidates {
		score := TitleSimilarity(title, candidates[i].Title)
		if score >= e.threshold && score > bestScore {
			best = &candidates[i]
			bestScore = score
		}
	}
	if best != nil {
		updated, err := e.attach(ctx, best, msg, fields)
		if err != nil {
			return nil, err
		}
		zap.L().Debug("fuzzy match",
			zap.String("message_id", msg.ID),
			zap.String("application_id", best.ID),
			zap.Float64("similarity", bestScore))
		return &Outcome{Application: updated, MatchedBy: MatchedByFuzzy, Similarity: bestScore}, nil
	}

	// Pass 3: first contact with this company+role.
	created, err := e.create(ctx, msg, fields, key, title)
	if err != nil {
		return nil, err
	}
	return &Outcome{Application: created, MatchedBy: MatchedByCreate}, nil
}

func (e *Engine) attach(ctx context.Context, app *model.Application, msg model.Message, fields model.ExtractedFields) (*model.Application, error) {
	params := store.AttachParams{
		ApplicationID: app.ID,
		MessageID:     msg.ID,
		ThreadID:      msg.ThreadID,
		OccurredAt:    msg.ReceivedAt,
	}
	// Latest-seen status wins; no enforced transition order.
	if fields.Status != nil && *fields.Status != app.Status {
		params.NewStatus = fields.Status
	}

	updated, err := e.store.AttachMessage(ctx, params)
	if err != nil {
		return nil, eris.Wrapf(err, "match: attach %s to %s", msg.ID, app.ID)
	}
	return updated, nil
}

func (e *Engine) create(ctx context.Context, msg model.Message, fields model.ExtractedFields, key, title string) (*model.Application, error) {
	now := e.now().UTC()
	status := model.StatusApplied
	if fields.Status != nil {
		status = *fields.Status
	}
	location := ""
	if fields.Location != nil {
		location = *fields.Location
	}

	app := model.Application{
		ID:              uuid.New().String(),
		AccountID:       msg.AccountID,
		Company:         *fields.Company,
		CompanyKey:      key,
		Title:           title,
		Status:          status,
		Location:        location,
		FirstContactAt:  msg.ReceivedAt,
		LastContactAt:   msg.ReceivedAt,
		MessageCount:    1,
		PrimaryThreadID: msg.ThreadID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if msg.ThreadID != "" {
		app.ThreadIDs = []string{msg.ThreadID}
	}

	if err := e.store.CreateApplication(ctx, app); err != nil {
		return nil, eris.Wrapf(err, "match: create application for %s", key)
	}
	zap.L().Info("application created",
		zap.String("application_id", app.ID),
		zap.String("company", app.Company),
		zap.String("title", app.Title))
	return &app, nil
}
