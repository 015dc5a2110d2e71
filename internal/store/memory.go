package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/inboxpilot/jobtrack/internal/cache"
	"github.com/inboxpilot/jobtrack/internal/model"
)

// MemoryStore implements Store with process-local maps. It backs unit tests
// and the "memory" driver for throwaway runs.
type MemoryStore struct {
	mu           sync.RWMutex
	messages     map[string]model.Message
	states       map[string]model.PipelineState
	attempts     map[string][]model.ExtractionAttempt // messageID -> ordered attempts
	cacheEntries map[string]cache.Entry               // stage+"\x00"+key
	applications map[string]model.Application
	history      map[string][]model.StatusHistoryEntry // applicationID -> ordered entries
	now          func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		messages:     make(map[string]model.Message),
		states:       make(map[string]model.PipelineState),
		attempts:     make(map[string][]model.ExtractionAttempt),
		cacheEntries: make(map[string]cache.Entry),
		applications: make(map[string]model.Application),
		history:      make(map[string][]model.StatusHistoryEntry),
		now:          time.Now,
	}
}

// WithNow sets a fixed clock for testing.
func (s *MemoryStore) WithNow(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) UpsertMessage(_ context.Context, msg model.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[msg.ID]; exists {
		return false, nil
	}
	s.messages[msg.ID] = msg
	return true, nil
}

func (s *MemoryStore) ImportMessages(ctx context.Context, msgs []model.Message) (int, error) {
	created := 0
	for _, m := range msgs {
		ok, err := s.UpsertMessage(ctx, m)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (s *MemoryStore) ListPendingMessages(_ context.Context, accountID string, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Message
	for id, m := range s.messages {
		if accountID != "" && m.AccountID != accountID {
			continue
		}
		// extraction_pending counts as pending work: a run interrupted
		// mid-extraction resumes from there.
		st, hasState := s.states[id]
		if hasState && st.Stage != model.StagePending && st.Stage != model.StageExtractionPending {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetState(_ context.Context, messageID string) (*model.PipelineState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	return &st, nil
}

func (s *MemoryStore) SaveState(_ context.Context, st model.PipelineState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.UpdatedAt = s.now().UTC()
	s.states[st.MessageID] = st
	return nil
}

func (s *MemoryStore) ListStates(_ context.Context, filter StateFilter) ([]model.PipelineState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PipelineState
	for _, st := range s.states {
		if filter.AccountID != "" && st.AccountID != filter.AccountID {
			continue
		}
		if filter.Stage != "" && st.Stage != filter.Stage {
			continue
		}
		if filter.NeedsReview != nil && st.NeedsReview != *filter.NeedsReview {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CountStates(_ context.Context) (map[model.Stage]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[model.Stage]int)
	for _, st := range s.states {
		counts[st.Stage]++
	}
	return counts, nil
}

func (s *MemoryStore) AppendAttempt(_ context.Context, a model.ExtractionAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	s.attempts[a.MessageID] = append(s.attempts[a.MessageID], a)
	return nil
}

func (s *MemoryStore) ListAttempts(_ context.Context, messageID string) ([]model.ExtractionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempts := s.attempts[messageID]
	out := make([]model.ExtractionAttempt, len(attempts))
	copy(out, attempts)
	return out, nil
}

func (s *MemoryStore) PurgeAttemptsByModel(_ context.Context, modelID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for msgID, attempts := range s.attempts {
		var kept []model.ExtractionAttempt
		for _, a := range attempts {
			if a.ModelID == modelID {
				purged++
				continue
			}
			kept = append(kept, a)
		}
		if len(kept) == 0 {
			delete(s.attempts, msgID)
		} else {
			s.attempts[msgID] = kept
		}
	}
	return purged, nil
}

func (s *MemoryStore) GetCacheEntry(_ context.Context, stage, key string) (*cache.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cacheEntries[stage+"\x00"+key]
	if !ok || e.Expired(s.now()) {
		return nil, nil
	}
	return &e, nil
}

func (s *MemoryStore) SetCacheEntry(_ context.Context, e cache.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheEntries[e.Stage+"\x00"+e.Key] = e
	return nil
}

func (s *MemoryStore) DeleteExpiredCacheEntries(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	deleted := 0
	for k, e := range s.cacheEntries {
		if e.Expired(now) {
			delete(s.cacheEntries, k)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) CreateApplication(_ context.Context, app model.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.applications[app.ID]; exists {
		return eris.Errorf("store: application already exists: %s", app.ID)
	}
	s.applications[app.ID] = cloneApplication(app)
	// The creation status opens the history, so later transitions read as a
	// full trajectory rather than starting at the first change.
	s.history[app.ID] = append(s.history[app.ID], model.StatusHistoryEntry{
		ID:            uuid.New().String(),
		ApplicationID: app.ID,
		Status:        app.Status,
		OccurredAt:    app.FirstContactAt,
	})
	return nil
}

func (s *MemoryStore) GetApplication(_ context.Context, id string) (*model.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.applications[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneApplication(app)
	return &out, nil
}

func (s *MemoryStore) GetApplicationByThread(_ context.Context, accountID, threadID string) (*model.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, app := range s.applications {
		if accountID != "" && app.AccountID != accountID {
			continue
		}
		if app.HasThread(threadID) {
			out := cloneApplication(app)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListApplications(_ context.Context, filter ApplicationFilter) ([]model.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Application
	for _, app := range s.applications {
		if filter.AccountID != "" && app.AccountID != filter.AccountID {
			continue
		}
		if filter.Status != "" && app.Status != filter.Status {
			continue
		}
		if filter.Company != "" && !strings.Contains(strings.ToLower(app.Company), strings.ToLower(filter.Company)) {
			continue
		}
		out = append(out, cloneApplication(app))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastContactAt.After(out[j].LastContactAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListApplicationsByCompanyKey(_ context.Context, accountID, companyKey string) ([]model.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Application
	for _, app := range s.applications {
		if accountID != "" && app.AccountID != accountID {
			continue
		}
		if app.CompanyKey == companyKey {
			out = append(out, cloneApplication(app))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) AttachMessage(_ context.Context, p AttachParams) (*model.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.applications[p.ApplicationID]
	if !ok {
		return nil, ErrNotFound
	}

	app.MessageCount++
	if p.OccurredAt.After(app.LastContactAt) {
		app.LastContactAt = p.OccurredAt
	}
	if p.ThreadID != "" && !app.HasThread(p.ThreadID) {
		app.ThreadIDs = append(app.ThreadIDs, p.ThreadID)
	}
	if p.NewStatus != nil {
		app.Status = *p.NewStatus
		s.history[app.ID] = append(s.history[app.ID], model.StatusHistoryEntry{
			ID:            uuid.New().String(),
			ApplicationID: app.ID,
			Status:        *p.NewStatus,
			MessageID:     p.MessageID,
			OccurredAt:    p.OccurredAt,
		})
	}
	app.UpdatedAt = s.now().UTC()
	s.applications[app.ID] = app

	out := cloneApplication(app)
	return &out, nil
}

func (s *MemoryStore) MergeApplications(_ context.Context, primaryID, secondaryID string) (*model.Application, error) {
	if primaryID == secondaryID {
		return nil, eris.Errorf("store: cannot merge application %s into itself", primaryID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	primary, ok := s.applications[primaryID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "store: merge primary %s", primaryID)
	}
	secondary, ok := s.applications[secondaryID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "store: merge secondary %s", secondaryID)
	}

	primary.MessageCount += secondary.MessageCount
	if secondary.LastContactAt.After(primary.LastContactAt) {
		primary.LastContactAt = secondary.LastContactAt
		primary.Status = secondary.Status
	}
	if !secondary.FirstContactAt.IsZero() &&
		(primary.FirstContactAt.IsZero() || secondary.FirstContactAt.Before(primary.FirstContactAt)) {
		primary.FirstContactAt = secondary.FirstContactAt
	}
	absorbed := secondary.ThreadIDs
	if secondary.PrimaryThreadID != "" {
		absorbed = append(absorbed, secondary.PrimaryThreadID)
	}
	for _, tid := range absorbed {
		if !primary.HasThread(tid) {
			primary.ThreadIDs = append(primary.ThreadIDs, tid)
		}
	}
	primary.UpdatedAt = s.now().UTC()

	// Repoint dependents.
	for _, h := range s.history[secondaryID] {
		h.ApplicationID = primaryID
		s.history[primaryID] = append(s.history[primaryID], h)
	}
	delete(s.history, secondaryID)
	sort.Slice(s.history[primaryID], func(i, j int) bool {
		return s.history[primaryID][i].OccurredAt.Before(s.history[primaryID][j].OccurredAt)
	})
	for msgID, st := range s.states {
		if st.ApplicationID == secondaryID {
			st.ApplicationID = primaryID
			s.states[msgID] = st
		}
	}

	s.applications[primaryID] = primary
	delete(s.applications, secondaryID)

	out := cloneApplication(primary)
	return &out, nil
}

func (s *MemoryStore) ListStatusHistory(_ context.Context, applicationID string) ([]model.StatusHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.history[applicationID]
	out := make([]model.StatusHistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func cloneApplication(app model.Application) model.Application {
	threads := make([]string, len(app.ThreadIDs))
	copy(threads, app.ThreadIDs)
	app.ThreadIDs = threads
	return app
}

var _ Store = (*MemoryStore)(nil)
