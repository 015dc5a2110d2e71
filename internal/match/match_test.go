package match

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxpilot/jobtrack/internal/model"
	"github.com/inboxpilot/jobtrack/internal/store"
)

func TestCompanyKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Initech", "initech"},
		{"  Initech, Inc.  ", "initech"},
		{"INITECH INC", "initech"},
		{"Globex Corporation", "globex"},
		{"Hooli LLC", "hooli"},
		{"Smith & Wesson", "smith and wesson"},
		{"Pied-Piper Ltd", "pied piper"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CompanyKey(tt.in), "CompanyKey(%q)", tt.in)
	}
}

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Software Engineer", "software engineer"},
		{"Sr. Software Engineer", "software engineer"},
		{"Senior Software Engineer", "software engineer"},
		{"Jr Data Analyst", "data analyst"},
		{"Staff Backend Engineer", "backend engineer"},
		{"Senior Staff Engineer", "engineer"},
		{"Lead", "lead"}, // a bare qualifier is still a title
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeTitle(tt.in), "NormalizeTitle(%q)", tt.in)
	}
}

func TestTitleSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, TitleSimilarity("Software Engineer", "Software Engineer"))
	assert.Equal(t, 1.0, TitleSimilarity("Sr. Software Engineer", "Senior Software Engineer"))
	assert.Equal(t, 0.0, TitleSimilarity("Product Manager", "Software Engineer"))
	assert.Equal(t, 1.0, TitleSimilarity("", ""))
	assert.Equal(t, 0.0, TitleSimilarity("Software Engineer", ""))

	// Partial overlap: {backend, engineer} vs {software, engineer} = 1/3.
	assert.InDelta(t, 1.0/3.0, TitleSimilarity("Backend Engineer", "Software Engineer"), 0.001)
}

func matchMessage(id, threadID string, received time.Time) model.Message {
	return model.Message{
		ID: id, ThreadID: threadID, AccountID: "acct-1",
		Subject: "Re: your application", Sender: "recruiting@initech.com",
		ReceivedAt: received,
	}
}

func initechFields(status *model.Status) model.ExtractedFields {
	return model.ExtractedFields{
		Company:  model.Ptr("Initech"),
		Position: model.Ptr("Software Engineer"),
		Status:   status,
	}
}

func TestEngine_CreateOnFirstContact(t *testing.T) {
	s := store.NewMemory()
	e := New(s, 0.7)
	ctx := context.Background()
	now := time.Now()

	out, err := e.Assign(ctx, matchMessage("m1", "t1", now), initechFields(nil))
	require.NoError(t, err)
	assert.Equal(t, MatchedByCreate, out.MatchedBy)
	assert.Equal(t, "Initech", out.Application.Company)
	assert.Equal(t, "initech", out.Application.CompanyKey)
	assert.Equal(t, model.StatusApplied, out.Application.Status)
	assert.Equal(t, 1, out.Application.MessageCount)
	assert.Equal(t, "t1", out.Application.PrimaryThreadID)
}

func TestEngine_ThreadMatchBeatsFuzzy(t *testing.T) {
	s := store.NewMemory()
	e := New(s, 0.7)
	ctx := context.Background()
	now := time.Now()

	first, err := e.Assign(ctx, matchMessage("m1", "t1", now), initechFields(nil))
	require.NoError(t, err)

	// Same thread, even with a differently-worded company, lands on the
	// existing record.
	interview := model.StatusInterview
	fields := model.ExtractedFields{Company: model.Ptr("Initech Incorporated"), Status: &interview}
	out, err := e.Assign(ctx, matchMessage("m2", "t1", now.Add(time.Hour)), fields)
	require.NoError(t, err)
	assert.Equal(t, MatchedByThread, out.MatchedBy)
	assert.Equal(t, first.Application.ID, out.Application.ID)
	assert.Equal(t, 2, out.Application.MessageCount)
	assert.Equal(t, model.StatusInterview, out.Application.Status)
}

func TestEngine_ThreadMatchWorksWithoutExtraction(t *testing.T) {
	s := store.NewMemory()
	e := New(s, 0.7)
	ctx := context.Background()
	now := time.Now()

	_, err := e.Assign(ctx, matchMessage("m1", "t1", now), initechFields(nil))
	require.NoError(t, err)

	// A follow-up in the same thread attaches even when extraction found
	// nothing at all.
	out, err := e.Assign(ctx, matchMessage("m2", "t1", now.Add(time.Hour)), model.ExtractedFields{})
	require.NoError(t, err)
	assert.Equal(t, MatchedByThread, out.MatchedBy)
	assert.Equal(t, 2, out.Application.MessageCount)
}

func TestEngine_FuzzyMatchSeniorityVariants(t *testing.T) {
	s := store.NewMemory()
	e := New(s, 0.7)
	ctx := context.Background()
	now := time.Now()

	first, err := e.Assign(ctx, matchMessage("m1", "t1", now), model.ExtractedFields{
		Company:  model.Ptr("Initech Inc"),
		Position: model.Ptr("Sr. Software Engineer"),
	})
	require.NoError(t, err)

	// New thread, same company, seniority-prefixed variant of the title.
	out, err := e.Assign(ctx, matchMessage("m2", "t2", now.Add(time.Hour)), model.ExtractedFields{
		Company:  model.Ptr("Initech"),
		Position: model.Ptr("Senior Software Engineer"),
	})
	require.NoError(t, err)
	assert.Equal(t, MatchedByFuzzy, out.MatchedBy)
	assert.Equal(t, first.Application.ID, out.Application.ID)
	assert.GreaterOrEqual(t, out.Similarity, 0.7)
	// The new thread is absorbed, so a third message in it thread-matches.
	assert.True(t, out.Application.HasThread("t2"))

	out, err = e.Assign(ctx, matchMessage("m3", "t2", now.Add(2*time.Hour)), model.ExtractedFields{})
	require.NoError(t, err)
	assert.Equal(t, MatchedByThread, out.MatchedBy)
}

func TestEngine_DifferentRoleSameCompanyCreatesSecondRecord(t *testing.T) {
	s := store.NewMemory()
	e := New(s, 0.7)
	ctx := context.Background()
	now := time.Now()

	_, err := e.Assign(ctx, matchMessage("m1", "t1", now), model.ExtractedFields{
		Company:  model.Ptr("Initech"),
		Position: model.Ptr("Software Engineer"),
	})
	require.NoError(t, err)

	out, err := e.Assign(ctx, matchMessage("m2", "t2", now), model.ExtractedFields{
		Company:  model.Ptr("Initech"),
		Position: model.Ptr("Product Manager"),
	})
	require.NoError(t, err)
	assert.Equal(t, MatchedByCreate, out.MatchedBy)

	apps, err := s.ListApplications(ctx, store.ApplicationFilter{AccountID: "acct-1"})
	require.NoError(t, err)
	assert.Len(t, apps, 2)
}

func TestEngine_NoCompanyNoThreadIsInsufficient(t *testing.T) {
	s := store.NewMemory()
	e := New(s, 0.7)
	ctx := context.Background()

	_, err := e.Assign(ctx, matchMessage("m1", "t-new", time.Now()), model.ExtractedFields{
		Position: model.Ptr("Software Engineer"),
	})
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestEngine_StatusHistoryAppendedOnChange(t *testing.T) {
	s := store.NewMemory()
	e := New(s, 0.7)
	ctx := context.Background()
	now := time.Now()

	first, err := e.Assign(ctx, matchMessage("m1", "t1", now), initechFields(nil))
	require.NoError(t, err)

	interview := model.StatusInterview
	_, err = e.Assign(ctx, matchMessage("m2", "t1", now.Add(time.Hour)), initechFields(&interview))
	require.NoError(t, err)

	// Same status again: no new history entry.
	_, err = e.Assign(ctx, matchMessage("m3", "t1", now.Add(2*time.Hour)), initechFields(&interview))
	require.NoError(t, err)

	history, err := s.ListStatusHistory(ctx, first.Application.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.StatusApplied, history[0].Status)
	assert.Equal(t, model.StatusInterview, history[1].Status)
	assert.Equal(t, "m2", history[1].MessageID)
}

// seedApplication plants a record directly, simulating data ingested before
// fuzzy matching could consolidate it.
func seedApplication(t *testing.T, s *store.MemoryStore, id, company, title, threadID string, created time.Time) {
	t.Helper()
	require.NoError(t, s.CreateApplication(context.Background(), model.Application{
		ID:              id,
		AccountID:       "acct-1",
		Company:         company,
		CompanyKey:      CompanyKey(company),
		Title:           title,
		Status:          model.StatusApplied,
		FirstContactAt:  created,
		LastContactAt:   created,
		MessageCount:    1,
		PrimaryThreadID: threadID,
		ThreadIDs:       []string{threadID},
		CreatedAt:       created,
		UpdatedAt:       created,
	}))
}

func TestEngine_Dedupe(t *testing.T) {
	s := store.NewMemory()
	e := New(s, 0.7)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Two records that should have been one: same company, seniority
	// variants of the title, separate threads.
	seedApplication(t, s, "app-1", "Initech Inc", "Software Engineer", "t1", base)
	seedApplication(t, s, "app-2", "Initech", "Sr. Software Engineer", "t2", base.Add(time.Hour))
	// Distinct role at the same company survives dedup.
	seedApplication(t, s, "app-3", "Initech", "Product Manager", "t3", base)

	merges, err := e.Dedupe(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, merges, 1)
	assert.Equal(t, "app-1", merges[0].PrimaryID) // oldest survives
	assert.Equal(t, "app-2", merges[0].SecondaryID)

	apps, err := s.ListApplications(ctx, store.ApplicationFilter{AccountID: "acct-1"})
	require.NoError(t, err)
	assert.Len(t, apps, 2)

	merged, err := s.GetApplication(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, 2, merged.MessageCount)
	assert.True(t, merged.HasThread("t1"))
	assert.True(t, merged.HasThread("t2"))
}

func TestEngine_DedupeIdempotent(t *testing.T) {
	s := store.NewMemory()
	e := New(s, 0.7)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seedApplication(t, s, "app-1", "Initech", "Software Engineer", "t1", base)
	seedApplication(t, s, "app-2", "Initech", "Software Engineer", "t2", base.Add(time.Hour))

	merges, err := e.Dedupe(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, merges, 1)

	merges, err = e.Dedupe(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, merges)
}
