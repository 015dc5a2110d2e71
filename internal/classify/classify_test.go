package classify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxpilot/jobtrack/internal/cache"
	"github.com/inboxpilot/jobtrack/internal/model"
	"github.com/inboxpilot/jobtrack/internal/triage"
)

// stubBackend scripts backend behavior per stage and counts invocations.
type stubBackend struct {
	mu     sync.Mutex
	id     string
	invoke func(stage string, in Input) (*Result, error)
	calls  int
}

func (s *stubBackend) ID() string { return s.id }

func (s *stubBackend) Invoke(_ context.Context, stage string, in Input) (*Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.invoke(stage, in)
}

func (s *stubBackend) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestClassifier(t *testing.T, primary Backend) *Classifier {
	t.Helper()
	filter, err := triage.NewFilter(triage.DefaultRules())
	require.NoError(t, err)
	return New(Options{
		Primary:   primary,
		Fallback:  NewKeywordBackend(triage.DefaultRules().ATSDomains),
		Cache:     cache.New(cache.NewMemoryBacking(), time.Hour),
		Filter:    filter,
		Timeout:   time.Second,
		Threshold: 0.7,
	})
}

func TestParseRelevance(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		relevant bool
		conf     float64
		wantErr  bool
	}{
		{"plain", `{"is_job_related": true, "confidence": 0.92}`, true, 0.92, false},
		{"fenced", "```json\n{\"is_job_related\": false, \"confidence\": 0.3}\n```", false, 0.3, false},
		{"preamble", `Here is my answer: {"is_job_related": true, "confidence": 0.8}`, true, 0.8, false},
		{"clamped", `{"is_job_related": true, "confidence": 1.7}`, true, 1.0, false},
		{"garbage", `not json at all`, false, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relevant, conf, err := parseRelevance(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.relevant, relevant)
			assert.InDelta(t, tt.conf, conf, 1e-9)
		})
	}
}

func TestParseExtraction(t *testing.T) {
	raw := "```json\n" + `{
		"company": "Acme Corp",
		"position": " Backend Engineer ",
		"status": "INTERVIEW",
		"location": null,
		"remote": "On-Site",
		"salary_range": "unknown"
	}` + "\n```"

	fields, err := parseExtraction(raw)
	require.NoError(t, err)
	require.NotNil(t, fields.Company)
	assert.Equal(t, "Acme Corp", *fields.Company)
	require.NotNil(t, fields.Position)
	assert.Equal(t, "Backend Engineer", *fields.Position)
	require.NotNil(t, fields.Status)
	assert.Equal(t, model.StatusInterview, *fields.Status)
	assert.Nil(t, fields.Location)
	require.NotNil(t, fields.Remote)
	assert.Equal(t, "onsite", *fields.Remote)
	assert.Nil(t, fields.SalaryRange, "sentinel strings are treated as null")
}

func TestParseExtraction_UnknownStatusDropped(t *testing.T) {
	fields, err := parseExtraction(`{"company": "Acme", "status": "ghosted"}`)
	require.NoError(t, err)
	assert.Nil(t, fields.Status)
}

func TestExtractStatus_PriorityOrder(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		body    string
		want    model.Status
	}{
		{
			"offer beats interview",
			"Congratulations",
			"We are pleased to offer you the role. Your interview feedback was excellent.",
			model.StatusOffer,
		},
		{
			"interview beats rejection phrasing later in body",
			"Next steps",
			"We would like to schedule an interview. Unlike other candidates you stood out.",
			model.StatusInterview,
		},
		{
			"rejection",
			"Your application",
			"We regret to inform you that we will not be moving forward.",
			model.StatusRejected,
		},
		{
			"confirmation",
			"Re: application",
			"We have received your application and will be in touch.",
			model.StatusApplied,
		},
		{
			"default applied",
			"Hello",
			"Nothing about hiring here.",
			model.StatusApplied,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractStatus(tt.subject, tt.body))
		})
	}
}

func TestExtractCompany(t *testing.T) {
	t.Run("from phrasing", func(t *testing.T) {
		got := ExtractCompany("", "Thank you for your application to Initech Systems.", "gmail.com")
		require.NotNil(t, got)
		assert.Equal(t, "Initech Systems", *got)
	})

	t.Run("from sender domain", func(t *testing.T) {
		got := ExtractCompany("hello", "no phrasing here", "initech.com")
		require.NotNil(t, got)
		assert.Equal(t, "Initech", *got)
	})

	t.Run("generic domain yields nothing", func(t *testing.T) {
		assert.Nil(t, ExtractCompany("hello", "no phrasing here", "gmail.com"))
	})

	t.Run("lowercase phrase is not a name", func(t *testing.T) {
		got := ExtractCompany("", "We would like to schedule an interview with you soon.", "initech.com")
		require.NotNil(t, got)
		assert.Equal(t, "Initech", *got)
	})
}

func TestExtractPosition_SubjectForm(t *testing.T) {
	got := ExtractPosition("Interview Request — Data Analyst", "")
	require.NotNil(t, got)
	assert.Equal(t, "Data Analyst", *got)
}

func TestKeywordBackend_Relevance(t *testing.T) {
	kb := NewKeywordBackend([]string{"greenhouse.io"})

	t.Run("ats sender with lifecycle phrasing", func(t *testing.T) {
		res, err := kb.Invoke(context.Background(), StageRelevance, Input{
			Subject: "Interview availability",
			Body:    "Your application has been reviewed and we would like to schedule an interview.",
			Sender:  "no-reply@mail.greenhouse.io",
		})
		require.NoError(t, err)
		assert.True(t, res.IsJobRelated)
		assert.LessOrEqual(t, res.Confidence, keywordConfidenceCap)
		assert.Equal(t, "keyword-v1", res.ModelID)
	})

	t.Run("newsletter", func(t *testing.T) {
		res, err := kb.Invoke(context.Background(), StageRelevance, Input{
			Subject: "This week's newsletter",
			Body:    "Read our latest posts. Unsubscribe anytime.",
			Sender:  "digest@substack.com",
		})
		require.NoError(t, err)
		assert.False(t, res.IsJobRelated)
	})
}

func TestKeywordBackend_Extraction(t *testing.T) {
	kb := NewKeywordBackend(nil)
	res, err := kb.Invoke(context.Background(), StageExtraction, Input{
		Subject: "Interview Request — Backend Engineer",
		Body:    "We would like to schedule an interview for the position of Backend Engineer at Initech. The role is fully remote, $120k - $150k.",
		Sender:  "talent@initech.com",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Fields.Company)
	assert.Equal(t, "Initech", *res.Fields.Company)
	require.NotNil(t, res.Fields.Position)
	assert.Equal(t, "Backend Engineer", *res.Fields.Position)
	require.NotNil(t, res.Fields.Status)
	assert.Equal(t, model.StatusInterview, *res.Fields.Status)
	require.NotNil(t, res.Fields.Remote)
	assert.Equal(t, "remote", *res.Fields.Remote)
	assert.NotNil(t, res.Fields.SalaryRange)
	assert.InDelta(t, 0.6, res.Confidence, 1e-9)
}

func testMessage() model.Message {
	return model.Message{
		ID:       "msg-1",
		ThreadID: "thread-1",
		Subject:  "Your application to Initech",
		Sender:   "Initech Recruiting <recruiting@initech.com>",
		Body:     "Thank you for applying. We have received your application for the position of Backend Engineer.",
	}
}

func TestClassifier_PrimaryAnswerUsedAndCached(t *testing.T) {
	primary := &stubBackend{
		id: "model-x",
		invoke: func(stage string, _ Input) (*Result, error) {
			return &Result{IsJobRelated: true, Confidence: 0.95, ModelID: "model-x"}, nil
		},
	}
	c := newTestClassifier(t, primary)

	dec, err := c.ClassifyRelevance(context.Background(), testMessage())
	require.NoError(t, err)
	assert.True(t, dec.IsJobRelated)
	assert.InDelta(t, 0.95, dec.Confidence, 1e-9)
	assert.Equal(t, "model-x", dec.ModelID)
	assert.False(t, dec.FromCache)
	assert.False(t, dec.FallbackUsed)

	dec2, err := c.ClassifyRelevance(context.Background(), testMessage())
	require.NoError(t, err)
	assert.True(t, dec2.FromCache)
	assert.Equal(t, 1, primary.callCount(), "cache hit must not re-invoke the backend")
}

func TestClassifier_FallbackOnPrimaryFailure(t *testing.T) {
	primary := &stubBackend{
		id: "model-x",
		invoke: func(string, Input) (*Result, error) {
			return nil, errors.New("model backend unavailable")
		},
	}
	c := newTestClassifier(t, primary)

	dec, err := c.ClassifyRelevance(context.Background(), testMessage())
	require.NoError(t, err)
	assert.True(t, dec.FallbackUsed)
	assert.Equal(t, "keyword-v1", dec.ModelID)
	assert.True(t, dec.IsJobRelated, "application-confirmation phrasing should score as relevant")
}

func TestClassifier_NilPrimaryUsesFallback(t *testing.T) {
	c := newTestClassifier(t, nil)
	dec, err := c.ClassifyRelevance(context.Background(), testMessage())
	require.NoError(t, err)
	assert.True(t, dec.FallbackUsed)
	assert.Equal(t, "keyword-v1", dec.ModelID)
}

func TestClassifier_CacheHitKeepsFallbackProvenance(t *testing.T) {
	c := newTestClassifier(t, nil)

	dec, err := c.ClassifyRelevance(context.Background(), testMessage())
	require.NoError(t, err)
	require.True(t, dec.FallbackUsed)

	// The stored entry remembers who answered, so every later reader
	// reports the same provenance, not just the caller that computed it.
	dec2, err := c.ClassifyRelevance(context.Background(), testMessage())
	require.NoError(t, err)
	assert.True(t, dec2.FromCache)
	assert.True(t, dec2.FallbackUsed)
}

func TestClassifier_BulkRejectionFlagsReview(t *testing.T) {
	primary := &stubBackend{
		id: "model-x",
		invoke: func(string, Input) (*Result, error) {
			return &Result{IsJobRelated: true, Confidence: 0.9, ModelID: "model-x"}, nil
		},
	}
	c := newTestClassifier(t, primary)

	msg := model.Message{
		ID:      "msg-2",
		Subject: "Update on your application",
		Sender:  "no-reply@mail.greenhouse.io",
		Body:    "After careful review we have decided to pursue other candidates at this time.",
	}
	dec, err := c.ClassifyRelevance(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, dec.NeedsReview)

	// Same phrasing from a direct sender is not flagged.
	msg.ID = "msg-3"
	msg.Sender = "recruiting@initech.com"
	dec, err = c.ClassifyRelevance(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, dec.NeedsReview)
}

func TestClassifier_ExtractBuildsAttempt(t *testing.T) {
	primary := &stubBackend{
		id: "model-x",
		invoke: func(stage string, in Input) (*Result, error) {
			require.Equal(t, StageExtraction, stage)
			return &Result{
				IsJobRelated: true,
				Confidence:   in.Stage1Confidence,
				Fields: model.ExtractedFields{
					Company:  model.Ptr("Initech"),
					Position: model.Ptr("Backend Engineer"),
					Status:   model.Ptr(model.StatusApplied),
				},
				Raw:      `{"company":"Initech"}`,
				ModelID:  "model-x",
				Duration: 120 * time.Millisecond,
			}, nil
		},
	}
	c := newTestClassifier(t, primary)
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c.WithNow(func() time.Time { return fixed })

	attempt, fallbackUsed, err := c.Extract(context.Background(), testMessage(), 0.95)
	require.NoError(t, err)
	assert.False(t, fallbackUsed)
	assert.NotEmpty(t, attempt.ID)
	assert.Equal(t, "msg-1", attempt.MessageID)
	assert.Equal(t, "model-x", attempt.ModelID)
	assert.Equal(t, fixed, attempt.CreatedAt)
	require.NotNil(t, attempt.Fields.Company)
	assert.Equal(t, "Initech", *attempt.Fields.Company)
}

func TestClassifier_ExtractFallbackOnFailure(t *testing.T) {
	primary := &stubBackend{
		id: "model-x",
		invoke: func(string, Input) (*Result, error) {
			return nil, errors.New("malformed response")
		},
	}
	c := newTestClassifier(t, primary)

	attempt, fallbackUsed, err := c.Extract(context.Background(), testMessage(), 0.8)
	require.NoError(t, err)
	assert.True(t, fallbackUsed)
	assert.Equal(t, "keyword-v1", attempt.ModelID)
	require.NotNil(t, attempt.Fields.Position)
	assert.Equal(t, "Backend Engineer", *attempt.Fields.Position)
}

func TestClassifier_ExtractionNotCached(t *testing.T) {
	primary := &stubBackend{
		id: "model-x",
		invoke: func(stage string, _ Input) (*Result, error) {
			return &Result{IsJobRelated: true, Confidence: 0.9, ModelID: "model-x"}, nil
		},
	}
	c := newTestClassifier(t, primary)

	_, _, err := c.Extract(context.Background(), testMessage(), 0.9)
	require.NoError(t, err)
	_, _, err = c.Extract(context.Background(), testMessage(), 0.9)
	require.NoError(t, err)
	assert.Equal(t, 2, primary.callCount(), "every extraction attempt invokes the backend")
}
