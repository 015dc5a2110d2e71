package review

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxpilot/jobtrack/internal/model"
	"github.com/inboxpilot/jobtrack/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemory()
	ts := httptest.NewServer(NewServer(s).Router())
	t.Cleanup(ts.Close)
	return ts, s
}

func seedReviewState(t *testing.T, s *store.MemoryStore, messageID string, needsReview bool) {
	t.Helper()
	ctx := context.Background()
	_, err := s.UpsertMessage(ctx, model.Message{
		ID: messageID, ThreadID: "t-" + messageID, AccountID: "acct-1", ReceivedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, s.SaveState(ctx, model.PipelineState{
		MessageID:   messageID,
		AccountID:   "acct-1",
		Stage:       model.StageExtractionComplete,
		NeedsReview: needsReview,
	}))
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func postJSON(t *testing.T, url string, body any, out any) *http.Response {
	t.Helper()
	buf := &bytes.Buffer{}
	require.NoError(t, json.NewEncoder(buf).Encode(body))
	resp, err := http.Post(url, "application/json", buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestServer_Health(t *testing.T) {
	ts, _ := newTestServer(t)

	var body map[string]string
	resp := getJSON(t, ts.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_ListApplications(t *testing.T) {
	ts, s := newTestServer(t)
	now := time.Now()

	require.NoError(t, s.CreateApplication(context.Background(), model.Application{
		ID: "app-1", AccountID: "acct-1", Company: "Initech", CompanyKey: "initech",
		Title: "software engineer", Status: model.StatusInterview,
		FirstContactAt: now, LastContactAt: now, MessageCount: 2,
		PrimaryThreadID: "t1", ThreadIDs: []string{"t1"},
		CreatedAt: now, UpdatedAt: now,
	}))

	var body struct {
		Applications []model.Application `json:"applications"`
		Count        int                 `json:"count"`
	}
	resp := getJSON(t, ts.URL+"/api/applications?status=interview", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "Initech", body.Applications[0].Company)

	resp = getJSON(t, ts.URL+"/api/applications?status=offer", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, body.Count)
}

func TestServer_GetApplication(t *testing.T) {
	ts, s := newTestServer(t)
	now := time.Now()

	require.NoError(t, s.CreateApplication(context.Background(), model.Application{
		ID: "app-1", AccountID: "acct-1", Company: "Initech", CompanyKey: "initech",
		Status: model.StatusApplied, FirstContactAt: now, LastContactAt: now,
		PrimaryThreadID: "t1", CreatedAt: now, UpdatedAt: now,
	}))

	var body struct {
		Application model.Application `json:"application"`
	}
	resp := getJSON(t, ts.URL+"/api/applications/app-1", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Initech", body.Application.Company)

	resp = getJSON(t, ts.URL+"/api/applications/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ListReview(t *testing.T) {
	ts, s := newTestServer(t)
	seedReviewState(t, s, "m1", true)
	seedReviewState(t, s, "m2", false)

	var body struct {
		States []model.PipelineState `json:"states"`
		Count  int                   `json:"count"`
	}
	resp := getJSON(t, ts.URL+"/api/review", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "m1", body.States[0].MessageID)
}

func TestServer_FlagAndClear(t *testing.T) {
	ts, s := newTestServer(t)
	seedReviewState(t, s, "m1", false)

	var st model.PipelineState
	resp := postJSON(t, ts.URL+"/api/review/m1/flag", map[string]any{}, &st)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, st.NeedsReview)

	resp = postJSON(t, ts.URL+"/api/review/m1/clear", map[string]any{}, &st)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, st.NeedsReview)

	resp = postJSON(t, ts.URL+"/api/review/missing/flag", map[string]any{}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_CorrectExtraction(t *testing.T) {
	ts, s := newTestServer(t)
	seedReviewState(t, s, "m1", true)

	var st model.PipelineState
	resp := postJSON(t, ts.URL+"/api/review/m1/correct", map[string]any{
		"company":  "Initech",
		"position": "Backend Engineer",
		"status":   "interview",
	}, &st)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, st.NeedsReview)
	assert.Equal(t, HumanModelID, st.SelectedModelID)
	require.NotNil(t, st.Selected)
	assert.Equal(t, "Initech", *st.Selected.Company)

	// The correction is retained as an attempt.
	attempts, err := s.ListAttempts(context.Background(), "m1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, HumanModelID, attempts[0].ModelID)

	resp = postJSON(t, ts.URL+"/api/review/m1/correct", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Reselect(t *testing.T) {
	ts, s := newTestServer(t)
	seedReviewState(t, s, "m1", false)
	ctx := context.Background()

	for _, a := range []model.ExtractionAttempt{
		{MessageID: "m1", ModelID: "model-a", Fields: model.ExtractedFields{Company: model.Ptr("Initech")}, Duration: 50 * time.Millisecond},
		{MessageID: "m1", ModelID: "model-b", Fields: model.ExtractedFields{Company: model.Ptr("Initech"), Position: model.Ptr("Engineer")}, Duration: 80 * time.Millisecond},
	} {
		require.NoError(t, s.AppendAttempt(ctx, a))
	}

	var st model.PipelineState
	resp := postJSON(t, ts.URL+"/api/review/m1/reselect", map[string]string{"method": "auto_best"}, &st)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.SelectAutoBest, st.SelectionMethod)
	assert.Equal(t, "model-b", st.SelectedModelID)
	require.NotNil(t, st.Selected)
	require.NotNil(t, st.Selected.Position)
	assert.Equal(t, "Engineer", *st.Selected.Position)
}

func TestServer_ReselectNoAttempts(t *testing.T) {
	ts, s := newTestServer(t)
	seedReviewState(t, s, "m1", false)

	resp := postJSON(t, ts.URL+"/api/review/m1/reselect", map[string]string{"method": "consensus"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
