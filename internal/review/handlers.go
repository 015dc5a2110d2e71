package review

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/inboxpilot/jobtrack/internal/consensus"
	"github.com/inboxpilot/jobtrack/internal/model"
	"github.com/inboxpilot/jobtrack/internal/store"
)

// HumanModelID attributes operator-corrected extractions in the attempt log.
const HumanModelID = "human"

func (s *Server) handleListApplications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ApplicationFilter{
		AccountID: q.Get("account_id"),
		Company:   q.Get("company"),
		Status:    model.Status(q.Get("status")),
		Limit:     intQuery(q.Get("limit")),
		Offset:    intQuery(q.Get("offset")),
	}

	apps, err := s.store.ListApplications(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"applications": apps, "count": len(apps)})
}

func (s *Server) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	app, err := s.store.GetApplication(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "application not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	history, err := s.store.ListStatusHistory(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"application": app, "status_history": history})
}

func (s *Server) handleListReview(w http.ResponseWriter, r *http.Request) {
	flagged := true
	states, err := s.store.ListStates(r.Context(), store.StateFilter{
		AccountID:   r.URL.Query().Get("account_id"),
		NeedsReview: &flagged,
		Limit:       intQuery(r.URL.Query().Get("limit")),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"states": states, "count": len(states)})
}

func (s *Server) handleSetReview(flag bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		messageID := chi.URLParam(r, "messageID")

		st, err := s.tracker.SetNeedsReview(r.Context(), messageID, flag)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				respondError(w, http.StatusNotFound, "message not found")
				return
			}
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, st)
	}
}

// handleCorrect records operator-supplied extraction fields as a new attempt
// and selects them directly, clearing the review flag. The correction joins
// the attempt log like any model answer, so a later reselect can still
// out-vote it.
func (s *Server) handleCorrect(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")

	var fields model.ExtractedFields
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if fields.IsEmpty() {
		respondError(w, http.StatusBadRequest, "at least one field is required")
		return
	}

	st, err := s.store.GetState(r.Context(), messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "message not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	attempt := model.ExtractionAttempt{
		ID:        uuid.New().String(),
		MessageID: messageID,
		ModelID:   HumanModelID,
		Fields:    fields,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.AppendAttempt(r.Context(), attempt); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	st.Selected = &fields
	st.SelectedModelID = HumanModelID
	st.SelectionMethod = model.SelectFirst
	st.NeedsReview = false
	if st.Stage.Rank() < model.StageExtractionComplete.Rank() {
		st.Stage = model.StageExtractionComplete
	}
	st.UpdatedAt = time.Now().UTC()

	if err := s.store.SaveState(r.Context(), *st); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// handleReselect re-runs consensus selection over the retained attempts with
// the requested method.
func (s *Server) handleReselect(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")

	var req struct {
		Method model.SelectionMethod `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	st, err := s.store.GetState(r.Context(), messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "message not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	attempts, err := s.store.ListAttempts(r.Context(), messageID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sel, err := consensus.Select(attempts, req.Method)
	if err != nil {
		if errors.Is(err, consensus.ErrNoAttempts) {
			respondError(w, http.StatusConflict, "no extraction attempts to select from")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	selected := sel.Fields
	st.Selected = &selected
	st.SelectedModelID = sel.ModelID
	st.SelectionMethod = sel.Method
	if st.Stage.Rank() < model.StageExtractionComplete.Rank() {
		st.Stage = model.StageExtractionComplete
	}
	st.UpdatedAt = time.Now().UTC()

	if err := s.store.SaveState(r.Context(), *st); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func intQuery(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
