package classify

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/inboxpilot/jobtrack/internal/model"
)

// cleanJSON strips markdown code fences and leading prose the model sometimes
// wraps around its JSON object.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	// Recover from a chatty preamble by locating the outermost object.
	if !strings.HasPrefix(s, "{") {
		start := strings.Index(s, "{")
		end := strings.LastIndex(s, "}")
		if start >= 0 && end > start {
			s = s[start : end+1]
		}
	}
	return s
}

func parseRelevance(raw string) (bool, float64, error) {
	var out struct {
		IsJobRelated bool    `json:"is_job_related"`
		Confidence   float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &out); err != nil {
		return false, 0, eris.Wrap(err, "classify: parse relevance response")
	}
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 1 {
		out.Confidence = 1
	}
	return out.IsJobRelated, out.Confidence, nil
}

func parseExtraction(raw string) (model.ExtractedFields, error) {
	var out struct {
		Company     *string `json:"company"`
		Position    *string `json:"position"`
		Status      *string `json:"status"`
		Location    *string `json:"location"`
		Remote      *string `json:"remote"`
		SalaryRange *string `json:"salary_range"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &out); err != nil {
		return model.ExtractedFields{}, eris.Wrap(err, "classify: parse extraction response")
	}

	fields := model.ExtractedFields{
		Company:     trimPtr(out.Company),
		Position:    trimPtr(out.Position),
		Location:    trimPtr(out.Location),
		Remote:      normalizeRemote(out.Remote),
		SalaryRange: trimPtr(out.SalaryRange),
	}
	if out.Status != nil {
		if st, ok := model.ParseStatus(*out.Status); ok {
			fields.Status = &st
		}
	}
	return fields, nil
}

func trimPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := strings.TrimSpace(*p)
	if v == "" || strings.EqualFold(v, "null") || strings.EqualFold(v, "unknown") {
		return nil
	}
	return &v
}

func normalizeRemote(p *string) *string {
	if p == nil {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(*p)) {
	case "remote":
		return model.Ptr("remote")
	case "hybrid":
		return model.Ptr("hybrid")
	case "onsite", "on-site", "in-office", "office":
		return model.Ptr("onsite")
	}
	return nil
}
