// Package consensus selects one extraction result from a message's recorded
// attempts. Selection is a pure function of the ordered attempt list and the
// method, so re-running it always yields the same answer.
package consensus

import (
	"github.com/rotisserie/eris"

	"github.com/inboxpilot/jobtrack/internal/model"
)

// ErrNoAttempts is returned when selection runs over an empty attempt list.
var ErrNoAttempts = eris.New("consensus: no extraction attempts")

// Selection is the chosen extraction for a message. ModelID names the backend
// that produced the fields, or "consensus" when fields were merged across
// attempts.
type Selection struct {
	Fields  model.ExtractedFields
	ModelID string
	Method  model.SelectionMethod
}

// ConsensusModelID marks a selection synthesized by per-field majority vote
// rather than taken from a single backend.
const ConsensusModelID = "consensus"

// completeness weights. Company dominates because matching keys off it.
const (
	weightCompany  = 3
	weightPosition = 2
	weightStatus   = 2
	weightLocation = 1
	weightRemote   = 1
	weightSalary   = 1
)

// Select applies the given method over the attempts, in recorded order.
// Unknown methods fall back to first-attempt selection.
func Select(attempts []model.ExtractionAttempt, method model.SelectionMethod) (Selection, error) {
	if len(attempts) == 0 {
		return Selection{}, ErrNoAttempts
	}

	switch method {
	case model.SelectAutoBest:
		return autoBest(attempts), nil
	case model.SelectConsensus:
		return majorityVote(attempts), nil
	case model.SelectFastest:
		return fastest(attempts), nil
	default:
		a := attempts[0]
		return Selection{Fields: a.Fields, ModelID: a.ModelID, Method: model.SelectFirst}, nil
	}
}

// Completeness scores an attempt's fields by weighted presence.
func Completeness(f model.ExtractedFields) int {
	score := 0
	if f.Company != nil {
		score += weightCompany
	}
	if f.Position != nil {
		score += weightPosition
	}
	if f.Status != nil {
		score += weightStatus
	}
	if f.Location != nil {
		score += weightLocation
	}
	if f.Remote != nil {
		score += weightRemote
	}
	if f.SalaryRange != nil {
		score += weightSalary
	}
	return score
}

func autoBest(attempts []model.ExtractionAttempt) Selection {
	best := attempts[0]
	bestScore := Completeness(best.Fields)
	for _, a := range attempts[1:] {
		score := Completeness(a.Fields)
		if score > bestScore || (score == bestScore && a.Duration < best.Duration) {
			best = a
			bestScore = score
		}
	}
	return Selection{Fields: best.Fields, ModelID: best.ModelID, Method: model.SelectAutoBest}
}

func fastest(attempts []model.ExtractionAttempt) Selection {
	best := attempts[0]
	for _, a := range attempts[1:] {
		if a.Duration < best.Duration {
			best = a
		}
	}
	return Selection{Fields: best.Fields, ModelID: best.ModelID, Method: model.SelectFastest}
}

// majorityVote synthesizes a result field by field: the most frequent
// non-null value wins, ties broken by first-seen order. The result may
// combine fields from different attempts.
func majorityVote(attempts []model.ExtractionAttempt) Selection {
	fields := model.ExtractedFields{
		Company:     vote(attempts, func(f model.ExtractedFields) *string { return f.Company }),
		Position:    vote(attempts, func(f model.ExtractedFields) *string { return f.Position }),
		Location:    vote(attempts, func(f model.ExtractedFields) *string { return f.Location }),
		Remote:      vote(attempts, func(f model.ExtractedFields) *string { return f.Remote }),
		SalaryRange: vote(attempts, func(f model.ExtractedFields) *string { return f.SalaryRange }),
	}
	if st := vote(attempts, statusAsString); st != nil {
		s := model.Status(*st)
		fields.Status = &s
	}

	modelID := ConsensusModelID
	if len(attempts) == 1 {
		modelID = attempts[0].ModelID
	}
	return Selection{Fields: fields, ModelID: modelID, Method: model.SelectConsensus}
}

func statusAsString(f model.ExtractedFields) *string {
	if f.Status == nil {
		return nil
	}
	s := string(*f.Status)
	return &s
}

// vote picks the most frequent non-null value of one field across attempts,
// ties broken by first-seen order.
func vote(attempts []model.ExtractionAttempt, get func(model.ExtractedFields) *string) *string {
	counts := make(map[string]int)
	firstSeen := make(map[string]int)
	order := 0
	for _, a := range attempts {
		v := get(a.Fields)
		if v == nil {
			continue
		}
		if _, ok := counts[*v]; !ok {
			firstSeen[*v] = order
		}
		counts[*v]++
		order++
	}
	if len(counts) == 0 {
		return nil
	}

	var winner string
	bestCount := -1
	for v, n := range counts {
		if n > bestCount || (n == bestCount && firstSeen[v] < firstSeen[winner]) {
			winner = v
			bestCount = n
		}
	}
	return &winner
}
