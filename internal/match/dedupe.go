package match

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/inboxpilot/jobtrack/internal/model"
	"github.com/inboxpilot/jobtrack/internal/store"
)

// listAllFilter covers the whole account in one pass. Dedup operates on the
// full record set, not a page.
func listAllFilter(accountID string) store.ApplicationFilter {
	return store.ApplicationFilter{AccountID: accountID, Limit: 100000}
}

// Merge records one completed dedup merge.
type Merge struct {
	PrimaryID   string
	SecondaryID string
	Company     string
	Similarity  float64
}

// Dedupe scans an account's records for duplicate applications (same company
// key, similar title) and merges each pair, oldest record surviving. Returns
// the merges performed. Runs under the engine lock so a concurrent Assign
// cannot attach to a record mid-merge.
func (e *Engine) Dedupe(ctx context.Context, accountID string) ([]Merge, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	apps, err := e.store.ListApplications(ctx, listAllFilter(accountID))
	if err != nil {
		return nil, eris.Wrap(err, "match: dedupe list")
	}

	byKey := make(map[string][]model.Application)
	for _, app := range apps {
		byKey[app.CompanyKey] = append(byKey[app.CompanyKey], app)
	}

	var merges []Merge
	for key, group := range byKey {
		if len(group) < 2 {
			continue
		}
		// Oldest first: the earliest record is the survivor.
		sort.Slice(group, func(i, j int) bool { return group[i].CreatedAt.Before(group[j].CreatedAt) })

		absorbed := make(map[string]bool)
		for i := 0; i < len(group); i++ {
			if absorbed[group[i].ID] {
				continue
			}
			for j := i + 1; j < len(group); j++ {
				if absorbed[group[j].ID] {
					continue
				}
				score := TitleSimilarity(group[i].Title, group[j].Title)
				if score < e.threshold {
					continue
				}
				if _, err := e.store.MergeApplications(ctx, group[i].ID, group[j].ID); err != nil {
					return merges, eris.Wrapf(err, "match: dedupe merge %s <- %s", group[i].ID, group[j].ID)
				}
				absorbed[group[j].ID] = true
				merges = append(merges, Merge{
					PrimaryID:   group[i].ID,
					SecondaryID: group[j].ID,
					Company:     group[i].Company,
					Similarity:  score,
				})
				zap.L().Info("applications merged",
					zap.String("primary_id", group[i].ID),
					zap.String("secondary_id", group[j].ID),
					zap.String("company_key", key),
					zap.Float64("similarity", score))
			}
		}
	}
	return merges, nil
}
