package match

import "strings"

// TitleSimilarity scores two job titles in [0,1] by token overlap (Jaccard
// over normalized words). Identical titles score 1; disjoint titles score 0.
// Two empty titles count as a match: a record with no title shouldn't block
// consolidation within the same company.
func TitleSimilarity(a, b string) float64 {
	ta := tokenSet(NormalizeTitle(a))
	tb := tokenSet(NormalizeTitle(b))

	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	intersection := 0
	for tok := range ta {
		if tb[tok] {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(s) {
		set[tok] = true
	}
	return set
}
