// Package match maps selected extractions onto application records: by
// conversation thread first, then by fuzzy company+title similarity, creating
// a new record when neither matches. It also owns the periodic dedup pass
// that merges records discovered to be duplicates.
package match

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

// legalSuffixes lists common legal entity suffixes to strip during company
// name normalization.
var legalSuffixes = []string{
	" llc", " l.l.c.", " l.l.c",
	" inc", " inc.", " incorporated",
	" corp", " corp.", " corporation",
	" ltd", " ltd.", " limited",
	" lp", " l.p.",
	" llp", " l.l.p.",
	" co", " co.",
	" plc", " p.l.c.",
	" gmbh", " ag", " sa", " bv",
	" holdings", " group",
}

// seniorityPrefixes are stripped from job titles so "Sr. Engineer" and
// "Senior Engineer" key the same. Compared after punctuation removal, so no
// dotted variants.
var seniorityPrefixes = []string{
	"sr", "senior",
	"jr", "junior",
	"staff", "principal", "lead",
}

var multiSpaceRe = regexp.MustCompile(`\s{2,}`)

var punctReplacer = strings.NewReplacer(
	",", "",
	".", "",
	"'", "",
	"\"", "",
	"&", " and ",
	"-", " ",
	"(", " ",
	")", " ",
	"/", " ",
)

// CompanyKey normalizes a company name into a stable matching key: case-fold,
// strip one legal suffix, drop punctuation, collapse whitespace.
func CompanyKey(name string) string {
	name = cases.Fold().String(strings.TrimSpace(name))
	if name == "" {
		return ""
	}

	for _, suffix := range legalSuffixes {
		if strings.HasSuffix(name, suffix) {
			name = strings.TrimSuffix(name, suffix)
			break
		}
	}

	name = punctReplacer.Replace(name)
	name = multiSpaceRe.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}

// NormalizeTitle prepares a job title for similarity comparison: case-fold,
// drop punctuation, strip leading seniority qualifiers.
func NormalizeTitle(title string) string {
	title = cases.Fold().String(strings.TrimSpace(title))
	if title == "" {
		return ""
	}

	title = punctReplacer.Replace(title)
	title = multiSpaceRe.ReplaceAllString(title, " ")
	title = strings.TrimSpace(title)

	words := strings.Fields(title)
	for len(words) > 1 {
		stripped := false
		for _, p := range seniorityPrefixes {
			if words[0] == p {
				words = words[1:]
				stripped = true
				break
			}
		}
		if !stripped {
			break
		}
	}
	return strings.Join(words, " ")
}
