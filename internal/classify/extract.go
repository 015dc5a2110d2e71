package classify

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/inboxpilot/jobtrack/internal/model"
)

// Deterministic pattern extraction. This is the stage-2 fallback when the
// model backend fails, and the extraction path of the keyword backend.

// The keyword alternations match any case, but the captured name must start
// with a capital; a file-wide (?i) would void that and capture arbitrary
// lowercase phrases.
var (
	// "your application to Acme Corp", "interview at Acme", "joining us at Acme"
	companyAtRe = regexp.MustCompile(`\b(?i:at|with|to|from|join(?:ing)?)\s+([A-Z][A-Za-z0-9&.\-]*(?:\s+[A-Z][A-Za-z0-9&.\-]*){0,3})`)

	// "the position of Backend Engineer", "role: Data Analyst", "opportunity as Product Manager"
	positionRe = regexp.MustCompile(`\b(?i:position|role|opening|opportunity|vacancy)\s*(?i:of|as|for|:|-)?\s+([A-Z][A-Za-z0-9/+#\-]*(?:\s+[A-Za-z0-9/+#&\-]+){0,5})`)

	// "Interview Request — Data Analyst", "Offer — Backend Engineer"
	subjectTitleRe = regexp.MustCompile(`\b(?i:interview|offer|application)[^—:-]*[—:-]\s*([A-Z][A-Za-z0-9/+#\-]*(?:\s+[A-Za-z0-9/+#&\-]+){0,5})`)

	salaryRe = regexp.MustCompile(`(?i)\$\s?\d{2,3}(?:,\d{3})?(?:k)?\s*(?:-|–|to)\s*\$?\s?\d{2,3}(?:,\d{3})?(?:k)?`)

	remoteRe = regexp.MustCompile(`(?i)\b(fully remote|remote-first|remote|hybrid|on-?site|in-?office)\b`)
)

// trailingNoise strips connective words a greedy capture tends to drag in.
var trailingNoise = []string{
	"the", "a", "an", "our", "your", "at", "for", "to", "and", "team", "position", "role",
}

// statusKeywords maps body phrasing to statuses in strict priority order:
// explicit offers beat interview phrasing beat rejections beat confirmations.
// First matching group wins.
var statusKeywords = []struct {
	status   model.Status
	patterns []string
}{
	{model.StatusOffer, []string{
		"offer letter", "pleased to offer", "pleased to extend", "extend an offer",
		"offer of employment", "compensation package",
	}},
	{model.StatusInterview, []string{
		"interview", "phone screen", "schedule a call", "schedule your",
		"technical assessment", "coding challenge", "meet the team",
	}},
	{model.StatusRejected, []string{
		"regret to inform", "other candidates", "not moving forward",
		"not to move forward", "position has been filled", "unable to offer",
		"decided not to proceed",
	}},
	{model.StatusApplied, []string{
		"received your application", "thank you for applying",
		"application received", "application has been submitted",
		"confirm receipt of your application",
	}},
}

// ExtractStatus scores the subject and body against the status keyword
// groups, in priority order. Defaults to Applied when nothing matches.
func ExtractStatus(subject, body string) model.Status {
	text := strings.ToLower(subject + "\n" + body)
	for _, group := range statusKeywords {
		for _, kw := range group.patterns {
			if strings.Contains(text, kw) {
				return group.status
			}
		}
	}
	return model.StatusApplied
}

// ExtractCompany pulls a company name from "at/with/to <Company>" phrasing,
// falling back to the sender domain with its TLD stripped.
func ExtractCompany(subject, body, senderDomain string) *string {
	for _, text := range []string{subject, body} {
		if m := companyAtRe.FindStringSubmatch(text); m != nil {
			if name := cleanCapture(m[1]); name != "" {
				return &name
			}
		}
	}

	if senderDomain != "" && !genericMailDomain(senderDomain) {
		base := senderDomain
		if i := strings.Index(base, "."); i > 0 {
			base = base[:i]
		}
		// Casers are stateful; build one per call so extraction stays
		// safe under the batch fan-out.
		name := cases.Title(language.English).String(base)
		return &name
	}
	return nil
}

// ExtractPosition pulls a job title from "position/role/opportunity ..."
// phrasing, trying subject lines like "Interview Request: Title" first.
func ExtractPosition(subject, body string) *string {
	if m := subjectTitleRe.FindStringSubmatch(subject); m != nil {
		if title := cleanCapture(m[1]); title != "" {
			return &title
		}
	}
	for _, text := range []string{subject, body} {
		if m := positionRe.FindStringSubmatch(text); m != nil {
			if title := cleanCapture(m[1]); title != "" {
				return &title
			}
		}
	}
	return nil
}

// ExtractSalaryRange returns the first salary-range mention, verbatim.
func ExtractSalaryRange(text string) *string {
	if m := salaryRe.FindString(text); m != "" {
		return &m
	}
	return nil
}

// ExtractRemote normalizes a remote/hybrid/onsite mention.
func ExtractRemote(text string) *string {
	m := remoteRe.FindString(text)
	if m == "" {
		return nil
	}
	norm := strings.ToLower(strings.ReplaceAll(m, "-", ""))
	switch {
	case strings.Contains(norm, "remote"):
		norm = "remote"
	case strings.Contains(norm, "hybrid"):
		norm = "hybrid"
	default:
		norm = "onsite"
	}
	return &norm
}

// fallbackExtract runs every deterministic extractor over an input.
func fallbackExtract(in Input, senderDomain string) model.ExtractedFields {
	text := in.Subject + "\n" + in.Body
	status := ExtractStatus(in.Subject, in.Body)
	return model.ExtractedFields{
		Company:     ExtractCompany(in.Subject, in.Body, senderDomain),
		Position:    ExtractPosition(in.Subject, in.Body),
		Status:      &status,
		SalaryRange: ExtractSalaryRange(text),
		Remote:      ExtractRemote(text),
	}
}

func cleanCapture(s string) string {
	s = strings.TrimSpace(s)
	// Cut at sentence boundaries the regex may have crossed.
	if i := strings.IndexAny(s, ".!?\n,;"); i > 0 {
		s = s[:i]
	}
	words := strings.Fields(s)
	for len(words) > 0 {
		last := strings.ToLower(words[len(words)-1])
		noise := false
		for _, n := range trailingNoise {
			if last == n {
				noise = true
				break
			}
		}
		if !noise {
			break
		}
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

// genericMailDomain reports whether the domain is a consumer mail provider
// or an ATS relay, i.e. useless as a company-name source.
func genericMailDomain(domain string) bool {
	for _, d := range []string{
		"gmail.com", "googlemail.com", "yahoo.com", "outlook.com",
		"hotmail.com", "icloud.com", "proton.me", "protonmail.com",
		"greenhouse.io", "lever.co", "ashbyhq.com", "myworkday.com",
		"smartrecruiters.com", "icims.com", "indeed.com", "linkedin.com",
		"jobs-noreply.linkedin.com",
	} {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}
