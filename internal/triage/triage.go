// Package triage implements the zero-cost rule filter that runs before any
// model call. Non-job rules are evaluated first, then job rules; a message
// matching neither is uncertain and proceeds to stage-1 classification. The
// ordering is deliberate: a false not_job costs one suppressed message, a
// false definitely_job would skip the relevance check entirely, so only the
// uncertain bucket gets re-checked downstream.
package triage

import (
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/inboxpilot/jobtrack/internal/model"
)

// Verdict is the filter's three-way decision.
type Verdict string

const (
	VerdictNotJob        Verdict = "not_job"
	VerdictDefinitelyJob Verdict = "definitely_job"
	VerdictUncertain     Verdict = "uncertain"
)

// Filter classifies messages against compiled rule lists. Deterministic and
// side-effect free; safe for concurrent use.
type Filter struct {
	nonJobDomains    []string
	atsDomains       []string
	nonJobSubject    []*regexp.Regexp
	lifecyclePhrases []*regexp.Regexp
}

// NewFilter compiles the rule lists into a Filter.
func NewFilter(rules Rules) (*Filter, error) {
	f := &Filter{
		nonJobDomains: lowerAll(rules.NonJobDomains),
		atsDomains:    lowerAll(rules.ATSDomains),
	}

	for _, p := range rules.NonJobSubjectPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, eris.Wrapf(err, "triage: compile non-job pattern %q", p)
		}
		f.nonJobSubject = append(f.nonJobSubject, re)
	}
	for _, p := range rules.LifecyclePhrases {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, eris.Wrapf(err, "triage: compile lifecycle pattern %q", p)
		}
		f.lifecyclePhrases = append(f.lifecyclePhrases, re)
	}
	return f, nil
}

// Classify returns the triage verdict for a message. Non-job checks run
// first; first match wins.
func (f *Filter) Classify(msg model.Message) Verdict {
	domain := msg.SenderDomain()

	// Non-job: known-irrelevant sender domain or non-job subject pattern.
	if matchDomain(domain, f.nonJobDomains) {
		zap.L().Debug("triage: non-job domain",
			zap.String("message_id", msg.ID),
			zap.String("domain", domain),
		)
		return VerdictNotJob
	}
	for _, re := range f.nonJobSubject {
		if re.MatchString(msg.Subject) {
			zap.L().Debug("triage: non-job subject",
				zap.String("message_id", msg.ID),
				zap.String("pattern", re.String()),
			)
			return VerdictNotJob
		}
	}

	// Job: ATS/job-board domain or lifecycle phrasing in subject/body prefix.
	if matchDomain(domain, f.atsDomains) {
		return VerdictDefinitelyJob
	}
	text := msg.Subject + "\n" + msg.BodyPrefix()
	for _, re := range f.lifecyclePhrases {
		if re.MatchString(text) {
			return VerdictDefinitelyJob
		}
	}

	return VerdictUncertain
}

// IsBulkSender reports whether the sender domain belongs to a known ATS or
// job board. Bulk senders are empirically noisy for rejection phrasing, so
// the classifier force-flags those messages for review.
func (f *Filter) IsBulkSender(msg model.Message) bool {
	return matchDomain(msg.SenderDomain(), f.atsDomains)
}

// matchDomain checks for an exact match or a domain-suffix match, so
// "mail.greenhouse.io" matches a "greenhouse.io" rule.
func matchDomain(domain string, list []string) bool {
	if domain == "" {
		return false
	}
	for _, d := range list {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}
