package triage

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxpilot/jobtrack/internal/model"
)

func newTestFilter(t *testing.T) *Filter {
	t.Helper()
	f, err := NewFilter(DefaultRules())
	require.NoError(t, err)
	return f
}

func msg(sender, subject, body string) model.Message {
	return model.Message{
		ID:         "m1",
		ThreadID:   "t1",
		AccountID:  "acct1",
		Sender:     sender,
		Subject:    subject,
		Body:       body,
		ReceivedAt: time.Now(),
	}
}

func TestClassify_ATSDomain(t *testing.T) {
	f := newTestFilter(t)

	v := f.Classify(msg("notifications@greenhouse.io", "Interview Request — Data Analyst", ""))
	assert.Equal(t, VerdictDefinitelyJob, v)
}

func TestClassify_ATSSubdomain(t *testing.T) {
	f := newTestFilter(t)

	v := f.Classify(msg("no-reply@mail.lever.co", "Update on your candidacy", ""))
	assert.Equal(t, VerdictDefinitelyJob, v)
}

func TestClassify_NewsletterDomain(t *testing.T) {
	f := newTestFilter(t)

	v := f.Classify(msg("digest@substack.com", "Weekly Newsletter", "This week in tech..."))
	assert.Equal(t, VerdictNotJob, v)
}

func TestClassify_NonJobSubjectPattern(t *testing.T) {
	f := newTestFilter(t)

	v := f.Classify(msg("billing@example.com", "Invoice #4521 for March", ""))
	assert.Equal(t, VerdictNotJob, v)
}

func TestClassify_NonJobRulesWinOverJobRules(t *testing.T) {
	// A CI notification that happens to mention "interview" in the body must
	// still be suppressed: non-job rules are evaluated first.
	f := newTestFilter(t)

	v := f.Classify(msg("builds@circleci.com", "Build failed on main", "interview scheduling service broke"))
	assert.Equal(t, VerdictNotJob, v)
}

func TestClassify_LifecyclePhraseInBody(t *testing.T) {
	f := newTestFilter(t)

	v := f.Classify(msg("careers@acme.example", "Acme Corp", "Thank you for applying to Acme Corp. We will review your application."))
	assert.Equal(t, VerdictDefinitelyJob, v)
}

func TestClassify_LifecyclePhraseBeyondBodyPrefixIgnored(t *testing.T) {
	f := newTestFilter(t)

	// Phrase sits past the 500-byte prefix window.
	pad := make([]byte, 600)
	for i := range pad {
		pad[i] = 'x'
	}
	v := f.Classify(msg("someone@example.com", "hello", string(pad)+" thank you for applying"))
	assert.Equal(t, VerdictUncertain, v)
}

func TestClassify_Uncertain(t *testing.T) {
	f := newTestFilter(t)

	v := f.Classify(msg("alice@example.com", "Lunch on Friday?", "Want to grab lunch?"))
	assert.Equal(t, VerdictUncertain, v)
}

func TestClassify_Deterministic(t *testing.T) {
	f := newTestFilter(t)
	m := msg("recruiter@indeed.com", "New opportunities for you", "")

	first := f.Classify(m)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, f.Classify(m))
	}
}

func TestClassify_NotJobAlwaysHasMatchingRule(t *testing.T) {
	// Every not_job verdict must be explained by either a domain rule or a
	// subject pattern: no silent suppression.
	f := newTestFilter(t)
	rules := DefaultRules()

	cases := []model.Message{
		msg("digest@substack.com", "Weekly Newsletter", ""),
		msg("billing@stripe.com", "Your receipt", ""),
		msg("random@example.com", "Click to unsubscribe", ""),
		msg("noreply@github.com", "Pull request merged", ""),
	}
	for _, m := range cases {
		require.Equal(t, VerdictNotJob, f.Classify(m))

		domainRule := matchDomain(m.SenderDomain(), lowerAll(rules.NonJobDomains))
		subjectRule := false
		for _, re := range f.nonJobSubject {
			if re.MatchString(m.Subject) {
				subjectRule = true
				break
			}
		}
		assert.True(t, domainRule || subjectRule, "no rule explains suppression of %q", m.Subject)
	}
}

func TestIsBulkSender(t *testing.T) {
	f := newTestFilter(t)

	assert.True(t, f.IsBulkSender(msg("no-reply@greenhouse.io", "", "")))
	assert.False(t, f.IsBulkSender(msg("hr@smallco.example", "", "")))
}

func TestLoadRules_PartialOverride(t *testing.T) {
	path := t.TempDir() + "/rules.yaml"
	err := os.WriteFile(path, []byte("non_job_domains:\n  - spam.example\n"), 0o600)
	require.NoError(t, err)

	rules, err := LoadRules(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"spam.example"}, rules.NonJobDomains)
	// Unlisted sections keep their defaults.
	assert.NotEmpty(t, rules.ATSDomains)
	assert.NotEmpty(t, rules.LifecyclePhrases)
}

func TestLoadRules_MissingFile(t *testing.T) {
	_, err := LoadRules("/nonexistent/rules.yaml")
	assert.Error(t, err)
}

func TestNewFilter_BadPattern(t *testing.T) {
	rules := DefaultRules()
	rules.LifecyclePhrases = append(rules.LifecyclePhrases, `(unclosed`)

	_, err := NewFilter(rules)
	assert.Error(t, err)
}
