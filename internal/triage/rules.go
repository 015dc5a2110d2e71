package triage

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Rules holds the curated lists the filter evaluates. Subject patterns and
// lifecycle phrases are regular expressions matched case-insensitively.
type Rules struct {
	NonJobDomains         []string `yaml:"non_job_domains"`
	NonJobSubjectPatterns []string `yaml:"non_job_subject_patterns"`
	ATSDomains            []string `yaml:"ats_domains"`
	LifecyclePhrases      []string `yaml:"lifecycle_phrases"`
}

// DefaultRules returns the built-in rule lists.
func DefaultRules() Rules {
	return Rules{
		NonJobDomains: []string{
			// Source control / CI noise
			"github.com", "gitlab.com", "bitbucket.org", "circleci.com",
			"travis-ci.com", "jenkins.io",
			// Newsletters and content platforms
			"substack.com", "medium.com", "mailchimp.com", "beehiiv.com",
			"convertkit.com", "buttondown.email",
			// Payments / receipts
			"stripe.com", "paypal.com", "squareup.com", "intuit.com",
			// General SaaS notifications
			"slack.com", "notion.so", "atlassian.com", "atlassian.net",
			"zoom.us", "dropbox.com", "docusign.com", "figma.com",
		},
		NonJobSubjectPatterns: []string{
			`(?i)\bnewsletter\b`,
			`(?i)\bunsubscribe\b`,
			`(?i)\binvoice\b`,
			`(?i)\breceipt\b`,
			`(?i)\byour (order|payment|subscription)\b`,
			`(?i)\bbuild (failed|passed|succeeded)\b`,
			`(?i)\b(pull request|merge request)\b`,
			`(?i)\bweekly digest\b`,
			`(?i)\bsecurity alert\b`,
			`(?i)\bpassword reset\b`,
			`(?i)\bverify your email\b`,
		},
		ATSDomains: []string{
			// Applicant tracking systems
			"greenhouse.io", "lever.co", "ashbyhq.com", "myworkday.com",
			"workday.com", "smartrecruiters.com", "icims.com", "jobvite.com",
			"bamboohr.com", "taleo.net", "workable.com", "breezy.hr",
			"recruitee.com", "successfactors.com", "oraclecloud.com",
			"hire.lever.co", "us.greenhouse-mail.io",
			// Job boards
			"indeed.com", "glassdoor.com", "ziprecruiter.com",
			"wellfound.com", "otta.com", "hired.com", "dice.com",
			"jobs-noreply.linkedin.com",
		},
		LifecyclePhrases: []string{
			// Application confirmations
			`(?i)\bthank you for (applying|your application)\b`,
			`(?i)\b(we have |we've )?received your application\b`,
			`(?i)\byour application (to|for|was|has been)\b`,
			`(?i)\bapplication (received|submitted|confirmation)\b`,
			// Interview scheduling
			`(?i)\binterview\b`,
			`(?i)\bphone screen\b`,
			`(?i)\bschedule (a|your) (call|chat|conversation)\b`,
			`(?i)\bnext steps? in (the|our) (hiring|recruiting|interview) process\b`,
			// Offers
			`(?i)\boffer (letter|of employment)\b`,
			`(?i)\bpleased to (offer|extend)\b`,
			// Rejections
			`(?i)\bwe regret to inform\b`,
			`(?i)\b(decided|chosen) (to move forward|to proceed) with other candidates\b`,
			`(?i)\bnot (to )?(move|moving) forward with your (application|candidacy)\b`,
			`(?i)\bposition has been filled\b`,
			// Role-title keywords
			`(?i)\b(software|backend|frontend|data|devops|platform) (engineer|analyst|scientist|developer)\b`,
			`(?i)\b(hiring|recruiting|talent) (team|coordinator|partner)\b`,
		},
	}
}

// LoadRules reads rule lists from a YAML file. Lists present in the file
// replace the built-in ones; absent lists keep their defaults, so a rules
// file can override a single list without restating the rest.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()

	data, err := os.ReadFile(path)
	if err != nil {
		return rules, eris.Wrapf(err, "triage: read rules file %s", path)
	}

	var loaded Rules
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return rules, eris.Wrapf(err, "triage: parse rules file %s", path)
	}

	if len(loaded.NonJobDomains) > 0 {
		rules.NonJobDomains = loaded.NonJobDomains
	}
	if len(loaded.NonJobSubjectPatterns) > 0 {
		rules.NonJobSubjectPatterns = loaded.NonJobSubjectPatterns
	}
	if len(loaded.ATSDomains) > 0 {
		rules.ATSDomains = loaded.ATSDomains
	}
	if len(loaded.LifecyclePhrases) > 0 {
		rules.LifecyclePhrases = loaded.LifecyclePhrases
	}
	return rules, nil
}
