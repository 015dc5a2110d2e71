package classify

import (
	"context"
	"strings"
	"time"
)

// KeywordBackend is the deterministic scoring backend: bag-of-keyword
// features plus a few hand-crafted meta features (ATS-domain indicator,
// lifecycle phrasing, text length). It never returns an error, which makes
// it the designated fallback; its answers carry deliberately lower
// confidence than a model's.
type KeywordBackend struct {
	atsDomains []string
}

// NewKeywordBackend creates a keyword backend. atsDomains feeds the
// ATS-domain meta feature; the triage filter's list is reused here.
func NewKeywordBackend(atsDomains []string) *KeywordBackend {
	return &KeywordBackend{atsDomains: atsDomains}
}

// ID implements Backend.
func (k *KeywordBackend) ID() string { return "keyword-v1" }

// relevanceSignals are weighted keyword features for stage 1.
var relevanceSignals = []struct {
	phrase string
	weight float64
}{
	{"your application", 0.30},
	{"thank you for applying", 0.35},
	{"interview", 0.30},
	{"phone screen", 0.30},
	{"recruiter", 0.25},
	{"recruiting", 0.20},
	{"hiring", 0.20},
	{"offer letter", 0.35},
	{"position", 0.15},
	{"candidate", 0.20},
	{"resume", 0.15},
	{"talent", 0.10},
	{"next steps", 0.10},
}

var irrelevanceSignals = []struct {
	phrase string
	weight float64
}{
	{"unsubscribe", 0.25},
	{"newsletter", 0.30},
	{"invoice", 0.30},
	{"receipt", 0.25},
	{"order confirmation", 0.30},
	{"sale", 0.10},
	{"webinar", 0.20},
}

// keywordConfidenceCap bounds the fallback's confidence below what a model
// backend can express, so fallback answers are visibly best-effort.
const keywordConfidenceCap = 0.75

// Invoke implements Backend. It never fails.
func (k *KeywordBackend) Invoke(_ context.Context, stage string, in Input) (*Result, error) {
	start := time.Now()

	var res *Result
	switch stage {
	case StageExtraction:
		res = k.extract(in)
	default:
		res = k.relevance(in)
	}

	res.Duration = time.Since(start)
	res.ModelID = k.ID()
	return res, nil
}

func (k *KeywordBackend) relevance(in Input) *Result {
	text := strings.ToLower(in.Subject + "\n" + in.Body)

	score := 0.0
	for _, sig := range relevanceSignals {
		if strings.Contains(text, sig.phrase) {
			score += sig.weight
		}
	}
	for _, sig := range irrelevanceSignals {
		if strings.Contains(text, sig.phrase) {
			score -= sig.weight
		}
	}

	// Meta features.
	domain := senderDomain(in.Sender)
	if matchSuffix(domain, k.atsDomains) {
		score += 0.5
	}
	if len(in.Body) < 40 {
		// Near-empty bodies carry almost no signal either way.
		score -= 0.1
	}

	conf := score
	if conf < 0 {
		conf = -conf
	}
	if conf > keywordConfidenceCap {
		conf = keywordConfidenceCap
	}

	return &Result{
		IsJobRelated: score >= 0.3,
		Confidence:   conf,
		Raw:          "keyword-score",
	}
}

func (k *KeywordBackend) extract(in Input) *Result {
	fields := fallbackExtract(in, senderDomain(in.Sender))

	conf := 0.4
	if fields.Company != nil && fields.Position != nil {
		conf = 0.6
	}
	return &Result{
		IsJobRelated: true,
		Confidence:   conf,
		Fields:       fields,
		Raw:          "pattern-extraction",
	}
}

func senderDomain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}

func matchSuffix(domain string, list []string) bool {
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

var _ Backend = (*KeywordBackend)(nil)
