package arbitration

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arbiterhq/orchestrator/core"
	"github.com/arbiterhq/orchestrator/logger"
)

// precedentConfidenceThreshold is the verdict confidence above which a
// precedent is derived.
const precedentConfidenceThreshold = 0.8

// PrecedentStore is the optional persistence adapter for precedents.
type PrecedentStore interface {
	SavePrecedent(p *Precedent) error
	LoadAllPrecedents() ([]*Precedent, error)
}

// PrecedentManager stores derived precedents and answers similarity
// lookups. Similarity is Jaccard over the combined (category, severity,
// keyFacts) token sets.
type PrecedentManager struct {
	mu         sync.RWMutex
	precedents map[string]*Precedent

	threshold float64
	store     PrecedentStore
	log       logger.Logger
}

// NewPrecedentManager builds a manager; persisted precedents are loaded
// eagerly when a store is configured.
func NewPrecedentManager(threshold float64, store PrecedentStore, log logger.Logger) (*PrecedentManager, error) {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.5
	}
	if log == nil {
		log = logger.NoOp{}
	}
	m := &PrecedentManager{
		precedents: make(map[string]*Precedent),
		threshold:  threshold,
		store:      store,
		log:        log.WithComponent("arbiter/arbitration/precedents"),
	}
	if store != nil {
		loaded, err := store.LoadAllPrecedents()
		if err != nil {
			return nil, core.New("arbitration.NewPrecedentManager", core.KindTransientIO, err, "loading precedents").Retry()
		}
		for _, p := range loaded {
			m.precedents[p.ID] = p
		}
	}
	return m, nil
}

// CreateFromVerdict derives and stores a precedent from a high-confidence
// verdict. The title combines the dominant rule with a digest of key facts.
func (m *PrecedentManager) CreateFromVerdict(v *Verdict, violation *Violation, topRule *Rule) *Precedent {
	keyFacts := deriveKeyFacts(violation)
	title := "Precedent"
	category := ""
	severity := SeverityMedium
	var rules []string
	if topRule != nil {
		title = fmt.Sprintf("%s: %s", topRule.Title, digest(keyFacts))
		category = topRule.Category
		severity = topRule.Severity
		rules = append(rules, topRule.ID)
	} else if violation != nil {
		title = fmt.Sprintf("Violation %s: %s", violation.RuleID, digest(keyFacts))
		severity = violation.Severity
	}
	for _, id := range v.RulesApplied {
		if len(rules) == 0 || rules[0] != id {
			rules = append(rules, id)
		}
	}

	summary := ""
	if len(v.Reasoning) > 0 {
		summary = v.Reasoning[len(v.Reasoning)-1].Description
	}

	p := &Precedent{
		ID:               core.NewID("precedent"),
		Title:            title,
		Category:         category,
		Severity:         severity,
		RulesInvolved:    rules,
		VerdictID:        v.ID,
		Outcome:          v.Outcome,
		KeyFacts:         keyFacts,
		ReasoningSummary: summary,
		Applicability:    fmt.Sprintf("violations of category %q at severity %q", category, severity),
		CreatedAt:        time.Now(),
	}

	m.mu.Lock()
	m.precedents[p.ID] = p
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SavePrecedent(p); err != nil {
			m.log.Warn("persisting precedent failed", logger.F("precedent_id", p.ID, "error", err.Error()))
		}
	}
	m.log.Info("precedent created", logger.F("precedent_id", p.ID, "title", title))
	return p
}

// FindSimilar returns up to k precedents whose (category, severity,
// keyFacts) token sets overlap the query above the similarity threshold,
// most similar first. Matches get their citation counters bumped.
func (m *PrecedentManager) FindSimilar(category string, severity Severity, keyFacts []string, k int) []*Precedent {
	if k <= 0 {
		k = 5
	}
	query := tokenSet(category, severity, keyFacts)

	type scored struct {
		p     *Precedent
		score float64
	}
	var matches []scored

	m.mu.RLock()
	for _, p := range m.precedents {
		candidate := tokenSet(p.Category, p.Severity, p.KeyFacts)
		score := jaccard(query, candidate)
		if score >= m.threshold {
			matches = append(matches, scored{p: p, score: score})
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if len(matches) > k {
		matches = matches[:k]
	}

	now := time.Now()
	out := make([]*Precedent, len(matches))
	m.mu.Lock()
	for i, s := range matches {
		s.p.CitationCount++
		s.p.LastCitedAt = &now
		c := *s.p
		out[i] = &c
	}
	m.mu.Unlock()
	return out
}

// Count reports how many precedents are stored.
func (m *PrecedentManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.precedents)
}

// Get returns a copy of a precedent by id.
func (m *PrecedentManager) Get(id string) (*Precedent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.precedents[id]
	if !ok {
		return nil, false
	}
	c := *p
	return &c, true
}

func tokenSet(category string, severity Severity, keyFacts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keyFacts)+2)
	if category != "" {
		set["category:"+strings.ToLower(category)] = struct{}{}
	}
	set["severity:"+string(severity)] = struct{}{}
	for _, f := range keyFacts {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			set["fact:"+f] = struct{}{}
		}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// deriveKeyFacts extracts a compact fact list from a violation: its rule,
// violator, location, and the scalar context entries.
func deriveKeyFacts(v *Violation) []string {
	if v == nil {
		return nil
	}
	var facts []string
	if v.RuleID != "" {
		facts = append(facts, "rule="+v.RuleID)
	}
	if v.Violator != "" {
		facts = append(facts, "violator="+v.Violator)
	}
	if v.Location != "" {
		facts = append(facts, "location="+v.Location)
	}
	keys := make([]string, 0, len(v.Context))
	for k := range v.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch val := v.Context[k].(type) {
		case string, bool, float64, int, int64:
			facts = append(facts, fmt.Sprintf("%s=%v", k, val))
		}
	}
	return facts
}

func digest(facts []string) string {
	if len(facts) == 0 {
		return "no recorded facts"
	}
	if len(facts) > 3 {
		facts = facts[:3]
	}
	return strings.Join(facts, ", ")
}
