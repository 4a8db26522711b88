package arbitration

import (
	"fmt"
	"time"

	"github.com/arbiterhq/orchestrator/core"
	"github.com/arbiterhq/orchestrator/logger"
)

// buildVerdict aggregates rule evaluation results into a verdict. Any
// violated rule starts the outcome at REJECTED; confidence is the mean of
// the per-rule confidences; reasoning walks each rule's result in order.
func buildVerdict(sessionID string, s *Session, results []RuleEvaluationResult) *Verdict {
	outcome := OutcomeApproved
	var confidenceSum float64
	var rulesApplied []string
	var precedentsCited []string
	var reasoning []ReasoningStep

	for i, r := range results {
		confidenceSum += r.Confidence
		rulesApplied = append(rulesApplied, r.RuleID)
		precedentsCited = append(precedentsCited, r.PrecedentsApplied...)
		if r.Violated {
			outcome = OutcomeRejected
		}
		reasoning = append(reasoning, ReasoningStep{
			Step:           i + 1,
			Description:    r.Explanation,
			RuleReferences: []string{r.RuleID},
			Confidence:     r.Confidence,
		})
	}

	confidence := 0.5
	if len(results) > 0 {
		confidence = confidenceSum / float64(len(results))
	}

	var evidence []string
	if s.Violation != nil {
		evidence = append([]string(nil), s.Violation.Evidence...)
	}

	summary := fmt.Sprintf("verdict %s over %d rules with confidence %.2f", outcome, len(results), confidence)
	reasoning = append(reasoning, ReasoningStep{
		Step:        len(reasoning) + 1,
		Description: summary,
		Confidence:  confidence,
	})

	return &Verdict{
		ID:           core.NewID("verdict"),
		SessionID:    sessionID,
		Outcome:      outcome,
		Reasoning:    reasoning,
		RulesApplied: rulesApplied,
		Evidence:     evidence,
		Precedents:   precedentsCited,
		Confidence:   confidence,
		IssuedBy:     "arbitration-engine",
		IssuedAt:     time.Now(),
		AuditLog:     []string{summary},
	}
}

// sanitizeVerdict defends against malformed verdict data: an out-of-range
// confidence is clamped and an unknown outcome is coerced to DEFERRED, with
// a warning either way. Arbitration never crashes on bad verdict fields.
func sanitizeVerdict(v *Verdict, log logger.Logger) {
	if v.Confidence < 0 || v.Confidence > 1 {
		log.Warn("verdict confidence out of range, clamping", logger.F(
			"verdict_id", v.ID,
			"confidence", v.Confidence,
		))
		if v.Confidence < 0 {
			v.Confidence = 0
		} else {
			v.Confidence = 1
		}
	}
	if !ValidOutcome(v.Outcome) {
		log.Warn("unknown verdict outcome, coercing to DEFERRED", logger.F(
			"verdict_id", v.ID,
			"outcome", string(v.Outcome),
		))
		v.Outcome = OutcomeDeferred
	}
}

// dominantViolatedRule picks the highest-severity rule among those whose
// evaluation reported a violation. Returns nil when nothing was violated.
func dominantViolatedRule(rules []Rule, results []RuleEvaluationResult) *Rule {
	violated := make(map[string]bool, len(results))
	for _, r := range results {
		if r.Violated {
			violated[r.RuleID] = true
		}
	}
	var top *Rule
	for i := range rules {
		rule := &rules[i]
		if !violated[rule.ID] {
			continue
		}
		if top == nil || severityRank[rule.Severity] > severityRank[top.Severity] {
			top = rule
		}
	}
	return top
}
