// Package arbitration judges constitutional violations. Each case runs as a
// session through a strict state machine: rule evaluation, verdict
// generation, optional waiver consideration, completion, and optional
// appeals. High-confidence verdicts become precedents that inform later
// evaluations.
package arbitration

import (
	"time"
)

// Severity grades a rule or violation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for picking the dominant violated rule.
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rule is one constitutional rule. A rule is inactive before its effective
// date or after its expiration date and evaluates as not violated.
type Rule struct {
	ID               string                 `json:"id"`
	Version          string                 `json:"version"`
	Category         string                 `json:"category"`
	Title            string                 `json:"title"`
	Description      string                 `json:"description"`
	Condition        string                 `json:"condition"`
	Severity         Severity               `json:"severity"`
	Waivable         bool                   `json:"waivable"`
	RequiredEvidence []string               `json:"required_evidence,omitempty"`
	Precedents       []string               `json:"precedents,omitempty"`
	EffectiveDate    time.Time              `json:"effective_date"`
	ExpirationDate   *time.Time             `json:"expiration_date,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// Violation is a reported breach of one rule, with supporting evidence.
type Violation struct {
	ID          string                 `json:"id"`
	RuleID      string                 `json:"rule_id"`
	Severity    Severity               `json:"severity"`
	Description string                 `json:"description"`
	Evidence    []string               `json:"evidence,omitempty"`
	DetectedAt  time.Time              `json:"detected_at"`
	Violator    string                 `json:"violator,omitempty"`
	Location    string                 `json:"location,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

// SessionState is the arbitration state machine's position.
type SessionState string

const (
	StateRuleEvaluation      SessionState = "RULE_EVALUATION"
	StateVerdictGeneration   SessionState = "VERDICT_GENERATION"
	StateWaiverConsideration SessionState = "WAIVER_CONSIDERATION"
	StateAppealPending       SessionState = "APPEAL_PENDING"
	StateCompleted           SessionState = "COMPLETED"
	StateFailed              SessionState = "FAILED"
)

// Terminal reports whether s ends the session. COMPLETED is terminal for
// the core workflow but may still transition to APPEAL_PENDING when appeals
// are enabled; FAILED admits nothing.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// StateTransition is one entry in a session's append-only transition log.
type StateTransition struct {
	From   SessionState `json:"from"`
	To     SessionState `json:"to"`
	At     time.Time    `json:"at"`
	Reason string       `json:"reason"`
}

// RuleEvaluationResult is the outcome of evaluating one rule against the
// session's violation.
type RuleEvaluationResult struct {
	RuleID            string   `json:"rule_id"`
	Violated          bool     `json:"violated"`
	Explanation       string   `json:"explanation"`
	Confidence        float64  `json:"confidence"`
	PrecedentsApplied []string `json:"precedents_applied,omitempty"`
	EvaluationTimeMs  float64  `json:"evaluation_time_ms"`
}

// Outcome is a verdict's decision.
type Outcome string

const (
	OutcomeApproved    Outcome = "APPROVED"
	OutcomeRejected    Outcome = "REJECTED"
	OutcomeConditional Outcome = "CONDITIONAL"
	OutcomeDeferred    Outcome = "DEFERRED"
	OutcomeRemanded    Outcome = "REMANDED"
)

// ValidOutcome reports whether o is one of the enumerated outcomes.
func ValidOutcome(o Outcome) bool {
	switch o {
	case OutcomeApproved, OutcomeRejected, OutcomeConditional, OutcomeDeferred, OutcomeRemanded:
		return true
	}
	return false
}

// ReasoningStep is one step in a verdict's stepwise reasoning.
type ReasoningStep struct {
	Step           int      `json:"step"`
	Description    string   `json:"description"`
	Evidence       []string `json:"evidence,omitempty"`
	RuleReferences []string `json:"rule_references,omitempty"`
	Confidence     float64  `json:"confidence"`
}

// Verdict is the adjudicated outcome of a session.
type Verdict struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id"`
	Outcome      Outcome         `json:"outcome"`
	Reasoning    []ReasoningStep `json:"reasoning"`
	RulesApplied []string        `json:"rules_applied"`
	Evidence     []string        `json:"evidence,omitempty"`
	Precedents   []string        `json:"precedents,omitempty"`
	Confidence   float64         `json:"confidence"`
	IssuedBy     string          `json:"issued_by"`
	IssuedAt     time.Time       `json:"issued_at"`
	AuditLog     []string        `json:"audit_log,omitempty"`
}

// WaiverStatus is a waiver decision's disposition.
type WaiverStatus string

const (
	WaiverApproved WaiverStatus = "APPROVED"
	WaiverRejected WaiverStatus = "REJECTED"
)

// WaiverRequest asks for relief from a waivable rule.
type WaiverRequest struct {
	ID                string                 `json:"id"`
	RuleID            string                 `json:"rule_id"`
	RequestedBy       string                 `json:"requested_by"`
	Justification     string                 `json:"justification"`
	Evidence          []string               `json:"evidence,omitempty"`
	RequestedDuration time.Duration          `json:"requested_duration"`
	RequestedAt       time.Time              `json:"requested_at"`
	Context           map[string]interface{} `json:"context,omitempty"`
}

// WaiverDecision is the deterministic evaluation of a waiver request.
type WaiverDecision struct {
	Status    WaiverStatus `json:"status"`
	Reasoning string       `json:"reasoning"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
}

// AppealDecision is the appeal panel's ruling.
type AppealDecision string

const (
	AppealUpheld     AppealDecision = "upheld"
	AppealOverturned AppealDecision = "overturned"
	AppealRemanded   AppealDecision = "remanded"
)

// Appeal challenges a completed session's verdict with new evidence.
type Appeal struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	SubmittedBy string    `json:"submitted_by"`
	Grounds     string    `json:"grounds"`
	NewEvidence []string  `json:"new_evidence,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// AppealReview is the panel's adjudication of one appeal.
type AppealReview struct {
	AppealID   string         `json:"appeal_id"`
	Decision   AppealDecision `json:"decision"`
	Confidence float64        `json:"confidence"`
	Reasoning  []string       `json:"reasoning"`
	ReviewedAt time.Time      `json:"reviewed_at"`
}

// Precedent is a stored high-confidence verdict, summarized for reuse.
type Precedent struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Category         string    `json:"category"`
	Severity         Severity  `json:"severity"`
	RulesInvolved    []string  `json:"rules_involved"`
	VerdictID        string    `json:"verdict_id"`
	Outcome          Outcome   `json:"outcome"`
	KeyFacts         []string  `json:"key_facts"`
	ReasoningSummary string    `json:"reasoning_summary"`
	Applicability    string    `json:"applicability"`
	CitationCount    int64     `json:"citation_count"`
	LastCitedAt      *time.Time `json:"last_cited_at,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Session is one arbitration case. Metadata carries the append-only state
// transition log, rule evaluation results, waiver decision, and appeal
// history under well-known keys.
type Session struct {
	SessionID      string                 `json:"session_id"`
	Violation      *Violation             `json:"violation"`
	RulesEvaluated []Rule                 `json:"rules_evaluated"`
	Participants   []string               `json:"participants,omitempty"`
	State          SessionState           `json:"state"`
	Verdict        *Verdict               `json:"verdict,omitempty"`
	WaiverRequest  *WaiverRequest         `json:"waiver_request,omitempty"`
	Appeal         *Appeal                `json:"appeal,omitempty"`
	Metadata       map[string]interface{} `json:"metadata"`
	StartTime      time.Time              `json:"start_time"`
	EndTime        *time.Time             `json:"end_time,omitempty"`
}

// Well-known session metadata keys.
const (
	MetaStateTransitions      = "stateTransitions"
	MetaRuleEvaluationResults = "ruleEvaluationResults"
	MetaWaiverDecision        = "waiverDecision"
	MetaAppeals               = "appeals"
)

// Stats summarizes the engine for status endpoints.
type Stats struct {
	TotalSessions     int64             `json:"total_sessions"`
	ActiveSessions    int               `json:"active_sessions"`
	CompletedSessions int64             `json:"completed_sessions"`
	FailedSessions    int64             `json:"failed_sessions"`
	TotalPrecedents   int               `json:"total_precedents"`
	VerdictsByOutcome map[Outcome]int64 `json:"verdicts_by_outcome"`
}
