package arbitration

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arbiterhq/orchestrator/core"
	"github.com/arbiterhq/orchestrator/eventbus"
	"github.com/arbiterhq/orchestrator/logger"
)

// SessionStore is the optional persistence adapter for sessions.
type SessionStore interface {
	SaveSession(s *Session) error
	// LoadNonTerminalSessions returns persisted sessions that were still in
	// flight. On startup they are forced to FAILED rather than resumed.
	LoadNonTerminalSessions() ([]*Session, error)
}

// Config wires the engine's collaborators and policy switches.
type Config struct {
	// MaxConcurrentSessions caps active (non-terminal) sessions; when the
	// cap is reached StartSession fails with a saturation error.
	MaxConcurrentSessions int

	// SessionTimeout bounds a session's total wall-clock time. The timer
	// fails the session if it is still non-terminal when it fires.
	SessionTimeout time.Duration

	// EnableWaivers gates waiver consideration.
	EnableWaivers bool

	// EnableAppeals gates post-completion appeals.
	EnableAppeals bool

	// PrecedentTopK is how many similar precedents a rule evaluation pulls.
	PrecedentTopK int

	Logger     logger.Logger
	Bus        *eventbus.Bus
	Store      SessionStore      // nil disables persistence
	Precedents *PrecedentManager // required
}

// trackedSession wraps a session with its own FIFO lock so transitions on
// one session serialize in arrival order while other sessions proceed.
type trackedSession struct {
	lock    *core.FIFOLock
	session *Session
	timer   *time.Timer
}

// Engine owns every arbitration session until it reaches a terminal state;
// terminal sessions stay readable but stop counting against the cap.
type Engine struct {
	mu       sync.RWMutex
	sessions map[string]*trackedSession
	active   int

	cfg Config
	log logger.Logger

	statsMu           sync.Mutex
	totalSessions     int64
	completedSessions int64
	failedSessions    int64
	verdictsByOutcome map[Outcome]int64
}

// NewEngine builds an engine. Persisted non-terminal sessions are loaded as
// FAILED: the engine never resumes a session mid-transition after a crash.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.MaxConcurrentSessions <= 0 {
		cfg.MaxConcurrentSessions = 100
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 5 * time.Minute
	}
	if cfg.PrecedentTopK <= 0 {
		cfg.PrecedentTopK = 5
	}
	if cfg.Precedents == nil {
		return nil, core.New("arbitration.NewEngine", core.KindPrecondition, nil, "precedent manager is required")
	}
	lg := cfg.Logger
	if lg == nil {
		lg = logger.NoOp{}
	}
	e := &Engine{
		sessions:          make(map[string]*trackedSession),
		cfg:               cfg,
		log:               lg.WithComponent("arbiter/arbitration"),
		verdictsByOutcome: make(map[Outcome]int64),
	}

	if cfg.Store != nil {
		recovered, err := cfg.Store.LoadNonTerminalSessions()
		if err != nil {
			return nil, core.New("arbitration.NewEngine", core.KindTransientIO, err, "loading sessions").Retry()
		}
		for _, s := range recovered {
			now := time.Now()
			prior := s.State
			s.State = StateFailed
			s.EndTime = &now
			appendTransition(s, StateTransition{From: prior, To: StateFailed, At: now, Reason: "crash recovery"})
			e.sessions[s.SessionID] = &trackedSession{lock: core.NewFIFOLock(), session: s}
			e.statsMu.Lock()
			e.totalSessions++
			e.failedSessions++
			e.statsMu.Unlock()
			if err := cfg.Store.SaveSession(s); err != nil {
				e.log.Warn("persisting crash-recovered session failed", logger.F("session_id", s.SessionID, "error", err.Error()))
			}
		}
		if len(recovered) > 0 {
			e.log.Warn("failed in-flight sessions from previous run", logger.F("count", len(recovered)))
		}
	}
	return e, nil
}

// appendTransition records one accepted state change in the session's
// append-only transition log.
func appendTransition(s *Session, t StateTransition) {
	if s.Metadata == nil {
		s.Metadata = map[string]interface{}{}
	}
	log, _ := s.Metadata[MetaStateTransitions].([]StateTransition)
	s.Metadata[MetaStateTransitions] = append(log, t)
}

// transitionLocked validates and applies from -> to under the session's lock.
func (e *Engine) transitionLocked(s *Session, to SessionState, reason string) error {
	from := s.State
	if !validTransition(from, to) {
		return core.New("arbitration.transition", core.KindPrecondition, core.ErrInvalidTransition,
			fmt.Sprintf("cannot move %s -> %s", from, to)).WithID(s.SessionID)
	}
	s.State = to
	now := time.Now()
	if to.Terminal() {
		s.EndTime = &now
	}
	appendTransition(s, StateTransition{From: from, To: to, At: now, Reason: reason})
	return nil
}

// validTransition encodes the session state machine.
func validTransition(from, to SessionState) bool {
	if to == StateFailed {
		return from != StateCompleted && from != StateFailed
	}
	switch from {
	case StateRuleEvaluation:
		return to == StateVerdictGeneration
	case StateVerdictGeneration:
		return to == StateWaiverConsideration || to == StateCompleted
	case StateWaiverConsideration:
		return to == StateCompleted
	case StateCompleted:
		return to == StateAppealPending
	case StateAppealPending:
		return to == StateCompleted
	}
	return false
}

// StartSession opens a new case for the violation against the supplied
// rules. Fails with a saturation error when the active-session cap is hit.
func (e *Engine) StartSession(violation *Violation, rules []Rule, participants []string) (*Session, error) {
	if violation == nil {
		return nil, core.New("arbitration.StartSession", core.KindPrecondition, nil, "violation is required")
	}
	if violation.ID == "" {
		violation.ID = core.NewID("violation")
	}

	s := &Session{
		SessionID:      core.NewID("session"),
		Violation:      violation,
		RulesEvaluated: rules,
		Participants:   append([]string(nil), participants...),
		State:          StateRuleEvaluation,
		Metadata:       map[string]interface{}{},
		StartTime:      time.Now(),
	}
	tr := &trackedSession{lock: core.NewFIFOLock(), session: s}

	e.mu.Lock()
	if e.active >= e.cfg.MaxConcurrentSessions {
		e.mu.Unlock()
		return nil, core.New("arbitration.StartSession", core.KindSaturation, core.ErrSaturated,
			fmt.Sprintf("session cap reached (%d)", e.cfg.MaxConcurrentSessions))
	}
	e.sessions[s.SessionID] = tr
	e.active++
	e.mu.Unlock()

	tr.timer = time.AfterFunc(e.cfg.SessionTimeout, func() {
		if err := e.FailSession(s.SessionID, fmt.Errorf("session timeout")); err == nil {
			e.log.Warn("session timed out", logger.F("session_id", s.SessionID))
		}
	})

	e.statsMu.Lock()
	e.totalSessions++
	e.statsMu.Unlock()

	e.persist(s)
	e.emit(eventbus.Event{
		Type:      eventbus.TypeArbitrationStarted,
		Source:    "arbitration",
		SessionID: s.SessionID,
		Metadata: map[string]interface{}{
			"violation_id": violation.ID,
			"rule_count":   len(rules),
		},
	})
	return e.snapshot(tr), nil
}

// EvaluateRules runs every supplied rule against the session's violation
// and advances the session to VERDICT_GENERATION. A condition that fails to
// evaluate marks only its own rule inconclusive, and a failed precedent
// lookup only leaves that rule without precedents; any other panic during
// evaluation fails this session and no other.
func (e *Engine) EvaluateRules(sessionID string) (results []RuleEvaluationResult, err error) {
	tr, err := e.trackedFor("arbitration.EvaluateRules", sessionID)
	if err != nil {
		return nil, err
	}

	tr.lock.Lock()
	defer tr.lock.Unlock()

	s := tr.session
	if s.State != StateRuleEvaluation {
		return nil, core.New("arbitration.EvaluateRules", core.KindPrecondition, core.ErrInvalidTransition,
			fmt.Sprintf("session in state %s", s.State)).WithID(sessionID)
	}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("rule evaluation panicked", logger.F("session_id", sessionID, "panic", r))
			e.failLocked(s, fmt.Errorf("rule evaluation fault: %v", r))
			results, err = nil, core.New("arbitration.EvaluateRules", core.KindFatal, nil, "rule evaluation fault").WithID(sessionID)
		}
	}()

	for _, rule := range s.RulesEvaluated {
		results = append(results, e.evaluateRule(rule, s.Violation))
		e.emit(eventbus.Event{
			Type:      eventbus.TypeArbitrationRuleEvaluated,
			Source:    "arbitration",
			SessionID: sessionID,
			Metadata: map[string]interface{}{
				"rule_id":  rule.ID,
				"violated": results[len(results)-1].Violated,
			},
		})
	}

	s.Metadata[MetaRuleEvaluationResults] = results
	if err := e.transitionLocked(s, StateVerdictGeneration, "rules evaluated"); err != nil {
		return nil, err
	}
	e.persist(s)
	return results, nil
}

// evaluateRule judges one rule: activity window, condition, evidence
// coverage, and precedent support. A condition error is inconclusive, never
// fatal.
func (e *Engine) evaluateRule(rule Rule, v *Violation) RuleEvaluationResult {
	start := time.Now()
	result := RuleEvaluationResult{RuleID: rule.ID}
	now := time.Now()

	switch {
	case now.Before(rule.EffectiveDate):
		result.Explanation = "rule not yet effective"
	case rule.ExpirationDate != nil && now.After(*rule.ExpirationDate):
		result.Explanation = "rule expired"
	default:
		violated, condErr := EvaluateCondition(rule.Condition, v)
		if condErr != nil {
			e.log.Warn("rule condition inconclusive", logger.F(
				"rule_id", rule.ID,
				"error", condErr.Error(),
			))
			result.Explanation = fmt.Sprintf("condition inconclusive: %v", condErr)
			break
		}
		result.Violated = violated
		result.Confidence = 0.95
		if violated {
			result.Explanation = fmt.Sprintf("condition %q holds against the violation", rule.Condition)
		} else {
			result.Explanation = "condition does not hold against the violation"
		}

		// Evidence coverage: every required item must have a matching,
		// non-empty entry. Gaps lower confidence without flipping the result.
		missing := missingEvidence(rule.RequiredEvidence, v.Evidence)
		if len(missing) > 0 {
			result.Confidence -= 0.15 * float64(len(missing))
			if result.Confidence < 0.3 {
				result.Confidence = 0.3
			}
			result.Explanation += fmt.Sprintf("; missing evidence: %s", strings.Join(missing, ", "))
		}

		// Precedent support is best-effort: a lookup fault costs nothing
		// but the citations.
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Warn("precedent lookup fault", logger.F("rule_id", rule.ID, "panic", r))
				}
			}()
			similar := e.cfg.Precedents.FindSimilar(rule.Category, rule.Severity, deriveKeyFacts(v), e.cfg.PrecedentTopK)
			for _, p := range similar {
				result.PrecedentsApplied = append(result.PrecedentsApplied, p.ID)
			}
		}()
	}

	result.EvaluationTimeMs = float64(time.Since(start).Microseconds()) / 1000
	return result
}

// missingEvidence returns the required items with no non-empty match in the
// supplied evidence. Matching is case-insensitive substring in either
// direction, so "stack trace" satisfies "full stack trace attached".
func missingEvidence(required, supplied []string) []string {
	var missing []string
	for _, want := range required {
		found := false
		wantLower := strings.ToLower(want)
		for _, have := range supplied {
			if strings.TrimSpace(have) == "" {
				continue
			}
			haveLower := strings.ToLower(have)
			if strings.Contains(haveLower, wantLower) || strings.Contains(wantLower, haveLower) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, want)
		}
	}
	return missing
}

// GenerateVerdict aggregates the session's rule results into a verdict. The
// session stays in VERDICT_GENERATION for CompleteSession or a waiver to
// move it on. A verdict above the confidence bar mints a precedent.
func (e *Engine) GenerateVerdict(sessionID string) (v *Verdict, err error) {
	tr, err := e.trackedFor("arbitration.GenerateVerdict", sessionID)
	if err != nil {
		return nil, err
	}

	tr.lock.Lock()
	defer tr.lock.Unlock()

	s := tr.session
	if s.State != StateVerdictGeneration {
		return nil, core.New("arbitration.GenerateVerdict", core.KindPrecondition, core.ErrInvalidTransition,
			fmt.Sprintf("session in state %s", s.State)).WithID(sessionID)
	}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("verdict generation panicked", logger.F("session_id", sessionID, "panic", r))
			e.failLocked(s, fmt.Errorf("verdict generation fault: %v", r))
			v, err = nil, core.New("arbitration.GenerateVerdict", core.KindFatal, nil, "verdict generation fault").WithID(sessionID)
		}
	}()

	results, _ := s.Metadata[MetaRuleEvaluationResults].([]RuleEvaluationResult)
	verdict := buildVerdict(sessionID, s, results)
	sanitizeVerdict(verdict, e.log)
	s.Verdict = verdict

	e.statsMu.Lock()
	e.verdictsByOutcome[verdict.Outcome]++
	e.statsMu.Unlock()

	if verdict.Confidence > precedentConfidenceThreshold {
		topRule := dominantViolatedRule(s.RulesEvaluated, results)
		e.cfg.Precedents.CreateFromVerdict(verdict, s.Violation, topRule)
	}

	e.persist(s)
	e.emit(eventbus.Event{
		Type:      eventbus.TypeArbitrationVerdict,
		Source:    "arbitration",
		SessionID: sessionID,
		Metadata: map[string]interface{}{
			"verdict_id": verdict.ID,
			"outcome":    string(verdict.Outcome),
			"confidence": verdict.Confidence,
		},
	})
	return verdict, nil
}

// SubmitWaiver evaluates a waiver request against the session's verdict.
// Only reachable from VERDICT_GENERATION and only when waivers are enabled.
// When the dominant violated rule is not waivable, the request is recorded
// as REJECTED without being scored. An approved waiver softens a REJECTED
// verdict to CONDITIONAL.
func (e *Engine) SubmitWaiver(sessionID string, req *WaiverRequest) (*WaiverDecision, error) {
	if !e.cfg.EnableWaivers {
		return nil, core.New("arbitration.SubmitWaiver", core.KindPrecondition, core.ErrDisabled, "waiver system disabled")
	}
	if req == nil {
		return nil, core.New("arbitration.SubmitWaiver", core.KindPrecondition, nil, "waiver request is required")
	}
	tr, err := e.trackedFor("arbitration.SubmitWaiver", sessionID)
	if err != nil {
		return nil, err
	}

	tr.lock.Lock()
	defer tr.lock.Unlock()

	s := tr.session
	if s.State != StateVerdictGeneration {
		return nil, core.New("arbitration.SubmitWaiver", core.KindPrecondition, core.ErrInvalidTransition,
			fmt.Sprintf("session in state %s", s.State)).WithID(sessionID)
	}
	if err := e.transitionLocked(s, StateWaiverConsideration, "waiver submitted"); err != nil {
		return nil, err
	}

	if req.ID == "" {
		req.ID = core.NewID("waiver")
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}
	s.WaiverRequest = req

	results, _ := s.Metadata[MetaRuleEvaluationResults].([]RuleEvaluationResult)
	topRule := dominantViolatedRule(s.RulesEvaluated, results)

	var decision *WaiverDecision
	if topRule != nil && !topRule.Waivable {
		decision = &WaiverDecision{
			Status:    WaiverRejected,
			Reasoning: fmt.Sprintf("rule %s is not waivable", topRule.ID),
		}
	} else {
		decision = EvaluateWaiver(req)
	}
	s.Metadata[MetaWaiverDecision] = decision

	if decision.Status == WaiverApproved && s.Verdict != nil && s.Verdict.Outcome == OutcomeRejected {
		s.Verdict.Outcome = OutcomeConditional
		s.Verdict.AuditLog = append(s.Verdict.AuditLog,
			fmt.Sprintf("outcome softened to CONDITIONAL by approved waiver %s", req.ID))
	}

	e.persist(s)
	e.emit(eventbus.Event{
		Type:      eventbus.TypeArbitrationWaiverDecided,
		Source:    "arbitration",
		SessionID: sessionID,
		Metadata: map[string]interface{}{
			"waiver_id": req.ID,
			"status":    string(decision.Status),
		},
	})
	return decision, nil
}

// CompleteSession finalizes the session from VERDICT_GENERATION or
// WAIVER_CONSIDERATION (or closes out an appeal round).
func (e *Engine) CompleteSession(sessionID string) error {
	tr, err := e.trackedFor("arbitration.CompleteSession", sessionID)
	if err != nil {
		return err
	}

	tr.lock.Lock()
	defer tr.lock.Unlock()

	s := tr.session
	if err := e.transitionLocked(s, StateCompleted, "session completed"); err != nil {
		return err
	}
	e.finishLocked(tr, true)
	e.persist(s)
	e.emit(eventbus.Event{
		Type:      eventbus.TypeArbitrationCompleted,
		Source:    "arbitration",
		SessionID: sessionID,
		Metadata:  map[string]interface{}{"state": string(s.State)},
	})
	return nil
}

// SubmitAppeal reopens a completed session into APPEAL_PENDING. Prior
// appeals stay in the metadata appeal history.
func (e *Engine) SubmitAppeal(sessionID string, appeal *Appeal) error {
	if !e.cfg.EnableAppeals {
		return core.New("arbitration.SubmitAppeal", core.KindPrecondition, core.ErrDisabled, "appeal system disabled")
	}
	if appeal == nil {
		return core.New("arbitration.SubmitAppeal", core.KindPrecondition, nil, "appeal is required")
	}
	tr, err := e.trackedFor("arbitration.SubmitAppeal", sessionID)
	if err != nil {
		return err
	}

	tr.lock.Lock()
	defer tr.lock.Unlock()

	s := tr.session
	if err := e.transitionLocked(s, StateAppealPending, "appeal submitted"); err != nil {
		return err
	}

	if appeal.ID == "" {
		appeal.ID = core.NewID("appeal")
	}
	appeal.SessionID = sessionID
	if appeal.SubmittedAt.IsZero() {
		appeal.SubmittedAt = time.Now()
	}
	s.Appeal = appeal

	// A reopened session counts as active again.
	e.mu.Lock()
	e.active++
	e.mu.Unlock()

	e.persist(s)
	return nil
}

// ReviewAppeal runs the reviewer panel over the pending appeal and closes
// the appeal round. An overturn above the confidence bar mints a precedent
// from the revised finding.
func (e *Engine) ReviewAppeal(sessionID string) (review *AppealReview, err error) {
	tr, err := e.trackedFor("arbitration.ReviewAppeal", sessionID)
	if err != nil {
		return nil, err
	}

	tr.lock.Lock()
	defer tr.lock.Unlock()

	s := tr.session
	if s.State != StateAppealPending || s.Appeal == nil {
		return nil, core.New("arbitration.ReviewAppeal", core.KindPrecondition, core.ErrInvalidTransition,
			fmt.Sprintf("session in state %s", s.State)).WithID(sessionID)
	}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("appeal review panicked", logger.F("session_id", sessionID, "panic", r))
			e.failLocked(s, fmt.Errorf("appeal review fault: %v", r))
			review, err = nil, core.New("arbitration.ReviewAppeal", core.KindFatal, nil, "appeal review fault").WithID(sessionID)
		}
	}()

	review = ReviewAppealPanel(s.Appeal, s.Verdict)

	// Retain the full appeal history: each round appends the appeal and its
	// review before the session closes out again.
	history, _ := s.Metadata[MetaAppeals].([]map[string]interface{})
	s.Metadata[MetaAppeals] = append(history, map[string]interface{}{
		"appeal": s.Appeal,
		"review": review,
	})

	if review.Decision == AppealOverturned {
		if s.Verdict != nil {
			prior := s.Verdict.Outcome
			s.Verdict.Outcome = overturnedOutcome(prior)
			s.Verdict.AuditLog = append(s.Verdict.AuditLog,
				fmt.Sprintf("appeal %s overturned outcome %s -> %s", s.Appeal.ID, prior, s.Verdict.Outcome))
		}
		if review.Confidence > precedentConfidenceThreshold {
			results, _ := s.Metadata[MetaRuleEvaluationResults].([]RuleEvaluationResult)
			topRule := dominantViolatedRule(s.RulesEvaluated, results)
			revised := *s.Verdict
			revised.ID = core.NewID("verdict")
			revised.Confidence = review.Confidence
			revised.Reasoning = append(revised.Reasoning, ReasoningStep{
				Step:        len(revised.Reasoning) + 1,
				Description: "verdict overturned on appeal",
				Evidence:    s.Appeal.NewEvidence,
				Confidence:  review.Confidence,
			})
			e.cfg.Precedents.CreateFromVerdict(&revised, s.Violation, topRule)
		}
	}

	s.Appeal = nil
	if err := e.transitionLocked(s, StateCompleted, fmt.Sprintf("appeal %s", review.Decision)); err != nil {
		return nil, err
	}
	e.finishLocked(tr, true)

	e.persist(s)
	e.emit(eventbus.Event{
		Type:      eventbus.TypeArbitrationAppealDecided,
		Source:    "arbitration",
		SessionID: sessionID,
		Metadata: map[string]interface{}{
			"decision":   string(review.Decision),
			"confidence": review.Confidence,
		},
	})
	return review, nil
}

// overturnedOutcome maps an outcome to its reversal.
func overturnedOutcome(prior Outcome) Outcome {
	switch prior {
	case OutcomeRejected, OutcomeConditional:
		return OutcomeApproved
	case OutcomeApproved:
		return OutcomeRejected
	default:
		return OutcomeRemanded
	}
}

// FailSession forces a session to FAILED from any non-terminal state. It is
// idempotent on terminal states: failing a finished session is a no-op.
func (e *Engine) FailSession(sessionID string, cause error) error {
	tr, err := e.trackedFor("arbitration.FailSession", sessionID)
	if err != nil {
		return err
	}

	tr.lock.Lock()
	defer tr.lock.Unlock()

	s := tr.session
	if s.State.Terminal() {
		return nil
	}
	e.failLocked(s, cause)
	if tr.timer != nil {
		tr.timer.Stop()
		tr.timer = nil
	}
	e.persist(s)
	return nil
}

// failLocked transitions to FAILED unconditionally from a non-terminal
// state; it must be called with the session's lock held.
func (e *Engine) failLocked(s *Session, cause error) {
	if s.State.Terminal() {
		return
	}
	from := s.State
	s.State = StateFailed
	now := time.Now()
	s.EndTime = &now
	reason := "session failed"
	if cause != nil {
		reason = cause.Error()
	}
	appendTransition(s, StateTransition{From: from, To: StateFailed, At: now, Reason: reason})

	e.mu.Lock()
	tr := e.sessions[s.SessionID]
	e.mu.Unlock()
	if tr != nil {
		e.finishLocked(tr, false)
	}
}

// finishLocked retires a session from the active count and its timeout
// timer; completed controls which terminal counter is bumped.
func (e *Engine) finishLocked(tr *trackedSession, completed bool) {
	if tr.timer != nil {
		tr.timer.Stop()
		tr.timer = nil
	}
	e.mu.Lock()
	if e.active > 0 {
		e.active--
	}
	e.mu.Unlock()
	e.statsMu.Lock()
	if completed {
		e.completedSessions++
	} else {
		e.failedSessions++
	}
	e.statsMu.Unlock()
}

// GetSession returns a snapshot of the session, terminal or not.
func (e *Engine) GetSession(sessionID string) (*Session, error) {
	tr, err := e.trackedFor("arbitration.GetSession", sessionID)
	if err != nil {
		return nil, err
	}
	tr.lock.Lock()
	defer tr.lock.Unlock()
	return cloneSession(tr.session), nil
}

// GetStats snapshots the engine's counters.
func (e *Engine) GetStats() Stats {
	e.mu.RLock()
	active := e.active
	e.mu.RUnlock()

	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	byOutcome := make(map[Outcome]int64, len(e.verdictsByOutcome))
	for k, v := range e.verdictsByOutcome {
		byOutcome[k] = v
	}
	return Stats{
		TotalSessions:     e.totalSessions,
		ActiveSessions:    active,
		CompletedSessions: e.completedSessions,
		FailedSessions:    e.failedSessions,
		TotalPrecedents:   e.cfg.Precedents.Count(),
		VerdictsByOutcome: byOutcome,
	}
}

// Shutdown fails every active session and stops their timers.
func (e *Engine) Shutdown() {
	e.mu.RLock()
	ids := make([]string, 0, len(e.sessions))
	for id, tr := range e.sessions {
		if !tr.session.State.Terminal() {
			ids = append(ids, id)
		}
	}
	e.mu.RUnlock()

	for _, id := range ids {
		_ = e.FailSession(id, fmt.Errorf("system shutdown"))
	}
	e.log.Info("arbitration engine drained", logger.F("failed_sessions", len(ids)))
}

func (e *Engine) trackedFor(op, sessionID string) (*trackedSession, error) {
	e.mu.RLock()
	tr, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return nil, core.New(op, core.KindNotFound, core.ErrNotFound, "session not found").WithID(sessionID)
	}
	return tr, nil
}

func (e *Engine) snapshot(tr *trackedSession) *Session {
	tr.lock.Lock()
	defer tr.lock.Unlock()
	return cloneSession(tr.session)
}

func cloneSession(s *Session) *Session {
	c := *s
	c.Metadata = make(map[string]interface{}, len(s.Metadata))
	for k, v := range s.Metadata {
		c.Metadata[k] = v
	}
	if s.Verdict != nil {
		v := *s.Verdict
		c.Verdict = &v
	}
	return &c
}

func (e *Engine) persist(s *Session) {
	if e.cfg.Store == nil {
		return
	}
	if err := e.cfg.Store.SaveSession(s); err != nil {
		e.log.Warn("persisting session failed", logger.F("session_id", s.SessionID, "error", err.Error()))
	}
}

func (e *Engine) emit(ev eventbus.Event) {
	if e.cfg.Bus != nil {
		e.cfg.Bus.Emit(ev)
	}
}
