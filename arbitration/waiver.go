package arbitration

import (
	"fmt"
	"strings"
	"time"
)

// Waiver policy knobs. The decision is a deterministic weighted score over
// justification strength, evidence count, and requested duration; requests
// scoring at or above the approval threshold are granted.
const (
	waiverApprovalThreshold = 0.6

	waiverWeightJustification = 0.5
	waiverWeightEvidence      = 0.3
	waiverWeightDuration      = 0.2

	// waiverMaxDuration is where the duration component bottoms out: asking
	// for relief this long (or longer) contributes nothing to the score.
	waiverMaxDuration = 30 * 24 * time.Hour
)

// justificationStrength grades the free-text justification. Longer,
// substantive explanations score higher; token phrases score near zero. The
// heuristic is crude but deterministic, which is the property that matters:
// identical requests always receive identical decisions.
func justificationStrength(justification string) float64 {
	words := strings.Fields(justification)
	switch {
	case len(words) == 0:
		return 0
	case len(words) < 5:
		return 0.2
	case len(words) < 15:
		return 0.5
	case len(words) < 40:
		return 0.8
	default:
		return 1.0
	}
}

// EvaluateWaiver scores req and returns the decision. Zero-duration waivers
// are permitted and score the full duration component. The decision is a
// pure function of the request.
func EvaluateWaiver(req *WaiverRequest) *WaiverDecision {
	jScore := justificationStrength(req.Justification)

	eScore := float64(len(req.Evidence)) / 3
	if eScore > 1 {
		eScore = 1
	}

	dScore := 1 - float64(req.RequestedDuration)/float64(waiverMaxDuration)
	if dScore < 0 {
		dScore = 0
	}
	if dScore > 1 {
		dScore = 1
	}

	score := jScore*waiverWeightJustification + eScore*waiverWeightEvidence + dScore*waiverWeightDuration

	if score < waiverApprovalThreshold {
		return &WaiverDecision{
			Status: WaiverRejected,
			Reasoning: fmt.Sprintf(
				"waiver score %.2f below threshold %.2f (justification %.2f, evidence %.2f, duration %.2f)",
				score, waiverApprovalThreshold, jScore, eScore, dScore),
		}
	}

	decision := &WaiverDecision{
		Status: WaiverApproved,
		Reasoning: fmt.Sprintf(
			"waiver score %.2f meets threshold %.2f (justification %.2f, evidence %.2f, duration %.2f)",
			score, waiverApprovalThreshold, jScore, eScore, dScore),
	}
	if req.RequestedDuration > 0 {
		expires := req.RequestedAt.Add(req.RequestedDuration)
		decision.ExpiresAt = &expires
	}
	return decision
}
