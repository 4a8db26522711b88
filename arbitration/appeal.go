package arbitration

import (
	"fmt"
	"strings"
	"time"
)

// The appeal panel is three independent reviewer functions that each return
// a decision; the majority carries. Each reviewer is a deterministic
// heuristic over the appeal's new evidence and the original verdict's
// confidence, so replaying the same appeal always yields the same ruling.

type panelVote struct {
	decision  AppealDecision
	reasoning string
}

type reviewer func(appeal *Appeal, original *Verdict) panelVote

// evidenceReviewer weighs the volume of new evidence against the original
// confidence: substantial new evidence against a shaky verdict overturns.
func evidenceReviewer(appeal *Appeal, original *Verdict) panelVote {
	evidence := len(appeal.NewEvidence)
	confidence := 0.5
	if original != nil {
		confidence = original.Confidence
	}
	switch {
	case evidence >= 3:
		return panelVote{AppealOverturned, fmt.Sprintf("%d new evidence items outweigh original confidence %.2f", evidence, confidence)}
	case evidence >= 1 && confidence < 0.6:
		return panelVote{AppealOverturned, fmt.Sprintf("new evidence against low-confidence verdict (%.2f)", confidence)}
	case evidence >= 1:
		return panelVote{AppealRemanded, "new evidence merits re-evaluation but does not overcome the verdict"}
	default:
		return panelVote{AppealUpheld, "no new evidence presented"}
	}
}

// groundsReviewer reads the stated grounds: substantive grounds paired with
// any new evidence argue for reconsideration.
func groundsReviewer(appeal *Appeal, original *Verdict) panelVote {
	words := len(strings.Fields(appeal.Grounds))
	switch {
	case words >= 10 && len(appeal.NewEvidence) >= 2:
		return panelVote{AppealOverturned, "substantive grounds supported by new evidence"}
	case words >= 10:
		return panelVote{AppealRemanded, "substantive grounds warrant a fresh look"}
	default:
		return panelVote{AppealUpheld, "grounds insufficiently argued"}
	}
}

// confidenceReviewer defends strong verdicts: the panel should not disturb
// a near-certain original finding without overwhelming cause.
func confidenceReviewer(appeal *Appeal, original *Verdict) panelVote {
	confidence := 0.5
	if original != nil {
		confidence = original.Confidence
	}
	switch {
	case confidence >= 0.95 && len(appeal.NewEvidence) < 3:
		return panelVote{AppealUpheld, fmt.Sprintf("original confidence %.2f stands absent overwhelming evidence", confidence)}
	case len(appeal.NewEvidence) >= 2:
		return panelVote{AppealOverturned, "evidence volume justifies disturbing the verdict"}
	default:
		return panelVote{AppealUpheld, "insufficient cause to disturb the verdict"}
	}
}

var appealPanel = []reviewer{evidenceReviewer, groundsReviewer, confidenceReviewer}

// ReviewAppealPanel adjudicates the appeal by majority vote. A three-way
// split remands. Confidence reflects the vote margin.
func ReviewAppealPanel(appeal *Appeal, original *Verdict) *AppealReview {
	votes := make([]panelVote, len(appealPanel))
	tally := map[AppealDecision]int{}
	var reasoning []string
	for i, review := range appealPanel {
		votes[i] = review(appeal, original)
		tally[votes[i].decision]++
		reasoning = append(reasoning, fmt.Sprintf("reviewer %d: %s (%s)", i+1, votes[i].decision, votes[i].reasoning))
	}

	decision := AppealRemanded
	best := 0
	for d, n := range tally {
		if n > best {
			best = n
			decision = d
		}
	}
	if best == 1 {
		// Three-way split.
		decision = AppealRemanded
		reasoning = append(reasoning, "panel split three ways; remanding")
	}

	confidence := float64(best) / float64(len(appealPanel))
	if decision == AppealOverturned && best == len(appealPanel) {
		confidence = 0.9
	}

	return &AppealReview{
		AppealID:   appeal.ID,
		Decision:   decision,
		Confidence: confidence,
		Reasoning:  reasoning,
		ReviewedAt: time.Now(),
	}
}
