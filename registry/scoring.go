package registry

import "sort"

// Capability match scoring weights. The blend rewards full task-type match
// (a candidate is only scored if its task types matched), language and
// specialization coverage, and historical success rate, normalized by the
// weights actually in play.
const (
	weightTaskType       = 0.3
	weightLanguages      = 0.3
	weightSpecialization = 0.2
	weightSuccessRate    = 0.2
)

// MatchScore computes the weighted capability score of profile against the
// query. The task-type component is always full because callers only score
// profiles whose task types already matched.
func MatchScore(p *AgentProfile, q CapabilityQuery) float64 {
	score := weightTaskType
	total := weightTaskType

	if len(q.Languages) > 0 {
		matched := countMatches(p.Capabilities.Languages, q.Languages)
		score += weightLanguages * float64(matched) / float64(len(q.Languages))
		total += weightLanguages
	}
	if len(q.Specializations) > 0 {
		matched := countMatches(p.Capabilities.Specializations, q.Specializations)
		score += weightSpecialization * float64(matched) / float64(len(q.Specializations))
		total += weightSpecialization
	}
	score += weightSuccessRate * p.Performance.SuccessRate
	total += weightSuccessRate

	return score / total
}

func countMatches(have, want []string) int {
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	n := 0
	for _, w := range want {
		if _, ok := set[w]; ok {
			n++
		}
	}
	return n
}

func containsAll(have, want []string) bool {
	return countMatches(have, want) == len(want)
}

func contains(have []string, want string) bool {
	for _, h := range have {
		if h == want {
			return true
		}
	}
	return false
}

// sortScored orders candidates by success rate when the gap is meaningful
// (> 0.01), falling back to match score for near-ties.
func sortScored(agents []ScoredAgent) {
	sort.SliceStable(agents, func(i, j int) bool {
		a, b := agents[i], agents[j]
		if diff := b.Profile.Performance.SuccessRate - a.Profile.Performance.SuccessRate; diff > 0.01 || diff < -0.01 {
			return a.Profile.Performance.SuccessRate > b.Profile.Performance.SuccessRate
		}
		return a.MatchScore > b.MatchScore
	})
}
