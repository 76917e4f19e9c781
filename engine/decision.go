package engine

import (
	"fmt"
	"sort"

	"fingerid/config"
	"fingerid/types"
)

// decide applies the layered validation to scored candidates and produces
// the final accept/reject decision. Pure function of its inputs: the same
// candidates, gallery size and parameters always yield the same decision.
//
// The layers run in order and the first failing one names the rejection:
//  1. best score below the gallery-size-scaled minimum
//  2. best score below the absolute floor
//  3. margin over the runner-up too small
//  4. too few of the winner's templates corroborate the best score
func decide(candidates []types.CandidateScore, gallerySize int, cfg *config.Config) types.IdentificationDecision {
	if len(candidates) == 0 {
		return types.IdentificationDecision{DecisionReason: types.ReasonNoGallery}
	}

	sortCandidates(candidates)

	best := candidates[0]
	runnerUp := 0
	if len(candidates) > 1 {
		runnerUp = candidates[1].BestScore
	}
	margin := best.BestScore - runnerUp

	decision := types.IdentificationDecision{
		BestScore:  best.BestScore,
		Margin:     margin,
		Candidates: candidates,
	}

	minScore := cfg.ScaledMinScore(gallerySize)
	if best.BestScore < minScore || best.BestScore < cfg.AbsMinScore {
		decision.DecisionReason = types.ReasonScoreTooLow
		return decision
	}

	if len(candidates) > 1 && margin < cfg.MarginBase {
		decision.DecisionReason = fmt.Sprintf("ambiguous_match_margin_%d<%d", margin, cfg.MarginBase)
		return decision
	}

	required := (len(best.PerTemplate) + 1) / 2
	if best.ConsistencyCount < required {
		decision.DecisionReason = types.ReasonInconsistentTemplates
		return decision
	}

	decision.Matched = true
	decision.EmployeeID = best.EmployeeID
	decision.DecisionReason = types.ReasonMatchFound
	decision.Confidence = confidence(best.BestScore, margin, cfg.AbsMinScore)
	return decision
}

// sortCandidates orders by descending best score, breaking ties on
// employee ID so concurrent scoring cannot reorder equal scores between
// runs.
func sortCandidates(candidates []types.CandidateScore) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].BestScore != candidates[j].BestScore {
			return candidates[i].BestScore > candidates[j].BestScore
		}
		return candidates[i].EmployeeID < candidates[j].EmployeeID
	})
}

// confidence maps an accepted score and margin onto a 0-100 scale. A score
// at twice the absolute floor with no margin lands at 80; the margin tops
// it up, capped at 100.
func confidence(best, margin, absMin int) float64 {
	c := 80*float64(best)/(2*float64(absMin)) + 2*float64(margin)
	if c > 100 {
		c = 100
	}
	return c
}
