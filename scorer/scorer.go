package scorer

import (
	"fingerid/gallery"
	"fingerid/types"
)

// Matcher scores a probe against a single enrolled template. The concrete
// implementation lives in the matcher package; tests substitute a fake so
// scoring logic runs without OpenCV.
type Matcher interface {
	Match(probe, tmpl *types.FeatureSet, templateIndex int) types.TemplateMatchResult
}

// Scorer aggregates per-template match results into one candidate score.
type Scorer struct {
	matcher             Matcher
	consistencyFraction float64
}

// New creates a scorer. consistencyFraction is the share of the best score
// a sibling template must reach to corroborate it.
func New(matcher Matcher, consistencyFraction float64) *Scorer {
	return &Scorer{matcher: matcher, consistencyFraction: consistencyFraction}
}

// ScoreCandidate matches the probe against every template of one employee.
// BestScore is the maximum over templates; ConsistencyCount is how many
// templates corroborate that maximum, the best one included.
func (s *Scorer) ScoreCandidate(probe *types.FeatureSet, entry *gallery.Entry) types.CandidateScore {
	score := types.CandidateScore{
		EmployeeID:  entry.EmployeeID,
		PerTemplate: make([]types.TemplateMatchResult, 0, len(entry.Templates)),
	}

	for _, tmpl := range entry.Templates {
		result := s.matcher.Match(probe, tmpl.Features, tmpl.Slot)
		score.PerTemplate = append(score.PerTemplate, result)
		if result.Score > score.BestScore {
			score.BestScore = result.Score
		}
	}

	if score.BestScore == 0 {
		return score
	}

	floor := s.consistencyFraction * float64(score.BestScore)
	for _, r := range score.PerTemplate {
		if float64(r.Score) >= floor {
			score.ConsistencyCount++
		}
	}
	return score
}
