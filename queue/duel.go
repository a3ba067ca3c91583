package queue

import (
	"github.com/maxwellcavalli/macs/config"
	"github.com/maxwellcavalli/macs/model"
)

// DuelScore applies the weighted scoring rule to one candidate.
func DuelScore(w config.DuelWeights, r *model.CandidateResult) float64 {
	score := 0.0
	if r.Success {
		score += w.SuccessWeight
	}
	if r.TestPass {
		score += w.TestPassWeight
	}
	score -= w.LatencyPenaltyMS * float64(r.LatencyMS)
	score += w.HumanScoreWeight * r.HumanScore
	return score
}

// PickWinner returns the index of the highest-scoring candidate. Ties go
// to the earliest candidate, so the caller's preference order matters.
func PickWinner(w config.DuelWeights, results []model.CandidateResult) int {
	best := 0
	bestScore := DuelScore(w, &results[0])
	for i := 1; i < len(results); i++ {
		if s := DuelScore(w, &results[i]); s > bestScore {
			best, bestScore = i, s
		}
	}
	return best
}
