package engine

import (
	"time"

	"annexe/internal/domain"
	"annexe/internal/statprovider"
)

// FinalPercent blends the mission, character and choice scores into the win
// probability in percent, clamped to [0, 100].
func FinalPercent(percentMission, percentCharacter, percentChoice int) int {
	cumulative := percentCharacter + percentMission
	adjustment := floorDiv(cumulative*abs(percentChoice), 100)
	final := cumulative + adjustment
	if percentChoice < 0 {
		final = cumulative - adjustment
	}
	return clamp(final, 0, 100)
}

// Draw classifies a uniform draw in [0, 99] as a win when it falls below
// final.
func Draw(rng IntNer, final int) domain.Result {
	if rng.IntN(100) < final {
		return domain.ResultWin
	}
	return domain.ResultFail
}

// ChoiceEffect is the outcome of evaluating a choice against a character.
type ChoiceEffect struct {
	ScoreDelta       int      `json:"score_delta"`
	TimeDelta        int      `json:"time_delta"`
	ConditionFailed  bool     `json:"condition_failed"`
	FailedConditions []string `json:"failed_conditions,omitempty"`
}

// EvaluateChoice applies the conditions of a choice. Any unmet skill
// threshold inverts the score delta; Time conditions add minutes.
func EvaluateChoice(choice domain.Choice, conds []domain.Condition, score statprovider.Score) ChoiceEffect {
	var eff ChoiceEffect
	for _, c := range conds {
		if c.IsTime() {
			eff.TimeDelta += c.Value
			continue
		}
		if score.Skill(c.Type) < c.Value {
			eff.ConditionFailed = true
			eff.FailedConditions = append(eff.FailedConditions, c.Type)
		}
	}
	eff.ScoreDelta = choice.Value
	if eff.ConditionFailed {
		eff.ScoreDelta = -choice.Value
	}
	return eff
}

// needsStats reports whether any condition gates on a skill.
func needsStats(conds []domain.Condition) bool {
	for _, c := range conds {
		if !c.IsTime() {
			return true
		}
	}
	return false
}

// TimeRemaining is max(0, deadline - now).
func TimeRemaining(s domain.MissionPlaying, rank domain.Rank, now time.Time) time.Duration {
	left := s.Deadline(rank).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// IsTimeElapsed reports now >= deadline.
func IsTimeElapsed(s domain.MissionPlaying, rank domain.Rank, now time.Time) bool {
	return !now.Before(s.Deadline(rank))
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
