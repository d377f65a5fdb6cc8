package engine

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"

	"annexe/internal/apperrors"
	"annexe/internal/domain"
	"annexe/internal/engine/auth"
	"annexe/internal/events"
	"annexe/internal/statprovider"
)

// ChoiceResult is the session after a step transition plus what the choice
// did to it.
type ChoiceResult struct {
	Session domain.MissionPlaying `json:"session"`
	Choice  domain.Choice         `json:"choice"`
	Effect  ChoiceEffect          `json:"effect"`
}

// AvailableChoices returns every choice leaving stepID. An empty result
// marks a terminal step.
func (e Engine) AvailableChoices(ctx context.Context, stepID int64) ([]domain.Choice, error) {
	choices, err := e.Repo.ChoicesFrom(ctx, stepID)
	if err != nil {
		return nil, apperrors.Store("list choices", err)
	}
	return choices, nil
}

// ApplyChoice moves the session along choiceID. The session row is written
// with a version check, so a concurrent writer gets CONFLICT instead of
// interleaving.
func (e Engine) ApplyChoice(ctx context.Context, actor auth.Actor, characterID, choiceID int64) (res ChoiceResult, err error) {
	ctx, span := e.span(ctx, "engine.ApplyChoice", attribute.Int64("character_id", characterID), attribute.Int64("choice_id", choiceID))
	defer func() { endSpan(span, err) }()

	ch, err := e.character(ctx, actor, characterID)
	if err != nil {
		return res, err
	}
	s, err := e.Repo.GetSession(ctx, nil, characterID)
	if err != nil {
		return res, noSession(characterID, err)
	}
	choices, err := e.AvailableChoices(ctx, s.CurrentStepID)
	if err != nil {
		return res, err
	}
	var choice domain.Choice
	found := false
	for _, c := range choices {
		if c.ID == choiceID {
			choice, found = c, true
			break
		}
	}
	if !found || choice.ToStepID == nil {
		return res, apperrors.WithMetadata(apperrors.CodeNotFound,
			fmt.Sprintf("choice %d is not available from step %d", choiceID, s.CurrentStepID),
			map[string]string{"choice_id": idString(choiceID)})
	}

	conds, err := e.Repo.ConditionsForChoice(ctx, choice.ID)
	if err != nil {
		return res, apperrors.Store("list conditions", err)
	}
	var score statprovider.Score
	if needsStats(conds) {
		score, err = e.Stats.GetCharacterScore(ctx, ch.ExternalID)
		if err != nil {
			return res, unavailable(err)
		}
	}
	eff := EvaluateChoice(choice, conds, score)

	next := s
	next.PercentChoice += eff.ScoreDelta
	next.AdditionalTime += eff.TimeDelta
	next.CurrentStepID = *choice.ToStepID
	lastChoice := choice.ID
	next.LastChoiceID = &lastChoice

	err = e.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := e.Repo.UpdateSessionStep(ctx, tx, next); err != nil {
			return staleSession(err)
		}
		return apperrors.Store("append event", e.Events.Append(ctx, tx, events.ChoiceApplied, "session", idString(characterID), actor.ID, events.EventPayload{
			"mission_id":       s.MissionID,
			"choice_id":        choice.ID,
			"score_delta":      eff.ScoreDelta,
			"time_delta":       eff.TimeDelta,
			"condition_failed": eff.ConditionFailed,
		}))
	})
	if err != nil {
		return ChoiceResult{}, err
	}
	next.Version++
	e.logger(ctx).Info("choice applied", "character_id", characterID, "mission_id", s.MissionID, "choice_id", choice.ID,
		"score_delta", eff.ScoreDelta, "time_delta", eff.TimeDelta)
	return ChoiceResult{Session: next, Choice: choice, Effect: eff}, nil
}
