package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"

	"annexe/internal/apperrors"
	"annexe/internal/domain"
	"annexe/internal/engine/auth"
	"annexe/internal/events"
)

// Outcome is the resolved result of a mission walk.
type Outcome struct {
	Result       domain.Result   `json:"result" enum:"win,fail"`
	FinalPercent int             `json:"final_percent"`
	Finality     domain.Finality `json:"finality"`
	CashGranted  int             `json:"cash_granted"`
	Mission      domain.Mission  `json:"mission"`
}

// Resolve draws the outcome of a finished walk, then deletes the session and
// records statistics in one transaction.
func (e Engine) Resolve(ctx context.Context, actor auth.Actor, characterID int64) (out Outcome, err error) {
	ctx, span := e.span(ctx, "engine.Resolve", attribute.Int64("character_id", characterID))
	defer func() { endSpan(span, err) }()

	ch, err := e.character(ctx, actor, characterID)
	if err != nil {
		return out, err
	}
	s, err := e.Repo.GetSession(ctx, nil, characterID)
	if err != nil {
		return out, noSession(characterID, err)
	}
	m, err := e.sessionMission(ctx, s)
	if err != nil {
		return out, err
	}
	if !e.IsTimeElapsed(s, m.Rank) {
		return out, apperrors.Forbidden(apperrors.ReasonNotOver, "Time is not over")
	}
	if s.LastChoiceID == nil {
		return out, apperrors.Forbidden(apperrors.ReasonIncomplete, "mission walk is not complete")
	}
	finalities, err := e.Repo.FinalitiesForChoice(ctx, *s.LastChoiceID)
	if err != nil {
		return out, apperrors.Store("list finalities", err)
	}
	if len(finalities) == 0 {
		return out, apperrors.Forbidden(apperrors.ReasonIncomplete, "mission walk is not complete")
	}

	final := FinalPercent(m.PercentMission, s.PercentCharacter, s.PercentChoice)
	result := Draw(e.rng(), final)
	var fin *domain.Finality
	for i := range finalities {
		if finalities[i].Value == result {
			fin = &finalities[i]
			break
		}
	}
	if fin == nil {
		return out, apperrors.WithMetadata(apperrors.CodeConsistency,
			fmt.Sprintf("choice %d has no %s finality", *s.LastChoiceID, result),
			map[string]string{"choice_id": idString(*s.LastChoiceID), "result": string(result)})
	}

	cash := 0
	if e.Config != nil && e.Config.Outcome.GrantCash {
		cash = fin.Cash
		if result == domain.ResultWin {
			cash += m.Cash
		}
	}

	err = e.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := e.Repo.DeleteSession(ctx, tx, s.CharacterID, s.Version); err != nil {
			return staleSession(err)
		}
		if err := e.Repo.IncrementRankStat(ctx, tx, ch.ID, m.Rank, result); err != nil {
			return apperrors.Store("increment rank stat", err)
		}
		if result == domain.ResultFail {
			_, err := e.Repo.InsertStatAdminRecord(ctx, tx, domain.StatAdminRecord{
				MissionName:      m.Title,
				MissionRank:      m.Rank,
				MissionVillage:   domain.EligibilityVillage(ch.Village),
				CharacterName:    ch.Name,
				PercentMission:   m.PercentMission,
				PercentCharacter: s.PercentCharacter,
				PercentChoice:    s.PercentChoice,
				Result:           result,
				CreatedAt:        e.now().UTC().Format(time.RFC3339),
			})
			if err != nil {
				return apperrors.Store("insert stat record", err)
			}
		}
		if cash != 0 {
			if err := e.Repo.AddCharacterCash(ctx, tx, ch.ID, cash); err != nil {
				return apperrors.Store("credit cash", err)
			}
		}
		return apperrors.Store("append event", e.Events.Append(ctx, tx, events.SessionResolved, "session", idString(characterID), actor.ID, events.EventPayload{
			"mission_id":    m.ID,
			"rank":          m.Rank,
			"result":        result,
			"final_percent": final,
			"finality_id":   fin.ID,
			"cash_granted":  cash,
		}))
	})
	if err != nil {
		return Outcome{}, err
	}
	e.logger(ctx).Info("session resolved", "character_id", characterID, "mission_id", m.ID, "result", result, "final_percent", final)
	return Outcome{Result: result, FinalPercent: final, Finality: *fin, CashGranted: cash, Mission: m}, nil
}
