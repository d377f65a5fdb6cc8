package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"

	"annexe/internal/apperrors"
	"annexe/internal/domain"
	"annexe/internal/engine/auth"
	"annexe/internal/events"
	"annexe/internal/repo"
)

// SessionView is the read model of an active session.
type SessionView struct {
	Session         domain.MissionPlaying `json:"session"`
	Mission         domain.Mission        `json:"mission"`
	EndTime         time.Time             `json:"end_time"`
	TimeLeftSeconds int64                 `json:"time_left_seconds"`
	TimeOver        bool                  `json:"time_over"`
	// FinishChoice is true once the walk sits on a terminal step.
	FinishChoice bool `json:"finish_choice"`
}

// StepView is the current step with its outgoing choices.
type StepView struct {
	Step     domain.Step     `json:"step"`
	Choices  []domain.Choice `json:"choices"`
	Terminal bool            `json:"terminal"`
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}

// character loads a character and checks the actor may act on it.
func (e Engine) character(ctx context.Context, actor auth.Actor, characterID int64) (domain.Character, error) {
	ch, err := e.Repo.GetCharacter(ctx, characterID)
	if err != nil {
		return domain.Character{}, storeErr("get character", err, fmt.Sprintf("character %d not found", characterID))
	}
	if err := e.Auth.RequireOwner(ctx, actor, characterID); err != nil {
		return domain.Character{}, err
	}
	return ch, nil
}

func noSession(characterID int64, err error) error {
	return storeErr("get session", err, fmt.Sprintf("no active session for character %d", characterID))
}

func staleSession(err error) error {
	if errors.Is(err, repo.ErrStaleSession) {
		return apperrors.Wrap(apperrors.CodeConflict, "session changed concurrently; retry", err)
	}
	return apperrors.Store("write session", err)
}

// StartSession picks a random eligible mission of the given rank and opens
// the character's session on its start step.
func (e Engine) StartSession(ctx context.Context, actor auth.Actor, characterID int64, rank domain.Rank) (s domain.MissionPlaying, err error) {
	ctx, span := e.span(ctx, "engine.StartSession", attribute.Int64("character_id", characterID), attribute.String("rank", string(rank)))
	defer func() { endSpan(span, err) }()

	if !rank.Valid() {
		return s, apperrors.Newf(apperrors.CodeInvalid, "invalid rank %q", rank)
	}
	ch, err := e.character(ctx, actor, characterID)
	if err != nil {
		return s, err
	}
	if _, err := e.Repo.GetSession(ctx, nil, characterID); err == nil {
		return s, apperrors.New(apperrors.CodeConflict, "mission already in progress")
	} else if !errors.Is(err, repo.ErrNotFound) {
		return s, apperrors.Store("get session", err)
	}

	village := domain.EligibilityVillage(ch.Village)
	missions, err := e.Repo.ListMissions(ctx, rank, village)
	if err != nil {
		return s, apperrors.Store("list missions", err)
	}
	if len(missions) == 0 {
		return s, apperrors.WithMetadata(apperrors.CodeNotFound,
			fmt.Sprintf("no %s rank mission for village %s", rank, village),
			map[string]string{"rank": string(rank), "village": village})
	}
	m := missions[e.rng().IntN(len(missions))]
	start, err := e.Repo.StartStep(ctx, m.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return s, apperrors.Wrap(apperrors.CodeConsistency, fmt.Sprintf("mission %d has no start step", m.ID), err)
		}
		return s, apperrors.Store("get start step", err)
	}
	score, err := e.Stats.GetCharacterScore(ctx, ch.ExternalID)
	if err != nil {
		return s, unavailable(err)
	}

	s = domain.MissionPlaying{
		CharacterID:      ch.ID,
		MissionID:        m.ID,
		ActorID:          actor.ID,
		BeginTime:        e.now().UTC(),
		PercentCharacter: score.Aggregate,
		CurrentStepID:    start.ID,
		Version:          1,
	}
	err = e.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
			if repo.IsUniqueViolation(err) {
				return apperrors.Wrap(apperrors.CodeConflict, "mission already in progress", err)
			}
			return apperrors.Store("insert session", err)
		}
		return apperrors.Store("append event", e.Events.Append(ctx, tx, events.SessionStarted, "session", idString(ch.ID), actor.ID, events.EventPayload{
			"mission_id":        m.ID,
			"rank":              m.Rank,
			"percent_character": s.PercentCharacter,
		}))
	})
	if err != nil {
		return domain.MissionPlaying{}, err
	}
	e.logger(ctx).Info("session started", "character_id", ch.ID, "mission_id", m.ID, "rank", m.Rank)
	return s, nil
}

func unavailable(err error) error {
	if apperrors.CodeOf(err) != apperrors.CodeUnknown {
		return err
	}
	return apperrors.Wrap(apperrors.CodeUnavailable, "stat provider unavailable", err)
}

// GetActiveSession returns the character's session or NOT_FOUND.
func (e Engine) GetActiveSession(ctx context.Context, actor auth.Actor, characterID int64) (domain.MissionPlaying, error) {
	if _, err := e.character(ctx, actor, characterID); err != nil {
		return domain.MissionPlaying{}, err
	}
	s, err := e.Repo.GetSession(ctx, nil, characterID)
	if err != nil {
		return domain.MissionPlaying{}, noSession(characterID, err)
	}
	return s, nil
}

// TimeRemaining reports the countdown of a session at the engine clock.
func (e Engine) TimeRemaining(s domain.MissionPlaying, rank domain.Rank) time.Duration {
	return TimeRemaining(s, rank, e.now())
}

// IsTimeElapsed reports whether the session deadline has passed.
func (e Engine) IsTimeElapsed(s domain.MissionPlaying, rank domain.Rank) bool {
	return IsTimeElapsed(s, rank, e.now())
}

func (e Engine) sessionMission(ctx context.Context, s domain.MissionPlaying) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, s.MissionID)
	if err != nil {
		return domain.Mission{}, storeErr("get mission", err, fmt.Sprintf("mission %d not found", s.MissionID))
	}
	return m, nil
}

// SessionView returns the session with its mission, deadline and walk state.
func (e Engine) SessionView(ctx context.Context, actor auth.Actor, characterID int64) (SessionView, error) {
	s, err := e.GetActiveSession(ctx, actor, characterID)
	if err != nil {
		return SessionView{}, err
	}
	m, err := e.sessionMission(ctx, s)
	if err != nil {
		return SessionView{}, err
	}
	choices, err := e.AvailableChoices(ctx, s.CurrentStepID)
	if err != nil {
		return SessionView{}, err
	}
	left := e.TimeRemaining(s, m.Rank)
	return SessionView{
		Session:         s,
		Mission:         m,
		EndTime:         s.Deadline(m.Rank),
		TimeLeftSeconds: int64(left / time.Second),
		TimeOver:        e.IsTimeElapsed(s, m.Rank),
		FinishChoice:    len(choices) == 0,
	}, nil
}

// CurrentStep returns the step the walk sits on and its choices.
func (e Engine) CurrentStep(ctx context.Context, actor auth.Actor, characterID int64) (StepView, error) {
	s, err := e.GetActiveSession(ctx, actor, characterID)
	if err != nil {
		return StepView{}, err
	}
	step, err := e.Repo.GetStep(ctx, s.CurrentStepID)
	if err != nil {
		return StepView{}, storeErr("get step", err, fmt.Sprintf("step %d not found", s.CurrentStepID))
	}
	choices, err := e.AvailableChoices(ctx, step.ID)
	if err != nil {
		return StepView{}, err
	}
	return StepView{Step: step, Choices: choices, Terminal: len(choices) == 0}, nil
}

// MissionForSession returns a mission only when it is the character's
// active mission.
func (e Engine) MissionForSession(ctx context.Context, actor auth.Actor, characterID, missionID int64) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return domain.Mission{}, storeErr("get mission", err, "mission not found")
	}
	s, err := e.GetActiveSession(ctx, actor, characterID)
	if err != nil {
		return domain.Mission{}, err
	}
	if s.MissionID != m.ID {
		return domain.Mission{}, apperrors.Forbidden(apperrors.ReasonMissionMismatch, "mission does not belong to the character's session")
	}
	return m, nil
}

// AbandonSession drops the active session without recording an outcome.
func (e Engine) AbandonSession(ctx context.Context, actor auth.Actor, characterID int64) (err error) {
	ctx, span := e.span(ctx, "engine.AbandonSession", attribute.Int64("character_id", characterID))
	defer func() { endSpan(span, err) }()

	s, err := e.GetActiveSession(ctx, actor, characterID)
	if err != nil {
		return err
	}
	err = e.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := e.Repo.DeleteSession(ctx, tx, s.CharacterID, s.Version); err != nil {
			return staleSession(err)
		}
		return apperrors.Store("append event", e.Events.Append(ctx, tx, events.SessionAbandoned, "session", idString(characterID), actor.ID, events.EventPayload{
			"mission_id":     s.MissionID,
			"percent_choice": s.PercentChoice,
		}))
	})
	if err != nil {
		return err
	}
	e.logger(ctx).Info("session abandoned", "character_id", characterID, "mission_id", s.MissionID)
	return nil
}
