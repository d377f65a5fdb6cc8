package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"annexe/internal/domain"
)

// ErrStaleSession is returned when a compare-and-set on the session version
// finds the row changed or gone.
var ErrStaleSession = errors.New("session changed concurrently")

type sessionRow struct {
	CharacterID      int64  `db:"character_id"`
	MissionID        int64  `db:"mission_id"`
	ActorID          string `db:"actor_id"`
	BeginTime        string `db:"begin_time"`
	PercentCharacter int    `db:"percent_character"`
	PercentChoice    int    `db:"percent_choice"`
	AdditionalTime   int    `db:"additional_time"`
	CurrentStepID    int64  `db:"current_step_id"`
	LastChoiceID     *int64 `db:"last_choice_id"`
	Version          int64  `db:"version"`
}

func (row sessionRow) toDomain() (domain.MissionPlaying, error) {
	begin, err := time.Parse(time.RFC3339Nano, row.BeginTime)
	if err != nil {
		return domain.MissionPlaying{}, fmt.Errorf("parse begin_time %q: %w", row.BeginTime, err)
	}
	return domain.MissionPlaying{
		CharacterID:      row.CharacterID,
		MissionID:        row.MissionID,
		ActorID:          row.ActorID,
		BeginTime:        begin,
		PercentCharacter: row.PercentCharacter,
		PercentChoice:    row.PercentChoice,
		AdditionalTime:   row.AdditionalTime,
		CurrentStepID:    row.CurrentStepID,
		LastChoiceID:     row.LastChoiceID,
		Version:          row.Version,
	}, nil
}

// InsertSession creates the session row. A second insert for the same
// character fails with a unique violation (see IsUniqueViolation).
func (r Repo) InsertSession(ctx context.Context, tx *sqlx.Tx, s domain.MissionPlaying) error {
	_, err := r.ext(tx).ExecContext(ctx, `INSERT INTO mission_playing(character_id, mission_id, actor_id, begin_time, percent_character, percent_choice, additional_time, current_step_id, last_choice_id, version)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.CharacterID, s.MissionID, s.ActorID, s.BeginTime.UTC().Format(time.RFC3339Nano), s.PercentCharacter,
		s.PercentChoice, s.AdditionalTime, s.CurrentStepID, nullableID(s.LastChoiceID), s.Version)
	return err
}

func (r Repo) GetSession(ctx context.Context, tx *sqlx.Tx, characterID int64) (domain.MissionPlaying, error) {
	var row sessionRow
	err := sqlx.GetContext(ctx, r.ext(tx), &row, `SELECT character_id, mission_id, actor_id, begin_time, percent_character, percent_choice, additional_time, current_step_id, last_choice_id, version
FROM mission_playing WHERE character_id=?`, characterID)
	if err != nil {
		return domain.MissionPlaying{}, notFound(err)
	}
	return row.toDomain()
}

// UpdateSessionStep writes the mutable session fields if the stored version
// still equals s.Version, bumping it. Returns ErrStaleSession otherwise.
func (r Repo) UpdateSessionStep(ctx context.Context, tx *sqlx.Tx, s domain.MissionPlaying) error {
	res, err := r.ext(tx).ExecContext(ctx, `UPDATE mission_playing
SET percent_choice=?, additional_time=?, current_step_id=?, last_choice_id=?, version=version+1
WHERE character_id=? AND version=?`,
		s.PercentChoice, s.AdditionalTime, s.CurrentStepID, nullableID(s.LastChoiceID), s.CharacterID, s.Version)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrStaleSession
	}
	return nil
}

// DeleteSession removes the session if its version is unchanged.
func (r Repo) DeleteSession(ctx context.Context, tx *sqlx.Tx, characterID, version int64) error {
	res, err := r.ext(tx).ExecContext(ctx, `DELETE FROM mission_playing WHERE character_id=? AND version=?`, characterID, version)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrStaleSession
	}
	return nil
}
