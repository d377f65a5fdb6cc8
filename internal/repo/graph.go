package repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"annexe/internal/domain"
)

const missionColumns = `id, rank, title, description, cash, percent_mission, COALESCE(import_id,'') AS import_id, created_at`

func (r Repo) InsertMission(ctx context.Context, tx *sqlx.Tx, m domain.Mission) (int64, error) {
	if m.CreatedAt == "" {
		m.CreatedAt = nowString()
	}
	res, err := r.ext(tx).ExecContext(ctx, `INSERT INTO missions(rank, title, description, cash, percent_mission, import_id, created_at) VALUES (?,?,?,?,?,?,?)`,
		string(m.Rank), m.Title, m.Description, m.Cash, m.PercentMission, nullable(m.ImportID), m.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PublishMission marks a fully written mission as eligible for play.
func (r Repo) PublishMission(ctx context.Context, tx *sqlx.Tx, missionID int64) error {
	res, err := r.ext(tx).ExecContext(ctx, `UPDATE missions SET ready = 1 WHERE id = ?`, missionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AttachVillage links a mission to an existing village by name.
func (r Repo) AttachVillage(ctx context.Context, tx *sqlx.Tx, missionID int64, village string) error {
	v, err := r.GetVillageByName(ctx, tx, village)
	if err != nil {
		return err
	}
	_, err = r.ext(tx).ExecContext(ctx, `INSERT OR IGNORE INTO mission_villages(mission_id, village_id) VALUES (?,?)`, missionID, v.ID)
	return err
}

func (r Repo) GetMission(ctx context.Context, id int64) (domain.Mission, error) {
	var m domain.Mission
	if err := sqlx.GetContext(ctx, r.DB, &m, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id); err != nil {
		return domain.Mission{}, notFound(err)
	}
	villages, err := r.missionVillages(ctx, id)
	if err != nil {
		return domain.Mission{}, err
	}
	m.Villages = villages
	return m, nil
}

func (r Repo) missionVillages(ctx context.Context, missionID int64) ([]string, error) {
	villages := []string{}
	err := sqlx.SelectContext(ctx, r.DB, &villages, `
SELECT v.name FROM mission_villages mv
JOIN villages v ON v.id = mv.village_id
WHERE mv.mission_id=? ORDER BY v.name ASC`, missionID)
	return villages, err
}

// ListMissions filters by rank and eligible village; empty values match all.
// Missions whose import has not been published are never listed.
func (r Repo) ListMissions(ctx context.Context, rank domain.Rank, village string) ([]domain.Mission, error) {
	clauses := []string{"m.ready = 1"}
	var args []any
	if rank != "" {
		clauses = append(clauses, "m.rank=?")
		args = append(args, string(rank))
	}
	if village != "" {
		clauses = append(clauses, `EXISTS (SELECT 1 FROM mission_villages mv JOIN villages v ON v.id=mv.village_id WHERE mv.mission_id=m.id AND v.name=?)`)
		args = append(args, village)
	}
	query := fmt.Sprintf(`SELECT m.id, m.rank, m.title, m.description, m.cash, m.percent_mission, COALESCE(m.import_id,'') AS import_id, m.created_at
FROM missions m WHERE %s ORDER BY m.id ASC`, strings.Join(clauses, " AND "))
	var missions []domain.Mission
	if err := sqlx.SelectContext(ctx, r.DB, &missions, query, args...); err != nil {
		return nil, err
	}
	for i := range missions {
		villages, err := r.missionVillages(ctx, missions[i].ID)
		if err != nil {
			return nil, err
		}
		missions[i].Villages = villages
	}
	return missions, nil
}

func (r Repo) InsertStep(ctx context.Context, tx *sqlx.Tx, s domain.Step) (int64, error) {
	res, err := r.ext(tx).ExecContext(ctx, `INSERT INTO steps(mission_id, description, is_start) VALUES (?,?,?)`,
		s.MissionID, s.Description, boolToInt(s.IsStart))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetStep(ctx context.Context, id int64) (domain.Step, error) {
	var s domain.Step
	err := sqlx.GetContext(ctx, r.DB, &s, `SELECT id, mission_id, description, is_start FROM steps WHERE id=?`, id)
	return s, notFound(err)
}

// StartStep returns the designated start step of a mission.
func (r Repo) StartStep(ctx context.Context, missionID int64) (domain.Step, error) {
	var s domain.Step
	err := sqlx.GetContext(ctx, r.DB, &s, `SELECT id, mission_id, description, is_start FROM steps WHERE mission_id=? AND is_start=1`, missionID)
	return s, notFound(err)
}

func (r Repo) ListSteps(ctx context.Context, missionID int64) ([]domain.Step, error) {
	steps := []domain.Step{}
	err := sqlx.SelectContext(ctx, r.DB, &steps, `SELECT id, mission_id, description, is_start FROM steps WHERE mission_id=? ORDER BY id ASC`, missionID)
	return steps, err
}

func (r Repo) InsertChoice(ctx context.Context, tx *sqlx.Tx, c domain.Choice) (int64, error) {
	res, err := r.ext(tx).ExecContext(ctx, `INSERT INTO choices(mission_id, from_step_id, to_step_id, value, sentence) VALUES (?,?,?,?,?)`,
		c.MissionID, nullableID(c.FromStepID), nullableID(c.ToStepID), c.Value, c.Sentence)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) SetChoiceFrom(ctx context.Context, tx *sqlx.Tx, choiceID, stepID int64) error {
	return r.updateOne(ctx, tx, `UPDATE choices SET from_step_id=? WHERE id=?`, stepID, choiceID)
}

func (r Repo) SetChoiceTo(ctx context.Context, tx *sqlx.Tx, choiceID, stepID int64) error {
	return r.updateOne(ctx, tx, `UPDATE choices SET to_step_id=? WHERE id=?`, stepID, choiceID)
}

func (r Repo) GetChoice(ctx context.Context, id int64) (domain.Choice, error) {
	var c domain.Choice
	err := sqlx.GetContext(ctx, r.DB, &c, `SELECT id, mission_id, from_step_id, to_step_id, value, sentence FROM choices WHERE id=?`, id)
	return c, notFound(err)
}

// ChoicesFrom returns every choice leaving a step, in authoring order.
func (r Repo) ChoicesFrom(ctx context.Context, stepID int64) ([]domain.Choice, error) {
	choices := []domain.Choice{}
	err := sqlx.SelectContext(ctx, r.DB, &choices, `SELECT id, mission_id, from_step_id, to_step_id, value, sentence FROM choices WHERE from_step_id=? ORDER BY id ASC`, stepID)
	return choices, err
}

func (r Repo) ListChoices(ctx context.Context, missionID int64) ([]domain.Choice, error) {
	choices := []domain.Choice{}
	err := sqlx.SelectContext(ctx, r.DB, &choices, `SELECT id, mission_id, from_step_id, to_step_id, value, sentence FROM choices WHERE mission_id=? ORDER BY id ASC`, missionID)
	return choices, err
}

func (r Repo) InsertCondition(ctx context.Context, tx *sqlx.Tx, c domain.Condition) (int64, error) {
	res, err := r.ext(tx).ExecContext(ctx, `INSERT INTO conditions(mission_id, choice_id, type, value) VALUES (?,?,?,?)`,
		c.MissionID, nullableID(c.ChoiceID), c.Type, c.Value)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) SetConditionChoice(ctx context.Context, tx *sqlx.Tx, conditionID, choiceID int64) error {
	return r.updateOne(ctx, tx, `UPDATE conditions SET choice_id=? WHERE id=?`, choiceID, conditionID)
}

func (r Repo) ConditionsForChoice(ctx context.Context, choiceID int64) ([]domain.Condition, error) {
	conds := []domain.Condition{}
	err := sqlx.SelectContext(ctx, r.DB, &conds, `SELECT id, mission_id, choice_id, type, value FROM conditions WHERE choice_id=? ORDER BY id ASC`, choiceID)
	return conds, err
}

func (r Repo) InsertFinality(ctx context.Context, tx *sqlx.Tx, f domain.Finality) (int64, error) {
	res, err := r.ext(tx).ExecContext(ctx, `INSERT INTO finalities(mission_id, choice_id, value, description, cash) VALUES (?,?,?,?,?)`,
		f.MissionID, nullableID(f.ChoiceID), string(f.Value), f.Description, f.Cash)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) SetFinalityChoice(ctx context.Context, tx *sqlx.Tx, finalityID, choiceID int64) error {
	return r.updateOne(ctx, tx, `UPDATE finalities SET choice_id=? WHERE id=?`, choiceID, finalityID)
}

func (r Repo) FinalitiesForChoice(ctx context.Context, choiceID int64) ([]domain.Finality, error) {
	fins := []domain.Finality{}
	err := sqlx.SelectContext(ctx, r.DB, &fins, `SELECT id, mission_id, choice_id, value, description, cash FROM finalities WHERE choice_id=? ORDER BY id ASC`, choiceID)
	return fins, err
}

// DeleteMissionGraph removes every entity created for a mission, children
// first. It is the compensation path of a failed import.
func (r Repo) DeleteMissionGraph(ctx context.Context, tx *sqlx.Tx, missionID int64) error {
	stmts := []string{
		`DELETE FROM conditions WHERE mission_id=?`,
		`DELETE FROM finalities WHERE mission_id=?`,
		`DELETE FROM choices WHERE mission_id=?`,
		`DELETE FROM steps WHERE mission_id=?`,
		`DELETE FROM mission_villages WHERE mission_id=?`,
		`DELETE FROM missions WHERE id=?`,
	}
	for _, stmt := range stmts {
		if _, err := r.ext(tx).ExecContext(ctx, stmt, missionID); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) updateOne(ctx context.Context, tx *sqlx.Tx, query string, args ...any) error {
	res, err := r.ext(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
