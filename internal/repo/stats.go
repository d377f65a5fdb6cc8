package repo

import (
	"context"

	"github.com/jmoiron/sqlx"

	"annexe/internal/domain"
)

// IncrementRankStat bumps the win or fail counter of a character for a rank.
func (r Repo) IncrementRankStat(ctx context.Context, tx *sqlx.Tx, characterID int64, rank domain.Rank, result domain.Result) error {
	win, fail := 0, 0
	if result == domain.ResultWin {
		win = 1
	} else {
		fail = 1
	}
	_, err := r.ext(tx).ExecContext(ctx, `INSERT INTO rank_stats(character_id, rank, win, fail) VALUES (?,?,?,?)
ON CONFLICT(character_id, rank) DO UPDATE SET win = win + excluded.win, fail = fail + excluded.fail`,
		characterID, string(rank), win, fail)
	return err
}

func (r Repo) ListRankStats(ctx context.Context, characterID int64) ([]domain.RankStat, error) {
	stats := []domain.RankStat{}
	err := sqlx.SelectContext(ctx, r.DB, &stats, `SELECT character_id, rank, win, fail FROM rank_stats WHERE character_id=?
ORDER BY CASE rank WHEN 'C' THEN 0 WHEN 'B' THEN 1 WHEN 'A' THEN 2 ELSE 3 END`, characterID)
	return stats, err
}

func (r Repo) InsertStatAdminRecord(ctx context.Context, tx *sqlx.Tx, rec domain.StatAdminRecord) (int64, error) {
	if rec.CreatedAt == "" {
		rec.CreatedAt = nowString()
	}
	res, err := r.ext(tx).ExecContext(ctx, `INSERT INTO stat_admin_records(mission_name, mission_rank, mission_village, character_name, percent_mission, percent_character, percent_choice, result, created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.MissionName, string(rec.MissionRank), rec.MissionVillage, rec.CharacterName, rec.PercentMission,
		rec.PercentCharacter, rec.PercentChoice, string(rec.Result), rec.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListStatAdminRecords pages newest first; cursor is an exclusive upper id.
func (r Repo) ListStatAdminRecords(ctx context.Context, limit int, cursor int64) ([]domain.StatAdminRecord, error) {
	recs := []domain.StatAdminRecord{}
	query := `SELECT id, mission_name, mission_rank, mission_village, character_name, percent_mission, percent_character, percent_choice, result, created_at FROM stat_admin_records`
	args := []any{}
	if cursor > 0 {
		query += ` WHERE id<?`
		args = append(args, cursor)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	err := sqlx.SelectContext(ctx, r.DB, &recs, query, args...)
	return recs, err
}
