package repo

import (
	"context"

	"github.com/jmoiron/sqlx"

	"annexe/internal/domain"
)

const characterColumns = `c.id, c.external_id, c.name, c.village, c.level, c.exp, c.cash, c.avatar_url, c.created_at`

func (r Repo) InsertCharacter(ctx context.Context, tx *sqlx.Tx, c domain.Character) (int64, error) {
	if c.CreatedAt == "" {
		c.CreatedAt = nowString()
	}
	res, err := r.ext(tx).ExecContext(ctx, `INSERT INTO characters(external_id, name, village, level, exp, cash, avatar_url, created_at) VALUES (?,?,?,?,?,?,?,?)`,
		c.ExternalID, c.Name, c.Village, c.Level, c.Exp, c.Cash, c.AvatarURL, c.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetCharacter(ctx context.Context, id int64) (domain.Character, error) {
	var c domain.Character
	err := sqlx.GetContext(ctx, r.DB, &c, `SELECT `+characterColumns+` FROM characters c WHERE c.id=?`, id)
	return c, notFound(err)
}

// FindCharacterByName matches the full name case-insensitively. Names are
// not unique; the oldest character wins.
func (r Repo) FindCharacterByName(ctx context.Context, name string) (domain.Character, error) {
	var c domain.Character
	err := sqlx.GetContext(ctx, r.DB, &c, `SELECT `+characterColumns+` FROM characters c
WHERE c.name = ? COLLATE NOCASE ORDER BY c.id ASC LIMIT 1`, name)
	return c, notFound(err)
}

// ListCharacters returns characters linked to actorID, or all characters
// when actorID is empty.
func (r Repo) ListCharacters(ctx context.Context, actorID string) ([]domain.Character, error) {
	chars := []domain.Character{}
	if actorID == "" {
		err := sqlx.SelectContext(ctx, r.DB, &chars, `SELECT `+characterColumns+` FROM characters c ORDER BY c.id ASC`)
		return chars, err
	}
	err := sqlx.SelectContext(ctx, r.DB, &chars, `SELECT `+characterColumns+` FROM characters c
JOIN character_owners o ON o.character_id=c.id
WHERE o.actor_id=? ORDER BY c.id ASC`, actorID)
	return chars, err
}

func (r Repo) LinkCharacterOwner(ctx context.Context, tx *sqlx.Tx, characterID int64, actorID string) error {
	_, err := r.ext(tx).ExecContext(ctx, `INSERT OR IGNORE INTO character_owners(character_id, actor_id, created_at) VALUES (?,?,?)`,
		characterID, actorID, nowString())
	return err
}

func (r Repo) IsCharacterOwner(ctx context.Context, characterID int64, actorID string) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, r.DB, &n, `SELECT count(*) FROM character_owners WHERE character_id=? AND actor_id=?`, characterID, actorID)
	return n > 0, err
}

// AddCharacterCash credits (or debits) a character.
func (r Repo) AddCharacterCash(ctx context.Context, tx *sqlx.Tx, characterID int64, amount int) error {
	return r.updateOne(ctx, tx, `UPDATE characters SET cash = cash + ? WHERE id=?`, amount, characterID)
}
