package repo

import (
	"context"

	"github.com/jmoiron/sqlx"

	"annexe/internal/domain"
)

func (r Repo) InsertVillage(ctx context.Context, tx *sqlx.Tx, name string) (domain.Village, error) {
	v := domain.Village{Name: name, CreatedAt: nowString()}
	res, err := r.ext(tx).ExecContext(ctx, `INSERT INTO villages(name, created_at) VALUES (?,?)`, v.Name, v.CreatedAt)
	if err != nil {
		return domain.Village{}, err
	}
	v.ID, err = res.LastInsertId()
	return v, err
}

func (r Repo) GetVillageByName(ctx context.Context, tx *sqlx.Tx, name string) (domain.Village, error) {
	var v domain.Village
	err := sqlx.GetContext(ctx, r.ext(tx), &v, `SELECT id, name, created_at FROM villages WHERE name=?`, name)
	return v, notFound(err)
}

func (r Repo) ListVillages(ctx context.Context) ([]domain.Village, error) {
	villages := []domain.Village{}
	err := sqlx.SelectContext(ctx, r.DB, &villages, `SELECT id, name, created_at FROM villages ORDER BY name ASC`)
	return villages, err
}
