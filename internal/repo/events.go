package repo

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"

	"annexe/internal/domain"
)

const eventSelect = `SELECT id, ts, type, entity_kind, COALESCE(entity_id,'') AS entity_id, actor_id,
	COALESCE(payload_json,'') AS payload_json FROM events`

// EventFilter narrows an event listing. Empty fields match everything.
// Before is an exclusive upper id used as a cursor when paging backwards.
type EventFilter struct {
	Type       string
	EntityKind string
	EntityID   string
	Before     int64
	Limit      int
}

func (f EventFilter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if f.Type != "" {
		add("type = ?", f.Type)
	}
	if f.EntityKind != "" {
		add("entity_kind = ?", f.EntityKind)
	}
	if f.EntityID != "" {
		add("entity_id = ?", f.EntityID)
	}
	if f.Before > 0 {
		add("id < ?", f.Before)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListEvents pages events newest first.
func (r Repo) ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	where, args := f.where()
	out := []domain.Event{}
	err := sqlx.SelectContext(ctx, r.DB, &out, eventSelect+where+` ORDER BY id DESC LIMIT ?`, append(args, f.Limit)...)
	return out, err
}

// EventsAfter returns up to limit events with id > cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	out := []domain.Event{}
	err := sqlx.SelectContext(ctx, r.DB, &out, eventSelect+` WHERE id > ? ORDER BY id LIMIT ?`, cursor, limit)
	return out, err
}

// LatestEventID is 0 on an empty log.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := sqlx.GetContext(ctx, r.DB, &id, `SELECT COALESCE(MAX(id), 0) FROM events`)
	return id, err
}
