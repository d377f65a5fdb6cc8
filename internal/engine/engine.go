package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"annexe/internal/apperrors"
	"annexe/internal/config"
	"annexe/internal/ctxlog"
	"annexe/internal/engine/auth"
	"annexe/internal/events"
	"annexe/internal/importer"
	"annexe/internal/repo"
	"annexe/internal/statprovider"
)

var tracer = otel.Tracer("annexe/engine")

// IntNer draws uniform integers in [0, n).
type IntNer interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// Engine runs the mission operations against the store.
type Engine struct {
	DB       *sqlx.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Auth     auth.Service
	Stats    statprovider.Provider
	Importer *importer.Importer
	Now      func() time.Time
	Rand     IntNer
	Logger   *slog.Logger
}

func New(db *sqlx.DB, cfg *config.Config, stats statprovider.Provider) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	ev := events.Writer{}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   ev,
		Config:   cfg,
		Auth:     auth.Service{Repo: r, AdminRole: cfg.Auth.AdminRole},
		Stats:    stats,
		Importer: importer.New(db, r, ev),
		Now:      time.Now,
		Rand:     globalRand{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) rng() IntNer {
	if e.Rand != nil {
		return e.Rand
	}
	return globalRand{}
}

func (e Engine) logger(ctx context.Context) *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return ctxlog.FromContext(ctx)
}

func (e Engine) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// storeErr maps repo.ErrNotFound to NOT_FOUND and everything else to
// STORE_ERROR, leaving already coded errors alone.
func storeErr(op string, err error, notFoundMsg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return apperrors.Wrap(apperrors.CodeNotFound, notFoundMsg, err)
	}
	return apperrors.Store(op, err)
}

// withTx runs fn in a transaction, committing on success.
func (e Engine) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Store("begin tx", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Store("commit", err)
	}
	return nil
}
