package importer

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"annexe/internal/apperrors"
	"annexe/internal/ctxlog"
	"annexe/internal/events"
	"annexe/internal/repo"
)

// Result summarises a successful import.
type Result struct {
	ImportID   string `json:"import_id"`
	MissionID  int64  `json:"mission_id"`
	Title      string `json:"title"`
	Steps      int    `json:"steps"`
	Choices    int    `json:"choices"`
	Conditions int    `json:"conditions"`
	Finalities int    `json:"finalities"`
}

// Importer writes validated documents into the graph store. Imports of the
// same mission title are serialised; a concurrent attempt gets CONFLICT.
type Importer struct {
	DB     *sqlx.DB
	Repo   repo.Repo
	Events events.Writer

	mu     sync.Mutex
	active map[string]bool
}

func New(db *sqlx.DB, r repo.Repo, ev events.Writer) *Importer {
	return &Importer{DB: db, Repo: r, Events: ev, active: map[string]bool{}}
}

func (im *Importer) acquire(title string) bool {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.active == nil {
		im.active = map[string]bool{}
	}
	if im.active[title] {
		return false
	}
	im.active[title] = true
	return true
}

func (im *Importer) release(title string) {
	im.mu.Lock()
	delete(im.active, title)
	im.mu.Unlock()
}

// Import validates doc and creates its mission graph. Entities are written
// one by one; on failure everything created under the new mission id is
// deleted again.
func (im *Importer) Import(ctx context.Context, actorID string, doc Document) (Result, error) {
	if err := ValidateSchema(doc); err != nil {
		return Result{}, err
	}
	p, err := im.buildPlan(ctx, doc)
	if err != nil {
		return Result{}, err
	}
	title := p.mission.Title
	if !im.acquire(title) {
		return Result{}, apperrors.Newf(apperrors.CodeConflict, "mission %q is already being imported", title)
	}
	defer im.release(title)

	importID := uuid.NewString()
	p.mission.ImportID = importID
	missionID, err := im.Repo.InsertMission(ctx, nil, p.mission)
	if err != nil {
		return Result{}, apperrors.Store("insert mission", err)
	}
	res, err := im.write(ctx, missionID, p)
	if err == nil {
		res.ImportID = importID
		res.MissionID = missionID
		res.Title = title
		err = im.publish(ctx, missionID, p, res, actorID)
	}
	if err != nil {
		im.rollback(ctx, missionID, importID, actorID, err)
		return Result{}, err
	}
	ctxlog.FromContext(ctx).Info("mission imported", "mission_id", missionID, "import_id", importID, "title", title)
	return res, nil
}

func (im *Importer) write(ctx context.Context, missionID int64, p *plan) (Result, error) {
	var res Result
	stepIDs := map[string]int64{}
	for _, id := range p.stepOrder {
		s := p.steps[id]
		s.MissionID = missionID
		dbID, err := im.Repo.InsertStep(ctx, nil, s)
		if err != nil {
			return res, apperrors.Store("insert step", err)
		}
		stepIDs[id] = dbID
		res.Steps++
	}
	choiceIDs := map[string]int64{}
	for _, id := range p.choiceIDs {
		c := p.choices[id].choice
		c.MissionID = missionID
		dbID, err := im.Repo.InsertChoice(ctx, nil, c)
		if err != nil {
			return res, apperrors.Store("insert choice", err)
		}
		choiceIDs[id] = dbID
		res.Choices++
	}
	condIDs := map[string]int64{}
	for _, id := range p.condOrder {
		c := p.conditions[id]
		c.MissionID = missionID
		dbID, err := im.Repo.InsertCondition(ctx, nil, c)
		if err != nil {
			return res, apperrors.Store("insert condition", err)
		}
		condIDs[id] = dbID
		res.Conditions++
	}
	finIDs := map[string]int64{}
	for _, id := range p.finOrder {
		f := p.finalities[id]
		f.MissionID = missionID
		dbID, err := im.Repo.InsertFinality(ctx, nil, f)
		if err != nil {
			return res, apperrors.Store("insert finality", err)
		}
		finIDs[id] = dbID
		res.Finalities++
	}

	for _, id := range p.choiceIDs {
		c := p.choices[id]
		choiceID := choiceIDs[id]
		if err := im.Repo.SetChoiceFrom(ctx, nil, choiceID, stepIDs[c.from]); err != nil {
			return res, apperrors.Store("wire choice source", err)
		}
		if err := im.Repo.SetChoiceTo(ctx, nil, choiceID, stepIDs[c.to]); err != nil {
			return res, apperrors.Store("wire choice target", err)
		}
		for _, cond := range c.conditions {
			if err := im.Repo.SetConditionChoice(ctx, nil, condIDs[cond], choiceID); err != nil {
				return res, apperrors.Store("wire condition", err)
			}
		}
		for _, fin := range c.finalities {
			if err := im.Repo.SetFinalityChoice(ctx, nil, finIDs[fin], choiceID); err != nil {
				return res, apperrors.Store("wire finality", err)
			}
		}
	}
	return res, nil
}

// publish makes the written graph eligible for play. Village wiring, the
// ready flag and the mission.imported event commit together, so no session
// can start on a mission that is still being written.
func (im *Importer) publish(ctx context.Context, missionID int64, p *plan, res Result, actorID string) error {
	tx, err := im.DB.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Store("begin tx", err)
	}
	defer tx.Rollback()
	for _, v := range p.mission.Villages {
		if err := im.Repo.AttachVillage(ctx, tx, missionID, v); err != nil {
			return apperrors.Store("attach village", err)
		}
	}
	if err := im.Repo.PublishMission(ctx, tx, missionID); err != nil {
		return apperrors.Store("publish mission", err)
	}
	if err := im.Events.Append(ctx, tx, events.MissionImported, "mission", idString(missionID), actorID, events.EventPayload{
		"import_id": res.ImportID,
		"title":     res.Title,
		"rank":      p.mission.Rank,
		"villages":  p.mission.Villages,
		"steps":     res.Steps,
		"choices":   res.Choices,
	}); err != nil {
		return apperrors.Store("append event", err)
	}
	return apperrors.Store("commit", tx.Commit())
}

// rollback deletes the partial graph. It ignores ctx cancellation so an
// aborted request still cleans up.
func (im *Importer) rollback(ctx context.Context, missionID int64, importID, actorID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	log := ctxlog.FromContext(ctx)
	if err := im.Repo.DeleteMissionGraph(ctx, nil, missionID); err != nil {
		log.Error("import rollback failed", "mission_id", missionID, "import_id", importID, "err", errors.Join(cause, err))
		return
	}
	if err := im.Events.Append(ctx, im.DB, events.MissionImportFailed, "mission", idString(missionID), actorID, events.EventPayload{
		"import_id": importID,
		"error":     cause.Error(),
	}); err != nil {
		log.Warn("append import failure event", "err", err)
	}
	log.Warn("mission import rolled back", "mission_id", missionID, "import_id", importID, "err", cause)
}
