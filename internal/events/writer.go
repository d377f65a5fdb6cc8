package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Event types appended by the engine and the importer.
const (
	MissionImported     = "mission.imported"
	MissionImportFailed = "mission.import_failed"
	VillageCreated      = "village.created"
	CharacterCreated    = "character.created"
	CharacterLinked     = "character.linked"
	SessionStarted      = "session.started"
	ChoiceApplied       = "choice.applied"
	SessionResolved     = "session.resolved"
	SessionAbandoned    = "session.abandoned"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts an event through exec, normally the caller's transaction so
// the event commits or rolls back with the mutation it describes.
func (w Writer) Append(ctx context.Context, exec sqlx.ExecerContext, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = exec.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
