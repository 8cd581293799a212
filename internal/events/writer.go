package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends to the catalog event log. Events are only written inside
// the transaction of the operation they describe, so a failed operation
// leaves no trace.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

const insertEvent = `
INSERT INTO events (ts, type, catalog_id, entity_kind, entity_id, actor_id, payload_json)
VALUES (?, ?, ?, ?, ?, ?, ?)`

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, catalogID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", evtType, err)
	}
	_, err = tx.ExecContext(ctx, insertEvent,
		now().UTC().Format(time.RFC3339),
		evtType,
		orNull(catalogID),
		entityKind,
		orNull(entityID),
		actorID,
		string(body),
	)
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func orNull(v string) any {
	if v == "" {
		return nil
	}
	return v
}
