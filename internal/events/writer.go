package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Projection event types. The relay routes on these names.
const (
	RequestCreated          = "repair_request.created"
	RequestStatusChanged    = "repair_request.status_changed"
	RequestContentUpdated   = "repair_request.content_updated"
	RequestWithdrawPending  = "repair_request.withdraw_pending"
	RequestWithdrawFailed   = "repair_request.withdraw_failed"
	WorkOrderCreated        = "work_order.created"
	WorkOrderSigned         = "work_order.signed"
	WorkOrderContentUpdated = "work_order.content_updated"
	ProjectionSynced        = "projection.synced"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside tx so it commits with the projection row it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
