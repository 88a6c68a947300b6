package server

import (
	"encoding/json"

	"repairline/internal/domain"
	"repairline/internal/engine/status"
	"repairline/internal/reconcile"
)

// Request payloads

type CreateRepairRequestRequest struct {
	PropertyID  string `json:"property_id"`
	Urgency     string `json:"urgency,omitempty" enum:"LOW,MEDIUM,HIGH"`
	Description string `json:"description"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" enum:"PENDING,IN_PROGRESS,COMPLETED,ACCEPTED,REFUSED,REJECTED,CANCELLED"`
}

type ApproveWorkRequest struct {
	IsAccepted bool `json:"is_accepted"`
}

type UpdateWorkDetailsRequest struct {
	WorkDetails string  `json:"work_details"`
	BaseHash    *string `json:"base_hash,omitempty"`
}

type UpdateDescriptionRequest struct {
	Description string  `json:"description"`
	BaseHash    *string `json:"base_hash,omitempty"`
}

type CreateWorkOrderRequest struct {
	Contractor  string `json:"contractor"`
	AgreedPrice uint64 `json:"agreed_price"`
	Description string `json:"description"`
}

type DevLoginRequest struct {
	Identity string `json:"identity"`
}

// Responses

type RepairRequestResponse struct {
	domain.ProjectedRequest
	DisplayStatus domain.RequestStatus   `json:"display_status"`
	NextStatuses  []domain.RequestStatus `json:"next_statuses" doc:"statuses the request can move to next"`
}

type ContentUpdateResponse struct {
	RepairRequest *RepairRequestResponse     `json:"repair_request,omitempty"`
	WorkOrder     *domain.ProjectedWorkOrder `json:"work_order,omitempty"`
	Receipt       domain.AuditReceipt        `json:"receipt"`
}

type ContentResponse struct {
	Hash string `json:"hash"`
	Body string `json:"body"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type SyncResponse struct {
	Ref        domain.EntityRef   `json:"ref"`
	Subscribed bool               `json:"subscribed"`
	Pending    bool               `json:"pending" doc:"a ledger submission for the entity is in flight"`
	Loops      []reconcile.Status `json:"loops"`
}

type MeResponse struct {
	Identity string `json:"identity"`
	Source   string `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedRequests struct {
	Items []RepairRequestResponse `json:"items"`
}

type paginatedWorkOrders struct {
	Items []domain.ProjectedWorkOrder `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func requestResponse(p domain.ProjectedRequest) RepairRequestResponse {
	return RepairRequestResponse{
		ProjectedRequest: p,
		DisplayStatus:    p.DisplayStatus(),
		NextStatuses:     nonNilSlice(status.Targets(p.DisplayStatus())),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
