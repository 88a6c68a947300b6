package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type RequestStatus string

const (
	StatusPending    RequestStatus = "PENDING"
	StatusInProgress RequestStatus = "IN_PROGRESS"
	StatusCompleted  RequestStatus = "COMPLETED"
	StatusAccepted   RequestStatus = "ACCEPTED"
	StatusRefused    RequestStatus = "REFUSED"
	StatusRejected   RequestStatus = "REJECTED"
	StatusCancelled  RequestStatus = "CANCELLED"
)

// RequestStatuses lists every repair request status in lifecycle order.
func RequestStatuses() []RequestStatus {
	return []RequestStatus{
		StatusPending,
		StatusInProgress,
		StatusCompleted,
		StatusAccepted,
		StatusRefused,
		StatusRejected,
		StatusCancelled,
	}
}

func (s RequestStatus) Valid() bool {
	for _, v := range RequestStatuses() {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further status mutation is permitted.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case StatusAccepted, StatusRefused, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

type WorkOrderStatus string

const (
	WorkOrderDraft  WorkOrderStatus = "DRAFT"
	WorkOrderSigned WorkOrderStatus = "SIGNED"
)

func (s WorkOrderStatus) Valid() bool {
	return s == WorkOrderDraft || s == WorkOrderSigned
}

type Urgency string

const (
	UrgencyLow    Urgency = "LOW"
	UrgencyMedium Urgency = "MEDIUM"
	UrgencyHigh   Urgency = "HIGH"
)

func (u Urgency) Valid() bool {
	return u == UrgencyLow || u == UrgencyMedium || u == UrgencyHigh
}

// Role is the relationship between an identity and an entity.
type Role string

const (
	RoleInitiator     Role = "initiator"
	RolePropertyOwner Role = "property_owner"
	RoleCounterparty  Role = "counterparty"
	RoleNone          Role = "none"
)

type EntityKind string

const (
	KindRepairRequest EntityKind = "repair_request"
	KindWorkOrder     EntityKind = "work_order"
)

// Title is the human label used in error messages.
func (k EntityKind) Title() string {
	switch k {
	case KindRepairRequest:
		return "Repair request"
	case KindWorkOrder:
		return "Work order"
	}
	return string(k)
}

// EntityRef addresses one ledger record.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   uint64     `json:"id"`
}

func RequestRef(id uint64) EntityRef   { return EntityRef{Kind: KindRepairRequest, ID: id} }
func WorkOrderRef(id uint64) EntityRef { return EntityRef{Kind: KindWorkOrder, ID: id} }

func (r EntityRef) String() string {
	return fmt.Sprintf("%s/%d", r.Kind, r.ID)
}

// ParseEntityRef parses the "kind/id" form produced by String.
func ParseEntityRef(s string) (EntityRef, error) {
	kind, id, ok := strings.Cut(s, "/")
	if !ok {
		return EntityRef{}, Errorf(CodeInvalidInput, "invalid entity ref %q", s)
	}
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return EntityRef{}, Errorf(CodeInvalidInput, "invalid entity id %q", id)
	}
	ref := EntityRef{Kind: EntityKind(kind), ID: n}
	if ref.Kind != KindRepairRequest && ref.Kind != KindWorkOrder {
		return EntityRef{}, Errorf(CodeInvalidInput, "unknown entity kind %q", kind)
	}
	return ref, nil
}

// ContentField names a mutable, hash-addressed text field.
type ContentField string

const (
	FieldDescription ContentField = "description"
	FieldWorkDetails ContentField = "work_details"
)

// Party binds an identity to the role it holds on an entity.
type Party struct {
	Role     Role
	Identity string
}

// Entity is implemented by every ledger record so role resolution stays uniform.
type Entity interface {
	Ref() EntityRef
	Parties() []Party
}

type RepairRequest struct {
	ID              uint64        `json:"id"`
	PropertyID      string        `json:"property_id"`
	Landlord        string        `json:"landlord"`
	Initiator       string        `json:"initiator"`
	Urgency         Urgency       `json:"urgency" enum:"LOW,MEDIUM,HIGH"`
	Status          RequestStatus `json:"status" enum:"PENDING,IN_PROGRESS,COMPLETED,ACCEPTED,REFUSED,REJECTED,CANCELLED"`
	DescriptionHash string        `json:"description_hash"`
	WorkDetailsHash string        `json:"work_details_hash,omitempty"`
	CreatedAt       time.Time     `json:"created_at" format:"date-time"`
	UpdatedAt       time.Time     `json:"updated_at" format:"date-time"`
}

func (r RepairRequest) Ref() EntityRef { return RequestRef(r.ID) }

func (r RepairRequest) Parties() []Party {
	return []Party{
		{Role: RoleInitiator, Identity: r.Initiator},
		{Role: RolePropertyOwner, Identity: r.Landlord},
	}
}

// Hash returns the current pointer stored for field.
func (r RepairRequest) Hash(field ContentField) (string, bool) {
	switch field {
	case FieldDescription:
		return r.DescriptionHash, true
	case FieldWorkDetails:
		return r.WorkDetailsHash, true
	}
	return "", false
}

type WorkOrder struct {
	ID              uint64          `json:"id"`
	RepairRequestID uint64          `json:"repair_request_id"`
	Landlord        string          `json:"landlord"`
	Contractor      string          `json:"contractor"`
	AgreedPrice     uint64          `json:"agreed_price"`
	DescriptionHash string          `json:"description_hash"`
	Status          WorkOrderStatus `json:"status" enum:"DRAFT,SIGNED"`
	CreatedAt       time.Time       `json:"created_at" format:"date-time"`
	UpdatedAt       time.Time       `json:"updated_at" format:"date-time"`
}

func (w WorkOrder) Ref() EntityRef { return WorkOrderRef(w.ID) }

func (w WorkOrder) Parties() []Party {
	return []Party{
		{Role: RolePropertyOwner, Identity: w.Landlord},
		{Role: RoleCounterparty, Identity: w.Contractor},
	}
}

func (w WorkOrder) Hash(field ContentField) (string, bool) {
	if field == FieldDescription {
		return w.DescriptionHash, true
	}
	return "", false
}

// Snapshot is the ledger's state of one entity at a point in its history.
// Exactly one of Request or WorkOrder is set.
type Snapshot struct {
	Request   *RepairRequest `json:"repair_request,omitempty"`
	WorkOrder *WorkOrder     `json:"work_order,omitempty"`
}

func (s Snapshot) Ref() EntityRef {
	switch {
	case s.Request != nil:
		return s.Request.Ref()
	case s.WorkOrder != nil:
		return s.WorkOrder.Ref()
	}
	return EntityRef{}
}

func (s Snapshot) Entity() Entity {
	switch {
	case s.Request != nil:
		return *s.Request
	case s.WorkOrder != nil:
		return *s.WorkOrder
	}
	return nil
}

func (s Snapshot) UpdatedAt() time.Time {
	switch {
	case s.Request != nil:
		return s.Request.UpdatedAt
	case s.WorkOrder != nil:
		return s.WorkOrder.UpdatedAt
	}
	return time.Time{}
}

// Hash returns the current pointer for field on whichever entity the snapshot holds.
func (s Snapshot) Hash(field ContentField) (string, bool) {
	switch {
	case s.Request != nil:
		return s.Request.Hash(field)
	case s.WorkOrder != nil:
		return s.WorkOrder.Hash(field)
	}
	return "", false
}

// Validate rejects snapshots that could not have come from the ledger.
func (s Snapshot) Validate() error {
	switch {
	case s.Request != nil && s.WorkOrder != nil:
		return Errorf(CodeInvalidInput, "snapshot holds two entities")
	case s.Request != nil:
		r := s.Request
		if r.ID == 0 || !r.Status.Valid() || r.DescriptionHash == "" {
			return Errorf(CodeInvalidInput, "malformed repair request snapshot")
		}
		if r.UpdatedAt.Before(r.CreatedAt) {
			return Errorf(CodeInvalidInput, "repair request %d updated before created", r.ID)
		}
	case s.WorkOrder != nil:
		w := s.WorkOrder
		if w.ID == 0 || !w.Status.Valid() || w.RepairRequestID == 0 {
			return Errorf(CodeInvalidInput, "malformed work order snapshot")
		}
		if w.UpdatedAt.Before(w.CreatedAt) {
			return Errorf(CodeInvalidInput, "work order %d updated before created", w.ID)
		}
	default:
		return Errorf(CodeInvalidInput, "empty snapshot")
	}
	return nil
}

// Provisional marks a projection value the ledger has not confirmed yet.
type Provisional struct {
	Status RequestStatus `json:"status"`
	Action string        `json:"action"`
	At     time.Time     `json:"at" format:"date-time"`
}

// ProjectedRequest is the projection's view of a repair request.
type ProjectedRequest struct {
	RepairRequest
	RecordID    string       `json:"record_id"`
	Provisional *Provisional `json:"provisional,omitempty"`
}

// DisplayStatus is what readers should render: the provisional value when one is pending.
func (p ProjectedRequest) DisplayStatus() RequestStatus {
	if p.Provisional != nil {
		return p.Provisional.Status
	}
	return p.Status
}

type ProjectedWorkOrder struct {
	WorkOrder
	RecordID string `json:"record_id"`
}

// LedgerEvent is one entry of the ledger's append-only history.
type LedgerEvent struct {
	Seq       uint64       `json:"seq"`
	Type      string       `json:"type"`
	Ref       EntityRef    `json:"ref"`
	Actor     string       `json:"actor"`
	OldStatus string       `json:"old_status,omitempty"`
	NewStatus string       `json:"new_status,omitempty"`
	Field     ContentField `json:"field,omitempty"`
	OldHash   string       `json:"old_hash,omitempty"`
	NewHash   string       `json:"new_hash,omitempty"`
	Timestamp time.Time    `json:"timestamp" format:"date-time"`
}

const (
	LedgerEventCreated        = "created"
	LedgerEventStatusChanged  = "status_changed"
	LedgerEventContentUpdated = "content_updated"
)

// AuditReceipt proves one hash overwrite.
type AuditReceipt struct {
	Ref       EntityRef    `json:"ref"`
	Field     ContentField `json:"field"`
	OldHash   string       `json:"old_hash"`
	NewHash   string       `json:"new_hash"`
	Timestamp time.Time    `json:"timestamp" format:"date-time"`
	Seq       uint64       `json:"seq"`
}

// Event is a projection-side log entry, relayed to subscribers.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Identity  string `json:"identity"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Property struct {
	ID       string `json:"id" yaml:"-"`
	Landlord string `json:"landlord" yaml:"landlord"`
	Address  string `json:"address,omitempty" yaml:"address"`
}
