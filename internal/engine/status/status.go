// Package status holds the transition rules for repair requests and work orders.
// It performs no I/O; every function is safe for concurrent use.
package status

import (
	"repairline/internal/domain"
)

type edge struct {
	from domain.RequestStatus
	to   domain.RequestStatus
}

// requestTable is the complete set of legal repair request transitions and who may request them.
var requestTable = map[edge]domain.Role{
	{domain.StatusPending, domain.StatusInProgress}:   domain.RolePropertyOwner,
	{domain.StatusPending, domain.StatusRejected}:     domain.RolePropertyOwner,
	{domain.StatusPending, domain.StatusCancelled}:    domain.RoleInitiator,
	{domain.StatusInProgress, domain.StatusCompleted}: domain.RolePropertyOwner,
	{domain.StatusCompleted, domain.StatusAccepted}:   domain.RoleInitiator,
	{domain.StatusCompleted, domain.StatusRefused}:    domain.RoleInitiator,
}

// Check decides legality only: ImmutableState for terminal sources, InvalidTransition
// for anything outside the table (including no-op requests), nil otherwise.
func Check(current, requested domain.RequestStatus) error {
	if current.IsTerminal() {
		return domain.Errorf(domain.CodeImmutableState, "repair request is %s and can no longer change", current)
	}
	if _, ok := requestTable[edge{current, requested}]; !ok {
		return domain.Errorf(domain.CodeInvalidTransition, "invalid status transition %s -> %s", current, requested)
	}
	return nil
}

// requiredRole returns the role allowed to request current -> requested.
func requiredRole(current, requested domain.RequestStatus) (domain.Role, bool) {
	role, ok := requestTable[edge{current, requested}]
	return role, ok
}

// TransitionAllowed checks terminality, then the actor's role, then the table.
// Each target status has exactly one owning role, so the role check does not
// depend on the source status.
func TransitionAllowed(current, requested domain.RequestStatus, role domain.Role) error {
	if current.IsTerminal() {
		return Check(current, requested)
	}
	if role == domain.RoleNone {
		return domain.Errorf(domain.CodeUnauthorized, "caller is not a party to this repair request")
	}
	if owner, ok := TargetRole(requested); ok && role != owner {
		return domain.Errorf(domain.CodeUnauthorized, "only the %s may move a repair request to %s", label(owner), requested)
	}
	return Check(current, requested)
}

// Targets lists the statuses reachable from current, in lifecycle order.
func Targets(current domain.RequestStatus) []domain.RequestStatus {
	var out []domain.RequestStatus
	for _, s := range domain.RequestStatuses() {
		if _, ok := requestTable[edge{current, s}]; ok {
			out = append(out, s)
		}
	}
	return out
}

// TargetRole is the role owning transitions into requested, independent of the source.
// Every target in the table has exactly one owner.
func TargetRole(requested domain.RequestStatus) (domain.Role, bool) {
	for e, role := range requestTable {
		if e.to == requested {
			return role, true
		}
	}
	return domain.RoleNone, false
}

// WorkOrderTransitionAllowed applies the work order table: DRAFT -> SIGNED by
// either party. Non-parties are rejected before legality is considered.
func WorkOrderTransitionAllowed(current, requested domain.WorkOrderStatus, role domain.Role) error {
	if role != domain.RolePropertyOwner && role != domain.RoleCounterparty {
		return domain.Errorf(domain.CodeUnauthorized, "only a party to the work order may sign it")
	}
	if current != domain.WorkOrderDraft || requested != domain.WorkOrderSigned {
		return domain.Errorf(domain.CodeInvalidTransition, "invalid work order transition %s -> %s", current, requested)
	}
	return nil
}

func label(r domain.Role) string {
	switch r {
	case domain.RoleInitiator:
		return "tenant"
	case domain.RolePropertyOwner:
		return "landlord"
	case domain.RoleCounterparty:
		return "contractor"
	}
	return string(r)
}
