package auth

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"repairline/internal/domain"
	"repairline/internal/engine/status"
)

// Action is something an actor asks to do to an entity: a status transition
// or an overwrite of a content field.
type Action struct {
	Kind   domain.EntityKind
	Status string
	Field  domain.ContentField
}

func StatusAction(to domain.RequestStatus) Action {
	return Action{Kind: domain.KindRepairRequest, Status: string(to)}
}

// DraftAction is the creation of a work order against a repair request.
func DraftAction() Action {
	return Action{Kind: domain.KindWorkOrder, Status: string(domain.WorkOrderDraft)}
}

func SignAction() Action {
	return Action{Kind: domain.KindWorkOrder, Status: string(domain.WorkOrderSigned)}
}

func ContentAction(kind domain.EntityKind, field domain.ContentField) Action {
	return Action{Kind: kind, Field: field}
}

func (a Action) String() string {
	if a.Field != "" {
		return fmt.Sprintf("update %s %s", a.Kind, a.Field)
	}
	return fmt.Sprintf("move %s to %s", a.Kind, a.Status)
}

// UnauthorizedError indicates the resolved role may not perform the action.
type UnauthorizedError struct {
	Identity string
	Role     domain.Role
	Action   Action
}

func (e UnauthorizedError) Error() string {
	if e.Role == domain.RoleNone {
		return fmt.Sprintf("%s is not a party to this entity", displayIdentity(e.Identity))
	}
	return fmt.Sprintf("role %s may not %s", e.Role, e.Action)
}

func (e UnauthorizedError) Is(target error) bool {
	return target == domain.ErrUnauthorized
}

func displayIdentity(id string) string {
	if id == "" {
		return "anonymous caller"
	}
	return id
}

var folder = cases.Fold()

// Canonical normalizes an identity for comparison: trimmed, NFKC, case-folded.
func Canonical(identity string) string {
	return folder.String(norm.NFKC.String(strings.TrimSpace(identity)))
}

// Same reports whether two identities name the same actor.
func Same(a, b string) bool {
	ca := Canonical(a)
	return ca != "" && ca == Canonical(b)
}

// ResolveRole returns the first role whose party identity matches.
func ResolveRole(identity string, entity domain.Entity) domain.Role {
	if entity == nil {
		return domain.RoleNone
	}
	id := Canonical(identity)
	if id == "" {
		return domain.RoleNone
	}
	for _, p := range entity.Parties() {
		if Canonical(p.Identity) == id {
			return p.Role
		}
	}
	return domain.RoleNone
}

// allowed lists the roles that own each action, independent of current state.
func allowed(a Action) []domain.Role {
	if a.Field != "" {
		switch {
		case a.Kind == domain.KindRepairRequest && a.Field == domain.FieldDescription:
			return []domain.Role{domain.RoleInitiator}
		case a.Kind == domain.KindRepairRequest && a.Field == domain.FieldWorkDetails:
			return []domain.Role{domain.RolePropertyOwner}
		case a.Kind == domain.KindWorkOrder && a.Field == domain.FieldDescription:
			return []domain.Role{domain.RolePropertyOwner, domain.RoleCounterparty}
		}
		return nil
	}
	switch a.Kind {
	case domain.KindRepairRequest:
		if role, ok := status.TargetRole(domain.RequestStatus(a.Status)); ok {
			return []domain.Role{role}
		}
	case domain.KindWorkOrder:
		switch domain.WorkOrderStatus(a.Status) {
		case domain.WorkOrderDraft:
			return []domain.Role{domain.RolePropertyOwner}
		case domain.WorkOrderSigned:
			return []domain.Role{domain.RolePropertyOwner, domain.RoleCounterparty}
		}
	}
	return nil
}

// Authorize checks role and action jointly. Actions with no owner are
// left for the status machine to reject as invalid.
func Authorize(role domain.Role, action Action) error {
	if role == domain.RoleNone {
		return UnauthorizedError{Role: role, Action: action}
	}
	owners := allowed(action)
	if owners == nil {
		return nil
	}
	for _, r := range owners {
		if r == role {
			return nil
		}
	}
	return UnauthorizedError{Role: role, Action: action}
}

// Gate resolves and authorizes in one step.
func Gate(identity string, entity domain.Entity, action Action) (domain.Role, error) {
	role := ResolveRole(identity, entity)
	if err := Authorize(role, action); err != nil {
		ue := err.(UnauthorizedError)
		ue.Identity = identity
		return role, ue
	}
	return role, nil
}
