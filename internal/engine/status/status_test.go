package status

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repairline/internal/domain"
)

var roles = []domain.Role{domain.RoleInitiator, domain.RolePropertyOwner, domain.RoleCounterparty, domain.RoleNone}

func TestCheckExhaustive(t *testing.T) {
	want := map[[2]domain.RequestStatus]bool{
		{domain.StatusPending, domain.StatusInProgress}:   true,
		{domain.StatusPending, domain.StatusRejected}:     true,
		{domain.StatusPending, domain.StatusCancelled}:    true,
		{domain.StatusInProgress, domain.StatusCompleted}: true,
		{domain.StatusCompleted, domain.StatusAccepted}:   true,
		{domain.StatusCompleted, domain.StatusRefused}:    true,
	}
	allowed := 0
	for _, from := range domain.RequestStatuses() {
		for _, to := range domain.RequestStatuses() {
			err := Check(from, to)
			switch {
			case err == nil:
				allowed++
				assert.True(t, want[[2]domain.RequestStatus{from, to}], "%s -> %s unexpectedly allowed", from, to)
			case from.IsTerminal():
				assert.True(t, errors.Is(err, domain.ErrImmutableState), "%s -> %s: %v", from, to, err)
			default:
				assert.True(t, errors.Is(err, domain.ErrInvalidTransition), "%s -> %s: %v", from, to, err)
				assert.False(t, want[[2]domain.RequestStatus{from, to}])
			}
		}
	}
	assert.Equal(t, len(want), allowed)
}

func TestTerminalNeverAllowed(t *testing.T) {
	for _, from := range domain.RequestStatuses() {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range domain.RequestStatuses() {
			for _, role := range roles {
				err := TransitionAllowed(from, to, role)
				require.Error(t, err)
				assert.True(t, errors.Is(err, domain.ErrImmutableState))
			}
		}
	}
}

func TestNoOpIsInvalidTransition(t *testing.T) {
	err := TransitionAllowed(domain.StatusPending, domain.StatusPending, domain.RolePropertyOwner)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	err = TransitionAllowed(domain.StatusInProgress, domain.StatusInProgress, domain.RolePropertyOwner)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}

func TestNoneRoleUnauthorizedOnOpenRequests(t *testing.T) {
	for _, to := range domain.RequestStatuses() {
		err := TransitionAllowed(domain.StatusPending, to, domain.RoleNone)
		assert.True(t, errors.Is(err, domain.ErrUnauthorized), to)
	}
}

func TestRoleEnforcement(t *testing.T) {
	for _, from := range domain.RequestStatuses() {
		for _, to := range Targets(from) {
			required, ok := requiredRole(from, to)
			require.True(t, ok)
			for _, role := range roles {
				err := TransitionAllowed(from, to, role)
				if role == required {
					assert.NoError(t, err, "%s -> %s as %s", from, to, role)
					continue
				}
				assert.True(t, errors.Is(err, domain.ErrUnauthorized), "%s -> %s as %s: %v", from, to, role, err)
			}
		}
	}
}

func TestLifecycleScenario(t *testing.T) {
	cur := domain.StatusPending
	require.NoError(t, TransitionAllowed(cur, domain.StatusInProgress, domain.RolePropertyOwner))
	cur = domain.StatusInProgress
	assert.True(t, errors.Is(TransitionAllowed(cur, domain.StatusInProgress, domain.RoleInitiator), domain.ErrUnauthorized))
	assert.True(t, errors.Is(TransitionAllowed(cur, domain.StatusCompleted, domain.RoleInitiator), domain.ErrUnauthorized))
	require.NoError(t, TransitionAllowed(cur, domain.StatusCompleted, domain.RolePropertyOwner))
	cur = domain.StatusCompleted
	require.NoError(t, TransitionAllowed(cur, domain.StatusAccepted, domain.RoleInitiator))
	cur = domain.StatusAccepted
	assert.True(t, errors.Is(TransitionAllowed(cur, domain.StatusInProgress, domain.RolePropertyOwner), domain.ErrImmutableState))
}

func TestTargetRole(t *testing.T) {
	cases := map[domain.RequestStatus]domain.Role{
		domain.StatusInProgress: domain.RolePropertyOwner,
		domain.StatusCompleted:  domain.RolePropertyOwner,
		domain.StatusRejected:   domain.RolePropertyOwner,
		domain.StatusCancelled:  domain.RoleInitiator,
		domain.StatusAccepted:   domain.RoleInitiator,
		domain.StatusRefused:    domain.RoleInitiator,
	}
	for to, want := range cases {
		got, ok := TargetRole(to)
		assert.True(t, ok)
		assert.Equal(t, want, got, to)
	}
	_, ok := TargetRole(domain.StatusPending)
	assert.False(t, ok)
}

func TestWorkOrderTransitions(t *testing.T) {
	assert.NoError(t, WorkOrderTransitionAllowed(domain.WorkOrderDraft, domain.WorkOrderSigned, domain.RolePropertyOwner))
	assert.NoError(t, WorkOrderTransitionAllowed(domain.WorkOrderDraft, domain.WorkOrderSigned, domain.RoleCounterparty))
	assert.True(t, errors.Is(WorkOrderTransitionAllowed(domain.WorkOrderDraft, domain.WorkOrderSigned, domain.RoleNone), domain.ErrUnauthorized))
	assert.True(t, errors.Is(WorkOrderTransitionAllowed(domain.WorkOrderSigned, domain.WorkOrderSigned, domain.RoleCounterparty), domain.ErrInvalidTransition))
	assert.True(t, errors.Is(WorkOrderTransitionAllowed(domain.WorkOrderSigned, domain.WorkOrderDraft, domain.RolePropertyOwner), domain.ErrInvalidTransition))
	assert.True(t, errors.Is(WorkOrderTransitionAllowed(domain.WorkOrderDraft, "COMPLETED", domain.RolePropertyOwner), domain.ErrInvalidTransition))
	assert.True(t, errors.Is(WorkOrderTransitionAllowed(domain.WorkOrderSigned, domain.WorkOrderSigned, domain.RoleNone), domain.ErrUnauthorized))
}
