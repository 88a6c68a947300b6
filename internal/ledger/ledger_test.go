package ledger

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repairline/internal/domain"
)

const (
	tenant     = "tenant@example.com"
	landlord   = "landlord@example.com"
	contractor = "fixit@example.com"
)

func hash(c byte) string { return strings.Repeat(string(c), 64) }

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	// frozen clock: ordering comes from the ledger's own monotonic stamp
	l.Now = func() time.Time { return base }
	return l
}

func createRequest(t *testing.T, l *Ledger) domain.RepairRequest {
	t.Helper()
	snap, err := l.CreateRequest(context.Background(), NewRequest{
		Actor:           tenant,
		PropertyID:      "prop-1",
		Landlord:        landlord,
		Urgency:         domain.UrgencyHigh,
		DescriptionHash: hash('a'),
	})
	require.NoError(t, err)
	return *snap.Request
}

func move(l *Ledger, actor string, ref domain.EntityRef, next domain.RequestStatus) error {
	_, err := l.UpdateStatus(context.Background(), StatusChange{Ref: ref, Actor: actor, Next: string(next)})
	return err
}

func TestCreateRequestAssignsSequentialIDs(t *testing.T) {
	l := newTestLedger(t)
	a := createRequest(t, l)
	b := createRequest(t, l)
	assert.Equal(t, uint64(1), a.ID)
	assert.Equal(t, uint64(2), b.ID)
	assert.Equal(t, domain.StatusPending, a.Status)
	assert.Equal(t, a.CreatedAt, a.UpdatedAt)

	refs, err := l.Refs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.EntityRef{domain.RequestRef(1), domain.RequestRef(2)}, refs)
}

func TestCreateRequestValidation(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.CreateRequest(context.Background(), NewRequest{Actor: landlord, Landlord: "LANDLORD@example.com", Urgency: domain.UrgencyLow, DescriptionHash: hash('a')})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	_, err = l.CreateRequest(context.Background(), NewRequest{Actor: tenant, Landlord: landlord, Urgency: "URGENT", DescriptionHash: hash('a')})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestLifecycleThroughContract(t *testing.T) {
	l := newTestLedger(t)
	ref := createRequest(t, l).Ref()

	require.NoError(t, move(l, landlord, ref, domain.StatusInProgress))
	assert.True(t, errors.Is(move(l, tenant, ref, domain.StatusInProgress), domain.ErrUnauthorized))
	assert.True(t, errors.Is(move(l, landlord, ref, domain.StatusInProgress), domain.ErrInvalidTransition))
	assert.True(t, errors.Is(move(l, tenant, ref, domain.StatusCompleted), domain.ErrUnauthorized))
	require.NoError(t, move(l, landlord, ref, domain.StatusCompleted))
	require.NoError(t, move(l, tenant, ref, domain.StatusAccepted))
	assert.True(t, errors.Is(move(l, landlord, ref, domain.StatusInProgress), domain.ErrImmutableState))

	snap, err := l.Get(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, snap.Request.Status)

	evs, err := l.Events(context.Background(), ref)
	require.NoError(t, err)
	require.Len(t, evs, 4)
	assert.Equal(t, domain.LedgerEventCreated, evs[0].Type)
	assert.Equal(t, "COMPLETED", evs[3].OldStatus)
	assert.Equal(t, "ACCEPTED", evs[3].NewStatus)
	for i := 1; i < len(evs); i++ {
		assert.True(t, evs[i].Timestamp.After(evs[i-1].Timestamp))
		assert.Greater(t, evs[i].Seq, evs[i-1].Seq)
	}
}

func TestUpdatedAtChangesOnlyOnWrites(t *testing.T) {
	l := newTestLedger(t)
	rr := createRequest(t, l)
	ref := rr.Ref()
	prev := rr.UpdatedAt

	// rejected writes leave the record untouched
	require.Error(t, move(l, tenant, ref, domain.StatusInProgress))
	snap, err := l.Get(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, prev, snap.Request.UpdatedAt)

	require.NoError(t, move(l, landlord, ref, domain.StatusInProgress))
	snap, err = l.Get(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, snap.Request.UpdatedAt.After(prev))
	prev = snap.Request.UpdatedAt

	_, _, err = l.UpdateContentHash(context.Background(), ContentChange{Ref: ref, Actor: landlord, Field: domain.FieldWorkDetails, NewHash: hash('e')})
	require.NoError(t, err)
	snap, err = l.Get(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, snap.Request.UpdatedAt.After(prev))
	assert.False(t, snap.Request.UpdatedAt.Before(snap.Request.CreatedAt))
}

func TestExpectedStatusPrecondition(t *testing.T) {
	l := newTestLedger(t)
	ref := createRequest(t, l).Ref()
	_, err := l.UpdateStatus(context.Background(), StatusChange{Ref: ref, Actor: landlord, Expected: "IN_PROGRESS", Next: "COMPLETED"})
	assert.True(t, errors.Is(err, domain.ErrPreconditionFailed))
	_, err = l.UpdateStatus(context.Background(), StatusChange{Ref: ref, Actor: landlord, Expected: "PENDING", Next: "IN_PROGRESS"})
	assert.NoError(t, err)
}

func TestContentHashUpdate(t *testing.T) {
	l := newTestLedger(t)
	ref := createRequest(t, l).Ref()

	_, receipt, err := l.UpdateContentHash(context.Background(), ContentChange{Ref: ref, Actor: tenant, Field: domain.FieldDescription, NewHash: hash('b'), ExpectedHash: hash('a'), CheckExpected: true})
	require.NoError(t, err)
	assert.Equal(t, hash('a'), receipt.OldHash)
	assert.Equal(t, hash('b'), receipt.NewHash)

	_, _, err = l.UpdateContentHash(context.Background(), ContentChange{Ref: ref, Actor: tenant, Field: domain.FieldDescription, NewHash: hash('c'), ExpectedHash: hash('a'), CheckExpected: true})
	assert.True(t, errors.Is(err, domain.ErrConflict))

	_, _, err = l.UpdateContentHash(context.Background(), ContentChange{Ref: ref, Actor: landlord, Field: domain.FieldDescription, NewHash: hash('c')})
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))

	_, _, err = l.UpdateContentHash(context.Background(), ContentChange{Ref: ref, Actor: tenant, Field: domain.FieldDescription, NewHash: hash('b')})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestContentUpdateOnMissingWorkOrder(t *testing.T) {
	l := newTestLedger(t)
	_, _, err := l.UpdateContentHash(context.Background(), ContentChange{Ref: domain.WorkOrderRef(999), Actor: landlord, Field: domain.FieldDescription, NewHash: hash('f')})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Equal(t, "Work order does not exist", err.Error())
}

func TestTerminalFreezesContent(t *testing.T) {
	l := newTestLedger(t)
	ref := createRequest(t, l).Ref()
	require.NoError(t, move(l, tenant, ref, domain.StatusCancelled))
	_, _, err := l.UpdateContentHash(context.Background(), ContentChange{Ref: ref, Actor: tenant, Field: domain.FieldDescription, NewHash: hash('d')})
	assert.True(t, errors.Is(err, domain.ErrImmutableState))
}

func TestWorkOrdersAreIndependent(t *testing.T) {
	l := newTestLedger(t)
	rr := createRequest(t, l)
	ctx := context.Background()

	a, err := l.CreateWorkOrder(ctx, NewWorkOrder{Actor: landlord, RepairRequestID: rr.ID, Contractor: contractor, AgreedPrice: 12000, DescriptionHash: hash('1')})
	require.NoError(t, err)
	b, err := l.CreateWorkOrder(ctx, NewWorkOrder{Actor: landlord, RepairRequestID: rr.ID, Contractor: "other@example.com", AgreedPrice: 500, DescriptionHash: hash('2')})
	require.NoError(t, err)
	assert.NotEqual(t, a.WorkOrder.ID, b.WorkOrder.ID)

	_, _, err = l.UpdateContentHash(ctx, ContentChange{Ref: a.Ref(), Actor: contractor, Field: domain.FieldDescription, NewHash: hash('3')})
	require.NoError(t, err)

	gotA, err := l.Get(ctx, a.Ref())
	require.NoError(t, err)
	gotB, err := l.Get(ctx, b.Ref())
	require.NoError(t, err)
	assert.Equal(t, hash('3'), gotA.WorkOrder.DescriptionHash)
	assert.Equal(t, uint64(12000), gotA.WorkOrder.AgreedPrice)
	assert.Equal(t, hash('2'), gotB.WorkOrder.DescriptionHash)
	assert.Equal(t, uint64(500), gotB.WorkOrder.AgreedPrice)

	gotRR, err := l.Get(ctx, rr.Ref())
	require.NoError(t, err)
	assert.Equal(t, hash('a'), gotRR.Request.DescriptionHash)
}

func TestCreateWorkOrderRules(t *testing.T) {
	l := newTestLedger(t)
	rr := createRequest(t, l)
	ctx := context.Background()

	_, err := l.CreateWorkOrder(ctx, NewWorkOrder{Actor: tenant, RepairRequestID: rr.ID, Contractor: contractor, DescriptionHash: hash('1')})
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))
	_, err = l.CreateWorkOrder(ctx, NewWorkOrder{Actor: landlord, RepairRequestID: rr.ID, Contractor: landlord, DescriptionHash: hash('1')})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	_, err = l.CreateWorkOrder(ctx, NewWorkOrder{Actor: landlord, RepairRequestID: 77, Contractor: contractor, DescriptionHash: hash('1')})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestSignWorkOrder(t *testing.T) {
	l := newTestLedger(t)
	rr := createRequest(t, l)
	ctx := context.Background()
	wo, err := l.CreateWorkOrder(ctx, NewWorkOrder{Actor: landlord, RepairRequestID: rr.ID, Contractor: contractor, AgreedPrice: 1, DescriptionHash: hash('1')})
	require.NoError(t, err)

	_, err = l.UpdateStatus(ctx, StatusChange{Ref: wo.Ref(), Actor: tenant, Next: "SIGNED"})
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))
	snap, err := l.UpdateStatus(ctx, StatusChange{Ref: wo.Ref(), Actor: contractor, Next: "SIGNED"})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkOrderSigned, snap.WorkOrder.Status)
	_, err = l.UpdateStatus(ctx, StatusChange{Ref: wo.Ref(), Actor: landlord, Next: "SIGNED"})
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}

func TestLogPaging(t *testing.T) {
	l := newTestLedger(t)
	createRequest(t, l)
	createRequest(t, l)
	createRequest(t, l)
	evs, err := l.Log(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(2), evs[0].Seq)
	assert.Equal(t, uint64(3), evs[1].Seq)
}

func TestClosedLedgerIsUnavailable(t *testing.T) {
	l, err := OpenMemory()
	require.NoError(t, err)
	ref := createRequest(t, l).Ref()
	require.NoError(t, l.Close())
	_, err = l.Get(context.Background(), ref)
	assert.True(t, errors.Is(err, domain.ErrLedgerUnavailable))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l2 := newTestLedger(t)
	_, err = l2.Get(ctx, ref)
	assert.True(t, errors.Is(err, domain.ErrLedgerUnavailable))
}
