package engine_test

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repairline/internal/config"
	"repairline/internal/db"
	"repairline/internal/domain"
	"repairline/internal/engine"
	"repairline/internal/events"
	"repairline/internal/gateway"
	"repairline/internal/ledger"
	"repairline/internal/migrate"
	"repairline/internal/repo"
)

const (
	tenant   = "tenant@example.com"
	landlord = "landlord@example.com"
	fixit    = "fixit@example.com"
	stranger = "stranger@example.com"
)

// flakyContract fails status updates while failStatus is set.
type flakyContract struct {
	*ledger.Ledger
	failStatus atomic.Bool
}

func (c *flakyContract) UpdateStatus(ctx context.Context, ch ledger.StatusChange) (domain.Snapshot, error) {
	if c.failStatus.Load() {
		return domain.Snapshot{}, errors.New("node unreachable")
	}
	return c.Ledger.UpdateStatus(ctx, ch)
}

type testEnv struct {
	Engine   engine.Engine
	Ledger   *ledger.Ledger
	Contract *flakyContract
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "projection.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))

	l, err := ledger.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	l.Logger = log.New(io.Discard, "", 0)
	contract := &flakyContract{Ledger: l}

	cfg := config.Default()
	cfg.Props["flat-12"] = config.PropertyConfig{Landlord: landlord, Address: "12 Quay Street"}
	gw := gateway.New(contract, time.Second, gateway.BusyReject)
	eng := engine.New(conn, cfg, gw)
	eng.Logger = log.New(io.Discard, "", 0)
	return testEnv{Engine: eng, Ledger: l, Contract: contract, Ctx: context.Background()}
}

func (env testEnv) open(t *testing.T) domain.ProjectedRequest {
	t.Helper()
	rr, err := env.Engine.CreateRepairRequest(env.Ctx, engine.CreateRequestOptions{
		Actor:       tenant,
		PropertyID:  "flat-12",
		Urgency:     domain.UrgencyHigh,
		Description: "boiler makes a knocking noise",
	})
	require.NoError(t, err)
	return rr
}

func TestCreateRepairRequest(t *testing.T) {
	env := newTestEnv(t)
	var created []domain.EntityRef
	env.Engine.OnCreate = func(ref domain.EntityRef) { created = append(created, ref) }

	rr := env.open(t)
	assert.Equal(t, uint64(1), rr.ID)
	assert.Equal(t, domain.StatusPending, rr.Status)
	assert.Equal(t, landlord, rr.Landlord)
	assert.Equal(t, tenant, rr.Initiator)
	assert.NotEmpty(t, rr.RecordID)
	assert.Equal(t, []domain.EntityRef{domain.RequestRef(1)}, created)

	body, err := env.Engine.Content(env.Ctx, rr.DescriptionHash)
	require.NoError(t, err)
	assert.Equal(t, "boiler makes a knocking noise", body)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{EntityKind: "repair_request", EntityID: "1"})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, events.RequestCreated, evts[0].Type)
}

func TestCreateRepairRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateRepairRequest(env.Ctx, engine.CreateRequestOptions{Actor: tenant, PropertyID: "flat-12", Description: "  "})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	_, err = env.Engine.CreateRepairRequest(env.Ctx, engine.CreateRequestOptions{Actor: tenant, PropertyID: "nowhere", Description: "x"})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = env.Engine.CreateRepairRequest(env.Ctx, engine.CreateRequestOptions{Actor: landlord, PropertyID: "flat-12", Description: "x"})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestLifecycleScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.Ctx
	rr := env.open(t)

	got, err := env.Engine.UpdateStatus(ctx, rr.ID, landlord, domain.StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)

	_, err = env.Engine.UpdateStatus(ctx, rr.ID, tenant, domain.StatusInProgress)
	assert.True(t, errors.Is(err, domain.ErrUnauthorized), "got %v", err)

	got, err = env.Engine.UpdateStatus(ctx, rr.ID, landlord, domain.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)

	got, err = env.Engine.ApproveWork(ctx, rr.ID, tenant, true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, got.Status)

	_, err = env.Engine.UpdateStatus(ctx, rr.ID, landlord, domain.StatusInProgress)
	assert.True(t, errors.Is(err, domain.ErrImmutableState), "got %v", err)

	hist, err := env.Engine.History(ctx, domain.RequestRef(rr.ID))
	require.NoError(t, err)
	require.Len(t, hist, 4)
	for i := 1; i < len(hist); i++ {
		assert.False(t, hist[i].Timestamp.Before(hist[i-1].Timestamp))
	}
	assert.Equal(t, "COMPLETED", hist[3].OldStatus)
	assert.Equal(t, "ACCEPTED", hist[3].NewStatus)
}

func TestApproveRules(t *testing.T) {
	env := newTestEnv(t)
	rr := env.open(t)

	_, err := env.Engine.ApproveWork(env.Ctx, rr.ID, tenant, true)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	assert.Contains(t, err.Error(), "only COMPLETED")

	_, err = env.Engine.UpdateStatus(env.Ctx, rr.ID, landlord, domain.StatusInProgress)
	require.NoError(t, err)
	_, err = env.Engine.UpdateStatus(env.Ctx, rr.ID, landlord, domain.StatusCompleted)
	require.NoError(t, err)

	_, err = env.Engine.ApproveWork(env.Ctx, rr.ID, landlord, true)
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))
	_, err = env.Engine.ApproveWork(env.Ctx, rr.ID, stranger, false)
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))

	got, err := env.Engine.ApproveWork(env.Ctx, rr.ID, "  TENANT@example.com ", false)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefused, got.Status)
}

func TestUpdateStatusRejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t)
	rr := env.open(t)
	_, err := env.Engine.UpdateStatus(env.Ctx, rr.ID, landlord, "DONE")
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	_, err = env.Engine.UpdateStatus(env.Ctx, rr.ID, landlord, domain.StatusCompleted)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	_, err = env.Engine.UpdateStatus(env.Ctx, 42, landlord, domain.StatusInProgress)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestWithdrawIsProvisionalUntilConfirmed(t *testing.T) {
	env := newTestEnv(t)
	rr := env.open(t)

	_, err := env.Engine.Withdraw(env.Ctx, rr.ID, landlord)
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))

	got, err := env.Engine.Withdraw(env.Ctx, rr.ID, tenant)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.DisplayStatus())
	env.Engine.Wait()

	got, err = env.Engine.GetRequest(env.Ctx, rr.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Provisional)
	assert.Equal(t, domain.StatusCancelled, got.Status)

	snap, err := env.Ledger.Get(env.Ctx, domain.RequestRef(rr.ID))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, snap.Request.Status)
}

func TestWithdrawRollsBackOnLedgerFailure(t *testing.T) {
	env := newTestEnv(t)
	rr := env.open(t)
	env.Contract.failStatus.Store(true)

	got, err := env.Engine.Withdraw(env.Ctx, rr.ID, tenant)
	require.NoError(t, err)
	require.NotNil(t, got.Provisional)
	env.Engine.Wait()

	got, err = env.Engine.GetRequest(env.Ctx, rr.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Provisional)
	assert.Equal(t, domain.StatusPending, got.DisplayStatus())

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: events.RequestWithdrawFailed})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Contains(t, evts[0].Payload, "ledger_unavailable")
}

func TestWithdrawOnlyWhilePending(t *testing.T) {
	env := newTestEnv(t)
	rr := env.open(t)
	_, err := env.Engine.UpdateStatus(env.Ctx, rr.ID, landlord, domain.StatusInProgress)
	require.NoError(t, err)
	_, err = env.Engine.Withdraw(env.Ctx, rr.ID, tenant)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}

func TestWorkDetailsAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	rr := env.open(t)

	_, _, err := env.Engine.UpdateWorkDetails(env.Ctx, rr.ID, engine.ContentOptions{Actor: tenant, Text: "replace valve"})
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))

	got, first, err := env.Engine.UpdateWorkDetails(env.Ctx, rr.ID, engine.ContentOptions{Actor: landlord, Text: "replace valve"})
	require.NoError(t, err)
	assert.Empty(t, first.OldHash)
	assert.Equal(t, first.NewHash, got.WorkDetailsHash)

	_, second, err := env.Engine.UpdateWorkDetails(env.Ctx, rr.ID, engine.ContentOptions{Actor: landlord, Text: "replace valve and flush"})
	require.NoError(t, err)
	assert.Equal(t, first.NewHash, second.OldHash)

	stale := "0000000000000000000000000000000000000000000000000000000000000000"
	_, _, err = env.Engine.UpdateWorkDetails(env.Ctx, rr.ID, engine.ContentOptions{Actor: landlord, Text: "third", Base: &stale})
	assert.True(t, errors.Is(err, domain.ErrConflict))

	receipts, err := env.Engine.ContentHistory(env.Ctx, domain.RequestRef(rr.ID), domain.FieldWorkDetails)
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	body, err := env.Engine.Content(env.Ctx, second.NewHash)
	require.NoError(t, err)
	assert.Equal(t, "replace valve and flush", body)
}

func TestDescriptionOwnedByInitiator(t *testing.T) {
	env := newTestEnv(t)
	rr := env.open(t)
	_, _, err := env.Engine.UpdateDescription(env.Ctx, rr.ID, engine.ContentOptions{Actor: landlord, Text: "x"})
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))
	got, receipt, err := env.Engine.UpdateDescription(env.Ctx, rr.ID, engine.ContentOptions{Actor: tenant, Text: "boiler knocks, and leaks"})
	require.NoError(t, err)
	assert.Equal(t, rr.DescriptionHash, receipt.OldHash)
	assert.Equal(t, receipt.NewHash, got.DescriptionHash)
}

func TestMissingWorkOrderDescription(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.UpdateWorkOrderDescription(env.Ctx, 999, engine.ContentOptions{Actor: landlord, Text: "anything"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Equal(t, "Work order does not exist", err.Error())

	list, err := env.Engine.Repo.ListWorkOrders(env.Ctx, repo.WorkOrderFilters{})
	require.NoError(t, err)
	assert.Empty(t, list)
	latest, err := env.Engine.Repo.LatestEventID(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, latest)
}

func TestWorkOrdersAreIndependent(t *testing.T) {
	env := newTestEnv(t)
	rr := env.open(t)

	_, err := env.Engine.CreateWorkOrder(env.Ctx, engine.WorkOrderOptions{Actor: tenant, RepairRequestID: rr.ID, Contractor: fixit, AgreedPrice: 100, Description: "a"})
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))

	a, err := env.Engine.CreateWorkOrder(env.Ctx, engine.WorkOrderOptions{Actor: landlord, RepairRequestID: rr.ID, Contractor: fixit, AgreedPrice: 12000, Description: "replace valve"})
	require.NoError(t, err)
	b, err := env.Engine.CreateWorkOrder(env.Ctx, engine.WorkOrderOptions{Actor: landlord, RepairRequestID: rr.ID, Contractor: "plumbco@example.com", AgreedPrice: 9000, Description: "flush system"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	_, _, err = env.Engine.UpdateWorkOrderDescription(env.Ctx, a.ID, engine.ContentOptions{Actor: fixit, Text: "replace valve, new seals"})
	require.NoError(t, err)

	ga, err := env.Engine.GetWorkOrder(env.Ctx, a.ID)
	require.NoError(t, err)
	gb, err := env.Engine.GetWorkOrder(env.Ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(12000), ga.AgreedPrice)
	assert.Equal(t, uint64(9000), gb.AgreedPrice)
	assert.Equal(t, b.DescriptionHash, gb.DescriptionHash)
	assert.NotEqual(t, a.DescriptionHash, ga.DescriptionHash)

	list, err := env.Engine.ListWorkOrders(env.Ctx, repo.WorkOrderFilters{RepairRequestID: rr.ID})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestSignWorkOrderFreezesDescription(t *testing.T) {
	env := newTestEnv(t)
	rr := env.open(t)
	wo, err := env.Engine.CreateWorkOrder(env.Ctx, engine.WorkOrderOptions{Actor: landlord, RepairRequestID: rr.ID, Contractor: fixit, AgreedPrice: 500, Description: "patch roof"})
	require.NoError(t, err)

	_, err = env.Engine.SignWorkOrder(env.Ctx, wo.ID, tenant)
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))
	signed, err := env.Engine.SignWorkOrder(env.Ctx, wo.ID, fixit)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkOrderSigned, signed.Status)

	_, err = env.Engine.SignWorkOrder(env.Ctx, wo.ID, landlord)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	_, err = env.Engine.SignWorkOrder(env.Ctx, wo.ID, tenant)
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))
	_, _, err = env.Engine.UpdateWorkOrderDescription(env.Ctx, wo.ID, engine.ContentOptions{Actor: landlord, Text: "patch roof twice"})
	assert.True(t, errors.Is(err, domain.ErrImmutableState))
}

func TestGetRequestReadsThroughToLedger(t *testing.T) {
	env := newTestEnv(t)
	snap, err := env.Ledger.CreateRequest(env.Ctx, ledger.NewRequest{
		Actor: tenant, PropertyID: "flat-12", Landlord: landlord, Urgency: domain.UrgencyLow,
		DescriptionHash: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	})
	require.NoError(t, err)

	got, err := env.Engine.GetRequest(env.Ctx, snap.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)

	_, err = env.Engine.GetRequest(env.Ctx, 77)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestApplySnapshotNeverRegresses(t *testing.T) {
	env := newTestEnv(t)
	rr := env.open(t)
	old, err := env.Ledger.Get(env.Ctx, domain.RequestRef(rr.ID))
	require.NoError(t, err)
	_, err = env.Engine.UpdateStatus(env.Ctx, rr.ID, landlord, domain.StatusInProgress)
	require.NoError(t, err)

	require.NoError(t, env.Engine.ApplySnapshot(env.Ctx, old))
	got, err := env.Engine.Repo.GetRequest(env.Ctx, rr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
}

func TestApplySnapshotDropsExpiredOverlay(t *testing.T) {
	env := newTestEnv(t)
	rr := env.open(t)

	clock := time.Now()
	env.Engine.Now = func() time.Time { return clock }
	// an overlay whose background submission never reported back
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	require.NoError(t, env.Engine.Repo.WriteProvisionalTx(env.Ctx, tx, rr.ID, domain.Provisional{Status: domain.StatusCancelled, Action: "withdraw", At: clock}))
	require.NoError(t, tx.Commit())

	snap, err := env.Ledger.Get(env.Ctx, domain.RequestRef(rr.ID))
	require.NoError(t, err)
	require.NoError(t, env.Engine.ApplySnapshot(env.Ctx, snap))
	got, err := env.Engine.Repo.GetRequest(env.Ctx, rr.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.Provisional, "a fresh overlay survives a stale read")

	clock = clock.Add(time.Minute)
	require.NoError(t, env.Engine.ApplySnapshot(env.Ctx, snap))
	got, err = env.Engine.Repo.GetRequest(env.Ctx, rr.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Provisional)
}

func TestListRequestsCanonicalisesFilters(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)
	list, err := env.Engine.ListRequests(env.Ctx, repo.RequestFilters{Initiator: " Tenant@Example.COM"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	_, err = env.Engine.ListRequests(env.Ctx, repo.RequestFilters{Status: "OPEN"})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestResync(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 2; i++ {
		_, err := env.Ledger.CreateRequest(env.Ctx, ledger.NewRequest{
			Actor: tenant, PropertyID: "flat-12", Landlord: landlord, Urgency: domain.UrgencyLow,
			DescriptionHash: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		})
		require.NoError(t, err)
	}
	refs, err := env.Ledger.Refs(env.Ctx)
	require.NoError(t, err)
	n, err := env.Engine.Resync(env.Ctx, append(refs, domain.RequestRef(99)))
	assert.Equal(t, 2, n)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	list, err := env.Engine.ListRequests(env.Ctx, repo.RequestFilters{})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
