package repo

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repairline/internal/db"
	"repairline/internal/domain"
	"repairline/internal/migrate"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "projection.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return Repo{DB: conn}
}

func requestSnap(status domain.RequestStatus, updated time.Time) domain.Snapshot {
	return domain.Snapshot{Request: &domain.RepairRequest{
		ID:              1,
		PropertyID:      "prop-1",
		Landlord:        "landlord",
		Initiator:       "tenant",
		Urgency:         domain.UrgencyLow,
		Status:          status,
		DescriptionHash: "h1",
		CreatedAt:       t0,
		UpdatedAt:       updated,
	}}
}

func TestWriteIsTimestampGated(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	applied, err := r.Write(ctx, requestSnap(domain.StatusInProgress, t0.Add(2*time.Second)))
	require.NoError(t, err)
	assert.True(t, applied)

	// equal and older updatedAt are no-ops
	for _, ts := range []time.Time{t0.Add(2 * time.Second), t0.Add(time.Second)} {
		applied, err = r.Write(ctx, requestSnap(domain.StatusPending, ts))
		require.NoError(t, err)
		assert.False(t, applied)
	}
	got, err := r.GetRequest(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.True(t, got.UpdatedAt.Equal(t0.Add(2*time.Second)))
	assert.NotEmpty(t, got.RecordID)

	applied, err = r.Write(ctx, requestSnap(domain.StatusCompleted, t0.Add(2*time.Second+time.Nanosecond)))
	require.NoError(t, err)
	assert.True(t, applied)
	got2, err := r.GetRequest(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got2.Status)
	assert.Equal(t, got.RecordID, got2.RecordID)
}

func TestWriteRejectsMalformedSnapshot(t *testing.T) {
	r := newTestRepo(t)
	_, err := r.Write(context.Background(), domain.Snapshot{})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestProvisionalOverlay(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	_, err := r.Write(ctx, requestSnap(domain.StatusPending, t0))
	require.NoError(t, err)

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.WriteProvisionalTx(ctx, tx, 1, domain.Provisional{Status: domain.StatusCancelled, Action: "withdraw", At: t0.Add(time.Second)}))
	require.NoError(t, tx.Commit())

	got, err := r.GetRequest(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	require.NotNil(t, got.Provisional)
	assert.Equal(t, domain.StatusCancelled, got.DisplayStatus())

	list, err := r.ListRequests(ctx, RequestFilters{Status: "CANCELLED"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// a stale authoritative read does not touch the overlay
	applied, err := r.Write(ctx, requestSnap(domain.StatusPending, t0))
	require.NoError(t, err)
	assert.False(t, applied)
	got, err = r.GetRequest(ctx, 1)
	require.NoError(t, err)
	assert.NotNil(t, got.Provisional)

	// the confirmed write supersedes it
	applied, err = r.Write(ctx, requestSnap(domain.StatusCancelled, t0.Add(3*time.Second)))
	require.NoError(t, err)
	assert.True(t, applied)
	got, err = r.GetRequest(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, got.Provisional)
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

func TestClearProvisionalCutoff(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	_, err := r.Write(ctx, requestSnap(domain.StatusPending, t0))
	require.NoError(t, err)
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.WriteProvisionalTx(ctx, tx, 1, domain.Provisional{Status: domain.StatusCancelled, Action: "withdraw", At: t0.Add(10 * time.Second)}))
	require.NoError(t, tx.Commit())

	cleared, err := r.ClearProvisional(ctx, 1, t0.Add(5*time.Second))
	require.NoError(t, err)
	assert.False(t, cleared)
	cleared, err = r.ClearProvisional(ctx, 1, t0.Add(11*time.Second))
	require.NoError(t, err)
	assert.True(t, cleared)
	cleared, err = r.ClearProvisional(ctx, 1, time.Time{})
	require.NoError(t, err)
	assert.False(t, cleared)
}

func TestProvisionalOnMissingRow(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	err = r.WriteProvisionalTx(ctx, tx, 42, domain.Provisional{Status: domain.StatusCancelled, Action: "withdraw", At: t0})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestGetMissing(t *testing.T) {
	r := newTestRepo(t)
	_, err := r.GetRequest(context.Background(), 9)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = r.GetWorkOrder(context.Background(), 999)
	require.Error(t, err)
	assert.Equal(t, "Work order does not exist", err.Error())
}

func TestWorkOrdersIndependent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for _, wo := range []domain.WorkOrder{
		{ID: 1, RepairRequestID: 1, Landlord: "landlord", Contractor: "a", AgreedPrice: 100, DescriptionHash: "ha", Status: domain.WorkOrderDraft, CreatedAt: t0, UpdatedAt: t0},
		{ID: 2, RepairRequestID: 1, Landlord: "landlord", Contractor: "b", AgreedPrice: 250, DescriptionHash: "hb", Status: domain.WorkOrderDraft, CreatedAt: t0, UpdatedAt: t0},
	} {
		wo := wo
		_, err := r.Write(ctx, domain.Snapshot{WorkOrder: &wo})
		require.NoError(t, err)
	}
	a, err := r.GetWorkOrder(ctx, 1)
	require.NoError(t, err)
	b, err := r.GetWorkOrder(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), a.AgreedPrice)
	assert.Equal(t, "ha", a.DescriptionHash)
	assert.Equal(t, uint64(250), b.AgreedPrice)
	assert.Equal(t, "hb", b.DescriptionHash)

	list, err := r.ListWorkOrders(ctx, WorkOrderFilters{RepairRequestID: 1})
	require.NoError(t, err)
	assert.Len(t, list, 2)
	list, err = r.ListWorkOrders(ctx, WorkOrderFilters{Contractor: "b"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, uint64(2), list[0].ID)

	refs, err := r.Refs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.EntityRef{domain.WorkOrderRef(1), domain.WorkOrderRef(2)}, refs)
}

func TestListRequestFilters(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for i, who := range []string{"tenant-a", "tenant-b", "tenant-a"} {
		snap := requestSnap(domain.StatusPending, t0)
		snap.Request.ID = uint64(i + 1)
		snap.Request.Initiator = who
		_, err := r.Write(ctx, snap)
		require.NoError(t, err)
	}
	list, err := r.ListRequests(ctx, RequestFilters{Initiator: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, uint64(3), list[0].ID)

	list, err = r.ListRequests(ctx, RequestFilters{Party: "landlord", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestContentsAndEvents(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.PutContentTx(ctx, tx, "h1", "leaking tap"))
	require.NoError(t, r.PutContentTx(ctx, tx, "h1", "ignored"))
	require.NoError(t, tx.Commit())
	body, err := r.GetContent(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "leaking tap", body)
	_, err = r.GetContent(ctx, "nope")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	for _, typ := range []string{"repair_request.created", "repair_request.status_changed", "repair_request.status_changed"} {
		_, err := r.DB.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
			t0.Format(time.RFC3339), typ, "repair_request", "1", "tenant", `{}`)
		require.NoError(t, err)
	}
	latest, err := r.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)
	after, err := r.EventsAfter(ctx, 10, 1)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, int64(2), after[0].ID)
	filtered, err := r.LatestEvents(ctx, EventFilters{Type: "repair_request.status_changed", Limit: 1})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, int64(3), filtered[0].ID)

	_, ok, err := r.Cursor(ctx, "rabbitmq")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, r.SetCursor(ctx, "rabbitmq", 2))
	require.NoError(t, r.SetCursor(ctx, "rabbitmq", 3))
	cur, ok, err := r.Cursor(ctx, "rabbitmq")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(3), cur)
}

func TestAPIKeys(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	hash := HashAPIKey(" secret ")
	assert.Equal(t, HashAPIKey("secret"), hash)
	require.NoError(t, r.InsertAPIKey(ctx, domain.APIKey{ID: "k1", Identity: "tenant", Name: "laptop", KeyHash: hash}))
	key, err := r.GetAPIKeyByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "tenant", key.Identity)
	keys, err := r.ListAPIKeys(ctx, "tenant")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	require.NoError(t, r.DeleteAPIKey(ctx, "k1"))
	assert.True(t, errors.Is(r.DeleteAPIKey(ctx, "k1"), ErrNotFound))
	_, err = r.GetAPIKeyByHash(ctx, hash)
	assert.True(t, errors.Is(err, ErrNotFound))
}
