package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"repairline/internal/domain"
)

// Repo is the relational projection of the ledger. It performs no
// authorization or legality checks; callers validate first.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.Errorf(domain.CodeNotFound, "not found")

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nowText() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// Write applies a ledger-confirmed snapshot. A snapshot whose updatedAt is
// not strictly newer than the stored one leaves the row untouched and
// reports false. An applied write supersedes any provisional overlay.
func (r Repo) Write(ctx context.Context, snap domain.Snapshot) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	applied, err := r.WriteTx(ctx, tx, snap)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return applied, nil
}

func (r Repo) WriteTx(ctx context.Context, tx *sql.Tx, snap domain.Snapshot) (bool, error) {
	if err := snap.Validate(); err != nil {
		return false, err
	}
	if snap.Request != nil {
		return writeRequest(ctx, tx, *snap.Request)
	}
	return writeWorkOrder(ctx, tx, *snap.WorkOrder)
}

func storedUpdatedAt(ctx context.Context, q queryer, table string, id uint64) (int64, bool, error) {
	var updated int64
	err := q.QueryRowContext(ctx, `SELECT updated_at FROM `+table+` WHERE id=?`, id).Scan(&updated)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return updated, true, nil
}

func writeRequest(ctx context.Context, tx *sql.Tx, rr domain.RepairRequest) (bool, error) {
	stored, exists, err := storedUpdatedAt(ctx, tx, "repair_requests", rr.ID)
	if err != nil {
		return false, err
	}
	if !exists {
		_, err := tx.ExecContext(ctx, `INSERT INTO repair_requests(id,record_id,property_id,landlord,initiator,urgency,status,description_hash,work_details_hash,created_at,updated_at,synced_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			rr.ID, uuid.NewString(), nullable(rr.PropertyID), rr.Landlord, rr.Initiator, string(rr.Urgency), string(rr.Status),
			rr.DescriptionHash, nullable(rr.WorkDetailsHash), nanos(rr.CreatedAt), nanos(rr.UpdatedAt), nowText())
		if err != nil {
			return false, fmt.Errorf("insert repair request %d: %w", rr.ID, err)
		}
		return true, nil
	}
	if nanos(rr.UpdatedAt) <= stored {
		return false, nil
	}
	_, err = tx.ExecContext(ctx, `UPDATE repair_requests SET property_id=?,landlord=?,initiator=?,urgency=?,status=?,description_hash=?,work_details_hash=?,created_at=?,updated_at=?,
provisional_status=NULL,provisional_action=NULL,provisional_at=NULL,synced_at=? WHERE id=?`,
		nullable(rr.PropertyID), rr.Landlord, rr.Initiator, string(rr.Urgency), string(rr.Status), rr.DescriptionHash,
		nullable(rr.WorkDetailsHash), nanos(rr.CreatedAt), nanos(rr.UpdatedAt), nowText(), rr.ID)
	if err != nil {
		return false, fmt.Errorf("update repair request %d: %w", rr.ID, err)
	}
	return true, nil
}

func writeWorkOrder(ctx context.Context, tx *sql.Tx, wo domain.WorkOrder) (bool, error) {
	stored, exists, err := storedUpdatedAt(ctx, tx, "work_orders", wo.ID)
	if err != nil {
		return false, err
	}
	if !exists {
		_, err := tx.ExecContext(ctx, `INSERT INTO work_orders(id,record_id,repair_request_id,landlord,contractor,agreed_price,description_hash,status,created_at,updated_at,synced_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			wo.ID, uuid.NewString(), wo.RepairRequestID, wo.Landlord, wo.Contractor, int64(wo.AgreedPrice), wo.DescriptionHash,
			string(wo.Status), nanos(wo.CreatedAt), nanos(wo.UpdatedAt), nowText())
		if err != nil {
			return false, fmt.Errorf("insert work order %d: %w", wo.ID, err)
		}
		return true, nil
	}
	if nanos(wo.UpdatedAt) <= stored {
		return false, nil
	}
	_, err = tx.ExecContext(ctx, `UPDATE work_orders SET repair_request_id=?,landlord=?,contractor=?,agreed_price=?,description_hash=?,status=?,created_at=?,updated_at=?,synced_at=? WHERE id=?`,
		wo.RepairRequestID, wo.Landlord, wo.Contractor, int64(wo.AgreedPrice), wo.DescriptionHash, string(wo.Status),
		nanos(wo.CreatedAt), nanos(wo.UpdatedAt), nowText(), wo.ID)
	if err != nil {
		return false, fmt.Errorf("update work order %d: %w", wo.ID, err)
	}
	return true, nil
}

// WriteProvisionalTx overlays an unconfirmed status on a repair request.
// Confirmed columns are not touched.
func (r Repo) WriteProvisionalTx(ctx context.Context, tx *sql.Tx, id uint64, p domain.Provisional) error {
	res, err := tx.ExecContext(ctx, `UPDATE repair_requests SET provisional_status=?,provisional_action=?,provisional_at=? WHERE id=?`,
		string(p.Status), p.Action, nanos(p.At), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotExist(domain.KindRepairRequest)
	}
	return nil
}

// ClearProvisional drops the overlay on a repair request. With a non-zero
// before, only overlays written earlier than before are dropped.
func (r Repo) ClearProvisional(ctx context.Context, id uint64, before time.Time) (bool, error) {
	query := `UPDATE repair_requests SET provisional_status=NULL,provisional_action=NULL,provisional_at=NULL WHERE id=? AND provisional_status IS NOT NULL`
	args := []any{id}
	if !before.IsZero() {
		query += ` AND provisional_at<?`
		args = append(args, nanos(before))
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const requestColumns = `id,record_id,COALESCE(property_id,''),landlord,initiator,urgency,status,description_hash,COALESCE(work_details_hash,''),created_at,updated_at,provisional_status,COALESCE(provisional_action,''),provisional_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (domain.ProjectedRequest, error) {
	var (
		p                domain.ProjectedRequest
		urgency, status  string
		created, updated int64
		provStatus       sql.NullString
		provAction       string
		provAt           sql.NullInt64
	)
	err := row.Scan(&p.ID, &p.RecordID, &p.PropertyID, &p.Landlord, &p.Initiator, &urgency, &status, &p.DescriptionHash,
		&p.WorkDetailsHash, &created, &updated, &provStatus, &provAction, &provAt)
	if err == sql.ErrNoRows {
		return p, domain.NotExist(domain.KindRepairRequest)
	}
	if err != nil {
		return p, err
	}
	p.Urgency = domain.Urgency(urgency)
	p.Status = domain.RequestStatus(status)
	p.CreatedAt = fromNanos(created)
	p.UpdatedAt = fromNanos(updated)
	if provStatus.Valid {
		p.Provisional = &domain.Provisional{Status: domain.RequestStatus(provStatus.String), Action: provAction}
		if provAt.Valid {
			p.Provisional.At = fromNanos(provAt.Int64)
		}
	}
	return p, nil
}

func (r Repo) GetRequest(ctx context.Context, id uint64) (domain.ProjectedRequest, error) {
	return scanRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM repair_requests WHERE id=?`, id))
}

type RequestFilters struct {
	Status     string
	Initiator  string
	Landlord   string
	PropertyID string
	Party      string
	Limit      int
}

// ListRequests filters on the status readers see, so a provisional value
// counts as the request's status.
func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.ProjectedRequest, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "COALESCE(provisional_status,status)=?")
		args = append(args, f.Status)
	}
	if f.Initiator != "" {
		clauses = append(clauses, "initiator=?")
		args = append(args, f.Initiator)
	}
	if f.Landlord != "" {
		clauses = append(clauses, "landlord=?")
		args = append(args, f.Landlord)
	}
	if f.PropertyID != "" {
		clauses = append(clauses, "property_id=?")
		args = append(args, f.PropertyID)
	}
	if f.Party != "" {
		clauses = append(clauses, "(initiator=? OR landlord=?)")
		args = append(args, f.Party, f.Party)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + requestColumns + ` FROM repair_requests ` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectedRequest
	for rows.Next() {
		p, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

const workOrderColumns = `id,record_id,repair_request_id,landlord,contractor,agreed_price,description_hash,status,created_at,updated_at`

func scanWorkOrder(row rowScanner) (domain.ProjectedWorkOrder, error) {
	var (
		w                domain.ProjectedWorkOrder
		price            int64
		status           string
		created, updated int64
	)
	err := row.Scan(&w.ID, &w.RecordID, &w.RepairRequestID, &w.Landlord, &w.Contractor, &price, &w.DescriptionHash, &status, &created, &updated)
	if err == sql.ErrNoRows {
		return w, domain.NotExist(domain.KindWorkOrder)
	}
	if err != nil {
		return w, err
	}
	w.AgreedPrice = uint64(price)
	w.Status = domain.WorkOrderStatus(status)
	w.CreatedAt = fromNanos(created)
	w.UpdatedAt = fromNanos(updated)
	return w, nil
}

func (r Repo) GetWorkOrder(ctx context.Context, id uint64) (domain.ProjectedWorkOrder, error) {
	return scanWorkOrder(r.DB.QueryRowContext(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE id=?`, id))
}

type WorkOrderFilters struct {
	RepairRequestID uint64
	Contractor      string
	Landlord        string
	Status          string
	Limit           int
}

func (r Repo) ListWorkOrders(ctx context.Context, f WorkOrderFilters) ([]domain.ProjectedWorkOrder, error) {
	var clauses []string
	var args []any
	if f.RepairRequestID != 0 {
		clauses = append(clauses, "repair_request_id=?")
		args = append(args, f.RepairRequestID)
	}
	if f.Contractor != "" {
		clauses = append(clauses, "contractor=?")
		args = append(args, f.Contractor)
	}
	if f.Landlord != "" {
		clauses = append(clauses, "landlord=?")
		args = append(args, f.Landlord)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workOrderColumns + ` FROM work_orders ` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectedWorkOrder
	for rows.Next() {
		w, err := scanWorkOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// Refs lists every entity present in the projection.
func (r Repo) Refs(ctx context.Context) ([]domain.EntityRef, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT 'repair_request', id FROM repair_requests UNION ALL SELECT 'work_order', id FROM work_orders ORDER BY 1, 2`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refs []domain.EntityRef
	for rows.Next() {
		var ref domain.EntityRef
		var kind string
		if err := rows.Scan(&kind, &ref.ID); err != nil {
			return nil, err
		}
		ref.Kind = domain.EntityKind(kind)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
