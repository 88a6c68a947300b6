package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"repairline/internal/audit"
	"repairline/internal/config"
	"repairline/internal/domain"
	"repairline/internal/engine/auth"
	"repairline/internal/engine/status"
	"repairline/internal/events"
	"repairline/internal/gateway"
	"repairline/internal/repo"
)

// Engine runs every transition family: it checks role and legality against
// ledger truth, submits through the gateway and records the confirmed state
// in the projection together with a projection event.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Gateway *gateway.Gateway
	Trail   audit.Trail
	Logger  *log.Logger
	Now     func() time.Time
	// OnCreate is told about every entity the engine creates.
	OnCreate func(domain.EntityRef)

	pending *sync.WaitGroup
}

func New(db *sql.DB, cfg *config.Config, gw *gateway.Gateway) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Config:  cfg,
		Gateway: gw,
		Trail:   audit.Trail{Ledger: gw, Policy: audit.Policy(cfg.Audit.Policy)},
		Now:     time.Now,
		pending: &sync.WaitGroup{},
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) writer() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) logger() *log.Logger {
	if e.Logger == nil {
		return log.Default()
	}
	return e.Logger
}

// Wait blocks until every background ledger submission has finished.
func (e Engine) Wait() {
	if e.pending != nil {
		e.pending.Wait()
	}
}

type contentBody struct {
	hash string
	body string
}

// persist writes a confirmed snapshot, its event and any new content bodies
// in one projection transaction.
func (e Engine) persist(ctx context.Context, snap domain.Snapshot, actor, evtType string, payload events.EventPayload, bodies ...contentBody) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, b := range bodies {
		if err := e.Repo.PutContentTx(ctx, tx, b.hash, b.body); err != nil {
			return fmt.Errorf("store content: %w", err)
		}
	}
	if _, err := e.Repo.WriteTx(ctx, tx, snap); err != nil {
		return fmt.Errorf("write projection: %w", err)
	}
	ref := snap.Ref()
	if err := e.writer().Append(ctx, tx, evtType, string(ref.Kind), strconv.FormatUint(ref.ID, 10), auth.Canonical(actor), payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) created(ref domain.EntityRef) {
	if e.OnCreate != nil {
		e.OnCreate(ref)
	}
}

func requireText(field, text string) error {
	if strings.TrimSpace(text) == "" {
		return domain.Errorf(domain.CodeInvalidInput, "%s is required", strings.ReplaceAll(field, "_", " "))
	}
	return nil
}

// CreateRequestOptions are parameters for opening a repair request.
type CreateRequestOptions struct {
	Actor       string
	PropertyID  string
	Urgency     domain.Urgency
	Description string
}

// CreateRepairRequest opens a request on a configured property. The actor
// becomes the initiator and the property's landlord the property owner.
func (e Engine) CreateRepairRequest(ctx context.Context, opts CreateRequestOptions) (domain.ProjectedRequest, error) {
	if err := requireText(string(domain.FieldDescription), opts.Description); err != nil {
		return domain.ProjectedRequest{}, err
	}
	if opts.Urgency == "" {
		opts.Urgency = domain.UrgencyMedium
	}
	prop, err := e.Config.Property(opts.PropertyID)
	if err != nil {
		return domain.ProjectedRequest{}, err
	}
	hash := audit.HashContent(opts.Description)
	r, err := e.Gateway.Submit(ctx, gateway.Intent{
		Kind:       gateway.IntentCreateRequest,
		Actor:      opts.Actor,
		PropertyID: prop.ID,
		Landlord:   prop.Landlord,
		Urgency:    opts.Urgency,
		Hash:       hash,
	})
	if err != nil {
		return domain.ProjectedRequest{}, err
	}
	rr := r.Snapshot.Request
	if err := e.persist(ctx, r.Snapshot, opts.Actor, events.RequestCreated, events.EventPayload{
		"property_id": rr.PropertyID,
		"urgency":     rr.Urgency,
		"status":      rr.Status,
	}, contentBody{hash, opts.Description}); err != nil {
		return domain.ProjectedRequest{}, err
	}
	e.created(rr.Ref())
	return e.Repo.GetRequest(ctx, rr.ID)
}

// family describes one externally exposed kind of status change.
type family struct {
	name string
	role domain.Role
	// from, when set, is the only status the family may start from.
	from domain.RequestStatus
}

var (
	familyUpdate   = family{name: "updated", role: domain.RolePropertyOwner}
	familyApprove  = family{name: "approved", role: domain.RoleInitiator, from: domain.StatusCompleted}
	familyWithdraw = family{name: "withdrawn", role: domain.RoleInitiator, from: domain.StatusPending}
)

// check loads ledger truth and applies the gate and the machine before
// anything is submitted.
func (e Engine) check(ctx context.Context, id uint64, actor string, next domain.RequestStatus, f family) (domain.RepairRequest, error) {
	snap, err := e.Gateway.Get(ctx, domain.RequestRef(id))
	if err != nil {
		return domain.RepairRequest{}, err
	}
	rr := *snap.Request
	role := auth.ResolveRole(actor, rr)
	if !rr.Status.IsTerminal() {
		if role != f.role {
			return rr, auth.UnauthorizedError{Identity: actor, Role: role, Action: auth.StatusAction(next)}
		}
		if f.from != "" && rr.Status != f.from {
			return rr, domain.Errorf(domain.CodeInvalidTransition, "repair request is %s; only %s requests can be %s", rr.Status, f.from, f.name)
		}
	}
	if err := status.TransitionAllowed(rr.Status, next, role); err != nil {
		return rr, err
	}
	return rr, nil
}

func (e Engine) submitStatus(ctx context.Context, ref domain.EntityRef, actor, current, next string) (domain.Snapshot, error) {
	r, err := e.Gateway.Submit(ctx, gateway.Intent{
		Kind:           gateway.IntentUpdateStatus,
		Actor:          actor,
		Ref:            &ref,
		Status:         next,
		ExpectedStatus: current,
	})
	return r.Snapshot, err
}

func (e Engine) transition(ctx context.Context, id uint64, actor string, next domain.RequestStatus, f family) (domain.ProjectedRequest, error) {
	rr, err := e.check(ctx, id, actor, next, f)
	if err != nil {
		return domain.ProjectedRequest{}, err
	}
	snap, err := e.submitStatus(ctx, rr.Ref(), actor, string(rr.Status), string(next))
	if err != nil {
		return domain.ProjectedRequest{}, err
	}
	if err := e.persist(ctx, snap, actor, events.RequestStatusChanged, events.EventPayload{
		"from": rr.Status,
		"to":   next,
	}); err != nil {
		return domain.ProjectedRequest{}, err
	}
	return e.Repo.GetRequest(ctx, id)
}

// UpdateStatus moves a request on the property owner's behalf.
func (e Engine) UpdateStatus(ctx context.Context, id uint64, actor string, next domain.RequestStatus) (domain.ProjectedRequest, error) {
	if !next.Valid() {
		return domain.ProjectedRequest{}, domain.Errorf(domain.CodeInvalidInput, "unknown status %q", next)
	}
	return e.transition(ctx, id, actor, next, familyUpdate)
}

// ApproveWork accepts or refuses completed work on the initiator's behalf.
func (e Engine) ApproveWork(ctx context.Context, id uint64, actor string, isAccepted bool) (domain.ProjectedRequest, error) {
	next := domain.StatusRefused
	if isAccepted {
		next = domain.StatusAccepted
	}
	return e.transition(ctx, id, actor, next, familyApprove)
}

// Withdraw cancels a pending request. The projection shows the request as
// cancelled straight away under a provisional overlay; the ledger submission
// runs in the background and either confirms the overlay or clears it.
func (e Engine) Withdraw(ctx context.Context, id uint64, actor string) (domain.ProjectedRequest, error) {
	next := domain.StatusCancelled
	rr, err := e.check(ctx, id, actor, next, familyWithdraw)
	if err != nil {
		return domain.ProjectedRequest{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectedRequest{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.WriteTx(ctx, tx, domain.Snapshot{Request: &rr}); err != nil {
		return domain.ProjectedRequest{}, err
	}
	overlay := domain.Provisional{Status: next, Action: "withdraw", At: e.now()}
	if err := e.Repo.WriteProvisionalTx(ctx, tx, id, overlay); err != nil {
		return domain.ProjectedRequest{}, err
	}
	entityID := strconv.FormatUint(id, 10)
	if err := e.writer().Append(ctx, tx, events.RequestWithdrawPending, string(domain.KindRepairRequest), entityID, auth.Canonical(actor), nil); err != nil {
		return domain.ProjectedRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectedRequest{}, err
	}

	out, err := e.Repo.GetRequest(ctx, id)
	if err != nil {
		return domain.ProjectedRequest{}, err
	}
	bg := context.WithoutCancel(ctx)
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		e.confirmWithdraw(bg, rr, actor)
	}()
	return out, nil
}

func (e Engine) confirmWithdraw(ctx context.Context, rr domain.RepairRequest, actor string) {
	snap, err := e.submitStatus(ctx, rr.Ref(), actor, string(rr.Status), string(domain.StatusCancelled))
	if err == nil {
		err = e.persist(ctx, snap, actor, events.RequestStatusChanged, events.EventPayload{
			"from": rr.Status,
			"to":   domain.StatusCancelled,
		})
		if err == nil {
			e.logger().Printf("withdraw of %s confirmed", rr.Ref())
			return
		}
		// the confirmed write did not land; reconciliation will apply it
		e.logger().Printf("withdraw of %s confirmed but projection write failed: %v", rr.Ref(), err)
		return
	}
	e.logger().Printf("withdraw of %s failed, rolling back: %v", rr.Ref(), err)
	if _, cerr := e.Repo.ClearProvisional(ctx, rr.ID, time.Time{}); cerr != nil {
		e.logger().Printf("clear provisional %s: %v", rr.Ref(), cerr)
		return
	}
	tx, terr := e.DB.BeginTx(ctx, nil)
	if terr != nil {
		return
	}
	defer tx.Rollback()
	payload := events.EventPayload{"error": err.Error(), "code": domain.CodeOf(err)}
	if aerr := e.writer().Append(ctx, tx, events.RequestWithdrawFailed, string(domain.KindRepairRequest), strconv.FormatUint(rr.ID, 10), auth.Canonical(actor), payload); aerr == nil {
		_ = tx.Commit()
	}
}

// ContentOptions carries a new text for one content field. Base is the hash
// the caller last read, when it has one.
type ContentOptions struct {
	Actor string
	Text  string
	Base  *string
}

func (e Engine) updateContent(ctx context.Context, ref domain.EntityRef, field domain.ContentField, opts ContentOptions) (domain.Snapshot, domain.AuditReceipt, error) {
	if err := requireText(string(field), opts.Text); err != nil {
		return domain.Snapshot{}, domain.AuditReceipt{}, err
	}
	cur, err := e.Gateway.Get(ctx, ref)
	if err != nil {
		return domain.Snapshot{}, domain.AuditReceipt{}, err
	}
	if _, ok := cur.Hash(field); !ok {
		return domain.Snapshot{}, domain.AuditReceipt{}, domain.Errorf(domain.CodeInvalidInput, "%s has no %s field", ref.Kind.Title(), field)
	}
	switch {
	case cur.Request != nil && cur.Request.Status.IsTerminal():
		return domain.Snapshot{}, domain.AuditReceipt{}, domain.Errorf(domain.CodeImmutableState, "repair request is %s and can no longer change", cur.Request.Status)
	case cur.WorkOrder != nil && cur.WorkOrder.Status == domain.WorkOrderSigned:
		return domain.Snapshot{}, domain.AuditReceipt{}, domain.Errorf(domain.CodeImmutableState, "work order is signed and can no longer change")
	}
	if _, err := auth.Gate(opts.Actor, cur.Entity(), auth.ContentAction(ref.Kind, field)); err != nil {
		return domain.Snapshot{}, domain.AuditReceipt{}, err
	}
	hash := audit.HashContent(opts.Text)
	receipt, snap, err := e.Trail.UpdateContent(ctx, audit.Update{
		Actor:   opts.Actor,
		Ref:     ref,
		Field:   field,
		NewHash: hash,
		Base:    opts.Base,
	})
	if err != nil {
		return domain.Snapshot{}, domain.AuditReceipt{}, err
	}
	evtType := events.RequestContentUpdated
	if ref.Kind == domain.KindWorkOrder {
		evtType = events.WorkOrderContentUpdated
	}
	if err := e.persist(ctx, snap, opts.Actor, evtType, events.EventPayload{
		"field":     field,
		"old_hash":  receipt.OldHash,
		"new_hash":  receipt.NewHash,
		"seq":       receipt.Seq,
		"timestamp": receipt.Timestamp,
	}, contentBody{hash, opts.Text}); err != nil {
		return domain.Snapshot{}, domain.AuditReceipt{}, err
	}
	return snap, receipt, nil
}

// UpdateWorkDetails replaces a request's work details on the property owner's behalf.
func (e Engine) UpdateWorkDetails(ctx context.Context, id uint64, opts ContentOptions) (domain.ProjectedRequest, domain.AuditReceipt, error) {
	return e.updateRequestContent(ctx, id, domain.FieldWorkDetails, opts)
}

// UpdateDescription replaces a request's description on the initiator's behalf.
func (e Engine) UpdateDescription(ctx context.Context, id uint64, opts ContentOptions) (domain.ProjectedRequest, domain.AuditReceipt, error) {
	return e.updateRequestContent(ctx, id, domain.FieldDescription, opts)
}

func (e Engine) updateRequestContent(ctx context.Context, id uint64, field domain.ContentField, opts ContentOptions) (domain.ProjectedRequest, domain.AuditReceipt, error) {
	_, receipt, err := e.updateContent(ctx, domain.RequestRef(id), field, opts)
	if err != nil {
		return domain.ProjectedRequest{}, domain.AuditReceipt{}, err
	}
	rr, err := e.Repo.GetRequest(ctx, id)
	return rr, receipt, err
}

// WorkOrderOptions are parameters for drafting a work order.
type WorkOrderOptions struct {
	Actor           string
	RepairRequestID uint64
	Contractor      string
	AgreedPrice     uint64
	Description     string
}

// CreateWorkOrder drafts a work order against a request on the property owner's behalf.
func (e Engine) CreateWorkOrder(ctx context.Context, opts WorkOrderOptions) (domain.ProjectedWorkOrder, error) {
	if err := requireText(string(domain.FieldDescription), opts.Description); err != nil {
		return domain.ProjectedWorkOrder{}, err
	}
	if strings.TrimSpace(opts.Contractor) == "" {
		return domain.ProjectedWorkOrder{}, domain.Errorf(domain.CodeInvalidInput, "contractor is required")
	}
	parent, err := e.Gateway.Get(ctx, domain.RequestRef(opts.RepairRequestID))
	if err != nil {
		return domain.ProjectedWorkOrder{}, err
	}
	if parent.Request.Status.IsTerminal() {
		return domain.ProjectedWorkOrder{}, domain.Errorf(domain.CodeImmutableState, "repair request is %s and can no longer change", parent.Request.Status)
	}
	if _, err := auth.Gate(opts.Actor, *parent.Request, auth.DraftAction()); err != nil {
		return domain.ProjectedWorkOrder{}, err
	}
	hash := audit.HashContent(opts.Description)
	r, err := e.Gateway.Submit(ctx, gateway.Intent{
		Kind:            gateway.IntentCreateWorkOrder,
		Actor:           opts.Actor,
		RepairRequestID: opts.RepairRequestID,
		Contractor:      opts.Contractor,
		AgreedPrice:     opts.AgreedPrice,
		Hash:            hash,
	})
	if err != nil {
		return domain.ProjectedWorkOrder{}, err
	}
	wo := r.Snapshot.WorkOrder
	if err := e.persist(ctx, r.Snapshot, opts.Actor, events.WorkOrderCreated, events.EventPayload{
		"repair_request_id": wo.RepairRequestID,
		"contractor":        wo.Contractor,
		"agreed_price":      wo.AgreedPrice,
	}, contentBody{hash, opts.Description}); err != nil {
		return domain.ProjectedWorkOrder{}, err
	}
	e.created(wo.Ref())
	return e.Repo.GetWorkOrder(ctx, wo.ID)
}

// SignWorkOrder moves a draft work order to SIGNED on behalf of either party.
func (e Engine) SignWorkOrder(ctx context.Context, id uint64, actor string) (domain.ProjectedWorkOrder, error) {
	ref := domain.WorkOrderRef(id)
	cur, err := e.Gateway.Get(ctx, ref)
	if err != nil {
		return domain.ProjectedWorkOrder{}, err
	}
	wo := *cur.WorkOrder
	role := auth.ResolveRole(actor, wo)
	if err := status.WorkOrderTransitionAllowed(wo.Status, domain.WorkOrderSigned, role); err != nil {
		return domain.ProjectedWorkOrder{}, err
	}
	snap, err := e.submitStatus(ctx, ref, actor, string(wo.Status), string(domain.WorkOrderSigned))
	if err != nil {
		return domain.ProjectedWorkOrder{}, err
	}
	if err := e.persist(ctx, snap, actor, events.WorkOrderSigned, events.EventPayload{"role": role}); err != nil {
		return domain.ProjectedWorkOrder{}, err
	}
	return e.Repo.GetWorkOrder(ctx, id)
}

// UpdateWorkOrderDescription replaces a draft work order's description.
func (e Engine) UpdateWorkOrderDescription(ctx context.Context, id uint64, opts ContentOptions) (domain.ProjectedWorkOrder, domain.AuditReceipt, error) {
	_, receipt, err := e.updateContent(ctx, domain.WorkOrderRef(id), domain.FieldDescription, opts)
	if err != nil {
		return domain.ProjectedWorkOrder{}, domain.AuditReceipt{}, err
	}
	wo, err := e.Repo.GetWorkOrder(ctx, id)
	return wo, receipt, err
}

// GetRequest reads the projection, pulling from the ledger when the
// projection has never seen the request.
func (e Engine) GetRequest(ctx context.Context, id uint64) (domain.ProjectedRequest, error) {
	rr, err := e.Repo.GetRequest(ctx, id)
	if !errors.Is(err, domain.ErrNotFound) {
		return rr, err
	}
	if _, err := e.Sync(ctx, domain.RequestRef(id)); err != nil {
		return domain.ProjectedRequest{}, err
	}
	return e.Repo.GetRequest(ctx, id)
}

func (e Engine) GetWorkOrder(ctx context.Context, id uint64) (domain.ProjectedWorkOrder, error) {
	wo, err := e.Repo.GetWorkOrder(ctx, id)
	if !errors.Is(err, domain.ErrNotFound) {
		return wo, err
	}
	if _, err := e.Sync(ctx, domain.WorkOrderRef(id)); err != nil {
		return domain.ProjectedWorkOrder{}, err
	}
	return e.Repo.GetWorkOrder(ctx, id)
}

// ListRequests searches the projection. Identity filters are canonicalised
// the same way the ledger stores identities.
func (e Engine) ListRequests(ctx context.Context, f repo.RequestFilters) ([]domain.ProjectedRequest, error) {
	f.Initiator = auth.Canonical(f.Initiator)
	f.Landlord = auth.Canonical(f.Landlord)
	f.Party = auth.Canonical(f.Party)
	if f.Status != "" && !domain.RequestStatus(f.Status).Valid() {
		return nil, domain.Errorf(domain.CodeInvalidInput, "unknown status %q", f.Status)
	}
	return e.Repo.ListRequests(ctx, f)
}

func (e Engine) ListWorkOrders(ctx context.Context, f repo.WorkOrderFilters) ([]domain.ProjectedWorkOrder, error) {
	f.Contractor = auth.Canonical(f.Contractor)
	f.Landlord = auth.Canonical(f.Landlord)
	return e.Repo.ListWorkOrders(ctx, f)
}

// History returns the ledger's event log for an entity.
func (e Engine) History(ctx context.Context, ref domain.EntityRef) ([]domain.LedgerEvent, error) {
	return e.Gateway.Events(ctx, ref)
}

// ContentHistory returns every value a field has held and proves the chain.
func (e Engine) ContentHistory(ctx context.Context, ref domain.EntityRef, field domain.ContentField) ([]domain.AuditReceipt, error) {
	receipts, err := e.Trail.History(ctx, ref, field)
	if err != nil {
		return nil, err
	}
	if err := audit.VerifyChain(receipts); err != nil {
		return nil, err
	}
	return receipts, nil
}

func (e Engine) Content(ctx context.Context, hash string) (string, error) {
	return e.Repo.GetContent(ctx, hash)
}

func (e Engine) overlayTTL() time.Duration {
	t := gateway.DefaultTimeout
	if e.Gateway != nil && e.Gateway.Timeout > 0 {
		t = e.Gateway.Timeout
	}
	return 2 * t
}

// ApplySnapshot writes ledger truth into the projection. Overlays older than
// any submission could still be running are dropped even when the snapshot
// itself is not newer, so a lost background submission cannot pin one.
func (e Engine) ApplySnapshot(ctx context.Context, snap domain.Snapshot) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	applied, err := e.Repo.WriteTx(ctx, tx, snap)
	if err != nil {
		return err
	}
	ref := snap.Ref()
	if applied {
		if err := e.writer().Append(ctx, tx, events.ProjectionSynced, string(ref.Kind), strconv.FormatUint(ref.ID, 10), "ledger", events.EventPayload{
			"updated_at": snap.UpdatedAt(),
		}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if snap.Request != nil {
		cleared, err := e.Repo.ClearProvisional(ctx, ref.ID, e.now().Add(-e.overlayTTL()))
		if err != nil {
			return err
		}
		if cleared {
			e.logger().Printf("dropped expired provisional overlay on %s", ref)
		}
	}
	return nil
}

// Sync pulls one entity from the ledger into the projection.
func (e Engine) Sync(ctx context.Context, ref domain.EntityRef) (domain.Snapshot, error) {
	snap, err := e.Gateway.Get(ctx, ref)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if err := e.ApplySnapshot(ctx, snap); err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

// Resync pulls every listed entity, continuing past failures. It returns
// how many were synced and the first error.
func (e Engine) Resync(ctx context.Context, refs []domain.EntityRef) (int, error) {
	var first error
	n := 0
	for _, ref := range refs {
		if _, err := e.Sync(ctx, ref); err != nil {
			e.logger().Printf("resync %s: %v", ref, err)
			if first == nil {
				first = err
			}
			continue
		}
		n++
	}
	return n, first
}
