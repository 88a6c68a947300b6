// Package ledger is the authoritative record of repair requests and work orders.
//
// Records live in append-only keyed tables on LevelDB: one JSON document per
// entity id plus a global, sequence-numbered event log that carries every
// status change and content-hash overwrite. Every mutation is committed in a
// single LevelDB batch, so a change is either fully durable or not visible.
// The ledger re-checks roles and transitions itself; callers cannot bypass
// the rules by talking to it directly.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"repairline/internal/domain"
	"repairline/internal/engine/auth"
	"repairline/internal/engine/status"
)

const (
	eventPrefix = "ev/"
	indexPrefix = "ix/"
	seqPrefix   = "seq/"
)

type Ledger struct {
	db     *leveldb.DB
	mu     sync.Mutex
	Now    func() time.Time
	Logger *log.Logger
}

// Open opens (or creates) a LevelDB ledger at path.
func Open(path string) (*Ledger, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open ledger %s", path)
	}
	return &Ledger{db: db, Now: time.Now}, nil
}

// OpenMemory returns a ledger backed by in-memory storage.
func OpenMemory() (*Ledger, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "open memory ledger")
	}
	return &Ledger{db: db, Now: time.Now}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Ledger) logger() *log.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return log.New(io.Discard, "", 0)
}

// stamp returns the next updatedAt for a record last touched at prev.
// Ledger time never goes backwards for a record, even if the clock does.
func (l *Ledger) stamp(prev time.Time) time.Time {
	now := l.now().UTC().Round(0)
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

func unavailable(err error, op string) error {
	return fmt.Errorf("%w: %w", domain.ErrLedgerUnavailable, errors.Wrap(err, op))
}

func checkCtx(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err, op)
	}
	return nil
}

func kindPrefix(kind domain.EntityKind) string {
	if kind == domain.KindWorkOrder {
		return "wo/"
	}
	return "rr/"
}

func recordKey(ref domain.EntityRef) []byte {
	return []byte(fmt.Sprintf("%s%020d", kindPrefix(ref.Kind), ref.ID))
}

func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", eventPrefix, seq))
}

func indexKey(ref domain.EntityRef, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s%020d/%020d", indexPrefix, kindPrefix(ref.Kind), ref.ID, seq))
}

func indexRange(ref domain.EntityRef) *util.Range {
	return util.BytesPrefix([]byte(fmt.Sprintf("%s%s%020d/", indexPrefix, kindPrefix(ref.Kind), ref.ID)))
}

// Get returns the current state of one entity.
func (l *Ledger) Get(ctx context.Context, ref domain.EntityRef) (domain.Snapshot, error) {
	if err := checkCtx(ctx, "get"); err != nil {
		return domain.Snapshot{}, err
	}
	return l.load(ref)
}

func (l *Ledger) load(ref domain.EntityRef) (domain.Snapshot, error) {
	if ref.Kind != domain.KindRepairRequest && ref.Kind != domain.KindWorkOrder {
		return domain.Snapshot{}, domain.Errorf(domain.CodeInvalidInput, "unknown entity kind %q", ref.Kind)
	}
	data, err := l.db.Get(recordKey(ref), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return domain.Snapshot{}, domain.NotExist(ref.Kind)
	}
	if err != nil {
		return domain.Snapshot{}, unavailable(err, "read "+ref.String())
	}
	var snap domain.Snapshot
	if ref.Kind == domain.KindWorkOrder {
		snap.WorkOrder = &domain.WorkOrder{}
		err = json.Unmarshal(data, snap.WorkOrder)
	} else {
		snap.Request = &domain.RepairRequest{}
		err = json.Unmarshal(data, snap.Request)
	}
	if err != nil {
		return domain.Snapshot{}, unavailable(err, "decode "+ref.String())
	}
	return snap, nil
}

func (l *Ledger) counter(name string) (uint64, error) {
	data, err := l.db.Get([]byte(seqPrefix+name), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable(err, "read sequence "+name)
	}
	n, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, unavailable(err, "parse sequence "+name)
	}
	return n, nil
}

// commit writes the record and its event in one batch. The caller holds l.mu.
func (l *Ledger) commit(snap domain.Snapshot, ev *domain.LedgerEvent, newID string) error {
	batch := new(leveldb.Batch)
	var (
		record []byte
		err    error
	)
	if snap.WorkOrder != nil {
		record, err = json.Marshal(snap.WorkOrder)
	} else {
		record, err = json.Marshal(snap.Request)
	}
	if err != nil {
		return errors.Wrap(err, "encode record")
	}
	ref := snap.Ref()
	batch.Put(recordKey(ref), record)
	if newID != "" {
		batch.Put([]byte(seqPrefix+newID), []byte(strconv.FormatUint(ref.ID, 10)))
	}
	last, err := l.counter("ev")
	if err != nil {
		return err
	}
	ev.Seq = last + 1
	evData, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	batch.Put(eventKey(ev.Seq), evData)
	batch.Put(indexKey(ref, ev.Seq), nil)
	batch.Put([]byte(seqPrefix+"ev"), []byte(strconv.FormatUint(ev.Seq, 10)))
	if err := l.db.Write(batch, nil); err != nil {
		return unavailable(err, "commit "+ref.String())
	}
	l.logger().Printf("committed %s seq=%d %s", ev.Type, ev.Seq, ref)
	return nil
}

type NewRequest struct {
	Actor           string
	PropertyID      string
	Landlord        string
	Urgency         domain.Urgency
	DescriptionHash string
}

// CreateRequest opens a repair request on behalf of the actor, who becomes its initiator.
func (l *Ledger) CreateRequest(ctx context.Context, in NewRequest) (domain.Snapshot, error) {
	if err := checkCtx(ctx, "create repair request"); err != nil {
		return domain.Snapshot{}, err
	}
	initiator := auth.Canonical(in.Actor)
	landlord := auth.Canonical(in.Landlord)
	switch {
	case initiator == "":
		return domain.Snapshot{}, domain.Errorf(domain.CodeInvalidInput, "initiator is required")
	case landlord == "":
		return domain.Snapshot{}, domain.Errorf(domain.CodeInvalidInput, "property has no landlord")
	case initiator == landlord:
		return domain.Snapshot{}, domain.Errorf(domain.CodeInvalidInput, "landlord cannot open a repair request on their own property")
	case in.DescriptionHash == "":
		return domain.Snapshot{}, domain.Errorf(domain.CodeInvalidInput, "description hash is required")
	case !in.Urgency.Valid():
		return domain.Snapshot{}, domain.Errorf(domain.CodeInvalidInput, "invalid urgency %q", in.Urgency)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	last, err := l.counter(string(domain.KindRepairRequest))
	if err != nil {
		return domain.Snapshot{}, err
	}
	now := l.stamp(time.Time{})
	rr := domain.RepairRequest{
		ID:              last + 1,
		PropertyID:      in.PropertyID,
		Landlord:        landlord,
		Initiator:       initiator,
		Urgency:         in.Urgency,
		Status:          domain.StatusPending,
		DescriptionHash: in.DescriptionHash,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	snap := domain.Snapshot{Request: &rr}
	ev := domain.LedgerEvent{
		Type:      domain.LedgerEventCreated,
		Ref:       rr.Ref(),
		Actor:     initiator,
		NewStatus: string(rr.Status),
		Field:     domain.FieldDescription,
		NewHash:   rr.DescriptionHash,
		Timestamp: now,
	}
	if err := l.commit(snap, &ev, string(domain.KindRepairRequest)); err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

type NewWorkOrder struct {
	Actor           string
	RepairRequestID uint64
	Contractor      string
	AgreedPrice     uint64
	DescriptionHash string
}

// CreateWorkOrder drafts a work order against an open repair request. Only
// the request's landlord may do so.
func (l *Ledger) CreateWorkOrder(ctx context.Context, in NewWorkOrder) (domain.Snapshot, error) {
	if err := checkCtx(ctx, "create work order"); err != nil {
		return domain.Snapshot{}, err
	}
	contractor := auth.Canonical(in.Contractor)
	if contractor == "" {
		return domain.Snapshot{}, domain.Errorf(domain.CodeInvalidInput, "contractor is required")
	}
	if in.DescriptionHash == "" {
		return domain.Snapshot{}, domain.Errorf(domain.CodeInvalidInput, "description hash is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	parent, err := l.load(domain.RequestRef(in.RepairRequestID))
	if err != nil {
		return domain.Snapshot{}, err
	}
	rr := parent.Request
	if _, err := auth.Gate(in.Actor, *rr, auth.DraftAction()); err != nil {
		return domain.Snapshot{}, err
	}
	if rr.Status.IsTerminal() {
		return domain.Snapshot{}, domain.Errorf(domain.CodeImmutableState, "repair request is %s and can no longer take work orders", rr.Status)
	}
	if contractor == rr.Landlord {
		return domain.Snapshot{}, domain.Errorf(domain.CodeInvalidInput, "contractor must differ from the landlord")
	}
	last, err := l.counter(string(domain.KindWorkOrder))
	if err != nil {
		return domain.Snapshot{}, err
	}
	now := l.stamp(time.Time{})
	wo := domain.WorkOrder{
		ID:              last + 1,
		RepairRequestID: rr.ID,
		Landlord:        rr.Landlord,
		Contractor:      contractor,
		AgreedPrice:     in.AgreedPrice,
		DescriptionHash: in.DescriptionHash,
		Status:          domain.WorkOrderDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	snap := domain.Snapshot{WorkOrder: &wo}
	ev := domain.LedgerEvent{
		Type:      domain.LedgerEventCreated,
		Ref:       wo.Ref(),
		Actor:     rr.Landlord,
		NewStatus: string(wo.Status),
		Field:     domain.FieldDescription,
		NewHash:   wo.DescriptionHash,
		Timestamp: now,
	}
	if err := l.commit(snap, &ev, string(domain.KindWorkOrder)); err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

// StatusChange asks the ledger to move an entity to Next. A non-empty
// Expected must equal the stored status or the change fails with
// PreconditionFailed.
type StatusChange struct {
	Ref      domain.EntityRef
	Actor    string
	Expected string
	Next     string
}

func (l *Ledger) UpdateStatus(ctx context.Context, c StatusChange) (domain.Snapshot, error) {
	if err := checkCtx(ctx, "update status"); err != nil {
		return domain.Snapshot{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	snap, err := l.load(c.Ref)
	if err != nil {
		return domain.Snapshot{}, err
	}
	var old string
	var now time.Time
	switch {
	case snap.Request != nil:
		rr := snap.Request
		old = string(rr.Status)
		if c.Expected != "" && c.Expected != old {
			return domain.Snapshot{}, domain.Errorf(domain.CodePreconditionFailed, "repair request is %s, expected %s", old, c.Expected)
		}
		next := domain.RequestStatus(c.Next)
		if err := status.TransitionAllowed(rr.Status, next, auth.ResolveRole(c.Actor, *rr)); err != nil {
			return domain.Snapshot{}, err
		}
		now = l.stamp(rr.UpdatedAt)
		rr.Status = next
		rr.UpdatedAt = now
	case snap.WorkOrder != nil:
		wo := snap.WorkOrder
		old = string(wo.Status)
		if c.Expected != "" && c.Expected != old {
			return domain.Snapshot{}, domain.Errorf(domain.CodePreconditionFailed, "work order is %s, expected %s", old, c.Expected)
		}
		next := domain.WorkOrderStatus(c.Next)
		if err := status.WorkOrderTransitionAllowed(wo.Status, next, auth.ResolveRole(c.Actor, *wo)); err != nil {
			return domain.Snapshot{}, err
		}
		now = l.stamp(wo.UpdatedAt)
		wo.Status = next
		wo.UpdatedAt = now
	}
	ev := domain.LedgerEvent{
		Type:      domain.LedgerEventStatusChanged,
		Ref:       c.Ref,
		Actor:     auth.Canonical(c.Actor),
		OldStatus: old,
		NewStatus: c.Next,
		Timestamp: now,
	}
	if err := l.commit(snap, &ev, ""); err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

// ContentChange overwrites one content hash. With CheckExpected set the
// stored hash must equal ExpectedHash or the change fails with Conflict.
type ContentChange struct {
	Ref           domain.EntityRef
	Actor         string
	Field         domain.ContentField
	NewHash       string
	ExpectedHash  string
	CheckExpected bool
}

func (l *Ledger) UpdateContentHash(ctx context.Context, c ContentChange) (domain.Snapshot, domain.AuditReceipt, error) {
	if err := checkCtx(ctx, "update content hash"); err != nil {
		return domain.Snapshot{}, domain.AuditReceipt{}, err
	}
	if c.NewHash == "" {
		return domain.Snapshot{}, domain.AuditReceipt{}, domain.Errorf(domain.CodeInvalidInput, "new hash is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	snap, err := l.load(c.Ref)
	if err != nil {
		return domain.Snapshot{}, domain.AuditReceipt{}, err
	}
	old, ok := snap.Hash(c.Field)
	if !ok {
		return domain.Snapshot{}, domain.AuditReceipt{}, domain.Errorf(domain.CodeInvalidInput, "%s has no %s field", c.Ref.Kind.Title(), c.Field)
	}
	if snap.Request != nil && snap.Request.Status.IsTerminal() {
		return domain.Snapshot{}, domain.AuditReceipt{}, domain.Errorf(domain.CodeImmutableState, "repair request is %s and can no longer change", snap.Request.Status)
	}
	if snap.WorkOrder != nil && snap.WorkOrder.Status == domain.WorkOrderSigned {
		return domain.Snapshot{}, domain.AuditReceipt{}, domain.Errorf(domain.CodeImmutableState, "work order is signed and can no longer change")
	}
	if _, err := auth.Gate(c.Actor, snap.Entity(), auth.ContentAction(c.Ref.Kind, c.Field)); err != nil {
		return domain.Snapshot{}, domain.AuditReceipt{}, err
	}
	if c.CheckExpected && c.ExpectedHash != old {
		return domain.Snapshot{}, domain.AuditReceipt{}, domain.Errorf(domain.CodeConflict, "%s %s changed since it was read", c.Ref.Kind.Title(), c.Field)
	}
	if c.NewHash == old {
		return domain.Snapshot{}, domain.AuditReceipt{}, domain.Errorf(domain.CodeInvalidInput, "%s is unchanged", c.Field)
	}
	var now time.Time
	switch {
	case snap.Request != nil:
		now = l.stamp(snap.Request.UpdatedAt)
		snap.Request.UpdatedAt = now
		if c.Field == domain.FieldWorkDetails {
			snap.Request.WorkDetailsHash = c.NewHash
		} else {
			snap.Request.DescriptionHash = c.NewHash
		}
	case snap.WorkOrder != nil:
		now = l.stamp(snap.WorkOrder.UpdatedAt)
		snap.WorkOrder.UpdatedAt = now
		snap.WorkOrder.DescriptionHash = c.NewHash
	}
	ev := domain.LedgerEvent{
		Type:      domain.LedgerEventContentUpdated,
		Ref:       c.Ref,
		Actor:     auth.Canonical(c.Actor),
		Field:     c.Field,
		OldHash:   old,
		NewHash:   c.NewHash,
		Timestamp: now,
	}
	if err := l.commit(snap, &ev, ""); err != nil {
		return domain.Snapshot{}, domain.AuditReceipt{}, err
	}
	receipt := domain.AuditReceipt{
		Ref:       c.Ref,
		Field:     c.Field,
		OldHash:   old,
		NewHash:   c.NewHash,
		Timestamp: now,
		Seq:       ev.Seq,
	}
	return snap, receipt, nil
}

// Events returns the history of one entity in commit order.
func (l *Ledger) Events(ctx context.Context, ref domain.EntityRef) ([]domain.LedgerEvent, error) {
	if err := checkCtx(ctx, "events"); err != nil {
		return nil, err
	}
	if _, err := l.load(ref); err != nil {
		return nil, err
	}
	iter := l.db.NewIterator(indexRange(ref), nil)
	defer iter.Release()
	var out []domain.LedgerEvent
	for iter.Next() {
		key := string(iter.Key())
		seq, err := strconv.ParseUint(key[len(key)-20:], 10, 64)
		if err != nil {
			return nil, unavailable(err, "parse index key")
		}
		ev, err := l.event(seq)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := iter.Error(); err != nil {
		return nil, unavailable(err, "iterate events")
	}
	return out, nil
}

func (l *Ledger) event(seq uint64) (domain.LedgerEvent, error) {
	data, err := l.db.Get(eventKey(seq), nil)
	if err != nil {
		return domain.LedgerEvent{}, unavailable(err, fmt.Sprintf("read event %d", seq))
	}
	var ev domain.LedgerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return domain.LedgerEvent{}, unavailable(err, fmt.Sprintf("decode event %d", seq))
	}
	return ev, nil
}

// Log returns up to limit events with a sequence number above after.
func (l *Ledger) Log(ctx context.Context, after uint64, limit int) ([]domain.LedgerEvent, error) {
	if err := checkCtx(ctx, "log"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	iter := l.db.NewIterator(util.BytesPrefix([]byte(eventPrefix)), nil)
	defer iter.Release()
	var out []domain.LedgerEvent
	for ok := iter.Seek(eventKey(after + 1)); ok && len(out) < limit; ok = iter.Next() {
		var ev domain.LedgerEvent
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, unavailable(err, "decode event")
		}
		out = append(out, ev)
	}
	if err := iter.Error(); err != nil {
		return nil, unavailable(err, "iterate log")
	}
	return out, nil
}

// Refs lists every entity the ledger knows, repair requests first.
func (l *Ledger) Refs(ctx context.Context) ([]domain.EntityRef, error) {
	if err := checkCtx(ctx, "refs"); err != nil {
		return nil, err
	}
	var refs []domain.EntityRef
	for _, kind := range []domain.EntityKind{domain.KindRepairRequest, domain.KindWorkOrder} {
		last, err := l.counter(string(kind))
		if err != nil {
			return nil, err
		}
		for id := uint64(1); id <= last; id++ {
			refs = append(refs, domain.EntityRef{Kind: kind, ID: id})
		}
	}
	return refs, nil
}
