// Package gateway is the only write path to the ledger. It validates intents,
// holds an exclusive owner slot per entity while a submission is in flight,
// and bounds every ledger round-trip with a timeout.
package gateway

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"repairline/internal/domain"
	"repairline/internal/ledger"
)

// Contract is the ledger surface the gateway drives.
type Contract interface {
	Get(ctx context.Context, ref domain.EntityRef) (domain.Snapshot, error)
	Events(ctx context.Context, ref domain.EntityRef) ([]domain.LedgerEvent, error)
	CreateRequest(ctx context.Context, in ledger.NewRequest) (domain.Snapshot, error)
	CreateWorkOrder(ctx context.Context, in ledger.NewWorkOrder) (domain.Snapshot, error)
	UpdateStatus(ctx context.Context, c ledger.StatusChange) (domain.Snapshot, error)
	UpdateContentHash(ctx context.Context, c ledger.ContentChange) (domain.Snapshot, domain.AuditReceipt, error)
}

type IntentKind string

const (
	IntentCreateRequest   IntentKind = "create_request"
	IntentCreateWorkOrder IntentKind = "create_work_order"
	IntentUpdateStatus    IntentKind = "update_status"
	IntentUpdateContent   IntentKind = "update_content"
)

// Intent is one state-changing request to the ledger.
type Intent struct {
	Kind            IntentKind          `json:"kind"`
	Actor           string              `json:"actor"`
	Ref             *domain.EntityRef   `json:"ref,omitempty"`
	PropertyID      string              `json:"property_id,omitempty"`
	Landlord        string              `json:"landlord,omitempty"`
	Urgency         domain.Urgency      `json:"urgency,omitempty"`
	RepairRequestID uint64              `json:"repair_request_id,omitempty"`
	Contractor      string              `json:"contractor,omitempty"`
	AgreedPrice     uint64              `json:"agreed_price,omitempty"`
	Status          string              `json:"status,omitempty"`
	ExpectedStatus  string              `json:"expected_status,omitempty"`
	Field           domain.ContentField `json:"field,omitempty"`
	Hash            string              `json:"hash,omitempty"`
	ExpectedHash    string              `json:"expected_hash,omitempty"`
	CheckExpected   bool                `json:"check_expected,omitempty"`
}

// Receipt is returned only once the ledger has accepted an intent.
type Receipt struct {
	Snapshot domain.Snapshot
	Audit    *domain.AuditReceipt
}

type BusyPolicy string

const (
	BusyReject BusyPolicy = "reject"
	BusyQueue  BusyPolicy = "queue"
)

const DefaultTimeout = 10 * time.Second

//go:embed intent.schema.json
var intentSchemaJSON []byte

var intentSchema = mustSchema(intentSchemaJSON)

func mustSchema(data []byte) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		panic(fmt.Sprintf("intent schema: %v", err))
	}
	return s
}

// Validate checks an intent's shape. Malformed intents are permanent
// failures and never reach the ledger.
func Validate(in Intent) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return domain.Errorf(domain.CodeRejected, "encode intent: %v", err)
	}
	result, err := intentSchema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return domain.Errorf(domain.CodeRejected, "intent validation: %v", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return domain.Errorf(domain.CodeRejected, "malformed intent: %s", strings.Join(msgs, "; "))
	}
	return nil
}

type Gateway struct {
	Contract Contract
	Timeout  time.Duration
	OnBusy   BusyPolicy
	Logger   *log.Logger

	mu     sync.Mutex
	owners map[domain.EntityRef]chan struct{}
}

func New(c Contract, timeout time.Duration, onBusy BusyPolicy) *Gateway {
	return &Gateway{Contract: c, Timeout: timeout, OnBusy: onBusy}
}

func (g *Gateway) timeout() time.Duration {
	if g.Timeout <= 0 {
		return DefaultTimeout
	}
	return g.Timeout
}

func (g *Gateway) logger() *log.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return log.New(io.Discard, "", 0)
}

// InFlight reports whether a submission currently owns ref.
func (g *Gateway) InFlight(ref domain.EntityRef) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.owners[ref]
	return ok
}

// acquire takes the exclusive owner slot for ref. The returned func releases it.
func (g *Gateway) acquire(ctx context.Context, ref domain.EntityRef) (func(), error) {
	for {
		g.mu.Lock()
		if g.owners == nil {
			g.owners = map[domain.EntityRef]chan struct{}{}
		}
		held, busy := g.owners[ref]
		if !busy {
			done := make(chan struct{})
			g.owners[ref] = done
			g.mu.Unlock()
			return func() {
				g.mu.Lock()
				delete(g.owners, ref)
				g.mu.Unlock()
				close(done)
			}, nil
		}
		g.mu.Unlock()
		if g.OnBusy != BusyQueue {
			return nil, domain.Errorf(domain.CodeBusy, "%s has a submission in flight", ref)
		}
		select {
		case <-held:
		case <-ctx.Done():
			return nil, domain.Errorf(domain.CodeBusy, "%s still busy: %v", ref, ctx.Err())
		}
	}
}

type result struct {
	receipt Receipt
	err     error
}

// run executes fn under the gateway timeout. release, when set, is called
// only after fn has returned, so the owner slot outlives a timed-out caller.
func (g *Gateway) run(ctx context.Context, ref *domain.EntityRef, fn func(context.Context) (Receipt, error)) (Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout())
	var release func()
	if ref != nil {
		var err error
		release, err = g.acquire(ctx, *ref)
		if err != nil {
			cancel()
			return Receipt{}, err
		}
	}
	done := make(chan result, 1)
	go func() {
		defer cancel()
		if release != nil {
			defer release()
		}
		r, err := fn(ctx)
		done <- result{receipt: r, err: classify(err)}
	}()
	select {
	case res := <-done:
		return res.receipt, res.err
	case <-ctx.Done():
		g.logger().Printf("ledger did not answer within %s", g.timeout())
		return Receipt{}, domain.Errorf(domain.CodeLedgerUnavailable, "ledger did not confirm: %v", ctx.Err())
	}
}

// classify keeps typed ledger failures and marks anything else transient.
func classify(err error) error {
	if err == nil || domain.CodeOf(err) != "" || errors.Is(err, domain.ErrUnauthorized) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrLedgerUnavailable, err)
}

// Submit sends an intent to the ledger and waits for its confirmation.
func (g *Gateway) Submit(ctx context.Context, in Intent) (Receipt, error) {
	if err := Validate(in); err != nil {
		return Receipt{}, err
	}
	switch in.Kind {
	case IntentCreateRequest:
		return g.run(ctx, nil, func(ctx context.Context) (Receipt, error) {
			snap, err := g.Contract.CreateRequest(ctx, ledger.NewRequest{
				Actor:           in.Actor,
				PropertyID:      in.PropertyID,
				Landlord:        in.Landlord,
				Urgency:         in.Urgency,
				DescriptionHash: in.Hash,
			})
			return Receipt{Snapshot: snap}, err
		})
	case IntentCreateWorkOrder:
		// the parent request is locked so a work order never races its status change
		parent := domain.RequestRef(in.RepairRequestID)
		return g.run(ctx, &parent, func(ctx context.Context) (Receipt, error) {
			snap, err := g.Contract.CreateWorkOrder(ctx, ledger.NewWorkOrder{
				Actor:           in.Actor,
				RepairRequestID: in.RepairRequestID,
				Contractor:      in.Contractor,
				AgreedPrice:     in.AgreedPrice,
				DescriptionHash: in.Hash,
			})
			return Receipt{Snapshot: snap}, err
		})
	case IntentUpdateStatus:
		return g.run(ctx, in.Ref, func(ctx context.Context) (Receipt, error) {
			snap, err := g.Contract.UpdateStatus(ctx, ledger.StatusChange{
				Ref:      *in.Ref,
				Actor:    in.Actor,
				Expected: in.ExpectedStatus,
				Next:     in.Status,
			})
			return Receipt{Snapshot: snap}, err
		})
	case IntentUpdateContent:
		return g.run(ctx, in.Ref, func(ctx context.Context) (Receipt, error) {
			snap, audit, err := g.Contract.UpdateContentHash(ctx, ledger.ContentChange{
				Ref:           *in.Ref,
				Actor:         in.Actor,
				Field:         in.Field,
				NewHash:       in.Hash,
				ExpectedHash:  in.ExpectedHash,
				CheckExpected: in.CheckExpected,
			})
			if err != nil {
				return Receipt{}, err
			}
			return Receipt{Snapshot: snap, Audit: &audit}, nil
		})
	}
	return Receipt{}, domain.Errorf(domain.CodeRejected, "unknown intent kind %q", in.Kind)
}

// Get reads ledger truth for ref under the gateway timeout. Reads never
// take the owner slot.
func (g *Gateway) Get(ctx context.Context, ref domain.EntityRef) (domain.Snapshot, error) {
	r, err := g.run(ctx, nil, func(ctx context.Context) (Receipt, error) {
		snap, err := g.Contract.Get(ctx, ref)
		return Receipt{Snapshot: snap}, err
	})
	return r.Snapshot, err
}

// Events reads the ledger history of ref.
func (g *Gateway) Events(ctx context.Context, ref domain.EntityRef) ([]domain.LedgerEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout())
	defer cancel()
	evs, err := g.Contract.Events(ctx, ref)
	return evs, classify(err)
}
