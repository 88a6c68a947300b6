// Package audit keeps the one-step-back hash chain of mutable text fields.
// Text never reaches the ledger; only its digest does, and every overwrite
// carries the digest it replaced.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/text/unicode/norm"

	"repairline/internal/domain"
	"repairline/internal/gateway"
)

// ContentDomain separates content digests from any other sha256 use.
const ContentDomain = "repairline/content/v1"

// HashContent returns the content-addressed pointer for text:
// hex(SHA256(domain + 0x00 + NFC(text))).
func HashContent(text string) string {
	h := sha256.New()
	h.Write([]byte(ContentDomain))
	h.Write([]byte{0x00})
	h.Write([]byte(norm.NFC.String(text)))
	return hex.EncodeToString(h.Sum(nil))
}

type Policy string

const (
	// PolicyPrecondition rejects an overwrite whose base hash is no longer current.
	PolicyPrecondition Policy = "precondition"
	// PolicyLastWriteWins commits every overwrite; the receipt records the
	// hash actually replaced.
	PolicyLastWriteWins Policy = "last_write_wins"
)

func (p Policy) Valid() bool {
	return p == PolicyPrecondition || p == PolicyLastWriteWins
}

// Ledger is the part of the gateway the trail needs.
type Ledger interface {
	Get(ctx context.Context, ref domain.EntityRef) (domain.Snapshot, error)
	Events(ctx context.Context, ref domain.EntityRef) ([]domain.LedgerEvent, error)
	Submit(ctx context.Context, in gateway.Intent) (gateway.Receipt, error)
}

type Trail struct {
	Ledger Ledger
	Policy Policy
}

// Update is one requested overwrite. Base, when set, is the hash the caller
// last read; otherwise the trail reads the current value itself.
type Update struct {
	Actor   string
	Ref     domain.EntityRef
	Field   domain.ContentField
	NewHash string
	Base    *string
}

// UpdateContent overwrites a hash pointer and returns the ledger's receipt
// together with the confirmed state.
func (t Trail) UpdateContent(ctx context.Context, u Update) (domain.AuditReceipt, domain.Snapshot, error) {
	cur, err := t.Ledger.Get(ctx, u.Ref)
	if err != nil {
		return domain.AuditReceipt{}, domain.Snapshot{}, err
	}
	old, ok := cur.Hash(u.Field)
	if !ok {
		return domain.AuditReceipt{}, domain.Snapshot{}, domain.Errorf(domain.CodeInvalidInput, "%s has no %s field", u.Ref.Kind.Title(), u.Field)
	}
	ref := u.Ref
	in := gateway.Intent{
		Kind:  gateway.IntentUpdateContent,
		Actor: u.Actor,
		Ref:   &ref,
		Field: u.Field,
		Hash:  u.NewHash,
	}
	if t.Policy != PolicyLastWriteWins {
		in.CheckExpected = true
		in.ExpectedHash = old
		if u.Base != nil {
			in.ExpectedHash = *u.Base
		}
	}
	r, err := t.Ledger.Submit(ctx, in)
	if err != nil {
		return domain.AuditReceipt{}, domain.Snapshot{}, err
	}
	if r.Audit == nil {
		return domain.AuditReceipt{}, domain.Snapshot{}, domain.Errorf(domain.CodeRejected, "ledger returned no audit receipt")
	}
	return *r.Audit, r.Snapshot, nil
}

// History returns every value field has held, oldest first. The creation
// entry has an empty OldHash.
func (t Trail) History(ctx context.Context, ref domain.EntityRef, field domain.ContentField) ([]domain.AuditReceipt, error) {
	evs, err := t.Ledger.Events(ctx, ref)
	if err != nil {
		return nil, err
	}
	var out []domain.AuditReceipt
	for _, ev := range evs {
		if ev.Field != field || ev.NewHash == "" {
			continue
		}
		out = append(out, domain.AuditReceipt{
			Ref:       ev.Ref,
			Field:     ev.Field,
			OldHash:   ev.OldHash,
			NewHash:   ev.NewHash,
			Timestamp: ev.Timestamp,
			Seq:       ev.Seq,
		})
	}
	return out, nil
}

var ErrBrokenChain = errors.New("audit chain broken")

// VerifyChain checks that each receipt replaces the previous receipt's hash
// and that receipts are in commit order.
func VerifyChain(receipts []domain.AuditReceipt) error {
	for i := 1; i < len(receipts); i++ {
		prev, cur := receipts[i-1], receipts[i]
		if cur.OldHash != prev.NewHash {
			return fmt.Errorf("%w: seq %d replaced %q, expected %q", ErrBrokenChain, cur.Seq, cur.OldHash, prev.NewHash)
		}
		if cur.Seq <= prev.Seq || cur.Timestamp.Before(prev.Timestamp) {
			return fmt.Errorf("%w: seq %d out of order", ErrBrokenChain, cur.Seq)
		}
	}
	return nil
}
