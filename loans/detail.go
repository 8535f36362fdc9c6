/*
detail.go - Tracking detail store: lifecycle of every loaned unit

PURPOSE:
  Owns the per-unit (serial) or per-batch (aggregate) records created when a
  loan is confirmed, and is the only code allowed to change their status.

STATE MACHINE (initial state: active):
  active             -> pending_resolution | sold | returned_*
  pending_resolution -> active | sold | returned_*
  sold, returned_*   -> (terminal)

  Anything else fails with IllegalTransition and leaves the record untouched.

SPLITTING:
  A partial outcome splits a record. The original ID keeps the remainder
  (same status, reduced quantity); the resolved portion is a new record
  with ParentID pointing at the original, already terminal. Quantities
  across the split always sum to the pre-split quantity.

SERIAL INVARIANT:
  Serial products: quantity == 1 and serial != "". Never split.
  Other products:  serial == "".

IMMUTABILITY:
  Terminal records only accept Annotate (notes) and Link (external refs).

SEE ALSO:
  - resolution.go: Drives details to terminal states
  - confirmation.go: Creates details
*/
package loans

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TRANSITION TABLE
// =============================================================================

var detailTransitions = map[DetailStatus][]DetailStatus{
	DetailActive: {
		DetailPendingResolution,
		DetailSold, DetailReturnedGood, DetailReturnedDamaged, DetailReturnedDefective,
	},
	DetailPendingResolution: {
		DetailActive,
		DetailSold, DetailReturnedGood, DetailReturnedDamaged, DetailReturnedDefective,
	},
}

// CanTransition reports whether a detail may move from one status to another.
func CanTransition(from, to DetailStatus) bool {
	for _, s := range detailTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// =============================================================================
// TRACKER
// =============================================================================

// NewDetail is the input of Tracker.Create.
type NewDetail struct {
	TransferID     TransferID
	Product        Product
	Serial         string
	Quantity       decimal.Decimal
	UnitCost       decimal.Decimal
	LoanedAt       time.Time
	Borrower       BorrowerID
	SourceLocation LocationID
}

// ResolutionMeta is stamped on a detail when its status changes.
type ResolutionMeta struct {
	Actor          string
	At             time.Time
	SalePrice      *decimal.Decimal // applied on sold only
	SaleRef        string
	ReturnRef      string
	ConditionNotes string
}

// Tracker enforces the detail state machine over a DetailStore.
type Tracker struct {
	Store DetailStore
	Now   func() time.Time
}

// NewTracker creates a tracker. A nil clock uses time.Now.
func NewTracker(store DetailStore, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{Store: store, Now: now}
}

// Create validates and persists a new active detail.
func (t *Tracker) Create(ctx context.Context, nd NewDetail) (DetailID, error) {
	if err := checkDetailQuantity(nd.Product, nd.Serial, nd.Quantity); err != nil {
		return "", err
	}

	now := t.Now()
	d := TrackingDetail{
		ID:             DetailID(NewID("det")),
		TransferID:     nd.TransferID,
		Product:        nd.Product.ID,
		Serial:         nd.Serial,
		Quantity:       nd.Quantity,
		Status:         DetailActive,
		Borrower:       nd.Borrower,
		SourceLocation: nd.SourceLocation,
		LoanedAt:       nd.LoanedAt,
		UnitCost:       nd.UnitCost,
		ChangedAt:      now,
	}
	if err := t.Store.CreateDetail(ctx, d); err != nil {
		return "", err
	}
	return d.ID, nil
}

func checkDetailQuantity(p Product, serial string, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return &InvalidQuantityError{Product: p.ID, Reason: "quantity must be positive"}
	}
	if p.IsSerial() {
		if serial == "" {
			return &InvalidQuantityError{Product: p.ID, Reason: "serial-tracked product requires a serial"}
		}
		if !qty.Equal(decimal.NewFromInt(1)) {
			return &InvalidQuantityError{Product: p.ID, Reason: "serial-tracked quantity must be 1"}
		}
		return nil
	}
	if serial != "" {
		return &InvalidQuantityError{Product: p.ID, Reason: "serial given for a product without serial tracking"}
	}
	return nil
}

// Transition moves a whole detail to a new status.
func (t *Tracker) Transition(ctx context.Context, id DetailID, to DetailStatus, meta ResolutionMeta) error {
	d, err := t.Store.GetDetail(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(d.Status, to) {
		return &IllegalTransitionError{Subject: "detail", ID: string(id), From: string(d.Status), To: string(to)}
	}

	t.apply(&d, to, meta)
	return t.Store.UpdateDetail(ctx, d)
}

// Split carves qty off a detail into a new record with the terminal status.
// The original keeps its ID and status with the remaining quantity.
func (t *Tracker) Split(ctx context.Context, id DetailID, qty decimal.Decimal, terminal DetailStatus, meta ResolutionMeta) (terminalID, remainderID DetailID, err error) {
	d, err := t.Store.GetDetail(ctx, id)
	if err != nil {
		return "", "", err
	}
	if d.Serial != "" {
		return "", "", &InvalidQuantityError{Product: d.Product, Reason: "serial units cannot be split"}
	}
	if !qty.IsPositive() || qty.GreaterThanOrEqual(d.Quantity) {
		return "", "", &InvalidQuantityError{
			Product: d.Product,
			Reason:  "split quantity must be greater than 0 and less than " + d.Quantity.String(),
		}
	}
	if !terminal.IsTerminal() || !CanTransition(d.Status, terminal) {
		return "", "", &IllegalTransitionError{Subject: "detail", ID: string(id), From: string(d.Status), To: string(terminal)}
	}

	part := d
	part.ID = DetailID(NewID("det"))
	part.ParentID = d.ID
	part.Quantity = qty
	part.SaleRef, part.ReturnRef = "", ""
	t.apply(&part, terminal, meta)

	d.Quantity = d.Quantity.Sub(qty)
	d.ChangedBy = meta.Actor
	d.ChangedAt = t.stamp(meta)

	if err := t.Store.UpdateDetail(ctx, d); err != nil {
		return "", "", err
	}
	if err := t.Store.CreateDetail(ctx, part); err != nil {
		return "", "", err
	}
	return part.ID, d.ID, nil
}

// Annotate sets the free-text fields. Allowed in any status.
func (t *Tracker) Annotate(ctx context.Context, id DetailID, notes, conditionNotes *string) error {
	d, err := t.Store.GetDetail(ctx, id)
	if err != nil {
		return err
	}
	if notes != nil {
		d.Notes = *notes
	}
	if conditionNotes != nil {
		d.ReturnConditionNotes = *conditionNotes
	}
	return t.Store.UpdateDetail(ctx, d)
}

// Link replaces the sale or return reference with the collaborator's own.
func (t *Tracker) Link(ctx context.Context, id DetailID, saleRef, returnRef string) error {
	d, err := t.Store.GetDetail(ctx, id)
	if err != nil {
		return err
	}
	if saleRef != "" {
		d.SaleRef = saleRef
	}
	if returnRef != "" {
		d.ReturnRef = returnRef
	}
	return t.Store.UpdateDetail(ctx, d)
}

func (t *Tracker) apply(d *TrackingDetail, to DetailStatus, meta ResolutionMeta) {
	at := t.stamp(meta)
	d.Status = to
	d.ChangedBy = meta.Actor
	d.ChangedAt = at

	if !to.IsTerminal() {
		d.ResolvedAt = nil
		return
	}
	d.ResolvedAt = &at
	if to == DetailSold && meta.SalePrice != nil {
		price := *meta.SalePrice
		d.SalePrice = &price
		d.SaleRef = meta.SaleRef
	}
	if to.IsReturn() {
		d.ReturnRef = meta.ReturnRef
		if meta.ConditionNotes != "" {
			d.ReturnConditionNotes = meta.ConditionNotes
		}
	}
}

func (t *Tracker) stamp(meta ResolutionMeta) time.Time {
	if !meta.At.IsZero() {
		return meta.At
	}
	return t.Now()
}
