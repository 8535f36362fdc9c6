/*
ledger.go - Quantity ledger: what is on loan and what is reserved

PURPOSE:
  Pure read functions over tracking details and movements. They never
  mutate anything; QuantityLedger only loads the rows and hands them to
  the pure functions.

DEFINITIONS:
  onLoan(product, location)    = Σ quantity of details in {active, pending_resolution}
                                 whose source location matches (any if empty)
  committed(product, location) = onLoan + Σ quantity of sold details whose sale
                                 has not reached the stock book (AwaitingSale)
  reserved(product, location)  = Σ quantity of committed (not done) movements
                                 of loan transfers other than the excluded one

  The stock book only drops a sold unit when its sale intent is dispatched,
  so availability subtracts committed, not onLoan.

SERIALS:
  SerialsOnLoan and SerialsReserved return sets instead of sums, because a
  serial is either taken or free.

SEE ALSO:
  - availability.go: Combines these with physical on-hand stock
*/
package loans

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PURE FUNCTIONS
// =============================================================================

// OnLoanQuantity sums quantities of on-loan details for product at location.
// An empty location matches every source location.
func OnLoanQuantity(details []TrackingDetail, product ProductID, location LocationID) decimal.Decimal {
	total := decimal.Zero
	for _, d := range details {
		if d.Product != product || !d.Status.IsOnLoan() {
			continue
		}
		if location != "" && d.SourceLocation != location {
			continue
		}
		total = total.Add(d.Quantity)
	}
	return total
}

// CommittedQuantity sums quantities of details of product at location that
// still hold stock. An empty location matches every source location.
func CommittedQuantity(details []TrackingDetail, product ProductID, location LocationID) decimal.Decimal {
	total := decimal.Zero
	for _, d := range details {
		if d.Product != product || !d.HoldsStock() {
			continue
		}
		if location != "" && d.SourceLocation != location {
			continue
		}
		total = total.Add(d.Quantity)
	}
	return total
}

// ReservedByPendingTransfers sums committed movements for product at location,
// skipping the movements of exclude.
func ReservedByPendingTransfers(movements []Movement, product ProductID, location LocationID, exclude TransferID) decimal.Decimal {
	total := decimal.Zero
	for _, m := range movements {
		if !isReservation(m, product, location, exclude) {
			continue
		}
		total = total.Add(m.Quantity)
	}
	return total
}

// SerialsOnLoan returns the serials of product held by on-loan details.
func SerialsOnLoan(details []TrackingDetail, product ProductID) map[string]bool {
	out := make(map[string]bool)
	for _, d := range details {
		if d.Product == product && d.Serial != "" && d.Status.IsOnLoan() {
			out[d.Serial] = true
		}
	}
	return out
}

// SerialsCommitted returns the serials of product held by details that still
// hold stock.
func SerialsCommitted(details []TrackingDetail, product ProductID) map[string]bool {
	out := make(map[string]bool)
	for _, d := range details {
		if d.Product == product && d.Serial != "" && d.HoldsStock() {
			out[d.Serial] = true
		}
	}
	return out
}

// SerialsReserved returns the serials of product on committed movements of
// transfers other than exclude.
func SerialsReserved(movements []Movement, product ProductID, location LocationID, exclude TransferID) map[string]bool {
	out := make(map[string]bool)
	for _, m := range movements {
		if !isReservation(m, product, location, exclude) {
			continue
		}
		for _, s := range m.Serials {
			out[s] = true
		}
	}
	return out
}

func isReservation(m Movement, product ProductID, location LocationID, exclude TransferID) bool {
	return m.State == MovementCommitted &&
		m.Product == product &&
		m.Source == location &&
		(exclude == "" || m.TransferID != exclude)
}

// =============================================================================
// STORE-BACKED LEDGER
// =============================================================================

// QuantityLedger evaluates the pure functions against a Store.
type QuantityLedger struct {
	Store Store
}

// OnLoan returns the quantity of product currently on loan from location.
func (l QuantityLedger) OnLoan(ctx context.Context, product ProductID, location LocationID) (decimal.Decimal, error) {
	details, err := l.Store.ListDetails(ctx, DetailFilter{
		Product:        product,
		SourceLocation: location,
		Statuses:       OnLoanStatuses,
	})
	if err != nil {
		return decimal.Zero, err
	}
	return OnLoanQuantity(details, product, location), nil
}

// Committed returns the quantity of product at location on loan or sold and
// awaiting its sale.
func (l QuantityLedger) Committed(ctx context.Context, product ProductID, location LocationID) (decimal.Decimal, error) {
	details, err := l.Store.ListDetails(ctx, DetailFilter{
		Product:        product,
		SourceLocation: location,
		Statuses:       stockHoldingStatuses,
	})
	if err != nil {
		return decimal.Zero, err
	}
	return CommittedQuantity(details, product, location), nil
}

// Reserved returns the quantity of product reserved at location by pending
// loan transfers other than exclude.
func (l QuantityLedger) Reserved(ctx context.Context, product ProductID, location LocationID, exclude TransferID) (decimal.Decimal, error) {
	movements, err := l.committedMovements(ctx, product, location)
	if err != nil {
		return decimal.Zero, err
	}
	return ReservedByPendingTransfers(movements, product, location, exclude), nil
}

// SerialsOnLoan returns the serials of product held by on-loan details, any location.
func (l QuantityLedger) SerialsOnLoan(ctx context.Context, product ProductID) (map[string]bool, error) {
	details, err := l.Store.ListDetails(ctx, DetailFilter{Product: product, Statuses: OnLoanStatuses})
	if err != nil {
		return nil, err
	}
	return SerialsOnLoan(details, product), nil
}

// SerialsCommitted returns the serials of product that still hold stock, any location.
func (l QuantityLedger) SerialsCommitted(ctx context.Context, product ProductID) (map[string]bool, error) {
	details, err := l.Store.ListDetails(ctx, DetailFilter{Product: product, Statuses: stockHoldingStatuses})
	if err != nil {
		return nil, err
	}
	return SerialsCommitted(details, product), nil
}

// SerialsReserved returns serials of product reserved at location by others.
func (l QuantityLedger) SerialsReserved(ctx context.Context, product ProductID, location LocationID, exclude TransferID) (map[string]bool, error) {
	movements, err := l.committedMovements(ctx, product, location)
	if err != nil {
		return nil, err
	}
	return SerialsReserved(movements, product, location, exclude), nil
}

func (l QuantityLedger) committedMovements(ctx context.Context, product ProductID, location LocationID) ([]Movement, error) {
	return l.Store.ListMovements(ctx, MovementFilter{
		Product: product,
		Source:  location,
		States:  []MovementState{MovementCommitted},
	})
}
