/*
availability.go - Available-for-loan quantity

PURPOSE:
  Answers "how much of product P at location L can go out on a new loan".

ALGORITHM:
  Aggregate products:
    available = physicalOnHand - reserved(excluding own transfer) - committed
    floored at zero (reservations can transiently exceed stock).

  Serial products:
    available = |serials on hand at L
                 - serials held by on-loan or not yet invoiced sold details
                 - serials reserved by other pending transfers|

CONCURRENCY:
  The calculator itself takes no lock. Opening and confirmation call it while
  holding the Locker keys for the pair (or serials), so the answer cannot go
  stale before the reservation or detail is written.

SEE ALSO:
  - ledger.go: committed and reserved
  - opening.go, confirmation.go: Callers that gate on the result
*/
package loans

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// AvailabilityCalculator combines collaborator stock with the ledger.
type AvailabilityCalculator struct {
	Store Store
	Stock StockCollaborator
}

// AvailableForNewLoan returns the quantity of product at location that a new
// loan may take. exclude names a transfer whose own reservations are ignored.
func (a AvailabilityCalculator) AvailableForNewLoan(ctx context.Context, product ProductID, location LocationID, exclude TransferID) (decimal.Decimal, error) {
	p, err := a.Store.GetProduct(ctx, product)
	if err != nil {
		return decimal.Zero, err
	}

	if p.IsSerial() {
		serials, err := a.AvailableSerials(ctx, product, location, exclude)
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromInt(int64(len(serials))), nil
	}

	physical, err := a.Stock.PhysicalOnHand(ctx, product, location)
	if err != nil {
		return decimal.Zero, err
	}
	return availableQuantity(ctx, a.Store, physical, product, location, exclude)
}

// AvailableSerials lists the serials of product at location free for a new loan.
func (a AvailabilityCalculator) AvailableSerials(ctx context.Context, product ProductID, location LocationID, exclude TransferID) ([]string, error) {
	onHand, err := a.Stock.SerialsOnHand(ctx, product, location)
	if err != nil {
		return nil, err
	}
	return availableSerials(ctx, a.Store, onHand, product, location, exclude)
}

// availableQuantity applies the aggregate formula against s, which may be a
// transactional view.
func availableQuantity(ctx context.Context, s Store, physical decimal.Decimal, product ProductID, location LocationID, exclude TransferID) (decimal.Decimal, error) {
	ledger := QuantityLedger{Store: s}
	reserved, err := ledger.Reserved(ctx, product, location, exclude)
	if err != nil {
		return decimal.Zero, err
	}
	committed, err := ledger.Committed(ctx, product, location)
	if err != nil {
		return decimal.Zero, err
	}

	available := physical.Sub(reserved).Sub(committed)
	if available.IsNegative() {
		return decimal.Zero, nil
	}
	return available, nil
}

func availableSerials(ctx context.Context, s Store, onHand []string, product ProductID, location LocationID, exclude TransferID) ([]string, error) {
	ledger := QuantityLedger{Store: s}
	loaned, err := ledger.SerialsCommitted(ctx, product)
	if err != nil {
		return nil, err
	}
	reserved, err := ledger.SerialsReserved(ctx, product, location, exclude)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, serial := range onHand {
		if loaned[serial] || reserved[serial] {
			continue
		}
		out = append(out, serial)
	}
	sort.Strings(out)
	return out, nil
}
