/*
confirmation.go - Loan confirmation handler

PURPOSE:
  When the outbound movement of a pending loan is confirmed, materialize its
  tracking details and make the transfer active.

MATERIALIZATION:
  Serial product:    one detail per confirmed serial, quantity 1
  Aggregate product: one detail per line with the confirmed quantity
  Unit cost is the product's standard cost at confirmation time, frozen.

FLOW (under the same lock keys as opening):
  1. Re-check availability excluding the transfer's own reservation
     (skipped for bypassed transfers; serial double-commit always checked)
  2. StockCollaborator.ConfirmOutbound (idempotent per transfer)
  3. One transaction: details, movements done, transfer active,
     accounting intent

IDEMPOTENCY:
  A transfer that already has details is returned as is. Re-entrant calls
  never create duplicates.

SEE ALSO:
  - opening.go: Creates the pending transfer and its reservations
  - detail.go: Tracker.Create
*/
package loans

import (
	"context"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ConfirmTransfer confirms the outbound movement of a pending loan and
// returns its tracking details.
func (e *Engine) ConfirmTransfer(ctx context.Context, id TransferID, actor string) (details []TrackingDetail, err error) {
	ctx, span := e.startSpan(ctx, "loans.ConfirmTransfer", attribute.String("loan.transfer_id", string(id)))
	defer func() { endSpan(span, err) }()

	t, existing, err := e.loadForConfirm(ctx, e.store, id)
	if err != nil || existing != nil {
		return existing, err
	}

	movements, err := e.store.ListMovements(ctx, MovementFilter{TransferID: id, States: []MovementState{MovementCommitted}})
	if err != nil {
		return nil, err
	}
	products, err := loadProducts(ctx, e.store, movements)
	if err != nil {
		return nil, err
	}
	lines := movementLines(movements)

	release, err := e.locker.Acquire(ctx, lockKeys(products, t.Source, lines))
	if err != nil {
		return nil, err
	}
	defer release()

	// Another caller may have confirmed while we waited for the lock.
	t, existing, err = e.loadForConfirm(ctx, e.store, id)
	if err != nil || existing != nil {
		return existing, err
	}

	if err := checkSerialsNotOnLoan(ctx, e.store, products, t.Source, lines); err != nil {
		return nil, err
	}
	if !t.Bypassed() {
		snap, err := e.readStock(ctx, products, t.Source)
		if err != nil {
			return nil, err
		}
		if err := checkAvailability(ctx, e.store, products, t.Source, lines, snap, t.ID); err != nil {
			return nil, err
		}
	}

	event, err := e.stock.ConfirmOutbound(ctx, OutboundConfirmation{
		TransferID:  t.ID,
		Source:      t.Source,
		Destination: t.Destination,
		Lines:       lines,
	})
	if err != nil {
		return nil, err
	}
	confirmed := event.Lines
	if len(confirmed) == 0 {
		confirmed = lines
	}
	confirmedAt := event.ConfirmedAt
	if confirmedAt.IsZero() {
		confirmedAt = e.Now()
	}

	err = e.store.WithTx(ctx, func(s Store) error {
		tx, again, err := e.loadForConfirm(ctx, s, id)
		if err != nil {
			return err
		}
		if again != nil {
			details = again
			return nil
		}

		tracker := NewTracker(s, e.Now)
		cost := decimal.Zero
		details = nil
		for _, l := range confirmed {
			// Re-read for the standard cost in force right now.
			p, err := s.GetProduct(ctx, l.Product)
			if err != nil {
				return err
			}
			nd := NewDetail{
				TransferID:     tx.ID,
				Product:        p,
				Quantity:       l.Quantity,
				UnitCost:       p.StandardCost,
				LoanedAt:       confirmedAt,
				Borrower:       tx.Borrower,
				SourceLocation: tx.Source,
			}
			if p.IsSerial() {
				nd.Quantity = decimal.NewFromInt(1)
				for _, serial := range l.Serials {
					nd.Serial = serial
					if _, err := tracker.Create(ctx, nd); err != nil {
						return err
					}
				}
			} else if _, err := tracker.Create(ctx, nd); err != nil {
				return err
			}
			cost = cost.Add(l.Quantity.Mul(p.StandardCost))
		}

		for _, m := range movements {
			m.State = MovementDone
			if err := s.UpdateMovement(ctx, m); err != nil {
				return err
			}
		}

		if err := moveTransfer(&tx, TransferActive); err != nil {
			return err
		}
		tx.ConfirmedAt = &confirmedAt
		tx.UpdatedAt = e.Now()
		if err := s.UpdateTransfer(ctx, tx); err != nil {
			return err
		}

		in, err := NewIntent("", IntentAccounting, tx.ID, "", AccountingEvent{
			Kind:       AccountingLoanConfirmed,
			TransferID: tx.ID,
			Borrower:   tx.Borrower,
			CostValue:  cost,
			At:         confirmedAt,
		}, e.Now())
		if err != nil {
			return err
		}
		if err := s.AppendIntents(ctx, []Intent{in}); err != nil {
			return err
		}

		details, err = s.ListDetails(ctx, DetailFilter{TransferID: tx.ID})
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("loan confirmed",
		zap.String("transfer_id", string(id)),
		zap.String("actor", actor),
		zap.Int("details", len(details)),
	)
	return details, nil
}

// CancelTransfer cancels a pending loan and releases its reservations.
func (e *Engine) CancelTransfer(ctx context.Context, id TransferID, actor string) error {
	err := e.store.WithTx(ctx, func(s Store) error {
		t, err := s.GetTransfer(ctx, id)
		if err != nil {
			return err
		}
		if err := moveTransfer(&t, TransferCancelled); err != nil {
			return err
		}
		movements, err := s.ListMovements(ctx, MovementFilter{TransferID: id, States: []MovementState{MovementCommitted}})
		if err != nil {
			return err
		}
		for _, m := range movements {
			m.State = MovementCancelled
			if err := s.UpdateMovement(ctx, m); err != nil {
				return err
			}
		}
		t.UpdatedAt = e.Now()
		return s.UpdateTransfer(ctx, t)
	})
	if err != nil {
		return err
	}
	e.logger.Info("loan cancelled", zap.String("transfer_id", string(id)), zap.String("actor", actor))
	return nil
}

// loadForConfirm returns the transfer, or its existing details when it was
// already confirmed.
func (e *Engine) loadForConfirm(ctx context.Context, s Store, id TransferID) (LoanTransfer, []TrackingDetail, error) {
	t, err := s.GetTransfer(ctx, id)
	if err != nil {
		return LoanTransfer{}, nil, err
	}
	existing, err := s.ListDetails(ctx, DetailFilter{TransferID: id})
	if err != nil {
		return LoanTransfer{}, nil, err
	}
	if len(existing) > 0 {
		return t, existing, nil
	}
	if t.State != TransferPending {
		return LoanTransfer{}, nil, &IllegalTransitionError{Subject: "transfer", ID: string(id), From: string(t.State), To: string(TransferActive)}
	}
	return t, nil, nil
}

func loadProducts(ctx context.Context, s Store, movements []Movement) (map[ProductID]Product, error) {
	products := make(map[ProductID]Product)
	for _, m := range movements {
		if _, ok := products[m.Product]; ok {
			continue
		}
		p, err := s.GetProduct(ctx, m.Product)
		if err != nil {
			return nil, err
		}
		products[p.ID] = p
	}
	return products, nil
}

func movementLines(movements []Movement) []OutboundLine {
	out := make([]OutboundLine, 0, len(movements))
	for _, m := range movements {
		out = append(out, OutboundLine{Product: m.Product, Quantity: m.Quantity, Serials: m.Serials})
	}
	return out
}
