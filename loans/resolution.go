/*
resolution.go - Resolution engine: buy / return / keep outcomes

PURPOSE:
  Applies a customer's final decision to a loan. Each touched detail's
  quantity is partitioned exactly across outcomes; partial outcomes split
  the detail so quantities are conserved.

VALIDATION (fail-fast, nothing is written when any check fails):
  1. Every referenced detail belongs to the transfer and is active or
     pending_resolution
  2. Per detail, the requested quantities sum to the detail's quantity
  3. Serial details: quantity per line is exactly 1
  4. Buy lines carry a unit price > 0
  5. Return lines carry a returned_* condition

EXECUTION (one store transaction):
  1. buy lines    -> sold           (split when less than the remainder)
  2. return lines -> returned_*     (split when less than the remainder)
  3. keep lines   -> unchanged, pending_resolution reverts to active
  4. Transfer state re-derived from all its details

INTENTS:
  A SaleIntent per buy line and a ReturnIntent per return line go to the
  outbox with the state change. Their IDs are stored as the detail's
  sale/return reference until the collaborator returns its own.

ERRORS:
  ValidationFailed before execution. An IllegalTransition or InvalidQuantity
  raised during execution means validation missed something and surfaces
  as ErrInvariantViolation.

SEE ALSO:
  - detail.go: Transition and Split
  - outbox.go: Dispatcher
*/
package loans

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Decision is the customer's choice for a quantity of a detail.
type Decision string

const (
	DecisionBuy    Decision = "buy"
	DecisionReturn Decision = "return"
	DecisionKeep   Decision = "keep_loan"
)

// ResolutionLine applies one decision to a quantity of one detail.
type ResolutionLine struct {
	DetailID  DetailID
	Decision  Decision
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal // buy only
	Condition DetailStatus    // return only: returned_good, returned_damaged, returned_defective
	Notes     string          // return condition notes
}

// ResolutionRequest is a batch of decisions for one transfer.
type ResolutionRequest struct {
	Lines []ResolutionLine
	Actor string
}

// ResolutionOutcome is what a resolution produced.
type ResolutionOutcome struct {
	TransferID TransferID
	Sales      []SaleIntent
	Returns    []ReturnIntent
	Kept       []DetailID
	State      TransferState
	Details    []TrackingDetail
}

// Resolve validates and applies a resolution request atomically.
func (e *Engine) Resolve(ctx context.Context, id TransferID, req ResolutionRequest) (out ResolutionOutcome, err error) {
	ctx, span := e.startSpan(ctx, "loans.Resolve",
		attribute.String("loan.transfer_id", string(id)),
		attribute.Int("loan.resolution_lines", len(req.Lines)),
	)
	defer func() {
		if err == nil {
			span.SetAttributes(
				attribute.Int("loan.sales", len(out.Sales)),
				attribute.Int("loan.returns", len(out.Returns)),
				attribute.String("loan.state", string(out.State)),
			)
		}
		endSpan(span, err)
	}()

	err = e.store.WithTx(ctx, func(s Store) error {
		t, err := s.GetTransfer(ctx, id)
		if err != nil {
			return err
		}
		details, err := validateResolution(ctx, s, t, req)
		if err != nil {
			return err
		}
		out, err = e.executeResolution(ctx, s, t, details, req)
		return err
	})
	if err != nil {
		return ResolutionOutcome{}, err
	}

	e.logger.Info("loan resolved",
		zap.String("transfer_id", string(id)),
		zap.String("actor", req.Actor),
		zap.Int("sales", len(out.Sales)),
		zap.Int("returns", len(out.Returns)),
		zap.Int("kept", len(out.Kept)),
		zap.String("state", string(out.State)),
	)
	return out, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

func validateResolution(ctx context.Context, s Store, t LoanTransfer, req ResolutionRequest) (map[DetailID]TrackingDetail, error) {
	if len(req.Lines) == 0 {
		return nil, validationf("resolution request has no lines")
	}

	details := make(map[DetailID]TrackingDetail)
	sums := make(map[DetailID]decimal.Decimal)

	for i, l := range req.Lines {
		d, ok := details[l.DetailID]
		if !ok {
			var err error
			d, err = s.GetDetail(ctx, l.DetailID)
			if err != nil {
				if IsNotFound(err) {
					return nil, validationf("line %d: detail %s does not exist", i+1, l.DetailID)
				}
				return nil, err
			}
			if d.TransferID != t.ID {
				return nil, validationf("line %d: detail %s does not belong to transfer %s", i+1, d.ID, t.ID)
			}
			if !d.Status.IsOnLoan() {
				return nil, validationf("line %d: detail %s is already %s", i+1, d.ID, d.Status)
			}
			details[d.ID] = d
		}

		if !l.Quantity.IsPositive() {
			return nil, validationf("line %d: quantity must be positive", i+1)
		}
		if d.Serial != "" && !l.Quantity.Equal(decimal.NewFromInt(1)) {
			return nil, validationf("line %d: serial %s resolves with quantity 1", i+1, d.Serial)
		}

		switch l.Decision {
		case DecisionBuy:
			if !l.UnitPrice.IsPositive() {
				return nil, validationf("line %d: buy requires a unit price greater than 0", i+1)
			}
		case DecisionReturn:
			if l.Condition != "" && !l.Condition.IsReturn() {
				return nil, validationf("line %d: %q is not a return condition", i+1, l.Condition)
			}
		case DecisionKeep:
		default:
			return nil, validationf("line %d: unknown decision %q", i+1, l.Decision)
		}

		sums[d.ID] = sums[d.ID].Add(l.Quantity)
	}

	for detailID, sum := range sums {
		d := details[detailID]
		if !sum.Equal(d.Quantity) {
			return nil, validationf("detail %s: outcomes cover %s of %s units", detailID, sum, d.Quantity)
		}
	}
	return details, nil
}

// =============================================================================
// EXECUTION
// =============================================================================

func (e *Engine) executeResolution(ctx context.Context, s Store, t LoanTransfer, details map[DetailID]TrackingDetail, req ResolutionRequest) (ResolutionOutcome, error) {
	now := e.Now()
	tracker := NewTracker(s, e.Now)
	out := ResolutionOutcome{TransferID: t.ID}
	remaining := make(map[DetailID]decimal.Decimal, len(details))
	for id, d := range details {
		remaining[id] = d.Quantity
	}

	var intents []Intent
	costSold, valueSold := decimal.Zero, decimal.Zero

	// resolveQty sends qty of a detail to a terminal status, splitting when
	// something stays behind.
	resolveQty := func(l ResolutionLine, to DetailStatus, meta ResolutionMeta) (DetailID, error) {
		if l.Quantity.LessThan(remaining[l.DetailID]) {
			terminalID, _, err := tracker.Split(ctx, l.DetailID, l.Quantity, to, meta)
			if err != nil {
				return "", err
			}
			remaining[l.DetailID] = remaining[l.DetailID].Sub(l.Quantity)
			return terminalID, nil
		}
		if err := tracker.Transition(ctx, l.DetailID, to, meta); err != nil {
			return "", err
		}
		remaining[l.DetailID] = decimal.Zero
		return l.DetailID, nil
	}

	for _, l := range req.Lines {
		if l.Decision != DecisionBuy {
			continue
		}
		d := details[l.DetailID]
		intentID := IntentID(NewID(string(IntentSale)))
		price := l.UnitPrice
		resolvedID, err := resolveQty(l, DetailSold, ResolutionMeta{
			Actor: req.Actor, At: now, SalePrice: &price, SaleRef: string(intentID),
		})
		if err != nil {
			return out, invariant(err)
		}
		sale := SaleIntent{
			ID:         intentID,
			TransferID: t.ID,
			DetailID:   resolvedID,
			Product:    d.Product,
			Serial:     d.Serial,
			Quantity:   l.Quantity,
			UnitPrice:  l.UnitPrice,
			Buyer:      t.Borrower,
			Location:   d.SourceLocation,
		}
		in, err := NewIntent(intentID, IntentSale, t.ID, resolvedID, sale, now)
		if err != nil {
			return out, err
		}
		intents = append(intents, in)
		out.Sales = append(out.Sales, sale)
		costSold = costSold.Add(l.Quantity.Mul(d.UnitCost))
		valueSold = valueSold.Add(l.Quantity.Mul(l.UnitPrice))
	}

	for _, l := range req.Lines {
		if l.Decision != DecisionReturn {
			continue
		}
		d := details[l.DetailID]
		condition := l.Condition
		if condition == "" {
			condition = DetailReturnedGood
		}
		intentID := IntentID(NewID("return"))
		resolvedID, err := resolveQty(l, condition, ResolutionMeta{
			Actor: req.Actor, At: now, ReturnRef: string(intentID), ConditionNotes: l.Notes,
		})
		if err != nil {
			return out, invariant(err)
		}
		ret := ReturnIntent{
			ID:                 intentID,
			TransferID:         t.ID,
			DetailID:           resolvedID,
			Product:            d.Product,
			Serial:             d.Serial,
			Quantity:           l.Quantity,
			Condition:          condition,
			SourceLoanLocation: t.Destination,
			Destination:        t.Source,
		}
		in, err := NewIntent(intentID, IntentReturn, t.ID, resolvedID, ret, now)
		if err != nil {
			return out, err
		}
		intents = append(intents, in)
		out.Returns = append(out.Returns, ret)
	}

	kept := make(map[DetailID]bool)
	for _, l := range req.Lines {
		if l.Decision != DecisionKeep || kept[l.DetailID] {
			continue
		}
		kept[l.DetailID] = true
		out.Kept = append(out.Kept, l.DetailID)
		if details[l.DetailID].Status == DetailPendingResolution {
			if err := tracker.Transition(ctx, l.DetailID, DetailActive, ResolutionMeta{Actor: req.Actor, At: now}); err != nil {
				return out, invariant(err)
			}
		}
	}

	if len(out.Sales) > 0 {
		in, err := NewIntent("", IntentAccounting, t.ID, "", AccountingEvent{
			Kind:       AccountingLoanSold,
			TransferID: t.ID,
			Borrower:   t.Borrower,
			CostValue:  costSold,
			SaleValue:  valueSold,
			At:         now,
		}, now)
		if err != nil {
			return out, err
		}
		intents = append(intents, in)
	}
	if len(intents) > 0 {
		if err := s.AppendIntents(ctx, intents); err != nil {
			return out, err
		}
	}

	all, err := s.ListDetails(ctx, DetailFilter{TransferID: t.ID})
	if err != nil {
		return out, err
	}
	if err := moveTransfer(&t, DeriveTransferState(t.State, all)); err != nil {
		return out, invariant(err)
	}
	t.UpdatedAt = now
	if err := s.UpdateTransfer(ctx, t); err != nil {
		return out, err
	}

	out.State = t.State
	out.Details = all
	return out, nil
}

// invariant reclassifies errors that validation should have prevented.
func invariant(err error) error {
	if IsClientError(err) {
		return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	return err
}
