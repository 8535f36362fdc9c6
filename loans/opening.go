/*
opening.go - Opening a loan: validation and stock reservation

PURPOSE:
  Turns an OpenLoanRequest into a pending LoanTransfer whose committed
  movements reserve stock at the source location until confirmation.

FLOW:
  1. Validate request, products and serials (no lock, no writes)
  2. Acquire (product, location) or serial lock keys
  3. Read collaborator stock (outside the store transaction)
  4. In one transaction:
     a. Availability check, unless bypassed with a justification
     b. Serial double-commit check (never bypassable)
     c. Borrower limits
     d. Destination: given loan location, or location strategy
     e. Persist transfer (pending) and one committed movement per line

OVERRIDES:
  Override.BypassAvailability skips the quantity check only. The mandatory
  Justification is stored on the transfer and logged at Warn level.

SEE ALSO:
  - location.go: Location strategy
  - confirmation.go: Next step of the lifecycle
*/
package loans

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// LoanLine is one product line of a new loan.
type LoanLine struct {
	Product  ProductID
	Quantity decimal.Decimal
	Serials  []string
}

// Override is the explicit administrative bypass of the availability check.
type Override struct {
	BypassAvailability bool
	Justification      string
}

// OpenLoanRequest describes a loan to open.
type OpenLoanRequest struct {
	Borrower       BorrowerID
	Source         LocationID
	Destination    LocationID // empty: chosen by location strategy
	ScheduledAt    time.Time  // zero: now
	ExpectedReturn time.Time
	TrialEnd       *time.Time
	Lines          []LoanLine
	Override       Override
	Notes          string
	Actor          string
}

// stockSnapshot holds collaborator figures read before the transaction.
type stockSnapshot struct {
	physical map[ProductID]decimal.Decimal
	serials  map[ProductID][]string
}

// OpenLoan reserves stock for a new loan and returns the pending transfer.
func (e *Engine) OpenLoan(ctx context.Context, req OpenLoanRequest) (transfer LoanTransfer, err error) {
	ctx, span := e.startSpan(ctx, "loans.OpenLoan",
		attribute.String("loan.borrower", string(req.Borrower)),
		attribute.String("loan.source", string(req.Source)),
		attribute.Int("loan.lines", len(req.Lines)),
		attribute.Bool("loan.bypass", req.Override.BypassAvailability),
	)
	defer func() { endSpan(span, err) }()

	now := e.Now()
	if req.ScheduledAt.IsZero() {
		req.ScheduledAt = now
	}

	products, err := e.validateOpen(ctx, req)
	if err != nil {
		return LoanTransfer{}, err
	}
	lines := outboundLines(req.Lines)

	release, err := e.locker.Acquire(ctx, lockKeys(products, req.Source, lines))
	if err != nil {
		return LoanTransfer{}, err
	}
	defer release()

	snap, err := e.readStock(ctx, products, req.Source)
	if err != nil {
		return LoanTransfer{}, err
	}

	err = e.store.WithTx(ctx, func(s Store) error {
		if req.Override.BypassAvailability {
			if err := checkSerialsNotOnLoan(ctx, s, products, req.Source, lines); err != nil {
				return err
			}
		} else if err := checkAvailability(ctx, s, products, req.Source, lines, snap, ""); err != nil {
			return err
		}

		if err := e.checkBorrowerLimits(ctx, s, req.Borrower, products, lines); err != nil {
			return err
		}

		dest, err := e.resolveDestination(ctx, s, req.Borrower, req.Destination, now)
		if err != nil {
			return err
		}

		transfer = LoanTransfer{
			ID:             TransferID(NewID("loan")),
			Borrower:       req.Borrower,
			Source:         req.Source,
			Destination:    dest,
			State:          TransferPending,
			ScheduledAt:    req.ScheduledAt,
			ExpectedReturn: req.ExpectedReturn,
			TrialEnd:       req.TrialEnd,
			Notes:          req.Notes,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if req.Override.BypassAvailability {
			transfer.BypassJustification = req.Override.Justification
		}
		if err := s.CreateTransfer(ctx, transfer); err != nil {
			return err
		}

		for _, l := range lines {
			m := Movement{
				ID:         MovementID(NewID("mov")),
				TransferID: transfer.ID,
				Product:    l.Product,
				Source:     req.Source,
				Quantity:   l.Quantity,
				Serials:    l.Serials,
				State:      MovementCommitted,
			}
			if err := s.CreateMovement(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return LoanTransfer{}, err
	}

	if transfer.Bypassed() {
		e.logger.Warn("availability check bypassed",
			zap.String("transfer_id", string(transfer.ID)),
			zap.String("actor", req.Actor),
			zap.String("justification", transfer.BypassJustification),
		)
	}
	e.logger.Info("loan opened",
		zap.String("transfer_id", string(transfer.ID)),
		zap.String("borrower", string(transfer.Borrower)),
		zap.String("destination", string(transfer.Destination)),
		zap.Int("lines", len(lines)),
	)
	return transfer, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

func (e *Engine) validateOpen(ctx context.Context, req OpenLoanRequest) (map[ProductID]Product, error) {
	if req.Override.BypassAvailability && strings.TrimSpace(req.Override.Justification) == "" {
		return nil, validationf("availability bypass requires a justification")
	}
	if _, err := e.store.GetBorrower(ctx, req.Borrower); err != nil {
		return nil, err
	}
	src, err := e.store.GetLocation(ctx, req.Source)
	if err != nil {
		return nil, err
	}
	if src.Usage != UsageInternal {
		return nil, validationf("source location %s is not an internal stock location", src.ID)
	}
	if req.ExpectedReturn.IsZero() {
		return nil, validationf("expected return date is required")
	}
	if req.ExpectedReturn.Before(req.ScheduledAt) {
		return nil, validationf("expected return date is before the scheduled date")
	}
	if req.TrialEnd != nil && req.TrialEnd.Before(req.ScheduledAt) {
		return nil, validationf("trial end date is before the scheduled date")
	}
	if len(req.Lines) == 0 {
		return nil, validationf("a loan needs at least one line")
	}

	products := make(map[ProductID]Product)
	seenSerials := make(map[string]bool)
	for _, l := range req.Lines {
		p, ok := products[l.Product]
		if !ok {
			p, err = e.store.GetProduct(ctx, l.Product)
			if err != nil {
				return nil, err
			}
			products[p.ID] = p
		}
		if err := validateLine(p, l); err != nil {
			return nil, err
		}
		for _, s := range l.Serials {
			key := string(p.ID) + "/" + s
			if seenSerials[key] {
				return nil, &InvalidQuantityError{Product: p.ID, Reason: "serial " + s + " listed twice"}
			}
			seenSerials[key] = true
		}
	}
	return products, nil
}

func validateLine(p Product, l LoanLine) error {
	if !p.AllowLoans {
		return validationf("product %s cannot be loaned", p.ID)
	}
	if !l.Quantity.IsPositive() {
		return &InvalidQuantityError{Product: p.ID, Reason: "quantity must be positive"}
	}
	if l.Quantity.LessThan(p.MinimumLoanQuantity()) {
		return &InvalidQuantityError{Product: p.ID, Reason: "quantity below minimum loan quantity " + p.MinimumLoanQuantity().String()}
	}
	if !p.IsSerial() {
		if len(l.Serials) > 0 {
			return &InvalidQuantityError{Product: p.ID, Reason: "serial given for a product without serial tracking"}
		}
		return nil
	}
	if !l.Quantity.Equal(l.Quantity.Truncate(0)) {
		return &InvalidQuantityError{Product: p.ID, Reason: "serial-tracked quantity must be a whole number"}
	}
	if !decimal.NewFromInt(int64(len(l.Serials))).Equal(l.Quantity) {
		return &InvalidQuantityError{Product: p.ID, Reason: "number of serials must equal quantity"}
	}
	for _, s := range l.Serials {
		if strings.TrimSpace(s) == "" {
			return &InvalidQuantityError{Product: p.ID, Reason: "empty serial"}
		}
	}
	return nil
}

func outboundLines(lines []LoanLine) []OutboundLine {
	out := make([]OutboundLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, OutboundLine{Product: l.Product, Quantity: l.Quantity, Serials: l.Serials})
	}
	return out
}

// =============================================================================
// AVAILABILITY GATES
// =============================================================================

func (e *Engine) readStock(ctx context.Context, products map[ProductID]Product, source LocationID) (stockSnapshot, error) {
	snap := stockSnapshot{
		physical: make(map[ProductID]decimal.Decimal),
		serials:  make(map[ProductID][]string),
	}
	for id, p := range products {
		if p.IsSerial() {
			serials, err := e.stock.SerialsOnHand(ctx, id, source)
			if err != nil {
				return snap, err
			}
			snap.serials[id] = serials
			continue
		}
		qty, err := e.stock.PhysicalOnHand(ctx, id, source)
		if err != nil {
			return snap, err
		}
		snap.physical[id] = qty
	}
	return snap, nil
}

// checkAvailability fails with InsufficientAvailability if the lines do not
// fit into what is available, ignoring the reservations of exclude.
func checkAvailability(ctx context.Context, s Store, products map[ProductID]Product, source LocationID, lines []OutboundLine, snap stockSnapshot, exclude TransferID) error {
	requested := make(map[ProductID]decimal.Decimal)
	for _, l := range lines {
		if products[l.Product].IsSerial() {
			continue
		}
		requested[l.Product] = requested[l.Product].Add(l.Quantity)
	}
	for product, qty := range requested {
		available, err := availableQuantity(ctx, s, snap.physical[product], product, source, exclude)
		if err != nil {
			return err
		}
		if qty.GreaterThan(available) {
			return &InsufficientAvailabilityError{Product: product, Location: source, Available: available, Requested: qty}
		}
	}

	for _, l := range lines {
		if !products[l.Product].IsSerial() {
			continue
		}
		free, err := availableSerials(ctx, s, snap.serials[l.Product], l.Product, source, exclude)
		if err != nil {
			return err
		}
		freeSet := make(map[string]bool, len(free))
		for _, f := range free {
			freeSet[f] = true
		}
		for _, serial := range l.Serials {
			if !freeSet[serial] {
				return &InsufficientAvailabilityError{
					Product:   l.Product,
					Location:  source,
					Serial:    serial,
					Available: decimal.NewFromInt(int64(len(free))),
					Requested: l.Quantity,
				}
			}
		}
	}
	return nil
}

// checkSerialsNotOnLoan rejects serials already held by an on-loan detail or
// sold and still awaiting their sale.
// This holds even under an availability override.
func checkSerialsNotOnLoan(ctx context.Context, s Store, products map[ProductID]Product, source LocationID, lines []OutboundLine) error {
	ledger := QuantityLedger{Store: s}
	for _, l := range lines {
		if !products[l.Product].IsSerial() {
			continue
		}
		loaned, err := ledger.SerialsCommitted(ctx, l.Product)
		if err != nil {
			return err
		}
		for _, serial := range l.Serials {
			if loaned[serial] {
				return &InsufficientAvailabilityError{Product: l.Product, Location: source, Serial: serial, Requested: l.Quantity}
			}
		}
	}
	return nil
}

// =============================================================================
// BORROWER LIMITS
// =============================================================================

// checkBorrowerLimits enforces MaxLoanItems and MaxLoanValue. Items count
// tracking records: one per serial, one per aggregate line. Value is
// quantity times list price over on-loan details, pending reservations and
// the new lines.
func (e *Engine) checkBorrowerLimits(ctx context.Context, s Store, borrower BorrowerID, products map[ProductID]Product, lines []OutboundLine) error {
	b, err := s.GetBorrower(ctx, borrower)
	if err != nil {
		return err
	}
	if b.MaxLoanItems <= 0 && !b.MaxLoanValue.IsPositive() {
		return nil
	}

	prices := make(map[ProductID]decimal.Decimal)
	for id, p := range products {
		prices[id] = p.ListPrice
	}
	priceOf := func(id ProductID) (decimal.Decimal, error) {
		if v, ok := prices[id]; ok {
			return v, nil
		}
		p, err := s.GetProduct(ctx, id)
		if err != nil {
			return decimal.Zero, err
		}
		prices[id] = p.ListPrice
		return p.ListPrice, nil
	}

	items := 0
	value := decimal.Zero

	details, err := s.ListDetails(ctx, DetailFilter{Borrower: borrower, Statuses: OnLoanStatuses})
	if err != nil {
		return err
	}
	for _, d := range details {
		price, err := priceOf(d.Product)
		if err != nil {
			return err
		}
		items++
		value = value.Add(d.Quantity.Mul(price))
	}

	pending, err := s.ListTransfers(ctx, TransferFilter{Borrower: borrower, States: []TransferState{TransferPending}})
	if err != nil {
		return err
	}
	var reserved []OutboundLine
	for _, t := range pending {
		movs, err := s.ListMovements(ctx, MovementFilter{TransferID: t.ID, States: []MovementState{MovementCommitted}})
		if err != nil {
			return err
		}
		for _, m := range movs {
			reserved = append(reserved, OutboundLine{Product: m.Product, Quantity: m.Quantity, Serials: m.Serials})
		}
	}

	for _, l := range append(reserved, lines...) {
		price, err := priceOf(l.Product)
		if err != nil {
			return err
		}
		if len(l.Serials) > 0 {
			items += len(l.Serials)
		} else {
			items++
		}
		value = value.Add(l.Quantity.Mul(price))
	}

	if b.MaxLoanItems > 0 && items > b.MaxLoanItems {
		return validationf("borrower %s would hold %d loan items, limit is %d", borrower, items, b.MaxLoanItems)
	}
	if b.MaxLoanValue.IsPositive() && value.GreaterThan(b.MaxLoanValue) {
		return validationf("borrower %s would hold loans worth %s, limit is %s", borrower, value, b.MaxLoanValue)
	}
	return nil
}
