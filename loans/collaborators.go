/*
collaborators.go - Boundary contracts with external components

PURPOSE:
  The engine never moves stock, writes sale documents, books accounting
  entries or sends reminders itself. It consumes StockCollaborator for
  on-hand figures and outbound confirmation, and produces intents that
  are later handed to the other collaborators through a Publisher.

STOCK CONTRACT:
  PhysicalOnHand(product, location) reports the location's book quantity,
  which still includes units on loan from it (loan locations hang below
  the lending warehouse). Availability subtracts the on-loan quantity.
  A sale removes units from the book; a return does not change it.

  ConfirmOutbound must be idempotent per transfer ID: the engine may call
  it again after a failed commit.

SEE ALSO:
  - outbox.go: Intent records and the Dispatcher
  - store/memory.go: In-memory reference Stock and Sales collaborators
*/
package loans

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STOCK
// =============================================================================

// OutboundLine is one confirmed line of an outbound loan movement.
type OutboundLine struct {
	Product  ProductID
	Quantity decimal.Decimal
	Serials  []string
}

// OutboundConfirmation asks the stock collaborator to move goods out.
type OutboundConfirmation struct {
	TransferID  TransferID
	Source      LocationID
	Destination LocationID
	Lines       []OutboundLine
}

// TransferConfirmedEvent is what the stock collaborator actually moved.
type TransferConfirmedEvent struct {
	TransferID  TransferID
	ConfirmedAt time.Time
	Lines       []OutboundLine
}

// InboundRequest materializes a return outcome.
type InboundRequest struct {
	Product            ProductID
	Serial             string
	Quantity           decimal.Decimal
	Destination        LocationID
	SourceLoanLocation LocationID
	Condition          DetailStatus
	Reference          string
}

type StockCollaborator interface {
	PhysicalOnHand(ctx context.Context, product ProductID, location LocationID) (decimal.Decimal, error)
	SerialsOnHand(ctx context.Context, product ProductID, location LocationID) ([]string, error)
	ConfirmOutbound(ctx context.Context, req OutboundConfirmation) (TransferConfirmedEvent, error)
	CreateInboundTransfer(ctx context.Context, req InboundRequest) (string, error)
}

// =============================================================================
// PRODUCED-TO COLLABORATORS
// =============================================================================

type SalesCollaborator interface {
	CreateSale(ctx context.Context, sale SaleIntent) (string, error)
}

type AccountingCollaborator interface {
	RecordEvent(ctx context.Context, ev AccountingEvent) (string, error)
}

type Notifier interface {
	NotifyOverdue(ctx context.Context, ev OverdueEvent) error
}

// =============================================================================
// INTENT PAYLOADS
// =============================================================================

// SaleIntent asks the sales collaborator to invoice a bought quantity.
type SaleIntent struct {
	ID         IntentID        `json:"id"`
	TransferID TransferID      `json:"transfer_id"`
	DetailID   DetailID        `json:"detail_id"`
	Product    ProductID       `json:"product"`
	Serial     string          `json:"serial,omitempty"`
	Quantity   decimal.Decimal `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Buyer      BorrowerID      `json:"buyer"`
	Location   LocationID      `json:"location"`
}

// ReturnIntent asks the stock collaborator to bring goods back.
type ReturnIntent struct {
	ID                 IntentID        `json:"id"`
	TransferID         TransferID      `json:"transfer_id"`
	DetailID           DetailID        `json:"detail_id"`
	Product            ProductID       `json:"product"`
	Serial             string          `json:"serial,omitempty"`
	Quantity           decimal.Decimal `json:"quantity"`
	Condition          DetailStatus    `json:"condition"`
	SourceLoanLocation LocationID      `json:"source_loan_location"`
	Destination        LocationID      `json:"destination"`
}

// OverdueKind distinguishes what date has passed.
type OverdueKind string

const (
	OverdueReturn OverdueKind = "overdue"
	TrialExpired  OverdueKind = "trial_expired"
	ReminderDue   OverdueKind = "reminder"
)

// OverdueEvent is raised by the sweep for each late transfer.
type OverdueEvent struct {
	TransferID  TransferID  `json:"transfer_id"`
	Borrower    BorrowerID  `json:"borrower"`
	OverdueDays int         `json:"overdue_days"`
	Kind        OverdueKind `json:"kind"`
	Day         string      `json:"day"`    // YYYY-MM-DD, de-duplication key with TransferID
	Repeat      bool        `json:"repeat"` // already swept the same day
	Reminder    int         `json:"reminder,omitempty"` // ordinal of the reminder, ReminderDue only
}

// AccountingEventKind names what the accounting collaborator is told about.
type AccountingEventKind string

const (
	AccountingLoanConfirmed AccountingEventKind = "loan_confirmed"
	AccountingLoanSold      AccountingEventKind = "loan_sold"
)

// AccountingEvent is a bookkeeping notification. No ledger entries are computed here.
type AccountingEvent struct {
	Kind       AccountingEventKind `json:"kind"`
	TransferID TransferID          `json:"transfer_id"`
	Borrower   BorrowerID          `json:"borrower"`
	CostValue  decimal.Decimal     `json:"cost_value"`
	SaleValue  decimal.Decimal     `json:"sale_value,omitempty"`
	At         time.Time           `json:"at"`
}
