/*
types.go - Core domain types for the loan lifecycle engine

PURPOSE:
  Defines the records the engine reasons about: catalog entries (products,
  locations, borrowers), loan transfers, their outbound movements, and the
  tracking details that follow every loaned unit until it is sold, returned
  or kept.

KEY CONCEPTS:
  Product:        What is loaned. Tracking decides per-unit or aggregate details.
  Location:       Where stock sits. Loans only ever go to loan locations.
  LoanTransfer:   One outbound movement that places goods with a borrower.
  Movement:       A line of a transfer. Committed movements are reservations.
  TrackingDetail: One row per serial unit or one aggregate row per batch.

QUANTITIES:
  All quantities, costs and prices are decimal.Decimal. Serial details always
  carry exactly one unit.

SEE ALSO:
  - detail.go: Tracking detail state machine
  - transfer.go: Transfer state machine
  - store.go: Persistence contracts for these types
*/
package loans

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	ProductID  string
	LocationID string
	BorrowerID string
	TransferID string
	DetailID   string
	MovementID string
	IntentID   string
)

// NewID returns a fresh random identifier with the given prefix.
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// =============================================================================
// CATALOG
// =============================================================================

// Tracking is how a product is followed through a loan.
type Tracking string

const (
	TrackingNone   Tracking = "none"
	TrackingSerial Tracking = "serial"
)

// Product is a loanable item.
type Product struct {
	ID           ProductID
	Name         string
	Tracking     Tracking
	StandardCost decimal.Decimal
	ListPrice    decimal.Decimal
	AllowLoans   bool
	MinLoanQty   decimal.Decimal // zero means 1
}

// IsSerial reports whether each unit carries its own serial number.
func (p Product) IsSerial() bool {
	return p.Tracking == TrackingSerial
}

// MinimumLoanQuantity returns the smallest quantity accepted for a loan line.
func (p Product) MinimumLoanQuantity() decimal.Decimal {
	if p.MinLoanQty.IsPositive() {
		return p.MinLoanQty
	}
	return decimal.NewFromInt(1)
}

// LocationUsage classifies a location.
type LocationUsage string

const (
	UsageInternal      LocationUsage = "internal"
	UsageLoanDedicated LocationUsage = "loan_dedicated"
	UsageLoanShared    LocationUsage = "loan_shared"
	UsageCustomer      LocationUsage = "customer"
)

// Location is a place where stock can sit.
type Location struct {
	ID       LocationID
	Name     string
	Usage    LocationUsage
	Borrower BorrowerID // set for dedicated loan locations only
}

// IsLoanLocation reports whether loaned goods may be sent here.
func (l Location) IsLoanLocation() bool {
	return l.Usage == UsageLoanDedicated || l.Usage == UsageLoanShared
}

// Borrower is the party goods are loaned to.
type Borrower struct {
	ID           BorrowerID
	Name         string
	Email        string
	MaxLoanItems int             // 0 = unlimited
	MaxLoanValue decimal.Decimal // 0 = unlimited
}

// =============================================================================
// LOAN TRANSFER
// =============================================================================

// TransferState is the lifecycle state of a LoanTransfer.
type TransferState string

const (
	TransferPending           TransferState = "pending"
	TransferActive            TransferState = "active"
	TransferInTrial           TransferState = "in_trial"
	TransferResolving         TransferState = "resolving"
	TransferPartiallyResolved TransferState = "partially_resolved"
	TransferCompleted         TransferState = "completed"
	TransferCancelled         TransferState = "cancelled"
)

// IsTerminal reports whether the transfer accepts no further transition.
func (s TransferState) IsTerminal() bool {
	return s == TransferCompleted || s == TransferCancelled
}

// LoanTransfer is one outbound movement tied to a borrowing event.
type LoanTransfer struct {
	ID                  TransferID
	Borrower            BorrowerID
	Source              LocationID
	Destination         LocationID
	State               TransferState
	ScheduledAt         time.Time
	ConfirmedAt         *time.Time
	ExpectedReturn      time.Time
	TrialEnd            *time.Time
	BypassJustification string // non-empty when availability was overridden
	Notes               string
	LastSweptAt         *time.Time
	ReminderCount       int
	NextReminderAt      *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Bypassed reports whether the transfer was opened with an availability override.
func (t LoanTransfer) Bypassed() bool {
	return t.BypassJustification != ""
}

// IsOpen reports whether goods of this transfer may still be with the borrower.
func (t LoanTransfer) IsOpen() bool {
	switch t.State {
	case TransferActive, TransferInTrial, TransferResolving, TransferPartiallyResolved:
		return true
	}
	return false
}

// IsOverdue is derived: an open transfer past its expected return date.
func (t LoanTransfer) IsOverdue(now time.Time) bool {
	return t.IsOpen() && t.ExpectedReturn.Before(now)
}

// OverdueDays returns whole days past the expected return date, or 0.
func (t LoanTransfer) OverdueDays(now time.Time) int {
	if !t.ExpectedReturn.Before(now) {
		return 0
	}
	return int(now.Sub(t.ExpectedReturn).Hours() / 24)
}

// =============================================================================
// MOVEMENTS
// =============================================================================

// MovementState tracks a transfer line through the stock collaborator.
type MovementState string

const (
	MovementCommitted MovementState = "committed" // reserved, not yet moved
	MovementDone      MovementState = "done"
	MovementCancelled MovementState = "cancelled"
)

// Movement is one product line of a loan transfer.
type Movement struct {
	ID         MovementID
	TransferID TransferID
	Product    ProductID
	Source     LocationID
	Quantity   decimal.Decimal
	Serials    []string
	State      MovementState
}

// =============================================================================
// TRACKING DETAIL
// =============================================================================

// DetailStatus is the lifecycle status of a TrackingDetail.
type DetailStatus string

const (
	DetailActive            DetailStatus = "active"
	DetailPendingResolution DetailStatus = "pending_resolution"
	DetailSold              DetailStatus = "sold"
	DetailReturnedGood      DetailStatus = "returned_good"
	DetailReturnedDamaged   DetailStatus = "returned_damaged"
	DetailReturnedDefective DetailStatus = "returned_defective"
)

// IsTerminal reports whether no further transition is allowed.
func (s DetailStatus) IsTerminal() bool {
	switch s {
	case DetailSold, DetailReturnedGood, DetailReturnedDamaged, DetailReturnedDefective:
		return true
	}
	return false
}

// IsOnLoan reports whether the quantity still counts as loaned out.
func (s DetailStatus) IsOnLoan() bool {
	return s == DetailActive || s == DetailPendingResolution
}

// IsReturn reports whether the status is one of the returned_* outcomes.
func (s DetailStatus) IsReturn() bool {
	return s == DetailReturnedGood || s == DetailReturnedDamaged || s == DetailReturnedDefective
}

// TrackingDetail is the per-unit or per-batch ledger row of a loaned item.
type TrackingDetail struct {
	ID             DetailID
	TransferID     TransferID
	ParentID       DetailID // set on records split off another detail
	Product        ProductID
	Serial         string
	Quantity       decimal.Decimal
	Status         DetailStatus
	Borrower       BorrowerID
	SourceLocation LocationID
	LoanedAt       time.Time
	ResolvedAt     *time.Time
	UnitCost       decimal.Decimal // frozen at confirmation
	SalePrice      *decimal.Decimal
	SaleRef        string
	ReturnRef      string
	ChangedBy      string
	ChangedAt      time.Time

	// Annotation fields, writable in any status.
	Notes                string
	ReturnConditionNotes string
}

// DaysInLoan is the number of whole days the detail has been (or was) on loan.
func (d TrackingDetail) DaysInLoan(now time.Time) int {
	end := now
	if d.ResolvedAt != nil {
		end = *d.ResolvedAt
	}
	if end.Before(d.LoanedAt) {
		return 0
	}
	return int(end.Sub(d.LoanedAt).Hours() / 24)
}

// Value is quantity times frozen unit cost.
func (d TrackingDetail) Value() decimal.Decimal {
	return d.Quantity.Mul(d.UnitCost)
}

// AwaitingSale reports whether a sold detail's sale has not reached the
// stock book yet. Until it does, SaleRef is the engine's own sale intent ID.
func (d TrackingDetail) AwaitingSale() bool {
	return d.Status == DetailSold && strings.HasPrefix(d.SaleRef, string(IntentSale)+"-")
}

// HoldsStock reports whether the detail's quantity is still committed
// against its source location: on loan, or sold and awaiting its sale.
func (d TrackingDetail) HoldsStock() bool {
	return d.Status.IsOnLoan() || d.AwaitingSale()
}
