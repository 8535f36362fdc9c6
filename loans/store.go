/*
store.go - Persistence interface for loans, details, movements and intents

PURPOSE:
  Defines the interface between the engine and the database. Different
  implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  CatalogStore:  Products, locations, borrowers
  TransferStore: Loan transfers and their movements
  DetailStore:   Tracking detail rows (no deletes, lineage via ParentID)
  OutboxStore:   Intents waiting to be published to collaborators
  Store:         All of the above
  TxStore:       Store plus atomic multi-table writes

NOT FOUND:
  Getters return an error wrapping ErrNotFound for missing records.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - loans/store/memory.go: In-memory for testing

SEE ALSO:
  - detail.go: Tracker enforces the detail state machine on top of DetailStore
  - outbox.go: Dispatcher drains OutboxStore
*/
package loans

import (
	"context"
	"time"
)

// =============================================================================
// FILTERS
// =============================================================================

// TransferFilter narrows ListTransfers. Zero fields match everything.
type TransferFilter struct {
	Borrower      BorrowerID
	States        []TransferState
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// MovementFilter narrows ListMovements. Zero fields match everything.
type MovementFilter struct {
	TransferID TransferID
	Product    ProductID
	Source     LocationID
	States     []MovementState
}

// DetailFilter narrows ListDetails. Zero fields match everything.
type DetailFilter struct {
	TransferID     TransferID
	Product        ProductID
	SourceLocation LocationID
	Borrower       BorrowerID
	Serial         string
	Statuses       []DetailStatus
	LoanedFrom     *time.Time
	LoanedTo       *time.Time
}

// =============================================================================
// STORE INTERFACES
// =============================================================================

type CatalogStore interface {
	SaveProduct(ctx context.Context, p Product) error
	GetProduct(ctx context.Context, id ProductID) (Product, error)
	ListProducts(ctx context.Context) ([]Product, error)

	SaveLocation(ctx context.Context, l Location) error
	GetLocation(ctx context.Context, id LocationID) (Location, error)
	ListLocations(ctx context.Context) ([]Location, error)

	SaveBorrower(ctx context.Context, b Borrower) error
	GetBorrower(ctx context.Context, id BorrowerID) (Borrower, error)
	ListBorrowers(ctx context.Context) ([]Borrower, error)
}

type TransferStore interface {
	CreateTransfer(ctx context.Context, t LoanTransfer) error
	UpdateTransfer(ctx context.Context, t LoanTransfer) error
	GetTransfer(ctx context.Context, id TransferID) (LoanTransfer, error)
	ListTransfers(ctx context.Context, f TransferFilter) ([]LoanTransfer, error)

	CreateMovement(ctx context.Context, m Movement) error
	UpdateMovement(ctx context.Context, m Movement) error
	ListMovements(ctx context.Context, f MovementFilter) ([]Movement, error)
}

// DetailStore persists tracking details. There is no delete: records leave
// only when their transfer is removed.
type DetailStore interface {
	CreateDetail(ctx context.Context, d TrackingDetail) error
	UpdateDetail(ctx context.Context, d TrackingDetail) error
	GetDetail(ctx context.Context, id DetailID) (TrackingDetail, error)
	ListDetails(ctx context.Context, f DetailFilter) ([]TrackingDetail, error)
}

// OutboxStore persists intents. AppendIntents skips IDs that already exist.
type OutboxStore interface {
	AppendIntents(ctx context.Context, intents []Intent) error
	PendingIntents(ctx context.Context, limit int) ([]Intent, error)
	UpdateIntent(ctx context.Context, in Intent) error
}

// Store is the full persistence contract of the engine.
type Store interface {
	CatalogStore
	TransferStore
	DetailStore
	OutboxStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// FILTER MATCHING - shared by in-process implementations
// =============================================================================

// Matches reports whether t passes the filter.
func (f TransferFilter) Matches(t LoanTransfer) bool {
	if f.Borrower != "" && t.Borrower != f.Borrower {
		return false
	}
	if len(f.States) > 0 && !containsState(f.States, t.State) {
		return false
	}
	if f.CreatedAfter != nil && t.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && t.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	return true
}

// Matches reports whether m passes the filter.
func (f MovementFilter) Matches(m Movement) bool {
	if f.TransferID != "" && m.TransferID != f.TransferID {
		return false
	}
	if f.Product != "" && m.Product != f.Product {
		return false
	}
	if f.Source != "" && m.Source != f.Source {
		return false
	}
	if len(f.States) > 0 {
		for _, s := range f.States {
			if m.State == s {
				return true
			}
		}
		return false
	}
	return true
}

// Matches reports whether d passes the filter.
func (f DetailFilter) Matches(d TrackingDetail) bool {
	if f.TransferID != "" && d.TransferID != f.TransferID {
		return false
	}
	if f.Product != "" && d.Product != f.Product {
		return false
	}
	if f.SourceLocation != "" && d.SourceLocation != f.SourceLocation {
		return false
	}
	if f.Borrower != "" && d.Borrower != f.Borrower {
		return false
	}
	if f.Serial != "" && d.Serial != f.Serial {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if d.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.LoanedFrom != nil && d.LoanedAt.Before(*f.LoanedFrom) {
		return false
	}
	if f.LoanedTo != nil && d.LoanedAt.After(*f.LoanedTo) {
		return false
	}
	return true
}

func containsState(states []TransferState, s TransferState) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}

// OnLoanStatuses are the statuses counted as still loaned out.
var OnLoanStatuses = []DetailStatus{DetailActive, DetailPendingResolution}

// stockHoldingStatuses are the statuses a detail may hold stock in. Sold
// details hold it only while AwaitingSale.
var stockHoldingStatuses = []DetailStatus{DetailActive, DetailPendingResolution, DetailSold}
