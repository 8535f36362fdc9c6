/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Request types carry go-playground/validator tags checked by decodeAndValidate
  before anything reaches the engine. Business rules (availability, limits,
  quantity partition) stay in the engine.

QUANTITIES:
  decimal.Decimal marshals as a JSON string and accepts strings or numbers.

SEE ALSO:
  - handlers.go: Uses these types
  - loans/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loan-engine/loans"
)

// =============================================================================
// CATALOG
// =============================================================================

// ProductDTO is a product in requests and responses.
type ProductDTO struct {
	ID           string          `json:"id" validate:"required"`
	Name         string          `json:"name" validate:"required"`
	Tracking     string          `json:"tracking" validate:"omitempty,oneof=none serial"`
	StandardCost decimal.Decimal `json:"standard_cost"`
	ListPrice    decimal.Decimal `json:"list_price"`
	AllowLoans   *bool           `json:"allow_loans,omitempty"`
	MinLoanQty   decimal.Decimal `json:"min_loan_qty"`
}

// LocationDTO is a stock location.
type LocationDTO struct {
	ID       string `json:"id" validate:"required"`
	Name     string `json:"name" validate:"required"`
	Usage    string `json:"usage" validate:"required,oneof=internal loan_dedicated loan_shared customer"`
	Borrower string `json:"borrower,omitempty" validate:"required_if=Usage loan_dedicated"`
}

// BorrowerDTO is a borrowing party.
type BorrowerDTO struct {
	ID           string          `json:"id" validate:"required"`
	Name         string          `json:"name" validate:"required"`
	Email        string          `json:"email,omitempty" validate:"omitempty,email"`
	MaxLoanItems int             `json:"max_loan_items" validate:"gte=0"`
	MaxLoanValue decimal.Decimal `json:"max_loan_value"`
}

// StockRequest seeds the stock book: a quantity for aggregate products or
// serials for serial-tracked ones.
type StockRequest struct {
	Product  string           `json:"product" validate:"required"`
	Location string           `json:"location" validate:"required"`
	Quantity *decimal.Decimal `json:"quantity,omitempty" validate:"required_without=Serials"`
	Serials  []string         `json:"serials,omitempty" validate:"omitempty,dive,required"`
}

// AvailabilityDTO answers an availability query.
type AvailabilityDTO struct {
	Product   string          `json:"product"`
	Location  string          `json:"location"`
	Exclude   string          `json:"exclude,omitempty"`
	Available decimal.Decimal `json:"available"`
	Serials   []string        `json:"serials,omitempty"`
}

// =============================================================================
// LOANS
// =============================================================================

// LoanLineDTO is one line of a new loan.
type LoanLineDTO struct {
	Product  string          `json:"product" validate:"required"`
	Quantity decimal.Decimal `json:"quantity"`
	Serials  []string        `json:"serials,omitempty"`
}

// OverrideDTO is the availability bypass.
type OverrideDTO struct {
	BypassAvailability bool   `json:"bypass_availability"`
	Justification      string `json:"justification" validate:"required_if=BypassAvailability true"`
}

// OpenLoanRequest opens a loan.
type OpenLoanRequest struct {
	Borrower       string        `json:"borrower" validate:"required"`
	Source         string        `json:"source" validate:"required"`
	Destination    string        `json:"destination,omitempty"`
	ScheduledAt    *time.Time    `json:"scheduled_at,omitempty"`
	ExpectedReturn time.Time     `json:"expected_return"`
	TrialEnd       *time.Time    `json:"trial_end,omitempty"`
	Lines          []LoanLineDTO `json:"lines" validate:"required,min=1,dive"`
	Override       *OverrideDTO  `json:"override,omitempty"`
	Notes          string        `json:"notes,omitempty"`
	Actor          string        `json:"actor,omitempty"`
}

// ActorRequest names who performs a state change.
type ActorRequest struct {
	Actor string `json:"actor,omitempty"`
}

// TrialRequest starts a trial period.
type TrialRequest struct {
	TrialEnd *time.Time `json:"trial_end,omitempty"`
}

// FlagRequest flags or unflags details. Empty DetailIDs means all.
type FlagRequest struct {
	DetailIDs []string `json:"detail_ids,omitempty" validate:"omitempty,dive,required"`
	Actor     string   `json:"actor,omitempty"`
}

// TransferDTO is a loan transfer in responses.
type TransferDTO struct {
	ID                  string     `json:"id"`
	Borrower            string     `json:"borrower"`
	Source              string     `json:"source"`
	Destination         string     `json:"destination"`
	State               string     `json:"state"`
	ScheduledAt         time.Time  `json:"scheduled_at"`
	ConfirmedAt         *time.Time `json:"confirmed_at,omitempty"`
	ExpectedReturn      time.Time  `json:"expected_return"`
	TrialEnd            *time.Time `json:"trial_end,omitempty"`
	BypassJustification string     `json:"bypass_justification,omitempty"`
	Notes               string     `json:"notes,omitempty"`
	Overdue             bool       `json:"overdue"`
	OverdueDays         int        `json:"overdue_days"`
	ReminderCount       int        `json:"reminder_count"`
	CreatedAt           time.Time  `json:"created_at"`
}

// DetailDTO is a tracking detail in responses.
type DetailDTO struct {
	ID                   string           `json:"id"`
	TransferID           string           `json:"transfer_id"`
	ParentID             string           `json:"parent_id,omitempty"`
	Product              string           `json:"product"`
	Serial               string           `json:"serial,omitempty"`
	Quantity             decimal.Decimal  `json:"quantity"`
	Status               string           `json:"status"`
	UnitCost             decimal.Decimal  `json:"unit_cost"`
	Value                decimal.Decimal  `json:"value"`
	LoanedAt             time.Time        `json:"loaned_at"`
	ResolvedAt           *time.Time       `json:"resolved_at,omitempty"`
	DaysInLoan           int              `json:"days_in_loan"`
	SalePrice            *decimal.Decimal `json:"sale_price,omitempty"`
	SaleRef              string           `json:"sale_ref,omitempty"`
	ReturnRef            string           `json:"return_ref,omitempty"`
	Notes                string           `json:"notes,omitempty"`
	ReturnConditionNotes string           `json:"return_condition_notes,omitempty"`
}

// LoanResponse is a loan with its tracking details.
type LoanResponse struct {
	Transfer TransferDTO `json:"transfer"`
	Details  []DetailDTO `json:"details"`
}

// NotesRequest updates the annotation fields of a detail. A nil field is
// left unchanged.
type NotesRequest struct {
	Notes          *string `json:"notes,omitempty"`
	ConditionNotes *string `json:"condition_notes,omitempty"`
}

// =============================================================================
// RESOLUTION
// =============================================================================

// ResolutionLineDTO is one decision for a quantity of one detail.
type ResolutionLineDTO struct {
	DetailID  string          `json:"detail_id" validate:"required"`
	Decision  string          `json:"decision" validate:"required,oneof=buy return keep_loan"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Condition string          `json:"condition,omitempty" validate:"omitempty,oneof=returned_good returned_damaged returned_defective"`
	Notes     string          `json:"notes,omitempty"`
}

// ResolveRequest is a batch of decisions for one loan.
type ResolveRequest struct {
	Lines []ResolutionLineDTO `json:"lines" validate:"required,min=1,dive"`
	Actor string              `json:"actor,omitempty"`
}

// ResolutionDTO is the outcome of a resolution.
type ResolutionDTO struct {
	TransferID string               `json:"transfer_id"`
	State      string               `json:"state"`
	Sales      []loans.SaleIntent   `json:"sales"`
	Returns    []loans.ReturnIntent `json:"returns"`
	Kept       []string             `json:"kept"`
	Details    []DetailDTO          `json:"details"`
}

// =============================================================================
// ADMIN
// =============================================================================

// SweepResponse reports one monitor run.
type SweepResponse struct {
	Events        []loans.OverdueEvent `json:"events"`
	Notifications int                  `json:"notifications"`
	Reminders     int                  `json:"reminders"`
}

// DrainResponse reports one outbox drain.
type DrainResponse struct {
	Dispatched int `json:"dispatched"`
	Retrying   int `json:"retrying"`
	Failed     int `json:"failed"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest loads a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is the body of every error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toTransferDTO(t loans.LoanTransfer, now time.Time) TransferDTO {
	return TransferDTO{
		ID:                  string(t.ID),
		Borrower:            string(t.Borrower),
		Source:              string(t.Source),
		Destination:         string(t.Destination),
		State:               string(t.State),
		ScheduledAt:         t.ScheduledAt,
		ConfirmedAt:         t.ConfirmedAt,
		ExpectedReturn:      t.ExpectedReturn,
		TrialEnd:            t.TrialEnd,
		BypassJustification: t.BypassJustification,
		Notes:               t.Notes,
		Overdue:             t.IsOverdue(now),
		OverdueDays:         t.OverdueDays(now),
		ReminderCount:       t.ReminderCount,
		CreatedAt:           t.CreatedAt,
	}
}

func toDetailDTOs(details []loans.TrackingDetail, now time.Time) []DetailDTO {
	out := make([]DetailDTO, 0, len(details))
	for _, d := range details {
		out = append(out, DetailDTO{
			ID:                   string(d.ID),
			TransferID:           string(d.TransferID),
			ParentID:             string(d.ParentID),
			Product:              string(d.Product),
			Serial:               d.Serial,
			Quantity:             d.Quantity,
			Status:               string(d.Status),
			UnitCost:             d.UnitCost,
			Value:                d.Value(),
			LoanedAt:             d.LoanedAt,
			ResolvedAt:           d.ResolvedAt,
			DaysInLoan:           d.DaysInLoan(now),
			SalePrice:            d.SalePrice,
			SaleRef:              d.SaleRef,
			ReturnRef:            d.ReturnRef,
			Notes:                d.Notes,
			ReturnConditionNotes: d.ReturnConditionNotes,
		})
	}
	return out
}

func toProductDTO(p loans.Product) ProductDTO {
	allow := p.AllowLoans
	return ProductDTO{
		ID:           string(p.ID),
		Name:         p.Name,
		Tracking:     string(p.Tracking),
		StandardCost: p.StandardCost,
		ListPrice:    p.ListPrice,
		AllowLoans:   &allow,
		MinLoanQty:   p.MinimumLoanQuantity(),
	}
}

func (p ProductDTO) toProduct() loans.Product {
	tracking := loans.TrackingNone
	if p.Tracking != "" {
		tracking = loans.Tracking(p.Tracking)
	}
	allow := true
	if p.AllowLoans != nil {
		allow = *p.AllowLoans
	}
	return loans.Product{
		ID:           loans.ProductID(p.ID),
		Name:         p.Name,
		Tracking:     tracking,
		StandardCost: p.StandardCost,
		ListPrice:    p.ListPrice,
		AllowLoans:   allow,
		MinLoanQty:   p.MinLoanQty,
	}
}

func (r OpenLoanRequest) toEngine() loans.OpenLoanRequest {
	req := loans.OpenLoanRequest{
		Borrower:       loans.BorrowerID(r.Borrower),
		Source:         loans.LocationID(r.Source),
		Destination:    loans.LocationID(r.Destination),
		ExpectedReturn: r.ExpectedReturn,
		TrialEnd:       r.TrialEnd,
		Notes:          r.Notes,
		Actor:          r.Actor,
	}
	if r.ScheduledAt != nil {
		req.ScheduledAt = *r.ScheduledAt
	}
	if r.Override != nil {
		req.Override = loans.Override{
			BypassAvailability: r.Override.BypassAvailability,
			Justification:      r.Override.Justification,
		}
	}
	for _, l := range r.Lines {
		req.Lines = append(req.Lines, loans.LoanLine{
			Product:  loans.ProductID(l.Product),
			Quantity: l.Quantity,
			Serials:  l.Serials,
		})
	}
	return req
}

func (r ResolveRequest) toEngine() loans.ResolutionRequest {
	req := loans.ResolutionRequest{Actor: r.Actor}
	for _, l := range r.Lines {
		req.Lines = append(req.Lines, loans.ResolutionLine{
			DetailID:  loans.DetailID(l.DetailID),
			Decision:  loans.Decision(l.Decision),
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			Condition: loans.DetailStatus(l.Condition),
			Notes:     l.Notes,
		})
	}
	return req
}

func detailIDs(ids []string) []loans.DetailID {
	out := make([]loans.DetailID, 0, len(ids))
	for _, id := range ids {
		out = append(out, loans.DetailID(id))
	}
	return out
}
