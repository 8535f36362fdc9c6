/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the database with realistic
  data for testing and demos. Each scenario creates products, locations,
  borrowers and stock, then drives loans through the engine so every
  record is produced by the same code paths as real traffic.

AVAILABLE SCENARIOS:
  showroom:          Catalog and stock only, nothing on loan
  active-loans:      Confirmed loans of chairs and laptops, one pending
  awaiting-decision: Loan in trial with details flagged for resolution
  overdue:           Loans past their expected return date
  frequent-borrower: Enough recent loans to trigger a dedicated location

HOW SCENARIOS WORK:
  1. Reset database (clear all data)
  2. Seed the common catalog and stock
  3. Open, confirm and move loans through the engine

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "overdue"}

NOTE:
  Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler struct
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/loan-engine/loans"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "showroom",
		Name:        "Showroom",
		Description: "Chairs, cables and serial-tracked laptops in stock, nothing on loan",
	},
	{
		ID:          "active-loans",
		Name:        "Active Loans",
		Description: "Two confirmed loans and one pending reservation",
	},
	{
		ID:          "awaiting-decision",
		Name:        "Awaiting Decision",
		Description: "Loan in trial with its chairs flagged for the customer's decision",
	},
	{
		ID:          "overdue",
		Name:        "Overdue Loans",
		Description: "Loans past their expected return date, ready for the monitor",
	},
	{
		ID:          "frequent-borrower",
		Name:        "Frequent Borrower",
		Description: "A borrower with enough recent loans to get a dedicated loan location",
	},
}

var scenarioLoaders = map[string]func(h *Handler, ctx context.Context) error{
	"showroom":          (*Handler).loadShowroomScenario,
	"active-loans":      (*Handler).loadActiveLoansScenario,
	"awaiting-decision": (*Handler).loadAwaitingDecisionScenario,
	"overdue":           (*Handler).loadOverdueScenario,
	"frequent-borrower": (*Handler).loadFrequentBorrowerScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown_scenario", "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.currentScenario = ""

	if err := load(h, ctx); err != nil {
		h.writeEngineError(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (h *Handler) seedCatalog(ctx context.Context) error {
	products := []loans.Product{
		{ID: "CHAIR", Name: "Office Chair", Tracking: loans.TrackingNone, StandardCost: dec("80"), ListPrice: dec("180"), AllowLoans: true},
		{ID: "CABLE", Name: "HDMI Cable (m)", Tracking: loans.TrackingNone, StandardCost: dec("1.5"), ListPrice: dec("4"), AllowLoans: true, MinLoanQty: dec("5")},
		{ID: "LAPTOP", Name: "Demo Laptop", Tracking: loans.TrackingSerial, StandardCost: dec("900"), ListPrice: dec("1400"), AllowLoans: true},
		{ID: "POSTER", Name: "Promo Poster", Tracking: loans.TrackingNone, StandardCost: dec("2"), ListPrice: dec("0"), AllowLoans: false},
	}
	for _, p := range products {
		if err := h.Store.SaveProduct(ctx, p); err != nil {
			return err
		}
	}

	locations := []loans.Location{
		{ID: "WH", Name: "Main Warehouse", Usage: loans.UsageInternal},
		{ID: "SHARED", Name: "Loans/Shared", Usage: loans.UsageLoanShared},
		{ID: "CUST", Name: "Customers", Usage: loans.UsageCustomer},
	}
	for _, l := range locations {
		if err := h.Store.SaveLocation(ctx, l); err != nil {
			return err
		}
	}

	borrowers := []loans.Borrower{
		{ID: "acme", Name: "Acme", Email: "buyer@acme.example"},
		{ID: "globex", Name: "Globex", Email: "ops@globex.example", MaxLoanItems: 10, MaxLoanValue: dec("5000")},
	}
	for _, b := range borrowers {
		if err := h.Store.SaveBorrower(ctx, b); err != nil {
			return err
		}
	}

	stock := h.Store.Stock()
	if err := stock.SetOnHand(ctx, "CHAIR", "WH", dec("20")); err != nil {
		return err
	}
	if err := stock.SetOnHand(ctx, "CABLE", "WH", dec("100")); err != nil {
		return err
	}
	return stock.AddSerials(ctx, "LAPTOP", "WH", "SN-1001", "SN-1002", "SN-1003", "SN-1004")
}

// openScenarioLoan opens and optionally confirms a loan starting daysAgo days
// before now and due dueIn days after now (negative for the past).
func (h *Handler) openScenarioLoan(ctx context.Context, borrower loans.BorrowerID, daysAgo, dueIn int, confirm bool, lines ...loans.LoanLine) (loans.LoanTransfer, []loans.TrackingDetail, error) {
	now := h.Engine.Now()
	t, err := h.Engine.OpenLoan(ctx, loans.OpenLoanRequest{
		Borrower:       borrower,
		Source:         "WH",
		ScheduledAt:    now.AddDate(0, 0, -daysAgo),
		ExpectedReturn: now.AddDate(0, 0, dueIn),
		Lines:          lines,
		Actor:          "scenario",
	})
	if err != nil || !confirm {
		return t, nil, err
	}
	details, err := h.Engine.ConfirmTransfer(ctx, t.ID, "scenario")
	if err != nil {
		return t, nil, err
	}
	t, err = h.Engine.GetTransfer(ctx, t.ID)
	return t, details, err
}

func chairLine(qty string) loans.LoanLine {
	return loans.LoanLine{Product: "CHAIR", Quantity: dec(qty)}
}

func laptopLine(serials ...string) loans.LoanLine {
	return loans.LoanLine{Product: "LAPTOP", Quantity: decimal.NewFromInt(int64(len(serials))), Serials: serials}
}

func (h *Handler) loadShowroomScenario(ctx context.Context) error {
	return h.seedCatalog(ctx)
}

func (h *Handler) loadActiveLoansScenario(ctx context.Context) error {
	if err := h.seedCatalog(ctx); err != nil {
		return err
	}
	if _, _, err := h.openScenarioLoan(ctx, "acme", 3, 11, true, chairLine("4"), laptopLine("SN-1001")); err != nil {
		return err
	}
	if _, _, err := h.openScenarioLoan(ctx, "globex", 1, 13, true, chairLine("2")); err != nil {
		return err
	}
	_, _, err := h.openScenarioLoan(ctx, "acme", 0, 14, false, chairLine("3"), loans.LoanLine{Product: "CABLE", Quantity: dec("10")})
	return err
}

func (h *Handler) loadAwaitingDecisionScenario(ctx context.Context) error {
	if err := h.seedCatalog(ctx); err != nil {
		return err
	}
	t, _, err := h.openScenarioLoan(ctx, "acme", 10, 4, true, chairLine("5"), laptopLine("SN-1002"))
	if err != nil {
		return err
	}
	trialEnd := h.Engine.Now().AddDate(0, 0, 2)
	if _, err := h.Engine.StartTrial(ctx, t.ID, &trialEnd); err != nil {
		return err
	}
	_, err = h.Engine.FlagForResolution(ctx, t.ID, nil, "scenario")
	return err
}

func (h *Handler) loadOverdueScenario(ctx context.Context) error {
	if err := h.seedCatalog(ctx); err != nil {
		return err
	}
	if _, _, err := h.openScenarioLoan(ctx, "acme", 20, -6, true, chairLine("3")); err != nil {
		return err
	}
	if _, _, err := h.openScenarioLoan(ctx, "globex", 15, -1, true, laptopLine("SN-1003")); err != nil {
		return err
	}
	_, _, err := h.openScenarioLoan(ctx, "acme", 2, 12, true, chairLine("1"))
	return err
}

func (h *Handler) loadFrequentBorrowerScenario(ctx context.Context) error {
	if err := h.seedCatalog(ctx); err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		if _, _, err := h.openScenarioLoan(ctx, "acme", 30*(i+1), 7, true, chairLine("1")); err != nil {
			return err
		}
	}
	// The next loan for acme lands on its dedicated location.
	_, _, err := h.openScenarioLoan(ctx, "acme", 0, 14, false, chairLine("2"))
	return err
}
