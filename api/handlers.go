/*
handlers.go - HTTP API handlers for the loan engine

PURPOSE:
  Exposes the loan engine via REST API. Handles HTTP request/response,
  JSON serialization and request validation, and delegates to loans.Engine.

ENDPOINTS:
  Catalog:
    GET    /api/products               List products
    POST   /api/products               Create or update a product
    GET    /api/products/{id}          Get one product
    POST   /api/locations              Create or update a location
    POST   /api/borrowers              Create or update a borrower
    POST   /api/stock                  Seed on-hand quantity or serials
    GET    /api/availability           Available for a new loan

  Loans:
    POST   /api/loans                  Open a loan (reserve stock)
    GET    /api/loans                  List loans (?borrower=&state=&overdue=)
    GET    /api/loans/{id}             Get a loan
    GET    /api/loans/{id}/details     Tracking details, terminal ones included
    POST   /api/loans/{id}/confirm     Confirm the outbound movement
    POST   /api/loans/{id}/cancel      Cancel a pending loan
    POST   /api/loans/{id}/trial       Start the trial period
    POST   /api/loans/{id}/flag        Flag details for a decision
    POST   /api/loans/{id}/unflag      Revert flagged details
    POST   /api/loans/{id}/resolve     Apply buy / return / keep decisions
    POST   /api/details/{id}/notes     Annotate a detail

  Admin:
    GET    /api/analytics              Loan statistics
    POST   /api/admin/sweep            Run the overdue monitor now
    POST   /api/admin/outbox/drain     Dispatch pending intents now

ERROR HANDLING:
  Errors are returned as ErrorResponse with a stable code:
  - 400: Malformed body, request validation, InvalidQuantity
  - 404: NotFound
  - 409: IllegalTransition, InsufficientAvailability
  - 422: ValidationFailed
  - 503: ConcurrencyConflict (with Retry-After)
  - 500: Everything else, InvariantViolation included

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/warp/loan-engine/loans"
	"github.com/warp/loan-engine/logger"
	"github.com/warp/loan-engine/store/sqlite"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine     *loans.Engine
	Store      *sqlite.Store
	Dispatcher *loans.Dispatcher
	Metrics    *Metrics

	// ConfirmRetries and RetryBackoff bound the retry of a confirmation
	// that lost a lock race.
	ConfirmRetries int
	RetryBackoff   time.Duration

	validate *validator.Validate

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over an engine backed by store.
func NewHandler(engine *loans.Engine, store *sqlite.Store, dispatcher *loans.Dispatcher, metrics *Metrics) *Handler {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Handler{
		Engine:         engine,
		Store:          store,
		Dispatcher:     dispatcher,
		Metrics:        metrics,
		ConfirmRetries: 3,
		RetryBackoff:   50 * time.Millisecond,
		validate:       validator.New(),
	}
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ListProducts returns all products.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.Store.ListProducts(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]ProductDTO, 0, len(products))
	for _, p := range products {
		dtos = append(dtos, toProductDTO(p))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetProduct returns a single product.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetProduct(r.Context(), loans.ProductID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(p))
}

// CreateProduct creates or replaces a product.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req ProductDTO
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	p := req.toProduct()
	if err := h.Store.SaveProduct(r.Context(), p); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProductDTO(p))
}

// CreateLocation creates or replaces a location.
func (h *Handler) CreateLocation(w http.ResponseWriter, r *http.Request) {
	var req LocationDTO
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	loc := loans.Location{
		ID:       loans.LocationID(req.ID),
		Name:     req.Name,
		Usage:    loans.LocationUsage(req.Usage),
		Borrower: loans.BorrowerID(req.Borrower),
	}
	if err := h.Store.SaveLocation(r.Context(), loc); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// CreateBorrower creates or replaces a borrower.
func (h *Handler) CreateBorrower(w http.ResponseWriter, r *http.Request) {
	var req BorrowerDTO
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	b := loans.Borrower{
		ID:           loans.BorrowerID(req.ID),
		Name:         req.Name,
		Email:        req.Email,
		MaxLoanItems: req.MaxLoanItems,
		MaxLoanValue: req.MaxLoanValue,
	}
	if err := h.Store.SaveBorrower(r.Context(), b); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// SeedStock sets the on-hand quantity of an aggregate product or adds
// serials of a serial-tracked one.
func (h *Handler) SeedStock(w http.ResponseWriter, r *http.Request) {
	var req StockRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()
	product := loans.ProductID(req.Product)
	location := loans.LocationID(req.Location)

	p, err := h.Store.GetProduct(ctx, product)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if _, err := h.Store.GetLocation(ctx, location); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	stock := h.Store.Stock()
	if p.IsSerial() {
		if len(req.Serials) == 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "serial-tracked product needs serials", nil)
			return
		}
		err = stock.AddSerials(ctx, product, location, req.Serials...)
	} else {
		if req.Quantity == nil || req.Quantity.IsNegative() {
			writeError(w, http.StatusBadRequest, "invalid_request", "quantity must be zero or more", nil)
			return
		}
		err = stock.SetOnHand(ctx, product, location, *req.Quantity)
	}
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	onHand, err := stock.PhysicalOnHand(ctx, product, location)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"product":  req.Product,
		"location": req.Location,
		"on_hand":  onHand,
	})
}

// GetAvailability returns what a new loan could take.
// GET /api/availability?product=&location=&exclude=
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	product := loans.ProductID(q.Get("product"))
	location := loans.LocationID(q.Get("location"))
	exclude := loans.TransferID(q.Get("exclude"))
	if product == "" || location == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "product and location are required", nil)
		return
	}

	ctx := r.Context()
	p, err := h.Store.GetProduct(ctx, product)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	calc := h.Engine.Availability()
	available, err := calc.AvailableForNewLoan(ctx, product, location, exclude)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	resp := AvailabilityDTO{
		Product:   string(product),
		Location:  string(location),
		Exclude:   string(exclude),
		Available: available,
	}
	if p.IsSerial() {
		resp.Serials, err = calc.AvailableSerials(ctx, product, location, exclude)
		if err != nil {
			h.writeEngineError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

// OpenLoan reserves stock for a new loan.
func (h *Handler) OpenLoan(w http.ResponseWriter, r *http.Request) {
	var req OpenLoanRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	t, err := h.Engine.OpenLoan(r.Context(), req.toEngine())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.Metrics.loansOpened.Inc()
	writeJSON(w, http.StatusCreated, toTransferDTO(t, h.Engine.Now()))
}

// ListLoans returns loans, newest first.
// GET /api/loans?borrower=&state=active,in_trial&overdue=true
func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := loans.TransferFilter{Borrower: loans.BorrowerID(q.Get("borrower"))}
	if states := q.Get("state"); states != "" {
		for _, s := range strings.Split(states, ",") {
			filter.States = append(filter.States, loans.TransferState(strings.TrimSpace(s)))
		}
	}
	overdueOnly := q.Get("overdue") == "true"

	transfers, err := h.Store.ListTransfers(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	now := h.Engine.Now()
	dtos := make([]TransferDTO, 0, len(transfers))
	for i := len(transfers) - 1; i >= 0; i-- {
		t := transfers[i]
		if overdueOnly && !t.IsOverdue(now) {
			continue
		}
		dtos = append(dtos, toTransferDTO(t, now))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetLoan returns a single loan.
func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	t, err := h.Engine.GetTransfer(r.Context(), loanID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferDTO(t, h.Engine.Now()))
}

// GetLoanDetails returns every tracking detail of a loan.
func (h *Handler) GetLoanDetails(w http.ResponseWriter, r *http.Request) {
	details, err := h.Engine.TransferDetails(r.Context(), loanID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDetailDTOs(details, h.Engine.Now()))
}

// ConfirmLoan confirms the outbound movement and returns the details.
// Lock contention is retried a few times before giving up with 503.
func (h *Handler) ConfirmLoan(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	ctx := r.Context()
	id := loanID(r)

	var details []loans.TrackingDetail
	err := loans.RetryOnConflict(ctx, h.ConfirmRetries, h.RetryBackoff, func() error {
		var err error
		details, err = h.Engine.ConfirmTransfer(ctx, id, req.Actor)
		return err
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.Metrics.loansConfirmed.Inc()
	h.writeLoan(w, r, id, details)
}

// CancelLoan cancels a pending loan.
func (h *Handler) CancelLoan(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	if err := h.Engine.CancelTransfer(r.Context(), loanID(r), req.Actor); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.GetLoan(w, r)
}

// StartTrial moves an active loan into its trial period.
func (h *Handler) StartTrial(w http.ResponseWriter, r *http.Request) {
	var req TrialRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	t, err := h.Engine.StartTrial(r.Context(), loanID(r), req.TrialEnd)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferDTO(t, h.Engine.Now()))
}

// FlagDetails marks details as awaiting the customer's decision.
func (h *Handler) FlagDetails(w http.ResponseWriter, r *http.Request) {
	h.reflag(w, r, h.Engine.FlagForResolution)
}

// UnflagDetails reverts flagged details to active.
func (h *Handler) UnflagDetails(w http.ResponseWriter, r *http.Request) {
	h.reflag(w, r, h.Engine.RevertFlag)
}

type reflagFunc func(ctx context.Context, id loans.TransferID, ids []loans.DetailID, actor string) (loans.LoanTransfer, error)

func (h *Handler) reflag(w http.ResponseWriter, r *http.Request, fn reflagFunc) {
	var req FlagRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	id := loanID(r)
	if _, err := fn(r.Context(), id, detailIDs(req.DetailIDs), req.Actor); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	details, err := h.Engine.TransferDetails(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.writeLoan(w, r, id, details)
}

// ResolveLoan applies buy / return / keep decisions atomically.
func (h *Handler) ResolveLoan(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	out, err := h.Engine.Resolve(r.Context(), loanID(r), req.toEngine())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.Metrics.recordResolution(out)

	kept := make([]string, 0, len(out.Kept))
	for _, id := range out.Kept {
		kept = append(kept, string(id))
	}
	sales, returns := out.Sales, out.Returns
	if sales == nil {
		sales = []loans.SaleIntent{}
	}
	if returns == nil {
		returns = []loans.ReturnIntent{}
	}
	writeJSON(w, http.StatusOK, ResolutionDTO{
		TransferID: string(out.TransferID),
		State:      string(out.State),
		Sales:      sales,
		Returns:    returns,
		Kept:       kept,
		Details:    toDetailDTOs(out.Details, h.Engine.Now()),
	})
}

// AnnotateDetail updates a detail's notes, whatever its status.
func (h *Handler) AnnotateDetail(w http.ResponseWriter, r *http.Request) {
	var req NotesRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()
	id := loans.DetailID(chi.URLParam(r, "id"))
	if err := h.Engine.AnnotateDetail(ctx, id, req.Notes, req.ConditionNotes); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	d, err := h.Store.GetDetail(ctx, id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDetailDTOs([]loans.TrackingDetail{d}, h.Engine.Now())[0])
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// GetAnalytics returns loan statistics.
// GET /api/analytics?from=2026-01-01&to=2026-12-31&borrower=acme
func (h *Handler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := loans.AnalyticsFilter{Borrower: loans.BorrowerID(q.Get("borrower"))}
	for param, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		v := q.Get(param)
		if v == "" {
			continue
		}
		day, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid "+param+" date (use YYYY-MM-DD)", err)
			return
		}
		if param == "to" {
			day = day.Add(24*time.Hour - time.Nanosecond)
		}
		*dst = &day
	}

	a, err := h.Engine.Analytics(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// TriggerSweep runs the overdue monitor immediately.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	resp, err := runMonitor(r.Context(), h.Engine, h.Metrics, h.Engine.Now())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// DrainOutbox dispatches one batch of pending intents.
func (h *Handler) DrainOutbox(w http.ResponseWriter, r *http.Request) {
	if h.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "no outbox dispatcher configured", nil)
		return
	}
	res, err := h.Dispatcher.Drain(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.Metrics.recordDrain(res)
	writeJSON(w, http.StatusOK, DrainResponse{Dispatched: res.Dispatched, Retrying: res.Retrying, Failed: res.Failed})
}

// =============================================================================
// HELPERS
// =============================================================================

func loanID(r *http.Request) loans.TransferID {
	return loans.TransferID(chi.URLParam(r, "id"))
}

func (h *Handler) writeLoan(w http.ResponseWriter, r *http.Request, id loans.TransferID, details []loans.TrackingDetail) {
	t, err := h.Engine.GetTransfer(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	now := h.Engine.Now()
	writeJSON(w, http.StatusOK, LoanResponse{
		Transfer: toTransferDTO(t, now),
		Details:  toDetailDTOs(details, now),
	})
}

// decodeAndValidate decodes the JSON body into v and runs the validator.
// It writes the error response itself and reports whether to continue.
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body", err)
		return false
	}
	return h.validateBody(w, v)
}

// decodeOptional is decodeAndValidate for endpoints whose body may be empty.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body", err)
		return false
	}
	return h.validateBody(w, v)
}

func (h *Handler) validateBody(w http.ResponseWriter, v any) bool {
	err := h.validate.Struct(v)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Namespace()+": "+fe.Tag())
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "Request validation failed", errors.New(strings.Join(fields, "; ")))
		return false
	}
	writeError(w, http.StatusBadRequest, "invalid_request", "Request validation failed", err)
	return false
}

// writeEngineError maps engine errors to HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case loans.IsNotFound(err):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, loans.ErrInvalidQuantity):
		status, code = http.StatusBadRequest, "invalid_quantity"
	case errors.Is(err, loans.ErrValidationFailed):
		status, code = http.StatusUnprocessableEntity, "validation_failed"
	case errors.Is(err, loans.ErrIllegalTransition):
		status, code = http.StatusConflict, "illegal_transition"
	case errors.Is(err, loans.ErrInsufficientAvailability):
		status, code = http.StatusConflict, "insufficient_availability"
	case loans.IsRetryable(err):
		status, code = http.StatusServiceUnavailable, "concurrency_conflict"
		w.Header().Set("Retry-After", "1")
	case errors.Is(err, loans.ErrInvariantViolation):
		code = "invariant_violation"
	}

	h.Metrics.apiErrors.WithLabelValues(code).Inc()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		logger.FromContext(r.Context()).Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	writeError(w, status, code, err.Error(), nil)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
