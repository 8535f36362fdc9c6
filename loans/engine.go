/*
engine.go - Loan lifecycle engine

PURPOSE:
  Entry point for every loan operation. Wires the store, the stock
  collaborator, the locker, logging and tracing, then delegates to the
  components:

    OpenLoan          opening.go        reserve stock for a new loan
    ConfirmTransfer   confirmation.go   materialize tracking details
    StartTrial        lifecycle.go      active -> in_trial
    FlagForResolution lifecycle.go      details -> pending_resolution
    Resolve           resolution.go     buy / return / keep outcomes
    Sweep             monitor.go        overdue and trial-expired events
    Analytics         analytics.go      loan statistics

TRANSACTIONS:
  Every mutating operation runs inside one TxStore.WithTx call. Collaborator
  calls (stock reads, outbound confirmation) happen outside it, under the
  Locker keys, so a store transaction never waits on the outside world.

SEE ALSO:
  - store.go: TxStore contract
  - locker.go: Locker contract
*/
package loans

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/warp/loan-engine/loans"

// Config holds the engine's business parameters.
type Config struct {
	// DedicatedThreshold is how many loans within FrequencyWindow earn a
	// borrower a dedicated loan location.
	DedicatedThreshold int
	FrequencyWindow    time.Duration
	DefaultTrialDays   int
	ReminderInterval   time.Duration
}

// DefaultConfig returns the standard business parameters.
func DefaultConfig() Config {
	return Config{
		DedicatedThreshold: 3,
		FrequencyWindow:    365 * 24 * time.Hour,
		DefaultTrialDays:   7,
		ReminderInterval:   7 * 24 * time.Hour,
	}
}

// Engine runs loan operations.
type Engine struct {
	store  TxStore
	stock  StockCollaborator
	locker Locker
	config Config
	logger *zap.Logger
	tracer trace.Tracer

	// Now is the engine clock. Tests replace it.
	Now func() time.Time
}

// NewEngine creates an engine. A nil logger logs nothing.
func NewEngine(store TxStore, stock StockCollaborator, locker Locker, config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.DedicatedThreshold <= 0 {
		config.DedicatedThreshold = def.DedicatedThreshold
	}
	if config.FrequencyWindow <= 0 {
		config.FrequencyWindow = def.FrequencyWindow
	}
	if config.DefaultTrialDays <= 0 {
		config.DefaultTrialDays = def.DefaultTrialDays
	}
	if config.ReminderInterval <= 0 {
		config.ReminderInterval = def.ReminderInterval
	}
	return &Engine{
		store:  store,
		stock:  stock,
		locker: locker,
		config: config,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		Now:    time.Now,
	}
}

// Store exposes the underlying store for read-only queries.
func (e *Engine) Store() TxStore {
	return e.store
}

// Availability returns a calculator bound to the engine's store and stock.
func (e *Engine) Availability() AvailabilityCalculator {
	return AvailabilityCalculator{Store: e.store, Stock: e.stock}
}

// AvailableForNewLoan is a shortcut for Availability().AvailableForNewLoan.
func (e *Engine) AvailableForNewLoan(ctx context.Context, product ProductID, location LocationID, exclude TransferID) (decimal.Decimal, error) {
	return e.Availability().AvailableForNewLoan(ctx, product, location, exclude)
}

// GetTransfer loads one transfer.
func (e *Engine) GetTransfer(ctx context.Context, id TransferID) (LoanTransfer, error) {
	return e.store.GetTransfer(ctx, id)
}

// TransferDetails lists every detail of a transfer, terminal ones included.
func (e *Engine) TransferDetails(ctx context.Context, id TransferID) ([]TrackingDetail, error) {
	if _, err := e.store.GetTransfer(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListDetails(ctx, DetailFilter{TransferID: id})
}

// AnnotateDetail updates the notes of a detail in any status.
func (e *Engine) AnnotateDetail(ctx context.Context, id DetailID, notes, conditionNotes *string) error {
	return e.store.WithTx(ctx, func(s Store) error {
		return NewTracker(s, e.Now).Annotate(ctx, id, notes, conditionNotes)
	})
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
