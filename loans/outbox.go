/*
outbox.go - Intent outbox and dispatcher

PURPOSE:
  Follow-on work for external collaborators (create a sale, create a return
  transfer, notify about an overdue loan, inform accounting) is written as
  Intent rows in the same transaction as the state change that caused it.
  The Dispatcher later hands pending intents to a Publisher.

DELIVERY:
  At-least-once. A failed publish bumps Attempts and keeps the intent
  pending until MaxAttempts, after which it is marked failed (dead letter).

REFERENCES:
  Details store the intent ID as their sale/return reference when resolved.
  When a publisher returns the collaborator's own reference, the dispatcher
  links it onto the detail.

SEE ALSO:
  - collaborators.go: Intent payload types
  - outbox/: Kafka and log publishers
*/
package loans

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// IntentKind routes an intent to its collaborator.
type IntentKind string

const (
	IntentSale         IntentKind = "sale"
	IntentReturn       IntentKind = "return"
	IntentNotification IntentKind = "notification"
	IntentAccounting   IntentKind = "accounting"
)

// IntentStatus is the delivery status of an intent.
type IntentStatus string

const (
	IntentPending    IntentStatus = "pending"
	IntentDispatched IntentStatus = "dispatched"
	IntentFailed     IntentStatus = "failed"
)

// Intent is one outbox row.
type Intent struct {
	ID           IntentID
	Kind         IntentKind
	TransferID   TransferID
	DetailID     DetailID
	Payload      []byte // JSON of the kind's payload type
	Status       IntentStatus
	Attempts     int
	LastError    string
	ExternalRef  string
	CreatedAt    time.Time
	DispatchedAt *time.Time
}

// NewIntent encodes payload into a pending intent.
func NewIntent(id IntentID, kind IntentKind, transfer TransferID, detail DetailID, payload any, now time.Time) (Intent, error) {
	if id == "" {
		id = IntentID(NewID(string(kind)))
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Intent{}, fmt.Errorf("encode %s intent: %w", kind, err)
	}
	return Intent{
		ID:         id,
		Kind:       kind,
		TransferID: transfer,
		DetailID:   detail,
		Payload:    data,
		Status:     IntentPending,
		CreatedAt:  now,
	}, nil
}

// Decode unmarshals the payload into v.
func (in Intent) Decode(v any) error {
	return json.Unmarshal(in.Payload, v)
}

// Publisher delivers an intent. The returned reference, if any, is the
// collaborator's identifier for what it created.
type Publisher interface {
	Publish(ctx context.Context, in Intent) (string, error)
}

// =============================================================================
// DISPATCHER
// =============================================================================

// DispatcherConfig holds configuration for the dispatcher.
type DispatcherConfig struct {
	BatchSize   int
	MaxAttempts int
}

// DefaultDispatcherConfig returns default configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{BatchSize: 100, MaxAttempts: 5}
}

// DrainResult summarizes one Drain call.
type DrainResult struct {
	Dispatched int
	Retrying   int
	Failed     int
}

// Dispatcher moves pending intents to a Publisher.
type Dispatcher struct {
	store     TxStore
	publisher Publisher
	config    DispatcherConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store TxStore, publisher Publisher, config DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultDispatcherConfig().BatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultDispatcherConfig().MaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{store: store, publisher: publisher, config: config, logger: logger, now: time.Now}
}

// Drain publishes one batch of pending intents.
func (d *Dispatcher) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult

	pending, err := d.store.PendingIntents(ctx, d.config.BatchSize)
	if err != nil {
		return res, fmt.Errorf("find pending intents: %w", err)
	}

	for _, in := range pending {
		ref, err := d.publisher.Publish(ctx, in)
		in.Attempts++
		if err != nil {
			in.LastError = err.Error()
			if in.Attempts >= d.config.MaxAttempts {
				in.Status = IntentFailed
				res.Failed++
				d.logger.Error("intent moved to dead letter",
					zap.String("intent_id", string(in.ID)),
					zap.String("kind", string(in.Kind)),
					zap.Int("attempts", in.Attempts),
					zap.Error(err),
				)
			} else {
				res.Retrying++
				d.logger.Warn("intent publish failed",
					zap.String("intent_id", string(in.ID)),
					zap.String("kind", string(in.Kind)),
					zap.Error(err),
				)
			}
			if uerr := d.store.UpdateIntent(ctx, in); uerr != nil {
				return res, fmt.Errorf("update intent %s: %w", in.ID, uerr)
			}
			continue
		}

		now := d.now()
		in.Status = IntentDispatched
		in.LastError = ""
		in.ExternalRef = ref
		in.DispatchedAt = &now

		err = d.store.WithTx(ctx, func(s Store) error {
			if ref != "" && in.DetailID != "" {
				tracker := NewTracker(s, d.now)
				switch in.Kind {
				case IntentSale:
					if err := tracker.Link(ctx, in.DetailID, ref, ""); err != nil {
						return err
					}
				case IntentReturn:
					if err := tracker.Link(ctx, in.DetailID, "", ref); err != nil {
						return err
					}
				}
			}
			return s.UpdateIntent(ctx, in)
		})
		if err != nil {
			return res, fmt.Errorf("record dispatch of %s: %w", in.ID, err)
		}
		res.Dispatched++
	}

	if len(pending) > 0 {
		d.logger.Info("outbox drained",
			zap.Int("dispatched", res.Dispatched),
			zap.Int("retrying", res.Retrying),
			zap.Int("failed", res.Failed),
		)
	}
	return res, nil
}

// =============================================================================
// COLLABORATOR PUBLISHER - in-process routing to collaborator interfaces
// =============================================================================

// CollaboratorPublisher routes each intent kind to its collaborator. A nil
// collaborator makes intents of that kind succeed without a reference.
type CollaboratorPublisher struct {
	Sales      SalesCollaborator
	Stock      StockCollaborator
	Accounting AccountingCollaborator
	Notifier   Notifier
}

// Publish implements Publisher.
func (p CollaboratorPublisher) Publish(ctx context.Context, in Intent) (string, error) {
	switch in.Kind {
	case IntentSale:
		if p.Sales == nil {
			return "", nil
		}
		var sale SaleIntent
		if err := in.Decode(&sale); err != nil {
			return "", err
		}
		return p.Sales.CreateSale(ctx, sale)

	case IntentReturn:
		if p.Stock == nil {
			return "", nil
		}
		var ret ReturnIntent
		if err := in.Decode(&ret); err != nil {
			return "", err
		}
		return p.Stock.CreateInboundTransfer(ctx, InboundRequest{
			Product:            ret.Product,
			Serial:             ret.Serial,
			Quantity:           ret.Quantity,
			Destination:        ret.Destination,
			SourceLoanLocation: ret.SourceLoanLocation,
			Condition:          ret.Condition,
			Reference:          string(ret.ID),
		})

	case IntentAccounting:
		if p.Accounting == nil {
			return "", nil
		}
		var ev AccountingEvent
		if err := in.Decode(&ev); err != nil {
			return "", err
		}
		return p.Accounting.RecordEvent(ctx, ev)

	case IntentNotification:
		if p.Notifier == nil {
			return "", nil
		}
		var ev OverdueEvent
		if err := in.Decode(&ev); err != nil {
			return "", err
		}
		return "", p.Notifier.NotifyOverdue(ctx, ev)
	}
	return "", fmt.Errorf("unknown intent kind %q", in.Kind)
}
