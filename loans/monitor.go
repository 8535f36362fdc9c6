/*
monitor.go - Overdue and trial monitor

PURPOSE:
  Scheduled sweep that reports loans whose expected return date or trial
  end date has passed. The sweep only reads, apart from stamping
  LastSweptAt on each reported transfer.

EVENTS:
  One OverdueEvent per late transfer per sweep. Repeat is set when the
  transfer was already swept the same day; callers de-duplicate on
  (TransferID, Day).

REMINDERS:
  DueReminders lists overdue transfers whose next reminder date has come.
  RecordReminder counts the reminder, queues a notification intent for it
  and schedules the next one.

SEE ALSO:
  - api/scheduler.go: Runs the sweep periodically
*/
package loans

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var sweptStates = []TransferState{TransferActive, TransferInTrial, TransferPartiallyResolved}

// Sweep reports every late open loan as of now.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (events []OverdueEvent, err error) {
	ctx, span := e.startSpan(ctx, "loans.Sweep", attribute.String("loan.sweep_at", now.Format(time.RFC3339)))
	defer func() {
		span.SetAttributes(attribute.Int("loan.events", len(events)))
		endSpan(span, err)
	}()

	day := now.Format("2006-01-02")
	err = e.store.WithTx(ctx, func(s Store) error {
		transfers, err := s.ListTransfers(ctx, TransferFilter{States: sweptStates})
		if err != nil {
			return err
		}
		sort.Slice(transfers, func(i, j int) bool { return transfers[i].ID < transfers[j].ID })

		events = nil
		for _, t := range transfers {
			kind, days, late := lateness(t, now)
			if !late {
				continue
			}
			repeat := t.LastSweptAt != nil && t.LastSweptAt.Format("2006-01-02") == day
			events = append(events, OverdueEvent{
				TransferID:  t.ID,
				Borrower:    t.Borrower,
				OverdueDays: days,
				Kind:        kind,
				Day:         day,
				Repeat:      repeat,
			})
			swept := now
			t.LastSweptAt = &swept
			if err := s.UpdateTransfer(ctx, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(events) > 0 {
		e.logger.Info("overdue sweep", zap.Int("events", len(events)), zap.String("day", day))
	}
	return events, nil
}

// lateness decides whether a transfer is late and why. A passed return
// date takes precedence over an expired trial.
func lateness(t LoanTransfer, now time.Time) (OverdueKind, int, bool) {
	if t.ExpectedReturn.Before(now) {
		return OverdueReturn, t.OverdueDays(now), true
	}
	if t.State == TransferInTrial && t.TrialEnd != nil && t.TrialEnd.Before(now) {
		return TrialExpired, int(now.Sub(*t.TrialEnd).Hours() / 24), true
	}
	return "", 0, false
}

// NotificationIntents turns first-of-the-day events into outbox intents.
func (e *Engine) NotificationIntents(ctx context.Context, events []OverdueEvent) (int, error) {
	now := e.Now()
	var intents []Intent
	for _, ev := range events {
		if ev.Repeat {
			continue
		}
		id := IntentID("notify-" + string(ev.TransferID) + "-" + ev.Day)
		in, err := NewIntent(id, IntentNotification, ev.TransferID, "", ev, now)
		if err != nil {
			return 0, err
		}
		intents = append(intents, in)
	}
	if len(intents) == 0 {
		return 0, nil
	}
	if err := e.store.AppendIntents(ctx, intents); err != nil {
		return 0, err
	}
	return len(intents), nil
}

// =============================================================================
// REMINDERS
// =============================================================================

// DueReminders lists overdue open loans whose next reminder is due.
func (e *Engine) DueReminders(ctx context.Context, now time.Time) ([]LoanTransfer, error) {
	transfers, err := e.store.ListTransfers(ctx, TransferFilter{States: sweptStates})
	if err != nil {
		return nil, err
	}
	var due []LoanTransfer
	for _, t := range transfers {
		if !t.IsOverdue(now) {
			continue
		}
		if t.NextReminderAt == nil || !t.NextReminderAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

// RecordReminder queues a reminder notification, counts it and schedules
// the next one.
func (e *Engine) RecordReminder(ctx context.Context, id TransferID, now time.Time) (LoanTransfer, error) {
	var t LoanTransfer
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		t, err = s.GetTransfer(ctx, id)
		if err != nil {
			return err
		}
		next := now.Add(e.config.ReminderInterval)
		t.ReminderCount++
		t.NextReminderAt = &next
		t.UpdatedAt = now

		ev := OverdueEvent{
			TransferID:  t.ID,
			Borrower:    t.Borrower,
			OverdueDays: t.OverdueDays(now),
			Kind:        ReminderDue,
			Day:         now.Format("2006-01-02"),
			Reminder:    t.ReminderCount,
		}
		intentID := IntentID(fmt.Sprintf("remind-%s-%d", t.ID, t.ReminderCount))
		in, err := NewIntent(intentID, IntentNotification, t.ID, "", ev, e.Now())
		if err != nil {
			return err
		}
		if err := s.AppendIntents(ctx, []Intent{in}); err != nil {
			return err
		}
		return s.UpdateTransfer(ctx, t)
	})
	if err != nil {
		return LoanTransfer{}, err
	}
	return t, nil
}
