package loans_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-engine/loans"
)

func TestSweep_ReportsOverdueOncePerDay(t *testing.T) {
	// GIVEN: A loan due back on day 14 and a pending one
	f := newFixture(t)
	late, _ := f.openAndConfirm(t, "acme", chairs("2"))
	f.open(t, "acme", chairs("1"))

	// WHEN: Swept two days and an hour after the due date
	now := day0.AddDate(0, 0, 16).Add(time.Hour)
	first, err := f.engine.Sweep(f.ctx, now)
	require.NoError(t, err)

	// THEN: Only the confirmed loan is reported
	require.Len(t, first, 1)
	ev := first[0]
	assert.Equal(t, late.ID, ev.TransferID)
	assert.Equal(t, loans.OverdueReturn, ev.Kind)
	assert.Equal(t, 2, ev.OverdueDays)
	assert.Equal(t, "2026-03-18", ev.Day)
	assert.False(t, ev.Repeat)

	// WHEN: Swept again later that day
	second, err := f.engine.Sweep(f.ctx, now.Add(3*time.Hour))
	require.NoError(t, err)

	// THEN: Same event, marked as a repeat
	require.Len(t, second, 1)
	assert.True(t, second[0].Repeat)

	// AND: Notifications are queued once per transfer and day
	n, err := f.engine.NotificationIntents(f.ctx, append(first, second...))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = f.engine.NotificationIntents(f.ctx, first)
	require.NoError(t, err)
	notes := f.intentsOf(loans.IntentNotification)
	require.Len(t, notes, 1)
	assert.Equal(t, loans.IntentID("notify-"+string(late.ID)+"-2026-03-18"), notes[0].ID)

	var payload loans.OverdueEvent
	require.NoError(t, notes[0].Decode(&payload))
	assert.Equal(t, 2, payload.OverdueDays)
}

func TestSweep_TrialExpired(t *testing.T) {
	// GIVEN: A loan in a trial ending on day 3
	f := newFixture(t)
	tr, _ := f.openAndConfirm(t, "acme", chairs("1"))
	end := day0.AddDate(0, 0, 3)
	_, err := f.engine.StartTrial(f.ctx, tr.ID, &end)
	require.NoError(t, err)

	// WHEN: Swept on day 5, before the return date
	events, err := f.engine.Sweep(f.ctx, day0.AddDate(0, 0, 5))
	require.NoError(t, err)

	// THEN: Trial expired two days ago
	require.Len(t, events, 1)
	assert.Equal(t, loans.TrialExpired, events[0].Kind)
	assert.Equal(t, 2, events[0].OverdueDays)

	// WHEN: Swept after the return date too
	events, err = f.engine.Sweep(f.ctx, day0.AddDate(0, 0, 20))
	require.NoError(t, err)

	// THEN: Overdue takes precedence
	require.Len(t, events, 1)
	assert.Equal(t, loans.OverdueReturn, events[0].Kind)
}

func TestSweep_SkipsClosedLoans(t *testing.T) {
	f := newFixture(t)
	tr, details := f.openAndConfirm(t, "acme", chairs("1"))
	_, err := f.engine.Resolve(f.ctx, tr.ID, loans.ResolutionRequest{Lines: []loans.ResolutionLine{
		{DetailID: details[0].ID, Decision: loans.DecisionReturn, Quantity: qty("1")},
	}})
	require.NoError(t, err)

	events, err := f.engine.Sweep(f.ctx, day0.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReminders(t *testing.T) {
	// GIVEN: A loan overdue since day 14
	f := newFixture(t)
	tr, _ := f.openAndConfirm(t, "acme", chairs("1"))
	f.openAndConfirm(t, "acme", chairs("1"))
	day15 := day0.AddDate(0, 0, 15)

	// WHEN: Reminders are checked on day 15
	due, err := f.engine.DueReminders(f.ctx, day15)
	require.NoError(t, err)
	require.Len(t, due, 2)

	// AND: One reminder is sent
	got, err := f.engine.RecordReminder(f.ctx, tr.ID, day15)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ReminderCount)
	require.NotNil(t, got.NextReminderAt)
	assert.Equal(t, day15.AddDate(0, 0, 7), *got.NextReminderAt)

	// AND: The reminder went to the outbox
	notes := f.intentsOf(loans.IntentNotification)
	require.Len(t, notes, 1)
	var ev loans.OverdueEvent
	require.NoError(t, notes[0].Decode(&ev))
	assert.Equal(t, loans.ReminderDue, ev.Kind)
	assert.Equal(t, tr.ID, ev.TransferID)
	assert.Equal(t, 1, ev.Reminder)
	assert.Equal(t, 1, ev.OverdueDays)

	// THEN: It is not due again until a week later
	due, err = f.engine.DueReminders(f.ctx, day15.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.NotEqual(t, tr.ID, due[0].ID)

	due, err = f.engine.DueReminders(f.ctx, day15.AddDate(0, 0, 7))
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestReminders_NotBeforeDueDate(t *testing.T) {
	f := newFixture(t)
	f.openAndConfirm(t, "acme", chairs("1"))

	due, err := f.engine.DueReminders(f.ctx, day0.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Empty(t, due)
}
