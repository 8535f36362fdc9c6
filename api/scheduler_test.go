package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-engine/loans"
	"go.uber.org/zap/zaptest"
)

func TestMonitorScheduler_RunNowSweepsAndDrains(t *testing.T) {
	// GIVEN: A confirmed loan that is now a week late
	ts := newTestServer(t)
	ts.seed()
	loan := ts.openChairs("2")
	ts.mustDo("POST", "/api/loans/"+loan.ID+"/confirm", nil, http.StatusOK)
	ts.now = day0.AddDate(0, 0, 21)

	s := NewMonitorScheduler(ts.engine, ts.handler.Dispatcher, ts.handler.Metrics, zaptest.NewLogger(t))

	// WHEN: One pass runs
	s.RunNow(context.Background())

	// THEN: The overdue notice and the reminder were queued and everything was dispatched
	intents, err := ts.store.Intents(context.Background())
	require.NoError(t, err)
	var kinds []loans.OverdueKind
	for _, in := range intents {
		assert.Equal(t, loans.IntentDispatched, in.Status, string(in.Kind))
		if in.Kind == loans.IntentNotification {
			var ev loans.OverdueEvent
			require.NoError(t, in.Decode(&ev))
			kinds = append(kinds, ev.Kind)
		}
	}
	assert.ElementsMatch(t, []loans.OverdueKind{loans.OverdueReturn, loans.ReminderDue}, kinds)

	// AND: A reminder was recorded
	got, err := ts.engine.GetTransfer(context.Background(), loans.TransferID(loan.ID))
	require.NoError(t, err)
	assert.Equal(t, 1, got.ReminderCount)
	assert.Equal(t, 7, got.OverdueDays(ts.now))
}

func TestMonitorScheduler_StartStop(t *testing.T) {
	ts := newTestServer(t)
	s := NewMonitorScheduler(ts.engine, ts.handler.Dispatcher, nil, nil)
	s.CheckInterval = time.Hour
	s.DrainInterval = time.Hour

	s.Start()
	s.Stop()
	s.Stop()

	assert.Equal(t, day0.Add(time.Hour), s.GetNextRunTime())
}

func TestMonitorScheduler_Disabled(t *testing.T) {
	ts := newTestServer(t)
	s := NewMonitorScheduler(ts.engine, nil, nil, nil)
	s.Enabled = false

	s.Start()
	s.Stop()

	assert.Nil(t, s.ticker)
}
