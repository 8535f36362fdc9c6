package loans_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-engine/loans"
)

func TestConfirmTransfer_MaterializesDetails(t *testing.T) {
	// GIVEN: A pending loan of 4 chairs and 2 laptops
	f := newFixture(t)
	tr := f.open(t, "acme", chairs("4"), laptops("SN-1", "SN-2"))

	// WHEN: The outbound movement is confirmed
	f.now = day0.Add(2 * time.Hour)
	details, err := f.engine.ConfirmTransfer(f.ctx, tr.ID, "clerk")
	require.NoError(t, err)

	// THEN: One aggregate detail and one detail per serial, all active
	require.Len(t, details, 3)
	var serials []string
	for _, d := range details {
		assert.Equal(t, loans.DetailActive, d.Status)
		assert.Equal(t, loans.BorrowerID("acme"), d.Borrower)
		assert.Equal(t, loans.LocationID("WH"), d.SourceLocation)
		assert.Equal(t, f.now, d.LoanedAt)
		switch d.Product {
		case "CHAIR":
			assert.Equal(t, "4", d.Quantity.String())
			assert.Empty(t, d.Serial)
			assert.Equal(t, "40", d.UnitCost.String())
		case "LAPTOP":
			assert.Equal(t, "1", d.Quantity.String())
			assert.Equal(t, "800", d.UnitCost.String())
			serials = append(serials, d.Serial)
		}
	}
	assert.ElementsMatch(t, []string{"SN-1", "SN-2"}, serials)

	// AND: The transfer is active and its movements done
	got, err := f.engine.GetTransfer(f.ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, loans.TransferActive, got.State)
	require.NotNil(t, got.ConfirmedAt)
	movs, _ := f.store.ListMovements(f.ctx, loans.MovementFilter{TransferID: tr.ID})
	for _, m := range movs {
		assert.Equal(t, loans.MovementDone, m.State)
	}

	// AND: Accounting is told the cost value
	acc := f.intentsOf(loans.IntentAccounting)
	require.Len(t, acc, 1)
	var ev loans.AccountingEvent
	require.NoError(t, acc[0].Decode(&ev))
	assert.Equal(t, loans.AccountingLoanConfirmed, ev.Kind)
	assert.Equal(t, "1760", ev.CostValue.String())
}

func TestConfirmTransfer_UnitCostIsFrozen(t *testing.T) {
	// GIVEN: A confirmed laptop loan
	f := newFixture(t)
	_, details := f.openAndConfirm(t, "acme", laptops("SN-1"))

	// WHEN: The standard cost changes afterwards
	laptop, _ := f.store.GetProduct(f.ctx, "LAPTOP")
	laptop.StandardCost = qty("950")
	require.NoError(t, f.store.SaveProduct(f.ctx, laptop))

	// THEN: The detail keeps the cost at confirmation
	d, err := f.store.GetDetail(f.ctx, details[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "800", d.UnitCost.String())
}

func TestConfirmTransfer_Idempotent(t *testing.T) {
	f := newFixture(t)
	tr, first := f.openAndConfirm(t, "acme", chairs("3"))

	again, err := f.engine.ConfirmTransfer(f.ctx, tr.ID, "clerk")
	require.NoError(t, err)

	assert.Equal(t, len(first), len(again))
	assert.Equal(t, first[0].ID, again[0].ID)
	assert.Len(t, f.intentsOf(loans.IntentAccounting), 1)
}

func TestConfirmTransfer_Rejections(t *testing.T) {
	t.Run("cancelled transfer", func(t *testing.T) {
		f := newFixture(t)
		tr := f.open(t, "acme", chairs("1"))
		require.NoError(t, f.engine.CancelTransfer(f.ctx, tr.ID, "clerk"))

		_, err := f.engine.ConfirmTransfer(f.ctx, tr.ID, "clerk")
		assert.ErrorIs(t, err, loans.ErrIllegalTransition)
	})

	t.Run("unknown transfer", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.ConfirmTransfer(f.ctx, "loan-missing", "clerk")
		assert.ErrorIs(t, err, loans.ErrNotFound)
	})

	t.Run("stock shrank since opening", func(t *testing.T) {
		// GIVEN: 4 chairs reserved, then the book drops to 2
		f := newFixture(t)
		tr := f.open(t, "acme", chairs("4"))
		f.stock.SetOnHand("CHAIR", "WH", qty("2"))

		// WHEN: Confirming
		_, err := f.engine.ConfirmTransfer(f.ctx, tr.ID, "clerk")

		// THEN: Shortfall, and the transfer stays pending without details
		assert.ErrorIs(t, err, loans.ErrInsufficientAvailability)
		got, _ := f.store.GetTransfer(f.ctx, tr.ID)
		assert.Equal(t, loans.TransferPending, got.State)
		details, _ := f.engine.TransferDetails(f.ctx, tr.ID)
		assert.Empty(t, details)
	})
}

func TestConfirmTransfer_BypassedSkipsQuantityCheck(t *testing.T) {
	// GIVEN: 8 chairs reserved by one loan and 5 by a bypassed one
	f := newFixture(t)
	f.open(t, "acme", chairs("8"))
	req := f.request("acme", chairs("5"))
	req.Override = loans.Override{BypassAvailability: true, Justification: "urgent demo"}
	bypassed, err := f.engine.OpenLoan(f.ctx, req)
	require.NoError(t, err)

	// WHEN: The bypassed one is confirmed
	details, err := f.engine.ConfirmTransfer(f.ctx, bypassed.ID, "clerk")

	// THEN: It goes through because the book still holds the units
	require.NoError(t, err)
	assert.Len(t, details, 1)
}

func TestConfirmTransfer_ConcurrentSameSerial(t *testing.T) {
	// GIVEN: Two bypassed loans reserving the same serial
	f := newFixture(t)
	var ids []loans.TransferID
	for i := 0; i < 2; i++ {
		req := f.request("acme", laptops("SN-1"))
		req.Override = loans.Override{BypassAvailability: true, Justification: "double booking"}
		tr, err := f.engine.OpenLoan(f.ctx, req)
		require.NoError(t, err)
		ids = append(ids, tr.ID)
	}

	// WHEN: Both are confirmed at the same time
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id loans.TransferID) {
			defer wg.Done()
			_, errs[i] = f.engine.ConfirmTransfer(f.ctx, id, "clerk")
		}(i, id)
	}
	wg.Wait()

	// THEN: Exactly one wins; the other sees the serial on loan
	var ok, failed int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, loans.ErrInsufficientAvailability):
			failed++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)

	onLoan, err := f.store.ListDetails(f.ctx, loans.DetailFilter{Product: "LAPTOP", Statuses: loans.OnLoanStatuses})
	require.NoError(t, err)
	assert.Len(t, onLoan, 1)
}
