package loans_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-engine/loans"
)

// publisherFunc adapts a function to loans.Publisher.
type publisherFunc func(ctx context.Context, in loans.Intent) (string, error)

func (f publisherFunc) Publish(ctx context.Context, in loans.Intent) (string, error) {
	return f(ctx, in)
}

func resolvedLoan(t *testing.T, f *fixture) []loans.TrackingDetail {
	t.Helper()
	tr, details := f.openAndConfirm(t, "acme", chairs("3"))
	out, err := f.engine.Resolve(f.ctx, tr.ID, loans.ResolutionRequest{Lines: []loans.ResolutionLine{
		{DetailID: details[0].ID, Decision: loans.DecisionBuy, Quantity: qty("1"), UnitPrice: qty("99")},
		{DetailID: details[0].ID, Decision: loans.DecisionReturn, Quantity: qty("2")},
	}})
	require.NoError(t, err)
	return out.Details
}

func TestDispatcher_LinksCollaboratorReferences(t *testing.T) {
	// GIVEN: A resolved loan with a sale and a return in the outbox
	f := newFixture(t)
	details := resolvedLoan(t, f)
	sold := byStatus(details, loans.DetailSold)[0]
	returned := byStatus(details, loans.DetailReturnedGood)[0]
	assert.True(t, strings.HasPrefix(sold.SaleRef, "sale-"), "intent id until dispatched")

	// WHEN: Drained into the stock collaborator
	d := loans.NewDispatcher(f.store, loans.CollaboratorPublisher{Sales: f.stock, Stock: f.stock}, loans.DefaultDispatcherConfig(), nil)
	res, err := d.Drain(f.ctx)
	require.NoError(t, err)

	// THEN: Every intent is dispatched and the references are linked
	assert.Equal(t, loans.DrainResult{Dispatched: 4}, res)
	sold, _ = f.store.GetDetail(f.ctx, sold.ID)
	returned, _ = f.store.GetDetail(f.ctx, returned.ID)
	assert.Equal(t, "SO/00001", sold.SaleRef)
	assert.Equal(t, "IN/00002", returned.ReturnRef)
	for _, in := range f.store.Intents() {
		assert.Equal(t, loans.IntentDispatched, in.Status)
		assert.Equal(t, 1, in.Attempts)
		assert.NotNil(t, in.DispatchedAt)
	}

	// AND: A second drain has nothing to do
	res, err = d.Drain(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, loans.DrainResult{}, res)
	assert.Len(t, f.stock.Sales(), 1)
}

func TestDispatcher_RetriesThenDeadLetters(t *testing.T) {
	// GIVEN: A publisher that rejects sales
	f := newFixture(t)
	resolvedLoan(t, f)
	pub := publisherFunc(func(_ context.Context, in loans.Intent) (string, error) {
		if in.Kind == loans.IntentSale {
			return "", errors.New("sales backend down")
		}
		return "", nil
	})
	d := loans.NewDispatcher(f.store, pub, loans.DispatcherConfig{MaxAttempts: 2}, nil)

	// WHEN: Drained once
	res, err := d.Drain(f.ctx)
	require.NoError(t, err)

	// THEN: The sale stays pending for a retry
	assert.Equal(t, 3, res.Dispatched)
	assert.Equal(t, 1, res.Retrying)
	sale := f.intentsOf(loans.IntentSale)[0]
	assert.Equal(t, loans.IntentPending, sale.Status)
	assert.Equal(t, "sales backend down", sale.LastError)

	// WHEN: Drained again
	res, err = d.Drain(f.ctx)
	require.NoError(t, err)

	// THEN: It is moved to the dead letter status
	assert.Equal(t, loans.DrainResult{Failed: 1}, res)
	sale = f.intentsOf(loans.IntentSale)[0]
	assert.Equal(t, loans.IntentFailed, sale.Status)
	assert.Equal(t, 2, sale.Attempts)

	res, err = d.Drain(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, loans.DrainResult{}, res)
}

func TestDispatcher_EmptyReferenceKeepsIntentID(t *testing.T) {
	f := newFixture(t)
	details := resolvedLoan(t, f)
	sold := byStatus(details, loans.DetailSold)[0]

	d := loans.NewDispatcher(f.store, loans.CollaboratorPublisher{}, loans.DefaultDispatcherConfig(), nil)
	_, err := d.Drain(f.ctx)
	require.NoError(t, err)

	got, _ := f.store.GetDetail(f.ctx, sold.ID)
	assert.Equal(t, sold.SaleRef, got.SaleRef)
}

func TestNewIntent_GeneratesID(t *testing.T) {
	in, err := loans.NewIntent("", loans.IntentNotification, "loan-1", "", loans.OverdueEvent{TransferID: "loan-1", OverdueDays: 3}, day0)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(string(in.ID), "notification-"))
	assert.Equal(t, loans.IntentPending, in.Status)
	assert.JSONEq(t, `{"transfer_id":"loan-1","borrower":"","overdue_days":3,"kind":"","day":"","repeat":false}`, string(in.Payload))
}
