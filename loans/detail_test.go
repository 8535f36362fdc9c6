package loans_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-engine/loans"
)

func newTracker(t *testing.T) (*fixture, *loans.Tracker) {
	t.Helper()
	f := newFixture(t)
	require.NoError(t, f.store.CreateTransfer(f.ctx, loans.LoanTransfer{
		ID: "loan-1", Borrower: "acme", Source: "WH", Destination: "SHARED",
		State: loans.TransferActive, CreatedAt: day0,
	}))
	return f, loans.NewTracker(f.store, func() time.Time { return f.now })
}

func TestCanTransition_Table(t *testing.T) {
	tests := []struct {
		from, to loans.DetailStatus
		want     bool
	}{
		{loans.DetailActive, loans.DetailPendingResolution, true},
		{loans.DetailActive, loans.DetailSold, true},
		{loans.DetailActive, loans.DetailReturnedDefective, true},
		{loans.DetailPendingResolution, loans.DetailActive, true},
		{loans.DetailPendingResolution, loans.DetailReturnedGood, true},
		{loans.DetailActive, loans.DetailActive, false},
		{loans.DetailSold, loans.DetailActive, false},
		{loans.DetailReturnedGood, loans.DetailSold, false},
		{loans.DetailReturnedDamaged, loans.DetailPendingResolution, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, loans.CanTransition(tt.from, tt.to))
		})
	}
}

func TestTracker_CreateEnforcesSerialInvariant(t *testing.T) {
	f, tracker := newTracker(t)
	laptop, err := f.store.GetProduct(f.ctx, "LAPTOP")
	require.NoError(t, err)
	chair, err := f.store.GetProduct(f.ctx, "CHAIR")
	require.NoError(t, err)

	tests := []struct {
		name string
		nd   loans.NewDetail
	}{
		{"serial product without serial", loans.NewDetail{TransferID: "loan-1", Product: laptop, Quantity: qty("1")}},
		{"serial product with quantity 2", loans.NewDetail{TransferID: "loan-1", Product: laptop, Serial: "SN-1", Quantity: qty("2")}},
		{"aggregate product with serial", loans.NewDetail{TransferID: "loan-1", Product: chair, Serial: "X", Quantity: qty("3")}},
		{"zero quantity", loans.NewDetail{TransferID: "loan-1", Product: chair, Quantity: qty("0")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tracker.Create(f.ctx, tt.nd)
			assert.True(t, errors.Is(err, loans.ErrInvalidQuantity), "got %v", err)
		})
	}

	id, err := tracker.Create(f.ctx, loans.NewDetail{TransferID: "loan-1", Product: laptop, Serial: "SN-1", Quantity: qty("1"), UnitCost: qty("800")})
	require.NoError(t, err)
	d, err := f.store.GetDetail(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, loans.DetailActive, d.Status)
	assert.Equal(t, "800", d.Value().String())
}

func TestTracker_TerminalDetailRejectsTransition(t *testing.T) {
	// GIVEN: A sold detail
	f, tracker := newTracker(t)
	chair, _ := f.store.GetProduct(f.ctx, "CHAIR")
	id, err := tracker.Create(f.ctx, loans.NewDetail{TransferID: "loan-1", Product: chair, Quantity: qty("2")})
	require.NoError(t, err)
	price := qty("90")
	require.NoError(t, tracker.Transition(f.ctx, id, loans.DetailSold, loans.ResolutionMeta{Actor: "clerk", SalePrice: &price, SaleRef: "sale-1"}))

	// WHEN: Trying to move it back to active
	err = tracker.Transition(f.ctx, id, loans.DetailActive, loans.ResolutionMeta{})

	// THEN: IllegalTransition and the record is unchanged
	var ite *loans.IllegalTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, "sold", ite.From)
	d, _ := f.store.GetDetail(f.ctx, id)
	assert.Equal(t, loans.DetailSold, d.Status)
	require.NotNil(t, d.ResolvedAt)
	assert.Equal(t, "90", d.SalePrice.String())
	assert.Equal(t, "sale-1", d.SaleRef)
	assert.Equal(t, "clerk", d.ChangedBy)
}

func TestTracker_SplitConservesQuantity(t *testing.T) {
	// GIVEN: An active detail of 5 chairs
	f, tracker := newTracker(t)
	chair, _ := f.store.GetProduct(f.ctx, "CHAIR")
	id, err := tracker.Create(f.ctx, loans.NewDetail{TransferID: "loan-1", Product: chair, Quantity: qty("5")})
	require.NoError(t, err)

	// WHEN: 2 are split off as returned_damaged
	terminalID, remainderID, err := tracker.Split(f.ctx, id, qty("2"), loans.DetailReturnedDamaged,
		loans.ResolutionMeta{Actor: "clerk", ReturnRef: "return-1", ConditionNotes: "scratched"})
	require.NoError(t, err)

	// THEN: The original keeps 3 active, the new record holds 2 with lineage
	assert.Equal(t, id, remainderID)
	remainder, _ := f.store.GetDetail(f.ctx, remainderID)
	part, _ := f.store.GetDetail(f.ctx, terminalID)
	assert.Equal(t, "3", remainder.Quantity.String())
	assert.Equal(t, loans.DetailActive, remainder.Status)
	assert.Equal(t, "2", part.Quantity.String())
	assert.Equal(t, loans.DetailReturnedDamaged, part.Status)
	assert.Equal(t, id, part.ParentID)
	assert.Equal(t, "scratched", part.ReturnConditionNotes)

	all, err := f.store.ListDetails(f.ctx, loans.DetailFilter{TransferID: "loan-1"})
	require.NoError(t, err)
	assert.Equal(t, "5", sumQuantity(all).String())
}

func TestTracker_SplitRejections(t *testing.T) {
	f, tracker := newTracker(t)
	chair, _ := f.store.GetProduct(f.ctx, "CHAIR")
	laptop, _ := f.store.GetProduct(f.ctx, "LAPTOP")
	agg, err := tracker.Create(f.ctx, loans.NewDetail{TransferID: "loan-1", Product: chair, Quantity: qty("5")})
	require.NoError(t, err)
	serial, err := tracker.Create(f.ctx, loans.NewDetail{TransferID: "loan-1", Product: laptop, Serial: "SN-1", Quantity: qty("1")})
	require.NoError(t, err)

	_, _, err = tracker.Split(f.ctx, serial, qty("1"), loans.DetailSold, loans.ResolutionMeta{})
	assert.ErrorIs(t, err, loans.ErrInvalidQuantity)

	_, _, err = tracker.Split(f.ctx, agg, qty("5"), loans.DetailSold, loans.ResolutionMeta{})
	assert.ErrorIs(t, err, loans.ErrInvalidQuantity)

	_, _, err = tracker.Split(f.ctx, agg, qty("-1"), loans.DetailSold, loans.ResolutionMeta{})
	assert.ErrorIs(t, err, loans.ErrInvalidQuantity)

	_, _, err = tracker.Split(f.ctx, agg, qty("2"), loans.DetailPendingResolution, loans.ResolutionMeta{})
	assert.ErrorIs(t, err, loans.ErrIllegalTransition)

	d, _ := f.store.GetDetail(f.ctx, agg)
	assert.Equal(t, "5", d.Quantity.String())
}

func TestTracker_AnnotateAndLinkWorkOnTerminal(t *testing.T) {
	f, tracker := newTracker(t)
	chair, _ := f.store.GetProduct(f.ctx, "CHAIR")
	id, _ := tracker.Create(f.ctx, loans.NewDetail{TransferID: "loan-1", Product: chair, Quantity: qty("1")})
	require.NoError(t, tracker.Transition(f.ctx, id, loans.DetailReturnedGood, loans.ResolutionMeta{ReturnRef: "return-1"}))

	notes := "box missing"
	require.NoError(t, tracker.Annotate(f.ctx, id, &notes, nil))
	require.NoError(t, tracker.Link(f.ctx, id, "", "IN/00007"))

	d, _ := f.store.GetDetail(f.ctx, id)
	assert.Equal(t, "box missing", d.Notes)
	assert.Equal(t, "IN/00007", d.ReturnRef)
	assert.Equal(t, loans.DetailReturnedGood, d.Status)
}
