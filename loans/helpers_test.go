package loans_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-engine/lock"
	"github.com/warp/loan-engine/loans"
	"github.com/warp/loan-engine/loans/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var day0 = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

func qty(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fixture is an engine over the memory store and memory stock, seeded with:
//
//	CHAIR   aggregate, cost 40, list 100, 10 at WH
//	CABLE   aggregate, minimum loan quantity 5, 50 at WH
//	LAPTOP  serial, cost 800, list 1200, SN-1..SN-3 at WH
//	POSTER  not loanable
//	WH      internal, SHARED loan_shared, CUST customer
//	acme    unlimited borrower, tiny limited to 2 items / 500 value
type fixture struct {
	ctx    context.Context
	store  *store.Memory
	stock  *store.MemoryStock
	engine *loans.Engine
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:   context.Background(),
		store: store.NewMemory(),
		stock: store.NewMemoryStock(),
		now:   day0,
	}
	f.stock.Now = func() time.Time { return f.now }

	catalog := []loans.Product{
		{ID: "CHAIR", Name: "Chair", Tracking: loans.TrackingNone, StandardCost: qty("40"), ListPrice: qty("100"), AllowLoans: true},
		{ID: "CABLE", Name: "Cable", Tracking: loans.TrackingNone, StandardCost: qty("2"), ListPrice: qty("5"), AllowLoans: true, MinLoanQty: qty("5")},
		{ID: "LAPTOP", Name: "Laptop", Tracking: loans.TrackingSerial, StandardCost: qty("800"), ListPrice: qty("1200"), AllowLoans: true},
		{ID: "POSTER", Name: "Poster", Tracking: loans.TrackingNone, StandardCost: qty("1"), ListPrice: qty("3")},
	}
	for _, p := range catalog {
		require.NoError(t, f.store.SaveProduct(f.ctx, p))
	}
	for _, l := range []loans.Location{
		{ID: "WH", Name: "WH/Stock", Usage: loans.UsageInternal},
		{ID: "SHARED", Name: "Loans/Shared", Usage: loans.UsageLoanShared},
		{ID: "CUST", Name: "Partners/Customers", Usage: loans.UsageCustomer},
	} {
		require.NoError(t, f.store.SaveLocation(f.ctx, l))
	}
	require.NoError(t, f.store.SaveBorrower(f.ctx, loans.Borrower{ID: "acme", Name: "Acme"}))
	require.NoError(t, f.store.SaveBorrower(f.ctx, loans.Borrower{ID: "tiny", Name: "Tiny", MaxLoanItems: 2, MaxLoanValue: qty("500")}))

	f.stock.SetOnHand("CHAIR", "WH", qty("10"))
	f.stock.SetOnHand("CABLE", "WH", qty("50"))
	f.stock.AddSerials("LAPTOP", "WH", "SN-1", "SN-2", "SN-3")

	f.engine = loans.NewEngine(f.store, f.stock, lock.NewLocal(time.Second), loans.DefaultConfig(), nil)
	f.engine.Now = func() time.Time { return f.now }
	return f
}

func (f *fixture) request(borrower loans.BorrowerID, lines ...loans.LoanLine) loans.OpenLoanRequest {
	return loans.OpenLoanRequest{
		Borrower:       borrower,
		Source:         "WH",
		ExpectedReturn: f.now.AddDate(0, 0, 14),
		Lines:          lines,
		Actor:          "clerk",
	}
}

func chairs(n string) loans.LoanLine {
	return loans.LoanLine{Product: "CHAIR", Quantity: qty(n)}
}

func laptops(serials ...string) loans.LoanLine {
	return loans.LoanLine{Product: "LAPTOP", Quantity: decimal.NewFromInt(int64(len(serials))), Serials: serials}
}

func (f *fixture) open(t *testing.T, borrower loans.BorrowerID, lines ...loans.LoanLine) loans.LoanTransfer {
	t.Helper()
	tr, err := f.engine.OpenLoan(f.ctx, f.request(borrower, lines...))
	require.NoError(t, err)
	return tr
}

func (f *fixture) openAndConfirm(t *testing.T, borrower loans.BorrowerID, lines ...loans.LoanLine) (loans.LoanTransfer, []loans.TrackingDetail) {
	t.Helper()
	tr := f.open(t, borrower, lines...)
	details, err := f.engine.ConfirmTransfer(f.ctx, tr.ID, "clerk")
	require.NoError(t, err)
	tr, err = f.store.GetTransfer(f.ctx, tr.ID)
	require.NoError(t, err)
	return tr, details
}

func (f *fixture) available(t *testing.T, product loans.ProductID) string {
	t.Helper()
	a, err := f.engine.AvailableForNewLoan(f.ctx, product, "WH", "")
	require.NoError(t, err)
	return a.String()
}

func (f *fixture) details(t *testing.T, id loans.TransferID) []loans.TrackingDetail {
	t.Helper()
	ds, err := f.store.ListDetails(f.ctx, loans.DetailFilter{TransferID: id})
	require.NoError(t, err)
	return ds
}

func (f *fixture) intentsOf(kind loans.IntentKind) []loans.Intent {
	var out []loans.Intent
	for _, in := range f.store.Intents() {
		if in.Kind == kind {
			out = append(out, in)
		}
	}
	return out
}

func sumQuantity(details []loans.TrackingDetail) decimal.Decimal {
	total := decimal.Zero
	for _, d := range details {
		total = total.Add(d.Quantity)
	}
	return total
}

func byStatus(details []loans.TrackingDetail, status loans.DetailStatus) []loans.TrackingDetail {
	var out []loans.TrackingDetail
	for _, d := range details {
		if d.Status == status {
			out = append(out, d)
		}
	}
	return out
}
