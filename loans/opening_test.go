package loans_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-engine/lock"
	"github.com/warp/loan-engine/loans"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestOpenLoan_CreatesPendingTransferWithReservations(t *testing.T) {
	f := newFixture(t)

	tr := f.open(t, "acme", chairs("4"), laptops("SN-1", "SN-2"))

	assert.Equal(t, loans.TransferPending, tr.State)
	assert.Equal(t, loans.LocationID("SHARED"), tr.Destination)
	assert.Equal(t, day0, tr.ScheduledAt)
	assert.False(t, tr.Bypassed())

	movs, err := f.store.ListMovements(f.ctx, loans.MovementFilter{TransferID: tr.ID})
	require.NoError(t, err)
	require.Len(t, movs, 2)
	for _, m := range movs {
		assert.Equal(t, loans.MovementCommitted, m.State)
		assert.Equal(t, loans.LocationID("WH"), m.Source)
	}
	details, err := f.engine.TransferDetails(f.ctx, tr.ID)
	require.NoError(t, err)
	assert.Empty(t, details, "details appear only at confirmation")
}

func TestOpenLoan_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture, req *loans.OpenLoanRequest)
		want   error
	}{
		{
			name: "bypass without justification",
			mutate: func(f *fixture, req *loans.OpenLoanRequest) {
				req.Override = loans.Override{BypassAvailability: true, Justification: "  "}
			},
			want: loans.ErrValidationFailed,
		},
		{
			name:   "source is not internal",
			mutate: func(f *fixture, req *loans.OpenLoanRequest) { req.Source = "SHARED" },
			want:   loans.ErrValidationFailed,
		},
		{
			name:   "unknown borrower",
			mutate: func(f *fixture, req *loans.OpenLoanRequest) { req.Borrower = "nobody" },
			want:   loans.ErrNotFound,
		},
		{
			name:   "expected return before scheduled date",
			mutate: func(f *fixture, req *loans.OpenLoanRequest) { req.ExpectedReturn = f.now.Add(-time.Hour) },
			want:   loans.ErrValidationFailed,
		},
		{
			name:   "no lines",
			mutate: func(f *fixture, req *loans.OpenLoanRequest) { req.Lines = nil },
			want:   loans.ErrValidationFailed,
		},
		{
			name: "product not loanable",
			mutate: func(f *fixture, req *loans.OpenLoanRequest) {
				req.Lines = []loans.LoanLine{{Product: "POSTER", Quantity: qty("1")}}
			},
			want: loans.ErrValidationFailed,
		},
		{
			name: "below minimum loan quantity",
			mutate: func(f *fixture, req *loans.OpenLoanRequest) {
				req.Lines = []loans.LoanLine{{Product: "CABLE", Quantity: qty("3")}}
			},
			want: loans.ErrInvalidQuantity,
		},
		{
			name: "serial count does not match quantity",
			mutate: func(f *fixture, req *loans.OpenLoanRequest) {
				req.Lines = []loans.LoanLine{{Product: "LAPTOP", Quantity: qty("2"), Serials: []string{"SN-1"}}}
			},
			want: loans.ErrInvalidQuantity,
		},
		{
			name: "serial listed twice",
			mutate: func(f *fixture, req *loans.OpenLoanRequest) {
				req.Lines = []loans.LoanLine{laptops("SN-1"), laptops("SN-1")}
			},
			want: loans.ErrInvalidQuantity,
		},
		{
			name: "serial on aggregate product",
			mutate: func(f *fixture, req *loans.OpenLoanRequest) {
				req.Lines = []loans.LoanLine{{Product: "CHAIR", Quantity: qty("1"), Serials: []string{"X"}}}
			},
			want: loans.ErrInvalidQuantity,
		},
		{
			name: "negative quantity",
			mutate: func(f *fixture, req *loans.OpenLoanRequest) {
				req.Lines = []loans.LoanLine{chairs("-1")}
			},
			want: loans.ErrInvalidQuantity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := f.request("acme", chairs("1"))
			tt.mutate(f, &req)

			_, err := f.engine.OpenLoan(f.ctx, req)

			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			all, _ := f.store.ListTransfers(f.ctx, loans.TransferFilter{})
			assert.Empty(t, all, "nothing is written on rejection")
		})
	}
}

func TestOpenLoan_InsufficientAvailability(t *testing.T) {
	// GIVEN: 10 chairs on hand
	f := newFixture(t)

	// WHEN: 11 are requested
	_, err := f.engine.OpenLoan(f.ctx, f.request("acme", chairs("11")))

	// THEN: The error carries the figures
	var iae *loans.InsufficientAvailabilityError
	require.ErrorAs(t, err, &iae)
	assert.Equal(t, loans.ProductID("CHAIR"), iae.Product)
	assert.Equal(t, "10", iae.Available.String())
	assert.Equal(t, "11", iae.Requested.String())
}

func TestOpenLoan_SerialAvailability(t *testing.T) {
	t.Run("serial not on hand", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.OpenLoan(f.ctx, f.request("acme", laptops("SN-9")))
		var iae *loans.InsufficientAvailabilityError
		require.ErrorAs(t, err, &iae)
		assert.Equal(t, "SN-9", iae.Serial)
	})

	t.Run("serial reserved by a pending loan", func(t *testing.T) {
		f := newFixture(t)
		f.open(t, "acme", laptops("SN-1"))
		_, err := f.engine.OpenLoan(f.ctx, f.request("acme", laptops("SN-1")))
		assert.ErrorIs(t, err, loans.ErrInsufficientAvailability)
	})

	t.Run("serial on loan cannot be bypassed", func(t *testing.T) {
		f := newFixture(t)
		f.openAndConfirm(t, "acme", laptops("SN-1"))
		req := f.request("acme", laptops("SN-1"))
		req.Override = loans.Override{BypassAvailability: true, Justification: "demo"}
		_, err := f.engine.OpenLoan(f.ctx, req)
		assert.ErrorIs(t, err, loans.ErrInsufficientAvailability)
	})

	t.Run("reserved serial can be bypassed", func(t *testing.T) {
		f := newFixture(t)
		f.open(t, "acme", laptops("SN-1"))
		req := f.request("acme", laptops("SN-1"))
		req.Override = loans.Override{BypassAvailability: true, Justification: "demo"}
		_, err := f.engine.OpenLoan(f.ctx, req)
		assert.NoError(t, err)
	})
}

func TestOpenLoan_BypassIsRecordedAndLogged(t *testing.T) {
	// GIVEN: An engine logging into an observer
	f := newFixture(t)
	core, logs := observer.New(zapcore.InfoLevel)
	f.engine = loans.NewEngine(f.store, f.stock, lock.NewLocal(time.Second), loans.DefaultConfig(), zap.New(core))
	f.engine.Now = func() time.Time { return f.now }

	// WHEN: A loan exceeding stock is opened with an override
	req := f.request("acme", chairs("12"))
	req.Override = loans.Override{BypassAvailability: true, Justification: "VIP customer"}
	tr, err := f.engine.OpenLoan(f.ctx, req)
	require.NoError(t, err)

	// THEN: The justification is stored and logged at warn level
	assert.True(t, tr.Bypassed())
	assert.Equal(t, "VIP customer", tr.BypassJustification)
	warns := logs.FilterLevelExact(zapcore.WarnLevel).FilterMessage("availability check bypassed").All()
	require.Len(t, warns, 1)
	assert.Equal(t, "VIP customer", warns[0].ContextMap()["justification"])
	assert.Equal(t, "clerk", warns[0].ContextMap()["actor"])
}

func TestOpenLoan_BorrowerLimits(t *testing.T) {
	t.Run("item count", func(t *testing.T) {
		// GIVEN: tiny already holds two pending single-chair loans
		f := newFixture(t)
		f.open(t, "tiny", chairs("1"))
		f.open(t, "tiny", chairs("1"))

		// WHEN: A third is requested
		_, err := f.engine.OpenLoan(f.ctx, f.request("tiny", chairs("1")))

		// THEN: The item limit rejects it
		var ve *loans.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Contains(t, ve.Reason, "loan items")
	})

	t.Run("value", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.OpenLoan(f.ctx, f.request("tiny", laptops("SN-1")))
		var ve *loans.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Contains(t, ve.Reason, "worth")
	})

	t.Run("unlimited borrower", func(t *testing.T) {
		f := newFixture(t)
		f.open(t, "acme", chairs("5"), laptops("SN-1", "SN-2", "SN-3"))
	})
}

func TestOpenLoan_LocationStrategy(t *testing.T) {
	// GIVEN: acme has opened three loans this year
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		tr := f.open(t, "acme", chairs("1"))
		assert.Equal(t, loans.LocationID("SHARED"), tr.Destination)
	}

	// WHEN: The fourth and fifth are opened
	fourth := f.open(t, "acme", chairs("1"))
	fifth := f.open(t, "acme", chairs("1"))

	// THEN: Both go to a dedicated location created once
	assert.Equal(t, loans.LocationID("loan-acme"), fourth.Destination)
	assert.Equal(t, fourth.Destination, fifth.Destination)
	loc, err := f.store.GetLocation(f.ctx, "loan-acme")
	require.NoError(t, err)
	assert.Equal(t, loans.UsageLoanDedicated, loc.Usage)
	assert.Equal(t, loans.BorrowerID("acme"), loc.Borrower)
	assert.Equal(t, "Loans/Acme", loc.Name)

	// AND: Other borrowers cannot target it
	req := f.request("tiny", chairs("1"))
	req.Destination = "loan-acme"
	_, err = f.engine.OpenLoan(f.ctx, req)
	assert.ErrorIs(t, err, loans.ErrValidationFailed)
}

func TestOpenLoan_OldAndCancelledLoansDoNotCount(t *testing.T) {
	// GIVEN: Two loans a year and a half ago and one cancelled loan
	f := newFixture(t)
	f.now = day0.AddDate(-1, -6, 0)
	f.open(t, "acme", chairs("1"))
	f.open(t, "acme", chairs("1"))
	f.now = day0
	cancelled := f.open(t, "acme", chairs("1"))
	require.NoError(t, f.engine.CancelTransfer(f.ctx, cancelled.ID, "clerk"))

	// WHEN: A new loan is opened
	tr := f.open(t, "acme", chairs("1"))

	// THEN: It still goes to the shared location
	assert.Equal(t, loans.LocationID("SHARED"), tr.Destination)
}

func TestOpenLoan_ExplicitDestination(t *testing.T) {
	f := newFixture(t)

	req := f.request("acme", chairs("1"))
	req.Destination = "CUST"
	_, err := f.engine.OpenLoan(f.ctx, req)
	assert.ErrorIs(t, err, loans.ErrValidationFailed)

	req.Destination = "SHARED"
	tr, err := f.engine.OpenLoan(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, loans.LocationID("SHARED"), tr.Destination)
}
