package loans_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-engine/loans"
)

func TestStartTrial(t *testing.T) {
	t.Run("default length", func(t *testing.T) {
		f := newFixture(t)
		tr, _ := f.openAndConfirm(t, "acme", chairs("1"))

		got, err := f.engine.StartTrial(f.ctx, tr.ID, nil)

		require.NoError(t, err)
		assert.Equal(t, loans.TransferInTrial, got.State)
		require.NotNil(t, got.TrialEnd)
		assert.Equal(t, day0.AddDate(0, 0, 7), *got.TrialEnd)
	})

	t.Run("explicit end", func(t *testing.T) {
		f := newFixture(t)
		tr, _ := f.openAndConfirm(t, "acme", chairs("1"))
		end := day0.AddDate(0, 0, 3)

		got, err := f.engine.StartTrial(f.ctx, tr.ID, &end)

		require.NoError(t, err)
		assert.Equal(t, end, *got.TrialEnd)
	})

	t.Run("end in the past", func(t *testing.T) {
		f := newFixture(t)
		tr, _ := f.openAndConfirm(t, "acme", chairs("1"))
		end := day0.Add(-time.Hour)

		_, err := f.engine.StartTrial(f.ctx, tr.ID, &end)

		assert.ErrorIs(t, err, loans.ErrValidationFailed)
	})

	t.Run("pending transfer", func(t *testing.T) {
		f := newFixture(t)
		tr := f.open(t, "acme", chairs("1"))

		_, err := f.engine.StartTrial(f.ctx, tr.ID, nil)

		assert.ErrorIs(t, err, loans.ErrIllegalTransition)
	})
}

func TestFlagAndRevert(t *testing.T) {
	// GIVEN: An active loan of two laptops
	f := newFixture(t)
	tr, details := f.openAndConfirm(t, "acme", laptops("SN-1", "SN-2"))

	// WHEN: One detail is flagged
	got, err := f.engine.FlagForResolution(f.ctx, tr.ID, []loans.DetailID{details[0].ID}, "clerk")
	require.NoError(t, err)

	// THEN: The transfer is resolving and the other detail untouched
	assert.Equal(t, loans.TransferResolving, got.State)
	d0, _ := f.store.GetDetail(f.ctx, details[0].ID)
	d1, _ := f.store.GetDetail(f.ctx, details[1].ID)
	assert.Equal(t, loans.DetailPendingResolution, d0.Status)
	assert.Equal(t, loans.DetailActive, d1.Status)
	assert.Equal(t, "clerk", d0.ChangedBy)

	// AND: Flagged units still count as on loan
	assert.Equal(t, "1", f.available(t, "LAPTOP"))

	// WHEN: Every flag is reverted
	got, err = f.engine.RevertFlag(f.ctx, tr.ID, nil, "clerk")
	require.NoError(t, err)

	// THEN: Back to active
	assert.Equal(t, loans.TransferActive, got.State)
	d0, _ = f.store.GetDetail(f.ctx, details[0].ID)
	assert.Equal(t, loans.DetailActive, d0.Status)
}

func TestFlag_Rejections(t *testing.T) {
	t.Run("nothing to revert", func(t *testing.T) {
		f := newFixture(t)
		tr, _ := f.openAndConfirm(t, "acme", chairs("2"))
		_, err := f.engine.RevertFlag(f.ctx, tr.ID, nil, "clerk")
		assert.ErrorIs(t, err, loans.ErrValidationFailed)
	})

	t.Run("detail of another transfer", func(t *testing.T) {
		f := newFixture(t)
		tr, _ := f.openAndConfirm(t, "acme", chairs("2"))
		_, other := f.openAndConfirm(t, "acme", chairs("1"))
		_, err := f.engine.FlagForResolution(f.ctx, tr.ID, []loans.DetailID{other[0].ID}, "clerk")
		assert.ErrorIs(t, err, loans.ErrValidationFailed)
	})

	t.Run("flagging twice", func(t *testing.T) {
		f := newFixture(t)
		tr, details := f.openAndConfirm(t, "acme", chairs("2"))
		ids := []loans.DetailID{details[0].ID}
		_, err := f.engine.FlagForResolution(f.ctx, tr.ID, ids, "clerk")
		require.NoError(t, err)
		_, err = f.engine.FlagForResolution(f.ctx, tr.ID, ids, "clerk")
		assert.ErrorIs(t, err, loans.ErrIllegalTransition)
	})

	t.Run("pending transfer", func(t *testing.T) {
		f := newFixture(t)
		tr := f.open(t, "acme", chairs("2"))
		_, err := f.engine.FlagForResolution(f.ctx, tr.ID, nil, "clerk")
		assert.ErrorIs(t, err, loans.ErrValidationFailed)
	})
}

func TestCanTransferTransition(t *testing.T) {
	assert.True(t, loans.CanTransferTransition(loans.TransferPending, loans.TransferActive))
	assert.True(t, loans.CanTransferTransition(loans.TransferInTrial, loans.TransferCompleted))
	assert.False(t, loans.CanTransferTransition(loans.TransferCompleted, loans.TransferActive))
	assert.False(t, loans.CanTransferTransition(loans.TransferCancelled, loans.TransferPending))
	assert.False(t, loans.CanTransferTransition(loans.TransferPartiallyResolved, loans.TransferActive))
}
