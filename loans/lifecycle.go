package loans

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// TRIAL PERIOD
// =============================================================================

// StartTrial moves an active loan into its trial period. A nil trialEnd
// uses now + DefaultTrialDays.
func (e *Engine) StartTrial(ctx context.Context, id TransferID, trialEnd *time.Time) (LoanTransfer, error) {
	var t LoanTransfer
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		t, err = s.GetTransfer(ctx, id)
		if err != nil {
			return err
		}
		if t.State != TransferActive {
			return &IllegalTransitionError{Subject: "transfer", ID: string(id), From: string(t.State), To: string(TransferInTrial)}
		}
		now := e.Now()
		end := now.AddDate(0, 0, e.config.DefaultTrialDays)
		if trialEnd != nil {
			if !trialEnd.After(now) {
				return validationf("trial end must be in the future")
			}
			end = *trialEnd
		}
		if err := moveTransfer(&t, TransferInTrial); err != nil {
			return err
		}
		t.TrialEnd = &end
		t.UpdatedAt = now
		return s.UpdateTransfer(ctx, t)
	})
	if err != nil {
		return LoanTransfer{}, err
	}
	e.logger.Info("loan trial started",
		zap.String("transfer_id", string(id)),
		zap.Time("trial_end", *t.TrialEnd),
	)
	return t, nil
}

// =============================================================================
// FLAGGING FOR DECISION
// =============================================================================

// FlagForResolution marks details as awaiting the customer's decision. An
// empty detailIDs flags every active detail of the transfer.
func (e *Engine) FlagForResolution(ctx context.Context, id TransferID, detailIDs []DetailID, actor string) (LoanTransfer, error) {
	return e.reflag(ctx, id, detailIDs, actor, DetailActive, DetailPendingResolution)
}

// RevertFlag returns flagged details to active. An empty detailIDs reverts
// every flagged detail of the transfer.
func (e *Engine) RevertFlag(ctx context.Context, id TransferID, detailIDs []DetailID, actor string) (LoanTransfer, error) {
	return e.reflag(ctx, id, detailIDs, actor, DetailPendingResolution, DetailActive)
}

func (e *Engine) reflag(ctx context.Context, id TransferID, detailIDs []DetailID, actor string, from, to DetailStatus) (LoanTransfer, error) {
	var t LoanTransfer
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		t, err = s.GetTransfer(ctx, id)
		if err != nil {
			return err
		}
		if !t.IsOpen() {
			return validationf("transfer %s is %s", id, t.State)
		}

		if len(detailIDs) == 0 {
			ds, err := s.ListDetails(ctx, DetailFilter{TransferID: id, Statuses: []DetailStatus{from}})
			if err != nil {
				return err
			}
			for _, d := range ds {
				detailIDs = append(detailIDs, d.ID)
			}
			if len(detailIDs) == 0 {
				return validationf("transfer %s has no %s details", id, from)
			}
		}

		tracker := NewTracker(s, e.Now)
		now := e.Now()
		for _, did := range detailIDs {
			d, err := s.GetDetail(ctx, did)
			if err != nil {
				return err
			}
			if d.TransferID != id {
				return validationf("detail %s does not belong to transfer %s", did, id)
			}
			if err := tracker.Transition(ctx, did, to, ResolutionMeta{Actor: actor, At: now}); err != nil {
				return err
			}
		}

		all, err := s.ListDetails(ctx, DetailFilter{TransferID: id})
		if err != nil {
			return err
		}
		if err := moveTransfer(&t, DeriveTransferState(t.State, all)); err != nil {
			return err
		}
		t.UpdatedAt = now
		return s.UpdateTransfer(ctx, t)
	})
	if err != nil {
		return LoanTransfer{}, err
	}
	e.logger.Info("loan details reflagged",
		zap.String("transfer_id", string(id)),
		zap.String("to", string(to)),
		zap.Int("details", len(detailIDs)),
		zap.String("state", string(t.State)),
	)
	return t, nil
}
