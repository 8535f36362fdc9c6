package loans

// =============================================================================
// TRANSFER STATE MACHINE
// =============================================================================
//
//   pending            -> active | cancelled
//   active             -> in_trial | resolving | partially_resolved | completed
//   in_trial           -> resolving | partially_resolved | completed
//   resolving          -> active | partially_resolved | completed
//   partially_resolved -> resolving | completed
//   completed, cancelled  (terminal)

var transferTransitions = map[TransferState][]TransferState{
	TransferPending:           {TransferActive, TransferCancelled},
	TransferActive:            {TransferInTrial, TransferResolving, TransferPartiallyResolved, TransferCompleted},
	TransferInTrial:           {TransferResolving, TransferPartiallyResolved, TransferCompleted},
	TransferResolving:         {TransferActive, TransferPartiallyResolved, TransferCompleted},
	TransferPartiallyResolved: {TransferResolving, TransferCompleted},
}

// CanTransferTransition reports whether a transfer may move between states.
func CanTransferTransition(from, to TransferState) bool {
	for _, s := range transferTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// moveTransfer changes t.State. Self transitions are no-ops, except on
// terminal states which accept nothing.
func moveTransfer(t *LoanTransfer, to TransferState) error {
	if t.State == to && !t.State.IsTerminal() {
		return nil
	}
	if !CanTransferTransition(t.State, to) {
		return &IllegalTransitionError{Subject: "transfer", ID: string(t.ID), From: string(t.State), To: string(to)}
	}
	t.State = to
	return nil
}

// DeriveTransferState recomputes a transfer's state from its details.
//
//	no details                   -> unchanged
//	every detail terminal        -> completed
//	some terminal                -> partially_resolved
//	any pending_resolution       -> resolving
//	was resolving, none flagged  -> active
//	otherwise                    -> unchanged
func DeriveTransferState(current TransferState, details []TrackingDetail) TransferState {
	if len(details) == 0 {
		return current
	}
	var terminal, pending int
	for _, d := range details {
		switch {
		case d.Status.IsTerminal():
			terminal++
		case d.Status == DetailPendingResolution:
			pending++
		}
	}
	switch {
	case terminal == len(details):
		return TransferCompleted
	case terminal > 0:
		return TransferPartiallyResolved
	case pending > 0:
		return TransferResolving
	case current == TransferResolving:
		return TransferActive
	}
	return current
}
