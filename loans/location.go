package loans

import (
	"context"
	"sort"
	"time"
)

// =============================================================================
// LOCATION STRATEGY
// =============================================================================
//
// Frequent borrowers (DedicatedThreshold loans or more within FrequencyWindow)
// get a dedicated loan location of their own, created on first use. Everyone
// else shares the first loan_shared location.

// resolveDestination validates an explicit destination or picks one.
func (e *Engine) resolveDestination(ctx context.Context, s Store, borrower BorrowerID, requested LocationID, now time.Time) (LocationID, error) {
	if requested != "" {
		loc, err := s.GetLocation(ctx, requested)
		if err != nil {
			return "", err
		}
		if !loc.IsLoanLocation() {
			return "", validationf("destination %s is not a loan location", loc.ID)
		}
		if loc.Usage == UsageLoanDedicated && loc.Borrower != borrower {
			return "", validationf("destination %s is dedicated to another borrower", loc.ID)
		}
		return loc.ID, nil
	}
	return e.ChooseLoanLocation(ctx, s, borrower, now)
}

// ChooseLoanLocation applies the location strategy for a borrower.
func (e *Engine) ChooseLoanLocation(ctx context.Context, s Store, borrower BorrowerID, now time.Time) (LocationID, error) {
	since := now.Add(-e.config.FrequencyWindow)
	recent, err := s.ListTransfers(ctx, TransferFilter{Borrower: borrower, CreatedAfter: &since})
	if err != nil {
		return "", err
	}
	count := 0
	for _, t := range recent {
		if t.State != TransferCancelled {
			count++
		}
	}

	locations, err := s.ListLocations(ctx)
	if err != nil {
		return "", err
	}
	sort.Slice(locations, func(i, j int) bool { return locations[i].ID < locations[j].ID })

	if count >= e.config.DedicatedThreshold {
		for _, l := range locations {
			if l.Usage == UsageLoanDedicated && l.Borrower == borrower {
				return l.ID, nil
			}
		}
		b, err := s.GetBorrower(ctx, borrower)
		if err != nil {
			return "", err
		}
		loc := Location{
			ID:       LocationID("loan-" + string(borrower)),
			Name:     "Loans/" + b.Name,
			Usage:    UsageLoanDedicated,
			Borrower: borrower,
		}
		if err := s.SaveLocation(ctx, loc); err != nil {
			return "", err
		}
		return loc.ID, nil
	}

	for _, l := range locations {
		if l.Usage == UsageLoanShared {
			return l.ID, nil
		}
	}
	return "", validationf("no shared loan location configured")
}
