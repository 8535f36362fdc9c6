package loans

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// AnalyticsFilter narrows the details considered. Zero fields match everything.
type AnalyticsFilter struct {
	From     *time.Time
	To       *time.Time
	Borrower BorrowerID
}

// Analytics summarizes loan outcomes over tracking details.
type Analytics struct {
	Total           int             `json:"total"`
	Active          int             `json:"active"`
	Overdue         int             `json:"overdue"`
	Sold            int             `json:"sold"`
	ReturnedGood    int             `json:"returned_good"`
	ReturnedDamaged int             `json:"returned_damaged"` // damaged + defective
	AvgDaysInLoan   decimal.Decimal `json:"avg_days_in_loan"`
	ConversionRate  decimal.Decimal `json:"conversion_rate"` // percent of details sold
}

// Analytics computes loan statistics as of now.
func (e *Engine) Analytics(ctx context.Context, f AnalyticsFilter) (Analytics, error) {
	details, err := e.store.ListDetails(ctx, DetailFilter{
		Borrower:   f.Borrower,
		LoanedFrom: f.From,
		LoanedTo:   f.To,
	})
	if err != nil {
		return Analytics{}, err
	}

	now := e.Now()
	transfers := make(map[TransferID]LoanTransfer)
	for _, d := range details {
		if _, ok := transfers[d.TransferID]; ok {
			continue
		}
		t, err := e.store.GetTransfer(ctx, d.TransferID)
		if err != nil {
			return Analytics{}, err
		}
		transfers[t.ID] = t
	}
	return ComputeAnalytics(details, transfers, now), nil
}

// ComputeAnalytics is the pure part of Analytics.
func ComputeAnalytics(details []TrackingDetail, transfers map[TransferID]LoanTransfer, now time.Time) Analytics {
	var a Analytics
	totalDays := 0
	for _, d := range details {
		a.Total++
		totalDays += d.DaysInLoan(now)
		switch d.Status {
		case DetailActive, DetailPendingResolution:
			a.Active++
			if t, ok := transfers[d.TransferID]; ok && t.IsOverdue(now) {
				a.Overdue++
			}
		case DetailSold:
			a.Sold++
		case DetailReturnedGood:
			a.ReturnedGood++
		case DetailReturnedDamaged, DetailReturnedDefective:
			a.ReturnedDamaged++
		}
	}
	if a.Total > 0 {
		total := decimal.NewFromInt(int64(a.Total))
		a.AvgDaysInLoan = decimal.NewFromInt(int64(totalDays)).Div(total).Round(1)
		a.ConversionRate = decimal.NewFromInt(int64(a.Sold)).Mul(decimal.NewFromInt(100)).Div(total).Round(1)
	}
	return a
}
