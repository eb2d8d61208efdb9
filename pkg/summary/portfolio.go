package summary

import (
	"github.com/mcclellann/shgLoan/pkg/models"
	"github.com/shopspring/decimal"
)

// Portfolio adds up the cached summaries of the given loans. Money totals and
// averages cover booked loans only.
func Portfolio(loans []*models.Loan) models.PortfolioSummary {
	p := models.PortfolioSummary{
		ByStatus:          map[models.LoanStatus]int{},
		TotalDisbursed:    decimal.Zero,
		TotalPayable:      decimal.Zero,
		TotalRepaid:       decimal.Zero,
		TotalOutstanding:  decimal.Zero,
		TotalOverdue:      decimal.Zero,
		TotalWrittenOff:   decimal.Zero,
		AverageRate:       decimal.Zero,
		AverageTermMonths: decimal.Zero,
	}

	rates, months := decimal.Zero, decimal.Zero
	for _, loan := range loans {
		p.ByStatus[loan.Status]++
		if !loan.Status.Booked() {
			continue
		}
		s := loan.Summary
		p.Loans++
		p.TotalDisbursed = p.TotalDisbursed.Add(loan.Terms.Principal)
		p.TotalPayable = p.TotalPayable.Add(s.TotalPayable)
		p.TotalRepaid = p.TotalRepaid.Add(s.TotalRepaid)
		p.TotalOutstanding = p.TotalOutstanding.Add(s.OutstandingBalance)
		p.TotalOverdue = p.TotalOverdue.Add(s.OverdueAmount)
		p.TotalWrittenOff = p.TotalWrittenOff.Add(s.WrittenOffAmount)
		rates = rates.Add(loan.Terms.AnnualRate)
		months = months.Add(decimal.NewFromInt(int64(loan.Terms.TermMonths)))
	}

	if p.Loans > 0 {
		n := decimal.NewFromInt(int64(p.Loans))
		p.AverageRate = rates.Div(n).Round(2)
		p.AverageTermMonths = months.Div(n).Round(2)
	}
	return p
}
