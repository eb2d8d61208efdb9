// Package summary derives loan-level figures from the installment ledger.
package summary

import (
	"time"

	"github.com/mcclellann/shgLoan/pkg/models"
	"github.com/shopspring/decimal"
)

// Recompute reads the ledger and returns the loan aggregates. It has no side
// effects, so two calls with the same input give the same summary.
//
// The last repayment date is the latest live repayment when repayments are
// known, otherwise the latest due date among rows that received money.
func Recompute(rows []models.InstallmentRow, repayments []*models.RepaymentTransaction, today time.Time) models.LoanSummary {
	today = models.DateOf(today)
	s := models.LoanSummary{
		TotalPrincipal:     decimal.Zero,
		TotalInterest:      decimal.Zero,
		TotalPayable:       decimal.Zero,
		TotalRepaid:        decimal.Zero,
		WrittenOffAmount:   decimal.Zero,
		OutstandingBalance: decimal.Zero,
		OverdueAmount:      decimal.Zero,
	}

	var lastPaidDue *time.Time
	for _, r := range rows {
		s.TotalPrincipal = s.TotalPrincipal.Add(r.PrincipalComponent)
		s.TotalInterest = s.TotalInterest.Add(r.InterestComponent)
		s.TotalPayable = s.TotalPayable.Add(r.TotalDue)
		s.TotalRepaid = s.TotalRepaid.Add(r.AmountPaid)

		unpaid := r.UnpaidBalance()
		if !unpaid.IsPositive() {
			s.PaidInstallments++
		}
		if unpaid.IsPositive() && r.DueDate.Before(today) {
			s.OverdueAmount = s.OverdueAmount.Add(unpaid)
			s.OverdueInstallments++
		}
		if unpaid.IsPositive() && !r.DueDate.Before(today) {
			if s.NextDueDate == nil || r.DueDate.Before(*s.NextDueDate) {
				s.NextDueDate = dateRef(r.DueDate)
			}
		}
		if r.AmountPaid.IsPositive() {
			if lastPaidDue == nil || r.DueDate.After(*lastPaidDue) {
				lastPaidDue = dateRef(r.DueDate)
			}
		}
	}
	s.OutstandingBalance = s.TotalPayable.Sub(s.TotalRepaid)

	for _, tx := range repayments {
		if tx.Reversed() {
			continue
		}
		if s.LastRepaymentDate == nil || tx.PaymentDate.After(*s.LastRepaymentDate) {
			s.LastRepaymentDate = dateRef(tx.PaymentDate)
		}
	}
	if s.LastRepaymentDate == nil {
		s.LastRepaymentDate = lastPaidDue
	}
	return s
}

// ApplyWriteOff takes a live write-off out of the outstanding balance. A
// written-off loan has nothing overdue and nothing coming due.
func ApplyWriteOff(s models.LoanSummary, w *models.WriteOff) models.LoanSummary {
	if w == nil || w.Reversed() {
		return s
	}
	s.WrittenOffAmount = w.TotalAmount
	s.OutstandingBalance = s.TotalPayable.Sub(s.TotalRepaid).Sub(w.TotalAmount)
	s.OverdueAmount = decimal.Zero
	s.OverdueInstallments = 0
	s.NextDueDate = nil
	return s
}

// LiveWriteOff returns the write-off that has not been reversed, if any.
func LiveWriteOff(writeOffs []*models.WriteOff) *models.WriteOff {
	for _, w := range writeOffs {
		if !w.Reversed() {
			return w
		}
	}
	return nil
}

// Unpaid splits what is still owed on the ledger into principal and interest.
func Unpaid(rows []models.InstallmentRow) (principal, interest decimal.Decimal) {
	principal, interest = decimal.Zero, decimal.Zero
	for _, r := range rows {
		due := r.InterestDue()
		interest = interest.Add(due)
		principal = principal.Add(r.UnpaidBalance().Sub(due))
	}
	return principal, interest
}

// OldestUnpaid returns the due date of the earliest row that is not fully paid.
func OldestUnpaid(rows []models.InstallmentRow) *time.Time {
	for _, r := range rows {
		if r.UnpaidBalance().IsPositive() {
			return dateRef(r.DueDate)
		}
	}
	return nil
}

// NextStatus moves the loan through its lifecycle according to a fresh summary.
// Draft, Cancelled and WrittenOff loans are never moved by the ledger.
func NextStatus(current models.LoanStatus, s models.LoanSummary, rows []models.InstallmentRow, today time.Time) models.LoanStatus {
	if current == models.LoanStatusDraft || current == models.LoanStatusCancelled ||
		current == models.LoanStatusWrittenOff || len(rows) == 0 {
		return current
	}

	if s.OutstandingBalance.IsZero() && allPaid(rows) {
		return models.LoanStatusCompleted
	}

	status := current
	if status == models.LoanStatusCompleted {
		// A reversal reopened the loan.
		status = models.LoanStatusActive
	}
	if status == models.LoanStatusDisbursed &&
		(s.TotalRepaid.IsPositive() || !rows[0].DueDate.After(models.DateOf(today))) {
		status = models.LoanStatusActive
	}
	switch {
	case status == models.LoanStatusActive && s.OverdueAmount.IsPositive():
		status = models.LoanStatusOverdue
	case status == models.LoanStatusOverdue && !s.OverdueAmount.IsPositive():
		status = models.LoanStatusActive
	}
	return status
}

func allPaid(rows []models.InstallmentRow) bool {
	for _, r := range rows {
		if r.Status != models.InstallmentPaid {
			return false
		}
	}
	return true
}

// Aging buckets the unpaid balance of past-due rows by days past due.
func Aging(rows []models.InstallmentRow, today time.Time) models.AgingBuckets {
	b := models.AgingBuckets{
		Days1To30:  decimal.Zero,
		Days31To60: decimal.Zero,
		Days61To90: decimal.Zero,
		Days90Plus: decimal.Zero,
	}
	for _, r := range rows {
		unpaid := r.UnpaidBalance()
		days := models.DaysBetween(r.DueDate, today)
		if !unpaid.IsPositive() || days <= 0 {
			continue
		}
		switch {
		case days <= 30:
			b.Days1To30 = b.Days1To30.Add(unpaid)
		case days <= 60:
			b.Days31To60 = b.Days31To60.Add(unpaid)
		case days <= 90:
			b.Days61To90 = b.Days61To90.Add(unpaid)
		default:
			b.Days90Plus = b.Days90Plus.Add(unpaid)
		}
	}
	return b
}

func dateRef(t time.Time) *time.Time {
	d := models.DateOf(t)
	return &d
}
