// Package allocation applies repayments to an installment ledger.
//
// Payments settle the oldest obligation first and, inside each installment,
// interest before principal. Functions here never touch their input slice; they
// return an updated copy so a failed allocation leaves nothing half applied.
package allocation

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/shgLoan/pkg/models"
	"github.com/shopspring/decimal"
)

// Result is the outcome of applying one repayment.
type Result struct {
	Rows  []models.InstallmentRow
	Lines []models.AllocationLine
}

// Interest sums the interest retired by the allocation.
func (r Result) Interest() decimal.Decimal {
	total := decimal.Zero
	for _, l := range r.Lines {
		total = total.Add(l.InterestPaid)
	}
	return total
}

// Principal sums the principal retired by the allocation.
func (r Result) Principal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range r.Lines {
		total = total.Add(l.PrincipalPaid)
	}
	return total
}

// Outstanding is the total unpaid balance over all rows.
func Outstanding(rows []models.InstallmentRow) decimal.Decimal {
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.UnpaidBalance())
	}
	return total
}

// Allocate spreads amount over the unpaid rows in due-date order. An amount
// larger than the outstanding balance is rejected with *models.OverpaymentError
// rather than turned into a credit. Amounts must be whole cents.
func Allocate(rows []models.InstallmentRow, amount decimal.Decimal, today time.Time) (Result, error) {
	if !amount.IsPositive() {
		return Result{}, models.ErrInvalidAmount
	}
	if !amount.Equal(amount.Round(2)) {
		return Result{}, fmt.Errorf("%s has fractions of a cent: %w", amount, models.ErrInvalidAmount)
	}
	outstanding := Outstanding(rows)
	if amount.GreaterThan(outstanding) {
		return Result{}, &models.OverpaymentError{Attempted: amount, Outstanding: outstanding}
	}

	updated := clone(rows)
	today = models.DateOf(today)
	remaining := amount
	var lines []models.AllocationLine

	for _, k := range dueOrder(updated) {
		if !remaining.IsPositive() {
			break
		}
		row := &updated[k]
		unpaid := row.UnpaidBalance()
		if !unpaid.IsPositive() {
			continue
		}

		applied := decimal.Min(remaining, unpaid)
		interest := decimal.Min(applied, row.InterestDue())
		line := models.AllocationLine{
			InstallmentID: row.ID,
			Sequence:      row.Sequence,
			DueDate:       row.DueDate,
			Applied:       applied,
			InterestPaid:  interest,
			PrincipalPaid: applied.Sub(interest),
		}

		row.AmountPaid = row.AmountPaid.Add(applied)
		Refresh(row, today)
		remaining = remaining.Sub(applied)
		lines = append(lines, line)
	}

	if remaining.IsPositive() {
		// Only reachable when the ledger itself is inconsistent.
		return Result{}, fmt.Errorf("%s left unallocated: %w", remaining.StringFixed(2), models.ErrCorruptLedger)
	}
	return Result{Rows: updated, Lines: lines}, nil
}

// Reverse takes back exactly the amounts a previous allocation applied.
func Reverse(rows []models.InstallmentRow, lines []models.AllocationLine, today time.Time) ([]models.InstallmentRow, error) {
	updated := clone(rows)
	today = models.DateOf(today)

	index := make(map[uuid.UUID]int, len(updated))
	for k, r := range updated {
		index[r.ID] = k
	}

	for _, l := range lines {
		k, ok := index[l.InstallmentID]
		if !ok {
			return nil, fmt.Errorf("installment %s of allocation is missing: %w", l.InstallmentID, models.ErrCorruptLedger)
		}
		row := &updated[k]
		paid := row.AmountPaid.Sub(l.Applied)
		if paid.IsNegative() {
			return nil, fmt.Errorf("reversing %s from installment %d leaves a negative amount paid: %w",
				l.Applied.StringFixed(2), row.Sequence, models.ErrCorruptLedger)
		}
		row.AmountPaid = paid
		Refresh(row, today)
	}
	return updated, nil
}

// Refresh derives the status and overdue flag of a row from its amounts.
func Refresh(row *models.InstallmentRow, today time.Time) {
	unpaid := row.UnpaidBalance()
	switch {
	case !unpaid.IsPositive():
		row.Status = models.InstallmentPaid
	case row.AmountPaid.IsPositive():
		row.Status = models.InstallmentPartiallyPaid
	default:
		row.Status = models.InstallmentPending
	}
	row.Overdue = unpaid.IsPositive() && row.DueDate.Before(models.DateOf(today))
}

// RefreshAll re-derives every row and reports whether anything changed.
func RefreshAll(rows []models.InstallmentRow, today time.Time) bool {
	changed := false
	for k := range rows {
		before := rows[k]
		Refresh(&rows[k], today)
		if before.Status != rows[k].Status || before.Overdue != rows[k].Overdue {
			changed = true
		}
	}
	return changed
}

func clone(rows []models.InstallmentRow) []models.InstallmentRow {
	out := make([]models.InstallmentRow, len(rows))
	copy(out, rows)
	return out
}

// dueOrder returns row indexes sorted by due date, then sequence.
func dueOrder(rows []models.InstallmentRow) []int {
	order := make([]int, len(rows))
	for k := range order {
		order[k] = k
	}
	sort.SliceStable(order, func(a, b int) bool {
		ra, rb := rows[order[a]], rows[order[b]]
		if !ra.DueDate.Equal(rb.DueDate) {
			return ra.DueDate.Before(rb.DueDate)
		}
		return ra.Sequence < rb.Sequence
	})
	return order
}
