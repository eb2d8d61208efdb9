package summary

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/shgLoan/pkg/models"
	"github.com/mcclellann/shgLoan/pkg/schedule"
	"github.com/shopspring/decimal"
)

// Report lists every way the cached figures or the ledger disagree.
type Report struct {
	LoanID     uuid.UUID `json:"loan_id"`
	Violations []string  `json:"violations"`
}

func (r Report) OK() bool {
	return len(r.Violations) == 0
}

// Verify checks the ledger against itself, the loan's cached summary, the
// allocation lines of live repayments and the loan's write-offs.
func Verify(loan *models.Loan, rows []models.InstallmentRow, repayments []*models.RepaymentTransaction, writeOffs []*models.WriteOff) Report {
	rep := Report{LoanID: loan.ID, Violations: []string{}}
	add := func(format string, args ...any) {
		rep.Violations = append(rep.Violations, fmt.Sprintf(format, args...))
	}

	if err := schedule.CheckShape(rows); err != nil {
		add("%v", err)
	}

	payable, repaid := decimal.Zero, decimal.Zero
	for _, r := range rows {
		payable = payable.Add(r.TotalDue)
		repaid = repaid.Add(r.AmountPaid)
	}
	cached := loan.Summary
	if !payable.Equal(cached.TotalPayable) {
		add("total payable cached as %s, ledger holds %s", cached.TotalPayable.StringFixed(2), payable.StringFixed(2))
	}
	if !repaid.Equal(cached.TotalRepaid) {
		add("total repaid cached as %s, ledger holds %s", cached.TotalRepaid.StringFixed(2), repaid.StringFixed(2))
	}
	if !cached.OutstandingBalance.Equal(cached.TotalPayable.Sub(cached.TotalRepaid).Sub(cached.WrittenOffAmount)) {
		add("outstanding balance %s is not payable minus repaid minus written off", cached.OutstandingBalance.StringFixed(2))
	}

	live := 0
	writtenOff := decimal.Zero
	for _, w := range writeOffs {
		if !w.Reversed() {
			live++
			writtenOff = writtenOff.Add(w.TotalAmount)
		}
	}
	if live > 1 {
		add("%d write-offs are live", live)
	}
	if !writtenOff.Equal(cached.WrittenOffAmount) {
		add("written off amount cached as %s, write-offs hold %s", cached.WrittenOffAmount.StringFixed(2), writtenOff.StringFixed(2))
	}
	if (loan.Status == models.LoanStatusWrittenOff) != (live > 0) {
		add("%s loan has %d live write-offs", loan.Status, live)
	}
	if cached.OutstandingBalance.IsNegative() {
		add("outstanding balance %s is negative", cached.OutstandingBalance.StringFixed(2))
	}

	allocated := make(map[uuid.UUID]decimal.Decimal, len(rows))
	for _, tx := range repayments {
		if tx.Reversed() {
			continue
		}
		sum := decimal.Zero
		for _, l := range tx.Allocations {
			allocated[l.InstallmentID] = allocated[l.InstallmentID].Add(l.Applied)
			sum = sum.Add(l.Applied)
		}
		if !sum.Equal(tx.Amount) {
			add("repayment %s of %s allocates %s", tx.ID, tx.Amount.StringFixed(2), sum.StringFixed(2))
		}
	}
	for _, r := range rows {
		if got := allocated[r.ID]; !got.Equal(r.AmountPaid) {
			add("installment %d paid %s but repayments allocate %s", r.Sequence, r.AmountPaid.StringFixed(2), got.StringFixed(2))
		}
	}
	return rep
}
