package schedule

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/shgLoan/pkg/models"
	"github.com/shopspring/decimal"
)

// Attach assigns the loan and fresh IDs to rows that do not have one yet.
func Attach(loanID uuid.UUID, rows []models.InstallmentRow) []models.InstallmentRow {
	for k := range rows {
		rows[k].LoanID = loanID
		if rows[k].ID == uuid.Nil {
			rows[k].ID = uuid.New()
		}
	}
	return rows
}

// Regenerate rebuilds the unpaid tail of an existing schedule under new terms.
//
// terms.TermMonths counts every installment of the loan, kept ones included.
// Every row up to and including the last one with a payment is kept as is. The
// new tail amortizes terms.Principal less the principal already scheduled on the
// kept rows over the remaining installments, numbered and dated after the kept
// rows as if the whole schedule started on terms.FirstDueDate. A kept row that
// is not fully paid makes the schedule locked unless force is set, in which case
// it stays in the ledger with its remaining balance untouched.
//
// When the regenerated tail is identical to the existing one, the existing rows
// are returned so their IDs survive.
func Regenerate(existing []models.InstallmentRow, t models.Terms, force bool) ([]models.InstallmentRow, error) {
	if err := Validate(t); err != nil {
		return nil, err
	}

	keep := 0
	for k, r := range existing {
		if r.AmountPaid.IsPositive() {
			keep = k + 1
		}
	}
	kept := existing[:keep]

	scheduled := decimal.Zero
	for _, r := range kept {
		if r.Status != models.InstallmentPaid && !force {
			return nil, fmt.Errorf("installment %d has %s unpaid: %w",
				r.Sequence, r.UnpaidBalance().StringFixed(2), models.ErrScheduleLocked)
		}
		scheduled = scheduled.Add(r.PrincipalComponent)
	}

	if t.TermMonths <= keep {
		return nil, &models.TermsError{Field: "term_months", Reason: fmt.Sprintf("must exceed the %d installments already paid into", keep)}
	}
	first := models.DateOf(t.FirstDueDate)
	step := t.Frequency.Months()
	tailStart := models.AddMonths(first, keep*step)
	if keep > 0 && tailStart.Before(kept[keep-1].DueDate) {
		return nil, &models.TermsError{Field: "first_due_date", Reason: "puts new installments before the last kept one"}
	}

	tailTerms := t
	tailTerms.Principal = t.Principal.Sub(scheduled)
	tailTerms.TermMonths = t.TermMonths - keep
	tailTerms.FirstDueDate = tailStart
	if !tailTerms.Principal.IsPositive() {
		return nil, &models.TermsError{Field: "principal", Reason: "leaves nothing to schedule after paid installments"}
	}

	tail, err := Generate(tailTerms)
	if err != nil {
		return nil, err
	}
	for k := range tail {
		tail[k].Sequence = keep + k + 1
		tail[k].DueDate = models.AddMonths(first, (keep+k)*step)
	}

	if sameRows(existing[keep:], tail) {
		return existing, nil
	}

	rows := make([]models.InstallmentRow, 0, keep+len(tail))
	rows = append(rows, kept...)
	return append(rows, tail...), nil
}

func sameRows(a, b []models.InstallmentRow) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if a[k].Sequence != b[k].Sequence ||
			!a[k].DueDate.Equal(b[k].DueDate) ||
			!a[k].PrincipalComponent.Equal(b[k].PrincipalComponent) ||
			!a[k].InterestComponent.Equal(b[k].InterestComponent) ||
			!a[k].AmountPaid.Equal(b[k].AmountPaid) {
			return false
		}
	}
	return true
}

// CheckShape verifies the structural invariants of a ledger: contiguous
// sequence numbers, non-decreasing due dates, and 0 <= amount_paid <= total_due
// with total_due = principal + interest on every row.
func CheckShape(rows []models.InstallmentRow) error {
	for k, r := range rows {
		if r.Sequence != k+1 {
			return fmt.Errorf("row %d has sequence %d: %w", k+1, r.Sequence, models.ErrCorruptLedger)
		}
		if k > 0 && r.DueDate.Before(rows[k-1].DueDate) {
			return fmt.Errorf("installment %d is due before installment %d: %w", r.Sequence, rows[k-1].Sequence, models.ErrCorruptLedger)
		}
		if !r.TotalDue.Equal(r.PrincipalComponent.Add(r.InterestComponent)) {
			return fmt.Errorf("installment %d total %s does not match its components: %w", r.Sequence, r.TotalDue, models.ErrCorruptLedger)
		}
		if r.AmountPaid.IsNegative() || r.AmountPaid.GreaterThan(r.TotalDue) {
			return fmt.Errorf("installment %d paid %s of %s: %w", r.Sequence, r.AmountPaid, r.TotalDue, models.ErrCorruptLedger)
		}
	}
	return nil
}
