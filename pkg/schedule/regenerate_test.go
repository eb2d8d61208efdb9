package schedule

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/shgLoan/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func attached(t *testing.T, tm models.Terms) []models.InstallmentRow {
	t.Helper()
	rows, err := Generate(tm)
	require.NoError(t, err)
	return Attach(uuid.New(), rows)
}

func pay(rows []models.InstallmentRow, k int, amount decimal.Decimal) {
	rows[k].AmountPaid = amount
	switch {
	case amount.Equal(rows[k].TotalDue):
		rows[k].Status = models.InstallmentPaid
	case amount.IsPositive():
		rows[k].Status = models.InstallmentPartiallyPaid
	}
}

func TestAttach(t *testing.T) {
	loanID := uuid.New()
	rows, err := Generate(terms(models.InterestModelFlatRate))
	require.NoError(t, err)
	keep := uuid.New()
	rows[0].ID = keep

	rows = Attach(loanID, rows)
	assert.Equal(t, keep, rows[0].ID)
	seen := map[uuid.UUID]bool{}
	for _, r := range rows {
		assert.Equal(t, loanID, r.LoanID)
		assert.NotEqual(t, uuid.Nil, r.ID)
		assert.False(t, seen[r.ID], "duplicate id")
		seen[r.ID] = true
	}
}

func TestRegenerate_UnpaidScheduleIsReplaced(t *testing.T) {
	existing := attached(t, terms(models.InterestModelFlatRate))
	tm := terms(models.InterestModelReducingBalance)

	rows, err := Regenerate(existing, tm, false)
	require.NoError(t, err)
	require.Len(t, rows, 12)
	assert.True(t, rows[0].TotalDue.Equal(dec("888.49")))
	assert.Equal(t, uuid.Nil, rows[0].ID, "new rows get IDs when attached")
}

func TestRegenerate_KeepsPaidRows(t *testing.T) {
	existing := attached(t, terms(models.InterestModelFlatRate))
	pay(existing, 0, existing[0].TotalDue)
	pay(existing, 1, existing[1].TotalDue)

	tm := terms(models.InterestModelFlatRate)
	tm.AnnualRate = decimal.Zero
	tm.TermMonths = 6

	rows, err := Regenerate(existing, tm, false)
	require.NoError(t, err)
	require.Len(t, rows, 6)
	assert.Equal(t, existing[0].ID, rows[0].ID)
	assert.Equal(t, existing[1].ID, rows[1].ID)
	for k, r := range rows {
		assert.Equal(t, k+1, r.Sequence)
	}
	assert.Equal(t, models.Date(2026, time.March, 31), rows[2].DueDate)
	assert.Equal(t, models.Date(2026, time.June, 30), rows[5].DueDate)
	assert.True(t, rows[2].TotalDue.Equal(dec("2083.33")), "tail total %s", rows[2].TotalDue)
	assert.True(t, sum(rows, principalOf).Equal(dec("10000")))
	require.NoError(t, CheckShape(rows))
}

func TestRegenerate_LockedByPartialPayment(t *testing.T) {
	existing := attached(t, terms(models.InterestModelFlatRate))
	pay(existing, 0, dec("10"))

	tm := terms(models.InterestModelFlatRate)
	tm.TermMonths = 6
	tm.FirstDueDate = models.Date(2026, time.March, 31)

	_, err := Regenerate(existing, tm, false)
	require.ErrorIs(t, err, models.ErrScheduleLocked)

	rows, err := Regenerate(existing, tm, true)
	require.NoError(t, err)
	require.Len(t, rows, 6)
	assert.Equal(t, models.Date(2026, time.April, 30), rows[1].DueDate)
	assert.True(t, rows[0].AmountPaid.Equal(dec("10")))
	assert.Equal(t, models.InstallmentPartiallyPaid, rows[0].Status)
	assert.True(t, sum(rows, principalOf).Equal(dec("10000")))
}

func TestRegenerate_IdenticalTailKeepsExistingRows(t *testing.T) {
	existing := attached(t, terms(models.InterestModelFlatRate))

	rows, err := Regenerate(existing, terms(models.InterestModelFlatRate), false)
	require.NoError(t, err)
	require.Len(t, rows, len(existing))
	for k := range rows {
		assert.Equal(t, existing[k].ID, rows[k].ID)
	}
}

func TestRegenerate_SameTermsAfterPaymentKeepsLength(t *testing.T) {
	existing := attached(t, terms(models.InterestModelFlatRate))
	pay(existing, 0, existing[0].TotalDue)

	rows, err := Regenerate(existing, terms(models.InterestModelFlatRate), false)
	require.NoError(t, err)
	require.Len(t, rows, 12)
	assert.Equal(t, existing[0].ID, rows[0].ID)
	for k := range rows {
		assert.Equal(t, k+1, rows[k].Sequence)
		assert.Equal(t, existing[k].DueDate, rows[k].DueDate, "row %d", k+1)
	}
	assert.True(t, sum(rows, principalOf).Equal(dec("10000")))
	require.NoError(t, CheckShape(rows))
}

func TestRegenerate_RejectsImpossibleTerms(t *testing.T) {
	existing := attached(t, terms(models.InterestModelFlatRate))
	pay(existing, 0, existing[0].TotalDue)

	tm := terms(models.InterestModelFlatRate)
	tm.Principal = dec("500")
	_, err := Regenerate(existing, tm, false)
	assert.ErrorIs(t, err, models.ErrInvalidTerms)

	tm = terms(models.InterestModelFlatRate)
	tm.FirstDueDate = models.Date(2025, time.December, 1)
	_, err = Regenerate(existing, tm, false)
	assert.ErrorIs(t, err, models.ErrInvalidTerms)

	tm = terms(models.InterestModelFlatRate)
	tm.TermMonths = 1
	_, err = Regenerate(existing, tm, false)
	var te *models.TermsError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "term_months", te.Field)
}

func TestCheckShape(t *testing.T) {
	rows := attached(t, terms(models.InterestModelFlatRate))
	require.NoError(t, CheckShape(rows))

	broken := append([]models.InstallmentRow(nil), rows...)
	broken[3].Sequence = 9
	assert.ErrorIs(t, CheckShape(broken), models.ErrCorruptLedger)

	broken = append([]models.InstallmentRow(nil), rows...)
	broken[2].AmountPaid = broken[2].TotalDue.Add(dec("0.01"))
	assert.ErrorIs(t, CheckShape(broken), models.ErrCorruptLedger)

	broken = append([]models.InstallmentRow(nil), rows...)
	broken[1].TotalDue = dec("1")
	assert.ErrorIs(t, CheckShape(broken), models.ErrCorruptLedger)

	broken = append([]models.InstallmentRow(nil), rows...)
	broken[5].DueDate = models.Date(2025, time.January, 1)
	assert.ErrorIs(t, CheckShape(broken), models.ErrCorruptLedger)
}
