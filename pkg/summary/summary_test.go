package summary

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/shgLoan/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// ledger returns three 1,100 installments due on the first of Feb, Mar and Apr 2026.
func ledger(paid ...string) []models.InstallmentRow {
	rows := make([]models.InstallmentRow, 3)
	for k := range rows {
		rows[k] = models.InstallmentRow{
			ID:                 uuid.New(),
			Sequence:           k + 1,
			DueDate:            models.Date(2026, time.Month(k+2), 1),
			PrincipalComponent: dec("1000"),
			InterestComponent:  dec("100"),
			TotalDue:           dec("1100"),
			AmountPaid:         decimal.Zero,
			Status:             models.InstallmentPending,
		}
		if k < len(paid) {
			rows[k].AmountPaid = dec(paid[k])
			switch {
			case rows[k].AmountPaid.Equal(rows[k].TotalDue):
				rows[k].Status = models.InstallmentPaid
			case rows[k].AmountPaid.IsPositive():
				rows[k].Status = models.InstallmentPartiallyPaid
			}
		}
	}
	return rows
}

func TestRecompute_Totals(t *testing.T) {
	rows := ledger("1100", "300")
	s := Recompute(rows, nil, models.Date(2026, time.March, 10))

	assert.True(t, s.TotalPrincipal.Equal(dec("3000")))
	assert.True(t, s.TotalInterest.Equal(dec("300")))
	assert.True(t, s.TotalPayable.Equal(dec("3300")))
	assert.True(t, s.TotalRepaid.Equal(dec("1400")))
	assert.True(t, s.OutstandingBalance.Equal(dec("1900")))
	assert.True(t, s.OverdueAmount.Equal(dec("800")))
	assert.Equal(t, 1, s.PaidInstallments)
	assert.Equal(t, 1, s.OverdueInstallments)
	require.NotNil(t, s.NextDueDate)
	assert.Equal(t, models.Date(2026, time.April, 1), *s.NextDueDate)
	require.NotNil(t, s.LastRepaymentDate)
	assert.Equal(t, models.Date(2026, time.March, 1), *s.LastRepaymentDate, "falls back to the latest paid due date")
}

func TestRecompute_Idempotent(t *testing.T) {
	rows := ledger("1100", "50")
	today := models.Date(2026, time.February, 15)

	first := Recompute(rows, nil, today)
	second := Recompute(rows, nil, today)
	assert.Equal(t, first, second)
	assert.True(t, first.Equal(second))
}

func TestRecompute_NextDueDate(t *testing.T) {
	rows := ledger()

	s := Recompute(rows, nil, models.Date(2026, time.March, 1))
	require.NotNil(t, s.NextDueDate)
	assert.Equal(t, models.Date(2026, time.March, 1), *s.NextDueDate, "due today counts as next")
	assert.True(t, s.OverdueAmount.Equal(dec("1100")), "only the February row is past due")

	s = Recompute(ledger("1100", "1100", "1100"), nil, models.Date(2026, time.January, 1))
	assert.Nil(t, s.NextDueDate)
	assert.True(t, s.OutstandingBalance.IsZero())
}

func TestRecompute_LastRepaymentFromTransactions(t *testing.T) {
	rows := ledger("600")
	reversedAt := models.Date(2026, time.January, 25)
	repayments := []*models.RepaymentTransaction{
		{ID: uuid.New(), Amount: dec("600"), PaymentDate: models.Date(2026, time.January, 20)},
		{ID: uuid.New(), Amount: dec("50"), PaymentDate: models.Date(2026, time.January, 24), ReversedAt: &reversedAt},
	}

	s := Recompute(rows, repayments, models.Date(2026, time.January, 26))
	require.NotNil(t, s.LastRepaymentDate)
	assert.Equal(t, models.Date(2026, time.January, 20), *s.LastRepaymentDate)
}

func TestNextStatus(t *testing.T) {
	tests := []struct {
		name    string
		current models.LoanStatus
		rows    []models.InstallmentRow
		today   time.Time
		want    models.LoanStatus
	}{
		{"draft untouched", models.LoanStatusDraft, ledger(), models.Date(2026, time.June, 1), models.LoanStatusDraft},
		{"cancelled untouched", models.LoanStatusCancelled, ledger(), models.Date(2026, time.June, 1), models.LoanStatusCancelled},
		{"written off untouched", models.LoanStatusWrittenOff, ledger("1100"), models.Date(2026, time.June, 1), models.LoanStatusWrittenOff},
		{"disbursed waits", models.LoanStatusDisbursed, ledger(), models.Date(2026, time.January, 10), models.LoanStatusDisbursed},
		{"disbursed activates on repayment", models.LoanStatusDisbursed, ledger("10"), models.Date(2026, time.January, 10), models.LoanStatusActive},
		{"disbursed activates on first due date", models.LoanStatusDisbursed, ledger(), models.Date(2026, time.February, 1), models.LoanStatusActive},
		{"disbursed goes overdue", models.LoanStatusDisbursed, ledger(), models.Date(2026, time.February, 2), models.LoanStatusOverdue},
		{"active goes overdue", models.LoanStatusActive, ledger("1100"), models.Date(2026, time.March, 2), models.LoanStatusOverdue},
		{"overdue recovers", models.LoanStatusOverdue, ledger("1100", "1100"), models.Date(2026, time.March, 2), models.LoanStatusActive},
		{"completed", models.LoanStatusActive, ledger("1100", "1100", "1100"), models.Date(2026, time.March, 2), models.LoanStatusCompleted},
		{"completed overdue loan", models.LoanStatusOverdue, ledger("1100", "1100", "1100"), models.Date(2026, time.May, 2), models.LoanStatusCompleted},
		{"reopened by reversal", models.LoanStatusCompleted, ledger("1100", "1100", "1000"), models.Date(2026, time.March, 2), models.LoanStatusActive},
		{"reopened overdue", models.LoanStatusCompleted, ledger("1100", "1000", "1100"), models.Date(2026, time.April, 2), models.LoanStatusOverdue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Recompute(tt.rows, nil, tt.today)
			assert.Equal(t, tt.want, NextStatus(tt.current, s, tt.rows, tt.today))
		})
	}
}

func TestAging(t *testing.T) {
	rows := ledger("1100", "100")
	rows = append(rows, models.InstallmentRow{
		ID: uuid.New(), Sequence: 4, DueDate: models.Date(2025, time.October, 1),
		PrincipalComponent: dec("50"), InterestComponent: decimal.Zero, TotalDue: dec("50"), AmountPaid: decimal.Zero,
	})

	b := Aging(rows, models.Date(2026, time.April, 15))
	assert.True(t, b.Days1To30.Equal(dec("1100")), "April row, 14 days")
	assert.True(t, b.Days31To60.Equal(dec("1000")), "March row, 45 days")
	assert.True(t, b.Days61To90.IsZero(), "February row is paid")
	assert.True(t, b.Days90Plus.Equal(dec("50")))

	b = Aging(ledger(), models.Date(2026, time.February, 1))
	assert.True(t, b.Days1To30.IsZero(), "not past due on the due date")
}

func TestApplyWriteOff(t *testing.T) {
	rows := ledger("1100", "150")
	today := models.Date(2026, time.March, 10)
	s := Recompute(rows, nil, today)
	require.True(t, s.OverdueAmount.IsPositive())

	principal, interest := Unpaid(rows)
	assert.True(t, principal.Equal(dec("1950")), "principal %s", principal)
	assert.True(t, interest.Equal(dec("100")), "interest %s", interest)

	w := &models.WriteOff{TotalAmount: principal.Add(interest)}
	off := ApplyWriteOff(s, w)
	assert.True(t, off.OutstandingBalance.IsZero())
	assert.True(t, off.WrittenOffAmount.Equal(dec("2050")))
	assert.True(t, off.OverdueAmount.IsZero())
	assert.Zero(t, off.OverdueInstallments)
	assert.Nil(t, off.NextDueDate)
	assert.True(t, off.TotalRepaid.Equal(s.TotalRepaid))

	reversedOn := today
	w.ReversedOn = &reversedOn
	assert.True(t, ApplyWriteOff(s, w).Equal(s))
	assert.True(t, ApplyWriteOff(s, nil).Equal(s))
}

func TestLiveWriteOff(t *testing.T) {
	reversedOn := models.Date(2026, time.March, 1)
	old := &models.WriteOff{ID: uuid.New(), ReversedOn: &reversedOn}
	live := &models.WriteOff{ID: uuid.New()}

	assert.Nil(t, LiveWriteOff(nil))
	assert.Nil(t, LiveWriteOff([]*models.WriteOff{old}))
	assert.Equal(t, live, LiveWriteOff([]*models.WriteOff{old, live}))
}

func TestOldestUnpaid(t *testing.T) {
	assert.Equal(t, models.Date(2026, time.March, 1), *OldestUnpaid(ledger("1100", "20")))
	assert.Equal(t, models.Date(2026, time.February, 1), *OldestUnpaid(ledger()))
	assert.Nil(t, OldestUnpaid(ledger("1100", "1100", "1100")))
}
