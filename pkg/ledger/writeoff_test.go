package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/mcclellann/shgLoan/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteOffLoan_MovesBalanceToWriteOff(t *testing.T) {
	f := newFixture()
	loan := f.disbursed(t)
	_, err := f.ledger.AllocateRepayment(context.Background(), loan.ID, dec("1000"), time.Time{})
	require.NoError(t, err)

	w, err := f.ledger.WriteOffLoan(context.Background(), loan.ID, models.Date(2026, time.June, 30), "member left the group")
	require.NoError(t, err)
	assert.True(t, w.TotalAmount.Equal(dec("10200")), "total %s", w.TotalAmount)
	assert.True(t, w.InterestAmount.Equal(dec("1033.33")), "interest %s", w.InterestAmount)
	assert.True(t, w.PrincipalAmount.Equal(dec("9166.67")), "principal %s", w.PrincipalAmount)
	assert.Equal(t, models.Date(2026, time.June, 30), w.WrittenOffOn)

	require.Len(t, f.recorder.WriteOffs, 1)
	assert.Equal(t, w.ID, f.recorder.WriteOffs[0].TransactionID)
	assert.True(t, f.recorder.WriteOffs[0].TotalAmount.Equal(dec("10200")))

	loan, err = f.ledger.GetLoan(context.Background(), loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusWrittenOff, loan.Status)
	assert.True(t, loan.Summary.OutstandingBalance.IsZero())
	assert.True(t, loan.Summary.WrittenOffAmount.Equal(dec("10200")))
	assert.True(t, loan.Summary.TotalRepaid.Equal(dec("1000")))
	assert.Nil(t, loan.Summary.NextDueDate)

	rows, err := f.ledger.GetSchedule(context.Background(), loan.ID)
	require.NoError(t, err)
	assert.True(t, rows[1].AmountPaid.Equal(dec("66.67")), "rows keep their payments")

	report, err := f.ledger.VerifyLedger(context.Background(), loan.ID)
	require.NoError(t, err)
	assert.True(t, report.OK(), report.Violations)

	saves := f.store.saves
	_, err = f.ledger.RecomputeSummary(context.Background(), loan.ID)
	require.NoError(t, err)
	assert.Equal(t, saves, f.store.saves)
}

func TestWriteOffLoan_BlocksLedgerChanges(t *testing.T) {
	f := newFixture()
	loan := f.disbursed(t)
	plan, err := f.ledger.AllocateRepayment(context.Background(), loan.ID, dec("500"), time.Time{})
	require.NoError(t, err)
	_, err = f.ledger.WriteOffLoan(context.Background(), loan.ID, time.Time{}, "")
	require.NoError(t, err)

	_, err = f.ledger.WriteOffLoan(context.Background(), loan.ID, time.Time{}, "")
	assert.ErrorIs(t, err, models.ErrInvalidState)
	_, err = f.ledger.AllocateRepayment(context.Background(), loan.ID, dec("10"), time.Time{})
	assert.ErrorIs(t, err, models.ErrInvalidState)
	_, err = f.ledger.ReverseRepayment(context.Background(), plan.TransactionID, "")
	assert.ErrorIs(t, err, models.ErrInvalidState)
	rate := dec("6")
	_, err = f.ledger.AmendTerms(context.Background(), loan.ID, TermsAmendment{AnnualRate: &rate}, true)
	assert.ErrorIs(t, err, models.ErrInvalidState)
	_, err = f.ledger.CancelLoan(context.Background(), loan.ID)
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestWriteOffLoan_RejectsLoansWithNothingOwed(t *testing.T) {
	f := newFixture()
	draft, err := f.ledger.CreateLoan(context.Background(), LoanApplication{
		Principal: dec("100"), TermMonths: 1, FirstDueDate: models.Date(2026, time.March, 1),
	})
	require.NoError(t, err)
	_, err = f.ledger.WriteOffLoan(context.Background(), draft.ID, time.Time{}, "")
	assert.ErrorIs(t, err, models.ErrInvalidState)

	loan := f.disbursed(t)
	_, err = f.ledger.AllocateRepayment(context.Background(), loan.ID, dec("11200"), time.Time{})
	require.NoError(t, err)
	_, err = f.ledger.WriteOffLoan(context.Background(), loan.ID, time.Time{}, "")
	assert.ErrorIs(t, err, models.ErrInvalidState)
	assert.Empty(t, f.recorder.WriteOffs)
}

func TestReverseWriteOff_ReopensLoan(t *testing.T) {
	f := newFixture()
	loan := f.disbursed(t)
	_, err := f.ledger.AllocateRepayment(context.Background(), loan.ID, dec("1000"), time.Time{})
	require.NoError(t, err)
	w, err := f.ledger.WriteOffLoan(context.Background(), loan.ID, time.Time{}, "")
	require.NoError(t, err)

	f.clock.Set(models.Date(2026, time.March, 10))
	loan, err = f.ledger.ReverseWriteOff(context.Background(), loan.ID, time.Time{}, "member resumed payments")
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusOverdue, loan.Status)
	assert.True(t, loan.Summary.OutstandingBalance.Equal(dec("10200")))
	assert.True(t, loan.Summary.WrittenOffAmount.IsZero())

	require.Len(t, f.recorder.WriteOffReversals, 1)
	assert.Equal(t, w.ID, f.recorder.WriteOffReversals[0].TransactionID)
	assert.Equal(t, models.Date(2026, time.March, 10), f.recorder.WriteOffReversals[0].PostingDate)

	writeOffs, err := f.ledger.GetWriteOffs(context.Background(), loan.ID)
	require.NoError(t, err)
	require.Len(t, writeOffs, 1)
	require.True(t, writeOffs[0].Reversed())
	assert.Equal(t, "member resumed payments", writeOffs[0].ReversalReason)

	_, err = f.ledger.ReverseWriteOff(context.Background(), loan.ID, time.Time{}, "")
	assert.ErrorIs(t, err, models.ErrInvalidState)

	_, err = f.ledger.AllocateRepayment(context.Background(), loan.ID, dec("866.66"), time.Time{})
	require.NoError(t, err)
	loan, err = f.ledger.GetLoan(context.Background(), loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusActive, loan.Status)

	report, err := f.ledger.VerifyLedger(context.Background(), loan.ID)
	require.NoError(t, err)
	assert.True(t, report.OK(), report.Violations)

	statement, err := f.ledger.GetStatement(context.Background(), loan.ID)
	require.NoError(t, err)
	assert.Len(t, statement.WriteOffs, 1)
}

func TestWriteOffCandidates(t *testing.T) {
	f := newFixture()
	stale := f.disbursed(t)

	rate := dec("12")
	recent, err := f.ledger.CreateLoan(context.Background(), LoanApplication{
		MemberKey: "member-002", Principal: dec("1200"), AnnualRate: &rate, TermMonths: 6,
		FirstDueDate: models.Date(2026, time.June, 1),
	})
	require.NoError(t, err)
	_, err = f.ledger.DisburseLoan(context.Background(), recent.ID, time.Time{})
	require.NoError(t, err)

	f.clock.Set(models.Date(2026, time.June, 15))
	candidates, err := f.ledger.WriteOffCandidates(context.Background())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	got := candidates[0]
	assert.Equal(t, stale.ID, got.LoanID)
	assert.Equal(t, "member-001", got.MemberKey)
	assert.Equal(t, 134, got.DaysOverdue)
	assert.Equal(t, models.Date(2026, time.February, 1), got.OldestDueDate)
	assert.True(t, got.Outstanding.Equal(dec("11200")))

	f.ledger = NewLedger(f.store, WithClock(f.clock.Now), WithWriteOffAfter(200))
	candidates, err = f.ledger.WriteOffCandidates(context.Background())
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestGetPortfolioSummary(t *testing.T) {
	f := newFixture()
	open := f.disbursed(t)
	_, err := f.ledger.AllocateRepayment(context.Background(), open.ID, dec("1000"), time.Time{})
	require.NoError(t, err)
	written := f.disbursed(t)
	_, err = f.ledger.WriteOffLoan(context.Background(), written.ID, time.Time{}, "")
	require.NoError(t, err)
	_, err = f.ledger.CreateLoan(context.Background(), LoanApplication{
		MemberKey: "member-003", Principal: dec("500"), TermMonths: 5, FirstDueDate: models.Date(2026, time.March, 1),
	})
	require.NoError(t, err)

	p, err := f.ledger.GetPortfolioSummary(context.Background(), PortfolioFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Loans)
	assert.Equal(t, 1, p.ByStatus[models.LoanStatusDraft])
	assert.Equal(t, 1, p.ByStatus[models.LoanStatusActive])
	assert.Equal(t, 1, p.ByStatus[models.LoanStatusWrittenOff])
	assert.True(t, p.TotalDisbursed.Equal(dec("20000")))
	assert.True(t, p.TotalPayable.Equal(dec("22400")))
	assert.True(t, p.TotalRepaid.Equal(dec("1000")))
	assert.True(t, p.TotalOutstanding.Equal(dec("10200")), "outstanding %s", p.TotalOutstanding)
	assert.True(t, p.TotalWrittenOff.Equal(dec("11200")))
	assert.True(t, p.AverageRate.Equal(dec("12")))

	p, err = f.ledger.GetPortfolioSummary(context.Background(), PortfolioFilter{Status: models.LoanStatusWrittenOff})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Loans)
	assert.True(t, p.TotalOutstanding.IsZero())

	p, err = f.ledger.GetPortfolioSummary(context.Background(), PortfolioFilter{MemberKey: "member-003"})
	require.NoError(t, err)
	assert.Zero(t, p.Loans)
	assert.Equal(t, 1, p.ByStatus[models.LoanStatusDraft])
}
