package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/shgLoan/pkg/metrics"
	"github.com/mcclellann/shgLoan/pkg/models"
	"github.com/mcclellann/shgLoan/pkg/posting"
	"github.com/mcclellann/shgLoan/pkg/store"
	"github.com/mcclellann/shgLoan/pkg/summary"
	log "github.com/sirupsen/logrus"
)

// WriteOffLoan writes off everything still owed on a repayable loan. The
// installment rows keep their payments; the balance moves to the write-off.
func (l *Ledger) WriteOffLoan(ctx context.Context, loanID uuid.UUID, on time.Time, reason string) (*models.WriteOff, error) {
	var result *models.WriteOff
	err := l.mutate(ctx, "write_off", loanID, func(st *state) (*store.LedgerWrite, error) {
		if !st.loan.Status.Repayable() {
			return nil, fmt.Errorf("cannot write off %s loan: %w", st.loan.Status, models.ErrInvalidState)
		}
		principal, interest := summary.Unpaid(st.rows)
		total := principal.Add(interest)
		if !total.IsPositive() {
			return nil, fmt.Errorf("loan has no outstanding balance to write off: %w", models.ErrInvalidState)
		}
		if on.IsZero() {
			on = l.today()
		}

		w := &models.WriteOff{
			ID:              uuid.New(),
			LoanID:          st.loan.ID,
			WrittenOffOn:    models.DateOf(on),
			PrincipalAmount: principal,
			InterestAmount:  interest,
			TotalAmount:     total,
			Reason:          reason,
			CreatedAt:       l.now(),
		}
		st.writeOffs = append(st.writeOffs, w)
		st.loan.Status = models.LoanStatusWrittenOff
		result = w
		return &store.LedgerWrite{WriteOff: w}, nil
	})
	if err != nil {
		return nil, err
	}

	metrics.WrittenOffAmount.Add(result.TotalAmount.InexactFloat64())
	plan := posting.NewWriteOffPlan(result, result.WrittenOffOn)
	if err := l.publisher.PublishWriteOff(ctx, plan); err != nil {
		log.WithError(err).WithField("write_off_id", result.ID).Warn("Failed to publish write-off posting plan")
	}
	return result, nil
}

// ReverseWriteOff puts the written-off balance back on the loan and returns it
// to the repayment lifecycle.
func (l *Ledger) ReverseWriteOff(ctx context.Context, loanID uuid.UUID, on time.Time, reason string) (*models.Loan, error) {
	var loan *models.Loan
	var reversed *models.WriteOff
	err := l.mutate(ctx, "reverse_write_off", loanID, func(st *state) (*store.LedgerWrite, error) {
		if st.loan.Status != models.LoanStatusWrittenOff {
			return nil, fmt.Errorf("cannot reverse write-off of %s loan: %w", st.loan.Status, models.ErrInvalidState)
		}
		w := summary.LiveWriteOff(st.writeOffs)
		if w == nil {
			return nil, fmt.Errorf("written-off loan has no live write-off: %w", models.ErrCorruptLedger)
		}
		if on.IsZero() {
			on = l.today()
		}
		reversedOn := models.DateOf(on)
		w.ReversedOn = &reversedOn
		w.ReversalReason = reason
		st.loan.Status = models.LoanStatusActive
		loan, reversed = st.loan, w
		return &store.LedgerWrite{WriteOffReversal: &store.WriteOffReversal{WriteOffID: w.ID, ReversedOn: reversedOn, Reason: reason}}, nil
	})
	if err != nil {
		return nil, err
	}

	plan := posting.NewWriteOffPlan(reversed, *reversed.ReversedOn)
	if err := l.publisher.PublishWriteOffReversal(ctx, plan); err != nil {
		log.WithError(err).WithField("write_off_id", reversed.ID).Warn("Failed to publish write-off reversal posting plan")
	}
	return loan, nil
}

// GetWriteOffs returns every write-off of a loan, reversed ones included.
func (l *Ledger) GetWriteOffs(ctx context.Context, loanID uuid.UUID) ([]*models.WriteOff, error) {
	if _, err := l.storage.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return l.storage.GetWriteOffs(ctx, loanID)
}

// WriteOffCandidates lists repayable loans whose oldest unpaid installment is
// more than the configured number of days past due, most overdue first.
func (l *Ledger) WriteOffCandidates(ctx context.Context) ([]models.WriteOffCandidate, error) {
	loans, err := l.storage.GetLoansByStatus(ctx, models.LoanStatusDisbursed, models.LoanStatusActive, models.LoanStatusOverdue)
	if err != nil {
		return nil, fmt.Errorf("failed to get loans for write-off review: %w", err)
	}

	today := l.today()
	candidates := []models.WriteOffCandidate{}
	for _, loan := range loans {
		rows, err := l.storage.GetSchedule(ctx, loan.ID)
		if err != nil {
			return nil, err
		}
		oldest := summary.OldestUnpaid(rows)
		if oldest == nil {
			continue
		}
		days := models.DaysBetween(*oldest, today)
		if days <= l.writeOffAfter {
			continue
		}
		principal, interest := summary.Unpaid(rows)
		candidates = append(candidates, models.WriteOffCandidate{
			LoanID:        loan.ID,
			MemberKey:     loan.MemberKey,
			Status:        loan.Status,
			Outstanding:   principal.Add(interest),
			OldestDueDate: *oldest,
			DaysOverdue:   days,
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].DaysOverdue > candidates[j].DaysOverdue
	})
	return candidates, nil
}

// PortfolioFilter narrows the portfolio summary; empty fields match every loan.
type PortfolioFilter struct {
	Status    models.LoanStatus
	MemberKey string
}

// GetPortfolioSummary aggregates the cached summaries of every matching loan.
func (l *Ledger) GetPortfolioSummary(ctx context.Context, f PortfolioFilter) (models.PortfolioSummary, error) {
	loans, err := l.storage.GetAllLoans(ctx)
	if err != nil {
		return models.PortfolioSummary{}, fmt.Errorf("failed to get loans for portfolio summary: %w", err)
	}
	var matching []*models.Loan
	for _, loan := range loans {
		if f.Status != "" && loan.Status != f.Status {
			continue
		}
		if f.MemberKey != "" && loan.MemberKey != f.MemberKey {
			continue
		}
		matching = append(matching, loan)
	}
	return summary.Portfolio(matching), nil
}
