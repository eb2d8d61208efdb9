package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/shgLoan/pkg/allocation"
	"github.com/mcclellann/shgLoan/pkg/metrics"
	"github.com/mcclellann/shgLoan/pkg/models"
	"github.com/mcclellann/shgLoan/pkg/posting"
	"github.com/mcclellann/shgLoan/pkg/schedule"
	"github.com/mcclellann/shgLoan/pkg/store"
	"github.com/mcclellann/shgLoan/pkg/summary"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	defaultMaxRetries    = 3
	defaultWriteOffAfter = 90
)

// Ledger handles the business logic for loans and their installment ledgers.
// Every mutation of one loan runs under that loan's lock and is persisted as a
// single store write.
type Ledger struct {
	storage    store.Storage
	defaults   schedule.Defaults
	publisher  posting.Publisher
	now        func() time.Time
	maxRetries int
	// writeOffAfter is how many days past due the oldest unpaid installment
	// must be before a loan is listed as a write-off candidate.
	writeOffAfter int
	locks         *loanLocks
}

type Option func(*Ledger)

// WithClock replaces the wall clock used to decide what "today" is.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithDefaults sets the group-wide loan defaults.
func WithDefaults(d schedule.Defaults) Option {
	return func(l *Ledger) { l.defaults = d }
}

// WithPublisher sets where posting plans go after a commit.
func WithPublisher(p posting.Publisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

// WithMaxRetries bounds the retries after an optimistic-lock conflict.
func WithMaxRetries(n int) Option {
	return func(l *Ledger) { l.maxRetries = n }
}

// WithWriteOffAfter sets the days past due that make a loan a write-off candidate.
func WithWriteOffAfter(days int) Option {
	return func(l *Ledger) { l.writeOffAfter = days }
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage: s,
		defaults: schedule.Defaults{
			AnnualRate:    decimal.NewFromInt(12),
			InterestModel: models.InterestModelFlatRate,
			Frequency:     models.FrequencyMonthly,
		},
		publisher:     posting.NewLogPublisher(log.StandardLogger()),
		now:           time.Now,
		maxRetries:    defaultMaxRetries,
		writeOffAfter: defaultWriteOffAfter,
		locks:         newLoanLocks(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) today() time.Time {
	return models.DateOf(l.now())
}

// LoanApplication is the request to open a loan. A nil AnnualRate and empty
// model or frequency take the group defaults.
type LoanApplication struct {
	MemberKey     string
	Principal     decimal.Decimal
	AnnualRate    *decimal.Decimal
	InterestModel models.InterestModel
	TermMonths    int
	Frequency     models.RepaymentFrequency
	FirstDueDate  time.Time
}

// CreateLoan records a draft loan after validating its terms.
func (l *Ledger) CreateLoan(ctx context.Context, app LoanApplication) (*models.Loan, error) {
	terms := l.defaults.Apply(models.Terms{
		Principal:     app.Principal,
		AnnualRate:    l.defaults.AnnualRate,
		InterestModel: app.InterestModel,
		TermMonths:    app.TermMonths,
		Frequency:     app.Frequency,
		FirstDueDate:  models.DateOf(app.FirstDueDate),
	})
	if app.AnnualRate != nil {
		terms.AnnualRate = *app.AnnualRate
	}
	if err := schedule.Validate(terms); err != nil {
		metrics.Observe("create_loan", err)
		return nil, err
	}

	now := l.now()
	loan := &models.Loan{
		ID:        uuid.New(),
		MemberKey: app.MemberKey,
		Terms:     terms,
		Status:    models.LoanStatusDraft,
		Summary:   summary.Recompute(nil, nil, now),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := l.storage.CreateLoan(ctx, loan)
	metrics.Observe("create_loan", err)
	if err != nil {
		return nil, fmt.Errorf("failed to store loan: %w", err)
	}
	log.WithFields(log.Fields{"loan_id": loan.ID, "member_key": loan.MemberKey, "principal": terms.Principal.StringFixed(2)}).
		Info("Loan created")
	return loan, nil
}

// DisburseLoan moves a draft loan to Disbursed and generates its schedule.
// Calling it again on a disbursed loan returns the loan unchanged.
func (l *Ledger) DisburseLoan(ctx context.Context, loanID uuid.UUID, on time.Time) (*models.Loan, error) {
	var result *models.Loan
	err := l.mutate(ctx, "disburse", loanID, func(st *state) (*store.LedgerWrite, error) {
		if st.loan.Status != models.LoanStatusDraft {
			if st.loan.Status.Repayable() && len(st.rows) > 0 {
				result = st.loan
				return nil, nil
			}
			return nil, fmt.Errorf("cannot disburse %s loan: %w", st.loan.Status, models.ErrInvalidState)
		}
		rows, err := schedule.Generate(st.loan.Terms)
		if err != nil {
			return nil, err
		}
		if on.IsZero() {
			on = l.today()
		}
		disbursed := models.DateOf(on)
		st.rows = schedule.Attach(st.loan.ID, rows)
		st.loan.Status = models.LoanStatusDisbursed
		st.loan.DisbursedOn = &disbursed
		result = st.loan
		return &store.LedgerWrite{}, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// TermsAmendment changes some of a loan's terms; zero fields keep the current value.
type TermsAmendment struct {
	Principal     *decimal.Decimal
	AnnualRate    *decimal.Decimal
	InterestModel models.InterestModel
	TermMonths    int
	Frequency     models.RepaymentFrequency
	FirstDueDate  *time.Time
}

func (a TermsAmendment) apply(t models.Terms) models.Terms {
	if a.Principal != nil {
		t.Principal = *a.Principal
	}
	if a.AnnualRate != nil {
		t.AnnualRate = *a.AnnualRate
	}
	if a.InterestModel != "" {
		t.InterestModel = a.InterestModel
	}
	if a.TermMonths != 0 {
		t.TermMonths = a.TermMonths
	}
	if a.Frequency != "" {
		t.Frequency = a.Frequency
	}
	if a.FirstDueDate != nil {
		t.FirstDueDate = models.DateOf(*a.FirstDueDate)
	}
	return t
}

// AmendTerms regenerates the unpaid tail of the schedule under amended terms.
// TermMonths is the total number of installments, paid ones included. Draft
// loans just take the new terms. Unchanged terms leave the loan untouched.
func (l *Ledger) AmendTerms(ctx context.Context, loanID uuid.UUID, a TermsAmendment, force bool) (*models.Loan, error) {
	var result *models.Loan
	err := l.mutate(ctx, "amend_terms", loanID, func(st *state) (*store.LedgerWrite, error) {
		terms := a.apply(st.loan.Terms)
		if terms.Equal(st.loan.Terms) && (st.loan.Status == models.LoanStatusDraft || st.loan.Status.Repayable()) {
			result = st.loan
			return nil, nil
		}
		switch {
		case st.loan.Status == models.LoanStatusDraft:
			if err := schedule.Validate(terms); err != nil {
				return nil, err
			}
		case st.loan.Status.Repayable():
			rows, err := schedule.Regenerate(st.rows, terms, force)
			if err != nil {
				return nil, err
			}
			st.rows = schedule.Attach(st.loan.ID, rows)
		default:
			return nil, fmt.Errorf("cannot amend %s loan: %w", st.loan.Status, models.ErrInvalidState)
		}
		st.loan.Terms = terms
		result = st.loan
		return &store.LedgerWrite{}, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AllocateRepayment applies a repayment to the oldest unpaid installments and
// returns the posting plan for the accounting side.
func (l *Ledger) AllocateRepayment(ctx context.Context, loanID uuid.UUID, amount decimal.Decimal, paidOn time.Time) (models.PostingPlan, error) {
	var plan models.PostingPlan
	err := l.mutate(ctx, "allocate_repayment", loanID, func(st *state) (*store.LedgerWrite, error) {
		if !st.loan.Status.Repayable() {
			return nil, fmt.Errorf("cannot repay %s loan: %w", st.loan.Status, models.ErrInvalidState)
		}
		res, err := allocation.Allocate(st.rows, amount, l.today())
		if err != nil {
			return nil, err
		}
		if paidOn.IsZero() {
			paidOn = l.today()
		}
		tx := &models.RepaymentTransaction{
			ID:          uuid.New(),
			LoanID:      st.loan.ID,
			Amount:      amount,
			PaymentDate: models.DateOf(paidOn),
			Allocations: res.Lines,
			CreatedAt:   l.now(),
		}
		st.rows = res.Rows
		st.repayments = append(st.repayments, tx)
		plan = posting.NewPlan(st.loan.ID, tx.ID, tx.PaymentDate, res.Lines)
		return &store.LedgerWrite{Repayment: tx}, nil
	})
	if err != nil {
		return models.PostingPlan{}, err
	}

	metrics.RepaymentAmount.Observe(plan.TotalAmount.InexactFloat64())
	if err := l.publisher.PublishRepayment(ctx, plan); err != nil {
		log.WithError(err).WithField("transaction_id", plan.TransactionID).Warn("Failed to publish repayment posting plan")
	}
	return plan, nil
}

// ReverseRepayment cancels a repayment by taking back exactly what it applied.
// The returned plan lists the amounts the accounting side has to reverse.
func (l *Ledger) ReverseRepayment(ctx context.Context, transactionID uuid.UUID, reason string) (models.PostingPlan, error) {
	original, err := l.storage.GetRepayment(ctx, transactionID)
	if err != nil {
		metrics.Observe("reverse_repayment", err)
		return models.PostingPlan{}, err
	}

	var plan models.PostingPlan
	err = l.mutate(ctx, "reverse_repayment", original.LoanID, func(st *state) (*store.LedgerWrite, error) {
		var tx *models.RepaymentTransaction
		for _, t := range st.repayments {
			if t.ID == transactionID {
				tx = t
			}
		}
		if tx == nil {
			return nil, models.ErrUnknownTransaction
		}
		if tx.Reversed() {
			return nil, models.ErrAlreadyReversed
		}
		switch st.loan.Status {
		case models.LoanStatusDraft, models.LoanStatusCancelled, models.LoanStatusWrittenOff:
			return nil, fmt.Errorf("cannot reverse repayment on %s loan: %w", st.loan.Status, models.ErrInvalidState)
		}

		rows, err := allocation.Reverse(st.rows, tx.Allocations, l.today())
		if err != nil {
			return nil, err
		}
		reversedAt := l.today()
		st.rows = rows
		tx.ReversedAt = &reversedAt
		plan = posting.NewPlan(st.loan.ID, tx.ID, reversedAt, tx.Allocations)
		return &store.LedgerWrite{Reversal: &store.Reversal{TransactionID: tx.ID, ReversedAt: reversedAt, Reason: reason}}, nil
	})
	if err != nil {
		return models.PostingPlan{}, err
	}

	if err := l.publisher.PublishReversal(ctx, plan); err != nil {
		log.WithError(err).WithField("transaction_id", plan.TransactionID).Warn("Failed to publish reversal posting plan")
	}
	return plan, nil
}

// RecomputeSummary rebuilds the cached aggregates and row flags from the
// ledger. Nothing is written when the cache already agrees with the ledger.
func (l *Ledger) RecomputeSummary(ctx context.Context, loanID uuid.UUID) (models.LoanSummary, error) {
	var result models.LoanSummary
	err := l.mutate(ctx, "recompute_summary", loanID, func(st *state) (*store.LedgerWrite, error) {
		today := l.today()
		changed := allocation.RefreshAll(st.rows, today)
		fresh := st.summarize(today)
		status := summary.NextStatus(st.loan.Status, fresh, st.rows, today)
		result = fresh
		if !changed && fresh.Equal(st.loan.Summary) && status == st.loan.Status {
			return nil, nil
		}
		log.WithFields(log.Fields{"loan_id": st.loan.ID, "status": status}).Debug("Loan summary refreshed")
		return &store.LedgerWrite{}, nil
	})
	if err != nil {
		return models.LoanSummary{}, err
	}
	return result, nil
}

// RefreshOverdue recomputes every loan that can still fall overdue. Failures on
// one loan are logged and do not stop the run. It returns the number of loans
// that are overdue afterwards.
func (l *Ledger) RefreshOverdue(ctx context.Context) (int, error) {
	loans, err := l.storage.GetLoansByStatus(ctx, models.LoanStatusDisbursed, models.LoanStatusActive, models.LoanStatusOverdue)
	if err != nil {
		return 0, fmt.Errorf("failed to get loans for overdue refresh: %w", err)
	}

	overdue := 0
	for _, loan := range loans {
		if err := ctx.Err(); err != nil {
			return overdue, err
		}
		s, err := l.RecomputeSummary(ctx, loan.ID)
		if err != nil {
			log.WithError(err).WithField("loan_id", loan.ID).Warn("Overdue refresh failed for loan")
			continue
		}
		if s.OverdueAmount.IsPositive() {
			overdue++
		}
	}
	metrics.OverdueLoans.Set(float64(overdue))
	log.WithFields(log.Fields{"loans": len(loans), "overdue": overdue}).Info("Overdue refresh complete")
	return overdue, nil
}

// CancelLoan cancels a loan that has not received money.
func (l *Ledger) CancelLoan(ctx context.Context, loanID uuid.UUID) (*models.Loan, error) {
	var result *models.Loan
	err := l.mutate(ctx, "cancel_loan", loanID, func(st *state) (*store.LedgerWrite, error) {
		if st.loan.Status != models.LoanStatusDraft && st.loan.Status != models.LoanStatusDisbursed {
			return nil, fmt.Errorf("cannot cancel %s loan: %w", st.loan.Status, models.ErrInvalidState)
		}
		if !allocation.Outstanding(st.rows).Equal(totalDue(st.rows)) {
			return nil, fmt.Errorf("loan has live repayments: %w", models.ErrInvalidState)
		}
		st.loan.Status = models.LoanStatusCancelled
		result = st.loan
		return &store.LedgerWrite{}, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteLoan deletes a draft or cancelled loan.
func (l *Ledger) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	unlock := l.locks.lock(id)
	defer unlock()

	loan, err := l.storage.GetLoan(ctx, id)
	if err != nil {
		return err
	}
	if loan.Status != models.LoanStatusDraft && loan.Status != models.LoanStatusCancelled {
		return fmt.Errorf("cannot delete %s loan: %w", loan.Status, models.ErrInvalidState)
	}
	err = l.storage.DeleteLoan(ctx, id)
	metrics.Observe("delete_loan", err)
	return err
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return l.storage.GetLoan(ctx, id)
}

// GetAllLoans retrieves all loans.
func (l *Ledger) GetAllLoans(ctx context.Context) ([]*models.Loan, error) {
	return l.storage.GetAllLoans(ctx)
}

// GetSchedule returns the installment ledger of a loan.
func (l *Ledger) GetSchedule(ctx context.Context, loanID uuid.UUID) ([]models.InstallmentRow, error) {
	if _, err := l.storage.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return l.storage.GetSchedule(ctx, loanID)
}

// GetRepayments returns all repayments of a loan, reversed ones included.
func (l *Ledger) GetRepayments(ctx context.Context, loanID uuid.UUID) ([]*models.RepaymentTransaction, error) {
	if _, err := l.storage.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return l.storage.GetRepaymentsForLoan(ctx, loanID)
}

// GetStatement assembles the loan, its schedule, repayments and aging. The
// summary is computed from the ledger, not read from the cache.
func (l *Ledger) GetStatement(ctx context.Context, loanID uuid.UUID) (*models.LoanStatement, error) {
	st, err := l.load(ctx, loanID)
	if err != nil {
		return nil, err
	}
	today := l.today()
	return &models.LoanStatement{
		Loan:       st.loan,
		Summary:    st.summarize(today),
		Schedule:   st.rows,
		Repayments: st.repayments,
		WriteOffs:  st.writeOffs,
		Aging:      summary.Aging(st.rows, today),
	}, nil
}

// VerifyLedger reports drift between the cached summary, the ledger and the
// recorded allocations.
func (l *Ledger) VerifyLedger(ctx context.Context, loanID uuid.UUID) (summary.Report, error) {
	st, err := l.load(ctx, loanID)
	if err != nil {
		return summary.Report{}, err
	}
	return summary.Verify(st.loan, st.rows, st.repayments, st.writeOffs), nil
}

// state is one consistent read of a loan and everything it owns.
type state struct {
	loan       *models.Loan
	rows       []models.InstallmentRow
	repayments []*models.RepaymentTransaction
	writeOffs  []*models.WriteOff
}

func (st *state) summarize(today time.Time) models.LoanSummary {
	s := summary.Recompute(st.rows, st.repayments, today)
	return summary.ApplyWriteOff(s, summary.LiveWriteOff(st.writeOffs))
}

func (l *Ledger) load(ctx context.Context, loanID uuid.UUID) (*state, error) {
	loan, err := l.storage.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	rows, err := l.storage.GetSchedule(ctx, loanID)
	if err != nil {
		return nil, err
	}
	repayments, err := l.storage.GetRepaymentsForLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	writeOffs, err := l.storage.GetWriteOffs(ctx, loanID)
	if err != nil {
		return nil, err
	}
	return &state{loan: loan, rows: rows, repayments: repayments, writeOffs: writeOffs}, nil
}

// mutate runs fn on a fresh read of the loan while holding the loan's lock.
// fn edits the state in place and returns the extra records to write, or nil
// to skip the write. The summary and status are always recomputed from the
// edited ledger before the single SaveLedger call. A version conflict re-reads
// and retries.
func (l *Ledger) mutate(ctx context.Context, operation string, loanID uuid.UUID, fn func(st *state) (*store.LedgerWrite, error)) (err error) {
	defer func() { metrics.Observe(operation, err) }()

	unlock := l.locks.lock(loanID)
	defer unlock()

	for attempt := 0; ; attempt++ {
		st, err := l.load(ctx, loanID)
		if err != nil {
			return err
		}
		if err := schedule.CheckShape(st.rows); err != nil {
			return err
		}

		w, err := fn(st)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{"loan_id": loanID, "operation": operation}).Warn("Ledger operation rejected")
			return err
		}
		if w == nil {
			return nil
		}

		today := l.today()
		allocation.RefreshAll(st.rows, today)
		st.loan.Summary = st.summarize(today)
		st.loan.Status = summary.NextStatus(st.loan.Status, st.loan.Summary, st.rows, today)
		st.loan.UpdatedAt = l.now()

		w.Loan = st.loan
		w.ExpectedVersion = st.loan.Version
		w.Rows = st.rows

		err = l.storage.SaveLedger(ctx, *w)
		if errors.Is(err, models.ErrConcurrentModification) && attempt < l.maxRetries {
			metrics.WriteConflicts.WithLabelValues(operation).Inc()
			log.WithFields(log.Fields{"loan_id": loanID, "operation": operation, "attempt": attempt + 1}).
				Warn("Ledger write conflict, retrying")
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to save ledger for loan %s: %w", loanID, err)
		}

		fields := log.Fields{
			"loan_id":   loanID,
			"operation": operation,
			"status":    st.loan.Status,
			"balance":   st.loan.Summary.OutstandingBalance.StringFixed(2),
		}
		if w.Repayment != nil {
			fields["transaction_id"] = w.Repayment.ID
			fields["amount"] = w.Repayment.Amount.StringFixed(2)
		}
		if w.Reversal != nil {
			fields["transaction_id"] = w.Reversal.TransactionID
		}
		if w.WriteOff != nil {
			fields["write_off_id"] = w.WriteOff.ID
			fields["amount"] = w.WriteOff.TotalAmount.StringFixed(2)
		}
		if w.WriteOffReversal != nil {
			fields["write_off_id"] = w.WriteOffReversal.WriteOffID
		}
		log.WithFields(fields).Info("Ledger updated")
		return nil
	}
}

func totalDue(rows []models.InstallmentRow) decimal.Decimal {
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.TotalDue)
	}
	return total
}
