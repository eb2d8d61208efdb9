package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InterestModel selects how interest is spread over the schedule.
type InterestModel string

const (
	InterestModelFlatRate        InterestModel = "FlatRate"
	InterestModelReducingBalance InterestModel = "ReducingBalance"
)

// RepaymentFrequency is the spacing between installment due dates.
type RepaymentFrequency string

const (
	FrequencyMonthly    RepaymentFrequency = "Monthly"
	FrequencyQuarterly  RepaymentFrequency = "Quarterly"
	FrequencyHalfYearly RepaymentFrequency = "HalfYearly"
	FrequencyYearly     RepaymentFrequency = "Yearly"
)

// Months returns the number of calendar months between two due dates, or 0
// when the frequency is not known.
func (f RepaymentFrequency) Months() int {
	switch f {
	case FrequencyMonthly:
		return 1
	case FrequencyQuarterly:
		return 3
	case FrequencyHalfYearly:
		return 6
	case FrequencyYearly:
		return 12
	}
	return 0
}

type LoanStatus string

const (
	LoanStatusDraft      LoanStatus = "Draft"
	LoanStatusDisbursed  LoanStatus = "Disbursed"
	LoanStatusActive     LoanStatus = "Active"
	LoanStatusOverdue    LoanStatus = "Overdue"
	LoanStatusCompleted  LoanStatus = "Completed"
	LoanStatusCancelled  LoanStatus = "Cancelled"
	LoanStatusWrittenOff LoanStatus = "WrittenOff"
)

// Booked reports whether a loan in this status counts towards the portfolio.
func (s LoanStatus) Booked() bool {
	return s != LoanStatusDraft && s != LoanStatusCancelled && s != ""
}

// Repayable reports whether repayments may be allocated against a loan in this status.
func (s LoanStatus) Repayable() bool {
	return s == LoanStatusDisbursed || s == LoanStatusActive || s == LoanStatusOverdue
}

// Terms are the inputs of the schedule generator.
type Terms struct {
	Principal     decimal.Decimal    `json:"principal"`
	AnnualRate    decimal.Decimal    `json:"annual_rate"` // percent, e.g. 12 for 12%
	InterestModel InterestModel      `json:"interest_model"`
	TermMonths    int                `json:"term_months"`
	Frequency     RepaymentFrequency `json:"frequency"`
	FirstDueDate  time.Time          `json:"first_due_date"`
}

// Equal reports whether two sets of terms would produce the same schedule.
func (t Terms) Equal(o Terms) bool {
	return t.Principal.Equal(o.Principal) &&
		t.AnnualRate.Equal(o.AnnualRate) &&
		t.InterestModel == o.InterestModel &&
		t.TermMonths == o.TermMonths &&
		t.Frequency == o.Frequency &&
		DateOf(t.FirstDueDate).Equal(DateOf(o.FirstDueDate))
}

// LoanSummary holds the cached aggregates of a loan. Every field is re-derivable
// from the installment ledger and the loan's live write-off.
type LoanSummary struct {
	TotalPrincipal      decimal.Decimal `json:"total_principal"`
	TotalInterest       decimal.Decimal `json:"total_interest"`
	TotalPayable        decimal.Decimal `json:"total_payable"`
	TotalRepaid         decimal.Decimal `json:"total_repaid"`
	WrittenOffAmount    decimal.Decimal `json:"written_off_amount"`
	OutstandingBalance  decimal.Decimal `json:"outstanding_balance"`
	OverdueAmount       decimal.Decimal `json:"overdue_amount"`
	NextDueDate         *time.Time      `json:"next_due_date,omitempty"`
	LastRepaymentDate   *time.Time      `json:"last_repayment_date,omitempty"`
	PaidInstallments    int             `json:"paid_installments"`
	OverdueInstallments int             `json:"overdue_installments"`
}

// Equal compares two summaries field by field.
func (s LoanSummary) Equal(o LoanSummary) bool {
	return s.TotalPrincipal.Equal(o.TotalPrincipal) &&
		s.TotalInterest.Equal(o.TotalInterest) &&
		s.TotalPayable.Equal(o.TotalPayable) &&
		s.TotalRepaid.Equal(o.TotalRepaid) &&
		s.WrittenOffAmount.Equal(o.WrittenOffAmount) &&
		s.OutstandingBalance.Equal(o.OutstandingBalance) &&
		s.OverdueAmount.Equal(o.OverdueAmount) &&
		sameDate(s.NextDueDate, o.NextDueDate) &&
		sameDate(s.LastRepaymentDate, o.LastRepaymentDate) &&
		s.PaidInstallments == o.PaidInstallments &&
		s.OverdueInstallments == o.OverdueInstallments
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

type Loan struct {
	ID          uuid.UUID   `json:"id"`
	MemberKey   string      `json:"member_key"` // Link to the external member registry
	Terms       Terms       `json:"terms"`
	Status      LoanStatus  `json:"status"`
	DisbursedOn *time.Time  `json:"disbursed_on,omitempty"`
	Summary     LoanSummary `json:"summary"`
	Version     int64       `json:"version"` // Optimistic lock, bumped on every write
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type InstallmentStatus string

const (
	InstallmentPending       InstallmentStatus = "Pending"
	InstallmentPartiallyPaid InstallmentStatus = "PartiallyPaid"
	InstallmentPaid          InstallmentStatus = "Paid"
	// InstallmentOverdue is only ever reported by DisplayStatus; it is not stored.
	InstallmentOverdue InstallmentStatus = "Overdue"
)

// InstallmentRow is one scheduled obligation of a loan.
type InstallmentRow struct {
	ID                 uuid.UUID         `json:"id"`
	LoanID             uuid.UUID         `json:"loan_id"`
	Sequence           int               `json:"sequence"`
	DueDate            time.Time         `json:"due_date"`
	PrincipalComponent decimal.Decimal   `json:"principal_component"`
	InterestComponent  decimal.Decimal   `json:"interest_component"`
	TotalDue           decimal.Decimal   `json:"total_due"`
	AmountPaid         decimal.Decimal   `json:"amount_paid"`
	Status             InstallmentStatus `json:"status"`
	Overdue            bool              `json:"overdue"`
}

// UnpaidBalance is what is still owed on the row.
func (r InstallmentRow) UnpaidBalance() decimal.Decimal {
	return r.TotalDue.Sub(r.AmountPaid)
}

// InterestPaid is the part of AmountPaid that went to interest. Payments on a row
// retire interest before principal.
func (r InstallmentRow) InterestPaid() decimal.Decimal {
	return decimal.Min(r.AmountPaid, r.InterestComponent)
}

// InterestDue is the interest still owed on the row.
func (r InstallmentRow) InterestDue() decimal.Decimal {
	return r.InterestComponent.Sub(r.InterestPaid())
}

// DisplayStatus folds the overdue flag into the status for reporting.
func (r InstallmentRow) DisplayStatus() InstallmentStatus {
	if r.Overdue {
		return InstallmentOverdue
	}
	return r.Status
}

// AllocationLine records how much of one repayment went to one installment.
type AllocationLine struct {
	InstallmentID uuid.UUID       `json:"installment_id"`
	Sequence      int             `json:"sequence"`
	DueDate       time.Time       `json:"due_date"`
	Applied       decimal.Decimal `json:"applied"`
	InterestPaid  decimal.Decimal `json:"interest_paid"`
	PrincipalPaid decimal.Decimal `json:"principal_paid"`
}

// RepaymentTransaction is the immutable record of one incoming payment.
// Cancellation is stored as a separate reversal, never as an edit.
type RepaymentTransaction struct {
	ID          uuid.UUID        `json:"id"`
	LoanID      uuid.UUID        `json:"loan_id"`
	Amount      decimal.Decimal  `json:"amount"`
	PaymentDate time.Time        `json:"payment_date"`
	Allocations []AllocationLine `json:"allocations"`
	CreatedAt   time.Time        `json:"created_at"`
	ReversedAt  *time.Time       `json:"reversed_at,omitempty"`
}

// Reversed reports whether a reversal has been recorded for the transaction.
func (t *RepaymentTransaction) Reversed() bool {
	return t.ReversedAt != nil
}

// PostingPlan is handed to the accounting collaborator after a repayment is
// allocated. It is never persisted here.
type PostingPlan struct {
	LoanID          uuid.UUID        `json:"loan_id"`
	TransactionID   uuid.UUID        `json:"transaction_id"`
	TotalAmount     decimal.Decimal  `json:"total_amount"`
	InterestAmount  decimal.Decimal  `json:"interest_amount"`
	PrincipalAmount decimal.Decimal  `json:"principal_amount"`
	PostingDate     time.Time        `json:"posting_date"`
	Allocations     []AllocationLine `json:"allocations"`
}

// WriteOff records the unpaid balance of a loan being written off as
// uncollectable. The installment rows are left as they were; a reversal is
// stamped on the record.
type WriteOff struct {
	ID              uuid.UUID       `json:"id"`
	LoanID          uuid.UUID       `json:"loan_id"`
	WrittenOffOn    time.Time       `json:"written_off_on"`
	PrincipalAmount decimal.Decimal `json:"principal_amount"`
	InterestAmount  decimal.Decimal `json:"interest_amount"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	Reason          string          `json:"reason"`
	CreatedAt       time.Time       `json:"created_at"`
	ReversedOn      *time.Time      `json:"reversed_on,omitempty"`
	ReversalReason  string          `json:"reversal_reason,omitempty"`
}

func (w *WriteOff) Reversed() bool {
	return w.ReversedOn != nil
}

// WriteOffCandidate is a loan whose oldest unpaid installment is long past due.
type WriteOffCandidate struct {
	LoanID        uuid.UUID       `json:"loan_id"`
	MemberKey     string          `json:"member_key"`
	Status        LoanStatus      `json:"status"`
	Outstanding   decimal.Decimal `json:"outstanding"`
	OldestDueDate time.Time       `json:"oldest_due_date"`
	DaysOverdue   int             `json:"days_overdue"`
}

// PortfolioSummary aggregates the cached summaries of booked loans. ByStatus
// counts every loan, drafts and cancelled ones included.
type PortfolioSummary struct {
	Loans             int                `json:"loans"`
	ByStatus          map[LoanStatus]int `json:"by_status"`
	TotalDisbursed    decimal.Decimal    `json:"total_disbursed"`
	TotalPayable      decimal.Decimal    `json:"total_payable"`
	TotalRepaid       decimal.Decimal    `json:"total_repaid"`
	TotalOutstanding  decimal.Decimal    `json:"total_outstanding"`
	TotalOverdue      decimal.Decimal    `json:"total_overdue"`
	TotalWrittenOff   decimal.Decimal    `json:"total_written_off"`
	AverageRate       decimal.Decimal    `json:"average_rate"`
	AverageTermMonths decimal.Decimal    `json:"average_term_months"`
}

// AgingBuckets splits overdue unpaid balances by days past due.
type AgingBuckets struct {
	Days1To30  decimal.Decimal `json:"days_1_30"`
	Days31To60 decimal.Decimal `json:"days_31_60"`
	Days61To90 decimal.Decimal `json:"days_61_90"`
	Days90Plus decimal.Decimal `json:"days_90_plus"`
}

// LoanStatement is the read model combining a loan with its ledger.
type LoanStatement struct {
	Loan       *Loan                   `json:"loan"`
	Summary    LoanSummary             `json:"summary"`
	Schedule   []InstallmentRow        `json:"schedule"`
	Repayments []*RepaymentTransaction `json:"repayments"`
	WriteOffs  []*WriteOff             `json:"write_offs"`
	Aging      AgingBuckets            `json:"aging"`
}
