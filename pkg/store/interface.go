package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/shgLoan/pkg/models"
)

// LedgerWrite is everything one ledger operation persists. SaveLedger applies it
// in a single database transaction.
type LedgerWrite struct {
	// Loan is written only if its stored version equals ExpectedVersion; the
	// stored version is then bumped and copied back into Loan.Version.
	Loan            *models.Loan
	ExpectedVersion int64

	// Rows is the complete installment ledger of the loan. Stored rows missing
	// from it are deleted.
	Rows []models.InstallmentRow

	// Repayment, when set, is inserted together with its allocation lines.
	Repayment *models.RepaymentTransaction

	// Reversal, when set, records the cancellation of an existing repayment.
	Reversal *Reversal

	// WriteOff, when set, is inserted as the loan's live write-off.
	WriteOff *models.WriteOff

	// WriteOffReversal, when set, stamps an existing write-off as reversed.
	WriteOffReversal *WriteOffReversal
}

// Reversal marks a repayment as cancelled.
type Reversal struct {
	TransactionID uuid.UUID
	ReversedAt    time.Time
	Reason        string
}

// WriteOffReversal marks a write-off as reversed.
type WriteOffReversal struct {
	WriteOffID uuid.UUID
	ReversedOn time.Time
	Reason     string
}

// Storage defines the interface for database operations related to loans and their ledgers.
type Storage interface {
	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	DeleteLoan(ctx context.Context, id uuid.UUID) error
	GetAllLoans(ctx context.Context) ([]*models.Loan, error)
	GetLoansByStatus(ctx context.Context, statuses ...models.LoanStatus) ([]*models.Loan, error)

	GetSchedule(ctx context.Context, loanID uuid.UUID) ([]models.InstallmentRow, error)
	SaveLedger(ctx context.Context, write LedgerWrite) error

	GetRepayment(ctx context.Context, id uuid.UUID) (*models.RepaymentTransaction, error)
	GetRepaymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.RepaymentTransaction, error)

	GetWriteOffs(ctx context.Context, loanID uuid.UUID) ([]*models.WriteOff, error)

	Close() error
}
