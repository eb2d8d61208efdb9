package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/mcclellann/shgLoan/pkg/models"
	log "github.com/sirupsen/logrus"
)

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	// One connection keeps PRAGMAs in force and serializes writers.
	db.SetMaxOpenConns(1)

	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	_, err = db.Exec("PRAGMA journal_mode = WAL;")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	log.WithField("path", dataSourceName).Info("Database connection established and schema initialized")
	return s, nil
}

// initSchema creates the database tables if they don't already exist.
// Decimals are stored as TEXT so no precision is lost; dates as YYYY-MM-DD TEXT.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		member_key TEXT NOT NULL,
		principal TEXT NOT NULL,
		annual_rate TEXT NOT NULL,
		interest_model TEXT NOT NULL,
		term_months INTEGER NOT NULL,
		frequency TEXT NOT NULL,
		first_due_date TEXT NOT NULL,
		status TEXT NOT NULL,
		disbursed_on TEXT,
		total_principal TEXT NOT NULL DEFAULT '0',
		total_interest TEXT NOT NULL DEFAULT '0',
		total_payable TEXT NOT NULL DEFAULT '0',
		total_repaid TEXT NOT NULL DEFAULT '0',
		written_off_amount TEXT NOT NULL DEFAULT '0',
		outstanding_balance TEXT NOT NULL DEFAULT '0',
		overdue_amount TEXT NOT NULL DEFAULT '0',
		next_due_date TEXT,
		last_repayment_date TEXT,
		paid_installments INTEGER NOT NULL DEFAULT 0,
		overdue_installments INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS installments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		due_date TEXT NOT NULL,
		principal_component TEXT NOT NULL,
		interest_component TEXT NOT NULL,
		total_due TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		status TEXT NOT NULL,
		overdue INTEGER NOT NULL DEFAULT 0,
		UNIQUE(loan_id, sequence),
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS repayments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		payment_date TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS repayment_allocations (
		transaction_id TEXT NOT NULL,
		installment_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		due_date TEXT NOT NULL,
		applied TEXT NOT NULL,
		interest_paid TEXT NOT NULL,
		principal_paid TEXT NOT NULL,
		PRIMARY KEY(transaction_id, installment_id),
		FOREIGN KEY(transaction_id) REFERENCES repayments(id)
	);
	CREATE TABLE IF NOT EXISTS repayment_reversals (
		transaction_id TEXT PRIMARY KEY,
		reversed_at TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		FOREIGN KEY(transaction_id) REFERENCES repayments(id)
	);
	CREATE TABLE IF NOT EXISTS loan_write_offs (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		written_off_on TEXT NOT NULL,
		principal_amount TEXT NOT NULL,
		interest_amount TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		reversed_on TEXT,
		reversal_reason TEXT NOT NULL DEFAULT '',
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE INDEX IF NOT EXISTS idx_installments_loan ON installments(loan_id, due_date);
	CREATE INDEX IF NOT EXISTS idx_repayments_loan ON repayments(loan_id, payment_date);
	`
	_, err := s.db.Exec(schema)
	return err
}

const loanColumns = `id, member_key, principal, annual_rate, interest_model, term_months, frequency, first_due_date,
	status, disbursed_on, total_principal, total_interest, total_payable, total_repaid, written_off_amount, outstanding_balance,
	overdue_amount, next_due_date, last_repayment_date, paid_installments, overdue_installments, version,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var idStr, firstDue string
	var disbursedOn, nextDue, lastRepayment sql.NullString
	err := row.Scan(&idStr, &loan.MemberKey, &loan.Terms.Principal, &loan.Terms.AnnualRate, &loan.Terms.InterestModel,
		&loan.Terms.TermMonths, &loan.Terms.Frequency, &firstDue, &loan.Status, &disbursedOn,
		&loan.Summary.TotalPrincipal, &loan.Summary.TotalInterest, &loan.Summary.TotalPayable, &loan.Summary.TotalRepaid,
		&loan.Summary.WrittenOffAmount, &loan.Summary.OutstandingBalance, &loan.Summary.OverdueAmount, &nextDue, &lastRepayment,
		&loan.Summary.PaidInstallments, &loan.Summary.OverdueInstallments, &loan.Version, &loan.CreatedAt, &loan.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if loan.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("invalid loan id %q: %w", idStr, err)
	}
	if loan.Terms.FirstDueDate, err = models.ParseDate(firstDue); err != nil {
		return nil, fmt.Errorf("invalid first due date %q: %w", firstDue, err)
	}
	if loan.DisbursedOn, err = parseNullDate(disbursedOn); err != nil {
		return nil, err
	}
	if loan.Summary.NextDueDate, err = parseNullDate(nextDue); err != nil {
		return nil, err
	}
	if loan.Summary.LastRepaymentDate, err = parseNullDate(lastRepayment); err != nil {
		return nil, err
	}
	return &loan, nil
}

// CreateLoan inserts a new loan into the database.
func (s *SQLiteStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	if loan.Version == 0 {
		loan.Version = 1
	}
	sum := loan.Summary
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.MemberKey, loan.Terms.Principal, loan.Terms.AnnualRate, loan.Terms.InterestModel,
		loan.Terms.TermMonths, loan.Terms.Frequency, formatDate(loan.Terms.FirstDueDate), loan.Status, nullDate(loan.DisbursedOn),
		sum.TotalPrincipal, sum.TotalInterest, sum.TotalPayable, sum.TotalRepaid, sum.WrittenOffAmount,
		sum.OutstandingBalance, sum.OverdueAmount,
		nullDate(sum.NextDueDate), nullDate(sum.LastRepaymentDate), sum.PaidInstallments, sum.OverdueInstallments,
		loan.Version, loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan by its ID.
func (s *SQLiteStore) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrUnknownLoan
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// DeleteLoan removes a loan and everything it owns within a transaction.
func (s *SQLiteStore) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cleanup := []string{
		`DELETE FROM repayment_reversals WHERE transaction_id IN (SELECT id FROM repayments WHERE loan_id = ?)`,
		`DELETE FROM repayment_allocations WHERE transaction_id IN (SELECT id FROM repayments WHERE loan_id = ?)`,
		`DELETE FROM repayments WHERE loan_id = ?`,
		`DELETE FROM installments WHERE loan_id = ?`,
		`DELETE FROM loan_write_offs WHERE loan_id = ?`,
	}
	for _, q := range cleanup {
		if _, err := tx.ExecContext(ctx, q, id.String()); err != nil {
			return fmt.Errorf("failed to delete associated records: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM loans WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return models.ErrUnknownLoan
	}
	return tx.Commit()
}

// GetAllLoans retrieves all loans.
func (s *SQLiteStore) GetAllLoans(ctx context.Context) ([]*models.Loan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+loanColumns+` FROM loans ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all loans: %w", err)
	}
	defer rows.Close()

	return s.scanLoans(rows)
}

// GetLoansByStatus retrieves the loans in any of the given statuses.
func (s *SQLiteStore) GetLoansByStatus(ctx context.Context, statuses ...models.LoanStatus) ([]*models.Loan, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for k, st := range statuses {
		args[k] = string(st)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE status IN (`+placeholders(len(args))+`) ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get loans by status: %w", err)
	}
	defer rows.Close()

	return s.scanLoans(rows)
}

func (s *SQLiteStore) scanLoans(rows *sql.Rows) ([]*models.Loan, error) {
	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

// GetSchedule returns the installment ledger of a loan in sequence order.
func (s *SQLiteStore) GetSchedule(ctx context.Context, loanID uuid.UUID) ([]models.InstallmentRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, loan_id, sequence, due_date, principal_component, interest_component, total_due, amount_paid, status, overdue
		FROM installments WHERE loan_id = ? ORDER BY sequence ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var schedule []models.InstallmentRow
	for rows.Next() {
		var r models.InstallmentRow
		var idStr, loanIDStr, due string
		if err := rows.Scan(&idStr, &loanIDStr, &r.Sequence, &due, &r.PrincipalComponent, &r.InterestComponent,
			&r.TotalDue, &r.AmountPaid, &r.Status, &r.Overdue); err != nil {
			return nil, fmt.Errorf("failed to scan installment row: %w", err)
		}
		if r.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("invalid installment id %q: %w", idStr, err)
		}
		if r.LoanID, err = uuid.Parse(loanIDStr); err != nil {
			return nil, fmt.Errorf("invalid loan id %q: %w", loanIDStr, err)
		}
		if r.DueDate, err = models.ParseDate(due); err != nil {
			return nil, fmt.Errorf("invalid due date %q: %w", due, err)
		}
		schedule = append(schedule, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for loan schedule: %w", err)
	}
	return schedule, nil
}

// SaveLedger persists one ledger operation atomically.
func (s *SQLiteStore) SaveLedger(ctx context.Context, w LedgerWrite) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := updateLoan(ctx, tx, w.Loan, w.ExpectedVersion); err != nil {
		return err
	}
	if err := replaceRows(ctx, tx, w.Loan.ID, w.Rows); err != nil {
		return err
	}
	if w.Repayment != nil {
		if err := insertRepayment(ctx, tx, w.Repayment); err != nil {
			return err
		}
	}
	if w.Reversal != nil {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO repayment_reversals (transaction_id, reversed_at, reason) VALUES (?, ?, ?)`,
			w.Reversal.TransactionID.String(), formatDate(w.Reversal.ReversedAt), w.Reversal.Reason)
		if err != nil {
			if isConstraint(err, sqlite3.ErrConstraintPrimaryKey) {
				return models.ErrAlreadyReversed
			}
			return fmt.Errorf("failed to record reversal: %w", err)
		}
	}
	if w.WriteOff != nil {
		if err := insertWriteOff(ctx, tx, w.WriteOff); err != nil {
			return err
		}
	}
	if w.WriteOffReversal != nil {
		if err := reverseWriteOff(ctx, tx, w.Loan.ID, w.WriteOffReversal); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger write: %w", err)
	}
	w.Loan.Version = w.ExpectedVersion + 1
	return nil
}

func updateLoan(ctx context.Context, tx *sql.Tx, loan *models.Loan, expected int64) error {
	sum := loan.Summary
	result, err := tx.ExecContext(ctx,
		`UPDATE loans SET member_key = ?, principal = ?, annual_rate = ?, interest_model = ?, term_months = ?, frequency = ?,
		first_due_date = ?, status = ?, disbursed_on = ?, total_principal = ?, total_interest = ?, total_payable = ?,
		total_repaid = ?, written_off_amount = ?, outstanding_balance = ?, overdue_amount = ?, next_due_date = ?, last_repayment_date = ?,
		paid_installments = ?, overdue_installments = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		loan.MemberKey, loan.Terms.Principal, loan.Terms.AnnualRate, loan.Terms.InterestModel, loan.Terms.TermMonths,
		loan.Terms.Frequency, formatDate(loan.Terms.FirstDueDate), loan.Status, nullDate(loan.DisbursedOn),
		sum.TotalPrincipal, sum.TotalInterest, sum.TotalPayable, sum.TotalRepaid, sum.WrittenOffAmount,
		sum.OutstandingBalance, sum.OverdueAmount,
		nullDate(sum.NextDueDate), nullDate(sum.LastRepaymentDate), sum.PaidInstallments, sum.OverdueInstallments,
		loan.UpdatedAt, loan.ID.String(), expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 1 {
		return nil
	}

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM loans WHERE id = ?`, loan.ID.String()).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check loan: %w", err)
	}
	if exists == 0 {
		return models.ErrUnknownLoan
	}
	return models.ErrConcurrentModification
}

func replaceRows(ctx context.Context, tx *sql.Tx, loanID uuid.UUID, rows []models.InstallmentRow) error {
	// Stale rows go first so regenerated rows can take over their sequence numbers.
	args := []any{loanID.String()}
	q := `DELETE FROM installments WHERE loan_id = ?`
	if len(rows) > 0 {
		for _, r := range rows {
			args = append(args, r.ID.String())
		}
		q += ` AND id NOT IN (` + placeholders(len(rows)) + `)`
	}
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("failed to remove replaced installments: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO installments (id, loan_id, sequence, due_date, principal_component, interest_component, total_due, amount_paid, status, overdue)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET sequence = excluded.sequence, due_date = excluded.due_date,
			principal_component = excluded.principal_component, interest_component = excluded.interest_component,
			total_due = excluded.total_due, amount_paid = excluded.amount_paid, status = excluded.status, overdue = excluded.overdue`)
	if err != nil {
		return fmt.Errorf("failed to prepare installment upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.ID.String(), loanID.String(), r.Sequence, formatDate(r.DueDate),
			r.PrincipalComponent, r.InterestComponent, r.TotalDue, r.AmountPaid, r.Status, r.Overdue); err != nil {
			return fmt.Errorf("failed to write installment %d: %w", r.Sequence, err)
		}
	}
	return nil
}

func insertRepayment(ctx context.Context, tx *sql.Tx, t *models.RepaymentTransaction) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO repayments (id, loan_id, amount, payment_date, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID.String(), t.LoanID.String(), t.Amount, formatDate(t.PaymentDate), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create repayment: %w", err)
	}
	for _, l := range t.Allocations {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO repayment_allocations (transaction_id, installment_id, sequence, due_date, applied, interest_paid, principal_paid)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.ID.String(), l.InstallmentID.String(), l.Sequence, formatDate(l.DueDate), l.Applied, l.InterestPaid, l.PrincipalPaid)
		if err != nil {
			return fmt.Errorf("failed to create allocation for installment %d: %w", l.Sequence, err)
		}
	}
	return nil
}

const repaymentQuery = `SELECT r.id, r.loan_id, r.amount, r.payment_date, r.created_at, v.reversed_at
	FROM repayments r LEFT JOIN repayment_reversals v ON v.transaction_id = r.id`

// GetRepayment retrieves one repayment with its allocation lines.
func (s *SQLiteStore) GetRepayment(ctx context.Context, id uuid.UUID) (*models.RepaymentTransaction, error) {
	rows, err := s.db.QueryContext(ctx, repaymentQuery+` WHERE r.id = ?`, id.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get repayment: %w", err)
	}
	txs, err := s.scanRepayments(ctx, rows)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, models.ErrUnknownTransaction
	}
	return txs[0], nil
}

// GetRepaymentsForLoan retrieves all repayments of a loan, oldest first.
func (s *SQLiteStore) GetRepaymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.RepaymentTransaction, error) {
	rows, err := s.db.QueryContext(ctx, repaymentQuery+` WHERE r.loan_id = ? ORDER BY r.payment_date ASC, r.created_at ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get repayments for loan %s: %w", loanID, err)
	}
	return s.scanRepayments(ctx, rows)
}

func (s *SQLiteStore) scanRepayments(ctx context.Context, rows *sql.Rows) ([]*models.RepaymentTransaction, error) {
	var txs []*models.RepaymentTransaction
	for rows.Next() {
		var t models.RepaymentTransaction
		var idStr, loanIDStr, paid string
		var reversed sql.NullString
		if err := rows.Scan(&idStr, &loanIDStr, &t.Amount, &paid, &t.CreatedAt, &reversed); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan repayment row: %w", err)
		}
		var err error
		if t.ID, err = uuid.Parse(idStr); err == nil {
			t.LoanID, err = uuid.Parse(loanIDStr)
		}
		if err == nil {
			t.PaymentDate, err = models.ParseDate(paid)
		}
		if err == nil {
			t.ReversedAt, err = parseNullDate(reversed)
		}
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("invalid repayment row: %w", err)
		}
		txs = append(txs, &t)
	}
	err := rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("error during rows iteration for repayments: %w", err)
	}

	// Lines are read after the header cursor is closed: the store runs on one connection.
	for _, t := range txs {
		if t.Allocations, err = s.getAllocations(ctx, t.ID); err != nil {
			return nil, err
		}
	}
	return txs, nil
}

func (s *SQLiteStore) getAllocations(ctx context.Context, transactionID uuid.UUID) ([]models.AllocationLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT installment_id, sequence, due_date, applied, interest_paid, principal_paid
		FROM repayment_allocations WHERE transaction_id = ? ORDER BY sequence ASC`, transactionID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get allocations for repayment %s: %w", transactionID, err)
	}
	defer rows.Close()

	lines := []models.AllocationLine{}
	for rows.Next() {
		var l models.AllocationLine
		var idStr, due string
		if err := rows.Scan(&idStr, &l.Sequence, &due, &l.Applied, &l.InterestPaid, &l.PrincipalPaid); err != nil {
			return nil, fmt.Errorf("failed to scan allocation row: %w", err)
		}
		if l.InstallmentID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("invalid installment id %q: %w", idStr, err)
		}
		if l.DueDate, err = models.ParseDate(due); err != nil {
			return nil, fmt.Errorf("invalid due date %q: %w", due, err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for allocations: %w", err)
	}
	return lines, nil
}

func insertWriteOff(ctx context.Context, tx *sql.Tx, w *models.WriteOff) error {
	var live int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM loan_write_offs WHERE loan_id = ? AND reversed_on IS NULL`, w.LoanID.String()).Scan(&live); err != nil {
		return fmt.Errorf("failed to check write-offs: %w", err)
	}
	if live > 0 {
		return fmt.Errorf("loan %s is already written off: %w", w.LoanID, models.ErrInvalidState)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO loan_write_offs (id, loan_id, written_off_on, principal_amount, interest_amount, total_amount, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID.String(), w.LoanID.String(), formatDate(w.WrittenOffOn), w.PrincipalAmount, w.InterestAmount, w.TotalAmount,
		w.Reason, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record write-off: %w", err)
	}
	return nil
}

func reverseWriteOff(ctx context.Context, tx *sql.Tx, loanID uuid.UUID, r *WriteOffReversal) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE loan_write_offs SET reversed_on = ?, reversal_reason = ? WHERE id = ? AND loan_id = ? AND reversed_on IS NULL`,
		formatDate(r.ReversedOn), r.Reason, r.WriteOffID.String(), loanID.String())
	if err != nil {
		return fmt.Errorf("failed to reverse write-off: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("write-off %s is not live: %w", r.WriteOffID, models.ErrInvalidState)
	}
	return nil
}

// GetWriteOffs returns every write-off of a loan, reversed ones included, oldest first.
func (s *SQLiteStore) GetWriteOffs(ctx context.Context, loanID uuid.UUID) ([]*models.WriteOff, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, loan_id, written_off_on, principal_amount, interest_amount, total_amount, reason, created_at,
		reversed_on, reversal_reason
		FROM loan_write_offs WHERE loan_id = ? ORDER BY written_off_on ASC, created_at ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get write-offs for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	writeOffs := []*models.WriteOff{}
	for rows.Next() {
		var w models.WriteOff
		var idStr, loanIDStr, on string
		var reversed sql.NullString
		if err := rows.Scan(&idStr, &loanIDStr, &on, &w.PrincipalAmount, &w.InterestAmount, &w.TotalAmount, &w.Reason,
			&w.CreatedAt, &reversed, &w.ReversalReason); err != nil {
			return nil, fmt.Errorf("failed to scan write-off row: %w", err)
		}
		if w.ID, err = uuid.Parse(idStr); err == nil {
			w.LoanID, err = uuid.Parse(loanIDStr)
		}
		if err == nil {
			w.WrittenOffOn, err = models.ParseDate(on)
		}
		if err == nil {
			w.ReversedOn, err = parseNullDate(reversed)
		}
		if err != nil {
			return nil, fmt.Errorf("invalid write-off row: %w", err)
		}
		writeOffs = append(writeOffs, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for write-offs: %w", err)
	}
	return writeOffs, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func formatDate(t time.Time) string {
	return models.DateOf(t).Format(models.DateLayout)
}

func nullDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatDate(*t), Valid: true}
}

func parseNullDate(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := models.ParseDate(ns.String)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", ns.String, err)
	}
	return &t, nil
}

func isConstraint(err error, code sqlite3.ErrNoExtended) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == code
}
