package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTerms                  = errors.New("invalid loan terms")
	ErrScheduleLocked                = errors.New("schedule is locked by partially paid installments")
	ErrOverpaymentExceedsOutstanding = errors.New("repayment exceeds outstanding balance")
	ErrInvalidAmount                 = errors.New("repayment amount must be positive")
	ErrUnknownLoan                   = errors.New("loan not found")
	ErrUnknownTransaction            = errors.New("repayment transaction not found")
	ErrConcurrentModification        = errors.New("loan was modified concurrently")
	ErrInvalidState                  = errors.New("operation not allowed in current loan status")
	ErrAlreadyReversed               = errors.New("repayment already reversed")
	ErrCorruptLedger                 = errors.New("installment ledger is inconsistent")
)

// TermsError names the term that failed validation.
type TermsError struct {
	Field  string
	Reason string
}

func (e *TermsError) Error() string {
	return fmt.Sprintf("invalid loan terms: %s %s", e.Field, e.Reason)
}

func (e *TermsError) Is(target error) bool {
	return target == ErrInvalidTerms
}

// OverpaymentError is returned when a repayment is larger than what is still owed.
type OverpaymentError struct {
	Attempted   decimal.Decimal
	Outstanding decimal.Decimal
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("repayment of %s exceeds outstanding balance of %s",
		e.Attempted.StringFixed(2), e.Outstanding.StringFixed(2))
}

func (e *OverpaymentError) Is(target error) bool {
	return target == ErrOverpaymentExceedsOutstanding
}
