// Package schedule builds amortization schedules from loan terms.
//
// Everything here is a pure function of its inputs: group-wide settings arrive
// as an explicit Defaults value instead of being read from global state.
package schedule

import (
	"github.com/mcclellann/shgLoan/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	hundred     = decimal.NewFromInt(100)
	twelve      = decimal.NewFromInt(12)
	monthlyBase = decimal.NewFromInt(1200)
	one         = decimal.NewFromInt(1)
	cent        = decimal.New(1, -2)
)

// factorPrecision bounds the digits kept while compounding (1+i)^n.
const factorPrecision = 20

// Defaults are the group-wide settings applied to terms that leave a field unset.
type Defaults struct {
	AnnualRate    decimal.Decimal
	InterestModel models.InterestModel
	Frequency     models.RepaymentFrequency
}

// Apply fills the interest model and frequency when they are empty.
func (d Defaults) Apply(t models.Terms) models.Terms {
	if t.InterestModel == "" {
		t.InterestModel = d.InterestModel
	}
	if t.Frequency == "" {
		t.Frequency = d.Frequency
	}
	return t
}

// Validate rejects terms the generator cannot work with.
func Validate(t models.Terms) error {
	switch {
	case !t.Principal.IsPositive():
		return &models.TermsError{Field: "principal", Reason: "must be greater than zero"}
	case !t.Principal.Equal(t.Principal.Round(2)):
		return &models.TermsError{Field: "principal", Reason: "must have at most 2 decimal places"}
	case t.TermMonths <= 0:
		return &models.TermsError{Field: "term_months", Reason: "must be greater than zero"}
	case t.AnnualRate.IsNegative():
		return &models.TermsError{Field: "annual_rate", Reason: "must not be negative"}
	case t.Frequency.Months() == 0:
		return &models.TermsError{Field: "frequency", Reason: "is not a known repayment frequency"}
	case t.InterestModel != models.InterestModelFlatRate && t.InterestModel != models.InterestModelReducingBalance:
		return &models.TermsError{Field: "interest_model", Reason: "is not a known interest model"}
	case t.FirstDueDate.IsZero():
		return &models.TermsError{Field: "first_due_date", Reason: "is required"}
	}
	return nil
}

// Generate returns the full schedule for the terms. Rows carry no IDs; the
// caller assigns them when attaching the schedule to a loan.
func Generate(t models.Terms) ([]models.InstallmentRow, error) {
	if err := Validate(t); err != nil {
		return nil, err
	}

	var principal, interest []decimal.Decimal
	if t.InterestModel == models.InterestModelFlatRate {
		principal, interest = flatRate(t)
	} else {
		principal, interest = reducingBalance(t)
	}

	first := models.DateOf(t.FirstDueDate)
	step := t.Frequency.Months()
	rows := make([]models.InstallmentRow, t.TermMonths)
	for k := range rows {
		rows[k] = models.InstallmentRow{
			Sequence:           k + 1,
			DueDate:            models.AddMonths(first, k*step),
			PrincipalComponent: principal[k],
			InterestComponent:  interest[k],
			TotalDue:           principal[k].Add(interest[k]),
			AmountPaid:         decimal.Zero,
			Status:             models.InstallmentPending,
		}
	}
	return rows, nil
}

// flatRate charges interest once on the original principal: I = P * r/100 * n/12.
// Leftover cents of the principal go to the final rows and leftover cents of the
// interest to the first rows, so installment totals differ by at most one cent.
func flatRate(t models.Terms) ([]decimal.Decimal, []decimal.Decimal) {
	n := t.TermMonths
	months := decimal.NewFromInt(int64(n))
	totalInterest := t.Principal.Mul(t.AnnualRate).Div(hundred).Mul(months).Div(twelve).Round(2)
	return spreadCents(t.Principal, n, true), spreadCents(totalInterest, n, false)
}

// spreadCents splits an amount into n cent-exact parts. The remainder cents are
// added one each to the last rows when toTail is set, otherwise to the first rows.
func spreadCents(amount decimal.Decimal, n int, toTail bool) []decimal.Decimal {
	cents := amount.Shift(2).IntPart()
	base := cents / int64(n)
	rem := int(cents % int64(n))

	parts := make([]decimal.Decimal, n)
	for k := range parts {
		c := base
		if (toTail && k >= n-rem) || (!toTail && k < rem) {
			c++
		}
		parts[k] = decimal.New(c, -2)
	}
	return parts
}

// reducingBalance produces a level payment E = P*i*(1+i)^n / ((1+i)^n - 1) with
// i = r/1200. Each row is rounded to cents and the final row takes whatever
// principal remains. When rounding would leave the final row with less
// principal than the one before it, the payment drops a cent at a time until
// the principal components are non-decreasing again.
func reducingBalance(t models.Terms) ([]decimal.Decimal, []decimal.Decimal) {
	rate := t.AnnualRate.Div(monthlyBase)
	payment := LevelPayment(t.Principal, t.AnnualRate, t.TermMonths)
	for {
		principal, interest := amortize(t.Principal, rate, payment, t.TermMonths)
		if nonDecreasing(principal) || !payment.IsPositive() {
			return principal, interest
		}
		payment = payment.Sub(cent)
	}
}

func amortize(amount, rate, payment decimal.Decimal, n int) ([]decimal.Decimal, []decimal.Decimal) {
	principal := make([]decimal.Decimal, n)
	interest := make([]decimal.Decimal, n)
	remaining := amount
	for k := 0; k < n; k++ {
		interest[k] = remaining.Mul(rate).Round(2)
		p := payment.Sub(interest[k])
		if k == n-1 || p.GreaterThan(remaining) {
			p = remaining
		}
		if p.IsNegative() {
			p = decimal.Zero
		}
		principal[k] = p
		remaining = remaining.Sub(p)
	}
	return principal, interest
}

func nonDecreasing(parts []decimal.Decimal) bool {
	for k := 1; k < len(parts); k++ {
		if parts[k].LessThan(parts[k-1]) {
			return false
		}
	}
	return true
}

// LevelPayment is the rounded equal installment of a reducing-balance loan.
// Generate may settle a cent lower to keep the final row's principal in line.
func LevelPayment(principal, annualRate decimal.Decimal, n int) decimal.Decimal {
	rate := annualRate.Div(monthlyBase)
	if rate.IsZero() {
		return principal.Div(decimal.NewFromInt(int64(n))).Round(2)
	}
	factor := one
	base := one.Add(rate)
	for k := 0; k < n; k++ {
		factor = factor.Mul(base).Round(factorPrecision)
	}
	return principal.Mul(rate).Mul(factor).Div(factor.Sub(one)).Round(2)
}
