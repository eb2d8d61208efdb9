// Package posting hands allocation results to the accounting side.
package posting

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/shgLoan/pkg/models"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// NewPlan builds the posting plan of one allocated repayment.
func NewPlan(loanID, transactionID uuid.UUID, postingDate time.Time, lines []models.AllocationLine) models.PostingPlan {
	plan := models.PostingPlan{
		LoanID:          loanID,
		TransactionID:   transactionID,
		TotalAmount:     decimal.Zero,
		InterestAmount:  decimal.Zero,
		PrincipalAmount: decimal.Zero,
		PostingDate:     models.DateOf(postingDate),
		Allocations:     make([]models.AllocationLine, 0, len(lines)),
	}
	for _, l := range lines {
		if !l.Applied.IsPositive() {
			continue
		}
		plan.TotalAmount = plan.TotalAmount.Add(l.Applied)
		plan.InterestAmount = plan.InterestAmount.Add(l.InterestPaid)
		plan.PrincipalAmount = plan.PrincipalAmount.Add(l.PrincipalPaid)
		plan.Allocations = append(plan.Allocations, l)
	}
	return plan
}

// NewWriteOffPlan builds the posting plan that moves a written-off balance from
// the loan receivable to the write-off account. The write-off ID stands in for
// the transaction ID.
func NewWriteOffPlan(w *models.WriteOff, postingDate time.Time) models.PostingPlan {
	return models.PostingPlan{
		LoanID:          w.LoanID,
		TransactionID:   w.ID,
		TotalAmount:     w.TotalAmount,
		InterestAmount:  w.InterestAmount,
		PrincipalAmount: w.PrincipalAmount,
		PostingDate:     models.DateOf(postingDate),
		Allocations:     []models.AllocationLine{},
	}
}

// Publisher receives plans after the ledger write has committed. A Publisher
// error never undoes the ledger change.
type Publisher interface {
	PublishRepayment(ctx context.Context, plan models.PostingPlan) error
	PublishReversal(ctx context.Context, plan models.PostingPlan) error
	PublishWriteOff(ctx context.Context, plan models.PostingPlan) error
	PublishWriteOffReversal(ctx context.Context, plan models.PostingPlan) error
}

// LogPublisher writes plans to the log for a downstream shipper to pick up.
type LogPublisher struct {
	logger *log.Logger
}

func NewLogPublisher(logger *log.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishRepayment(_ context.Context, plan models.PostingPlan) error {
	p.entry(plan).Info("Repayment posting plan ready")
	return nil
}

func (p *LogPublisher) PublishReversal(_ context.Context, plan models.PostingPlan) error {
	p.entry(plan).Info("Reversal posting plan ready")
	return nil
}

func (p *LogPublisher) PublishWriteOff(_ context.Context, plan models.PostingPlan) error {
	p.entry(plan).Info("Write-off posting plan ready")
	return nil
}

func (p *LogPublisher) PublishWriteOffReversal(_ context.Context, plan models.PostingPlan) error {
	p.entry(plan).Info("Write-off reversal posting plan ready")
	return nil
}

func (p *LogPublisher) entry(plan models.PostingPlan) *log.Entry {
	return p.logger.WithFields(log.Fields{
		"loan_id":        plan.LoanID,
		"transaction_id": plan.TransactionID,
		"posting_date":   plan.PostingDate.Format(models.DateLayout),
		"total":          plan.TotalAmount.StringFixed(2),
		"interest":       plan.InterestAmount.StringFixed(2),
		"principal":      plan.PrincipalAmount.StringFixed(2),
		"rows":           len(plan.Allocations),
	})
}

// Recorder keeps published plans in memory.
type Recorder struct {
	mu                sync.Mutex
	Repayments        []models.PostingPlan
	Reversals         []models.PostingPlan
	WriteOffs         []models.PostingPlan
	WriteOffReversals []models.PostingPlan
}

func (r *Recorder) PublishRepayment(_ context.Context, plan models.PostingPlan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Repayments = append(r.Repayments, plan)
	return nil
}

func (r *Recorder) PublishReversal(_ context.Context, plan models.PostingPlan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Reversals = append(r.Reversals, plan)
	return nil
}

func (r *Recorder) PublishWriteOff(_ context.Context, plan models.PostingPlan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.WriteOffs = append(r.WriteOffs, plan)
	return nil
}

func (r *Recorder) PublishWriteOffReversal(_ context.Context, plan models.PostingPlan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.WriteOffReversals = append(r.WriteOffReversals, plan)
	return nil
}
