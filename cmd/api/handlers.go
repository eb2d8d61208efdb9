package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/shgLoan/pkg/ledger"
	"github.com/mcclellann/shgLoan/pkg/models"
	"github.com/mcclellann/shgLoan/pkg/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// Server holds the ledger instance.
type Server struct {
	ledger  *ledger.Ledger
	storage store.Storage // Keep a reference to the storage to close it
}

func NewServer(s store.Storage, opts ...ledger.Option) *Server {
	return &Server{
		ledger:  ledger.NewLedger(s, opts...),
		storage: s,
	}
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(requestLogger)

	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}", s.deleteLoanHandler).Methods("DELETE")
	router.HandleFunc("/loans/{id}/disburse", s.disburseLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/cancel", s.cancelLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/terms", s.amendTermsHandler).Methods("PUT")
	router.HandleFunc("/loans/{id}/schedule", s.scheduleHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/statement", s.statementHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/verify", s.verifyHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/recompute", s.recomputeHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/repayments", s.listRepaymentsHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/repayments", s.allocateRepaymentHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/write-off", s.writeOffHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/write-off/reverse", s.reverseWriteOffHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/write-offs", s.listWriteOffsHandler).Methods("GET")
	router.HandleFunc("/repayments/{id}/reverse", s.reverseRepaymentHandler).Methods("POST")
	router.HandleFunc("/write-offs/candidates", s.writeOffCandidatesHandler).Methods("GET")
	router.HandleFunc("/portfolio", s.portfolioHandler).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return router
}

// refreshOverdue is the scheduled overdue job.
func (s *Server) refreshOverdue() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	log.Info("Running overdue refresh...")
	if _, err := s.ledger.RefreshOverdue(ctx); err != nil {
		log.WithError(err).Error("Overdue refresh failed")
	}
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemberKey     string                    `json:"member_key"`
		Principal     decimal.Decimal           `json:"principal"`
		AnnualRate    *decimal.Decimal          `json:"annual_rate"`
		InterestModel models.InterestModel      `json:"interest_model"`
		TermMonths    int                       `json:"term_months"`
		Frequency     models.RepaymentFrequency `json:"frequency"`
		FirstDueDate  string                    `json:"first_due_date"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	firstDue, err := parseDate(req.FirstDueDate)
	if err != nil {
		http.Error(w, "Invalid first_due_date", http.StatusBadRequest)
		return
	}

	loan, err := s.ledger.CreateLoan(r.Context(), ledger.LoanApplication{
		MemberKey:     req.MemberKey,
		Principal:     req.Principal,
		AnnualRate:    req.AnnualRate,
		InterestModel: req.InterestModel,
		TermMonths:    req.TermMonths,
		Frequency:     req.Frequency,
		FirstDueDate:  firstDue,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r)
	if !ok {
		return
	}
	loan, err := s.ledger.GetLoan(r.Context(), loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.ledger.GetAllLoans(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if loans == nil {
		loans = []*models.Loan{}
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) deleteLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.ledger.DeleteLoan(r.Context(), loanID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) disburseLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		DisbursedOn string `json:"disbursed_on"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	on, err := parseDate(req.DisbursedOn)
	if err != nil {
		http.Error(w, "Invalid disbursed_on", http.StatusBadRequest)
		return
	}

	loan, err := s.ledger.DisburseLoan(r.Context(), loanID, on)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) cancelLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r)
	if !ok {
		return
	}
	loan, err := s.ledger.CancelLoan(r.Context(), loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) amendTermsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Principal     *decimal.Decimal          `json:"principal"`
		AnnualRate    *decimal.Decimal          `json:"annual_rate"`
		InterestModel models.InterestModel      `json:"interest_model"`
		TermMonths    int                       `json:"term_months"`
		Frequency     models.RepaymentFrequency `json:"frequency"`
		FirstDueDate  string                    `json:"first_due_date"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		var err error
		if force, err = strconv.ParseBool(v); err != nil {
			http.Error(w, "Invalid force flag", http.StatusBadRequest)
			return
		}
	}

	amendment := ledger.TermsAmendment{
		Principal:     req.Principal,
		AnnualRate:    req.AnnualRate,
		InterestModel: req.InterestModel,
		TermMonths:    req.TermMonths,
		Frequency:     req.Frequency,
	}
	if req.FirstDueDate != "" {
		d, err := models.ParseDate(req.FirstDueDate)
		if err != nil {
			http.Error(w, "Invalid first_due_date", http.StatusBadRequest)
			return
		}
		amendment.FirstDueDate = &d
	}

	loan, err := s.ledger.AmendTerms(r.Context(), loanID, amendment, force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r)
	if !ok {
		return
	}
	rows, err := s.ledger.GetSchedule(r.Context(), loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	if rows == nil {
		rows = []models.InstallmentRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) statementHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r)
	if !ok {
		return
	}
	statement, err := s.ledger.GetStatement(r.Context(), loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statement)
}

func (s *Server) verifyHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r)
	if !ok {
		return
	}
	report, err := s.ledger.VerifyLedger(r.Context(), loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) recomputeHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r)
	if !ok {
		return
	}
	summary, err := s.ledger.RecomputeSummary(r.Context(), loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) listRepaymentsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r)
	if !ok {
		return
	}
	txs, err := s.ledger.GetRepayments(r.Context(), loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	if txs == nil {
		txs = []*models.RepaymentTransaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) allocateRepaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount      decimal.Decimal `json:"amount"`
		PaymentDate string          `json:"payment_date"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	paidOn, err := parseDate(req.PaymentDate)
	if err != nil {
		http.Error(w, "Invalid payment_date", http.StatusBadRequest)
		return
	}

	plan, err := s.ledger.AllocateRepayment(r.Context(), loanID, req.Amount, paidOn)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) reverseRepaymentHandler(w http.ResponseWriter, r *http.Request) {
	txID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	plan, err := s.ledger.ReverseRepayment(r.Context(), txID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// decodeBody decodes a JSON body; an empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// parseDate accepts YYYY-MM-DD; an empty string is the zero time.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return models.ParseDate(s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to encode response")
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidTerms), errors.Is(err, models.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnknownLoan), errors.Is(err, models.ErrUnknownTransaction):
		return http.StatusNotFound
	case errors.Is(err, models.ErrScheduleLocked), errors.Is(err, models.ErrInvalidState),
		errors.Is(err, models.ErrAlreadyReversed), errors.Is(err, models.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, models.ErrOverpaymentExceedsOutstanding):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := map[string]any{"error": err.Error()}

	var over *models.OverpaymentError
	if errors.As(err, &over) {
		body["attempted"] = over.Attempted
		body["outstanding"] = over.Outstanding
	}
	var terms *models.TermsError
	if errors.As(err, &terms) {
		body["field"] = terms.Field
	}

	if status == http.StatusInternalServerError {
		log.WithError(err).Error("Request failed")
	}
	writeJSON(w, status, body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Debug("Request handled")
	})
}
