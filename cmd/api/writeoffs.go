package main

import (
	"net/http"

	"github.com/mcclellann/shgLoan/pkg/ledger"
	"github.com/mcclellann/shgLoan/pkg/models"
)

func (s *Server) writeOffHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		WrittenOffOn string `json:"written_off_on"`
		Reason       string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	on, err := parseDate(req.WrittenOffOn)
	if err != nil {
		http.Error(w, "Invalid written_off_on", http.StatusBadRequest)
		return
	}

	writeOff, err := s.ledger.WriteOffLoan(r.Context(), loanID, on, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, writeOff)
}

func (s *Server) reverseWriteOffHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		ReversedOn string `json:"reversed_on"`
		Reason     string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	on, err := parseDate(req.ReversedOn)
	if err != nil {
		http.Error(w, "Invalid reversed_on", http.StatusBadRequest)
		return
	}

	loan, err := s.ledger.ReverseWriteOff(r.Context(), loanID, on, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listWriteOffsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r)
	if !ok {
		return
	}
	writeOffs, err := s.ledger.GetWriteOffs(r.Context(), loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	if writeOffs == nil {
		writeOffs = []*models.WriteOff{}
	}
	writeJSON(w, http.StatusOK, writeOffs)
}

func (s *Server) writeOffCandidatesHandler(w http.ResponseWriter, r *http.Request) {
	candidates, err := s.ledger.WriteOffCandidates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, candidates)
}

func (s *Server) portfolioHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p, err := s.ledger.GetPortfolioSummary(r.Context(), ledger.PortfolioFilter{
		Status:    models.LoanStatus(q.Get("status")),
		MemberKey: q.Get("member_key"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
