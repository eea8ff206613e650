package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mcclellann/emiledger/pkg/ledger"
	"github.com/mcclellann/emiledger/pkg/models"
	"github.com/mcclellann/emiledger/pkg/store"
)

const dateLayout = "2006-01-02"

// Server holds the ledger instance.
type Server struct {
	ledger  *ledger.Ledger
	storage store.Storage // kept to close it on shutdown
	logger  *logrus.Logger
}

func NewServer(s store.Storage, l *ledger.Ledger, logger *logrus.Logger) *Server {
	return &Server{
		ledger:  l,
		storage: s,
		logger:  logger,
	}
}

// Router wires every route. Shared with the tests.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}", s.updateLoanHandler).Methods("PUT")
	router.HandleFunc("/loans/{id}", s.deleteLoanHandler).Methods("DELETE")
	router.HandleFunc("/loans/{id}/transactions", s.listLoanTransactionsHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/transactions", s.recordTransactionHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/close", s.closeLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/default", s.markDefaultedHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/audit", s.auditLoanHandler).Methods("GET")
	router.HandleFunc("/transactions", s.listTransactionsHandler).Methods("GET")
	router.HandleFunc("/transactions/{id}", s.getTransactionHandler).Methods("GET")
	router.HandleFunc("/transactions/{id}", s.updateTransactionHandler).Methods("PATCH")
	router.HandleFunc("/reports/upcoming", s.upcomingInstallmentsHandler).Methods("GET")

	return router
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("failed to encode response")
	}
}

// writeError maps the domain error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		validation  *models.ValidationError
		notFound    *models.NotFoundError
		conflict    *models.ConflictError
		invalid     *models.InvalidStateError
		concurrency *models.ConcurrencyConflictError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &conflict):
		status = http.StatusConflict
	case errors.As(err, &invalid):
		status = http.StatusConflict
	case errors.As(err, &concurrency):
		status = http.StatusConflict
	default:
		s.logger.WithError(err).Error("request failed")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// actingUser is the already-authorized user id supplied by the identity
// collaborator; this service does not authenticate.
func actingUser(r *http.Request) string {
	return r.Header.Get("X-Acting-User")
}

func parseLoanID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, &models.ValidationError{Field: "id", Reason: "not a valid uuid"}
	}
	return id, nil
}

func parseDate(field, value string) (time.Time, error) {
	d, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, &models.ValidationError{Field: field, Reason: "expected YYYY-MM-DD"}
	}
	return d, nil
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID         uuid.UUID       `json:"customer_id"`
		PrincipalAmount    decimal.Decimal `json:"principal_amount"`
		InterestRate       decimal.Decimal `json:"interest_rate"`
		TenureMonths       int             `json:"tenure_months"`
		EmiAmount          decimal.Decimal `json:"emi_amount"`
		TotalPayableAmount decimal.Decimal `json:"total_payable_amount"`
		StartDate          string          `json:"start_date"`
		Description        string          `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &models.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	startDate, err := parseDate("startDate", req.StartDate)
	if err != nil {
		s.writeError(w, err)
		return
	}

	loan, err := s.ledger.CreateLoan(r.Context(), models.NewLoanInput{
		CustomerID:         req.CustomerID,
		PrincipalAmount:    req.PrincipalAmount,
		InterestRate:       req.InterestRate,
		TenureMonths:       req.TenureMonths,
		EmiAmount:          req.EmiAmount,
		TotalPayableAmount: req.TotalPayableAmount,
		StartDate:          startDate,
		Description:        req.Description,
		ActingUser:         actingUser(r),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	var filter store.LoanFilter
	if v := r.URL.Query().Get("customer_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			s.writeError(w, &models.ValidationError{Field: "customer_id", Reason: "not a valid uuid"})
			return
		}
		filter.CustomerID = &id
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := models.LoanStatus(v)
		if !status.Valid() {
			s.writeError(w, &models.ValidationError{Field: "status", Reason: "unknown status"})
			return
		}
		filter.Status = &status
	}

	loans, err := s.ledger.ListLoans(filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, loans)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := parseLoanID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	detail, err := s.ledger.GetLoanDetail(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) updateLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := parseLoanID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Description *string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &models.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	loan, err := s.ledger.UpdateLoan(r.Context(), id, ledger.LoanUpdate{Description: req.Description})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, loan)
}

func (s *Server) deleteLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := parseLoanID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	force := r.URL.Query().Get("force") == "true"
	if err := s.ledger.DeleteLoan(r.Context(), id, force); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) recordTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := parseLoanID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Amount          decimal.Decimal `json:"amount"`
		TransactionType string          `json:"transaction_type"`
		PaymentMode     string          `json:"payment_mode"`
		TransactionDate string          `json:"transaction_date"`
		Description     string          `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &models.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	txDate, err := parseDate("transactionDate", req.TransactionDate)
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.ledger.RecordTransaction(r.Context(), ledger.RecordTransactionInput{
		LoanID:          id,
		Amount:          req.Amount,
		TransactionType: models.TransactionType(req.TransactionType),
		PaymentMode:     models.PaymentMode(req.PaymentMode),
		TransactionDate: txDate,
		Description:     req.Description,
		ActingUser:      actingUser(r),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) listLoanTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := parseLoanID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// 404 for an unknown loan rather than an empty list.
	if _, err := s.ledger.GetLoan(id); err != nil {
		s.writeError(w, err)
		return
	}
	txs, err := s.ledger.ListTransactions(store.TransactionFilter{LoanID: &id})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, txs)
}

func (s *Server) closeLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := parseLoanID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	loan, err := s.ledger.CloseLoan(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, loan)
}

func (s *Server) markDefaultedHandler(w http.ResponseWriter, r *http.Request) {
	id, err := parseLoanID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	loan, err := s.ledger.MarkDefaulted(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, loan)
}

func (s *Server) auditLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := parseLoanID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	report, err := s.ledger.VerifyLoan(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) listTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	var filter store.TransactionFilter
	q := r.URL.Query()
	if v := q.Get("loan_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			s.writeError(w, &models.ValidationError{Field: "loan_id", Reason: "not a valid uuid"})
			return
		}
		filter.LoanID = &id
	}
	if v := q.Get("customer_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			s.writeError(w, &models.ValidationError{Field: "customer_id", Reason: "not a valid uuid"})
			return
		}
		filter.CustomerID = &id
	}
	if v := q.Get("type"); v != "" {
		txType := models.TransactionType(v)
		if !txType.Valid() {
			s.writeError(w, &models.ValidationError{Field: "type", Reason: "unknown transaction type"})
			return
		}
		filter.TransactionType = &txType
	}
	if v := q.Get("payment_mode"); v != "" {
		mode := models.PaymentMode(v)
		if !mode.Valid() {
			s.writeError(w, &models.ValidationError{Field: "payment_mode", Reason: "unknown payment mode"})
			return
		}
		filter.PaymentMode = &mode
	}
	if v := q.Get("from"); v != "" {
		d, err := parseDate("from", v)
		if err != nil {
			s.writeError(w, err)
			return
		}
		filter.From = &d
	}
	if v := q.Get("to"); v != "" {
		d, err := parseDate("to", v)
		if err != nil {
			s.writeError(w, err)
			return
		}
		filter.To = &d
	}

	txs, err := s.ledger.ListTransactions(filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, txs)
}

func (s *Server) getTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, &models.ValidationError{Field: "id", Reason: "not a valid uuid"})
		return
	}
	tx, err := s.ledger.GetTransaction(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tx)
}

// updateTransactionHandler accepts only a description edit. Amount, type and
// loan are immutable once a ledger entry is written.
func (s *Server) updateTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, &models.ValidationError{Field: "id", Reason: "not a valid uuid"})
		return
	}
	var req map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &models.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	for field := range req {
		if field != "description" {
			s.writeError(w, &models.ValidationError{Field: field, Reason: "transaction field is immutable"})
			return
		}
	}
	var description string
	if raw, ok := req["description"]; ok {
		if err := json.Unmarshal(raw, &description); err != nil {
			s.writeError(w, &models.ValidationError{Field: "description", Reason: "expected a string"})
			return
		}
	}

	tx, err := s.ledger.UpdateTransactionDescription(id, description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tx)
}

func (s *Server) upcomingInstallmentsHandler(w http.ResponseWriter, r *http.Request) {
	by := time.Now().AddDate(0, 1, 0)
	if v := r.URL.Query().Get("by"); v != "" {
		d, err := parseDate("by", v)
		if err != nil {
			s.writeError(w, err)
			return
		}
		by = d
	}
	loans, err := s.ledger.UpcomingInstallments(by)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, loans)
}
