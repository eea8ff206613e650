package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanStatus is the closed set of lifecycle states a loan can be in.
type LoanStatus string

const (
	LoanStatusPending   LoanStatus = "Pending"
	LoanStatusActive    LoanStatus = "Active"
	LoanStatusCompleted LoanStatus = "Completed"
	LoanStatusDefaulted LoanStatus = "Defaulted"
	LoanStatusClosed    LoanStatus = "Closed"
)

// OpenStatuses are the statuses that count toward the one-open-loan-per-customer rule.
var OpenStatuses = []LoanStatus{LoanStatusPending, LoanStatusActive, LoanStatusDefaulted}

// IsOpen reports whether a loan in this status blocks the customer from taking
// another loan.
func (s LoanStatus) IsOpen() bool {
	switch s {
	case LoanStatusPending, LoanStatusActive, LoanStatusDefaulted:
		return true
	}
	return false
}

// Valid reports whether s is one of the enumerated statuses.
func (s LoanStatus) Valid() bool {
	switch s {
	case LoanStatusPending, LoanStatusActive, LoanStatusCompleted, LoanStatusDefaulted, LoanStatusClosed:
		return true
	}
	return false
}

// transitions is the full lifecycle table. Completed and Closed are terminal.
var transitions = map[LoanStatus][]LoanStatus{
	LoanStatusPending:   {LoanStatusActive, LoanStatusClosed},
	LoanStatusActive:    {LoanStatusCompleted, LoanStatusDefaulted, LoanStatusClosed},
	LoanStatusDefaulted: {LoanStatusClosed},
}

// CanTransitionTo reports whether the lifecycle table allows moving from s to next.
func (s LoanStatus) CanTransitionTo(next LoanStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Loan is the amortization state for one customer loan. The stored EMI counters
// and next-due fields are maintained exclusively through the amortization
// engine; they must always be re-derivable by replaying the transaction ledger.
type Loan struct {
	ID                 uuid.UUID       `json:"id"`
	CustomerID         uuid.UUID       `json:"customer_id"`
	PrincipalAmount    decimal.Decimal `json:"principal_amount"`
	InterestRate       decimal.Decimal `json:"interest_rate"` // e.g. 12.50 for 12.5%
	TenureMonths       int             `json:"tenure_months"`
	EmiAmount          decimal.Decimal `json:"emi_amount"`
	TotalPayableAmount decimal.Decimal `json:"total_payable_amount"`
	StartDate          time.Time       `json:"start_date"`
	EndDate            *time.Time      `json:"end_date,omitempty"`
	PaidEmis           int             `json:"paid_emis"`
	PendingEmis        int             `json:"pending_emis"`
	NextEmiAmount      decimal.Decimal `json:"next_emi_amount"`
	InstallmentDate    *time.Time      `json:"installment_date,omitempty"` // nil once PendingEmis hits 0
	Status             LoanStatus      `json:"status"`
	Description        string          `json:"description,omitempty"`
	Version            int64           `json:"version"` // optimistic concurrency token
	CreatedBy          string          `json:"created_by"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// IsOpen reports whether the loan blocks its customer from opening another one.
func (l *Loan) IsOpen() bool {
	return l.Status.IsOpen()
}

// NewLoanInput carries the caller-supplied fields for opening a loan.
type NewLoanInput struct {
	CustomerID         uuid.UUID
	PrincipalAmount    decimal.Decimal
	InterestRate       decimal.Decimal
	TenureMonths       int
	EmiAmount          decimal.Decimal
	TotalPayableAmount decimal.Decimal
	StartDate          time.Time
	Description        string
	ActingUser         string
}

// NewLoan validates the input and builds the opening snapshot: Active, zero
// EMIs paid, the full tenure pending, the first installment due on the start
// date for the nominal EMI amount.
func NewLoan(in NewLoanInput) (*Loan, error) {
	if in.CustomerID == uuid.Nil {
		return nil, &ValidationError{Field: "customerId", Reason: "customer id is required"}
	}
	if !in.PrincipalAmount.IsPositive() {
		return nil, &ValidationError{Field: "principalAmount", Reason: "must be greater than zero"}
	}
	if in.TenureMonths <= 0 {
		return nil, &ValidationError{Field: "tenureMonths", Reason: "must be greater than zero"}
	}
	if !in.EmiAmount.IsPositive() {
		return nil, &ValidationError{Field: "emiAmount", Reason: "must be greater than zero"}
	}
	if in.InterestRate.IsNegative() {
		return nil, &ValidationError{Field: "interestRate", Reason: "must not be negative"}
	}
	if in.TotalPayableAmount.LessThan(in.PrincipalAmount) {
		return nil, &ValidationError{Field: "totalPayableAmount", Reason: "must be at least the principal amount"}
	}
	if in.StartDate.IsZero() {
		return nil, &ValidationError{Field: "startDate", Reason: "start date is required"}
	}

	now := time.Now()
	installment := in.StartDate
	return &Loan{
		ID:                 uuid.New(),
		CustomerID:         in.CustomerID,
		PrincipalAmount:    in.PrincipalAmount,
		InterestRate:       in.InterestRate,
		TenureMonths:       in.TenureMonths,
		EmiAmount:          in.EmiAmount,
		TotalPayableAmount: in.TotalPayableAmount,
		StartDate:          in.StartDate,
		PaidEmis:           0,
		PendingEmis:        in.TenureMonths,
		NextEmiAmount:      in.EmiAmount,
		InstallmentDate:    &installment,
		Status:             LoanStatusActive,
		Description:        in.Description,
		Version:            1,
		CreatedBy:          in.ActingUser,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// TransactionType distinguishes money paid out from money received.
type TransactionType string

const (
	TransactionTypeDisbursement TransactionType = "Disbursement"
	TransactionTypeRepayment    TransactionType = "Repayment"
)

// Valid reports whether t is one of the enumerated transaction types.
func (t TransactionType) Valid() bool {
	return t == TransactionTypeDisbursement || t == TransactionTypeRepayment
}

// PaymentMode records how a repayment was received. Empty means unspecified.
type PaymentMode string

const (
	PaymentModeCash   PaymentMode = "Cash"
	PaymentModeBank   PaymentMode = "Bank"
	PaymentModeUPI    PaymentMode = "UPI"
	PaymentModeCheque PaymentMode = "Cheque"
)

// Valid reports whether m is one of the enumerated payment modes.
func (m PaymentMode) Valid() bool {
	switch m {
	case PaymentModeCash, PaymentModeBank, PaymentModeUPI, PaymentModeCheque:
		return true
	}
	return false
}

// Transaction is one immutable entry in a loan's ledger. Only Description may
// change after creation; the financial fields never do.
type Transaction struct {
	ID              uuid.UUID       `json:"id"`
	LoanID          uuid.UUID       `json:"loan_id"`
	CustomerID      uuid.UUID       `json:"customer_id"`
	Amount          decimal.Decimal `json:"amount"`
	TransactionType TransactionType `json:"transaction_type"`
	PaymentMode     PaymentMode     `json:"payment_mode,omitempty"`
	TransactionDate time.Time       `json:"transaction_date"`
	Description     string          `json:"description,omitempty"`
	CreatedBy       string          `json:"created_by"`
	CreatedAt       time.Time       `json:"created_at"`
}

// NewTransactionInput carries the fields for appending a ledger entry.
type NewTransactionInput struct {
	LoanID          uuid.UUID
	CustomerID      uuid.UUID
	Amount          decimal.Decimal
	TransactionType TransactionType
	PaymentMode     PaymentMode
	TransactionDate time.Time
	Description     string
	ActingUser      string
}

// NewTransaction validates the field-level constraints of a ledger entry.
// Whether the target loan may accept it is the orchestrator's check.
func NewTransaction(in NewTransactionInput) (*Transaction, error) {
	if in.LoanID == uuid.Nil {
		return nil, &ValidationError{Field: "loanId", Reason: "loan id is required"}
	}
	if in.CustomerID == uuid.Nil {
		return nil, &ValidationError{Field: "customerId", Reason: "customer id is required"}
	}
	if !in.Amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if !in.TransactionType.Valid() {
		return nil, &ValidationError{Field: "transactionType", Reason: "unknown transaction type"}
	}
	if in.TransactionDate.IsZero() {
		return nil, &ValidationError{Field: "transactionDate", Reason: "transaction date is required"}
	}
	if in.PaymentMode != "" {
		if in.TransactionType == TransactionTypeDisbursement {
			return nil, &ValidationError{Field: "paymentMode", Reason: "not applicable to disbursements"}
		}
		if !in.PaymentMode.Valid() {
			return nil, &ValidationError{Field: "paymentMode", Reason: "unknown payment mode"}
		}
	}

	return &Transaction{
		ID:              uuid.New(),
		LoanID:          in.LoanID,
		CustomerID:      in.CustomerID,
		Amount:          in.Amount,
		TransactionType: in.TransactionType,
		PaymentMode:     in.PaymentMode,
		TransactionDate: in.TransactionDate,
		Description:     in.Description,
		CreatedBy:       in.ActingUser,
		CreatedAt:       time.Now(),
	}, nil
}
