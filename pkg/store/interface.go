package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/mcclellann/emiledger/pkg/models"
)

// LoanFilter narrows ListLoans. Nil fields are not applied.
type LoanFilter struct {
	CustomerID *uuid.UUID
	Status     *models.LoanStatus
}

// TransactionFilter narrows ListTransactions. Nil fields are not applied; the
// date bounds are inclusive and compare against the transaction's value date.
type TransactionFilter struct {
	LoanID          *uuid.UUID
	CustomerID      *uuid.UUID
	TransactionType *models.TransactionType
	PaymentMode     *models.PaymentMode
	From            *time.Time
	To              *time.Time
}

// Storage defines the persistence operations for loans and their ledgers.
//
// The two compound writes are the atomicity boundary of the whole system: a
// loan row never exists without its disbursement entry, and a repayment entry
// never exists without the matching loan-state update. Loan updates carry the
// version the caller read; a stale version fails with ConcurrencyConflictError
// and the caller re-reads and retries.
type Storage interface {
	// CreateLoanWithDisbursement inserts the loan and its opening disbursement
	// as one unit. Fails with ConflictError when the customer already has an
	// open loan.
	CreateLoanWithDisbursement(loan *models.Loan, disbursement *models.Transaction) error
	GetLoan(id uuid.UUID) (*models.Loan, error)
	// GetOpenLoanForCustomer returns nil, nil when the customer has no open loan.
	GetOpenLoanForCustomer(customerID uuid.UUID) (*models.Loan, error)
	ListLoans(filter LoanFilter) ([]*models.Loan, error)
	// ListLoansDueBy returns active loans whose next installment falls on or
	// before the given date, soonest first.
	ListLoansDueBy(date time.Time) ([]*models.Loan, error)
	UpdateLoan(loan *models.Loan, expectedVersion int64) error
	// DeleteLoan refuses to delete a loan with ledger entries unless force is
	// set, in which case loan and ledger go together in one unit.
	DeleteLoan(id uuid.UUID, force bool) error

	// AppendRepayment inserts the ledger entry and applies the recomputed loan
	// snapshot as one unit.
	AppendRepayment(tx *models.Transaction, loan *models.Loan, expectedVersion int64) error
	GetTransaction(id uuid.UUID) (*models.Transaction, error)
	// GetTransactionsForLoan returns the loan's ledger in the order the
	// entries were recorded, not value-date order. Replaying them in recording
	// order must rebuild the loan's stored counters.
	GetTransactionsForLoan(loanID uuid.UUID) ([]*models.Transaction, error)
	ListTransactions(filter TransactionFilter) ([]*models.Transaction, error)
	// UpdateTransactionDescription is the only permitted transaction edit;
	// financial fields are immutable once written.
	UpdateTransactionDescription(id uuid.UUID, description string) error

	Close() error
}
