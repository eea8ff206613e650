// Package ledger is the transactional boundary of the lending core. It
// validates preconditions against persisted state, runs the amortization
// engine, persists the paired {ledger entry, loan snapshot} writes atomically
// through the Storage interface, and emits domain events after commit.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mcclellann/emiledger/pkg/amort"
	"github.com/mcclellann/emiledger/pkg/events"
	"github.com/mcclellann/emiledger/pkg/models"
	"github.com/mcclellann/emiledger/pkg/store"
)

// maxRetries bounds how often a lost optimistic-write race is retried before
// the conflict is surfaced to the caller.
const maxRetries = 3

// Ledger handles the business logic for loans and transactions.
type Ledger struct {
	storage store.Storage
	sink    events.Sink
	logger  *logrus.Logger
}

// NewLedger creates a new Ledger with a given Storage implementation. The sink
// may be nil, in which case no events are emitted.
func NewLedger(s store.Storage, sink events.Sink, logger *logrus.Logger) *Ledger {
	if logger == nil {
		logger = logrus.New()
	}
	return &Ledger{
		storage: s,
		sink:    sink,
		logger:  logger,
	}
}

func (l *Ledger) emit(ctx context.Context, event events.Event) {
	if l.sink == nil {
		return
	}
	if err := l.sink.Publish(ctx, event); err != nil {
		// At-least-once is all the contract asks for; a failed publish never
		// fails the committed write.
		l.logger.WithError(err).WithField("event", event.Type).Warn("event publish failed")
	}
}

// CreateLoan opens a loan for a customer and writes its opening disbursement
// in the same atomic unit. Fails with ConflictError when the customer already
// has an open loan; the store's unique index backs this up under concurrent
// creates.
func (l *Ledger) CreateLoan(ctx context.Context, in models.NewLoanInput) (*models.Loan, error) {
	loan, err := models.NewLoan(in)
	if err != nil {
		return nil, err
	}

	// Advisory pre-check for a friendly error; the unique index is the
	// authoritative guard.
	open, err := l.storage.GetOpenLoanForCustomer(in.CustomerID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, &models.ConflictError{Reason: "customer already has an open loan"}
	}

	disbursement, err := models.NewTransaction(models.NewTransactionInput{
		LoanID:          loan.ID,
		CustomerID:      loan.CustomerID,
		Amount:          loan.PrincipalAmount,
		TransactionType: models.TransactionTypeDisbursement,
		TransactionDate: loan.StartDate,
		Description:     "Loan disbursed",
		ActingUser:      in.ActingUser,
	})
	if err != nil {
		return nil, err
	}

	if err := l.storage.CreateLoanWithDisbursement(loan, disbursement); err != nil {
		return nil, err
	}

	l.logger.WithFields(logrus.Fields{
		"loan_id":     loan.ID,
		"customer_id": loan.CustomerID,
		"principal":   loan.PrincipalAmount.StringFixed(2),
	}).Info("loan created")

	l.emit(ctx, events.LoanCreated(loan))
	return loan, nil
}

// RecordTransactionInput carries a caller's request to append a ledger entry.
type RecordTransactionInput struct {
	LoanID          uuid.UUID
	Amount          decimal.Decimal
	TransactionType models.TransactionType
	PaymentMode     models.PaymentMode
	TransactionDate time.Time
	Description     string
	ActingUser      string
}

// RecordTransactionResult is the persisted entry plus the loan state it
// produced.
type RecordTransactionResult struct {
	Transaction *models.Transaction `json:"transaction"`
	Loan        *models.Loan        `json:"loan"`
}

// RecordTransaction appends a repayment to a loan's ledger and applies the
// recomputed amortization state atomically. A lost version race is retried a
// bounded number of times against freshly read state.
func (l *Ledger) RecordTransaction(ctx context.Context, in RecordTransactionInput) (*RecordTransactionResult, error) {
	if in.TransactionType == models.TransactionTypeDisbursement {
		return nil, &models.ValidationError{Field: "transactionType", Reason: "disbursement is written once, at loan creation"}
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		loan, err := l.storage.GetLoan(in.LoanID)
		if err != nil {
			return nil, err
		}

		tx, err := models.NewTransaction(models.NewTransactionInput{
			LoanID:          loan.ID,
			CustomerID:      loan.CustomerID,
			Amount:          in.Amount,
			TransactionType: in.TransactionType,
			PaymentMode:     in.PaymentMode,
			TransactionDate: in.TransactionDate,
			Description:     in.Description,
			ActingUser:      in.ActingUser,
		})
		if err != nil {
			return nil, err
		}

		next, err := amort.Next(*loan, *tx)
		if err != nil {
			return nil, err
		}
		next.UpdatedAt = time.Now()

		if err := l.storage.AppendRepayment(tx, &next, loan.Version); err != nil {
			var conflict *models.ConcurrencyConflictError
			if errors.As(err, &conflict) {
				l.logger.WithFields(logrus.Fields{
					"loan_id": loan.ID,
					"attempt": attempt + 1,
				}).Warn("repayment lost a version race, retrying")
				continue
			}
			return nil, err
		}

		l.logger.WithFields(logrus.Fields{
			"loan_id":        loan.ID,
			"transaction_id": tx.ID,
			"amount":         tx.Amount.StringFixed(2),
			"paid_emis":      next.PaidEmis,
			"pending_emis":   next.PendingEmis,
		}).Info("repayment recorded")

		l.emit(ctx, events.TransactionRecorded(tx))
		if next.Status == models.LoanStatusCompleted && loan.Status != models.LoanStatusCompleted {
			l.emit(ctx, events.LoanCompleted(&next))
		}
		return &RecordTransactionResult{Transaction: tx, Loan: &next}, nil
	}
	return nil, &models.ConcurrencyConflictError{Entity: "loan"}
}

// mutateLoan runs a read-modify-write on a loan with bounded retry on version
// conflicts.
func (l *Ledger) mutateLoan(id uuid.UUID, mutate func(*models.Loan) error) (*models.Loan, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		loan, err := l.storage.GetLoan(id)
		if err != nil {
			return nil, err
		}
		if err := mutate(loan); err != nil {
			return nil, err
		}
		loan.UpdatedAt = time.Now()

		err = l.storage.UpdateLoan(loan, loan.Version)
		var conflict *models.ConcurrencyConflictError
		if errors.As(err, &conflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return loan, nil
	}
	return nil, &models.ConcurrencyConflictError{Entity: "loan"}
}

// transition moves a loan's status through the lifecycle table.
func (l *Ledger) transition(id uuid.UUID, op string, next models.LoanStatus) (*models.Loan, error) {
	loan, err := l.mutateLoan(id, func(loan *models.Loan) error {
		if !loan.Status.CanTransitionTo(next) {
			return &models.InvalidStateError{Op: op, Status: loan.Status}
		}
		loan.Status = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.WithFields(logrus.Fields{
		"loan_id": loan.ID,
		"status":  loan.Status,
	}).Info("loan status changed")
	return loan, nil
}

// CloseLoan is the terminal manual action on an open loan.
func (l *Ledger) CloseLoan(_ context.Context, id uuid.UUID) (*models.Loan, error) {
	return l.transition(id, "close", models.LoanStatusClosed)
}

// MarkDefaulted flags an active loan as defaulted. This is an administrative
// action, never derived from the ledger.
func (l *Ledger) MarkDefaulted(_ context.Context, id uuid.UUID) (*models.Loan, error) {
	return l.transition(id, "default", models.LoanStatusDefaulted)
}

// LoanUpdate carries the non-financial loan fields an administrator may edit.
// Amortization state and money fields are off limits; they change only through
// the engine.
type LoanUpdate struct {
	Description *string
}

// UpdateLoan applies a non-financial edit to a loan.
func (l *Ledger) UpdateLoan(_ context.Context, id uuid.UUID, upd LoanUpdate) (*models.Loan, error) {
	return l.mutateLoan(id, func(loan *models.Loan) error {
		if upd.Description != nil {
			loan.Description = *upd.Description
		}
		return nil
	})
}

// DeleteLoan hard-deletes a loan. Since a disbursement always exists, deleting
// a disbursed loan requires force, which removes the ledger with it.
func (l *Ledger) DeleteLoan(_ context.Context, id uuid.UUID, force bool) error {
	if err := l.storage.DeleteLoan(id, force); err != nil {
		return err
	}
	l.logger.WithField("loan_id", id).Info("loan deleted")
	return nil
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(id uuid.UUID) (*models.Loan, error) {
	return l.storage.GetLoan(id)
}

// LoanDetail is a loan together with its ledger and the aggregates derived
// from it.
type LoanDetail struct {
	Loan         *models.Loan          `json:"loan"`
	Summary      amort.Summary         `json:"summary"`
	Transactions []*models.Transaction `json:"transactions"`
}

// GetLoanDetail retrieves a loan with its full ledger and derived totals.
func (l *Ledger) GetLoanDetail(id uuid.UUID) (*LoanDetail, error) {
	loan, err := l.storage.GetLoan(id)
	if err != nil {
		return nil, err
	}
	txs, err := l.storage.GetTransactionsForLoan(id)
	if err != nil {
		return nil, err
	}
	return &LoanDetail{
		Loan:         loan,
		Summary:      amort.Summarize(loan, txs),
		Transactions: txs,
	}, nil
}

// ListLoans retrieves loans matching the filter.
func (l *Ledger) ListLoans(filter store.LoanFilter) ([]*models.Loan, error) {
	return l.storage.ListLoans(filter)
}

// UpcomingInstallments lists active loans with an installment due on or
// before the given date.
func (l *Ledger) UpcomingInstallments(by time.Time) ([]*models.Loan, error) {
	return l.storage.ListLoansDueBy(by)
}

// GetTransaction retrieves a ledger entry by its ID.
func (l *Ledger) GetTransaction(id uuid.UUID) (*models.Transaction, error) {
	return l.storage.GetTransaction(id)
}

// ListTransactions retrieves ledger entries matching the filter.
func (l *Ledger) ListTransactions(filter store.TransactionFilter) ([]*models.Transaction, error) {
	return l.storage.ListTransactions(filter)
}

// UpdateTransactionDescription edits a transaction's description, the only
// field that may change after a ledger entry is written. Financial edits would
// desynchronize the loan's aggregates from its ledger, so they are not
// offered.
func (l *Ledger) UpdateTransactionDescription(id uuid.UUID, description string) (*models.Transaction, error) {
	if err := l.storage.UpdateTransactionDescription(id, description); err != nil {
		return nil, err
	}
	return l.storage.GetTransaction(id)
}
