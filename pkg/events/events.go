// Package events carries the domain events the ledger emits after each
// committed write. Delivery is at-least-once at best; the ledger never
// depends on it for its own consistency.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mcclellann/emiledger/pkg/models"
)

// Type names a domain event.
type Type string

const (
	TypeLoanCreated         Type = "loan.created"
	TypeTransactionRecorded Type = "transaction.recorded"
	TypeLoanCompleted       Type = "loan.completed"
)

// Event is the payload published to the sink. The transaction fields are set
// only on transaction.recorded; they are pointers so the loan lifecycle
// events omit them instead of serializing zero values.
type Event struct {
	Type            Type                   `json:"type"`
	LoanID          uuid.UUID              `json:"loan_id"`
	CustomerID      uuid.UUID              `json:"customer_id"`
	TransactionID   *uuid.UUID             `json:"transaction_id,omitempty"`
	TransactionType models.TransactionType `json:"transaction_type,omitempty"`
	Amount          *decimal.Decimal       `json:"amount,omitempty"`
	OccurredAt      time.Time              `json:"occurred_at"`
}

// LoanCreated builds the event for a newly opened loan.
func LoanCreated(loan *models.Loan) Event {
	return Event{
		Type:       TypeLoanCreated,
		LoanID:     loan.ID,
		CustomerID: loan.CustomerID,
		OccurredAt: time.Now(),
	}
}

// TransactionRecorded builds the event for an appended ledger entry.
func TransactionRecorded(tx *models.Transaction) Event {
	id := tx.ID
	amount := tx.Amount
	return Event{
		Type:            TypeTransactionRecorded,
		LoanID:          tx.LoanID,
		CustomerID:      tx.CustomerID,
		TransactionID:   &id,
		TransactionType: tx.TransactionType,
		Amount:          &amount,
		OccurredAt:      time.Now(),
	}
}

// LoanCompleted builds the event for a loan whose last installment was paid.
func LoanCompleted(loan *models.Loan) Event {
	return Event{
		Type:       TypeLoanCompleted,
		LoanID:     loan.ID,
		CustomerID: loan.CustomerID,
		OccurredAt: time.Now(),
	}
}

// Sink consumes domain events.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// LogSink writes events to the structured log. It is the default sink when no
// broker is configured.
type LogSink struct {
	logger *logrus.Logger
}

// NewLogSink creates a sink writing to the given logger.
func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish logs the event.
func (s *LogSink) Publish(_ context.Context, event Event) error {
	s.logger.WithFields(logrus.Fields{
		"event":   event.Type,
		"loan_id": event.LoanID,
	}).Info("domain event")
	return nil
}
