// Package amort is the amortization engine: pure functions that turn a loan
// snapshot plus an incoming transaction into the next loan snapshot. It does
// no I/O, so the same inputs always produce the same outputs and a loan's
// stored counters can be rebuilt at any time by replaying its ledger.
package amort

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mcclellann/emiledger/pkg/models"
	"github.com/mcclellann/emiledger/pkg/money"
)

// Next computes the loan snapshot after applying tx.
//
// A disbursement is the ledger's opening entry and leaves the EMI counters
// untouched. A repayment consumes one installment attempt: the paid counter
// goes up, the pending counter goes down, and the next due amount carries over
// any shortfall or surplus of the payment against what was due:
//
//	next' = max(round2(next - amount + emi), 0)
//
// A partial payment therefore inflates the following installment and an
// overpayment shrinks it; the tenure never stretches.
func Next(loan models.Loan, tx models.Transaction) (models.Loan, error) {
	switch tx.TransactionType {
	case models.TransactionTypeDisbursement:
		return loan, nil
	case models.TransactionTypeRepayment:
		return applyRepayment(loan, tx)
	default:
		return models.Loan{}, &models.ValidationError{Field: "transactionType", Reason: "unknown transaction type"}
	}
}

func applyRepayment(loan models.Loan, tx models.Transaction) (models.Loan, error) {
	if loan.Status != models.LoanStatusActive {
		return models.Loan{}, &models.InvalidStateError{Op: "record a repayment against", Status: loan.Status}
	}
	if !tx.Amount.IsPositive() {
		return models.Loan{}, &models.ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}

	loan.PaidEmis++
	pending := loan.TenureMonths - loan.PaidEmis
	if pending < 0 {
		pending = 0
	}
	loan.PendingEmis = pending

	carry := loan.NextEmiAmount.Sub(tx.Amount).Add(loan.EmiAmount)
	loan.NextEmiAmount = money.ClampZero(money.RoundCents(carry))

	if pending > 0 {
		if loan.InstallmentDate != nil {
			due := NextDueDate(*loan.InstallmentDate)
			loan.InstallmentDate = &due
		}
	} else {
		loan.InstallmentDate = nil
		loan.Status = models.LoanStatusCompleted
		end := tx.TransactionDate
		loan.EndDate = &end
	}

	return loan, nil
}

// NextDueDate advances a due date by exactly one calendar month, clamping to
// the last day when the target month is shorter: Jan 31 -> Feb 28 (29 in leap
// years), Mar 31 -> Apr 30. The clamp keeps every advance within one month of
// the previous due date, unlike naive AddDate which lets Jan 31 drift to Mar 3.
func NextDueDate(t time.Time) time.Time {
	year, month, day := t.Date()
	first := time.Date(year, month+1, 1, 0, 0, 0, 0, t.Location())
	if last := daysInMonth(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, t.Location())
}

// daysInMonth exploits day-zero normalization: day 0 of month+1 is the last
// day of month.
func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Replay rebuilds the loan's amortization state from scratch by applying its
// full transaction history in the order it was recorded. Value-date order
// would not do: the carry-over clamps at zero, so a backdated repayment
// applied out of recording order lands on a different running balance. The
// result must match the stored counters for an uncorrupted ledger, which
// makes Replay the reference implementation for consistency audits.
func Replay(loan models.Loan, txs []*models.Transaction) (models.Loan, error) {
	replayed := loan
	replayed.PaidEmis = 0
	replayed.PendingEmis = loan.TenureMonths
	replayed.NextEmiAmount = loan.EmiAmount
	start := loan.StartDate
	replayed.InstallmentDate = &start
	replayed.Status = models.LoanStatusActive
	replayed.EndDate = nil

	var err error
	for _, tx := range txs {
		replayed, err = Next(replayed, *tx)
		if err != nil {
			return models.Loan{}, err
		}
	}
	return replayed, nil
}

// Summary is the ledger-derived money view of a loan. It is computed on read
// and never stored.
type Summary struct {
	RepaymentsReceived decimal.Decimal `json:"repayments_received"`
	RepaymentsPending  decimal.Decimal `json:"repayments_pending"`
}

// Summarize totals the repayments in the ledger and derives the amount still
// outstanding against the loan's total payable.
func Summarize(loan *models.Loan, txs []*models.Transaction) Summary {
	received := decimal.Zero
	for _, tx := range txs {
		if tx.TransactionType == models.TransactionTypeRepayment {
			received = received.Add(tx.Amount)
		}
	}
	received = money.RoundCents(received)
	return Summary{
		RepaymentsReceived: received,
		RepaymentsPending:  money.ClampZero(money.RoundCents(loan.TotalPayableAmount.Sub(received))),
	}
}
