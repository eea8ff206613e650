package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcclellann/emiledger/pkg/events"
	"github.com/mcclellann/emiledger/pkg/models"
	"github.com/mcclellann/emiledger/pkg/store"
)

// MockStore is an in-memory implementation of the Storage interface for
// testing. It mimics the SQLite store's behavior for the open-loan unique
// index and the version guard, and can inject failures.
type MockStore struct {
	mu           sync.Mutex
	loans        map[uuid.UUID]*models.Loan
	transactions []*models.Transaction

	// appendConflicts makes the next N AppendRepayment calls lose the version
	// race; failAppend makes AppendRepayment fail outright.
	appendConflicts int
	failAppend      error
}

func NewMockStore() *MockStore {
	return &MockStore{
		loans: make(map[uuid.UUID]*models.Loan),
	}
}

func cloneLoan(l *models.Loan) *models.Loan {
	c := *l
	if l.EndDate != nil {
		d := *l.EndDate
		c.EndDate = &d
	}
	if l.InstallmentDate != nil {
		d := *l.InstallmentDate
		c.InstallmentDate = &d
	}
	return &c
}

func (m *MockStore) CreateLoanWithDisbursement(loan *models.Loan, disbursement *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.loans {
		if existing.CustomerID == loan.CustomerID && existing.IsOpen() {
			return &models.ConflictError{Reason: "customer already has an open loan"}
		}
	}
	m.loans[loan.ID] = cloneLoan(loan)
	tx := *disbursement
	m.transactions = append(m.transactions, &tx)
	return nil
}

func (m *MockStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[id]
	if !ok {
		return nil, &models.NotFoundError{Entity: "loan"}
	}
	return cloneLoan(loan), nil
}

func (m *MockStore) GetOpenLoanForCustomer(customerID uuid.UUID) (*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, loan := range m.loans {
		if loan.CustomerID == customerID && loan.IsOpen() {
			return cloneLoan(loan), nil
		}
	}
	return nil, nil
}

func (m *MockStore) ListLoans(filter store.LoanFilter) ([]*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var loans []*models.Loan
	for _, loan := range m.loans {
		if filter.CustomerID != nil && loan.CustomerID != *filter.CustomerID {
			continue
		}
		if filter.Status != nil && loan.Status != *filter.Status {
			continue
		}
		loans = append(loans, cloneLoan(loan))
	}
	return loans, nil
}

func (m *MockStore) ListLoansDueBy(date time.Time) ([]*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var loans []*models.Loan
	for _, loan := range m.loans {
		if loan.Status == models.LoanStatusActive && loan.InstallmentDate != nil && !loan.InstallmentDate.After(date) {
			loans = append(loans, cloneLoan(loan))
		}
	}
	return loans, nil
}

func (m *MockStore) updateLoanLocked(loan *models.Loan, expectedVersion int64) error {
	existing, ok := m.loans[loan.ID]
	if !ok {
		return &models.NotFoundError{Entity: "loan"}
	}
	if existing.Version != expectedVersion {
		return &models.ConcurrencyConflictError{Entity: "loan"}
	}
	stored := cloneLoan(loan)
	stored.Version = expectedVersion + 1
	m.loans[loan.ID] = stored
	loan.Version = stored.Version
	return nil
}

func (m *MockStore) UpdateLoan(loan *models.Loan, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLoanLocked(loan, expectedVersion)
}

func (m *MockStore) DeleteLoan(id uuid.UUID, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loans[id]; !ok {
		return &models.NotFoundError{Entity: "loan"}
	}
	var remaining []*models.Transaction
	for _, tx := range m.transactions {
		if tx.LoanID == id {
			if !force {
				return &models.ConflictError{Reason: "loan has ledger entries; delete requires force"}
			}
			continue
		}
		remaining = append(remaining, tx)
	}
	m.transactions = remaining
	delete(m.loans, id)
	return nil
}

func (m *MockStore) AppendRepayment(tx *models.Transaction, loan *models.Loan, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend != nil {
		return m.failAppend
	}
	if m.appendConflicts > 0 {
		m.appendConflicts--
		// Simulate losing the race: a concurrent writer bumped the version.
		m.loans[loan.ID].Version++
		return &models.ConcurrencyConflictError{Entity: "loan"}
	}
	if err := m.updateLoanLocked(loan, expectedVersion); err != nil {
		return err
	}
	entry := *tx
	m.transactions = append(m.transactions, &entry)
	return nil
}

func (m *MockStore) GetTransaction(id uuid.UUID) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.transactions {
		if tx.ID == id {
			entry := *tx
			return &entry, nil
		}
	}
	return nil, &models.NotFoundError{Entity: "transaction"}
}

func (m *MockStore) GetTransactionsForLoan(loanID uuid.UUID) ([]*models.Transaction, error) {
	return m.ListTransactions(store.TransactionFilter{LoanID: &loanID})
}

func (m *MockStore) ListTransactions(filter store.TransactionFilter) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var txs []*models.Transaction
	for _, tx := range m.transactions {
		if filter.LoanID != nil && tx.LoanID != *filter.LoanID {
			continue
		}
		if filter.CustomerID != nil && tx.CustomerID != *filter.CustomerID {
			continue
		}
		if filter.TransactionType != nil && tx.TransactionType != *filter.TransactionType {
			continue
		}
		if filter.PaymentMode != nil && tx.PaymentMode != *filter.PaymentMode {
			continue
		}
		if filter.From != nil && tx.TransactionDate.Before(*filter.From) {
			continue
		}
		if filter.To != nil && tx.TransactionDate.After(*filter.To) {
			continue
		}
		entry := *tx
		txs = append(txs, &entry)
	}
	return txs, nil
}

func (m *MockStore) UpdateTransactionDescription(id uuid.UUID, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.transactions {
		if tx.ID == id {
			tx.Description = description
			return nil
		}
	}
	return &models.NotFoundError{Entity: "transaction"}
}

func (m *MockStore) Close() error {
	return nil
}

// recordingSink captures published events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Publish(_ context.Context, event events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var types []events.Type
	for _, e := range r.events {
		types = append(types, e.Type)
	}
	return types
}

func newTestLedger() (*Ledger, *MockStore, *recordingSink) {
	mockStore := NewMockStore()
	sink := &recordingSink{}
	return NewLedger(mockStore, sink, nil), mockStore, sink
}

func createLoanInput(customerID uuid.UUID) models.NewLoanInput {
	return models.NewLoanInput{
		CustomerID:         customerID,
		PrincipalAmount:    decimal.NewFromInt(120000),
		InterestRate:       decimal.NewFromFloat(12.5),
		TenureMonths:       12,
		EmiAmount:          decimal.NewFromInt(10600),
		TotalPayableAmount: decimal.NewFromInt(127200),
		StartDate:          time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		ActingUser:         "officer-1",
	}
}

func TestCreateLoan(t *testing.T) {
	l, mockStore, sink := newTestLedger()

	loan, err := l.CreateLoan(context.Background(), createLoanInput(uuid.New()))
	require.NoError(t, err)

	assert.Equal(t, models.LoanStatusActive, loan.Status)
	assert.Equal(t, 0, loan.PaidEmis)
	assert.Equal(t, 12, loan.PendingEmis)
	assert.True(t, loan.NextEmiAmount.Equal(decimal.NewFromInt(10600)))

	// exactly one disbursement, equal to the principal
	require.Len(t, mockStore.transactions, 1)
	disb := mockStore.transactions[0]
	assert.Equal(t, models.TransactionTypeDisbursement, disb.TransactionType)
	assert.True(t, disb.Amount.Equal(loan.PrincipalAmount))
	assert.Equal(t, loan.ID, disb.LoanID)

	assert.Equal(t, []events.Type{events.TypeLoanCreated}, sink.types())
}

func TestCreateLoan_RejectsSecondOpenLoan(t *testing.T) {
	l, mockStore, _ := newTestLedger()
	customerID := uuid.New()

	_, err := l.CreateLoan(context.Background(), createLoanInput(customerID))
	require.NoError(t, err)

	_, err = l.CreateLoan(context.Background(), createLoanInput(customerID))
	var conflict *models.ConflictError
	require.ErrorAs(t, err, &conflict)

	// nothing extra was written
	assert.Len(t, mockStore.loans, 1)
	assert.Len(t, mockStore.transactions, 1)
}

func TestCreateLoan_AllowedAfterCompletion(t *testing.T) {
	l, mockStore, _ := newTestLedger()
	customerID := uuid.New()

	loan, err := l.CreateLoan(context.Background(), createLoanInput(customerID))
	require.NoError(t, err)

	mockStore.loans[loan.ID].Status = models.LoanStatusCompleted

	_, err = l.CreateLoan(context.Background(), createLoanInput(customerID))
	require.NoError(t, err)
}

func TestCreateLoan_ValidationWritesNothing(t *testing.T) {
	l, mockStore, sink := newTestLedger()

	in := createLoanInput(uuid.New())
	in.PrincipalAmount = decimal.Zero
	_, err := l.CreateLoan(context.Background(), in)

	var vErr *models.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Empty(t, mockStore.loans)
	assert.Empty(t, mockStore.transactions)
	assert.Empty(t, sink.types())
}

func TestRecordTransaction_FullRepayment(t *testing.T) {
	l, _, sink := newTestLedger()

	loan, err := l.CreateLoan(context.Background(), createLoanInput(uuid.New()))
	require.NoError(t, err)

	result, err := l.RecordTransaction(context.Background(), RecordTransactionInput{
		LoanID:          loan.ID,
		Amount:          decimal.NewFromInt(10600),
		TransactionType: models.TransactionTypeRepayment,
		PaymentMode:     models.PaymentModeUPI,
		TransactionDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		ActingUser:      "officer-1",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Loan.PaidEmis)
	assert.Equal(t, 11, result.Loan.PendingEmis)
	assert.True(t, result.Loan.NextEmiAmount.Equal(decimal.NewFromInt(10600)))
	require.NotNil(t, result.Loan.InstallmentDate)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), *result.Loan.InstallmentDate)
	assert.Equal(t, models.PaymentModeUPI, result.Transaction.PaymentMode)

	assert.Equal(t, []events.Type{events.TypeLoanCreated, events.TypeTransactionRecorded}, sink.types())
}

func TestRecordTransaction_PartialPayment(t *testing.T) {
	l, _, _ := newTestLedger()

	loan, err := l.CreateLoan(context.Background(), createLoanInput(uuid.New()))
	require.NoError(t, err)

	result, err := l.RecordTransaction(context.Background(), RecordTransactionInput{
		LoanID:          loan.ID,
		Amount:          decimal.NewFromInt(5000),
		TransactionType: models.TransactionTypeRepayment,
		TransactionDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.True(t, result.Loan.NextEmiAmount.Equal(decimal.NewFromInt(16200)), "got %s", result.Loan.NextEmiAmount)
	assert.Equal(t, 1, result.Loan.PaidEmis)
	assert.Equal(t, 11, result.Loan.PendingEmis)
	assert.Equal(t, models.LoanStatusActive, result.Loan.Status)
}

func TestRecordTransaction_CompletesLoan(t *testing.T) {
	l, mockStore, sink := newTestLedger()

	loan, err := l.CreateLoan(context.Background(), createLoanInput(uuid.New()))
	require.NoError(t, err)

	date := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var result *RecordTransactionResult
	for i := 0; i < 12; i++ {
		result, err = l.RecordTransaction(context.Background(), RecordTransactionInput{
			LoanID:          loan.ID,
			Amount:          decimal.NewFromInt(10600),
			TransactionType: models.TransactionTypeRepayment,
			TransactionDate: date,
		})
		require.NoError(t, err)
		date = date.AddDate(0, 1, 0)
	}

	assert.Equal(t, models.LoanStatusCompleted, result.Loan.Status)
	assert.Equal(t, 0, result.Loan.PendingEmis)
	assert.Nil(t, result.Loan.InstallmentDate)

	types := sink.types()
	assert.Equal(t, events.TypeLoanCompleted, types[len(types)-1])

	// a thirteenth repayment is rejected and nothing more is written
	before := len(mockStore.transactions)
	_, err = l.RecordTransaction(context.Background(), RecordTransactionInput{
		LoanID:          loan.ID,
		Amount:          decimal.NewFromInt(10600),
		TransactionType: models.TransactionTypeRepayment,
		TransactionDate: date,
	})
	var stateErr *models.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Len(t, mockStore.transactions, before)
}

func TestRecordTransaction_RejectsManualDisbursement(t *testing.T) {
	l, _, _ := newTestLedger()
	loan, err := l.CreateLoan(context.Background(), createLoanInput(uuid.New()))
	require.NoError(t, err)

	_, err = l.RecordTransaction(context.Background(), RecordTransactionInput{
		LoanID:          loan.ID,
		Amount:          decimal.NewFromInt(1000),
		TransactionType: models.TransactionTypeDisbursement,
		TransactionDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	var vErr *models.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestRecordTransaction_UnknownLoan(t *testing.T) {
	l, _, _ := newTestLedger()
	_, err := l.RecordTransaction(context.Background(), RecordTransactionInput{
		LoanID:          uuid.New(),
		Amount:          decimal.NewFromInt(1000),
		TransactionType: models.TransactionTypeRepayment,
		TransactionDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	var nfErr *models.NotFoundError
	require.ErrorAs(t, err, &nfErr)
}

func TestRecordTransaction_RetriesOnVersionConflict(t *testing.T) {
	l, mockStore, _ := newTestLedger()

	loan, err := l.CreateLoan(context.Background(), createLoanInput(uuid.New()))
	require.NoError(t, err)

	mockStore.appendConflicts = 2
	result, err := l.RecordTransaction(context.Background(), RecordTransactionInput{
		LoanID:          loan.ID,
		Amount:          decimal.NewFromInt(10600),
		TransactionType: models.TransactionTypeRepayment,
		TransactionDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Loan.PaidEmis)
}

func TestRecordTransaction_GivesUpAfterBoundedRetries(t *testing.T) {
	l, mockStore, _ := newTestLedger()

	loan, err := l.CreateLoan(context.Background(), createLoanInput(uuid.New()))
	require.NoError(t, err)

	mockStore.appendConflicts = maxRetries
	_, err = l.RecordTransaction(context.Background(), RecordTransactionInput{
		LoanID:          loan.ID,
		Amount:          decimal.NewFromInt(10600),
		TransactionType: models.TransactionTypeRepayment,
		TransactionDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	var conflict *models.ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestRecordTransaction_FailedWriteLeavesStateUnchanged(t *testing.T) {
	l, mockStore, sink := newTestLedger()

	loan, err := l.CreateLoan(context.Background(), createLoanInput(uuid.New()))
	require.NoError(t, err)
	before := *mockStore.loans[loan.ID]
	txCount := len(mockStore.transactions)

	mockStore.failAppend = &models.PersistenceError{Op: "append repayment", Err: context.DeadlineExceeded}
	_, err = l.RecordTransaction(context.Background(), RecordTransactionInput{
		LoanID:          loan.ID,
		Amount:          decimal.NewFromInt(10600),
		TransactionType: models.TransactionTypeRepayment,
		TransactionDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	var pErr *models.PersistenceError
	require.ErrorAs(t, err, &pErr)

	after := mockStore.loans[loan.ID]
	assert.Equal(t, before.PaidEmis, after.PaidEmis)
	assert.Equal(t, before.PendingEmis, after.PendingEmis)
	assert.Equal(t, before.Version, after.Version)
	assert.Len(t, mockStore.transactions, txCount)
	assert.Equal(t, []events.Type{events.TypeLoanCreated}, sink.types())
}

func TestCloseLoan(t *testing.T) {
	l, _, _ := newTestLedger()
	loan, err := l.CreateLoan(context.Background(), createLoanInput(uuid.New()))
	require.NoError(t, err)

	closed, err := l.CloseLoan(context.Background(), loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusClosed, closed.Status)

	// Closed is terminal
	_, err = l.MarkDefaulted(context.Background(), loan.ID)
	var stateErr *models.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestMarkDefaulted_BlocksRepaymentsAndNewLoans(t *testing.T) {
	l, _, _ := newTestLedger()
	in := createLoanInput(uuid.New())
	loan, err := l.CreateLoan(context.Background(), in)
	require.NoError(t, err)

	defaulted, err := l.MarkDefaulted(context.Background(), loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusDefaulted, defaulted.Status)

	_, err = l.RecordTransaction(context.Background(), RecordTransactionInput{
		LoanID:          loan.ID,
		Amount:          decimal.NewFromInt(10600),
		TransactionType: models.TransactionTypeRepayment,
		TransactionDate: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	var stateErr *models.InvalidStateError
	require.ErrorAs(t, err, &stateErr)

	// a defaulted loan still counts as open
	_, err = l.CreateLoan(context.Background(), in)
	var conflict *models.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestDeleteLoan_RequiresForceWhenLedgerExists(t *testing.T) {
	l, mockStore, _ := newTestLedger()
	loan, err := l.CreateLoan(context.Background(), createLoanInput(uuid.New()))
	require.NoError(t, err)

	err = l.DeleteLoan(context.Background(), loan.ID, false)
	var conflict *models.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Len(t, mockStore.loans, 1)

	require.NoError(t, l.DeleteLoan(context.Background(), loan.ID, true))
	assert.Empty(t, mockStore.loans)
	assert.Empty(t, mockStore.transactions)
}

func TestUpdateLoan_DescriptionOnly(t *testing.T) {
	l, _, _ := newTestLedger()
	loan, err := l.CreateLoan(context.Background(), createLoanInput(uuid.New()))
	require.NoError(t, err)

	note := "restructured by branch manager"
	updated, err := l.UpdateLoan(context.Background(), loan.ID, LoanUpdate{Description: &note})
	require.NoError(t, err)
	assert.Equal(t, note, updated.Description)
	assert.True(t, updated.NextEmiAmount.Equal(loan.NextEmiAmount))
	assert.Equal(t, loan.PendingEmis, updated.PendingEmis)
}

func TestGetLoanDetail_SummaryAgreesWithLedger(t *testing.T) {
	l, _, _ := newTestLedger()
	loan, err := l.CreateLoan(context.Background(), createLoanInput(uuid.New()))
	require.NoError(t, err)

	amounts := []int64{10600, 5000, 16200}
	date := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, amount := range amounts {
		_, err = l.RecordTransaction(context.Background(), RecordTransactionInput{
			LoanID:          loan.ID,
			Amount:          decimal.NewFromInt(amount),
			TransactionType: models.TransactionTypeRepayment,
			TransactionDate: date,
		})
		require.NoError(t, err)
		date = date.AddDate(0, 1, 0)
	}

	detail, err := l.GetLoanDetail(loan.ID)
	require.NoError(t, err)
	assert.True(t, detail.Summary.RepaymentsReceived.Equal(decimal.NewFromInt(31800)))
	assert.True(t, detail.Summary.RepaymentsPending.Equal(decimal.NewFromInt(95400)))
	assert.Len(t, detail.Transactions, 4) // disbursement + 3 repayments
}

func TestVerifyLoan(t *testing.T) {
	l, mockStore, _ := newTestLedger()
	loan, err := l.CreateLoan(context.Background(), createLoanInput(uuid.New()))
	require.NoError(t, err)

	_, err = l.RecordTransaction(context.Background(), RecordTransactionInput{
		LoanID:          loan.ID,
		Amount:          decimal.NewFromInt(10600),
		TransactionType: models.TransactionTypeRepayment,
		TransactionDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	report, err := l.VerifyLoan(loan.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent, "mismatches: %v", report.Mismatches)

	// corrupt the stored counters behind the engine's back
	mockStore.loans[loan.ID].PaidEmis = 5
	report, err = l.VerifyLoan(loan.ID)
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.NotEmpty(t, report.Mismatches)
}

func TestRunConsistencyAudit(t *testing.T) {
	l, mockStore, _ := newTestLedger()
	_, err := l.CreateLoan(context.Background(), createLoanInput(uuid.New()))
	require.NoError(t, err)
	bad, err := l.CreateLoan(context.Background(), createLoanInput(uuid.New()))
	require.NoError(t, err)

	mockStore.loans[bad.ID].PendingEmis = 3
	mockStore.loans[bad.ID].PaidEmis = 1

	divergent, err := l.RunConsistencyAudit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, divergent)
}

func TestConcurrentRepaymentsSerialize(t *testing.T) {
	l, _, _ := newTestLedger()
	loan, err := l.CreateLoan(context.Background(), createLoanInput(uuid.New()))
	require.NoError(t, err)

	const workers = 4
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.RecordTransaction(context.Background(), RecordTransactionInput{
				LoanID:          loan.ID,
				Amount:          decimal.NewFromInt(10600),
				TransactionType: models.TransactionTypeRepayment,
				TransactionDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			})
			// conflicts that exhaust the retry budget are acceptable here;
			// lost updates are not
			if err != nil {
				var conflict *models.ConcurrencyConflictError
				assert.ErrorAs(t, err, &conflict)
			}
		}()
	}
	wg.Wait()

	stored, err := l.GetLoan(loan.ID)
	require.NoError(t, err)
	txs, err := l.ListTransactions(store.TransactionFilter{LoanID: &loan.ID})
	require.NoError(t, err)

	repayments := 0
	for _, tx := range txs {
		if tx.TransactionType == models.TransactionTypeRepayment {
			repayments++
		}
	}
	// every persisted repayment is reflected in the counters, no divergence
	assert.Equal(t, repayments, stored.PaidEmis)
	assert.Equal(t, stored.TenureMonths, stored.PaidEmis+stored.PendingEmis)
}
