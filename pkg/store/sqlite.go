package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/mcclellann/emiledger/pkg/models"
)

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	// SQLite serializes writes anyway; a single pooled connection turns
	// concurrent writers into queued ones instead of SQLITE_BUSY errors.
	db.SetMaxOpenConns(1)

	// Manually enable foreign keys and WAL mode
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the tables if they don't already exist. Decimal fields
// are TEXT so no precision is lost. The partial unique index is what enforces
// "one open loan per customer" under concurrent inserts; the orchestrator's
// pre-check is advisory only.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		principal_amount TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		tenure_months INTEGER NOT NULL,
		emi_amount TEXT NOT NULL,
		total_payable_amount TEXT NOT NULL,
		start_date DATETIME NOT NULL,
		end_date DATETIME,
		paid_emis INTEGER NOT NULL DEFAULT 0,
		pending_emis INTEGER NOT NULL,
		next_emi_amount TEXT NOT NULL,
		installment_date DATETIME,
		status TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_loans_open_customer
		ON loans(customer_id) WHERE status IN ('Pending','Active','Defaulted');
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		transaction_type TEXT NOT NULL,
		payment_mode TEXT,
		transaction_date DATETIME NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_loan ON transactions(loan_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// isUniqueViolation checks whether err is the open-loan unique index firing.
func isUniqueViolation(err error) bool {
	var sqlErr sqlite3.Error
	return errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

const loanColumns = `id, customer_id, principal_amount, interest_rate, tenure_months, emi_amount,
	total_payable_amount, start_date, end_date, paid_emis, pending_emis, next_emi_amount,
	installment_date, status, description, version, created_by, created_at, updated_at`

// CreateLoanWithDisbursement inserts the loan row and its opening disbursement
// inside one database transaction.
func (s *SQLiteStore) CreateLoanWithDisbursement(loan *models.Loan, disbursement *models.Transaction) error {
	tx, err := s.db.Begin()
	if err != nil {
		return &models.PersistenceError{Op: "begin create loan", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.CustomerID.String(), loan.PrincipalAmount, loan.InterestRate,
		loan.TenureMonths, loan.EmiAmount, loan.TotalPayableAmount, loan.StartDate, loan.EndDate,
		loan.PaidEmis, loan.PendingEmis, loan.NextEmiAmount, loan.InstallmentDate, loan.Status,
		loan.Description, loan.Version, loan.CreatedBy, loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &models.ConflictError{Reason: "customer already has an open loan"}
		}
		return &models.PersistenceError{Op: "insert loan", Err: err}
	}

	if err := insertTransaction(tx, disbursement); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return &models.PersistenceError{Op: "commit create loan", Err: err}
	}
	return nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertTransaction(e execer, t *models.Transaction) error {
	var mode sql.NullString
	if t.PaymentMode != "" {
		mode = sql.NullString{String: string(t.PaymentMode), Valid: true}
	}
	_, err := e.Exec(
		`INSERT INTO transactions (id, loan_id, customer_id, amount, transaction_type, payment_mode,
			transaction_date, description, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.LoanID.String(), t.CustomerID.String(), t.Amount, t.TransactionType,
		mode, t.TransactionDate, t.Description, t.CreatedBy, t.CreatedAt,
	)
	if err != nil {
		return &models.PersistenceError{Op: "insert transaction", Err: err}
	}
	return nil
}

// GetLoan retrieves a loan by its ID.
func (s *SQLiteStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	row := s.db.QueryRow(`SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &models.NotFoundError{Entity: "loan"}
		}
		return nil, &models.PersistenceError{Op: "get loan", Err: err}
	}
	return loan, nil
}

// GetOpenLoanForCustomer returns the customer's open loan, or nil when there
// is none.
func (s *SQLiteStore) GetOpenLoanForCustomer(customerID uuid.UUID) (*models.Loan, error) {
	row := s.db.QueryRow(
		`SELECT `+loanColumns+` FROM loans
		WHERE customer_id = ? AND status IN ('Pending','Active','Defaulted')`,
		customerID.String(),
	)
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &models.PersistenceError{Op: "get open loan", Err: err}
	}
	return loan, nil
}

// ListLoans retrieves loans matching the filter, newest first.
func (s *SQLiteStore) ListLoans(filter LoanFilter) ([]*models.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE 1=1`
	var args []any
	if filter.CustomerID != nil {
		query += ` AND customer_id = ?`
		args = append(args, filter.CustomerID.String())
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, *filter.Status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, &models.PersistenceError{Op: "list loans", Err: err}
	}
	defer rows.Close()

	return scanLoans(rows)
}

// ListLoansDueBy retrieves active loans with an installment due on or before
// the given date.
func (s *SQLiteStore) ListLoansDueBy(date time.Time) ([]*models.Loan, error) {
	rows, err := s.db.Query(
		`SELECT `+loanColumns+` FROM loans
		WHERE status = 'Active' AND installment_date IS NOT NULL AND installment_date <= ?
		ORDER BY installment_date ASC`,
		date,
	)
	if err != nil {
		return nil, &models.PersistenceError{Op: "list due loans", Err: err}
	}
	defer rows.Close()

	return scanLoans(rows)
}

// UpdateLoan applies a new loan snapshot, guarded by the version the caller
// read. On success the loan's Version is bumped to match the stored row.
func (s *SQLiteStore) UpdateLoan(loan *models.Loan, expectedVersion int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return &models.PersistenceError{Op: "begin update loan", Err: err}
	}
	defer tx.Rollback()

	if err := updateLoanGuarded(tx, loan, expectedVersion); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &models.PersistenceError{Op: "commit update loan", Err: err}
	}
	return nil
}

func updateLoanGuarded(tx *sql.Tx, loan *models.Loan, expectedVersion int64) error {
	result, err := tx.Exec(
		`UPDATE loans SET end_date = ?, paid_emis = ?, pending_emis = ?, next_emi_amount = ?,
			installment_date = ?, status = ?, description = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		loan.EndDate, loan.PaidEmis, loan.PendingEmis, loan.NextEmiAmount,
		loan.InstallmentDate, loan.Status, loan.Description, loan.UpdatedAt,
		loan.ID.String(), expectedVersion,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &models.ConflictError{Reason: "customer already has an open loan"}
		}
		return &models.PersistenceError{Op: "update loan", Err: err}
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return &models.PersistenceError{Op: "update loan", Err: err}
	}
	if affected == 0 {
		var exists int
		if err := tx.QueryRow(`SELECT 1 FROM loans WHERE id = ?`, loan.ID.String()).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &models.NotFoundError{Entity: "loan"}
			}
			return &models.PersistenceError{Op: "update loan", Err: err}
		}
		return &models.ConcurrencyConflictError{Entity: "loan"}
	}
	loan.Version = expectedVersion + 1
	return nil
}

// DeleteLoan removes a loan. With ledger entries present it refuses unless
// force is set, in which case loan and ledger are removed together.
func (s *SQLiteStore) DeleteLoan(id uuid.UUID, force bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return &models.PersistenceError{Op: "begin delete loan", Err: err}
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM transactions WHERE loan_id = ?`, id.String()).Scan(&count); err != nil {
		return &models.PersistenceError{Op: "delete loan", Err: err}
	}
	if count > 0 {
		if !force {
			return &models.ConflictError{Reason: "loan has ledger entries; delete requires force"}
		}
		if _, err := tx.Exec(`DELETE FROM transactions WHERE loan_id = ?`, id.String()); err != nil {
			return &models.PersistenceError{Op: "delete loan transactions", Err: err}
		}
	}

	result, err := tx.Exec(`DELETE FROM loans WHERE id = ?`, id.String())
	if err != nil {
		return &models.PersistenceError{Op: "delete loan", Err: err}
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return &models.PersistenceError{Op: "delete loan", Err: err}
	}
	if affected == 0 {
		return &models.NotFoundError{Entity: "loan"}
	}

	if err := tx.Commit(); err != nil {
		return &models.PersistenceError{Op: "commit delete loan", Err: err}
	}
	return nil
}

// AppendRepayment inserts the ledger entry and applies the recomputed loan
// snapshot inside one database transaction. Either both land or neither does.
func (s *SQLiteStore) AppendRepayment(t *models.Transaction, loan *models.Loan, expectedVersion int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return &models.PersistenceError{Op: "begin append repayment", Err: err}
	}
	defer tx.Rollback()

	if err := insertTransaction(tx, t); err != nil {
		return err
	}
	if err := updateLoanGuarded(tx, loan, expectedVersion); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return &models.PersistenceError{Op: "commit append repayment", Err: err}
	}
	return nil
}

// GetTransaction retrieves a single ledger entry.
func (s *SQLiteStore) GetTransaction(id uuid.UUID) (*models.Transaction, error) {
	row := s.db.QueryRow(
		`SELECT id, loan_id, customer_id, amount, transaction_type, payment_mode,
			transaction_date, description, created_by, created_at
		FROM transactions WHERE id = ?`,
		id.String(),
	)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &models.NotFoundError{Entity: "transaction"}
		}
		return nil, &models.PersistenceError{Op: "get transaction", Err: err}
	}
	return t, nil
}

// GetTransactionsForLoan retrieves a loan's ledger in the order the entries
// were recorded. The engine applied them in that order, so replaying them in
// any other, such as value-date order with a backdated entry, would not
// rebuild the stored counters.
func (s *SQLiteStore) GetTransactionsForLoan(loanID uuid.UUID) ([]*models.Transaction, error) {
	rows, err := s.db.Query(
		`SELECT id, loan_id, customer_id, amount, transaction_type, payment_mode,
			transaction_date, description, created_by, created_at
		FROM transactions WHERE loan_id = ?
		ORDER BY created_at ASC, rowid ASC`,
		loanID.String(),
	)
	if err != nil {
		return nil, &models.PersistenceError{Op: "get loan transactions", Err: err}
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// ListTransactions retrieves ledger entries matching the filter, oldest first.
func (s *SQLiteStore) ListTransactions(filter TransactionFilter) ([]*models.Transaction, error) {
	query := `SELECT id, loan_id, customer_id, amount, transaction_type, payment_mode,
		transaction_date, description, created_by, created_at
	FROM transactions WHERE 1=1`
	var args []any
	if filter.LoanID != nil {
		query += ` AND loan_id = ?`
		args = append(args, filter.LoanID.String())
	}
	if filter.CustomerID != nil {
		query += ` AND customer_id = ?`
		args = append(args, filter.CustomerID.String())
	}
	if filter.TransactionType != nil {
		query += ` AND transaction_type = ?`
		args = append(args, *filter.TransactionType)
	}
	if filter.PaymentMode != nil {
		query += ` AND payment_mode = ?`
		args = append(args, *filter.PaymentMode)
	}
	if filter.From != nil {
		query += ` AND transaction_date >= ?`
		args = append(args, *filter.From)
	}
	if filter.To != nil {
		query += ` AND transaction_date <= ?`
		args = append(args, *filter.To)
	}
	query += ` ORDER BY transaction_date ASC, created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, &models.PersistenceError{Op: "list transactions", Err: err}
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// UpdateTransactionDescription edits the one mutable transaction field.
func (s *SQLiteStore) UpdateTransactionDescription(id uuid.UUID, description string) error {
	result, err := s.db.Exec(`UPDATE transactions SET description = ? WHERE id = ?`, description, id.String())
	if err != nil {
		return &models.PersistenceError{Op: "update transaction", Err: err}
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return &models.PersistenceError{Op: "update transaction", Err: err}
	}
	if affected == 0 {
		return &models.NotFoundError{Entity: "transaction"}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var idStr, customerIDStr string
	var endDate, installmentDate sql.NullTime
	err := row.Scan(
		&idStr, &customerIDStr, &loan.PrincipalAmount, &loan.InterestRate, &loan.TenureMonths,
		&loan.EmiAmount, &loan.TotalPayableAmount, &loan.StartDate, &endDate, &loan.PaidEmis,
		&loan.PendingEmis, &loan.NextEmiAmount, &installmentDate, &loan.Status, &loan.Description,
		&loan.Version, &loan.CreatedBy, &loan.CreatedAt, &loan.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	loan.ID = uuid.MustParse(idStr)
	loan.CustomerID = uuid.MustParse(customerIDStr)
	if endDate.Valid {
		loan.EndDate = &endDate.Time
	}
	if installmentDate.Valid {
		loan.InstallmentDate = &installmentDate.Time
	}
	return &loan, nil
}

func scanLoans(rows *sql.Rows) ([]*models.Loan, error) {
	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, &models.PersistenceError{Op: "scan loan", Err: err}
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.PersistenceError{Op: "scan loans", Err: err}
	}
	return loans, nil
}

func scanTransactions(rows *sql.Rows) ([]*models.Transaction, error) {
	var transactions []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, &models.PersistenceError{Op: "scan transaction", Err: err}
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.PersistenceError{Op: "scan transactions", Err: err}
	}
	return transactions, nil
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var t models.Transaction
	var idStr, loanIDStr, customerIDStr string
	var mode sql.NullString
	err := row.Scan(
		&idStr, &loanIDStr, &customerIDStr, &t.Amount, &t.TransactionType, &mode,
		&t.TransactionDate, &t.Description, &t.CreatedBy, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.ID = uuid.MustParse(idStr)
	t.LoanID = uuid.MustParse(loanIDStr)
	t.CustomerID = uuid.MustParse(customerIDStr)
	if mode.Valid {
		t.PaymentMode = models.PaymentMode(mode.String)
	}
	return &t, nil
}
