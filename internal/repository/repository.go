// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/fraudwatch/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
		now:    func() time.Time { return time.Now().UTC() },
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const transactionColumns = `
	id, user_id, amount, currency, merchant_name, merchant_category,
	location_city, location_state, payment_method, upi_vpa, bank_name,
	risk_score, status, fraud_indicators, ai_explanation, created_date`

// CreateTransaction stores an evaluated transaction. The store assigns
// created_date; the stored copy is returned.
func (r *SQLRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	if tx == nil || tx.ID == "" {
		return nil, fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}
	if !tx.Status.Valid() || tx.AIExplanation == "" {
		return nil, fmt.Errorf("%w: transaction %s has not been evaluated", ErrInvalidInput, tx.ID)
	}

	stored := *tx
	stored.CreatedDate = r.now()
	if stored.FraudIndicators == nil {
		stored.FraudIndicators = []string{}
	}
	indicators, err := json.Marshal(stored.FraudIndicators)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fraud indicators: %w", err)
	}

	query := `INSERT INTO transactions (` + transactionColumns + `
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		stored.ID, stored.UserID, stored.Amount.String(), stored.Currency,
		stored.MerchantName, stored.MerchantCategory,
		stored.LocationCity, stored.LocationState,
		stored.PaymentMethod, stored.UPIVPA, stored.BankName,
		stored.RiskScore, string(stored.Status), string(indicators), stored.AIExplanation,
		stored.CreatedDate,
	)
	if r.isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrDuplicate, stored.ID)
	}
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// ListTransactions returns transactions ordered by created_date.
func (r *SQLRepository) ListTransactions(ctx context.Context, opts domain.ListOptions) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions` +
		orderClause(opts.Order) + limitClause(opts.Limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// CountUserTransactions counts a user's transactions created since the given time.
func (r *SQLRepository) CountUserTransactions(ctx context.Context, userID string, since time.Time) (int64, error) {
	query := `SELECT COUNT(*) FROM transactions WHERE user_id = ? AND created_date >= ?`

	var n int64
	if err := r.db.QueryRowContext(ctx, r.rebind(query), userID, since.UTC()).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ListUnalertedFlagged returns suspicious or blocked transactions created
// before createdBefore that have no alert, oldest first. A zero
// createdBefore applies no cutoff.
func (r *SQLRepository) ListUnalertedFlagged(ctx context.Context, createdBefore time.Time, limit int) ([]*domain.Transaction, error) {
	args := []any{string(domain.StatusSuspicious), string(domain.StatusBlocked)}
	cutoff := ""
	if !createdBefore.IsZero() {
		cutoff = " AND t.created_date < ?"
		args = append(args, createdBefore.UTC())
	}

	query := `SELECT ` + prefixed("t.", transactionColumns) + `
		FROM transactions t
		LEFT JOIN fraud_alerts a ON a.transaction_id = t.id
		WHERE t.status IN (?, ?) AND a.id IS NULL` + cutoff + `
		ORDER BY t.created_date ASC, t.id ASC` + limitClause(limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// CreateAlert stores a fraud alert, assigning created_date.
func (r *SQLRepository) CreateAlert(ctx context.Context, alert *domain.FraudAlert) (*domain.FraudAlert, error) {
	if alert == nil || alert.ID == "" || alert.TransactionID == "" {
		return nil, fmt.Errorf("%w: alert id and transaction id are required", ErrInvalidInput)
	}

	stored := *alert
	stored.CreatedDate = r.now()

	query := `
		INSERT INTO fraud_alerts (
			id, transaction_id, alert_type, severity, description, status, created_date
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		stored.ID, stored.TransactionID,
		string(stored.AlertType), string(stored.Severity),
		stored.Description, string(stored.Status), stored.CreatedDate,
	)
	if r.isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: alert for transaction %s", domain.ErrDuplicate, stored.TransactionID)
	}
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// ListAlerts returns fraud alerts ordered by created_date.
func (r *SQLRepository) ListAlerts(ctx context.Context, opts domain.ListOptions) ([]*domain.FraudAlert, error) {
	query := `
		SELECT id, transaction_id, alert_type, severity, description, status, created_date
		FROM fraud_alerts` + orderClause(opts.Order) + limitClause(opts.Limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.FraudAlert
	for rows.Next() {
		var a domain.FraudAlert
		var alertType, severity, status string

		if err := rows.Scan(
			&a.ID, &a.TransactionID, &alertType, &severity,
			&a.Description, &status, &a.CreatedDate,
		); err != nil {
			return nil, err
		}

		a.AlertType = domain.AlertType(alertType)
		a.Severity = domain.Severity(severity)
		a.Status = domain.AlertStatus(status)
		alerts = append(alerts, &a)
	}

	return alerts, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var amount, status, indicators string

	if err := row.Scan(
		&tx.ID, &tx.UserID, &amount, &tx.Currency,
		&tx.MerchantName, &tx.MerchantCategory,
		&tx.LocationCity, &tx.LocationState,
		&tx.PaymentMethod, &tx.UPIVPA, &tx.BankName,
		&tx.RiskScore, &status, &indicators, &tx.AIExplanation,
		&tx.CreatedDate,
	); err != nil {
		return nil, err
	}

	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("transaction %s has malformed amount %q: %w", tx.ID, amount, err)
	}
	tx.Amount = parsed
	tx.Status = domain.Status(status)

	tx.FraudIndicators = []string{}
	if indicators != "" {
		if err := json.Unmarshal([]byte(indicators), &tx.FraudIndicators); err != nil {
			return nil, fmt.Errorf("failed to parse fraud indicators for %s: %w", tx.ID, err)
		}
	}

	return &tx, nil
}

func collectTransactions(rows *sql.Rows) ([]*domain.Transaction, error) {
	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// orderClause maps a list order to SQL. Ties on created_date are broken by id
// so listings are stable.
func orderClause(order domain.ListOrder) string {
	if order == domain.OrderOldestFirst {
		return ` ORDER BY created_date ASC, id ASC`
	}
	return ` ORDER BY created_date DESC, id DESC`
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return ` LIMIT ` + strconv.Itoa(limit)
}

func prefixed(prefix, columns string) string {
	var out []byte
	start := true
	for i := 0; i < len(columns); i++ {
		c := columns[i]
		if start && c != ' ' && c != '\t' && c != '\n' && c != ',' {
			out = append(out, prefix...)
			start = false
		}
		if c == ',' {
			start = true
		}
		out = append(out, c)
	}
	return string(out)
}

// isUniqueViolation reports whether err is the driver's unique constraint failure.
func (r *SQLRepository) isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if r.driver == "postgres" {
		return isPostgresUniqueViolation(err)
	}
	return isSQLiteUniqueViolation(err)
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, strconv.Itoa(n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
