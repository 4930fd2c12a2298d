// Package domain defines the core interfaces and types for FraudWatch.
package domain

import (
	"context"
	"time"
)

// TransactionStore is the durable append-create store for evaluated transactions.
type TransactionStore interface {
	// CreateTransaction persists tx and returns it with CreatedDate assigned.
	CreateTransaction(ctx context.Context, tx *Transaction) (*Transaction, error)
	ListTransactions(ctx context.Context, opts ListOptions) ([]*Transaction, error)
}

// AlertStore is the durable append-create store for fraud alerts.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *FraudAlert) (*FraudAlert, error)
	ListAlerts(ctx context.Context, opts ListOptions) ([]*FraudAlert, error)
}

// Repository is the full persistence surface used by the service.
type Repository interface {
	TransactionStore
	AlertStore

	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	CountUserTransactions(ctx context.Context, userID string, since time.Time) (int64, error)

	// ListUnalertedFlagged returns flagged transactions created before
	// createdBefore that have no alert, oldest first. Used by the reconciler.
	ListUnalertedFlagged(ctx context.Context, createdBefore time.Time, limit int) ([]*Transaction, error)

	// Rule configuration for the rule-based oracle
	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" mapstructure:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" mapstructure:"postgres_port"`
	PostgresUser     string `json:"postgresUser" mapstructure:"postgres_user"`
	PostgresPassword string `json:"-" mapstructure:"postgres_password"`
	PostgresDB       string `json:"postgresDb" mapstructure:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" mapstructure:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" mapstructure:"conn_max_lifetime"`
}
