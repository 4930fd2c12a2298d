package repository

// Schema definitions for the FraudWatch database.
// Compatible with both SQLite and PostgreSQL.

// Amounts are stored as decimal text so no precision is lost in either driver.
const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    merchant_name TEXT NOT NULL,
    merchant_category TEXT NOT NULL DEFAULT '',
    location_city TEXT NOT NULL,
    location_state TEXT NOT NULL,
    payment_method TEXT NOT NULL,
    upi_vpa TEXT NOT NULL DEFAULT '',
    bank_name TEXT NOT NULL DEFAULT '',
    risk_score INTEGER NOT NULL,
    status TEXT NOT NULL,
    fraud_indicators TEXT NOT NULL,
    ai_explanation TEXT NOT NULL,
    created_date TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions(created_date);
CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, created_date);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
`

// fraud_alerts.transaction_id references transactions by value only.
const schemaFraudAlerts = `
CREATE TABLE IF NOT EXISTS fraud_alerts (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL,
    alert_type TEXT NOT NULL,
    severity TEXT NOT NULL,
    description TEXT NOT NULL,
    status TEXT NOT NULL,
    created_date TIMESTAMP NOT NULL
);

-- At most one alert per transaction, whichever of the pipeline or the
-- reconciler writes it first.
DROP INDEX IF EXISTS idx_fraud_alerts_tx;
CREATE UNIQUE INDEX IF NOT EXISTS idx_fraud_alerts_tx_unique ON fraud_alerts(transaction_id);
CREATE INDEX IF NOT EXISTS idx_fraud_alerts_created ON fraud_alerts(created_date);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    bands TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 1.0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaFraudAlerts,
		schemaRuleConfigs,
	}
}
