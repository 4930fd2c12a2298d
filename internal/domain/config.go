package domain

import "time"

// Config holds the complete FraudWatch configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Tier determines which backends are used by default
	Tier Tier `json:"tier" mapstructure:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" mapstructure:"repository"`
	Cache      CacheConfig      `json:"cache" mapstructure:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" mapstructure:"event_bus"`

	// Scoring and evaluation
	Oracle     OracleConfig     `json:"oracle" mapstructure:"oracle"`
	Pipeline   PipelineConfig   `json:"pipeline" mapstructure:"pipeline"`
	Reconciler ReconcilerConfig `json:"reconciler" mapstructure:"reconciler"`
	Worker     WorkerConfig     `json:"worker" mapstructure:"worker"`
	Stats      StatsConfig      `json:"stats" mapstructure:"stats"`

	// Observability
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	ReadTimeout  int    `json:"readTimeout" mapstructure:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" mapstructure:"write_timeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName  string `json:"serviceName" mapstructure:"service_name"`
	ExporterType string `json:"exporterType" mapstructure:"exporter_type"` // stdout, otlp
	Endpoint     string `json:"endpoint" mapstructure:"endpoint"`
}

// Oracle backends.
const (
	OracleBackendRules = "rules"
	OracleBackendHTTP  = "http"
)

// OracleConfig selects and configures the risk scoring oracle.
type OracleConfig struct {
	// Backend is "rules" (local CEL rule set) or "http" (remote inference API)
	Backend string `json:"backend" mapstructure:"backend"`

	// Remote inference settings
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	APIKey   string `json:"-" mapstructure:"api_key"`
	Model    string `json:"model" mapstructure:"model"`

	// Timeout bounds every oracle call
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// PipelineConfig holds evaluation pipeline settings.
type PipelineConfig struct {
	DefaultCurrency string        `json:"defaultCurrency" mapstructure:"default_currency"`
	VelocityWindow  time.Duration `json:"velocityWindow" mapstructure:"velocity_window"`
}

// ReconcilerConfig controls the missing-alert reconciliation job.
type ReconcilerConfig struct {
	Enabled   bool          `json:"enabled" mapstructure:"enabled"`
	Interval  time.Duration `json:"interval" mapstructure:"interval"`
	BatchSize int           `json:"batchSize" mapstructure:"batch_size"`

	// GracePeriod is how old a flagged transaction must be before a
	// periodic pass treats its missing alert as lost. It must exceed the
	// oracle timeout plus the alert write.
	GracePeriod time.Duration `json:"gracePeriod" mapstructure:"grace_period"`
}

// WorkerConfig controls async evaluation consumers.
type WorkerConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	Count   int  `json:"count" mapstructure:"count"`
}

// StatsConfig controls the dashboard summary.
type StatsConfig struct {
	TransactionWindow int           `json:"transactionWindow" mapstructure:"transaction_window"`
	AlertWindow       int           `json:"alertWindow" mapstructure:"alert_window"`
	CacheTTL          time.Duration `json:"cacheTtl" mapstructure:"cache_ttl"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./fraudwatch.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Oracle: OracleConfig{
			Backend: OracleBackendRules,
			Timeout: 10 * time.Second,
		},
		Pipeline: PipelineConfig{
			DefaultCurrency: DefaultCurrency,
			VelocityWindow:  time.Hour,
		},
		Reconciler: ReconcilerConfig{
			Enabled:   true,
			Interval:    time.Minute,
			BatchSize:   100,
			GracePeriod: 30 * time.Second,
		},
		Worker: WorkerConfig{
			Enabled: true,
			Count:   4,
		},
		Stats: StatsConfig{
			TransactionWindow: 50,
			AlertWindow:       20,
			CacheTTL:          10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "fraudwatch",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:          "postgres",
		PostgresHost:    "localhost",
		PostgresPort:    5432,
		PostgresUser:    "fraudwatch",
		PostgresDB:      "fraudwatch",
		PostgresSSLMode: "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       30 * time.Second,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
