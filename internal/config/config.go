// Package config loads FraudWatch configuration from defaults, an optional
// YAML file and FRAUDWATCH_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/opensource-finance/fraudwatch/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g.
// FRAUDWATCH_SERVER_PORT or FRAUDWATCH_EVENT_BUS_NATS_URL.
const EnvPrefix = "FRAUDWATCH"

// Load builds the configuration. path may be empty. The tier named by the
// file or FRAUDWATCH_TIER selects the base defaults.
func Load(path string) (*domain.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	base := domain.DefaultConfig()
	if domain.Tier(strings.ToLower(v.GetString("tier"))) == domain.TierPro {
		base = domain.ProConfig()
	}
	setDefaults(v, base)

	cfg := &domain.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so environment variables can override
// keys that the file does not mention.
func setDefaults(v *viper.Viper, c *domain.Config) {
	v.SetDefault("tier", string(c.Tier))

	v.SetDefault("server.host", c.Server.Host)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.read_timeout", c.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", c.Server.WriteTimeout)

	v.SetDefault("repository.driver", c.Repository.Driver)
	v.SetDefault("repository.sqlite_path", c.Repository.SQLitePath)
	v.SetDefault("repository.postgres_host", c.Repository.PostgresHost)
	v.SetDefault("repository.postgres_port", c.Repository.PostgresPort)
	v.SetDefault("repository.postgres_user", c.Repository.PostgresUser)
	v.SetDefault("repository.postgres_password", c.Repository.PostgresPassword)
	v.SetDefault("repository.postgres_db", c.Repository.PostgresDB)
	v.SetDefault("repository.postgres_sslmode", c.Repository.PostgresSSLMode)
	v.SetDefault("repository.max_open_conns", c.Repository.MaxOpenConns)
	v.SetDefault("repository.max_idle_conns", c.Repository.MaxIdleConns)
	v.SetDefault("repository.conn_max_lifetime", c.Repository.ConnMaxLifetime)

	v.SetDefault("cache.type", c.Cache.Type)
	v.SetDefault("cache.local_max_size", c.Cache.LocalMaxSize)
	v.SetDefault("cache.local_ttl", c.Cache.LocalTTL)
	v.SetDefault("cache.redis_addr", c.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", c.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", c.Cache.RedisDB)
	v.SetDefault("cache.enable_two_phase", c.Cache.EnableTwoPhase)

	v.SetDefault("event_bus.type", c.EventBus.Type)
	v.SetDefault("event_bus.channel_buffer_size", c.EventBus.ChannelBufferSize)
	v.SetDefault("event_bus.nats_url", c.EventBus.NATSUrl)
	v.SetDefault("event_bus.nats_token", c.EventBus.NATSToken)
	v.SetDefault("event_bus.nats_max_reconnects", c.EventBus.NATSMaxReconnects)
	v.SetDefault("event_bus.nats_reconnect_wait", c.EventBus.NATSReconnectWait)

	v.SetDefault("oracle.backend", c.Oracle.Backend)
	v.SetDefault("oracle.endpoint", c.Oracle.Endpoint)
	v.SetDefault("oracle.api_key", c.Oracle.APIKey)
	v.SetDefault("oracle.model", c.Oracle.Model)
	v.SetDefault("oracle.timeout", c.Oracle.Timeout)

	v.SetDefault("pipeline.default_currency", c.Pipeline.DefaultCurrency)
	v.SetDefault("pipeline.velocity_window", c.Pipeline.VelocityWindow)

	v.SetDefault("reconciler.enabled", c.Reconciler.Enabled)
	v.SetDefault("reconciler.interval", c.Reconciler.Interval)
	v.SetDefault("reconciler.batch_size", c.Reconciler.BatchSize)
	v.SetDefault("reconciler.grace_period", c.Reconciler.GracePeriod)

	v.SetDefault("worker.enabled", c.Worker.Enabled)
	v.SetDefault("worker.count", c.Worker.Count)

	v.SetDefault("stats.transaction_window", c.Stats.TransactionWindow)
	v.SetDefault("stats.alert_window", c.Stats.AlertWindow)
	v.SetDefault("stats.cache_ttl", c.Stats.CacheTTL)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)

	v.SetDefault("tracing.enabled", c.Tracing.Enabled)
	v.SetDefault("tracing.service_name", c.Tracing.ServiceName)
	v.SetDefault("tracing.exporter_type", c.Tracing.ExporterType)
	v.SetDefault("tracing.endpoint", c.Tracing.Endpoint)
}

// Validate rejects configurations the service cannot start with.
func Validate(c *domain.Config) error {
	var errs []error

	if c.Tier != domain.TierCommunity && c.Tier != domain.TierPro {
		errs = append(errs, fmt.Errorf("unknown tier %q", c.Tier))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	switch c.Repository.Driver {
	case "sqlite":
		if c.Repository.SQLitePath == "" {
			errs = append(errs, errors.New("repository.sqlite_path is required for sqlite"))
		}
	case "postgres":
		if c.Repository.PostgresHost == "" || c.Repository.PostgresDB == "" {
			errs = append(errs, errors.New("repository.postgres_host and repository.postgres_db are required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown repository.driver %q", c.Repository.Driver))
	}

	switch c.Cache.Type {
	case "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("cache.redis_addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache.type %q", c.Cache.Type))
	}

	switch c.EventBus.Type {
	case "channel":
	case "nats":
		if c.EventBus.NATSUrl == "" {
			errs = append(errs, errors.New("event_bus.nats_url is required for nats"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown event_bus.type %q", c.EventBus.Type))
	}

	switch c.Oracle.Backend {
	case domain.OracleBackendRules:
	case domain.OracleBackendHTTP:
		if c.Oracle.Endpoint == "" {
			errs = append(errs, errors.New("oracle.endpoint is required for the http backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown oracle.backend %q", c.Oracle.Backend))
	}
	if c.Oracle.Timeout <= 0 {
		errs = append(errs, errors.New("oracle.timeout must be positive"))
	}

	if c.Reconciler.Enabled && c.Reconciler.Interval <= 0 {
		errs = append(errs, errors.New("reconciler.interval must be positive"))
	}
	if c.Reconciler.Enabled && c.Reconciler.GracePeriod <= c.Oracle.Timeout {
		errs = append(errs, errors.New("reconciler.grace_period must exceed oracle.timeout"))
	}
	if c.Worker.Count < 0 {
		errs = append(errs, errors.New("worker.count must not be negative"))
	}

	return errors.Join(errs...)
}
