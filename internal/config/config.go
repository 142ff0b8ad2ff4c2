package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"txwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Logging       logging.Config      `mapstructure:"logging"`
	Ledger        LedgerConfig        `mapstructure:"ledger"`
	Watcher       WatcherConfig       `mapstructure:"watcher"`
	Confirmations ConfirmationsConfig `mapstructure:"confirmations"`
	Patterns      PatternsConfig      `mapstructure:"patterns"`
	Anomaly       AnomalyConfig       `mapstructure:"anomaly"`
	Alerting      AlertingConfig      `mapstructure:"alerting"`
	Events        EventsConfig        `mapstructure:"events"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Storage       StorageConfig       `mapstructure:"storage"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Export        ExportConfig        `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// Ledger backends.
const (
	LedgerSolana = "solana"
	LedgerEVM    = "evm"
)

// LedgerConfig selects and configures the RPC backend.
type LedgerConfig struct {
	Kind       string        `mapstructure:"kind"`
	RPCURL     string        `mapstructure:"rpc_url"`
	Commitment string        `mapstructure:"commitment"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// WatcherConfig governs signature polling.
type WatcherConfig struct {
	InitialDelay  time.Duration `mapstructure:"initial_delay"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	Concurrency   int64         `mapstructure:"concurrency"`
	DetailTimeout time.Duration `mapstructure:"detail_timeout"`
}

// ConfirmationsConfig sizes the confirmation ledger and its metrics.
type ConfirmationsConfig struct {
	Capacity           int           `mapstructure:"capacity"`
	Window             time.Duration `mapstructure:"window"`
	MetricsInterval    time.Duration `mapstructure:"metrics_interval"`
	// AlignMetrics puts metrics ticks on wall-clock multiples of the interval.
	AlignMetrics       bool          `mapstructure:"align_metrics"`
	SlowConfirmation   time.Duration `mapstructure:"slow_confirmation"`
	FailRateAnomalyPct float64       `mapstructure:"fail_rate_anomaly_pct"`
	TPSAnomaly         float64       `mapstructure:"tps_anomaly"`
}

// PatternsConfig bounds per-actor history.
type PatternsConfig struct {
	Window          time.Duration `mapstructure:"window"`
	FrequencyWindow time.Duration `mapstructure:"frequency_window"`
	MaxRecords      int           `mapstructure:"max_records"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	CleanupDelay    time.Duration `mapstructure:"cleanup_delay"`
	AutoWatch       bool          `mapstructure:"auto_watch"`
}

// AnomalyConfig holds detector thresholds. Amounts are native units.
type AnomalyConfig struct {
	MaxFrequencyPerMinute int             `mapstructure:"max_frequency_per_minute"`
	MaxAmountPerWindow    decimal.Decimal `mapstructure:"max_amount_per_window"`
	SuspiciousAmount      decimal.Decimal `mapstructure:"suspicious_amount"`
	MaxFailedAttempts     int             `mapstructure:"max_failed_attempts"`
	NewRecipientAmount    decimal.Decimal `mapstructure:"new_recipient_amount"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	BufferSize  int            `mapstructure:"buffer_size"`
	SendTimeout time.Duration  `mapstructure:"send_timeout"`
	Persist     bool           `mapstructure:"persist"`
	Log         bool           `mapstructure:"log"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
	Kafka       KafkaConfig    `mapstructure:"kafka"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// KafkaConfig routes alerts to a Kafka topic.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// EventsConfig tunes the in-process bus and its Redis fan-out.
type EventsConfig struct {
	BufferSize int         `mapstructure:"buffer_size"`
	Redis      RedisConfig `mapstructure:"redis"`
}

// RedisConfig mirrors bus topics onto Redis channels.
type RedisConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Addr          string        `mapstructure:"addr"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	ChannelPrefix string        `mapstructure:"channel_prefix"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// StorageConfig governs persisted alert retention.
type StorageConfig struct {
	AlertRetention  time.Duration `mapstructure:"alert_retention"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TXWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "txwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("ledger.kind", LedgerSolana)
	v.SetDefault("ledger.rpc_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("ledger.commitment", "confirmed")
	v.SetDefault("ledger.timeout", "10s")

	v.SetDefault("watcher.initial_delay", "2s")
	v.SetDefault("watcher.poll_interval", "4s")
	v.SetDefault("watcher.max_attempts", 30)
	v.SetDefault("watcher.concurrency", 256)
	v.SetDefault("watcher.detail_timeout", "5s")

	v.SetDefault("confirmations.capacity", 1000)
	v.SetDefault("confirmations.window", "1m")
	v.SetDefault("confirmations.metrics_interval", "10s")
	v.SetDefault("confirmations.align_metrics", true)
	v.SetDefault("confirmations.slow_confirmation", "30s")
	v.SetDefault("confirmations.fail_rate_anomaly_pct", 20.0)
	v.SetDefault("confirmations.tps_anomaly", 100.0)

	v.SetDefault("patterns.window", "1h")
	v.SetDefault("patterns.frequency_window", "1m")
	v.SetDefault("patterns.max_records", 500)
	v.SetDefault("patterns.cleanup_interval", "10m")
	v.SetDefault("patterns.cleanup_delay", "0s")
	v.SetDefault("patterns.auto_watch", false)

	v.SetDefault("anomaly.max_frequency_per_minute", 10)
	v.SetDefault("anomaly.max_amount_per_window", "100")
	v.SetDefault("anomaly.suspicious_amount", "50")
	v.SetDefault("anomaly.max_failed_attempts", 5)
	v.SetDefault("anomaly.new_recipient_amount", "10")

	v.SetDefault("alerting.buffer_size", 256)
	v.SetDefault("alerting.send_timeout", "10s")
	v.SetDefault("alerting.persist", false)
	v.SetDefault("alerting.log", true)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.kafka.enabled", false)
	v.SetDefault("alerting.kafka.topic", "txwatch.alerts")
	v.SetDefault("alerting.kafka.batch_timeout", "50ms")
	v.SetDefault("alerting.kafka.write_timeout", "10s")

	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.redis.enabled", false)
	v.SetDefault("events.redis.addr", "localhost:6379")
	v.SetDefault("events.redis.channel_prefix", "txwatch.")
	v.SetDefault("events.redis.timeout", "2s")

	v.SetDefault("storage.alert_retention", "720h")
	v.SetDefault("storage.advisory_lock_key", int64(0x74787761))

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			decimalHook(),
		)
	}
}

// decimalHook decodes strings and numbers into decimal.Decimal.
func decimalHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(decimal.Decimal{})
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(strings.TrimSpace(v))
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		default:
			return data, nil
		}
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	fail := func(format string, args ...any) {
		err = multierr.Append(err, fmt.Errorf(format, args...))
	}

	switch c.Ledger.Kind {
	case LedgerSolana, LedgerEVM:
	default:
		fail("ledger.kind must be %q or %q, got %q", LedgerSolana, LedgerEVM, c.Ledger.Kind)
	}
	if c.Ledger.Timeout <= 0 {
		fail("ledger.timeout must be greater than zero")
	}

	if c.Watcher.InitialDelay < 0 {
		fail("watcher.initial_delay cannot be negative")
	}
	if c.Watcher.PollInterval <= 0 {
		fail("watcher.poll_interval must be greater than zero")
	}
	if c.Watcher.MaxAttempts <= 0 {
		fail("watcher.max_attempts must be greater than zero")
	}
	if c.Watcher.Concurrency <= 0 {
		fail("watcher.concurrency must be greater than zero")
	}

	if c.Confirmations.Capacity <= 0 {
		fail("confirmations.capacity must be greater than zero")
	}
	if c.Confirmations.Window <= 0 {
		fail("confirmations.window must be greater than zero")
	}
	if c.Confirmations.MetricsInterval <= 0 {
		fail("confirmations.metrics_interval must be greater than zero")
	}

	if c.Patterns.Window <= 0 {
		fail("patterns.window must be greater than zero")
	}
	if c.Patterns.MaxRecords <= 0 {
		fail("patterns.max_records must be greater than zero")
	}
	if c.Patterns.CleanupInterval <= 0 {
		fail("patterns.cleanup_interval must be greater than zero")
	}
	if c.Patterns.CleanupDelay < 0 {
		fail("patterns.cleanup_delay cannot be negative")
	}

	if c.Anomaly.MaxFrequencyPerMinute <= 0 {
		fail("anomaly.max_frequency_per_minute must be greater than zero")
	}
	if !c.Anomaly.MaxAmountPerWindow.IsPositive() {
		fail("anomaly.max_amount_per_window must be greater than zero")
	}
	if !c.Anomaly.SuspiciousAmount.IsPositive() {
		fail("anomaly.suspicious_amount must be greater than zero")
	}
	if c.Anomaly.MaxFailedAttempts <= 0 {
		fail("anomaly.max_failed_attempts must be greater than zero")
	}
	if !c.Anomaly.NewRecipientAmount.IsPositive() {
		fail("anomaly.new_recipient_amount must be greater than zero")
	}

	if c.Alerting.BufferSize <= 0 {
		fail("alerting.buffer_size must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			fail("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			fail("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.Kafka.Enabled {
		if len(c.Alerting.Kafka.Brokers) == 0 {
			fail("alerting.kafka.brokers must list at least one broker")
		}
		if c.Alerting.Kafka.Topic == "" {
			fail("alerting.kafka.topic is required")
		}
	}
	if c.Alerting.Persist && c.Database.DSN == "" {
		fail("alerting.persist requires database.dsn")
	}

	if c.Events.BufferSize <= 0 {
		fail("events.buffer_size must be greater than zero")
	}
	if c.Events.Redis.Enabled && c.Events.Redis.Addr == "" {
		fail("events.redis.addr is required when redis is enabled")
	}

	if c.Storage.AlertRetention < 0 {
		fail("storage.alert_retention cannot be negative")
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		fail("http.addr is required when http is enabled")
	}
	if c.Export.MaxDataPoints <= 0 {
		fail("export.max_data_points must be greater than zero")
	}
	return err
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
