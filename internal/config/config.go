package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"siphon-rainrate/internal/logging"
)

// Transports supported for loop packet ingest.
const (
	TransportKafka = "kafka"
	TransportMQTT  = "mqtt"
	TransportHTTP  = "http"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	RainRate  RainRateConfig  `mapstructure:"rainrate"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs the archive period cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// RainRateConfig carries the gauge calibration constants.
type RainRateConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	TipQuantum      float64       `mapstructure:"tip_quantum"`
	EntryLifetime   time.Duration `mapstructure:"entry_lifetime"`
	MergeWindow     time.Duration `mapstructure:"merge_window"`
	RateFloor       float64       `mapstructure:"rate_floor"`
	BootstrapWindow time.Duration `mapstructure:"bootstrap_window"`
}

// IngestConfig selects where loop packets come from and go to.
type IngestConfig struct {
	Transport string      `mapstructure:"transport"`
	Kafka     KafkaConfig `mapstructure:"kafka"`
	MQTT      MQTTConfig  `mapstructure:"mqtt"`
	HTTP      PollConfig  `mapstructure:"http"`
}

// KafkaConfig covers the Kafka consumer and producer.
type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	SourceTopic string   `mapstructure:"source_topic"`
	SinkTopic   string   `mapstructure:"sink_topic"`
	GroupID     string   `mapstructure:"group_id"`
}

// MQTTConfig covers the MQTT subscription and republish topic.
type MQTTConfig struct {
	Broker      string        `mapstructure:"broker"`
	ClientID    string        `mapstructure:"client_id"`
	Topic       string        `mapstructure:"topic"`
	OutputTopic string        `mapstructure:"output_topic"`
	QoS         byte          `mapstructure:"qos"`
	KeepAlive   time.Duration `mapstructure:"keep_alive"`
}

// PollConfig covers polling a station's current-conditions endpoint.
type PollConfig struct {
	URL            string        `mapstructure:"url"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// AlertingConfig defines heavy rain alert thresholds and routing.
type AlertingConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	Threshold float64        `mapstructure:"threshold"`
	Cooldown  time.Duration  `mapstructure:"cooldown"`
	Retention time.Duration  `mapstructure:"retention"`
	Channels  []string       `mapstructure:"channels"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram alert channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// HTTPConfig configures the health and metrics listener.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RAINRATE")
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
	v.SetDefault("app.name", "rainrate")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x7261696e))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("rainrate.enabled", true)
	v.SetDefault("rainrate.tip_quantum", 0.01)
	v.SetDefault("rainrate.entry_lifetime", "30m")
	v.SetDefault("rainrate.merge_window", "2.5s")
	v.SetDefault("rainrate.rate_floor", 0.035)
	v.SetDefault("rainrate.bootstrap_window", "15m")

	v.SetDefault("ingest.transport", TransportKafka)
	v.SetDefault("ingest.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("ingest.kafka.source_topic", "weather-loop")
	v.SetDefault("ingest.kafka.group_id", "rainrate")
	v.SetDefault("ingest.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("ingest.mqtt.client_id", "rainrate")
	v.SetDefault("ingest.mqtt.topic", "weather/loop")
	v.SetDefault("ingest.mqtt.qos", 1)
	v.SetDefault("ingest.mqtt.keep_alive", "30s")
	v.SetDefault("ingest.http.poll_interval", "2s")
	v.SetDefault("ingest.http.request_timeout", "5s")
	v.SetDefault("ingest.http.user_agent", "rainrate/1.0")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.threshold", 1.0)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.retention", "720h")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.Interval%time.Second != 0 {
		return fmt.Errorf("scheduler.interval must be a whole number of seconds")
	}
	if c.RainRate.TipQuantum <= 0 {
		return fmt.Errorf("rainrate.tip_quantum must be greater than zero")
	}
	if c.RainRate.EntryLifetime <= 0 || c.RainRate.MergeWindow <= 0 || c.RainRate.BootstrapWindow <= 0 {
		return fmt.Errorf("rainrate durations must be greater than zero")
	}
	if c.RainRate.RateFloor < 0 {
		return fmt.Errorf("rainrate.rate_floor cannot be negative")
	}
	if c.Alerting.Threshold < 0 {
		return fmt.Errorf("alerting.threshold cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return c.Ingest.validate()
}

func (c IngestConfig) validate() error {
	switch c.Transport {
	case TransportKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("ingest.kafka.brokers is required")
		}
		if c.Kafka.SourceTopic == "" {
			return fmt.Errorf("ingest.kafka.source_topic is required")
		}
	case TransportMQTT:
		if c.MQTT.Broker == "" || c.MQTT.Topic == "" {
			return fmt.Errorf("ingest.mqtt.broker and ingest.mqtt.topic are required")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("ingest.mqtt.qos must be 0, 1 or 2")
		}
	case TransportHTTP:
		if c.HTTP.URL == "" {
			return fmt.Errorf("ingest.http.url is required")
		}
		if c.HTTP.PollInterval <= 0 {
			return fmt.Errorf("ingest.http.poll_interval must be greater than zero")
		}
	default:
		return fmt.Errorf("ingest.transport %q is not supported", c.Transport)
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
