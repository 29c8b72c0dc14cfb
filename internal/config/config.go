package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Environment string            `mapstructure:"environment"`
	LogLevel    string            `mapstructure:"log_level"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Feed        FeedConfig        `mapstructure:"feed"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Instruments InstrumentsConfig `mapstructure:"instruments"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
}

type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	AdminAPIKey string `mapstructure:"admin_api_key" json:"-" yaml:"-"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password" json:"-" yaml:"-"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	DatabaseURL     string        `mapstructure:"database_url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Table           string        `mapstructure:"table"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password" json:"-" yaml:"-"`
	DB       int    `mapstructure:"db"`
}

// FeedConfig configures the upstream Kite connection and its supervision.
type FeedConfig struct {
	APIKey           string        `mapstructure:"api_key"`
	APISecret        string        `mapstructure:"api_secret" json:"-" yaml:"-"`
	UserID           string        `mapstructure:"user_id"`
	Password         string        `mapstructure:"password" json:"-" yaml:"-"`
	TOTPSecret       string        `mapstructure:"totp_secret" json:"-" yaml:"-"`
	AccessToken      string        `mapstructure:"access_token" json:"-" yaml:"-"`
	WSURL            string        `mapstructure:"ws_url"`
	APIURL           string        `mapstructure:"api_url"`
	LoginURL         string        `mapstructure:"login_url"`
	InstrumentsURL   string        `mapstructure:"instruments_url"`
	MaxReconnects    int           `mapstructure:"max_reconnects"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
	LivenessInterval time.Duration `mapstructure:"liveness_interval"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	HTTPTimeout      time.Duration `mapstructure:"http_timeout"`
}

// IngestConfig holds the consumer pool and sink tuning.
type IngestConfig struct {
	Underlyings    []string      `mapstructure:"underlyings"`
	Workers        int           `mapstructure:"workers"`
	HighWaterMark  int           `mapstructure:"high_water_mark"`
	EmergencyDrain int           `mapstructure:"emergency_drain"`
	ConnRetryDelay time.Duration `mapstructure:"conn_retry_delay"`
	JoinTimeout    time.Duration `mapstructure:"join_timeout"`
	LockStripes    int           `mapstructure:"lock_stripes"`
	ResetOnStart   bool          `mapstructure:"reset_on_start"`
}

type MonitorConfig struct {
	QueueInterval      time.Duration `mapstructure:"queue_interval"`
	SystemInterval     time.Duration `mapstructure:"system_interval"`
	SampleInterval     time.Duration `mapstructure:"sample_interval"`
	CPUAlertPercent    float64       `mapstructure:"cpu_alert_percent"`
	MemoryAlertPercent float64       `mapstructure:"memory_alert_percent"`
	QueueWarn          []int         `mapstructure:"queue_warn"`
	SystemQueueWarn    []int         `mapstructure:"system_queue_warn"`
	SnapshotTTL        time.Duration `mapstructure:"snapshot_ttl"`
}

type InstrumentsConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Timezone string        `mapstructure:"timezone"`
}

type TelemetryConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	Exporter       string  `mapstructure:"exporter"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token" json:"-" yaml:"-"`
	ChatID   int64  `mapstructure:"chat_id"`
}

var supportedUnderlyings = map[string]struct{}{
	"NIFTY":  {},
	"SENSEX": {},
}

// legacyEnv maps config keys to the PG* variables older deployments export.
var legacyEnv = map[string]string{
	"database.host":     "PGHOST",
	"database.port":     "PGPORT",
	"database.user":     "PGUSER",
	"database.password": "PGPASSWORD",
	"database.dbname":   "PGDATABASE",
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		envName := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envName, legacy); err != nil {
			return nil, fmt.Errorf("failed to bind %s environment variable: %w", legacy, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)
	for i, u := range config.Ingest.Underlyings {
		config.Ingest.Underlyings[i] = strings.ToUpper(strings.TrimSpace(u))
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if len(c.Ingest.Underlyings) == 0 {
		return errors.New("ingest.underlyings must name at least one underlying")
	}
	for _, u := range c.Ingest.Underlyings {
		if _, ok := supportedUnderlyings[u]; !ok {
			return fmt.Errorf("unsupported underlying %q", u)
		}
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest.workers must be positive, got %d", c.Ingest.Workers)
	}
	if c.Ingest.EmergencyDrain < 1 {
		return fmt.Errorf("ingest.emergency_drain must be positive, got %d", c.Ingest.EmergencyDrain)
	}
	if c.Ingest.LockStripes < 1 {
		return fmt.Errorf("ingest.lock_stripes must be positive, got %d", c.Ingest.LockStripes)
	}
	if c.Feed.MaxReconnects < 1 {
		return fmt.Errorf("feed.max_reconnects must be positive, got %d", c.Feed.MaxReconnects)
	}
	if c.Database.Table == "" {
		return errors.New("database.table is required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Environment
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.admin_api_key", "")

	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "tickstream")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.database_url", "")
	v.SetDefault("database.max_conns", 12)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.table", "live_prices")

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Feed
	v.SetDefault("feed.api_key", "")
	v.SetDefault("feed.api_secret", "")
	v.SetDefault("feed.user_id", "")
	v.SetDefault("feed.password", "")
	v.SetDefault("feed.totp_secret", "")
	v.SetDefault("feed.access_token", "")
	v.SetDefault("feed.ws_url", "wss://ws.kite.trade")
	v.SetDefault("feed.api_url", "https://api.kite.trade")
	v.SetDefault("feed.login_url", "https://kite.zerodha.com")
	v.SetDefault("feed.instruments_url", "https://api.kite.trade/instruments")
	v.SetDefault("feed.max_reconnects", 10)
	v.SetDefault("feed.cooldown", "5s")
	v.SetDefault("feed.stale_after", "300s")
	v.SetDefault("feed.liveness_interval", "1s")
	v.SetDefault("feed.dial_timeout", "15s")
	v.SetDefault("feed.http_timeout", "30s")

	// Ingest
	v.SetDefault("ingest.underlyings", []string{"NIFTY", "SENSEX"})
	v.SetDefault("ingest.workers", 6)
	v.SetDefault("ingest.high_water_mark", 2000)
	v.SetDefault("ingest.emergency_drain", 300)
	v.SetDefault("ingest.conn_retry_delay", "1s")
	v.SetDefault("ingest.join_timeout", "10s")
	v.SetDefault("ingest.lock_stripes", 64)
	v.SetDefault("ingest.reset_on_start", true)

	// Monitor
	v.SetDefault("monitor.queue_interval", "5s")
	v.SetDefault("monitor.system_interval", "10s")
	v.SetDefault("monitor.sample_interval", "1s")
	v.SetDefault("monitor.cpu_alert_percent", 80.0)
	v.SetDefault("monitor.memory_alert_percent", 80.0)
	v.SetDefault("monitor.queue_warn", []int{100, 500, 1000})
	v.SetDefault("monitor.system_queue_warn", []int{500, 1000, 2000})
	v.SetDefault("monitor.snapshot_ttl", "1m")

	// Instruments
	v.SetDefault("instruments.cache_ttl", "12h")
	v.SetDefault("instruments.timezone", "Asia/Kolkata")

	// Telemetry
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.exporter", "otlp")
	v.SetDefault("telemetry.otlp_endpoint", "http://localhost:4318")
	v.SetDefault("telemetry.service_name", "tickstream")
	v.SetDefault("telemetry.service_version", "1.0.0")
	v.SetDefault("telemetry.sample_ratio", 0.1)

	// Telegram
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", 0)
}
