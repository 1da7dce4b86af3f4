package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/taylojo5/theo-core/internal/model"
)

// Config holds all configuration for the approval engine.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Approvals ApprovalsConfig `mapstructure:"approvals"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// StorageConfig contains storage and persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds the Postgres connection string.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings. Redis is optional: it only
// backs the distributed sweep lock, and an empty host disables it.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

// ApprovalsConfig tunes the approval lifecycle.
type ApprovalsConfig struct {
	Expirations   ExpirationConfig `mapstructure:"expirations"`
	WarningWindow time.Duration    `mapstructure:"warning_window"`
}

// ExpirationConfig holds per-risk-level approval lifetimes.
type ExpirationConfig struct {
	Low      time.Duration `mapstructure:"low"`
	Medium   time.Duration `mapstructure:"medium"`
	High     time.Duration `mapstructure:"high"`
	Critical time.Duration `mapstructure:"critical"`
}

// Table converts the configured lifetimes to a risk-level lookup, falling
// back to the model defaults for unset values.
func (e ExpirationConfig) Table() map[string]time.Duration {
	table := map[string]time.Duration{
		model.RiskLow:      e.Low,
		model.RiskMedium:   e.Medium,
		model.RiskHigh:     e.High,
		model.RiskCritical: e.Critical,
	}
	for lvl, d := range table {
		if d <= 0 {
			table[lvl] = model.DefaultRiskExpirations[lvl]
		}
	}
	return table
}

func (a ApprovalsConfig) Validate() error {
	if a.WarningWindow < 0 {
		return fmt.Errorf("approvals.warning_window cannot be negative")
	}
	return nil
}

// SweeperConfig tunes the recurring expiration sweep.
type SweeperConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	Schedule   string        `mapstructure:"schedule"`
	BatchSize  int           `mapstructure:"batch_size"`
	BatchDelay time.Duration `mapstructure:"batch_delay"`
}

func (s SweeperConfig) Validate() error {
	if s.BatchSize < 0 {
		return fmt.Errorf("sweeper.batch_size cannot be negative")
	}
	return nil
}

// LoadConfig loads config from file, with THEO_* environment overrides.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("approvals.expirations.low", "24h")
	viper.SetDefault("approvals.expirations.medium", "12h")
	viper.SetDefault("approvals.expirations.high", "4h")
	viper.SetDefault("approvals.expirations.critical", "1h")
	viper.SetDefault("approvals.warning_window", "30m")
	viper.SetDefault("sweeper.enabled", true)
	viper.SetDefault("sweeper.interval", "1m")
	viper.SetDefault("sweeper.batch_size", 100)
	viper.SetDefault("sweeper.batch_delay", "100ms")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("THEO")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Approvals.Validate(); err != nil {
		panic(err)
	}
	if err := config.Sweeper.Validate(); err != nil {
		panic(err)
	}
	return &config
}
