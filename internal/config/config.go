package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Source    SourceConfig
	Analytics AnalyticsConfig
	Logger    LoggerConfig
	Security  SecurityConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// SourceConfig selects where the segment and survival tables come from.
type SourceConfig struct {
	Kind                string
	SegmentsCSV         string
	SurvivalCSV         string
	DatabaseURL         string
	Schema              string
	SegmentsTable       string
	SurvivalProcedure   string
	SurvivalResultTable string
	SurvivalArgs        []string
	FetchRetries        int
	FetchTimeout        time.Duration
	CacheDir            string
	CacheTTL            time.Duration
}

type AnalyticsConfig struct {
	CatalogFile    string
	EntityColumn   string
	TimeColumn     string
	ValueColumn    string
	Direction      string
	MinPopulation  int
	Periods        []string
	TopTransitions int
	// AsOf pins the survival observation date. Zero means today.
	AsOf time.Time
}

type LoggerConfig struct {
	Level  string
	Format string
}

type SecurityConfig struct {
	EnableRateLimit bool
	RateLimitRPS    int
	RateLimitBurst  int
	AllowedOrigins  []string
	TrustedProxies  []string
}

const (
	SourceCSV      = "csv"
	SourcePostgres = "postgres"
)

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnvString("SERVER_HOST", "localhost"),
			Port:            getEnvInt("SERVER_PORT", 8084),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Source: SourceConfig{
			Kind:                strings.ToLower(getEnvString("SOURCE_KIND", SourceCSV)),
			SegmentsCSV:         getEnvString("SEGMENTS_CSV", "data/segments.csv"),
			SurvivalCSV:         getEnvString("SURVIVAL_CSV", "data/survival.csv"),
			DatabaseURL:         getEnvString("DATABASE_URL", ""),
			Schema:              getEnvString("DB_SCHEMA", "analytics"),
			SegmentsTable:       getEnvString("SEGMENTS_TABLE", "segments_hist"),
			SurvivalProcedure:   getEnvString("SURVIVAL_PROCEDURE", "sp_survival_default"),
			SurvivalResultTable: getEnvString("SURVIVAL_RESULT_TABLE", "survival_default"),
			SurvivalArgs:        getEnvStringSlice("SURVIVAL_PROCEDURE_ARGS", nil),
			FetchRetries:        getEnvInt("SOURCE_FETCH_RETRIES", 3),
			FetchTimeout:        getEnvDuration("SOURCE_FETCH_TIMEOUT", 2*time.Minute),
			CacheDir:            getEnvString("SOURCE_CACHE_DIR", ".cache"),
			CacheTTL:            getEnvDuration("SOURCE_CACHE_TTL", 12*time.Hour),
		},
		Analytics: AnalyticsConfig{
			CatalogFile:    getEnvString("CATALOG_FILE", "catalog.toml"),
			EntityColumn:   getEnvString("SEGMENT_ENTITY_COLUMN", "MemberAK"),
			TimeColumn:     getEnvString("SEGMENT_TIME_COLUMN", "yearmon"),
			ValueColumn:    getEnvString("SEGMENT_VALUE_COLUMN", "monetary"),
			Direction:      strings.ToLower(getEnvString("FLOW_DIRECTION", "source")),
			MinPopulation:  getEnvInt("SURVIVAL_MIN_POPULATION", 30),
			Periods:        getEnvStringSlice("SEGMENT_PERIODS", nil),
			TopTransitions: getEnvInt("TOP_TRANSITIONS", 20),
			AsOf:           getEnvDate("AS_OF", time.Time{}),
		},
		Logger: LoggerConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
		},
		Security: SecurityConfig{
			EnableRateLimit: getEnvBool("SECURITY_RATE_LIMIT_ENABLED", true),
			RateLimitRPS:    getEnvInt("SECURITY_RATE_LIMIT_RPS", 100),
			RateLimitBurst:  getEnvInt("SECURITY_RATE_LIMIT_BURST", 10),
			AllowedOrigins:  getEnvStringSlice("SECURITY_ALLOWED_ORIGINS", []string{"http://localhost:8084"}),
			TrustedProxies:  getEnvStringSlice("SECURITY_TRUSTED_PROXIES", []string{"127.0.0.1"}),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	switch c.Source.Kind {
	case SourceCSV:
		if c.Source.SegmentsCSV == "" || c.Source.SurvivalCSV == "" {
			return fmt.Errorf("csv source needs SEGMENTS_CSV and SURVIVAL_CSV")
		}
	case SourcePostgres:
		if c.Source.DatabaseURL == "" {
			return fmt.Errorf("postgres source needs DATABASE_URL")
		}
	default:
		return fmt.Errorf("invalid source kind %q, must be one of: %s, %s", c.Source.Kind, SourceCSV, SourcePostgres)
	}

	if c.Source.FetchRetries < 1 {
		return fmt.Errorf("source fetch retries must be at least 1")
	}

	if c.Source.FetchTimeout <= 0 {
		return fmt.Errorf("source fetch timeout must be positive")
	}

	validDirections := []string{"source", "target"}
	if !contains(validDirections, c.Analytics.Direction) {
		return fmt.Errorf("invalid flow direction %q, must be one of: %s", c.Analytics.Direction, strings.Join(validDirections, ", "))
	}

	if c.Analytics.MinPopulation < 0 {
		return fmt.Errorf("survival minimum population cannot be negative")
	}

	if n := len(c.Analytics.Periods); n != 0 && n != 2 {
		return fmt.Errorf("SEGMENT_PERIODS must name exactly two periods, got %d", n)
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.Logger.Level) {
		return fmt.Errorf("invalid log level %q, must be one of: %s", c.Logger.Level, strings.Join(validLogLevels, ", "))
	}

	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, c.Logger.Format) {
		return fmt.Errorf("invalid log format %q, must be one of: %s", c.Logger.Format, strings.Join(validLogFormats, ", "))
	}

	if c.Security.RateLimitRPS <= 0 {
		return fmt.Errorf("rate limit RPS must be positive")
	}

	if c.Security.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit burst must be positive")
	}

	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvDate(key string, defaultValue time.Time) time.Time {
	if value := os.Getenv(key); value != "" {
		if date, err := time.Parse("2006-01-02", value); err == nil {
			return date
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
